// =============================================================================
// 文件: pkg/utp/listener.go
// 描述: net.Listener 适配
// =============================================================================
package utp

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/mrcgq/utpmux/internal/transport"
)

type listener struct {
	ep *Endpoint

	once sync.Once
}

func (l *listener) Accept() (net.Conn, error) {
	c, err := l.ep.Accept(context.Background())
	if errors.Is(err, transport.ErrRouterClosed) {
		return nil, net.ErrClosed
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close 关闭整个端点
func (l *listener) Close() error {
	var err error
	l.once.Do(func() { err = l.ep.Close() })
	return err
}

func (l *listener) Addr() net.Addr {
	return l.ep.Addr()
}
