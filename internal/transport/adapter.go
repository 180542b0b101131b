// =============================================================================
// 文件: internal/transport/adapter.go
// 描述: 底层通道适配 - 发送失败只记录，不拆除连接；地址解析去重
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mrcgq/utpmux/internal/metrics"
	"github.com/mrcgq/utpmux/internal/underlay"
)

const sendTimeout = 5 * time.Second

// Adapter 底层通道适配器
type Adapter struct {
	u       underlay.Underlay
	log     *zap.Logger
	metrics *metrics.TransportMetrics

	resolveGroup singleflight.Group
}

// NewAdapter 创建适配器
func NewAdapter(u underlay.Underlay, log *zap.Logger, m *metrics.TransportMetrics) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{u: u, log: log, metrics: m}
}

// Bind 将底层通道的接收回调指向 h
func (a *Adapter) Bind(h underlay.Handler) {
	a.u.SetHandler(h)
}

// Send 发送一个数据报，失败视为瞬时错误
func (a *Adapter) Send(to net.Addr, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := a.u.SendTo(ctx, to, data); err != nil {
		a.metrics.SendFailure()
		a.log.Debug("发送失败", zap.Stringer("peer", to), zap.Error(err))
		return err
	}
	return nil
}

// Resolve 解析对端名称，同名并发请求只解析一次
func (a *Adapter) Resolve(ctx context.Context, name string) (net.Addr, error) {
	res, ok := a.u.(underlay.Resolver)
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrAddressResolution, ErrUnderlayNoResolver)
	}

	v, err, _ := a.resolveGroup.Do(name, func() (interface{}, error) {
		return res.Resolve(ctx, name)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAddressResolution, name, err)
	}
	return v.(net.Addr), nil
}

// LocalAddr 本端地址
func (a *Adapter) LocalAddr() net.Addr {
	return a.u.LocalAddr()
}
