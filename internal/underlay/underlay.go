// =============================================================================
// 文件: internal/underlay/underlay.go
// 描述: 底层不可靠数据报通道接口 - 发送原始字节、接收回调、地址解析
// =============================================================================
package underlay

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

// 错误定义
var (
	ErrClosed      = errors.New("底层通道已关闭")
	ErrUnreachable = errors.New("对端不可达")
	ErrUnknownName = errors.New("无法解析的地址")
)

// Handler 数据报回调，同一端点的数据报串行回调
type Handler func(from net.Addr, data []byte)

// Underlay 底层通道
type Underlay interface {
	SendTo(ctx context.Context, to net.Addr, data []byte) error
	SetHandler(h Handler)
	LocalAddr() net.Addr
	Close() error
}

// Resolver 地址解析（可选能力）
type Resolver interface {
	Resolve(ctx context.Context, name string) (net.Addr, error)
}

// =============================================================================
// 串行投递队列
// =============================================================================

type datagram struct {
	from net.Addr
	data []byte
}

// inbox 单 goroutine 串行调用 Handler
type inbox struct {
	ch      chan datagram
	handler atomic.Pointer[Handler]
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

func newInbox(size int) *inbox {
	in := &inbox{
		ch:   make(chan datagram, size),
		done: make(chan struct{}),
	}
	in.wg.Add(1)
	go in.loop()
	return in
}

func (in *inbox) setHandler(h Handler) {
	in.handler.Store(&h)
}

// push 队列满或已关闭时丢弃
func (in *inbox) push(from net.Addr, data []byte) {
	select {
	case <-in.done:
		return
	default:
	}
	select {
	case in.ch <- datagram{from: from, data: data}:
	default:
		in.dropped.Add(1)
	}
}

func (in *inbox) loop() {
	defer in.wg.Done()
	for {
		select {
		case <-in.done:
			return
		case dg := <-in.ch:
			if h := in.handler.Load(); h != nil && *h != nil {
				(*h)(dg.from, dg.data)
			}
		}
	}
}

// close 停止投递，不等待正在执行的回调
func (in *inbox) close() {
	in.once.Do(func() {
		close(in.done)
	})
}
