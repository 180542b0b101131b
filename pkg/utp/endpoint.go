// =============================================================================
// 文件: pkg/utp/endpoint.go
// 描述: 对外接口 - 在指定底层通道上创建端点，拨号与接受连接
// =============================================================================
package utp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/mrcgq/utpmux/internal/metrics"
	"github.com/mrcgq/utpmux/internal/transport"
	"github.com/mrcgq/utpmux/internal/underlay"
)

// 底层通道类型
const (
	KindMem       = "mem"
	KindUDP       = "udp"
	KindWebSocket = "websocket"
	KindQUIC      = "quic"
)

// Options 端点选项
type Options struct {
	Transport *transport.Config
	Logger    *zap.Logger
	Metrics   *metrics.TransportMetrics

	// websocket 路径
	Path string
	// quic 服务端证书，nil 时使用自签名证书
	TLSConfig *tls.Config
	// mem 通道所在的内存网络
	Network *underlay.MemNetwork

	Allow  transport.AllowPolicy
	Accept transport.AcceptPolicy
}

// Endpoint 一个底层通道与其上的路由器
type Endpoint struct {
	u      underlay.Underlay
	router *transport.Router
	log    *zap.Logger
}

// Listen 按类型创建底层通道并在其上创建端点
//
// mem 通道的 addr 为节点名称。
func Listen(kind, addr string, opts Options) (*Endpoint, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var (
		u   underlay.Underlay
		err error
	)
	switch kind {
	case KindMem:
		if opts.Network == nil {
			return nil, fmt.Errorf("mem 通道需要 Options.Network")
		}
		u = opts.Network.NewEndpoint(addr)
	case KindUDP:
		u, err = underlay.ListenUDP(addr, log)
	case KindWebSocket:
		path := opts.Path
		if path == "" {
			path = "/utp"
		}
		u, err = underlay.ListenWebSocket(addr, path, log)
	case KindQUIC:
		u, err = underlay.ListenQUIC(addr, opts.TLSConfig, log)
	default:
		return nil, fmt.Errorf("不支持的底层通道: %s", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("创建 %s 通道失败: %w", kind, err)
	}

	ep, err := NewEndpoint(u, opts)
	if err != nil {
		u.Close()
		return nil, err
	}
	return ep, nil
}

// NewEndpoint 在已有底层通道上创建端点，端点关闭时一并关闭通道
func NewEndpoint(u underlay.Underlay, opts Options) (*Endpoint, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ropts := []transport.RouterOption{
		transport.WithLogger(log),
		transport.WithMetrics(opts.Metrics),
	}
	if opts.Allow != nil {
		ropts = append(ropts, transport.WithAllowPolicy(opts.Allow))
	}
	if opts.Accept != nil {
		ropts = append(ropts, transport.WithAcceptPolicy(opts.Accept))
	}

	r, err := transport.NewRouter(u, opts.Transport, ropts...)
	if err != nil {
		return nil, err
	}
	return &Endpoint{u: u, router: r, log: log}, nil
}

// Dial 连接对端，addr 由底层通道解析
func (e *Endpoint) Dial(ctx context.Context, addr string) (*Conn, error) {
	s, err := e.router.ConnectTo(ctx, addr)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: e.u.LocalAddr().Network(), Addr: nil, Err: err}
	}
	return newConn(s), nil
}

// Accept 等待下一条入站连接
func (e *Endpoint) Accept(ctx context.Context) (*Conn, error) {
	for {
		s, err := e.router.Accept(ctx)
		if err != nil {
			return nil, err
		}
		// 等待确认模式下由接受方确认；排队期间已失效的连接跳过
		if err := s.Confirm(); err != nil {
			e.log.Debug("跳过已失效的入站连接", zap.Stringer("peer", s.RemoteAddr()), zap.Error(err))
			s.Destroy()
			continue
		}
		return newConn(s), nil
	}
}

// Listener 以 net.Listener 形式暴露 Accept
func (e *Endpoint) Listener() net.Listener {
	return &listener{ep: e}
}

// Addr 本端地址
func (e *Endpoint) Addr() net.Addr {
	return e.u.LocalAddr()
}

// Router 底层路由器
func (e *Endpoint) Router() *transport.Router {
	return e.router
}

// Close 关闭路由器与底层通道
func (e *Endpoint) Close() error {
	rerr := e.router.Close()
	uerr := e.u.Close()
	if rerr != nil {
		return rerr
	}
	return uerr
}
