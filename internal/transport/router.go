// =============================================================================
// 文件: internal/transport/router.go
// 描述: 路由器 - 连接表所有者，按 (对端地址, 连接 ID) 分发入站数据包
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/utpmux/internal/clock"
	"github.com/mrcgq/utpmux/internal/metrics"
	"github.com/mrcgq/utpmux/internal/packet"
	"github.com/mrcgq/utpmux/internal/underlay"
)

// Router 多路复用器
type Router struct {
	cfg     *Config
	adapter *Adapter
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.TransportMetrics

	allow    AllowPolicy
	accept   AcceptPolicy
	acceptQ  chan *Socket
	rejected *handshakeFilter

	seed int64

	mu     sync.Mutex
	conns  map[connKey]*Socket
	rnd    *rand.Rand
	closed bool
	done   chan struct{}
}

// NewRouter 在底层通道上创建路由器
func NewRouter(u underlay.Underlay, cfg *Config, opts ...RouterOption) (*Router, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}

	r := &Router{
		cfg:   cfg,
		clock: clock.New(),
		log:   zap.NewNop(),
		allow: AllowAll,
		conns: make(map[connKey]*Socket),
		seed:  time.Now().UnixNano(),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.log = r.log.Named("router").With(zap.Stringer("local", u.LocalAddr()))
	r.rnd = rand.New(rand.NewSource(r.seed))
	r.rejected = newHandshakeFilter(r.clock.Now)
	if r.accept == nil {
		r.acceptQ = make(chan *Socket, cfg.AcceptBacklog)
		r.accept = AcceptFunc(r.enqueueAccepted)
	}

	r.adapter = NewAdapter(u, r.log, r.metrics)
	r.adapter.Bind(r.Dispatch)

	return r, nil
}

// Config 当前配置（只读）
func (r *Router) Config() Config {
	return *r.cfg
}

// LocalAddr 本端地址
func (r *Router) LocalAddr() net.Addr {
	return r.adapter.LocalAddr()
}

// =============================================================================
// 出站
// =============================================================================

// Connect 向对端发起连接，阻塞直到握手完成、失败或 ctx 取消
func (r *Router) Connect(ctx context.Context, peer net.Addr) (*Socket, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	id, ok := r.allocConnIDLocked(peer.String())
	if !ok {
		r.mu.Unlock()
		return nil, ErrConnIDInUse
	}
	s := r.insertOutboundLocked(peer, id)
	r.mu.Unlock()

	return r.finishConnect(ctx, s)
}

// ConnectID 使用指定连接 ID 发起连接
func (r *Router) ConnectID(ctx context.Context, peer net.Addr, id uint16) (*Socket, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	if _, exists := r.conns[makeKey(peer, id)]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrConnIDInUse, id)
	}
	s := r.insertOutboundLocked(peer, id)
	r.mu.Unlock()

	return r.finishConnect(ctx, s)
}

// ConnectTo 解析名称后发起连接
func (r *Router) ConnectTo(ctx context.Context, name string) (*Socket, error) {
	addr, err := r.adapter.Resolve(ctx, name)
	if err != nil {
		r.metrics.ConnectResult(metrics.ResultUnresolved)
		return nil, err
	}
	return r.Connect(ctx, addr)
}

func (r *Router) insertOutboundLocked(peer net.Addr, id uint16) *Socket {
	isn := uint16(r.rnd.Uint32())
	s := newSocket(r, peer, id, id+1, true, isn)
	r.conns[s.key] = s
	r.metrics.SocketOpened()
	return s
}

func (r *Router) finishConnect(ctx context.Context, s *Socket) (*Socket, error) {
	err := s.connect(ctx)
	switch {
	case err == nil:
		r.metrics.ConnectResult(metrics.ResultOK)
		return s, nil
	case ctx.Err() != nil:
		r.metrics.ConnectResult(metrics.ResultCanceled)
	case errors.Is(err, ErrConnectRefused):
		r.metrics.ConnectResult(metrics.ResultRefused)
	default:
		r.metrics.ConnectResult(metrics.ResultTimeout)
	}
	return nil, err
}

// =============================================================================
// 入站
// =============================================================================

// Dispatch 处理底层通道送达的一个数据报
func (r *Router) Dispatch(from net.Addr, data []byte) {
	p, err := packet.Decode(data)
	if err != nil {
		r.metrics.DecodeError()
		r.log.Debug("丢弃格式错误的数据报", zap.Stringer("peer", from), zap.Error(err))
		return
	}
	r.metrics.Packet(metrics.DirectionIn, p.Type.String(), len(p.Payload))

	// SYN 携带发起方的接收 ID，应答方以 ID+1 接收
	id := p.ConnID
	if p.Type == packet.TypeSyn {
		id++
	}
	key := makeKey(from, id)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	s := r.conns[key]
	r.mu.Unlock()

	if s != nil {
		s.handlePacket(p)
		return
	}

	if p.Type != packet.TypeSyn {
		r.log.Debug("未知连接的数据包", zap.Stringer("peer", from),
			zap.Uint16("conn_id", p.ConnID), zap.Stringer("type", p.Type))
		return
	}
	r.handleSyn(from, key, p)
}

// handleSyn 新的入站握手
func (r *Router) handleSyn(from net.Addr, key connKey, p *packet.Packet) {
	if r.rejected.Contains(key.addr, p.ConnID, p.Seq) {
		r.metrics.InboundHandshake(metrics.ResultRejected)
		r.refuse(from, p)
		return
	}

	// 策略在锁外调用
	if r.allow != nil && !r.allow.Allow(r, from, p.ConnID) {
		r.rejected.Add(key.addr, p.ConnID, p.Seq)
		r.metrics.InboundHandshake(metrics.ResultRejected)
		r.log.Debug("握手被拒绝", zap.Stringer("peer", from), zap.Uint16("conn_id", p.ConnID))
		r.refuse(from, p)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if existing, ok := r.conns[key]; ok {
		// 策略判断期间已有同键套接字
		r.mu.Unlock()
		existing.handlePacket(p)
		return
	}
	isn := uint16(r.rnd.Uint32())
	s := newSocket(r, from, p.ConnID+1, p.ConnID, false, isn)
	r.conns[key] = s
	r.mu.Unlock()

	r.metrics.SocketOpened()
	r.metrics.InboundHandshake(metrics.ResultAccepted)
	r.log.Debug("接受入站握手", zap.Stringer("peer", from), zap.Uint16("conn_id", p.ConnID))

	s.acceptSyn(p)
	r.accept.Accept(r, s)
}

// refuse 按配置回复 RESET
func (r *Router) refuse(to net.Addr, syn *packet.Packet) {
	if !r.cfg.RejectWithReset {
		return
	}
	rst := &packet.Packet{
		Type:      packet.TypeReset,
		ConnID:    syn.ConnID,
		Timestamp: r.clock.Micros(),
		Ack:       syn.Seq,
	}
	r.sendRaw(to, rst)
}

func (r *Router) sendRaw(to net.Addr, p *packet.Packet) {
	r.metrics.Packet(metrics.DirectionOut, p.Type.String(), len(p.Payload))
	_ = r.adapter.Send(to, p.Encode())
}

// enqueueAccepted 默认接收策略：放入队列，队列满时销毁
func (r *Router) enqueueAccepted(_ *Router, s *Socket) {
	select {
	case r.acceptQ <- s:
	default:
		r.log.Warn("接受队列已满，丢弃入站连接", zap.Stringer("peer", s.RemoteAddr()))
		s.destroyWith(ErrAcceptQueueFull)
	}
}

// Accept 从接受队列取出一个入站套接字（仅在未设置 AcceptPolicy 时可用）
func (r *Router) Accept(ctx context.Context) (*Socket, error) {
	if r.acceptQ == nil {
		return nil, fmt.Errorf("已设置自定义 AcceptPolicy，Accept 不可用")
	}
	select {
	case s := <-r.acceptQ:
		return s, nil
	case <-r.done:
		return nil, ErrRouterClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// =============================================================================
// 连接表
// =============================================================================

// remove 套接字进入终态后移出连接表
func (r *Router) remove(s *Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[s.key]; ok && cur == s {
		delete(r.conns, s.key)
		r.metrics.SocketClosed()
	}
}

// Lookup 按对端与接收 ID 查找套接字
func (r *Router) Lookup(peer net.Addr, recvID uint16) *Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[makeKey(peer, recvID)]
}

// Sockets 当前所有套接字快照
func (r *Router) Sockets() []*Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Socket, 0, len(r.conns))
	for _, s := range r.conns {
		out = append(out, s)
	}
	return out
}

// SocketCount 实现 metrics.RouterStats
func (r *Router) SocketCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// AcceptQueueLen 实现 metrics.RouterStats
func (r *Router) AcceptQueueLen() int {
	if r.acceptQ == nil {
		return 0
	}
	return len(r.acceptQ)
}

// AcceptBacklog 实现 metrics.RouterStats，自定义 AcceptPolicy 时为 0
func (r *Router) AcceptBacklog() int {
	return cap(r.acceptQ)
}

// RejectedHandshakes 实现 metrics.RouterStats
func (r *Router) RejectedHandshakes() uint64 {
	return r.rejected.Rejected()
}

// SocketStates 实现 metrics.RouterStats
func (r *Router) SocketStates() map[string]int {
	out := make(map[string]int)
	for _, s := range r.Sockets() {
		out[s.State().String()]++
	}
	return out
}

// Close 销毁所有套接字并停止分发，不关闭底层通道
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	socks := make([]*Socket, 0, len(r.conns))
	for _, s := range r.conns {
		socks = append(socks, s)
	}
	r.mu.Unlock()

	// 套接字锁在路由器锁之外获取
	for _, s := range socks {
		s.destroyWith(ErrClosed)
	}
	r.log.Debug("路由器已关闭", zap.Int("sockets", len(socks)))
	return nil
}

var _ metrics.RouterStats = (*Router)(nil)
