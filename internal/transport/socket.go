// =============================================================================
// 文件: internal/transport/socket.go
// 描述: 连接状态机 - 握手、读写、关闭与销毁
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/smallnest/ringbuffer"
	"go.uber.org/zap"

	"github.com/mrcgq/utpmux/internal/clock"
	"github.com/mrcgq/utpmux/internal/congestion"
	"github.com/mrcgq/utpmux/internal/metrics"
	"github.com/mrcgq/utpmux/internal/packet"
)

// outPacket 已发送未确认的包
type outPacket struct {
	seq       uint16
	typ       packet.Type
	payload   []byte
	sentAt    time.Time
	transmits int
	sacked    bool
}

// inPacket 乱序到达的包，useq 为展开后的序号
type inPacket struct {
	useq    uint64
	fin     bool
	payload []byte
}

// Stats 连接统计
type Stats struct {
	State           string        `json:"state"`
	PacketsSent     uint64        `json:"packets_sent"`
	PacketsRecv     uint64        `json:"packets_recv"`
	BytesSent       uint64        `json:"bytes_sent"`
	BytesRecv       uint64        `json:"bytes_recv"`
	Retransmits     uint64        `json:"retransmits"`
	FastRetransmits uint64        `json:"fast_retransmits"`
	Timeouts        uint64        `json:"timeouts"`
	DupAcks         uint64        `json:"dup_acks"`
	SRTT            time.Duration `json:"srtt"`
	RTO             time.Duration `json:"rto"`
	CongestionWnd   int           `json:"cwnd"`
	PeerWindow      int           `json:"peer_window"`
	InFlight        int           `json:"in_flight"`
	Buffered        int           `json:"buffered"`
}

// Socket 一条逻辑连接
//
// 所有状态变更（入站包、定时器、API 调用）都在 mu 下串行执行。
type Socket struct {
	router  *Router
	cfg     *Config
	clk     clock.Clock
	log     *zap.Logger
	metrics *metrics.TransportMetrics
	cc      congestion.Controller
	rtt     *congestion.RTTEstimator

	remote   net.Addr
	key      connKey
	recvID   uint16
	sendID   uint16
	outbound bool

	mu        sync.Mutex
	state     State
	changed   chan struct{} // 每次状态变化关闭并替换
	closeErr  error         // 关闭原因，正常关闭为 nil
	destroyed bool          // 本端销毁

	// 握手
	isn            uint16
	peerISN        uint16
	synSentAt      time.Time
	handshakeTries int

	// 发送
	seqNr        uint16
	sendQueue    *ringbuffer.RingBuffer
	unacked      []*outPacket
	unackedBytes int
	inflight     int
	peerWindow   int
	lastAck      uint16
	dupAcks      int
	fastResent   bool
	timeouts     int
	closing      bool
	finSent      bool
	finAcked     bool
	lastSend     time.Time

	// 接收
	ackNr        uint16
	recvBase     uint64
	recvBuf      *ringbuffer.RingBuffer
	ooo          *btree.BTreeG[*inPacket]
	oooBytes     int
	pendingAcks  int
	peerFin      bool
	replyMicro   uint32
	advertised   uint32
	windowProbes int

	// 定时器
	handshakeTimer sockTimer
	rtoTimer       sockTimer
	ackTimer       sockTimer
	incomingTimer  sockTimer
	keepaliveTimer sockTimer
	windowTimer    sockTimer
	lingerTimer    sockTimer

	stats Stats
}

func newSocket(r *Router, peer net.Addr, recvID, sendID uint16, outbound bool, isn uint16) *Socket {
	cfg := r.cfg
	s := &Socket{
		router:   r,
		cfg:      cfg,
		clk:      r.clock,
		metrics:  r.metrics,
		remote:   peer,
		key:      makeKey(peer, recvID),
		recvID:   recvID,
		sendID:   sendID,
		outbound: outbound,
		state:    StateIdle,
		changed:  make(chan struct{}),

		isn:        isn,
		seqNr:      isn + 1,
		lastAck:    isn,
		peerWindow: cfg.PacketSize,
		sendQueue:  ringbuffer.New(cfg.SendBufferSize),
		recvBuf:    ringbuffer.New(cfg.MaxRecvWindow),
		ooo: btree.NewG[*inPacket](8, func(a, b *inPacket) bool {
			return a.useq < b.useq
		}),
	}

	s.cc = congestion.NewLEDBAT(congestion.LEDBATConfig{
		TargetDelay:       cfg.TargetDelay,
		MaxIncreasePerRTT: maxCwndIncreasePerRTT,
		InitialWindow:     cfg.InitialCwnd,
		MinWindow:         cfg.MinCwnd,
		MaxWindow:         cfg.MaxCwnd,
	})
	s.rtt = congestion.NewRTTEstimator(congestion.RTTConfig{
		InitialRTO: cfg.RTOInit,
		MinRTO:     cfg.RTOMin,
		MaxRTO:     cfg.RTOMax,
	})

	s.log = r.log.Named("socket").With(
		zap.Stringer("peer", peer),
		zap.Uint16("conn_id", s.ConnectionID()),
		zap.Bool("outbound", outbound),
	)
	return s
}

// =============================================================================
// 握手
// =============================================================================

// connect 发送 SYN 并等待握手结果
func (s *Socket) connect(ctx context.Context) error {
	s.mu.Lock()
	s.setStateLocked(StateSynSent)
	s.sendSynLocked()
	s.armLocked(&s.handshakeTimer, s.cfg.HandshakeTimeout, s.onHandshakeTimeout)

	for {
		switch {
		case s.state == StateConnected:
			s.mu.Unlock()
			return nil
		case s.state.terminal():
			err := s.closeErr
			s.mu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return err
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			s.destroyWith(ctx.Err())
			return fmt.Errorf("连接取消: %w", ctx.Err())
		}
		s.mu.Lock()
	}
}

// acceptSyn 入站套接字处理首个 SYN 并回复 SYNACK
func (s *Socket) acceptSyn(p *packet.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.peerISN = p.Seq
	s.ackNr = p.Seq
	s.peerWindow = int(p.Window)
	s.noteTimestampLocked(p)
	s.sendSynAckLocked()

	if s.cfg.IncomingPreConnected {
		s.setStateLocked(StateConnected)
		s.startKeepaliveLocked()
		return
	}
	s.setStateLocked(StateSynRecv)
	s.armLocked(&s.incomingTimer, s.cfg.IncomingTimeout, s.onIncomingTimeout)
}

// Confirm 应用确认入站连接 (SynRecv -> Connected)
func (s *Socket) Confirm() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateSynRecv:
		s.incomingTimer.stop()
		s.setStateLocked(StateConnected)
		s.startKeepaliveLocked()
		s.flushLocked()
		return nil
	case StateConnected:
		return nil
	default:
		return s.writableErrLocked()
	}
}

// =============================================================================
// 读写
// =============================================================================

// Read 读取按序字节；无数据时阻塞，对端 FIN 且缓冲读空后返回 io.EOF
func (s *Socket) Read(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	for {
		switch {
		case s.destroyed:
			s.mu.Unlock()
			return 0, errSocketClosed
		case s.state.terminal() && s.closeErr != nil:
			err := s.closeErr
			s.mu.Unlock()
			return 0, fmt.Errorf("%w: %w", ErrNotConnected, err)
		case s.state == StateIdle || s.state == StateSynSent || s.state == StateSynRecv:
			s.mu.Unlock()
			return 0, ErrNotConnected
		}

		if len(p) == 0 {
			s.mu.Unlock()
			return 0, nil
		}
		if s.recvBuf.Length() > 0 {
			n, _ := s.recvBuf.Read(p)
			s.afterReadLocked()
			s.mu.Unlock()
			return n, nil
		}
		if s.peerFin {
			s.mu.Unlock()
			return 0, io.EOF
		}
		if s.state.terminal() {
			s.mu.Unlock()
			return 0, errSocketClosed
		}

		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		s.mu.Lock()
	}
}

// Write 写入发送缓冲；缓冲满时阻塞直到确认释放空间
//
// 返回已接受的字节数，取消时已接受的部分仍会发送。
func (s *Socket) Write(ctx context.Context, p []byte) (int, error) {
	total := 0
	s.mu.Lock()
	for {
		if err := s.writableErrLocked(); err != nil {
			s.mu.Unlock()
			return total, err
		}
		if len(p) == 0 {
			s.mu.Unlock()
			return total, nil
		}

		space := s.writeSpaceLocked()
		if space > 0 {
			n := min(space, len(p))
			if _, err := s.sendQueue.Write(p[:n]); err != nil {
				s.mu.Unlock()
				return total, fmt.Errorf("写入发送缓冲失败: %w", err)
			}
			p = p[n:]
			total += n
			s.flushLocked()
			continue
		}

		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return total, ctx.Err()
		}
		s.mu.Lock()
	}
}

// writeSpaceLocked 可接受的写入字节数
//
// 受发送缓冲与 min(拥塞窗口, 对端窗口) 共同约束；窗口为 0 时仍允许排队一个包，
// 窗口重新打开后立即发出。
func (s *Socket) writeSpaceLocked() int {
	window := max(min(s.cc.Window(), s.peerWindow), s.cfg.PacketSize)
	queued := s.sendQueue.Length()
	return min(
		s.cfg.SendBufferSize-s.unackedBytes-queued,
		window-s.inflight-queued,
	)
}

func (s *Socket) writableErrLocked() error {
	switch {
	case s.destroyed:
		return errSocketClosed
	case s.state.terminal() && s.closeErr != nil:
		return fmt.Errorf("%w: %w", ErrNotConnected, s.closeErr)
	case s.state.terminal(), s.closing:
		return errSocketClosed
	case s.state != StateConnected:
		return ErrNotConnected
	}
	return nil
}

// =============================================================================
// 关闭
// =============================================================================

// Close 发起优雅关闭，立即返回；排队数据发完并确认后发送 FIN
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle, StateSynSent, StateSynRecv:
		s.destroyed = true
		s.finishLocked(nil, true)
	case StateConnected:
		s.closing = true
		s.setStateLocked(StateFinSent)
		s.armLocked(&s.lingerTimer, s.cfg.CloseTimeout, s.onLinger)
		s.flushLocked()
	}
	return nil
}

// CloseWait 关闭并等待结束；超过 CloseTimeout 或 ctx 取消时强制销毁
func (s *Socket) CloseWait(ctx context.Context) error {
	if err := s.Close(); err != nil {
		return err
	}

	s.mu.Lock()
	for !s.state.terminal() {
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			s.destroyWith(ctx.Err())
			return ctx.Err()
		}
		s.mu.Lock()
	}
	err := s.closeErr
	s.mu.Unlock()
	return err
}

// Destroy 立即销毁：丢弃缓冲、尽力发送 RESET、停止全部定时器；可重复调用
func (s *Socket) Destroy() {
	s.destroyWith(nil)
}

func (s *Socket) destroyWith(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	s.destroyed = true
	s.finishLocked(reason, true)
}

// finishLocked 进入终态并移出路由表
func (s *Socket) finishLocked(reason error, sendReset bool) {
	if s.state.terminal() {
		return
	}
	prev := s.state
	s.state = StateDestroying

	if sendReset && prev != StateIdle {
		s.sendLocked(&packet.Packet{Type: packet.TypeReset, Seq: s.seqNr})
	}
	s.stopTimersLocked()

	s.closeErr = reason
	s.unacked = nil
	s.unackedBytes = 0
	s.inflight = 0
	s.sendQueue.Reset()
	s.ooo.Clear(false)
	s.oooBytes = 0
	if s.destroyed || reason != nil {
		s.recvBuf.Reset()
	}

	s.setStateLocked(StateClosed)
	s.router.remove(s)

	if reason != nil {
		s.log.Debug("连接关闭", zap.Stringer("from", prev), zap.Error(reason))
	} else {
		s.log.Debug("连接关闭", zap.Stringer("from", prev), zap.Bool("destroyed", s.destroyed))
	}
}

// =============================================================================
// 查询
// =============================================================================

// IsConnected 是否处于 Connected
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

// State 当前状态
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err 关闭原因
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// ConnectionID 两端一致的连接 ID（发起方的接收 ID）
func (s *Socket) ConnectionID() uint16 {
	if s.outbound {
		return s.recvID
	}
	return s.sendID
}

// RemoteAddr 对端地址
func (s *Socket) RemoteAddr() net.Addr {
	return s.remote
}

// LocalAddr 本端地址
func (s *Socket) LocalAddr() net.Addr {
	return s.router.LocalAddr()
}

// Outbound 是否本端发起
func (s *Socket) Outbound() bool {
	return s.outbound
}

// Router 所属路由器
func (s *Socket) Router() *Router {
	return s.router
}

// Stats 统计快照
func (s *Socket) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.State = s.state.String()
	st.SRTT = s.rtt.GetSmoothedRTT()
	st.RTO = s.rtt.GetRTO()
	st.CongestionWnd = s.cc.Window()
	st.PeerWindow = s.peerWindow
	st.InFlight = s.inflight
	st.Buffered = s.recvBuf.Length()
	return st
}

// =============================================================================
// 内部
// =============================================================================

func (s *Socket) setStateLocked(st State) {
	s.state = st
	s.broadcastLocked()
}

// broadcastLocked 唤醒所有等待者
func (s *Socket) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Socket) noteTimestampLocked(p *packet.Packet) {
	d := s.clk.Micros() - p.Timestamp
	if d == 0 {
		d = 1
	}
	s.replyMicro = d
}

// seqLess 16 位回绕比较 a < b
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}
