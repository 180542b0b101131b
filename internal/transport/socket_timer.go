// =============================================================================
// 文件: internal/transport/socket_timer.go
// 描述: 连接定时器 - 握手重试、超时重传、延迟确认、保活与关闭等待
// =============================================================================
package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/utpmux/internal/clock"
	"github.com/mrcgq/utpmux/internal/metrics"
)

// sockTimer 带代次的定时器，过期回调在代次不符时不执行
type sockTimer struct {
	t   clock.Timer
	gen uint64
}

func (st *sockTimer) armed() bool {
	return st.t != nil
}

func (st *sockTimer) stop() {
	if st.t != nil {
		st.t.Stop()
		st.t = nil
	}
	st.gen++
}

// armLocked 启动（或重启）定时器，回调在持锁状态下执行
func (s *Socket) armLocked(st *sockTimer, d time.Duration, f func()) {
	st.stop()
	gen := st.gen
	st.t = s.clk.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if st.gen != gen || s.state.terminal() {
			return
		}
		st.t = nil
		f()
	})
}

func (s *Socket) stopTimersLocked() {
	s.handshakeTimer.stop()
	s.rtoTimer.stop()
	s.ackTimer.stop()
	s.incomingTimer.stop()
	s.keepaliveTimer.stop()
	s.windowTimer.stop()
	s.lingerTimer.stop()
}

// =============================================================================
// 回调
// =============================================================================

func (s *Socket) onHandshakeTimeout() {
	if s.state != StateSynSent {
		return
	}
	if s.handshakeTries > s.cfg.HandshakeRetries {
		s.log.Debug("握手超时", zap.Int("attempts", s.handshakeTries))
		s.finishLocked(ErrConnectTimeout, false)
		return
	}
	s.metrics.Retransmit(metrics.RetransmitTimeout)
	s.sendSynLocked()
	s.armLocked(&s.handshakeTimer, s.cfg.HandshakeTimeout, s.onHandshakeTimeout)
}

func (s *Socket) ensureRTOLocked() {
	if !s.rtoTimer.armed() {
		s.armLocked(&s.rtoTimer, s.rtt.GetRTO(), s.onRTO)
	}
}

func (s *Socket) restartRTOLocked() {
	s.armLocked(&s.rtoTimer, s.rtt.GetRTO(), s.onRTO)
}

// onRTO 超时重传最早的未确认包
func (s *Socket) onRTO() {
	if len(s.unacked) == 0 {
		return
	}
	s.timeouts++
	s.stats.Timeouts++
	if s.timeouts > s.cfg.MaxRetransmits {
		s.log.Debug("重传次数耗尽", zap.Int("timeouts", s.timeouts))
		s.finishLocked(ErrConnTimeout, true)
		return
	}

	s.rtt.Backoff()
	s.cc.OnTimeout()
	s.metrics.ObserveWindow(s.cc.Window())
	s.fastResent = false
	s.dupAcks = 0

	s.retransmitLocked(s.unacked[0], metrics.RetransmitTimeout)
	s.restartRTOLocked()
}

func (s *Socket) onIncomingTimeout() {
	if s.state != StateSynRecv {
		return
	}
	s.log.Debug("入站连接未确认，超时销毁")
	s.finishLocked(ErrIncomingIdle, true)
}

func (s *Socket) startKeepaliveLocked() {
	if s.cfg.Keepalive > 0 {
		s.armLocked(&s.keepaliveTimer, s.cfg.Keepalive, s.onKeepalive)
	}
}

// onKeepalive 发送静默期间补发纯确认
func (s *Socket) onKeepalive() {
	if s.state != StateConnected && s.state != StateFinSent {
		return
	}
	idle := s.clk.Now().Sub(s.lastSend)
	if idle >= s.cfg.Keepalive {
		s.sendStateLocked()
		idle = 0
	}
	s.armLocked(&s.keepaliveTimer, s.cfg.Keepalive-idle, s.onKeepalive)
}

// onWindowTimer 窗口更新可能丢失，重发直到收到新数据
func (s *Socket) onWindowTimer() {
	if s.peerFin || s.windowProbes >= s.cfg.MaxRetransmits {
		return
	}
	s.windowProbes++
	s.sendStateLocked()
	s.armLocked(&s.windowTimer, s.rtt.GetRTO(), s.onWindowTimer)
}

// onLinger 优雅关闭超时，降级为强制销毁
func (s *Socket) onLinger() {
	s.log.Debug("关闭超时，强制销毁")
	s.destroyed = true
	s.finishLocked(ErrCloseTimeout, true)
}
