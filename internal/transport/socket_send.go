// =============================================================================
// 文件: internal/transport/socket_send.go
// 描述: 发送路径 - 分片、拥塞窗口、确认处理与重传
// =============================================================================
package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/utpmux/internal/metrics"
	"github.com/mrcgq/utpmux/internal/packet"
)

// sendLocked 填充公共头部字段后交给路由器发送
func (s *Socket) sendLocked(p *packet.Packet) {
	if p.Type == packet.TypeSyn {
		p.ConnID = s.recvID
	} else {
		p.ConnID = s.sendID
		p.Ack = s.ackNr
		if s.ooo.Len() > 0 && p.Type != packet.TypeReset {
			p.SACK = s.sackLocked()
		}
		// 任何包都携带确认
		s.pendingAcks = 0
		s.ackTimer.stop()
	}
	p.Timestamp = s.clk.Micros()
	p.TimestampDiff = s.replyMicro
	p.Window = s.advertisedWindowLocked()

	s.advertised = p.Window
	s.lastSend = s.clk.Now()
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(len(p.Payload))
	s.router.sendRaw(s.remote, p)
}

func (s *Socket) sendSynLocked() {
	s.synSentAt = s.clk.Now()
	s.handshakeTries++
	s.sendLocked(&packet.Packet{Type: packet.TypeSyn, Seq: s.isn})
}

func (s *Socket) sendSynAckLocked() {
	s.sendLocked(&packet.Packet{Type: packet.TypeSynAck, Seq: s.isn})
}

// sendStateLocked 纯确认包，不占用序号
func (s *Socket) sendStateLocked() {
	s.sendLocked(&packet.Packet{Type: packet.TypeState, Seq: s.seqNr})
}

// flushLocked 在拥塞窗口与对端窗口允许范围内发送排队数据
func (s *Socket) flushLocked() {
	if s.state != StateConnected && s.state != StateFinSent {
		return
	}

	for s.sendQueue.Length() > 0 {
		window := min(s.cc.Window(), s.peerWindow)
		avail := window - s.inflight
		if avail <= 0 {
			break
		}
		queued := s.sendQueue.Length()
		// 有在途数据时不发送小于可用量的碎片
		if s.inflight > 0 && avail < min(s.cfg.PacketSize, queued) {
			break
		}

		n := min(s.cfg.PacketSize, queued, avail)
		buf := make([]byte, n)
		n, _ = s.sendQueue.Read(buf)
		buf = buf[:n]

		op := &outPacket{
			seq:       s.seqNr,
			typ:       packet.TypeData,
			payload:   buf,
			sentAt:    s.clk.Now(),
			transmits: 1,
		}
		s.seqNr++
		s.unacked = append(s.unacked, op)
		s.inflight += n
		s.unackedBytes += n

		s.sendLocked(&packet.Packet{Type: packet.TypeData, Seq: op.seq, Payload: buf})
		s.ensureRTOLocked()
	}

	s.maybeSendFinLocked()
}

// maybeSendFinLocked 所有数据确认后发送 FIN
func (s *Socket) maybeSendFinLocked() {
	if !s.closing || s.finSent || s.sendQueue.Length() > 0 || len(s.unacked) > 0 {
		return
	}
	op := &outPacket{
		seq:       s.seqNr,
		typ:       packet.TypeFin,
		sentAt:    s.clk.Now(),
		transmits: 1,
	}
	s.seqNr++
	s.unacked = append(s.unacked, op)
	s.finSent = true

	s.sendLocked(&packet.Packet{Type: packet.TypeFin, Seq: op.seq})
	// 对端已先关闭，本端数据均已确认，无需等待 FIN 确认
	if s.peerFin {
		s.finishLocked(nil, false)
		return
	}
	s.ensureRTOLocked()
}

// retransmitLocked 重发一个未确认包
func (s *Socket) retransmitLocked(op *outPacket, reason string) {
	op.transmits++
	op.sentAt = s.clk.Now()
	s.stats.Retransmits++
	if reason != metrics.RetransmitTimeout {
		s.stats.FastRetransmits++
	}
	s.metrics.Retransmit(reason)
	s.sendLocked(&packet.Packet{Type: op.typ, Seq: op.seq, Payload: op.payload})
}

// processAckLocked 处理累计确认、选择确认与重复确认
func (s *Socket) processAckLocked(p *packet.Packet) {
	now := s.clk.Now()
	prevWindow := s.peerWindow
	s.peerWindow = int(p.Window)

	acked := 0
	progressed := false
	var sample time.Duration = -1

	for len(s.unacked) > 0 && !seqLess(p.Ack, s.unacked[0].seq) {
		op := s.unacked[0]
		s.unacked[0] = nil
		s.unacked = s.unacked[1:]
		s.unackedBytes -= len(op.payload)
		if !op.sacked {
			s.inflight -= len(op.payload)
			acked += len(op.payload)
		}
		// 只对未重传的包采样
		if op.transmits == 1 {
			sample = now.Sub(op.sentAt)
		}
		if op.typ == packet.TypeFin {
			s.finAcked = true
		}
		progressed = true
	}

	if progressed {
		s.lastAck = p.Ack
		s.dupAcks = 0
		s.fastResent = false
		s.timeouts = 0
		if sample >= 0 {
			s.rtt.Update(sample)
			s.metrics.ObserveRTT(sample)
		}
	} else if s.isDupAckLocked(p, prevWindow) {
		s.dupAcks++
		s.stats.DupAcks++
		if s.dupAcks >= fastRetransmitThreshold && !s.fastResent {
			s.fastResent = true
			s.log.Debug("快速重传", zap.Uint16("seq", s.unacked[0].seq))
			s.retransmitLocked(s.unacked[0], metrics.RetransmitFast)
			s.cc.OnLoss()
		}
	}

	if len(p.SACK) > 0 {
		acked += s.processSACKLocked(p)
	}

	if acked > 0 && p.TimestampDiff != 0 {
		s.cc.OnAck(acked, p.TimestampDiff, s.rtt.GetMinRTT(), now)
		s.metrics.ObserveWindow(s.cc.Window())
	}

	switch {
	case len(s.unacked) == 0:
		s.rtoTimer.stop()
	case progressed:
		s.restartRTOLocked()
	}

	if progressed || acked > 0 || s.peerWindow != prevWindow {
		s.flushLocked()
		s.broadcastLocked()
	}

	if s.finAcked && s.state == StateFinSent {
		s.finishLocked(nil, false)
	}
}

// isDupAckLocked 重复确认：未推进的 STATE，且不是窗口更新
//
// 接收方缓存乱序包时通告窗口随之缩小，因此窗口不变或缩小、或携带选择确认的
// 都计为重复确认；只有窗口变大的纯确认视为窗口更新。
func (s *Socket) isDupAckLocked(p *packet.Packet, prevWindow int) bool {
	if p.Type != packet.TypeState || len(s.unacked) == 0 || p.Ack != s.lastAck {
		return false
	}
	return len(p.SACK) > 0 || s.peerWindow <= prevWindow
}

// processSACKLocked 标记选择确认的包，返回新确认的字节数
func (s *Socket) processSACKLocked(p *packet.Packet) int {
	bm := packet.SACKBitmask(p.SACK)
	acked := 0
	beyondHole := 0

	for _, op := range s.unacked {
		// 位 i 对应 ack+2+i，ack+1 本身就是缺口
		if op.seq == p.Ack+1 {
			continue
		}
		off := int(op.seq - p.Ack - 2)
		if off >= bm.NumBits() {
			break
		}
		if !bm.BitIsSet(off) {
			continue
		}
		beyondHole++
		if !op.sacked {
			op.sacked = true
			s.inflight -= len(op.payload)
			acked += len(op.payload)
		}
	}

	if beyondHole >= fastRetransmitThreshold && len(s.unacked) > 0 &&
		!s.unacked[0].sacked && !s.fastResent {
		s.fastResent = true
		s.log.Debug("选择确认触发重传", zap.Uint16("seq", s.unacked[0].seq))
		s.retransmitLocked(s.unacked[0], metrics.RetransmitSACK)
		s.cc.OnLoss()
	}
	return acked
}
