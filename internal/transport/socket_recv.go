// =============================================================================
// 文件: internal/transport/socket_recv.go
// 描述: 接收路径 - 入站包分发、按序重组、延迟确认与窗口更新
// =============================================================================
package transport

import (
	"go.uber.org/zap"

	"github.com/mrcgq/utpmux/internal/packet"
)

// handlePacket 路由器分发到本连接的入站包
func (s *Socket) handlePacket(p *packet.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.terminal() {
		return
	}
	s.stats.PacketsRecv++

	switch p.Type {
	case packet.TypeReset:
		if s.state == StateSynSent {
			s.log.Debug("连接被拒绝")
			s.finishLocked(ErrConnectRefused, false)
		} else {
			s.log.Debug("连接被对端重置")
			s.finishLocked(ErrConnReset, false)
		}
		return
	case packet.TypeSyn:
		s.handleSynLocked(p)
		return
	case packet.TypeSynAck:
		s.handleSynAckLocked(p)
		return
	}

	// 握手完成前对端序号未知
	if s.state == StateIdle || s.state == StateSynSent {
		return
	}

	s.noteTimestampLocked(p)
	s.processAckLocked(p)
	if s.state.terminal() {
		return
	}

	if p.Type == packet.TypeData || p.Type == packet.TypeFin {
		s.processDataLocked(p)
	}
}

// handleSynLocked 重复 SYN：同一序号重发 SYNACK，否则丢弃
func (s *Socket) handleSynLocked(p *packet.Packet) {
	if s.outbound || p.Seq != s.peerISN {
		s.log.Debug("丢弃冲突的 SYN", zap.Uint16("seq", p.Seq))
		return
	}
	s.noteTimestampLocked(p)
	s.sendSynAckLocked()
}

func (s *Socket) handleSynAckLocked(p *packet.Packet) {
	if !s.outbound {
		return
	}
	if s.state != StateSynSent {
		// 我方对 SYNACK 的确认丢失
		if p.Seq == s.peerISN {
			s.sendStateLocked()
		}
		return
	}
	if p.Ack != s.isn {
		s.log.Debug("SYNACK 确认号不匹配", zap.Uint16("ack", p.Ack), zap.Uint16("isn", s.isn))
		return
	}

	s.peerISN = p.Seq
	s.ackNr = p.Seq
	s.peerWindow = int(p.Window)
	s.noteTimestampLocked(p)
	if s.handshakeTries == 1 {
		sample := s.clk.Now().Sub(s.synSentAt)
		s.rtt.Update(sample)
		s.metrics.ObserveRTT(sample)
	}
	s.handshakeTimer.stop()

	s.setStateLocked(StateConnected)
	s.sendStateLocked()
	s.startKeepaliveLocked()
	s.flushLocked()
}

// processDataLocked 处理 DATA / FIN 的序号与载荷
func (s *Socket) processDataLocked(p *packet.Packet) {
	off := p.Seq - s.ackNr

	// 旧包或重复包：立即确认，对端可能丢了我们的确认
	if off == 0 || off >= 0x8000 {
		s.sendStateLocked()
		return
	}
	if int(off) > s.cfg.MaxOutOfOrder {
		s.log.Debug("超出乱序窗口，丢弃", zap.Uint16("seq", p.Seq), zap.Uint16("ack", s.ackNr))
		return
	}

	fin := p.Type == packet.TypeFin
	if off > 1 {
		s.storeOutOfOrderLocked(s.recvBase+uint64(off), fin, p.Payload)
		return
	}

	if !s.deliverLocked(fin, p.Payload) {
		// 读缓冲已满，不确认，等待重传
		return
	}
	filled := s.ooo.Len() > 0
	s.drainOutOfOrderLocked()

	s.windowTimer.stop()
	s.windowProbes = 0

	switch {
	case fin || filled:
		s.sendStateLocked()
	case s.cfg.AckDelay <= 0:
		s.sendStateLocked()
	default:
		s.pendingAcks++
		if s.pendingAcks >= ackEveryPackets {
			s.sendStateLocked()
		} else if !s.ackTimer.armed() {
			s.armLocked(&s.ackTimer, s.cfg.AckDelay, s.sendStateLocked)
		}
	}

	if s.peerFin {
		s.onPeerFinLocked()
	}
	s.broadcastLocked()
}

func (s *Socket) storeOutOfOrderLocked(useq uint64, fin bool, payload []byte) {
	item := &inPacket{useq: useq, fin: fin, payload: payload}
	if s.ooo.Has(item) {
		s.sendStateLocked()
		return
	}
	if s.oooBytes+len(payload) > s.recvBuf.Free() {
		return
	}
	s.ooo.ReplaceOrInsert(item)
	s.oooBytes += len(payload)
	// 乱序立即确认，携带选择确认
	s.sendStateLocked()
}

// deliverLocked 按序数据写入读缓冲
func (s *Socket) deliverLocked(fin bool, payload []byte) bool {
	if len(payload) > s.recvBuf.Free() {
		return false
	}
	if len(payload) > 0 {
		_, _ = s.recvBuf.Write(payload)
	}
	s.ackNr++
	s.recvBase++
	s.stats.BytesRecv += uint64(len(payload))
	if fin {
		s.peerFin = true
	}
	return true
}

func (s *Socket) drainOutOfOrderLocked() {
	for {
		item, ok := s.ooo.Min()
		if !ok {
			return
		}
		if item.useq <= s.recvBase {
			s.ooo.DeleteMin()
			s.oooBytes -= len(item.payload)
			continue
		}
		if item.useq != s.recvBase+1 || len(item.payload) > s.recvBuf.Free() {
			return
		}
		s.ooo.DeleteMin()
		s.oooBytes -= len(item.payload)
		s.deliverLocked(item.fin, item.payload)
		if item.fin {
			s.ooo.Clear(false)
			s.oooBytes = 0
			return
		}
	}
}

// onPeerFinLocked 对端数据流结束
func (s *Socket) onPeerFinLocked() {
	// 本端 FIN 已发出时双向均已结束
	if s.state == StateFinSent && s.finSent {
		s.finishLocked(nil, false)
	}
}

// advertisedWindowLocked 读缓冲剩余空间减去乱序缓冲占用
func (s *Socket) advertisedWindowLocked() uint32 {
	free := s.recvBuf.Free() - s.oooBytes
	if free < 0 {
		return 0
	}
	return uint32(free)
}

// afterReadLocked 读缓冲从接近满恢复时主动通告窗口
func (s *Socket) afterReadLocked() {
	if s.state.terminal() || s.peerFin {
		return
	}
	mss := uint32(s.cfg.PacketSize)
	if s.advertised < mss && s.advertisedWindowLocked() >= mss {
		s.sendStateLocked()
		s.windowProbes = 0
		s.armLocked(&s.windowTimer, s.rtt.GetRTO(), s.onWindowTimer)
	}
	s.broadcastLocked()
}

// sackLocked 构造选择确认位图
func (s *Socket) sackLocked() []byte {
	top, ok := s.ooo.Max()
	if !ok || top.useq < s.recvBase+2 {
		return nil
	}
	bits := int(top.useq - s.recvBase - 1)
	bm := packet.NewSACKBitmask(bits)
	s.ooo.Ascend(func(item *inPacket) bool {
		if item.useq < s.recvBase+2 {
			return true
		}
		i := int(item.useq - s.recvBase - 2)
		if i >= bm.NumBits() {
			return false
		}
		bm.SetBit(i)
		return true
	})
	return bm
}
