// =============================================================================
// 文件: internal/packet/packet.go
// 描述: 线上数据包格式 - 20 字节头部 + 扩展链 + 载荷 (网络字节序)
// =============================================================================
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type 包类型
type Type uint8

const (
	TypeData   Type = 0 // 数据
	TypeFin    Type = 1 // 结束
	TypeState  Type = 2 // 纯确认 / 窗口更新 / 心跳
	TypeReset  Type = 3 // 复位
	TypeSyn    Type = 4 // 握手请求
	TypeSynAck Type = 5 // 握手应答

	numTypes = 6
)

const (
	// Version 协议版本
	Version = 1

	// HeaderSize 固定头部长度
	HeaderSize = 20

	// ExtNone 扩展链结束
	ExtNone = 0
	// ExtSelectiveAck 选择确认扩展
	ExtSelectiveAck = 1

	// MaxSACKBytes 选择确认位图最大长度
	MaxSACKBytes = 32
)

// ErrMalformed 数据包格式错误
var ErrMalformed = errors.New("数据包格式错误")

var typeNames = [numTypes]string{"DATA", "FIN", "STATE", "RESET", "SYN", "SYNACK"}

// String 类型名
func (t Type) String() string {
	if int(t) < numTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Valid 是否已知类型
func (t Type) Valid() bool {
	return t < numTypes
}

// Packet 数据包
type Packet struct {
	Type          Type
	ConnID        uint16 // 接收方的连接 ID
	Timestamp     uint32 // 发送时间 (µs)
	TimestampDiff uint32 // 对端单向延迟回显 (µs)
	Window        uint32 // 通告接收窗口 (字节)
	Seq           uint16
	Ack           uint16
	SACK          []byte // 选择确认位图，第 i 位表示 Ack+2+i 已收到
	Payload       []byte
}

// Size 编码后长度
func (p *Packet) Size() int {
	n := HeaderSize + len(p.Payload)
	if len(p.SACK) > 0 {
		n += 2 + len(p.SACK)
	}
	return n
}

// Encode 编码数据包
func (p *Packet) Encode() []byte {
	buf := make([]byte, p.Size())
	p.encodeTo(buf)
	return buf
}

// Encode 编码数据包
func Encode(p *Packet) []byte {
	return p.Encode()
}

func (p *Packet) encodeTo(buf []byte) {
	buf[0] = byte(p.Type)<<4 | Version
	if len(p.SACK) > 0 {
		buf[1] = ExtSelectiveAck
	} else {
		buf[1] = ExtNone
	}
	binary.BigEndian.PutUint16(buf[2:4], p.ConnID)
	binary.BigEndian.PutUint32(buf[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], p.TimestampDiff)
	binary.BigEndian.PutUint32(buf[12:16], p.Window)
	binary.BigEndian.PutUint16(buf[16:18], p.Seq)
	binary.BigEndian.PutUint16(buf[18:20], p.Ack)

	off := HeaderSize
	if len(p.SACK) > 0 {
		buf[off] = ExtNone
		buf[off+1] = byte(len(p.SACK))
		copy(buf[off+2:], p.SACK)
		off += 2 + len(p.SACK)
	}
	copy(buf[off:], p.Payload)
}

// Decode 解码数据包，任何格式问题都返回 ErrMalformed 且不产生部分结果
func Decode(b []byte) (*Packet, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: 长度不足 %d < %d", ErrMalformed, len(b), HeaderSize)
	}
	typ := Type(b[0] >> 4)
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: 未知类型 %d", ErrMalformed, typ)
	}
	if v := b[0] & 0x0f; v != Version {
		return nil, fmt.Errorf("%w: 版本不支持 %d", ErrMalformed, v)
	}

	p := &Packet{
		Type:          typ,
		ConnID:        binary.BigEndian.Uint16(b[2:4]),
		Timestamp:     binary.BigEndian.Uint32(b[4:8]),
		TimestampDiff: binary.BigEndian.Uint32(b[8:12]),
		Window:        binary.BigEndian.Uint32(b[12:16]),
		Seq:           binary.BigEndian.Uint16(b[16:18]),
		Ack:           binary.BigEndian.Uint16(b[18:20]),
	}

	// 扩展链
	off := HeaderSize
	ext := b[1]
	for ext != ExtNone {
		if off+2 > len(b) {
			return nil, fmt.Errorf("%w: 扩展头截断", ErrMalformed)
		}
		next, n := b[off], int(b[off+1])
		off += 2
		if off+n > len(b) {
			return nil, fmt.Errorf("%w: 扩展长度越界 %d", ErrMalformed, n)
		}
		if ext == ExtSelectiveAck {
			if n == 0 || n%4 != 0 || n > MaxSACKBytes {
				return nil, fmt.Errorf("%w: 选择确认长度非法 %d", ErrMalformed, n)
			}
			p.SACK = append([]byte(nil), b[off:off+n]...)
		}
		// 未知扩展跳过
		off += n
		ext = next
	}

	if off < len(b) {
		p.Payload = append([]byte(nil), b[off:]...)
	}
	return p, nil
}

// =============================================================================
// 选择确认位图
// =============================================================================

// SACKBitmask 选择确认位图
type SACKBitmask []byte

// NewSACKBitmask 创建至少容纳 bits 位的位图（按 4 字节对齐）
func NewSACKBitmask(bits int) SACKBitmask {
	n := (bits + 31) / 32 * 4
	if n == 0 {
		n = 4
	}
	if n > MaxSACKBytes {
		n = MaxSACKBytes
	}
	return make(SACKBitmask, n)
}

// NumBits 位数
func (m SACKBitmask) NumBits() int {
	return len(m) * 8
}

// SetBit 置位
func (m SACKBitmask) SetBit(i int) {
	if i >= 0 && i < m.NumBits() {
		m[i/8] |= 1 << uint(i%8)
	}
}

// BitIsSet 是否置位
func (m SACKBitmask) BitIsSet(i int) bool {
	if i < 0 || i >= m.NumBits() {
		return false
	}
	return m[i/8]&(1<<uint(i%8)) != 0
}
