// =============================================================================
// 文件: internal/transport/config.go
// 描述: 传输层参数
// =============================================================================
package transport

import (
	"fmt"
	"time"

	"github.com/mrcgq/utpmux/internal/packet"
)

// 默认参数
const (
	DefaultPacketSize       = 1400 - packet.HeaderSize - 36
	DefaultHandshakeTimeout = time.Second
	DefaultHandshakeRetries = 4
	DefaultIncomingTimeout  = 10 * time.Second
	DefaultMaxRecvWindow    = 1 << 20
	DefaultSendBufferSize   = 1 << 20
	DefaultMaxOutOfOrder    = 1024
	DefaultRTOInit          = time.Second
	DefaultRTOMin           = 200 * time.Millisecond
	DefaultRTOMax           = 30 * time.Second
	DefaultMaxRetransmits   = 8
	DefaultAckDelay         = 20 * time.Millisecond
	DefaultTargetDelay      = 100 * time.Millisecond
	DefaultCloseTimeout     = 10 * time.Second
	DefaultKeepalive        = 15 * time.Second
	DefaultAcceptBacklog    = 128

	// 快速重传阈值
	fastRetransmitThreshold = 3
	// 每收到几个按序数据包立即确认
	ackEveryPackets = 2
	// 每 RTT 窗口最大增长
	maxCwndIncreasePerRTT = 3000
)

// Config 传输层配置
type Config struct {
	// 握手
	HandshakeTimeout time.Duration // 单次握手等待时间
	HandshakeRetries int           // 首次之外的重试次数

	// 入站连接
	IncomingPreConnected bool          // 入站连接直接进入 Connected
	IncomingTimeout      time.Duration // 未确认入站连接的存活时限

	// 窗口与缓冲
	MaxRecvWindow  int // 读缓冲大小，即最大通告窗口
	SendBufferSize int // 排队 + 未确认字节上限
	InitialCwnd    int
	MinCwnd        int
	MaxCwnd        int
	PacketSize     int // 单个 DATA 包最大载荷
	MaxOutOfOrder  int // 乱序重组缓冲最多包数

	// 重传
	RTOInit        time.Duration
	RTOMin         time.Duration
	RTOMax         time.Duration
	MaxRetransmits int // 连续超时重传上限

	AckDelay     time.Duration
	TargetDelay  time.Duration
	CloseTimeout time.Duration
	Keepalive    time.Duration // 0 关闭心跳

	RejectWithReset bool // 拒绝握手时回复 RESET
	AcceptBacklog   int
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout:     DefaultHandshakeTimeout,
		HandshakeRetries:     DefaultHandshakeRetries,
		IncomingPreConnected: true,
		IncomingTimeout:      DefaultIncomingTimeout,
		MaxRecvWindow:        DefaultMaxRecvWindow,
		SendBufferSize:       DefaultSendBufferSize,
		InitialCwnd:          4 * DefaultPacketSize,
		MinCwnd:              DefaultPacketSize,
		MaxCwnd:              DefaultSendBufferSize,
		PacketSize:           DefaultPacketSize,
		MaxOutOfOrder:        DefaultMaxOutOfOrder,
		RTOInit:              DefaultRTOInit,
		RTOMin:               DefaultRTOMin,
		RTOMax:               DefaultRTOMax,
		MaxRetransmits:       DefaultMaxRetransmits,
		AckDelay:             DefaultAckDelay,
		TargetDelay:          DefaultTargetDelay,
		CloseTimeout:         DefaultCloseTimeout,
		Keepalive:            DefaultKeepalive,
		RejectWithReset:      true,
		AcceptBacklog:        DefaultAcceptBacklog,
	}
}

// Validate 校验参数
func (c *Config) Validate() error {
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout 必须大于 0")
	}
	if c.HandshakeRetries < 0 {
		return fmt.Errorf("handshake retries 不能为负")
	}
	if c.PacketSize < 1 || c.PacketSize > 65000 {
		return fmt.Errorf("packet size 需在 1-65000 之间: %d", c.PacketSize)
	}
	if c.MaxRecvWindow < c.PacketSize {
		return fmt.Errorf("max recv window (%d) 不能小于 packet size (%d)", c.MaxRecvWindow, c.PacketSize)
	}
	if c.SendBufferSize < c.PacketSize {
		return fmt.Errorf("send buffer size (%d) 不能小于 packet size (%d)", c.SendBufferSize, c.PacketSize)
	}
	if c.MinCwnd <= 0 || c.MaxCwnd < c.MinCwnd {
		return fmt.Errorf("拥塞窗口范围非法: [%d, %d]", c.MinCwnd, c.MaxCwnd)
	}
	if c.InitialCwnd < c.MinCwnd || c.InitialCwnd > c.MaxCwnd {
		return fmt.Errorf("initial cwnd (%d) 需在 [%d, %d] 之间", c.InitialCwnd, c.MinCwnd, c.MaxCwnd)
	}
	if c.MaxOutOfOrder < 1 || c.MaxOutOfOrder > 30000 {
		return fmt.Errorf("max out of order 需在 1-30000 之间")
	}
	if c.RTOMin <= 0 || c.RTOMax < c.RTOMin {
		return fmt.Errorf("RTO 范围非法: [%v, %v]", c.RTOMin, c.RTOMax)
	}
	if c.MaxRetransmits < 1 {
		return fmt.Errorf("max retransmits 至少为 1")
	}
	if c.CloseTimeout <= 0 {
		return fmt.Errorf("close timeout 必须大于 0")
	}
	if !c.IncomingPreConnected && c.IncomingTimeout <= 0 {
		return fmt.Errorf("等待确认模式下 incoming timeout 必须大于 0")
	}
	return nil
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	cp := *c
	if cp.AcceptBacklog <= 0 {
		cp.AcceptBacklog = DefaultAcceptBacklog
	}
	if cp.RTOInit <= 0 {
		cp.RTOInit = DefaultRTOInit
	}
	if cp.TargetDelay <= 0 {
		cp.TargetDelay = DefaultTargetDelay
	}
	return &cp
}
