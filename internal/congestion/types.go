// =============================================================================
// 文件: internal/congestion/types.go
// 描述: 拥塞控制类型定义
// =============================================================================
package congestion

import (
	"time"
)

// Controller 拥塞控制器接口
type Controller interface {
	// Window 当前拥塞窗口 (字节)
	Window() int

	// OnAck 新确认的字节，delay 为对端回显的单向延迟 (µs)，minRTT 为当前最小 RTT
	OnAck(ackedBytes int, delay uint32, minRTT time.Duration, now time.Time)
	// OnLoss 快速重传触发的丢包
	OnLoss()
	// OnTimeout 重传超时
	OnTimeout()

	Stats() Stats
}

// Stats 拥塞控制统计
type Stats struct {
	CongestionWindow int           `json:"cwnd"`
	QueuingDelay     time.Duration `json:"queuing_delay"`
	BaseDelay        uint32        `json:"base_delay_us"`
	LossEvents       uint64        `json:"loss_events"`
	TimeoutEvents    uint64        `json:"timeout_events"`
}
