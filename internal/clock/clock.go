// =============================================================================
// 文件: internal/clock/clock.go
// 描述: 时钟与定时器抽象 - 真实时钟基于单调时钟，测试使用手动时钟
// =============================================================================
package clock

import (
	"time"

	"github.com/spacemonkeygo/monotime"
)

// Timer 可取消的一次性定时器
type Timer interface {
	// Stop 停止定时器，返回是否在触发前成功停止
	Stop() bool
	// Reset 重新设置触发时间
	Reset(d time.Duration) bool
}

// Clock 时钟接口
type Clock interface {
	// Now 当前时间（用于 RTT 与超时计算）
	Now() time.Time
	// Micros 单调微秒时间戳（用于线上时间戳字段，允许回绕）
	Micros() uint32
	// AfterFunc 在 d 之后于独立 goroutine 中执行 f
	AfterFunc(d time.Duration, f func()) Timer
}

// Real 系统时钟
type Real struct{}

// New 返回系统时钟
func New() Clock {
	return Real{}
}

// Now 当前时间
func (Real) Now() time.Time {
	return time.Now()
}

// Micros 单调微秒
func (Real) Micros() uint32 {
	return uint32(monotime.Monotonic() / time.Microsecond)
}

// AfterFunc 创建定时器
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
