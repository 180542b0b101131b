// =============================================================================
// 文件: internal/congestion/ledbat.go
// 描述: LEDBAT 基于延迟的拥塞控制
// =============================================================================
package congestion

import (
	"sync"
	"time"
)

// LEDBATConfig LEDBAT 参数
type LEDBATConfig struct {
	TargetDelay       time.Duration // 目标排队延迟
	MaxIncreasePerRTT int           // 每 RTT 窗口最大增长 (字节)
	InitialWindow     int
	MinWindow         int
	MaxWindow         int
}

// DefaultLEDBATConfig 默认参数
func DefaultLEDBATConfig() LEDBATConfig {
	return LEDBATConfig{
		TargetDelay:       100 * time.Millisecond,
		MaxIncreasePerRTT: 3000,
		InitialWindow:     4 * 1400,
		MinWindow:         1400,
		MaxWindow:         1 << 20,
	}
}

// LEDBAT 控制器
type LEDBAT struct {
	cfg  LEDBATConfig
	cwnd int
	hist DelayHistory

	lossEvents    uint64
	timeoutEvents uint64

	mu sync.Mutex
}

// NewLEDBAT 创建控制器
func NewLEDBAT(cfg LEDBATConfig) *LEDBAT {
	def := DefaultLEDBATConfig()
	if cfg.TargetDelay <= 0 {
		cfg.TargetDelay = def.TargetDelay
	}
	if cfg.MaxIncreasePerRTT <= 0 {
		cfg.MaxIncreasePerRTT = def.MaxIncreasePerRTT
	}
	if cfg.MinWindow <= 0 {
		cfg.MinWindow = def.MinWindow
	}
	if cfg.MaxWindow < cfg.MinWindow {
		cfg.MaxWindow = cfg.MinWindow
	}
	if cfg.InitialWindow <= 0 {
		cfg.InitialWindow = def.InitialWindow
	}
	l := &LEDBAT{cfg: cfg}
	l.cwnd = clamp(cfg.InitialWindow, cfg.MinWindow, cfg.MaxWindow)
	return l
}

// Window 当前窗口
func (l *LEDBAT) Window() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cwnd
}

// OnAck 按排队延迟与目标的偏差调整窗口
func (l *LEDBAT) OnAck(ackedBytes int, delay uint32, minRTT time.Duration, now time.Time) {
	if ackedBytes <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.hist.AddSample(delay, now)

	// 排队延迟不可能超过 RTT
	ourDelay := int64(l.hist.Value())
	if minRTT > 0 {
		if rtt := int64(minRTT / time.Microsecond); rtt < ourDelay {
			ourDelay = rtt
		}
	}

	target := float64(l.cfg.TargetDelay / time.Microsecond)
	offTarget := target - float64(ourDelay)
	if offTarget > target {
		offTarget = target
	}

	windowFactor := float64(min(ackedBytes, l.cwnd)) / float64(max(l.cwnd, ackedBytes))
	delayFactor := offTarget / target
	gain := float64(l.cfg.MaxIncreasePerRTT) * windowFactor * delayFactor

	l.cwnd = clamp(l.cwnd+int(gain), l.cfg.MinWindow, l.cfg.MaxWindow)
}

// OnLoss 窗口减半
func (l *LEDBAT) OnLoss() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lossEvents++
	l.cwnd = clamp(l.cwnd/2, l.cfg.MinWindow, l.cfg.MaxWindow)
}

// OnTimeout 窗口降到最小
func (l *LEDBAT) OnTimeout() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeoutEvents++
	l.cwnd = l.cfg.MinWindow
}

// Stats 统计
func (l *LEDBAT) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		CongestionWindow: l.cwnd,
		BaseDelay:        l.hist.Base(),
		LossEvents:       l.lossEvents,
		TimeoutEvents:    l.timeoutEvents,
	}
	if v := l.hist.Value(); v != ^uint32(0) {
		s.QueuingDelay = time.Duration(v) * time.Microsecond
	}
	return s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var _ Controller = (*LEDBAT)(nil)
