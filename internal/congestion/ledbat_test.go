package congestion

import (
	"testing"
	"time"
)

func TestLEDBATGrowsBelowTarget(t *testing.T) {
	cfg := DefaultLEDBATConfig()
	l := NewLEDBAT(cfg)
	now := time.Unix(0, 0)
	start := l.Window()

	// 延迟恒定 => 排队延迟为 0，窗口增长
	for i := 0; i < 50; i++ {
		now = now.Add(10 * time.Millisecond)
		l.OnAck(1400, 5000, 20*time.Millisecond, now)
	}
	if l.Window() <= start {
		t.Fatalf("低延迟下窗口应增长: %d <= %d", l.Window(), start)
	}
}

func TestLEDBATShrinksAboveTarget(t *testing.T) {
	cfg := DefaultLEDBATConfig()
	cfg.InitialWindow = 64 * 1400
	l := NewLEDBAT(cfg)
	now := time.Unix(0, 0)

	l.OnAck(1400, 1000, time.Second, now)
	start := l.Window()

	// 单向延迟比基准高 300ms，超过 100ms 目标
	for i := 0; i < 50; i++ {
		now = now.Add(10 * time.Millisecond)
		l.OnAck(1400, 1000+300000, time.Second, now)
	}
	if l.Window() >= start {
		t.Fatalf("高延迟下窗口应收缩: %d >= %d", l.Window(), start)
	}
}

func TestLEDBATGainBoundedPerAck(t *testing.T) {
	l := NewLEDBAT(DefaultLEDBATConfig())
	before := l.Window()
	l.OnAck(before*10, 0, 0, time.Unix(0, 0))
	if inc := l.Window() - before; inc > 3000 {
		t.Fatalf("单次增长超过上限: %d", inc)
	}
}

func TestLEDBATLossAndTimeout(t *testing.T) {
	cfg := DefaultLEDBATConfig()
	cfg.InitialWindow = 20000
	l := NewLEDBAT(cfg)

	l.OnLoss()
	if l.Window() != 10000 {
		t.Fatalf("丢包后窗口应减半: %d", l.Window())
	}
	l.OnTimeout()
	if l.Window() != cfg.MinWindow {
		t.Fatalf("超时后窗口应为最小值: %d", l.Window())
	}
	l.OnLoss()
	if l.Window() != cfg.MinWindow {
		t.Fatalf("窗口不应低于最小值: %d", l.Window())
	}

	s := l.Stats()
	if s.LossEvents != 2 || s.TimeoutEvents != 1 {
		t.Fatalf("事件计数错误: %+v", s)
	}
}

func TestDelayHistoryBase(t *testing.T) {
	var dh DelayHistory
	if dh.Value() != ^uint32(0) {
		t.Fatal("无采样时应返回最大值")
	}
	now := time.Unix(0, 0)
	dh.AddSample(5000, now)
	dh.AddSample(7000, now)
	dh.AddSample(6000, now)
	if dh.Base() != 5000 {
		t.Fatalf("基准延迟应为最小采样: %d", dh.Base())
	}
	if dh.Value() != 0 {
		t.Fatalf("近期排队延迟应取最小: %d", dh.Value())
	}

	// 回绕: 0xffffff00 视为小于 0x100
	var w DelayHistory
	w.AddSample(0x100, now)
	w.AddSample(0xffffff00, now)
	if w.Base() != 0xffffff00 {
		t.Fatalf("回绕比较错误: %x", w.Base())
	}
}

func TestDelayHistoryRollsBase(t *testing.T) {
	var dh DelayHistory
	now := time.Unix(0, 0)
	dh.AddSample(1000, now)
	// 旧基准在所有槽位轮换后被淘汰
	for i := 0; i <= delayBaseHistory; i++ {
		now = now.Add(delayBaseStep)
		dh.AddSample(9000, now)
	}
	if dh.Base() != 9000 {
		t.Fatalf("基准延迟应随时间更新: %d", dh.Base())
	}
}

func TestRTTEstimator(t *testing.T) {
	r := NewRTTEstimator(RTTConfig{InitialRTO: time.Second, MinRTO: 100 * time.Millisecond, MaxRTO: 4 * time.Second})

	if r.GetRTO() != time.Second {
		t.Fatalf("初始 RTO 错误: %v", r.GetRTO())
	}

	r.Update(200 * time.Millisecond)
	if r.GetSmoothedRTT() != 200*time.Millisecond || r.GetRTTVariance() != 100*time.Millisecond {
		t.Fatalf("首个采样初始化错误: srtt=%v var=%v", r.GetSmoothedRTT(), r.GetRTTVariance())
	}
	// 200 + 4*100
	if r.GetRTO() != 600*time.Millisecond {
		t.Fatalf("RTO 计算错误: %v", r.GetRTO())
	}

	r.Backoff()
	if r.GetRTO() != 1200*time.Millisecond {
		t.Fatalf("退避后应翻倍: %v", r.GetRTO())
	}
	for i := 0; i < 10; i++ {
		r.Backoff()
	}
	if r.GetRTO() != 4*time.Second {
		t.Fatalf("RTO 应受上限约束: %v", r.GetRTO())
	}

	r.Update(time.Millisecond)
	if r.GetRTO() < 100*time.Millisecond {
		t.Fatalf("RTO 应受下限约束: %v", r.GetRTO())
	}
	if r.GetMinRTT() != time.Millisecond {
		t.Fatalf("最小 RTT 错误: %v", r.GetMinRTT())
	}
}
