// =============================================================================
// 文件: internal/clock/manual.go
// 描述: 手动推进的时钟，测试中精确控制定时器触发
// =============================================================================
package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual 手动时钟
//
// 定时器只在 Advance 时同步触发，回调在调用 Advance 的 goroutine 中执行，
// 执行回调时不持有时钟锁。
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[*manualTimer]struct{}
}

type manualTimer struct {
	c    *Manual
	at   time.Time
	seq  uint64
	f    func()
	live bool
}

// NewManual 创建从 start 开始的手动时钟
func NewManual(start time.Time) *Manual {
	return &Manual{
		now:    start,
		timers: make(map[*manualTimer]struct{}),
	}
}

// Now 当前时间
func (c *Manual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Micros 以起点为零的微秒数
func (c *Manual) Micros() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(c.now.UnixNano() / int64(time.Microsecond))
}

// AfterFunc 注册定时器
func (c *Manual) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{c: c, at: c.now.Add(d), seq: c.seq, f: f, live: true}
	c.timers[t] = struct{}{}
	return t
}

// Pending 尚未触发的定时器数量
func (c *Manual) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Advance 推进时间并按到期顺序触发定时器
func (c *Manual) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*manualTimer
		for t := range c.timers {
			if !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].seq < due[j].seq
			}
			return due[i].at.Before(due[j].at)
		})
		next := due[0]
		delete(c.timers, next)
		next.live = false
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()

		next.f()
	}
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := t.live
	t.live = false
	delete(t.c.timers, t)
	return was
}

func (t *manualTimer) Reset(d time.Duration) bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := t.live
	t.c.seq++
	t.seq = t.c.seq
	t.at = t.c.now.Add(d)
	t.live = true
	t.c.timers[t] = struct{}{}
	return was
}
