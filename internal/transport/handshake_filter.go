// =============================================================================
// 文件: internal/transport/handshake_filter.go
// 描述: 已拒绝握手记录 - 重传的 SYN 直接回复，不再询问准入策略
// =============================================================================
package transport

import (
	"container/list"
	"encoding/binary"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// 布隆过滤器参数，误报会让新握手被当作重传直接拒绝，因此误报率取得很低
	filterExpectedItems = 10000
	filterFalsePositive = 1e-6

	// 每代时长，保留当前与上一代
	filterGeneration = 30 * time.Second

	// 最近拒绝记录的精确缓存大小
	recentCacheSize = 1024
)

// filterGen 一代布隆过滤器
type filterGen struct {
	bloom *bloom.BloomFilter
	start time.Time
}

func newFilterGen(now time.Time) *filterGen {
	return &filterGen{
		bloom: bloom.NewWithEstimates(filterExpectedItems, filterFalsePositive),
		start: now,
	}
}

// recentCache 最近拒绝的握手，容量固定，淘汰最旧的
type recentCache struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

type recentEntry struct {
	key string
	at  time.Time
}

func newRecentCache(capacity int) *recentCache {
	return &recentCache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *recentCache) add(key string, now time.Time) {
	if el, ok := c.items[key]; ok {
		el.Value.(*recentEntry).at = now
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&recentEntry{key: key, at: now})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*recentEntry).key)
	}
}

// contains 记录存在且未超过 maxAge
func (c *recentCache) contains(key string, now time.Time, maxAge time.Duration) bool {
	el, ok := c.items[key]
	if !ok {
		return false
	}
	if now.Sub(el.Value.(*recentEntry).at) >= maxAge {
		c.order.Remove(el)
		delete(c.items, key)
		return false
	}
	return true
}

func (c *recentCache) len() int {
	return c.order.Len()
}

// handshakeFilter 已拒绝握手过滤器
//
// 成员判断以两代布隆过滤器为准，内存固定；精确缓存只保存最近的拒绝，
// 命中时省去布隆查询。
type handshakeFilter struct {
	cur, prev *filterGen
	recent    *recentCache
	now       func() time.Time

	rejected   uint64
	recentHits uint64
	bloomHits  uint64

	mu sync.Mutex
}

func newHandshakeFilter(now func() time.Time) *handshakeFilter {
	t := now()
	return &handshakeFilter{
		cur:    newFilterGen(t),
		prev:   newFilterGen(t),
		recent: newRecentCache(recentCacheSize),
		now:    now,
	}
}

func handshakeID(from string, connID, seq uint16) []byte {
	b := make([]byte, 4, 4+len(from))
	binary.BigEndian.PutUint16(b[0:2], connID)
	binary.BigEndian.PutUint16(b[2:4], seq)
	return append(b, from...)
}

// rotateLocked 按时间轮换
func (f *handshakeFilter) rotateLocked(now time.Time) {
	if now.Sub(f.cur.start) < filterGeneration {
		return
	}
	if now.Sub(f.cur.start) >= 2*filterGeneration {
		f.prev = newFilterGen(now)
	} else {
		f.prev = f.cur
	}
	f.cur = newFilterGen(now)
}

// Add 记录一次被拒绝的握手
func (f *handshakeFilter) Add(from string, connID, seq uint16) {
	id := handshakeID(from, connID, seq)

	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	f.rotateLocked(now)
	f.cur.bloom.Add(id)
	f.recent.add(string(id), now)
	f.rejected++
}

// Contains 是否为已拒绝握手的重传
func (f *handshakeFilter) Contains(from string, connID, seq uint16) bool {
	id := handshakeID(from, connID, seq)

	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	f.rotateLocked(now)

	if f.recent.contains(string(id), now, filterGeneration) {
		f.recentHits++
		return true
	}
	if f.cur.bloom.Test(id) || f.prev.bloom.Test(id) {
		f.bloomHits++
		return true
	}
	return false
}

// Rejected 累计拒绝次数
func (f *handshakeFilter) Rejected() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rejected
}

// hitCounts 精确缓存命中与布隆过滤器命中次数
func (f *handshakeFilter) hitCounts() (recent, bloomHits uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recentHits, f.bloomHits
}
