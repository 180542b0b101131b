package transport

import (
	"testing"
	"time"
)

func TestHandshakeFilter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	f := newHandshakeFilter(func() time.Time { return now })

	if f.Contains("1.2.3.4:5", 10, 100) {
		t.Fatal("空过滤器不应命中")
	}
	f.Add("1.2.3.4:5", 10, 100)

	tests := []struct {
		name   string
		from   string
		connID uint16
		seq    uint16
		want   bool
	}{
		{"相同握手", "1.2.3.4:5", 10, 100, true},
		{"不同序号", "1.2.3.4:5", 10, 101, false},
		{"不同 ID", "1.2.3.4:5", 11, 100, false},
		{"不同地址", "1.2.3.4:6", 10, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Contains(tt.from, tt.connID, tt.seq); got != tt.want {
				t.Errorf("Contains = %v, want %v", got, tt.want)
			}
		})
	}
	if f.Rejected() != 1 {
		t.Fatalf("拒绝计数: %d", f.Rejected())
	}
}

func TestHandshakeFilterExpires(t *testing.T) {
	now := time.Unix(1700000000, 0)
	f := newHandshakeFilter(func() time.Time { return now })
	f.Add("peer", 1, 1)

	// 一代之后仍保留在上一代
	now = now.Add(filterGeneration + time.Second)
	if !f.Contains("peer", 1, 1) {
		t.Fatal("上一代记录应仍可命中")
	}

	now = now.Add(filterGeneration)
	if f.Contains("peer", 1, 1) {
		t.Fatal("两代之后记录应过期")
	}
}

func TestHandshakeFilterBoundedRecent(t *testing.T) {
	now := time.Unix(1700000000, 0)
	f := newHandshakeFilter(func() time.Time { return now })

	// 超过精确缓存容量的拒绝洪泛
	total := recentCacheSize * 4
	for i := 0; i < total; i++ {
		f.Add("flood:1", uint16(i), uint16(i>>16))
	}
	if got := f.recent.len(); got != recentCacheSize {
		t.Fatalf("精确缓存应有界: got %d, want %d", got, recentCacheSize)
	}

	t.Run("最近记录由精确缓存命中", func(t *testing.T) {
		if !f.Contains("flood:1", uint16(total-1), 0) {
			t.Fatal("最近的拒绝记录应命中")
		}
		if recent, _ := f.hitCounts(); recent != 1 {
			t.Fatalf("精确缓存命中次数: %d", recent)
		}
	})

	t.Run("已淘汰记录由布隆过滤器命中", func(t *testing.T) {
		if !f.Contains("flood:1", 0, 0) {
			t.Fatal("被淘汰出精确缓存的记录应由布隆过滤器判定")
		}
		if _, bloomHits := f.hitCounts(); bloomHits != 1 {
			t.Fatalf("布隆过滤器命中次数: %d", bloomHits)
		}
	})

	t.Run("未拒绝的握手不命中", func(t *testing.T) {
		misses := 0
		for i := 0; i < 1000; i++ {
			if f.Contains("other:2", uint16(i), 7) {
				misses++
			}
		}
		if misses != 0 {
			t.Fatalf("新握手被误判为已拒绝: %d", misses)
		}
	})
}
