package underlay

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu   sync.Mutex
	got  [][]byte
	from []net.Addr
	ch   chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 1024)}
}

func (c *collector) handle(from net.Addr, data []byte) {
	c.mu.Lock()
	c.got = append(c.got, data)
	c.from = append(c.from, from)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("等待第 %d 个数据报超时", i+1)
		}
	}
}

func TestMemNetworkDelivery(t *testing.T) {
	n := NewMemNetwork()
	a := n.NewEndpoint("a")
	b := n.NewEndpoint("b")
	defer a.Close()
	defer b.Close()

	c := newCollector()
	b.SetHandler(c.handle)

	ctx := context.Background()
	addr, err := a.Resolve(ctx, "b")
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := a.SendTo(ctx, addr, []byte{byte(i)}); err != nil {
			t.Fatalf("发送失败: %v", err)
		}
	}
	c.wait(t, 10)

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.got {
		if d[0] != byte(i) {
			t.Fatalf("无故障时应保持顺序: 第 %d 个是 %d", i, d[0])
		}
		if c.from[i].String() != a.LocalAddr().String() {
			t.Fatalf("来源地址错误: %v", c.from[i])
		}
	}
}

func TestMemNetworkFaults(t *testing.T) {
	n := NewMemNetwork()
	n.Seed(1)
	a := n.NewEndpoint("")
	b := n.NewEndpoint("")
	defer a.Close()
	defer b.Close()

	c := newCollector()
	b.SetHandler(c.handle)

	t.Run("全部丢弃", func(t *testing.T) {
		n.SetFaults(Faults{Loss: 1})
		for i := 0; i < 20; i++ {
			if err := a.SendTo(context.Background(), b.LocalAddr(), []byte("x")); err != nil {
				t.Fatalf("丢包不应返回错误: %v", err)
			}
		}
		time.Sleep(20 * time.Millisecond)
		c.mu.Lock()
		got := len(c.got)
		c.mu.Unlock()
		if got != 0 {
			t.Fatalf("应全部丢弃, 收到 %d", got)
		}
	})

	t.Run("全部重复", func(t *testing.T) {
		n.SetFaults(Faults{Duplicate: 1})
		if err := a.SendTo(context.Background(), b.LocalAddr(), []byte("y")); err != nil {
			t.Fatalf("发送失败: %v", err)
		}
		c.wait(t, 2)
	})
}

func TestMemNetworkErrors(t *testing.T) {
	n := NewMemNetwork()
	a := n.NewEndpoint("")
	b := n.NewEndpoint("")
	b.Close()

	err := a.SendTo(context.Background(), b.LocalAddr(), []byte("z"))
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("期望 ErrUnreachable, 实际 %v", err)
	}
	if _, err := a.Resolve(context.Background(), "nobody"); !errors.Is(err, ErrUnknownName) {
		t.Fatalf("期望 ErrUnknownName, 实际 %v", err)
	}
	a.Close()
	if err := a.SendTo(context.Background(), b.LocalAddr(), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("期望 ErrClosed, 实际 %v", err)
	}
}

func testLoopback(t *testing.T, a, b Underlay) {
	t.Helper()
	c := newCollector()
	b.SetHandler(c.handle)
	a.SetHandler(func(net.Addr, []byte) {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := []byte("datagram over underlay")
	if err := a.SendTo(ctx, b.LocalAddr(), payload); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	c.wait(t, 1)

	c.mu.Lock()
	got, from := c.got[0], c.from[0]
	c.mu.Unlock()
	if !bytes.Equal(got, payload) {
		t.Fatalf("数据不一致: %q", got)
	}

	// 回程使用收到的来源地址
	back := newCollector()
	a.SetHandler(back.handle)
	if err := b.SendTo(ctx, from, []byte("reply")); err != nil {
		t.Fatalf("回程发送失败: %v", err)
	}
	back.wait(t, 1)
}

func TestUDPLoopback(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer b.Close()

	testLoopback(t, a, b)
}

func TestWebSocketLoopback(t *testing.T) {
	a, err := ListenWebSocket("127.0.0.1:0", "/utp", nil)
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer a.Close()
	b, err := ListenWebSocket("127.0.0.1:0", "/utp", nil)
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer b.Close()

	testLoopback(t, a, b)
}

func TestQUICLoopback(t *testing.T) {
	a, err := ListenQUIC("127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer a.Close()
	b, err := ListenQUIC("127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer b.Close()

	testLoopback(t, a, b)
}
