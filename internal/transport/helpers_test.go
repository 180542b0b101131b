package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mrcgq/utpmux/internal/underlay"
)

// testConfig 小包、短超时，便于在测试中触发重传
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.PacketSize = 200
	cfg.MinCwnd = 200
	cfg.InitialCwnd = 800
	cfg.MaxCwnd = 64 * 1024
	cfg.MaxRecvWindow = 64 * 1024
	cfg.SendBufferSize = 64 * 1024
	cfg.HandshakeTimeout = 100 * time.Millisecond
	cfg.HandshakeRetries = 20
	cfg.RTOInit = 100 * time.Millisecond
	cfg.RTOMin = 20 * time.Millisecond
	cfg.RTOMax = time.Second
	cfg.MaxRetransmits = 20
	cfg.AckDelay = 5 * time.Millisecond
	cfg.CloseTimeout = 5 * time.Second
	cfg.Keepalive = 0
	return cfg
}

type testNode struct {
	ep     *underlay.MemEndpoint
	router *Router
}

func newTestNode(t *testing.T, n *underlay.MemNetwork, name string, cfg *Config, opts ...RouterOption) *testNode {
	t.Helper()
	ep := n.NewEndpoint(name)
	r, err := NewRouter(ep, cfg, opts...)
	if err != nil {
		t.Fatalf("创建路由器失败: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		ep.Close()
	})
	return &testNode{ep: ep, router: r}
}

func (n *testNode) addr() net.Addr {
	return n.ep.LocalAddr()
}

// connectPair 建立一条连接，返回发起方与接收方套接字
func connectPair(t *testing.T, a, b *testNode) (*Socket, *Socket) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := a.router.Connect(ctx, b.addr())
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	server, err := b.router.Accept(ctx)
	if err != nil {
		t.Fatalf("接受失败: %v", err)
	}
	return client, server
}

// readAll 读到 EOF 或出错
func readAll(ctx context.Context, s *Socket) ([]byte, error) {
	var out []byte
	buf := make([]byte, 1024)
	for {
		n, err := s.Read(ctx, buf)
		out = append(out, buf[:n]...)
		if err != nil {
			return out, err
		}
	}
}

// eventually 轮询直到条件成立
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", msg)
}
