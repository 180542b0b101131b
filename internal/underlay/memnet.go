// =============================================================================
// 文件: internal/underlay/memnet.go
// 描述: 进程内模拟网络 - 可注入丢包、重复、乱序与延迟
// =============================================================================
package underlay

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memInboxSize = 8192

// Faults 故障注入参数
type Faults struct {
	Loss      float64       // 丢包概率
	Duplicate float64       // 重复概率
	Reorder   float64       // 乱序概率（额外随机延迟）
	Latency   time.Duration // 固定单向延迟
}

// MemAddr 模拟网络地址
type MemAddr struct {
	ID string
}

// Network 实现 net.Addr
func (a MemAddr) Network() string { return "mem" }

// String 实现 net.Addr
func (a MemAddr) String() string { return a.ID }

// MemNetwork 模拟网络
type MemNetwork struct {
	mu     sync.RWMutex
	nodes  map[string]*MemEndpoint
	names  map[string]string
	faults Faults

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// NewMemNetwork 创建模拟网络
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		nodes: make(map[string]*MemEndpoint),
		names: make(map[string]string),
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetFaults 设置故障注入参数
func (n *MemNetwork) SetFaults(f Faults) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faults = f
}

// Seed 固定随机种子
func (n *MemNetwork) Seed(seed int64) {
	n.rndMu.Lock()
	defer n.rndMu.Unlock()
	n.rnd = rand.New(rand.NewSource(seed))
}

// NewEndpoint 创建端点，name 非空时可通过 Resolve 解析
func (n *MemNetwork) NewEndpoint(name string) *MemEndpoint {
	ep := &MemEndpoint{
		network: n,
		addr:    MemAddr{ID: uuid.NewString()},
		inbox:   newInbox(memInboxSize),
	}
	n.mu.Lock()
	n.nodes[ep.addr.ID] = ep
	if name != "" {
		n.names[name] = ep.addr.ID
	}
	n.mu.Unlock()
	return ep
}

func (n *MemNetwork) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	n.rndMu.Lock()
	defer n.rndMu.Unlock()
	return n.rnd.Float64() < p
}

func (n *MemNetwork) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n.rndMu.Lock()
	defer n.rndMu.Unlock()
	return time.Duration(n.rnd.Int63n(int64(max)))
}

func (n *MemNetwork) lookup(id string) *MemEndpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodes[id]
}

func (n *MemNetwork) remove(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
	for name, v := range n.names {
		if v == id {
			delete(n.names, name)
		}
	}
}

// MemEndpoint 模拟网络端点
type MemEndpoint struct {
	network *MemNetwork
	addr    MemAddr
	inbox   *inbox

	mu     sync.Mutex
	closed bool
	sent   uint64
}

// SendTo 发送数据报
func (e *MemEndpoint) SendTo(ctx context.Context, to net.Addr, data []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.sent++
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	dst := e.network.lookup(to.String())
	if dst == nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, to)
	}

	e.network.mu.RLock()
	f := e.network.faults
	e.network.mu.RUnlock()

	if e.network.chance(f.Loss) {
		return nil
	}

	copies := 1
	if e.network.chance(f.Duplicate) {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		buf := append([]byte(nil), data...)
		delay := f.Latency
		if e.network.chance(f.Reorder) {
			delay += e.network.jitter(f.Latency + 5*time.Millisecond)
		}
		if delay <= 0 {
			dst.inbox.push(e.addr, buf)
			continue
		}
		time.AfterFunc(delay, func() {
			dst.inbox.push(e.addr, buf)
		})
	}
	return nil
}

// SetHandler 设置接收回调
func (e *MemEndpoint) SetHandler(h Handler) {
	e.inbox.setHandler(h)
}

// LocalAddr 本端地址
func (e *MemEndpoint) LocalAddr() net.Addr {
	return e.addr
}

// Sent 已发送数据报数
func (e *MemEndpoint) Sent() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}

// Resolve 名称解析
func (e *MemEndpoint) Resolve(ctx context.Context, name string) (net.Addr, error) {
	e.network.mu.RLock()
	defer e.network.mu.RUnlock()
	if id, ok := e.network.names[name]; ok {
		return MemAddr{ID: id}, nil
	}
	if _, ok := e.network.nodes[name]; ok {
		return MemAddr{ID: name}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownName, name)
}

// Close 关闭端点
func (e *MemEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.network.remove(e.addr.ID)
	e.inbox.close()
	return nil
}

var (
	_ Underlay = (*MemEndpoint)(nil)
	_ Resolver = (*MemEndpoint)(nil)
)
