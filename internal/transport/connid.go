// =============================================================================
// 文件: internal/transport/connid.go
// 描述: 连接键与连接 ID 分配
// =============================================================================
package transport

import (
	"net"
)

// connKey (对端地址, 本端接收 ID)
type connKey struct {
	addr string
	id   uint16
}

func makeKey(addr net.Addr, id uint16) connKey {
	return connKey{addr: addr.String(), id: id}
}

// idFreeLocked 检查 id 及其相邻 ID 是否都未被占用
//
// 发起方占用 (peer, X)，应答方占用 (peer, X+1)；
// 避开 X±1 使本端主动分配的 ID 与作为应答方获得的 ID 互不相交。
// 调用方需持有 r.mu
func (r *Router) idFreeLocked(addr string, id uint16) bool {
	for _, v := range [...]uint16{id, id + 1, id - 1} {
		if _, ok := r.conns[connKey{addr: addr, id: v}]; ok {
			return false
		}
	}
	return true
}

// allocConnIDLocked 随机分配出站连接 ID，调用方需持有 r.mu
func (r *Router) allocConnIDLocked(addr string) (uint16, bool) {
	for i := 0; i < 64; i++ {
		id := uint16(r.rnd.Uint32())
		if r.idFreeLocked(addr, id) {
			return id, true
		}
	}
	// 随机失败时顺序扫描
	start := uint16(r.rnd.Uint32())
	for i := 0; i < 1<<16; i++ {
		id := start + uint16(i)
		if r.idFreeLocked(addr, id) {
			return id, true
		}
	}
	return 0, false
}
