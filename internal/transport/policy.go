// =============================================================================
// 文件: internal/transport/policy.go
// 描述: 入站连接策略 - 握手前的准入判断与握手后的接收回调
// =============================================================================
package transport

import (
	"net"
)

// AllowPolicy 在创建套接字前判断是否接受入站握手
type AllowPolicy interface {
	Allow(r *Router, from net.Addr, connID uint16) bool
}

// AllowFunc 函数适配器
type AllowFunc func(r *Router, from net.Addr, connID uint16) bool

// Allow 实现 AllowPolicy
func (f AllowFunc) Allow(r *Router, from net.Addr, connID uint16) bool {
	return f(r, from, connID)
}

// AcceptPolicy 新的入站套接字交给应用
type AcceptPolicy interface {
	Accept(r *Router, s *Socket)
}

// AcceptFunc 函数适配器
type AcceptFunc func(r *Router, s *Socket)

// Accept 实现 AcceptPolicy
func (f AcceptFunc) Accept(r *Router, s *Socket) {
	f(r, s)
}

// AllowAll 接受所有握手
var AllowAll AllowPolicy = AllowFunc(func(*Router, net.Addr, uint16) bool { return true })

// DenyAll 拒绝所有握手
var DenyAll AllowPolicy = AllowFunc(func(*Router, net.Addr, uint16) bool { return false })
