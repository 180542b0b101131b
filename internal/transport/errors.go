// =============================================================================
// 文件: internal/transport/errors.go
// 描述: 传输层错误定义
// =============================================================================
package transport

import (
	"errors"
	"fmt"
)

// 连接建立错误
var (
	ErrConnectTimeout     = errors.New("连接超时: 握手重试耗尽")
	ErrConnectRefused     = errors.New("连接被拒绝")
	ErrAddressResolution  = errors.New("地址解析失败")
	ErrConnIDInUse        = errors.New("连接 ID 已被占用")
	ErrRouterClosed       = errors.New("路由器已关闭")
	ErrAcceptQueueFull    = errors.New("接受队列已满")
	ErrUnderlayNoResolver = errors.New("底层通道不支持地址解析")
)

// 读写错误
var (
	ErrNotConnected = errors.New("连接未建立")
	ErrClosed       = errors.New("连接已关闭")

	// 本端关闭或销毁后的读写错误，同时满足 ErrNotConnected 与 ErrClosed
	errSocketClosed = fmt.Errorf("%w: %w", ErrNotConnected, ErrClosed)
)

// 连接级错误，作为关闭原因附加在读写错误上
var (
	ErrConnTimeout  = errors.New("连接超时: 重传次数耗尽")
	ErrConnReset    = errors.New("连接被对端复位")
	ErrCloseTimeout = errors.New("关闭超时: 对端未确认 FIN")
	ErrIncomingIdle = errors.New("入站连接未在时限内确认")
)
