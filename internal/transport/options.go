// =============================================================================
// 文件: internal/transport/options.go
// 描述: 路由器选项
// =============================================================================
package transport

import (
	"go.uber.org/zap"

	"github.com/mrcgq/utpmux/internal/clock"
	"github.com/mrcgq/utpmux/internal/metrics"
)

// RouterOption 路由器选项
type RouterOption func(*Router)

// WithLogger 设置日志器
func WithLogger(log *zap.Logger) RouterOption {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics 设置指标集合
func WithMetrics(m *metrics.TransportMetrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithClock 设置时钟（测试使用手动时钟）
func WithClock(c clock.Clock) RouterOption {
	return func(r *Router) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithAllowPolicy 设置准入策略，默认全部接受
func WithAllowPolicy(p AllowPolicy) RouterOption {
	return func(r *Router) {
		r.allow = p
	}
}

// WithAcceptPolicy 设置接收回调；未设置时入站套接字进入 Accept 队列
func WithAcceptPolicy(p AcceptPolicy) RouterOption {
	return func(r *Router) {
		r.accept = p
	}
}

// WithSeed 固定随机源（连接 ID 与初始序号）
func WithSeed(seed int64) RouterOption {
	return func(r *Router) {
		r.seed = seed
	}
}
