// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: 路由器状态收集器 - 抓取时从路由器读取快照
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RouterStats 路由器统计数据接口
type RouterStats interface {
	SocketCount() int
	AcceptQueueLen() int
	AcceptBacklog() int
	RejectedHandshakes() uint64
	SocketStates() map[string]int
}

// RouterCollector 路由器收集器
type RouterCollector struct {
	stats RouterStats

	socketsDesc  *prometheus.Desc
	backlogDesc  *prometheus.Desc
	rejectedDesc *prometheus.Desc
	statesDesc   *prometheus.Desc
}

// NewRouterCollector 创建路由器收集器
func NewRouterCollector(stats RouterStats) *RouterCollector {
	return &RouterCollector{
		stats: stats,
		socketsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "router", "sockets"),
			"Sockets in the router table",
			nil, nil,
		),
		backlogDesc: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "router", "accept_backlog"),
			"Inbound sockets waiting in the accept queue",
			nil, nil,
		),
		rejectedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "router", "rejected_handshakes"),
			"Handshake attempts refused by the allow policy",
			nil, nil,
		),
		statesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "router", "socket_state"),
			"Sockets per connection state",
			[]string{"state"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector
func (c *RouterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.socketsDesc
	ch <- c.backlogDesc
	ch <- c.rejectedDesc
	ch <- c.statesDesc
}

// Collect 实现 prometheus.Collector
func (c *RouterCollector) Collect(ch chan<- prometheus.Metric) {
	if c.stats == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.socketsDesc, prometheus.GaugeValue, float64(c.stats.SocketCount()))
	ch <- prometheus.MustNewConstMetric(c.backlogDesc, prometheus.GaugeValue, float64(c.stats.AcceptQueueLen()))
	ch <- prometheus.MustNewConstMetric(c.rejectedDesc, prometheus.CounterValue, float64(c.stats.RejectedHandshakes()))
	for state, n := range c.stats.SocketStates() {
		ch <- prometheus.MustNewConstMetric(c.statesDesc, prometheus.GaugeValue, float64(n), state)
	}
}
