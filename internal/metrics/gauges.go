// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 传输层实时埋点指标（Counter/Gauge/Histogram），所有方法允许 nil 接收者
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace 指标命名空间
const Namespace = "utpmux"

// 方向标签
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// 结果标签
const (
	ResultOK         = "ok"
	ResultTimeout    = "timeout"
	ResultRefused    = "refused"
	ResultUnresolved = "unresolved" // 地址解析失败，未发出握手
	ResultCanceled   = "canceled"
	ResultAccepted   = "accepted"
	ResultRejected   = "rejected"
	ResultDropped    = "dropped"
)

// 重传原因
const (
	RetransmitTimeout = "timeout"
	RetransmitFast    = "fast"
	RetransmitSACK    = "sack"
)

// TransportMetrics 传输层指标集合
type TransportMetrics struct {
	ActiveSockets     prometheus.Gauge
	Connects          *prometheus.CounterVec
	InboundHandshakes *prometheus.CounterVec
	Packets           *prometheus.CounterVec
	Bytes             *prometheus.CounterVec
	Retransmits       *prometheus.CounterVec
	DecodeErrors      prometheus.Counter
	SendFailures      prometheus.Counter
	RTT               prometheus.Histogram
	CongestionWindow  prometheus.Histogram
}

// NewTransportMetrics 创建并注册指标集合，registry 为 nil 时只创建不注册
func NewTransportMetrics(registry prometheus.Registerer) *TransportMetrics {
	m := &TransportMetrics{
		ActiveSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_sockets",
			Help:      "Number of sockets currently in the router table",
		}),

		Connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connects_total",
			Help:      "Outbound connect attempts by result",
		}, []string{"result"}),

		InboundHandshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "inbound_handshakes_total",
			Help:      "Inbound handshake requests by decision",
		}, []string{"result"}),

		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "packets_total",
			Help:      "Packets processed by direction and type",
		}, []string{"direction", "type"}),

		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "payload_bytes_total",
			Help:      "Payload bytes by direction",
		}, []string{"direction"}),

		Retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "retransmits_total",
			Help:      "Retransmitted packets by reason",
		}, []string{"reason"}),

		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "decode_errors_total",
			Help:      "Malformed datagrams dropped",
		}),

		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "send_failures_total",
			Help:      "Underlay send failures (transient)",
		}),

		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "rtt_seconds",
			Help:      "Round trip time samples",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),

		CongestionWindow: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "congestion_window_bytes",
			Help:      "Congestion window observed after each ack",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 12),
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.ActiveSockets,
			m.Connects,
			m.InboundHandshakes,
			m.Packets,
			m.Bytes,
			m.Retransmits,
			m.DecodeErrors,
			m.SendFailures,
			m.RTT,
			m.CongestionWindow,
		)
	}

	return m
}

// SocketOpened 套接字加入路由表
func (m *TransportMetrics) SocketOpened() {
	if m == nil {
		return
	}
	m.ActiveSockets.Inc()
}

// SocketClosed 套接字移出路由表
func (m *TransportMetrics) SocketClosed() {
	if m == nil {
		return
	}
	m.ActiveSockets.Dec()
}

// ConnectResult 记录连接结果
func (m *TransportMetrics) ConnectResult(result string) {
	if m == nil {
		return
	}
	m.Connects.WithLabelValues(result).Inc()
}

// InboundHandshake 记录入站握手决策
func (m *TransportMetrics) InboundHandshake(result string) {
	if m == nil {
		return
	}
	m.InboundHandshakes.WithLabelValues(result).Inc()
}

// Packet 记录一个数据包
func (m *TransportMetrics) Packet(direction, typ string, payload int) {
	if m == nil {
		return
	}
	m.Packets.WithLabelValues(direction, typ).Inc()
	if payload > 0 {
		m.Bytes.WithLabelValues(direction).Add(float64(payload))
	}
}

// Retransmit 记录重传
func (m *TransportMetrics) Retransmit(reason string) {
	if m == nil {
		return
	}
	m.Retransmits.WithLabelValues(reason).Inc()
}

// DecodeError 记录解码失败
func (m *TransportMetrics) DecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// SendFailure 记录发送失败
func (m *TransportMetrics) SendFailure() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

// ObserveRTT 记录 RTT 采样
func (m *TransportMetrics) ObserveRTT(rtt time.Duration) {
	if m == nil {
		return
	}
	m.RTT.Observe(rtt.Seconds())
}

// ObserveWindow 记录拥塞窗口
func (m *TransportMetrics) ObserveWindow(cwnd int) {
	if m == nil {
		return
	}
	m.CongestionWindow.Observe(float64(cwnd))
}
