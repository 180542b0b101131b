// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - YAML 加载、默认值、端口冲突检测与传输参数校验
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/utpmux/internal/packet"
	"github.com/mrcgq/utpmux/internal/transport"
	"github.com/mrcgq/utpmux/internal/underlay"
)

// 底层通道类型
const (
	UnderlayMem       = "mem"
	UnderlayUDP       = "udp"
	UnderlayWebSocket = "websocket"
	UnderlayQUIC      = "quic"
)

// Config 主配置
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Underlay  UnderlayConfig  `yaml:"underlay"`
	Transport TransportConfig `yaml:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// UnderlayConfig 底层数据报通道配置
type UnderlayConfig struct {
	Kind   string `yaml:"kind"`
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"` // websocket 路径

	// quic 证书，留空时使用自签名证书
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TransportConfig 传输层参数，时间字段单位为毫秒
type TransportConfig struct {
	HandshakeTimeoutMs   int  `yaml:"handshake_timeout_ms"`
	HandshakeRetries     int  `yaml:"handshake_retries"`
	IncomingPreConnected bool `yaml:"incoming_pre_connected"`
	IncomingTimeoutMs    int  `yaml:"incoming_timeout_ms"`
	MaxRecvWindow        int  `yaml:"max_recv_window"`
	SendBufferSize       int  `yaml:"send_buffer_size"`
	InitialCwnd          int  `yaml:"initial_cwnd"`
	MinCwnd              int  `yaml:"min_cwnd"`
	MaxCwnd              int  `yaml:"max_cwnd"`
	PacketSize           int  `yaml:"packet_size"`
	MaxOutOfOrder        int  `yaml:"max_out_of_order"`
	RTOInitMs            int  `yaml:"rto_init_ms"`
	RTOMinMs             int  `yaml:"rto_min_ms"`
	RTOMaxMs             int  `yaml:"rto_max_ms"`
	MaxRetransmits       int  `yaml:"max_retransmits"`
	AckDelayMs           int  `yaml:"ack_delay_ms"`
	TargetDelayMs        int  `yaml:"target_delay_ms"`
	CloseTimeoutMs       int  `yaml:"close_timeout_ms"`
	KeepaliveMs          int  `yaml:"keepalive_ms"`
	RejectWithReset      bool `yaml:"reject_with_reset"`
	AcceptBacklog        int  `yaml:"accept_backlog"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	d := transport.DefaultConfig()
	return &Config{
		LogLevel:  "info",
		LogFormat: "console",

		Underlay: UnderlayConfig{
			Kind:   UnderlayUDP,
			Listen: ":54321",
			Path:   "/utp",
		},

		Transport: TransportConfig{
			HandshakeTimeoutMs:   ms(d.HandshakeTimeout),
			HandshakeRetries:     d.HandshakeRetries,
			IncomingPreConnected: d.IncomingPreConnected,
			IncomingTimeoutMs:    ms(d.IncomingTimeout),
			MaxRecvWindow:        d.MaxRecvWindow,
			SendBufferSize:       d.SendBufferSize,
			InitialCwnd:          d.InitialCwnd,
			MinCwnd:              d.MinCwnd,
			MaxCwnd:              d.MaxCwnd,
			PacketSize:           d.PacketSize,
			MaxOutOfOrder:        d.MaxOutOfOrder,
			RTOInitMs:            ms(d.RTOInit),
			RTOMinMs:             ms(d.RTOMin),
			RTOMaxMs:             ms(d.RTOMax),
			MaxRetransmits:       d.MaxRetransmits,
			AckDelayMs:           ms(d.AckDelay),
			TargetDelayMs:        ms(d.TargetDelay),
			CloseTimeoutMs:       ms(d.CloseTimeout),
			KeepaliveMs:          ms(d.Keepalive),
			RejectWithReset:      d.RejectWithReset,
			AcceptBacklog:        d.AcceptBacklog,
		},

		Metrics: MetricsConfig{
			Enabled:     false,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},
	}
}

func ms(d time.Duration) int {
	return int(d / time.Millisecond)
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("无效的 log_level: %s (支持: debug, info, warn, error)", c.LogLevel)
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		return fmt.Errorf("无效的 log_format: %s (支持: console, json)", c.LogFormat)
	}

	if err := c.validateUnderlayConfig(); err != nil {
		return err
	}

	if err := c.Transport.ToTransportConfig().Validate(); err != nil {
		return fmt.Errorf("transport 配置无效: %w", err)
	}

	// quic 数据报有长度上限
	if c.Underlay.Kind == UnderlayQUIC {
		limit := underlay.QUICMaxDatagram - packet.HeaderSize - 2 - packet.MaxSACKBytes
		if c.Transport.PacketSize > limit {
			return fmt.Errorf("quic 通道下 packet_size (%d) 不能超过 %d", c.Transport.PacketSize, limit)
		}
	}

	if c.Metrics.Enabled {
		if err := c.validateMetricsConfig(); err != nil {
			return err
		}
	}
	return nil
}

// validateUnderlayConfig 验证底层通道配置
func (c *Config) validateUnderlayConfig() error {
	u := c.Underlay
	switch u.Kind {
	case UnderlayMem:
		return nil
	case UnderlayUDP, UnderlayQUIC:
	case UnderlayWebSocket:
		if !strings.HasPrefix(u.Path, "/") {
			return fmt.Errorf("websocket path 必须以 / 开头: %q", u.Path)
		}
	default:
		return fmt.Errorf("无效的 underlay.kind: %s (支持: mem, udp, websocket, quic)", u.Kind)
	}

	port, err := parsePort(u.Listen)
	if err != nil {
		return fmt.Errorf("underlay.listen 端口格式错误: %w", err)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("underlay.listen 端口越界: %d", port)
	}
	if (u.CertFile == "") != (u.KeyFile == "") {
		return fmt.Errorf("cert_file 与 key_file 必须同时配置")
	}
	return nil
}

// validateMetricsConfig 验证监控配置与端口冲突
func (c *Config) validateMetricsConfig() error {
	metricsPort, err := parsePort(c.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path 必须以 / 开头: %q", c.Metrics.Path)
	}
	if c.Metrics.HealthPath != "" && c.Metrics.HealthPath == c.Metrics.Path {
		return fmt.Errorf("metrics.health_path 与 metrics.path 冲突: %s", c.Metrics.Path)
	}

	// websocket 与 metrics 都是 TCP 监听
	if c.Underlay.Kind == UnderlayWebSocket && metricsPort != 0 {
		if wsPort, _ := parsePort(c.Underlay.Listen); wsPort == metricsPort {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 underlay.listen 冲突", metricsPort)
		}
	}
	return nil
}

// ToTransportConfig 转换为 transport 包的配置
func (t TransportConfig) ToTransportConfig() *transport.Config {
	return &transport.Config{
		HandshakeTimeout:     msDuration(t.HandshakeTimeoutMs),
		HandshakeRetries:     t.HandshakeRetries,
		IncomingPreConnected: t.IncomingPreConnected,
		IncomingTimeout:      msDuration(t.IncomingTimeoutMs),
		MaxRecvWindow:        t.MaxRecvWindow,
		SendBufferSize:       t.SendBufferSize,
		InitialCwnd:          t.InitialCwnd,
		MinCwnd:              t.MinCwnd,
		MaxCwnd:              t.MaxCwnd,
		PacketSize:           t.PacketSize,
		MaxOutOfOrder:        t.MaxOutOfOrder,
		RTOInit:              msDuration(t.RTOInitMs),
		RTOMin:               msDuration(t.RTOMinMs),
		RTOMax:               msDuration(t.RTOMaxMs),
		MaxRetransmits:       t.MaxRetransmits,
		AckDelay:             msDuration(t.AckDelayMs),
		TargetDelay:          msDuration(t.TargetDelayMs),
		CloseTimeout:         msDuration(t.CloseTimeoutMs),
		Keepalive:            msDuration(t.KeepaliveMs),
		RejectWithReset:      t.RejectWithReset,
		AcceptBacklog:        t.AcceptBacklog,
	}
}

func msDuration(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// GetListenPort 获取底层通道监听端口
func (c *Config) GetListenPort() int {
	port, _ := parsePort(c.Underlay.Listen)
	return port
}

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# utpmux 配置文件示例
# =============================================================================

log_level: "info"                   # 日志级别: debug, info, warn, error
log_format: "console"               # 日志格式: console, json

# 底层数据报通道
underlay:
  kind: "udp"                       # mem, udp, websocket, quic
  listen: ":54321"
  path: "/utp"                      # websocket 路径
  cert_file: ""                     # quic 证书，留空使用自签名
  key_file: ""

# 传输层
transport:
  handshake_timeout_ms: 1000        # 单次握手等待
  handshake_retries: 4              # 握手重试次数
  incoming_pre_connected: true      # 入站连接无需确认
  incoming_timeout_ms: 10000        # 未确认入站连接的存活时限
  max_recv_window: 1048576          # 读缓冲 (字节)
  send_buffer_size: 1048576         # 发送缓冲 (字节)
  initial_cwnd: 5376
  min_cwnd: 1344
  max_cwnd: 1048576
  packet_size: 1344                 # 单包最大载荷
  max_out_of_order: 1024            # 乱序缓冲包数
  rto_init_ms: 1000
  rto_min_ms: 200
  rto_max_ms: 30000
  max_retransmits: 8                # 连续超时上限
  ack_delay_ms: 20                  # 延迟确认
  target_delay_ms: 100              # LEDBAT 目标排队延迟
  close_timeout_ms: 10000           # 优雅关闭等待
  keepalive_ms: 15000               # 0 关闭心跳
  reject_with_reset: true
  accept_backlog: 128

# Prometheus 监控
metrics:
  enabled: false
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
