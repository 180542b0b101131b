// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 指标与健康检查服务 - 暴露 Prometheus 指标与路由器状态报告
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// 健康状态
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded" // 接受队列已满，新入站连接将被丢弃
	StatusDown     = "down"     // 未关联路由器或服务已停止
)

// ServerConfig 指标服务配置
type ServerConfig struct {
	Listen      string
	MetricsPath string
	HealthPath  string
	EnablePprof bool
	Version     string
}

// HealthReport 健康报告，内容来自路由器快照
type HealthReport struct {
	Status             string         `json:"status"`
	Version            string         `json:"version,omitempty"`
	Uptime             string         `json:"uptime"`
	Sockets            int            `json:"sockets"`
	States             map[string]int `json:"states,omitempty"`
	AcceptQueue        int            `json:"accept_queue"`
	AcceptBacklog      int            `json:"accept_backlog"`
	RejectedHandshakes uint64         `json:"rejected_handshakes"`
}

// MetricsServer 指标服务器
type MetricsServer struct {
	cfg      ServerConfig
	registry *prometheus.Registry
	log      *zap.Logger
	started  time.Time
	stopped  atomic.Bool

	mu         sync.RWMutex
	router     RouterStats
	httpServer *http.Server
	listener   net.Listener
}

// NewMetricsServer 创建指标服务器，使用独立 registry
func NewMetricsServer(cfg ServerConfig, log *zap.Logger) *MetricsServer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &MetricsServer{
		cfg:      cfg,
		registry: registry,
		log:      log.Named("metrics"),
		started:  time.Now(),
	}
}

// Registry 供 TransportMetrics 注册
func (s *MetricsServer) Registry() *prometheus.Registry {
	return s.registry
}

// WatchRouter 关联路由器：注册路由器收集器，健康报告从其读取
func (s *MetricsServer) WatchRouter(stats RouterStats) error {
	if err := s.registry.Register(NewRouterCollector(stats)); err != nil {
		return fmt.Errorf("注册路由器收集器失败: %w", err)
	}
	s.mu.Lock()
	s.router = stats
	s.mu.Unlock()
	return nil
}

// Report 生成健康报告
func (s *MetricsServer) Report() HealthReport {
	s.mu.RLock()
	router := s.router
	s.mu.RUnlock()

	rep := HealthReport{
		Status:  StatusDown,
		Version: s.cfg.Version,
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
	}
	if router == nil || s.stopped.Load() {
		return rep
	}

	rep.Sockets = router.SocketCount()
	rep.States = router.SocketStates()
	rep.AcceptQueue = router.AcceptQueueLen()
	rep.AcceptBacklog = router.AcceptBacklog()
	rep.RejectedHandshakes = router.RejectedHandshakes()

	rep.Status = StatusOK
	if rep.AcceptBacklog > 0 && rep.AcceptQueue >= rep.AcceptBacklog {
		rep.Status = StatusDegraded
	}
	return rep
}

// Handler 构造路由
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.HealthPath, s.handleHealth)
	mux.HandleFunc(s.cfg.HealthPath+"/ready", s.handleReady)
	mux.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))

	if s.cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// handleHealth 返回 JSON 报告，down 时 503
func (s *MetricsServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	rep := s.Report()
	w.Header().Set("Content-Type", "application/json")
	if rep.Status == StatusDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		s.log.Debug("写入健康报告失败", zap.Error(err))
	}
}

// handleReady 可接受新连接时就绪
func (s *MetricsServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.Report().Status == StatusOK {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("NOT READY"))
}

// Start 启动服务器，ctx 结束时自动停止
func (s *MetricsServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("监听 metrics 端口失败: %w", err)
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("服务器错误", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.log.Info("metrics 服务已启动", zap.Stringer("addr", ln.Addr()))
	return nil
}

// Addr 实际监听地址
func (s *MetricsServer) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 停止服务器，之后报告为 down；可重复调用
func (s *MetricsServer) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Debug("关闭 metrics 服务失败", zap.Error(err))
	}
}
