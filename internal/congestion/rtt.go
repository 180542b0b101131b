// =============================================================================
// 文件: internal/congestion/rtt.go
// 描述: RTT 测量与估算 (RFC 6298)，带上下限与指数退避
// =============================================================================
package congestion

import (
	"sync"
	"time"
)

const (
	// RTT 常量
	rttAlpha       = 0.125 // SRTT 平滑因子 (1/8)
	rttBeta        = 0.25  // RTT 方差因子 (1/4)
	defaultInitRTO = time.Second
	defaultMinRTO  = 200 * time.Millisecond
	defaultMaxRTO  = 60 * time.Second
	clockGranule   = time.Millisecond
)

// RTTConfig RTO 边界
type RTTConfig struct {
	InitialRTO time.Duration // 尚无采样时的 RTO
	MinRTO     time.Duration
	MaxRTO     time.Duration
}

// RTTEstimator RTT 估算器
type RTTEstimator struct {
	// 核心 RTT 值
	smoothedRTT time.Duration // 平滑 RTT (SRTT)
	rttVariance time.Duration // RTT 方差 (RTTVAR)
	minRTT      time.Duration // 最小 RTT
	latestRTT   time.Duration // 最新 RTT

	// 退避倍数，收到新的有效采样后清零
	backoff uint

	cfg RTTConfig

	// 统计
	totalSamples uint64

	// 是否已初始化
	initialized bool

	mu sync.RWMutex
}

// NewRTTEstimator 创建 RTT 估算器
func NewRTTEstimator(cfg RTTConfig) *RTTEstimator {
	if cfg.InitialRTO <= 0 {
		cfg.InitialRTO = defaultInitRTO
	}
	if cfg.MinRTO <= 0 {
		cfg.MinRTO = defaultMinRTO
	}
	if cfg.MaxRTO <= 0 {
		cfg.MaxRTO = defaultMaxRTO
	}
	if cfg.MaxRTO < cfg.MinRTO {
		cfg.MaxRTO = cfg.MinRTO
	}
	return &RTTEstimator{cfg: cfg}
}

// Update 更新 RTT (RFC 6298 算法)
//
// 调用方负责 Karn 规则：重传过的包不产生采样。
func (r *RTTEstimator) Update(sample time.Duration) {
	if sample <= 0 {
		sample = time.Microsecond
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.latestRTT = sample
	r.totalSamples++
	r.backoff = 0

	if r.minRTT == 0 || sample < r.minRTT {
		r.minRTT = sample
	}

	if !r.initialized {
		r.smoothedRTT = sample
		r.rttVariance = sample / 2
		r.initialized = true
		return
	}

	// RTTVAR = (1 - beta) * RTTVAR + beta * |SRTT - R|
	diff := r.smoothedRTT - sample
	if diff < 0 {
		diff = -diff
	}
	r.rttVariance = time.Duration(
		float64(r.rttVariance)*(1-rttBeta) + float64(diff)*rttBeta,
	)

	// SRTT = (1 - alpha) * SRTT + alpha * R
	r.smoothedRTT = time.Duration(
		float64(r.smoothedRTT)*(1-rttAlpha) + float64(sample)*rttAlpha,
	)
}

// Backoff 超时后 RTO 翻倍
func (r *RTTEstimator) Backoff() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backoff < 16 {
		r.backoff++
	}
}

// GetSmoothedRTT 获取平滑 RTT
func (r *RTTEstimator) GetSmoothedRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.smoothedRTT
}

// GetMinRTT 获取最小 RTT
func (r *RTTEstimator) GetMinRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.minRTT
}

// GetLatestRTT 获取最新 RTT
func (r *RTTEstimator) GetLatestRTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestRTT
}

// GetRTTVariance 获取 RTT 方差
func (r *RTTEstimator) GetRTTVariance() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rttVariance
}

// GetRTO 计算重传超时 (RFC 6298)
func (r *RTTEstimator) GetRTO() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rto := r.cfg.InitialRTO
	if r.initialized {
		// RTO = SRTT + max(G, 4*RTTVAR)
		v := 4 * r.rttVariance
		if v < clockGranule {
			v = clockGranule
		}
		rto = r.smoothedRTT + v
	}
	for i := uint(0); i < r.backoff && rto < r.cfg.MaxRTO; i++ {
		rto *= 2
	}

	if rto < r.cfg.MinRTO {
		rto = r.cfg.MinRTO
	}
	if rto > r.cfg.MaxRTO {
		rto = r.cfg.MaxRTO
	}
	return rto
}

// IsInitialized 是否已有采样
func (r *RTTEstimator) IsInitialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Samples 采样次数
func (r *RTTEstimator) Samples() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalSamples
}
