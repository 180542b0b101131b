// =============================================================================
// 文件: internal/congestion/delay_hist.go
// 描述: 单向延迟历史 - 基准延迟取滚动窗口内最小值，排队延迟取近期最小值
// =============================================================================
package congestion

import (
	"math"
	"time"
)

const (
	curDelaySize     = 3
	delayBaseHistory = 13
	delayBaseStep    = time.Minute
)

// wrappingLess 在 32 位回绕空间内比较 a < b
func wrappingLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// DelayHistory 延迟历史
type DelayHistory struct {
	delayBase uint32

	// 减去基准后的排队延迟 (µs)
	curDelay    [curDelaySize]uint32
	curDelayIdx int

	// 每分钟一个槽位的基准延迟历史
	baseHist     [delayBaseHistory]uint32
	baseIdx      int
	baseStepTime time.Time

	initialized bool
}

// Clear 清空
func (dh *DelayHistory) Clear() {
	*dh = DelayHistory{}
}

// AddSample 记录一次单向延迟采样 (µs，可回绕)
func (dh *DelayHistory) AddSample(sample uint32, now time.Time) {
	if !dh.initialized {
		for i := range dh.baseHist {
			dh.baseHist[i] = sample
		}
		dh.delayBase = sample
		dh.baseStepTime = now
		dh.initialized = true
	}

	if wrappingLess(sample, dh.baseHist[dh.baseIdx]) {
		dh.baseHist[dh.baseIdx] = sample
	}
	if wrappingLess(sample, dh.delayBase) {
		dh.delayBase = sample
	}

	dh.curDelay[dh.curDelayIdx] = sample - dh.delayBase
	dh.curDelayIdx = (dh.curDelayIdx + 1) % curDelaySize

	if now.Sub(dh.baseStepTime) >= delayBaseStep {
		dh.baseStepTime = now
		dh.baseIdx = (dh.baseIdx + 1) % delayBaseHistory
		dh.baseHist[dh.baseIdx] = sample
		dh.delayBase = dh.baseHist[0]
		for _, v := range dh.baseHist {
			if wrappingLess(v, dh.delayBase) {
				dh.delayBase = v
			}
		}
	}
}

// Base 基准延迟
func (dh *DelayHistory) Base() uint32 {
	return dh.delayBase
}

// Value 当前排队延迟估计 (µs)，无采样时返回 MaxUint32
func (dh *DelayHistory) Value() uint32 {
	if !dh.initialized {
		return math.MaxUint32
	}
	v := uint32(math.MaxUint32)
	n := curDelaySize
	for i := 0; i < n; i++ {
		if dh.curDelay[i] < v {
			v = dh.curDelay[i]
		}
	}
	return v
}
