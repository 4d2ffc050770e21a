// Package benchmark - Per-tier latency measurements for calibrating the
// quality tier table against a model and device.
package benchmark

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// PerformanceMetrics captures the measurements of one scenario.
type PerformanceMetrics struct {
	Scenario        Scenario      `json:"scenario"`
	Timestamp       time.Time     `json:"timestamp"`
	TotalDuration   time.Duration `json:"total_duration"`
	Resize          LatencyStats  `json:"resize"`
	Inference       LatencyStats  `json:"inference"`
	Decode          LatencyStats  `json:"decode"`
	FramesPerSecond float64       `json:"frames_per_second"`
	MemoryStats     MemoryMetrics `json:"memory_stats"`
	CPUStats        CPUMetrics    `json:"cpu_stats"`
	ErrorRate       float64       `json:"error_rate"`
	// WithinTarget is the fraction of inferences at or below the tier target.
	WithinTarget float64 `json:"within_target"`
	// WithinMax is the fraction of inferences at or below the tier max.
	WithinMax float64 `json:"within_max"`
}

// LatencyStats summarizes a set of durations.
type LatencyStats struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	Max   time.Duration `json:"max"`
}

// MemoryMetrics captures memory usage statistics
type MemoryMetrics struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
}

// CPUMetrics captures CPU information
type CPUMetrics struct {
	NumCPU int `json:"num_cpu"`
}

// Summarize computes the statistics of samples. Empty input gives zero stats.
//
// Arguments:
//   - samples: The measured durations.
//
// Returns:
//   - LatencyStats: The summary.
func Summarize(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	xs := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = float64(s)
	}
	sort.Float64s(xs)

	return LatencyStats{
		Count: len(xs),
		Mean:  time.Duration(stat.Mean(xs, nil)),
		P50:   time.Duration(stat.Quantile(0.5, stat.Empirical, xs, nil)),
		P95:   time.Duration(stat.Quantile(0.95, stat.Empirical, xs, nil)),
		Max:   time.Duration(xs[len(xs)-1]),
	}
}

// fractionAtMost returns the share of samples at or below limit.
func fractionAtMost(samples []time.Duration, limit time.Duration) float64 {
	if len(samples) == 0 {
		return 0
	}
	n := 0
	for _, s := range samples {
		if s <= limit {
			n++
		}
	}
	return float64(n) / float64(len(samples))
}
