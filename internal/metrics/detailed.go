package metrics

import (
	"sync"
	"time"
)

// OperationType identifies a request class handled by the daemon
type OperationType string

const (
	OpGet     OperationType = "get"
	OpPut     OperationType = "put"
	OpDelete  OperationType = "delete"
	OpMigrate OperationType = "migrate"
	OpScan    OperationType = "scan"
)

// latencyBuckets are the upper bounds (exclusive) used for percentile
// estimation, in microseconds. The last bucket is unbounded.
var latencyBuckets = []int64{
	10, 25, 50, 100, 250, 500,
	1000, 2500, 5000, 10000, 25000, 50000,
	100000, 250000, 500000, 1000000,
}

// OperationStats tracks latency and volume for one operation class
type OperationStats struct {
	Count          int64         `json:"count"`
	ErrorCount     int64         `json:"error_count"`
	TotalLatency   time.Duration `json:"total_latency"`
	MinLatency     time.Duration `json:"min_latency"`
	MaxLatency     time.Duration `json:"max_latency"`
	AverageLatency time.Duration `json:"average_latency"`
	P50Latency     time.Duration `json:"p50_latency"`
	P95Latency     time.Duration `json:"p95_latency"`
	P99Latency     time.Duration `json:"p99_latency"`
	BytesProcessed int64         `json:"bytes_processed"`
	LastOperation  time.Time     `json:"last_operation"`

	histogram []int64
}

// OperationTracker collects per-operation latency statistics for the
// status endpoint. It complements the Prometheus histograms with
// locally-computed percentiles so the HTTP side-channel can answer
// without a Prometheus server.
type OperationTracker struct {
	mu        sync.RWMutex
	ops       map[OperationType]*OperationStats
	startTime time.Time
}

// NewOperationTracker creates an empty tracker
func NewOperationTracker() *OperationTracker {
	return &OperationTracker{
		ops:       make(map[OperationType]*OperationStats),
		startTime: time.Now(),
	}
}

// Record adds one observation for the given operation class
func (t *OperationTracker) Record(op OperationType, latency time.Duration, bytes int64, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats, ok := t.ops[op]
	if !ok {
		stats = &OperationStats{
			MinLatency: latency,
			histogram:  make([]int64, len(latencyBuckets)+1),
		}
		t.ops[op] = stats
	}

	stats.Count++
	if !success {
		stats.ErrorCount++
	}
	stats.TotalLatency += latency
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	stats.AverageLatency = stats.TotalLatency / time.Duration(stats.Count)
	stats.BytesProcessed += bytes
	stats.LastOperation = time.Now()

	stats.histogram[bucketFor(latency)]++
	stats.P50Latency = percentile(stats.histogram, stats.Count, 0.50)
	stats.P95Latency = percentile(stats.histogram, stats.Count, 0.95)
	stats.P99Latency = percentile(stats.histogram, stats.Count, 0.99)
}

// Get returns a copy of the statistics for one operation class
func (t *OperationTracker) Get(op OperationType) *OperationStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats, ok := t.ops[op]
	if !ok {
		return nil
	}
	copied := *stats
	copied.histogram = nil
	return &copied
}

// Summary returns a snapshot of all operation classes keyed by name
func (t *OperationTracker) Summary() map[string]*OperationStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]*OperationStats, len(t.ops))
	for op, stats := range t.ops {
		copied := *stats
		copied.histogram = nil
		out[string(op)] = &copied
	}
	return out
}

// Uptime returns time since the tracker was created
func (t *OperationTracker) Uptime() time.Duration {
	return time.Since(t.startTime)
}

// Reset clears all collected statistics
func (t *OperationTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = make(map[OperationType]*OperationStats)
	t.startTime = time.Now()
}

func bucketFor(latency time.Duration) int {
	us := latency.Microseconds()
	for i, bound := range latencyBuckets {
		if us < bound {
			return i
		}
	}
	return len(latencyBuckets)
}

// percentile estimates the given percentile from the bucket counts,
// returning the upper bound of the bucket containing the target rank.
func percentile(histogram []int64, count int64, p float64) time.Duration {
	if count == 0 {
		return 0
	}
	target := int64(float64(count) * p)
	if target < 1 {
		target = 1
	}
	var cumulative int64
	for i, n := range histogram {
		cumulative += n
		if cumulative >= target {
			if i < len(latencyBuckets) {
				return time.Duration(latencyBuckets[i]) * time.Microsecond
			}
			return time.Duration(latencyBuckets[len(latencyBuckets)-1]) * time.Microsecond
		}
	}
	return time.Duration(latencyBuckets[len(latencyBuckets)-1]) * time.Microsecond
}
