package queryx

import (
	"sort"
	"sync"
	"time"

	"github.com/seasbee/go-logx"
)

// operationMetric accumulates per-operation counters. Latency totals and the
// percentile sample window cover successful operations only; failures bump
// the counts without polluting the averages.
type operationMetric struct {
	count      int64
	errorCount int64
	totalTime  time.Duration
	minTime    time.Duration
	maxTime    time.Duration

	// Bounded ring buffer of recent successful latencies
	samples    []time.Duration
	samplePos  int
	sampleFull bool

	alerted bool
}

// OperationSnapshot is a read-only, serializable view of one operation's metrics
type OperationSnapshot struct {
	Count       int64         `json:"count"`
	ErrorCount  int64         `json:"error_count"`
	SuccessRate float64       `json:"success_rate"`
	TotalTime   time.Duration `json:"total_time"`
	MinTime     time.Duration `json:"min_time"`
	MaxTime     time.Duration `json:"max_time"`
	AvgTime     time.Duration `json:"avg_time"`
	P95         time.Duration `json:"p95"`
}

// MetricsRegistry tracks per-operation performance counters. Metrics are
// created lazily on first record and persist until an explicit Reset.
type MetricsRegistry struct {
	config *MetricsConfig

	mu  sync.Mutex
	ops map[string]*operationMetric

	// Optional prometheus/otel mirror
	obs *ObservabilityManager
}

// NewMetricsRegistry creates a metrics registry
func NewMetricsRegistry(config *MetricsConfig) (*MetricsRegistry, error) {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	configCopy := *config

	if err := validateMetricsConfig(&configCopy); err != nil {
		return nil, err
	}

	return &MetricsRegistry{
		config: &configCopy,
		ops:    make(map[string]*operationMetric),
	}, nil
}

// SetObservability attaches a prometheus/otel mirror. Pass nil to detach.
func (r *MetricsRegistry) SetObservability(obs *ObservabilityManager) {
	r.mu.Lock()
	r.obs = obs
	r.mu.Unlock()
}

// Record updates the metric for op. elapsed contributes to latency totals and
// the percentile window only when success is true.
func (r *MetricsRegistry) Record(op string, elapsed time.Duration, success bool) {
	if op == "" {
		op = "unknown"
	}

	r.mu.Lock()
	m, exists := r.ops[op]
	if !exists {
		m = &operationMetric{
			minTime: -1,
			samples: make([]time.Duration, r.config.SampleWindow),
		}
		r.ops[op] = m
	}

	m.count++
	if success {
		m.totalTime += elapsed
		if m.minTime < 0 || elapsed < m.minTime {
			m.minTime = elapsed
		}
		if elapsed > m.maxTime {
			m.maxTime = elapsed
		}
		m.samples[m.samplePos] = elapsed
		m.samplePos++
		if m.samplePos == len(m.samples) {
			m.samplePos = 0
			m.sampleFull = true
		}
	} else {
		m.errorCount++
	}

	rate := float64(m.count-m.errorCount) / float64(m.count)
	count := m.count
	crossedFloor := false
	recoveredFloor := false
	if count >= r.config.AlertMinSamples {
		if rate < r.config.SuccessRateFloor && !m.alerted {
			m.alerted = true
			crossedFloor = true
		} else if rate >= r.config.SuccessRateFloor && m.alerted {
			m.alerted = false
			recoveredFloor = true
		}
	}
	obs := r.obs
	r.mu.Unlock()

	if obs != nil {
		obs.RecordOperation(op, success, elapsed)
	}

	// Threshold crossings are observability only, never flow control
	if success && elapsed > r.config.LatencyAlert {
		logx.Warn("Operation latency above threshold",
			logx.String("operation", op),
			logx.Int("durationMs", int(elapsed.Milliseconds())),
			logx.Int("thresholdMs", int(r.config.LatencyAlert.Milliseconds())))
	}
	if crossedFloor {
		logx.Warn("Operation success rate below floor",
			logx.String("operation", op),
			logx.Any("successRate", rate),
			logx.Any("floor", r.config.SuccessRateFloor),
			logx.Int64("count", count))
	}
	if recoveredFloor {
		logx.Info("Operation success rate recovered",
			logx.String("operation", op),
			logx.Any("successRate", rate))
	}
}

// Snapshot returns a serializable report of every tracked operation
func (r *MetricsRegistry) Snapshot() map[string]OperationSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]OperationSnapshot, len(r.ops))
	for op, m := range r.ops {
		out[op] = r.snapshotLocked(m)
	}
	return out
}

// Get returns the snapshot for a single operation
func (r *MetricsRegistry) Get(op string) (OperationSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.ops[op]
	if !exists {
		return OperationSnapshot{}, false
	}
	return r.snapshotLocked(m), true
}

func (r *MetricsRegistry) snapshotLocked(m *operationMetric) OperationSnapshot {
	successes := m.count - m.errorCount

	snap := OperationSnapshot{
		Count:      m.count,
		ErrorCount: m.errorCount,
		TotalTime:  m.totalTime,
		MaxTime:    m.maxTime,
	}
	if m.minTime >= 0 {
		snap.MinTime = m.minTime
	}
	if m.count > 0 {
		snap.SuccessRate = float64(successes) / float64(m.count)
	}
	if successes > 0 {
		snap.AvgTime = m.totalTime / time.Duration(successes)
	}
	snap.P95 = percentileLocked(m, 0.95)
	return snap
}

// Percentile estimates the q-th latency percentile over the recent sample
// window for op. Returns zero when no successful samples exist.
func (r *MetricsRegistry) Percentile(op string, q float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.ops[op]
	if !exists {
		return 0
	}
	return percentileLocked(m, q)
}

func percentileLocked(m *operationMetric, q float64) time.Duration {
	n := m.samplePos
	if m.sampleFull {
		n = len(m.samples)
	}
	if n == 0 {
		return 0
	}
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}

	sorted := make([]time.Duration, n)
	copy(sorted, m.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(q * float64(n-1))
	return sorted[idx]
}

// Reset drops every tracked operation
func (r *MetricsRegistry) Reset() {
	r.mu.Lock()
	count := len(r.ops)
	r.ops = make(map[string]*operationMetric)
	r.mu.Unlock()

	logx.Info("Metrics registry reset", logx.Int("droppedOperations", count))
}
