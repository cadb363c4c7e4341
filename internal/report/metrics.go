package report

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are boring counters derived from iteration results, exposed both as
// plain snapshots and through a dedicated Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	spawned   prometheus.Counter
	finished  prometheus.Counter
	reclaimed prometheus.Counter
	failures  *prometheus.CounterVec
	live      prometheus.Gauge
	duration  prometheus.Histogram

	// Mirrors of the Prometheus counters for snapshots and summaries
	workersSpawned   atomic.Uint64
	workersFinished  atomic.Uint64
	workersReclaimed atomic.Uint64
	spawnFailures    atomic.Uint64
	waitFailures     atomic.Uint64
	reclaimFailures  atomic.Uint64
	liveHandles      atomic.Int64
}

// NewMetrics creates the counters and registers them on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadloop_workers_spawned_total",
			Help: "Worker threads created",
		}),
		finished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadloop_workers_finished_total",
			Help: "Worker threads observed complete",
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadloop_workers_reclaimed_total",
			Help: "Worker handles released",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadloop_failures_total",
			Help: "Loop failures by kind",
		}, []string{"kind"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "threadloop_live_handles",
			Help: "Worker handles spawned but not yet reclaimed",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "threadloop_worker_duration_seconds",
			Help:    "Time from spawn until the driver observed the worker finish",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	m.registry.MustRegister(m.spawned, m.finished, m.reclaimed, m.failures, m.live, m.duration)

	// Export every failure kind from the start, even at zero.
	for _, kind := range []string{"spawn", "wait", "reclaim"} {
		m.failures.WithLabelValues(kind)
	}

	return m
}

// Registry returns the registry holding the loop metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncrSpawned records a created worker.
func (m *Metrics) IncrSpawned() {
	m.spawned.Inc()
	m.workersSpawned.Add(1)
}

// IncrReclaimed records a released handle.
func (m *Metrics) IncrReclaimed() {
	m.reclaimed.Inc()
	m.workersReclaimed.Add(1)
}

// SetLive records how many handles are currently unreclaimed.
func (m *Metrics) SetLive(n int64) {
	m.live.Set(float64(n))
	m.liveHandles.Store(n)
}

// RecordResult updates counters from a single immutable Result.
func (m *Metrics) RecordResult(r *Result) {
	switch r.Outcome {
	case OutcomeFinished:
		m.finished.Inc()
		m.workersFinished.Add(1)
		m.duration.Observe(r.Duration.Seconds())
	case OutcomeSpawnFailed:
		m.failures.WithLabelValues("spawn").Inc()
		m.spawnFailures.Add(1)
	case OutcomeWaitFailed:
		m.failures.WithLabelValues("wait").Inc()
		m.waitFailures.Add(1)
	}

	if r.ReclaimError != "" {
		m.failures.WithLabelValues("reclaim").Inc()
		m.reclaimFailures.Add(1)
	}
}

// Snapshot returns current counter values
func (m *Metrics) Snapshot() map[string]uint64 {
	live := m.liveHandles.Load()
	if live < 0 {
		live = 0
	}
	return map[string]uint64{
		"workers_spawned":   m.workersSpawned.Load(),
		"workers_finished":  m.workersFinished.Load(),
		"workers_reclaimed": m.workersReclaimed.Load(),
		"spawn_failures":    m.spawnFailures.Load(),
		"wait_failures":     m.waitFailures.Load(),
		"reclaim_failures":  m.reclaimFailures.Load(),
		"live_handles":      uint64(live),
	}
}
