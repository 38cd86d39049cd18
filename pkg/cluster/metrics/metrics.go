// Package metrics provides Prometheus metrics for per-node file state,
// oplock breaks, remote state tasks and the request/packet pools.
//
// All methods are nil-safe: a nil *Metrics records nothing, so components can
// be constructed without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label constants for metrics.
const (
	LabelTask    = "task"
	LabelStatus  = "status"
	LabelOutcome = "outcome"
	LabelType    = "type"
)

// Status constants for task execution.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Outcome constants for deferred request handling.
const (
	OutcomeParked        = "parked"
	OutcomeRejected      = "rejected"
	OutcomeRequeued      = "requeued"
	OutcomeRequeueFailed = "requeue_failed"
	OutcomeFailed        = "failed"
	OutcomeNotifyFailed  = "notify_failed"
)

const namespace = "dittocluster"

// Metrics holds every collector exported by the cluster packages.
type Metrics struct {
	// Deferred request queue
	deferredTotal   *prometheus.CounterVec
	deferredPending prometheus.Gauge
	deferredLeaked  prometheus.Counter

	// OpLocks
	oplocksActive       prometheus.Gauge
	oplockGrantTotal    *prometheus.CounterVec
	oplockBreakTimeouts prometheus.Counter

	// Remote tasks
	taskTotal    *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	// Pools
	packetsLeased      prometheus.Gauge
	packetsReaped      prometheus.Counter
	workerSubmitTotal  *prometheus.CounterVec
	workerQueueLength  prometheus.Gauge
	perNodeCacheLength prometheus.Gauge

	registered bool
}

// New creates and registers cluster metrics.
// If registry is nil, metrics will be created but not registered (useful for testing).
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		deferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "deferred",
				Name:      "requests_total",
				Help:      "Deferred requests by outcome",
			},
			[]string{LabelOutcome},
		),
		deferredPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "deferred",
			Name:      "pending",
			Help:      "Requests currently parked behind an oplock break",
		}),
		deferredLeaked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deferred",
			Name:      "leaked_total",
			Help:      "Deferred requests still queued when their per-node state was torn down",
		}),

		oplocksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "oplocks",
			Name:      "active",
			Help:      "Oplocks held by per-node states on this node",
		}),
		oplockGrantTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "oplocks",
				Name:      "grant_total",
				Help:      "Oplock grant attempts by status",
			},
			[]string{LabelStatus},
		),
		oplockBreakTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oplocks",
			Name:      "break_timeouts_total",
			Help:      "Oplock breaks that timed out and failed their deferred requests",
		}),

		taskTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tasks",
				Name:      "executed_total",
				Help:      "Remote state tasks executed by kind and status",
			},
			[]string{LabelTask, LabelStatus},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tasks",
				Name:      "duration_seconds",
				Help:      "Remote state task round-trip time",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{LabelTask},
		),

		packetsLeased: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "packets",
			Name:      "leased",
			Help:      "Packets currently allocated from the packet pool",
		}),
		packetsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "packets",
			Name:      "reaped_total",
			Help:      "Packets reclaimed after their lease expired",
		}),
		workerSubmitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workers",
				Name:      "submit_total",
				Help:      "Requests submitted to the worker pool by status",
			},
			[]string{LabelStatus},
		),
		workerQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "queue_length",
			Help:      "Requests waiting in the worker pool queue",
		}),
		perNodeCacheLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pernode",
			Name:      "entries",
			Help:      "Per-node file states cached on this node",
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.deferredTotal,
			m.deferredPending,
			m.deferredLeaked,
			m.oplocksActive,
			m.oplockGrantTotal,
			m.oplockBreakTimeouts,
			m.taskTotal,
			m.taskDuration,
			m.packetsLeased,
			m.packetsReaped,
			m.workerSubmitTotal,
			m.workerQueueLength,
			m.perNodeCacheLength,
		)
		m.registered = true
	}

	return m
}

// ============================================================================
// Deferred Requests
// ============================================================================

// ObserveDeferred records a deferred request outcome. Parking a request raises
// the pending gauge; every drain outcome lowers it.
func (m *Metrics) ObserveDeferred(outcome string) {
	if m == nil {
		return
	}
	m.deferredTotal.WithLabelValues(outcome).Inc()
	switch outcome {
	case OutcomeParked:
		m.deferredPending.Inc()
	case OutcomeRejected:
	default:
		m.deferredPending.Dec()
	}
}

// ObserveLeak records deferred requests found at teardown.
func (m *Metrics) ObserveLeak(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.deferredLeaked.Add(float64(count))
	m.deferredPending.Sub(float64(count))
}

// ============================================================================
// OpLocks
// ============================================================================

// ObserveOpLockGrant records an oplock grant attempt.
func (m *Metrics) ObserveOpLockGrant(success bool) {
	if m == nil {
		return
	}
	status := StatusOK
	if !success {
		status = StatusError
	} else {
		m.oplocksActive.Inc()
	}
	m.oplockGrantTotal.WithLabelValues(status).Inc()
}

// ObserveOpLockCleared records an oplock being released.
func (m *Metrics) ObserveOpLockCleared() {
	if m == nil {
		return
	}
	m.oplocksActive.Dec()
}

// ObserveBreakTimeout records an oplock break that timed out.
func (m *Metrics) ObserveBreakTimeout() {
	if m == nil {
		return
	}
	m.oplockBreakTimeouts.Inc()
}

// ============================================================================
// Tasks
// ============================================================================

// ObserveTask records a remote task execution.
func (m *Metrics) ObserveTask(kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	m.taskTotal.WithLabelValues(kind, status).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ============================================================================
// Pools
// ============================================================================

// SetPacketsLeased sets the number of packets currently allocated.
func (m *Metrics) SetPacketsLeased(n int) {
	if m == nil {
		return
	}
	m.packetsLeased.Set(float64(n))
}

// ObservePacketsReaped records packets reclaimed by the lease reaper.
func (m *Metrics) ObservePacketsReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.packetsReaped.Add(float64(n))
}

// ObserveWorkerSubmit records a worker pool submission.
func (m *Metrics) ObserveWorkerSubmit(err error) {
	if m == nil {
		return
	}
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	m.workerSubmitTotal.WithLabelValues(status).Inc()
}

// SetWorkerQueueLength sets the number of queued worker requests.
func (m *Metrics) SetWorkerQueueLength(n int) {
	if m == nil {
		return
	}
	m.workerQueueLength.Set(float64(n))
}

// SetPerNodeEntries sets the size of the per-node state cache.
func (m *Metrics) SetPerNodeEntries(n int) {
	if m == nil {
		return
	}
	m.perNodeCacheLength.Set(float64(n))
}
