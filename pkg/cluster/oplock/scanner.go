// Package oplock drives the node-local side of oplock breaks.
//
// While a break is pending, requests that arrived for the file sit in the
// per-node deferred queue. The BreakScanner periodically renews the lease of
// those parked packets so the packet pool does not reclaim them, and when the
// holder has not acknowledged the break within the timeout it fails the
// parked requests, drops the local oplock and notifies the callback.
package oplock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/marmos91/dittocluster/internal/logger"
	"github.com/marmos91/dittocluster/pkg/cluster/metrics"
	"github.com/marmos91/dittocluster/pkg/cluster/pernode"
)

const (
	// DefaultBreakTimeout is the Windows default (35 seconds).
	DefaultBreakTimeout = 35 * time.Second

	// DefaultScanInterval is how often pending breaks are checked.
	DefaultScanInterval = 1 * time.Second
)

// Source enumerates the per-node states to scan. pernode.Cache implements it.
type Source interface {
	Range(fn func(key string, s *pernode.State) bool)
}

// BreakCallback is notified after a break timed out. The local oplock has
// already been cleared and the parked requests failed.
type BreakCallback interface {
	OnBreakTimeout(key string, failed int)
}

// BreakCallbackFunc adapts a function to BreakCallback.
type BreakCallbackFunc func(key string, failed int)

// OnBreakTimeout calls f.
func (f BreakCallbackFunc) OnBreakTimeout(key string, failed int) { f(key, failed) }

// Options configures a BreakScanner.
type Options struct {
	// Timeout is how long a break may stay unacknowledged.
	Timeout time.Duration

	// ScanInterval is the period of the background loop.
	ScanInterval time.Duration

	// LeaseTime is the lease extension applied to parked packets on each
	// scan. Zero uses the state's own default.
	LeaseTime time.Duration

	Clock   clockwork.Clock
	Metrics *metrics.Metrics
}

// BreakScanner monitors pending oplock breaks.
type BreakScanner struct {
	source   Source
	callback BreakCallback
	clock    clockwork.Clock
	metrics  *metrics.Metrics

	stop    chan struct{}
	stopped chan struct{}

	mu           sync.Mutex
	running      bool
	timeout      time.Duration
	scanInterval time.Duration
	leaseTime    time.Duration
}

// NewBreakScanner creates a scanner over source. callback may be nil.
func NewBreakScanner(source Source, callback BreakCallback, opts Options) *BreakScanner {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakTimeout
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &BreakScanner{
		source:       source,
		callback:     callback,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		timeout:      opts.Timeout,
		scanInterval: opts.ScanInterval,
		leaseTime:    opts.LeaseTime,
	}
}

// Start begins the background scan loop. Calling Start on a running scanner
// is a no-op.
func (s *BreakScanner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	interval := s.scanInterval
	s.mu.Unlock()

	go s.scanLoop(interval)
}

// Stop stops the loop and waits for it to exit. Safe to call multiple times.
func (s *BreakScanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
}

// IsRunning returns true if the loop is running.
func (s *BreakScanner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetTimeout updates the break timeout. It applies from the next scan,
// including to breaks already pending.
func (s *BreakScanner) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = timeout
}

// Timeout returns the current break timeout.
func (s *BreakScanner) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

func (s *BreakScanner) scanLoop(interval time.Duration) {
	defer close(s.stopped)

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
			s.Scan(s.clock.Now())
		}
	}
}

// Scan checks every state once at time now. It returns the number of breaks
// that timed out.
func (s *BreakScanner) Scan(now time.Time) int {
	s.mu.Lock()
	timeout := s.timeout
	lease := s.leaseTime
	s.mu.Unlock()

	type candidate struct {
		key   string
		state *pernode.State
	}
	var candidates []candidate

	s.source.Range(func(key string, st *pernode.State) bool {
		started, pending := st.OpLockBreakTime()
		if !pending {
			return true
		}
		if now.Sub(started) >= timeout {
			candidates = append(candidates, candidate{key: key, state: st})
			return true
		}
		st.UpdateDeferredLease(lease)
		return true
	})

	timedOut := 0
	for _, c := range candidates {
		// The break may have completed, or a new one started, since Range.
		failed, started, expired := c.state.FailBreakIfExpired(now, timeout)
		if !expired {
			c.state.UpdateDeferredLease(lease)
			continue
		}
		timedOut++
		s.metrics.ObserveBreakTimeout()

		logger.Warn("Oplock break timed out",
			logger.KeyFileKey, c.key,
			logger.KeyBreakAge, now.Sub(started).String(),
			logger.KeyCount, failed)

		if s.callback != nil {
			s.callback.OnBreakTimeout(c.key, failed)
		}
	}
	return timedOut
}
