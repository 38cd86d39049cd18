// Package workerpool implements the bounded request thread pool that SMB
// requests are dispatched to, including requests resubmitted after an oplock
// break.
//
// Submission never blocks: when the queue is full the request is rejected
// with ErrPoolFull and the caller must release its packet.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittocluster/internal/logger"
	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/metrics"
	"github.com/marmos91/dittocluster/pkg/cluster/session"
)

// Default pool sizing.
const (
	DefaultWorkers   = 8
	DefaultQueueSize = 256

	// requestTimeout bounds the handling of a single request.
	requestTimeout = 2 * time.Minute
)

// Handler processes one request.
type Handler interface {
	HandleRequest(ctx context.Context, sess session.Session, pkt session.Packet) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sess session.Session, pkt session.Packet) error

// HandleRequest calls f.
func (f HandlerFunc) HandleRequest(ctx context.Context, sess session.Session, pkt session.Packet) error {
	return f(ctx, sess, pkt)
}

// Config sizes the pool.
type Config struct {
	Workers   int `mapstructure:"count" yaml:"count"`
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

type request struct {
	sess session.Session
	pkt  session.Packet
}

// Pool is a fixed set of workers fed by a bounded queue. It implements
// session.ThreadPool.
type Pool struct {
	handler Handler
	metrics *metrics.Metrics

	requests  chan request
	workers   int
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu        sync.Mutex
	started   bool
	closed    bool
	pending   int
	completed int
	failed    int
}

var _ session.ThreadPool = (*Pool)(nil)

// New creates a pool. m may be nil.
func New(handler Handler, cfg Config, m *metrics.Metrics) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Pool{
		handler:   handler,
		metrics:   m,
		requests:  make(chan request, cfg.QueueSize),
		workers:   cfg.Workers,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the workers. Calling Start twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	logger.Info("Starting request pool", "workers", p.workers, "queue_size", cap(p.requests))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	go func() {
		p.wg.Wait()
		close(p.stoppedCh)
	}()
}

// Stop rejects new requests, lets the workers drain the queue and waits up
// to timeout for them to exit.
func (p *Pool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	close(p.stopCh)
	if !started {
		return
	}

	select {
	case <-p.stoppedCh:
		logger.Info("Request pool stopped")
	case <-time.After(timeout):
		logger.Warn("Request pool stop timed out", "pending", p.Pending())
	}
}

// QueueRequest submits a request without blocking.
func (p *Pool) QueueRequest(sess session.Session, pkt session.Packet) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		err := &clustererrors.StoreError{Code: clustererrors.ErrPoolClosed, Message: "request pool is closed"}
		p.metrics.ObserveWorkerSubmit(err)
		return err
	}

	select {
	case p.requests <- request{sess: sess, pkt: pkt}:
		p.pending++
		n := p.pending
		p.mu.Unlock()
		p.metrics.ObserveWorkerSubmit(nil)
		p.metrics.SetWorkerQueueLength(n)
		return nil
	default:
		p.mu.Unlock()
		err := &clustererrors.StoreError{
			Code:    clustererrors.ErrPoolFull,
			Message: fmt.Sprintf("request queue full (%d)", cap(p.requests)),
		}
		p.metrics.ObserveWorkerSubmit(err)
		logger.Warn("Request queue full, rejecting request", logger.KeyPacketID, pkt.ID())
		return err
	}
}

// Pending returns the number of queued or running requests.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Stats returns pending, completed and failed request counts.
func (p *Pool) Stats() (pending, completed, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending, p.completed, p.failed
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger.Debug("Request pool worker started", "worker_id", id)

	for {
		select {
		case req := <-p.requests:
			p.process(req)
		case <-p.stopCh:
			p.drain()
			logger.Debug("Request pool worker stopped", "worker_id", id)
			return
		}
	}
}

func (p *Pool) drain() {
	for {
		select {
		case req := <-p.requests:
			p.process(req)
		default:
			return
		}
	}
}

func (p *Pool) process(req request) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	err := p.handle(ctx, req)

	p.mu.Lock()
	p.pending--
	n := p.pending
	if err != nil {
		p.failed++
	} else {
		p.completed++
	}
	p.mu.Unlock()
	p.metrics.SetWorkerQueueLength(n)

	if err != nil {
		logger.Error("Request failed",
			logger.KeySessionID, req.sess.ID(),
			logger.KeyPacketID, req.pkt.ID(),
			logger.KeyError, err)
	}
}

func (p *Pool) handle(ctx context.Context, req request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("request handler panicked: %v", r)
		}
	}()
	return p.handler.HandleRequest(ctx, req.sess, req.pkt)
}
