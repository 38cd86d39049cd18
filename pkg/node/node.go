// Package node wires one cluster member together: its handle on the shared
// file state store, the per-node state cache, the packet and request pools
// and the oplock break scanner.
//
// Client-facing operations normalize the file key, then act on the node-local
// state, the shared state (through remote tasks), or both.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marmos91/dittocluster/internal/logger"
	"github.com/marmos91/dittocluster/internal/telemetry"
	"github.com/marmos91/dittocluster/pkg/bufpool"
	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
	"github.com/marmos91/dittocluster/pkg/cluster/metrics"
	"github.com/marmos91/dittocluster/pkg/cluster/oplock"
	"github.com/marmos91/dittocluster/pkg/cluster/pernode"
	"github.com/marmos91/dittocluster/pkg/cluster/session"
	"github.com/marmos91/dittocluster/pkg/cluster/store"
	"github.com/marmos91/dittocluster/pkg/cluster/task"
	"github.com/marmos91/dittocluster/pkg/workerpool"
)

// DefaultReapInterval is how often expired packet leases are reclaimed.
const DefaultReapInterval = 5 * time.Second

// Options configures a Node.
type Options struct {
	// ID identifies the node in the cluster. Required.
	ID string

	// Store is the node's handle on the shared file state map. Required.
	Store store.Store

	// Handler processes requests taken from the request pool. The node
	// releases each packet after the handler returns, unless the handler
	// parked it with DeferRequest.
	Handler workerpool.Handler

	Workers workerpool.Config

	// Buffers sizes the packet buffer tiers. Nil uses the shared pool.
	Buffers *bufpool.Config

	// PacketLease is the lease of a newly allocated packet.
	PacketLease time.Duration

	// DeferredLease is the lease extension given to parked packets.
	DeferredLease time.Duration

	// ReapInterval is the period of the packet lease reaper.
	ReapInterval time.Duration

	// BreakTimeout and ScanInterval configure the oplock break scanner.
	BreakTimeout time.Duration
	ScanInterval time.Duration

	Clock clockwork.Clock

	// Registry receives the node metrics. Nil leaves them unregistered.
	Registry prometheus.Registerer

	// Debug enables per-node state debug logs.
	Debug bool

	// TaskOptions is applied to every remote task the node submits.
	TaskOptions task.Options
}

// Node is a running cluster member.
type Node struct {
	id      string
	store   store.Store
	exec    task.Executor
	cache   *pernode.Cache
	packets *bufpool.PacketPool
	workers *workerpool.Pool
	scanner *oplock.BreakScanner
	metrics *metrics.Metrics
	clock   clockwork.Clock
	opts    Options

	mu         sync.Mutex
	started    bool
	closed     bool
	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

// New creates a node. Call Start to launch its background loops.
func New(opts Options) (*Node, error) {
	if opts.ID == "" {
		return nil, clustererrors.NewInvalidArgumentError("node id is required")
	}
	if opts.Store == nil {
		return nil, clustererrors.NewInvalidArgumentError("node store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}

	m := metrics.New(opts.Registry)
	n := &Node{
		id:      opts.ID,
		store:   opts.Store,
		exec:    task.Instrument(opts.Store, m),
		metrics: m,
		clock:   opts.Clock,
		opts:    opts,
	}

	var buffers *bufpool.Pool
	if opts.Buffers != nil {
		buffers = bufpool.NewPool(opts.Buffers)
	}
	n.packets = bufpool.NewPacketPool(bufpool.PacketPoolOptions{
		Buffers:   buffers,
		Clock:     opts.Clock,
		LeaseTime: opts.PacketLease,
		Metrics:   m,
	})
	n.workers = workerpool.New(workerpool.HandlerFunc(n.handle), opts.Workers, m)
	n.cache = pernode.NewCache(pernode.Options{
		ThreadPool: n.workers,
		PacketPool: n.packets,
		Clock:      opts.Clock,
		LeaseTime:  opts.DeferredLease,
		Debug:      opts.Debug,
		Metrics:    m,
	})
	n.scanner = oplock.NewBreakScanner(n.cache, oplock.BreakCallbackFunc(n.onBreakTimeout), oplock.Options{
		Timeout:      opts.BreakTimeout,
		ScanInterval: opts.ScanInterval,
		LeaseTime:    opts.DeferredLease,
		Clock:        opts.Clock,
		Metrics:      m,
	})
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Store returns the node's store handle.
func (n *Node) Store() store.Store { return n.store }

// Scanner returns the oplock break scanner.
func (n *Node) Scanner() *oplock.BreakScanner { return n.scanner }

// Packets returns the packet pool.
func (n *Node) Packets() *bufpool.PacketPool { return n.packets }

// Start launches the request workers, the break scanner and the packet
// reaper. Calling Start twice is a no-op.
func (n *Node) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started || n.closed {
		return
	}
	n.started = true

	n.workers.Start()
	n.scanner.Start()

	ctx, cancel := context.WithCancel(context.Background())
	n.stopReaper = cancel
	n.reaperDone = make(chan struct{})
	go func() {
		defer close(n.reaperDone)
		n.packets.RunReaper(ctx, n.opts.ReapInterval)
	}()

	logger.Info("Node started",
		logger.KeyNodeID, n.id,
		logger.KeyMapName, n.store.Name())
}

// handle runs the configured handler and releases the packet afterwards,
// unless the handler parked it: a parked packet belongs to the deferred queue,
// which requeues or releases it.
func (n *Node) handle(ctx context.Context, sess session.Session, pkt session.Packet) error {
	if n.opts.Handler == nil {
		n.packets.Release(pkt)
		return nil
	}

	deferred := pkt.DeferredCount()
	defer func() {
		if pkt.DeferredCount() == deferred {
			n.packets.Release(pkt)
		}
	}()
	return n.opts.Handler.HandleRequest(ctx, sess, pkt)
}

// Submit hands a request to the request pool. A rejected packet is released.
func (n *Node) Submit(sess session.Session, pkt session.Packet) error {
	if err := n.workers.QueueRequest(sess, pkt); err != nil {
		n.packets.Release(pkt)
		return err
	}
	return nil
}

// ============================================================================
// Local state
// ============================================================================

// LocalState returns the node-local state of key, creating it if needed.
func (n *Node) LocalState(key string) *pernode.State {
	st, _ := n.cache.GetOrCreate(filestate.NormalizeKey(key))
	return st
}

// FindLocalState returns the node-local state of key, or nil if the node has
// none.
func (n *Node) FindLocalState(key string) *pernode.State {
	return n.cache.Get(filestate.NormalizeKey(key))
}

// LocalKeys returns the keys with node-local state.
func (n *Node) LocalKeys() []string {
	return n.cache.Keys()
}

// Evict tears down the node-local state of key.
func (n *Node) Evict(key string) error {
	return n.cache.Evict(filestate.NormalizeKey(key))
}

// ============================================================================
// Oplocks
// ============================================================================

// withLogContext tags ctx so context-aware logs below it carry the node,
// the key and the current span.
func (n *Node) withLogContext(ctx context.Context, key string) context.Context {
	lc := logger.NewLogContext(n.id).
		WithFileKey(key).
		WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	return logger.WithContext(ctx, lc)
}

// GrantOpLock records ol as the oplock of key, both locally and in the shared
// state. It fails with ErrExistingOpLock when either already holds one.
//
// The shared record is installed by a GrantOpLock task on the key's owner, so
// concurrent grants from different nodes have a single winner. The local
// oplock is set first and rolled back when the shared grant fails.
func (n *Node) GrantOpLock(ctx context.Context, key string, ol *filestate.OpLock) error {
	if ol == nil || !ol.Type.IsValid() || ol.Type == filestate.OpLockNone {
		return clustererrors.NewInvalidArgumentError("invalid oplock")
	}
	key = filestate.NormalizeKey(key)
	ctx, span := telemetry.StartNodeSpan(ctx, "GrantOpLock", key,
		telemetry.NodeID(n.id), telemetry.OpLockType(ol.Type.String()))
	defer span.End()
	ctx = n.withLogContext(ctx, key)

	granted := ol.Clone()
	if granted.OwnerNode == "" {
		granted.OwnerNode = n.id
	}
	if granted.GrantedAt.IsZero() {
		granted.GrantedAt = n.clock.Now()
	}

	if _, err := n.store.GetOrCreate(ctx, key); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}

	local := n.LocalState(key)
	if err := local.SetOpLock(granted); err != nil {
		return err
	}

	t := task.NewGrantOpLock(n.store.Name(), key, *granted, n.opts.TaskOptions)
	if _, err := task.ExecuteGrantOpLock(ctx, n.exec, t); err != nil {
		local.ClearOpLock()
		local.RequeueDeferredRequests()
		if !clustererrors.IsExistingOpLockError(err) {
			telemetry.RecordError(ctx, err)
		}
		return err
	}
	return nil
}

// DeferRequest parks a request on key until its oplock break completes. On
// error the caller must reject the request itself.
func (n *Node) DeferRequest(key string, sess session.Session, pkt session.Packet) error {
	key = filestate.NormalizeKey(key)
	local := n.cache.Get(key)
	if local == nil {
		return clustererrors.NewNoOpLockError(key)
	}
	return local.AddDeferredRequest(sess, pkt)
}

// OpLockReleased completes an oplock break on key: the local oplock is
// cleared, the parked requests are resubmitted and the shared oplock is
// downgraded to none. It returns the number of requests resubmitted.
func (n *Node) OpLockReleased(ctx context.Context, key string) (int, error) {
	key = filestate.NormalizeKey(key)
	ctx, span := telemetry.StartNodeSpan(ctx, "OpLockReleased", key, telemetry.NodeID(n.id))
	defer span.End()
	ctx = n.withLogContext(ctx, key)

	requeued := 0
	if local := n.cache.Get(key); local != nil {
		local.ClearOpLock()
		requeued = local.RequeueDeferredRequests()
	}
	telemetry.SetAttributes(ctx, telemetry.Requeued(requeued))

	_, err := n.ChangeOpLockType(ctx, key, filestate.OpLockNone)
	if err != nil && !clustererrors.IsNotFoundError(err) {
		telemetry.RecordError(ctx, err)
		return requeued, err
	}
	return requeued, nil
}

// onBreakTimeout downgrades the shared oplock after the scanner gave up on a
// break.
func (n *Node) onBreakTimeout(key string, failed int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := n.ChangeOpLockType(ctx, key, filestate.OpLockNone); err != nil && !clustererrors.IsNotFoundError(err) {
		logger.Warn("Failed to clear shared oplock after break timeout",
			logger.KeyFileKey, key,
			logger.KeyCount, failed,
			logger.KeyError, err)
	}
}

// ============================================================================
// Remote tasks
// ============================================================================

// ChangeOpLockType changes the type of the shared oplock of key. It returns
// filestate.OpLockTypeUnchanged when the file has no oplock.
func (n *Node) ChangeOpLockType(ctx context.Context, key string, typ filestate.OpLockType) (filestate.OpLockType, error) {
	t := task.NewChangeOpLockType(n.store.Name(), filestate.NormalizeKey(key), typ, n.opts.TaskOptions)
	return task.ExecuteChangeOpLockType(ctx, n.exec, t)
}

// RemoveByteLock removes lock from the shared lock list of key. ErrNotLocked
// means the lock was already gone or belongs to another node.
func (n *Node) RemoveByteLock(ctx context.Context, key string, lock filestate.ByteRangeLock) (*filestate.SharedFileState, error) {
	t := task.NewRemoveByteLock(n.store.Name(), filestate.NormalizeKey(key), lock, n.opts.TaskOptions)
	st, err := task.ExecuteRemoveByteLock(ctx, n.exec, t)
	if clustererrors.IsNotLockedError(err) {
		logger.DebugCtx(ctx, "Byte-range lock already released",
			logger.KeyFileKey, t.Key(),
			logger.KeyLockID, lock.ID)
	}
	return st, err
}

// UpdateFileStatus sets the shared file status of key and reports whether it
// changed. A file that stops existing also loses its node-local file id and
// attributes.
func (n *Node) UpdateFileStatus(ctx context.Context, key string, status filestate.FileStatus) (bool, error) {
	key = filestate.NormalizeKey(key)
	ctx, span := telemetry.StartNodeSpan(ctx, "UpdateFileStatus", key,
		telemetry.NodeID(n.id), telemetry.FileStatus(status.String()))
	defer span.End()
	ctx = n.withLogContext(ctx, key)

	t := task.NewUpdateState(n.store.Name(), key, status, n.opts.TaskOptions)
	changed, err := task.ExecuteUpdateState(ctx, n.exec, t)
	if err != nil {
		return false, err
	}
	if changed && status == filestate.FileStatusNotExist {
		if local := n.cache.Get(key); local != nil {
			local.SetFileID(filestate.UnknownFileID)
			local.ClearAllAttributes()
		}
	}
	return changed, nil
}

// Healthcheck reports whether the store answers.
func (n *Node) Healthcheck(ctx context.Context) error {
	_, err := n.store.Keys(ctx)
	return err
}

// SharedState returns a copy of the shared state of key.
func (n *Node) SharedState(ctx context.Context, key string) (*filestate.SharedFileState, error) {
	return n.store.Get(ctx, filestate.NormalizeKey(key))
}

// ============================================================================
// Shutdown
// ============================================================================

// Close stops the background loops, tears down every node-local state and
// closes the store. Leaked deferred requests are reported in the error.
func (n *Node) Close(timeout time.Duration) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	started := n.started
	n.mu.Unlock()

	if started {
		n.scanner.Stop()
		n.stopReaper()
		<-n.reaperDone
	}
	n.workers.Stop(timeout)

	errs := []error{n.cache.Close()}
	if err := n.store.Close(); err != nil {
		errs = append(errs, err)
	}

	logger.Info("Node stopped", logger.KeyNodeID, n.id, logger.KeyCount, n.packets.Leased())
	return errors.Join(errs...)
}
