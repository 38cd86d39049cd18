package pernode

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/marmos91/dittocluster/internal/logger"
	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
	"github.com/marmos91/dittocluster/pkg/cluster/metrics"
	"github.com/marmos91/dittocluster/pkg/cluster/session"
)

// DefaultLeaseTime is how far UpdateDeferredLease pushes packet expiry when no
// explicit duration is given.
const DefaultLeaseTime = 5 * time.Second

// Options configures a State.
type Options struct {
	// ThreadPool receives requests resubmitted after an oplock break.
	ThreadPool session.ThreadPool

	// PacketPool receives packets that are failed or could not be resubmitted.
	PacketPool session.PacketPool

	// Clock is used for break timestamps and lease expiry. Defaults to the real clock.
	Clock clockwork.Clock

	// LeaseTime is the default lease extension for parked packets.
	LeaseTime time.Duration

	// Debug enables oplock debug logging.
	Debug bool

	// Metrics records deferral outcomes. May be nil.
	Metrics *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.LeaseTime <= 0 {
		o.LeaseTime = DefaultLeaseTime
	}
}

// State is the node-local state of one file.
//
// The oplock, the deferred queue and the break timestamp are guarded by mu.
// The remaining fields are plain accessors and share the same lock.
type State struct {
	key  string
	opts Options

	mu          sync.Mutex
	fileID      int32
	dataStatus  DataStatus
	attributes  map[string]any
	pseudoFiles *PseudoFileList
	fsObject    any
	oplock      *filestate.OpLock
	deferred    []DeferredRequest
	breakTime   time.Time
	closed      bool
}

// New creates the per-node state of key. Sub-collections are created on first use.
func New(key string, opts Options) *State {
	opts.applyDefaults()
	return &State{
		key:        key,
		opts:       opts,
		fileID:     filestate.UnknownFileID,
		dataStatus: DataLoadWait,
	}
}

// Key returns the file state key this state shadows.
func (s *State) Key() string {
	return s.key
}

// ============================================================================
// Plain accessors
// ============================================================================

// FileID returns the cached file id.
func (s *State) FileID() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileID
}

// SetFileID sets the cached file id.
func (s *State) SetFileID(id int32) {
	s.mu.Lock()
	s.fileID = id
	s.mu.Unlock()
}

// DataStatus returns the data load status.
func (s *State) DataStatus() DataStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataStatus
}

// SetDataStatus sets the data load status.
func (s *State) SetDataStatus(sts DataStatus) {
	s.mu.Lock()
	s.dataStatus = sts
	s.mu.Unlock()
}

// FilesystemObject returns the opaque filesystem object attached to the file.
func (s *State) FilesystemObject() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsObject
}

// SetFilesystemObject attaches an opaque filesystem object to the file.
func (s *State) SetFilesystemObject(obj any) {
	s.mu.Lock()
	s.fsObject = obj
	s.mu.Unlock()
}

// ============================================================================
// Pseudo files and attributes
// ============================================================================

// HasPseudoFiles reports whether a non-empty pseudo file list exists.
// It never creates the list.
func (s *State) HasPseudoFiles() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pseudoFiles != nil && s.pseudoFiles.Len() > 0
}

// PseudoFileList returns the pseudo file list, creating it if create is true.
func (s *State) PseudoFileList(create bool) *PseudoFileList {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pseudoFiles == nil && create {
		s.pseudoFiles = &PseudoFileList{}
	}
	return s.pseudoFiles
}

// AttributeMap returns the attribute cache, creating it if create is true.
// Callers holding a map returned before ClearAllAttributes keep a detached copy.
func (s *State) AttributeMap(create bool) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attributes == nil && create {
		s.attributes = make(map[string]any)
	}
	return s.attributes
}

// ClearAllAttributes drops the attribute cache.
func (s *State) ClearAllAttributes() {
	s.mu.Lock()
	s.attributes = nil
	s.mu.Unlock()
}

// ============================================================================
// OpLock
// ============================================================================

// HasOpLock reports whether an oplock is held.
func (s *State) HasOpLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oplock != nil
}

// OpLock returns the held oplock, or nil.
func (s *State) OpLock() *filestate.OpLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oplock
}

// SetOpLock records oplock as held. It fails with ErrExistingOpLock if an
// oplock is already held; the existing oplock is left unchanged. A closed
// state refuses new oplocks with ErrStateClosed.
func (s *State) SetOpLock(oplock *filestate.OpLock) error {
	if oplock == nil {
		return clustererrors.NewInvalidArgumentError("nil oplock")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return clustererrors.NewStateClosedError(s.key)
	}
	if s.oplock != nil {
		s.mu.Unlock()
		s.opts.Metrics.ObserveOpLockGrant(false)
		return clustererrors.NewExistingOpLockError(s.key)
	}
	s.oplock = oplock
	s.mu.Unlock()

	s.opts.Metrics.ObserveOpLockGrant(true)
	if s.opts.Debug {
		logger.Debug("Set oplock", logger.KeyFileKey, s.key, logger.KeyOpLockType, oplock.Type.String())
	}
	return nil
}

// ClearOpLock removes the held oplock. Clearing with no oplock held is a no-op.
func (s *State) ClearOpLock() {
	s.mu.Lock()
	had := s.oplock != nil
	s.oplock = nil
	s.mu.Unlock()

	if had {
		s.opts.Metrics.ObserveOpLockCleared()
	}
}

// ============================================================================
// Deferred requests
// ============================================================================

// HasDeferredRequests reports whether requests are parked, which means an
// oplock break is in progress.
func (s *State) HasDeferredRequests() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deferred) > 0
}

// NumberOfDeferredRequests returns the number of parked requests.
func (s *State) NumberOfDeferredRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deferred)
}

// DeferredRequests returns a snapshot of the parked requests in arrival order.
func (s *State) DeferredRequests() []DeferredRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeferredRequest(nil), s.deferred...)
}

// OpLockBreakTime returns when the current break cycle started. The second
// result is false when no break is in progress.
func (s *State) OpLockBreakTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakTime, !s.breakTime.IsZero()
}

// AddDeferredRequest parks pkt until the held oplock is released or the break
// times out. The first request of a break cycle records the break start time.
//
// It fails with ErrNoOpLock when no oplock is held and with ErrDeferFailed when
// MaxDeferredRequests are already parked or the state was closed; the caller
// must then reject the request.
func (s *State) AddDeferredRequest(sess session.Session, pkt session.Packet) error {
	if sess == nil || pkt == nil {
		return clustererrors.NewInvalidArgumentError("deferred request needs a session and a packet")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.opts.Metrics.ObserveDeferred(metrics.OutcomeRejected)
		return &clustererrors.StoreError{
			Code:    clustererrors.ErrDeferFailed,
			Message: "per-node state is closed",
			Key:     s.key,
		}
	}
	if s.oplock == nil {
		s.mu.Unlock()
		return clustererrors.NewNoOpLockError(s.key)
	}
	if len(s.deferred) >= MaxDeferredRequests {
		s.mu.Unlock()
		s.opts.Metrics.ObserveDeferred(metrics.OutcomeRejected)
		return clustererrors.NewDeferFailedError(s.key)
	}
	if s.deferred == nil {
		s.deferred = make([]DeferredRequest, 0, MaxDeferredRequests)
	}

	now := s.opts.Clock.Now()
	s.deferred = append(s.deferred, DeferredRequest{Session: sess, Packet: pkt, DeferredAt: now})
	pkt.IncrementDeferredCount()
	if len(s.deferred) == 1 {
		s.breakTime = now
	}
	count := len(s.deferred)
	s.mu.Unlock()

	s.opts.Metrics.ObserveDeferred(metrics.OutcomeParked)
	if s.opts.Debug {
		logger.Debug("Added deferred request",
			logger.KeyFileKey, s.key,
			logger.KeySessionID, sess.ID(),
			logger.KeyPacketID, pkt.ID(),
			logger.KeyDeferred, count)
	}
	return nil
}

// drain detaches the queue and ends the break cycle. Requests added after
// drain returns belong to the next cycle.
func (s *State) drain() []DeferredRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainLocked()
}

// drainLocked detaches the queue and unparks its packets. The caller holds mu.
func (s *State) drainLocked() []DeferredRequest {
	pending := s.deferred
	s.deferred = nil
	s.breakTime = time.Time{}
	for _, req := range pending {
		req.Packet.Unpark()
	}
	return pending
}

// RequeueDeferredRequests resubmits every parked request to the thread pool
// after the oplock was released. Packets the pool rejects are released to the
// packet pool. It returns the number of requests the pool accepted.
func (s *State) RequeueDeferredRequests() int {
	pending := s.drain()
	if len(pending) == 0 {
		return 0
	}

	requeued := 0
	for _, req := range pending {
		err := s.submit(req)
		if err == nil {
			requeued++
			s.opts.Metrics.ObserveDeferred(metrics.OutcomeRequeued)
			if s.opts.Debug {
				logger.Debug("Release oplock, queued deferred request",
					logger.KeyFileKey, s.key,
					logger.KeySessionID, req.Session.ID(),
					logger.KeyPacketID, req.Packet.ID())
			}
			continue
		}

		s.opts.Metrics.ObserveDeferred(metrics.OutcomeRequeueFailed)
		logger.Warn("Failed to requeue deferred request, releasing packet",
			logger.KeyFileKey, s.key,
			logger.KeySessionID, req.Session.ID(),
			logger.KeyPacketID, req.Packet.ID(),
			logger.KeyError, err)
		s.release(req.Packet)
	}
	return requeued
}

// submit hands a request to the thread pool, turning a missing pool or a panic
// inside the pool into an error.
func (s *State) submit(req DeferredRequest) (err error) {
	if s.opts.ThreadPool == nil {
		return &clustererrors.StoreError{Code: clustererrors.ErrPoolClosed, Message: "no thread pool configured", Key: s.key}
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("thread pool panic: %v", r)
		}
	}()
	return s.opts.ThreadPool.QueueRequest(req.Session, req.Packet)
}

// FailDeferredRequests answers every parked request with access denied after
// an oplock break timed out. Every packet is released whether or not the
// response could be sent. It returns the number of responses sent.
func (s *State) FailDeferredRequests() int {
	return s.failRequests(s.drain())
}

// FailBreakIfExpired ends the current break cycle when it started at least
// timeout before now. The parked requests are detached and the oplock dropped
// under one hold of the state lock, so no request can be parked in between,
// then every detached request is failed as by FailDeferredRequests.
//
// It reports whether the break had expired, when it started, and the number
// of responses sent.
func (s *State) FailBreakIfExpired(now time.Time, timeout time.Duration) (failed int, started time.Time, expired bool) {
	s.mu.Lock()
	if s.breakTime.IsZero() || now.Sub(s.breakTime) < timeout {
		s.mu.Unlock()
		return 0, time.Time{}, false
	}
	started = s.breakTime
	pending := s.drainLocked()
	hadOpLock := s.oplock != nil
	s.oplock = nil
	s.mu.Unlock()

	if hadOpLock {
		s.opts.Metrics.ObserveOpLockCleared()
	}
	return s.failRequests(pending), started, true
}

func (s *State) failRequests(pending []DeferredRequest) int {
	failed := 0
	for _, req := range pending {
		sent, err := req.Session.SendAsyncError(req.Packet, session.NTAccessDenied, session.ClassNT)
		switch {
		case err != nil:
			s.opts.Metrics.ObserveDeferred(metrics.OutcomeNotifyFailed)
			logger.Warn("Failed to send oplock break timeout response",
				logger.KeyFileKey, s.key,
				logger.KeySessionID, req.Session.ID(),
				logger.KeyError, err)
		case sent:
			failed++
			s.opts.Metrics.ObserveDeferred(metrics.OutcomeFailed)
			if s.opts.Debug {
				logger.Debug("Oplock break timeout, request failed",
					logger.KeyFileKey, s.key,
					logger.KeySessionID, req.Session.ID())
			}
		default:
			s.opts.Metrics.ObserveDeferred(metrics.OutcomeNotifyFailed)
			if s.opts.Debug {
				logger.Debug("Failed to send open reject, oplock break timed out",
					logger.KeyFileKey, s.key,
					logger.KeySessionID, req.Session.ID())
			}
		}
		s.release(req.Packet)
	}
	return failed
}

// UpdateDeferredLease extends the lease of every parked packet to now+d, or
// to now+Options.LeaseTime when d is not positive.
func (s *State) UpdateDeferredLease(d time.Duration) {
	if d <= 0 {
		d = s.opts.LeaseTime
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.deferred) == 0 {
		return
	}
	expiry := s.opts.Clock.Now().Add(d)
	for _, req := range s.deferred {
		req.Packet.SetLeaseTime(expiry)
	}
}

func (s *State) release(pkt session.Packet) {
	if s.opts.PacketPool == nil || pkt == nil {
		return
	}
	s.opts.PacketPool.Release(pkt)
}

// ============================================================================
// Teardown
// ============================================================================

// Close tears the state down. Requests still parked at this point are a
// protocol bug: each one is logged, its packet released, and an
// ErrDeferredLeak error returned. Close is idempotent.
func (s *State) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	desc := s.describeLocked(len(s.deferred))
	leaked := s.drainLocked()
	hadOpLock := s.oplock != nil
	s.oplock = nil
	s.mu.Unlock()

	if hadOpLock {
		s.opts.Metrics.ObserveOpLockCleared()
	}
	if len(leaked) == 0 {
		return nil
	}

	s.opts.Metrics.ObserveLeak(len(leaked))
	logger.Error("Deferred requests leaked at per-node state teardown",
		logger.KeyFileKey, s.key,
		logger.KeyDeferred, len(leaked),
		"state", desc)
	for _, req := range leaked {
		logger.Error("Leaked deferred request",
			logger.KeyFileKey, s.key,
			logger.KeySessionID, req.Session.ID(),
			logger.KeyPacketID, req.Packet.ID(),
			"deferred_at", req.DeferredAt)
		s.release(req.Packet)
	}
	return clustererrors.NewDeferredLeakError(s.key, len(leaked))
}

// String returns a compact description of the state.
func (s *State) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.describeLocked(len(s.deferred))
}

func (s *State) describeLocked(deferred int) string {
	return fmt.Sprintf("[FID=%d,data=%s,filesysObj=%v,oplock=%s,DeferList=%d]",
		s.fileID, s.dataStatus, s.fsObject, s.oplock, deferred)
}
