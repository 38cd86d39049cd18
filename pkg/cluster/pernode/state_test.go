package pernode

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
	"github.com/marmos91/dittocluster/pkg/cluster/session"
)

// ============================================================================
// Test Doubles
// ============================================================================

type fakePacket struct {
	id string

	mu       sync.Mutex
	deferred int
	parked   bool
	lease    time.Time
}

func newPacket(id string) *fakePacket { return &fakePacket{id: id} }

func (p *fakePacket) ID() string { return p.id }

func (p *fakePacket) IncrementDeferredCount() {
	p.mu.Lock()
	p.deferred++
	p.parked = true
	p.mu.Unlock()
}

func (p *fakePacket) Unpark() {
	p.mu.Lock()
	p.parked = false
	p.mu.Unlock()
}

func (p *fakePacket) Parked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parked
}

func (p *fakePacket) DeferredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deferred
}

func (p *fakePacket) SetLeaseTime(t time.Time) {
	p.mu.Lock()
	p.lease = t
	p.mu.Unlock()
}

func (p *fakePacket) LeaseTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lease
}

type fakeSession struct {
	id      string
	sendOK  bool
	sendErr error

	mu   sync.Mutex
	sent []string
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) SendAsyncError(pkt session.Packet, status uint32, class session.ErrorClass) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return false, s.sendErr
	}
	s.sent = append(s.sent, fmt.Sprintf("%s:%#x:%d", pkt.ID(), status, class))
	return s.sendOK, nil
}

type fakeThreadPool struct {
	reject map[string]error
	panics bool

	mu     sync.Mutex
	queued []string
}

func (p *fakeThreadPool) QueueRequest(sess session.Session, pkt session.Packet) error {
	if p.panics {
		panic("pool gone")
	}
	if err := p.reject[pkt.ID()]; err != nil {
		return err
	}
	p.mu.Lock()
	p.queued = append(p.queued, pkt.ID())
	p.mu.Unlock()
	return nil
}

func (p *fakeThreadPool) Queued() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.queued...)
}

type fakePacketPool struct {
	mu       sync.Mutex
	released []string
}

func (p *fakePacketPool) Release(pkt session.Packet) {
	p.mu.Lock()
	p.released = append(p.released, pkt.ID())
	p.mu.Unlock()
}

func (p *fakePacketPool) Released() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.released...)
}

type harness struct {
	clock   clockwork.FakeClock
	threads *fakeThreadPool
	packets *fakePacketPool
	state   *State
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)),
		threads: &fakeThreadPool{reject: map[string]error{}},
		packets: &fakePacketPool{},
	}
	h.state = New("/SHARE/FILE.TXT", Options{
		ThreadPool: h.threads,
		PacketPool: h.packets,
		Clock:      h.clock,
		LeaseTime:  10 * time.Second,
		Debug:      true,
	})
	return h
}

func (h *harness) grant(t *testing.T) *filestate.OpLock {
	t.Helper()
	ol := &filestate.OpLock{Type: filestate.OpLockBatch, OwnerNode: "node-1", SessionID: "holder"}
	require.NoError(t, h.state.SetOpLock(ol))
	return ol
}

// ============================================================================
// Accessors
// ============================================================================

func TestState_Defaults(t *testing.T) {
	s := New("/A", Options{})

	assert.Equal(t, "/A", s.Key())
	assert.Equal(t, filestate.UnknownFileID, s.FileID())
	assert.Equal(t, DataLoadWait, s.DataStatus())
	assert.False(t, s.HasOpLock())
	assert.Nil(t, s.OpLock())
	assert.False(t, s.HasDeferredRequests())
	assert.Equal(t, 0, s.NumberOfDeferredRequests())
	assert.Nil(t, s.AttributeMap(false))
	assert.Nil(t, s.PseudoFileList(false))
	assert.Nil(t, s.FilesystemObject())

	_, breaking := s.OpLockBreakTime()
	assert.False(t, breaking)
}

func TestState_PlainAccessors(t *testing.T) {
	s := New("/A", Options{})

	s.SetFileID(42)
	s.SetDataStatus(DataAvailable)
	s.SetFilesystemObject("handle-7")

	assert.Equal(t, int32(42), s.FileID())
	assert.Equal(t, DataAvailable, s.DataStatus())
	assert.Equal(t, "handle-7", s.FilesystemObject())
}

func TestState_PseudoFiles(t *testing.T) {
	s := New("/DIR", Options{})

	t.Run("HasPseudoFilesDoesNotCreateList", func(t *testing.T) {
		assert.False(t, s.HasPseudoFiles())
		assert.Nil(t, s.PseudoFileList(false))
	})

	t.Run("EmptyListReportsNoPseudoFiles", func(t *testing.T) {
		list := s.PseudoFileList(true)
		require.NotNil(t, list)
		assert.False(t, s.HasPseudoFiles())
	})

	t.Run("AddedFilesAreVisible", func(t *testing.T) {
		list := s.PseudoFileList(true)
		list.Add(PseudoFile{Name: "__Alfresco.url"})
		list.Add(PseudoFile{Name: "desktop.ini", Size: 10})
		list.Add(PseudoFile{Name: "desktop.ini", Size: 20})

		assert.True(t, s.HasPseudoFiles())
		assert.Equal(t, 2, list.Len())
		f, ok := list.Find("desktop.ini")
		require.True(t, ok)
		assert.Equal(t, int64(20), f.Size)

		assert.True(t, list.Remove("__Alfresco.url"))
		assert.False(t, list.Remove("missing"))
		assert.Equal(t, []PseudoFile{{Name: "desktop.ini", Size: 20}}, list.Files())
	})
}

func TestState_Attributes(t *testing.T) {
	s := New("/A", Options{})

	assert.Nil(t, s.AttributeMap(false))

	attrs := s.AttributeMap(true)
	attrs["etag"] = "v1"
	assert.Equal(t, "v1", s.AttributeMap(false)["etag"])

	s.ClearAllAttributes()
	assert.Nil(t, s.AttributeMap(false))

	// The stale reference is abandoned, not cleared under its holder.
	assert.Equal(t, "v1", attrs["etag"])
}

// ============================================================================
// OpLock
// ============================================================================

func TestState_SetOpLock(t *testing.T) {
	t.Run("SecondGrantFails", func(t *testing.T) {
		h := newHarness(t)
		first := h.grant(t)

		err := h.state.SetOpLock(&filestate.OpLock{Type: filestate.OpLockLevelII})
		require.Error(t, err)
		assert.True(t, clustererrors.IsExistingOpLockError(err))
		assert.Same(t, first, h.state.OpLock())
	})

	t.Run("GrantAfterClearSucceeds", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)
		h.state.ClearOpLock()
		assert.False(t, h.state.HasOpLock())

		h.grant(t)
		assert.True(t, h.state.HasOpLock())
	})

	t.Run("ClearIsIdempotent", func(t *testing.T) {
		h := newHarness(t)
		h.state.ClearOpLock()
		h.state.ClearOpLock()
		assert.False(t, h.state.HasOpLock())
	})

	t.Run("NilOpLockRejected", func(t *testing.T) {
		h := newHarness(t)
		err := h.state.SetOpLock(nil)
		assert.Equal(t, clustererrors.ErrInvalidArgument, clustererrors.CodeOf(err))
	})

	t.Run("ConcurrentGrantsHaveOneWinner", func(t *testing.T) {
		h := newHarness(t)

		const n = 32
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if h.state.SetOpLock(&filestate.OpLock{Type: filestate.OpLockExclusive}) == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

// ============================================================================
// Deferred queue
// ============================================================================

func TestState_AddDeferredRequest(t *testing.T) {
	t.Run("RequiresOpLock", func(t *testing.T) {
		h := newHarness(t)
		err := h.state.AddDeferredRequest(&fakeSession{id: "s1"}, newPacket("p1"))
		assert.Equal(t, clustererrors.ErrNoOpLock, clustererrors.CodeOf(err))
		assert.Equal(t, 0, h.state.NumberOfDeferredRequests())
	})

	t.Run("FourthRequestFails", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)

		for i := 1; i <= MaxDeferredRequests; i++ {
			require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "s"}, newPacket(fmt.Sprintf("p%d", i))))
		}

		extra := newPacket("p4")
		err := h.state.AddDeferredRequest(&fakeSession{id: "s"}, extra)
		require.Error(t, err)
		assert.True(t, clustererrors.IsDeferFailedError(err))
		assert.Equal(t, 0, extra.DeferredCount())

		reqs := h.state.DeferredRequests()
		require.Len(t, reqs, MaxDeferredRequests)
		assert.Equal(t, "p1", reqs[0].Packet.ID())
		assert.Equal(t, "p2", reqs[1].Packet.ID())
		assert.Equal(t, "p3", reqs[2].Packet.ID())
	})

	t.Run("MarksPacketDeferred", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)

		pkt := newPacket("p1")
		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "s1"}, pkt))
		assert.Equal(t, 1, pkt.DeferredCount())
		assert.True(t, h.state.HasDeferredRequests())
	})

	t.Run("BreakTimeIsFirstArrival", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)

		start := h.clock.Now()
		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "a"}, newPacket("A")))
		h.clock.Advance(time.Second)
		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "b"}, newPacket("B")))
		h.clock.Advance(time.Second)
		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "c"}, newPacket("C")))

		breakTime, breaking := h.state.OpLockBreakTime()
		require.True(t, breaking)
		assert.Equal(t, start, breakTime)
	})

	t.Run("ConcurrentCallersNeverExceedCapacity", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- h.state.AddDeferredRequest(&fakeSession{id: "s"}, newPacket(fmt.Sprintf("p%d", i)))
			}(i)
		}
		wg.Wait()
		close(errs)

		accepted, rejected := 0, 0
		for err := range errs {
			if err == nil {
				accepted++
			} else {
				assert.True(t, clustererrors.IsDeferFailedError(err))
				rejected++
			}
		}
		assert.Equal(t, MaxDeferredRequests, accepted)
		assert.Equal(t, n-MaxDeferredRequests, rejected)
		assert.Equal(t, MaxDeferredRequests, h.state.NumberOfDeferredRequests())
	})
}

func TestState_RequeueDeferredRequests(t *testing.T) {
	t.Run("EmptyQueue", func(t *testing.T) {
		h := newHarness(t)
		assert.Equal(t, 0, h.state.RequeueDeferredRequests())
		assert.Empty(t, h.threads.Queued())
	})

	t.Run("SubmitsInArrivalOrder", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)

		start := h.clock.Now()
		for _, id := range []string{"A", "B", "C"} {
			require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "s-" + id}, newPacket(id)))
			h.clock.Advance(100 * time.Millisecond)
		}
		breakTime, _ := h.state.OpLockBreakTime()
		assert.Equal(t, start, breakTime)

		assert.Equal(t, 3, h.state.RequeueDeferredRequests())
		assert.Equal(t, []string{"A", "B", "C"}, h.threads.Queued())
		assert.Empty(t, h.packets.Released())
		assert.False(t, h.state.HasDeferredRequests())

		_, breaking := h.state.OpLockBreakTime()
		assert.False(t, breaking)
	})

	t.Run("RejectedSubmissionReleasesPacket", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)
		h.threads.reject["B"] = &clustererrors.StoreError{Code: clustererrors.ErrPoolFull, Message: "full"}

		for _, id := range []string{"A", "B", "C"} {
			require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: id}, newPacket(id)))
		}

		assert.Equal(t, 2, h.state.RequeueDeferredRequests())
		assert.Equal(t, []string{"A", "C"}, h.threads.Queued())
		assert.Equal(t, []string{"B"}, h.packets.Released())
		assert.Equal(t, 0, h.state.NumberOfDeferredRequests())
	})

	t.Run("PanickingPoolReleasesPackets", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)
		h.threads.panics = true

		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "a"}, newPacket("A")))
		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "b"}, newPacket("B")))

		assert.Equal(t, 0, h.state.RequeueDeferredRequests())
		assert.Equal(t, []string{"A", "B"}, h.packets.Released())
	})

	t.Run("MissingPoolReleasesPackets", func(t *testing.T) {
		packets := &fakePacketPool{}
		s := New("/A", Options{PacketPool: packets})
		require.NoError(t, s.SetOpLock(&filestate.OpLock{Type: filestate.OpLockBatch}))
		require.NoError(t, s.AddDeferredRequest(&fakeSession{id: "a"}, newPacket("A")))

		assert.Equal(t, 0, s.RequeueDeferredRequests())
		assert.Equal(t, []string{"A"}, packets.Released())
	})

	t.Run("NewCycleAfterDrain", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)

		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "a"}, newPacket("A")))
		h.state.RequeueDeferredRequests()

		h.clock.Advance(time.Minute)
		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "b"}, newPacket("B")))
		breakTime, breaking := h.state.OpLockBreakTime()
		require.True(t, breaking)
		assert.Equal(t, h.clock.Now(), breakTime)
	})
}

func TestState_FailDeferredRequests(t *testing.T) {
	t.Run("EmptyQueue", func(t *testing.T) {
		h := newHarness(t)
		assert.Equal(t, 0, h.state.FailDeferredRequests())
		assert.Empty(t, h.packets.Released())
	})

	t.Run("SendErrorIsIsolated", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)

		good := &fakeSession{id: "good", sendOK: true}
		bad := &fakeSession{id: "bad", sendErr: errors.New("connection reset")}
		require.NoError(t, h.state.AddDeferredRequest(bad, newPacket("P1")))
		require.NoError(t, h.state.AddDeferredRequest(good, newPacket("P2")))

		assert.Equal(t, 1, h.state.FailDeferredRequests())
		assert.ElementsMatch(t, []string{"P1", "P2"}, h.packets.Released())
		assert.Equal(t, 0, h.state.NumberOfDeferredRequests())
		assert.Equal(t, []string{fmt.Sprintf("P2:%#x:%d", session.NTAccessDenied, session.ClassNT)}, good.sent)
	})

	t.Run("UnsentResponseNotCounted", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)

		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "s", sendOK: false}, newPacket("P1")))

		assert.Equal(t, 0, h.state.FailDeferredRequests())
		assert.Equal(t, []string{"P1"}, h.packets.Released())
	})

	t.Run("OpLockSurvivesFailure", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)
		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "s", sendOK: true}, newPacket("P1")))

		h.state.FailDeferredRequests()
		assert.True(t, h.state.HasOpLock())
	})
}

func TestState_FailBreakIfExpired(t *testing.T) {
	const timeout = 30 * time.Second

	t.Run("NoBreakPending", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)

		_, _, expired := h.state.FailBreakIfExpired(h.clock.Now().Add(time.Hour), timeout)
		assert.False(t, expired)
		assert.True(t, h.state.HasOpLock())
	})

	t.Run("NotYetExpired", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)
		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "s", sendOK: true}, newPacket("P1")))

		h.clock.Advance(timeout - time.Second)
		_, _, expired := h.state.FailBreakIfExpired(h.clock.Now(), timeout)
		assert.False(t, expired)
		assert.Equal(t, 1, h.state.NumberOfDeferredRequests())
		assert.True(t, h.state.HasOpLock())
	})

	t.Run("ExpiredFailsAndClearsTogether", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)
		start := h.clock.Now()
		pkt := newPacket("P1")
		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "s", sendOK: true}, pkt))

		h.clock.Advance(timeout)
		failed, started, expired := h.state.FailBreakIfExpired(h.clock.Now(), timeout)
		require.True(t, expired)
		assert.Equal(t, 1, failed)
		assert.Equal(t, start, started)
		assert.False(t, h.state.HasOpLock())
		assert.False(t, h.state.HasDeferredRequests())
		assert.False(t, pkt.Parked())
		assert.Equal(t, []string{"P1"}, h.packets.Released())

		err := h.state.AddDeferredRequest(&fakeSession{id: "late"}, newPacket("P2"))
		assert.Equal(t, clustererrors.ErrNoOpLock, clustererrors.CodeOf(err), "no request can be parked without an oplock")
	})

	t.Run("NewCycleIsNotFailed", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)
		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "old"}, newPacket("OLD")))

		h.clock.Advance(timeout)
		stale := h.clock.Now()
		h.state.ClearOpLock()
		h.state.RequeueDeferredRequests()
		h.grant(t)
		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "new", sendOK: true}, newPacket("NEW")))

		_, _, expired := h.state.FailBreakIfExpired(stale, timeout)
		assert.False(t, expired)
		assert.True(t, h.state.HasOpLock())
		assert.Equal(t, 1, h.state.NumberOfDeferredRequests())
	})
}

func TestState_DrainUnparksPackets(t *testing.T) {
	h := newHarness(t)
	h.grant(t)

	a, b := newPacket("A"), newPacket("B")
	require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "a"}, a))
	require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "b"}, b))
	assert.True(t, a.Parked())
	assert.True(t, b.Parked())

	h.state.RequeueDeferredRequests()
	assert.False(t, a.Parked())
	assert.False(t, b.Parked())
	assert.Equal(t, 1, a.DeferredCount(), "deferred count is cumulative")
}

func TestState_UpdateDeferredLease(t *testing.T) {
	h := newHarness(t)
	h.grant(t)

	p1, p2 := newPacket("P1"), newPacket("P2")
	require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "a"}, p1))
	require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "b"}, p2))

	h.clock.Advance(3 * time.Second)
	h.state.UpdateDeferredLease(30 * time.Second)
	want := h.clock.Now().Add(30 * time.Second)
	assert.Equal(t, want, p1.LeaseTime())
	assert.Equal(t, want, p2.LeaseTime())

	h.state.UpdateDeferredLease(0)
	assert.Equal(t, h.clock.Now().Add(10*time.Second), p1.LeaseTime())
}

// ============================================================================
// Teardown
// ============================================================================

func TestState_Close(t *testing.T) {
	t.Run("CleanClose", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)
		assert.NoError(t, h.state.Close())
		assert.False(t, h.state.HasOpLock())
	})

	t.Run("LeakIsReported", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)
		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "a"}, newPacket("A")))
		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "b"}, newPacket("B")))

		err := h.state.Close()
		require.Error(t, err)
		assert.Equal(t, clustererrors.ErrDeferredLeak, clustererrors.CodeOf(err))
		assert.Contains(t, err.Error(), "2 deferred")
		assert.Equal(t, []string{"A", "B"}, h.packets.Released())
	})

	t.Run("Idempotent", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)
		require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "a"}, newPacket("A")))

		require.Error(t, h.state.Close())
		assert.NoError(t, h.state.Close())
	})

	t.Run("ClosedStateRefusesOpLockAndRequests", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.state.Close())

		err := h.state.SetOpLock(&filestate.OpLock{Type: filestate.OpLockBatch})
		assert.True(t, clustererrors.IsStateClosedError(err))
		assert.False(t, h.state.HasOpLock())

		err = h.state.AddDeferredRequest(&fakeSession{id: "a"}, newPacket("A"))
		assert.True(t, clustererrors.IsDeferFailedError(err))
		assert.Equal(t, 0, h.state.NumberOfDeferredRequests())
	})

	t.Run("ClosedWhileHoldingOpLockRefusesRequests", func(t *testing.T) {
		h := newHarness(t)
		h.grant(t)
		require.NoError(t, h.state.Close())

		err := h.state.AddDeferredRequest(&fakeSession{id: "a"}, newPacket("A"))
		assert.True(t, clustererrors.IsDeferFailedError(err))
	})
}

func TestState_String(t *testing.T) {
	h := newHarness(t)
	h.state.SetFileID(7)
	h.grant(t)
	require.NoError(t, h.state.AddDeferredRequest(&fakeSession{id: "a"}, newPacket("A")))

	desc := h.state.String()
	assert.Contains(t, desc, "FID=7")
	assert.Contains(t, desc, "data=LoadWait")
	assert.Contains(t, desc, "oplock=Batch@node-1/holder")
	assert.Contains(t, desc, "DeferList=1")
}
