package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
	"github.com/marmos91/dittocluster/pkg/cluster/session"
	"github.com/marmos91/dittocluster/pkg/cluster/store"
	"github.com/marmos91/dittocluster/pkg/cluster/store/memory"
	"github.com/marmos91/dittocluster/pkg/workerpool"
)

type testSession struct {
	id string

	mu   sync.Mutex
	sent []uint32
}

func (s *testSession) ID() string { return s.id }

func (s *testSession) SendAsyncError(pkt session.Packet, status uint32, class session.ErrorClass) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, status)
	return true, nil
}

func (s *testSession) Sent() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.sent...)
}

type recordingHandler struct {
	mu      sync.Mutex
	handled []string
}

func (h *recordingHandler) HandleRequest(ctx context.Context, sess session.Session, pkt session.Packet) error {
	h.mu.Lock()
	h.handled = append(h.handled, pkt.ID())
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) Handled() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.handled...)
}

func newTestNode(t *testing.T, handler workerpool.Handler) (*Node, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	n, err := New(Options{
		ID:           "node-1",
		Store:        memory.New("node-1"),
		Handler:      handler,
		Workers:      workerpool.Config{Workers: 2, QueueSize: 16},
		BreakTimeout: 30 * time.Second,
		Clock:        clock,
		Registry:     prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return n, clock
}

// slowStore delays GetOrCreate to widen the window between reading the shared
// state and updating it.
type slowStore struct {
	store.Store
	delay time.Duration
}

func (s slowStore) GetOrCreate(ctx context.Context, key string) (*filestate.SharedFileState, error) {
	st, err := s.Store.GetOrCreate(ctx, key)
	time.Sleep(s.delay)
	return st, err
}

func newClusterNode(t *testing.T, cluster *memory.Cluster, id string) *Node {
	t.Helper()
	n, err := New(Options{
		ID:       id,
		Store:    slowStore{Store: cluster.Node(id), delay: 20 * time.Millisecond},
		Workers:  workerpool.Config{Workers: 1, QueueSize: 4},
		Registry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close(time.Second) })
	return n
}

func batch() *filestate.OpLock {
	return &filestate.OpLock{Type: filestate.OpLockBatch, SessionID: "holder"}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Store: memory.New("node-1")})
	assert.Equal(t, clustererrors.ErrInvalidArgument, clustererrors.CodeOf(err))

	_, err = New(Options{ID: "node-1"})
	assert.Equal(t, clustererrors.ErrInvalidArgument, clustererrors.CodeOf(err))
}

func TestNode_GrantOpLock(t *testing.T) {
	ctx := context.Background()

	t.Run("RecordedLocallyAndShared", func(t *testing.T) {
		n, clock := newTestNode(t, nil)
		defer n.Close(time.Second)

		require.NoError(t, n.GrantOpLock(ctx, "/share/file.txt", batch()))

		local := n.LocalState("/SHARE/FILE.TXT")
		require.True(t, local.HasOpLock())
		assert.Equal(t, "node-1", local.OpLock().OwnerNode)

		shared, err := n.SharedState(ctx, "/share/file.txt")
		require.NoError(t, err)
		require.NotNil(t, shared.OpLock)
		assert.Equal(t, filestate.OpLockBatch, shared.OpLock.Type)
		assert.Equal(t, clock.Now(), shared.OpLock.GrantedAt)
	})

	t.Run("SecondGrantFails", func(t *testing.T) {
		n, _ := newTestNode(t, nil)
		defer n.Close(time.Second)

		require.NoError(t, n.GrantOpLock(ctx, "/A", batch()))
		err := n.GrantOpLock(ctx, "/A", &filestate.OpLock{Type: filestate.OpLockLevelII})
		assert.True(t, clustererrors.IsExistingOpLockError(err))
	})

	t.Run("InvalidOpLockRejected", func(t *testing.T) {
		n, _ := newTestNode(t, nil)
		defer n.Close(time.Second)

		err := n.GrantOpLock(ctx, "/A", nil)
		assert.Equal(t, clustererrors.ErrInvalidArgument, clustererrors.CodeOf(err))
	})
}

func TestNode_ConcurrentGrantsAcrossNodes(t *testing.T) {
	ctx := context.Background()
	cluster := memory.NewCluster(store.DefaultMapName, "node-1", "node-2")
	nodes := []*Node{newClusterNode(t, cluster, "node-1"), newClusterNode(t, cluster, "node-2")}

	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *Node) {
			defer wg.Done()
			errs[i] = n.GrantOpLock(ctx, "/F", batch())
		}(i, n)
	}
	wg.Wait()

	var winner *Node
	for i, err := range errs {
		if err == nil {
			require.Nil(t, winner, "both nodes were granted the oplock")
			winner = nodes[i]
			continue
		}
		assert.True(t, clustererrors.IsExistingOpLockError(err))
		assert.False(t, nodes[i].LocalState("/F").HasOpLock(), "losing grant is rolled back locally")
	}
	require.NotNil(t, winner)
	assert.True(t, winner.LocalState("/F").HasOpLock())

	shared, err := winner.SharedState(ctx, "/F")
	require.NoError(t, err)
	require.NotNil(t, shared.OpLock)
	assert.Equal(t, winner.ID(), shared.OpLock.OwnerNode)
}

func TestNode_GrantDoesNotLoseConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	cluster := memory.NewCluster(store.DefaultMapName, "node-1", "node-2")
	n1 := newClusterNode(t, cluster, "node-1")
	n2 := newClusterNode(t, cluster, "node-2")

	_, err := n2.Store().GetOrCreate(ctx, "/F")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var grantErr, updateErr error
	var changed bool
	wg.Add(2)
	go func() {
		defer wg.Done()
		grantErr = n1.GrantOpLock(ctx, "/F", batch())
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		changed, updateErr = n2.UpdateFileStatus(ctx, "/F", filestate.FileStatusFileExists)
	}()
	wg.Wait()

	require.NoError(t, grantErr)
	require.NoError(t, updateErr)
	assert.True(t, changed)

	shared, err := n1.SharedState(ctx, "/F")
	require.NoError(t, err)
	assert.Equal(t, filestate.FileStatusFileExists, shared.Status)
	require.NotNil(t, shared.OpLock)
	assert.Equal(t, "node-1", shared.OpLock.OwnerNode)
	assert.Equal(t, uint64(2), shared.Version)
}

func TestNode_DeferRequest(t *testing.T) {
	n, _ := newTestNode(t, nil)
	defer n.Close(time.Second)

	err := n.DeferRequest("/A", &testSession{id: "s"}, n.Packets().Allocate(8))
	assert.Equal(t, clustererrors.ErrNoOpLock, clustererrors.CodeOf(err))

	require.NoError(t, n.GrantOpLock(context.Background(), "/A", batch()))
	for i := 0; i < 3; i++ {
		require.NoError(t, n.DeferRequest("/a", &testSession{id: "s"}, n.Packets().Allocate(8)))
	}
	err = n.DeferRequest("/A", &testSession{id: "s"}, n.Packets().Allocate(8))
	assert.True(t, clustererrors.IsDeferFailedError(err))
	assert.Equal(t, 3, n.LocalState("/A").NumberOfDeferredRequests())
}

func TestNode_OpLockReleasedRequeues(t *testing.T) {
	ctx := context.Background()
	handler := &recordingHandler{}
	n, _ := newTestNode(t, handler)
	n.Start()
	defer n.Close(time.Second)

	require.NoError(t, n.GrantOpLock(ctx, "/A", batch()))
	var ids []string
	for i := 0; i < 2; i++ {
		pkt := n.Packets().Allocate(8)
		ids = append(ids, pkt.ID())
		require.NoError(t, n.DeferRequest("/A", &testSession{id: "s"}, pkt))
	}

	requeued, err := n.OpLockReleased(ctx, "/A")
	require.NoError(t, err)
	assert.Equal(t, 2, requeued)
	assert.False(t, n.LocalState("/A").HasOpLock())

	require.Eventually(t, func() bool { return len(handler.Handled()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, ids, handler.Handled())
	require.Eventually(t, func() bool { return n.Packets().Leased() == 0 }, 2*time.Second, 10*time.Millisecond)

	shared, err := n.SharedState(ctx, "/A")
	require.NoError(t, err)
	assert.Equal(t, filestate.OpLockNone, shared.OpLock.Type)
}

func TestNode_OpLockReleasedWithoutSharedState(t *testing.T) {
	n, _ := newTestNode(t, nil)
	defer n.Close(time.Second)

	requeued, err := n.OpLockReleased(context.Background(), "/NEVER")
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)
}

func TestNode_BreakTimeoutFailsRequestsAndClearsOpLock(t *testing.T) {
	ctx := context.Background()
	n, clock := newTestNode(t, nil)
	defer n.Close(time.Second)

	require.NoError(t, n.GrantOpLock(ctx, "/A", batch()))
	sess := &testSession{id: "waiter"}
	require.NoError(t, n.DeferRequest("/A", sess, n.Packets().Allocate(8)))

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, n.Scanner().Scan(clock.Now()))

	assert.Equal(t, []uint32{session.NTAccessDenied}, sess.Sent())
	assert.False(t, n.LocalState("/A").HasOpLock())
	assert.Equal(t, 0, n.Packets().Leased())

	shared, err := n.SharedState(ctx, "/A")
	require.NoError(t, err)
	assert.Equal(t, filestate.OpLockNone, shared.OpLock.Type)
}

func TestNode_ChangeOpLockType(t *testing.T) {
	ctx := context.Background()
	n, _ := newTestNode(t, nil)
	defer n.Close(time.Second)

	_, err := n.Store().GetOrCreate(ctx, "/A")
	require.NoError(t, err)

	got, err := n.ChangeOpLockType(ctx, "/A", filestate.OpLockLevelII)
	require.NoError(t, err)
	assert.Equal(t, filestate.OpLockTypeUnchanged, got)

	require.NoError(t, n.GrantOpLock(ctx, "/B", batch()))
	got, err = n.ChangeOpLockType(ctx, "/b", filestate.OpLockLevelII)
	require.NoError(t, err)
	assert.Equal(t, filestate.OpLockLevelII, got)
}

func TestNode_RemoveByteLock(t *testing.T) {
	ctx := context.Background()
	n, _ := newTestNode(t, nil)
	defer n.Close(time.Second)

	lock := filestate.NewByteRangeLock("node-1", 7, 0, 100, true)
	st := filestate.New("/A")
	st.AddLock(lock)
	require.NoError(t, n.Store().Put(ctx, st))

	updated, err := n.RemoveByteLock(ctx, "/A", lock)
	require.NoError(t, err)
	assert.False(t, updated.HasLocks())

	_, err = n.RemoveByteLock(ctx, "/A", lock)
	assert.True(t, clustererrors.IsNotLockedError(err))
}

func TestNode_UpdateFileStatus(t *testing.T) {
	ctx := context.Background()
	n, _ := newTestNode(t, nil)
	defer n.Close(time.Second)

	st := filestate.New("/A")
	st.SetStatus(filestate.FileStatusFileExists)
	st.FileID = 12
	require.NoError(t, n.Store().Put(ctx, st))

	local := n.LocalState("/A")
	local.SetFileID(12)
	local.AttributeMap(true)["etag"] = "v1"

	changed, err := n.UpdateFileStatus(ctx, "/A", filestate.FileStatusFileExists)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int32(12), local.FileID())

	changed, err = n.UpdateFileStatus(ctx, "/A", filestate.FileStatusNotExist)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, filestate.UnknownFileID, local.FileID())
	assert.Nil(t, local.AttributeMap(false))

	shared, err := n.SharedState(ctx, "/A")
	require.NoError(t, err)
	assert.Equal(t, filestate.UnknownFileID, shared.FileID)
}

func TestNode_Submit(t *testing.T) {
	handler := &recordingHandler{}
	n, _ := newTestNode(t, handler)
	n.Start()
	defer n.Close(time.Second)

	pkt := n.Packets().Allocate(8)
	require.NoError(t, n.Submit(&testSession{id: "s"}, pkt))
	require.Eventually(t, func() bool { return len(handler.Handled()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNode_HandlerParksPacket(t *testing.T) {
	ctx := context.Background()
	sess := &testSession{id: "s"}

	var n *Node
	var mu sync.Mutex
	calls := 0
	n, _ = newTestNode(t, workerpool.HandlerFunc(func(_ context.Context, sess session.Session, pkt session.Packet) error {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return n.DeferRequest("/A", sess, pkt)
		}
		return nil
	}))
	n.Start()
	defer n.Close(time.Second)

	require.NoError(t, n.GrantOpLock(ctx, "/A", batch()))
	pkt := n.Packets().Allocate(8)
	require.NoError(t, n.Submit(sess, pkt))

	require.Eventually(t, func() bool {
		return n.LocalState("/A").NumberOfDeferredRequests() == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, n.Packets().Leased(), "parked packet stays leased")
	assert.NotNil(t, pkt.Bytes())
	assert.True(t, pkt.Parked())
	assert.Equal(t, 0, n.Packets().ReapExpired(time.Now().Add(time.Hour)))

	requeued, err := n.OpLockReleased(ctx, "/A")
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return n.Packets().Leased() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestNode_Close(t *testing.T) {
	t.Run("ReportsLeakedRequests", func(t *testing.T) {
		n, _ := newTestNode(t, nil)
		n.Start()
		require.NoError(t, n.GrantOpLock(context.Background(), "/A", batch()))
		require.NoError(t, n.DeferRequest("/A", &testSession{id: "s"}, n.Packets().Allocate(8)))

		err := n.Close(time.Second)
		require.Error(t, err)
		assert.Equal(t, clustererrors.ErrDeferredLeak, clustererrors.CodeOf(err))
		assert.Equal(t, 0, n.Packets().Leased())
	})

	t.Run("Idempotent", func(t *testing.T) {
		n, _ := newTestNode(t, nil)
		assert.NoError(t, n.Close(time.Second))
		assert.NoError(t, n.Close(time.Second))
	})

	t.Run("SubmitAfterCloseReleasesPacket", func(t *testing.T) {
		n, _ := newTestNode(t, nil)
		n.Start()
		require.NoError(t, n.Close(time.Second))

		err := n.Submit(&testSession{id: "s"}, n.Packets().Allocate(8))
		assert.Error(t, err)
		assert.Equal(t, 0, n.Packets().Leased())
	})
}
