// Package storetest provides a conformance suite that every store.Store
// implementation must pass.
package storetest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
	"github.com/marmos91/dittocluster/pkg/cluster/store"
	"github.com/marmos91/dittocluster/pkg/cluster/task"
)

// StoreFactory creates a fresh, empty store.
// The factory registers its own cleanup with t.Cleanup.
type StoreFactory func(t *testing.T) store.Store

// RunConformanceSuite runs the full conformance suite against factory. Each
// test gets a fresh store.
func RunConformanceSuite(t *testing.T, factory StoreFactory) {
	t.Helper()

	t.Run("CRUD", func(t *testing.T) {
		runCRUDTests(t, factory)
	})

	t.Run("Tasks", func(t *testing.T) {
		runTaskTests(t, factory)
	})

	t.Run("Concurrency", func(t *testing.T) {
		runConcurrencyTests(t, factory)
	})
}

// ============================================================================
// CRUD
// ============================================================================

func runCRUDTests(t *testing.T, factory StoreFactory) {
	t.Run("GetMissing", func(t *testing.T) {
		s := factory(t)
		_, err := s.Get(t.Context(), "/MISSING")
		assert.True(t, clustererrors.IsNotFoundError(err))
	})

	t.Run("GetOrCreate", func(t *testing.T) {
		s := factory(t)
		ctx := t.Context()

		st, err := s.GetOrCreate(ctx, "share\\a.txt")
		require.NoError(t, err)
		assert.Equal(t, "/SHARE/A.TXT", st.Key)
		assert.Equal(t, filestate.FileStatusUnknown, st.Status)
		assert.Equal(t, filestate.UnknownFileID, st.FileID)

		st.FileID = 99
		again, err := s.GetOrCreate(ctx, "/SHARE/A.TXT")
		require.NoError(t, err)
		assert.Equal(t, filestate.UnknownFileID, again.FileID, "returned entries are copies")
	})

	t.Run("PutGet", func(t *testing.T) {
		s := factory(t)
		ctx := t.Context()

		st := filestate.New("/A")
		st.Status = filestate.FileStatusFileExists
		st.FileID = 7
		st.SetAttribute("size", "12")
		st.AddLock(filestate.NewByteRangeLock("node-1", 1, 0, 10, true))
		st.OpLock = &filestate.OpLock{Type: filestate.OpLockBatch, OwnerNode: "node-1", SessionID: "s1"}
		require.NoError(t, s.Put(ctx, st))

		got, err := s.Get(ctx, "/a")
		require.NoError(t, err)
		assert.Equal(t, filestate.FileStatusFileExists, got.Status)
		assert.Equal(t, int32(7), got.FileID)
		assert.Equal(t, "12", got.Attributes["size"])
		require.Len(t, got.Locks, 1)
		assert.Equal(t, st.Locks[0].ID, got.Locks[0].ID)
		require.NotNil(t, got.OpLock)
		assert.Equal(t, filestate.OpLockBatch, got.OpLock.Type)
	})

	t.Run("DeleteAndKeys", func(t *testing.T) {
		s := factory(t)
		ctx := t.Context()

		for _, k := range []string{"/C", "/A", "/B"} {
			_, err := s.GetOrCreate(ctx, k)
			require.NoError(t, err)
		}
		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"/A", "/B", "/C"}, keys)

		require.NoError(t, s.Delete(ctx, "/B"))
		require.NoError(t, s.Delete(ctx, "/MISSING"))
		_, err = s.Get(ctx, "/B")
		assert.True(t, clustererrors.IsNotFoundError(err))

		keys, err = s.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"/A", "/C"}, keys)
	})

	t.Run("Closed", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Close())

		_, err := s.Get(t.Context(), "/A")
		assert.Equal(t, clustererrors.ErrStoreClosed, clustererrors.CodeOf(err))
	})
}

// ============================================================================
// Tasks
// ============================================================================

func runTaskTests(t *testing.T, factory StoreFactory) {
	t.Run("ChangeOpLockType", func(t *testing.T) {
		s := factory(t)
		ctx := t.Context()

		st := filestate.New("/A")
		st.OpLock = &filestate.OpLock{Type: filestate.OpLockBatch, OwnerNode: "node-1"}
		require.NoError(t, s.Put(ctx, st))

		typ, err := task.ExecuteChangeOpLockType(ctx, s,
			task.NewChangeOpLockType(s.Name(), "/A", filestate.OpLockLevelII, task.Options{}))
		require.NoError(t, err)
		assert.Equal(t, filestate.OpLockLevelII, typ)

		got, err := s.Get(ctx, "/A")
		require.NoError(t, err)
		assert.Equal(t, filestate.OpLockLevelII, got.OpLock.Type)
		assert.Equal(t, st.Version+1, got.Version)
	})

	t.Run("ChangeOpLockTypeWithoutOpLock", func(t *testing.T) {
		s := factory(t)
		ctx := t.Context()
		_, err := s.GetOrCreate(ctx, "/A")
		require.NoError(t, err)

		typ, err := task.ExecuteChangeOpLockType(ctx, s,
			task.NewChangeOpLockType(s.Name(), "/A", filestate.OpLockNone, task.Options{}))
		require.NoError(t, err)
		assert.Equal(t, filestate.OpLockTypeUnchanged, typ)

		got, err := s.Get(ctx, "/A")
		require.NoError(t, err)
		assert.Nil(t, got.OpLock)
		assert.Equal(t, uint64(0), got.Version, "no-op is not committed")
	})

	t.Run("ChangeOpLockTypeToSameType", func(t *testing.T) {
		s := factory(t)
		ctx := t.Context()

		st := filestate.New("/A")
		st.OpLock = &filestate.OpLock{Type: filestate.OpLockBatch, OwnerNode: "node-1"}
		require.NoError(t, s.Put(ctx, st))

		typ, err := task.ExecuteChangeOpLockType(ctx, s,
			task.NewChangeOpLockType(s.Name(), "/A", filestate.OpLockBatch, task.Options{}))
		require.NoError(t, err)
		assert.Equal(t, filestate.OpLockBatch, typ)

		got, err := s.Get(ctx, "/A")
		require.NoError(t, err)
		assert.Equal(t, st.Version, got.Version)
	})

	t.Run("GrantOpLock", func(t *testing.T) {
		s := factory(t)
		ctx := t.Context()
		_, err := s.GetOrCreate(ctx, "/A")
		require.NoError(t, err)

		ol := filestate.OpLock{Type: filestate.OpLockBatch, OwnerNode: "node-1", SessionID: "s1"}
		granted, err := task.ExecuteGrantOpLock(ctx, s, task.NewGrantOpLock(s.Name(), "/A", ol, task.Options{}))
		require.NoError(t, err)
		assert.Equal(t, "node-1", granted.OwnerNode)

		other := filestate.OpLock{Type: filestate.OpLockExclusive, OwnerNode: "node-2", SessionID: "s2"}
		_, err = task.ExecuteGrantOpLock(ctx, s, task.NewGrantOpLock(s.Name(), "/A", other, task.Options{}))
		assert.True(t, clustererrors.IsExistingOpLockError(err))

		got, err := s.Get(ctx, "/A")
		require.NoError(t, err)
		require.NotNil(t, got.OpLock)
		assert.Equal(t, filestate.OpLockBatch, got.OpLock.Type)
		assert.Equal(t, "node-1", got.OpLock.OwnerNode)
		assert.Equal(t, uint64(1), got.Version)

		_, err = task.ExecuteChangeOpLockType(ctx, s, task.NewChangeOpLockType(s.Name(), "/A", filestate.OpLockNone, task.Options{}))
		require.NoError(t, err)
		_, err = task.ExecuteGrantOpLock(ctx, s, task.NewGrantOpLock(s.Name(), "/A", other, task.Options{}))
		assert.NoError(t, err, "an oplock downgraded to none can be granted again")
	})

	t.Run("RemoveByteLock", func(t *testing.T) {
		s := factory(t)
		ctx := t.Context()

		mine := filestate.NewByteRangeLock("node-1", 4, 0, 100, true)
		theirs := filestate.NewByteRangeLock("node-2", 4, 200, 100, true)
		st := filestate.New("/A")
		st.AddLock(mine)
		st.AddLock(theirs)
		require.NoError(t, s.Put(ctx, st))

		updated, err := task.ExecuteRemoveByteLock(ctx, s, task.NewRemoveByteLock(s.Name(), "/A", mine, task.Options{}))
		require.NoError(t, err)
		require.Len(t, updated.Locks, 1)
		assert.Equal(t, theirs.ID, updated.Locks[0].ID)

		foreign := theirs
		foreign.OwnerNode = "node-1"
		_, err = task.ExecuteRemoveByteLock(ctx, s, task.NewRemoveByteLock(s.Name(), "/A", foreign, task.Options{}))
		assert.True(t, clustererrors.IsNotLockedError(err))

		got, err := s.Get(ctx, "/A")
		require.NoError(t, err)
		assert.Len(t, got.Locks, 1)
		assert.Equal(t, updated.Version, got.Version, "failed task is not committed")
	})

	t.Run("UpdateState", func(t *testing.T) {
		s := factory(t)
		ctx := t.Context()

		st := filestate.New("/A")
		st.Status = filestate.FileStatusFileExists
		st.FileID = 5
		st.SetAttribute("k", "v")
		require.NoError(t, s.Put(ctx, st))

		changed, err := task.ExecuteUpdateState(ctx, s, task.NewUpdateState(s.Name(), "/A", filestate.FileStatusFileExists, task.Options{}))
		require.NoError(t, err)
		assert.False(t, changed)

		changed, err = task.ExecuteUpdateState(ctx, s, task.NewUpdateState(s.Name(), "/A", filestate.FileStatusNotExist, task.Options{}))
		require.NoError(t, err)
		assert.True(t, changed)

		got, err := s.Get(ctx, "/A")
		require.NoError(t, err)
		assert.Equal(t, filestate.FileStatusNotExist, got.Status)
		assert.Equal(t, filestate.UnknownFileID, got.FileID)
		assert.Nil(t, got.Attributes)
	})

	t.Run("MissingKey", func(t *testing.T) {
		s := factory(t)
		_, err := s.ExecuteOnOwner(t.Context(), task.NewUpdateState(s.Name(), "/MISSING", filestate.FileStatusFileExists, task.Options{}))
		assert.True(t, clustererrors.IsNotFoundError(err))
	})

	t.Run("WrongMap", func(t *testing.T) {
		s := factory(t)
		_, err := s.ExecuteOnOwner(t.Context(), task.NewUpdateState("otherMap", "/A", filestate.FileStatusFileExists, task.Options{}))
		assert.Equal(t, clustererrors.ErrWrongMap, clustererrors.CodeOf(err))
	})
}

// ============================================================================
// Concurrency
// ============================================================================

func runConcurrencyTests(t *testing.T, factory StoreFactory) {
	t.Run("TasksOnOneKeyAreSerialized", func(t *testing.T) {
		s := factory(t)
		ctx := t.Context()

		const workers = 8
		const perWorker = 5
		st := filestate.New("/HOT")
		locks := make([]filestate.ByteRangeLock, 0, workers*perWorker)
		for i := 0; i < workers*perWorker; i++ {
			l := filestate.NewByteRangeLock("node-1", 1, uint64(i)*10, 10, true)
			st.AddLock(l)
			locks = append(locks, l)
		}
		require.NoError(t, s.Put(ctx, st))

		var wg sync.WaitGroup
		errs := make(chan error, workers*perWorker)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					l := locks[w*perWorker+i]
					_, err := s.ExecuteOnOwner(ctx, task.NewRemoveByteLock(s.Name(), "/HOT", l, task.Options{}))
					errs <- err
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := s.Get(ctx, "/HOT")
		require.NoError(t, err)
		assert.Empty(t, got.Locks, "no removal was lost")
		assert.Equal(t, uint64(workers*perWorker), got.Version, "every commit observed the previous one")
	})

	t.Run("ConcurrentGrantsHaveOneWinner", func(t *testing.T) {
		s := factory(t)
		ctx := t.Context()
		_, err := s.GetOrCreate(ctx, "/GRANT")
		require.NoError(t, err)

		const nodes = 8
		var wg sync.WaitGroup
		errs := make([]error, nodes)
		for i := 0; i < nodes; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ol := filestate.OpLock{Type: filestate.OpLockBatch, OwnerNode: fmt.Sprintf("node-%d", i)}
				_, errs[i] = task.ExecuteGrantOpLock(ctx, s, task.NewGrantOpLock(s.Name(), "/GRANT", ol, task.Options{}))
			}(i)
		}
		wg.Wait()

		winner := ""
		for i, err := range errs {
			if err == nil {
				require.Empty(t, winner, "only one grant may succeed")
				winner = fmt.Sprintf("node-%d", i)
				continue
			}
			assert.True(t, clustererrors.IsExistingOpLockError(err))
		}
		require.NotEmpty(t, winner)

		got, err := s.Get(ctx, "/GRANT")
		require.NoError(t, err)
		require.NotNil(t, got.OpLock)
		assert.Equal(t, winner, got.OpLock.OwnerNode)
		assert.Equal(t, uint64(1), got.Version)
	})
}
