// Package store defines the distributed file state map: a keyed map of
// filestate.SharedFileState that assigns each key to one owning node and
// runs remote state tasks on that owner, serialized per key.
package store

import (
	"context"
	"time"

	"github.com/marmos91/dittocluster/internal/logger"
	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
	"github.com/marmos91/dittocluster/pkg/cluster/task"
)

// DefaultMapName is the map holding shared file states.
const DefaultMapName = "fileStates"

// Store is one node's handle on the distributed file state map.
//
// Get returns a copy of the entry; mutations must go through ExecuteOnOwner.
// Implementations must be safe for concurrent use.
type Store interface {
	task.StateMap
	task.Executor

	// Get returns a copy of the entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*filestate.SharedFileState, error)

	// GetOrCreate returns a copy of the entry for key, creating an empty
	// entry when none exists.
	GetOrCreate(ctx context.Context, key string) (*filestate.SharedFileState, error)

	// Put stores st unconditionally under st.Key.
	Put(ctx context.Context, st *filestate.SharedFileState) error

	// Delete removes the entry for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns every key in the map, sorted.
	Keys(ctx context.Context) ([]string, error)

	// Close releases the store. Later calls fail with ErrStoreClosed.
	Close() error
}

// CheckMap verifies that t targets the map served by m.
func CheckMap(m task.StateMap, t task.Task) error {
	if t.MapName() != m.Name() {
		return clustererrors.NewWrongMapError(m.Name(), t.MapName())
	}
	return nil
}

// Apply runs t against working, the owner's copy of the entry, and reports
// whether the store must write it back. Only a task that modified the entry
// commits, and each commit bumps the version.
//
// A result aliasing working is replaced by a clone so the caller never holds
// a reference into store-owned state.
func Apply(ctx context.Context, m task.StateMap, t task.Task, working *filestate.SharedFileState) (any, bool, error) {
	start := time.Now()
	res, changed, err := t.RunAgainstState(ctx, m, working)

	if t.TimingDebug() {
		logger.DebugCtx(ctx, "Task executed",
			logger.KeyTask, t.Kind().String(),
			logger.KeyFileKey, t.Key(),
			logger.KeyNodeID, m.NodeID(),
			logger.KeyDurationMs, float64(time.Since(start).Microseconds())/1000.0,
			logger.KeyError, err)
	}
	if err != nil {
		return nil, false, err
	}

	commit := changed && task.Commits(t)
	if commit {
		working.Version++
	}
	if st, ok := res.(*filestate.SharedFileState); ok && st == working {
		res = working.Clone()
	}
	return res, commit, nil
}
