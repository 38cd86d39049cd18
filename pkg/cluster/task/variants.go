package task

import (
	"context"

	"github.com/marmos91/dittocluster/internal/logger"
	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
)

// ============================================================================
// ChangeOpLockType
// ============================================================================

// ChangeOpLockType changes the type of the oplock recorded on the shared state.
//
// The result is the new filestate.OpLockType, or OpLockTypeUnchanged when the
// entry has no oplock. A missing oplock is not an error: a racing operation
// may already have broken it. Setting the type the oplock already has leaves
// the entry unchanged.
type ChangeOpLockType struct {
	Base
	NewType filestate.OpLockType
}

// NewChangeOpLockType creates a ChangeOpLockType task.
func NewChangeOpLockType(mapName, key string, newType filestate.OpLockType, opts Options) *ChangeOpLockType {
	return &ChangeOpLockType{
		Base:    newBase(mapName, key, true, false, opts),
		NewType: newType,
	}
}

// Kind returns KindChangeOpLockType.
func (t *ChangeOpLockType) Kind() Kind { return KindChangeOpLockType }

// RunAgainstState implements Task.
func (t *ChangeOpLockType) RunAgainstState(ctx context.Context, m StateMap, st *filestate.SharedFileState) (any, bool, error) {
	if !t.NewType.IsValid() {
		return nil, false, clustererrors.NewInvalidArgumentError("invalid oplock type " + t.NewType.String())
	}
	if t.debug {
		logger.DebugCtx(ctx, "ChangeOpLockType: new type",
			logger.KeyOpLockType, t.NewType.String(),
			"state", st.String())
	}

	if st.OpLock == nil {
		return filestate.OpLockTypeUnchanged, false, nil
	}

	old := st.OpLock.Type
	if old == t.NewType {
		return t.NewType, false, nil
	}
	st.OpLock.Type = t.NewType
	if t.debug {
		logger.DebugCtx(ctx, "ChangeOpLockType: changed type",
			"from", old.String(),
			"to", t.NewType.String())
	}
	return t.NewType, true, nil
}

// ============================================================================
// RemoveByteLock
// ============================================================================

// RemoveByteLock removes a byte-range lock from the shared lock list.
//
// The lock is matched on range and process id, and is only removed when it
// was created by the same node as Lock. Otherwise the task fails with
// ErrNotLocked, which callers treat as already resolved. The result is the
// updated *filestate.SharedFileState.
type RemoveByteLock struct {
	Base
	Lock filestate.ByteRangeLock
}

// NewRemoveByteLock creates a RemoveByteLock task.
func NewRemoveByteLock(mapName, key string, lock filestate.ByteRangeLock, opts Options) *RemoveByteLock {
	return &RemoveByteLock{
		Base: newBase(mapName, key, true, false, opts),
		Lock: lock,
	}
}

// Kind returns KindRemoveByteLock.
func (t *RemoveByteLock) Kind() Kind { return KindRemoveByteLock }

// RunAgainstState implements Task.
func (t *RemoveByteLock) RunAgainstState(ctx context.Context, m StateMap, st *filestate.SharedFileState) (any, bool, error) {
	if t.debug {
		logger.DebugCtx(ctx, "RemoveByteLock: remove lock",
			"lock", t.Lock.String(),
			"state", st.String())
	}

	idx := st.FindLock(t.Lock)
	if idx < 0 || !st.Locks[idx].OwnedBy(t.Lock.OwnerNode) {
		return nil, false, clustererrors.NewNotLockedError(st.Key)
	}
	removed := st.RemoveLockAt(idx)

	if t.debug {
		logger.DebugCtx(ctx, "RemoveByteLock: removed",
			logger.KeyLockID, removed.ID,
			logger.KeyOwnerNode, removed.OwnerNode)
	}
	return st, true, nil
}

// ============================================================================
// UpdateState
// ============================================================================

// UpdateState sets the file status of the shared state.
//
// The result is a bool: true if the status changed. Moving to NotExist also
// resets the file id to UnknownFileID and drops every attribute, so cached
// metadata does not leak into a later file reusing the path.
type UpdateState struct {
	Base
	Status filestate.FileStatus
}

// NewUpdateState creates an UpdateState task.
func NewUpdateState(mapName, key string, status filestate.FileStatus, opts Options) *UpdateState {
	return &UpdateState{
		Base:   newBase(mapName, key, true, false, opts),
		Status: status,
	}
}

// Kind returns KindUpdateState.
func (t *UpdateState) Kind() Kind { return KindUpdateState }

// RunAgainstState implements Task.
func (t *UpdateState) RunAgainstState(ctx context.Context, m StateMap, st *filestate.SharedFileState) (any, bool, error) {
	if t.debug {
		logger.DebugCtx(ctx, "UpdateState: update file status",
			logger.KeyFileStatus, t.Status.String(),
			"state", st.String())
	}

	if !st.SetStatus(t.Status) {
		return false, false, nil
	}
	if st.Status == filestate.FileStatusNotExist {
		st.FileID = filestate.UnknownFileID
		st.RemoveAllAttributes()
	}

	if t.debug {
		logger.DebugCtx(ctx, "UpdateState: status updated", "state", st.String())
	}
	return true, true, nil
}

// ============================================================================
// GrantOpLock
// ============================================================================

// GrantOpLock installs an oplock record on the shared state.
//
// It fails with ErrExistingOpLock when the entry already holds an oplock of
// any type other than none. The result is a copy of the installed
// *filestate.OpLock.
type GrantOpLock struct {
	Base
	OpLock filestate.OpLock
}

// NewGrantOpLock creates a GrantOpLock task.
func NewGrantOpLock(mapName, key string, ol filestate.OpLock, opts Options) *GrantOpLock {
	return &GrantOpLock{
		Base:   newBase(mapName, key, true, false, opts),
		OpLock: ol,
	}
}

// Kind returns KindGrantOpLock.
func (t *GrantOpLock) Kind() Kind { return KindGrantOpLock }

// RunAgainstState implements Task.
func (t *GrantOpLock) RunAgainstState(ctx context.Context, m StateMap, st *filestate.SharedFileState) (any, bool, error) {
	if !t.OpLock.Type.IsValid() || t.OpLock.Type == filestate.OpLockNone {
		return nil, false, clustererrors.NewInvalidArgumentError("invalid oplock type " + t.OpLock.Type.String())
	}
	if t.debug {
		logger.DebugCtx(ctx, "GrantOpLock: grant",
			logger.KeyOpLockType, t.OpLock.Type.String(),
			logger.KeyOwnerNode, t.OpLock.OwnerNode,
			"state", st.String())
	}

	if st.OpLock != nil && st.OpLock.Type != filestate.OpLockNone {
		return nil, false, clustererrors.NewExistingOpLockError(st.Key)
	}
	st.OpLock = t.OpLock.Clone()
	return t.OpLock.Clone(), true, nil
}
