// Package filestate defines the shared file state entity that is stored in the
// cluster-wide state map, along with the status and oplock types it carries.
//
// A SharedFileState has exactly one logical instance per key. It is materialized
// on whichever node the store assigns ownership of the key to, and it is only
// mutated on that node through remote state tasks.
package filestate

import (
	"fmt"
	"time"
)

// UnknownFileID is the file identifier used before a file id has been resolved,
// and after a file has been deleted.
const UnknownFileID int32 = -1

// ============================================================================
// File Status
// ============================================================================

// FileStatus describes whether the path of a file state exists and what it is.
type FileStatus int32

const (
	// FileStatusUnknown means the existence of the path has not been checked.
	FileStatusUnknown FileStatus = iota

	// FileStatusNotExist means the path does not exist.
	FileStatusNotExist

	// FileStatusFileExists means the path exists and is a file.
	FileStatusFileExists

	// FileStatusDirectoryExists means the path exists and is a directory.
	FileStatusDirectoryExists
)

// String returns a human-readable name for the file status.
func (s FileStatus) String() string {
	switch s {
	case FileStatusUnknown:
		return "Unknown"
	case FileStatusNotExist:
		return "NotExist"
	case FileStatusFileExists:
		return "FileExists"
	case FileStatusDirectoryExists:
		return "DirectoryExists"
	default:
		return fmt.Sprintf("FileStatus(%d)", int32(s))
	}
}

// ============================================================================
// OpLock Types
// ============================================================================

// OpLockType is the SMB1/SMB2 oplock level granted to a client.
type OpLockType int32

const (
	// OpLockTypeUnchanged is returned by a type change against a file with no
	// oplock. It is a sentinel and is never stored.
	OpLockTypeUnchanged OpLockType = -1

	// OpLockNone means no caching is permitted.
	OpLockNone OpLockType = 0

	// OpLockLevelII permits shared read caching.
	OpLockLevelII OpLockType = 1

	// OpLockExclusive permits exclusive read/write caching.
	OpLockExclusive OpLockType = 2

	// OpLockBatch permits exclusive caching plus delayed close.
	OpLockBatch OpLockType = 3
)

// String returns a human-readable name for the oplock type.
func (t OpLockType) String() string {
	switch t {
	case OpLockTypeUnchanged:
		return "Unchanged"
	case OpLockNone:
		return "None"
	case OpLockLevelII:
		return "LevelII"
	case OpLockExclusive:
		return "Exclusive"
	case OpLockBatch:
		return "Batch"
	default:
		return fmt.Sprintf("OpLockType(%d)", int32(t))
	}
}

// IsValid returns true for the oplock types that can be stored on a file.
func (t OpLockType) IsValid() bool {
	return t >= OpLockNone && t <= OpLockBatch
}

// ParseOpLockType converts a name produced by String back into an OpLockType.
func ParseOpLockType(s string) (OpLockType, error) {
	for _, t := range []OpLockType{OpLockNone, OpLockLevelII, OpLockExclusive, OpLockBatch} {
		if t.String() == s {
			return t, nil
		}
	}
	return OpLockNone, fmt.Errorf("unknown oplock type %q", s)
}

// OpLock is the canonical, cluster-wide oplock record of a file.
//
// The node-local half of an oplock (the deferred queue and the break
// timestamp) lives in pernode.State and is never written into the store.
type OpLock struct {
	// Type is the current oplock level.
	Type OpLockType `json:"type"`

	// OwnerNode is the node whose client session holds the oplock.
	OwnerNode string `json:"owner_node"`

	// SessionID identifies the client session holding the oplock on OwnerNode.
	SessionID string `json:"session_id"`

	// TreeID and FileID identify the open the oplock was granted on.
	TreeID uint32 `json:"tree_id"`
	FileID uint32 `json:"file_id"`

	// GrantedAt records when the oplock was granted.
	GrantedAt time.Time `json:"granted_at"`
}

// Clone creates a copy of the oplock record.
func (o *OpLock) Clone() *OpLock {
	if o == nil {
		return nil
	}
	clone := *o
	return &clone
}

// String returns a compact description of the oplock.
func (o *OpLock) String() string {
	if o == nil {
		return "none"
	}
	return fmt.Sprintf("%s@%s/%s", o.Type, o.OwnerNode, o.SessionID)
}
