package filestate

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// SharedFileState is the cluster-wide state of one file or directory.
//
// Sub-collections (Locks, Attributes) may be nil; code operating on the state
// must create them on demand through the helper methods.
//
// SharedFileState is not safe for concurrent use. Stores serialize access per
// key and hand tasks an instance owned by the executing goroutine.
type SharedFileState struct {
	// Key is the normalized path identifying the file within its share.
	Key string `json:"key"`

	// Status records whether the path exists.
	Status FileStatus `json:"status"`

	// FileID is the filesystem file id, UnknownFileID until resolved.
	FileID int32 `json:"file_id"`

	// OpenCount is the number of open handles across the cluster.
	OpenCount int32 `json:"open_count"`

	// Locks is the byte-range lock list. Nil when no lock was ever taken.
	Locks []ByteRangeLock `json:"locks,omitempty"`

	// OpLock is the canonical oplock record, nil when no oplock is granted.
	OpLock *OpLock `json:"oplock,omitempty"`

	// Attributes holds cached metadata attached to the file. Created lazily.
	Attributes map[string]string `json:"attributes,omitempty"`

	// Version is incremented by the store every time a task commits a change.
	Version uint64 `json:"version"`
}

// New creates the shared state for key with unknown status and file id.
func New(key string) *SharedFileState {
	return &SharedFileState{
		Key:    NormalizeKey(key),
		Status: FileStatusUnknown,
		FileID: UnknownFileID,
	}
}

// NormalizeKey converts a share-relative path into a state key: separators are
// forward slashes, the key is upper-cased (SMB paths are case-insensitive) and
// has a leading slash and no trailing slash.
func NormalizeKey(path string) string {
	key := strings.ReplaceAll(path, "\\", "/")
	key = strings.TrimRight(key, "/")
	if !strings.HasPrefix(key, "/") {
		key = "/" + key
	}
	return strings.ToUpper(key)
}

// ============================================================================
// Status
// ============================================================================

// SetStatus updates the file status and returns true if it changed.
func (s *SharedFileState) SetStatus(status FileStatus) bool {
	if s.Status == status {
		return false
	}
	s.Status = status
	return true
}

// Exists returns true if the path is known to exist.
func (s *SharedFileState) Exists() bool {
	return s.Status == FileStatusFileExists || s.Status == FileStatusDirectoryExists
}

// ============================================================================
// Attributes
// ============================================================================

// AttributeMap returns the attribute map, creating it if create is true.
func (s *SharedFileState) AttributeMap(create bool) map[string]string {
	if s.Attributes == nil && create {
		s.Attributes = make(map[string]string)
	}
	return s.Attributes
}

// SetAttribute stores an attribute value.
func (s *SharedFileState) SetAttribute(name, value string) {
	s.AttributeMap(true)[name] = value
}

// Attribute returns an attribute value.
func (s *SharedFileState) Attribute(name string) (string, bool) {
	v, ok := s.Attributes[name]
	return v, ok
}

// RemoveAllAttributes drops every attached attribute.
func (s *SharedFileState) RemoveAllAttributes() {
	s.Attributes = nil
}

// ============================================================================
// Byte-range locks
// ============================================================================

// HasLocks returns true if any byte-range lock is held.
func (s *SharedFileState) HasLocks() bool {
	return len(s.Locks) > 0
}

// FindLock returns the index of the lock matching range and process of lock,
// or -1 if none matches.
func (s *SharedFileState) FindLock(lock ByteRangeLock) int {
	for i := range s.Locks {
		if s.Locks[i].Matches(lock) {
			return i
		}
	}
	return -1
}

// AddLock appends a lock to the lock list.
func (s *SharedFileState) AddLock(lock ByteRangeLock) {
	s.Locks = append(s.Locks, lock)
}

// RemoveLockAt removes the lock at index i.
func (s *SharedFileState) RemoveLockAt(i int) ByteRangeLock {
	removed := s.Locks[i]
	s.Locks = append(s.Locks[:i], s.Locks[i+1:]...)
	if len(s.Locks) == 0 {
		s.Locks = nil
	}
	return removed
}

// ConflictingLock returns the first lock from another process that conflicts
// with the requested range, or nil.
func (s *SharedFileState) ConflictingLock(req ByteRangeLock) *ByteRangeLock {
	for i := range s.Locks {
		l := &s.Locks[i]
		if l.ProcessID == req.ProcessID && l.OwnedBy(req.OwnerNode) {
			continue
		}
		if !l.Overlaps(req.Offset, req.Length) {
			continue
		}
		if l.Exclusive || req.Exclusive {
			return l
		}
	}
	return nil
}

// ============================================================================
// Copy / encoding
// ============================================================================

// Clone creates a deep copy of the state.
func (s *SharedFileState) Clone() *SharedFileState {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Locks != nil {
		clone.Locks = append([]ByteRangeLock(nil), s.Locks...)
	}
	if s.Attributes != nil {
		clone.Attributes = maps.Clone(s.Attributes)
	}
	clone.OpLock = s.OpLock.Clone()
	return &clone
}

// Encode serializes the state for storage.
func (s *SharedFileState) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file state: %w", err)
	}
	return data, nil
}

// Decode deserializes a state previously produced by Encode.
func Decode(data []byte) (*SharedFileState, error) {
	var s SharedFileState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file state: %w", err)
	}
	return &s, nil
}

// String returns a compact description of the state.
func (s *SharedFileState) String() string {
	return fmt.Sprintf("[%s sts=%s fid=%d open=%d locks=%d oplock=%s v=%d]",
		s.Key, s.Status, s.FileID, s.OpenCount, len(s.Locks), s.OpLock, s.Version)
}
