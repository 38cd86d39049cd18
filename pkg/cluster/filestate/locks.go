package filestate

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ByteRangeLock is a byte-range lock held on a file by a client of one node.
//
// The lock carries the identity of the node that created it so that a removal
// request can verify ownership before mutating the shared lock list.
type ByteRangeLock struct {
	// ID is a unique identifier for the lock (UUID), used for logging.
	ID string `json:"id"`

	// OwnerNode is the node that created the lock.
	OwnerNode string `json:"owner_node"`

	// ProcessID is the client process id that requested the lock.
	ProcessID uint32 `json:"process_id"`

	// Offset is the starting byte offset of the lock.
	Offset uint64 `json:"offset"`

	// Length is the number of bytes locked. 0 means "to end of file".
	Length uint64 `json:"length"`

	// Exclusive is true for write locks, false for shared read locks.
	Exclusive bool `json:"exclusive"`

	// AcquiredAt is when the lock was acquired.
	AcquiredAt time.Time `json:"acquired_at"`
}

// NewByteRangeLock creates a new lock owned by ownerNode with a generated ID.
func NewByteRangeLock(ownerNode string, pid uint32, offset, length uint64, exclusive bool) ByteRangeLock {
	return ByteRangeLock{
		ID:         uuid.New().String(),
		OwnerNode:  ownerNode,
		ProcessID:  pid,
		Offset:     offset,
		Length:     length,
		Exclusive:  exclusive,
		AcquiredAt: time.Now(),
	}
}

// Matches returns true if other describes the same range held by the same process.
// Owner nodes are not compared; see OwnedBy.
func (l ByteRangeLock) Matches(other ByteRangeLock) bool {
	return l.Offset == other.Offset && l.Length == other.Length && l.ProcessID == other.ProcessID
}

// OwnedBy reports whether the lock was created by node. Node names compare
// case-insensitively.
func (l ByteRangeLock) OwnedBy(node string) bool {
	return strings.EqualFold(l.OwnerNode, node)
}

// Overlaps returns true if the lock overlaps the given range.
func (l ByteRangeLock) Overlaps(offset, length uint64) bool {
	return RangesOverlap(l.Offset, l.Length, offset, length)
}

// String returns a compact description of the lock.
func (l ByteRangeLock) String() string {
	kind := "shared"
	if l.Exclusive {
		kind = "excl"
	}
	return fmt.Sprintf("[%s %d:%d pid=%d node=%s]", kind, l.Offset, l.Length, l.ProcessID, l.OwnerNode)
}

// RangesOverlap returns true if two byte ranges overlap.
// Length of 0 means "to end of file" (unbounded).
func RangesOverlap(offset1, length1, offset2, length2 uint64) bool {
	end1 := rangeEnd(offset1, length1)
	end2 := rangeEnd(offset2, length2)
	return end1 > offset2 && end2 > offset1
}

// rangeEnd returns the exclusive end of a byte range.
// For unbounded ranges (length=0), returns max uint64 to represent infinity.
func rangeEnd(offset, length uint64) uint64 {
	if length == 0 {
		return ^uint64(0)
	}
	return offset + length
}
