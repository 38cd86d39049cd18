// Package pernode implements the node-local half of a file's state.
//
// A State shadows one shared file state entry and holds everything that must
// never be written to the distributed store: the local oplock record, requests
// parked while that oplock is being broken, cached attributes, pseudo files and
// an opaque filesystem object.
//
// Oplock lifecycle of a State:
//
//	NoOpLock --SetOpLock--> Held --AddDeferredRequest--> BreakInProgress
//	BreakInProgress --RequeueDeferredRequests/FailDeferredRequests + ClearOpLock--> NoOpLock
//
// SetOpLock is only legal from NoOpLock.
package pernode

import (
	"fmt"
	"time"

	"github.com/marmos91/dittocluster/pkg/cluster/session"
)

// MaxDeferredRequests is the capacity of the deferred request queue of a State.
const MaxDeferredRequests = 3

// DataStatus tracks loading and saving of a file's data on this node.
type DataStatus int32

const (
	DataLoadWait DataStatus = iota
	DataLoading
	DataAvailable
	DataUpdated
	DataSaveWait
	DataSaving
	DataSaved
	DataDeleted
	DataRenamed
	DataDeleteOnClose
)

var dataStatusNames = [...]string{
	"LoadWait",
	"Loading",
	"Available",
	"Updated",
	"SaveWait",
	"Saving",
	"Saved",
	"Deleted",
	"Renamed",
	"DeleteOnClose",
}

// String returns a human-readable name for the data status.
func (s DataStatus) String() string {
	if s >= 0 && int(s) < len(dataStatusNames) {
		return dataStatusNames[s]
	}
	return fmt.Sprintf("DataStatus(%d)", int32(s))
}

// DeferredRequest is a client request parked until an oplock break completes.
//
// The queue only references the session. It owns the packet until the packet
// is resubmitted to the thread pool or released to the packet pool.
type DeferredRequest struct {
	Session    session.Session
	Packet     session.Packet
	DeferredAt time.Time
}

// String returns a compact description of the request.
func (r DeferredRequest) String() string {
	return fmt.Sprintf("[sess=%s pkt=%s at=%s]", r.Session.ID(), r.Packet.ID(), r.DeferredAt.Format(time.RFC3339Nano))
}

// PseudoFile is a synthetic directory entry that is listed on this node only.
type PseudoFile struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// PseudoFileList is an ordered list of pseudo files.
type PseudoFileList struct {
	files []PseudoFile
}

// Add appends a pseudo file, replacing an existing entry with the same name.
func (l *PseudoFileList) Add(f PseudoFile) {
	if i := l.index(f.Name); i >= 0 {
		l.files[i] = f
		return
	}
	l.files = append(l.files, f)
}

// Remove deletes the named pseudo file and reports whether it existed.
func (l *PseudoFileList) Remove(name string) bool {
	i := l.index(name)
	if i < 0 {
		return false
	}
	l.files = append(l.files[:i], l.files[i+1:]...)
	return true
}

// Find returns the named pseudo file.
func (l *PseudoFileList) Find(name string) (PseudoFile, bool) {
	if i := l.index(name); i >= 0 {
		return l.files[i], true
	}
	return PseudoFile{}, false
}

// Len returns the number of pseudo files.
func (l *PseudoFileList) Len() int {
	return len(l.files)
}

// Files returns a copy of the pseudo files in insertion order.
func (l *PseudoFileList) Files() []PseudoFile {
	return append([]PseudoFile(nil), l.files...)
}

func (l *PseudoFileList) index(name string) int {
	for i := range l.files {
		if l.files[i].Name == name {
			return i
		}
	}
	return -1
}
