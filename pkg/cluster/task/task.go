// Package task implements remote state tasks: self-contained operations that
// run against the shared file state of one key, on whichever node currently
// owns that key.
//
// A task carries the target map name, the key, two flags telling the store
// whether to write the entry back afterwards and whether the task is
// read-only, plus its own parameters. The store's execute-on-owner mechanism
// calls RunAgainstState with the live entry while holding its per-key
// serialization guarantee, and returns the result (or domain error) to the
// caller.
//
// The set of tasks is closed: ChangeOpLockType, RemoveByteLock, UpdateState
// and GrantOpLock. Tasks travel between nodes as XDR envelopes (see Encode).
package task

import (
	"context"
	"fmt"

	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
)

// Kind identifies a task variant on the wire.
type Kind uint32

const (
	KindChangeOpLockType Kind = iota + 1
	KindRemoveByteLock
	KindUpdateState
	KindGrantOpLock
)

// String returns the task name used in logs, metrics and spans.
func (k Kind) String() string {
	switch k {
	case KindChangeOpLockType:
		return "ChangeOpLockType"
	case KindRemoveByteLock:
		return "RemoveByteLock"
	case KindUpdateState:
		return "UpdateState"
	case KindGrantOpLock:
		return "GrantOpLock"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}

// StateMap is the store-side view a task runs against.
type StateMap interface {
	// Name returns the name of the distributed map.
	Name() string

	// NodeID returns the node the task is executing on.
	NodeID() string
}

// Task is a remote state task.
type Task interface {
	// MapName returns the map the task targets.
	MapName() string

	// Key returns the file state key the task targets.
	Key() string

	// UpdatesState reports whether the entry must be written back after a
	// successful run.
	UpdatesState() bool

	// ReadOnly reports whether the task only reads the entry.
	ReadOnly() bool

	// Debug reports whether the task logs its steps.
	Debug() bool

	// TimingDebug reports whether the store logs the task's execution time.
	TimingDebug() bool

	// Kind returns the task variant.
	Kind() Kind

	// RunAgainstState applies the task to st, the owning node's live entry,
	// and reports whether st was modified. st's sub-collections may be nil.
	RunAgainstState(ctx context.Context, m StateMap, st *filestate.SharedFileState) (res any, changed bool, err error)

	sealed()
}

// Options holds the debug switches common to every task.
type Options struct {
	Debug       bool
	TimingDebug bool
}

// Base carries the fields shared by every task variant.
type Base struct {
	mapName     string
	key         string
	updateState bool
	readOnly    bool
	debug       bool
	timingDebug bool
}

func newBase(mapName, key string, updateState, readOnly bool, opts Options) Base {
	return Base{
		mapName:     mapName,
		key:         key,
		updateState: updateState,
		readOnly:    readOnly,
		debug:       opts.Debug,
		timingDebug: opts.TimingDebug,
	}
}

// MapName returns the map the task targets.
func (b *Base) MapName() string { return b.mapName }

// Key returns the file state key the task targets.
func (b *Base) Key() string { return b.key }

// UpdatesState reports whether a successful run is written back.
func (b *Base) UpdatesState() bool { return b.updateState }

// ReadOnly reports whether the task only reads the entry.
func (b *Base) ReadOnly() bool { return b.readOnly }

// Debug reports whether the task logs its steps.
func (b *Base) Debug() bool { return b.debug }

// TimingDebug reports whether execution time is logged.
func (b *Base) TimingDebug() bool { return b.timingDebug }

func (b *Base) sealed() {}

// Commits reports whether a successful run of t may be written back.
func Commits(t Task) bool {
	return t.UpdatesState() && !t.ReadOnly()
}
