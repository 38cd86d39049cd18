package task

import (
	"bytes"
	"fmt"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"

	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
)

// Envelope flag bits.
const (
	flagUpdateState uint32 = 1 << iota
	flagReadOnly
	flagDebug
	flagTimingDebug
)

// envelope is the XDR wire form of a task. Fields that do not apply to Kind
// are zero.
type envelope struct {
	Kind    uint32
	MapName string
	Key     string
	Flags   uint32

	OpLockType int32
	FileStatus int32
	Lock       wireLock
	OpLock     wireOpLock
}

type wireOpLock struct {
	Type      int32
	OwnerNode string
	SessionID string
	TreeID    uint32
	FileID    uint32
	GrantedAt int64 // UnixNano, 0 when unset
}

func toWireOpLock(o filestate.OpLock) wireOpLock {
	w := wireOpLock{
		Type:      int32(o.Type),
		OwnerNode: o.OwnerNode,
		SessionID: o.SessionID,
		TreeID:    o.TreeID,
		FileID:    o.FileID,
	}
	if !o.GrantedAt.IsZero() {
		w.GrantedAt = o.GrantedAt.UnixNano()
	}
	return w
}

func (w wireOpLock) opLock() filestate.OpLock {
	o := filestate.OpLock{
		Type:      filestate.OpLockType(w.Type),
		OwnerNode: w.OwnerNode,
		SessionID: w.SessionID,
		TreeID:    w.TreeID,
		FileID:    w.FileID,
	}
	if w.GrantedAt != 0 {
		o.GrantedAt = time.Unix(0, w.GrantedAt).UTC()
	}
	return o
}

type wireLock struct {
	ID         string
	OwnerNode  string
	ProcessID  uint32
	Offset     uint64
	Length     uint64
	Exclusive  bool
	AcquiredAt int64 // UnixNano, 0 when unset
}

func toWireLock(l filestate.ByteRangeLock) wireLock {
	w := wireLock{
		ID:        l.ID,
		OwnerNode: l.OwnerNode,
		ProcessID: l.ProcessID,
		Offset:    l.Offset,
		Length:    l.Length,
		Exclusive: l.Exclusive,
	}
	if !l.AcquiredAt.IsZero() {
		w.AcquiredAt = l.AcquiredAt.UnixNano()
	}
	return w
}

func (w wireLock) lock() filestate.ByteRangeLock {
	l := filestate.ByteRangeLock{
		ID:        w.ID,
		OwnerNode: w.OwnerNode,
		ProcessID: w.ProcessID,
		Offset:    w.Offset,
		Length:    w.Length,
		Exclusive: w.Exclusive,
	}
	if w.AcquiredAt != 0 {
		l.AcquiredAt = time.Unix(0, w.AcquiredAt).UTC()
	}
	return l
}

// Encode serializes t into its XDR envelope.
func Encode(t Task) ([]byte, error) {
	env := envelope{
		Kind:    uint32(t.Kind()),
		MapName: t.MapName(),
		Key:     t.Key(),
	}
	if t.UpdatesState() {
		env.Flags |= flagUpdateState
	}
	if t.ReadOnly() {
		env.Flags |= flagReadOnly
	}
	if t.Debug() {
		env.Flags |= flagDebug
	}
	if t.TimingDebug() {
		env.Flags |= flagTimingDebug
	}

	switch v := t.(type) {
	case *ChangeOpLockType:
		env.OpLockType = int32(v.NewType)
	case *RemoveByteLock:
		env.Lock = toWireLock(v.Lock)
	case *UpdateState:
		env.FileStatus = int32(v.Status)
	case *GrantOpLock:
		env.OpLock = toWireOpLock(v.OpLock)
	default:
		return nil, unknownKind(t.Kind())
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &env); err != nil {
		return nil, fmt.Errorf("failed to marshal %s task: %w", t.Kind(), err)
	}
	return buf.Bytes(), nil
}

// Decode rebuilds a task from an envelope produced by Encode.
func Decode(data []byte) (Task, error) {
	var env envelope
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task envelope: %w", err)
	}

	base := newBase(env.MapName, env.Key,
		env.Flags&flagUpdateState != 0,
		env.Flags&flagReadOnly != 0,
		Options{
			Debug:       env.Flags&flagDebug != 0,
			TimingDebug: env.Flags&flagTimingDebug != 0,
		})

	switch Kind(env.Kind) {
	case KindChangeOpLockType:
		return &ChangeOpLockType{Base: base, NewType: filestate.OpLockType(env.OpLockType)}, nil
	case KindRemoveByteLock:
		return &RemoveByteLock{Base: base, Lock: env.Lock.lock()}, nil
	case KindUpdateState:
		return &UpdateState{Base: base, Status: filestate.FileStatus(env.FileStatus)}, nil
	case KindGrantOpLock:
		return &GrantOpLock{Base: base, OpLock: env.OpLock.opLock()}, nil
	default:
		return nil, unknownKind(Kind(env.Kind))
	}
}

func unknownKind(k Kind) error {
	return &clustererrors.StoreError{
		Code:    clustererrors.ErrUnknownTask,
		Message: fmt.Sprintf("unknown task kind %s", k),
	}
}
