package filestate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"dir\\file.txt", "/DIR/FILE.TXT"},
		{"/dir/", "/DIR"},
		{"", "/"},
		{"/Already/Normal", "/ALREADY/NORMAL"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeKey(tt.in))
		})
	}
}

func TestNew(t *testing.T) {
	s := New("share\\a.txt")
	assert.Equal(t, "/SHARE/A.TXT", s.Key)
	assert.Equal(t, FileStatusUnknown, s.Status)
	assert.Equal(t, UnknownFileID, s.FileID)
	assert.Nil(t, s.Locks)
	assert.Nil(t, s.Attributes)
	assert.Nil(t, s.OpLock)
	assert.False(t, s.Exists())
}

func TestSetStatus(t *testing.T) {
	s := New("/a")
	assert.True(t, s.SetStatus(FileStatusFileExists))
	assert.False(t, s.SetStatus(FileStatusFileExists))
	assert.True(t, s.Exists())
	assert.True(t, s.SetStatus(FileStatusDirectoryExists))
	assert.True(t, s.Exists())
}

func TestAttributes(t *testing.T) {
	s := New("/a")
	assert.Nil(t, s.AttributeMap(false))

	s.SetAttribute("size", "10")
	v, ok := s.Attribute("size")
	assert.True(t, ok)
	assert.Equal(t, "10", v)

	s.RemoveAllAttributes()
	assert.Nil(t, s.Attributes)
	_, ok = s.Attribute("size")
	assert.False(t, ok)
}

func TestLocks(t *testing.T) {
	s := New("/a")
	assert.False(t, s.HasLocks())
	assert.Equal(t, -1, s.FindLock(NewByteRangeLock("n1", 1, 0, 10, true)))

	l1 := NewByteRangeLock("n1", 1, 0, 10, true)
	l2 := NewByteRangeLock("n2", 2, 100, 10, false)
	s.AddLock(l1)
	s.AddLock(l2)
	require.True(t, s.HasLocks())

	probe := ByteRangeLock{OwnerNode: "other", ProcessID: 2, Offset: 100, Length: 10}
	assert.Equal(t, 1, s.FindLock(probe))

	removed := s.RemoveLockAt(0)
	assert.Equal(t, l1.ID, removed.ID)
	assert.Len(t, s.Locks, 1)

	s.RemoveLockAt(0)
	assert.Nil(t, s.Locks)
}

func TestConflictingLock(t *testing.T) {
	s := New("/a")
	s.AddLock(NewByteRangeLock("n1", 1, 0, 100, true))

	t.Run("SameOwnerNoConflict", func(t *testing.T) {
		assert.Nil(t, s.ConflictingLock(NewByteRangeLock("N1", 1, 50, 10, true)))
	})

	t.Run("OverlapOtherProcess", func(t *testing.T) {
		c := s.ConflictingLock(NewByteRangeLock("n1", 2, 50, 10, false))
		require.NotNil(t, c)
		assert.Equal(t, uint32(1), c.ProcessID)
	})

	t.Run("Disjoint", func(t *testing.T) {
		assert.Nil(t, s.ConflictingLock(NewByteRangeLock("n2", 9, 100, 10, true)))
	})
}

func TestRangesOverlap(t *testing.T) {
	assert.True(t, RangesOverlap(0, 10, 5, 10))
	assert.False(t, RangesOverlap(0, 10, 10, 10))
	assert.True(t, RangesOverlap(0, 0, 1<<40, 1), "zero length extends to end of file")
	assert.True(t, RangesOverlap(50, 0, 0, 0))
}

func TestClone(t *testing.T) {
	s := New("/a")
	s.AddLock(NewByteRangeLock("n1", 1, 0, 10, true))
	s.SetAttribute("k", "v")
	s.OpLock = &OpLock{Type: OpLockBatch, OwnerNode: "n1"}

	c := s.Clone()
	c.Locks[0].Offset = 99
	c.Attributes["k"] = "changed"
	c.OpLock.Type = OpLockNone

	assert.Equal(t, uint64(0), s.Locks[0].Offset)
	assert.Equal(t, "v", s.Attributes["k"])
	assert.Equal(t, OpLockBatch, s.OpLock.Type)

	var nilState *SharedFileState
	assert.Nil(t, nilState.Clone())
}

func TestEncodeDecode(t *testing.T) {
	s := New("/a")
	s.Status = FileStatusFileExists
	s.FileID = 42
	s.OpLock = &OpLock{
		Type:      OpLockExclusive,
		OwnerNode: "n1",
		SessionID: "s1",
		GrantedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	s.Version = 7

	data, err := s.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}

func TestOpLockType(t *testing.T) {
	assert.False(t, OpLockTypeUnchanged.IsValid())
	assert.True(t, OpLockBatch.IsValid())
	assert.False(t, OpLockType(4).IsValid())

	got, err := ParseOpLockType("LevelII")
	require.NoError(t, err)
	assert.Equal(t, OpLockLevelII, got)

	_, err = ParseOpLockType("Unchanged")
	assert.Error(t, err)

	var nilOpLock *OpLock
	assert.Equal(t, "none", nilOpLock.String())
	assert.Equal(t, "Batch@n1/s1", (&OpLock{Type: OpLockBatch, OwnerNode: "n1", SessionID: "s1"}).String())
}
