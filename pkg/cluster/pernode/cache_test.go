package pernode

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
)

func TestCache_GetOrCreate(t *testing.T) {
	c := NewCache(Options{})

	assert.Nil(t, c.Get("/A"))

	s, created := c.GetOrCreate("/A")
	require.NotNil(t, s)
	assert.True(t, created)

	again, created := c.GetOrCreate("/A")
	assert.False(t, created)
	assert.Same(t, s, again)
	assert.Same(t, s, c.Get("/A"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_ConcurrentGetOrCreateReturnsOneState(t *testing.T) {
	c := NewCache(Options{})

	const n = 16
	results := make([]*State, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.GetOrCreate("/SAME")
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		assert.Same(t, results[0], s)
	}
}

func TestCache_Evict(t *testing.T) {
	t.Run("UnknownKeyIsNoop", func(t *testing.T) {
		c := NewCache(Options{})
		assert.NoError(t, c.Evict("/MISSING"))
	})

	t.Run("CleanState", func(t *testing.T) {
		c := NewCache(Options{})
		c.GetOrCreate("/A")

		assert.NoError(t, c.Evict("/A"))
		assert.Nil(t, c.Get("/A"))
		assert.Equal(t, 0, c.Len())
	})

	t.Run("LeakedRequestsReported", func(t *testing.T) {
		packets := &fakePacketPool{}
		c := NewCache(Options{PacketPool: packets})
		s, _ := c.GetOrCreate("/A")
		require.NoError(t, s.SetOpLock(&filestate.OpLock{Type: filestate.OpLockBatch}))
		require.NoError(t, s.AddDeferredRequest(&fakeSession{id: "s"}, newPacket("P")))

		err := c.Evict("/A")
		assert.Equal(t, clustererrors.ErrDeferredLeak, clustererrors.CodeOf(err))
		assert.Equal(t, []string{"P"}, packets.Released())
		assert.Nil(t, c.Get("/A"))
	})
}

func TestCache_EvictedStateIsUnusable(t *testing.T) {
	c := NewCache(Options{PacketPool: &fakePacketPool{}})
	stale, _ := c.GetOrCreate("/A")
	require.NoError(t, c.Evict("/A"))

	err := stale.SetOpLock(&filestate.OpLock{Type: filestate.OpLockBatch})
	assert.True(t, clustererrors.IsStateClosedError(err))
	err = stale.AddDeferredRequest(&fakeSession{id: "s"}, newPacket("P"))
	assert.True(t, clustererrors.IsDeferFailedError(err))
	assert.NoError(t, stale.Close())

	fresh, created := c.GetOrCreate("/A")
	assert.True(t, created)
	assert.NotSame(t, stale, fresh)
	assert.NoError(t, fresh.SetOpLock(&filestate.OpLock{Type: filestate.OpLockBatch}))
}

func TestCache_RangeAndKeys(t *testing.T) {
	c := NewCache(Options{})
	c.GetOrCreate("/B")
	c.GetOrCreate("/A")
	c.GetOrCreate("/C")

	assert.Equal(t, []string{"/A", "/B", "/C"}, c.Keys())

	seen := 0
	c.Range(func(key string, s *State) bool {
		assert.Equal(t, key, s.Key())
		seen++
		return seen < 2
	})
	assert.Equal(t, 2, seen)
}

func TestCache_Close(t *testing.T) {
	c := NewCache(Options{PacketPool: &fakePacketPool{}})
	clean, _ := c.GetOrCreate("/CLEAN")
	leaky, _ := c.GetOrCreate("/LEAKY")
	require.NoError(t, clean.SetOpLock(&filestate.OpLock{Type: filestate.OpLockLevelII}))
	require.NoError(t, leaky.SetOpLock(&filestate.OpLock{Type: filestate.OpLockBatch}))
	require.NoError(t, leaky.AddDeferredRequest(&fakeSession{id: "s"}, newPacket("P")))

	err := c.Close()
	require.Error(t, err)
	assert.Equal(t, clustererrors.ErrDeferredLeak, clustererrors.CodeOf(err))
	assert.Equal(t, 0, c.Len())
	assert.False(t, clean.HasOpLock())
}
