package task

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
	"github.com/marmos91/dittocluster/pkg/cluster/metrics"
)

// localExecutor runs tasks against an in-process map of states.
type localExecutor struct {
	states map[string]*filestate.SharedFileState
	calls  int
}

func (e *localExecutor) ExecuteOnOwner(ctx context.Context, t Task) (any, error) {
	e.calls++
	st, ok := e.states[t.Key()]
	if !ok {
		return nil, clustererrors.NewNotFoundError(t.Key())
	}
	res, _, err := t.RunAgainstState(ctx, testStateMap{}, st)
	return res, err
}

type fixedExecutor struct{ res any }

func (e fixedExecutor) ExecuteOnOwner(context.Context, Task) (any, error) { return e.res, nil }

func TestTypedHelpers(t *testing.T) {
	ctx := context.Background()
	st := stateWithOpLock(filestate.OpLockBatch)
	lock := filestate.NewByteRangeLock("node-1", 1, 0, 10, true)
	st.AddLock(lock)
	exec := &localExecutor{states: map[string]*filestate.SharedFileState{st.Key: st}}

	typ, err := ExecuteChangeOpLockType(ctx, exec, NewChangeOpLockType(testMap, st.Key, filestate.OpLockNone, Options{}))
	require.NoError(t, err)
	assert.Equal(t, filestate.OpLockNone, typ)

	updated, err := ExecuteRemoveByteLock(ctx, exec, NewRemoveByteLock(testMap, st.Key, lock, Options{}))
	require.NoError(t, err)
	assert.False(t, updated.HasLocks())

	changed, err := ExecuteUpdateState(ctx, exec, NewUpdateState(testMap, st.Key, filestate.FileStatusFileExists, Options{}))
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = ExecuteUpdateState(ctx, exec, NewUpdateState(testMap, "/MISSING", filestate.FileStatusFileExists, Options{}))
	assert.True(t, clustererrors.IsNotFoundError(err))
}

func TestTypedHelpers_UnexpectedResult(t *testing.T) {
	ctx := context.Background()
	exec := fixedExecutor{res: "nope"}

	_, err := ExecuteUpdateState(ctx, exec, NewUpdateState(testMap, "/A", filestate.FileStatusFileExists, Options{}))
	assert.Equal(t, clustererrors.ErrInvalidArgument, clustererrors.CodeOf(err))

	typ, err := ExecuteChangeOpLockType(ctx, exec, NewChangeOpLockType(testMap, "/A", filestate.OpLockNone, Options{}))
	assert.Error(t, err)
	assert.Equal(t, filestate.OpLockTypeUnchanged, typ)
}

func TestInstrument(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	st := filestate.New("/A")
	inner := &localExecutor{states: map[string]*filestate.SharedFileState{st.Key: st}}
	exec := Instrument(inner, m)

	_, err := ExecuteUpdateState(ctx, exec, NewUpdateState(testMap, st.Key, filestate.FileStatusFileExists, Options{}))
	require.NoError(t, err)

	lock := filestate.NewByteRangeLock("node-1", 1, 0, 10, true)
	_, err = ExecuteRemoveByteLock(ctx, exec, NewRemoveByteLock(testMap, st.Key, lock, Options{}))
	assert.True(t, clustererrors.IsNotLockedError(err))
	assert.Equal(t, 2, inner.calls)

	families, err := reg.Gather()
	require.NoError(t, err)
	statuses := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "dittocluster_tasks_executed_total" {
			continue
		}
		for _, sample := range f.GetMetric() {
			key := ""
			for _, lp := range sample.GetLabel() {
				key += lp.GetValue() + "/"
			}
			statuses[key] = sample.GetCounter().GetValue()
		}
	}
	assert.Len(t, statuses, 2)

	assert.NotPanics(t, func() {
		_, _ = Instrument(inner, nil).ExecuteOnOwner(ctx, NewUpdateState(testMap, st.Key, filestate.FileStatusNotExist, Options{}))
	})
}
