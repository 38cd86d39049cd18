package task

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/marmos91/dittocluster/internal/logger"
	"github.com/marmos91/dittocluster/internal/telemetry"
	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
	"github.com/marmos91/dittocluster/pkg/cluster/metrics"
)

// Executor submits a task to the node owning its key and waits for the
// result. Stores implement it.
type Executor interface {
	ExecuteOnOwner(ctx context.Context, t Task) (any, error)
}

// ExecuteChangeOpLockType runs a ChangeOpLockType task and returns the new
// type, or filestate.OpLockTypeUnchanged when the entry had no oplock.
func ExecuteChangeOpLockType(ctx context.Context, exec Executor, t *ChangeOpLockType) (filestate.OpLockType, error) {
	res, err := exec.ExecuteOnOwner(ctx, t)
	if err != nil {
		return filestate.OpLockTypeUnchanged, err
	}
	v, ok := res.(filestate.OpLockType)
	if !ok {
		return filestate.OpLockTypeUnchanged, unexpectedResult(t, res)
	}
	return v, nil
}

// ExecuteRemoveByteLock runs a RemoveByteLock task and returns the updated
// shared state.
func ExecuteRemoveByteLock(ctx context.Context, exec Executor, t *RemoveByteLock) (*filestate.SharedFileState, error) {
	res, err := exec.ExecuteOnOwner(ctx, t)
	if err != nil {
		return nil, err
	}
	v, ok := res.(*filestate.SharedFileState)
	if !ok {
		return nil, unexpectedResult(t, res)
	}
	return v, nil
}

// ExecuteUpdateState runs an UpdateState task and reports whether the status
// changed.
func ExecuteUpdateState(ctx context.Context, exec Executor, t *UpdateState) (bool, error) {
	res, err := exec.ExecuteOnOwner(ctx, t)
	if err != nil {
		return false, err
	}
	v, ok := res.(bool)
	if !ok {
		return false, unexpectedResult(t, res)
	}
	return v, nil
}

// ExecuteGrantOpLock runs a GrantOpLock task and returns the oplock now
// recorded on the shared state.
func ExecuteGrantOpLock(ctx context.Context, exec Executor, t *GrantOpLock) (*filestate.OpLock, error) {
	res, err := exec.ExecuteOnOwner(ctx, t)
	if err != nil {
		return nil, err
	}
	v, ok := res.(*filestate.OpLock)
	if !ok {
		return nil, unexpectedResult(t, res)
	}
	return v, nil
}

func unexpectedResult(t Task, res any) error {
	return clustererrors.NewInvalidArgumentError(
		fmt.Sprintf("%s returned unexpected result %T", t.Kind(), res))
}

// instrumented wraps an Executor with tracing and metrics.
type instrumented struct {
	next    Executor
	metrics *metrics.Metrics
}

// Instrument returns an Executor that records a span and a task metric for
// every execution. m may be nil.
func Instrument(next Executor, m *metrics.Metrics) Executor {
	return &instrumented{next: next, metrics: m}
}

func (i *instrumented) ExecuteOnOwner(ctx context.Context, t Task) (any, error) {
	ctx, span := telemetry.StartTaskSpan(ctx, t.Kind().String(), t.MapName(), t.Key(),
		attribute.Bool(telemetry.AttrTaskReadOnly, t.ReadOnly()),
		attribute.Bool(telemetry.AttrTaskCommit, Commits(t)))
	defer span.End()

	lc := logger.FromContext(ctx)
	if lc == nil {
		lc = &logger.LogContext{StartTime: time.Now()}
	}
	ctx = logger.WithContext(ctx, lc.WithTask(t.Kind().String()).
		WithFileKey(t.Key()).
		WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx)))

	start := time.Now()
	res, err := i.next.ExecuteOnOwner(ctx, t)
	i.metrics.ObserveTask(t.Kind().String(), time.Since(start), err)

	if err != nil {
		telemetry.RecordError(ctx, err)
	}
	return res, err
}
