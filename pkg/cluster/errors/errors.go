// Package errors provides error types and error codes for the cluster packages.
// This is a leaf package with no internal dependencies, designed to be imported
// by the file state, per-node state, task and store packages without causing
// circular imports.
//
// Import graph: errors <- filestate <- task <- store implementations
package errors

import (
	goerrors "errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred.
type ErrorCode int

const (
	// ErrNotFound indicates the requested file state entry does not exist.
	ErrNotFound ErrorCode = iota + 1

	// ErrExistingOpLock indicates an oplock is already held on the file.
	// Hitting this is a logic error at the call site.
	ErrExistingOpLock

	// ErrDeferFailed indicates the deferred request queue has no free slots.
	// The caller must deny the request instead of parking it.
	ErrDeferFailed

	// ErrNotLocked indicates a byte-range lock removal found no matching lock
	// owned by the requesting node.
	ErrNotLocked

	// ErrNoOpLock indicates an operation required an oplock that is not held.
	ErrNoOpLock

	// ErrWrongMap indicates a task was dispatched to a store serving another map.
	ErrWrongMap

	// ErrInvalidArgument indicates an invalid argument was provided.
	ErrInvalidArgument

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed

	// ErrPoolFull indicates the thread pool queue is full.
	ErrPoolFull

	// ErrPoolClosed indicates the thread pool has been shut down.
	ErrPoolClosed

	// ErrDeferredLeak indicates deferred requests were still parked at teardown.
	ErrDeferredLeak

	// ErrUnknownTask indicates a task envelope carried an unknown kind.
	ErrUnknownTask

	// ErrStateClosed indicates the per-node state was torn down.
	ErrStateClosed
)

// String returns a human-readable name for the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrNotFound:
		return "NotFound"
	case ErrExistingOpLock:
		return "ExistingOpLock"
	case ErrDeferFailed:
		return "DeferFailed"
	case ErrNotLocked:
		return "NotLocked"
	case ErrNoOpLock:
		return "NoOpLock"
	case ErrWrongMap:
		return "WrongMap"
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrStoreClosed:
		return "StoreClosed"
	case ErrPoolFull:
		return "PoolFull"
	case ErrPoolClosed:
		return "PoolClosed"
	case ErrDeferredLeak:
		return "DeferredLeak"
	case ErrUnknownTask:
		return "UnknownTask"
	case ErrStateClosed:
		return "StateClosed"
	default:
		return fmt.Sprintf("Unknown(%d)", e)
	}
}

// StoreError represents a cluster state error with an error code.
type StoreError struct {
	Code    ErrorCode
	Message string
	Key     string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s (key: %s)", e.Code, e.Message, e.Key)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ============================================================================
// Factory Functions
// ============================================================================

// NewNotFoundError creates a NotFound error for a file state key.
func NewNotFoundError(key string) *StoreError {
	return &StoreError{
		Code:    ErrNotFound,
		Message: "file state not found",
		Key:     key,
	}
}

// NewExistingOpLockError creates an ExistingOpLock error.
func NewExistingOpLockError(key string) *StoreError {
	return &StoreError{
		Code:    ErrExistingOpLock,
		Message: "oplock already granted on file",
		Key:     key,
	}
}

// NewDeferFailedError creates a DeferFailed error.
func NewDeferFailedError(key string) *StoreError {
	return &StoreError{
		Code:    ErrDeferFailed,
		Message: "no more deferred slots available on oplock",
		Key:     key,
	}
}

// NewNotLockedError creates a NotLocked error.
func NewNotLockedError(key string) *StoreError {
	return &StoreError{
		Code:    ErrNotLocked,
		Message: "byte range not locked by requesting node",
		Key:     key,
	}
}

// NewNoOpLockError creates a NoOpLock error.
func NewNoOpLockError(key string) *StoreError {
	return &StoreError{
		Code:    ErrNoOpLock,
		Message: "no active oplock",
		Key:     key,
	}
}

// NewWrongMapError creates a WrongMap error.
func NewWrongMapError(want, got string) *StoreError {
	return &StoreError{
		Code:    ErrWrongMap,
		Message: fmt.Sprintf("task targets map %q, store serves %q", got, want),
	}
}

// NewInvalidArgumentError creates an InvalidArgument error.
func NewInvalidArgumentError(message string) *StoreError {
	return &StoreError{
		Code:    ErrInvalidArgument,
		Message: message,
	}
}

// NewStoreClosedError creates a StoreClosed error.
func NewStoreClosedError() *StoreError {
	return &StoreError{
		Code:    ErrStoreClosed,
		Message: "store is closed",
	}
}

// NewDeferredLeakError creates a DeferredLeak error.
func NewDeferredLeakError(key string, count int) *StoreError {
	return &StoreError{
		Code:    ErrDeferredLeak,
		Message: fmt.Sprintf("%d deferred request(s) leaked at teardown", count),
		Key:     key,
	}
}

// NewStateClosedError creates a StateClosed error.
func NewStateClosedError(key string) *StoreError {
	return &StoreError{
		Code:    ErrStateClosed,
		Message: "per-node state is closed",
		Key:     key,
	}
}

// ============================================================================
// Error Type Checking Helpers
// ============================================================================

// CodeOf returns the error code carried by err, or zero if err is not a StoreError.
func CodeOf(err error) ErrorCode {
	var storeErr *StoreError
	if goerrors.As(err, &storeErr) {
		return storeErr.Code
	}
	return 0
}

// IsNotFoundError returns true if the error is a NotFound error.
func IsNotFoundError(err error) bool {
	return CodeOf(err) == ErrNotFound
}

// IsExistingOpLockError returns true if the error is an ExistingOpLock error.
func IsExistingOpLockError(err error) bool {
	return CodeOf(err) == ErrExistingOpLock
}

// IsDeferFailedError returns true if the error is a DeferFailed error.
func IsDeferFailedError(err error) bool {
	return CodeOf(err) == ErrDeferFailed
}

// IsNotLockedError returns true if the error is a NotLocked error.
func IsNotLockedError(err error) bool {
	return CodeOf(err) == ErrNotLocked
}

// IsStateClosedError returns true if the error is a StateClosed error.
func IsStateClosedError(err error) bool {
	return CodeOf(err) == ErrStateClosed
}

// IsPoolRejection returns true if the error means the thread pool refused work.
func IsPoolRejection(err error) bool {
	code := CodeOf(err)
	return code == ErrPoolFull || code == ErrPoolClosed
}
