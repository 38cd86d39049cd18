package logger

import (
	"log/slog"
	"time"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log aggregation and querying.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Cluster
	// ========================================================================
	KeyNodeID    = "node_id"    // Node identifier
	KeyOwnerNode = "owner_node" // Node that owns a key or a lock
	KeyMapName   = "map_name"   // Distributed state map name
	KeyMembers   = "members"    // Number of cluster members

	// ========================================================================
	// File State
	// ========================================================================
	KeyFileKey    = "file_key"    // Normalized file state key
	KeyFileID     = "file_id"     // Filesystem file identifier
	KeyFileStatus = "file_status" // File existence status
	KeyDataStatus = "data_status" // Per-node data load status
	KeyVersion    = "version"     // Shared state version

	// ========================================================================
	// Session & Request
	// ========================================================================
	KeySessionID = "session_id" // Client session identifier
	KeyPacketID  = "packet_id"  // Parked request buffer identifier

	// ========================================================================
	// OpLocks & Deferral
	// ========================================================================
	KeyOpLockType = "oplock_type" // OpLock level
	KeyDeferred   = "deferred"    // Number of deferred requests
	KeyBreakAge   = "break_age"   // Time since the oplock break started
	KeyLease      = "lease"       // Packet lease expiry

	// ========================================================================
	// Locking
	// ========================================================================
	KeyLockID     = "lock_id"     // Byte-range lock identifier
	KeyLockOffset = "lock_offset" // Lock range start
	KeyLockLength = "lock_length" // Lock range length

	// ========================================================================
	// Tasks
	// ========================================================================
	KeyTask = "task" // Remote task kind

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorCode  = "error_code"  // Cluster error code
	KeyCount      = "count"       // Generic item count
	KeyStoreType  = "store_type"  // Store type: memory, badger, postgres
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// NodeID returns a slog.Attr for a node identifier
func NodeID(id string) slog.Attr {
	return slog.String(KeyNodeID, id)
}

// FileKey returns a slog.Attr for a file state key
func FileKey(key string) slog.Attr {
	return slog.String(KeyFileKey, key)
}

// SessionID returns a slog.Attr for a client session
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// Task returns a slog.Attr for a remote task kind
func Task(kind string) slog.Attr {
	return slog.String(KeyTask, kind)
}

// OpLockType returns a slog.Attr for an oplock level
func OpLockType(t string) slog.Attr {
	return slog.String(KeyOpLockType, t)
}

// Deferred returns a slog.Attr for a deferred request count
func Deferred(n int) slog.Attr {
	return slog.Int(KeyDeferred, n)
}

// BreakAge returns a slog.Attr for the age of an oplock break
func BreakAge(d time.Duration) slog.Attr {
	return slog.Duration(KeyBreakAge, d)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
