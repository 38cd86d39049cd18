package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for cluster operations.
const (
	// ========================================================================
	// Cluster attributes
	// ========================================================================
	AttrNodeID  = "cluster.node_id"
	AttrMapName = "cluster.map"

	// ========================================================================
	// File state attributes
	// ========================================================================
	AttrFileKey    = "fs.key"
	AttrFileStatus = "fs.status"

	// ========================================================================
	// Task attributes
	// ========================================================================
	AttrTaskKind     = "task.kind"
	AttrTaskReadOnly = "task.read_only"
	AttrTaskCommit   = "task.commit"

	// ========================================================================
	// OpLock attributes
	// ========================================================================
	AttrOpLockType = "oplock.type"
	AttrRequeued   = "oplock.requeued"
)

// Span name prefixes.
const (
	SpanTaskPrefix = "task."
	SpanNodePrefix = "node."
)

// NodeID returns an attribute for the local node
func NodeID(id string) attribute.KeyValue {
	return attribute.String(AttrNodeID, id)
}

// MapName returns an attribute for the distributed map name
func MapName(name string) attribute.KeyValue {
	return attribute.String(AttrMapName, name)
}

// FileKey returns an attribute for a file state key
func FileKey(key string) attribute.KeyValue {
	return attribute.String(AttrFileKey, key)
}

// FileStatus returns an attribute for a file status
func FileStatus(status string) attribute.KeyValue {
	return attribute.String(AttrFileStatus, status)
}

// TaskKind returns an attribute for a remote task kind
func TaskKind(kind string) attribute.KeyValue {
	return attribute.String(AttrTaskKind, kind)
}

// OpLockType returns an attribute for an oplock level
func OpLockType(t string) attribute.KeyValue {
	return attribute.String(AttrOpLockType, t)
}

// Requeued returns an attribute for the number of deferred requests requeued
func Requeued(n int) attribute.KeyValue {
	return attribute.Int(AttrRequeued, n)
}

// StartTaskSpan starts a span for a remote task dispatch.
func StartTaskSpan(ctx context.Context, kind, mapName, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		TaskKind(kind),
		MapName(mapName),
		FileKey(key),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanTaskPrefix+kind, trace.WithAttributes(allAttrs...))
}

// StartNodeSpan starts a span for a node-level file operation.
func StartNodeSpan(ctx context.Context, operation, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{FileKey(key)}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanNodePrefix+operation, trace.WithAttributes(allAttrs...))
}
