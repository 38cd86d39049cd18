// Package session declares the node-side collaborators that per-node file
// state works with: client sessions, request packets, the request thread pool
// and the packet pool. Concrete implementations live in the transport layer,
// bufpool and workerpool.
package session

import "time"

// NT status codes and classes used when failing a parked request.
const (
	// NTAccessDenied is STATUS_ACCESS_DENIED.
	NTAccessDenied uint32 = 0xC0000022

	// NTSharingViolation is STATUS_SHARING_VIOLATION.
	NTSharingViolation uint32 = 0xC0000043
)

// ErrorClass selects how a status code is encoded in an error response.
type ErrorClass uint8

const (
	// ClassNT sends the status as a 32-bit NT status code.
	ClassNT ErrorClass = iota

	// ClassDOS sends the status as a DOS error class/code pair.
	ClassDOS
)

// Session is a client session on this node.
//
// Per-node state only holds sessions by reference while a request is parked;
// it never controls their lifetime.
type Session interface {
	// ID returns a stable identifier for logging.
	ID() string

	// SendAsyncError sends an error response for pkt outside the normal request
	// flow. It returns false when the response could not be queued, and an error
	// when the transport failed.
	SendAsyncError(pkt Packet, status uint32, class ErrorClass) (bool, error)
}

// Packet is a received client request held in a pooled buffer.
type Packet interface {
	// ID returns a stable identifier for logging.
	ID() string

	// IncrementDeferredCount marks the packet as parked one more time so the
	// packet pool does not reclaim it. Ownership of the packet moves to the
	// deferred queue.
	IncrementDeferredCount()

	// DeferredCount returns how many times the packet has been parked. It
	// never decreases.
	DeferredCount() int

	// Unpark clears the parked mark when the deferred queue hands the packet
	// on for requeue or release.
	Unpark()

	// SetLeaseTime sets the time after which the packet pool may reclaim the packet.
	SetLeaseTime(t time.Time)

	// LeaseTime returns the current lease expiry.
	LeaseTime() time.Time
}

// ThreadPool re-processes requests.
type ThreadPool interface {
	// QueueRequest schedules pkt for processing on behalf of sess. It returns an
	// error when the pool cannot accept work (full or shut down).
	QueueRequest(sess Session, pkt Packet) error
}

// PacketPool owns packet buffers.
type PacketPool interface {
	// Release returns pkt to the pool. The caller must not use pkt afterwards.
	Release(pkt Packet)
}
