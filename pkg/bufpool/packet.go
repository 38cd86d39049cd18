package bufpool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/marmos91/dittocluster/internal/logger"
	"github.com/marmos91/dittocluster/pkg/cluster/metrics"
	"github.com/marmos91/dittocluster/pkg/cluster/session"
)

// DefaultPacketLease is the lease given to a freshly allocated packet.
const DefaultPacketLease = 30 * time.Second

// Packet is a request packet leased from a PacketPool. It implements
// session.Packet.
type Packet struct {
	id  string
	buf []byte

	mu       sync.Mutex
	deferred int
	parked   bool
	lease    time.Time
}

var _ session.Packet = (*Packet)(nil)

// ID returns the packet id.
func (p *Packet) ID() string { return p.id }

// Bytes returns the packet buffer. It must not be used after release.
func (p *Packet) Bytes() []byte { return p.buf }

// IncrementDeferredCount records that the packet was parked once more.
func (p *Packet) IncrementDeferredCount() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deferred++
	p.parked = true
}

// Unpark clears the parked mark.
func (p *Packet) Unpark() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parked = false
}

// Parked reports whether the packet sits in a deferred queue.
func (p *Packet) Parked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parked
}

// DeferredCount returns how many times the packet was parked.
func (p *Packet) DeferredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deferred
}

// SetLeaseTime sets the lease expiry.
func (p *Packet) SetLeaseTime(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lease = t
}

// LeaseTime returns the lease expiry.
func (p *Packet) LeaseTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lease
}

// PacketPoolOptions configures a PacketPool.
type PacketPoolOptions struct {
	Buffers   *Pool
	Clock     clockwork.Clock
	LeaseTime time.Duration
	Metrics   *metrics.Metrics
}

// PacketPool hands out leased packets and reclaims them on release or lease
// expiry. It implements session.PacketPool.
type PacketPool struct {
	buffers *Pool
	clock   clockwork.Clock
	lease   time.Duration
	metrics *metrics.Metrics

	mu     sync.Mutex
	leased map[string]*Packet
}

var _ session.PacketPool = (*PacketPool)(nil)

// NewPacketPool creates a packet pool.
func NewPacketPool(opts PacketPoolOptions) *PacketPool {
	if opts.Buffers == nil {
		opts.Buffers = globalPool
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.LeaseTime <= 0 {
		opts.LeaseTime = DefaultPacketLease
	}
	return &PacketPool{
		buffers: opts.Buffers,
		clock:   opts.Clock,
		lease:   opts.LeaseTime,
		metrics: opts.Metrics,
		leased:  make(map[string]*Packet),
	}
}

// Allocate leases a packet with a buffer of size bytes.
func (pp *PacketPool) Allocate(size int) *Packet {
	pkt := &Packet{
		id:    uuid.NewString(),
		buf:   pp.buffers.Get(size),
		lease: pp.clock.Now().Add(pp.lease),
	}

	pp.mu.Lock()
	pp.leased[pkt.id] = pkt
	n := len(pp.leased)
	pp.mu.Unlock()

	pp.metrics.SetPacketsLeased(n)
	return pkt
}

// Release returns pkt to the pool. Releasing a packet twice, or a packet
// from another pool, is a no-op.
func (pp *PacketPool) Release(pkt session.Packet) {
	if pkt == nil {
		return
	}

	pp.mu.Lock()
	p, ok := pp.leased[pkt.ID()]
	if ok {
		delete(pp.leased, p.id)
	}
	n := len(pp.leased)
	pp.mu.Unlock()

	if !ok {
		return
	}
	pp.buffers.Put(p.buf)
	p.buf = nil
	pp.metrics.SetPacketsLeased(n)
}

// Leased returns the number of outstanding packets.
func (pp *PacketPool) Leased() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.leased)
}

// ReapExpired reclaims every packet whose lease ended before now. Parked
// packets are owned by their deferred queue and are never reclaimed here.
// Each reclaimed packet is a leak and is logged.
func (pp *PacketPool) ReapExpired(now time.Time) int {
	pp.mu.Lock()
	var expired []*Packet
	for id, p := range pp.leased {
		if p.Parked() {
			continue
		}
		if p.LeaseTime().Before(now) {
			expired = append(expired, p)
			delete(pp.leased, id)
		}
	}
	n := len(pp.leased)
	pp.mu.Unlock()

	for _, p := range expired {
		logger.Warn("Reclaimed packet with expired lease",
			logger.KeyPacketID, p.id,
			logger.KeyLease, p.LeaseTime(),
			logger.KeyDeferred, p.DeferredCount())
		pp.buffers.Put(p.buf)
		p.buf = nil
	}

	if len(expired) > 0 {
		pp.metrics.ObservePacketsReaped(len(expired))
		pp.metrics.SetPacketsLeased(n)
	}
	return len(expired)
}

// RunReaper calls ReapExpired every interval until ctx is done.
func (pp *PacketPool) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := pp.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			pp.ReapExpired(pp.clock.Now())
		}
	}
}
