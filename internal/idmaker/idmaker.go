// Package idmaker allocates monotonically increasing ids for tasks, logical
// data, physical data, and templates (§4.1). Each domain keeps its own
// atomically incremented counter; ids never recycle within a run. Counters
// are partitioned per requester (e.g. per worker) so spawn commands can be
// generated concurrently by different goroutines without collision.
package idmaker

import (
	"sync"
	"sync/atomic"
)

// Domain names the id space a counter belongs to.
type Domain string

const (
	DomainJob          Domain = "job"
	DomainLogicalData  Domain = "logical_data"
	DomainPhysicalData Domain = "physical_data"
	DomainTemplate     Domain = "template"
	DomainCheckpoint   Domain = "checkpoint"
	DomainWorker       Domain = "worker"
)

// counter is a single atomically incremented, per-requester-range id space.
type counter struct {
	next uint64
}

// Maker keeps one counter per (domain, requester) pair so that
// concurrently issuing requesters never collide, while ids within a domain
// stay globally unique across requesters by reserving each requester a
// fixed-width high-bit band. Different domains are separate id spaces: the
// same requester can receive the same id in two domains.
type Maker struct {
	// requesterBits is the number of low bits reserved for the
	// per-requester monotonic counter; the remaining high bits identify
	// the requester itself.
	requesterBits uint

	counters map[string]*counter
	mu       sync.Mutex
}

// New creates an id Maker. requesterBits controls how many low-order bits
// of each minted id are reserved for the requester's private monotonic
// counter; 20 bits (about 1M ids per requester) is a sane default for a
// long-running simulation.
func New(requesterBits uint) *Maker {
	if requesterBits == 0 {
		requesterBits = 20
	}
	return &Maker{
		requesterBits: requesterBits,
		counters:      make(map[string]*counter),
	}
}

func key(domain Domain, requester uint64) string {
	return string(domain) + ":" + itoa(requester)
}

// GetNewIDs returns n freshly allocated ids in the given domain for the
// given requester. IDs are strictly increasing within (domain, requester)
// and never recycle.
func (m *Maker) GetNewIDs(domain Domain, requester uint64, n int) []uint64 {
	if n <= 0 {
		return nil
	}
	m.mu.Lock()
	k := key(domain, requester)
	c, ok := m.counters[k]
	if !ok {
		c = &counter{}
		m.counters[k] = c
	}
	m.mu.Unlock()

	base := atomic.AddUint64(&c.next, uint64(n)) - uint64(n)
	ids := make([]uint64, n)
	band := requester << m.requesterBits
	for i := 0; i < n; i++ {
		ids[i] = band | (base + uint64(i) + 1)
	}
	return ids
}

// GetNewID is a convenience wrapper around GetNewIDs for a single id.
func (m *Maker) GetNewID(domain Domain, requester uint64) uint64 {
	return m.GetNewIDs(domain, requester, 1)[0]
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
