// Package ring is the aggregator's bounded in-memory buffer of accepted
// batches (spec.md §4.H). It is grounded on ALEYI17-InfraSight_gpu's
// mutex-guarded map-based window aggregator, generalized from a
// time-windowed map to a fixed-capacity FIFO deque.
package ring

import (
	"errors"
	"sync"

	"github.com/hamzzy/Aperture/pkg/aperture/types"
)

// DefaultCapacity is the ring's default size in batches (spec.md §4.H).
const DefaultCapacity = 10_000

// ErrFull is returned by Push when Backpressure is enabled and the ring
// has no room left; the caller (ingest server) maps this to a grpc
// ResourceExhausted status.
var ErrFull = errors.New("ring: buffer is full")

// Entry is one accepted, not-yet-evicted batch.
type Entry struct {
	ReceivedAtNs uint64
	AgentID      types.AgentId
	Sequence     types.Sequence
	EventCount   int
	Payload      []byte
}

// Ring is a bounded FIFO of Entry, drop-oldest on overflow unless
// Backpressure is set, in which case Push returns ErrFull instead of
// evicting. Safe for concurrent use.
type Ring struct {
	mu           sync.Mutex
	items        []Entry
	capacity     int
	backpressure bool

	drops uint64
}

// New constructs a Ring with the given capacity (<=0 defaults to
// DefaultCapacity) and overflow policy.
func New(capacity int, backpressure bool) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		items:        make([]Entry, 0, capacity),
		capacity:     capacity,
		backpressure: backpressure,
	}
}

// Push appends e. When full: if Backpressure is disabled (the default),
// the oldest entry is evicted and buffer_drops_total is incremented
// (spec.md §4.H); if enabled, ErrFull is returned and e is not admitted.
func (r *Ring) Push(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) >= r.capacity {
		if r.backpressure {
			return ErrFull
		}
		r.items = r.items[1:]
		r.drops++
	}
	r.items = append(r.items, e)
	return nil
}

// Len reports the current number of buffered entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Capacity reports the ring's fixed capacity.
func (r *Ring) Capacity() int {
	return r.capacity
}

// Utilization reports Len()/Capacity() as a ratio in [0,1], the value the
// admin health check compares against its fixed 0.9 degraded threshold.
func (r *Ring) Utilization() float64 {
	if r.capacity == 0 {
		return 0
	}
	return float64(r.Len()) / float64(r.capacity)
}

// Backpressure reports whether Push returns ErrFull (true) rather than
// evicting the oldest entry (false) when the ring is at capacity.
func (r *Ring) Backpressure() bool {
	return r.backpressure
}

// Drops reports the cumulative count of entries evicted by overflow.
func (r *Ring) Drops() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drops
}

// Snapshot returns a copy of every currently buffered entry, oldest
// first. Callers (aggregation engine, durable flusher) hold no lock while
// iterating the result — the short internal lock only guards the copy.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.items))
	copy(out, r.items)
	return out
}

// SnapshotRange returns every buffered entry whose ReceivedAtNs falls in
// [startNs, endNs]. A zero endNs means no upper bound.
func (r *Ring) SnapshotRange(startNs, endNs uint64) []Entry {
	all := r.Snapshot()
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.ReceivedAtNs < startNs {
			continue
		}
		if endNs != 0 && e.ReceivedAtNs > endNs {
			continue
		}
		out = append(out, e)
	}
	return out
}
