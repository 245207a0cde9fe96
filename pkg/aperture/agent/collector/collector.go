// Package collector seals raw events into sequence-numbered batches on a
// timer, following spec.md §4.E: one pending batch per agent, sealed
// either on a push tick or on MAX_BATCH_EVENTS overflow.
package collector

import (
	"sync"
	"time"

	"github.com/hamzzy/Aperture/pkg/aperture/types"
)

// SealedBatch is handed to the push client once the collector seals a
// pending batch, either on tick or on overflow.
type SealedBatch struct {
	Batch    types.Batch
	Overflow bool // true if this seal was forced by hitting MaxEvents
}

// Collector accumulates raw events for one agent session and seals them
// into batches. It does not merge or dedupe anything: every CPU sample
// stays its own event in the batch, and grouping by stack and histogram
// assembly both happen in the aggregator's merge step.
type Collector struct {
	mu sync.Mutex

	agentID        types.AgentId
	sequence       types.Sequence
	maxEvents      int
	samplePeriodNs uint64

	pending []types.ProfileEvent
	sealed  chan SealedBatch
}

// New constructs a Collector for agentID. maxEvents <= 0 defaults to
// types.MaxBatchEvents. sealed is the channel sealed batches are
// delivered on; the caller (push client) owns draining it.
func New(agentID types.AgentId, maxEvents int, samplePeriodNs uint64, sealed chan SealedBatch) *Collector {
	if maxEvents <= 0 {
		maxEvents = types.MaxBatchEvents
	}
	return &Collector{
		agentID:        agentID,
		maxEvents:      maxEvents,
		samplePeriodNs: samplePeriodNs,
		sealed:         sealed,
	}
}

// Add appends ev to the pending batch. If this push it over maxEvents,
// the batch is sealed immediately (an overflow seal) before ev is
// accepted into the next, empty batch — so no single sealed batch ever
// exceeds maxEvents.
func (c *Collector) Add(ev types.ProfileEvent) {
	c.mu.Lock()
	var overflowSeal *SealedBatch
	if len(c.pending) >= c.maxEvents {
		sb := c.sealLocked(true)
		overflowSeal = &sb
	}
	c.pending = append(c.pending, ev)
	c.mu.Unlock()

	// Sent outside the lock: the push backlog may be full and this is the
	// suspension point spec.md §5 names ("collector enqueue when push
	// backlog is full"), which must not also hold the collector mutex.
	if overflowSeal != nil {
		c.sealed <- *overflowSeal
	}
}

// Seal seals the current pending batch (even if empty) and delivers it
// on the sealed channel. Called by the push-tick timer.
func (c *Collector) Seal() {
	c.mu.Lock()
	sb := c.sealLocked(false)
	c.mu.Unlock()
	c.sealed <- sb
}

func (c *Collector) sealLocked(overflow bool) SealedBatch {
	c.sequence++
	batch := types.Batch{
		Version:        types.ProtocolVersion,
		AgentID:        c.agentID,
		Sequence:       c.sequence,
		SamplePeriodNs: c.samplePeriodNs,
		Events:         c.pending,
	}
	c.pending = make([]types.ProfileEvent, 0, c.maxEvents)
	return SealedBatch{Batch: batch, Overflow: overflow}
}

// RunTicker seals on every tick until ctx (via stop) signals shutdown;
// callers typically run this in its own goroutine, matching spec.md §5's
// "collector's push tick is a separate timer task".
func RunTicker(c *Collector, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			c.Seal() // final drain on shutdown
			return
		case <-ticker.C:
			c.Seal()
		}
	}
}

// PendingLen reports the current pending-batch size, mainly for tests and
// observability.
func (c *Collector) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Sequence reports the most recently assigned sequence number.
func (c *Collector) Sequence() types.Sequence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}
