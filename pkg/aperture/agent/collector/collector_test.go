package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzzy/Aperture/pkg/aperture/types"
)

func cpuEvent() types.ProfileEvent {
	return types.ProfileEvent{Kind: types.EventKindCpu, Cpu: &types.CpuSample{}}
}

// Testable property 1: sequences assigned by a single collector are
// strictly increasing.
func TestSeal_SequenceMonotonicity(t *testing.T) {
	sealed := make(chan SealedBatch, 8)
	c := New("agent-1", 0, 0, sealed)

	c.Add(cpuEvent())
	c.Seal()
	c.Add(cpuEvent())
	c.Seal()
	c.Add(cpuEvent())
	c.Seal()

	var seqs []types.Sequence
	for i := 0; i < 3; i++ {
		seqs = append(seqs, (<-sealed).Batch.Sequence)
	}
	assert.Equal(t, []types.Sequence{1, 2, 3}, seqs)
}

func TestSeal_EmptyBatchStillSealed(t *testing.T) {
	sealed := make(chan SealedBatch, 1)
	c := New("agent-1", 0, 0, sealed)
	c.Seal()

	sb := <-sealed
	assert.False(t, sb.Overflow)
	assert.Empty(t, sb.Batch.Events)
	assert.Equal(t, types.Sequence(1), sb.Batch.Sequence)
}

func TestAdd_OverflowSealsBeforeMaxEventsExceeded(t *testing.T) {
	sealed := make(chan SealedBatch, 4)
	c := New("agent-1", 2, 0, sealed)

	c.Add(cpuEvent())
	c.Add(cpuEvent())
	assert.Equal(t, 2, c.PendingLen())

	c.Add(cpuEvent()) // should force an overflow seal of the first 2
	require.Equal(t, 1, c.PendingLen())

	sb := <-sealed
	assert.True(t, sb.Overflow)
	assert.Len(t, sb.Batch.Events, 2)
}

func TestAdd_NeverExceedsMaxEvents(t *testing.T) {
	sealed := make(chan SealedBatch, 16)
	c := New("agent-1", 3, 0, sealed)

	for i := 0; i < 10; i++ {
		c.Add(cpuEvent())
	}
	c.Seal()
	close(sealed)

	for sb := range sealed {
		assert.LessOrEqual(t, len(sb.Batch.Events), 3)
	}
}

func TestRunTicker_SealsOnStopAndOnTick(t *testing.T) {
	sealed := make(chan SealedBatch, 4)
	c := New("agent-1", 0, 0, sealed)
	c.Add(cpuEvent())

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		RunTicker(c, 10*time.Millisecond, stop)
		close(done)
	}()

	sb := <-sealed // from the first tick
	assert.Len(t, sb.Batch.Events, 1)

	close(stop)
	<-done
}
