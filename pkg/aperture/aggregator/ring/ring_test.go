package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzzy/Aperture/pkg/aperture/types"
)

// Testable property 2 / scenario S2: ring overflow is lossy-not-corrupt.
func TestPush_OverflowDropsOldest_ScenarioS2(t *testing.T) {
	r := New(4, false)
	for i := 1; i <= 10; i++ {
		require.NoError(t, r.Push(Entry{AgentID: "agent-1", Sequence: types.Sequence(i)}))
	}

	snap := r.Snapshot()
	require.Len(t, snap, 4)
	var seqs []types.Sequence
	for _, e := range snap {
		seqs = append(seqs, e.Sequence)
	}
	assert.Equal(t, []types.Sequence{7, 8, 9, 10}, seqs)
	assert.Equal(t, uint64(6), r.Drops())
}

func TestPush_BackpressureReturnsErrFullInsteadOfDropping(t *testing.T) {
	r := New(2, true)
	require.NoError(t, r.Push(Entry{Sequence: 1}))
	require.NoError(t, r.Push(Entry{Sequence: 2}))

	err := r.Push(Entry{Sequence: 3})
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, uint64(0), r.Drops())
}

func TestUtilization(t *testing.T) {
	r := New(4, false)
	assert.Equal(t, 0.0, r.Utilization())
	require.NoError(t, r.Push(Entry{Sequence: 1}))
	require.NoError(t, r.Push(Entry{Sequence: 2}))
	assert.Equal(t, 0.5, r.Utilization())
}

func TestSnapshotRange_FiltersByReceivedAtNs(t *testing.T) {
	r := New(8, false)
	require.NoError(t, r.Push(Entry{ReceivedAtNs: 100, Sequence: 1}))
	require.NoError(t, r.Push(Entry{ReceivedAtNs: 200, Sequence: 2}))
	require.NoError(t, r.Push(Entry{ReceivedAtNs: 300, Sequence: 3}))

	got := r.SnapshotRange(150, 250)
	require.Len(t, got, 1)
	assert.Equal(t, types.Sequence(2), got[0].Sequence)

	all := r.SnapshotRange(0, 0)
	assert.Len(t, all, 3)
}
