package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzzy/Aperture/pkg/aperture/types"
	"github.com/hamzzy/Aperture/pkg/aperture/wire"
)

func stack(symbols ...string) types.Stack {
	frames := make([]types.Frame, len(symbols))
	for i, s := range symbols {
		frames[i] = types.Frame{Function: s}
	}
	return types.Stack{Frames: frames}
}

func cpuSampleEvent(ts uint64, st types.Stack) types.ProfileEvent {
	return types.ProfileEvent{
		Kind:  types.EventKindCpu,
		Cpu:   &types.CpuSample{Ts: types.Timestamp(ts)},
		Stack: st,
	}
}

func encodeBatchPayload(t *testing.T, agentID types.AgentId, seq types.Sequence, events []types.ProfileEvent) []byte {
	batch := types.Batch{Version: types.ProtocolVersion, AgentID: agentID, Sequence: seq, Events: events}
	payload, err := wire.EncodeBatch(batch)
	require.NoError(t, err)
	return payload
}

// Scenario S1: single-agent round-trip aggregation.
func TestAggregate_ScenarioS1_SingleAgentRoundTrip(t *testing.T) {
	stackX := stack("x_func")
	stackY := stack("y_func")

	var payloads [][]byte
	payloads = append(payloads, encodeBatchPayload(t, "A1", 1, repeatCpu(10, stackX)))
	payloads = append(payloads, encodeBatchPayload(t, "A1", 2, repeatCpu(5, stackY)))
	payloads = append(payloads, encodeBatchPayload(t, "A1", 3, repeatCpu(3, stackX)))

	res := Aggregate(Source{Payloads: payloads}, Request{EventType: "cpu", Limit: 10})
	require.NotNil(t, res.Cpu)
	require.Len(t, res.Cpu.Stacks, 2)
	assert.Equal(t, uint64(13), res.Cpu.Stacks[0].Count)
	assert.Equal(t, uint64(5), res.Cpu.Stacks[1].Count)
	assert.Equal(t, uint64(18), res.Cpu.TotalSamples)
}

func repeatCpu(n int, st types.Stack) []types.ProfileEvent {
	out := make([]types.ProfileEvent, n)
	for i := range out {
		out[i] = cpuSampleEvent(uint64(i+1), st)
	}
	return out
}

// Testable property 4: aggregation additivity across a batch-set partition.
func TestAggregate_AdditivityAcrossPartitions(t *testing.T) {
	stackX := stack("x_func")
	stackY := stack("y_func")

	p1 := encodeBatchPayload(t, "A1", 1, repeatCpu(7, stackX))
	p2 := encodeBatchPayload(t, "A1", 2, repeatCpu(4, stackY))
	p3 := encodeBatchPayload(t, "A1", 3, repeatCpu(2, stackX))
	p4 := encodeBatchPayload(t, "A1", 4, repeatCpu(1, stackY))

	whole := Aggregate(Source{Payloads: [][]byte{p1, p2, p3, p4}}, Request{EventType: "cpu"})

	groupA := Aggregate(Source{Payloads: [][]byte{p1, p2}}, Request{EventType: "cpu"})
	groupB := Aggregate(Source{Payloads: [][]byte{p3, p4}}, Request{EventType: "cpu"})

	combined := map[string]uint64{}
	for _, sc := range groupA.Cpu.Stacks {
		combined[sc.Stack.FrameVector()] += sc.Count
	}
	for _, sc := range groupB.Cpu.Stacks {
		combined[sc.Stack.FrameVector()] += sc.Count
	}

	for _, sc := range whole.Cpu.Stacks {
		assert.Equal(t, sc.Count, combined[sc.Stack.FrameVector()])
	}
	assert.Equal(t, whole.Cpu.TotalSamples, groupA.Cpu.TotalSamples+groupB.Cpu.TotalSamples)
}

// Scenario S4 / testable property 5: syscall histogram bucket law.
func TestAggregate_ScenarioS4_SyscallHistogram(t *testing.T) {
	durations := []uint64{1, 1024, 1_048_575, 1_048_576}
	events := make([]types.ProfileEvent, len(durations))
	for i, d := range durations {
		events[i] = types.ProfileEvent{
			Kind:    types.EventKindSyscall,
			Syscall: &types.SyscallEvent{Ts: types.Timestamp(i + 1), SyscallID: 1, DurationNs: d},
		}
	}
	payload := encodeBatchPayload(t, "A1", 1, events)

	res := Aggregate(Source{Payloads: [][]byte{payload}}, Request{EventType: "syscall"})
	require.NotNil(t, res.Syscall)
	stats := res.Syscall.PerSyscall[1]
	require.NotNil(t, stats)

	assert.Equal(t, uint64(1), stats.Histogram[0])
	assert.Equal(t, uint64(1), stats.Histogram[10])
	assert.Equal(t, uint64(1), stats.Histogram[19])
	assert.Equal(t, uint64(1), stats.Histogram[20])
}

// Scenario S5: diff of two CPU batches.
func TestDiff_ScenarioS5(t *testing.T) {
	stackX := stack("x_func")
	stackY := stack("y_func")

	baseline := encodeBatchPayload(t, "A1", 1, repeatCpu(10, stackX))
	comparison := encodeBatchPayload(t, "A1", 1, append(repeatCpu(15, stackX), repeatCpu(4, stackY)...))

	diffs := Diff(Source{Payloads: [][]byte{baseline}}, Source{Payloads: [][]byte{comparison}}, "cpu", 10)
	require.Len(t, diffs, 2)

	var x, y *types.StackDiff
	for i := range diffs {
		switch diffs[i].Stack.FrameVector() {
		case stackX.FrameVector():
			x = &diffs[i]
		case stackY.FrameVector():
			y = &diffs[i]
		}
	}
	require.NotNil(t, x)
	require.NotNil(t, y)

	assert.Equal(t, uint64(10), x.BaselineCount)
	assert.Equal(t, uint64(15), x.ComparisonCount)
	assert.Equal(t, int64(5), x.Delta)
	assert.InDelta(t, 50.0, x.DeltaPct, 0.001)

	assert.Equal(t, uint64(0), y.BaselineCount)
	assert.Equal(t, uint64(4), y.ComparisonCount)
	assert.Equal(t, int64(4), y.Delta)
	assert.InDelta(t, 400.0, y.DeltaPct, 0.001)
}

// Testable property 10: diff antisymmetry.
func TestDiff_Antisymmetry(t *testing.T) {
	stackX := stack("x_func")
	stackY := stack("y_func")

	a := encodeBatchPayload(t, "A1", 1, repeatCpu(10, stackX))
	b := encodeBatchPayload(t, "A1", 1, append(repeatCpu(15, stackX), repeatCpu(4, stackY)...))

	forward := Diff(Source{Payloads: [][]byte{a}}, Source{Payloads: [][]byte{b}}, "cpu", 10)
	backward := Diff(Source{Payloads: [][]byte{b}}, Source{Payloads: [][]byte{a}}, "cpu", 10)

	require.Equal(t, len(forward), len(backward))
	backwardByKey := map[string]types.StackDiff{}
	for _, d := range backward {
		backwardByKey[d.Stack.FrameVector()] = d
	}
	for _, d := range forward {
		rev, ok := backwardByKey[d.Stack.FrameVector()]
		require.True(t, ok)
		assert.Equal(t, -d.Delta, rev.Delta)
		assert.Equal(t, d.BaselineCount, rev.ComparisonCount)
		assert.Equal(t, d.ComparisonCount, rev.BaselineCount)
	}
}

func TestAggregate_DecodeFailureCountsSkippedBatches(t *testing.T) {
	good := encodeBatchPayload(t, "A1", 1, repeatCpu(3, stack("f")))
	bad := []byte{0xff, 0xff, 0xff, 0xff}

	res := Aggregate(Source{Payloads: [][]byte{good, bad}}, Request{EventType: "cpu"})
	assert.Equal(t, 1, res.SkippedBatches)
	require.Len(t, res.Cpu.Stacks, 1)
	assert.Equal(t, uint64(3), res.Cpu.Stacks[0].Count)
}

func lockEvent(ts uint64, addr uint64, st types.Stack, waitNs uint64) types.ProfileEvent {
	return types.ProfileEvent{
		Kind:  types.EventKindLock,
		Lock:  &types.LockEvent{Ts: types.Timestamp(ts), LockAddr: addr, WaitNs: waitNs},
		Stack: st,
	}
}

func TestDiff_LockEventType(t *testing.T) {
	stackX := stack("x_func")

	baseline := encodeBatchPayload(t, "A1", 1, []types.ProfileEvent{
		lockEvent(1, 0xdead, stackX, 100),
		lockEvent(2, 0xdead, stackX, 200),
	})
	comparison := encodeBatchPayload(t, "A1", 1, []types.ProfileEvent{
		lockEvent(1, 0xdead, stackX, 100),
		lockEvent(2, 0xdead, stackX, 200),
		lockEvent(3, 0xdead, stackX, 300),
	})

	diffs := Diff(Source{Payloads: [][]byte{baseline}}, Source{Payloads: [][]byte{comparison}}, "lock", 10)
	require.Len(t, diffs, 1)
	assert.Equal(t, uint64(2), diffs[0].BaselineCount)
	assert.Equal(t, uint64(3), diffs[0].ComparisonCount)
	assert.Equal(t, int64(1), diffs[0].Delta)
	assert.Equal(t, stackX.FrameVector(), diffs[0].Stack.FrameVector())
}

func TestDiff_SyscallEventType(t *testing.T) {
	baseline := encodeBatchPayload(t, "A1", 1, []types.ProfileEvent{
		{Kind: types.EventKindSyscall, Syscall: &types.SyscallEvent{Ts: 1, SyscallID: 7, DurationNs: 100}},
	})
	comparison := encodeBatchPayload(t, "A1", 1, []types.ProfileEvent{
		{Kind: types.EventKindSyscall, Syscall: &types.SyscallEvent{Ts: 1, SyscallID: 7, DurationNs: 100}},
		{Kind: types.EventKindSyscall, Syscall: &types.SyscallEvent{Ts: 2, SyscallID: 7, DurationNs: 100}},
		{Kind: types.EventKindSyscall, Syscall: &types.SyscallEvent{Ts: 3, SyscallID: 42, DurationNs: 50}},
	})

	diffs := Diff(Source{Payloads: [][]byte{baseline}}, Source{Payloads: [][]byte{comparison}}, "syscall", 10)
	require.Len(t, diffs, 2)

	byName := map[string]types.StackDiff{}
	for _, d := range diffs {
		byName[d.Stack.FrameVector()] = d
	}
	seven, ok := byName["syscall_7"]
	require.True(t, ok)
	assert.Equal(t, uint64(1), seven.BaselineCount)
	assert.Equal(t, uint64(2), seven.ComparisonCount)

	forty2, ok := byName["syscall_42"]
	require.True(t, ok)
	assert.Equal(t, uint64(0), forty2.BaselineCount)
	assert.Equal(t, uint64(1), forty2.ComparisonCount)
}

func TestAggregate_FiltersByAgentID(t *testing.T) {
	a1 := encodeBatchPayload(t, "A1", 1, repeatCpu(3, stack("f")))
	a2 := encodeBatchPayload(t, "A2", 1, repeatCpu(9, stack("f")))

	res := Aggregate(Source{Payloads: [][]byte{a1, a2}}, Request{AgentID: "A1", EventType: "cpu"})
	require.Len(t, res.Cpu.Stacks, 1)
	assert.Equal(t, uint64(3), res.Cpu.Stacks[0].Count)
}
