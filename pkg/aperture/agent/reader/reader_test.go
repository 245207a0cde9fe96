package reader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzzy/Aperture/pkg/aperture/types"
)

type stubResolver struct {
	stacks map[int64]types.Stack
}

func (s stubResolver) Resolve(pid uint32, stackID int64) (types.Stack, error) {
	st, ok := s.stacks[stackID]
	if !ok {
		return types.Stack{}, assert.AnError
	}
	return st, nil
}

func encodeRaw(t *testing.T, v any) []byte {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	return buf.Bytes()
}

func TestDecode_CpuSample(t *testing.T) {
	want := rawCpuSample{Ts: 100, Pid: 1, Tid: 2, CpuID: 3, UserStackID: 5, KernelStackID: -1}
	r := &Reader{class: ProbeClassCpu, resolver: stubResolver{stacks: map[int64]types.Stack{
		5: {Frames: []types.Frame{{Function: "main"}}},
	}}}

	ev, ok := r.decode(encodeRaw(t, want))
	require.True(t, ok)
	assert.Equal(t, types.EventKindCpu, ev.Kind)
	require.NotNil(t, ev.Cpu)
	assert.Equal(t, uint32(1), ev.Cpu.Pid)
	assert.Equal(t, "main", ev.Stack.Frames[0].Function)
}

func TestDecode_CpuSampleCombinesUserAndKernelStacks(t *testing.T) {
	want := rawCpuSample{Ts: 100, Pid: 1, Tid: 2, CpuID: 3, UserStackID: 5, KernelStackID: 9}
	r := &Reader{class: ProbeClassCpu, resolver: stubResolver{stacks: map[int64]types.Stack{
		5: {Frames: []types.Frame{{Function: "user_fn"}}},
		9: {Frames: []types.Frame{{Function: "kernel_fn"}}},
	}}}

	ev, ok := r.decode(encodeRaw(t, want))
	require.True(t, ok)
	require.Len(t, ev.Stack.Frames, 2)
	assert.Equal(t, "user_fn", ev.Stack.Frames[0].Function)
	assert.Equal(t, "kernel_fn", ev.Stack.Frames[1].Function)
}

func TestDecode_LockEvent(t *testing.T) {
	want := rawLockEvent{Ts: 1, Pid: 2, Tid: 3, LockAddr: 0x1000, WaitNs: 500, StackID: -1}
	r := &Reader{class: ProbeClassLock}

	ev, ok := r.decode(encodeRaw(t, want))
	require.True(t, ok)
	assert.Equal(t, types.EventKindLock, ev.Kind)
	assert.Equal(t, uint64(0x1000), ev.LockAddr)
	assert.Equal(t, uint64(500), ev.Lock.WaitNs)
}

func TestDecode_SyscallEvent(t *testing.T) {
	want := rawSyscallEvent{Ts: 1, Pid: 2, Tid: 3, SyscallID: 42, DurationNs: 999, ReturnValue: -1}
	r := &Reader{class: ProbeClassSyscall}

	ev, ok := r.decode(encodeRaw(t, want))
	require.True(t, ok)
	assert.Equal(t, types.EventKindSyscall, ev.Kind)
	assert.Equal(t, uint32(42), ev.Syscall.SyscallID)
	assert.True(t, ev.Syscall.ReturnValue < 0)
}

func TestDecode_MalformedRecordDropped(t *testing.T) {
	r := &Reader{class: ProbeClassCpu}
	_, ok := r.decode([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestResolveCombinedStack_ConcatenatesUserThenKernelFrames(t *testing.T) {
	r := &Reader{resolver: stubResolver{stacks: map[int64]types.Stack{
		5: {Frames: []types.Frame{{Function: "user_fn"}, {Function: "user_main"}}},
		9: {Frames: []types.Frame{{Function: "kernel_fn"}}},
	}}}
	s := r.resolveCombinedStack(1, 5, 9)
	require.Len(t, s.Frames, 3)
	assert.Equal(t, "user_fn", s.Frames[0].Function)
	assert.Equal(t, "user_main", s.Frames[1].Function)
	assert.Equal(t, "kernel_fn", s.Frames[2].Function)
}

func TestResolveCombinedStack_KernelOnlyWhenUserStackAbsent(t *testing.T) {
	r := &Reader{resolver: stubResolver{stacks: map[int64]types.Stack{
		9: {Frames: []types.Frame{{Function: "kernel_fn"}}},
	}}}
	// user stack id -1 means no user stack was captured.
	s := r.resolveCombinedStack(1, -1, 9)
	require.Len(t, s.Frames, 1)
	assert.Equal(t, "kernel_fn", s.Frames[0].Function)
}

func TestResolveCombinedStack_UserOnlyWhenKernelStackAbsent(t *testing.T) {
	r := &Reader{resolver: stubResolver{stacks: map[int64]types.Stack{
		5: {Frames: []types.Frame{{Function: "user_fn"}}},
	}}}
	s := r.resolveCombinedStack(1, 5, -1)
	require.Len(t, s.Frames, 1)
	assert.Equal(t, "user_fn", s.Frames[0].Function)
}

func TestResolveStack_NoResolverReturnsEmptyStack(t *testing.T) {
	r := &Reader{}
	assert.Equal(t, types.Stack{}, r.resolveStack(1, 2))
}
