// Package reader drains per-probe-class ring buffers and normalizes
// their fixed-layout records into types.ProfileEvent, following the
// drain-loop/tag-classification shape of
// ALEYI17-InfraSight_gpu/internal/loaders/gpuprint_tracer_loader.go.
//
// Unlike that loader's single multiplexed ring buffer with an in-record
// tag byte, Aperture attaches one cilium/ebpf ringbuf.Reader per probe
// class (CPU, lock, syscall): each kernel probe already writes into its
// own pinned map, cilium/ebpf's ringbuf.Reader already multiplexes all
// online CPUs internally, and the reader never needs to branch on a tag
// to know which struct layout to decode.
package reader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/hamzzy/Aperture/pkg/aperture/types"
)

// ProbeClass selects which fixed-layout record a Reader decodes.
type ProbeClass int

const (
	ProbeClassCpu ProbeClass = iota
	ProbeClassLock
	ProbeClassSyscall
)

func (c ProbeClass) String() string {
	switch c {
	case ProbeClassCpu:
		return "cpu"
	case ProbeClassLock:
		return "lock"
	case ProbeClassSyscall:
		return "syscall"
	default:
		return "unknown"
	}
}

// ErrMalformedRecord is returned (and treated as a drop, not a fatal
// error) when a ring buffer record is too short to decode.
//
// cilium/ebpf's ringbuf.Reader, unlike the older perf ring API, does not
// surface a lost-sample count on Record; the kernel-side BPF ringbuf
// backpressures producers instead of dropping silently. A malformed
// record read here is the closest local equivalent of spec.md §4.B's
// "lost-events notification", so it is counted the same way: increment
// and continue.
var ErrMalformedRecord = errors.New("reader: malformed ring buffer record")

// rawCpuSample, rawLockEvent, and rawSyscallEvent mirror the fixed-layout
// records spec.md §3 says the kernel probes emit, field order preserved
// so binary.Read needs no struct tags.
type rawCpuSample struct {
	Ts            uint64
	Pid           uint32
	Tid           uint32
	CpuID         uint32
	UserStackID   int64
	KernelStackID int64
}

type rawLockEvent struct {
	Ts       uint64
	Pid      uint32
	Tid      uint32
	LockAddr uint64
	WaitNs   uint64
	StackID  int64
}

type rawSyscallEvent struct {
	Ts          uint64
	Pid         uint32
	Tid         uint32
	SyscallID   uint32
	DurationNs  uint64
	ReturnValue int64
}

// StackResolver resolves an opaque kernel stack id into a Stack. A
// negative id means no stack was captured. pid disambiguates user-space
// addresses across processes; the kernel table is pid-independent and
// implementations ignore pid for each address whose high bits mark it as a
// kernel address. Implemented by pkg/aperture/agent/symbol.
type StackResolver interface {
	Resolve(pid uint32, stackID int64) (types.Stack, error)
}

// Reader drains one probe class's ring buffer.
type Reader struct {
	class    ProbeClass
	rb       *ringbuf.Reader
	resolver StackResolver
	rec      ringbuf.Record // scratch record reused by every ReadInto

	dropped  uint64
	decoded  uint64
}

// Open attaches a Reader to m, the pinned ring buffer map for class.
// RemoveMemlock must have already been called by the caller once per
// process (spec.md §4.A's kernel probes are an external collaborator;
// this package only owns the consumer side).
func Open(class ProbeClass, m *ebpf.Map, resolver StackResolver) (*Reader, error) {
	rb, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("reader: open %s ring buffer: %w", class, err)
	}
	return &Reader{class: class, rb: rb, resolver: resolver}, nil
}

// Close releases the underlying ring buffer; a concurrent blocked Read
// returns ringbuf.ErrClosed.
func (r *Reader) Close() error {
	return r.rb.Close()
}

// Dropped returns the cumulative count of malformed/undecodable records
// seen so far.
func (r *Reader) Dropped() uint64 { return r.dropped }

// Decoded returns the cumulative count of successfully decoded events.
func (r *Reader) Decoded() uint64 { return r.decoded }

// ReadEvent blocks for the next record, decodes it per r.class, resolves
// its stack id if present, and returns the normalized ProfileEvent. It
// never allocates beyond what binary.Read and the resolver need; the
// record's own RawSample buffer is reused by ringbuf between calls.
//
// A malformed record is not returned as an error: it increments Dropped
// and the caller should simply call ReadEvent again. Only a closed
// reader or an unrecoverable ring error is returned to the caller.
func (r *Reader) ReadEvent() (types.ProfileEvent, error) {
	for {
		if err := r.rb.ReadInto(&r.rec); err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return types.ProfileEvent{}, err
			}
			return types.ProfileEvent{}, fmt.Errorf("reader: %s: %w", r.class, err)
		}

		ev, ok := r.decode(r.rec.RawSample)
		if !ok {
			r.dropped++
			continue
		}
		r.decoded++
		return ev, nil
	}
}

func (r *Reader) decode(raw []byte) (types.ProfileEvent, bool) {
	buf := bytes.NewReader(raw)
	switch r.class {
	case ProbeClassCpu:
		var rec rawCpuSample
		if binary.Read(buf, binary.LittleEndian, &rec) != nil {
			return types.ProfileEvent{}, false
		}
		ev := types.ProfileEvent{
			Kind: types.EventKindCpu,
			Cpu: &types.CpuSample{
				Ts: types.Timestamp(rec.Ts), Pid: rec.Pid, Tid: rec.Tid, CpuID: rec.CpuID,
				UserStackID: rec.UserStackID, KernelStackID: rec.KernelStackID,
			},
		}
		ev.Stack = r.resolveCombinedStack(rec.Pid, rec.UserStackID, rec.KernelStackID)
		return ev, true
	case ProbeClassLock:
		var rec rawLockEvent
		if binary.Read(buf, binary.LittleEndian, &rec) != nil {
			return types.ProfileEvent{}, false
		}
		ev := types.ProfileEvent{
			Kind: types.EventKindLock,
			Lock: &types.LockEvent{
				Ts: types.Timestamp(rec.Ts), Pid: rec.Pid, Tid: rec.Tid,
				LockAddr: rec.LockAddr, WaitNs: rec.WaitNs, StackID: rec.StackID,
			},
			LockAddr: rec.LockAddr,
		}
		ev.Stack = r.resolveStack(rec.Pid, rec.StackID)
		return ev, true
	case ProbeClassSyscall:
		var rec rawSyscallEvent
		if binary.Read(buf, binary.LittleEndian, &rec) != nil {
			return types.ProfileEvent{}, false
		}
		return types.ProfileEvent{
			Kind: types.EventKindSyscall,
			Syscall: &types.SyscallEvent{
				Ts: types.Timestamp(rec.Ts), Pid: rec.Pid, Tid: rec.Tid,
				SyscallID: rec.SyscallID, DurationNs: rec.DurationNs, ReturnValue: rec.ReturnValue,
			},
		}, true
	default:
		return types.ProfileEvent{}, false
	}
}

// resolveStack resolves a single stack id (lock and syscall events carry at
// most one); a negative id or a resolver error yields an empty Stack rather
// than propagating.
func (r *Reader) resolveStack(pid uint32, stackID int64) types.Stack {
	if r.resolver == nil || stackID < 0 {
		return types.Stack{}
	}
	s, err := r.resolver.Resolve(pid, stackID)
	if err != nil {
		return types.Stack{}
	}
	return s
}

// resolveCombinedStack builds a CpuSample's stack the way
// original_source/agent/src/collector/cpu.rs's build_profile() does:
// concatenate the user stack's frames (innermost/leaf) with the kernel
// stack's frames (outer), rather than treating them as alternatives. Either
// id may be absent (negative) on its own — a kernel-only or user-only
// sample still resolves to whichever half was captured.
func (r *Reader) resolveCombinedStack(pid uint32, userStackID, kernelStackID int64) types.Stack {
	user := r.resolveStack(pid, userStackID)
	kernel := r.resolveStack(pid, kernelStackID)
	if len(user.Frames) == 0 {
		return kernel
	}
	if len(kernel.Frames) == 0 {
		return user
	}
	return types.Stack{
		Frames:    append(append([]types.Frame{}, user.Frames...), kernel.Frames...),
		Truncated: user.Truncated || kernel.Truncated,
	}
}
