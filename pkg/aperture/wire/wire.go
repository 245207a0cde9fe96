// Package wire implements Aperture's stable, self-describing binary
// encoding: fields in declaration order, a leading tag byte per tagged
// union, length-prefixed strings. Used both for the agent-to-aggregator
// batch payload (spec.md §6) and for the filter engine's per-event ABI
// (spec.md §4.D), which shares the same event layout behind a
// FILTER_API_VERSION-prefixed envelope.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/hamzzy/Aperture/pkg/aperture/types"
)

// FilterAPIVersion guards the filter-call event envelope against format
// drift independent of the batch ProtocolVersion.
const FilterAPIVersion uint32 = 1

var (
	// ErrUnknownVersion is returned when a batch's leading version field
	// does not match the version this build understands.
	ErrUnknownVersion = errors.New("wire: unknown protocol version")
	// ErrTruncated is returned when the input ends before a field that
	// the layout requires is fully read.
	ErrTruncated = errors.New("wire: truncated input")
	// ErrUnknownEventKind is returned when a tag byte does not match any
	// of the three known ProfileEvent variants.
	ErrUnknownEventKind = errors.New("wire: unknown event kind")
)

// EncodeBatch renders b in declaration order: version, agent_id, sequence,
// sample_period_ns, then the event count and each tagged event.
func EncodeBatch(b types.Batch) ([]byte, error) {
	var buf bytes.Buffer
	writeUint32(&buf, b.Version)
	writeString(&buf, string(b.AgentID))
	writeUint64(&buf, uint64(b.Sequence))
	writeUint64(&buf, b.SamplePeriodNs)
	writeUint32(&buf, uint32(len(b.Events)))
	for i := range b.Events {
		if err := encodeEvent(&buf, &b.Events[i]); err != nil {
			return nil, fmt.Errorf("wire: encode event %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeBatch parses a payload produced by EncodeBatch. It rejects any
// version other than types.ProtocolVersion.
func DecodeBatch(payload []byte) (types.Batch, error) {
	r := bytes.NewReader(payload)
	var b types.Batch

	version, err := readUint32(r)
	if err != nil {
		return b, err
	}
	if version != types.ProtocolVersion {
		return b, fmt.Errorf("%w: got %d, want %d", ErrUnknownVersion, version, types.ProtocolVersion)
	}
	b.Version = version

	agentID, err := readString(r)
	if err != nil {
		return b, err
	}
	b.AgentID = types.AgentId(agentID)

	seq, err := readUint64(r)
	if err != nil {
		return b, err
	}
	b.Sequence = types.Sequence(seq)

	samplePeriod, err := readUint64(r)
	if err != nil {
		return b, err
	}
	b.SamplePeriodNs = samplePeriod

	count, err := readUint32(r)
	if err != nil {
		return b, err
	}
	if count > types.MaxBatchEvents {
		return b, fmt.Errorf("wire: event count %d exceeds max %d", count, types.MaxBatchEvents)
	}
	b.Events = make([]types.ProfileEvent, count)
	for i := uint32(0); i < count; i++ {
		ev, err := decodeEvent(r)
		if err != nil {
			return b, fmt.Errorf("wire: decode event %d: %w", i, err)
		}
		b.Events[i] = ev
	}
	return b, nil
}

// EncodeFilterEvent renders a single event for the filter-engine ABI: a
// leading FilterAPIVersion followed by the same tagged event layout
// EncodeBatch uses per-event.
func EncodeFilterEvent(ev types.ProfileEvent) ([]byte, error) {
	var buf bytes.Buffer
	writeUint32(&buf, FilterAPIVersion)
	if err := encodeEvent(&buf, &ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFilterEvent is the guest-side counterpart of EncodeFilterEvent; the
// engine itself only needs EncodeFilterEvent, but this exists so filters
// written in Go (for testing) can decode their own input.
func DecodeFilterEvent(payload []byte) (types.ProfileEvent, error) {
	r := bytes.NewReader(payload)
	version, err := readUint32(r)
	if err != nil {
		return types.ProfileEvent{}, err
	}
	if version != FilterAPIVersion {
		return types.ProfileEvent{}, fmt.Errorf("%w: got %d, want %d", ErrUnknownVersion, version, FilterAPIVersion)
	}
	return decodeEvent(r)
}

func encodeEvent(buf *bytes.Buffer, ev *types.ProfileEvent) error {
	buf.WriteByte(byte(ev.Kind))
	switch ev.Kind {
	case types.EventKindCpu:
		if ev.Cpu == nil {
			return errors.New("cpu event missing CpuSample payload")
		}
		c := ev.Cpu
		writeUint64(buf, uint64(c.Ts))
		writeUint32(buf, c.Pid)
		writeUint32(buf, c.Tid)
		writeUint32(buf, c.CpuID)
		writeInt64(buf, c.UserStackID)
		writeInt64(buf, c.KernelStackID)
	case types.EventKindLock:
		if ev.Lock == nil {
			return errors.New("lock event missing LockEvent payload")
		}
		l := ev.Lock
		writeUint64(buf, uint64(l.Ts))
		writeUint32(buf, l.Pid)
		writeUint32(buf, l.Tid)
		writeUint64(buf, l.LockAddr)
		writeUint64(buf, l.WaitNs)
		writeInt64(buf, l.StackID)
	case types.EventKindSyscall:
		if ev.Syscall == nil {
			return errors.New("syscall event missing SyscallEvent payload")
		}
		s := ev.Syscall
		writeUint64(buf, uint64(s.Ts))
		writeUint32(buf, s.Pid)
		writeUint32(buf, s.Tid)
		writeUint32(buf, s.SyscallID)
		writeUint64(buf, s.DurationNs)
		writeInt64(buf, s.ReturnValue)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownEventKind, ev.Kind)
	}
	encodeStack(buf, ev.Stack)
	writeUint64(buf, ev.LockAddr)
	return nil
}

func decodeEvent(r *bytes.Reader) (types.ProfileEvent, error) {
	var ev types.ProfileEvent
	kindByte, err := r.ReadByte()
	if err != nil {
		return ev, ErrTruncated
	}
	ev.Kind = types.EventKind(kindByte)
	switch ev.Kind {
	case types.EventKindCpu:
		ts, pid, tid, cpuID, userStack, kernelStack, err := readCpuFields(r)
		if err != nil {
			return ev, err
		}
		ev.Cpu = &types.CpuSample{
			Ts: types.Timestamp(ts), Pid: pid, Tid: tid, CpuID: cpuID,
			UserStackID: userStack, KernelStackID: kernelStack,
		}
	case types.EventKindLock:
		ts, pid, tid, lockAddr, waitNs, stackID, err := readLockFields(r)
		if err != nil {
			return ev, err
		}
		ev.Lock = &types.LockEvent{
			Ts: types.Timestamp(ts), Pid: pid, Tid: tid,
			LockAddr: lockAddr, WaitNs: waitNs, StackID: stackID,
		}
	case types.EventKindSyscall:
		ts, pid, tid, syscallID, durationNs, retval, err := readSyscallFields(r)
		if err != nil {
			return ev, err
		}
		ev.Syscall = &types.SyscallEvent{
			Ts: types.Timestamp(ts), Pid: pid, Tid: tid,
			SyscallID: syscallID, DurationNs: durationNs, ReturnValue: retval,
		}
	default:
		return ev, fmt.Errorf("%w: %d", ErrUnknownEventKind, ev.Kind)
	}
	stack, err := decodeStack(r)
	if err != nil {
		return ev, err
	}
	ev.Stack = stack
	lockAddr, err := readUint64(r)
	if err != nil {
		return ev, err
	}
	ev.LockAddr = lockAddr
	return ev, nil
}

func readCpuFields(r *bytes.Reader) (ts uint64, pid, tid, cpuID uint32, userStack, kernelStack int64, err error) {
	if ts, err = readUint64(r); err != nil {
		return
	}
	if pid, err = readUint32(r); err != nil {
		return
	}
	if tid, err = readUint32(r); err != nil {
		return
	}
	if cpuID, err = readUint32(r); err != nil {
		return
	}
	if userStack, err = readInt64(r); err != nil {
		return
	}
	kernelStack, err = readInt64(r)
	return
}

func readLockFields(r *bytes.Reader) (ts uint64, pid, tid uint32, lockAddr, waitNs uint64, stackID int64, err error) {
	if ts, err = readUint64(r); err != nil {
		return
	}
	if pid, err = readUint32(r); err != nil {
		return
	}
	if tid, err = readUint32(r); err != nil {
		return
	}
	if lockAddr, err = readUint64(r); err != nil {
		return
	}
	if waitNs, err = readUint64(r); err != nil {
		return
	}
	stackID, err = readInt64(r)
	return
}

func readSyscallFields(r *bytes.Reader) (ts uint64, pid, tid, syscallID uint32, durationNs uint64, retval int64, err error) {
	if ts, err = readUint64(r); err != nil {
		return
	}
	if pid, err = readUint32(r); err != nil {
		return
	}
	if tid, err = readUint32(r); err != nil {
		return
	}
	if syscallID, err = readUint32(r); err != nil {
		return
	}
	if durationNs, err = readUint64(r); err != nil {
		return
	}
	retval, err = readInt64(r)
	return
}

func encodeStack(buf *bytes.Buffer, s types.Stack) {
	writeBool(buf, s.Truncated)
	writeUint32(buf, uint32(len(s.Frames)))
	for _, f := range s.Frames {
		writeUint64(buf, f.IP)
		writeString(buf, f.Function)
		writeString(buf, f.Module)
		writeString(buf, f.File)
		writeUint32(buf, f.Line)
		writeBool(buf, f.Inline)
	}
}

func decodeStack(r *bytes.Reader) (types.Stack, error) {
	var s types.Stack
	truncated, err := readBool(r)
	if err != nil {
		return s, err
	}
	s.Truncated = truncated

	count, err := readUint32(r)
	if err != nil {
		return s, err
	}
	if count > 0 {
		s.Frames = make([]types.Frame, count)
	}
	for i := uint32(0); i < count; i++ {
		ip, err := readUint64(r)
		if err != nil {
			return s, err
		}
		function, err := readString(r)
		if err != nil {
			return s, err
		}
		module, err := readString(r)
		if err != nil {
			return s, err
		}
		file, err := readString(r)
		if err != nil {
			return s, err
		}
		line, err := readUint32(r)
		if err != nil {
			return s, err
		}
		inline, err := readBool(r)
		if err != nil {
			return s, err
		}
		s.Frames[i] = types.Frame{IP: ip, Function: function, Module: module, File: file, Line: line, Inline: inline}
	}
	return s, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	writeUint64(buf, uint64(v))
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, ErrTruncated
	}
	return b != 0, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(math.MaxInt32) {
		return "", fmt.Errorf("wire: string length %d implausible", n)
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, _ := r.Read(buf)
	if n != len(buf) {
		return n, ErrTruncated
	}
	return n, nil
}
