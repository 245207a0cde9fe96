// Package aggregate implements the aggregator's decode-merge-filter-sort
// pipeline (spec.md §4.J): turning a set of stored batch payloads into
// per-class CpuProfile/LockProfile/SyscallProfile results, and diffing two
// such result sets. Grounded on ALEYI17-InfraSight_gpu's window
// aggregator's map-based per-key accumulation, generalized from a single
// map to one merge table per event class.
package aggregate

import (
	"sort"
	"strconv"

	"github.com/hamzzy/Aperture/pkg/aperture/types"
	"github.com/hamzzy/Aperture/pkg/aperture/wire"
)

// Source is anything that can hand the engine a set of raw batch payloads
// to decode; aggregator/ring.Ring and aggregator/store.Store both satisfy
// this indirectly through small adapter closures built by the caller.
type Source struct {
	Payloads [][]byte
}

// Request mirrors spec.md §6's AggregateRequest fields, pre-decoded from
// the wire types.
type Request struct {
	AgentID     types.AgentId // empty means all agents
	TimeStartNs uint64
	TimeEndNs   uint64
	EventType   string // "cpu", "lock", "syscall", or "" for all
	Limit       uint32
}

// Result holds whichever profile(s) EventType selected; unselected
// profiles are left nil.
type Result struct {
	Cpu            *types.CpuProfile
	Lock           *types.LockProfile
	Syscall        *types.SyscallProfile
	SkippedBatches int
}

// cpuKey groups CPU samples by exact frame-vector equality.
type cpuKey struct{ frameVector string }

type cpuAccum struct {
	stack types.Stack
	count uint64
}

type lockKey struct {
	lockAddr    uint64
	frameVector string
}

type lockAccum struct {
	lockAddr uint64
	stack    types.Stack
	count    uint64
	totalNs  uint64
	minNs    uint64
	maxNs    uint64
}

type syscallAccum struct {
	id         uint32
	count      uint64
	totalNs    uint64
	minNs      uint64
	maxNs      uint64
	errorCount uint64
	histogram  [types.HistogramBuckets]uint64
}

// Aggregate decodes every payload in src, merges by event class per
// spec.md §4.J step 3, filters by req.EventType, sorts, and truncates to
// req.Limit. Decode failures count toward SkippedBatches and do not abort
// the aggregation.
func Aggregate(src Source, req Request) Result {
	cpu := map[cpuKey]*cpuAccum{}
	locks := map[lockKey]*lockAccum{}
	syscalls := map[uint32]*syscallAccum{}

	var startTs, endTs uint64
	var totalCpu, totalLock, totalSyscall uint64
	skipped := 0

	wantCpu := req.EventType == "" || req.EventType == "cpu"
	wantLock := req.EventType == "" || req.EventType == "lock"
	wantSyscall := req.EventType == "" || req.EventType == "syscall"

	for _, payload := range src.Payloads {
		batch, err := wire.DecodeBatch(payload)
		if err != nil {
			skipped++
			continue
		}
		if req.AgentID != "" && batch.AgentID != req.AgentID {
			continue
		}

		for _, ev := range batch.Events {
			switch ev.Kind {
			case types.EventKindCpu:
				if !wantCpu || ev.Cpu == nil {
					continue
				}
				totalCpu++
				ts := uint64(ev.Cpu.Ts)
				startTs, endTs = updateRange(startTs, endTs, ts)
				mergeCpu(cpu, ev.Stack)
			case types.EventKindLock:
				if !wantLock || ev.Lock == nil {
					continue
				}
				totalLock++
				ts := uint64(ev.Lock.Ts)
				startTs, endTs = updateRange(startTs, endTs, ts)
				mergeLock(locks, ev.Lock.LockAddr, ev.Stack, ev.Lock.WaitNs)
			case types.EventKindSyscall:
				if !wantSyscall || ev.Syscall == nil {
					continue
				}
				totalSyscall++
				ts := uint64(ev.Syscall.Ts)
				startTs, endTs = updateRange(startTs, endTs, ts)
				mergeSyscall(syscalls, *ev.Syscall)
			}
		}
	}

	res := Result{SkippedBatches: skipped}
	if wantCpu {
		res.Cpu = finalizeCpu(cpu, startTs, endTs, totalCpu, req.Limit, batchSamplePeriod(src))
	}
	if wantLock {
		res.Lock = finalizeLock(locks, startTs, endTs, totalLock, req.Limit)
	}
	if wantSyscall {
		res.Syscall = finalizeSyscall(syscalls, startTs, endTs, totalSyscall, req.Limit)
	}
	return res
}

// batchSamplePeriod recovers SamplePeriodNs (Open Question 1 resolved:
// per-batch, carried on the wire). It returns the first non-zero value
// among the payloads that decode, or 0 when none carries one; it never
// infers a period from timestamps and does not check that batches agree.
func batchSamplePeriod(src Source) uint64 {
	for _, payload := range src.Payloads {
		if b, err := wire.DecodeBatch(payload); err == nil {
			if b.SamplePeriodNs != 0 {
				return b.SamplePeriodNs
			}
		}
	}
	return 0
}

func updateRange(start, end, ts uint64) (uint64, uint64) {
	if start == 0 || ts < start {
		start = ts
	}
	if ts > end {
		end = ts
	}
	return start, end
}

func mergeCpu(m map[cpuKey]*cpuAccum, stack types.Stack) {
	if len(stack.Frames) == 0 {
		return
	}
	k := cpuKey{frameVector: stack.FrameVector()}
	a, ok := m[k]
	if !ok {
		a = &cpuAccum{stack: stack}
		m[k] = a
	}
	a.count++
}

func mergeLock(m map[lockKey]*lockAccum, lockAddr uint64, stack types.Stack, waitNs uint64) {
	k := lockKey{lockAddr: lockAddr, frameVector: stack.FrameVector()}
	a, ok := m[k]
	if !ok {
		a = &lockAccum{lockAddr: lockAddr, stack: stack, minNs: waitNs, maxNs: waitNs}
		m[k] = a
	}
	a.count++
	a.totalNs += waitNs
	if waitNs < a.minNs {
		a.minNs = waitNs
	}
	if waitNs > a.maxNs {
		a.maxNs = waitNs
	}
}

func mergeSyscall(m map[uint32]*syscallAccum, ev types.SyscallEvent) {
	a, ok := m[ev.SyscallID]
	if !ok {
		a = &syscallAccum{id: ev.SyscallID, minNs: ev.DurationNs, maxNs: ev.DurationNs}
		m[ev.SyscallID] = a
	}
	a.count++
	a.totalNs += ev.DurationNs
	if ev.DurationNs < a.minNs {
		a.minNs = ev.DurationNs
	}
	if ev.DurationNs > a.maxNs {
		a.maxNs = ev.DurationNs
	}
	if ev.ReturnValue < 0 {
		a.errorCount++
	}
	a.histogram[types.HistogramBucket(ev.DurationNs)]++
}

func finalizeCpu(m map[cpuKey]*cpuAccum, start, end, total uint64, limit uint32, samplePeriodNs uint64) *types.CpuProfile {
	stacks := make([]types.StackCount, 0, len(m))
	for _, a := range m {
		stacks = append(stacks, types.StackCount{Stack: a.stack, Count: a.count})
	}
	sort.Slice(stacks, func(i, j int) bool {
		if stacks[i].Count != stacks[j].Count {
			return stacks[i].Count > stacks[j].Count
		}
		return leafSymbol(stacks[i].Stack) < leafSymbol(stacks[j].Stack)
	})
	stacks = truncateStacks(stacks, limit)
	return &types.CpuProfile{
		StartTs:        types.Timestamp(start),
		EndTs:          types.Timestamp(end),
		TotalSamples:   total,
		SamplePeriodNs: samplePeriodNs,
		Stacks:         stacks,
	}
}

func finalizeLock(m map[lockKey]*lockAccum, start, end, total uint64, limit uint32) *types.LockProfile {
	contentions := make([]types.LockContention, 0, len(m))
	for _, a := range m {
		contentions = append(contentions, types.LockContention{
			LockAddr:    a.lockAddr,
			Stack:       a.stack,
			Count:       a.count,
			TotalWaitNs: a.totalNs,
			MaxWaitNs:   a.maxNs,
			MinWaitNs:   a.minNs,
		})
	}
	sort.Slice(contentions, func(i, j int) bool {
		if contentions[i].TotalWaitNs != contentions[j].TotalWaitNs {
			return contentions[i].TotalWaitNs > contentions[j].TotalWaitNs
		}
		return leafSymbol(contentions[i].Stack) < leafSymbol(contentions[j].Stack)
	})
	contentions = truncateContentions(contentions, limit)
	return &types.LockProfile{StartTs: types.Timestamp(start), EndTs: types.Timestamp(end), TotalEvents: total, Contentions: contentions}
}

func finalizeSyscall(m map[uint32]*syscallAccum, start, end, total uint64, limit uint32) *types.SyscallProfile {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, cj := m[ids[i]].count, m[ids[j]].count
		if ci != cj {
			return ci > cj
		}
		return syscallName(ids[i]) < syscallName(ids[j])
	})
	if limit > 0 && uint32(len(ids)) > limit {
		ids = ids[:limit]
	}

	perSyscall := make(map[uint32]*types.SyscallStats, len(ids))
	for _, id := range ids {
		a := m[id]
		perSyscall[id] = &types.SyscallStats{
			ID:         id,
			Name:       syscallName(id),
			Count:      a.count,
			TotalNs:    a.totalNs,
			MinNs:      a.minNs,
			MaxNs:      a.maxNs,
			ErrorCount: a.errorCount,
			Histogram:  a.histogram,
		}
	}
	return &types.SyscallProfile{StartTs: types.Timestamp(start), EndTs: types.Timestamp(end), TotalEvents: total, PerSyscall: perSyscall}
}

func truncateStacks(s []types.StackCount, limit uint32) []types.StackCount {
	if limit > 0 && uint32(len(s)) > limit {
		return s[:limit]
	}
	return s
}

func truncateContentions(c []types.LockContention, limit uint32) []types.LockContention {
	if limit > 0 && uint32(len(c)) > limit {
		return c[:limit]
	}
	return c
}

func leafSymbol(s types.Stack) string {
	if len(s.Frames) == 0 {
		return ""
	}
	return s.Frames[0].Symbol()
}

// syscallName has no kernel syscall table wired in; spec.md §3's
// SyscallStats.name is rendered as "syscall_<id>" (for example
// "syscall_7") since no lookup table is configured. A real deployment would inject a
// per-arch id→name table here.
func syscallName(id uint32) string {
	return "syscall_" + strconv.FormatUint(uint64(id), 10)
}

// Diff aggregates baseline and comparison independently for the same
// event class and outer-joins by each class's own merge key (spec.md
// §4.J "Diff"): frame-vector equality for CPU, lock_addr+frame-vector for
// lock, and syscall_id for syscall. Syscall rows carry a synthetic
// single-frame Stack (the syscall name) so they fit the same StackDiff
// shape the CPU and lock classes use.
func Diff(baseline, comparison Source, eventType string, limit uint32) []types.StackDiff {
	baseRes := Aggregate(baseline, Request{EventType: eventType, Limit: 0})
	compRes := Aggregate(comparison, Request{EventType: eventType, Limit: 0})

	baseCounts, baseStacks := diffKeys(eventType, baseRes)
	compCounts, compStacks := diffKeys(eventType, compRes)

	seen := map[string]bool{}
	out := make([]types.StackDiff, 0, len(baseCounts)+len(compCounts))
	for fv := range baseCounts {
		seen[fv] = true
	}
	for fv := range compCounts {
		seen[fv] = true
	}
	for fv := range seen {
		stack := baseStacks[fv]
		if len(stack.Frames) == 0 {
			stack = compStacks[fv]
		}
		base := baseCounts[fv]
		comp := compCounts[fv]
		out = append(out, buildStackDiff(stack, base, comp))
	}

	sort.Slice(out, func(i, j int) bool {
		di, dj := absInt64(out[i].Delta), absInt64(out[j].Delta)
		if di != dj {
			return di > dj
		}
		return leafSymbol(out[i].Stack) < leafSymbol(out[j].Stack)
	})
	if limit > 0 && uint32(len(out)) > limit {
		out = out[:limit]
	}
	return out
}

// diffKeys flattens a Result into the merge key -> (count, representative
// stack) pairs Diff outer-joins on, one case per event class's own merge
// key from Aggregate's mergeCpu/mergeLock/mergeSyscall.
func diffKeys(eventType string, res Result) (counts map[string]uint64, stacks map[string]types.Stack) {
	counts = map[string]uint64{}
	stacks = map[string]types.Stack{}
	switch eventType {
	case "lock":
		if res.Lock == nil {
			return
		}
		for _, c := range res.Lock.Contentions {
			k := lockKey{lockAddr: c.LockAddr, frameVector: c.Stack.FrameVector()}.string()
			counts[k] = c.Count
			stacks[k] = c.Stack
		}
	case "syscall":
		if res.Syscall == nil {
			return
		}
		for id, s := range res.Syscall.PerSyscall {
			k := strconv.FormatUint(uint64(id), 10)
			counts[k] = s.Count
			stacks[k] = syscallStack(s.Name)
		}
	default:
		if res.Cpu == nil {
			return
		}
		for _, sc := range res.Cpu.Stacks {
			fv := sc.Stack.FrameVector()
			counts[fv] = sc.Count
			stacks[fv] = sc.Stack
		}
	}
	return
}

// string renders a lockKey as a single comparable/sortable map key.
func (k lockKey) string() string {
	return strconv.FormatUint(k.lockAddr, 16) + "|" + k.frameVector
}

// syscallStack wraps a syscall name in a one-frame synthetic Stack so
// syscall diff rows fit the same StackDiff shape CPU and lock rows do.
func syscallStack(name string) types.Stack {
	return types.Stack{Frames: []types.Frame{{Function: name}}}
}

func buildStackDiff(stack types.Stack, base, comp uint64) types.StackDiff {
	delta := int64(comp) - int64(base)
	denom := base
	if denom == 0 {
		denom = 1
	}
	pct := float64(delta) / float64(denom) * 100
	return types.StackDiff{
		Stack:            stack,
		BaselineCount:    base,
		ComparisonCount:  comp,
		Delta:            delta,
		DeltaPct:         pct,
	}
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
