package types

// CpuProfile is the merge output for CPU-sample events.
type CpuProfile struct {
	StartTs        Timestamp
	EndTs          Timestamp
	TotalSamples   uint64
	SamplePeriodNs uint64
	Stacks         []StackCount
}

// StackCount pairs a stack with its observed sample count.
type StackCount struct {
	Stack Stack
	Count uint64
}

// LockProfile is the merge output for lock-contention events.
type LockProfile struct {
	StartTs      Timestamp
	EndTs        Timestamp
	TotalEvents  uint64
	Contentions  []LockContention
}

// LockContention aggregates one (lock_addr, stack) group.
type LockContention struct {
	LockAddr   uint64
	Stack      Stack
	Count      uint64
	TotalWaitNs uint64
	MaxWaitNs  uint64
	MinWaitNs  uint64
}

// HistogramBuckets is the fixed-size duration histogram: bucket i holds
// counts where 2^i ns <= duration < 2^(i+1) ns; bucket 29 saturates.
const HistogramBuckets = 30

// SyscallStats aggregates one syscall_id's observations.
type SyscallStats struct {
	ID         uint32
	Name       string
	Count      uint64
	TotalNs    uint64
	MinNs      uint64
	MaxNs      uint64
	ErrorCount uint64
	Histogram  [HistogramBuckets]uint64
}

// SyscallProfile is the merge output for syscall-latency events.
type SyscallProfile struct {
	StartTs     Timestamp
	EndTs       Timestamp
	TotalEvents uint64
	PerSyscall  map[uint32]*SyscallStats
}

// HistogramBucket computes bucket = clamp(floor(log2(d)), 0, 29) per
// spec.md §4.J.3 / §8 property 5. d==0 is treated as bucket 0.
func HistogramBucket(durationNs uint64) int {
	if durationNs == 0 {
		return 0
	}
	bucket := 0
	for v := durationNs; v > 1; v >>= 1 {
		bucket++
	}
	if bucket > HistogramBuckets-1 {
		bucket = HistogramBuckets - 1
	}
	return bucket
}

// StackDiff is one row of a Diff response.
type StackDiff struct {
	Stack          Stack
	BaselineCount  uint64
	ComparisonCount uint64
	Delta          int64
	DeltaPct       float64
}

// EventType selects which profile class a query targets.
type EventType string

const (
	EventTypeCpu     EventType = "cpu"
	EventTypeLock    EventType = "lock"
	EventTypeSyscall EventType = "syscall"
)
