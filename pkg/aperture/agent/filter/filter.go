// Package filter runs the optional, user-supplied sandboxed filter
// program against each normalized event. It is grounded on
// original_source's wasmtime-based agent/src/wasm/runtime.rs (engine
// construction, fuel, single compiled module, per-call instantiation) but
// targets tetratelabs/wazero — the pack's pure-Go WASM runtime — and a
// simpler ABI: spec.md §4.D's filter only ever returns keep/drop, so the
// original's alloc/dealloc/bincode round trip is dropped in favor of the
// host writing the wire-encoded event directly into a reserved region of
// guest linear memory.
package filter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/hamzzy/Aperture/pkg/aperture/types"
	"github.com/hamzzy/Aperture/pkg/aperture/wire"
)

const (
	// MemoryLimitPages caps every filter module's linear memory at 16
	// wasm pages (64 KiB each) = 1 MiB, per spec.md §4.D.
	MemoryLimitPages = 16

	// inputOffset is where the engine writes the encoded event before
	// calling filter(ptr, len). The guest contract reserves page 0 (the
	// first 64 KiB) for its own static data and stack; the engine never
	// writes below this offset.
	inputOffset = 65536

	// DefaultFuelBudget approximates spec.md §4.D's "~10^6 abstract
	// instructions" bound. wazero has no wasmtime-style fuel metering, so
	// it is approximated as a wall-clock deadline (FuelBudgetToDeadline)
	// rather than a true instruction count. No calibration run is made:
	// when New gets no deadline it uses FuelBudgetToDeadline's fixed
	// default throughput of 5e8 instructions/s, i.e. 2ms for this budget.
	DefaultFuelBudget = 1_000_000
)

// Outcome labels failure reasons for the caller's per-filter failure
// counter (spec.md §7, §8 property 7).
type Outcome string

const (
	OutcomeKept          Outcome = "kept"
	OutcomeDropped       Outcome = "dropped"
	OutcomeFuelExhausted Outcome = "fuel_exhausted"
	OutcomeTrap          Outcome = "trap"
	OutcomeDecodeError   Outcome = "decode_error"
	OutcomeMemoryLimit   Outcome = "memory_limit"
)

var ErrNoFilterExport = errors.New("filter: module does not export filter(ptr,len)->i32")

// FuelBudgetToDeadline converts an abstract instruction budget into a
// wall-clock timeout using a calibration throughput (instructions per
// second). Called once at startup; the result is fixed for the engine's
// lifetime, matching the original's one-time "set_fuel" call per
// instance.
func FuelBudgetToDeadline(fuelBudget int, calibratedInstructionsPerSecond float64) time.Duration {
	if calibratedInstructionsPerSecond <= 0 {
		calibratedInstructionsPerSecond = 5e8 // conservative default: 500M/s
	}
	seconds := float64(fuelBudget) / calibratedInstructionsPerSecond
	return time.Duration(seconds * float64(time.Second))
}

// Engine holds one compiled filter module and the single exclusive lock
// serializing calls into it (spec.md §4.D's thread model). Callers that
// want per-reader instances construct one Engine per reader; Engines are
// never meant to be shared across readers even though each is internally
// safe to call concurrently (the mutex makes concurrent calls queue).
type Engine struct {
	mu sync.Mutex

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	instance api.Module
	filterFn api.Function

	deadline time.Duration
}

// New compiles wasmBytes and instantiates it with the log/get_timestamp
// host imports, enforcing the 1 MiB memory cap at instantiation time.
func New(ctx context.Context, wasmBytes []byte, deadline time.Duration) (*Engine, error) {
	cfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(MemoryLimitPages).WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if err := instantiateHostModule(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("filter: build host module: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("filter: compile module: %w", err)
	}

	instance, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("filter: instantiate module: %w", err)
	}

	fn := instance.ExportedFunction("filter")
	if fn == nil {
		instance.Close(ctx)
		rt.Close(ctx)
		return nil, ErrNoFilterExport
	}

	if deadline <= 0 {
		deadline = FuelBudgetToDeadline(DefaultFuelBudget, 0)
	}

	return &Engine{runtime: rt, compiled: compiled, instance: instance, filterFn: fn, deadline: deadline}, nil
}

// Close releases the wazero runtime and every resource it owns.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.instance.Close(ctx); err != nil {
		return err
	}
	return e.runtime.Close(ctx)
}

// Invoke runs the filter against ev. It never returns an error to the
// caller for filter-side failures: per spec.md §7/§8 property 7, fuel
// exhaustion, a trap, or a decode error all fail open (keep) and are
// reported only through the returned Outcome so the caller can bump its
// per-filter failure counter.
func (e *Engine) Invoke(ctx context.Context, ev types.ProfileEvent) (keep bool, outcome Outcome) {
	payload, err := wire.EncodeFilterEvent(ev)
	if err != nil {
		return true, OutcomeDecodeError
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	mem := e.instance.Memory()
	if uint32(len(payload)) > mem.Size()-inputOffset {
		needed := inputOffset + uint32(len(payload))
		deltaPages := (needed - mem.Size() + 65535) / 65536
		if _, ok := mem.Grow(deltaPages); !ok {
			return true, OutcomeMemoryLimit
		}
	}
	if !mem.Write(inputOffset, payload) {
		return true, OutcomeMemoryLimit
	}

	callCtx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	results, err := e.filterFn.Call(callCtx, uint64(inputOffset), uint64(len(payload)))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return true, OutcomeFuelExhausted
		}
		return true, OutcomeTrap
	}
	if len(results) != 1 {
		return true, OutcomeTrap
	}

	switch int32(results[0]) {
	case 0:
		return false, OutcomeDropped
	case 1:
		return true, OutcomeKept
	default:
		return true, OutcomeKept // fail-open: any value other than 0/1 keeps
	}
}

// instantiateHostModule registers the two imports spec.md §4.D allows:
// log(ptr,len) and get_timestamp() -> i64. No filesystem, network, or
// other host I/O is ever wired in, so "no host I/O" is enforced by
// construction rather than by a runtime check.
func instantiateHostModule(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(hostLog).
		Export("log").
		NewFunctionBuilder().
		WithFunc(hostGetTimestamp).
		Export("get_timestamp").
		Instantiate(ctx)
	return err
}

func hostLog(ctx context.Context, mod api.Module, ptr, length uint32) {
	_, _ = mod.Memory().Read(ptr, length) // read-and-discard: logging sink is a no-op in this build
}

func hostGetTimestamp() int64 {
	return time.Now().UnixNano()
}
