// Command aperture-agent runs the per-host profiling agent: it attaches
// to the three pinned eBPF ring buffers, normalizes and optionally
// filters each record, seals batches on a timer, and pushes them to the
// aggregator. Sequential construction with a Fatal on any
// unrecoverable step follows the teacher's cmd/host/main.go shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/spf13/cobra"

	"github.com/hamzzy/Aperture/pkg/aperture/agent/collector"
	"github.com/hamzzy/Aperture/pkg/aperture/agent/filter"
	"github.com/hamzzy/Aperture/pkg/aperture/agent/kernelcheck"
	"github.com/hamzzy/Aperture/pkg/aperture/agent/push"
	"github.com/hamzzy/Aperture/pkg/aperture/agent/reader"
	"github.com/hamzzy/Aperture/pkg/aperture/agent/symbol"
	"github.com/hamzzy/Aperture/pkg/aperture/config/agentconfig"
	"github.com/hamzzy/Aperture/pkg/aperture/types"
	"github.com/hamzzy/Aperture/pkg/aperture/util"
)

// stackTraceDepth mirrors the kernel's PERF_MAX_STACK_DEPTH, the fixed
// width of one BPF_MAP_TYPE_STACK_TRACE value.
const stackTraceDepth = 127

var configDir string

func main() {
	root := &cobra.Command{
		Use:     "aperture-agent",
		Short:   "Aperture per-host profiling agent",
		Long:    "Drains CPU, lock, and syscall eBPF ring buffers, optionally filters each event through a WASM module, and pushes sequence-numbered batches to the aggregator.",
		Version: "0.1.0",
		RunE:    runAgent,
	}
	root.PersistentFlags().StringVar(&configDir, "config", envOr("CONFIG_DIR", "/etc/aperture"), "directory containing agent.json")

	if err := root.Execute(); err != nil {
		os.Exit(util.ExitCodeError)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runAgent(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := agentconfig.Load(configDir)
	if err != nil {
		logger.L().Ctx(ctx).Error("load config error", helpers.Error(err))
		os.Exit(util.ExitCodeConfigError)
	}

	initLogger(cfg.LogFormat)

	if os.Getenv("SKIP_KERNEL_VERSION_CHECK") == "" {
		if err := kernelcheck.CheckPrerequisites(); err != nil {
			logger.L().Ctx(ctx).Error("error during kernel validation", helpers.Error(err))
			os.Exit(util.ExitCodeIncompatibleKernel)
		}
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		logger.L().Ctx(ctx).Error("error removing memlock limit", helpers.Error(err))
		os.Exit(util.ExitCodeError)
	}

	resolver, lookup := buildSymbolResolver(cfg)
	stackResolver := symbol.NewStackTraceResolver(resolver, lookup)

	readers := openReaders(ctx, cfg, stackResolver)
	if len(readers) == 0 {
		logger.L().Ctx(ctx).Error("no probe class could be attached; nothing to profile")
		os.Exit(util.ExitCodeError)
	}

	var filterEngine *filter.Engine
	if cfg.FilterModulePath != "" {
		wasmBytes, err := os.ReadFile(cfg.FilterModulePath)
		if err != nil {
			logger.L().Ctx(ctx).Fatal("read filter module", helpers.Error(err))
		}
		filterEngine, err = filter.New(ctx, wasmBytes, 0)
		if err != nil {
			logger.L().Ctx(ctx).Fatal("compile filter module", helpers.Error(err))
		}
		defer filterEngine.Close(ctx)
		logger.L().Info("filter module loaded", helpers.String("path", cfg.FilterModulePath))
	}

	agentID := cfg.AgentID
	if agentID == "" {
		hostname, _ := os.Hostname()
		agentID = fmt.Sprintf("agent-%s-%d", hostname, os.Getpid())
	}

	pushClient, err := push.New(cfg.AggregatorAddr, cfg.AuthToken, cfg.BacklogCapacity)
	if err != nil {
		logger.L().Ctx(ctx).Fatal("dial aggregator", helpers.Error(err), helpers.String("addr", cfg.AggregatorAddr))
	}
	defer pushClient.Close()
	go pushClient.Run(ctx)

	sealed := make(chan collector.SealedBatch, 8)
	coll := collector.New(types.AgentId(agentID), cfg.MaxBatchEvents, cfg.SamplePeriodNs(), sealed)

	stop := make(chan struct{})
	go collector.RunTicker(coll, cfg.PushInterval, stop)
	go func() {
		for sb := range sealed {
			pushClient.Enqueue(sb)
		}
	}()

	for _, r := range readers {
		go runReaderLoop(ctx, r, filterEngine, coll)
	}

	logger.L().Info("agent started",
		helpers.String("agentId", agentID),
		helpers.String("aggregatorAddr", cfg.AggregatorAddr),
		helpers.Int("probeClasses", len(readers)))

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	close(stop)
	cancel()
	for _, r := range readers {
		_ = r.Close()
	}
	logger.L().Info("agent shutting down",
		helpers.String("agentId", agentID),
		helpers.Int("pushDrops", int(pushClient.Drops())))

	os.Exit(util.ExitCodeSuccess)
	return nil
}

// initLogger maps the two format names agentconfig.Config.LogFormat
// accepts ("text", "json") onto go-logger's InitLogger loggers ("pretty",
// "zap"). Teacher production code never calls InitLogger itself — it
// relies on go-logger's zero-value default — so this call is purely
// Aperture's addition for operators who want JSON log lines in
// production.
func initLogger(format string) {
	switch format {
	case "json":
		logger.InitLogger("zap")
	default:
		logger.InitLogger("pretty")
	}
}

// buildSymbolResolver constructs the kernel+user symbol resolver and the
// stack-id lookup closure over the pinned stack-trace map. Failures
// degrade rather than abort: spec.md §4.C treats symbol-table load
// failure as a fallback-to-hex condition, not a fatal one.
func buildSymbolResolver(cfg agentconfig.Config) (*symbol.Resolver, symbol.StackIDLookup) {
	kernelTable, err := symbol.LoadKernelSymbols("/proc/kallsyms")
	if err != nil {
		logger.L().Warning("load kernel symbol table failed, kernel frames will render as hex", helpers.Error(err))
	}

	resolver, err := symbol.New(kernelTable, symbol.ProcMapsLoader{}, cfg.SymbolCacheShards, cfg.SymbolCacheSize)
	if err != nil {
		logger.L().Warning("build symbol resolver failed, stacks will render as hex", helpers.Error(err))
		resolver, _ = symbol.New(nil, nil, cfg.SymbolCacheShards, cfg.SymbolCacheSize)
	}

	stackMap, err := ebpf.LoadPinnedMap(cfg.StackTraceMapPath, nil)
	if err != nil {
		logger.L().Warning("stack trace map unavailable, stacks will be empty", helpers.Error(err), helpers.String("path", cfg.StackTraceMapPath))
		return resolver, func(int64) ([]uint64, bool) { return nil, false }
	}

	lookup := func(stackID int64) ([]uint64, bool) {
		if stackID < 0 {
			return nil, false
		}
		var raw [stackTraceDepth]uint64
		if err := stackMap.Lookup(uint32(stackID), &raw); err != nil {
			return nil, false
		}
		ips := make([]uint64, 0, len(raw))
		for _, ip := range raw {
			if ip == 0 {
				break
			}
			ips = append(ips, ip)
		}
		if len(ips) == 0 {
			return nil, false
		}
		return ips, true
	}
	return resolver, lookup
}

// probeMap pairs a probe class with the config field naming its pinned
// ring buffer.
type probeMap struct {
	class reader.ProbeClass
	path  string
}

// openReaders attaches one Reader per successfully pinned ring buffer.
// A missing pin only skips that probe class (spec.md §1's scope note:
// the kernel probes themselves are an external collaborator); it is
// never fatal to the process as a whole.
func openReaders(ctx context.Context, cfg agentconfig.Config, stackResolver reader.StackResolver) []*reader.Reader {
	classes := []probeMap{
		{reader.ProbeClassCpu, cfg.CpuMapPath},
		{reader.ProbeClassLock, cfg.LockMapPath},
		{reader.ProbeClassSyscall, cfg.SyscallMapPath},
	}

	var readers []*reader.Reader
	for _, pm := range classes {
		m, err := ebpf.LoadPinnedMap(pm.path, nil)
		if err != nil {
			logger.L().Warning("probe class unavailable, skipping",
				helpers.String("class", pm.class.String()), helpers.String("path", pm.path), helpers.Error(err))
			continue
		}
		r, err := reader.Open(pm.class, m, stackResolver)
		if err != nil {
			logger.L().Ctx(ctx).Error("open ring buffer reader failed",
				helpers.String("class", pm.class.String()), helpers.Error(err))
			continue
		}
		readers = append(readers, r)
	}
	return readers
}

// runReaderLoop drains one Reader until ctx is cancelled or the ring is
// closed, running every event through the optional filter before handing
// it to the collector.
func runReaderLoop(ctx context.Context, r *reader.Reader, eng *filter.Engine, coll *collector.Collector) {
	for {
		if ctx.Err() != nil {
			return
		}
		ev, err := r.ReadEvent()
		if err != nil {
			return // closed reader or unrecoverable ring error
		}
		if eng != nil {
			keep, outcome := eng.Invoke(ctx, ev)
			if outcome != filter.OutcomeKept && outcome != filter.OutcomeDropped {
				logger.L().Debug("filter failed open", helpers.String("outcome", string(outcome)))
			}
			if !keep {
				continue
			}
		}
		coll.Add(ev)
	}
}
