// Command aperture-aggregator runs the central collector: a gRPC ingest
// listener backed by an in-memory ring and an optional durable
// ClickHouse sink, plus an HTTP admin surface for health, metrics, and
// query/export endpoints. Sequential construction with a Fatal on any
// unrecoverable step follows the teacher's cmd/host/main.go shape.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hamzzy/Aperture/pkg/aperture/aggregator/admin"
	"github.com/hamzzy/Aperture/pkg/aperture/aggregator/ingest"
	"github.com/hamzzy/Aperture/pkg/aperture/aggregator/ring"
	"github.com/hamzzy/Aperture/pkg/aperture/aggregator/store"
	"github.com/hamzzy/Aperture/pkg/aperture/config/aggregatorconfig"
	"github.com/hamzzy/Aperture/pkg/aperture/metrics"
	"github.com/hamzzy/Aperture/pkg/aperture/rpc"
	"github.com/hamzzy/Aperture/pkg/aperture/util"
)

var configDir string

func main() {
	root := &cobra.Command{
		Use:     "aperture-aggregator",
		Short:   "Aperture central aggregator",
		Long:    "Accepts pushed batches over gRPC into a bounded ring, mirrors them into a durable ClickHouse sink, and serves health, metrics, and query/export endpoints over HTTP.",
		Version: "0.1.0",
		RunE:    runAggregator,
	}
	root.PersistentFlags().StringVar(&configDir, "config", envOr("CONFIG_DIR", "/etc/aperture"), "directory containing aggregator.json")

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

func runAggregator(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := aggregatorconfig.Load(configDir)
	if err != nil {
		logger.L().Ctx(ctx).Error("load config error", helpers.Error(err))
		os.Exit(util.ExitCodeConfigError)
	}
	initLogger(cfg.LogFormat)

	rpc.RegisterCodec()
	m := metrics.New()

	r := ring.New(cfg.BufferCapacity, cfg.RingBackpressure)

	durable, err := store.Open(ctx, store.Config{
		QueueDir:       cfg.PendingQueueDir,
		PendingCap:     cfg.PendingQueueCap,
		FlushBatchRows: cfg.FlushBatchRows,
		FlushInterval:  cfg.FlushInterval,
		ClickHouseAddr: cfg.ClickHouseAddr,
		Database:       cfg.ClickHouseDatabase,
		Username:       cfg.ClickHouseUser,
		Password:       cfg.ClickHousePassword,
	}, m)
	if err != nil {
		logger.L().Ctx(ctx).Fatal("open durable store", helpers.Error(err))
	}
	defer durable.Close()

	ingestServer := ingest.New(r, durable, cfg.AuthToken, cfg.MaxPayloadBytes, m)

	lis, err := net.Listen("tcp", cfg.IngestListen)
	if err != nil {
		logger.L().Ctx(ctx).Fatal("listen on ingest address", helpers.Error(err), helpers.String("addr", cfg.IngestListen))
	}
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.MaxPayloadBytes),
		grpc.MaxSendMsgSize(cfg.MaxPayloadBytes),
	)
	rpc.RegisterServer(grpcServer, ingestServer)
	go func() {
		logger.L().Info("starting ingest server", helpers.String("addr", cfg.IngestListen))
		if err := grpcServer.Serve(lis); err != nil {
			logger.L().Ctx(ctx).Error("ingest server stopped", helpers.Error(err))
		}
	}()

	adminServer := admin.New(cfg.AdminListen, r, durable, prometheus.DefaultGatherer, cfg.DegradedThreshold, admin.Counters{
		PushOK:          counterValue(m.PushTotal.WithLabelValues("ok")),
		PushErr:         counterSum(m.PushTotal, "ok"),
		FlushOK:         counterValue(m.DurableFlushTotal.WithLabelValues("ok")),
		FlushErr:        counterValue(m.DurableFlushTotal.WithLabelValues("error")),
		PushEventsTotal: counterValue(m.PushEventsTotal),
	})
	adminServer.Start(ctx)

	logger.L().Info("aggregator started",
		helpers.String("ingestAddr", cfg.IngestListen),
		helpers.String("adminAddr", cfg.AdminListen),
		helpers.String("durableEnabled", strconv.FormatBool(durable.Enabled())))

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	logger.L().Info("aggregator shutting down")
	grpcServer.GracefulStop()
	if err := adminServer.Shutdown(ctx); err != nil {
		logger.L().Warning("admin server shutdown", helpers.Error(err))
	}
	cancel()

	os.Exit(util.ExitCodeSuccess)
	return nil
}

// initLogger maps the two format names aggregatorconfig.Config.LogFormat
// accepts ("text", "json") onto go-logger's InitLogger loggers ("pretty",
// "zap"); see cmd/agent/main.go's initLogger for the same decision.
func initLogger(format string) {
	switch format {
	case "json":
		logger.InitLogger("zap")
	default:
		logger.InitLogger("pretty")
	}
}

// counterValue closes over a single prometheus.Counter and reads its
// current value via the Write/dto.Metric path promhttp itself uses to
// render /metrics — the only portable way to read a Counter back out
// without a second bookkeeping variable.
func counterValue(c prometheus.Counter) func() float64 {
	return func() float64 {
		var out dto.Metric
		if err := c.Write(&out); err != nil {
			return 0
		}
		return out.GetCounter().GetValue()
	}
}

// counterSum reads every label value of a CounterVec except excludeLabel,
// for the admin health body's push_total_error field (every non-ok
// outcome counts as an error).
func counterSum(cv *prometheus.CounterVec, excludeLabel string) func() float64 {
	return func() float64 {
		ch := make(chan prometheus.Metric, 16)
		go func() {
			cv.Collect(ch)
			close(ch)
		}()
		var total float64
		for metric := range ch {
			var out dto.Metric
			if err := metric.Write(&out); err != nil {
				continue
			}
			excluded := false
			for _, lp := range out.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == excludeLabel {
					excluded = true
				}
			}
			if !excluded {
				total += out.GetCounter().GetValue()
			}
		}
		return total
	}
}
