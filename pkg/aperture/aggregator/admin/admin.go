// Package admin is the aggregator's HTTP surface (spec.md §4.K, §6):
// health/readiness probes, Prometheus metrics, and JSON/collapsed-stack
// query endpoints. Grounded on the teacher's
// pkg/healthmanager/health_manager.go (plain net/http.Server with
// explicit timeouts, /livez and /readyz) generalized from two probes to
// the full admin surface, plus promhttp for the metrics endpoint.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hamzzy/Aperture/pkg/aperture/aggregator/aggregate"
	"github.com/hamzzy/Aperture/pkg/aperture/aggregator/ring"
	"github.com/hamzzy/Aperture/pkg/aperture/aggregator/store"
	"github.com/hamzzy/Aperture/pkg/aperture/types"
)

// DefaultDegradeThreshold is the default tolerance on
// (flush_error - flush_ok) over the last minute before status flips to
// degraded (spec.md §4.K).
const DefaultDegradeThreshold = 10.0

// windowSeconds is the width of the rolling window computeHealth checks
// flush error/success deltas over (spec.md §4.K "in the last minute").
const windowSeconds = 60

// Server wires the ring, the optional durable store, and the Prometheus
// registerer behind one http.Server.
type Server struct {
	addr              string
	ring              *ring.Ring
	durable           *store.Store // nil if no durable store is configured
	degradeThreshold  float64
	pushOK, pushErr   func() float64
	flushOK, flushErr func() float64
	pushEventsTotal   func() float64

	windowMu                  sync.Mutex
	flushOkSamples            [windowSeconds]float64 // per-second deltas, ring-indexed
	flushErrSamples           [windowSeconds]float64
	windowIdx                 int
	lastFlushOk, lastFlushErr float64
	windowPrimed              bool

	httpSrv *http.Server
}

// Counters lets the caller wire in the already-constructed metrics
// counters without this package importing metrics directly — it only
// needs to read their current values for the health JSON body.
type Counters struct {
	PushOK, PushErr   func() float64
	FlushOK, FlushErr func() float64
	PushEventsTotal   func() float64
}

// New builds a Server bound to addr (spec.md §6 default "0.0.0.0:9090").
func New(addr string, r *ring.Ring, durable *store.Store, registerer prometheus.Gatherer, degradeThreshold float64, counters Counters) *Server {
	if degradeThreshold <= 0 {
		degradeThreshold = DefaultDegradeThreshold
	}
	s := &Server{
		addr:             addr,
		ring:             r,
		durable:          durable,
		degradeThreshold: degradeThreshold,
		pushOK:           counters.PushOK,
		pushErr:          counters.PushErr,
		flushOK:          counters.FlushOK,
		flushErr:         counters.FlushErr,
		pushEventsTotal:  counters.PushEventsTotal,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/health", s.handleAPIHealth)
	mux.HandleFunc("/api/batches", s.handleAPIBatches)
	mux.HandleFunc("/api/aggregate", s.handleAPIAggregate)
	mux.HandleFunc("/api/diff", s.handleAPIDiff)
	mux.HandleFunc("/api/export/json", s.handleExportJSON)
	mux.HandleFunc("/api/export/collapsed", s.handleExportCollapsed)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start runs the admin HTTP server in its own goroutine, matching the
// teacher's health manager's fire-and-forget Start(), and starts the
// per-second sampler computeHealth's rolling window reads from.
func (s *Server) Start(ctx context.Context) {
	go func() {
		logger.L().Info("starting admin server", helpers.String("addr", s.addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L().Ctx(ctx).Fatal("admin server failed", helpers.Error(err))
		}
	}()
	go s.runWindowSampler(ctx)
}

// runWindowSampler samples the cumulative flush counters once a second,
// converting them into per-second deltas so computeHealth can sum the
// last windowSeconds samples instead of comparing all-time totals — a
// one-minute rolling window per spec.md §4.K, rather than counters that
// can only grow and would latch "degraded" forever after one bad minute.
func (s *Server) runWindowSampler(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleWindow()
		}
	}
}

func (s *Server) sampleWindow() {
	ok := valueOrZero(s.flushOK)
	errs := valueOrZero(s.flushErr)

	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	if !s.windowPrimed {
		s.lastFlushOk, s.lastFlushErr = ok, errs
		s.windowPrimed = true
		return
	}
	s.flushOkSamples[s.windowIdx] = ok - s.lastFlushOk
	s.flushErrSamples[s.windowIdx] = errs - s.lastFlushErr
	s.lastFlushOk, s.lastFlushErr = ok, errs
	s.windowIdx = (s.windowIdx + 1) % windowSeconds
}

// windowTotals sums the last minute's worth of per-second flush deltas.
func (s *Server) windowTotals() (ok, errs float64) {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	for i := range s.flushOkSamples {
		ok += s.flushOkSamples[i]
		errs += s.flushErrSamples[i]
	}
	return ok, errs
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports 200 when the ring is accepting pushes and the
// durable store is either reachable or disabled (spec.md §6): a disabled
// store is not itself a readiness failure, but a configured, still-enabled
// store whose pending queue has saturated its cap means writes are
// backing up faster than they drain, which is what this probe exists to
// catch.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.ring.Backpressure() && s.ring.Utilization() >= 1.0 {
		http.Error(w, "ring full", http.StatusServiceUnavailable)
		return
	}
	if s.durable != nil && s.durable.Enabled() && s.durable.PendingRows() >= s.durable.PendingCap() {
		http.Error(w, "durable store backlog saturated", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// healthStatus mirrors spec.md §4.K's health JSON body.
type healthStatus struct {
	Status             string  `json:"status"`
	BufferBatches      int     `json:"buffer_batches"`
	BufferUtilization  float64 `json:"buffer_utilization"`
	StorageEnabled     bool    `json:"storage_enabled"`
	PushTotalOk        float64 `json:"push_total_ok"`
	PushTotalError     float64 `json:"push_total_error"`
	PushEventsTotal    float64 `json:"push_events_total"`
	DurableFlushOk     float64 `json:"durable_flush_ok"`
	DurableFlushError  float64 `json:"durable_flush_error"`
	DurablePendingRows int     `json:"durable_pending_rows"`
}

func (s *Server) computeHealth() healthStatus {
	flushOk := valueOrZero(s.flushOK)
	flushErr := valueOrZero(s.flushErr)

	windowOk, windowErr := s.windowTotals()
	status := "healthy"
	if s.ring.Utilization() >= 0.9 || (windowErr-windowOk) > s.degradeThreshold {
		status = "degraded"
	}

	pending := 0
	storageEnabled := s.durable != nil
	if storageEnabled {
		pending = s.durable.PendingRows()
	}

	return healthStatus{
		Status:             status,
		BufferBatches:      s.ring.Len(),
		BufferUtilization:  s.ring.Utilization(),
		StorageEnabled:     storageEnabled,
		PushTotalOk:        valueOrZero(s.pushOK),
		PushTotalError:     valueOrZero(s.pushErr),
		PushEventsTotal:    valueOrZero(s.pushEventsTotal),
		DurableFlushOk:     flushOk,
		DurableFlushError:  flushErr,
		DurablePendingRows: pending,
	}
}

func valueOrZero(f func() float64) float64 {
	if f == nil {
		return 0
	}
	return f()
}

func (s *Server) handleAPIHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.computeHealth())
}

func (s *Server) handleAPIBatches(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ring.Snapshot())
}

func (s *Server) parseAggregateRequest(r *http.Request) aggregate.Request {
	q := r.URL.Query()
	req := aggregate.Request{
		AgentID:   types.AgentId(q.Get("agent_id")),
		EventType: q.Get("event_type"),
	}
	if v, err := strconv.ParseUint(q.Get("time_start_ns"), 10, 64); err == nil {
		req.TimeStartNs = v
	}
	if v, err := strconv.ParseUint(q.Get("time_end_ns"), 10, 64); err == nil {
		req.TimeEndNs = v
	}
	if v, err := strconv.ParseUint(q.Get("limit"), 10, 32); err == nil {
		req.Limit = uint32(v)
	}
	return req
}

// sourceFor selects batches for an aggregate/diff query. spec.md §4.J step
// 1: the durable store is read when it is available, enabled, and the
// query names a real time range; otherwise the in-memory ring.
func (s *Server) sourceFor(ctx context.Context, req aggregate.Request) aggregate.Source {
	if s.durable != nil && s.durable.Enabled() && req.TimeStartNs > 0 && req.TimeEndNs > req.TimeStartNs {
		rows, err := s.durable.QueryRange(ctx, string(req.AgentID), int64(req.TimeStartNs), int64(req.TimeEndNs), 0)
		if err == nil {
			payloads := make([][]byte, 0, len(rows))
			for _, row := range rows {
				payloads = append(payloads, row.Payload)
			}
			return aggregate.Source{Payloads: payloads}
		}
		logger.L().Ctx(ctx).Warning("sourceFor: durable query failed, falling back to ring", helpers.Error(err))
	}
	entries := s.ring.SnapshotRange(req.TimeStartNs, req.TimeEndNs)
	payloads := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if req.AgentID != "" && e.AgentID != req.AgentID {
			continue
		}
		payloads = append(payloads, e.Payload)
	}
	return aggregate.Source{Payloads: payloads}
}

func (s *Server) handleAPIAggregate(w http.ResponseWriter, r *http.Request) {
	req := s.parseAggregateRequest(r)
	res := aggregate.Aggregate(s.sourceFor(r.Context(), req), req)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAPIDiff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eventType := q.Get("event_type")
	limit := parseLimit(q.Get("limit"))

	baseline := s.sourceFor(r.Context(), aggregate.Request{
		TimeStartNs: parseUint(q.Get("baseline_start_ns")),
		TimeEndNs:   parseUint(q.Get("baseline_end_ns")),
	})
	comparison := s.sourceFor(r.Context(), aggregate.Request{
		TimeStartNs: parseUint(q.Get("comparison_start_ns")),
		TimeEndNs:   parseUint(q.Get("comparison_end_ns")),
	})

	diffs := aggregate.Diff(baseline, comparison, eventType, limit)
	writeJSON(w, http.StatusOK, diffs)
}

func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	req := s.parseAggregateRequest(r)
	res := aggregate.Aggregate(s.sourceFor(r.Context(), req), req)
	w.Header().Set("Content-Disposition", `attachment; filename="aggregate.json"`)
	writeJSON(w, http.StatusOK, res)
}

// handleExportCollapsed renders CPU stacks in Brendan Gregg collapsed-stack
// format: "frame1;frame2;...;leaf <count>" per line, root first.
func (s *Server) handleExportCollapsed(w http.ResponseWriter, r *http.Request) {
	req := s.parseAggregateRequest(r)
	req.EventType = "cpu"
	res := aggregate.Aggregate(s.sourceFor(r.Context(), req), req)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="aggregate.collapsed"`)
	w.WriteHeader(http.StatusOK)
	if res.Cpu == nil {
		return
	}
	for _, sc := range res.Cpu.Stacks {
		fmt.Fprintln(w, collapsedLine(sc))
	}
}

func collapsedLine(sc types.StackCount) string {
	symbols := make([]string, len(sc.Stack.Frames))
	// Collapsed-stack format lists root first; our Stack is leaf-first, so
	// reverse the frame order.
	for i, f := range sc.Stack.Frames {
		symbols[len(symbols)-1-i] = f.Symbol()
	}
	return strings.Join(symbols, ";") + " " + strconv.FormatUint(sc.Count, 10)
}

func parseLimit(s string) uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

func parseUint(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
