// Package ingest implements rpc.Server, the aggregator's side of the
// Push/Query/QueryStorage/Aggregate/Diff wire protocol (spec.md §6). It
// is the glue between the grpc transport and the ring/store/aggregate
// packages: auth check, admission into the ring, a best-effort durable
// copy, and JSON-rendered aggregate/diff results.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hamzzy/Aperture/pkg/aperture/aggregator/aggregate"
	"github.com/hamzzy/Aperture/pkg/aperture/aggregator/ring"
	"github.com/hamzzy/Aperture/pkg/aperture/aggregator/store"
	"github.com/hamzzy/Aperture/pkg/aperture/metrics"
	"github.com/hamzzy/Aperture/pkg/aperture/rpc"
	"github.com/hamzzy/Aperture/pkg/aperture/types"
	"github.com/hamzzy/Aperture/pkg/aperture/wire"
)

// Server implements rpc.Server over an in-memory ring and an optional
// durable store.
type Server struct {
	ring            *ring.Ring
	durable         *store.Store // nil if no durable store is configured
	token           string
	maxPayloadBytes int
	m               *metrics.Metrics

	lastDrops atomic.Uint64 // last ring.Drops() observed, to report BufferDropsTotal as a delta
}

// New builds an ingest Server. durable may be nil, matching the
// aggregator's "ring accepting and durable store reachable-or-disabled"
// health contract (spec.md §4.K). maxPayloadBytes <= 0 disables the
// per-push size check.
func New(r *ring.Ring, durable *store.Store, token string, maxPayloadBytes int, m *metrics.Metrics) *Server {
	return &Server{ring: r, durable: durable, token: token, maxPayloadBytes: maxPayloadBytes, m: m}
}

var _ rpc.Server = (*Server)(nil)

// Push decodes just enough of the payload to count events, admits the
// batch into the ring, and mirrors it into the durable store. A decode
// failure does not reject the push: the opaque payload is still admitted
// into the ring per spec.md §4.B ("unparseable batches count as dropped
// records, never as a rejected push").
func (s *Server) Push(ctx context.Context, req *rpc.PushRequest) (*rpc.PushResponse, error) {
	if err := rpc.CheckAuth(ctx, s.token); err != nil {
		s.m.PushTotal.WithLabelValues("unauthenticated").Inc()
		return nil, err
	}
	if err := rpc.CheckPayloadSize(req.Payload, s.maxPayloadBytes); err != nil {
		s.m.PushTotal.WithLabelValues("invalid_argument").Inc()
		return nil, err
	}

	start := time.Now()
	eventCount := 0
	if batch, err := wire.DecodeBatch(req.Payload); err == nil {
		eventCount = len(batch.Events)
	} else {
		logger.L().Ctx(ctx).Warning("push: undecodable batch payload admitted as-is",
			helpers.String("agentId", req.AgentID), helpers.Error(err))
	}

	receivedAtNs := time.Now().UnixNano()
	entry := ring.Entry{
		ReceivedAtNs: uint64(receivedAtNs),
		AgentID:      types.AgentId(req.AgentID),
		Sequence:     types.Sequence(req.Sequence),
		EventCount:   eventCount,
		Payload:      req.Payload,
	}
	if err := s.ring.Push(entry); err != nil {
		s.m.PushTotal.WithLabelValues("backpressure").Inc()
		s.m.PushDurationSeconds.Observe(time.Since(start).Seconds())
		return nil, status.Error(codes.ResourceExhausted, fmt.Sprintf("ingest: %v", err))
	}

	if s.durable != nil {
		row := store.FromStoredBatch(entry.AgentID, entry.Sequence, receivedAtNs, eventCount, req.Payload)
		if err := s.durable.Enqueue(row); err != nil {
			logger.L().Ctx(ctx).Warning("push: durable enqueue failed", helpers.Error(err))
		}
	}

	s.m.BufferBatches.Set(float64(s.ring.Len()))
	s.m.BufferUtilization.Set(s.ring.Utilization())
	if drops := s.ring.Drops(); drops > 0 {
		if old := s.lastDrops.Swap(drops); drops > old {
			s.m.BufferDropsTotal.Add(float64(drops - old))
		}
	}
	s.m.PushEventsTotal.Add(float64(eventCount))
	s.m.PushTotal.WithLabelValues("ok").Inc()
	s.m.PushDurationSeconds.Observe(time.Since(start).Seconds())

	return &rpc.PushResponse{Accepted: true}, nil
}

// Query lists the most recent ring-buffered batches, optionally filtered
// by agent.
func (s *Server) Query(ctx context.Context, req *rpc.QueryRequest) (*rpc.QueryResponse, error) {
	if err := rpc.CheckAuth(ctx, s.token); err != nil {
		return nil, err
	}
	entries := s.ring.Snapshot()
	return &rpc.QueryResponse{Batches: filterAndRef(entries, req.AgentID, req.Limit)}, nil
}

// QueryStorage lists stored batches within a time range. spec.md §4.J
// step 1: the durable store is read when it is available and a time
// range is given, otherwise the ring.
func (s *Server) QueryStorage(ctx context.Context, req *rpc.QueryStorageRequest) (*rpc.QueryResponse, error) {
	if err := rpc.CheckAuth(ctx, s.token); err != nil {
		return nil, err
	}
	if s.useDurable(req.TimeStartNs, req.TimeEndNs) {
		rows, err := s.durable.QueryRange(ctx, req.AgentID, int64(req.TimeStartNs), int64(req.TimeEndNs), req.Limit)
		if err != nil {
			return nil, fmt.Errorf("ingest: query storage: %w", err)
		}
		return &rpc.QueryResponse{Batches: refsFromRows(rows)}, nil
	}
	entries := s.ring.SnapshotRange(req.TimeStartNs, req.TimeEndNs)
	return &rpc.QueryResponse{Batches: filterAndRef(entries, req.AgentID, req.Limit)}, nil
}

// useDurable implements spec.md §4.J step 1's source-selection rule: the
// durable store wins only when it is configured, enabled, and the caller
// gave a real time range (startNs < endNs); an unbounded query (both
// zero, meaning "whatever's buffered") stays on the ring.
func (s *Server) useDurable(startNs, endNs uint64) bool {
	return s.durable != nil && s.durable.Enabled() && startNs > 0 && endNs > startNs
}

func refsFromRows(rows []store.Row) []rpc.StoredBatchRef {
	refs := make([]rpc.StoredBatchRef, 0, len(rows))
	for _, r := range rows {
		refs = append(refs, rpc.StoredBatchRef{
			AgentID:      r.AgentID,
			Sequence:     r.Sequence,
			ReceivedAtNs: uint64(r.ReceivedAtNs),
			EventCount:   r.EventCount,
			Payload:      r.Payload,
		})
	}
	return refs
}

func filterAndRef(entries []ring.Entry, agentID string, limit uint32) []rpc.StoredBatchRef {
	refs := make([]rpc.StoredBatchRef, 0, len(entries))
	for _, e := range entries {
		if agentID != "" && string(e.AgentID) != agentID {
			continue
		}
		refs = append(refs, rpc.StoredBatchRef{
			AgentID:      string(e.AgentID),
			Sequence:     uint64(e.Sequence),
			ReceivedAtNs: e.ReceivedAtNs,
			EventCount:   uint32(e.EventCount),
			Payload:      e.Payload,
		})
		if limit > 0 && uint32(len(refs)) >= limit {
			break
		}
	}
	return refs
}

// sourceFor resolves the payload set an aggregate/diff query reads from,
// applying the same durable-store-vs-ring selection rule as QueryStorage.
func (s *Server) sourceFor(ctx context.Context, agentID string, startNs, endNs uint64) aggregate.Source {
	if s.useDurable(startNs, endNs) {
		rows, err := s.durable.QueryRange(ctx, agentID, int64(startNs), int64(endNs), 0)
		if err != nil {
			logger.L().Ctx(ctx).Warning("sourceFor: durable query failed, falling back to ring", helpers.Error(err))
		} else {
			payloads := make([][]byte, 0, len(rows))
			for _, r := range rows {
				payloads = append(payloads, r.Payload)
			}
			return aggregate.Source{Payloads: payloads}
		}
	}
	entries := s.ring.SnapshotRange(startNs, endNs)
	payloads := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if agentID != "" && string(e.AgentID) != agentID {
			continue
		}
		payloads = append(payloads, e.Payload)
	}
	return aggregate.Source{Payloads: payloads}
}

// Aggregate runs the merge engine over the payloads sourceFor selects (the
// durable store for a real time range when it is enabled, otherwise the
// ring's entries in that range) and returns the result pre-rendered as JSON (rpc.AggregateResponse mirrors
// the admin HTTP surface's /api/aggregate body).
func (s *Server) Aggregate(ctx context.Context, req *rpc.AggregateRequest) (*rpc.AggregateResponse, error) {
	if err := rpc.CheckAuth(ctx, s.token); err != nil {
		return nil, err
	}
	res := aggregate.Aggregate(s.sourceFor(ctx, req.AgentID, req.TimeStartNs, req.TimeEndNs), aggregate.Request{
		AgentID:     types.AgentId(req.AgentID),
		TimeStartNs: req.TimeStartNs,
		TimeEndNs:   req.TimeEndNs,
		EventType:   req.EventType,
		Limit:       req.Limit,
	})
	body, err := json.Marshal(res)
	if err != nil {
		return &rpc.AggregateResponse{Error: err.Error()}, nil
	}
	return &rpc.AggregateResponse{ResultJSON: body}, nil
}

// Diff outer-joins two independently aggregated windows by stack and
// returns the result pre-rendered as JSON.
func (s *Server) Diff(ctx context.Context, req *rpc.DiffRequest) (*rpc.DiffResponse, error) {
	if err := rpc.CheckAuth(ctx, s.token); err != nil {
		return nil, err
	}
	baseline := s.sourceFor(ctx, req.AgentID, req.BaselineStartNs, req.BaselineEndNs)
	comparison := s.sourceFor(ctx, req.AgentID, req.ComparisonStartNs, req.ComparisonEndNs)
	diffs := aggregate.Diff(baseline, comparison, req.EventType, req.Limit)

	body, err := json.Marshal(diffs)
	if err != nil {
		return &rpc.DiffResponse{Error: err.Error()}, nil
	}
	return &rpc.DiffResponse{ResultJSON: body}, nil
}
