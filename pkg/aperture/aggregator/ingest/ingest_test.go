package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/hamzzy/Aperture/pkg/aperture/aggregator/ring"
	"github.com/hamzzy/Aperture/pkg/aperture/metrics"
	"github.com/hamzzy/Aperture/pkg/aperture/rpc"
	"github.com/hamzzy/Aperture/pkg/aperture/types"
	"github.com/hamzzy/Aperture/pkg/aperture/wire"
)

// testMetrics is constructed once per test binary: promauto registers
// against the global default registry, so a second metrics.New() call in
// this package would panic on duplicate registration.
var testMetrics = metrics.New()

func encodeBatch(t *testing.T, agentID types.AgentId, seq types.Sequence, n int) []byte {
	events := make([]types.ProfileEvent, n)
	for i := range events {
		events[i] = types.ProfileEvent{
			Kind:  types.EventKindCpu,
			Cpu:   &types.CpuSample{Ts: types.Timestamp(i + 1)},
			Stack: types.Stack{Frames: []types.Frame{{Function: "f"}}},
		}
	}
	payload, err := wire.EncodeBatch(types.Batch{Version: types.ProtocolVersion, AgentID: agentID, Sequence: seq, Events: events})
	require.NoError(t, err)
	return payload
}

// Scenario S3: a Push without a valid bearer token is rejected and never
// reaches the ring.
func TestPush_ScenarioS3_RejectsMissingToken(t *testing.T) {
	r := ring.New(10, false)
	s := New(r, nil, "secret-token", 0, testMetrics)

	_, err := s.Push(context.Background(), &rpc.PushRequest{
		AgentID:  "agent-1",
		Sequence: 1,
		Payload:  encodeBatch(t, "agent-1", 1, 3),
	})
	require.Error(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestPush_AcceptsWithCorrectToken(t *testing.T) {
	r := ring.New(10, false)
	s := New(r, nil, "secret-token", 0, testMetrics)

	// Push reads the token from incoming metadata, as the grpc server
	// delivers it; WithBearerToken only sets the client's outgoing side.
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer secret-token"))
	resp, err := s.Push(ctx, &rpc.PushRequest{
		AgentID:  "agent-1",
		Sequence: 1,
		Payload:  encodeBatch(t, "agent-1", 1, 3),
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, 1, r.Len())
}

func TestPush_UndecodableBatchStillAdmitted(t *testing.T) {
	r := ring.New(10, false)
	s := New(r, nil, "", 0, testMetrics)

	resp, err := s.Push(context.Background(), &rpc.PushRequest{
		AgentID:  "agent-1",
		Sequence: 1,
		Payload:  []byte{0xff, 0xff},
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, 1, r.Len())
}

func TestPush_RejectsOversizePayload(t *testing.T) {
	r := ring.New(10, false)
	s := New(r, nil, "", 8, testMetrics)

	_, err := s.Push(context.Background(), &rpc.PushRequest{
		AgentID:  "agent-1",
		Sequence: 1,
		Payload:  []byte("this payload is longer than eight bytes"),
	})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, 0, r.Len())
}

func TestAggregate_ReturnsJSONResult(t *testing.T) {
	r := ring.New(10, false)
	s := New(r, nil, "", 0, testMetrics)

	ctx := context.Background()
	_, err := s.Push(ctx, &rpc.PushRequest{AgentID: "agent-1", Sequence: 1, Payload: encodeBatch(t, "agent-1", 1, 5)})
	require.NoError(t, err)

	resp, err := s.Aggregate(ctx, &rpc.AggregateRequest{EventType: "cpu", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, resp.Error)
	assert.Contains(t, string(resp.ResultJSON), "TotalSamples")
}

func TestQuery_FiltersByAgentAndLimit(t *testing.T) {
	r := ring.New(10, false)
	s := New(r, nil, "", 0, testMetrics)
	ctx := context.Background()

	_, _ = s.Push(ctx, &rpc.PushRequest{AgentID: "a1", Sequence: 1, Payload: encodeBatch(t, "a1", 1, 1)})
	_, _ = s.Push(ctx, &rpc.PushRequest{AgentID: "a2", Sequence: 1, Payload: encodeBatch(t, "a2", 1, 1)})

	resp, err := s.Query(ctx, &rpc.QueryRequest{AgentID: "a1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Batches, 1)
	assert.Equal(t, "a1", resp.Batches[0].AgentID)
}
