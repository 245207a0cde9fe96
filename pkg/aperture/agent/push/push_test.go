package push

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/hamzzy/Aperture/pkg/aperture/aggregator/ingest"
	"github.com/hamzzy/Aperture/pkg/aperture/aggregator/ring"
	"github.com/hamzzy/Aperture/pkg/aperture/metrics"
	"github.com/hamzzy/Aperture/pkg/aperture/rpc"
	"github.com/hamzzy/Aperture/pkg/aperture/types"
	"github.com/hamzzy/Aperture/pkg/aperture/wire"
)

func TestDropOldestBacklog_DropsOldestOnOverflow(t *testing.T) {
	b := newDropOldestBacklog(2)
	b.push(types.Batch{Sequence: 1})
	b.push(types.Batch{Sequence: 2})
	b.push(types.Batch{Sequence: 3}) // drops sequence 1

	ctx := context.Background()
	first, ok := b.pop(ctx)
	require.True(t, ok)
	assert.Equal(t, types.Sequence(2), first.Sequence)

	second, ok := b.pop(ctx)
	require.True(t, ok)
	assert.Equal(t, types.Sequence(3), second.Sequence)

	assert.Equal(t, uint64(1), b.Drops())
}

func TestDropOldestBacklog_PopBlocksUntilPush(t *testing.T) {
	b := newDropOldestBacklog(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan types.Batch, 1)
	go func() {
		batch, ok := b.pop(ctx)
		if ok {
			done <- batch
		}
	}()

	time.Sleep(10 * time.Millisecond)
	b.push(types.Batch{Sequence: 42})

	select {
	case batch := <-done:
		assert.Equal(t, types.Sequence(42), batch.Sequence)
	case <-time.After(time.Second):
		t.Fatal("pop did not observe pushed batch")
	}
}

func TestDropOldestBacklog_PopReturnsFalseOnCancel(t *testing.T) {
	b := newDropOldestBacklog(4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, ok := b.pop(ctx)
	assert.False(t, ok)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "broken", StateBroken.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, isPermanent(ErrAuthFailed))
	assert.True(t, isPermanent(ErrPayloadTooLarge))
	assert.False(t, isPermanent(context.DeadlineExceeded))
}

// fakeServer implements rpc.Server for in-process tests over bufconn.
type fakeServer struct {
	token      string
	acceptedCh chan *rpc.PushRequest
}

func (s *fakeServer) Push(ctx context.Context, req *rpc.PushRequest) (*rpc.PushResponse, error) {
	if err := rpc.CheckAuth(ctx, s.token); err != nil {
		return nil, err
	}
	s.acceptedCh <- req
	return &rpc.PushResponse{Accepted: true}, nil
}

func (s *fakeServer) Query(context.Context, *rpc.QueryRequest) (*rpc.QueryResponse, error) {
	return &rpc.QueryResponse{}, nil
}

func (s *fakeServer) QueryStorage(context.Context, *rpc.QueryStorageRequest) (*rpc.QueryResponse, error) {
	return &rpc.QueryResponse{}, nil
}

func (s *fakeServer) Aggregate(context.Context, *rpc.AggregateRequest) (*rpc.AggregateResponse, error) {
	return &rpc.AggregateResponse{}, nil
}

func (s *fakeServer) Diff(context.Context, *rpc.DiffRequest) (*rpc.DiffResponse, error) {
	return &rpc.DiffResponse{}, nil
}

func startFakeAggregator(t *testing.T, token string) (*bufconn.Listener, *fakeServer) {
	rpc.RegisterCodec()
	lis := bufconn.Listen(1024 * 1024)
	srv := &fakeServer{token: token, acceptedCh: make(chan *rpc.PushRequest, 8)}
	gs := grpc.NewServer()
	rpc.RegisterServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis, srv
}

func bufconnDialer(t *testing.T, lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestClient_SendWithRetry_AcceptedUpdatesHighestAcked(t *testing.T) {
	lis, srv := startFakeAggregator(t, "")

	c, err := New("bufnet", "", 4, bufconnDialer(t, lis))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	batch := types.Batch{Version: types.ProtocolVersion, AgentID: "agent-1", Sequence: 7}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.sendWithRetry(ctx, batch))
	assert.Equal(t, types.Sequence(7), c.HighestAcked())

	select {
	case req := <-srv.acceptedCh:
		assert.Equal(t, "agent-1", req.AgentID)
		assert.Equal(t, uint64(7), req.Sequence)
	case <-time.After(time.Second):
		t.Fatal("server never observed the push")
	}
}

func TestClient_SendWithRetry_AuthFailureIsPermanent(t *testing.T) {
	lis, _ := startFakeAggregator(t, "secret")

	c, err := New("bufnet", "wrong-token", 4, bufconnDialer(t, lis))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	batch := types.Batch{Version: types.ProtocolVersion, AgentID: "agent-1", Sequence: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = c.sendWithRetry(ctx, batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, StateBroken, c.State())
}

func TestClient_SendWithRetry_CorrectTokenAccepted(t *testing.T) {
	lis, srv := startFakeAggregator(t, "secret")

	c, err := New("bufnet", "secret", 4, bufconnDialer(t, lis))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	batch := types.Batch{Version: types.ProtocolVersion, AgentID: "agent-1", Sequence: 3}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.sendWithRetry(ctx, batch))
	<-srv.acceptedCh
}

// TestClient_SendWithRetry_DecodesThroughRealIngestServer wires a real
// push.Client to a real ingest.Server (not the local fakeServer above), so
// the grpc transport's own "gzip" compression and decompression runs
// end-to-end: the server must see the same bytes wire.EncodeBatch produced,
// not a still-compressed payload that wire.DecodeBatch would reject.
func TestClient_SendWithRetry_DecodesThroughRealIngestServer(t *testing.T) {
	rpc.RegisterCodec()
	lis := bufconn.Listen(1024 * 1024)

	r := ring.New(10, false)
	srv := ingest.New(r, nil, "", 0, metrics.New())
	gs := grpc.NewServer()
	rpc.RegisterServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	c, err := New("bufnet", "", 4, bufconnDialer(t, lis))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	events := []types.ProfileEvent{{
		Kind: types.EventKindCpu,
		Cpu:  &types.CpuSample{Ts: 1},
	}}
	batch := types.Batch{Version: types.ProtocolVersion, AgentID: "agent-1", Sequence: 1, Events: events}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.sendWithRetry(ctx, batch))

	require.Equal(t, 1, r.Len())
	entry := r.Snapshot()[0]
	decoded, err := wire.DecodeBatch(entry.Payload)
	require.NoError(t, err, "ingest.Server must have received the decompressed batch")
	assert.Equal(t, types.AgentId("agent-1"), decoded.AgentID)
	require.Len(t, decoded.Events, 1)
}

func TestClient_Enqueue_DropsOldestOnBacklogOverflow(t *testing.T) {
	lis, _ := startFakeAggregator(t, "")
	c, err := New("bufnet", "", 1, bufconnDialer(t, lis))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.backlog.push(types.Batch{Sequence: 1})
	c.backlog.push(types.Batch{Sequence: 2}) // drops sequence 1

	assert.Equal(t, uint64(1), c.backlog.Drops())
}
