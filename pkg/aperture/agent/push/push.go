// Package push is the agent's sequence-numbered batch sender, grounded
// on ALEYI17-InfraSight_gpu/internal/grpc/grpc_client.go's dial-and-send
// shape and the teacher's cenkalti/backoff/v4 retry idiom (e.g.
// pkg/networkmanager/v1/network_manager.go's backoff.Retry use), per
// spec.md §4.F.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/status"

	"github.com/hamzzy/Aperture/pkg/aperture/agent/collector"
	"github.com/hamzzy/Aperture/pkg/aperture/rpc"
	"github.com/hamzzy/Aperture/pkg/aperture/types"
	"github.com/hamzzy/Aperture/pkg/aperture/wire"
)

// State is the push client's connection state machine, per spec.md §4.F:
// Idle -> Connecting -> Ready -> {Sending <-> Ready} -> Broken -> Reconnecting.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateSending
	StateBroken
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	case StateBroken:
		return "broken"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// DefaultBacklogCapacity is the bounded FIFO's size (spec.md §4.F).
const DefaultBacklogCapacity = 64

// MaxPayloadBytes bounds a single batch's encoded size; batches larger
// than this are dropped rather than retried forever.
const MaxPayloadBytes = 8 << 20

// ErrAuthFailed is a permanent (non-retriable) failure.
var ErrAuthFailed = errors.New("push: authentication rejected")

// ErrPayloadTooLarge is a permanent (non-retriable) failure.
var ErrPayloadTooLarge = errors.New("push: payload exceeds MaxPayloadBytes")

// Client sends sealed batches to the aggregator's ingest endpoint with
// unbounded exponential-backoff retry for connection errors and a
// drop-oldest bounded backlog so a slow or unreachable aggregator never
// blocks the collector for long.
type Client struct {
	mu    sync.Mutex
	state State

	conn   *grpc.ClientConn
	client *rpc.Client
	token  string

	backlog *dropOldestBacklog

	highestAcked types.Sequence
}

// New dials addr and returns a Client in StateReady; the caller
// should start Run in a goroutine to begin draining the backlog.
func New(addr, token string, backlogCapacity int, dialOpts ...grpc.DialOption) (*Client, error) {
	rpc.RegisterCodec() // idempotent; installs the BinaryMessage codec as "proto"

	if backlogCapacity <= 0 {
		backlogCapacity = DefaultBacklogCapacity
	}

	c := &Client{
		state:   StateConnecting,
		token:   token,
		backlog: newDropOldestBacklog(backlogCapacity),
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxPayloadBytes),
			grpc.MaxCallSendMsgSize(MaxPayloadBytes),
		),
	}, dialOpts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		c.setState(StateBroken)
		return nil, fmt.Errorf("push: dial %s: %w", addr, err)
	}
	c.conn = conn
	c.client = rpc.NewClient(conn)
	c.setState(StateReady)
	return c, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// HighestAcked returns the highest sequence number the aggregator has
// accepted so far; on reconnection the caller resumes from the backlog's
// next pending batch rather than renumbering (spec.md §4.F).
func (c *Client) HighestAcked() types.Sequence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highestAcked
}

// Enqueue hands a sealed batch to the backlog. Never blocks: on overflow
// the oldest pending batch is dropped.
func (c *Client) Enqueue(sb collector.SealedBatch) {
	c.backlog.push(sb.Batch)
}

// Drops returns the cumulative count of batches dropped by backlog
// overflow, for the agent main loop's periodic logging.
func (c *Client) Drops() uint64 {
	return c.backlog.Drops()
}

// Run drains the backlog until ctx is cancelled, sending each batch with
// retry. It should be started in its own goroutine — spec.md §4.F's
// "single sender task".
func (c *Client) Run(ctx context.Context) {
	for {
		batch, ok := c.backlog.pop(ctx)
		if !ok {
			return // ctx cancelled
		}
		if err := c.sendWithRetry(ctx, batch); err != nil && ctx.Err() == nil {
			// A permanent failure (auth, oversize) or an encode error drops
			// this batch. The drop is not counted: Drops() counts only
			// backlog overflow.
			continue
		}
	}
}

// sendWithRetry sends batch until it succeeds, the context is cancelled,
// or a permanent failure (auth, oversize) is hit. Connection errors retry
// with unbounded exponential backoff (base 100ms, cap 5s); auth and
// oversize failures are not retried at all.
func (c *Client) sendWithRetry(ctx context.Context, batch types.Batch) error {
	payload, err := wire.EncodeBatch(batch)
	if err != nil {
		return fmt.Errorf("push: encode batch: %w", err)
	}
	if len(payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // unbounded retries for connection errors

	operation := func() error {
		c.setState(StateSending)
		err := c.sendOnce(ctx, batch, payload)
		if err == nil {
			c.setState(StateReady)
			return nil
		}
		if isPermanent(err) {
			c.setState(StateBroken)
			return backoff.Permanent(err)
		}
		c.setState(StateReconnecting)
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// sendOnce sends payload as a single grpc message, compressed with grpc's
// own "gzip" compressor (registered process-wide by the rpc package's blank
// import of google.golang.org/grpc/encoding/gzip) via the UseCompressor
// call option, rather than pre-compressing the Payload field by hand: the
// aggregator decompresses transparently on receipt, with no ingest-side
// decompression code needed.
func (c *Client) sendOnce(ctx context.Context, batch types.Batch, payload []byte) error {
	callCtx := rpc.WithBearerToken(ctx, c.token)
	resp, err := c.client.Push(callCtx, &rpc.PushRequest{
		AgentID:  string(batch.AgentID),
		Sequence: uint64(batch.Sequence),
		Payload:  payload,
	}, grpc.UseCompressor(gzip.Name))
	if err != nil {
		st, ok := status.FromError(err)
		if ok && st.Code() == codes.Unauthenticated {
			return fmt.Errorf("%w: %s", ErrAuthFailed, st.Message())
		}
		return err
	}
	if !resp.Accepted {
		return fmt.Errorf("push: aggregator rejected sequence %d", batch.Sequence)
	}

	c.mu.Lock()
	if batch.Sequence > c.highestAcked {
		c.highestAcked = batch.Sequence
	}
	c.mu.Unlock()
	return nil
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrPayloadTooLarge)
}

// dropOldestBacklog is the bounded FIFO backing the push client's
// backlog: push never blocks, dropping the oldest entry on overflow; pop
// blocks until an item is available or ctx is cancelled.
type dropOldestBacklog struct {
	mu     sync.Mutex
	items  []types.Batch
	cap    int
	drops  uint64
	notify chan struct{}
}

func newDropOldestBacklog(capacity int) *dropOldestBacklog {
	return &dropOldestBacklog{cap: capacity, notify: make(chan struct{}, 1)}
}

func (b *dropOldestBacklog) push(batch types.Batch) {
	b.mu.Lock()
	if len(b.items) >= b.cap {
		b.items = b.items[1:]
		b.drops++
	}
	b.items = append(b.items, batch)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *dropOldestBacklog) pop(ctx context.Context) (types.Batch, bool) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			batch := b.items[0]
			b.items = b.items[1:]
			b.mu.Unlock()
			return batch, true
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.Batch{}, false
		case <-b.notify:
		}
	}
}

// Drops returns the cumulative count of batches dropped by backlog
// overflow.
func (b *dropOldestBacklog) Drops() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drops
}
