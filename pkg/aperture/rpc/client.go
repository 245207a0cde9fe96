package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Client is a thin typed wrapper over a grpc.ClientConn dialed against
// the aggregator's ingest listener. It exists so agent/push and any
// future CLI collaborator share one call surface instead of each
// constructing grpc.Invoke calls by hand.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an already-dialed connection. Dialing (TLS, keepalive,
// backoff policy) is the caller's concern; Client only knows the method
// names and message types.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Push(ctx context.Context, req *PushRequest, opts ...grpc.CallOption) (*PushResponse, error) {
	out := new(PushResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Push", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Query(ctx context.Context, req *QueryRequest, opts ...grpc.CallOption) (*QueryResponse, error) {
	out := new(QueryResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Query", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) QueryStorage(ctx context.Context, req *QueryStorageRequest, opts ...grpc.CallOption) (*QueryResponse, error) {
	out := new(QueryResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/QueryStorage", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Aggregate(ctx context.Context, req *AggregateRequest, opts ...grpc.CallOption) (*AggregateResponse, error) {
	out := new(AggregateResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Aggregate", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Diff(ctx context.Context, req *DiffRequest, opts ...grpc.CallOption) (*DiffResponse, error) {
	out := new(DiffResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Diff", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
