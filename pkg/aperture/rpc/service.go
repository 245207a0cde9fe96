package rpc

import (
	"context"
	"crypto/subtle"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ErrUnauthenticated supplies the message of the grpc Unauthenticated
// status CheckAuth returns. The status carries only its text and does not
// wrap it, so errors.Is does not match it against that status.
var ErrUnauthenticated = errors.New("rpc: missing or invalid bearer token")

// ErrPayloadTooLarge supplies the message of the grpc InvalidArgument
// status CheckPayloadSize returns; as with ErrUnauthenticated, the status
// does not wrap it. spec.md §4.G classes an oversize payload as a
// Protocol error distinct from transport-level resource exhaustion.
var ErrPayloadTooLarge = errors.New("rpc: payload exceeds the configured maximum")

// CheckPayloadSize returns an InvalidArgument status when payload exceeds
// maxBytes. maxBytes <= 0 disables the check.
func CheckPayloadSize(payload []byte, maxBytes int) error {
	if maxBytes > 0 && len(payload) > maxBytes {
		return status.Error(codes.InvalidArgument, ErrPayloadTooLarge.Error())
	}
	return nil
}

// ServiceName is the grpc service path segment under which all five
// methods are registered.
const ServiceName = "aperture.IngestService"

// Server is implemented by the aggregator's ingest handler. Each method
// mirrors one line of spec.md §6's wire protocol table.
type Server interface {
	Push(context.Context, *PushRequest) (*PushResponse, error)
	Query(context.Context, *QueryRequest) (*QueryResponse, error)
	QueryStorage(context.Context, *QueryStorageRequest) (*QueryResponse, error)
	Aggregate(context.Context, *AggregateRequest) (*AggregateResponse, error)
	Diff(context.Context, *DiffRequest) (*DiffResponse, error)
}

// ServiceDesc is the hand-authored stand-in for what protoc-gen-go-grpc
// would otherwise emit. Handler functions match the exact signature grpc
// expects from generated code, so the rest of the grpc-go runtime
// (interceptors, stats, deadlines, compression) behaves identically to a
// protobuf-generated service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
		{MethodName: "Query", Handler: queryHandler},
		{MethodName: "QueryStorage", Handler: queryStorageHandler},
		{MethodName: "Aggregate", Handler: aggregateHandler},
		{MethodName: "Diff", Handler: diffHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aperture/rpc.proto", // nominal; no .proto file backs this service
}

func pushHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PushRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Push"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Push(ctx, req.(*PushRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func queryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(QueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Query"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Query(ctx, req.(*QueryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func queryStorageHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(QueryStorageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).QueryStorage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/QueryStorage"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).QueryStorage(ctx, req.(*QueryStorageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func aggregateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AggregateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Aggregate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Aggregate"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Aggregate(ctx, req.(*AggregateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func diffHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DiffRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Diff(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Diff"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Diff(ctx, req.(*DiffRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterServer attaches srv to gs under ServiceDesc, the same call a
// generated *_grpc.pb.go's RegisterXServer would make.
func RegisterServer(gs grpc.ServiceRegistrar, srv Server) {
	gs.RegisterService(&ServiceDesc, srv)
}

// CheckAuth compares the incoming context's "authorization" metadata
// against "Bearer <token>" in constant time. An empty token means
// authentication is disabled and every call is accepted. It returns a
// grpc Unauthenticated status error on mismatch, ready to return directly
// from a handler.
func CheckAuth(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, ErrUnauthenticated.Error())
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, ErrUnauthenticated.Error())
	}
	want := "Bearer " + token
	got := values[0]
	// subtle.ConstantTimeCompare requires equal-length inputs; pad with a
	// length check first (length itself is not secret, only content is).
	if len(got) != len(want) || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return status.Error(codes.Unauthenticated, ErrUnauthenticated.Error())
	}
	return nil
}

// WithBearerToken attaches the Authorization metadata frame the push
// client sends on every call when a token is configured.
func WithBearerToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}
