package grpcoplog

import (
	"context"

	"google.golang.org/grpc"

	"github.com/golemrt/durable/internal/oplog"
)

// LookupRequest asks for a single oplog entry by absolute index.
type LookupRequest struct {
	Namespace string
	WorkerID  string
	Index     uint64
}

// LookupResponse carries the resolved entry, or Found=false if the
// worker's log doesn't reach that index.
type LookupResponse struct {
	Found          bool
	Kind           string
	FunctionName   string
	IdempotencyKey string
	TraceID        string
	HasPayload     bool
	InvocationArgs []oplog.Value       `json:",omitempty"`
	Result         *oplog.ValueAndType `json:",omitempty"`
}

// oplogDebugServer is the interface grpc.ServiceDesc's HandlerType
// checks against at RegisterService time — the hand-rolled equivalent
// of a protoc-generated *Server interface.
type oplogDebugServer interface {
	LookupOplogEntry(context.Context, *LookupRequest) (*LookupResponse, error)
}

const serviceName = "golem.debug.v1.OplogDebug"

// serviceDesc is the hand-written ServiceDesc a protoc-generated
// RegisterOplogDebugServer would normally provide. Method dispatch
// works the same way regardless of wire format; only the codec
// (jsonCodec, registered in codec.go) differs from the protobuf
// default.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*oplogDebugServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "LookupOplogEntry",
			Handler:    lookupOplogEntryHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "golem/debug/v1/oplog_debug.proto",
}

func lookupOplogEntryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LookupRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(oplogDebugServer).LookupOplogEntry(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + serviceName + "/LookupOplogEntry",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(oplogDebugServer).LookupOplogEntry(ctx, req.(*LookupRequest))
	}
	return interceptor(ctx, in, info, handler)
}
