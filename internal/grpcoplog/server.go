// Package grpcoplog exposes a minimal read-only gRPC lookup service
// over a worker's oplog, for operators and tooling that prefer gRPC
// over the HTTP debug surface (internal/debugapi). It registers a
// JSON codec rather than depending on protoc-generated message types,
// since the service is narrow enough not to warrant a .proto schema.
package grpcoplog

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"net"
	"runtime"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/golemrt/durable/internal/authgate"
	"github.com/golemrt/durable/internal/oplog"
)

// Store is the subset of oplog.Store this service needs.
type Store interface {
	Read(ctx context.Context, worker oplog.WorkerID, start oplog.Index, n uint64) ([]oplog.IndexedEntry, error)
	GetPayloadOfEntry(ctx context.Context, worker oplog.WorkerID, entry oplog.Entry) ([]byte, bool, error)
}

// Server implements the OplogDebug gRPC service.
type Server struct {
	store   Store
	decoder oplog.PayloadDecoder
	authKey *ecdsa.PublicKey
	log     *slog.Logger

	grpcServer *grpc.Server
}

var _ oplogDebugServer = (*Server)(nil)

// New builds a grpcoplog server. authKey, if non-nil, requires every
// RPC to present a valid ES256 operator JWT in the "authorization"
// metadata key (see internal/authgate). A nil authKey disables auth,
// which is only appropriate for loopback-only deployments.
func New(store Store, decoder oplog.PayloadDecoder, authKey *ecdsa.PublicKey, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{store: store, decoder: decoder, authKey: authKey, log: log}
	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(recoveryUnary(log), s.authUnary),
	)
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on lis until ctx is canceled, then
// gracefully stops the server.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			s.grpcServer.Stop()
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// LookupOplogEntry resolves a single entry by absolute index, decoding
// its payload (if any and if a decoder is configured) the same way
// internal/debugapi does.
func (s *Server) LookupOplogEntry(ctx context.Context, req *LookupRequest) (*LookupResponse, error) {
	if s.authKey != nil {
		if err := s.checkToken(ctx); err != nil {
			return nil, err
		}
	}

	worker := oplog.WorkerID{Namespace: req.Namespace, ID: req.WorkerID}
	entries, err := s.store.Read(ctx, worker, oplog.Index(req.Index), 1)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "read oplog: %v", err)
	}
	if len(entries) == 0 || uint64(entries[0].Index) != req.Index {
		return &LookupResponse{Found: false}, nil
	}

	entry := entries[0].Entry
	resp := &LookupResponse{
		Found:          true,
		Kind:           entry.Kind.String(),
		FunctionName:   entry.FunctionName,
		IdempotencyKey: string(entry.IdempotencyKey),
		TraceID:        entry.Trace.TraceID,
		HasPayload:     entry.HasPayload,
	}

	if !entry.HasPayload || s.decoder == nil {
		return resp, nil
	}
	payload, ok, err := s.store.GetPayloadOfEntry(ctx, worker, entry)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "resolve payload: %v", err)
	}
	if !ok {
		return resp, nil
	}

	switch entry.Kind {
	case oplog.KindExportedFunctionInvoked:
		if args, err := s.decoder.DecodeInvocationArgs(payload); err == nil {
			resp.InvocationArgs = args
		}
	case oplog.KindExportedFunctionCompleted:
		if result, err := s.decoder.DecodeResult(payload); err == nil {
			resp.Result = result
		}
	}
	return resp, nil
}

func (s *Server) checkToken(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	tokens := md.Get("authorization")
	if len(tokens) == 0 || tokens[0] == "" {
		return status.Error(codes.Unauthenticated, "missing operator token")
	}
	if _, err := authgate.ValidateOperatorToken(s.authKey, tokens[0]); err != nil {
		return status.Error(codes.Unauthenticated, "invalid operator token")
	}
	return nil
}

func (s *Server) authUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if s.authKey != nil {
		if err := s.checkToken(ctx); err != nil {
			return nil, err
		}
	}
	return handler(ctx, req)
}

// recoveryUnary mirrors the teacher's panic-to-status conversion so a
// bug in a handler never takes the whole process down.
func recoveryUnary(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				stack := make([]byte, 16384)
				n := runtime.Stack(stack, false)
				log.Error("grpcoplog: panic in handler", "method", info.FullMethod, "panic", r, "stack", string(stack[:n]))
				err = status.Errorf(codes.Internal, "panic in %s: %v", info.FullMethod, r)
			}
		}()
		return handler(ctx, req)
	}
}
