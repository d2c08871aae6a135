package server

import (
	"context"
	"time"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/grpc"

	"github.com/frobware/go-p4node/metrics"
	"github.com/frobware/go-p4node/node"
)

// unaryInterceptor assigns a monotonic operation id to each request,
// records its duration and logs errors.
func (s *Server) unaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		opID := s.opCounter.Add(1)
		ctx = node.ContextWithOpID(ctx, opID)
		start := time.Now()
		resp, err := handler(ctx, req)
		metrics.RecordRPC(info.FullMethod, grpcCodeOrOK(err), time.Since(start))
		if err != nil {
			s.logger.ErrorContext(ctx, "grpc error", "method", info.FullMethod, "error", err)
		}
		return resp, err
	}
}

// opStream carries the operation id in the stream context.
type opStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (o *opStream) Context() context.Context {
	return o.ctx
}

func (s *Server) streamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		opID := s.opCounter.Add(1)
		ctx := node.ContextWithOpID(ss.Context(), opID)
		start := time.Now()
		err := handler(srv, &opStream{ServerStream: ss, ctx: ctx})
		metrics.RecordRPC(info.FullMethod, grpcCodeOrOK(err), time.Since(start))
		if err != nil {
			s.logger.ErrorContext(ctx, "grpc stream error", "method", info.FullMethod, "error", err)
		}
		return err
	}
}

func grpcCodeOrOK(err error) string {
	if err == nil {
		return "OK"
	}
	return grpcCode(err).String()
}

// ServerOptions returns the interceptors every listener is served with.
func (s *Server) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.UnaryInterceptor(s.unaryInterceptor()),
		grpc.StreamInterceptor(s.streamInterceptor()),
	}
}

// NewGRPCServer creates a gRPC server carrying the P4Runtime service.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	g := grpc.NewServer(append(s.ServerOptions(), opts...)...)
	p4v1.RegisterP4RuntimeServer(g, s)
	return g
}
