package client

import (
	"io"
	"log/slog"

	"google.golang.org/grpc"

	"github.com/frobware/go-p4node/config"
)

// DefaultSocketPath returns the default Unix socket path for connecting to a p4node daemon.
// This is derived from the default runtime directories.
func DefaultSocketPath() string {
	return config.DefaultRuntimeDirs().SocketPath()
}

// Option configures client behaviour.
type Option func(*dialOptions)

// dialOptions holds configuration for Dial.
type dialOptions struct {
	logger      *slog.Logger
	grpcOptions []grpc.DialOption
	packetQueue int
}

// WithLogger sets the logger for client operations.
// If not specified, a no-op logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(o *dialOptions) { o.logger = l }
}

// WithGRPCOptions appends dial options, for example a custom dialer.
func WithGRPCOptions(opts ...grpc.DialOption) Option {
	return func(o *dialOptions) { o.grpcOptions = append(o.grpcOptions, opts...) }
}

// WithPacketQueue sets how many packet-ins a session buffers before it
// starts dropping them. The default is 256.
func WithPacketQueue(n int) Option {
	return func(o *dialOptions) { o.packetQueue = n }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
