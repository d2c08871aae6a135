// Package client is a thin P4Runtime client for a p4node daemon.
//
// Use Dial to connect:
//
//	c, err := client.Dial(client.DefaultSocketPath())
//	c, err := client.Dial("localhost:9559")
//
// Reads need no arbitration. Writes and pipeline changes go through a
// Session, which holds the stream channel that makes the client the
// primary controller of one device:
//
//	s, err := c.Arbitrate(ctx, deviceID, &p4v1.Uint128{Low: 1})
//	defer s.Close()
//	err = s.Write(ctx, updates...)
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// ErrNotPrimary is returned by Arbitrate when another controller holds a
// higher election id.
var ErrNotPrimary = errors.New("not the primary controller")

// Client is a connection to a p4node daemon.
type Client struct {
	p4          p4v1.P4RuntimeClient
	conn        *grpc.ClientConn
	logger      *slog.Logger
	packetQueue int
}

// Dial connects to a p4node daemon at the specified address.
// The address can be:
//   - "host:port" for TCP connections
//   - "unix:///path/to/socket" or "/path/to/socket" for Unix sockets
//
// The returned client must be closed when no longer needed.
func Dial(address string, opts ...Option) (*Client, error) {
	o := &dialOptions{
		logger:      discardLogger(),
		packetQueue: 256,
	}
	for _, opt := range opts {
		opt(o)
	}

	target := parseAddress(address)
	grpcOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, o.grpcOptions...)
	conn, err := grpc.NewClient(target, grpcOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	return &Client{
		p4:          p4v1.NewP4RuntimeClient(conn),
		conn:        conn,
		logger:      o.logger.With("component", "client"),
		packetQueue: o.packetQueue,
	}, nil
}

// parseAddress normalises an address for gRPC.
// Handles Unix socket paths (unix:// prefix or absolute paths starting with /)
// and TCP addresses (host:port).
func parseAddress(address string) string {
	if strings.HasPrefix(address, "unix://") {
		return address
	}
	if strings.HasPrefix(address, "/") {
		return "unix://" + address
	}
	return address
}

// Close releases the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Capabilities returns the daemon's P4Runtime API version.
func (c *Client) Capabilities(ctx context.Context) (string, error) {
	resp, err := c.p4.Capabilities(ctx, &p4v1.CapabilitiesRequest{})
	if err != nil {
		return "", translateGRPCError(err)
	}
	return resp.GetP4RuntimeApiVersion(), nil
}

// Read collects every entity streamed for req. On failure the entities
// received so far are returned with the error.
func (c *Client) Read(ctx context.Context, req *p4v1.ReadRequest) ([]*p4v1.Entity, error) {
	stream, err := c.p4.Read(ctx, req)
	if err != nil {
		return nil, translateGRPCError(err)
	}
	var entities []*p4v1.Entity
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return entities, nil
		}
		if err != nil {
			return entities, translateGRPCError(err)
		}
		entities = append(entities, resp.GetEntities()...)
	}
}

// GetPipeline returns the committed pipeline of a device.
func (c *Client) GetPipeline(ctx context.Context, deviceID uint64, rt p4v1.GetForwardingPipelineConfigRequest_ResponseType) (*p4v1.ForwardingPipelineConfig, error) {
	resp, err := c.p4.GetForwardingPipelineConfig(ctx, &p4v1.GetForwardingPipelineConfigRequest{
		DeviceId:     deviceID,
		ResponseType: rt,
	})
	if err != nil {
		return nil, translateGRPCError(err)
	}
	return resp.GetConfig(), nil
}

// BatchError is returned when some updates of a write, or some
// entities of a read, failed. Results holds one entry per item.
type BatchError struct {
	Message string
	Results []*p4v1.Error
}

func (e *BatchError) Error() string {
	failed := 0
	for _, r := range e.Results {
		if codes.Code(r.GetCanonicalCode()) != codes.OK {
			failed++
		}
	}
	return fmt.Sprintf("%s (%d of %d failed)", e.Message, failed, len(e.Results))
}

// Failures returns the index and error of every failed item.
func (e *BatchError) Failures() map[int]*p4v1.Error {
	out := map[int]*p4v1.Error{}
	for i, r := range e.Results {
		if codes.Code(r.GetCanonicalCode()) != codes.OK {
			out[i] = r
		}
	}
	return out
}

// Details returns the p4v1.Error details carried by a gRPC status, or
// nil if there are none.
func Details(err error) []*p4v1.Error {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}
	var out []*p4v1.Error
	for _, d := range st.Details() {
		if e, ok := d.(*p4v1.Error); ok {
			out = append(out, e)
		}
	}
	return out
}

// translateGRPCError turns a status carrying per-item details into a
// *BatchError and leaves other errors as they are.
func translateGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if details := Details(err); len(details) > 0 {
		return &BatchError{Message: st.Message(), Results: details}
	}
	return err
}
