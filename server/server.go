// Package server implements the P4Runtime gRPC service in front of one
// or more nodes. Requests are routed by device id, which is the node id
// pushed with the chassis config.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/interpreter"
	"github.com/frobware/go-p4node/node"
)

// APIVersion is reported by Capabilities.
const APIVersion = "1.5.0"

// Device is a configured node together with the store its committed
// pipeline is saved to.
type Device struct {
	Node      *node.Node
	Pipelines interpreter.PipelineStore
}

// Server implements p4v1.P4RuntimeServer.
type Server struct {
	p4v1.UnimplementedP4RuntimeServer

	devices   map[uint64]*device
	logger    *slog.Logger
	opCounter atomic.Uint64

	// done is closed on shutdown to end open controller streams.
	done     chan struct{}
	doneOnce sync.Once
}

// New returns a server for the given devices. Every node must already
// have a chassis config pushed; its packet-in sink is pointed at the
// device's primary controller stream.
func New(ctx context.Context, devices []Device, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = node.WithOpIDHandler(logger)
	s := &Server{
		devices: make(map[uint64]*device, len(devices)),
		logger:  logger.With("component", "server"),
		done:    make(chan struct{}),
	}
	for _, d := range devices {
		if d.Node == nil || d.Pipelines == nil {
			return nil, fmt.Errorf("device needs a node and a pipeline store")
		}
		if !d.Node.Initialized() {
			return nil, fmt.Errorf("node on unit %d has no chassis config", d.Node.Unit())
		}
		id := d.Node.ID()
		if _, ok := s.devices[id]; ok {
			return nil, fmt.Errorf("duplicate device id %d", id)
		}
		dev := newDevice(id, d, s.logger)
		if err := d.Node.RegisterPacketReceiveWriter(ctx, dev); err != nil {
			return nil, fmt.Errorf("device %d: register packet-in writer: %w", id, err)
		}
		s.devices[id] = dev
	}
	return s, nil
}

// CloseStreams ends every open StreamChannel and makes new ones fail
// with Unavailable. Unary calls are unaffected. Call it before
// grpc.Server.GracefulStop, which otherwise waits for controllers to
// hang up.
func (s *Server) CloseStreams() {
	s.doneOnce.Do(func() { close(s.done) })
}

// DeviceIDs returns the served device ids in ascending order.
func (s *Server) DeviceIDs() []uint64 {
	ids := make([]uint64, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Server) device(id uint64) (*device, error) {
	if d, ok := s.devices[id]; ok {
		return d, nil
	}
	return nil, p4node.Errorf(p4node.CodeNotFound, "unknown device id %d", id)
}
