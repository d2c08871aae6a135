package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/genproto/googleapis/rpc/code"
)

// Session is an open stream channel to one device.
type Session struct {
	c          *Client
	deviceID   uint64
	electionID *p4v1.Uint128
	stream     p4v1.P4Runtime_StreamChannelClient
	cancel     context.CancelFunc
	logger     *slog.Logger

	sendMu  sync.Mutex
	primary atomic.Bool
	closing atomic.Bool
	packets chan *p4v1.PacketIn
	errs    chan *p4v1.StreamError
	done    chan struct{}
	err     error
}

// Arbitrate opens a stream channel to deviceID and waits for the
// daemon's arbitration reply. It returns ErrNotPrimary, and closes the
// stream, if another controller holds a higher election id.
func (c *Client) Arbitrate(ctx context.Context, deviceID uint64, electionID *p4v1.Uint128) (*Session, error) {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := c.p4.StreamChannel(sctx)
	if err != nil {
		cancel()
		return nil, translateGRPCError(err)
	}
	s := &Session{
		c:          c,
		deviceID:   deviceID,
		electionID: electionID,
		stream:     stream,
		cancel:     cancel,
		logger:     c.logger.With("device_id", deviceID),
		packets:    make(chan *p4v1.PacketIn, c.packetQueue),
		errs:       make(chan *p4v1.StreamError, 16),
		done:       make(chan struct{}),
	}
	err = stream.Send(&p4v1.StreamMessageRequest{
		Update: &p4v1.StreamMessageRequest_Arbitration{Arbitration: &p4v1.MasterArbitrationUpdate{
			DeviceId:   deviceID,
			ElectionId: electionID,
		}},
	})
	if err != nil {
		cancel()
		return nil, translateGRPCError(err)
	}

	resp, err := stream.Recv()
	if err != nil {
		cancel()
		return nil, translateGRPCError(err)
	}
	arb := resp.GetArbitration()
	if arb == nil {
		cancel()
		return nil, fmt.Errorf("expected arbitration reply, got %T", resp.GetUpdate())
	}
	if code.Code(arb.GetStatus().GetCode()) != code.Code_OK {
		cancel()
		return nil, fmt.Errorf("device %d: %s: %w", deviceID, arb.GetStatus().GetMessage(), ErrNotPrimary)
	}
	s.primary.Store(true)

	go s.receive()
	return s, nil
}

// receive demultiplexes the stream until it ends.
func (s *Session) receive() {
	defer close(s.done)
	defer close(s.packets)
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closing.Load() {
				s.err = translateGRPCError(err)
			}
			s.primary.Store(false)
			return
		}
		switch u := resp.GetUpdate().(type) {
		case *p4v1.StreamMessageResponse_Arbitration:
			primary := code.Code(u.Arbitration.GetStatus().GetCode()) == code.Code_OK
			s.primary.Store(primary)
			s.logger.Debug("arbitration update", "primary", primary)
		case *p4v1.StreamMessageResponse_Packet:
			select {
			case s.packets <- u.Packet:
			default:
				s.logger.Warn("packet-in queue full, packet dropped", "bytes", len(u.Packet.GetPayload()))
			}
		case *p4v1.StreamMessageResponse_Error:
			select {
			case s.errs <- u.Error:
			default:
				s.logger.Warn("stream error dropped", "message", u.Error.GetMessage())
			}
		default:
			s.logger.Debug("ignoring stream message", "type", fmt.Sprintf("%T", u))
		}
	}
}

// Primary reports whether the session is still the primary controller.
func (s *Session) Primary() bool {
	return s.primary.Load()
}

// Packets returns the packet-ins delivered to this session. The channel
// is closed when the stream ends.
func (s *Session) Packets() <-chan *p4v1.PacketIn {
	return s.packets
}

// StreamErrors returns errors the daemon reported on the stream, such
// as rejected packet-outs.
func (s *Session) StreamErrors() <-chan *p4v1.StreamError {
	return s.errs
}

// SendPacket sends a packet-out through the device's CPU port.
func (s *Session) SendPacket(pkt *p4v1.PacketOut) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(&p4v1.StreamMessageRequest{
		Update: &p4v1.StreamMessageRequest_Packet{Packet: pkt},
	})
}

// Write applies updates to the device. A *BatchError reports which
// updates failed.
func (s *Session) Write(ctx context.Context, updates ...*p4v1.Update) error {
	return s.WriteRequest(ctx, &p4v1.WriteRequest{Updates: updates})
}

// WriteRequest sends req after stamping it with the session's device
// and election ids.
func (s *Session) WriteRequest(ctx context.Context, req *p4v1.WriteRequest) error {
	req.DeviceId = s.deviceID
	req.ElectionId = s.electionID
	_, err := s.c.p4.Write(ctx, req)
	return translateGRPCError(err)
}

// SetPipeline runs a pipeline config action on the device.
func (s *Session) SetPipeline(ctx context.Context, action p4v1.SetForwardingPipelineConfigRequest_Action, cfg *p4v1.ForwardingPipelineConfig) error {
	_, err := s.c.p4.SetForwardingPipelineConfig(ctx, &p4v1.SetForwardingPipelineConfigRequest{
		DeviceId:   s.deviceID,
		ElectionId: s.electionID,
		Action:     action,
		Config:     cfg,
	})
	return translateGRPCError(err)
}

// Close ends the stream and waits for the receiver to stop. It returns
// the error that ended the stream, if any.
func (s *Session) Close() error {
	s.closing.Store(true)
	s.sendMu.Lock()
	_ = s.stream.CloseSend()
	s.sendMu.Unlock()
	s.cancel()
	<-s.done
	return s.err
}
