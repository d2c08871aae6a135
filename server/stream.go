package server

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/frobware/go-p4node/metrics"
)

// StreamChannel runs one controller session. The first message must be
// an arbitration update naming the device; packet-outs are accepted
// from the primary only. Failed packet-outs are answered with a stream
// error and do not end the session.
func (s *Server) StreamChannel(stream p4v1.P4Runtime_StreamChannelServer) error {
	ctx := stream.Context()
	sess := &session{id: uuid.New(), stream: stream}
	logger := s.logger.With("session", sess.id)

	var dev *device
	defer func() {
		if dev != nil {
			dev.remove(ctx, sess)
		}
		logger.DebugContext(ctx, "stream closed")
	}()

	reqs, recvErr := receive(ctx, stream)
	for {
		var req *p4v1.StreamMessageRequest
		select {
		case <-s.done:
			logger.DebugContext(ctx, "closing stream for shutdown")
			return status.Error(codes.Unavailable, "server is shutting down")
		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case req = <-reqs:
		}

		switch u := req.GetUpdate().(type) {
		case *p4v1.StreamMessageRequest_Arbitration:
			arb := u.Arbitration
			if dev != nil && arb.GetDeviceId() != dev.id {
				return status.Errorf(codes.InvalidArgument,
					"stream is bound to device %d, got arbitration for %d", dev.id, arb.GetDeviceId())
			}
			d, err := s.device(arb.GetDeviceId())
			if err != nil {
				return toStatus(err)
			}
			dev = d
			if err := dev.arbitrate(ctx, sess, arb); err != nil {
				return err
			}
			logger.DebugContext(ctx, "arbitration", "device_id", dev.id, "election_id", electionString(arb.GetElectionId()))

		case *p4v1.StreamMessageRequest_Packet:
			if dev == nil {
				return status.Error(codes.FailedPrecondition, "packet-out before arbitration")
			}
			if err := s.packetOut(ctx, dev, sess, u.Packet); err != nil {
				logger.DebugContext(ctx, "packet-out failed", "error", err)
				if serr := sess.send(packetOutError(u.Packet, err)); serr != nil {
					return serr
				}
			}

		default:
			err := status.Errorf(codes.Unimplemented, "unsupported stream message %T", u)
			if serr := sess.send(streamError(err)); serr != nil {
				return serr
			}
		}
	}
}

// receive reads stream messages in the background so the session loop
// can also watch for shutdown. The reader exits once Recv fails, which
// gRPC guarantees after the handler returns.
func receive(ctx context.Context, stream p4v1.P4Runtime_StreamChannelServer) (<-chan *p4v1.StreamMessageRequest, <-chan error) {
	reqs := make(chan *p4v1.StreamMessageRequest)
	errc := make(chan error, 1)
	go func() {
		for {
			req, err := stream.Recv()
			if err != nil {
				errc <- err
				return
			}
			select {
			case reqs <- req:
			case <-ctx.Done():
				return
			}
		}
	}()
	return reqs, errc
}

func (s *Server) packetOut(ctx context.Context, dev *device, sess *session, pkt *p4v1.PacketOut) error {
	if !dev.isPrimarySession(sess) {
		return status.Errorf(codes.PermissionDenied, "packet-out from a backup controller on device %d", dev.id)
	}
	if err := dev.node.TransmitPacket(ctx, pkt); err != nil {
		return err
	}
	metrics.RecordPacketOut(dev.id)
	return nil
}

func streamError(err error) *p4v1.StreamMessageResponse {
	return &p4v1.StreamMessageResponse{
		Update: &p4v1.StreamMessageResponse_Error{Error: &p4v1.StreamError{
			CanonicalCode: int32(grpcCode(err)),
			Message:       err.Error(),
		}},
	}
}

func packetOutError(pkt *p4v1.PacketOut, err error) *p4v1.StreamMessageResponse {
	resp := streamError(err)
	resp.GetError().Details = &p4v1.StreamError_PacketOut{
		PacketOut: &p4v1.PacketOutError{PacketOut: pkt},
	}
	return resp
}
