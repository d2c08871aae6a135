package server

import (
	"context"
	"errors"
	"fmt"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/frobware/go-p4node/interpreter/store"
	"github.com/frobware/go-p4node/metrics"
)

// entityKind names the entity of an update for metrics and logs.
func entityKind(e *p4v1.Entity) string {
	switch e.GetEntity().(type) {
	case *p4v1.Entity_TableEntry:
		return "table_entry"
	case *p4v1.Entity_ActionProfileMember:
		return "action_profile_member"
	case *p4v1.Entity_ActionProfileGroup:
		return "action_profile_group"
	case *p4v1.Entity_PacketReplicationEngineEntry:
		return "packet_replication_engine_entry"
	case *p4v1.Entity_DirectCounterEntry:
		return "direct_counter_entry"
	case *p4v1.Entity_DirectMeterEntry:
		return "direct_meter_entry"
	case *p4v1.Entity_MeterEntry:
		return "meter_entry"
	case *p4v1.Entity_CounterEntry:
		return "counter_entry"
	case *p4v1.Entity_ExternEntry:
		return "extern_entry"
	case *p4v1.Entity_RegisterEntry:
		return "register_entry"
	case *p4v1.Entity_ValueSetEntry:
		return "value_set_entry"
	case *p4v1.Entity_DigestEntry:
		return "digest_entry"
	case nil:
		return "empty"
	default:
		return "unknown"
	}
}

// Write applies a batch of updates. Only the primary controller may
// write. When any update fails the status carries one p4v1.Error per
// update in request order.
func (s *Server) Write(ctx context.Context, req *p4v1.WriteRequest) (*p4v1.WriteResponse, error) {
	dev, err := s.device(req.GetDeviceId())
	if err != nil {
		return nil, toStatus(err)
	}
	if err := dev.checkPrimary(req.GetElectionId()); err != nil {
		return nil, err
	}
	if req.GetAtomicity() != p4v1.WriteRequest_CONTINUE_ON_ERROR {
		return nil, status.Errorf(codes.Unimplemented, "atomicity %s is not supported", req.GetAtomicity())
	}

	results, err := dev.node.WriteForwardingEntries(ctx, req)
	for i, u := range req.GetUpdates() {
		if i < len(results) {
			metrics.RecordWriteUpdate(dev.id, entityKind(u.GetEntity()), u.GetType().String(), results[i])
		}
	}
	if err == nil {
		return &p4v1.WriteResponse{}, nil
	}
	if len(results) == 0 {
		return nil, toStatus(err)
	}
	s.logger.DebugContext(ctx, "write batch failed", "device_id", dev.id, "updates", len(results), "error", err)
	return nil, detailedStatus(err, results)
}

// readStream adapts the Read server stream to the node's response
// writer.
type readStream struct {
	stream p4v1.P4Runtime_ReadServer
}

func (w readStream) Write(resp *p4v1.ReadResponse) error {
	return w.stream.Send(resp)
}

// Read streams the requested entities. Entities the node cannot serve
// are reported after the data as an UNKNOWN status with one p4v1.Error
// per unserved entity.
func (s *Server) Read(req *p4v1.ReadRequest, stream p4v1.P4Runtime_ReadServer) error {
	ctx := stream.Context()
	dev, err := s.device(req.GetDeviceId())
	if err != nil {
		return toStatus(err)
	}
	details, err := dev.node.ReadForwardingEntries(ctx, req, readStream{stream})
	metrics.RecordRead(dev.id, err)
	if err != nil {
		return toStatus(err)
	}
	if len(details) > 0 {
		return detailedStatus(fmt.Errorf("%d of %d entities could not be read", len(details), len(req.GetEntities())), details)
	}
	return nil
}

// SetForwardingPipelineConfig verifies, stages or commits a pipeline.
// A committed pipeline is saved so it can be read back and restored on
// restart.
func (s *Server) SetForwardingPipelineConfig(ctx context.Context, req *p4v1.SetForwardingPipelineConfigRequest) (*p4v1.SetForwardingPipelineConfigResponse, error) {
	dev, err := s.device(req.GetDeviceId())
	if err != nil {
		return nil, toStatus(err)
	}
	if err := dev.checkPrimary(req.GetElectionId()); err != nil {
		return nil, err
	}

	cfg := req.GetConfig()
	switch req.GetAction() {
	case p4v1.SetForwardingPipelineConfigRequest_VERIFY:
		err = dev.node.VerifyForwardingPipelineConfig(ctx, cfg)
	case p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_SAVE:
		if err = dev.node.VerifyForwardingPipelineConfig(ctx, cfg); err == nil {
			dev.stage(cfg)
		}
	case p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT,
		p4v1.SetForwardingPipelineConfigRequest_RECONCILE_AND_COMMIT:
		err = s.commit(ctx, dev, cfg)
	case p4v1.SetForwardingPipelineConfigRequest_COMMIT:
		staged := dev.takeStaged()
		if staged == nil {
			return nil, status.Errorf(codes.FailedPrecondition, "no saved pipeline config to commit on device %d", dev.id)
		}
		err = s.commit(ctx, dev, staged)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unsupported pipeline config action %s", req.GetAction())
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &p4v1.SetForwardingPipelineConfigResponse{}, nil
}

func (s *Server) commit(ctx context.Context, dev *device, cfg *p4v1.ForwardingPipelineConfig) error {
	err := dev.node.PushForwardingPipelineConfig(ctx, cfg)
	metrics.RecordPipelinePush(dev.id, err)
	if err != nil {
		return err
	}
	if err := dev.pipelines.SavePipeline(ctx, cfg); err != nil {
		return fmt.Errorf("save pipeline for device %d: %w", dev.id, err)
	}
	s.logger.InfoContext(ctx, "pipeline committed", "device_id", dev.id, "cookie", cfg.GetCookie().GetCookie())
	return nil
}

// GetForwardingPipelineConfig returns the last committed pipeline,
// trimmed to the requested parts.
func (s *Server) GetForwardingPipelineConfig(ctx context.Context, req *p4v1.GetForwardingPipelineConfigRequest) (*p4v1.GetForwardingPipelineConfigResponse, error) {
	dev, err := s.device(req.GetDeviceId())
	if err != nil {
		return nil, toStatus(err)
	}
	cfg, err := dev.pipelines.GetPipeline(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, status.Errorf(codes.FailedPrecondition, "no pipeline config committed on device %d", dev.id)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "load pipeline for device %d: %v", dev.id, err)
	}

	out := &p4v1.ForwardingPipelineConfig{Cookie: cfg.GetCookie()}
	switch req.GetResponseType() {
	case p4v1.GetForwardingPipelineConfigRequest_ALL:
		out = cfg
	case p4v1.GetForwardingPipelineConfigRequest_COOKIE_ONLY:
	case p4v1.GetForwardingPipelineConfigRequest_P4INFO_AND_COOKIE:
		out.P4Info = cfg.GetP4Info()
	case p4v1.GetForwardingPipelineConfigRequest_DEVICE_CONFIG_AND_COOKIE:
		out.P4DeviceConfig = cfg.GetP4DeviceConfig()
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unsupported response type %s", req.GetResponseType())
	}
	return &p4v1.GetForwardingPipelineConfigResponse{Config: out}, nil
}

// Capabilities reports the P4Runtime API version.
func (s *Server) Capabilities(context.Context, *p4v1.CapabilitiesRequest) (*p4v1.CapabilitiesResponse, error) {
	return &p4v1.CapabilitiesResponse{P4RuntimeApiVersion: APIVersion}, nil
}
