package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/genproto/googleapis/rpc/code"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/frobware/go-p4node/interpreter"
	"github.com/frobware/go-p4node/metrics"
	"github.com/frobware/go-p4node/node"
)

// session is one controller stream channel.
type session struct {
	id     uuid.UUID
	stream p4v1.P4Runtime_StreamChannelServer

	sendMu sync.Mutex

	// Guarded by device.mu. A nil election id never becomes primary.
	electionID *p4v1.Uint128
	role       *p4v1.Role
}

func (s *session) send(resp *p4v1.StreamMessageResponse) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(resp)
}

// notice is an arbitration response queued for delivery once the
// device lock is released.
type notice struct {
	to   *session
	resp *p4v1.StreamMessageResponse
}

// device is the per-node arbitration and pipeline state.
type device struct {
	id        uint64
	node      *node.Node
	pipelines interpreter.PipelineStore
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	primary  *session
	// staged is a config verified and saved but not yet committed.
	staged *p4v1.ForwardingPipelineConfig
}

func newDevice(id uint64, d Device, logger *slog.Logger) *device {
	return &device{
		id:        id,
		node:      d.Node,
		pipelines: d.Pipelines,
		logger:    logger.With("device_id", id),
		sessions:  map[uuid.UUID]*session{},
	}
}

// compareElection orders election ids by high then low word.
func compareElection(a, b *p4v1.Uint128) int {
	switch {
	case a.GetHigh() > b.GetHigh():
		return 1
	case a.GetHigh() < b.GetHigh():
		return -1
	case a.GetLow() > b.GetLow():
		return 1
	case a.GetLow() < b.GetLow():
		return -1
	}
	return 0
}

func electionString(id *p4v1.Uint128) string {
	if id == nil {
		return "none"
	}
	return fmt.Sprintf("%d:%d", id.GetHigh(), id.GetLow())
}

// arbitrate records the session's election id and re-runs the
// election. Every session is told when the primary changes; otherwise
// only the caller gets a reply.
func (d *device) arbitrate(ctx context.Context, s *session, update *p4v1.MasterArbitrationUpdate) error {
	d.mu.Lock()
	eid := update.GetElectionId()
	if eid != nil {
		for _, other := range d.sessions {
			if other != s && other.electionID != nil && compareElection(other.electionID, eid) == 0 {
				d.mu.Unlock()
				return status.Errorf(codes.InvalidArgument,
					"election id %s is already in use on device %d", electionString(eid), d.id)
			}
		}
	}
	prev := d.primary
	s.electionID = eid
	s.role = update.GetRole()
	d.sessions[s.id] = s
	d.elect()

	var notices []notice
	if d.primary != prev {
		notices = d.noticesLocked()
		d.logger.InfoContext(ctx, "primary elected",
			"session", d.primary.sessionID(), "election_id", electionString(d.primary.electionIDOrNil()))
	} else {
		notices = []notice{{s, d.arbitrationLocked(s)}}
	}
	d.mu.Unlock()

	d.deliver(ctx, notices)
	return nil
}

// remove forgets the session and elects a new primary if it held the
// role.
func (d *device) remove(ctx context.Context, s *session) {
	d.mu.Lock()
	if _, ok := d.sessions[s.id]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.sessions, s.id)
	var notices []notice
	if d.primary == s {
		d.elect()
		notices = d.noticesLocked()
		d.logger.InfoContext(ctx, "primary disconnected", "session", s.id, "new_primary", d.primary.sessionID())
	}
	d.mu.Unlock()

	d.deliver(ctx, notices)
}

// elect makes the session with the highest election id primary.
func (d *device) elect() {
	var best *session
	for _, s := range d.sessions {
		if s.electionID == nil {
			continue
		}
		if best == nil || compareElection(s.electionID, best.electionID) > 0 {
			best = s
		}
	}
	d.primary = best
}

func (d *device) noticesLocked() []notice {
	notices := make([]notice, 0, len(d.sessions))
	for _, s := range d.sessions {
		notices = append(notices, notice{s, d.arbitrationLocked(s)})
	}
	return notices
}

// arbitrationLocked builds the arbitration reply for s. The election id
// is always the primary's.
func (d *device) arbitrationLocked(s *session) *p4v1.StreamMessageResponse {
	arb := &p4v1.MasterArbitrationUpdate{
		DeviceId: d.id,
		Role:     s.role,
	}
	switch {
	case d.primary == nil:
		arb.Status = &rpcstatus.Status{Code: int32(code.Code_NOT_FOUND), Message: "no primary controller"}
	case d.primary == s:
		arb.ElectionId = d.primary.electionID
		arb.Status = &rpcstatus.Status{Code: int32(code.Code_OK), Message: "primary"}
	default:
		arb.ElectionId = d.primary.electionID
		arb.Status = &rpcstatus.Status{Code: int32(code.Code_ALREADY_EXISTS), Message: "backup"}
	}
	return &p4v1.StreamMessageResponse{
		Update: &p4v1.StreamMessageResponse_Arbitration{Arbitration: arb},
	}
}

func (d *device) deliver(ctx context.Context, notices []notice) {
	for _, n := range notices {
		if err := n.to.send(n.resp); err != nil {
			d.logger.WarnContext(ctx, "arbitration notice not delivered", "session", n.to.id, "error", err)
		}
	}
}

// isPrimary reports whether electionID belongs to the current primary.
func (d *device) isPrimary(electionID *p4v1.Uint128) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return electionID != nil && d.primary != nil && compareElection(d.primary.electionID, electionID) == 0
}

func (d *device) isPrimarySession(s *session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.primary == s
}

func (d *device) checkPrimary(electionID *p4v1.Uint128) error {
	if !d.isPrimary(electionID) {
		return status.Errorf(codes.PermissionDenied,
			"election id %s is not the primary on device %d", electionString(electionID), d.id)
	}
	return nil
}

// WritePacketIn forwards a punted packet to the primary stream. Packets
// are dropped while no controller is primary.
func (d *device) WritePacketIn(pkt *p4v1.PacketIn) error {
	d.mu.Lock()
	primary := d.primary
	d.mu.Unlock()

	if primary == nil {
		d.logger.Debug("packet-in dropped, no primary", "bytes", len(pkt.GetPayload()))
		return nil
	}
	metrics.RecordPacketIn(d.id)
	return primary.send(&p4v1.StreamMessageResponse{
		Update: &p4v1.StreamMessageResponse_Packet{Packet: pkt},
	})
}

func (d *device) stage(cfg *p4v1.ForwardingPipelineConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.staged = cfg
}

func (d *device) takeStaged() *p4v1.ForwardingPipelineConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	cfg := d.staged
	d.staged = nil
	return cfg
}

func (s *session) sessionID() string {
	if s == nil {
		return ""
	}
	return s.id.String()
}

func (s *session) electionIDOrNil() *p4v1.Uint128 {
	if s == nil {
		return nil
	}
	return s.electionID
}
