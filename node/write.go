package node

import (
	"context"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"

	"github.com/frobware/go-p4node"
)

// WriteForwardingEntries applies every update of req. The returned
// slice holds one result per update in request order, nil on success.
// The error is CodeAtLeastOneOperFailed when any update failed, or
// describes why the batch could not be attempted at all.
func (n *Node) WriteForwardingEntries(ctx context.Context, req *p4v1.WriteRequest) ([]error, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req == nil {
		return nil, p4node.Errorf(p4node.CodeInvalidParam, "nil write request")
	}
	if req.GetDeviceId() != n.nodeID {
		return nil, p4node.Errorf(p4node.CodeInvalidParam,
			"request device id %d does not match node id %d", req.GetDeviceId(), n.nodeID)
	}
	if !n.initialized {
		return nil, p4node.Errorf(p4node.CodeNotInitialized, "node %d is not initialized", n.nodeID)
	}
	return n.doWrite(ctx, req)
}

// doWrite dispatches every update of req without checking the device
// id. Callers hold n.mu.
func (n *Node) doWrite(ctx context.Context, req *p4v1.WriteRequest) ([]error, error) {
	results := make([]error, len(req.GetUpdates()))
	failed := 0
	for i, u := range req.GetUpdates() {
		results[i] = n.writeEntity(ctx, u)
		if results[i] != nil {
			failed++
			n.logger.DebugContext(ctx, "update failed", "index", i, "type", u.GetType(), "error", results[i])
		}
	}
	if failed > 0 {
		return results, p4node.Errorf(p4node.CodeAtLeastOneOperFailed,
			"%d of %d write operations failed on node %d", failed, len(results), n.nodeID)
	}
	return results, nil
}

func (n *Node) writeEntity(ctx context.Context, u *p4v1.Update) error {
	typ := u.GetType()
	if typ == p4v1.Update_UNSPECIFIED {
		return p4node.Errorf(p4node.CodeInvalidParam, "update type is unspecified: %s", shortString(u))
	}
	switch e := u.GetEntity().GetEntity().(type) {
	case *p4v1.Entity_TableEntry:
		return n.tableWrite(ctx, e.TableEntry, typ)
	case *p4v1.Entity_ActionProfileMember:
		return n.memberWrite(ctx, e.ActionProfileMember, typ)
	case *p4v1.Entity_ActionProfileGroup:
		return n.groupWrite(ctx, e.ActionProfileGroup, typ)
	case *p4v1.Entity_DirectMeterEntry:
		if typ != p4v1.Update_MODIFY {
			return p4node.Errorf(p4node.CodeInvalidParam, "direct meter entries can only be modified: %s", shortString(u))
		}
		return n.acl.UpdateTableEntryMeter(ctx, e.DirectMeterEntry)
	case *p4v1.Entity_ExternEntry:
		return p4node.Errorf(p4node.CodeUnimplemented, "extern entries are not supported")
	case *p4v1.Entity_MeterEntry:
		return p4node.Errorf(p4node.CodeUnimplemented, "meter entries are not supported: %s", shortString(u))
	case *p4v1.Entity_CounterEntry:
		return p4node.Errorf(p4node.CodeUnimplemented, "counter entries are not supported: %s", shortString(u))
	case *p4v1.Entity_DirectCounterEntry:
		return p4node.Errorf(p4node.CodeUnimplemented, "direct counter entries are not supported: %s", shortString(u))
	case nil:
		return p4node.Errorf(p4node.CodeInvalidParam, "empty entity: %s", shortString(u))
	default:
		return p4node.Errorf(p4node.CodeUnimplemented, "unsupported entity type %T: %s", e, shortString(u))
	}
}

// shortString renders m on one line for error messages.
func shortString(m proto.Message) string {
	return prototext.MarshalOptions{}.Format(m)
}
