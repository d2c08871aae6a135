package node

import (
	"context"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/interpreter"
)

// readSelection is what the first pass over a read request asks for.
// An id of 0 in either set selects everything.
type readSelection struct {
	tableIDs   map[uint32]bool
	profileIDs map[uint32]bool
	tables     bool
	members    bool
	groups     bool
}

// ReadForwardingEntries streams the requested entities to w. Entities
// that cannot be served are reported in the returned details without
// failing the read, except extern entries, which abort it. Responses
// come in the order direct counters, table entries, members, groups.
func (n *Node) ReadForwardingEntries(ctx context.Context, req *p4v1.ReadRequest, w interpreter.ReadResponseWriter) ([]error, error) {
	if w == nil {
		return nil, p4node.Errorf(p4node.CodeInvalidParam, "nil read response writer")
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	if req == nil {
		return nil, p4node.Errorf(p4node.CodeInvalidParam, "nil read request")
	}
	if req.GetDeviceId() != n.nodeID {
		return nil, p4node.Errorf(p4node.CodeInvalidParam,
			"request device id %d does not match node id %d", req.GetDeviceId(), n.nodeID)
	}
	if !n.initialized {
		return nil, p4node.Errorf(p4node.CodeNotInitialized, "node %d is not initialized", n.nodeID)
	}

	sel := readSelection{tableIDs: map[uint32]bool{}, profileIDs: map[uint32]bool{}}
	var details []error
	for _, entity := range req.GetEntities() {
		switch e := entity.GetEntity().(type) {
		case *p4v1.Entity_ExternEntry:
			return details, p4node.Errorf(p4node.CodeUnimplemented, "extern entries are not supported")
		case *p4v1.Entity_TableEntry:
			sel.tableIDs[e.TableEntry.GetTableId()] = true
			sel.tables = true
		case *p4v1.Entity_ActionProfileMember:
			sel.profileIDs[e.ActionProfileMember.GetActionProfileId()] = true
			sel.members = true
		case *p4v1.Entity_ActionProfileGroup:
			sel.profileIDs[e.ActionProfileGroup.GetActionProfileId()] = true
			sel.groups = true
		case *p4v1.Entity_DirectCounterEntry:
			if err := n.readDirectCounter(ctx, e.DirectCounterEntry, w); err != nil {
				return details, err
			}
		case *p4v1.Entity_MeterEntry:
			details = append(details, p4node.Errorf(p4node.CodeUnimplemented, "meter entries are not supported: %s", shortString(entity)))
		case *p4v1.Entity_DirectMeterEntry:
			details = append(details, p4node.Errorf(p4node.CodeUnimplemented, "direct meter entries are not supported: %s", shortString(entity)))
		case *p4v1.Entity_CounterEntry:
			details = append(details, p4node.Errorf(p4node.CodeUnimplemented, "counter entries are not supported: %s", shortString(entity)))
		case nil:
			details = append(details, p4node.Errorf(p4node.CodeInvalidParam, "empty entity: %s", shortString(entity)))
		default:
			details = append(details, p4node.Errorf(p4node.CodeUnimplemented, "unsupported entity type %T: %s", e, shortString(entity)))
		}
	}
	if sel.tableIDs[0] {
		clear(sel.tableIDs)
	}
	if sel.profileIDs[0] {
		clear(sel.profileIDs)
	}

	if sel.tables {
		if err := n.readTableEntries(ctx, sel.tableIDs, w); err != nil {
			return details, err
		}
	}
	if sel.members {
		if err := n.tables.ReadActionProfileMembers(ctx, sel.profileIDs, w); err != nil {
			return details, err
		}
	}
	if sel.groups {
		if err := n.tables.ReadActionProfileGroups(ctx, sel.profileIDs, w); err != nil {
			return details, err
		}
	}
	n.logger.DebugContext(ctx, "read served", "entities", len(req.GetEntities()), "details", len(details))
	return details, nil
}

// readTableEntries sends the recorded entries of the selected tables in
// one response, with live counters on the ACL entries.
func (n *Node) readTableEntries(ctx context.Context, tableIDs map[uint32]bool, w interpreter.ReadResponseWriter) error {
	resp, acl, err := n.tables.ReadTableEntries(ctx, tableIDs)
	if err != nil {
		return err
	}
	for _, te := range acl {
		stats, err := n.acl.GetTableEntryStats(ctx, te)
		if err != nil {
			return err
		}
		te.CounterData = stats
	}
	if err := w.Write(resp); err != nil {
		return p4node.Wrap(p4node.CodeInternal, err, "write to stream failed for node %d", n.nodeID)
	}
	return nil
}

// readDirectCounter answers a direct counter request from the ACL
// manager's live statistics.
func (n *Node) readDirectCounter(ctx context.Context, dc *p4v1.DirectCounterEntry, w interpreter.ReadResponseWriter) error {
	stats, err := n.acl.GetTableEntryStats(ctx, dc.GetTableEntry())
	if err != nil {
		return err
	}
	resp := &p4v1.ReadResponse{Entities: []*p4v1.Entity{{
		Entity: &p4v1.Entity_DirectCounterEntry{DirectCounterEntry: &p4v1.DirectCounterEntry{
			TableEntry: dc.GetTableEntry(),
			Data:       stats,
		}},
	}}}
	if err := w.Write(resp); err != nil {
		return p4node.Wrap(p4node.CodeInternal, err, "write to stream failed for node %d", n.nodeID)
	}
	return nil
}
