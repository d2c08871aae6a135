package node

import (
	"context"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/frobware/go-p4node"
)

// tableOp keys the table entry dispatch table.
type tableOp struct {
	typ      p4v1.Update_Type
	category p4node.TableCategory
}

// tableHandler programs one classified table entry.
type tableHandler func(ctx context.Context, fe *p4node.FlowEntry) error

var routeCategories = []p4node.TableCategory{
	p4node.TableIPv4LPM,
	p4node.TableIPv4Host,
	p4node.TableIPv6LPM,
	p4node.TableIPv6Host,
}

// tableHandlers returns the (update type, category) dispatch table.
// Non-ACL handlers record the entry in the bookkeeping store after the
// hardware accepted it; the ACL manager keeps its own records.
func (n *Node) tableHandlers() map[tableOp]tableHandler {
	h := map[tableOp]tableHandler{}
	for _, c := range routeCategories {
		h[tableOp{p4v1.Update_INSERT, c}] = record(n.l3.InsertLpmOrHostFlow, n.tables.AddTableEntry)
		h[tableOp{p4v1.Update_MODIFY, c}] = record(n.l3.ModifyLpmOrHostFlow, n.tables.UpdateTableEntry)
		h[tableOp{p4v1.Update_DELETE, c}] = record(n.l3.DeleteLpmOrHostFlow, n.tables.DeleteTableEntry)
	}
	h[tableOp{p4v1.Update_INSERT, p4node.TableL2Multicast}] = record(n.l2.InsertMulticastGroup, n.tables.AddTableEntry)
	h[tableOp{p4v1.Update_DELETE, p4node.TableL2Multicast}] = record(n.l2.DeleteMulticastGroup, n.tables.DeleteTableEntry)
	h[tableOp{p4v1.Update_INSERT, p4node.TableMyStation}] = record(n.l2.InsertMyStationEntry, n.tables.AddTableEntry)
	h[tableOp{p4v1.Update_DELETE, p4node.TableMyStation}] = record(n.l2.DeleteMyStationEntry, n.tables.DeleteTableEntry)
	h[tableOp{p4v1.Update_INSERT, p4node.TableACL}] = aclHandler(n.acl.InsertTableEntry)
	h[tableOp{p4v1.Update_MODIFY, p4node.TableACL}] = aclHandler(n.acl.ModifyTableEntry)
	h[tableOp{p4v1.Update_DELETE, p4node.TableACL}] = aclHandler(n.acl.DeleteTableEntry)
	return h
}

func record(
	program func(context.Context, *p4node.FlowEntry) error,
	book func(context.Context, *p4v1.TableEntry) error,
) tableHandler {
	return func(ctx context.Context, fe *p4node.FlowEntry) error {
		if err := program(ctx, fe); err != nil {
			return err
		}
		return book(ctx, fe.Entry)
	}
}

func aclHandler(program func(context.Context, *p4v1.TableEntry) error) tableHandler {
	return func(ctx context.Context, fe *p4node.FlowEntry) error {
		return program(ctx, fe.Entry)
	}
}

// tableWrite classifies entry and hands it to the owning manager.
func (n *Node) tableWrite(ctx context.Context, entry *p4v1.TableEntry, typ p4v1.Update_Type) error {
	fe, err := n.tables.FillFlowEntry(ctx, entry, typ)
	if err != nil {
		return err
	}
	h, ok := n.handlers[tableOp{typ, fe.Category}]
	if !ok {
		return p4node.Errorf(p4node.CodeInternal,
			"do not know what to do with a %s of a %s table entry on node %d", typ, fe.Category, n.nodeID)
	}
	if err := h(ctx, fe); err != nil {
		return err
	}
	n.logger.DebugContext(ctx, "table entry written", "type", typ, "category", fe.Category, "table_id", fe.TableID)
	return nil
}
