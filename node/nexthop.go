package node

import (
	"context"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/frobware/go-p4node"
)

// memberWrite programs an action profile member as a single-path
// next-hop.
func (n *Node) memberWrite(ctx context.Context, member *p4v1.ActionProfileMember, typ p4v1.Update_Type) error {
	switch typ {
	case p4v1.Update_INSERT:
		return n.insertMember(ctx, member)
	case p4v1.Update_MODIFY:
		return n.modifyMember(ctx, member)
	case p4v1.Update_DELETE:
		return n.deleteMember(ctx, member)
	default:
		return p4node.Errorf(p4node.CodeInvalidParam, "invalid update type %s for member_id %d", typ, member.GetMemberId())
	}
}

func (n *Node) insertMember(ctx context.Context, member *p4v1.ActionProfileMember) error {
	exists, err := n.tables.ActionProfileMemberExists(ctx, member.GetMemberId())
	if err != nil {
		return err
	}
	if exists {
		return p4node.Errorf(p4node.CodeAlreadyExists,
			"member_id %d already exists on node %d, use MODIFY to change it", member.GetMemberId(), n.nodeID)
	}
	nh, err := n.tables.FillNonMultipathNexthop(ctx, member)
	if err != nil {
		return err
	}
	egress, err := n.l3.FindOrCreateNonMultipathNexthop(ctx, nh)
	if err != nil {
		return err
	}
	if err := n.tables.AddActionProfileMember(ctx, member, nh.Type, egress); err != nil {
		return err
	}
	n.logger.DebugContext(ctx, "member inserted", "member_id", member.GetMemberId(), "egress_intf_id", egress, "nexthop", nh)
	return nil
}

func (n *Node) modifyMember(ctx context.Context, member *p4v1.ActionProfileMember) error {
	info, err := n.tables.GetNonMultipathNexthopInfo(ctx, member.GetMemberId())
	if err != nil {
		return err
	}
	nh, err := n.tables.FillNonMultipathNexthop(ctx, member)
	if err != nil {
		return err
	}
	if nh.Unit != n.unit {
		return p4node.Errorf(p4node.CodeInternal,
			"next-hop of member_id %d is on unit %d, node %d is on unit %d", member.GetMemberId(), nh.Unit, n.nodeID, n.unit)
	}
	if err := n.l3.ModifyNonMultipathNexthop(ctx, info.EgressIntfID, nh); err != nil {
		return err
	}
	if err := n.tables.UpdateActionProfileMember(ctx, member, nh.Type); err != nil {
		return err
	}
	n.logger.DebugContext(ctx, "member modified", "member_id", member.GetMemberId(), "egress_intf_id", info.EgressIntfID, "nexthop", nh)
	return nil
}

func (n *Node) deleteMember(ctx context.Context, member *p4v1.ActionProfileMember) error {
	info, err := n.tables.GetNonMultipathNexthopInfo(ctx, member.GetMemberId())
	if err != nil {
		return err
	}
	if info.GroupRefCount > 0 || info.FlowRefCount > 0 {
		return p4node.Errorf(p4node.CodeInUse,
			"member_id %d is used by %d groups and %d flows on node %d",
			member.GetMemberId(), info.GroupRefCount, info.FlowRefCount, n.nodeID)
	}
	if err := n.l3.DeleteNonMultipathNexthop(ctx, info.EgressIntfID); err != nil {
		return err
	}
	if err := n.tables.DeleteActionProfileMember(ctx, member); err != nil {
		return err
	}
	n.logger.DebugContext(ctx, "member deleted", "member_id", member.GetMemberId(), "egress_intf_id", info.EgressIntfID)
	return nil
}

// groupWrite programs an action profile group as a multipath next-hop.
func (n *Node) groupWrite(ctx context.Context, group *p4v1.ActionProfileGroup, typ p4v1.Update_Type) error {
	switch typ {
	case p4v1.Update_INSERT:
		return n.insertGroup(ctx, group)
	case p4v1.Update_MODIFY:
		return n.modifyGroup(ctx, group)
	case p4v1.Update_DELETE:
		return n.deleteGroup(ctx, group)
	default:
		return p4node.Errorf(p4node.CodeInvalidParam, "invalid update type %s for group_id %d", typ, group.GetGroupId())
	}
}

func (n *Node) insertGroup(ctx context.Context, group *p4v1.ActionProfileGroup) error {
	exists, err := n.tables.ActionProfileGroupExists(ctx, group.GetGroupId())
	if err != nil {
		return err
	}
	if exists {
		return p4node.Errorf(p4node.CodeAlreadyExists,
			"group_id %d already exists on node %d, use MODIFY to change it", group.GetGroupId(), n.nodeID)
	}
	if err := uniqueMembers(group); err != nil {
		return err
	}
	nh, err := n.tables.FillMultipathNexthop(ctx, group)
	if err != nil {
		return err
	}
	egress, err := n.l3.FindOrCreateMultipathNexthop(ctx, nh)
	if err != nil {
		return err
	}
	if err := n.tables.AddActionProfileGroup(ctx, group, egress); err != nil {
		return err
	}
	n.logger.DebugContext(ctx, "group inserted", "group_id", group.GetGroupId(), "egress_intf_id", egress, "members", len(nh.Members))
	return nil
}

func (n *Node) modifyGroup(ctx context.Context, group *p4v1.ActionProfileGroup) error {
	info, err := n.tables.GetMultipathNexthopInfo(ctx, group.GetGroupId())
	if err != nil {
		return err
	}
	if err := uniqueMembers(group); err != nil {
		return err
	}
	nh, err := n.tables.FillMultipathNexthop(ctx, group)
	if err != nil {
		return err
	}
	if nh.Unit != n.unit {
		return p4node.Errorf(p4node.CodeInternal,
			"multipath next-hop of group_id %d is on unit %d, node %d is on unit %d", group.GetGroupId(), nh.Unit, n.nodeID, n.unit)
	}
	if err := n.l3.ModifyMultipathNexthop(ctx, info.EgressIntfID, nh); err != nil {
		return err
	}
	if err := n.tables.UpdateActionProfileGroup(ctx, group); err != nil {
		return err
	}
	n.logger.DebugContext(ctx, "group modified", "group_id", group.GetGroupId(), "egress_intf_id", info.EgressIntfID, "members", len(nh.Members))
	return nil
}

func (n *Node) deleteGroup(ctx context.Context, group *p4v1.ActionProfileGroup) error {
	info, err := n.tables.GetMultipathNexthopInfo(ctx, group.GetGroupId())
	if err != nil {
		return err
	}
	if info.FlowRefCount > 0 {
		return p4node.Errorf(p4node.CodeInUse,
			"group_id %d is used by %d flows on node %d", group.GetGroupId(), info.FlowRefCount, n.nodeID)
	}
	if err := n.l3.DeleteMultipathNexthop(ctx, info.EgressIntfID); err != nil {
		return err
	}
	if err := n.tables.DeleteActionProfileGroup(ctx, group); err != nil {
		return err
	}
	n.logger.DebugContext(ctx, "group deleted", "group_id", group.GetGroupId(), "egress_intf_id", info.EgressIntfID)
	return nil
}

// uniqueMembers rejects a group that lists a member more than once.
// Weighting is expressed through the member weight.
func uniqueMembers(group *p4v1.ActionProfileGroup) error {
	seen := make(map[uint32]bool, len(group.GetMembers()))
	for _, m := range group.GetMembers() {
		if seen[m.GetMemberId()] {
			return p4node.Errorf(p4node.CodeInvalidParam,
				"member_id %d appears more than once in group_id %d", m.GetMemberId(), group.GetGroupId())
		}
		seen[m.GetMemberId()] = true
	}
	return nil
}
