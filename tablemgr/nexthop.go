package tablemgr

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/proto"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/interpreter"
	"github.com/frobware/go-p4node/interpreter/store"
)

// FillNonMultipathNexthop decodes member's action into a single-path
// next-hop on this unit.
func (m *Manager) FillNonMultipathNexthop(ctx context.Context, member *p4v1.ActionProfileMember) (p4node.NonMultipathNexthop, error) {
	if err := checkMemberIDs(member); err != nil {
		return p4node.NonMultipathNexthop{}, err
	}
	return m.mapper.MapActionProfileMember(ctx, member)
}

// FillMultipathNexthop resolves the members of group to their egress
// interfaces. Members are returned ordered by egress interface id and
// a weight of zero counts as one.
func (m *Manager) FillMultipathNexthop(ctx context.Context, group *p4v1.ActionProfileGroup) (p4node.MultipathNexthop, error) {
	if err := checkGroupIDs(group); err != nil {
		return p4node.MultipathNexthop{}, err
	}
	nh := p4node.MultipathNexthop{Unit: m.unit}
	for _, gm := range group.GetMembers() {
		rec, err := m.store.GetMember(ctx, gm.GetMemberId())
		if err != nil {
			return p4node.MultipathNexthop{}, notFound(err, "unknown member_id %d in group %d", gm.GetMemberId(), group.GetGroupId())
		}
		nh.Members = append(nh.Members, p4node.MultipathMember{
			EgressIntfID: rec.Info.EgressIntfID,
			Weight:       weight(gm),
		})
	}
	slices.SortFunc(nh.Members, func(a, b p4node.MultipathMember) int {
		return cmp.Compare(a.EgressIntfID, b.EgressIntfID)
	})
	return nh, nil
}

// AddActionProfileMember records a new member programmed at
// egressIntfID. The egress interface must not belong to another member.
func (m *Manager) AddActionProfileMember(ctx context.Context, member *p4v1.ActionProfileMember, typ p4node.NexthopType, egressIntfID int32) error {
	if err := checkMemberIDs(member); err != nil {
		return err
	}
	id := member.GetMemberId()
	err := m.store.RunInTransaction(ctx, func(tx interpreter.Store) error {
		if _, err := tx.GetMember(ctx, id); err == nil {
			return p4node.Errorf(p4node.CodeAlreadyExists, "member_id %d already exists", id)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if owner, err := tx.FindMemberByEgressIntf(ctx, egressIntfID); err == nil {
			return p4node.Errorf(p4node.CodeInvalidParam, "egress intf %d is already assigned to member_id %d", egressIntfID, owner.Info.MemberID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.SaveMember(ctx, store.MemberRecord{
			Info: p4node.MemberInfo{
				ActionProfileID: member.GetActionProfileId(),
				MemberID:        id,
				EgressIntfID:    egressIntfID,
				Type:            typ,
			},
			Member: proto.Clone(member).(*p4v1.ActionProfileMember),
		})
	})
	if err != nil {
		return storeErr(err)
	}
	m.logger.DebugContext(ctx, "member added", "member_id", id, "egress_intf_id", egressIntfID, "type", typ)
	return nil
}

// UpdateActionProfileMember replaces the action of an existing member.
// Its egress interface and reference counts are kept.
func (m *Manager) UpdateActionProfileMember(ctx context.Context, member *p4v1.ActionProfileMember, typ p4node.NexthopType) error {
	if err := checkMemberIDs(member); err != nil {
		return err
	}
	id := member.GetMemberId()
	err := m.store.RunInTransaction(ctx, func(tx interpreter.Store) error {
		rec, err := tx.GetMember(ctx, id)
		if err != nil {
			return notFound(err, "unknown member_id %d", id)
		}
		rec.Info.ActionProfileID = member.GetActionProfileId()
		rec.Info.Type = typ
		rec.Member = proto.Clone(member).(*p4v1.ActionProfileMember)
		return tx.SaveMember(ctx, rec)
	})
	if err != nil {
		return storeErr(err)
	}
	m.logger.DebugContext(ctx, "member updated", "member_id", id, "type", typ)
	return nil
}

// DeleteActionProfileMember removes a member that nothing references.
func (m *Manager) DeleteActionProfileMember(ctx context.Context, member *p4v1.ActionProfileMember) error {
	if member.GetMemberId() == 0 {
		return p4node.Errorf(p4node.CodeInvalidParam, "action profile member has no member_id")
	}
	id := member.GetMemberId()
	err := m.store.RunInTransaction(ctx, func(tx interpreter.Store) error {
		rec, err := tx.GetMember(ctx, id)
		if err != nil {
			return notFound(err, "unknown member_id %d", id)
		}
		if rec.Info.GroupRefCount != 0 || rec.Info.FlowRefCount != 0 {
			return p4node.Errorf(p4node.CodeInUse, "member_id %d is in use: group_ref_count=%d flow_ref_count=%d",
				id, rec.Info.GroupRefCount, rec.Info.FlowRefCount)
		}
		return tx.DeleteMember(ctx, id)
	})
	if err != nil {
		return storeErr(err)
	}
	m.logger.DebugContext(ctx, "member deleted", "member_id", id)
	return nil
}

// AddActionProfileGroup records a new group programmed at egressIntfID
// and takes a group reference on each of its members.
func (m *Manager) AddActionProfileGroup(ctx context.Context, group *p4v1.ActionProfileGroup, egressIntfID int32) error {
	if err := checkGroupIDs(group); err != nil {
		return err
	}
	members, err := memberWeights(group)
	if err != nil {
		return err
	}
	id := group.GetGroupId()
	err = m.store.RunInTransaction(ctx, func(tx interpreter.Store) error {
		if _, err := tx.GetGroup(ctx, id); err == nil {
			return p4node.Errorf(p4node.CodeAlreadyExists, "group_id %d already exists", id)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if owner, err := tx.FindGroupByEgressIntf(ctx, egressIntfID); err == nil {
			return p4node.Errorf(p4node.CodeInvalidParam, "egress intf %d is already assigned to group_id %d", egressIntfID, owner.Info.GroupID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		for _, mid := range slices.Sorted(maps.Keys(members)) {
			if err := addGroupRef(ctx, tx, id, mid, 1); err != nil {
				return err
			}
		}
		return tx.SaveGroup(ctx, store.GroupRecord{
			Info: p4node.GroupInfo{
				ActionProfileID: group.GetActionProfileId(),
				GroupID:         id,
				EgressIntfID:    egressIntfID,
				Members:         members,
			},
			Group: proto.Clone(group).(*p4v1.ActionProfileGroup),
		})
	})
	if err != nil {
		return storeErr(err)
	}
	m.logger.DebugContext(ctx, "group added", "group_id", id, "egress_intf_id", egressIntfID, "members", len(members))
	return nil
}

// UpdateActionProfileGroup replaces the membership of an existing
// group. Members that leave lose the group's reference and members
// that join gain it; the egress interface and flow references are kept.
func (m *Manager) UpdateActionProfileGroup(ctx context.Context, group *p4v1.ActionProfileGroup) error {
	if err := checkGroupIDs(group); err != nil {
		return err
	}
	members, err := memberWeights(group)
	if err != nil {
		return err
	}
	id := group.GetGroupId()
	err = m.store.RunInTransaction(ctx, func(tx interpreter.Store) error {
		rec, err := tx.GetGroup(ctx, id)
		if err != nil {
			return notFound(err, "unknown group_id %d", id)
		}
		for _, mid := range slices.Sorted(maps.Keys(rec.Info.Members)) {
			if _, ok := members[mid]; !ok {
				if err := addGroupRef(ctx, tx, id, mid, -1); err != nil {
					return err
				}
			}
		}
		for _, mid := range slices.Sorted(maps.Keys(members)) {
			if _, ok := rec.Info.Members[mid]; !ok {
				if err := addGroupRef(ctx, tx, id, mid, 1); err != nil {
					return err
				}
			}
		}
		rec.Info.ActionProfileID = group.GetActionProfileId()
		rec.Info.Members = members
		rec.Group = proto.Clone(group).(*p4v1.ActionProfileGroup)
		return tx.SaveGroup(ctx, rec)
	})
	if err != nil {
		return storeErr(err)
	}
	m.logger.DebugContext(ctx, "group updated", "group_id", id, "members", len(members))
	return nil
}

// DeleteActionProfileGroup removes a group that no flow references and
// releases the group's reference on each of its members.
func (m *Manager) DeleteActionProfileGroup(ctx context.Context, group *p4v1.ActionProfileGroup) error {
	if group.GetGroupId() == 0 {
		return p4node.Errorf(p4node.CodeInvalidParam, "action profile group has no group_id")
	}
	id := group.GetGroupId()
	err := m.store.RunInTransaction(ctx, func(tx interpreter.Store) error {
		rec, err := tx.GetGroup(ctx, id)
		if err != nil {
			return notFound(err, "unknown group_id %d", id)
		}
		if rec.Info.FlowRefCount != 0 {
			return p4node.Errorf(p4node.CodeInUse, "group_id %d is in use: flow_ref_count=%d", id, rec.Info.FlowRefCount)
		}
		if err := tx.DeleteGroup(ctx, id); err != nil {
			return err
		}
		for _, mid := range slices.Sorted(maps.Keys(rec.Info.Members)) {
			if err := addGroupRef(ctx, tx, id, mid, -1); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeErr(err)
	}
	m.logger.DebugContext(ctx, "group deleted", "group_id", id)
	return nil
}

// ActionProfileMemberExists reports whether memberID is recorded.
func (m *Manager) ActionProfileMemberExists(ctx context.Context, memberID uint32) (bool, error) {
	_, err := m.store.GetMember(ctx, memberID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	}
	return false, storeErr(err)
}

// ActionProfileGroupExists reports whether groupID is recorded.
func (m *Manager) ActionProfileGroupExists(ctx context.Context, groupID uint32) (bool, error) {
	_, err := m.store.GetGroup(ctx, groupID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	}
	return false, storeErr(err)
}

// GetNonMultipathNexthopInfo returns the bookkeeping record of a member.
func (m *Manager) GetNonMultipathNexthopInfo(ctx context.Context, memberID uint32) (p4node.MemberInfo, error) {
	rec, err := m.store.GetMember(ctx, memberID)
	if err != nil {
		return p4node.MemberInfo{}, notFound(err, "unknown member_id %d", memberID)
	}
	return rec.Info, nil
}

// GetMultipathNexthopInfo returns the bookkeeping record of a group.
func (m *Manager) GetMultipathNexthopInfo(ctx context.Context, groupID uint32) (p4node.GroupInfo, error) {
	rec, err := m.store.GetGroup(ctx, groupID)
	if err != nil {
		return p4node.GroupInfo{}, notFound(err, "unknown group_id %d", groupID)
	}
	return rec.Info, nil
}

// GetGroupsForMember returns the ids of the groups that list memberID,
// in ascending order.
func (m *Manager) GetGroupsForMember(ctx context.Context, memberID uint32) ([]uint32, error) {
	if _, err := m.store.GetMember(ctx, memberID); err != nil {
		return nil, notFound(err, "unknown member_id %d", memberID)
	}
	ids, err := m.store.GroupsForMember(ctx, memberID)
	if err != nil {
		return nil, storeErr(err)
	}
	return ids, nil
}

func addGroupRef(ctx context.Context, tx interpreter.Store, groupID, memberID uint32, delta int) error {
	rec, err := tx.GetMember(ctx, memberID)
	if err != nil {
		return notFound(err, "unknown member_id %d in group %d", memberID, groupID)
	}
	if rec.Info.GroupRefCount, err = adjust(rec.Info.GroupRefCount, delta, "member", memberID); err != nil {
		return err
	}
	return tx.SaveMember(ctx, rec)
}

// memberWeights returns the members of group keyed by id. A member id
// may appear only once; weighting is expressed through the weight.
func memberWeights(group *p4v1.ActionProfileGroup) (map[uint32]int32, error) {
	members := make(map[uint32]int32, len(group.GetMembers()))
	for _, gm := range group.GetMembers() {
		if _, ok := members[gm.GetMemberId()]; ok {
			return nil, p4node.Errorf(p4node.CodeInvalidParam, "member_id %d appears more than once in group %d",
				gm.GetMemberId(), group.GetGroupId())
		}
		members[gm.GetMemberId()] = weight(gm)
	}
	return members, nil
}

func weight(gm *p4v1.ActionProfileGroup_Member) int32 {
	if gm.GetWeight() <= 0 {
		return 1
	}
	return gm.GetWeight()
}

func checkMemberIDs(member *p4v1.ActionProfileMember) error {
	if member == nil {
		return p4node.Errorf(p4node.CodeInvalidParam, "nil action profile member")
	}
	if member.GetMemberId() == 0 {
		return p4node.Errorf(p4node.CodeInvalidParam, "action profile member has no member_id")
	}
	if member.GetActionProfileId() == 0 {
		return p4node.Errorf(p4node.CodeInvalidParam, "member_id %d has no action_profile_id", member.GetMemberId())
	}
	return nil
}

func checkGroupIDs(group *p4v1.ActionProfileGroup) error {
	if group == nil {
		return p4node.Errorf(p4node.CodeInvalidParam, "nil action profile group")
	}
	if group.GetGroupId() == 0 {
		return p4node.Errorf(p4node.CodeInvalidParam, "action profile group has no group_id")
	}
	if group.GetActionProfileId() == 0 {
		return p4node.Errorf(p4node.CodeInvalidParam, "group_id %d has no action_profile_id", group.GetGroupId())
	}
	return nil
}
