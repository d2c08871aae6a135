package tablemap

import (
	"context"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/frobware/go-p4node"
)

// MapFlowEntry classifies entry onto its hardware table and decodes its
// match fields and action. DELETE does not need an action.
func (m *Mapper) MapFlowEntry(_ context.Context, entry *p4v1.TableEntry, typ p4v1.Update_Type) (*p4node.FlowEntry, error) {
	if m.tables == nil {
		return nil, p4node.Errorf(p4node.CodeNotInitialized, "no forwarding pipeline installed on unit %d", m.unit)
	}
	if entry == nil {
		return nil, p4node.Errorf(p4node.CodeInvalidParam, "nil table entry")
	}
	if entry.GetTableId() == 0 {
		return nil, p4node.Errorf(p4node.CodeInvalidParam, "table entry has no table id")
	}
	t, ok := m.tables[entry.GetTableId()]
	if !ok {
		return nil, p4node.Errorf(p4node.CodeInvalidParam, "unknown table id %d", entry.GetTableId())
	}
	if t.Static && !m.staticUpdates {
		return nil, p4node.Errorf(p4node.CodeInvalidParam, "table %s is static and cannot be written", t)
	}

	fe := &p4node.FlowEntry{
		Unit:     m.unit,
		Category: t.Category,
		TableID:  t.ID,
		Priority: entry.GetPriority(),
		Entry:    entry,
	}
	var err error
	if fe.Fields, err = decodeFields(t, entry.GetMatch()); err != nil {
		return nil, err
	}
	if entry.GetAction() == nil {
		if typ == p4v1.Update_INSERT || typ == p4v1.Update_MODIFY {
			return nil, p4node.Errorf(p4node.CodeInvalidParam, "%s of table %s entry without an action", typ, t)
		}
		return fe, nil
	}
	if fe.Action, err = m.decodeTableAction(entry.GetAction()); err != nil {
		return nil, err
	}
	return fe, nil
}

func decodeFields(t TableSpec, matches []*p4v1.FieldMatch) ([]p4node.FlowField, error) {
	specs := make(map[uint32]FieldSpec, len(t.Fields))
	for _, f := range t.Fields {
		specs[f.ID] = f
	}
	seen := make(map[uint32]bool, len(matches))
	fields := make([]p4node.FlowField, 0, len(matches))
	for _, fm := range matches {
		spec, ok := specs[fm.GetFieldId()]
		if !ok {
			return nil, p4node.Errorf(p4node.CodeInvalidParam, "table %s has no match field %d", t, fm.GetFieldId())
		}
		if seen[fm.GetFieldId()] {
			return nil, p4node.Errorf(p4node.CodeInvalidParam, "table %s: match field %d given twice", t, fm.GetFieldId())
		}
		seen[fm.GetFieldId()] = true

		want := fieldKinds[spec.Kind]
		f := p4node.FlowField{ID: fm.GetFieldId(), Kind: want}
		switch v := fm.GetFieldMatchType().(type) {
		case *p4v1.FieldMatch_Exact_:
			f.Kind = p4node.FieldExact
			f.Value = v.Exact.GetValue()
		case *p4v1.FieldMatch_Lpm:
			f.Kind = p4node.FieldLPM
			f.Value = v.Lpm.GetValue()
			f.PrefixLen = v.Lpm.GetPrefixLen()
		case *p4v1.FieldMatch_Ternary_:
			f.Kind = p4node.FieldTernary
			f.Value = v.Ternary.GetValue()
			f.Mask = v.Ternary.GetMask()
		default:
			return nil, p4node.Errorf(p4node.CodeInvalidParam, "table %s field %d: unsupported match type %T", t, fm.GetFieldId(), v)
		}
		if f.Kind != want {
			return nil, p4node.Errorf(p4node.CodeInvalidParam, "table %s field %d: got %s match, want %s", t, f.ID, f.Kind, want)
		}
		if f.Kind == p4node.FieldLPM && (f.PrefixLen < 0 || int(f.PrefixLen) > 8*len(f.Value)) {
			return nil, p4node.Errorf(p4node.CodeInvalidParam, "table %s field %d: prefix length %d out of range", t, f.ID, f.PrefixLen)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func (m *Mapper) decodeTableAction(ta *p4v1.TableAction) (p4node.FlowAction, error) {
	switch a := ta.GetType().(type) {
	case *p4v1.TableAction_Action:
		return m.decodeAction(a.Action)
	case *p4v1.TableAction_ActionProfileMemberId:
		return p4node.FlowAction{Kind: p4node.ActionMember, MemberID: a.ActionProfileMemberId}, nil
	case *p4v1.TableAction_ActionProfileGroupId:
		return p4node.FlowAction{Kind: p4node.ActionGroup, GroupID: a.ActionProfileGroupId}, nil
	case nil:
		return p4node.FlowAction{}, p4node.Errorf(p4node.CodeInvalidParam, "empty table action")
	default:
		return p4node.FlowAction{}, p4node.Errorf(p4node.CodeUnimplemented, "unsupported table action %T", a)
	}
}

func (m *Mapper) decodeAction(action *p4v1.Action) (p4node.FlowAction, error) {
	spec, ok := m.actions[action.GetActionId()]
	if !ok {
		return p4node.FlowAction{}, p4node.Errorf(p4node.CodeInvalidParam, "unknown action id %d", action.GetActionId())
	}
	params := make(map[uint32][]byte, len(action.GetParams()))
	for _, p := range action.GetParams() {
		params[p.GetParamId()] = p.GetValue()
	}
	param := func(role string) uint64 {
		id, ok := spec.Params[role]
		if !ok {
			return 0
		}
		return bytesToUint(params[id])
	}

	fa := p4node.FlowAction{Kind: actionKinds[spec.Kind]}
	switch fa.Kind {
	case p4node.ActionNexthop, p4node.ActionDrop, p4node.ActionToCPU:
		nh := m.nexthop(spec, param)
		fa.Nexthop = &nh
	case p4node.ActionMulticast:
		fa.MulticastGroupID = uint32(param(ParamGroup))
	}
	return fa, nil
}

func (m *Mapper) nexthop(spec ActionSpec, param func(string) uint64) p4node.NonMultipathNexthop {
	nh := p4node.NonMultipathNexthop{Unit: m.unit}
	switch spec.Kind {
	case KindDrop:
		nh.Type = p4node.NexthopDrop
	case KindCPU:
		nh.Type = p4node.NexthopCPU
	default:
		nh.Type = p4node.NexthopPort
		nh.LogicalPort = uint32(param(ParamPort))
		if _, ok := spec.Params[ParamTrunk]; ok {
			if trunk := uint32(param(ParamTrunk)); trunk != 0 {
				nh.Type = p4node.NexthopTrunk
				nh.TrunkPort = trunk
			}
		}
	}
	nh.SrcMAC = param(ParamSrcMAC)
	nh.DstMAC = param(ParamDstMAC)
	nh.VLAN = uint16(param(ParamVLAN))
	return nh
}

// MapActionProfileMember decodes a member's action into a single-path
// next-hop. Only next-hop, drop and punt actions can back a member.
func (m *Mapper) MapActionProfileMember(_ context.Context, member *p4v1.ActionProfileMember) (p4node.NonMultipathNexthop, error) {
	if m.tables == nil {
		return p4node.NonMultipathNexthop{}, p4node.Errorf(p4node.CodeNotInitialized, "no forwarding pipeline installed on unit %d", m.unit)
	}
	if member == nil || member.GetAction() == nil {
		return p4node.NonMultipathNexthop{}, p4node.Errorf(p4node.CodeInvalidParam, "action profile member has no action")
	}
	fa, err := m.decodeAction(member.GetAction())
	if err != nil {
		return p4node.NonMultipathNexthop{}, err
	}
	if fa.Nexthop == nil {
		return p4node.NonMultipathNexthop{}, p4node.Errorf(p4node.CodeInvalidParam,
			"member %d: action %d is a %s action, not a next-hop", member.GetMemberId(), member.GetAction().GetActionId(), fa.Kind)
	}
	return *fa.Nexthop, nil
}

// bytesToUint decodes a big-endian P4Runtime bytestring. Values wider
// than 8 bytes keep their low-order bytes.
func bytesToUint(b []byte) uint64 {
	if len(b) > 8 {
		b = b[len(b)-8:]
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
