// Package testpipeline provides a small forwarding pipeline and
// request builders shared by tests.
package testpipeline

import (
	"encoding/binary"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/tablemap"
)

// Table ids.
const (
	TableIPv4LPM uint32 = iota + 1
	TableIPv4Host
	TableIPv6LPM
	TableL2Multicast
	TableMyStation
	TableACL
	TableL2Unicast
	TableStatic
)

// Action ids.
const (
	ActionSetNexthop uint32 = iota + 10
	ActionDrop
	ActionPunt
	ActionMulticast
	ActionAdmit
)

// Param ids of ActionSetNexthop.
const (
	ParamPort uint32 = iota + 1
	ParamSrcMAC
	ParamDstMAC
	ParamVLAN
)

// ActionProfileID is the profile every member and group belongs to.
const ActionProfileID uint32 = 100

// RouterMAC is the source MAC of next-hops built here.
const RouterMAC uint64 = 0x02_00_00_00_00_01

// DeviceConfig returns the pipeline's device config with the given
// static entries, which must target TableStatic.
func DeviceConfig(static ...*p4v1.TableEntry) *tablemap.DeviceConfig {
	dc := &tablemap.DeviceConfig{
		Tables: []tablemap.TableSpec{
			{ID: TableIPv4LPM, Name: "ipv4_lpm", Category: p4node.TableIPv4LPM, Fields: []tablemap.FieldSpec{{ID: 1, Name: "dst", Kind: "lpm"}}},
			{ID: TableIPv4Host, Name: "ipv4_host", Category: p4node.TableIPv4Host, Fields: []tablemap.FieldSpec{{ID: 1, Name: "dst", Kind: "exact"}}},
			{ID: TableIPv6LPM, Name: "ipv6_lpm", Category: p4node.TableIPv6LPM, Fields: []tablemap.FieldSpec{{ID: 1, Name: "dst", Kind: "lpm"}}},
			{ID: TableL2Multicast, Name: "l2_multicast", Category: p4node.TableL2Multicast, Fields: []tablemap.FieldSpec{{ID: 1, Name: "dst_mac", Kind: "exact"}}},
			{ID: TableMyStation, Name: "my_station", Category: p4node.TableMyStation, Fields: []tablemap.FieldSpec{{ID: 1, Name: "dst_mac", Kind: "ternary"}}},
			{ID: TableACL, Name: "acl", Category: p4node.TableACL, Fields: []tablemap.FieldSpec{{ID: 1, Name: "eth_type", Kind: "ternary"}}},
			{ID: TableL2Unicast, Name: "l2_unicast", Category: p4node.TableL2Unicast, Fields: []tablemap.FieldSpec{{ID: 1, Name: "dst_mac", Kind: "exact"}}},
			{ID: TableStatic, Name: "punt_host", Category: p4node.TableIPv4Host, Static: true, Fields: []tablemap.FieldSpec{{ID: 1, Name: "dst", Kind: "exact"}}},
		},
		Actions: []tablemap.ActionSpec{
			{ID: ActionSetNexthop, Name: "set_nexthop", Kind: tablemap.KindNexthop, Params: map[string]uint32{
				tablemap.ParamPort: ParamPort, tablemap.ParamSrcMAC: ParamSrcMAC, tablemap.ParamDstMAC: ParamDstMAC, tablemap.ParamVLAN: ParamVLAN,
			}},
			{ID: ActionDrop, Name: "drop", Kind: tablemap.KindDrop},
			{ID: ActionPunt, Name: "punt", Kind: tablemap.KindCPU},
			{ID: ActionMulticast, Name: "set_mcast_group", Kind: tablemap.KindMulticast, Params: map[string]uint32{tablemap.ParamGroup: 1}},
			{ID: ActionAdmit, Name: "admit_to_l3", Kind: tablemap.KindL3Admit},
		},
	}
	req := &p4v1.WriteRequest{}
	for _, te := range static {
		req.Updates = append(req.Updates, Insert(TableEntity(te)))
	}
	dc.SetStaticEntries(req)
	return dc
}

// Pipeline returns a ForwardingPipelineConfig carrying DeviceConfig.
func Pipeline(static ...*p4v1.TableEntry) *p4v1.ForwardingPipelineConfig {
	data, err := DeviceConfig(static...).Encode()
	if err != nil {
		panic(err)
	}
	return &p4v1.ForwardingPipelineConfig{P4DeviceConfig: data}
}

// Chassis returns a chassis config with one node and two ports.
func Chassis(nodeID uint64, unit int) *p4node.ChassisConfig {
	return &p4node.ChassisConfig{
		Name:  "test",
		Nodes: []p4node.NodeConfig{{ID: nodeID, Name: "asic0", Unit: unit}},
		Ports: []p4node.PortConfig{
			{ID: 1, Name: "eth1", NodeID: nodeID, Port: 1, SpeedBps: 100_000_000_000},
			{ID: 2, Name: "eth2", NodeID: nodeID, Port: 2, SpeedBps: 100_000_000_000},
		},
	}
}

// Uint encodes v as a big-endian bytestring of n bytes.
func Uint(v uint64, n int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[8-n:]
}

// NexthopAction returns a direct set_nexthop action.
func NexthopAction(port uint32, dstMAC uint64) *p4v1.Action {
	return &p4v1.Action{
		ActionId: ActionSetNexthop,
		Params: []*p4v1.Action_Param{
			{ParamId: ParamPort, Value: Uint(uint64(port), 4)},
			{ParamId: ParamSrcMAC, Value: Uint(RouterMAC, 6)},
			{ParamId: ParamDstMAC, Value: Uint(dstMAC, 6)},
			{ParamId: ParamVLAN, Value: Uint(0, 2)},
		},
	}
}

// Direct wraps an action as a table action.
func Direct(a *p4v1.Action) *p4v1.TableAction {
	return &p4v1.TableAction{Type: &p4v1.TableAction_Action{Action: a}}
}

// MemberAction points a table entry at a member.
func MemberAction(id uint32) *p4v1.TableAction {
	return &p4v1.TableAction{Type: &p4v1.TableAction_ActionProfileMemberId{ActionProfileMemberId: id}}
}

// GroupAction points a table entry at a group.
func GroupAction(id uint32) *p4v1.TableAction {
	return &p4v1.TableAction{Type: &p4v1.TableAction_ActionProfileGroupId{ActionProfileGroupId: id}}
}

// Route returns an IPv4 LPM entry.
func Route(ip [4]byte, prefixLen int32, action *p4v1.TableAction) *p4v1.TableEntry {
	return &p4v1.TableEntry{
		TableId: TableIPv4LPM,
		Match: []*p4v1.FieldMatch{{
			FieldId:        1,
			FieldMatchType: &p4v1.FieldMatch_Lpm{Lpm: &p4v1.FieldMatch_LPM{Value: ip[:], PrefixLen: prefixLen}},
		}},
		Action: action,
	}
}

// HostRoute returns an IPv4 host entry in table.
func HostRoute(table uint32, ip [4]byte, action *p4v1.TableAction) *p4v1.TableEntry {
	return &p4v1.TableEntry{
		TableId: table,
		Match: []*p4v1.FieldMatch{{
			FieldId:        1,
			FieldMatchType: &p4v1.FieldMatch_Exact_{Exact: &p4v1.FieldMatch_Exact{Value: ip[:]}},
		}},
		Action: action,
	}
}

// MyStation returns a my-station entry admitting mac to routing.
func MyStation(mac uint64) *p4v1.TableEntry {
	return &p4v1.TableEntry{
		TableId: TableMyStation,
		Match: []*p4v1.FieldMatch{{
			FieldId: 1,
			FieldMatchType: &p4v1.FieldMatch_Ternary_{Ternary: &p4v1.FieldMatch_Ternary{
				Value: Uint(mac, 6), Mask: Uint(0xffff_ffff_ffff, 6),
			}},
		}},
		Priority: 10,
		Action:   Direct(&p4v1.Action{ActionId: ActionAdmit}),
	}
}

// Multicast returns an L2 multicast entry replicating mac to group.
func Multicast(mac uint64, group uint32) *p4v1.TableEntry {
	return &p4v1.TableEntry{
		TableId: TableL2Multicast,
		Match: []*p4v1.FieldMatch{{
			FieldId:        1,
			FieldMatchType: &p4v1.FieldMatch_Exact_{Exact: &p4v1.FieldMatch_Exact{Value: Uint(mac, 6)}},
		}},
		Action: Direct(&p4v1.Action{
			ActionId: ActionMulticast,
			Params:   []*p4v1.Action_Param{{ParamId: 1, Value: Uint(uint64(group), 2)}},
		}),
	}
}

// ACL returns an ACL entry matching etherType that punts to the CPU.
func ACL(priority int32, etherType uint16) *p4v1.TableEntry {
	return &p4v1.TableEntry{
		TableId: TableACL,
		Match: []*p4v1.FieldMatch{{
			FieldId: 1,
			FieldMatchType: &p4v1.FieldMatch_Ternary_{Ternary: &p4v1.FieldMatch_Ternary{
				Value: Uint(uint64(etherType), 2), Mask: Uint(0xffff, 2),
			}},
		}},
		Priority: priority,
		Action:   Direct(&p4v1.Action{ActionId: ActionPunt}),
	}
}

// Member returns a member forwarding out of port to dstMAC.
func Member(id uint32, port uint32, dstMAC uint64) *p4v1.ActionProfileMember {
	return &p4v1.ActionProfileMember{
		ActionProfileId: ActionProfileID,
		MemberId:        id,
		Action:          NexthopAction(port, dstMAC),
	}
}

// Group returns a group of the given members, each with weight 1.
func Group(id uint32, members ...uint32) *p4v1.ActionProfileGroup {
	g := &p4v1.ActionProfileGroup{ActionProfileId: ActionProfileID, GroupId: id, MaxSize: 16}
	for _, m := range members {
		g.Members = append(g.Members, &p4v1.ActionProfileGroup_Member{MemberId: m, Weight: 1})
	}
	return g
}

// TableEntity wraps a table entry.
func TableEntity(te *p4v1.TableEntry) *p4v1.Entity {
	return &p4v1.Entity{Entity: &p4v1.Entity_TableEntry{TableEntry: te}}
}

// MemberEntity wraps a member.
func MemberEntity(m *p4v1.ActionProfileMember) *p4v1.Entity {
	return &p4v1.Entity{Entity: &p4v1.Entity_ActionProfileMember{ActionProfileMember: m}}
}

// GroupEntity wraps a group.
func GroupEntity(g *p4v1.ActionProfileGroup) *p4v1.Entity {
	return &p4v1.Entity{Entity: &p4v1.Entity_ActionProfileGroup{ActionProfileGroup: g}}
}

// Insert returns an INSERT update.
func Insert(e *p4v1.Entity) *p4v1.Update {
	return &p4v1.Update{Type: p4v1.Update_INSERT, Entity: e}
}

// Modify returns a MODIFY update.
func Modify(e *p4v1.Entity) *p4v1.Update {
	return &p4v1.Update{Type: p4v1.Update_MODIFY, Entity: e}
}

// Delete returns a DELETE update.
func Delete(e *p4v1.Entity) *p4v1.Update {
	return &p4v1.Update{Type: p4v1.Update_DELETE, Entity: e}
}

// Write returns a write request for device.
func Write(device uint64, updates ...*p4v1.Update) *p4v1.WriteRequest {
	return &p4v1.WriteRequest{DeviceId: device, Updates: updates}
}
