package p4node

import "fmt"

// NexthopType is the kind of a single-path next-hop.
type NexthopType int

const (
	NexthopUnknown NexthopType = iota
	NexthopPort
	NexthopTrunk
	NexthopDrop
	NexthopCPU
)

func (t NexthopType) String() string {
	switch t {
	case NexthopPort:
		return "port"
	case NexthopTrunk:
		return "trunk"
	case NexthopDrop:
		return "drop"
	case NexthopCPU:
		return "cpu"
	}
	return "unknown"
}

// ParseNexthopType parses the string form of a next-hop type.
func ParseNexthopType(s string) (NexthopType, bool) {
	for t := NexthopPort; t <= NexthopCPU; t++ {
		if t.String() == s {
			return t, true
		}
	}
	return NexthopUnknown, false
}

// NonMultipathNexthop describes a single-path next-hop as programmed
// into hardware.
type NonMultipathNexthop struct {
	Unit        int
	Type        NexthopType
	LogicalPort uint32
	TrunkPort   uint32
	SrcMAC      uint64
	DstMAC      uint64
	VLAN        uint16
}

func (n NonMultipathNexthop) String() string {
	return fmt.Sprintf("unit=%d type=%s port=%d trunk=%d src=%012x dst=%012x vlan=%d",
		n.Unit, n.Type, n.LogicalPort, n.TrunkPort, n.SrcMAC, n.DstMAC, n.VLAN)
}

// MultipathMember is one weighted leg of a multipath next-hop.
type MultipathMember struct {
	EgressIntfID int32
	Weight       int32
}

// MultipathNexthop describes an ECMP/WCMP group as programmed into
// hardware. Members are ordered by egress interface id.
type MultipathNexthop struct {
	Unit    int
	Members []MultipathMember
}

// MemberInfo is the bookkeeping record of an action profile member.
// A member may only be deleted when both counters are zero.
type MemberInfo struct {
	ActionProfileID uint32
	MemberID        uint32
	EgressIntfID    int32
	Type            NexthopType
	GroupRefCount   uint32
	FlowRefCount    uint32
}

// GroupInfo is the bookkeeping record of an action profile group.
// Members maps member id to weight.
type GroupInfo struct {
	ActionProfileID uint32
	GroupID         uint32
	EgressIntfID    int32
	FlowRefCount    uint32
	Members         map[uint32]int32
}
