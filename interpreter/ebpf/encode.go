package ebpf

import (
	"github.com/frobware/go-p4node"
)

// Route actions as seen by the datapath.
const (
	routeForward   uint32 = 1
	routeDrop      uint32 = 2
	routeToCPU     uint32 = 3
	routeMultipath uint32 = 4
)

func macBytes(mac uint64) [6]byte {
	var b [6]byte
	for i := 5; i >= 0; i-- {
		b[i] = byte(mac)
		mac >>= 8
	}
	return b
}

func encodeNexthop(nh p4node.NonMultipathNexthop) nexthopValue {
	port := nh.LogicalPort
	if nh.Type == p4node.NexthopTrunk {
		port = nh.TrunkPort
	}
	return nexthopValue{
		Type:   uint32(nh.Type),
		Port:   port,
		SrcMAC: macBytes(nh.SrcMAC),
		DstMAC: macBytes(nh.DstMAC),
		VLAN:   nh.VLAN,
	}
}

func encodeMultipath(nh p4node.MultipathNexthop) (multipathValue, error) {
	var v multipathValue
	if len(nh.Members) > MaxMultipathLegs {
		return v, p4node.Errorf(p4node.CodeInvalidParam, "multipath next-hop has %d members, at most %d are supported",
			len(nh.Members), MaxMultipathLegs)
	}
	v.Count = uint32(len(nh.Members))
	for i, m := range nh.Members {
		v.Egress[i] = m.EgressIntfID
		v.Weights[i] = uint32(max(m.Weight, 1))
	}
	return v, nil
}

// encodeRoute picks the map for entry and builds its key and value.
func (l *L3) encodeRoute(entry *p4node.FlowEntry) (Map, any, routeValue, error) {
	var value routeValue
	switch entry.Action.Kind {
	case p4node.ActionMember:
		value = routeValue{Action: routeForward, EgressIntfID: entry.Action.EgressIntfID}
	case p4node.ActionGroup:
		value = routeValue{Action: routeMultipath, EgressIntfID: entry.Action.EgressIntfID}
	case p4node.ActionNexthop:
		value = routeValue{Action: routeForward}
		if nh := entry.Action.Nexthop; nh != nil {
			value.Port = nh.LogicalPort
		}
	case p4node.ActionDrop:
		value = routeValue{Action: routeDrop}
	case p4node.ActionToCPU:
		value = routeValue{Action: routeToCPU}
	default:
		return nil, nil, value, p4node.Errorf(p4node.CodeInvalidParam, "route with %s action", entry.Action.Kind)
	}

	width := 4
	if entry.Category.IsIPv6() {
		width = 16
	}
	addr, prefixLen, err := routeMatch(entry, width)
	if err != nil {
		return nil, nil, value, err
	}
	if width == 4 {
		k := routeKeyV4{Prefixlen: prefixLen}
		copy(k.Addr[:], addr)
		return l.maps.RoutesV4, k, value, nil
	}
	k := routeKeyV6{Prefixlen: prefixLen}
	copy(k.Addr[:], addr)
	return l.maps.RoutesV6, k, value, nil
}

// routeMatch returns the destination address of a route, left padded
// to width bytes, and its prefix length. Host routes match all bits.
func routeMatch(entry *p4node.FlowEntry, width int) ([]byte, uint32, error) {
	if !entry.Category.IsRoute() {
		return nil, 0, p4node.Errorf(p4node.CodeInvalidParam, "%s entry is not a route", entry.Category)
	}
	for _, f := range entry.Fields {
		if f.Kind != p4node.FieldLPM && f.Kind != p4node.FieldExact {
			continue
		}
		if len(f.Value) > width {
			return nil, 0, p4node.Errorf(p4node.CodeInvalidParam, "route address is %d bytes, expected at most %d", len(f.Value), width)
		}
		addr := make([]byte, width)
		copy(addr[width-len(f.Value):], f.Value)
		prefixLen := uint32(width * 8)
		if f.Kind == p4node.FieldLPM {
			if f.PrefixLen < 0 || int(f.PrefixLen) > width*8 {
				return nil, 0, p4node.Errorf(p4node.CodeInvalidParam, "route prefix length %d out of range", f.PrefixLen)
			}
			prefixLen = uint32(f.PrefixLen)
		}
		return addr, prefixLen, nil
	}
	return nil, 0, p4node.Errorf(p4node.CodeInvalidParam, "route has no destination match")
}
