package ebpf

import (
	"errors"
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"
)

// MaxMultipathLegs bounds the members of one multipath next-hop.
const MaxMultipathLegs = 16

// Map names, also used as pin file names.
const (
	RoutesV4Map   = "p4node_routes_v4"
	RoutesV6Map   = "p4node_routes_v6"
	NexthopsMap   = "p4node_nexthops"
	MultipathsMap = "p4node_multipaths"
)

// Map is the subset of *ebpf.Map the L3 manager writes through.
type Map interface {
	Put(key, value any) error
	Delete(key any) error
	Close() error
}

var _ Map = (*ebpf.Map)(nil)

// routeKeyV4 is an LPM trie key. Prefixlen is host order, the address
// network order.
type routeKeyV4 struct {
	Prefixlen uint32
	Addr      [4]byte
}

type routeKeyV6 struct {
	Prefixlen uint32
	Addr      [16]byte
}

// routeValue is what the datapath does with a matching packet.
type routeValue struct {
	Action       uint32
	EgressIntfID int32
	Port         uint32
}

type nexthopValue struct {
	Type   uint32
	Port   uint32
	SrcMAC [6]byte
	DstMAC [6]byte
	VLAN   uint16
	_      [2]byte
}

type multipathValue struct {
	Count   uint32
	Egress  [MaxMultipathLegs]int32
	Weights [MaxMultipathLegs]uint32
}

// Maps holds the dataplane maps of one node.
type Maps struct {
	RoutesV4   Map
	RoutesV6   Map
	Nexthops   Map
	Multipaths Map
}

func mapSpecs() []*ebpf.MapSpec {
	return []*ebpf.MapSpec{
		{
			Name:       RoutesV4Map,
			Type:       ebpf.LPMTrie,
			KeySize:    8,
			ValueSize:  12,
			MaxEntries: 65536,
			Flags:      unix.BPF_F_NO_PREALLOC,
			Pinning:    ebpf.PinByName,
		},
		{
			Name:       RoutesV6Map,
			Type:       ebpf.LPMTrie,
			KeySize:    20,
			ValueSize:  12,
			MaxEntries: 65536,
			Flags:      unix.BPF_F_NO_PREALLOC,
			Pinning:    ebpf.PinByName,
		},
		{
			Name:       NexthopsMap,
			Type:       ebpf.Hash,
			KeySize:    4,
			ValueSize:  24,
			MaxEntries: 16384,
			Pinning:    ebpf.PinByName,
		},
		{
			Name:       MultipathsMap,
			Type:       ebpf.Hash,
			KeySize:    4,
			ValueSize:  4 + 8*MaxMultipathLegs,
			MaxEntries: 4096,
			Pinning:    ebpf.PinByName,
		},
	}
}

// OpenPinned creates the dataplane maps pinned under pinDir, or opens
// them if a previous run left them there. pinDir must be on a bpffs.
func OpenPinned(pinDir string) (*Maps, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock rlimit: %w", err)
	}
	if err := os.MkdirAll(pinDir, 0755); err != nil {
		return nil, fmt.Errorf("create pin directory %s: %w", pinDir, err)
	}

	opened := make([]*ebpf.Map, 0, 4)
	for _, spec := range mapSpecs() {
		m, err := ebpf.NewMapWithOptions(spec, ebpf.MapOptions{PinPath: pinDir})
		if err != nil {
			for _, o := range opened {
				o.Close()
			}
			return nil, fmt.Errorf("create map %s: %w", spec.Name, err)
		}
		opened = append(opened, m)
	}
	return &Maps{
		RoutesV4:   opened[0],
		RoutesV6:   opened[1],
		Nexthops:   opened[2],
		Multipaths: opened[3],
	}, nil
}

// Close releases the map handles. Pinned maps stay in bpffs.
func (m *Maps) Close() error {
	var errs []error
	for _, mp := range []Map{m.RoutesV4, m.RoutesV6, m.Nexthops, m.Multipaths} {
		if mp != nil {
			errs = append(errs, mp.Close())
		}
	}
	return errors.Join(errs...)
}
