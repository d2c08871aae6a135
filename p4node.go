// Package p4node holds the domain types shared by the per-node
// P4Runtime control plane: chassis configuration, classified flow
// entries, next-hop descriptions and the error codes returned by every
// node operation.
package p4node

// PacketPurpose tags a packet I/O sink registered with a node.
type PacketPurpose int

const (
	PurposeUnknown PacketPurpose = iota
	// PurposeController is the single sink that forwards packet-ins to
	// the SDN controller.
	PurposeController
)

func (p PacketPurpose) String() string {
	if p == PurposeController {
		return "controller"
	}
	return "unknown"
}
