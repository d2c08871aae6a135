package node

import (
	"context"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/interpreter"
)

// RegisterPacketReceiveWriter installs w as the node's packet-in sink.
func (n *Node) RegisterPacketReceiveWriter(ctx context.Context, w interpreter.PacketInWriter) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		return p4node.Errorf(p4node.CodeNotInitialized, "node %d is not initialized", n.nodeID)
	}
	return n.packetIO.RegisterPacketReceiveWriter(ctx, p4node.PurposeController, w)
}

// UnregisterPacketReceiveWriter removes the node's packet-in sink.
func (n *Node) UnregisterPacketReceiveWriter(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		return p4node.Errorf(p4node.CodeNotInitialized, "node %d is not initialized", n.nodeID)
	}
	return n.packetIO.UnregisterPacketReceiveWriter(ctx, p4node.PurposeController)
}

// TransmitPacket sends one packet from the controller.
func (n *Node) TransmitPacket(ctx context.Context, pkt *p4v1.PacketOut) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.initialized {
		return p4node.Errorf(p4node.CodeNotInitialized, "node %d is not initialized", n.nodeID)
	}
	return n.packetIO.TransmitPacket(ctx, p4node.PurposeController, pkt)
}
