package sim

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/proto"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/interpreter"
)

// MetadataIngressPort is the packet-in metadata id carrying the port a
// packet arrived on.
const MetadataIngressPort uint32 = 1

// PacketIO simulates the CPU port. Transmitted packets are recorded;
// received packets are injected by the caller.
type PacketIO struct {
	lifecycle
	logger *slog.Logger

	mu          sync.Mutex
	ports       map[uint32]bool
	writers     map[p4node.PacketPurpose]interpreter.PacketInWriter
	transmitted []*p4v1.PacketOut
}

var _ interpreter.PacketIOManager = (*PacketIO)(nil)

// NewPacketIO returns a simulated packet I/O manager for unit.
func NewPacketIO(unit int, logger *slog.Logger) *PacketIO {
	if logger == nil {
		logger = slog.Default()
	}
	return &PacketIO{
		lifecycle: lifecycle{unit: unit},
		logger:    logger.With("component", "sim.packetio", "unit", unit),
		ports:     map[uint32]bool{},
		writers:   map[p4node.PacketPurpose]interpreter.PacketInWriter{},
	}
}

// PushChassisConfig records the node's ports.
func (p *PacketIO) PushChassisConfig(ctx context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error {
	if err := p.push(ctx, cfg, nodeID); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.ports)
	for _, port := range cfg.PortsForNode(nodeID) {
		p.ports[port.ID] = true
	}
	return nil
}

// Shutdown drops the receive writers and the transmit log.
func (p *PacketIO) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.writers)
	clear(p.ports)
	p.transmitted = nil
	return nil
}

// RegisterPacketReceiveWriter installs w as the sink for purpose,
// replacing any previous writer.
func (p *PacketIO) RegisterPacketReceiveWriter(ctx context.Context, purpose p4node.PacketPurpose, w interpreter.PacketInWriter) error {
	if purpose == p4node.PurposeUnknown {
		return p4node.Errorf(p4node.CodeInvalidParam, "unknown packet purpose")
	}
	if w == nil {
		return p4node.Errorf(p4node.CodeInvalidParam, "nil packet-in writer")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writers[purpose] = w
	p.logger.DebugContext(ctx, "receive writer registered", "purpose", purpose)
	return nil
}

// UnregisterPacketReceiveWriter removes the sink for purpose.
func (p *PacketIO) UnregisterPacketReceiveWriter(ctx context.Context, purpose p4node.PacketPurpose) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.writers, purpose)
	p.logger.DebugContext(ctx, "receive writer unregistered", "purpose", purpose)
	return nil
}

// TransmitPacket records pkt as sent.
func (p *PacketIO) TransmitPacket(ctx context.Context, purpose p4node.PacketPurpose, pkt *p4v1.PacketOut) error {
	if purpose == p4node.PurposeUnknown {
		return p4node.Errorf(p4node.CodeInvalidParam, "unknown packet purpose")
	}
	if len(pkt.GetPayload()) == 0 {
		return p4node.Errorf(p4node.CodeInvalidParam, "empty packet-out payload")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transmitted = append(p.transmitted, proto.Clone(pkt).(*p4v1.PacketOut))
	p.logger.DebugContext(ctx, "packet transmitted", "bytes", len(pkt.GetPayload()), "layers", Describe(pkt.GetPayload()))
	return nil
}

// Inject delivers payload to the controller sink as if it had arrived
// on ingressPort.
func (p *PacketIO) Inject(ctx context.Context, ingressPort uint32, payload []byte) error {
	p.mu.Lock()
	w, ok := p.writers[p4node.PurposeController]
	known := p.ports[ingressPort]
	p.mu.Unlock()
	if !known {
		return p4node.Errorf(p4node.CodeInvalidParam, "port %d does not belong to node %d", ingressPort, p.nodeID)
	}
	if !ok {
		p.logger.DebugContext(ctx, "no receive writer, packet dropped", "port", ingressPort)
		return nil
	}
	pkt := &p4v1.PacketIn{
		Payload: payload,
		Metadata: []*p4v1.PacketMetadata{{
			MetadataId: MetadataIngressPort,
			Value:      uint32Bytes(ingressPort),
		}},
	}
	p.logger.DebugContext(ctx, "packet received", "port", ingressPort, "layers", Describe(payload))
	return w.WritePacketIn(pkt)
}

// Transmitted returns the packets sent so far.
func (p *PacketIO) Transmitted() []*p4v1.PacketOut {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*p4v1.PacketOut(nil), p.transmitted...)
}

// Describe returns the decoded layer names of an Ethernet frame,
// such as "Ethernet/IPv4/UDP".
func Describe(payload []byte) string {
	if len(payload) == 0 {
		return "empty"
	}
	pkt := gopacket.NewPacket(payload, layers.LayerTypeEthernet, gopacket.Lazy)
	var names []string
	for _, l := range pkt.Layers() {
		names = append(names, l.LayerType().String())
	}
	return strings.Join(names, "/")
}

func uint32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
