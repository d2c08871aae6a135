// Package knet moves controller packets through Linux network
// interfaces. Each front-panel port of a node is a netdev named after
// the port; packet-ins are read from an AF_PACKET socket and tagged
// with the port they arrived on, packet-outs are sent out of the port
// named by their metadata.
package knet

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/vishvananda/netlink"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/interpreter"
	"github.com/frobware/go-p4node/interpreter/sim"
)

// Packet metadata ids.
const (
	MetadataIngressPort = sim.MetadataIngressPort
	MetadataEgressPort  uint32 = 1
)

// Links resolves and raises network interfaces.
type Links interface {
	LinkByName(name string) (netlink.Link, error)
	LinkSetUp(link netlink.Link) error
}

type netlinkLinks struct{}

func (netlinkLinks) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }

func (netlinkLinks) LinkSetUp(link netlink.Link) error { return netlink.LinkSetUp(link) }

// Options configures a PacketIO.
type Options struct {
	Unit int
	// Interface is the netdev used for packet-outs without an egress
	// port. Empty means such packets are rejected.
	Interface string
	Logger    *slog.Logger

	// Dial opens the packet socket. It defaults to DialPacket.
	Dial func() (Conn, error)
	// Links defaults to netlink.
	Links Links
}

// PacketIO is a packet I/O manager over Linux netdevs.
type PacketIO struct {
	unit   int
	iface  string
	dial   func() (Conn, error)
	links  Links
	logger *slog.Logger

	mu             sync.Mutex
	nodeID         uint64
	conn           Conn
	stop           chan struct{}
	done           chan struct{}
	portByIfindex  map[int]uint32
	ifindexByPort  map[uint32]int
	defaultIfindex int
	writers        map[p4node.PacketPurpose]interpreter.PacketInWriter
}

var _ interpreter.PacketIOManager = (*PacketIO)(nil)

// New returns a PacketIO for opts.Unit.
func New(opts Options) *PacketIO {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &PacketIO{
		unit:    opts.Unit,
		iface:   opts.Interface,
		dial:    opts.Dial,
		links:   opts.Links,
		logger:  logger.With("component", "knet", "unit", opts.Unit),
		writers: map[p4node.PacketPurpose]interpreter.PacketInWriter{},
	}
	if p.dial == nil {
		p.dial = DialPacket
	}
	if p.links == nil {
		p.links = netlinkLinks{}
	}
	return p
}

// VerifyChassisConfig checks that cfg places nodeID on this unit.
func (p *PacketIO) VerifyChassisConfig(_ context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error {
	if cfg == nil {
		return p4node.Errorf(p4node.CodeInvalidParam, "nil chassis config")
	}
	node, ok := cfg.Node(nodeID)
	if !ok {
		return p4node.Errorf(p4node.CodeInvalidParam, "node %d not found in chassis config", nodeID)
	}
	if node.Unit != p.unit {
		return p4node.Errorf(p4node.CodeInvalidParam, "node %d is on unit %d, expected unit %d", nodeID, node.Unit, p.unit)
	}
	return nil
}

// PushChassisConfig resolves and raises the node's port netdevs, then
// (re)starts the receive loop.
func (p *PacketIO) PushChassisConfig(ctx context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error {
	if err := p.VerifyChassisConfig(ctx, cfg, nodeID); err != nil {
		return err
	}

	portByIfindex := map[int]uint32{}
	ifindexByPort := map[uint32]int{}
	for _, port := range cfg.PortsForNode(nodeID) {
		idx, err := p.raise(port.Name)
		if err != nil {
			return err
		}
		portByIfindex[idx] = port.ID
		ifindexByPort[port.ID] = idx
	}
	defaultIfindex := 0
	if p.iface != "" {
		idx, err := p.raise(p.iface)
		if err != nil {
			return err
		}
		defaultIfindex = idx
	}

	p.stopReceiving()
	conn, err := p.dial()
	if err != nil {
		return p4node.Wrap(p4node.CodeInternal, err, "open packet socket for node %d", nodeID)
	}

	p.mu.Lock()
	p.nodeID = nodeID
	p.portByIfindex = portByIfindex
	p.ifindexByPort = ifindexByPort
	p.defaultIfindex = defaultIfindex
	p.conn = conn
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.receive(conn, p.stop, p.done)
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "packet I/O started", "node_id", nodeID, "ports", len(ifindexByPort))
	return nil
}

func (p *PacketIO) raise(name string) (int, error) {
	link, err := p.links.LinkByName(name)
	if err != nil {
		return 0, p4node.Wrap(p4node.CodeInvalidParam, err, "interface %q", name)
	}
	if err := p.links.LinkSetUp(link); err != nil {
		return 0, p4node.Wrap(p4node.CodeInternal, err, "set interface %q up", name)
	}
	return link.Attrs().Index, nil
}

// stopReceiving ends the receive loop and closes the socket.
func (p *PacketIO) stopReceiving() error {
	p.mu.Lock()
	conn, stop, done := p.conn, p.stop, p.done
	p.conn, p.stop, p.done = nil, nil, nil
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	close(stop)
	<-done
	return conn.Close()
}

// Shutdown stops the receive loop and drops the receive writers.
func (p *PacketIO) Shutdown(context.Context) error {
	err := p.stopReceiving()
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.writers)
	p.portByIfindex = nil
	p.ifindexByPort = nil
	return err
}

// RegisterPacketReceiveWriter installs w as the sink for purpose.
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

// TransmitPacket sends pkt out of the port in its egress metadata, or
// out of the default interface when it has none.
func (p *PacketIO) TransmitPacket(ctx context.Context, purpose p4node.PacketPurpose, pkt *p4v1.PacketOut) error {
	if purpose == p4node.PurposeUnknown {
		return p4node.Errorf(p4node.CodeInvalidParam, "unknown packet purpose")
	}
	if len(pkt.GetPayload()) == 0 {
		return p4node.Errorf(p4node.CodeInvalidParam, "empty packet-out payload")
	}

	p.mu.Lock()
	conn := p.conn
	ifindex := p.defaultIfindex
	port, hasPort, err := egressPort(pkt)
	if hasPort {
		ifindex = p.ifindexByPort[port]
	}
	nodeID := p.nodeID
	p.mu.Unlock()

	switch {
	case err != nil:
		return err
	case conn == nil:
		return p4node.Errorf(p4node.CodeNotInitialized, "packet I/O is not running")
	case hasPort && ifindex == 0:
		return p4node.Errorf(p4node.CodeInvalidParam, "port %d does not belong to node %d", port, nodeID)
	case ifindex == 0:
		return p4node.Errorf(p4node.CodeInvalidParam, "packet-out has no egress port and no default interface is configured")
	}

	if err := conn.Send(pkt.GetPayload(), ifindex); err != nil {
		return p4node.Wrap(p4node.CodeInternal, err, "transmit packet")
	}
	p.logger.DebugContext(ctx, "packet transmitted", "ifindex", ifindex, "bytes", len(pkt.GetPayload()), "layers", sim.Describe(pkt.GetPayload()))
	return nil
}

func egressPort(pkt *p4v1.PacketOut) (uint32, bool, error) {
	for _, md := range pkt.GetMetadata() {
		if md.GetMetadataId() != MetadataEgressPort {
			continue
		}
		v := md.GetValue()
		if len(v) == 0 || len(v) > 4 {
			return 0, false, p4node.Errorf(p4node.CodeInvalidParam, "egress port metadata is %d bytes", len(v))
		}
		var b [4]byte
		copy(b[4-len(v):], v)
		return binary.BigEndian.Uint32(b[:]), true, nil
	}
	return 0, false, nil
}

// receive reads frames until stop is closed and hands those that
// arrived on a node port to the controller sink.
func (p *PacketIO) receive(conn Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, ifindex, err := conn.Recv(buf)
		if errors.Is(err, ErrTimeout) || (err == nil && n == 0) {
			continue
		}
		if err != nil {
			p.logger.Error("packet receive failed, stopping", "error", err)
			return
		}
		p.deliver(ifindex, append([]byte(nil), buf[:n]...))
	}
}

func (p *PacketIO) deliver(ifindex int, frame []byte) {
	p.mu.Lock()
	port, known := p.portByIfindex[ifindex]
	w := p.writers[p4node.PurposeController]
	p.mu.Unlock()
	if !known || w == nil {
		return
	}
	var md [4]byte
	binary.BigEndian.PutUint32(md[:], port)
	pkt := &p4v1.PacketIn{
		Payload:  frame,
		Metadata: []*p4v1.PacketMetadata{{MetadataId: MetadataIngressPort, Value: md[:]}},
	}
	p.logger.Debug("packet received", "port", port, "layers", sim.Describe(frame))
	if err := w.WritePacketIn(pkt); err != nil {
		p.logger.Warn("packet-in delivery failed", "port", port, "error", err)
	}
}
