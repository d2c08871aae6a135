package knet_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/frobware/go-p4node"
	tp "github.com/frobware/go-p4node/internal/testpipeline"
	"github.com/frobware/go-p4node/interpreter/knet"
	"github.com/frobware/go-p4node/logging"
)

const (
	testNodeID = 9
	testUnit   = 1
)

// testLogger returns a logger for tests. By default it discards all output.
// Set P4NODE_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("P4NODE_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return logging.Discard()
}

type frame struct {
	data    []byte
	ifindex int
}

// fakeConn delivers frames queued on rx and records sent frames.
type fakeConn struct {
	rx chan frame

	mu     sync.Mutex
	sent   []frame
	closed bool
}

func newFakeConn() *fakeConn { return &fakeConn{rx: make(chan frame, 16)} }

func (c *fakeConn) Recv(buf []byte) (int, int, error) {
	select {
	case f := <-c.rx:
		return copy(buf, f.data), f.ifindex, nil
	case <-time.After(5 * time.Millisecond):
		return 0, 0, knet.ErrTimeout
	}
}

func (c *fakeConn) Send(data []byte, ifindex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, frame{data: append([]byte(nil), data...), ifindex: ifindex})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentFrames() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame(nil), c.sent...)
}

// fakeLinks knows a fixed set of interfaces.
type fakeLinks struct {
	mu    sync.Mutex
	index map[string]int
	up    map[string]bool
}

func (l *fakeLinks) LinkByName(name string) (netlink.Link, error) {
	idx, ok := l.index[name]
	if !ok {
		return nil, errors.New("link not found")
	}
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name, Index: idx}}, nil
}

func (l *fakeLinks) LinkSetUp(link netlink.Link) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.up[link.Attrs().Name] = true
	return nil
}

// chanSink forwards packet-ins to a channel.
type chanSink chan *p4v1.PacketIn

func (s chanSink) WritePacketIn(pkt *p4v1.PacketIn) error {
	s <- pkt
	return nil
}

type harness struct {
	pio   *knet.PacketIO
	conn  *fakeConn
	links *fakeLinks
}

func newHarness(t *testing.T, iface string) *harness {
	t.Helper()
	h := &harness{
		conn: newFakeConn(),
		links: &fakeLinks{
			index: map[string]int{"eth1": 11, "eth2": 12, "cpu0": 20},
			up:    map[string]bool{},
		},
	}
	h.pio = knet.New(knet.Options{
		Unit:      testUnit,
		Interface: iface,
		Logger:    testLogger(),
		Dial:      func() (knet.Conn, error) { return h.conn, nil },
		Links:     h.links,
	})
	t.Cleanup(func() { h.pio.Shutdown(context.Background()) })
	return h
}

func frameBytes(t *testing.T) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0, 1, 2, 3, 4, 5},
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, arp))
	return buf.Bytes()
}

func TestPushRaisesPorts(t *testing.T) {
	h := newHarness(t, "cpu0")
	require.NoError(t, h.pio.PushChassisConfig(context.Background(), tp.Chassis(testNodeID, testUnit), testNodeID))
	assert.Equal(t, map[string]bool{"eth1": true, "eth2": true, "cpu0": true}, h.links.up)
}

func TestPushRejectsUnknownInterface(t *testing.T) {
	h := newHarness(t, "missing0")
	err := h.pio.PushChassisConfig(context.Background(), tp.Chassis(testNodeID, testUnit), testNodeID)
	assert.Equal(t, p4node.CodeInvalidParam, p4node.CodeOf(err))
}

func TestVerifyChecksUnit(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	assert.NoError(t, h.pio.VerifyChassisConfig(ctx, tp.Chassis(testNodeID, testUnit), testNodeID))
	assert.Equal(t, p4node.CodeInvalidParam, p4node.CodeOf(h.pio.VerifyChassisConfig(ctx, tp.Chassis(testNodeID, testUnit+1), testNodeID)))
	assert.Equal(t, p4node.CodeInvalidParam, p4node.CodeOf(h.pio.VerifyChassisConfig(ctx, nil, testNodeID)))
}

func TestReceiveTagsIngressPort(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	require.NoError(t, h.pio.PushChassisConfig(ctx, tp.Chassis(testNodeID, testUnit), testNodeID))
	sink := make(chanSink, 4)
	require.NoError(t, h.pio.RegisterPacketReceiveWriter(ctx, p4node.PurposeController, sink))

	data := frameBytes(t)
	h.conn.rx <- frame{data: []byte{1, 2, 3}, ifindex: 99} // not a node port
	h.conn.rx <- frame{data: data, ifindex: 12}

	select {
	case pkt := <-sink:
		assert.Equal(t, data, pkt.GetPayload())
		require.Len(t, pkt.GetMetadata(), 1)
		assert.Equal(t, knet.MetadataIngressPort, pkt.GetMetadata()[0].GetMetadataId())
		assert.Equal(t, []byte{0, 0, 0, 2}, pkt.GetMetadata()[0].GetValue())
	case <-time.After(5 * time.Second):
		t.Fatal("no packet-in delivered")
	}
	assert.Empty(t, sink, "frames from foreign interfaces are dropped")
}

func TestTransmit(t *testing.T) {
	h := newHarness(t, "cpu0")
	ctx := context.Background()
	data := frameBytes(t)

	err := h.pio.TransmitPacket(ctx, p4node.PurposeController, &p4v1.PacketOut{Payload: data})
	assert.Equal(t, p4node.CodeNotInitialized, p4node.CodeOf(err))

	require.NoError(t, h.pio.PushChassisConfig(ctx, tp.Chassis(testNodeID, testUnit), testNodeID))

	toPort := &p4v1.PacketOut{
		Payload:  data,
		Metadata: []*p4v1.PacketMetadata{{MetadataId: knet.MetadataEgressPort, Value: []byte{1}}},
	}
	require.NoError(t, h.pio.TransmitPacket(ctx, p4node.PurposeController, toPort))
	require.NoError(t, h.pio.TransmitPacket(ctx, p4node.PurposeController, &p4v1.PacketOut{Payload: data}))

	sent := h.conn.sentFrames()
	require.Len(t, sent, 2)
	assert.Equal(t, 11, sent[0].ifindex)
	assert.Equal(t, 20, sent[1].ifindex, "no egress port uses the default interface")

	tests := []struct {
		name string
		pkt  *p4v1.PacketOut
	}{
		{name: "empty payload", pkt: &p4v1.PacketOut{}},
		{name: "foreign port", pkt: &p4v1.PacketOut{Payload: data, Metadata: []*p4v1.PacketMetadata{{MetadataId: knet.MetadataEgressPort, Value: []byte{7}}}}},
		{name: "oversized metadata", pkt: &p4v1.PacketOut{Payload: data, Metadata: []*p4v1.PacketMetadata{{MetadataId: knet.MetadataEgressPort, Value: make([]byte, 5)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.pio.TransmitPacket(ctx, p4node.PurposeController, tt.pkt)
			assert.Equal(t, p4node.CodeInvalidParam, p4node.CodeOf(err))
		})
	}
}

func TestTransmitWithoutDefaultInterface(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	require.NoError(t, h.pio.PushChassisConfig(ctx, tp.Chassis(testNodeID, testUnit), testNodeID))
	err := h.pio.TransmitPacket(ctx, p4node.PurposeController, &p4v1.PacketOut{Payload: frameBytes(t)})
	assert.Equal(t, p4node.CodeInvalidParam, p4node.CodeOf(err))
}

func TestShutdownClosesSocket(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	require.NoError(t, h.pio.PushChassisConfig(ctx, tp.Chassis(testNodeID, testUnit), testNodeID))
	require.NoError(t, h.pio.Shutdown(ctx))
	h.conn.mu.Lock()
	assert.True(t, h.conn.closed)
	h.conn.mu.Unlock()
	require.NoError(t, h.pio.Shutdown(ctx), "shutdown twice is harmless")
}
