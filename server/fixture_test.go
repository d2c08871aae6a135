package server_test

import (
	"context"
	"log/slog"
	"net"
	"os"
	"testing"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/code"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	tp "github.com/frobware/go-p4node/internal/testpipeline"
	"github.com/frobware/go-p4node/interpreter"
	"github.com/frobware/go-p4node/interpreter/sim"
	"github.com/frobware/go-p4node/interpreter/store/sqlite"
	"github.com/frobware/go-p4node/logging"
	"github.com/frobware/go-p4node/node"
	"github.com/frobware/go-p4node/server"
	"github.com/frobware/go-p4node/tablemap"
	"github.com/frobware/go-p4node/tablemgr"
)

const (
	deviceA = 7
	deviceB = 8
)

// testLogger returns a logger for tests. By default it discards all output.
// Set P4NODE_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("P4NODE_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return logging.Discard()
}

// testDevice is one node served by the fixture.
type testDevice struct {
	node  *node.Node
	store interpreter.Store
	pio   *sim.PacketIO
	l3    *sim.L3
}

// fixture is a P4Runtime server over two sim-backed nodes, reached
// through an in-process listener.
type fixture struct {
	ctx     context.Context
	devices map[uint64]*testDevice
	srv     *server.Server
	client  p4v1.P4RuntimeClient
}

func newTestDevice(t *testing.T, ctx context.Context, id uint64, unit int) *testDevice {
	t.Helper()
	logger := testLogger()

	st, err := sqlite.NewInMemory(ctx, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mapper := tablemap.New(unit, logger)
	tables := tablemgr.New(unit, st, mapper, logger)
	d := &testDevice{
		store: st,
		pio:   sim.NewPacketIO(unit, logger),
		l3:    sim.NewL3(unit, logger),
	}
	d.node, err = node.New(node.Options{
		Unit:     unit,
		Mapper:   mapper,
		Tables:   tables,
		L2:       sim.NewL2(unit, logger),
		L3:       d.l3,
		ACL:      sim.NewACL(unit, tables, logger),
		PacketIO: d.pio,
		Logger:   logger,
	})
	require.NoError(t, err)
	require.NoError(t, d.node.PushChassisConfig(ctx, tp.Chassis(id, unit), id))
	return d
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		ctx: ctx,
		devices: map[uint64]*testDevice{
			deviceA: newTestDevice(t, ctx, deviceA, 1),
			deviceB: newTestDevice(t, ctx, deviceB, 2),
		},
	}
	var devices []server.Device
	for _, d := range f.devices {
		devices = append(devices, server.Device{Node: d.node, Pipelines: d.store})
	}
	var err error
	f.srv, err = server.New(ctx, devices, testLogger())
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	g := f.srv.NewGRPCServer()
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	f.client = p4v1.NewP4RuntimeClient(conn)
	return f
}

func election(low uint64) *p4v1.Uint128 {
	return &p4v1.Uint128{Low: low}
}

// controller is an open stream channel.
type controller struct {
	stream p4v1.P4Runtime_StreamChannelClient
	cancel context.CancelFunc
}

// connect opens a stream channel and sends an arbitration update. The
// reply is left for the caller to read.
func (f *fixture) connect(t *testing.T, device uint64, eid *p4v1.Uint128) *controller {
	t.Helper()
	ctx, cancel := context.WithCancel(f.ctx)
	t.Cleanup(cancel)
	stream, err := f.client.StreamChannel(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&p4v1.StreamMessageRequest{
		Update: &p4v1.StreamMessageRequest_Arbitration{Arbitration: &p4v1.MasterArbitrationUpdate{
			DeviceId:   device,
			ElectionId: eid,
		}},
	}))
	return &controller{stream: stream, cancel: cancel}
}

// arbitration reads the next message, which must be an arbitration
// update, and returns its status code.
func (c *controller) arbitration(t *testing.T) (code.Code, *p4v1.MasterArbitrationUpdate) {
	t.Helper()
	resp, err := c.stream.Recv()
	require.NoError(t, err)
	arb := resp.GetArbitration()
	require.NotNil(t, arb, "got %v", resp)
	return code.Code(arb.GetStatus().GetCode()), arb
}

// primary connects a controller and waits until it is primary.
func (f *fixture) primary(t *testing.T, device uint64, eid *p4v1.Uint128) *controller {
	t.Helper()
	c := f.connect(t, device, eid)
	got, _ := c.arbitration(t)
	require.Equal(t, code.Code_OK, got)
	return c
}

// commit pushes the test pipeline on device as primary eid.
func (f *fixture) commit(t *testing.T, device uint64, eid *p4v1.Uint128, cfg *p4v1.ForwardingPipelineConfig) {
	t.Helper()
	_, err := f.client.SetForwardingPipelineConfig(f.ctx, &p4v1.SetForwardingPipelineConfigRequest{
		DeviceId:   device,
		ElectionId: eid,
		Action:     p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT,
		Config:     cfg,
	})
	require.NoError(t, err)
}

func (f *fixture) write(device uint64, eid *p4v1.Uint128, updates ...*p4v1.Update) error {
	req := tp.Write(device, updates...)
	req.ElectionId = eid
	_, err := f.client.Write(f.ctx, req)
	return err
}
