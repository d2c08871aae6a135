package node_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/frobware/go-p4node"
	tp "github.com/frobware/go-p4node/internal/testpipeline"
	"github.com/frobware/go-p4node/interpreter/sim"
	"github.com/frobware/go-p4node/interpreter/store/sqlite"
	"github.com/frobware/go-p4node/logging"
	"github.com/frobware/go-p4node/node"
	"github.com/frobware/go-p4node/tablemap"
	"github.com/frobware/go-p4node/tablemgr"
)

const (
	testNodeID = 7
	testUnit   = 3
)

// testLogger returns a logger for tests. By default it discards all output.
// Set P4NODE_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("P4NODE_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return logging.Discard()
}

// fixture is a node wired to the software managers and an in-memory
// bookkeeping store.
type fixture struct {
	ctx    context.Context
	node   *node.Node
	mapper *tablemap.Mapper
	tables *tablemgr.Manager
	l2     *sim.L2
	l3     *sim.L3
	acl    *sim.ACL
	pio    *sim.PacketIO
}

type fixtureOption func(*node.Options)

func withStaticWrites(o *node.Options) {
	o.EnableStaticTableWrites = true
}

// newFixture returns a node that has not been configured yet.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	st, err := sqlite.NewInMemory(ctx, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{ctx: ctx}
	f.mapper = tablemap.New(testUnit, logger)
	f.tables = tablemgr.New(testUnit, st, f.mapper, logger)
	f.l2 = sim.NewL2(testUnit, logger)
	f.l3 = sim.NewL3(testUnit, logger)
	f.acl = sim.NewACL(testUnit, f.tables, logger)
	f.pio = sim.NewPacketIO(testUnit, logger)

	o := node.Options{
		Unit:     testUnit,
		Mapper:   f.mapper,
		Tables:   f.tables,
		L2:       f.l2,
		L3:       f.l3,
		ACL:      f.acl,
		PacketIO: f.pio,
		Logger:   logger,
	}
	for _, opt := range opts {
		opt(&o)
	}
	f.node, err = node.New(o)
	require.NoError(t, err)
	return f
}

// newReadyFixture returns a node with chassis and pipeline config
// pushed.
func newReadyFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := newFixture(t, opts...)
	require.NoError(t, f.node.PushChassisConfig(f.ctx, tp.Chassis(testNodeID, testUnit), testNodeID))
	require.NoError(t, f.node.PushForwardingPipelineConfig(f.ctx, tp.Pipeline()))
	return f
}

// write applies updates and returns the per-update results and the
// aggregate error.
func (f *fixture) write(t *testing.T, updates ...*p4v1.Update) ([]error, error) {
	t.Helper()
	results, err := f.node.WriteForwardingEntries(f.ctx, tp.Write(testNodeID, updates...))
	require.Len(t, results, len(updates))
	return results, err
}

// mustWrite applies updates that must all succeed.
func (f *fixture) mustWrite(t *testing.T, updates ...*p4v1.Update) {
	t.Helper()
	results, err := f.write(t, updates...)
	require.NoError(t, err, "results: %v", results)
}

// writeOne applies a single update and returns its result.
func (f *fixture) writeOne(t *testing.T, u *p4v1.Update) error {
	t.Helper()
	results, _ := f.write(t, u)
	return results[0]
}

func (f *fixture) memberInfo(t *testing.T, id uint32) p4node.MemberInfo {
	t.Helper()
	info, err := f.tables.GetNonMultipathNexthopInfo(f.ctx, id)
	require.NoError(t, err)
	return info
}

func (f *fixture) groupInfo(t *testing.T, id uint32) p4node.GroupInfo {
	t.Helper()
	info, err := f.tables.GetMultipathNexthopInfo(f.ctx, id)
	require.NoError(t, err)
	return info
}

// read issues a read for entities and returns the streamed responses.
func (f *fixture) read(t *testing.T, entities ...*p4v1.Entity) ([]*p4v1.ReadResponse, []error) {
	t.Helper()
	var w collectWriter
	details, err := f.node.ReadForwardingEntries(f.ctx, &p4v1.ReadRequest{DeviceId: testNodeID, Entities: entities}, &w)
	require.NoError(t, err)
	return w.resps, details
}

// collectWriter records every read response it is given.
type collectWriter struct {
	resps []*p4v1.ReadResponse
	err   error
}

func (w *collectWriter) Write(resp *p4v1.ReadResponse) error {
	if w.err != nil {
		return w.err
	}
	w.resps = append(w.resps, proto.Clone(resp).(*p4v1.ReadResponse))
	return nil
}

// tableEntries returns the table entries of all responses.
func tableEntries(resps []*p4v1.ReadResponse) []*p4v1.TableEntry {
	var out []*p4v1.TableEntry
	for _, r := range resps {
		for _, e := range r.GetEntities() {
			if te := e.GetTableEntry(); te != nil {
				out = append(out, te)
			}
		}
	}
	return out
}

func tableQuery(tableID uint32) *p4v1.Entity {
	return tp.TableEntity(&p4v1.TableEntry{TableId: tableID})
}

func memberQuery(profileID uint32) *p4v1.Entity {
	return tp.MemberEntity(&p4v1.ActionProfileMember{ActionProfileId: profileID})
}

func groupQuery(profileID uint32) *p4v1.Entity {
	return tp.GroupEntity(&p4v1.ActionProfileGroup{ActionProfileId: profileID})
}

func dropAction() *p4v1.TableAction {
	return tp.Direct(&p4v1.Action{ActionId: tp.ActionDrop})
}
