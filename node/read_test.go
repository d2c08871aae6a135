package node_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/testing/protocmp"

	"github.com/frobware/go-p4node"
	tp "github.com/frobware/go-p4node/internal/testpipeline"
	"github.com/frobware/go-p4node/tablemgr"
)

func TestReadPreconditions(t *testing.T) {
	f := newFixture(t)
	var w collectWriter

	_, err := f.node.ReadForwardingEntries(f.ctx, &p4v1.ReadRequest{}, nil)
	assert.Equal(t, p4node.CodeInvalidParam, p4node.CodeOf(err))
	_, err = f.node.ReadForwardingEntries(f.ctx, nil, &w)
	assert.Equal(t, p4node.CodeInvalidParam, p4node.CodeOf(err))
	_, err = f.node.ReadForwardingEntries(f.ctx, &p4v1.ReadRequest{}, &w)
	assert.Equal(t, p4node.CodeNotInitialized, p4node.CodeOf(err))

	require.NoError(t, f.node.PushChassisConfig(f.ctx, tp.Chassis(testNodeID, testUnit), testNodeID))
	_, err = f.node.ReadForwardingEntries(f.ctx, &p4v1.ReadRequest{DeviceId: testNodeID + 1}, &w)
	assert.Equal(t, p4node.CodeInvalidParam, p4node.CodeOf(err))
	assert.Empty(t, w.resps)
}

func TestReadRoundTrip(t *testing.T) {
	f := newReadyFixture(t)
	route := tp.Route([4]byte{10, 0, 0, 0}, 8, tp.Direct(tp.NexthopAction(1, 0x0a01)))
	acl := tp.ACL(20, 0x88cc)
	f.mustWrite(t, tp.Insert(tp.TableEntity(route)), tp.Insert(tp.TableEntity(acl)))

	resps, details := f.read(t, tableQuery(tp.TableIPv4LPM))
	assert.Empty(t, details)
	require.Len(t, resps, 1)
	got := tableEntries(resps)
	require.Len(t, got, 1)
	assert.Empty(t, cmp.Diff(route, got[0], protocmp.Transform()))

	resps, _ = f.read(t, tableQuery(tp.TableACL))
	got = tableEntries(resps)
	require.Len(t, got, 1)
	want := proto.Clone(acl).(*p4v1.TableEntry)
	want.CounterData = &p4v1.CounterData{}
	assert.Empty(t, cmp.Diff(want, got[0], protocmp.Transform()))
	require.NotNil(t, got[0].GetCounterData(), "ACL entries carry counters")

	require.NoError(t, f.acl.CountTraffic(acl, 3, 192))
	resps, _ = f.read(t, tableQuery(tp.TableACL))
	got = tableEntries(resps)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].GetCounterData().GetPacketCount())
	assert.Equal(t, int64(192), got[0].GetCounterData().GetByteCount())
}

func TestReadWildcardTableID(t *testing.T) {
	f := newReadyFixture(t)
	f.mustWrite(t,
		tp.Insert(tp.TableEntity(tp.Route([4]byte{10, 0, 0, 0}, 8, dropAction()))),
		tp.Insert(tp.TableEntity(tp.HostRoute(tp.TableIPv4Host, [4]byte{10, 0, 0, 1}, dropAction()))),
		tp.Insert(tp.TableEntity(tp.MyStation(tp.RouterMAC))),
		tp.Insert(tp.TableEntity(tp.ACL(10, 0x0806))),
	)

	resps, _ := f.read(t, tableQuery(tp.TableIPv4LPM), tableQuery(tp.TableMyStation))
	assert.Len(t, tableEntries(resps), 2)

	resps, _ = f.read(t, tableQuery(tp.TableIPv4LPM), tableQuery(0))
	require.Len(t, resps, 1, "table entries come back in one response")
	assert.Len(t, tableEntries(resps), 4)

	resps, _ = f.read(t, tableQuery(tp.TableL2Multicast))
	require.Len(t, resps, 1, "an empty table still gets a response")
	assert.Empty(t, tableEntries(resps))
}

func TestReadMembersAndGroups(t *testing.T) {
	f := newReadyFixture(t)
	m1, m2 := tp.Member(1, 1, 0x0a01), tp.Member(2, 2, 0x0a02)
	g := tp.Group(11, 1, 2)
	f.mustWrite(t,
		tp.Insert(tp.MemberEntity(m1)),
		tp.Insert(tp.MemberEntity(m2)),
		tp.Insert(tp.GroupEntity(g)),
		tp.Insert(tp.TableEntity(tp.Route([4]byte{10, 0, 0, 0}, 8, tp.GroupAction(11)))),
	)

	// Responses follow table entries, members, groups whatever the
	// request order.
	resps, details := f.read(t, groupQuery(tp.ActionProfileID), memberQuery(tp.ActionProfileID), tableQuery(0))
	assert.Empty(t, details)
	require.Len(t, resps, 3)
	assert.Len(t, tableEntries(resps[:1]), 1)

	require.Len(t, resps[1].GetEntities(), 2)
	assert.Empty(t, cmp.Diff(m1, resps[1].GetEntities()[0].GetActionProfileMember(), protocmp.Transform()))
	assert.Empty(t, cmp.Diff(m2, resps[1].GetEntities()[1].GetActionProfileMember(), protocmp.Transform()))

	require.Len(t, resps[2].GetEntities(), 1)
	assert.Empty(t, cmp.Diff(g, resps[2].GetEntities()[0].GetActionProfileGroup(), protocmp.Transform()))

	resps, _ = f.read(t, memberQuery(tp.ActionProfileID+1))
	require.Len(t, resps, 1)
	assert.Empty(t, resps[0].GetEntities(), "no members in another profile")

	resps, _ = f.read(t, memberQuery(tp.ActionProfileID+1), memberQuery(0))
	require.Len(t, resps, 1)
	assert.Len(t, resps[0].GetEntities(), 2, "profile id 0 selects every profile")
}

func TestReadPagesMembers(t *testing.T) {
	f := newReadyFixture(t)
	n := tablemgr.ReadPageSize + 1
	updates := make([]*p4v1.Update, 0, n)
	for i := 1; i <= n; i++ {
		updates = append(updates, tp.Insert(tp.MemberEntity(tp.Member(uint32(i), 1, 0x0a0000+uint64(i)))))
	}
	f.mustWrite(t, updates...)

	resps, _ := f.read(t, memberQuery(0))
	require.Len(t, resps, 2)
	assert.Len(t, resps[0].GetEntities(), tablemgr.ReadPageSize)
	assert.Len(t, resps[1].GetEntities(), 1)
}

func TestReadDirectCounter(t *testing.T) {
	f := newReadyFixture(t)
	acl := tp.ACL(10, 0x0800)
	f.mustWrite(t, tp.Insert(tp.TableEntity(acl)))
	require.NoError(t, f.acl.CountTraffic(acl, 5, 500))

	dc := &p4v1.Entity{Entity: &p4v1.Entity_DirectCounterEntry{DirectCounterEntry: &p4v1.DirectCounterEntry{TableEntry: acl}}}
	resps, details := f.read(t, dc, dc)
	assert.Empty(t, details)
	require.Len(t, resps, 2, "one response per direct counter entry")
	data := resps[0].GetEntities()[0].GetDirectCounterEntry().GetData()
	assert.Equal(t, int64(5), data.GetPacketCount())
	assert.Equal(t, int64(500), data.GetByteCount())

	missing := &p4v1.Entity{Entity: &p4v1.Entity_DirectCounterEntry{DirectCounterEntry: &p4v1.DirectCounterEntry{TableEntry: tp.ACL(11, 0x0800)}}}
	var w collectWriter
	_, err := f.node.ReadForwardingEntries(f.ctx, &p4v1.ReadRequest{DeviceId: testNodeID, Entities: []*p4v1.Entity{missing}}, &w)
	assert.Equal(t, p4node.CodeNotFound, p4node.CodeOf(err))
}

func TestReadDetails(t *testing.T) {
	f := newReadyFixture(t)
	f.mustWrite(t, tp.Insert(tp.TableEntity(tp.Route([4]byte{10, 0, 0, 0}, 8, dropAction()))))

	resps, details := f.read(t,
		&p4v1.Entity{Entity: &p4v1.Entity_MeterEntry{MeterEntry: &p4v1.MeterEntry{MeterId: 1}}},
		&p4v1.Entity{Entity: &p4v1.Entity_DirectMeterEntry{DirectMeterEntry: &p4v1.DirectMeterEntry{}}},
		&p4v1.Entity{Entity: &p4v1.Entity_CounterEntry{CounterEntry: &p4v1.CounterEntry{CounterId: 1}}},
		&p4v1.Entity{Entity: &p4v1.Entity_RegisterEntry{RegisterEntry: &p4v1.RegisterEntry{RegisterId: 1}}},
		&p4v1.Entity{},
		tableQuery(0),
	)
	assert.Len(t, tableEntries(resps), 1, "unsupported entities do not abort the read")
	require.Len(t, details, 5)
	codes := make([]p4node.Code, len(details))
	for i, d := range details {
		codes[i] = p4node.CodeOf(d)
	}
	assert.Equal(t, []p4node.Code{
		p4node.CodeUnimplemented,
		p4node.CodeUnimplemented,
		p4node.CodeUnimplemented,
		p4node.CodeUnimplemented,
		p4node.CodeInvalidParam,
	}, codes)
}

func TestReadExternAborts(t *testing.T) {
	f := newReadyFixture(t)
	f.mustWrite(t, tp.Insert(tp.TableEntity(tp.Route([4]byte{10, 0, 0, 0}, 8, dropAction()))))

	var w collectWriter
	_, err := f.node.ReadForwardingEntries(f.ctx, &p4v1.ReadRequest{
		DeviceId: testNodeID,
		Entities: []*p4v1.Entity{
			tableQuery(0),
			{Entity: &p4v1.Entity_ExternEntry{ExternEntry: &p4v1.ExternEntry{ExternTypeId: 1}}},
		},
	}, &w)
	assert.Equal(t, p4node.CodeUnimplemented, p4node.CodeOf(err))
	assert.Empty(t, w.resps)
}

func TestReadWriterFailure(t *testing.T) {
	f := newReadyFixture(t)
	w := collectWriter{err: errors.New("stream closed")}
	_, err := f.node.ReadForwardingEntries(f.ctx, &p4v1.ReadRequest{
		DeviceId: testNodeID,
		Entities: []*p4v1.Entity{tableQuery(0)},
	}, &w)
	require.Error(t, err)
	assert.Equal(t, p4node.CodeInternal, p4node.CodeOf(err))
	assert.Contains(t, err.Error(), "stream closed")
}
