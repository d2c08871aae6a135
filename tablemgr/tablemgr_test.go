package tablemgr_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/testing/protocmp"

	"github.com/frobware/go-p4node"
	tp "github.com/frobware/go-p4node/internal/testpipeline"
	"github.com/frobware/go-p4node/interpreter"
	"github.com/frobware/go-p4node/interpreter/store/sqlite"
	"github.com/frobware/go-p4node/logging"
	"github.com/frobware/go-p4node/tablemap"
	"github.com/frobware/go-p4node/tablemgr"
)

const (
	testNodeID = 1
	testUnit   = 0

	memberID1 = 1
	memberID2 = 2
	memberID3 = 3
	groupID1  = 11
	groupID2  = 12

	egress1 = 100001
	egress2 = 100002
	egress3 = 100003
	egress4 = 200001
	egress5 = 200002
)

// testLogger returns a logger for tests. By default it discards all output.
// Set P4NODE_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("P4NODE_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return logging.Discard()
}

type fixture struct {
	ctx   context.Context
	mgr   *tablemgr.Manager
	store interpreter.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.NewInMemory(ctx, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mapper := tablemap.New(testUnit, testLogger())
	cfg := tp.Chassis(testNodeID, testUnit)
	require.NoError(t, mapper.PushChassisConfig(ctx, cfg, testNodeID))
	require.NoError(t, mapper.PushForwardingPipelineConfig(ctx, tp.Pipeline()))

	mgr := tablemgr.New(testUnit, st, mapper, testLogger())
	require.NoError(t, mgr.PushChassisConfig(ctx, cfg, testNodeID))
	return &fixture{ctx: ctx, mgr: mgr, store: st}
}

func (f *fixture) addMember(t *testing.T, id uint32, egress int32) *p4v1.ActionProfileMember {
	t.Helper()
	m := tp.Member(id, 1, 0x0a0000000000+uint64(id))
	require.NoError(t, f.mgr.AddActionProfileMember(f.ctx, m, p4node.NexthopPort, egress))
	return m
}

func (f *fixture) memberInfo(t *testing.T, id uint32) p4node.MemberInfo {
	t.Helper()
	info, err := f.mgr.GetNonMultipathNexthopInfo(f.ctx, id)
	require.NoError(t, err)
	return info
}

func (f *fixture) groupInfo(t *testing.T, id uint32) p4node.GroupInfo {
	t.Helper()
	info, err := f.mgr.GetMultipathNexthopInfo(f.ctx, id)
	require.NoError(t, err)
	return info
}

func requireCode(t *testing.T, err error, code p4node.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, p4node.CodeOf(err), "error: %v", err)
}

type recordingWriter struct {
	resps []*p4v1.ReadResponse
}

func (w *recordingWriter) Write(resp *p4v1.ReadResponse) error {
	w.resps = append(w.resps, resp)
	return nil
}

func TestPushChassisConfigClearsStoreOnce(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, memberID1, egress1)

	// A repeated push must not lose the mirror of what is installed.
	require.NoError(t, f.mgr.PushChassisConfig(f.ctx, tp.Chassis(testNodeID, testUnit), testNodeID))
	ok, err := f.mgr.ActionProfileMemberExists(f.ctx, memberID1)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.mgr.Shutdown(f.ctx))
	ok, err = f.mgr.ActionProfileMemberExists(f.ctx, memberID1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyChassisConfig(t *testing.T) {
	f := newFixture(t)
	requireCode(t, f.mgr.VerifyChassisConfig(f.ctx, nil, testNodeID), p4node.CodeInvalidParam)
	requireCode(t, f.mgr.VerifyChassisConfig(f.ctx, tp.Chassis(testNodeID, testUnit), 99), p4node.CodeInvalidParam)
	requireCode(t, f.mgr.VerifyChassisConfig(f.ctx, tp.Chassis(testNodeID, testUnit+1), testNodeID), p4node.CodeInvalidParam)
	require.NoError(t, f.mgr.VerifyChassisConfig(f.ctx, tp.Chassis(testNodeID, testUnit), testNodeID))
}

func TestAddTableEntry(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, memberID1, egress1)
	require.NoError(t, f.mgr.AddActionProfileGroup(f.ctx, tp.Group(groupID1, memberID1), egress4))

	assert.Equal(t, uint32(1), f.memberInfo(t, memberID1).GroupRefCount)
	assert.Equal(t, uint32(0), f.memberInfo(t, memberID1).FlowRefCount)

	require.NoError(t, f.mgr.AddTableEntry(f.ctx, tp.Route([4]byte{10, 0, 0, 0}, 8, tp.MemberAction(memberID1))))
	require.NoError(t, f.mgr.AddTableEntry(f.ctx, tp.Route([4]byte{10, 1, 0, 0}, 16, tp.GroupAction(groupID1))))

	info := f.memberInfo(t, memberID1)
	assert.Equal(t, uint32(1), info.GroupRefCount)
	assert.Equal(t, uint32(1), info.FlowRefCount)
	assert.Equal(t, uint32(1), f.groupInfo(t, groupID1).FlowRefCount)
}

func TestAddTableEntryFailures(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, memberID1, egress1)
	existing := tp.Route([4]byte{10, 0, 0, 0}, 8, tp.MemberAction(memberID1))
	require.NoError(t, f.mgr.AddTableEntry(f.ctx, existing))

	noTable := tp.Route([4]byte{10, 2, 0, 0}, 16, tp.MemberAction(memberID1))
	noTable.TableId = 0
	unknownTable := tp.Route([4]byte{10, 2, 0, 0}, 16, tp.MemberAction(memberID1))
	unknownTable.TableId = 999

	tests := []struct {
		name    string
		entry   *p4v1.TableEntry
		code    p4node.Code
		wantErr string
	}{
		{name: "no table id", entry: noTable, code: p4node.CodeInvalidParam, wantErr: "no table id"},
		{name: "unknown table", entry: unknownTable, code: p4node.CodeInvalidParam, wantErr: "unknown table id"},
		{name: "entry exists", entry: existing, code: p4node.CodeAlreadyExists, wantErr: "already exists"},
		{
			name:    "unknown member",
			entry:   tp.Route([4]byte{10, 3, 0, 0}, 16, tp.MemberAction(memberID2)),
			code:    p4node.CodeNotFound,
			wantErr: "unknown member_id",
		},
		{
			name:    "unknown group",
			entry:   tp.Route([4]byte{10, 4, 0, 0}, 16, tp.GroupAction(groupID1)),
			code:    p4node.CodeNotFound,
			wantErr: "unknown group_id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.mgr.AddTableEntry(f.ctx, tt.entry)
			requireCode(t, err, tt.code)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
	// Failed adds leave the counters alone.
	assert.Equal(t, uint32(1), f.memberInfo(t, memberID1).FlowRefCount)
}

func TestUpdateTableEntryMovesFlowReference(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, memberID1, egress1)
	f.addMember(t, memberID2, egress2)

	require.NoError(t, f.mgr.AddTableEntry(f.ctx, tp.Route([4]byte{10, 0, 0, 0}, 8, tp.MemberAction(memberID1))))
	require.NoError(t, f.mgr.UpdateTableEntry(f.ctx, tp.Route([4]byte{10, 0, 0, 0}, 8, tp.MemberAction(memberID2))))

	assert.Equal(t, uint32(0), f.memberInfo(t, memberID1).FlowRefCount)
	assert.Equal(t, uint32(1), f.memberInfo(t, memberID2).FlowRefCount)

	// Same member again is a no-op for the counters.
	require.NoError(t, f.mgr.UpdateTableEntry(f.ctx, tp.Route([4]byte{10, 0, 0, 0}, 8, tp.MemberAction(memberID2))))
	assert.Equal(t, uint32(1), f.memberInfo(t, memberID2).FlowRefCount)

	err := f.mgr.UpdateTableEntry(f.ctx, tp.Route([4]byte{10, 9, 0, 0}, 16, tp.MemberAction(memberID2)))
	requireCode(t, err, p4node.CodeNotFound)
}

func TestDeleteTableEntry(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, memberID1, egress1)
	entry := tp.Route([4]byte{10, 0, 0, 0}, 8, tp.MemberAction(memberID1))
	require.NoError(t, f.mgr.AddTableEntry(f.ctx, entry))

	// Only the match key identifies the entry on delete.
	key := tp.Route([4]byte{10, 0, 0, 0}, 8, nil)
	require.NoError(t, f.mgr.DeleteTableEntry(f.ctx, key))
	assert.Equal(t, uint32(0), f.memberInfo(t, memberID1).FlowRefCount)

	requireCode(t, f.mgr.DeleteTableEntry(f.ctx, key), p4node.CodeNotFound)
	noTable := tp.Route([4]byte{10, 0, 0, 0}, 8, nil)
	noTable.TableId = 0
	requireCode(t, f.mgr.DeleteTableEntry(f.ctx, noTable), p4node.CodeInvalidParam)
}

func TestAddActionProfileMember(t *testing.T) {
	f := newFixture(t)

	ok, err := f.mgr.ActionProfileMemberExists(f.ctx, memberID1)
	require.NoError(t, err)
	assert.False(t, ok)

	f.addMember(t, memberID1, egress1)
	require.NoError(t, f.mgr.AddActionProfileMember(f.ctx, tp.Member(memberID2, 2, 0x0b), p4node.NexthopTrunk, egress2))

	assert.Equal(t, p4node.MemberInfo{
		ActionProfileID: tp.ActionProfileID,
		MemberID:        memberID1,
		EgressIntfID:    egress1,
		Type:            p4node.NexthopPort,
	}, f.memberInfo(t, memberID1))
	assert.Equal(t, p4node.NexthopTrunk, f.memberInfo(t, memberID2).Type)

	ok, err = f.mgr.ActionProfileMemberExists(f.ctx, memberID1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAddActionProfileMemberFailures(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, memberID1, egress1)

	noMember := tp.Member(0, 1, 0x0a)
	noProfile := tp.Member(memberID2, 1, 0x0a)
	noProfile.ActionProfileId = 0

	tests := []struct {
		name   string
		member *p4v1.ActionProfileMember
		egress int32
		code   p4node.Code
	}{
		{name: "no member id", member: noMember, egress: egress2, code: p4node.CodeInvalidParam},
		{name: "no action profile id", member: noProfile, egress: egress2, code: p4node.CodeInvalidParam},
		{name: "member exists", member: tp.Member(memberID1, 1, 0x0a), egress: egress2, code: p4node.CodeAlreadyExists},
		{name: "egress taken", member: tp.Member(memberID2, 1, 0x0a), egress: egress1, code: p4node.CodeInvalidParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireCode(t, f.mgr.AddActionProfileMember(f.ctx, tt.member, p4node.NexthopPort, tt.egress), tt.code)
		})
	}
}

func TestUpdateActionProfileMember(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, memberID1, egress1)
	require.NoError(t, f.mgr.AddTableEntry(f.ctx, tp.Route([4]byte{10, 0, 0, 0}, 8, tp.MemberAction(memberID1))))

	updated := tp.Member(memberID1, 2, 0x0c)
	require.NoError(t, f.mgr.UpdateActionProfileMember(f.ctx, updated, p4node.NexthopTrunk))

	info := f.memberInfo(t, memberID1)
	assert.Equal(t, int32(egress1), info.EgressIntfID)
	assert.Equal(t, p4node.NexthopTrunk, info.Type)
	assert.Equal(t, uint32(1), info.FlowRefCount)

	w := &recordingWriter{}
	require.NoError(t, f.mgr.ReadActionProfileMembers(f.ctx, nil, w))
	require.Len(t, w.resps, 1)
	require.Len(t, w.resps[0].GetEntities(), 1)
	assert.Empty(t, cmp.Diff(updated, w.resps[0].GetEntities()[0].GetActionProfileMember(), protocmp.Transform()))

	requireCode(t, f.mgr.UpdateActionProfileMember(f.ctx, tp.Member(memberID2, 1, 0x0a), p4node.NexthopPort), p4node.CodeNotFound)
}

func TestDeleteActionProfileMember(t *testing.T) {
	f := newFixture(t)
	m1 := f.addMember(t, memberID1, egress1)
	m2 := f.addMember(t, memberID2, egress2)
	m3 := f.addMember(t, memberID3, egress3)
	route := tp.Route([4]byte{10, 0, 0, 0}, 8, tp.MemberAction(memberID1))
	require.NoError(t, f.mgr.AddTableEntry(f.ctx, route))
	require.NoError(t, f.mgr.AddActionProfileGroup(f.ctx, tp.Group(groupID1, memberID2), egress4))

	err := f.mgr.DeleteActionProfileMember(f.ctx, m1)
	requireCode(t, err, p4node.CodeInUse)
	assert.Contains(t, err.Error(), "flow_ref_count=1")

	err = f.mgr.DeleteActionProfileMember(f.ctx, m2)
	requireCode(t, err, p4node.CodeInUse)
	assert.Contains(t, err.Error(), "group_ref_count=1")

	require.NoError(t, f.mgr.DeleteActionProfileMember(f.ctx, m3))
	requireCode(t, f.mgr.DeleteActionProfileMember(f.ctx, m3), p4node.CodeNotFound)

	require.NoError(t, f.mgr.DeleteTableEntry(f.ctx, route))
	require.NoError(t, f.mgr.DeleteActionProfileMember(f.ctx, m1))
}

func TestAddActionProfileGroup(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, memberID1, egress1)
	require.NoError(t, f.mgr.AddActionProfileMember(f.ctx, tp.Member(memberID2, 2, 0x0b), p4node.NexthopTrunk, egress2))
	f.addMember(t, memberID3, egress3)

	ok, err := f.mgr.ActionProfileGroupExists(f.ctx, groupID1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.mgr.AddActionProfileGroup(f.ctx, tp.Group(groupID1, memberID1, memberID2), egress4))
	require.NoError(t, f.mgr.AddActionProfileGroup(f.ctx, tp.Group(groupID2, memberID3), egress5))

	assert.Equal(t, p4node.GroupInfo{
		ActionProfileID: tp.ActionProfileID,
		GroupID:         groupID1,
		EgressIntfID:    egress4,
		Members:         map[uint32]int32{memberID1: 1, memberID2: 1},
	}, f.groupInfo(t, groupID1))
	assert.Equal(t, map[uint32]int32{memberID3: 1}, f.groupInfo(t, groupID2).Members)
	for _, id := range []uint32{memberID1, memberID2, memberID3} {
		assert.Equal(t, uint32(1), f.memberInfo(t, id).GroupRefCount, "member %d", id)
	}

	ok, err = f.mgr.ActionProfileGroupExists(f.ctx, groupID1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAddActionProfileGroupFailures(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, memberID1, egress1)
	require.NoError(t, f.mgr.AddActionProfileGroup(f.ctx, tp.Group(groupID1, memberID1), egress4))

	noGroup := tp.Group(0, memberID1)
	noProfile := tp.Group(groupID2, memberID1)
	noProfile.ActionProfileId = 0

	tests := []struct {
		name   string
		group  *p4v1.ActionProfileGroup
		egress int32
		code   p4node.Code
	}{
		{name: "no group id", group: noGroup, egress: egress5, code: p4node.CodeInvalidParam},
		{name: "no action profile id", group: noProfile, egress: egress5, code: p4node.CodeInvalidParam},
		{name: "group exists", group: tp.Group(groupID1, memberID1), egress: egress5, code: p4node.CodeAlreadyExists},
		{name: "duplicate member", group: tp.Group(groupID2, memberID1, memberID1), egress: egress5, code: p4node.CodeInvalidParam},
		{name: "unknown member", group: tp.Group(groupID2, memberID1, memberID2), egress: egress5, code: p4node.CodeNotFound},
		{name: "egress taken", group: tp.Group(groupID2, memberID1), egress: egress4, code: p4node.CodeInvalidParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireCode(t, f.mgr.AddActionProfileGroup(f.ctx, tt.group, tt.egress), tt.code)
		})
	}
	// None of the failures took a reference.
	assert.Equal(t, uint32(1), f.memberInfo(t, memberID1).GroupRefCount)
}

func TestUpdateActionProfileGroup(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, memberID1, egress1)
	f.addMember(t, memberID2, egress2)
	f.addMember(t, memberID3, egress3)
	require.NoError(t, f.mgr.AddActionProfileGroup(f.ctx, tp.Group(groupID1, memberID1, memberID2), egress4))
	require.NoError(t, f.mgr.AddActionProfileGroup(f.ctx, tp.Group(groupID2, memberID3), egress5))

	require.NoError(t, f.mgr.UpdateActionProfileGroup(f.ctx, tp.Group(groupID1, memberID2)))
	assert.Equal(t, map[uint32]int32{memberID2: 1}, f.groupInfo(t, groupID1).Members)
	assert.Equal(t, uint32(0), f.memberInfo(t, memberID1).GroupRefCount)

	group := tp.Group(groupID2, memberID1, memberID3)
	group.Members[0].Weight = 5
	require.NoError(t, f.mgr.UpdateActionProfileGroup(f.ctx, group))

	info := f.groupInfo(t, groupID2)
	assert.Equal(t, int32(egress5), info.EgressIntfID)
	assert.Equal(t, map[uint32]int32{memberID1: 5, memberID3: 1}, info.Members)
	assert.Equal(t, uint32(1), f.memberInfo(t, memberID1).GroupRefCount)
	assert.Equal(t, uint32(1), f.memberInfo(t, memberID2).GroupRefCount)
	assert.Equal(t, uint32(1), f.memberInfo(t, memberID3).GroupRefCount)

	requireCode(t, f.mgr.UpdateActionProfileGroup(f.ctx, tp.Group(groupID2, memberID1, memberID1)), p4node.CodeInvalidParam)
	requireCode(t, f.mgr.UpdateActionProfileGroup(f.ctx, tp.Group(99, memberID1)), p4node.CodeNotFound)
}

func TestDeleteActionProfileGroup(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, memberID1, egress1)
	f.addMember(t, memberID2, egress2)
	group := tp.Group(groupID1, memberID1, memberID2)
	require.NoError(t, f.mgr.AddActionProfileGroup(f.ctx, group, egress4))
	require.NoError(t, f.mgr.AddActionProfileGroup(f.ctx, tp.Group(groupID2, memberID1), egress5))
	route := tp.Route([4]byte{10, 0, 0, 0}, 8, tp.GroupAction(groupID1))
	require.NoError(t, f.mgr.AddTableEntry(f.ctx, route))

	err := f.mgr.DeleteActionProfileGroup(f.ctx, group)
	requireCode(t, err, p4node.CodeInUse)
	assert.Contains(t, err.Error(), "flow_ref_count=1")

	require.NoError(t, f.mgr.DeleteTableEntry(f.ctx, route))
	require.NoError(t, f.mgr.DeleteActionProfileGroup(f.ctx, group))

	// Only the deleted group's own reference is released.
	assert.Equal(t, uint32(1), f.memberInfo(t, memberID1).GroupRefCount)
	assert.Equal(t, uint32(0), f.memberInfo(t, memberID2).GroupRefCount)
	requireCode(t, f.mgr.DeleteActionProfileGroup(f.ctx, group), p4node.CodeNotFound)
}

func TestGetGroupsForMember(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, memberID1, egress1)
	f.addMember(t, memberID2, egress2)
	require.NoError(t, f.mgr.AddActionProfileGroup(f.ctx, tp.Group(groupID2, memberID1), egress5))
	require.NoError(t, f.mgr.AddActionProfileGroup(f.ctx, tp.Group(groupID1, memberID1, memberID2), egress4))

	ids, err := f.mgr.GetGroupsForMember(f.ctx, memberID1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{groupID1, groupID2}, ids)

	ids, err = f.mgr.GetGroupsForMember(f.ctx, memberID2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{groupID1}, ids)

	_, err = f.mgr.GetGroupsForMember(f.ctx, memberID3)
	requireCode(t, err, p4node.CodeNotFound)
}

func TestGetNexthopInfoNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.GetNonMultipathNexthopInfo(f.ctx, memberID1)
	requireCode(t, err, p4node.CodeNotFound)
	_, err = f.mgr.GetMultipathNexthopInfo(f.ctx, groupID1)
	requireCode(t, err, p4node.CodeNotFound)
}

func TestFillFlowEntryResolvesEgress(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, memberID1, egress1)
	require.NoError(t, f.mgr.AddActionProfileGroup(f.ctx, tp.Group(groupID1, memberID1), egress4))

	fe, err := f.mgr.FillFlowEntry(f.ctx, tp.Route([4]byte{10, 0, 0, 0}, 8, tp.MemberAction(memberID1)), p4v1.Update_INSERT)
	require.NoError(t, err)
	assert.Equal(t, p4node.TableIPv4LPM, fe.Category)
	assert.Equal(t, int32(egress1), fe.Action.EgressIntfID)

	fe, err = f.mgr.FillFlowEntry(f.ctx, tp.Route([4]byte{10, 0, 0, 0}, 8, tp.GroupAction(groupID1)), p4v1.Update_MODIFY)
	require.NoError(t, err)
	assert.Equal(t, int32(egress4), fe.Action.EgressIntfID)

	_, err = f.mgr.FillFlowEntry(f.ctx, tp.Route([4]byte{10, 0, 0, 0}, 8, tp.MemberAction(memberID2)), p4v1.Update_INSERT)
	requireCode(t, err, p4node.CodeNotFound)

	// DELETE does not need the referenced member to exist.
	_, err = f.mgr.FillFlowEntry(f.ctx, tp.Route([4]byte{10, 0, 0, 0}, 8, tp.MemberAction(memberID2)), p4v1.Update_DELETE)
	require.NoError(t, err)
}

func TestFillNonMultipathNexthop(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		action *p4v1.Action
		want   p4node.NexthopType
	}{
		{name: "port", action: tp.NexthopAction(2, 0x0a), want: p4node.NexthopPort},
		{name: "drop", action: &p4v1.Action{ActionId: tp.ActionDrop}, want: p4node.NexthopDrop},
		{name: "cpu", action: &p4v1.Action{ActionId: tp.ActionPunt}, want: p4node.NexthopCPU},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &p4v1.ActionProfileMember{ActionProfileId: tp.ActionProfileID, MemberId: memberID1, Action: tt.action}
			nh, err := f.mgr.FillNonMultipathNexthop(f.ctx, m)
			require.NoError(t, err)
			assert.Equal(t, tt.want, nh.Type)
			assert.Equal(t, testUnit, nh.Unit)
		})
	}

	_, err := f.mgr.FillNonMultipathNexthop(f.ctx, &p4v1.ActionProfileMember{ActionProfileId: tp.ActionProfileID, Action: tp.NexthopAction(1, 1)})
	requireCode(t, err, p4node.CodeInvalidParam)
}

func TestFillMultipathNexthop(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, memberID1, egress3)
	f.addMember(t, memberID2, egress1)

	group := tp.Group(groupID1, memberID1, memberID2)
	group.Members[0].Weight = 4
	group.Members[1].Weight = 0

	nh, err := f.mgr.FillMultipathNexthop(f.ctx, group)
	require.NoError(t, err)
	assert.Equal(t, p4node.MultipathNexthop{
		Unit: testUnit,
		Members: []p4node.MultipathMember{
			{EgressIntfID: egress1, Weight: 1},
			{EgressIntfID: egress3, Weight: 4},
		},
	}, nh)

	_, err = f.mgr.FillMultipathNexthop(f.ctx, tp.Group(groupID1, memberID1, memberID3))
	requireCode(t, err, p4node.CodeNotFound)
}

func TestReadBeforeAnythingIsAdded(t *testing.T) {
	f := newFixture(t)

	resp, acl, err := f.mgr.ReadTableEntries(f.ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.GetEntities())
	assert.Empty(t, acl)

	w := &recordingWriter{}
	require.NoError(t, f.mgr.ReadActionProfileMembers(f.ctx, nil, w))
	require.NoError(t, f.mgr.ReadActionProfileGroups(f.ctx, nil, w))
	require.Len(t, w.resps, 2)
	for _, r := range w.resps {
		assert.Empty(t, r.GetEntities())
	}

	requireCode(t, f.mgr.ReadActionProfileMembers(f.ctx, nil, nil), p4node.CodeInvalidParam)
}

func TestReadRoundTrip(t *testing.T) {
	f := newFixture(t)
	member := f.addMember(t, memberID1, egress1)
	group := tp.Group(groupID1, memberID1)
	require.NoError(t, f.mgr.AddActionProfileGroup(f.ctx, group, egress4))
	route := tp.Route([4]byte{10, 0, 0, 0}, 8, tp.MemberAction(memberID1))
	acl := tp.ACL(5, 0x0806)
	require.NoError(t, f.mgr.AddTableEntry(f.ctx, route))
	require.NoError(t, f.mgr.AddTableEntry(f.ctx, acl))

	w := &recordingWriter{}
	require.NoError(t, f.mgr.ReadActionProfileMembers(f.ctx, nil, w))
	require.NoError(t, f.mgr.ReadActionProfileGroups(f.ctx, map[uint32]bool{tp.ActionProfileID: true}, w))
	require.Len(t, w.resps, 2)
	assert.Empty(t, cmp.Diff(&p4v1.ReadResponse{Entities: []*p4v1.Entity{tp.MemberEntity(member)}}, w.resps[0], protocmp.Transform()))
	assert.Empty(t, cmp.Diff(&p4v1.ReadResponse{Entities: []*p4v1.Entity{tp.GroupEntity(group)}}, w.resps[1], protocmp.Transform()))

	resp, aclEntries, err := f.mgr.ReadTableEntries(f.ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(&p4v1.ReadResponse{Entities: []*p4v1.Entity{tp.TableEntity(route), tp.TableEntity(acl)}}, resp, protocmp.Transform()))
	require.Len(t, aclEntries, 1)
	assert.Empty(t, cmp.Diff(acl, aclEntries[0], protocmp.Transform()))

	// ACL entries are returned by reference into the response.
	aclEntries[0].CounterData = &p4v1.CounterData{PacketCount: 3}
	assert.Equal(t, int64(3), resp.GetEntities()[1].GetTableEntry().GetCounterData().GetPacketCount())

	resp, aclEntries, err = f.mgr.ReadTableEntries(f.ctx, map[uint32]bool{tp.TableIPv4LPM: true})
	require.NoError(t, err)
	assert.Len(t, resp.GetEntities(), 1)
	assert.Empty(t, aclEntries)
}

func TestReadFiltersByActionProfile(t *testing.T) {
	f := newFixture(t)
	f.addMember(t, memberID1, egress1)

	w := &recordingWriter{}
	require.NoError(t, f.mgr.ReadActionProfileMembers(f.ctx, map[uint32]bool{tp.ActionProfileID + 1: true}, w))
	require.Len(t, w.resps, 1)
	assert.Empty(t, w.resps[0].GetEntities())
}

func TestReadActionProfileMembersPages(t *testing.T) {
	f := newFixture(t)
	n := tablemgr.ReadPageSize + 3
	for i := 1; i <= n; i++ {
		f.addMember(t, uint32(i), int32(100000+i))
	}

	w := &recordingWriter{}
	require.NoError(t, f.mgr.ReadActionProfileMembers(f.ctx, nil, w))
	require.Len(t, w.resps, 2)
	assert.Len(t, w.resps[0].GetEntities(), tablemgr.ReadPageSize)
	assert.Len(t, w.resps[1].GetEntities(), 3)
	assert.Equal(t, uint32(1), w.resps[0].GetEntities()[0].GetActionProfileMember().GetMemberId())
}
