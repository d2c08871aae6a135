package ebpf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-p4node"
	tp "github.com/frobware/go-p4node/internal/testpipeline"
	"github.com/frobware/go-p4node/logging"
)

const testUnit = 4

// testLogger returns a logger for tests. By default it discards all output.
// Set P4NODE_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("P4NODE_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return logging.Discard()
}

// fakeMap stores entries keyed by their printed form.
type fakeMap struct {
	entries map[string]any
	putErr  error
}

func newFakeMap() *fakeMap { return &fakeMap{entries: map[string]any{}} }

func (m *fakeMap) Put(key, value any) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.entries[fmt.Sprint(key)] = value
	return nil
}

func (m *fakeMap) Delete(key any) error {
	k := fmt.Sprint(key)
	if _, ok := m.entries[k]; !ok {
		return errors.New("key does not exist")
	}
	delete(m.entries, k)
	return nil
}

func (m *fakeMap) Close() error { return nil }

type fakeMaps struct {
	v4, v6, nexthops, multipaths *fakeMap
}

func newTestL3(t *testing.T) (*L3, fakeMaps) {
	t.Helper()
	fm := fakeMaps{v4: newFakeMap(), v6: newFakeMap(), nexthops: newFakeMap(), multipaths: newFakeMap()}
	maps := &Maps{RoutesV4: fm.v4, RoutesV6: fm.v6, Nexthops: fm.nexthops, Multipaths: fm.multipaths}
	return NewL3(testUnit, maps, testLogger()), fm
}

func portMultipath(egress int32) p4node.MultipathNexthop {
	return p4node.MultipathNexthop{Unit: testUnit, Members: []p4node.MultipathMember{{EgressIntfID: egress, Weight: 1}}}
}

func portNexthop(port uint32, dst uint64) p4node.NonMultipathNexthop {
	return p4node.NonMultipathNexthop{Unit: testUnit, Type: p4node.NexthopPort, LogicalPort: port, SrcMAC: tp.RouterMAC, DstMAC: dst}
}

func v4Route(addr []byte, prefixLen int32, action p4node.FlowAction) *p4node.FlowEntry {
	var ip [4]byte
	copy(ip[:], addr)
	return &p4node.FlowEntry{
		Unit:     testUnit,
		Category: p4node.TableIPv4LPM,
		TableID:  tp.TableIPv4LPM,
		Fields:   []p4node.FlowField{{ID: 1, Kind: p4node.FieldLPM, Value: addr, PrefixLen: prefixLen}},
		Action:   action,
		Entry:    tp.Route(ip, prefixLen, nil),
	}
}

func TestNexthopsAreMirrored(t *testing.T) {
	ctx := context.Background()
	l3, fm := newTestL3(t)

	id, err := l3.FindOrCreateNonMultipathNexthop(ctx, portNexthop(1, 0x0a0b0c0d0e0f))
	require.NoError(t, err)
	got, ok := fm.nexthops.entries[fmt.Sprint(uint32(id))].(nexthopValue)
	require.True(t, ok)
	assert.Equal(t, uint32(p4node.NexthopPort), got.Type)
	assert.Equal(t, uint32(1), got.Port)
	assert.Equal(t, [6]byte{0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}, got.DstMAC)

	again, err := l3.FindOrCreateNonMultipathNexthop(ctx, portNexthop(1, 0x0a0b0c0d0e0f))
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, l3.InstalledCount())

	require.NoError(t, l3.ModifyNonMultipathNexthop(ctx, id, portNexthop(2, 0x0a0b0c0d0e0f)))
	assert.Equal(t, uint32(2), fm.nexthops.entries[fmt.Sprint(uint32(id))].(nexthopValue).Port)

	require.NoError(t, l3.DeleteNonMultipathNexthop(ctx, id))
	assert.Empty(t, fm.nexthops.entries)
	assert.Equal(t, 0, l3.InstalledCount())
}

func TestFailedMapWriteRollsBackModel(t *testing.T) {
	ctx := context.Background()
	l3, fm := newTestL3(t)
	fm.nexthops.putErr = errors.New("map full")

	_, err := l3.FindOrCreateNonMultipathNexthop(ctx, portNexthop(1, 0x0a))
	require.Error(t, err)
	assert.Equal(t, p4node.CodeInternal, p4node.CodeOf(err))

	fm.nexthops.putErr = nil
	id, err := l3.FindOrCreateNonMultipathNexthop(ctx, portNexthop(1, 0x0a))
	require.NoError(t, err)
	assert.Contains(t, fm.nexthops.entries, fmt.Sprint(uint32(id)), "a retry programs the map")
}

func TestMultipathIsMirrored(t *testing.T) {
	ctx := context.Background()
	l3, fm := newTestL3(t)
	a, err := l3.FindOrCreateNonMultipathNexthop(ctx, portNexthop(1, 0x0a))
	require.NoError(t, err)
	b, err := l3.FindOrCreateNonMultipathNexthop(ctx, portNexthop(2, 0x0b))
	require.NoError(t, err)

	mp := p4node.MultipathNexthop{Unit: testUnit, Members: []p4node.MultipathMember{{EgressIntfID: a, Weight: 2}, {EgressIntfID: b}}}
	id, err := l3.FindOrCreateMultipathNexthop(ctx, mp)
	require.NoError(t, err)
	got := fm.multipaths.entries[fmt.Sprint(uint32(id))].(multipathValue)
	assert.Equal(t, uint32(2), got.Count)
	assert.Equal(t, []int32{a, b}, got.Egress[:2])
	assert.Equal(t, []uint32{2, 1}, got.Weights[:2], "unweighted legs count once")

	assert.Equal(t, p4node.CodeInUse, p4node.CodeOf(l3.DeleteNonMultipathNexthop(ctx, a)))
	assert.Contains(t, fm.nexthops.entries, fmt.Sprint(uint32(a)), "a refused delete leaves the map alone")

	require.NoError(t, l3.DeleteMultipathNexthop(ctx, id))
	assert.Empty(t, fm.multipaths.entries)
}

func TestMultipathTooManyLegs(t *testing.T) {
	ctx := context.Background()
	l3, _ := newTestL3(t)
	id, err := l3.FindOrCreateNonMultipathNexthop(ctx, portNexthop(1, 0x0a))
	require.NoError(t, err)

	mp := p4node.MultipathNexthop{Unit: testUnit}
	for range MaxMultipathLegs + 1 {
		mp.Members = append(mp.Members, p4node.MultipathMember{EgressIntfID: id, Weight: 1})
	}
	_, err = l3.FindOrCreateMultipathNexthop(ctx, mp)
	assert.Equal(t, p4node.CodeInvalidParam, p4node.CodeOf(err))
}

func TestRoutesAreMirrored(t *testing.T) {
	ctx := context.Background()
	l3, fm := newTestL3(t)
	egress, err := l3.FindOrCreateNonMultipathNexthop(ctx, portNexthop(1, 0x0a))
	require.NoError(t, err)

	// Canonical bytestrings may drop leading zero bytes.
	r := v4Route([]byte{0, 0}, 16, p4node.FlowAction{Kind: p4node.ActionMember, EgressIntfID: egress})
	require.NoError(t, l3.InsertLpmOrHostFlow(ctx, r))
	key := fmt.Sprint(routeKeyV4{Prefixlen: 16, Addr: [4]byte{0, 0, 0, 0}})
	require.Contains(t, fm.v4.entries, key)
	assert.Equal(t, routeValue{Action: routeForward, EgressIntfID: egress}, fm.v4.entries[key])

	require.NoError(t, l3.ModifyLpmOrHostFlow(ctx, v4Route([]byte{0, 0}, 16, p4node.FlowAction{Kind: p4node.ActionDrop})))
	assert.Equal(t, routeValue{Action: routeDrop}, fm.v4.entries[key])

	require.NoError(t, l3.DeleteLpmOrHostFlow(ctx, v4Route([]byte{0, 0}, 16, p4node.FlowAction{})))
	assert.Empty(t, fm.v4.entries)
}

func TestRouteRejectedBeforeModel(t *testing.T) {
	ctx := context.Background()
	l3, fm := newTestL3(t)

	tests := []struct {
		name  string
		entry *p4node.FlowEntry
	}{
		{name: "prefix too long", entry: v4Route([]byte{10, 0, 0, 0}, 33, p4node.FlowAction{Kind: p4node.ActionDrop})},
		{name: "address too wide", entry: v4Route([]byte{1, 2, 3, 4, 5}, 8, p4node.FlowAction{Kind: p4node.ActionDrop})},
		{name: "multicast action", entry: v4Route([]byte{10, 0, 0, 0}, 8, p4node.FlowAction{Kind: p4node.ActionMulticast})},
		{name: "no match", entry: &p4node.FlowEntry{Unit: testUnit, Category: p4node.TableIPv4LPM, Action: p4node.FlowAction{Kind: p4node.ActionDrop}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l3.InsertLpmOrHostFlow(ctx, tt.entry)
			assert.Equal(t, p4node.CodeInvalidParam, p4node.CodeOf(err))
		})
	}
	assert.Equal(t, 0, l3.RouteCount())
	assert.Empty(t, fm.v4.entries)
}

func TestIPv6HostRoute(t *testing.T) {
	ctx := context.Background()
	l3, fm := newTestL3(t)
	addr := []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	entry := &p4node.FlowEntry{
		Unit:     testUnit,
		Category: p4node.TableIPv6Host,
		Fields:   []p4node.FlowField{{ID: 1, Kind: p4node.FieldExact, Value: addr}},
		Action:   p4node.FlowAction{Kind: p4node.ActionToCPU},
		Entry:    tp.HostRoute(tp.TableIPv4Host, [4]byte{1}, nil),
	}
	require.NoError(t, l3.InsertLpmOrHostFlow(ctx, entry))

	var k routeKeyV6
	k.Prefixlen = 128
	copy(k.Addr[:], addr)
	assert.Equal(t, routeValue{Action: routeToCPU}, fm.v6.entries[fmt.Sprint(k)])
	assert.Empty(t, fm.v4.entries)
}

func TestShutdownClearsMaps(t *testing.T) {
	ctx := context.Background()
	l3, fm := newTestL3(t)
	egress, err := l3.FindOrCreateNonMultipathNexthop(ctx, portNexthop(1, 0x0a))
	require.NoError(t, err)
	require.NoError(t, l3.InsertLpmOrHostFlow(ctx, v4Route([]byte{10}, 8, p4node.FlowAction{Kind: p4node.ActionMember, EgressIntfID: egress})))
	require.Equal(t, 2, l3.InstalledCount())

	require.NoError(t, l3.Shutdown(ctx))
	assert.Equal(t, 0, l3.InstalledCount())
	assert.Empty(t, fm.nexthops.entries)
	assert.Empty(t, fm.v4.entries)
	assert.Equal(t, 0, l3.RouteCount())
}
