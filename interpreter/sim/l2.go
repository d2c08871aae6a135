package sim

import (
	"context"
	"log/slog"
	"sync"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/interpreter"
)

// L2 simulates multicast group and my-station programming.
type L2 struct {
	lifecycle
	logger *slog.Logger

	mu         sync.Mutex
	multicast  map[string]uint32
	myStations map[string]*p4node.FlowEntry
}

var _ interpreter.L2Manager = (*L2)(nil)

// NewL2 returns a simulated L2 manager for unit.
func NewL2(unit int, logger *slog.Logger) *L2 {
	if logger == nil {
		logger = slog.Default()
	}
	return &L2{
		lifecycle:  lifecycle{unit: unit},
		logger:     logger.With("component", "sim.l2", "unit", unit),
		multicast:  map[string]uint32{},
		myStations: map[string]*p4node.FlowEntry{},
	}
}

// PushChassisConfig records the node id.
func (l *L2) PushChassisConfig(ctx context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error {
	return l.push(ctx, cfg, nodeID)
}

// Shutdown forgets every programmed entry.
func (l *L2) Shutdown(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.multicast)
	clear(l.myStations)
	return nil
}

// InsertMulticastGroup programs an L2 multicast entry.
func (l *L2) InsertMulticastGroup(ctx context.Context, entry *p4node.FlowEntry) error {
	if err := l.checkUnit(entry.Unit); err != nil {
		return err
	}
	if entry.Action.Kind != p4node.ActionMulticast {
		return p4node.Errorf(p4node.CodeInvalidParam, "multicast entry with %s action", entry.Action.Kind)
	}
	key := entry.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.multicast[key]; ok {
		return p4node.Errorf(p4node.CodeAlreadyExists, "multicast entry %s already exists", key)
	}
	l.multicast[key] = entry.Action.MulticastGroupID
	l.logger.DebugContext(ctx, "multicast entry inserted", "key", key, "group", entry.Action.MulticastGroupID)
	return nil
}

// DeleteMulticastGroup removes an L2 multicast entry.
func (l *L2) DeleteMulticastGroup(ctx context.Context, entry *p4node.FlowEntry) error {
	key := entry.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.multicast[key]; !ok {
		return p4node.Errorf(p4node.CodeNotFound, "multicast entry %s not found", key)
	}
	delete(l.multicast, key)
	l.logger.DebugContext(ctx, "multicast entry deleted", "key", key)
	return nil
}

// InsertMyStationEntry programs a my-station entry.
func (l *L2) InsertMyStationEntry(ctx context.Context, entry *p4node.FlowEntry) error {
	if err := l.checkUnit(entry.Unit); err != nil {
		return err
	}
	key := entry.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.myStations[key]; ok {
		return p4node.Errorf(p4node.CodeAlreadyExists, "my-station entry %s already exists", key)
	}
	l.myStations[key] = entry
	l.logger.DebugContext(ctx, "my-station entry inserted", "key", key)
	return nil
}

// DeleteMyStationEntry removes a my-station entry.
func (l *L2) DeleteMyStationEntry(ctx context.Context, entry *p4node.FlowEntry) error {
	key := entry.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.myStations[key]; !ok {
		return p4node.Errorf(p4node.CodeNotFound, "my-station entry %s not found", key)
	}
	delete(l.myStations, key)
	l.logger.DebugContext(ctx, "my-station entry deleted", "key", key)
	return nil
}

// Counts returns the number of programmed multicast and my-station
// entries.
func (l *L2) Counts() (multicast, myStations int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.multicast), len(l.myStations)
}
