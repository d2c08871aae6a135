package sim

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/interpreter"
)

// Egress interface ids are allocated from two ranges so that a
// single-path and a multipath handle can never collide.
const (
	firstEgressIntfID    int32 = 100001
	firstMultipathIntfID int32 = 200001
)

// L3 simulates next-hop and route programming.
type L3 struct {
	lifecycle
	logger *slog.Logger

	mu            sync.Mutex
	nextEgress    int32
	nextMultipath int32
	nexthops      map[int32]p4node.NonMultipathNexthop
	multipaths    map[int32]p4node.MultipathNexthop
	routes        map[string]*p4node.FlowEntry
}

var _ interpreter.L3Manager = (*L3)(nil)

// NewL3 returns a simulated L3 manager for unit.
func NewL3(unit int, logger *slog.Logger) *L3 {
	if logger == nil {
		logger = slog.Default()
	}
	l := &L3{
		lifecycle: lifecycle{unit: unit},
		logger:    logger.With("component", "sim.l3", "unit", unit),
	}
	l.reset()
	return l
}

func (l *L3) reset() {
	l.nextEgress = firstEgressIntfID
	l.nextMultipath = firstMultipathIntfID
	l.nexthops = map[int32]p4node.NonMultipathNexthop{}
	l.multipaths = map[int32]p4node.MultipathNexthop{}
	l.routes = map[string]*p4node.FlowEntry{}
}

// PushChassisConfig records the node id.
func (l *L3) PushChassisConfig(ctx context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error {
	return l.push(ctx, cfg, nodeID)
}

// Shutdown forgets every next-hop and route.
func (l *L3) Shutdown(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset()
	return nil
}

// FindOrCreateNonMultipathNexthop returns the egress interface of an
// identical next-hop if one is programmed, or programs a new one.
func (l *L3) FindOrCreateNonMultipathNexthop(ctx context.Context, nh p4node.NonMultipathNexthop) (int32, error) {
	if err := l.checkUnit(nh.Unit); err != nil {
		return 0, err
	}
	if nh.Type == p4node.NexthopUnknown {
		return 0, p4node.Errorf(p4node.CodeInvalidParam, "next-hop has no type")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, existing := range l.nexthops {
		if existing == nh {
			return id, nil
		}
	}
	id := l.nextEgress
	l.nextEgress++
	l.nexthops[id] = nh
	l.logger.DebugContext(ctx, "next-hop created", "egress_intf_id", id, "nexthop", nh)
	return id, nil
}

// ModifyNonMultipathNexthop reprograms an existing next-hop in place.
func (l *L3) ModifyNonMultipathNexthop(ctx context.Context, egressIntfID int32, nh p4node.NonMultipathNexthop) error {
	if err := l.checkUnit(nh.Unit); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.nexthops[egressIntfID]; !ok {
		return p4node.Errorf(p4node.CodeNotFound, "egress intf %d not found", egressIntfID)
	}
	l.nexthops[egressIntfID] = nh
	l.logger.DebugContext(ctx, "next-hop modified", "egress_intf_id", egressIntfID, "nexthop", nh)
	return nil
}

// DeleteNonMultipathNexthop removes a next-hop that no multipath group
// uses.
func (l *L3) DeleteNonMultipathNexthop(ctx context.Context, egressIntfID int32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.nexthops[egressIntfID]; !ok {
		return p4node.Errorf(p4node.CodeNotFound, "egress intf %d not found", egressIntfID)
	}
	for id, mp := range l.multipaths {
		for _, m := range mp.Members {
			if m.EgressIntfID == egressIntfID {
				return p4node.Errorf(p4node.CodeInUse, "egress intf %d is used by multipath %d", egressIntfID, id)
			}
		}
	}
	delete(l.nexthops, egressIntfID)
	l.logger.DebugContext(ctx, "next-hop deleted", "egress_intf_id", egressIntfID)
	return nil
}

// FindOrCreateMultipathNexthop programs a new multipath next-hop.
// Groups are never shared, so no lookup is made.
func (l *L3) FindOrCreateMultipathNexthop(ctx context.Context, nh p4node.MultipathNexthop) (int32, error) {
	if err := l.checkUnit(nh.Unit); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkMembers(nh); err != nil {
		return 0, err
	}
	id := l.nextMultipath
	l.nextMultipath++
	l.multipaths[id] = cloneMultipath(nh)
	l.logger.DebugContext(ctx, "multipath next-hop created", "egress_intf_id", id, "members", len(nh.Members))
	return id, nil
}

// ModifyMultipathNexthop replaces the members of a multipath next-hop.
func (l *L3) ModifyMultipathNexthop(ctx context.Context, egressIntfID int32, nh p4node.MultipathNexthop) error {
	if err := l.checkUnit(nh.Unit); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	old, ok := l.multipaths[egressIntfID]
	if !ok {
		return p4node.Errorf(p4node.CodeNotFound, "multipath egress intf %d not found", egressIntfID)
	}
	if err := l.checkMembers(nh); err != nil {
		return err
	}
	if slices.Equal(old.Members, nh.Members) {
		return nil
	}
	l.multipaths[egressIntfID] = cloneMultipath(nh)
	l.logger.DebugContext(ctx, "multipath next-hop modified", "egress_intf_id", egressIntfID, "members", len(nh.Members))
	return nil
}

// DeleteMultipathNexthop removes a multipath next-hop.
func (l *L3) DeleteMultipathNexthop(ctx context.Context, egressIntfID int32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.multipaths[egressIntfID]; !ok {
		return p4node.Errorf(p4node.CodeNotFound, "multipath egress intf %d not found", egressIntfID)
	}
	delete(l.multipaths, egressIntfID)
	l.logger.DebugContext(ctx, "multipath next-hop deleted", "egress_intf_id", egressIntfID)
	return nil
}

func (l *L3) checkMembers(nh p4node.MultipathNexthop) error {
	for _, m := range nh.Members {
		if _, ok := l.nexthops[m.EgressIntfID]; !ok {
			return p4node.Errorf(p4node.CodeNotFound, "multipath member egress intf %d not found", m.EgressIntfID)
		}
	}
	return nil
}

func cloneMultipath(nh p4node.MultipathNexthop) p4node.MultipathNexthop {
	return p4node.MultipathNexthop{Unit: nh.Unit, Members: slices.Clone(nh.Members)}
}

// InsertLpmOrHostFlow programs a route.
func (l *L3) InsertLpmOrHostFlow(ctx context.Context, entry *p4node.FlowEntry) error {
	if err := l.checkRoute(entry); err != nil {
		return err
	}
	key := entry.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.routes[key]; ok {
		return p4node.Errorf(p4node.CodeAlreadyExists, "route %s already exists", key)
	}
	if err := l.checkTarget(entry); err != nil {
		return err
	}
	l.routes[key] = entry
	l.logger.DebugContext(ctx, "route inserted", "key", key, "category", entry.Category, "action", entry.Action.Kind)
	return nil
}

// ModifyLpmOrHostFlow reprograms the action of an existing route.
func (l *L3) ModifyLpmOrHostFlow(ctx context.Context, entry *p4node.FlowEntry) error {
	if err := l.checkRoute(entry); err != nil {
		return err
	}
	key := entry.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.routes[key]; !ok {
		return p4node.Errorf(p4node.CodeNotFound, "route %s not found", key)
	}
	if err := l.checkTarget(entry); err != nil {
		return err
	}
	l.routes[key] = entry
	l.logger.DebugContext(ctx, "route modified", "key", key, "action", entry.Action.Kind)
	return nil
}

// DeleteLpmOrHostFlow removes a route.
func (l *L3) DeleteLpmOrHostFlow(ctx context.Context, entry *p4node.FlowEntry) error {
	key := entry.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.routes[key]; !ok {
		return p4node.Errorf(p4node.CodeNotFound, "route %s not found", key)
	}
	delete(l.routes, key)
	l.logger.DebugContext(ctx, "route deleted", "key", key)
	return nil
}

func (l *L3) checkRoute(entry *p4node.FlowEntry) error {
	if err := l.checkUnit(entry.Unit); err != nil {
		return err
	}
	if !entry.Category.IsRoute() {
		return p4node.Errorf(p4node.CodeInvalidParam, "%s entry is not a route", entry.Category)
	}
	return nil
}

// checkTarget verifies that an indirect route points at a programmed
// next-hop. Callers hold l.mu.
func (l *L3) checkTarget(entry *p4node.FlowEntry) error {
	switch entry.Action.Kind {
	case p4node.ActionMember:
		if _, ok := l.nexthops[entry.Action.EgressIntfID]; !ok {
			return p4node.Errorf(p4node.CodeNotFound, "route next-hop egress intf %d not found", entry.Action.EgressIntfID)
		}
	case p4node.ActionGroup:
		if _, ok := l.multipaths[entry.Action.EgressIntfID]; !ok {
			return p4node.Errorf(p4node.CodeNotFound, "route multipath egress intf %d not found", entry.Action.EgressIntfID)
		}
	case p4node.ActionNexthop, p4node.ActionDrop, p4node.ActionToCPU:
	default:
		return p4node.Errorf(p4node.CodeInvalidParam, "route with %s action", entry.Action.Kind)
	}
	return nil
}

// Nexthop returns the programmed next-hop at egressIntfID.
func (l *L3) Nexthop(egressIntfID int32) (p4node.NonMultipathNexthop, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	nh, ok := l.nexthops[egressIntfID]
	return nh, ok
}

// Multipath returns the programmed multipath next-hop at egressIntfID.
func (l *L3) Multipath(egressIntfID int32) (p4node.MultipathNexthop, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	nh, ok := l.multipaths[egressIntfID]
	return cloneMultipath(nh), ok
}

// RouteCount returns the number of programmed routes.
func (l *L3) RouteCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.routes)
}
