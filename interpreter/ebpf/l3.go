// Package ebpf provides an L3 manager that programs next-hops and
// routes into pinned eBPF maps using cilium/ebpf. A software model
// from package sim enforces existence and reference rules and
// allocates egress interface ids; every accepted change is then
// mirrored into the maps.
package ebpf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/interpreter"
	"github.com/frobware/go-p4node/interpreter/sim"
	"github.com/frobware/go-p4node/logging"
)

// L3 programs next-hops and routes into eBPF maps.
type L3 struct {
	*sim.L3
	maps   *Maps
	logger *slog.Logger

	mu        sync.Mutex
	installed map[string]pinnedKey
}

type pinnedKey struct {
	m   Map
	key any
}

var _ interpreter.L3Manager = (*L3)(nil)

// NewL3 returns an L3 manager for unit writing through maps.
func NewL3(unit int, maps *Maps, logger *slog.Logger) *L3 {
	if logger == nil {
		logger = slog.Default()
	}
	return &L3{
		L3:        sim.NewL3(unit, logger),
		maps:      maps,
		logger:    logger.With("component", "ebpf.l3", "unit", unit),
		installed: map[string]pinnedKey{},
	}
}

func nexthopID(id int32) string   { return fmt.Sprintf("nexthop/%d", id) }
func multipathID(id int32) string { return fmt.Sprintf("multipath/%d", id) }
func routeID(key string) string   { return "route/" + key }

func (l *L3) put(ctx context.Context, id string, m Map, key, value any) error {
	if err := m.Put(key, value); err != nil {
		return p4node.Wrap(p4node.CodeInternal, err, "update map entry %s", id)
	}
	l.mu.Lock()
	l.installed[id] = pinnedKey{m: m, key: key}
	l.mu.Unlock()
	logging.Trace(ctx, l.logger, "map entry written", "id", id)
	return nil
}

func (l *L3) remove(ctx context.Context, id string) error {
	l.mu.Lock()
	pk, ok := l.installed[id]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := pk.m.Delete(pk.key); err != nil {
		return p4node.Wrap(p4node.CodeInternal, err, "delete map entry %s", id)
	}
	l.mu.Lock()
	delete(l.installed, id)
	l.mu.Unlock()
	logging.Trace(ctx, l.logger, "map entry deleted", "id", id)
	return nil
}

func (l *L3) isInstalled(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.installed[id]
	return ok
}

// InstalledCount returns the number of map entries this manager has
// written and not yet removed.
func (l *L3) InstalledCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.installed)
}

// Shutdown removes every map entry this manager wrote and resets the
// software model.
func (l *L3) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	ids := make([]string, 0, len(l.installed))
	for id := range l.installed {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	var errs []error
	for _, id := range ids {
		errs = append(errs, l.remove(ctx, id))
	}
	errs = append(errs, l.L3.Shutdown(ctx))
	return errors.Join(errs...)
}

// FindOrCreateNonMultipathNexthop programs a single-path next-hop.
func (l *L3) FindOrCreateNonMultipathNexthop(ctx context.Context, nh p4node.NonMultipathNexthop) (int32, error) {
	id, err := l.L3.FindOrCreateNonMultipathNexthop(ctx, nh)
	if err != nil {
		return 0, err
	}
	key := nexthopID(id)
	if l.isInstalled(key) {
		return id, nil
	}
	if err := l.put(ctx, key, l.maps.Nexthops, uint32(id), encodeNexthop(nh)); err != nil {
		return 0, errors.Join(err, l.L3.DeleteNonMultipathNexthop(ctx, id))
	}
	return id, nil
}

// ModifyNonMultipathNexthop reprograms a next-hop in place.
func (l *L3) ModifyNonMultipathNexthop(ctx context.Context, egressIntfID int32, nh p4node.NonMultipathNexthop) error {
	if err := l.L3.ModifyNonMultipathNexthop(ctx, egressIntfID, nh); err != nil {
		return err
	}
	return l.put(ctx, nexthopID(egressIntfID), l.maps.Nexthops, uint32(egressIntfID), encodeNexthop(nh))
}

// DeleteNonMultipathNexthop removes a next-hop.
func (l *L3) DeleteNonMultipathNexthop(ctx context.Context, egressIntfID int32) error {
	if err := l.L3.DeleteNonMultipathNexthop(ctx, egressIntfID); err != nil {
		return err
	}
	return l.remove(ctx, nexthopID(egressIntfID))
}

// FindOrCreateMultipathNexthop programs a multipath next-hop.
func (l *L3) FindOrCreateMultipathNexthop(ctx context.Context, nh p4node.MultipathNexthop) (int32, error) {
	value, err := encodeMultipath(nh)
	if err != nil {
		return 0, err
	}
	id, err := l.L3.FindOrCreateMultipathNexthop(ctx, nh)
	if err != nil {
		return 0, err
	}
	if err := l.put(ctx, multipathID(id), l.maps.Multipaths, uint32(id), value); err != nil {
		return 0, errors.Join(err, l.L3.DeleteMultipathNexthop(ctx, id))
	}
	return id, nil
}

// ModifyMultipathNexthop replaces the members of a multipath next-hop.
func (l *L3) ModifyMultipathNexthop(ctx context.Context, egressIntfID int32, nh p4node.MultipathNexthop) error {
	value, err := encodeMultipath(nh)
	if err != nil {
		return err
	}
	if err := l.L3.ModifyMultipathNexthop(ctx, egressIntfID, nh); err != nil {
		return err
	}
	return l.put(ctx, multipathID(egressIntfID), l.maps.Multipaths, uint32(egressIntfID), value)
}

// DeleteMultipathNexthop removes a multipath next-hop.
func (l *L3) DeleteMultipathNexthop(ctx context.Context, egressIntfID int32) error {
	if err := l.L3.DeleteMultipathNexthop(ctx, egressIntfID); err != nil {
		return err
	}
	return l.remove(ctx, multipathID(egressIntfID))
}

// InsertLpmOrHostFlow programs a route.
func (l *L3) InsertLpmOrHostFlow(ctx context.Context, entry *p4node.FlowEntry) error {
	m, key, value, err := l.encodeRoute(entry)
	if err != nil {
		return err
	}
	if err := l.L3.InsertLpmOrHostFlow(ctx, entry); err != nil {
		return err
	}
	if err := l.put(ctx, routeID(entry.Key()), m, key, value); err != nil {
		return errors.Join(err, l.L3.DeleteLpmOrHostFlow(ctx, entry))
	}
	return nil
}

// ModifyLpmOrHostFlow reprograms the action of a route.
func (l *L3) ModifyLpmOrHostFlow(ctx context.Context, entry *p4node.FlowEntry) error {
	m, key, value, err := l.encodeRoute(entry)
	if err != nil {
		return err
	}
	if err := l.L3.ModifyLpmOrHostFlow(ctx, entry); err != nil {
		return err
	}
	return l.put(ctx, routeID(entry.Key()), m, key, value)
}

// DeleteLpmOrHostFlow removes a route.
func (l *L3) DeleteLpmOrHostFlow(ctx context.Context, entry *p4node.FlowEntry) error {
	if err := l.L3.DeleteLpmOrHostFlow(ctx, entry); err != nil {
		return err
	}
	return l.remove(ctx, routeID(entry.Key()))
}
