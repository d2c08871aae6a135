package tablemap

import (
	"context"
	"maps"
	"slices"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/proto"

	"github.com/frobware/go-p4node"
)

// HandlePrePushStaticEntryChanges returns DELETE updates for installed
// static entries that newStatic no longer declares. They are expressed
// against the pipeline that is still installed.
func (m *Mapper) HandlePrePushStaticEntryChanges(ctx context.Context, newStatic *p4v1.WriteRequest) (*p4v1.WriteRequest, error) {
	wanted, err := staticSet(newStatic)
	if err != nil {
		return nil, err
	}
	req := &p4v1.WriteRequest{DeviceId: m.nodeID}
	for _, key := range sortedKeys(m.static) {
		if _, ok := wanted[key]; ok {
			continue
		}
		req.Updates = append(req.Updates, &p4v1.Update{
			Type:   p4v1.Update_DELETE,
			Entity: &p4v1.Entity{Entity: &p4v1.Entity_TableEntry{TableEntry: m.static[key]}},
		})
	}
	m.logger.DebugContext(ctx, "pre-push static changes", "deletes", len(req.Updates))
	return req, nil
}

// HandlePostPushStaticEntryChanges returns INSERT updates for newly
// declared static entries and MODIFY updates for changed ones. The
// installed set only changes through CommitStaticEntryChanges.
func (m *Mapper) HandlePostPushStaticEntryChanges(ctx context.Context, newStatic *p4v1.WriteRequest) (*p4v1.WriteRequest, error) {
	wanted, err := staticSet(newStatic)
	if err != nil {
		return nil, err
	}
	req := &p4v1.WriteRequest{DeviceId: m.nodeID}
	var inserts, modifies int
	for _, key := range sortedKeys(wanted) {
		te := wanted[key]
		typ := p4v1.Update_INSERT
		if old, ok := m.static[key]; ok {
			if proto.Equal(old, te) {
				continue
			}
			typ = p4v1.Update_MODIFY
			modifies++
		} else {
			inserts++
		}
		req.Updates = append(req.Updates, &p4v1.Update{
			Type:   typ,
			Entity: &p4v1.Entity{Entity: &p4v1.Entity_TableEntry{TableEntry: te}},
		})
	}
	m.logger.DebugContext(ctx, "post-push static changes", "inserts", inserts, "modifies", modifies)
	return req, nil
}

// CommitStaticEntryChanges records the updates of req that were
// applied. results holds one entry per update; a non-nil result leaves
// the installed set untouched for that entry.
func (m *Mapper) CommitStaticEntryChanges(ctx context.Context, req *p4v1.WriteRequest, results []error) {
	applied := 0
	for i, u := range req.GetUpdates() {
		if i >= len(results) || results[i] != nil {
			continue
		}
		te := u.GetEntity().GetTableEntry()
		if te == nil {
			continue
		}
		key := p4node.TableEntryKey(te)
		if u.GetType() == p4v1.Update_DELETE {
			delete(m.static, key)
		} else {
			m.static[key] = te
		}
		applied++
	}
	m.logger.DebugContext(ctx, "static changes committed", "applied", applied, "installed", len(m.static))
}

func staticSet(req *p4v1.WriteRequest) (map[string]*p4v1.TableEntry, error) {
	set := make(map[string]*p4v1.TableEntry, len(req.GetUpdates()))
	for i, u := range req.GetUpdates() {
		te := u.GetEntity().GetTableEntry()
		if te == nil {
			return nil, p4node.Errorf(p4node.CodeInvalidParam, "static entry %d is not a table entry", i)
		}
		set[p4node.TableEntryKey(te)] = te
	}
	return set, nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
