package tablemgr

import (
	"context"
	"errors"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/proto"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/interpreter"
	"github.com/frobware/go-p4node/interpreter/store"
)

// FillFlowEntry maps entry through the pipeline and, for INSERT and
// MODIFY, resolves a member or group action to its egress interface.
func (m *Manager) FillFlowEntry(ctx context.Context, entry *p4v1.TableEntry, typ p4v1.Update_Type) (*p4node.FlowEntry, error) {
	fe, err := m.mapper.MapFlowEntry(ctx, entry, typ)
	if err != nil {
		return nil, err
	}
	if typ == p4v1.Update_DELETE {
		return fe, nil
	}
	switch fe.Action.Kind {
	case p4node.ActionMember:
		rec, err := m.store.GetMember(ctx, fe.Action.MemberID)
		if err != nil {
			return nil, notFound(err, "unknown member_id %d", fe.Action.MemberID)
		}
		fe.Action.EgressIntfID = rec.Info.EgressIntfID
	case p4node.ActionGroup:
		rec, err := m.store.GetGroup(ctx, fe.Action.GroupID)
		if err != nil {
			return nil, notFound(err, "unknown group_id %d", fe.Action.GroupID)
		}
		fe.Action.EgressIntfID = rec.Info.EgressIntfID
	}
	return fe, nil
}

// AddTableEntry records a new entry and takes a flow reference on the
// member or group it forwards through.
func (m *Manager) AddTableEntry(ctx context.Context, entry *p4v1.TableEntry) error {
	rec, err := m.entryRecord(entry)
	if err != nil {
		return err
	}
	err = m.store.RunInTransaction(ctx, func(tx interpreter.Store) error {
		if _, err := tx.GetTableEntry(ctx, rec.Key); err == nil {
			return p4node.Errorf(p4node.CodeAlreadyExists, "table entry %s already exists", rec.Key)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := addFlowRef(ctx, tx, rec, 1); err != nil {
			return err
		}
		return tx.SaveTableEntry(ctx, rec)
	})
	if err != nil {
		return storeErr(err)
	}
	m.logger.DebugContext(ctx, "table entry added", "key", rec.Key, "category", rec.Category)
	return nil
}

// UpdateTableEntry replaces an existing entry. Flow references move
// from the old action's member or group to the new one.
func (m *Manager) UpdateTableEntry(ctx context.Context, entry *p4v1.TableEntry) error {
	rec, err := m.entryRecord(entry)
	if err != nil {
		return err
	}
	err = m.store.RunInTransaction(ctx, func(tx interpreter.Store) error {
		old, err := tx.GetTableEntry(ctx, rec.Key)
		if err != nil {
			return notFound(err, "table entry %s not found", rec.Key)
		}
		if err := addFlowRef(ctx, tx, rec, 1); err != nil {
			return err
		}
		if err := addFlowRef(ctx, tx, old, -1); err != nil {
			return err
		}
		return tx.SaveTableEntry(ctx, rec)
	})
	if err != nil {
		return storeErr(err)
	}
	m.logger.DebugContext(ctx, "table entry updated", "key", rec.Key, "category", rec.Category)
	return nil
}

// DeleteTableEntry removes an entry and releases its flow reference.
// Only the match key of entry is used.
func (m *Manager) DeleteTableEntry(ctx context.Context, entry *p4v1.TableEntry) error {
	if entry.GetTableId() == 0 {
		return p4node.Errorf(p4node.CodeInvalidParam, "table entry has no table id")
	}
	key := p4node.TableEntryKey(entry)
	err := m.store.RunInTransaction(ctx, func(tx interpreter.Store) error {
		old, err := tx.GetTableEntry(ctx, key)
		if err != nil {
			return notFound(err, "table entry %s not found", key)
		}
		if err := addFlowRef(ctx, tx, old, -1); err != nil {
			return err
		}
		return tx.DeleteTableEntry(ctx, key)
	})
	if err != nil {
		return storeErr(err)
	}
	m.logger.DebugContext(ctx, "table entry deleted", "key", key)
	return nil
}

func (m *Manager) entryRecord(entry *p4v1.TableEntry) (store.TableEntryRecord, error) {
	if entry.GetTableId() == 0 {
		return store.TableEntryRecord{}, p4node.Errorf(p4node.CodeInvalidParam, "table entry has no table id")
	}
	category, ok := m.mapper.TableCategory(entry.GetTableId())
	if !ok {
		return store.TableEntryRecord{}, p4node.Errorf(p4node.CodeInvalidParam, "unknown table id %d", entry.GetTableId())
	}
	rec := store.TableEntryRecord{
		Key:      p4node.TableEntryKey(entry),
		TableID:  entry.GetTableId(),
		Category: category,
		Entry:    proto.Clone(entry).(*p4v1.TableEntry),
	}
	switch a := entry.GetAction().GetType().(type) {
	case *p4v1.TableAction_ActionProfileMemberId:
		rec.MemberID = a.ActionProfileMemberId
	case *p4v1.TableAction_ActionProfileGroupId:
		rec.GroupID = a.ActionProfileGroupId
	}
	return rec, nil
}

// addFlowRef adjusts the flow reference count of the member or group
// rec forwards through by delta.
func addFlowRef(ctx context.Context, tx interpreter.Store, rec store.TableEntryRecord, delta int) error {
	switch {
	case rec.MemberID != 0:
		mem, err := tx.GetMember(ctx, rec.MemberID)
		if err != nil {
			return notFound(err, "unknown member_id %d", rec.MemberID)
		}
		if mem.Info.FlowRefCount, err = adjust(mem.Info.FlowRefCount, delta, "member", rec.MemberID); err != nil {
			return err
		}
		return tx.SaveMember(ctx, mem)
	case rec.GroupID != 0:
		grp, err := tx.GetGroup(ctx, rec.GroupID)
		if err != nil {
			return notFound(err, "unknown group_id %d", rec.GroupID)
		}
		if grp.Info.FlowRefCount, err = adjust(grp.Info.FlowRefCount, delta, "group", rec.GroupID); err != nil {
			return err
		}
		return tx.SaveGroup(ctx, grp)
	}
	return nil
}

func adjust(count uint32, delta int, kind string, id uint32) (uint32, error) {
	n := int64(count) + int64(delta)
	if n < 0 {
		return 0, p4node.Errorf(p4node.CodeInternal, "%s %d: reference count would drop below zero", kind, id)
	}
	return uint32(n), nil
}
