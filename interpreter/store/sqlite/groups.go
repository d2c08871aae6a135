package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/proto"

	"github.com/frobware/go-p4node/interpreter/store"
)

func scanGroup(row scanner) (store.GroupRecord, error) {
	var rec store.GroupRecord
	var blob []byte
	info := &rec.Info
	if err := row.Scan(&info.GroupID, &info.ActionProfileID, &info.EgressIntfID, &info.FlowRefCount, &blob); err != nil {
		return rec, err
	}
	rec.Group = &p4v1.ActionProfileGroup{}
	if err := proto.Unmarshal(blob, rec.Group); err != nil {
		return rec, fmt.Errorf("decode group %d: %w", info.GroupID, err)
	}
	return rec, nil
}

// loadGroupMembers fills rec.Info.Members from group_members.
func (s *sqliteStore) loadGroupMembers(ctx context.Context, rec *store.GroupRecord) error {
	start := time.Now()
	rows, err := s.stmts.getGroupMembers.QueryContext(ctx, rec.Info.GroupID)
	if err != nil {
		s.logSQL(ctx, "GetGroupMembers", start, "group_id", rec.Info.GroupID, "error", err)
		return err
	}
	defer rows.Close()

	rec.Info.Members = make(map[uint32]int32)
	for rows.Next() {
		var id uint32
		var weight int32
		if err := rows.Scan(&id, &weight); err != nil {
			return err
		}
		rec.Info.Members[id] = weight
	}
	s.logSQL(ctx, "GetGroupMembers", start, "group_id", rec.Info.GroupID, "rows", len(rec.Info.Members))
	return rows.Err()
}

func (s *sqliteStore) getGroupRow(ctx context.Context, name string, stmt *sql.Stmt, arg any) (store.GroupRecord, error) {
	start := time.Now()
	rec, err := scanGroup(stmt.QueryRowContext(ctx, arg))
	if errors.Is(err, sql.ErrNoRows) {
		s.logSQL(ctx, name, start, "args", arg, "rows", 0)
		return store.GroupRecord{}, store.ErrNotFound
	}
	if err != nil {
		s.logSQL(ctx, name, start, "args", arg, "error", err)
		return store.GroupRecord{}, err
	}
	s.logSQL(ctx, name, start, "args", arg, "rows", 1)
	if err := s.loadGroupMembers(ctx, &rec); err != nil {
		return store.GroupRecord{}, err
	}
	return rec, nil
}

// GetGroup returns the group with the given id.
func (s *sqliteStore) GetGroup(ctx context.Context, groupID uint32) (store.GroupRecord, error) {
	rec, err := s.getGroupRow(ctx, "GetGroup", s.stmts.getGroup, groupID)
	if err != nil {
		return rec, fmt.Errorf("group %d: %w", groupID, err)
	}
	return rec, nil
}

// FindGroupByEgressIntf returns the group that owns egressIntfID.
func (s *sqliteStore) FindGroupByEgressIntf(ctx context.Context, egressIntfID int32) (store.GroupRecord, error) {
	rec, err := s.getGroupRow(ctx, "FindGroupByEgress", s.stmts.findGroupByEgress, egressIntfID)
	if err != nil {
		return rec, fmt.Errorf("group with egress intf %d: %w", egressIntfID, err)
	}
	return rec, nil
}

// SaveGroup inserts or replaces a group and its membership. Callers
// that need the two writes to be atomic run it in a transaction.
func (s *sqliteStore) SaveGroup(ctx context.Context, rec store.GroupRecord) error {
	blob, err := marshalOpts.Marshal(rec.Group)
	if err != nil {
		return fmt.Errorf("encode group %d: %w", rec.Info.GroupID, err)
	}
	info := rec.Info
	start := time.Now()
	if _, err := s.stmts.saveGroup.ExecContext(ctx, info.GroupID, info.ActionProfileID, info.EgressIntfID,
		info.FlowRefCount, blob); err != nil {
		s.logSQL(ctx, "SaveGroup", start, "group_id", info.GroupID, "error", err)
		return fmt.Errorf("save group %d: %w", info.GroupID, err)
	}
	s.logSQL(ctx, "SaveGroup", start, "group_id", info.GroupID)

	start = time.Now()
	if _, err := s.stmts.deleteGroupMembers.ExecContext(ctx, info.GroupID); err != nil {
		s.logSQL(ctx, "DeleteGroupMembers", start, "group_id", info.GroupID, "error", err)
		return fmt.Errorf("clear members of group %d: %w", info.GroupID, err)
	}
	s.logSQL(ctx, "DeleteGroupMembers", start, "group_id", info.GroupID)

	ids := make([]uint32, 0, len(info.Members))
	for id := range info.Members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		start = time.Now()
		_, err := s.stmts.insertGroupMember.ExecContext(ctx, info.GroupID, id, info.Members[id])
		s.logSQL(ctx, "InsertGroupMember", start, "group_id", info.GroupID, "member_id", id, "error", err)
		if err != nil {
			return fmt.Errorf("add member %d to group %d: %w", id, info.GroupID, err)
		}
	}
	return nil
}

// DeleteGroup removes a group. Its membership rows cascade.
func (s *sqliteStore) DeleteGroup(ctx context.Context, groupID uint32) error {
	start := time.Now()
	res, err := s.stmts.deleteGroup.ExecContext(ctx, groupID)
	if err != nil {
		s.logSQL(ctx, "DeleteGroup", start, "group_id", groupID, "error", err)
		return fmt.Errorf("delete group %d: %w", groupID, err)
	}
	n, _ := res.RowsAffected()
	s.logSQL(ctx, "DeleteGroup", start, "group_id", groupID, "rows", n)
	if n == 0 {
		return fmt.Errorf("group %d: %w", groupID, store.ErrNotFound)
	}
	return nil
}

// ListGroups returns every group ordered by profile then group id.
func (s *sqliteStore) ListGroups(ctx context.Context) ([]store.GroupRecord, error) {
	start := time.Now()
	rows, err := s.stmts.listGroups.QueryContext(ctx)
	if err != nil {
		s.logSQL(ctx, "ListGroups", start, "error", err)
		return nil, err
	}
	var result []store.GroupRecord
	for rows.Next() {
		rec, err := scanGroup(rows)
		if err != nil {
			rows.Close()
			s.logSQL(ctx, "ListGroups", start, "error", err)
			return nil, err
		}
		result = append(result, rec)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		s.logSQL(ctx, "ListGroups", start, "error", err)
		return nil, err
	}
	s.logSQL(ctx, "ListGroups", start, "rows", len(result))

	// Membership is loaded after the cursor is closed; the in-memory
	// store has a single connection.
	for i := range result {
		if err := s.loadGroupMembers(ctx, &result[i]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// GroupsForMember returns the ids of the groups that list memberID.
func (s *sqliteStore) GroupsForMember(ctx context.Context, memberID uint32) ([]uint32, error) {
	start := time.Now()
	rows, err := s.stmts.groupsForMember.QueryContext(ctx, memberID)
	if err != nil {
		s.logSQL(ctx, "GroupsForMember", start, "member_id", memberID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	s.logSQL(ctx, "GroupsForMember", start, "member_id", memberID, "rows", len(ids))
	return ids, rows.Err()
}
