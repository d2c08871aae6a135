package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/proto"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/interpreter/store"
)

func scanMember(row scanner) (store.MemberRecord, error) {
	var rec store.MemberRecord
	var typ string
	var blob []byte
	info := &rec.Info
	if err := row.Scan(&info.MemberID, &info.ActionProfileID, &info.EgressIntfID, &typ,
		&info.GroupRefCount, &info.FlowRefCount, &blob); err != nil {
		return rec, err
	}
	info.Type, _ = p4node.ParseNexthopType(typ)
	rec.Member = &p4v1.ActionProfileMember{}
	if err := proto.Unmarshal(blob, rec.Member); err != nil {
		return rec, fmt.Errorf("decode member %d: %w", info.MemberID, err)
	}
	return rec, nil
}

func (s *sqliteStore) getMemberRow(ctx context.Context, name string, stmt *sql.Stmt, arg any) (store.MemberRecord, error) {
	start := time.Now()
	rec, err := scanMember(stmt.QueryRowContext(ctx, arg))
	if errors.Is(err, sql.ErrNoRows) {
		s.logSQL(ctx, name, start, "args", arg, "rows", 0)
		return store.MemberRecord{}, store.ErrNotFound
	}
	if err != nil {
		s.logSQL(ctx, name, start, "args", arg, "error", err)
		return store.MemberRecord{}, err
	}
	s.logSQL(ctx, name, start, "args", arg, "rows", 1)
	return rec, nil
}

// GetMember returns the member with the given id.
func (s *sqliteStore) GetMember(ctx context.Context, memberID uint32) (store.MemberRecord, error) {
	rec, err := s.getMemberRow(ctx, "GetMember", s.stmts.getMember, memberID)
	if err != nil {
		return rec, fmt.Errorf("member %d: %w", memberID, err)
	}
	return rec, nil
}

// FindMemberByEgressIntf returns the member that owns egressIntfID.
func (s *sqliteStore) FindMemberByEgressIntf(ctx context.Context, egressIntfID int32) (store.MemberRecord, error) {
	rec, err := s.getMemberRow(ctx, "FindMemberByEgress", s.stmts.findMemberByEgress, egressIntfID)
	if err != nil {
		return rec, fmt.Errorf("member with egress intf %d: %w", egressIntfID, err)
	}
	return rec, nil
}

// SaveMember inserts or replaces a member, counters included.
func (s *sqliteStore) SaveMember(ctx context.Context, rec store.MemberRecord) error {
	blob, err := marshalOpts.Marshal(rec.Member)
	if err != nil {
		return fmt.Errorf("encode member %d: %w", rec.Info.MemberID, err)
	}
	info := rec.Info
	start := time.Now()
	_, err = s.stmts.saveMember.ExecContext(ctx, info.MemberID, info.ActionProfileID, info.EgressIntfID,
		info.Type.String(), info.GroupRefCount, info.FlowRefCount, blob)
	s.logSQL(ctx, "SaveMember", start, "member_id", info.MemberID, "error", err)
	if err != nil {
		return fmt.Errorf("save member %d: %w", info.MemberID, err)
	}
	return nil
}

// DeleteMember removes a member.
func (s *sqliteStore) DeleteMember(ctx context.Context, memberID uint32) error {
	start := time.Now()
	res, err := s.stmts.deleteMember.ExecContext(ctx, memberID)
	if err != nil {
		s.logSQL(ctx, "DeleteMember", start, "member_id", memberID, "error", err)
		return fmt.Errorf("delete member %d: %w", memberID, err)
	}
	n, _ := res.RowsAffected()
	s.logSQL(ctx, "DeleteMember", start, "member_id", memberID, "rows", n)
	if n == 0 {
		return fmt.Errorf("member %d: %w", memberID, store.ErrNotFound)
	}
	return nil
}

// ListMembers returns every member ordered by profile then member id.
func (s *sqliteStore) ListMembers(ctx context.Context) ([]store.MemberRecord, error) {
	start := time.Now()
	rows, err := s.stmts.listMembers.QueryContext(ctx)
	if err != nil {
		s.logSQL(ctx, "ListMembers", start, "error", err)
		return nil, err
	}
	defer rows.Close()

	var result []store.MemberRecord
	for rows.Next() {
		rec, err := scanMember(rows)
		if err != nil {
			s.logSQL(ctx, "ListMembers", start, "error", err)
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		s.logSQL(ctx, "ListMembers", start, "error", err)
		return nil, err
	}
	s.logSQL(ctx, "ListMembers", start, "rows", len(result))
	return result, nil
}
