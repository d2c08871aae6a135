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

type scanner interface {
	Scan(dest ...any) error
}

func scanTableEntry(row scanner) (store.TableEntryRecord, error) {
	var rec store.TableEntryRecord
	var category string
	var blob []byte
	if err := row.Scan(&rec.Key, &rec.TableID, &category, &rec.MemberID, &rec.GroupID, &blob); err != nil {
		return rec, err
	}
	if err := rec.Category.UnmarshalText([]byte(category)); err != nil {
		rec.Category = p4node.TableUnknown
	}
	rec.Entry = &p4v1.TableEntry{}
	if err := proto.Unmarshal(blob, rec.Entry); err != nil {
		return rec, fmt.Errorf("decode table entry %q: %w", rec.Key, err)
	}
	return rec, nil
}

// GetTableEntry returns the entry stored under key.
func (s *sqliteStore) GetTableEntry(ctx context.Context, key string) (store.TableEntryRecord, error) {
	start := time.Now()
	rec, err := scanTableEntry(s.stmts.getTableEntry.QueryRowContext(ctx, key))
	if errors.Is(err, sql.ErrNoRows) {
		s.logSQL(ctx, "GetTableEntry", start, "key", key, "rows", 0)
		return store.TableEntryRecord{}, fmt.Errorf("table entry %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		s.logSQL(ctx, "GetTableEntry", start, "key", key, "error", err)
		return store.TableEntryRecord{}, err
	}
	s.logSQL(ctx, "GetTableEntry", start, "key", key, "rows", 1)
	return rec, nil
}

// SaveTableEntry inserts or replaces the entry stored under rec.Key.
func (s *sqliteStore) SaveTableEntry(ctx context.Context, rec store.TableEntryRecord) error {
	blob, err := marshalOpts.Marshal(rec.Entry)
	if err != nil {
		return fmt.Errorf("encode table entry %q: %w", rec.Key, err)
	}
	start := time.Now()
	_, err = s.stmts.saveTableEntry.ExecContext(ctx,
		rec.Key, rec.TableID, rec.Category.String(), rec.MemberID, rec.GroupID, blob, now())
	s.logSQL(ctx, "SaveTableEntry", start, "key", rec.Key, "error", err)
	if err != nil {
		return fmt.Errorf("save table entry %q: %w", rec.Key, err)
	}
	return nil
}

// DeleteTableEntry removes the entry stored under key.
func (s *sqliteStore) DeleteTableEntry(ctx context.Context, key string) error {
	start := time.Now()
	res, err := s.stmts.deleteTableEntry.ExecContext(ctx, key)
	if err != nil {
		s.logSQL(ctx, "DeleteTableEntry", start, "key", key, "error", err)
		return fmt.Errorf("delete table entry %q: %w", key, err)
	}
	n, _ := res.RowsAffected()
	s.logSQL(ctx, "DeleteTableEntry", start, "key", key, "rows", n)
	if n == 0 {
		return fmt.Errorf("table entry %s: %w", key, store.ErrNotFound)
	}
	return nil
}

// ListTableEntries returns every entry ordered by table id then key.
func (s *sqliteStore) ListTableEntries(ctx context.Context) ([]store.TableEntryRecord, error) {
	start := time.Now()
	rows, err := s.stmts.listTableEntries.QueryContext(ctx)
	if err != nil {
		s.logSQL(ctx, "ListTableEntries", start, "error", err)
		return nil, err
	}
	defer rows.Close()

	var result []store.TableEntryRecord
	for rows.Next() {
		rec, err := scanTableEntry(rows)
		if err != nil {
			s.logSQL(ctx, "ListTableEntries", start, "error", err)
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		s.logSQL(ctx, "ListTableEntries", start, "error", err)
		return nil, err
	}
	s.logSQL(ctx, "ListTableEntries", start, "rows", len(result))
	return result, nil
}
