// Package sqlite provides a SQLite implementation of the bookkeeping
// store.
//
// The store is a data access layer with no transaction management of
// its own. Methods execute against s.conn, which is either the *sql.DB
// (autocommit) or a *sql.Tx when called through RunInTransaction. The
// table manager decides which lifecycle operations need atomicity and
// wraps them accordingly; a failed member insert, for example, must not
// leave a half-written group membership behind.
//
// Table entries, members and groups are stored with their P4Runtime
// message encoded as a protobuf blob next to the indexed columns the
// table manager queries on. Reference counters are ordinary columns
// with CHECK constraints so that a bookkeeping bug surfaces as an error
// rather than a negative count.
//
// All SQL is prepared once at open time. RunInTransaction binds the
// master statements to the transaction with tx.StmtContext.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/frobware/go-p4node/interpreter"
)

// msec formats a duration as milliseconds with 3 decimal places.
func msec(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d.Microseconds())/1000)
}

//go:embed schema.sql
var schemaSQL string

var marshalOpts = proto.MarshalOptions{Deterministic: true}

// dbConn abstracts *sql.DB and *sql.Tx for query execution.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteStore implements interpreter.Store using SQLite.
type sqliteStore struct {
	db     *sql.DB
	conn   dbConn
	logger *slog.Logger
	stmts  statements
}

// New opens (creating if needed) the store at dbPath.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (interpreter.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open(driverName, dsn(dbPath, filePragmas))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opened database", "path", dbPath)
	return s, nil
}

// NewInMemory creates an in-memory store for testing.
func NewInMemory(ctx context.Context, logger *slog.Logger) (interpreter.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:", memoryPragmas))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	return open(ctx, db, logger)
}

func open(ctx context.Context, db *sql.DB, logger *slog.Logger) (*sqliteStore, error) {
	s := &sqliteStore{db: db, conn: db, logger: logger}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.stmts.prepare(ctx, db); err != nil {
		s.stmts.close()
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

// Close closes all prepared statements and the database connection.
func (s *sqliteStore) Close() error {
	s.stmts.close()
	return s.db.Close()
}

// RunInTransaction executes fn within a database transaction. It
// commits when fn returns nil and rolls back otherwise.
func (s *sqliteStore) RunInTransaction(ctx context.Context, fn func(interpreter.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	txStore := &sqliteStore{
		db:     s.db,
		conn:   tx,
		logger: s.logger,
		stmts:  s.stmts.bind(ctx, tx),
	}
	if err := fn(txStore); err != nil {
		return err
	}
	return tx.Commit()
}

// Reset removes all entries, members and groups.
func (s *sqliteStore) Reset(ctx context.Context) error {
	start := time.Now()
	for _, stmt := range []*sql.Stmt{
		s.stmts.resetTableEntries,
		s.stmts.resetGroupMembers,
		s.stmts.resetGroups,
		s.stmts.resetMembers,
	} {
		if _, err := stmt.ExecContext(ctx); err != nil {
			s.logSQL(ctx, "Reset", start, "error", err)
			return fmt.Errorf("reset store: %w", err)
		}
	}
	s.logSQL(ctx, "Reset", start)
	return nil
}

func (s *sqliteStore) logSQL(ctx context.Context, stmt string, start time.Time, kv ...any) {
	s.logger.DebugContext(ctx, "sql", append([]any{"stmt", stmt, "duration_ms", msec(time.Since(start))}, kv...)...)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
