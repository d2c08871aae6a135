// Package tablemgr is the bookkeeping store of a node. It mirrors the
// table entries, action profile members and action profile groups that
// have been committed to hardware and owns their reference counters.
//
// Every lifecycle operation that touches more than one record runs in a
// store transaction, so a failed operation leaves the counters as they
// were. The manager performs no hardware programming of its own.
package tablemgr

import (
	"context"
	"errors"
	"log/slog"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/interpreter"
	"github.com/frobware/go-p4node/interpreter/store"
)

// Manager implements interpreter.TableManager. Callers serialise
// access; the node lock does this.
type Manager struct {
	unit   int
	store  interpreter.Store
	mapper interpreter.TableMapper
	logger *slog.Logger

	// pushed is set by the first chassis push after construction or
	// shutdown. Hardware starts empty at that point, so the mirror is
	// cleared to match.
	pushed bool
}

var _ interpreter.TableManager = (*Manager)(nil)

// New returns a table manager for unit, persisting to st and decoding
// entries through mapper.
func New(unit int, st interpreter.Store, mapper interpreter.TableMapper, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		unit:   unit,
		store:  st,
		mapper: mapper,
		logger: logger.With("component", "tablemgr", "unit", unit),
	}
}

// PushChassisConfig verifies cfg and, on the first push, clears the
// bookkeeping store.
func (m *Manager) PushChassisConfig(ctx context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error {
	if err := m.VerifyChassisConfig(ctx, cfg, nodeID); err != nil {
		return err
	}
	if m.pushed {
		return nil
	}
	if err := m.store.Reset(ctx); err != nil {
		return p4node.Wrap(p4node.CodeInternal, err, "failed to reset bookkeeping store")
	}
	m.pushed = true
	m.logger.InfoContext(ctx, "bookkeeping store cleared", "node_id", nodeID)
	return nil
}

// VerifyChassisConfig checks that cfg places nodeID on this unit.
func (m *Manager) VerifyChassisConfig(_ context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error {
	if cfg == nil {
		return p4node.Errorf(p4node.CodeInvalidParam, "nil chassis config")
	}
	node, ok := cfg.Node(nodeID)
	if !ok {
		return p4node.Errorf(p4node.CodeInvalidParam, "node %d not found in chassis config", nodeID)
	}
	if node.Unit != m.unit {
		return p4node.Errorf(p4node.CodeInvalidParam, "node %d is on unit %d, table manager serves unit %d", nodeID, node.Unit, m.unit)
	}
	return nil
}

// Shutdown clears the bookkeeping store. The saved pipeline is kept.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.pushed = false
	if err := m.store.Reset(ctx); err != nil {
		return p4node.Wrap(p4node.CodeInternal, err, "failed to reset bookkeeping store")
	}
	return nil
}

// notFound translates store.ErrNotFound into a CodeNotFound error and
// anything else into CodeInternal.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return p4node.Errorf(p4node.CodeNotFound, format, args...)
	}
	return storeErr(err)
}

func storeErr(err error) error {
	var pe *p4node.Error
	if errors.As(err, &pe) {
		return err
	}
	return p4node.Wrap(p4node.CodeInternal, err, "bookkeeping store")
}
