// Package tablemap is the pipeline mapper. It holds the forwarding
// pipeline currently installed on a node and uses it to classify P4
// table entries onto hardware tables, to decode actions into next-hop
// descriptions and to work out which static entries change when a new
// pipeline replaces the old one.
package tablemap

import (
	"context"
	"log/slog"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/frobware/go-p4node"
)

// Mapper implements interpreter.TableMapper. Callers serialise access.
type Mapper struct {
	unit   int
	nodeID uint64
	logger *slog.Logger

	tables  map[uint32]TableSpec
	actions map[uint32]ActionSpec
	// static holds the static entries installed by the last pipeline.
	static map[string]*p4v1.TableEntry
	// staticUpdates allows writes to static tables for the duration of
	// a static entry installation.
	staticUpdates bool
}

// New returns a mapper for the given hardware unit.
func New(unit int, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{
		unit:   unit,
		logger: logger.With("component", "tablemap", "unit", unit),
		static: map[string]*p4v1.TableEntry{},
	}
}

// PushChassisConfig records the node id the mapper serves.
func (m *Mapper) PushChassisConfig(ctx context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error {
	if err := m.VerifyChassisConfig(ctx, cfg, nodeID); err != nil {
		return err
	}
	m.nodeID = nodeID
	return nil
}

// VerifyChassisConfig checks that cfg is consistent and describes
// nodeID on this mapper's unit.
func (m *Mapper) VerifyChassisConfig(_ context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error {
	if cfg == nil {
		return p4node.Errorf(p4node.CodeInvalidParam, "nil chassis config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	node, ok := cfg.Node(nodeID)
	if !ok {
		return p4node.Errorf(p4node.CodeInvalidParam, "node %d not found in chassis config", nodeID)
	}
	if node.Unit != m.unit {
		return p4node.Errorf(p4node.CodeInvalidParam, "node %d is on unit %d, mapper serves unit %d", nodeID, node.Unit, m.unit)
	}
	return nil
}

// Shutdown forgets the installed pipeline.
func (m *Mapper) Shutdown(context.Context) error {
	m.tables = nil
	m.actions = nil
	m.static = map[string]*p4v1.TableEntry{}
	m.staticUpdates = false
	return nil
}

// PushForwardingPipelineConfig installs the table and action mapping
// of cfg. Static entries are tracked separately by
// CommitStaticEntryChanges.
func (m *Mapper) PushForwardingPipelineConfig(ctx context.Context, cfg *p4v1.ForwardingPipelineConfig) error {
	dc, err := m.decode(cfg)
	if err != nil {
		return err
	}
	m.tables = make(map[uint32]TableSpec, len(dc.Tables))
	for _, t := range dc.Tables {
		m.tables[t.ID] = t
	}
	m.actions = make(map[uint32]ActionSpec, len(dc.Actions))
	for _, a := range dc.Actions {
		m.actions[a.ID] = a
	}
	m.logger.InfoContext(ctx, "pipeline installed", "tables", len(m.tables), "actions", len(m.actions))
	return nil
}

// VerifyForwardingPipelineConfig checks that cfg decodes.
func (m *Mapper) VerifyForwardingPipelineConfig(_ context.Context, cfg *p4v1.ForwardingPipelineConfig) error {
	_, err := m.decode(cfg)
	return err
}

func (m *Mapper) decode(cfg *p4v1.ForwardingPipelineConfig) (*DeviceConfig, error) {
	if cfg == nil {
		return nil, p4node.Errorf(p4node.CodeInvalidParam, "nil forwarding pipeline config")
	}
	return DecodeDeviceConfig(cfg.GetP4DeviceConfig())
}

// TableCategory returns the category of a table in the installed
// pipeline.
func (m *Mapper) TableCategory(tableID uint32) (p4node.TableCategory, bool) {
	t, ok := m.tables[tableID]
	return t.Category, ok
}

// EnableStaticTableUpdates allows writes to static tables.
func (m *Mapper) EnableStaticTableUpdates() {
	m.staticUpdates = true
}

// DisableStaticTableUpdates forbids writes to static tables.
func (m *Mapper) DisableStaticTableUpdates() {
	m.staticUpdates = false
}
