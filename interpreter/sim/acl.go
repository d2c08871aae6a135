package sim

import (
	"context"
	"log/slog"
	"sync"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/proto"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/interpreter"
	"github.com/frobware/go-p4node/tablemap"
)

// aclEntry is the hardware state of one ACL entry.
type aclEntry struct {
	stats *p4v1.CounterData
	meter *p4v1.MeterConfig
}

// ACL simulates ACL table programming. Like a hardware ACL manager it
// records its own entries in the bookkeeping store.
type ACL struct {
	lifecycle
	tables interpreter.TableManager
	logger *slog.Logger

	mu       sync.Mutex
	pipeline *tablemap.DeviceConfig
	entries  map[string]*aclEntry
}

var _ interpreter.ACLManager = (*ACL)(nil)

// NewACL returns a simulated ACL manager for unit that keeps its
// bookkeeping in tables.
func NewACL(unit int, tables interpreter.TableManager, logger *slog.Logger) *ACL {
	if logger == nil {
		logger = slog.Default()
	}
	return &ACL{
		lifecycle: lifecycle{unit: unit},
		tables:    tables,
		logger:    logger.With("component", "sim.acl", "unit", unit),
		entries:   map[string]*aclEntry{},
	}
}

// PushChassisConfig records the node id.
func (a *ACL) PushChassisConfig(ctx context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error {
	return a.push(ctx, cfg, nodeID)
}

// Shutdown forgets the pipeline and every entry.
func (a *ACL) Shutdown(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pipeline = nil
	clear(a.entries)
	return nil
}

// PushForwardingPipelineConfig records the ACL tables of cfg.
func (a *ACL) PushForwardingPipelineConfig(ctx context.Context, cfg *p4v1.ForwardingPipelineConfig) error {
	dc, err := a.decode(cfg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pipeline = dc
	n := 0
	for _, t := range dc.Tables {
		if t.Category == p4node.TableACL {
			n++
		}
	}
	a.logger.InfoContext(ctx, "ACL pipeline installed", "acl_tables", n)
	return nil
}

// VerifyForwardingPipelineConfig checks that cfg decodes.
func (a *ACL) VerifyForwardingPipelineConfig(_ context.Context, cfg *p4v1.ForwardingPipelineConfig) error {
	_, err := a.decode(cfg)
	return err
}

func (a *ACL) decode(cfg *p4v1.ForwardingPipelineConfig) (*tablemap.DeviceConfig, error) {
	if cfg == nil {
		return nil, p4node.Errorf(p4node.CodeInvalidParam, "nil forwarding pipeline config")
	}
	return tablemap.DecodeDeviceConfig(cfg.GetP4DeviceConfig())
}

// InsertTableEntry programs an ACL entry with zeroed counters.
func (a *ACL) InsertTableEntry(ctx context.Context, entry *p4v1.TableEntry) error {
	fe, err := a.fill(ctx, entry, p4v1.Update_INSERT)
	if err != nil {
		return err
	}
	key := fe.Key()
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.entries[key]; ok {
		return p4node.Errorf(p4node.CodeAlreadyExists, "ACL entry %s already exists", key)
	}
	if err := a.tables.AddTableEntry(ctx, entry); err != nil {
		return err
	}
	a.entries[key] = &aclEntry{stats: &p4v1.CounterData{}}
	a.logger.DebugContext(ctx, "ACL entry inserted", "key", key, "priority", fe.Priority)
	return nil
}

// ModifyTableEntry reprograms the action of an ACL entry. Counters are
// kept.
func (a *ACL) ModifyTableEntry(ctx context.Context, entry *p4v1.TableEntry) error {
	fe, err := a.fill(ctx, entry, p4v1.Update_MODIFY)
	if err != nil {
		return err
	}
	key := fe.Key()
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.entries[key]; !ok {
		return p4node.Errorf(p4node.CodeNotFound, "ACL entry %s not found", key)
	}
	if err := a.tables.UpdateTableEntry(ctx, entry); err != nil {
		return err
	}
	a.logger.DebugContext(ctx, "ACL entry modified", "key", key)
	return nil
}

// DeleteTableEntry removes an ACL entry.
func (a *ACL) DeleteTableEntry(ctx context.Context, entry *p4v1.TableEntry) error {
	fe, err := a.fill(ctx, entry, p4v1.Update_DELETE)
	if err != nil {
		return err
	}
	key := fe.Key()
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.entries[key]; !ok {
		return p4node.Errorf(p4node.CodeNotFound, "ACL entry %s not found", key)
	}
	if err := a.tables.DeleteTableEntry(ctx, entry); err != nil {
		return err
	}
	delete(a.entries, key)
	a.logger.DebugContext(ctx, "ACL entry deleted", "key", key)
	return nil
}

func (a *ACL) fill(ctx context.Context, entry *p4v1.TableEntry, typ p4v1.Update_Type) (*p4node.FlowEntry, error) {
	a.mu.Lock()
	installed := a.pipeline != nil
	a.mu.Unlock()
	if !installed {
		return nil, p4node.Errorf(p4node.CodeNotInitialized, "no ACL pipeline installed on unit %d", a.unit)
	}
	fe, err := a.tables.FillFlowEntry(ctx, entry, typ)
	if err != nil {
		return nil, err
	}
	if fe.Category != p4node.TableACL {
		return nil, p4node.Errorf(p4node.CodeInvalidParam, "table %d is a %s table, not an ACL table", fe.TableID, fe.Category)
	}
	if err := a.checkUnit(fe.Unit); err != nil {
		return nil, err
	}
	return fe, nil
}

// UpdateTableEntryMeter sets the meter of an installed ACL entry.
func (a *ACL) UpdateTableEntryMeter(ctx context.Context, meter *p4v1.DirectMeterEntry) error {
	if meter.GetTableEntry() == nil {
		return p4node.Errorf(p4node.CodeInvalidParam, "direct meter entry has no table entry")
	}
	key := p4node.TableEntryKey(meter.GetTableEntry())
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	if !ok {
		return p4node.Errorf(p4node.CodeNotFound, "ACL entry %s not found", key)
	}
	e.meter = proto.Clone(meter.GetConfig()).(*p4v1.MeterConfig)
	a.logger.DebugContext(ctx, "ACL meter updated", "key", key, "cir", e.meter.GetCir(), "pir", e.meter.GetPir())
	return nil
}

// GetTableEntryStats returns the counters of an installed ACL entry.
func (a *ACL) GetTableEntryStats(_ context.Context, entry *p4v1.TableEntry) (*p4v1.CounterData, error) {
	key := p4node.TableEntryKey(entry)
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	if !ok {
		return nil, p4node.Errorf(p4node.CodeNotFound, "ACL entry %s not found", key)
	}
	return proto.Clone(e.stats).(*p4v1.CounterData), nil
}

// CountTraffic adds packets and bytes to an installed entry's counters.
func (a *ACL) CountTraffic(entry *p4v1.TableEntry, packets, bytes int64) error {
	key := p4node.TableEntryKey(entry)
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	if !ok {
		return p4node.Errorf(p4node.CodeNotFound, "ACL entry %s not found", key)
	}
	e.stats.PacketCount += packets
	e.stats.ByteCount += bytes
	return nil
}

// Meter returns the meter config of an installed entry, or nil.
func (a *ACL) Meter(entry *p4v1.TableEntry) *p4v1.MeterConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[p4node.TableEntryKey(entry)]; ok {
		return e.meter
	}
	return nil
}
