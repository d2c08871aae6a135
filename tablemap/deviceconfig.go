package tablemap

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/encoding/prototext"

	"github.com/frobware/go-p4node"
)

// DeviceConfig is the device-specific half of a forwarding pipeline,
// carried in ForwardingPipelineConfig.P4DeviceConfig as TOML. It maps
// P4 tables and actions onto hardware tables and next-hop kinds, and
// declares the static entries the pipeline expects to be installed.
//
//	static_entries = '''
//	updates { type: INSERT entity { table_entry { table_id: 3 ... } } }
//	'''
//
//	[[table]]
//	id = 1
//	name = "ipv4_lpm"
//	category = "ipv4-lpm"
//	field = [{ id = 1, name = "dst", kind = "lpm" }]
//
//	[[action]]
//	id = 10
//	name = "set_nexthop"
//	kind = "nexthop"
//	params = { port = 1, src_mac = 2, dst_mac = 3, vlan = 4 }
type DeviceConfig struct {
	// StaticEntries is a text-format p4.v1.WriteRequest.
	StaticEntries string       `toml:"static_entries,omitempty"`
	Tables        []TableSpec  `toml:"table"`
	Actions       []ActionSpec `toml:"action"`

	static *p4v1.WriteRequest
}

// TableSpec maps one P4 table.
type TableSpec struct {
	ID       uint32               `toml:"id"`
	Name     string               `toml:"name"`
	Category p4node.TableCategory `toml:"category"`
	// Static tables hold only pipeline-declared entries.
	Static bool        `toml:"static,omitempty"`
	Fields []FieldSpec `toml:"field,omitempty"`
}

// FieldSpec maps one match field of a table.
type FieldSpec struct {
	ID   uint32 `toml:"id"`
	Name string `toml:"name"`
	Kind string `toml:"kind"`
}

// ActionSpec maps one P4 action.
type ActionSpec struct {
	ID   uint32 `toml:"id"`
	Name string `toml:"name"`
	Kind string `toml:"kind"`
	// Params maps a role (port, trunk, src_mac, dst_mac, vlan, group)
	// to the P4 param id carrying it.
	Params map[string]uint32 `toml:"params,omitempty"`
}

// Action spec kinds.
const (
	KindNexthop   = "nexthop"
	KindDrop      = "drop"
	KindCPU       = "cpu"
	KindMulticast = "multicast"
	KindL3Admit   = "l3-admit"
)

// Action param roles.
const (
	ParamPort   = "port"
	ParamTrunk  = "trunk"
	ParamSrcMAC = "src_mac"
	ParamDstMAC = "dst_mac"
	ParamVLAN   = "vlan"
	ParamGroup  = "group"
)

var fieldKinds = map[string]p4node.FieldKind{
	"exact":   p4node.FieldExact,
	"lpm":     p4node.FieldLPM,
	"ternary": p4node.FieldTernary,
}

var actionKinds = map[string]p4node.ActionKind{
	KindNexthop:   p4node.ActionNexthop,
	KindDrop:      p4node.ActionDrop,
	KindCPU:       p4node.ActionToCPU,
	KindMulticast: p4node.ActionMulticast,
	KindL3Admit:   p4node.ActionL3Admit,
}

// StaticWriteRequest returns the decoded static entries. It is never
// nil for a decoded config.
func (c *DeviceConfig) StaticWriteRequest() *p4v1.WriteRequest {
	if c.static == nil {
		return &p4v1.WriteRequest{}
	}
	return c.static
}

// DecodeDeviceConfig parses and validates P4DeviceConfig bytes.
func DecodeDeviceConfig(data []byte) (*DeviceConfig, error) {
	var cfg DeviceConfig
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, p4node.Wrap(p4node.CodeInvalidParam, err, "failed to parse p4 device config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, p4node.Errorf(p4node.CodeInvalidParam, "unknown keys in p4 device config: %v", undecoded)
	}
	cfg.static = &p4v1.WriteRequest{}
	if cfg.StaticEntries != "" {
		if err := prototext.Unmarshal([]byte(cfg.StaticEntries), cfg.static); err != nil {
			return nil, p4node.Wrap(p4node.CodeInvalidParam, err, "failed to parse static entries")
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetStaticEntries replaces the static entries.
func (c *DeviceConfig) SetStaticEntries(req *p4v1.WriteRequest) {
	c.static = req
	c.StaticEntries = ""
}

// Encode renders the config back to TOML.
func (c *DeviceConfig) Encode() ([]byte, error) {
	out := *c
	if c.static != nil && len(c.static.GetUpdates()) > 0 {
		text, err := prototext.MarshalOptions{Multiline: true}.Marshal(c.static)
		if err != nil {
			return nil, err
		}
		out.StaticEntries = string(text)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *DeviceConfig) validate() error {
	tables := make(map[uint32]TableSpec, len(c.Tables))
	for _, t := range c.Tables {
		if t.ID == 0 {
			return p4node.Errorf(p4node.CodeInvalidParam, "table %q has no id", t.Name)
		}
		if _, dup := tables[t.ID]; dup {
			return p4node.Errorf(p4node.CodeInvalidParam, "duplicate table id %d", t.ID)
		}
		if t.Category == p4node.TableUnknown {
			return p4node.Errorf(p4node.CodeInvalidParam, "table %d has no category", t.ID)
		}
		fields := make(map[uint32]bool, len(t.Fields))
		for _, f := range t.Fields {
			if _, ok := fieldKinds[f.Kind]; !ok {
				return p4node.Errorf(p4node.CodeInvalidParam, "table %d field %d: unknown match kind %q", t.ID, f.ID, f.Kind)
			}
			if fields[f.ID] {
				return p4node.Errorf(p4node.CodeInvalidParam, "table %d: duplicate field id %d", t.ID, f.ID)
			}
			fields[f.ID] = true
		}
		tables[t.ID] = t
	}

	actions := make(map[uint32]bool, len(c.Actions))
	for _, a := range c.Actions {
		if a.ID == 0 {
			return p4node.Errorf(p4node.CodeInvalidParam, "action %q has no id", a.Name)
		}
		if actions[a.ID] {
			return p4node.Errorf(p4node.CodeInvalidParam, "duplicate action id %d", a.ID)
		}
		if _, ok := actionKinds[a.Kind]; !ok {
			return p4node.Errorf(p4node.CodeInvalidParam, "action %d: unknown kind %q", a.ID, a.Kind)
		}
		actions[a.ID] = true
	}

	for i, u := range c.static.GetUpdates() {
		if u.GetType() != p4v1.Update_INSERT {
			return p4node.Errorf(p4node.CodeInvalidParam, "static entry %d: only INSERT is allowed, got %s", i, u.GetType())
		}
		te := u.GetEntity().GetTableEntry()
		if te == nil {
			return p4node.Errorf(p4node.CodeInvalidParam, "static entry %d is not a table entry", i)
		}
		t, ok := tables[te.GetTableId()]
		if !ok {
			return p4node.Errorf(p4node.CodeInvalidParam, "static entry %d refers to unknown table %d", i, te.GetTableId())
		}
		if !t.Static {
			return p4node.Errorf(p4node.CodeInvalidParam, "static entry %d refers to non-static table %d", i, te.GetTableId())
		}
	}
	return nil
}

func (t TableSpec) String() string {
	return fmt.Sprintf("%s(%d)", t.Name, t.ID)
}
