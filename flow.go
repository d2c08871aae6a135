package p4node

import (
	"cmp"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
)

// TableCategory is the hardware table a P4 table is mapped onto. It
// decides which manager owns writes to the table.
type TableCategory int

const (
	TableUnknown TableCategory = iota
	TableIPv4LPM
	TableIPv4Host
	TableIPv6LPM
	TableIPv6Host
	TableL2Unicast
	TableL2Multicast
	TableMyStation
	TableACL
)

// String returns the string representation of the category.
func (c TableCategory) String() string {
	switch c {
	case TableIPv4LPM:
		return "ipv4-lpm"
	case TableIPv4Host:
		return "ipv4-host"
	case TableIPv6LPM:
		return "ipv6-lpm"
	case TableIPv6Host:
		return "ipv6-host"
	case TableL2Unicast:
		return "l2-unicast"
	case TableL2Multicast:
		return "l2-multicast"
	case TableMyStation:
		return "my-station"
	case TableACL:
		return "acl"
	default:
		return "unknown"
	}
}

// ParseTableCategory parses the string form of a category.
func ParseTableCategory(s string) (TableCategory, bool) {
	for c := TableIPv4LPM; c <= TableACL; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return TableUnknown, false
}

// MarshalText implements encoding.TextMarshaler.
func (c TableCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *TableCategory) UnmarshalText(text []byte) error {
	parsed, ok := ParseTableCategory(string(text))
	if !ok {
		return fmt.Errorf("invalid table category: %q", string(text))
	}
	*c = parsed
	return nil
}

// IsRoute reports whether the category is one of the L3 route tables.
func (c TableCategory) IsRoute() bool {
	switch c {
	case TableIPv4LPM, TableIPv4Host, TableIPv6LPM, TableIPv6Host:
		return true
	}
	return false
}

// IsIPv6 reports whether the category is an IPv6 route table.
func (c TableCategory) IsIPv6() bool {
	return c == TableIPv6LPM || c == TableIPv6Host
}

// FieldKind is the match kind of a decoded field.
type FieldKind int

const (
	FieldExact FieldKind = iota + 1
	FieldLPM
	FieldTernary
)

func (k FieldKind) String() string {
	switch k {
	case FieldExact:
		return "exact"
	case FieldLPM:
		return "lpm"
	case FieldTernary:
		return "ternary"
	}
	return "unknown"
}

// FlowField is one decoded match field.
type FlowField struct {
	ID        uint32
	Kind      FieldKind
	Value     []byte
	Mask      []byte
	PrefixLen int32
}

// ActionKind is the decoded form of a table entry's action.
type ActionKind int

const (
	ActionNone ActionKind = iota
	// ActionNexthop forwards to a next-hop described inline.
	ActionNexthop
	// ActionDrop drops the packet.
	ActionDrop
	// ActionToCPU punts the packet to the controller.
	ActionToCPU
	// ActionMember forwards through an action profile member.
	ActionMember
	// ActionGroup forwards through an action profile group.
	ActionGroup
	// ActionMulticast replicates to a multicast group.
	ActionMulticast
	// ActionL3Admit admits the packet to routing.
	ActionL3Admit
)

func (k ActionKind) String() string {
	switch k {
	case ActionNexthop:
		return "nexthop"
	case ActionDrop:
		return "drop"
	case ActionToCPU:
		return "cpu"
	case ActionMember:
		return "member"
	case ActionGroup:
		return "group"
	case ActionMulticast:
		return "multicast"
	case ActionL3Admit:
		return "l3-admit"
	}
	return "none"
}

// FlowAction is a decoded table entry action. MemberID and GroupID are
// set for indirect actions; EgressIntfID is filled in once the member
// or group has been resolved against the bookkeeping store.
type FlowAction struct {
	Kind             ActionKind
	Nexthop          *NonMultipathNexthop
	MemberID         uint32
	GroupID          uint32
	EgressIntfID     int32
	MulticastGroupID uint32
}

// FlowEntry is a P4 table entry classified onto a hardware table.
type FlowEntry struct {
	Unit     int
	Category TableCategory
	TableID  uint32
	Priority int32
	Fields   []FlowField
	Action   FlowAction
	// Entry is the request's entry, kept for read-back.
	Entry *p4v1.TableEntry
}

// Key identifies the entry within its table: the table id, the
// priority and the match fields ordered by field id.
func (e *FlowEntry) Key() string {
	return TableEntryKey(e.Entry)
}

// TableEntryKey returns the identity of a P4 table entry. Two entries
// with the same key refer to the same hardware entry.
func TableEntryKey(te *p4v1.TableEntry) string {
	if te == nil {
		return ""
	}
	fields := slices.Clone(te.GetMatch())
	slices.SortFunc(fields, func(a, b *p4v1.FieldMatch) int {
		return cmp.Compare(a.GetFieldId(), b.GetFieldId())
	})
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d", te.GetTableId(), te.GetPriority())
	for _, f := range fields {
		fmt.Fprintf(&b, "/%d:", f.GetFieldId())
		switch m := f.GetFieldMatchType().(type) {
		case *p4v1.FieldMatch_Exact_:
			b.WriteString(hex.EncodeToString(m.Exact.GetValue()))
		case *p4v1.FieldMatch_Lpm:
			fmt.Fprintf(&b, "%s/%d", hex.EncodeToString(m.Lpm.GetValue()), m.Lpm.GetPrefixLen())
		case *p4v1.FieldMatch_Ternary_:
			fmt.Fprintf(&b, "%s&%s", hex.EncodeToString(m.Ternary.GetValue()), hex.EncodeToString(m.Ternary.GetMask()))
		case *p4v1.FieldMatch_Range_:
			fmt.Fprintf(&b, "%s-%s", hex.EncodeToString(m.Range.GetLow()), hex.EncodeToString(m.Range.GetHigh()))
		case *p4v1.FieldMatch_Optional_:
			fmt.Fprintf(&b, "?%s", hex.EncodeToString(m.Optional.GetValue()))
		}
	}
	if te.GetIsDefaultAction() {
		b.WriteString("/default")
	}
	return b.String()
}
