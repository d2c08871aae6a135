package store

import (
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/frobware/go-p4node"
)

// TableEntryRecord is an installed table entry. MemberID and GroupID
// record the action profile object the entry forwards through, if any,
// so that its flow reference can be released on delete.
type TableEntryRecord struct {
	Key      string
	TableID  uint32
	Category p4node.TableCategory
	MemberID uint32
	GroupID  uint32
	Entry    *p4v1.TableEntry
}

// MemberRecord is an installed action profile member.
type MemberRecord struct {
	Info   p4node.MemberInfo
	Member *p4v1.ActionProfileMember
}

// GroupRecord is an installed action profile group.
type GroupRecord struct {
	Info  p4node.GroupInfo
	Group *p4v1.ActionProfileGroup
}
