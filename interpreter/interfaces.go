// Package interpreter declares the collaborators a node drives: the
// pipeline mapper, the bookkeeping table manager, the hardware
// managers and the persistence store behind the table manager.
// Implementations live in subpackages and are the only code that
// touches devices or disks.
package interpreter

import (
	"context"
	"io"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/interpreter/store"
)

// Collaborator is the lifecycle shared by every per-node manager.
type Collaborator interface {
	PushChassisConfig(ctx context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error
	VerifyChassisConfig(ctx context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error
	Shutdown(ctx context.Context) error
}

// PipelineCollaborator is implemented by managers that consume the P4
// forwarding pipeline.
type PipelineCollaborator interface {
	PushForwardingPipelineConfig(ctx context.Context, cfg *p4v1.ForwardingPipelineConfig) error
	VerifyForwardingPipelineConfig(ctx context.Context, cfg *p4v1.ForwardingPipelineConfig) error
}

// TableMapper translates P4 objects into their hardware form using the
// pipeline that is currently installed.
type TableMapper interface {
	Collaborator
	PipelineCollaborator

	// MapFlowEntry classifies and decodes a table entry. Writes to
	// static tables are rejected unless static updates are enabled.
	MapFlowEntry(ctx context.Context, entry *p4v1.TableEntry, typ p4v1.Update_Type) (*p4node.FlowEntry, error)
	// MapActionProfileMember decodes a member's action into a
	// single-path next-hop.
	MapActionProfileMember(ctx context.Context, member *p4v1.ActionProfileMember) (p4node.NonMultipathNexthop, error)
	// TableCategory returns the category of a known table.
	TableCategory(tableID uint32) (p4node.TableCategory, bool)

	// HandlePrePushStaticEntryChanges returns the updates that must be
	// applied under the current pipeline before newStatic replaces it.
	HandlePrePushStaticEntryChanges(ctx context.Context, newStatic *p4v1.WriteRequest) (*p4v1.WriteRequest, error)
	// HandlePostPushStaticEntryChanges returns the updates that must be
	// applied once the new pipeline is in place.
	HandlePostPushStaticEntryChanges(ctx context.Context, newStatic *p4v1.WriteRequest) (*p4v1.WriteRequest, error)
	// CommitStaticEntryChanges records which updates of a static entry
	// write reached hardware. results is aligned with req.Updates.
	CommitStaticEntryChanges(ctx context.Context, req *p4v1.WriteRequest, results []error)

	EnableStaticTableUpdates()
	DisableStaticTableUpdates()
}

// ReadResponseWriter receives batched read results.
type ReadResponseWriter interface {
	Write(resp *p4v1.ReadResponse) error
}

// TableManager is the bookkeeping store: the node's mirror of what has
// been committed to hardware. It owns the member and group reference
// counters; callers change them only through the lifecycle methods.
type TableManager interface {
	Collaborator

	FillFlowEntry(ctx context.Context, entry *p4v1.TableEntry, typ p4v1.Update_Type) (*p4node.FlowEntry, error)
	FillNonMultipathNexthop(ctx context.Context, member *p4v1.ActionProfileMember) (p4node.NonMultipathNexthop, error)
	FillMultipathNexthop(ctx context.Context, group *p4v1.ActionProfileGroup) (p4node.MultipathNexthop, error)

	AddTableEntry(ctx context.Context, entry *p4v1.TableEntry) error
	UpdateTableEntry(ctx context.Context, entry *p4v1.TableEntry) error
	DeleteTableEntry(ctx context.Context, entry *p4v1.TableEntry) error

	AddActionProfileMember(ctx context.Context, member *p4v1.ActionProfileMember, typ p4node.NexthopType, egressIntfID int32) error
	UpdateActionProfileMember(ctx context.Context, member *p4v1.ActionProfileMember, typ p4node.NexthopType) error
	DeleteActionProfileMember(ctx context.Context, member *p4v1.ActionProfileMember) error

	AddActionProfileGroup(ctx context.Context, group *p4v1.ActionProfileGroup, egressIntfID int32) error
	UpdateActionProfileGroup(ctx context.Context, group *p4v1.ActionProfileGroup) error
	DeleteActionProfileGroup(ctx context.Context, group *p4v1.ActionProfileGroup) error

	ActionProfileMemberExists(ctx context.Context, memberID uint32) (bool, error)
	ActionProfileGroupExists(ctx context.Context, groupID uint32) (bool, error)
	GetNonMultipathNexthopInfo(ctx context.Context, memberID uint32) (p4node.MemberInfo, error)
	GetMultipathNexthopInfo(ctx context.Context, groupID uint32) (p4node.GroupInfo, error)
	GetGroupsForMember(ctx context.Context, memberID uint32) ([]uint32, error)

	// ReadTableEntries returns the entries of the given tables in one
	// response, plus the subset that live in ACL tables. An empty set
	// selects every table.
	ReadTableEntries(ctx context.Context, tableIDs map[uint32]bool) (*p4v1.ReadResponse, []*p4v1.TableEntry, error)
	// ReadActionProfileMembers streams members of the given profiles
	// to w in pages. An empty set selects every profile.
	ReadActionProfileMembers(ctx context.Context, profileIDs map[uint32]bool, w ReadResponseWriter) error
	// ReadActionProfileGroups is ReadActionProfileMembers for groups.
	ReadActionProfileGroups(ctx context.Context, profileIDs map[uint32]bool, w ReadResponseWriter) error
}

// L2Manager programs multicast groups and my-station entries.
type L2Manager interface {
	Collaborator
	InsertMulticastGroup(ctx context.Context, entry *p4node.FlowEntry) error
	DeleteMulticastGroup(ctx context.Context, entry *p4node.FlowEntry) error
	InsertMyStationEntry(ctx context.Context, entry *p4node.FlowEntry) error
	DeleteMyStationEntry(ctx context.Context, entry *p4node.FlowEntry) error
}

// L3Manager programs next-hops and routes. Egress interface ids are
// allocated by the manager and stay stable for the object's lifetime.
type L3Manager interface {
	Collaborator

	FindOrCreateNonMultipathNexthop(ctx context.Context, nh p4node.NonMultipathNexthop) (int32, error)
	ModifyNonMultipathNexthop(ctx context.Context, egressIntfID int32, nh p4node.NonMultipathNexthop) error
	DeleteNonMultipathNexthop(ctx context.Context, egressIntfID int32) error

	FindOrCreateMultipathNexthop(ctx context.Context, nh p4node.MultipathNexthop) (int32, error)
	ModifyMultipathNexthop(ctx context.Context, egressIntfID int32, nh p4node.MultipathNexthop) error
	DeleteMultipathNexthop(ctx context.Context, egressIntfID int32) error

	InsertLpmOrHostFlow(ctx context.Context, entry *p4node.FlowEntry) error
	ModifyLpmOrHostFlow(ctx context.Context, entry *p4node.FlowEntry) error
	DeleteLpmOrHostFlow(ctx context.Context, entry *p4node.FlowEntry) error
}

// ACLManager programs ACL tables. It keeps the bookkeeping store up to
// date for its own entries.
type ACLManager interface {
	Collaborator
	PipelineCollaborator

	InsertTableEntry(ctx context.Context, entry *p4v1.TableEntry) error
	ModifyTableEntry(ctx context.Context, entry *p4v1.TableEntry) error
	DeleteTableEntry(ctx context.Context, entry *p4v1.TableEntry) error
	UpdateTableEntryMeter(ctx context.Context, meter *p4v1.DirectMeterEntry) error
	// GetTableEntryStats returns the live counters of an installed
	// ACL entry.
	GetTableEntryStats(ctx context.Context, entry *p4v1.TableEntry) (*p4v1.CounterData, error)
}

// PacketInWriter receives packets punted to a registered sink.
type PacketInWriter interface {
	WritePacketIn(pkt *p4v1.PacketIn) error
}

// PacketIOManager moves packets between the controller and the CPU
// port. At most one receive writer is registered per purpose.
type PacketIOManager interface {
	Collaborator
	RegisterPacketReceiveWriter(ctx context.Context, purpose p4node.PacketPurpose, w PacketInWriter) error
	UnregisterPacketReceiveWriter(ctx context.Context, purpose p4node.PacketPurpose) error
	TransmitPacket(ctx context.Context, purpose p4node.PacketPurpose, pkt *p4v1.PacketOut) error
}

// TableEntryStore persists installed table entries keyed by
// p4node.TableEntryKey.
type TableEntryStore interface {
	// GetTableEntry returns store.ErrNotFound if the key is absent.
	GetTableEntry(ctx context.Context, key string) (store.TableEntryRecord, error)
	SaveTableEntry(ctx context.Context, rec store.TableEntryRecord) error
	DeleteTableEntry(ctx context.Context, key string) error
	// ListTableEntries returns entries ordered by table id then key.
	ListTableEntries(ctx context.Context) ([]store.TableEntryRecord, error)
}

// MemberStore persists action profile members.
type MemberStore interface {
	// GetMember returns store.ErrNotFound if the member is absent.
	GetMember(ctx context.Context, memberID uint32) (store.MemberRecord, error)
	// FindMemberByEgressIntf returns store.ErrNotFound if no member owns
	// the egress interface.
	FindMemberByEgressIntf(ctx context.Context, egressIntfID int32) (store.MemberRecord, error)
	SaveMember(ctx context.Context, rec store.MemberRecord) error
	DeleteMember(ctx context.Context, memberID uint32) error
	// ListMembers returns members ordered by profile id then member id.
	ListMembers(ctx context.Context) ([]store.MemberRecord, error)
}

// GroupStore persists action profile groups and their membership.
type GroupStore interface {
	// GetGroup returns store.ErrNotFound if the group is absent.
	GetGroup(ctx context.Context, groupID uint32) (store.GroupRecord, error)
	// FindGroupByEgressIntf returns store.ErrNotFound if no group owns
	// the egress interface.
	FindGroupByEgressIntf(ctx context.Context, egressIntfID int32) (store.GroupRecord, error)
	SaveGroup(ctx context.Context, rec store.GroupRecord) error
	DeleteGroup(ctx context.Context, groupID uint32) error
	// ListGroups returns groups ordered by profile id then group id.
	ListGroups(ctx context.Context) ([]store.GroupRecord, error)
	// GroupsForMember returns the ids of groups that list the member.
	GroupsForMember(ctx context.Context, memberID uint32) ([]uint32, error)
}

// PipelineStore persists the last committed forwarding pipeline.
type PipelineStore interface {
	// GetPipeline returns store.ErrNotFound if nothing was saved.
	GetPipeline(ctx context.Context) (*p4v1.ForwardingPipelineConfig, error)
	SavePipeline(ctx context.Context, cfg *p4v1.ForwardingPipelineConfig) error
}

// Store combines the bookkeeping persistence operations.
type Store interface {
	io.Closer
	TableEntryStore
	MemberStore
	GroupStore
	PipelineStore
	Transactional

	// Reset removes every entry, member and group. The saved pipeline
	// is kept.
	Reset(ctx context.Context) error
}

// Transactional provides atomic execution of store operations.
// The callback receives a Store that participates in the transaction.
// If the callback returns nil, the transaction commits.
// If the callback returns an error, the transaction rolls back.
type Transactional interface {
	RunInTransaction(ctx context.Context, fn func(Store) error) error
}
