package tablemgr

import (
	"context"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/proto"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/interpreter"
)

// ReadPageSize is the number of members or groups sent per response.
const ReadPageSize = 256

// ReadTableEntries returns the recorded entries of the selected tables
// in one response, ordered by table id. The second result holds the
// entries of that response that belong to ACL tables, so the caller can
// fill in their counters in place.
func (m *Manager) ReadTableEntries(ctx context.Context, tableIDs map[uint32]bool) (*p4v1.ReadResponse, []*p4v1.TableEntry, error) {
	recs, err := m.store.ListTableEntries(ctx)
	if err != nil {
		return nil, nil, storeErr(err)
	}
	resp := &p4v1.ReadResponse{}
	var acl []*p4v1.TableEntry
	for _, rec := range recs {
		if len(tableIDs) > 0 && !tableIDs[rec.TableID] {
			continue
		}
		te := proto.Clone(rec.Entry).(*p4v1.TableEntry)
		resp.Entities = append(resp.Entities, &p4v1.Entity{Entity: &p4v1.Entity_TableEntry{TableEntry: te}})
		if rec.Category == p4node.TableACL {
			acl = append(acl, te)
		}
	}
	m.logger.DebugContext(ctx, "read table entries", "tables", len(tableIDs), "entries", len(resp.Entities), "acl", len(acl))
	return resp, acl, nil
}

// ReadActionProfileMembers streams the members of the selected
// profiles to w. At least one response is written, empty if nothing
// matched.
func (m *Manager) ReadActionProfileMembers(ctx context.Context, profileIDs map[uint32]bool, w interpreter.ReadResponseWriter) error {
	if w == nil {
		return p4node.Errorf(p4node.CodeInvalidParam, "nil read response writer")
	}
	recs, err := m.store.ListMembers(ctx)
	if err != nil {
		return storeErr(err)
	}
	var entities []*p4v1.Entity
	for _, rec := range recs {
		if len(profileIDs) > 0 && !profileIDs[rec.Info.ActionProfileID] {
			continue
		}
		entities = append(entities, &p4v1.Entity{Entity: &p4v1.Entity_ActionProfileMember{
			ActionProfileMember: proto.Clone(rec.Member).(*p4v1.ActionProfileMember),
		}})
	}
	return writePages(entities, w)
}

// ReadActionProfileGroups is ReadActionProfileMembers for groups.
func (m *Manager) ReadActionProfileGroups(ctx context.Context, profileIDs map[uint32]bool, w interpreter.ReadResponseWriter) error {
	if w == nil {
		return p4node.Errorf(p4node.CodeInvalidParam, "nil read response writer")
	}
	recs, err := m.store.ListGroups(ctx)
	if err != nil {
		return storeErr(err)
	}
	var entities []*p4v1.Entity
	for _, rec := range recs {
		if len(profileIDs) > 0 && !profileIDs[rec.Info.ActionProfileID] {
			continue
		}
		entities = append(entities, &p4v1.Entity{Entity: &p4v1.Entity_ActionProfileGroup{
			ActionProfileGroup: proto.Clone(rec.Group).(*p4v1.ActionProfileGroup),
		}})
	}
	return writePages(entities, w)
}

func writePages(entities []*p4v1.Entity, w interpreter.ReadResponseWriter) error {
	for {
		n := min(len(entities), ReadPageSize)
		if err := w.Write(&p4v1.ReadResponse{Entities: entities[:n]}); err != nil {
			return p4node.Wrap(p4node.CodeInternal, err, "failed to write read response")
		}
		entities = entities[n:]
		if len(entities) == 0 {
			return nil
		}
	}
}
