package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

type statements struct {
	getTableEntry     *sql.Stmt
	saveTableEntry    *sql.Stmt
	deleteTableEntry  *sql.Stmt
	listTableEntries  *sql.Stmt
	resetTableEntries *sql.Stmt

	getMember          *sql.Stmt
	findMemberByEgress *sql.Stmt
	saveMember         *sql.Stmt
	deleteMember       *sql.Stmt
	listMembers        *sql.Stmt
	resetMembers       *sql.Stmt

	getGroup           *sql.Stmt
	findGroupByEgress  *sql.Stmt
	saveGroup          *sql.Stmt
	deleteGroup        *sql.Stmt
	listGroups         *sql.Stmt
	resetGroups        *sql.Stmt
	getGroupMembers    *sql.Stmt
	deleteGroupMembers *sql.Stmt
	insertGroupMember  *sql.Stmt
	groupsForMember    *sql.Stmt
	resetGroupMembers  *sql.Stmt

	getPipeline  *sql.Stmt
	savePipeline *sql.Stmt
}

// fields returns a pointer to every statement slot together with its
// name and SQL, in a fixed order shared by prepare, bind and close.
func (st *statements) fields() []struct {
	name string
	ptr  **sql.Stmt
	sql  string
} {
	return []struct {
		name string
		ptr  **sql.Stmt
		sql  string
	}{
		{"GetTableEntry", &st.getTableEntry, `
			SELECT key, table_id, category, member_id, group_id, entry
			FROM table_entries WHERE key = ?`},
		{"SaveTableEntry", &st.saveTableEntry, `
			INSERT INTO table_entries (key, table_id, category, member_id, group_id, entry, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
			  table_id = excluded.table_id,
			  category = excluded.category,
			  member_id = excluded.member_id,
			  group_id = excluded.group_id,
			  entry = excluded.entry,
			  updated_at = excluded.updated_at`},
		{"DeleteTableEntry", &st.deleteTableEntry, `DELETE FROM table_entries WHERE key = ?`},
		{"ListTableEntries", &st.listTableEntries, `
			SELECT key, table_id, category, member_id, group_id, entry
			FROM table_entries ORDER BY table_id, key`},
		{"ResetTableEntries", &st.resetTableEntries, `DELETE FROM table_entries`},

		{"GetMember", &st.getMember, `
			SELECT member_id, profile_id, egress_intf_id, nexthop_type, group_ref_count, flow_ref_count, member
			FROM members WHERE member_id = ?`},
		{"FindMemberByEgress", &st.findMemberByEgress, `
			SELECT member_id, profile_id, egress_intf_id, nexthop_type, group_ref_count, flow_ref_count, member
			FROM members WHERE egress_intf_id = ?`},
		{"SaveMember", &st.saveMember, `
			INSERT INTO members (member_id, profile_id, egress_intf_id, nexthop_type, group_ref_count, flow_ref_count, member)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(member_id) DO UPDATE SET
			  profile_id = excluded.profile_id,
			  egress_intf_id = excluded.egress_intf_id,
			  nexthop_type = excluded.nexthop_type,
			  group_ref_count = excluded.group_ref_count,
			  flow_ref_count = excluded.flow_ref_count,
			  member = excluded.member`},
		{"DeleteMember", &st.deleteMember, `DELETE FROM members WHERE member_id = ?`},
		{"ListMembers", &st.listMembers, `
			SELECT member_id, profile_id, egress_intf_id, nexthop_type, group_ref_count, flow_ref_count, member
			FROM members ORDER BY profile_id, member_id`},
		{"ResetMembers", &st.resetMembers, `DELETE FROM members`},

		{"GetGroup", &st.getGroup, `
			SELECT group_id, profile_id, egress_intf_id, flow_ref_count, action_group
			FROM action_groups WHERE group_id = ?`},
		{"FindGroupByEgress", &st.findGroupByEgress, `
			SELECT group_id, profile_id, egress_intf_id, flow_ref_count, action_group
			FROM action_groups WHERE egress_intf_id = ?`},
		{"SaveGroup", &st.saveGroup, `
			INSERT INTO action_groups (group_id, profile_id, egress_intf_id, flow_ref_count, action_group)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(group_id) DO UPDATE SET
			  profile_id = excluded.profile_id,
			  egress_intf_id = excluded.egress_intf_id,
			  flow_ref_count = excluded.flow_ref_count,
			  action_group = excluded.action_group`},
		{"DeleteGroup", &st.deleteGroup, `DELETE FROM action_groups WHERE group_id = ?`},
		{"ListGroups", &st.listGroups, `
			SELECT group_id, profile_id, egress_intf_id, flow_ref_count, action_group
			FROM action_groups ORDER BY profile_id, group_id`},
		{"ResetGroups", &st.resetGroups, `DELETE FROM action_groups`},
		{"GetGroupMembers", &st.getGroupMembers, `
			SELECT member_id, weight FROM group_members WHERE group_id = ? ORDER BY member_id`},
		{"DeleteGroupMembers", &st.deleteGroupMembers, `DELETE FROM group_members WHERE group_id = ?`},
		{"InsertGroupMember", &st.insertGroupMember, `
			INSERT INTO group_members (group_id, member_id, weight) VALUES (?, ?, ?)`},
		{"GroupsForMember", &st.groupsForMember, `
			SELECT group_id FROM group_members WHERE member_id = ? ORDER BY group_id`},
		{"ResetGroupMembers", &st.resetGroupMembers, `DELETE FROM group_members`},

		{"GetPipeline", &st.getPipeline, `SELECT config FROM pipeline WHERE id = 1`},
		{"SavePipeline", &st.savePipeline, `
			INSERT INTO pipeline (id, config, saved_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET config = excluded.config, saved_at = excluded.saved_at`},
	}
}

func (st *statements) prepare(ctx context.Context, db *sql.DB) error {
	for _, f := range st.fields() {
		stmt, err := db.PrepareContext(ctx, f.sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", f.name, err)
		}
		*f.ptr = stmt
	}
	return nil
}

// bind returns transaction-bound handles for every master statement.
// The handles become invalid when tx ends; the masters do not.
func (st *statements) bind(ctx context.Context, tx *sql.Tx) statements {
	var bound statements
	master := st.fields()
	for i, f := range bound.fields() {
		*f.ptr = tx.StmtContext(ctx, *master[i].ptr)
	}
	return bound
}

// close closes the prepared statements. Errors are ignored because
// the database is about to be closed.
func (st *statements) close() {
	for _, f := range st.fields() {
		if *f.ptr != nil {
			(*f.ptr).Close()
		}
	}
}
