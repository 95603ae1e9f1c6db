package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InboxName is the group created for owners with an empty library
const InboxName = "Inbox"

const groupColumns = `id, parent_id, owner_id, name, sort_order, created_at, icon, icon_color, collapsed, section`

func scanGroup(row pgx.Row) (*Group, error) {
	g := &Group{}
	err := row.Scan(
		&g.ID, &g.ParentID, &g.OwnerID, &g.Name, &g.SortOrder, &g.Created,
		&g.Icon, &g.IconColor, &g.Collapsed, &g.Section,
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ListGroups returns all groups of an owner in display order
func (db *DB) ListGroups(ctx context.Context, owner string) ([]*Group, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+groupColumns+` FROM groups
		WHERE owner_id = $1
		ORDER BY sort_order, created_at, id
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// GetGroup loads an owned group
func (db *DB) GetGroup(ctx context.Context, owner, id string) (*Group, error) {
	g, err := scanGroup(db.Pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM groups WHERE id = $1 AND owner_id = $2`,
		id, owner))
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group %s: %w", id, err)
	}
	return g, nil
}

// CreateGroup inserts a group at the end of its siblings
func (db *DB) CreateGroup(ctx context.Context, g *Group) error {
	if g.ParentID != nil {
		if _, err := db.GetGroup(ctx, g.OwnerID, *g.ParentID); err != nil {
			return fmt.Errorf("invalid parent group: %w", err)
		}
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Created == 0 {
		g.Created = db.now()
	}

	err := db.Pool.QueryRow(ctx, `
		INSERT INTO groups (id, parent_id, owner_id, name, sort_order, created_at,
			icon, icon_color, collapsed, section)
		VALUES ($1, $2, $3, $4,
			COALESCE((SELECT MAX(sort_order) + 1 FROM groups
				WHERE owner_id = $3 AND parent_id IS NOT DISTINCT FROM $2), 0),
			$5, $6, $7, $8, $9)
		RETURNING sort_order
	`,
		g.ID, g.ParentID, g.OwnerID, g.Name, g.Created,
		g.Icon, g.IconColor, g.Collapsed, g.Section,
	).Scan(&g.SortOrder)
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	return nil
}

// UpdateGroup applies a partial update. Moving a group under one of its own
// descendants is rejected.
func (db *DB) UpdateGroup(ctx context.Context, owner, id string, upd GroupUpdate) (*Group, error) {
	if upd.ParentID != nil {
		groups, err := db.ListGroups(ctx, owner)
		if err != nil {
			return nil, err
		}
		for _, desc := range SubtreeIDs(groups, id) {
			if desc == *upd.ParentID {
				return nil, fmt.Errorf("%w: group cannot be moved into itself", ErrInvalid)
			}
		}
		if _, err := db.GetGroup(ctx, owner, *upd.ParentID); err != nil {
			return nil, fmt.Errorf("invalid parent group: %w", err)
		}
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE groups SET
			name = COALESCE($3, name),
			parent_id = CASE WHEN $4 THEN NULL ELSE COALESCE($5, parent_id) END,
			sort_order = COALESCE($6, sort_order),
			icon = COALESCE($7, icon),
			icon_color = COALESCE($8, icon_color),
			collapsed = COALESCE($9, collapsed),
			section = COALESCE($10, section)
		WHERE id = $1 AND owner_id = $2
	`,
		id, owner, upd.Name, upd.MoveToRoot, upd.ParentID, upd.SortOrder,
		upd.Icon, upd.IconColor, upd.Collapsed, upd.Section,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update group %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return db.GetGroup(ctx, owner, id)
}

// DeleteGroup removes a group, every descendant group and all their notes.
// The removed notes are returned so the caller can clean up mirror files.
func (db *DB) DeleteGroup(ctx context.Context, owner, id string) ([]*Note, error) {
	if _, err := db.GetGroup(ctx, owner, id); err != nil {
		return nil, err
	}
	groups, err := db.ListGroups(ctx, owner)
	if err != nil {
		return nil, err
	}
	ids := SubtreeIDs(groups, id)

	rows, err := db.Pool.Query(ctx, `
		SELECT `+noteColumns+`
		FROM notes n JOIN groups g ON g.id = n.group_id
		WHERE n.group_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load notes of group %s: %w", id, err)
	}
	var notes []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		notes = append(notes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin group delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM notes WHERE group_id = ANY($1)", ids); err != nil {
		return nil, fmt.Errorf("failed to delete notes: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM groups WHERE id = ANY($1)", ids); err != nil {
		return nil, fmt.Errorf("failed to delete groups: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit group delete: %w", err)
	}

	slog.Info("group deleted", "group", id, "groups", len(ids), "notes", len(notes))
	return notes, nil
}

// EnsureInbox creates the default Inbox group when the owner has none
func (db *DB) EnsureInbox(ctx context.Context, owner string) error {
	var count int
	if err := db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM groups WHERE owner_id = $1", owner,
	).Scan(&count); err != nil {
		return fmt.Errorf("failed to count groups: %w", err)
	}
	if count > 0 {
		return nil
	}

	section := SectionNotes
	return db.CreateGroup(ctx, &Group{
		OwnerID: owner,
		Name:    InboxName,
		Section: &section,
	})
}

// SubtreeIDs returns root and every descendant of root, walking the parent
// relation with an explicit stack. Cycles are tolerated.
func SubtreeIDs(groups []*Group, root string) []string {
	children := make(map[string][]string)
	for _, g := range groups {
		if g.ParentID != nil {
			children[*g.ParentID] = append(children[*g.ParentID], g.ID)
		}
	}

	seen := map[string]bool{root: true}
	out := []string{root}
	stack := []string{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range children[id] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			stack = append(stack, child)
		}
	}
	return out
}
