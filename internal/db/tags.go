package db

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ListTags returns an owner's tags sorted by name
func (db *DB) ListTags(ctx context.Context, owner string) ([]*Tag, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, owner_id, name, color FROM tags WHERE owner_id = $1 ORDER BY name, id",
		owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	var tags []*Tag
	for rows.Next() {
		t := &Tag{}
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Color); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// getOrCreateTag finds an owner's tag by name, creating it if missing
func (db *DB) getOrCreateTag(ctx context.Context, owner, name string) (string, error) {
	var id string
	err := db.Pool.QueryRow(ctx,
		"SELECT id FROM tags WHERE owner_id = $1 AND name = $2 ORDER BY id LIMIT 1",
		owner, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("failed to look up tag %q: %w", name, err)
	}

	id = uuid.NewString()
	_, err = db.Pool.Exec(ctx,
		"INSERT INTO tags (id, owner_id, name, color) VALUES ($1, $2, $3, $4)",
		id, owner, name, DefaultTagColor)
	if err != nil {
		return "", fmt.Errorf("failed to create tag %q: %w", name, err)
	}
	return id, nil
}

// AddTagsByName attaches tags to a note by name, creating missing tags.
// Existing associations are kept. Returns how many associations were added.
func (db *DB) AddTagsByName(ctx context.Context, owner, noteID string, names []string) (int, error) {
	added := 0
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		tagID, err := db.getOrCreateTag(ctx, owner, name)
		if err != nil {
			return added, err
		}
		tag, err := db.Pool.Exec(ctx,
			"INSERT INTO note_tags (note_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			noteID, tagID)
		if err != nil {
			return added, fmt.Errorf("failed to attach tag %q: %w", name, err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

// AttachTag tags an owned note and bumps its modified timestamp
func (db *DB) AttachTag(ctx context.Context, owner, noteID, name string) (*Note, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: tag name is required", ErrInvalid)
	}
	if _, err := db.GetOwnedNote(ctx, owner, noteID); err != nil {
		return nil, err
	}
	if _, err := db.AddTagsByName(ctx, owner, noteID, []string{name}); err != nil {
		return nil, err
	}
	if err := db.bumpNote(ctx, db.Pool, noteID); err != nil {
		return nil, err
	}
	return db.GetOwnedNote(ctx, owner, noteID)
}

// DetachTag removes a tag (by id or name) from an owned note
func (db *DB) DetachTag(ctx context.Context, owner, noteID, tag string) (*Note, error) {
	if _, err := db.GetOwnedNote(ctx, owner, noteID); err != nil {
		return nil, err
	}
	res, err := db.Pool.Exec(ctx, `
		DELETE FROM note_tags WHERE note_id = $1 AND tag_id IN (
			SELECT id FROM tags WHERE owner_id = $2 AND (id = $3 OR name = $3)
		)
	`, noteID, owner, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to detach tag: %w", err)
	}
	if res.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	if err := db.bumpNote(ctx, db.Pool, noteID); err != nil {
		return nil, err
	}
	return db.GetOwnedNote(ctx, owner, noteID)
}

// tagNamesFor returns sorted tag names keyed by note id
func (db *DB) tagNamesFor(ctx context.Context, noteIDs []string) (map[string][]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT nt.note_id, t.name
		FROM note_tags nt JOIN tags t ON t.id = nt.tag_id
		WHERE nt.note_id = ANY($1)
	`, noteIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load tags: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var noteID, name string
		if err := rows.Scan(&noteID, &name); err != nil {
			return nil, err
		}
		out[noteID] = append(out[noteID], name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out, rows.Err()
}
