package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MergeSeparator joins note contents in MergeNotes
const MergeSeparator = "\n\n---\n\n"

const noteColumns = `
	n.id, n.group_id, g.owner_id, n.title, n.content, n.notes, n.images,
	n.sort_order, n.favorite, n.is_trashed, n.created_at, n.updated_at`

const ownedNote = `n.group_id IN (SELECT id FROM groups WHERE owner_id = $2)`

func scanNote(row pgx.Row) (*Note, error) {
	note := &Note{}
	err := row.Scan(
		&note.ID, &note.GroupID, &note.OwnerID, &note.Title, &note.Content,
		&note.Notes, &note.Images, &note.SortOrder, &note.Favorite,
		&note.Trashed, &note.Created, &note.Modified,
	)
	if err != nil {
		return nil, err
	}
	return note, nil
}

// ListNotes returns an owner's notes with tags and goals attached, ordered by
// group, sort position and creation time. An empty groupID means all groups.
func (db *DB) ListNotes(ctx context.Context, owner string, filter NoteFilter, groupID string) ([]*Note, error) {
	where := []string{"g.owner_id = $1"}
	args := []any{owner}

	switch filter {
	case FilterActive:
		where = append(where, "NOT n.is_trashed")
	case FilterFavorites:
		where = append(where, "NOT n.is_trashed", "n.favorite")
	case FilterTrash:
		where = append(where, "n.is_trashed")
	case FilterAll:
	default:
		return nil, fmt.Errorf("%w: unknown filter %q", ErrInvalid, filter)
	}

	if groupID != "" {
		args = append(args, groupID)
		where = append(where, fmt.Sprintf("n.group_id = $%d", len(args)))
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT `+noteColumns+`
		FROM notes n JOIN groups g ON g.id = n.group_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY n.group_id, n.sort_order, n.created_at, n.id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := db.attachRelations(ctx, notes); err != nil {
		return nil, err
	}
	return notes, nil
}

// attachRelations bulk-loads tags and goals for the given notes
func (db *DB) attachRelations(ctx context.Context, notes []*Note) error {
	if len(notes) == 0 {
		return nil
	}

	byID := make(map[string]*Note, len(notes))
	ids := make([]string, 0, len(notes))
	for _, n := range notes {
		byID[n.ID] = n
		ids = append(ids, n.ID)
	}

	tags, err := db.tagNamesFor(ctx, ids)
	if err != nil {
		return err
	}
	goals, err := db.goalsFor(ctx, ids)
	if err != nil {
		return err
	}

	for id, n := range byID {
		n.Tags = tags[id]
		n.Goal = goals[id]
	}
	return nil
}

// GetNote loads a note by identifier regardless of owner. Returns nil, nil
// when no such note exists.
func (db *DB) GetNote(ctx context.Context, id string) (*Note, error) {
	note, err := scanNote(db.Pool.QueryRow(ctx, `
		SELECT `+noteColumns+`
		FROM notes n JOIN groups g ON g.id = n.group_id
		WHERE n.id = $1
	`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get note %s: %w", id, err)
	}

	if err := db.attachRelations(ctx, []*Note{note}); err != nil {
		return nil, err
	}
	return note, nil
}

// GetOwnedNote loads a note that must belong to owner
func (db *DB) GetOwnedNote(ctx context.Context, owner, id string) (*Note, error) {
	note, err := db.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}
	if note == nil || note.OwnerID != owner {
		return nil, ErrNotFound
	}
	return note, nil
}

// InsertNote stores a new note. A missing ID is generated and missing
// timestamps default to now; provided values are kept so that notes can be
// recreated from the mirror with their original identity.
func (db *DB) InsertNote(ctx context.Context, note *Note) error {
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	now := db.now()
	if note.Created == 0 {
		note.Created = now
	}
	if note.Modified == 0 {
		note.Modified = note.Created
	}
	if note.Title == "" {
		note.Title = "Untitled"
	}
	if note.Images == "" {
		note.Images = "[]"
	}

	err := db.Pool.QueryRow(ctx, `
		INSERT INTO notes (
			id, group_id, title, content, notes, images, sort_order,
			favorite, is_trashed, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			COALESCE((SELECT MAX(sort_order) + 1 FROM notes WHERE group_id = $2), 0),
			$7, $8, $9, $10
		)
		RETURNING sort_order
	`,
		note.ID, note.GroupID, note.Title, note.Content, note.Notes, note.Images,
		note.Favorite, note.Trashed, note.Created, note.Modified,
	).Scan(&note.SortOrder)
	if err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	return nil
}

// ApplyMirrorEdit overwrites the fields a mirror file controls. The modified
// timestamp is taken from the edit as-is.
func (db *DB) ApplyMirrorEdit(ctx context.Context, id string, edit NoteEdit) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE notes SET title = $2, content = $3, notes = $4, favorite = $5, updated_at = $6,
			group_id = COALESCE(NULLIF($7, ''), group_id)
		WHERE id = $1
	`, id, edit.Title, edit.Content, edit.Notes, edit.Favorite, edit.Modified, edit.GroupID)
	if err != nil {
		return fmt.Errorf("failed to update note %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateNote applies a partial update and bumps the modified timestamp
func (db *DB) UpdateNote(ctx context.Context, owner, id string, upd NoteUpdate) (*Note, error) {
	if upd.GroupID != nil {
		if _, err := db.GetGroup(ctx, owner, *upd.GroupID); err != nil {
			return nil, err
		}
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE notes n SET
			title = COALESCE($3, n.title),
			content = COALESCE($4, n.content),
			notes = COALESCE($5, n.notes),
			images = COALESCE($6, n.images),
			group_id = COALESCE($7, n.group_id),
			sort_order = COALESCE($8, n.sort_order),
			updated_at = GREATEST(n.updated_at + 1, $9)
		WHERE n.id = $1 AND `+ownedNote,
		id, owner, upd.Title, upd.Content, upd.Notes, upd.Images,
		upd.GroupID, upd.SortOrder, db.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update note %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return db.GetOwnedNote(ctx, owner, id)
}

// SetTrashed moves a note into or out of the trash
func (db *DB) SetTrashed(ctx context.Context, owner, id string, trashed bool) (*Note, error) {
	return db.touchNote(ctx, owner, id, "is_trashed = $3", trashed)
}

// ToggleFavorite flips a note's favorite flag
func (db *DB) ToggleFavorite(ctx context.Context, owner, id string) (*Note, error) {
	return db.touchNote(ctx, owner, id, "favorite = NOT n.favorite")
}

// touchNote runs a single-column update on an owned note and bumps updated_at
// strictly, so that the mirror sees the change as newer.
func (db *DB) touchNote(ctx context.Context, owner, id, set string, extra ...any) (*Note, error) {
	args := append([]any{id, owner}, extra...)
	args = append(args, db.now())
	nowArg := fmt.Sprintf("$%d", len(args))

	tag, err := db.Pool.Exec(ctx, `
		UPDATE notes n SET `+set+`, updated_at = GREATEST(n.updated_at + 1, `+nowArg+`)
		WHERE n.id = $1 AND `+ownedNote, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update note %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return db.GetOwnedNote(ctx, owner, id)
}

// bumpNote strictly increases a note's modified timestamp
func (db *DB) bumpNote(ctx context.Context, q execer, id string) error {
	_, err := q.Exec(ctx,
		"UPDATE notes SET updated_at = GREATEST(updated_at + 1, $2) WHERE id = $1",
		id, db.now())
	if err != nil {
		return fmt.Errorf("failed to bump note %s: %w", id, err)
	}
	return nil
}

// DeleteNote permanently removes a note; tags and goal cascade
func (db *DB) DeleteNote(ctx context.Context, owner, id string) (*Note, error) {
	note, err := db.GetOwnedNote(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if _, err := db.Pool.Exec(ctx, "DELETE FROM notes WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("failed to delete note %s: %w", id, err)
	}
	return note, nil
}

// EmptyTrash permanently deletes every trashed note of the owner and returns them
func (db *DB) EmptyTrash(ctx context.Context, owner string) ([]*Note, error) {
	trashed, err := db.ListNotes(ctx, owner, FilterTrash, "")
	if err != nil {
		return nil, err
	}
	if len(trashed) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(trashed))
	for _, n := range trashed {
		ids = append(ids, n.ID)
	}
	if _, err := db.Pool.Exec(ctx, "DELETE FROM notes WHERE id = ANY($1)", ids); err != nil {
		return nil, fmt.Errorf("failed to empty trash: %w", err)
	}
	return trashed, nil
}

// MergeNotes concatenates the given notes (in group sort order) into a new
// note placed in the first note's group, and trashes the originals.
func (db *DB) MergeNotes(ctx context.Context, owner string, ids []string) (*Note, []*Note, error) {
	if len(ids) < 2 {
		return nil, nil, fmt.Errorf("%w: merge needs at least two notes", ErrInvalid)
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT `+noteColumns+`
		FROM notes n JOIN groups g ON g.id = n.group_id
		WHERE n.id = ANY($1) AND g.owner_id = $2 AND NOT n.is_trashed
		ORDER BY n.sort_order, n.created_at, n.id
	`, ids, owner)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load notes to merge: %w", err)
	}
	var sources []*Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		sources = append(sources, note)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(sources) != len(ids) {
		return nil, nil, ErrNotFound
	}

	parts := make([]string, 0, len(sources))
	for _, n := range sources {
		parts = append(parts, n.Content)
	}

	merged := &Note{
		GroupID: sources[0].GroupID,
		OwnerID: owner,
		Title:   sources[0].Title,
		Content: strings.Join(parts, MergeSeparator),
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin merge: %w", err)
	}
	defer tx.Rollback(ctx)

	merged.ID = uuid.NewString()
	merged.Created = db.now()
	merged.Modified = merged.Created
	merged.Images = "[]"
	err = tx.QueryRow(ctx, `
		INSERT INTO notes (id, group_id, title, content, notes, images, sort_order,
			favorite, is_trashed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '', '[]',
			COALESCE((SELECT MAX(sort_order) + 1 FROM notes WHERE group_id = $2), 0),
			FALSE, FALSE, $5, $5)
		RETURNING sort_order
	`, merged.ID, merged.GroupID, merged.Title, merged.Content, merged.Created).Scan(&merged.SortOrder)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert merged note: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE notes SET is_trashed = TRUE, updated_at = GREATEST(updated_at + 1, $2)
		WHERE id = ANY($1)
	`, ids, db.now())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to trash merged notes: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit merge: %w", err)
	}
	return merged, sources, nil
}
