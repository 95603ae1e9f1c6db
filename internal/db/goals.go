package db

import (
	"context"
	"fmt"
	"time"
)

// ValidateGoal checks the goal's type, mode, target and deadline, filling
// in the default mode.
func ValidateGoal(g *Goal) error {
	if !IsValidGoalType(g.TargetType) {
		return fmt.Errorf("%w: unknown goal type %q", ErrInvalid, g.TargetType)
	}
	if g.Mode == "" {
		g.Mode = DefaultGoalMode
	}
	if !IsValidGoalMode(g.Mode) {
		return fmt.Errorf("%w: unknown goal mode %q", ErrInvalid, g.Mode)
	}
	if g.TargetValue <= 0 {
		return fmt.Errorf("%w: goal target must be positive", ErrInvalid)
	}
	if g.Deadline != nil && *g.Deadline != "" {
		if _, err := time.Parse("2006-01-02", *g.Deadline); err != nil {
			return fmt.Errorf("%w: deadline must be YYYY-MM-DD", ErrInvalid)
		}
	}
	if g.Deadline != nil && *g.Deadline == "" {
		g.Deadline = nil
	}
	return nil
}

// SetGoal upserts the goal of an owned note
func (db *DB) SetGoal(ctx context.Context, owner string, goal *Goal) (*Note, error) {
	if err := ValidateGoal(goal); err != nil {
		return nil, err
	}
	if _, err := db.GetOwnedNote(ctx, owner, goal.NoteID); err != nil {
		return nil, err
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin goal update: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO goals (note_id, target_type, target_value, mode, deadline)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (note_id) DO UPDATE SET
			target_type = EXCLUDED.target_type,
			target_value = EXCLUDED.target_value,
			mode = EXCLUDED.mode,
			deadline = EXCLUDED.deadline
	`, goal.NoteID, goal.TargetType, goal.TargetValue, goal.Mode, goal.Deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to save goal: %w", err)
	}
	if err := db.bumpNote(ctx, tx, goal.NoteID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit goal: %w", err)
	}
	return db.GetOwnedNote(ctx, owner, goal.NoteID)
}

// DeleteGoal removes the goal of an owned note
func (db *DB) DeleteGoal(ctx context.Context, owner, noteID string) (*Note, error) {
	if _, err := db.GetOwnedNote(ctx, owner, noteID); err != nil {
		return nil, err
	}
	res, err := db.Pool.Exec(ctx, "DELETE FROM goals WHERE note_id = $1", noteID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete goal: %w", err)
	}
	if res.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	if err := db.bumpNote(ctx, db.Pool, noteID); err != nil {
		return nil, err
	}
	return db.GetOwnedNote(ctx, owner, noteID)
}

// goalsFor loads goals keyed by note id
func (db *DB) goalsFor(ctx context.Context, noteIDs []string) (map[string]*Goal, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT note_id, target_type, target_value, mode, deadline
		FROM goals WHERE note_id = ANY($1)
	`, noteIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load goals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Goal)
	for rows.Next() {
		g := &Goal{}
		if err := rows.Scan(&g.NoteID, &g.TargetType, &g.TargetValue, &g.Mode, &g.Deadline); err != nil {
			return nil, err
		}
		out[g.NoteID] = g
	}
	return out, rows.Err()
}
