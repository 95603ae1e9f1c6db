package sync

import (
	"context"

	"github.com/vonshlovens/folio/internal/db"
)

// Store is the relational side of the mirror. *db.DB implements it.
type Store interface {
	ListGroups(ctx context.Context, owner string) ([]*db.Group, error)
	CreateGroup(ctx context.Context, g *db.Group) error
	ListNotes(ctx context.Context, owner string, filter db.NoteFilter, groupID string) ([]*db.Note, error)
	// GetNote returns nil, nil when the note does not exist
	GetNote(ctx context.Context, id string) (*db.Note, error)
	InsertNote(ctx context.Context, note *db.Note) error
	ApplyMirrorEdit(ctx context.Context, id string, edit db.NoteEdit) error
	AddTagsByName(ctx context.Context, owner, noteID string, names []string) (int, error)
}

var _ Store = (*db.DB)(nil)
