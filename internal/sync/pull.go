package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/vonshlovens/folio/internal/db"
	"github.com/vonshlovens/folio/internal/mirror"
	"github.com/vonshlovens/folio/internal/parser"
)

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeUpdated
	outcomeCreated
)

// mirrorFile is a decoded note file
type mirrorFile struct {
	obj     *mirror.Object
	fm      *parser.Frontmatter
	content string
}

// file reads and decodes a listed object once per pass
func (e *Engine) file(ctx context.Context, p *pass, obj *mirror.Object) (*mirrorFile, error) {
	if f, ok := p.files[obj.Key]; ok {
		return f, nil
	}
	body, fresh, err := e.objects.Get(ctx, obj.Key)
	if err != nil {
		return nil, err
	}
	fm, content := parser.Decode(string(body))
	f := &mirrorFile{obj: fresh, fm: fm, content: content}
	p.files[obj.Key] = f
	return f, nil
}

// Pull applies every note file of owner to the store. Files of known notes
// update them, files carrying an unknown id recreate the note under that
// id, and files without an id become new notes whose id is written back.
func (e *Engine) Pull(ctx context.Context, owner string) (*PullResult, error) {
	start := time.Now()
	p, err := e.newPass(ctx, owner)
	if err != nil {
		return nil, err
	}
	slog.Info("pulling notes from mirror", "owner", owner)

	objects, err := e.listNoteObjects(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		slog.Info("no files in mirror to pull", "owner", owner)
		return &PullResult{}, nil
	}

	result := &PullResult{}
	bar := e.newBar(len(objects), "Pulling files")
	for _, obj := range objects {
		bar.Add(1)
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome, err := e.pullKey(ctx, p, obj, false)
		if err != nil {
			slog.Error("failed to pull file", "path", obj.Key, "error", err)
			continue
		}
		switch outcome {
		case outcomeUpdated:
			result.Pulled++
		case outcomeCreated:
			result.Created++
		}
	}
	bar.Finish()

	slog.Info("pull completed",
		"owner", owner,
		"pulled", result.Pulled,
		"created", result.Created,
		"duration_s", time.Since(start).Seconds())

	return result, nil
}

func (e *Engine) pullKey(ctx context.Context, p *pass, obj *mirror.Object, asNew bool) (outcome, error) {
	f, err := e.file(ctx, p, obj)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("failed to read %s: %w", obj.Key, err)
	}
	return e.pullFile(ctx, p, f, asNew)
}

// pullFile applies one file. The note id comes from the file's stored
// metadata, else its header. asNew ignores both and adopts the file as a
// new note.
func (e *Engine) pullFile(ctx context.Context, p *pass, f *mirrorFile, asNew bool) (outcome, error) {
	key := f.obj.Key

	id := f.obj.NoteID()
	if id == "" {
		id = f.fm.ID
	}
	if asNew {
		id = ""
	}

	var existing *db.Note
	if id != "" {
		n, err := e.store.GetNote(ctx, id)
		if err != nil {
			return outcomeSkipped, fmt.Errorf("failed to load note %s: %w", id, err)
		}
		if n != nil && n.OwnerID != p.owner {
			slog.Warn("file carries the id of another owner's note, adopting as new",
				"path", key, "note", id)
			id = ""
		} else {
			existing = n
		}
	}

	groupID, err := e.resolveGroup(ctx, p, key)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("failed to resolve group of %s: %w", key, err)
	}

	modified := f.obj.Modified()
	if modified == 0 {
		modified = f.fm.ModifiedMillis()
	}
	if modified == 0 {
		modified = e.now()
	}
	title := parser.ExtractTitle(f.content)

	if existing != nil {
		edit := db.NoteEdit{
			Title:    title,
			Content:  f.content,
			Notes:    f.fm.Notes,
			Favorite: f.fm.Favorite,
			Modified: modified,
		}
		if existing.GroupID != groupID {
			edit.GroupID = groupID
		}
		if err := e.store.ApplyMirrorEdit(ctx, id, edit); err != nil {
			return outcomeSkipped, fmt.Errorf("failed to update note %s: %w", id, err)
		}
		if err := e.addTags(ctx, p.owner, id, f.fm.Tags); err != nil {
			return outcomeUpdated, err
		}
		slog.Debug("pulled note", "path", key, "note", id)
		return outcomeUpdated, nil
	}

	n := &db.Note{
		ID:       id,
		GroupID:  groupID,
		OwnerID:  p.owner,
		Title:    title,
		Content:  f.content,
		Notes:    f.fm.Notes,
		Favorite: f.fm.Favorite,
		Created:  f.fm.CreatedMillis(),
		Modified: modified,
		Tags:     normalizeTags(f.fm.Tags),
	}
	if n.Created == 0 || n.Created > modified {
		n.Created = modified
	}
	adopt := id == ""
	if adopt {
		n.ID = e.newID()
	}

	if err := e.store.InsertNote(ctx, n); err != nil {
		return outcomeSkipped, fmt.Errorf("failed to create note from %s: %w", key, err)
	}
	if err := e.addTags(ctx, p.owner, n.ID, n.Tags); err != nil {
		return outcomeCreated, err
	}

	if !adopt {
		slog.Info("recreated note from mirror", "path", key, "note", n.ID)
		return outcomeCreated, nil
	}

	// Write the file back with its new id
	target, ok, err := e.placeNote(ctx, p.owner, p.gp, n, key)
	if err != nil {
		return outcomeCreated, err
	}
	if !ok {
		target = key
	}
	if target != key {
		if err := e.dropOld(ctx, p, key); err != nil {
			return outcomeCreated, err
		}
	}
	if err := e.put(ctx, p, target, n); err != nil {
		return outcomeCreated, err
	}
	slog.Info("adopted mirror file", "path", target, "note", n.ID)
	return outcomeCreated, nil
}

func (e *Engine) addTags(ctx context.Context, owner, noteID string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	if _, err := e.store.AddTagsByName(ctx, owner, noteID, tags); err != nil {
		return fmt.Errorf("failed to tag note %s: %w", noteID, err)
	}
	return nil
}

// normalizeTags trims, dedupes and sorts tag names
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// resolveGroup maps a file's directory to a group, creating the missing
// part of the chain. The first segment selects the section; files outside a
// section directory land under Notes, and files directly in a section
// directory land in its Inbox.
func (e *Engine) resolveGroup(ctx context.Context, p *pass, key string) (string, error) {
	dir, _ := splitKey(p.owner, key)
	var segments []string
	if dir != "" {
		segments = strings.Split(dir, "/")
	}

	section := db.SectionNotes
	switch {
	case len(segments) > 0 && strings.EqualFold(segments[0], LabelProjects):
		section = db.SectionProjects
		segments[0] = LabelProjects
	case len(segments) > 0 && strings.EqualFold(segments[0], LabelNotes):
		segments[0] = LabelNotes
	default:
		segments = append([]string{LabelNotes}, segments...)
	}
	if len(segments) == 1 {
		segments = append(segments, db.InboxName)
	}

	if id, ok := p.gp.GroupID(strings.Join(segments, "/")); ok {
		return id, nil
	}

	var parentID *string
	for i := 2; i <= len(segments); i++ {
		groupPath := strings.Join(segments[:i], "/")
		if id, ok := p.gp.GroupID(groupPath); ok {
			parentID = &id
			continue
		}

		g := &db.Group{OwnerID: p.owner, Name: segments[i-1], ParentID: parentID}
		if parentID == nil {
			s := section
			g.Section = &s
		}
		if err := e.store.CreateGroup(ctx, g); err != nil {
			return "", fmt.Errorf("failed to create group %q: %w", groupPath, err)
		}
		slog.Info("created group from mirror directory", "owner", p.owner, "path", groupPath)

		p.gp.add(g.ID, groupPath)
		id := g.ID
		parentID = &id
	}
	return *parentID, nil
}
