package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/vonshlovens/folio/internal/db"
	"github.com/vonshlovens/folio/internal/mirror"
	"github.com/vonshlovens/folio/internal/parser"
)

// DefaultPageSize is the mirror listing page size
const DefaultPageSize = 500

// Options tune an Engine
type Options struct {
	PageSize          int
	MaxFilenameLength int
	// Progress draws progress bars on stderr
	Progress bool
}

// PushResult counts what Push changed
type PushResult struct {
	Pushed  int `json:"pushed"`
	Deleted int `json:"deleted"`
}

// PullResult counts what Pull changed
type PullResult struct {
	Pulled  int `json:"pulled"`
	Created int `json:"created"`
}

// SyncResult counts what Sync changed
type SyncResult struct {
	Pushed  int `json:"pushed"`
	Pulled  int `json:"pulled"`
	Created int `json:"created"`
	Deleted int `json:"deleted"`
}

// Engine moves notes between the relational store and the mirror
type Engine struct {
	store   Store
	objects mirror.Store
	opts    Options
	now     func() int64
	newID   func() string
}

// NewEngine creates a new sync engine
func NewEngine(store Store, objects mirror.Store, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxFilenameLength <= 0 {
		opts.MaxFilenameLength = parser.DefaultMaxFilenameLength
	}
	return &Engine{
		store:   store,
		objects: objects,
		opts:    opts,
		now:     func() int64 { return time.Now().UnixMilli() },
		newID:   uuid.NewString,
	}
}

// pass holds the state of one Push, Pull or Sync run
type pass struct {
	owner   string
	gp      *GroupPaths
	files   map[string]*mirrorFile
	handled map[string]bool
	// keys written during the pass
	written map[string]bool
}

func (e *Engine) newPass(ctx context.Context, owner string) (*pass, error) {
	if _, err := ownerPrefix(owner); err != nil {
		return nil, err
	}
	gp, err := e.groupPaths(ctx, owner)
	if err != nil {
		return nil, err
	}
	return &pass{
		owner:   owner,
		gp:      gp,
		files:   make(map[string]*mirrorFile),
		handled: make(map[string]bool),
		written: make(map[string]bool),
	}, nil
}

func (e *Engine) groupPaths(ctx context.Context, owner string) (*GroupPaths, error) {
	groups, err := e.store.ListGroups(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return DeriveGroupPaths(groups), nil
}

// listNoteObjects lists every note file under the owner's prefix, following
// pagination to the end.
func (e *Engine) listNoteObjects(ctx context.Context, owner string) ([]*mirror.Object, error) {
	prefix, err := ownerPrefix(owner)
	if err != nil {
		return nil, err
	}
	all, err := mirror.ListAll(ctx, e.objects, prefix, e.opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list mirror: %w", err)
	}

	objects := make([]*mirror.Object, 0, len(all))
	for i := range all {
		if isNoteKey(all[i].Key) {
			objects = append(objects, &all[i])
		}
	}
	return objects, nil
}

func (e *Engine) newBar(n int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(n,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetVisibility(e.opts.Progress),
	)
}

// noteDocument converts a note into what gets written to its mirror file
func noteDocument(n *db.Note) parser.NoteDocument {
	doc := parser.NoteDocument{
		ID:       n.ID,
		Tags:     n.Tags,
		Favorite: n.Favorite,
		Notes:    n.Notes,
		Created:  n.Created,
		Modified: n.Modified,
		Content:  n.Content,
	}
	if n.Goal != nil {
		doc.Goal = &parser.GoalMeta{
			Type:   n.Goal.TargetType,
			Target: n.Goal.TargetValue,
			Mode:   n.Goal.Mode,
		}
		if n.Goal.Deadline != nil {
			doc.Goal.Deadline = *n.Goal.Deadline
		}
	}
	return doc
}

func (e *Engine) writeNote(ctx context.Context, key string, n *db.Note) error {
	body := parser.Encode(noteDocument(n))
	if err := e.objects.Put(ctx, key, []byte(body), mirror.NoteMeta(n.ID, n.Modified)); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// put writes a note during a pass
func (e *Engine) put(ctx context.Context, p *pass, key string, n *db.Note) error {
	p.written[key] = true
	return e.writeNote(ctx, key, n)
}

// dropOld deletes a note's previous file unless another note was written
// there earlier in the pass.
func (e *Engine) dropOld(ctx context.Context, p *pass, key string) error {
	if p.written[key] {
		return nil
	}
	if err := e.objects.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete old path %s: %w", key, err)
	}
	return nil
}

// placeNote picks the key for a single note, checking the mirror for a file
// of another note at its plain name. A file already at current counts as the
// note's own.
func (e *Engine) placeNote(ctx context.Context, owner string, gp *GroupPaths, n *db.Note, current string) (string, bool, error) {
	base, ok := e.baseKey(owner, n, gp)
	if !ok {
		return "", false, nil
	}
	if base == current {
		return base, true, nil
	}

	obj, err := e.objects.Head(ctx, base)
	switch {
	case errors.Is(err, mirror.ErrNotFound):
		return base, true, nil
	case err != nil:
		return "", false, fmt.Errorf("failed to check %s: %w", base, err)
	case obj.NoteID() == n.ID:
		return base, true, nil
	}
	return suffixedKey(base, n.ID), true, nil
}

// holds reports whether the file at key belongs to note id
func (e *Engine) holds(ctx context.Context, key, id string) bool {
	obj, err := e.objects.Head(ctx, key)
	if err != nil {
		return false
	}
	if obj.NoteID() != "" {
		return obj.NoteID() == id
	}
	body, _, err := e.objects.Get(ctx, key)
	if err != nil {
		return false
	}
	fm, _ := parser.Decode(string(body))
	return fm.ID == id
}

// Push writes every active note of owner to the mirror, then deletes note
// files that were not written in this run.
func (e *Engine) Push(ctx context.Context, owner string) (*PushResult, error) {
	start := time.Now()
	p, err := e.newPass(ctx, owner)
	if err != nil {
		return nil, err
	}
	slog.Info("pushing notes to mirror", "owner", owner)

	notes, err := e.store.ListNotes(ctx, owner, db.FilterActive, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}

	existing, err := e.listNoteObjects(ctx, owner)
	if err != nil {
		return nil, err
	}

	active := make(map[string]bool, len(notes))
	for _, n := range notes {
		active[n.ID] = true
	}
	occupied := make(map[string]string)
	for _, obj := range existing {
		if active[obj.NoteID()] {
			occupied[obj.Key] = obj.NoteID()
		}
	}
	plan := e.planPaths(owner, notes, p.gp, occupied)

	result := &PushResult{}
	written := make(map[string]bool, len(plan))

	bar := e.newBar(len(notes), "Pushing notes")
	for _, n := range notes {
		bar.Add(1)
		if err := ctx.Err(); err != nil {
			return result, err
		}

		key, ok := plan[n.ID]
		if !ok {
			slog.Warn("note group has no path, skipping", "note", n.ID, "group", n.GroupID)
			continue
		}
		// a failed write must not get the previous file deleted
		written[key] = true
		if err := e.writeNote(ctx, key, n); err != nil {
			slog.Error("failed to push note", "note", n.ID, "error", err)
			continue
		}
		result.Pushed++
	}
	bar.Finish()

	for _, obj := range existing {
		if written[obj.Key] {
			continue
		}
		if err := e.objects.Delete(ctx, obj.Key); err != nil {
			slog.Error("failed to delete stale file", "path", obj.Key, "error", err)
			continue
		}
		slog.Debug("deleted stale file", "path", obj.Key)
		result.Deleted++
	}

	slog.Info("push completed",
		"owner", owner,
		"pushed", result.Pushed,
		"deleted", result.Deleted,
		"duration_s", time.Since(start).Seconds())

	return result, nil
}

// Sync reconciles owner's notes and mirror files in both directions. For
// each note the side with the newer modified timestamp wins. Files that
// match no note are pulled.
func (e *Engine) Sync(ctx context.Context, owner string) (*SyncResult, error) {
	start := time.Now()
	p, err := e.newPass(ctx, owner)
	if err != nil {
		return nil, err
	}
	slog.Info("starting sync", "owner", owner)

	notes, err := e.store.ListNotes(ctx, owner, db.FilterAll, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	var active, trashed []*db.Note
	for _, n := range notes {
		if n.Trashed {
			trashed = append(trashed, n)
		} else {
			active = append(active, n)
		}
	}

	objects, err := e.listNoteObjects(ctx, owner)
	if err != nil {
		return nil, err
	}

	byID := make(map[string][]*mirror.Object)
	occupied := make(map[string]string, len(objects))
	for _, obj := range objects {
		id := obj.NoteID()
		if id == "" {
			f, err := e.file(ctx, p, obj)
			if err != nil {
				slog.Warn("failed to read mirror file", "path", obj.Key, "error", err)
				p.handled[obj.Key] = true
				continue
			}
			id = f.fm.ID
		}
		occupied[obj.Key] = id
		if id != "" {
			byID[id] = append(byID[id], obj)
		}
	}

	plan := e.planPaths(owner, active, p.gp, occupied)
	result := &SyncResult{}

	bar := e.newBar(len(notes), "Syncing notes")
	for _, n := range active {
		bar.Add(1)
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := e.syncActive(ctx, p, n, byID[n.ID], plan, result); err != nil {
			slog.Error("failed to sync note", "note", n.ID, "error", err)
		}
	}
	for _, n := range trashed {
		bar.Add(1)
		if err := ctx.Err(); err != nil {
			return result, err
		}
		e.syncTrashed(ctx, p, n, byID[n.ID], result)
	}
	bar.Finish()

	for _, obj := range objects {
		if p.handled[obj.Key] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		p.handled[obj.Key] = true
		outcome, err := e.pullKey(ctx, p, obj, false)
		if err != nil {
			slog.Error("failed to pull file", "path", obj.Key, "error", err)
			continue
		}
		result.count(outcome)
	}

	slog.Info("sync completed",
		"owner", owner,
		"pushed", result.Pushed,
		"pulled", result.Pulled,
		"created", result.Created,
		"deleted", result.Deleted,
		"duration_s", time.Since(start).Seconds())

	return result, nil
}

func (r *SyncResult) count(o outcome) {
	switch o {
	case outcomeUpdated:
		r.Pulled++
	case outcomeCreated:
		r.Created++
	}
}

// syncActive reconciles one active note with the files carrying its id
func (e *Engine) syncActive(ctx context.Context, p *pass, n *db.Note, copies []*mirror.Object, plan map[string]string, result *SyncResult) error {
	expected, ok := plan[n.ID]
	if !ok {
		slog.Warn("note group has no path, skipping", "note", n.ID, "group", n.GroupID)
		for _, obj := range copies {
			p.handled[obj.Key] = true
		}
		return nil
	}

	if len(copies) == 0 {
		if err := e.put(ctx, p, expected, n); err != nil {
			return err
		}
		result.Pushed++
		return nil
	}

	// Files written by us win over copies that only carry the id in their
	// header; among those the newest wins, then the expected path.
	candidates := copies
	var tracked []*mirror.Object
	for _, obj := range copies {
		if obj.NoteID() == n.ID {
			tracked = append(tracked, obj)
		}
	}
	if len(tracked) > 0 {
		candidates = tracked
	}
	primary := candidates[0]
	for _, obj := range candidates[1:] {
		m, pm := obj.Modified(), primary.Modified()
		if m > pm || (m == pm && obj.Key == expected) {
			primary = obj
		}
	}

	for _, obj := range copies {
		p.handled[obj.Key] = true
		if obj == primary {
			continue
		}
		if obj.NoteID() == n.ID {
			if err := e.objects.Delete(ctx, obj.Key); err != nil {
				slog.Error("failed to delete duplicate file", "path", obj.Key, "error", err)
				continue
			}
			slog.Debug("deleted duplicate file", "path", obj.Key, "note", n.ID)
			result.Deleted++
			continue
		}
		outcome, err := e.pullKey(ctx, p, obj, true)
		if err != nil {
			slog.Error("failed to adopt copied file", "path", obj.Key, "error", err)
			continue
		}
		result.count(outcome)
	}

	marker := primary.Modified()
	switch {
	case n.Modified > marker:
		if primary.Key != expected {
			if err := e.dropOld(ctx, p, primary.Key); err != nil {
				return err
			}
		}
		if err := e.put(ctx, p, expected, n); err != nil {
			return err
		}
		result.Pushed++

	case marker > n.Modified:
		outcome, err := e.pullKey(ctx, p, primary, false)
		if err != nil {
			return err
		}
		result.count(outcome)
		return e.relocate(ctx, p, n.ID, primary.Key)

	case primary.Key != expected:
		if err := e.dropOld(ctx, p, primary.Key); err != nil {
			return err
		}
		if err := e.put(ctx, p, expected, n); err != nil {
			return err
		}
		result.Pushed++
	}
	return nil
}

// relocate moves a freshly pulled note's file to the path its new title
// and group derive, when that differs.
func (e *Engine) relocate(ctx context.Context, p *pass, id, current string) error {
	n, err := e.store.GetNote(ctx, id)
	if err != nil || n == nil {
		return err
	}
	key, ok, err := e.placeNote(ctx, p.owner, p.gp, n, current)
	if err != nil || !ok || key == current {
		return err
	}
	if err := e.dropOld(ctx, p, current); err != nil {
		return err
	}
	slog.Debug("relocated file", "from", current, "to", key)
	return e.put(ctx, p, key, n)
}

// syncTrashed removes the files of a trashed note, unless a file was edited
// after the note was trashed; such edits are pulled into the trashed note.
func (e *Engine) syncTrashed(ctx context.Context, p *pass, n *db.Note, copies []*mirror.Object, result *SyncResult) {
	for _, obj := range copies {
		p.handled[obj.Key] = true
		if obj.Modified() > n.Modified {
			outcome, err := e.pullKey(ctx, p, obj, false)
			if err != nil {
				slog.Error("failed to pull file", "path", obj.Key, "error", err)
				continue
			}
			result.count(outcome)
			continue
		}
		if err := e.objects.Delete(ctx, obj.Key); err != nil {
			slog.Error("failed to delete trashed note file", "path", obj.Key, "error", err)
			continue
		}
		result.Deleted++
	}
}

// SyncNote mirrors one note after it changed in the store. before is the
// note as it was prior to the change, when known; its file is removed when
// the change moved the note to another path.
func (e *Engine) SyncNote(ctx context.Context, owner, noteID string, before *db.Note) error {
	if _, err := ownerPrefix(owner); err != nil {
		return err
	}
	n, err := e.store.GetNote(ctx, noteID)
	if err != nil {
		return fmt.Errorf("failed to load note %s: %w", noteID, err)
	}
	if n == nil {
		if before != nil {
			return e.RemoveNotes(ctx, owner, []*db.Note{before}, nil)
		}
		return nil
	}
	if n.OwnerID != owner {
		return fmt.Errorf("note %s does not belong to %s", noteID, owner)
	}

	gp, err := e.groupPaths(ctx, owner)
	if err != nil {
		return err
	}
	if n.Trashed {
		return e.removeFiles(ctx, owner, gp, n, before)
	}

	key, ok, err := e.placeNote(ctx, owner, gp, n, "")
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("note group has no path, skipping", "note", n.ID, "group", n.GroupID)
		return nil
	}

	if before != nil {
		for _, old := range e.candidateKeys(owner, gp, before) {
			if old != key && e.holds(ctx, old, n.ID) {
				if err := e.objects.Delete(ctx, old); err != nil {
					return fmt.Errorf("failed to delete old path %s: %w", old, err)
				}
			}
		}
	}
	return e.writeNote(ctx, key, n)
}

// RemoveNotes deletes the files of notes that are gone from the store.
// groups, when given, are the owner's groups as they were before the
// removal, so that files under deleted groups can still be located.
func (e *Engine) RemoveNotes(ctx context.Context, owner string, notes []*db.Note, groups []*db.Group) error {
	if _, err := ownerPrefix(owner); err != nil {
		return err
	}
	var gp *GroupPaths
	if groups != nil {
		gp = DeriveGroupPaths(groups)
	} else {
		var err error
		if gp, err = e.groupPaths(ctx, owner); err != nil {
			return err
		}
	}

	var errs []error
	for _, n := range notes {
		if err := e.removeFiles(ctx, owner, gp, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// removeFiles deletes the files that the given versions of a note could be
// stored under, if they still belong to it.
func (e *Engine) removeFiles(ctx context.Context, owner string, gp *GroupPaths, versions ...*db.Note) error {
	seen := make(map[string]bool)
	for _, v := range versions {
		if v == nil {
			continue
		}
		for _, key := range e.candidateKeys(owner, gp, v) {
			if seen[key] {
				continue
			}
			seen[key] = true
			if !e.holds(ctx, key, v.ID) {
				continue
			}
			if err := e.objects.Delete(ctx, key); err != nil {
				return fmt.Errorf("failed to delete %s: %w", key, err)
			}
			slog.Debug("deleted note file", "path", key, "note", v.ID)
		}
	}
	return nil
}

// candidateKeys lists the plain and suffixed key a note may be stored under
func (e *Engine) candidateKeys(owner string, gp *GroupPaths, n *db.Note) []string {
	base, ok := e.baseKey(owner, n, gp)
	if !ok {
		return nil
	}
	return []string{base, suffixedKey(base, n.ID)}
}
