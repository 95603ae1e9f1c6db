package sync

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/vonshlovens/folio/internal/db"
	"github.com/vonshlovens/folio/internal/parser"
)

// Section labels used as the first segment of every group path
const (
	LabelNotes    = "Notes"
	LabelProjects = "Projects"
)

// NoteExt is the extension of mirrored note files
const NoteExt = ".md"

// ErrInvalidOwner is returned for owner identifiers that cannot be used as a
// mirror path segment.
var ErrInvalidOwner = errors.New("invalid owner")

// GroupPaths maps group identifiers to canonical slash-separated paths like
// "Projects/Novel/Chapter 1" and back.
type GroupPaths struct {
	byID   map[string]string
	byPath map[string]string
}

// DeriveGroupPaths computes the path of every group. Parent chains are
// walked iteratively and stop at a missing or already-visited parent, which
// is then treated as the root. When two groups derive the same path the
// inverse mapping keeps the first in display order.
func DeriveGroupPaths(groups []*db.Group) *GroupPaths {
	ordered := make([]*db.Group, len(groups))
	copy(ordered, groups)
	sort.SliceStable(ordered, func(i, j int) bool {
		return groupLess(ordered[i], ordered[j])
	})

	byID := make(map[string]*db.Group, len(groups))
	for _, g := range ordered {
		byID[g.ID] = g
	}

	gp := &GroupPaths{
		byID:   make(map[string]string, len(groups)),
		byPath: make(map[string]string, len(groups)),
	}

	for _, g := range ordered {
		var names []string
		seen := make(map[string]bool)
		root := g
		for cur := g; cur != nil; {
			seen[cur.ID] = true
			names = append(names, parser.SanitizeFilename(cur.Name, parser.DefaultMaxFilenameLength))
			root = cur
			if cur.ParentID == nil {
				break
			}
			parent := byID[*cur.ParentID]
			if parent == nil || seen[parent.ID] {
				break
			}
			cur = parent
		}

		segments := make([]string, 0, len(names)+1)
		segments = append(segments, sectionLabel(root.Section))
		for i := len(names) - 1; i >= 0; i-- {
			segments = append(segments, names[i])
		}
		gp.add(g.ID, strings.Join(segments, "/"))
	}
	return gp
}

func groupLess(a, b *db.Group) bool {
	if a.SortOrder != b.SortOrder {
		return a.SortOrder < b.SortOrder
	}
	if a.Created != b.Created {
		return a.Created < b.Created
	}
	return a.ID < b.ID
}

func sectionLabel(section *string) string {
	if section != nil && strings.EqualFold(*section, db.SectionProjects) {
		return LabelProjects
	}
	return LabelNotes
}

func (gp *GroupPaths) add(id, p string) {
	gp.byID[id] = p
	if _, taken := gp.byPath[p]; !taken {
		gp.byPath[p] = id
	}
}

// Path returns the canonical path of a group
func (gp *GroupPaths) Path(groupID string) (string, bool) {
	p, ok := gp.byID[groupID]
	return p, ok
}

// GroupID returns the group whose canonical path is p
func (gp *GroupPaths) GroupID(p string) (string, bool) {
	id, ok := gp.byPath[p]
	return id, ok
}

// Len returns the number of groups with a path
func (gp *GroupPaths) Len() int {
	return len(gp.byID)
}

// ownerPrefix returns the listing prefix of an owner, validating the owner
// ValidateOwner rejects owners that cannot name a mirror directory
func ValidateOwner(owner string) error {
	_, err := ownerPrefix(owner)
	return err
}

func ownerPrefix(owner string) (string, error) {
	if owner == "" || owner == "." || owner == ".." || strings.ContainsAny(owner, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidOwner, owner)
	}
	return owner + "/", nil
}

// noteKey builds <owner>/<group path>/<name>.md
func noteKey(owner, groupPath, name string) string {
	return owner + "/" + groupPath + "/" + name + NoteExt
}

// suffixedKey disambiguates a colliding key with the first 8 characters of
// the note identifier: "Draft.md" becomes "Draft (1a2b3c4d).md".
func suffixedKey(base, noteID string) string {
	short := noteID
	if len(short) > 8 {
		short = short[:8]
	}
	return strings.TrimSuffix(base, NoteExt) + " (" + short + ")" + NoteExt
}

// splitKey returns the group path and file name of a note key, with the
// owner segment removed.
func splitKey(owner, key string) (groupPath, file string) {
	rel := strings.TrimPrefix(key, owner+"/")
	dir, file := path.Split(rel)
	return strings.TrimSuffix(dir, "/"), file
}

// isNoteKey reports whether a listed key is a mirrored note file
func isNoteKey(key string) bool {
	return strings.EqualFold(path.Ext(key), NoteExt)
}

// baseKey is the collision-free key a note would get on its own
func (e *Engine) baseKey(owner string, note *db.Note, gp *GroupPaths) (string, bool) {
	groupPath, ok := gp.Path(note.GroupID)
	if !ok {
		return "", false
	}
	return noteKey(owner, groupPath, parser.SanitizeFilename(note.Title, e.opts.MaxFilenameLength)), true
}

// planPaths assigns every note a distinct key. Within each set of notes
// sharing a key (compared case-insensitively) the plain name goes to the
// note whose file already occupies it, otherwise to the first note in
// display order, unless a file of some other note or an unidentified file
// occupies it. Every other note gets a suffixed name. Notes whose group has
// no path are left out.
func (e *Engine) planPaths(owner string, notes []*db.Note, gp *GroupPaths, occupied map[string]string) map[string]string {
	ordered := make([]*db.Note, len(notes))
	copy(ordered, notes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return noteLess(ordered[i], ordered[j])
	})

	type candidate struct {
		note *db.Note
		key  string
	}
	buckets := make(map[string][]candidate)
	var order []string
	for _, n := range ordered {
		key, ok := e.baseKey(owner, n, gp)
		if !ok {
			continue
		}
		fold := strings.ToLower(key)
		if _, seen := buckets[fold]; !seen {
			order = append(order, fold)
		}
		buckets[fold] = append(buckets[fold], candidate{note: n, key: key})
	}

	noteIDs := make(map[string]bool, len(notes))
	for _, n := range notes {
		noteIDs[n.ID] = true
	}

	plan := make(map[string]string, len(notes))
	for _, fold := range order {
		cands := buckets[fold]
		winner := 0
		if holder, held := occupied[cands[0].key]; held {
			winner = -1
			for i, c := range cands {
				if c.note.ID == holder {
					winner = i
					break
				}
			}
			if winner < 0 && holder != "" && noteIDs[holder] {
				// the holder is moving elsewhere
				winner = 0
			}
		}

		for i, c := range cands {
			if i == winner {
				plan[c.note.ID] = c.key
			} else {
				plan[c.note.ID] = suffixedKey(c.key, c.note.ID)
			}
		}
	}
	return plan
}

func noteLess(a, b *db.Note) bool {
	if a.GroupID != b.GroupID {
		return a.GroupID < b.GroupID
	}
	if a.SortOrder != b.SortOrder {
		return a.SortOrder < b.SortOrder
	}
	if a.Created != b.Created {
		return a.Created < b.Created
	}
	return a.ID < b.ID
}
