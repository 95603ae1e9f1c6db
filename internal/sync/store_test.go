package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vonshlovens/folio/internal/db"
)

// memStore is an in-memory Store for engine tests
type memStore struct {
	mu     sync.Mutex
	groups map[string]*db.Group
	notes  map[string]*db.Note
	tags   map[string]map[string]bool
	seq    int
}

func newMemStore() *memStore {
	return &memStore{
		groups: make(map[string]*db.Group),
		notes:  make(map[string]*db.Note),
		tags:   make(map[string]map[string]bool),
	}
}

func (s *memStore) addGroup(owner, id, name string, parent *string, section string) *db.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &db.Group{ID: id, OwnerID: owner, Name: name, ParentID: parent, SortOrder: len(s.groups)}
	if section != "" {
		g.Section = &section
	}
	s.groups[id] = g
	return g
}

func (s *memStore) addNote(n *db.Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *n
	if c.Created == 0 {
		c.Created = c.Modified
	}
	s.notes[n.ID] = &c
	for _, t := range n.Tags {
		s.tagNote(n.ID, t)
	}
}

func (s *memStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, id)
	delete(s.tags, id)
}

func (s *memStore) edit(id string, fn func(n *db.Note)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.notes[id])
}

func (s *memStore) tagNote(id, name string) bool {
	if s.tags[id] == nil {
		s.tags[id] = make(map[string]bool)
	}
	if s.tags[id][name] {
		return false
	}
	s.tags[id][name] = true
	return true
}

// view returns a detached copy with owner and tags filled in
func (s *memStore) view(n *db.Note) *db.Note {
	c := *n
	if g := s.groups[n.GroupID]; g != nil {
		c.OwnerID = g.OwnerID
	}
	c.Tags = nil
	for name := range s.tags[n.ID] {
		c.Tags = append(c.Tags, name)
	}
	sort.Strings(c.Tags)
	return &c
}

func (s *memStore) ListGroups(ctx context.Context, owner string) ([]*db.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Group
	for _, g := range s.groups {
		if g.OwnerID == owner {
			c := *g
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CreateGroup(ctx context.Context, g *db.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == "" {
		s.seq++
		g.ID = fmt.Sprintf("group-%d", s.seq)
	}
	g.SortOrder = len(s.groups)
	c := *g
	s.groups[g.ID] = &c
	return nil
}

func (s *memStore) ListNotes(ctx context.Context, owner string, filter db.NoteFilter, groupID string) ([]*db.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Note
	for _, n := range s.notes {
		v := s.view(n)
		if v.OwnerID != owner || (groupID != "" && n.GroupID != groupID) {
			continue
		}
		switch filter {
		case db.FilterActive:
			if n.Trashed {
				continue
			}
		case db.FilterTrash:
			if !n.Trashed {
				continue
			}
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetNote(ctx context.Context, id string) (*db.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok {
		return nil, nil
	}
	return s.view(n), nil
}

func (s *memStore) InsertNote(ctx context.Context, n *db.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.notes[n.ID]; exists {
		return fmt.Errorf("duplicate note %s", n.ID)
	}
	c := *n
	c.Tags = nil
	s.notes[n.ID] = &c
	return nil
}

func (s *memStore) ApplyMirrorEdit(ctx context.Context, id string, edit db.NoteEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok {
		return db.ErrNotFound
	}
	n.Title = edit.Title
	n.Content = edit.Content
	n.Notes = edit.Notes
	n.Favorite = edit.Favorite
	n.Modified = edit.Modified
	if edit.GroupID != "" {
		n.GroupID = edit.GroupID
	}
	return nil
}

func (s *memStore) AddTagsByName(ctx context.Context, owner, noteID string, names []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" && s.tagNote(noteID, name) {
			added++
		}
	}
	return added, nil
}

func (s *memStore) note(id string) *db.Note {
	n, _ := s.GetNote(context.Background(), id)
	return n
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}
