package sync

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/folio/internal/db"
)

func strPtr(s string) *string { return &s }

func TestDeriveGroupPaths(t *testing.T) {
	projects := db.SectionProjects
	groups := []*db.Group{
		{ID: "inbox", Name: "Inbox", SortOrder: 0},
		{ID: "novel", Name: "Novel", SortOrder: 1, Section: &projects},
		{ID: "part", Name: "Part 1", ParentID: strPtr("novel")},
		{ID: "ch", Name: "Ch: 1/2", ParentID: strPtr("part")},
		{ID: "ghost-child", Name: "Orphan", ParentID: strPtr("ghost")},
	}

	gp := DeriveGroupPaths(groups)

	tests := []struct {
		id   string
		want string
	}{
		{"inbox", "Notes/Inbox"},
		{"novel", "Projects/Novel"},
		{"part", "Projects/Novel/Part 1"},
		{"ch", "Projects/Novel/Part 1/Ch- 1-2"},
		{"ghost-child", "Notes/Orphan"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, ok := gp.Path(tt.id)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)

			back, ok := gp.GroupID(tt.want)
			require.True(t, ok)
			assert.Equal(t, tt.id, back)
		})
	}

	_, ok := gp.GroupID("Notes/Missing")
	assert.False(t, ok)
	assert.Equal(t, len(groups), gp.Len())
}

func TestDeriveGroupPaths_Cycle(t *testing.T) {
	groups := []*db.Group{
		{ID: "a", Name: "A", ParentID: strPtr("b")},
		{ID: "b", Name: "B", ParentID: strPtr("a")},
		{ID: "self", Name: "Self", ParentID: strPtr("self")},
	}

	gp := DeriveGroupPaths(groups)

	a, ok := gp.Path("a")
	require.True(t, ok)
	assert.Equal(t, "Notes/B/A", a)

	b, ok := gp.Path("b")
	require.True(t, ok)
	assert.Equal(t, "Notes/A/B", b)

	self, ok := gp.Path("self")
	require.True(t, ok)
	assert.Equal(t, "Notes/Self", self)
}

func TestDeriveGroupPaths_Deterministic(t *testing.T) {
	var groups []*db.Group
	for i := 0; i < 50; i++ {
		g := &db.Group{ID: fmt.Sprintf("g%02d", i), Name: fmt.Sprintf("Group %d", i%7), SortOrder: i % 3}
		if i > 0 {
			g.ParentID = strPtr(fmt.Sprintf("g%02d", i/2))
		}
		groups = append(groups, g)
	}

	first := DeriveGroupPaths(groups)
	reversed := make([]*db.Group, len(groups))
	for i, g := range groups {
		reversed[len(groups)-1-i] = g
	}
	second := DeriveGroupPaths(reversed)

	for _, g := range groups {
		p1, _ := first.Path(g.ID)
		p2, _ := second.Path(g.ID)
		assert.Equal(t, p1, p2, g.ID)
	}
}

func TestDeriveGroupPaths_DuplicatePathKeepsFirst(t *testing.T) {
	groups := []*db.Group{
		{ID: "later", Name: "Same", SortOrder: 2},
		{ID: "first", Name: "Same", SortOrder: 1},
	}
	gp := DeriveGroupPaths(groups)

	id, ok := gp.GroupID("Notes/Same")
	require.True(t, ok)
	assert.Equal(t, "first", id)

	p, ok := gp.Path("later")
	require.True(t, ok)
	assert.Equal(t, "Notes/Same", p)
}

func TestSuffixedKey(t *testing.T) {
	assert.Equal(t, "alice/Notes/Inbox/Draft (1a2b3c4d).md",
		suffixedKey("alice/Notes/Inbox/Draft.md", "1a2b3c4d-5e6f"))
	assert.Equal(t, "alice/Notes/Inbox/Draft (n1).md",
		suffixedKey("alice/Notes/Inbox/Draft.md", "n1"))
}

func TestOwnerPrefix(t *testing.T) {
	p, err := ownerPrefix("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice/", p)

	for _, bad := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err := ownerPrefix(bad)
		assert.ErrorIs(t, err, ErrInvalidOwner, bad)
		assert.ErrorIs(t, ValidateOwner(bad), ErrInvalidOwner, bad)
	}
}

func TestPlanPaths(t *testing.T) {
	e := NewEngine(newMemStore(), nil, Options{})
	gp := DeriveGroupPaths([]*db.Group{{ID: "inbox", Name: "Inbox"}})

	notes := []*db.Note{
		{ID: "aaaaaaaa-1", GroupID: "inbox", Title: "Same", SortOrder: 0},
		{ID: "bbbbbbbb-2", GroupID: "inbox", Title: "Same", SortOrder: 1},
		{ID: "cccccccc-3", GroupID: "inbox", Title: "same", SortOrder: 2},
		{ID: "dddddddd-4", GroupID: "inbox", Title: "Unique"},
		{ID: "eeeeeeee-5", GroupID: "missing", Title: "Lost"},
	}

	t.Run("first in order wins", func(t *testing.T) {
		plan := e.planPaths("alice", notes, gp, nil)
		assert.Equal(t, "alice/Notes/Inbox/Same.md", plan["aaaaaaaa-1"])
		assert.Equal(t, "alice/Notes/Inbox/Same (bbbbbbbb).md", plan["bbbbbbbb-2"])
		assert.Equal(t, "alice/Notes/Inbox/same (cccccccc).md", plan["cccccccc-3"])
		assert.Equal(t, "alice/Notes/Inbox/Unique.md", plan["dddddddd-4"])
		assert.NotContains(t, plan, "eeeeeeee-5")
	})

	t.Run("current holder keeps the name", func(t *testing.T) {
		occupied := map[string]string{"alice/Notes/Inbox/Same.md": "bbbbbbbb-2"}
		plan := e.planPaths("alice", notes, gp, occupied)
		assert.Equal(t, "alice/Notes/Inbox/Same (aaaaaaaa).md", plan["aaaaaaaa-1"])
		assert.Equal(t, "alice/Notes/Inbox/Same.md", plan["bbbbbbbb-2"])
	})

	t.Run("unidentified file keeps the name", func(t *testing.T) {
		occupied := map[string]string{"alice/Notes/Inbox/Unique.md": ""}
		plan := e.planPaths("alice", notes, gp, occupied)
		assert.Equal(t, "alice/Notes/Inbox/Unique (dddddddd).md", plan["dddddddd-4"])
	})

	t.Run("holder moving away frees the name", func(t *testing.T) {
		occupied := map[string]string{"alice/Notes/Inbox/Unique.md": "aaaaaaaa-1"}
		plan := e.planPaths("alice", notes, gp, occupied)
		assert.Equal(t, "alice/Notes/Inbox/Unique.md", plan["dddddddd-4"])
	})
}
