package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestSubtreeIDs(t *testing.T) {
	groups := []*Group{
		{ID: "root"},
		{ID: "a", ParentID: strPtr("root")},
		{ID: "b", ParentID: strPtr("root")},
		{ID: "a1", ParentID: strPtr("a")},
		{ID: "other"},
	}

	got := SubtreeIDs(groups, "root")
	sort.Strings(got)
	assert.Equal(t, []string{"a", "a1", "b", "root"}, got)

	assert.Equal(t, []string{"other"}, SubtreeIDs(groups, "other"))
}

func TestSubtreeIDs_Cycle(t *testing.T) {
	groups := []*Group{
		{ID: "x", ParentID: strPtr("y")},
		{ID: "y", ParentID: strPtr("x")},
	}

	got := SubtreeIDs(groups, "x")
	sort.Strings(got)
	assert.Equal(t, []string{"x", "y"}, got)
}

func TestSubtreeIDs_Deep(t *testing.T) {
	var groups []*Group
	prev := ""
	for i := 0; i < 10000; i++ {
		g := &Group{ID: fmt.Sprintf("g%d", i)}
		if prev != "" {
			g.ParentID = strPtr(prev)
		}
		groups = append(groups, g)
		prev = g.ID
	}

	assert.Len(t, SubtreeIDs(groups, "g0"), 10000)
}

func TestValidateGoal(t *testing.T) {
	tests := []struct {
		name    string
		goal    Goal
		wantErr bool
	}{
		{"words default mode", Goal{TargetType: "words", TargetValue: 500}, false},
		{"pages at least", Goal{TargetType: "pages", TargetValue: 3, Mode: "atLeast"}, false},
		{"with deadline", Goal{TargetType: "chars", TargetValue: 10, Deadline: strPtr("2026-12-31")}, false},
		{"unknown type", Goal{TargetType: "lines", TargetValue: 1}, true},
		{"unknown mode", Goal{TargetType: "words", TargetValue: 1, Mode: "exactly"}, true},
		{"zero target", Goal{TargetType: "words"}, true},
		{"bad deadline", Goal{TargetType: "words", TargetValue: 1, Deadline: strPtr("31/12/2026")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := tt.goal
			err := ValidateGoal(&g)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalid), "expected ErrInvalid, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, g.Mode)
		})
	}
}

func TestValidateGoal_EmptyDeadlineCleared(t *testing.T) {
	g := Goal{TargetType: "words", TargetValue: 10, Deadline: strPtr("")}
	require.NoError(t, ValidateGoal(&g))
	assert.Nil(t, g.Deadline)
	assert.Equal(t, DefaultGoalMode, g.Mode)
}

// openTestDB connects to FOLIO_TEST_DATABASE_URL in a throwaway schema
func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("FOLIO_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FOLIO_TEST_DATABASE_URL not set")
	}

	schema := fmt.Sprintf("folio_test_%d", time.Now().UnixNano())
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	connStr := url + sep + "search_path=" + schema + ",public"

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	clock := int64(1_000)
	db := &DB{Pool: pool, connStr: connStr, Schema: schema, now: func() int64 {
		clock++
		return clock
	}}
	require.NoError(t, db.RunMigrations(ctx))

	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		pool.Close()
	})
	return db
}

func TestIntegration_NoteLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.EnsureInbox(ctx, "alice"))
	require.NoError(t, db.EnsureInbox(ctx, "alice"))
	groups, err := db.ListGroups(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, InboxName, groups[0].Name)
	assert.Equal(t, SectionNotes, *groups[0].Section)

	note := &Note{GroupID: groups[0].ID, Title: "Draft", Content: "Hello"}
	require.NoError(t, db.InsertNote(ctx, note))
	assert.NotEmpty(t, note.ID)

	before := note.Modified
	tagged, err := db.AttachTag(ctx, "alice", note.ID, "fiction")
	require.NoError(t, err)
	assert.Equal(t, []string{"fiction"}, tagged.Tags)
	assert.Greater(t, tagged.Modified, before)

	added, err := db.AddTagsByName(ctx, "alice", note.ID, []string{"fiction", "draft"})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	withGoal, err := db.SetGoal(ctx, "alice", &Goal{NoteID: note.ID, TargetType: "words", TargetValue: 1000})
	require.NoError(t, err)
	require.NotNil(t, withGoal.Goal)
	assert.Equal(t, "about", withGoal.Goal.Mode)
	assert.Equal(t, []string{"draft", "fiction"}, withGoal.Tags)

	_, err = db.GetOwnedNote(ctx, "bob", note.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	trashed, err := db.SetTrashed(ctx, "alice", note.ID, true)
	require.NoError(t, err)
	assert.True(t, trashed.Trashed)

	active, err := db.ListNotes(ctx, "alice", FilterActive, "")
	require.NoError(t, err)
	assert.Empty(t, active)

	removed, err := db.EmptyTrash(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	gone, err := db.GetNote(ctx, note.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestIntegration_MirrorEditAndRecreate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.EnsureInbox(ctx, "alice"))
	groups, err := db.ListGroups(ctx, "alice")
	require.NoError(t, err)

	note := &Note{ID: "n1", GroupID: groups[0].ID, Title: "Draft", Content: "Hello", Created: 500, Modified: 1000}
	require.NoError(t, db.InsertNote(ctx, note))

	err = db.ApplyMirrorEdit(ctx, "n1", NoteEdit{Title: "Draft", Content: "Hello world", Modified: 2000})
	require.NoError(t, err)

	got, err := db.GetNote(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got.Content)
	assert.Equal(t, int64(2000), got.Modified)
	assert.Equal(t, int64(500), got.Created)
	assert.Equal(t, "alice", got.OwnerID)

	assert.ErrorIs(t, db.ApplyMirrorEdit(ctx, "missing", NoteEdit{}), ErrNotFound)
}

func TestIntegration_DeleteGroupSubtree(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	root := &Group{OwnerID: "alice", Name: "Novel"}
	require.NoError(t, db.CreateGroup(ctx, root))
	child := &Group{OwnerID: "alice", Name: "Part 1", ParentID: &root.ID}
	require.NoError(t, db.CreateGroup(ctx, child))
	keep := &Group{OwnerID: "alice", Name: "Keep"}
	require.NoError(t, db.CreateGroup(ctx, keep))

	require.NoError(t, db.InsertNote(ctx, &Note{GroupID: child.ID, Title: "Ch 1"}))
	require.NoError(t, db.InsertNote(ctx, &Note{GroupID: keep.ID, Title: "Other"}))

	_, err := db.UpdateGroup(ctx, "alice", root.ID, GroupUpdate{ParentID: &child.ID})
	assert.ErrorIs(t, err, ErrInvalid)

	removed, err := db.DeleteGroup(ctx, "alice", root.ID)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "Ch 1", removed[0].Title)

	groups, err := db.ListGroups(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Keep", groups[0].Name)
}

func TestIntegration_MergeNotes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.EnsureInbox(ctx, "alice"))
	groups, err := db.ListGroups(ctx, "alice")
	require.NoError(t, err)

	a := &Note{GroupID: groups[0].ID, Title: "A", Content: "first"}
	b := &Note{GroupID: groups[0].ID, Title: "B", Content: "second"}
	require.NoError(t, db.InsertNote(ctx, a))
	require.NoError(t, db.InsertNote(ctx, b))

	merged, sources, err := db.MergeNotes(ctx, "alice", []string{b.ID, a.ID})
	require.NoError(t, err)
	assert.Len(t, sources, 2)
	assert.Equal(t, "A", merged.Title)
	assert.Equal(t, "first"+MergeSeparator+"second", merged.Content)

	trash, err := db.ListNotes(ctx, "alice", FilterTrash, "")
	require.NoError(t, err)
	assert.Len(t, trash, 2)

	status, err := db.GetStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Notes)
	assert.Equal(t, 2, status.Trashed)
}
