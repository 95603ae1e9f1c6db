package sync

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/folio/internal/db"
	"github.com/vonshlovens/folio/internal/mirror"
	"github.com/vonshlovens/folio/internal/mirror/mirrortest"
	"github.com/vonshlovens/folio/internal/parser"
)

const draftKey = "alice/Notes/Inbox/Draft.md"

func newTestEngine(t *testing.T) (*Engine, *memStore, *mirrortest.Store) {
	t.Helper()
	store := newMemStore()
	// two objects per page so every listing paginates
	objects := mirrortest.New(2)

	e := NewEngine(store, objects, Options{PageSize: 100})
	clock := int64(1_000_000)
	e.now = func() int64 {
		clock++
		return clock
	}
	ids := 0
	e.newID = func() string {
		ids++
		return fmt.Sprintf("new%05d-0000", ids)
	}
	return e, store, objects
}

// withDraft sets up alice's Inbox holding note n1 "Draft"
func withDraft(t *testing.T) (*Engine, *memStore, *mirrortest.Store) {
	t.Helper()
	e, store, objects := newTestEngine(t)
	store.addGroup("alice", "inbox", "Inbox", nil, "")
	store.addNote(&db.Note{ID: "n1", GroupID: "inbox", Title: "Draft", Content: "Hello", Modified: 1000})
	return e, store, objects
}

// keysFor lists the mirror keys whose stored note id is id
func keysFor(objects *mirrortest.Store, id string) []string {
	var keys []string
	for _, k := range objects.Keys() {
		if objects.Meta(k)[mirror.MetaNoteID] == id {
			keys = append(keys, k)
		}
	}
	return keys
}

func TestScenario_ExternalEditIsPulled(t *testing.T) {
	e, store, objects := withDraft(t)
	ctx := context.Background()

	pushed, err := e.Push(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &PushResult{Pushed: 1}, pushed)

	body, ok := objects.Body(draftKey)
	require.True(t, ok, "file should be at %s", draftKey)
	assert.Contains(t, body, "id: n1\n")
	assert.True(t, strings.HasSuffix(body, "---\nHello"))
	assert.Equal(t, "1000", objects.Meta(draftKey)[mirror.MetaModified])

	objects.Set(draftKey, strings.TrimSuffix(body, "Hello")+"Hello world", mirror.NoteMeta("n1", 2000))

	synced, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{Pulled: 1}, synced)

	n := store.note("n1")
	assert.Equal(t, "Hello world", n.Content)
	assert.Equal(t, int64(2000), n.Modified)
	assert.Equal(t, "Hello world", n.Title)

	// the retitled note moved to its new name
	assert.Equal(t, []string{"alice/Notes/Inbox/Hello world.md"}, keysFor(objects, "n1"))

	again, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{}, again)
}

func TestScenario_OrphanIsRecreated(t *testing.T) {
	e, store, _ := withDraft(t)
	ctx := context.Background()

	_, err := e.Push(ctx, "alice")
	require.NoError(t, err)
	store.remove("n1")

	pulled, err := e.Pull(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &PullResult{Created: 1}, pulled)

	n := store.note("n1")
	require.NotNil(t, n)
	assert.Equal(t, "Hello", n.Content)
	assert.Equal(t, "inbox", n.GroupID)
	assert.Equal(t, int64(1000), n.Modified)
	assert.Equal(t, int64(1000), n.Created)
	assert.False(t, n.Trashed)
}

func TestSync_OrphanIsRecreated(t *testing.T) {
	e, store, _ := withDraft(t)
	ctx := context.Background()

	_, err := e.Push(ctx, "alice")
	require.NoError(t, err)
	store.remove("n1")

	synced, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{Created: 1}, synced)
	require.NotNil(t, store.note("n1"))
}

func TestPush_Idempotent(t *testing.T) {
	e, store, objects := withDraft(t)
	ctx := context.Background()
	store.addGroup("alice", "novel", "Novel", nil, db.SectionProjects)
	store.addNote(&db.Note{
		ID: "n2", GroupID: "novel", Title: "Chapter", Content: "It was a dark night",
		Favorite: true, Notes: "fix: pacing", Tags: []string{"fiction", "draft"}, Modified: 1500,
		Goal: &db.Goal{NoteID: "n2", TargetType: "words", TargetValue: 500, Mode: "about"},
	})

	first, err := e.Push(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &PushResult{Pushed: 2}, first)

	before := map[string]string{}
	for _, k := range objects.Keys() {
		before[k], _ = objects.Body(k)
	}

	second, err := e.Push(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Deleted)

	for _, k := range objects.Keys() {
		body, _ := objects.Body(k)
		assert.Equal(t, before[k], body, k)
	}

	chapter, ok := objects.Body("alice/Projects/Novel/Chapter.md")
	require.True(t, ok)
	fm, content := parser.Decode(chapter)
	assert.Equal(t, "n2", fm.ID)
	assert.Equal(t, []string{"draft", "fiction"}, fm.Tags)
	assert.True(t, fm.Favorite)
	assert.Equal(t, "fix: pacing", fm.Notes)
	require.NotNil(t, fm.Goal)
	assert.Equal(t, 500, fm.Goal.Target)
	assert.Equal(t, "It was a dark night", content)
}

func TestPush_DeletesStaleFilesOfOwnerOnly(t *testing.T) {
	e, store, objects := withDraft(t)
	ctx := context.Background()
	store.addNote(&db.Note{ID: "gone", GroupID: "inbox", Title: "Gone", Content: "x", Modified: 1000})
	store.addNote(&db.Note{ID: "trashed", GroupID: "inbox", Title: "Bin", Content: "x", Modified: 1000})
	for i := 0; i < 5; i++ {
		store.addNote(&db.Note{ID: fmt.Sprintf("extra%d", i), GroupID: "inbox", Title: fmt.Sprintf("Extra %d", i), Modified: 1000})
	}

	_, err := e.Push(ctx, "alice")
	require.NoError(t, err)

	store.remove("gone")
	store.edit("trashed", func(n *db.Note) { n.Trashed = true })
	objects.Set("bob/Notes/Inbox/Draft.md", "bob's", mirror.NoteMeta("b1", 1))
	objects.Set("alice/Notes/Inbox/attachment.png", "png", nil)

	res, err := e.Push(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &PushResult{Pushed: 6, Deleted: 2}, res)

	_, ok := objects.Body("alice/Notes/Inbox/Gone.md")
	assert.False(t, ok)
	_, ok = objects.Body("alice/Notes/Inbox/Bin.md")
	assert.False(t, ok)
	_, ok = objects.Body("bob/Notes/Inbox/Draft.md")
	assert.True(t, ok, "other owners are untouched")
	_, ok = objects.Body("alice/Notes/Inbox/attachment.png")
	assert.True(t, ok, "non-note files are untouched")
}

func TestPull_Idempotent(t *testing.T) {
	e, store, _ := withDraft(t)
	ctx := context.Background()

	_, err := e.Push(ctx, "alice")
	require.NoError(t, err)

	first, err := e.Pull(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, first.Created)

	second, err := e.Pull(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 1, second.Pulled)
	assert.Equal(t, 1, store.count())
}

func TestPull_AdoptsNewFile(t *testing.T) {
	e, store, objects := newTestEngine(t)
	ctx := context.Background()
	store.addGroup("alice", "inbox", "Inbox", nil, "")

	objects.Set("alice/Notes/Inbox/Idea.md", "---\ntags: [spark, spark]\n---\n# Idea\nsomething", map[string]string{mirror.MetaModified: "4000"})

	res, err := e.Pull(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &PullResult{Created: 1}, res)
	require.Equal(t, 1, store.count())

	n := store.note("new00001-0000")
	require.NotNil(t, n)
	assert.Equal(t, "Idea", n.Title)
	assert.Equal(t, "# Idea\nsomething", n.Content)
	assert.Equal(t, int64(4000), n.Modified)
	assert.Equal(t, []string{"spark"}, n.Tags)

	body, ok := objects.Body("alice/Notes/Inbox/Idea.md")
	require.True(t, ok)
	fm, content := parser.Decode(body)
	assert.Equal(t, "new00001-0000", fm.ID)
	assert.Equal(t, "# Idea\nsomething", content)
	assert.Equal(t, "new00001-0000", objects.Meta("alice/Notes/Inbox/Idea.md")[mirror.MetaNoteID])

	again, err := e.Pull(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Created)
	assert.Equal(t, 1, store.count())

	synced, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{}, synced)
}

func TestSync_AdoptsNewFileOnce(t *testing.T) {
	e, store, objects := newTestEngine(t)
	ctx := context.Background()
	store.addGroup("alice", "inbox", "Inbox", nil, "")
	objects.Set("alice/Notes/Inbox/Plain.md", "no header here", nil)

	first, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{Created: 1}, first)

	second, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{}, second)
	assert.Equal(t, 1, store.count())
	assert.Equal(t, []string{"alice/Notes/Inbox/no header here.md"}, objects.Keys())
}

func TestPull_CreatesMissingGroups(t *testing.T) {
	e, store, objects := newTestEngine(t)
	ctx := context.Background()
	store.addGroup("alice", "inbox", "Inbox", nil, "")

	objects.Set("alice/Projects/Novel/Part 1/Chapter.md", "Once upon a time", nil)
	objects.Set("alice/Loose.md", "Loose thoughts", nil)

	res, err := e.Pull(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &PullResult{Created: 2}, res)

	groups, err := store.ListGroups(ctx, "alice")
	require.NoError(t, err)
	gp := DeriveGroupPaths(groups)

	novelID, ok := gp.GroupID("Projects/Novel")
	require.True(t, ok)
	partID, ok := gp.GroupID("Projects/Novel/Part 1")
	require.True(t, ok)

	for _, g := range groups {
		switch g.ID {
		case novelID:
			assert.Nil(t, g.ParentID)
			require.NotNil(t, g.Section)
			assert.Equal(t, db.SectionProjects, *g.Section)
		case partID:
			require.NotNil(t, g.ParentID)
			assert.Equal(t, novelID, *g.ParentID)
		}
	}

	notes, err := store.ListNotes(ctx, "alice", db.FilterActive, partID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Once upon a time", notes[0].Content)

	inboxNotes, err := store.ListNotes(ctx, "alice", db.FilterActive, "inbox")
	require.NoError(t, err)
	require.Len(t, inboxNotes, 1)
	assert.Equal(t, "Loose thoughts", inboxNotes[0].Content)

	assert.ElementsMatch(t, []string{
		"alice/Notes/Inbox/Loose thoughts.md",
		"alice/Projects/Novel/Part 1/Once upon a time.md",
	}, objects.Keys())
}

func TestPull_ForeignIDIsAdopted(t *testing.T) {
	e, store, objects := newTestEngine(t)
	ctx := context.Background()
	store.addGroup("alice", "inbox", "Inbox", nil, "")
	store.addGroup("bob", "bob-inbox", "Inbox", nil, "")
	store.addNote(&db.Note{ID: "b1", GroupID: "bob-inbox", Title: "Secret", Content: "bob's", Modified: 10})

	objects.Set("alice/Notes/Inbox/Stolen.md", "---\nid: b1\n---\nalice's", nil)

	res, err := e.Pull(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &PullResult{Created: 1}, res)

	assert.Equal(t, "bob's", store.note("b1").Content)
	assert.Equal(t, 2, store.count())
}

func TestSync_NoteNewerIsPushed(t *testing.T) {
	e, store, objects := withDraft(t)
	ctx := context.Background()

	_, err := e.Push(ctx, "alice")
	require.NoError(t, err)
	store.edit("n1", func(n *db.Note) {
		n.Content = "Rewritten"
		n.Favorite = true
		n.Modified = 5000
	})

	res, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{Pushed: 1}, res)

	body, _ := objects.Body(draftKey)
	fm, content := parser.Decode(body)
	assert.Equal(t, "Rewritten", content)
	assert.True(t, fm.Favorite)
	assert.Equal(t, "5000", objects.Meta(draftKey)[mirror.MetaModified])
}

func TestSync_FileNewerIsPulled(t *testing.T) {
	e, store, objects := withDraft(t)
	ctx := context.Background()

	_, err := e.Push(ctx, "alice")
	require.NoError(t, err)

	edited := parser.Encode(parser.NoteDocument{
		ID: "n1", Tags: []string{"new"}, Favorite: true, Notes: "margin",
		Modified: 3000, Content: "# Draft\nmore",
	})
	objects.Set(draftKey, edited, mirror.NoteMeta("n1", 3000))

	res, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{Pulled: 1}, res)

	n := store.note("n1")
	assert.Equal(t, "# Draft\nmore", n.Content)
	assert.Equal(t, "Draft", n.Title)
	assert.Equal(t, "margin", n.Notes)
	assert.True(t, n.Favorite)
	assert.Equal(t, []string{"new"}, n.Tags)
	assert.Equal(t, []string{draftKey}, keysFor(objects, "n1"))
}

func TestSync_RenameLeavesOneFile(t *testing.T) {
	e, store, objects := withDraft(t)
	ctx := context.Background()
	store.addGroup("alice", "archive", "Archive", nil, "")

	_, err := e.Push(ctx, "alice")
	require.NoError(t, err)

	store.edit("n1", func(n *db.Note) {
		n.Title = "Final"
		n.GroupID = "archive"
		n.Modified = 3000
	})

	res, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{Pushed: 1}, res)
	assert.Equal(t, []string{"alice/Notes/Archive/Final.md"}, keysFor(objects, "n1"))
	assert.Equal(t, []string{"alice/Notes/Archive/Final.md"}, objects.Keys())
}

func TestSync_ExternalMoveChangesGroup(t *testing.T) {
	e, store, objects := withDraft(t)
	ctx := context.Background()

	_, err := e.Push(ctx, "alice")
	require.NoError(t, err)

	body, _ := objects.Body(draftKey)
	require.NoError(t, objects.Delete(ctx, draftKey))
	objects.Set("alice/Notes/Ideas/Draft.md", body, mirror.NoteMeta("n1", 2500))

	res, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{Pulled: 1}, res)

	groups, err := store.ListGroups(ctx, "alice")
	require.NoError(t, err)
	ideas, ok := DeriveGroupPaths(groups).GroupID("Notes/Ideas")
	require.True(t, ok)
	assert.Equal(t, ideas, store.note("n1").GroupID)
	assert.Equal(t, []string{"alice/Notes/Ideas/Hello.md"}, objects.Keys())
}

func TestSync_Idempotent(t *testing.T) {
	e, store, _ := withDraft(t)
	ctx := context.Background()
	store.addGroup("alice", "novel", "Novel", nil, db.SectionProjects)
	store.addGroup("alice", "part", "Part 1", strPtr("novel"), "")
	for i := 0; i < 5; i++ {
		store.addNote(&db.Note{ID: fmt.Sprintf("c%d", i), GroupID: "part", Title: fmt.Sprintf("Chapter %d", i), Modified: int64(100 + i)})
	}

	first, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{Pushed: 6}, first)

	second, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{}, second)
}

func TestSync_TitleCollisions(t *testing.T) {
	e, store, objects := newTestEngine(t)
	ctx := context.Background()
	store.addGroup("alice", "inbox", "Inbox", nil, "")
	store.addNote(&db.Note{ID: "aaaaaaaa-1", GroupID: "inbox", Title: "Same", SortOrder: 0, Modified: 100})
	store.addNote(&db.Note{ID: "bbbbbbbb-2", GroupID: "inbox", Title: "Same", SortOrder: 1, Modified: 100})

	first, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{Pushed: 2}, first)
	assert.Equal(t, []string{"alice/Notes/Inbox/Same.md"}, keysFor(objects, "aaaaaaaa-1"))
	assert.Equal(t, []string{"alice/Notes/Inbox/Same (bbbbbbbb).md"}, keysFor(objects, "bbbbbbbb-2"))

	second, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{}, second)

	// renaming the holder hands the plain name to the other note
	store.edit("aaaaaaaa-1", func(n *db.Note) {
		n.Title = "Other"
		n.Modified = 200
	})
	third, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{Pushed: 2}, third)
	assert.Equal(t, []string{"alice/Notes/Inbox/Other.md"}, keysFor(objects, "aaaaaaaa-1"))
	assert.Equal(t, []string{"alice/Notes/Inbox/Same.md"}, keysFor(objects, "bbbbbbbb-2"))
	assert.Len(t, objects.Keys(), 2)
}

func TestSync_TrashedNotes(t *testing.T) {
	e, store, objects := newTestEngine(t)
	ctx := context.Background()
	store.addGroup("alice", "inbox", "Inbox", nil, "")
	store.addNote(&db.Note{ID: "t1", GroupID: "inbox", Title: "Binned", Content: "old", Modified: 2000, Trashed: true})
	store.addNote(&db.Note{ID: "t2", GroupID: "inbox", Title: "Edited", Content: "old", Modified: 1000, Trashed: true})

	objects.Set("alice/Notes/Inbox/Binned.md", "---\nid: t1\n---\nold", mirror.NoteMeta("t1", 1000))
	objects.Set("alice/Notes/Inbox/Edited.md", "---\nid: t2\n---\nnew words", mirror.NoteMeta("t2", 3000))

	res, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{Pulled: 1, Deleted: 1}, res)

	_, ok := objects.Body("alice/Notes/Inbox/Binned.md")
	assert.False(t, ok)

	t2 := store.note("t2")
	assert.Equal(t, "new words", t2.Content)
	assert.True(t, t2.Trashed)
	assert.Equal(t, 2, store.count())
}

func TestSync_DuplicateCopies(t *testing.T) {
	e, store, objects := withDraft(t)
	ctx := context.Background()

	_, err := e.Push(ctx, "alice")
	require.NoError(t, err)
	body, _ := objects.Body(draftKey)

	// leftover from an earlier rename, and a copy made in a file manager
	objects.Set("alice/Notes/Inbox/Old name.md", body, mirror.NoteMeta("n1", 500))
	objects.Set("alice/Notes/Inbox/Draft copy.md", body, map[string]string{mirror.MetaModified: "1500"})

	res, err := e.Sync(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{Created: 1, Deleted: 1}, res)

	assert.Equal(t, []string{draftKey}, keysFor(objects, "n1"))
	assert.Equal(t, 2, store.count())

	copied := store.note("new00001-0000")
	require.NotNil(t, copied)
	assert.Equal(t, "Hello", copied.Content)
	assert.Equal(t, []string{"alice/Notes/Inbox/Hello.md"}, keysFor(objects, "new00001-0000"))
}

func TestEngine_InvalidOwner(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Push(ctx, "../bob")
	assert.ErrorIs(t, err, ErrInvalidOwner)
	_, err = e.Pull(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidOwner)
	_, err = e.Sync(ctx, "a/b")
	assert.ErrorIs(t, err, ErrInvalidOwner)
}
