package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/vonshlovens/folio/internal/db"
	"github.com/vonshlovens/folio/internal/parser"
)

func (s *Server) registerNoteRoutes(r fiber.Router) {
	r.Get("/notes", s.listNotes)
	r.Post("/notes", s.createNote)
	r.Post("/notes/merge", s.mergeNotes)
	r.Post("/notes/empty-trash", s.emptyTrash)

	r.Get("/notes/:id", s.showNote)
	r.Put("/notes/:id", s.updateNote)
	r.Delete("/notes/:id", s.deleteNote)
	r.Post("/notes/:id/trash", s.trashNote)
	r.Post("/notes/:id/restore", s.restoreNote)
	r.Post("/notes/:id/favorite", s.favoriteNote)

	r.Post("/notes/:id/tags", s.attachTag)
	r.Delete("/notes/:id/tags/:tag", s.detachTag)
	r.Put("/notes/:id/goal", s.setGoal)
	r.Delete("/notes/:id/goal", s.deleteGoal)
}

func (s *Server) listNotes(c *fiber.Ctx) error {
	filter := db.NoteFilter(c.Query("filter"))
	switch filter {
	case db.FilterActive, db.FilterAll, db.FilterFavorites, db.FilterTrash:
	default:
		return fiber.NewError(fiber.StatusBadRequest, "unknown filter")
	}

	notes, err := s.lib.ListNotes(c.UserContext(), ownerOf(c), filter, c.Query("group"))
	if err != nil {
		return err
	}
	if notes == nil {
		notes = []*db.Note{}
	}
	return c.JSON(notes)
}

type noteResponse struct {
	*db.Note
	Analysis parser.Analysis  `json:"analysis"`
	Progress *parser.Progress `json:"progress,omitempty"`
}

func describe(n *db.Note) noteResponse {
	resp := noteResponse{Note: n, Analysis: parser.Analyze(n.Content)}
	if n.Goal != nil {
		p := parser.GoalProgress(resp.Analysis.Stats, parser.GoalMeta{
			Type:   n.Goal.TargetType,
			Target: n.Goal.TargetValue,
			Mode:   n.Goal.Mode,
		})
		resp.Progress = &p
	}
	return resp
}

func (s *Server) showNote(c *fiber.Ctx) error {
	n, err := s.lib.GetOwnedNote(c.UserContext(), ownerOf(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(describe(n))
}

type createNoteRequest struct {
	GroupID string `json:"groupId" validate:"required"`
	Title   string `json:"title" validate:"max=500"`
	Content string `json:"content"`
	Notes   string `json:"notes"`
}

func (s *Server) createNote(c *fiber.Ctx) error {
	var req createNoteRequest
	if err := s.parse(c, &req); err != nil {
		return err
	}

	ctx, owner := c.UserContext(), ownerOf(c)
	if _, err := s.lib.GetGroup(ctx, owner, req.GroupID); err != nil {
		return err
	}

	title := req.Title
	if title == "" {
		title = parser.ExtractTitle(req.Content)
	}
	n := &db.Note{
		GroupID: req.GroupID,
		OwnerID: owner,
		Title:   title,
		Content: req.Content,
		Notes:   req.Notes,
	}
	if err := s.lib.InsertNote(ctx, n); err != nil {
		return err
	}

	s.hooks.NoteChanged(owner, n.ID, nil)
	return c.Status(fiber.StatusCreated).JSON(n)
}

// updateNote applies a partial update. A content change without an explicit
// title re-derives the title from the new body.
func (s *Server) updateNote(c *fiber.Ctx) error {
	var upd db.NoteUpdate
	if err := c.BodyParser(&upd); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if upd.Content != nil && upd.Title == nil {
		title := parser.ExtractTitle(*upd.Content)
		upd.Title = &title
	}

	ctx, owner, id := c.UserContext(), ownerOf(c), c.Params("id")
	before, err := s.lib.GetOwnedNote(ctx, owner, id)
	if err != nil {
		return err
	}
	n, err := s.lib.UpdateNote(ctx, owner, id, upd)
	if err != nil {
		return err
	}

	s.hooks.NoteChanged(owner, id, before)
	return c.JSON(n)
}

func (s *Server) deleteNote(c *fiber.Ctx) error {
	owner := ownerOf(c)
	n, err := s.lib.DeleteNote(c.UserContext(), owner, c.Params("id"))
	if err != nil {
		return err
	}

	s.hooks.NotesRemoved(owner, []*db.Note{n}, nil)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) trashNote(c *fiber.Ctx) error {
	return s.setTrashed(c, true)
}

func (s *Server) restoreNote(c *fiber.Ctx) error {
	return s.setTrashed(c, false)
}

func (s *Server) setTrashed(c *fiber.Ctx, trashed bool) error {
	owner := ownerOf(c)
	n, err := s.lib.SetTrashed(c.UserContext(), owner, c.Params("id"), trashed)
	if err != nil {
		return err
	}

	s.hooks.NoteChanged(owner, n.ID, nil)
	return c.JSON(n)
}

func (s *Server) favoriteNote(c *fiber.Ctx) error {
	owner := ownerOf(c)
	n, err := s.lib.ToggleFavorite(c.UserContext(), owner, c.Params("id"))
	if err != nil {
		return err
	}

	s.hooks.NoteChanged(owner, n.ID, nil)
	return c.JSON(n)
}

type mergeRequest struct {
	IDs []string `json:"ids" validate:"min=2,dive,required"`
}

// mergeNotes creates the combined note and trashes the sources
func (s *Server) mergeNotes(c *fiber.Ctx) error {
	var req mergeRequest
	if err := s.parse(c, &req); err != nil {
		return err
	}

	owner := ownerOf(c)
	merged, sources, err := s.lib.MergeNotes(c.UserContext(), owner, req.IDs)
	if err != nil {
		return err
	}

	s.hooks.NoteChanged(owner, merged.ID, nil)
	for _, src := range sources {
		s.hooks.NoteChanged(owner, src.ID, src)
	}
	return c.Status(fiber.StatusCreated).JSON(merged)
}

func (s *Server) emptyTrash(c *fiber.Ctx) error {
	owner := ownerOf(c)
	removed, err := s.lib.EmptyTrash(c.UserContext(), owner)
	if err != nil {
		return err
	}

	if len(removed) > 0 {
		s.hooks.NotesRemoved(owner, removed, nil)
	}
	return c.JSON(fiber.Map{"deleted": len(removed)})
}

type tagRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

func (s *Server) attachTag(c *fiber.Ctx) error {
	var req tagRequest
	if err := s.parse(c, &req); err != nil {
		return err
	}

	owner := ownerOf(c)
	n, err := s.lib.AttachTag(c.UserContext(), owner, c.Params("id"), req.Name)
	if err != nil {
		return err
	}

	s.hooks.NoteChanged(owner, n.ID, nil)
	return c.JSON(n)
}

func (s *Server) detachTag(c *fiber.Ctx) error {
	owner := ownerOf(c)
	n, err := s.lib.DetachTag(c.UserContext(), owner, c.Params("id"), c.Params("tag"))
	if err != nil {
		return err
	}

	s.hooks.NoteChanged(owner, n.ID, nil)
	return c.JSON(n)
}

type goalRequest struct {
	TargetType  string  `json:"targetType" validate:"required"`
	TargetValue int     `json:"targetValue" validate:"min=1"`
	Mode        string  `json:"mode"`
	Deadline    *string `json:"deadline"`
}

func (s *Server) setGoal(c *fiber.Ctx) error {
	var req goalRequest
	if err := s.parse(c, &req); err != nil {
		return err
	}

	owner := ownerOf(c)
	n, err := s.lib.SetGoal(c.UserContext(), owner, &db.Goal{
		NoteID:      c.Params("id"),
		TargetType:  req.TargetType,
		TargetValue: req.TargetValue,
		Mode:        req.Mode,
		Deadline:    req.Deadline,
	})
	if err != nil {
		return err
	}

	s.hooks.NoteChanged(owner, n.ID, nil)
	return c.JSON(describe(n))
}

func (s *Server) deleteGoal(c *fiber.Ctx) error {
	owner := ownerOf(c)
	n, err := s.lib.DeleteGoal(c.UserContext(), owner, c.Params("id"))
	if err != nil {
		return err
	}

	s.hooks.NoteChanged(owner, n.ID, nil)
	return c.JSON(n)
}
