package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/vonshlovens/folio/internal/db"
)

func (s *Server) registerGroupRoutes(r fiber.Router) {
	r.Get("/groups", s.listGroups)
	r.Post("/groups", s.createGroup)
	r.Put("/groups/:id", s.updateGroup)
	r.Delete("/groups/:id", s.deleteGroup)
	r.Get("/tags", s.listTags)
}

// listGroups returns the owner's tree, creating the Inbox on first use
func (s *Server) listGroups(c *fiber.Ctx) error {
	ctx, owner := c.UserContext(), ownerOf(c)
	if err := s.lib.EnsureInbox(ctx, owner); err != nil {
		return err
	}
	groups, err := s.lib.ListGroups(ctx, owner)
	if err != nil {
		return err
	}
	return c.JSON(groups)
}

type createGroupRequest struct {
	Name      string  `json:"name" validate:"required,max=200"`
	ParentID  *string `json:"parentId"`
	Section   *string `json:"section" validate:"omitempty,oneof=notes projects"`
	Icon      *string `json:"icon"`
	IconColor *string `json:"iconColor"`
}

func (s *Server) createGroup(c *fiber.Ctx) error {
	var req createGroupRequest
	if err := s.parse(c, &req); err != nil {
		return err
	}

	g := &db.Group{
		OwnerID:   ownerOf(c),
		Name:      req.Name,
		ParentID:  req.ParentID,
		Icon:      req.Icon,
		IconColor: req.IconColor,
	}
	if req.ParentID == nil {
		section := db.SectionNotes
		if req.Section != nil {
			section = *req.Section
		}
		g.Section = &section
	}
	if err := s.lib.CreateGroup(c.UserContext(), g); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(g)
}

func (s *Server) updateGroup(c *fiber.Ctx) error {
	var upd db.GroupUpdate
	if err := c.BodyParser(&upd); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if upd.Name != nil && *upd.Name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name must not be empty")
	}
	if upd.Section != nil && *upd.Section != db.SectionNotes && *upd.Section != db.SectionProjects {
		return fiber.NewError(fiber.StatusBadRequest, "unknown section")
	}

	owner := ownerOf(c)
	g, err := s.lib.UpdateGroup(c.UserContext(), owner, c.Params("id"), upd)
	if err != nil {
		return err
	}

	// any of these moves every file below the group
	if upd.Name != nil || upd.ParentID != nil || upd.MoveToRoot || upd.Section != nil {
		s.hooks.OwnerChanged(owner)
	}
	return c.JSON(g)
}

// deleteGroup removes the subtree. The group list is captured first so the
// hooks can still resolve the removed notes' paths.
func (s *Server) deleteGroup(c *fiber.Ctx) error {
	ctx, owner := c.UserContext(), ownerOf(c)
	groups, err := s.lib.ListGroups(ctx, owner)
	if err != nil {
		return err
	}
	removed, err := s.lib.DeleteGroup(ctx, owner, c.Params("id"))
	if err != nil {
		return err
	}

	if len(removed) > 0 {
		s.hooks.NotesRemoved(owner, removed, groups)
	}
	return c.JSON(fiber.Map{"deletedNotes": len(removed)})
}

func (s *Server) listTags(c *fiber.Ctx) error {
	tags, err := s.lib.ListTags(c.UserContext(), ownerOf(c))
	if err != nil {
		return err
	}
	return c.JSON(tags)
}
