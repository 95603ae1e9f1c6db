package api

import (
	"github.com/gofiber/fiber/v2"
)

func (s *Server) registerSyncRoutes(r fiber.Router) {
	r.Post("/sync/push", s.push)
	r.Post("/sync/pull", s.pull)
	r.Post("/sync/sync", s.sync)
	r.Get("/status", s.status)
}

func (s *Server) push(c *fiber.Ctx) error {
	res, err := s.engine.Push(c.UserContext(), ownerOf(c))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (s *Server) pull(c *fiber.Ctx) error {
	res, err := s.engine.Pull(c.UserContext(), ownerOf(c))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (s *Server) sync(c *fiber.Ctx) error {
	res, err := s.engine.Sync(c.UserContext(), ownerOf(c))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

type statusResponse struct {
	Groups         int    `json:"groups"`
	Notes          int    `json:"notes"`
	Trashed        int    `json:"trashed"`
	Favorites      int    `json:"favorites"`
	Tags           int    `json:"tags"`
	LastModified   *int64 `json:"lastModified"`
	PendingRetries int    `json:"pendingRetries"`
}

func (s *Server) status(c *fiber.Ctx) error {
	st, err := s.lib.GetStatus(c.UserContext(), ownerOf(c))
	if err != nil {
		return err
	}
	return c.JSON(statusResponse{
		Groups:         st.Groups,
		Notes:          st.Notes,
		Trashed:        st.Trashed,
		Favorites:      st.Favorites,
		Tags:           st.Tags,
		LastModified:   st.LastModified,
		PendingRetries: s.hooks.PendingRetries(),
	})
}
