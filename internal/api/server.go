// Package api exposes an owner's library over HTTP. Every mutation that
// succeeds in the database is handed to the mirror hooks.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/vonshlovens/folio/internal/db"
	folsync "github.com/vonshlovens/folio/internal/sync"
)

const ownerHeader = "X-Folio-Owner"

// Library is the relational side the handlers work against
type Library interface {
	ListGroups(ctx context.Context, owner string) ([]*db.Group, error)
	GetGroup(ctx context.Context, owner, id string) (*db.Group, error)
	CreateGroup(ctx context.Context, g *db.Group) error
	UpdateGroup(ctx context.Context, owner, id string, upd db.GroupUpdate) (*db.Group, error)
	DeleteGroup(ctx context.Context, owner, id string) ([]*db.Note, error)
	EnsureInbox(ctx context.Context, owner string) error

	ListNotes(ctx context.Context, owner string, filter db.NoteFilter, groupID string) ([]*db.Note, error)
	GetOwnedNote(ctx context.Context, owner, id string) (*db.Note, error)
	InsertNote(ctx context.Context, note *db.Note) error
	UpdateNote(ctx context.Context, owner, id string, upd db.NoteUpdate) (*db.Note, error)
	SetTrashed(ctx context.Context, owner, id string, trashed bool) (*db.Note, error)
	ToggleFavorite(ctx context.Context, owner, id string) (*db.Note, error)
	DeleteNote(ctx context.Context, owner, id string) (*db.Note, error)
	EmptyTrash(ctx context.Context, owner string) ([]*db.Note, error)
	MergeNotes(ctx context.Context, owner string, ids []string) (*db.Note, []*db.Note, error)

	ListTags(ctx context.Context, owner string) ([]*db.Tag, error)
	AttachTag(ctx context.Context, owner, noteID, name string) (*db.Note, error)
	DetachTag(ctx context.Context, owner, noteID, tag string) (*db.Note, error)

	SetGoal(ctx context.Context, owner string, goal *db.Goal) (*db.Note, error)
	DeleteGoal(ctx context.Context, owner, noteID string) (*db.Note, error)

	GetStatus(ctx context.Context, owner string) (*db.Status, error)
}

// Syncer runs whole-library mirror passes
type Syncer interface {
	Push(ctx context.Context, owner string) (*folsync.PushResult, error)
	Pull(ctx context.Context, owner string) (*folsync.PullResult, error)
	Sync(ctx context.Context, owner string) (*folsync.SyncResult, error)
}

// Notifier receives mutations after they are committed. *sync.Hooks
// satisfies it, including as a nil pointer.
type Notifier interface {
	NoteChanged(owner, noteID string, before *db.Note)
	NotesRemoved(owner string, notes []*db.Note, groups []*db.Group)
	OwnerChanged(owner string)
	PendingRetries() int
}

var (
	_ Library  = (*db.DB)(nil)
	_ Syncer   = (*folsync.Engine)(nil)
	_ Notifier = (*folsync.Hooks)(nil)
)

// Server is the HTTP front of a library
type Server struct {
	app      *fiber.App
	lib      Library
	engine   Syncer
	hooks    Notifier
	token    string
	validate *validator.Validate
}

// New builds the fiber app. Requests are rejected unless they carry token
// as a bearer credential.
func New(token string, lib Library, engine Syncer, hooks Notifier) *Server {
	if hooks == nil {
		hooks = (*folsync.Hooks)(nil)
	}
	s := &Server{
		lib:      lib,
		engine:   engine,
		hooks:    hooks,
		token:    token,
		validate: validator.New(),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "folio",
		BodyLimit:             8 * 1024 * 1024,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	s.app.Use(requestLogger)

	api := s.app.Group("/api", s.authenticate)
	s.registerSyncRoutes(api)
	s.registerGroupRoutes(api)
	s.registerNoteRoutes(api)

	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until Shutdown is called
func (s *Server) Listen(addr string) error {
	slog.Info("api listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	slog.Debug("request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration", time.Since(start))
	return err
}

// authenticate checks the bearer token and stores the owner header in the
// request locals
func (s *Server) authenticate(c *fiber.Ctx) error {
	auth := c.Get(fiber.HeaderAuthorization)
	presented, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || s.token == "" ||
		subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}

	owner := c.Get(ownerHeader)
	if err := folsync.ValidateOwner(owner); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("missing or invalid %s header", ownerHeader))
	}
	c.Locals("owner", owner)
	return c.Next()
}

func ownerOf(c *fiber.Ctx) string {
	owner, _ := c.Locals("owner").(string)
	return owner
}

// parse decodes and validates a JSON body
func (s *Server) parse(c *fiber.Ctx, req any) error {
	if err := c.BodyParser(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal error"

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code, msg = fe.Code, fe.Message
	case errors.Is(err, db.ErrNotFound):
		code, msg = fiber.StatusNotFound, "not found"
	case errors.Is(err, db.ErrInvalid), errors.Is(err, folsync.ErrInvalidOwner):
		code, msg = fiber.StatusBadRequest, err.Error()
	default:
		slog.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}

	return c.Status(code).JSON(fiber.Map{"error": msg})
}
