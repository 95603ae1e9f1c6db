package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vonshlovens/folio/internal/db"
)

// DefaultHookTimeout bounds one background hook
const DefaultHookTimeout = 15 * time.Second

// DefaultRetryAttempts is how often a failed owner is re-synced
const DefaultRetryAttempts = 3

// Hooks mirror store mutations in the background. Every hook returns
// immediately; failures are logged and the owner is queued for a full
// Sync by RetryFailed. Hooks of one owner never run concurrently. A nil
// *Hooks ignores all calls, for deployments without a mirror.
type Hooks struct {
	engine     *Engine
	timeout    time.Duration
	maxRetries int

	wg    sync.WaitGroup
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	// owner -> failed retry attempts
	retryQueue map[string]int
}

// NewHooks creates hooks that run on engine
func NewHooks(engine *Engine, timeout time.Duration, maxRetries int) *Hooks {
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}
	if maxRetries <= 0 {
		maxRetries = DefaultRetryAttempts
	}
	return &Hooks{
		engine:     engine,
		timeout:    timeout,
		maxRetries: maxRetries,
		locks:      make(map[string]*sync.Mutex),
		retryQueue: make(map[string]int),
	}
}

// NoteChanged mirrors a created, edited, moved, trashed or restored note.
// before is the note prior to the change, or nil for new notes.
func (h *Hooks) NoteChanged(owner, noteID string, before *db.Note) {
	if h == nil {
		return
	}
	h.run("note changed", owner, func(ctx context.Context) error {
		return h.engine.SyncNote(ctx, owner, noteID, before)
	})
}

// NotesRemoved deletes the files of permanently deleted notes. groups are
// the owner's groups before the deletion, or nil when they did not change.
func (h *Hooks) NotesRemoved(owner string, notes []*db.Note, groups []*db.Group) {
	if h == nil || len(notes) == 0 {
		return
	}
	h.run("notes removed", owner, func(ctx context.Context) error {
		return h.engine.RemoveNotes(ctx, owner, notes, groups)
	})
}

// OwnerChanged runs a full Sync, for changes that move many files such as
// renaming or moving a group.
func (h *Hooks) OwnerChanged(owner string) {
	if h == nil {
		return
	}
	h.run("owner changed", owner, func(ctx context.Context) error {
		_, err := h.engine.Sync(ctx, owner)
		return err
	})
}

// Wait blocks until all running hooks have finished
func (h *Hooks) Wait() {
	if h == nil {
		return
	}
	h.wg.Wait()
}

func (h *Hooks) ownerLock(owner string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locks[owner]
	if !ok {
		l = &sync.Mutex{}
		h.locks[owner] = l
	}
	return l
}

func (h *Hooks) run(name, owner string, fn func(ctx context.Context) error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		lock := h.ownerLock(owner)
		lock.Lock()
		defer lock.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			slog.Warn("mirror hook failed", "hook", name, "owner", owner, "error", err)
			h.mu.Lock()
			if _, queued := h.retryQueue[owner]; !queued {
				h.retryQueue[owner] = 0
			}
			h.mu.Unlock()
			return
		}
		slog.Debug("mirror hook completed", "hook", name, "owner", owner,
			"duration_ms", time.Since(start).Milliseconds())
	}()
}

// RetryFailed runs a full Sync for every owner with a failed hook
func (h *Hooks) RetryFailed(ctx context.Context) {
	if h == nil {
		return
	}
	h.mu.Lock()
	pending := make(map[string]int, len(h.retryQueue))
	for owner, count := range h.retryQueue {
		pending[owner] = count
	}
	h.mu.Unlock()

	for owner, count := range pending {
		if count >= h.maxRetries {
			slog.Error("max retries exceeded", "owner", owner)
			h.dequeue(owner)
			continue
		}

		lock := h.ownerLock(owner)
		lock.Lock()
		_, err := h.engine.Sync(ctx, owner)
		lock.Unlock()

		if err != nil {
			slog.Warn("retry failed", "owner", owner, "attempt", count+1, "error", err)
			h.mu.Lock()
			h.retryQueue[owner] = count + 1
			h.mu.Unlock()
			continue
		}
		h.dequeue(owner)
		slog.Info("retry succeeded", "owner", owner)
	}
}

func (h *Hooks) dequeue(owner string) {
	h.mu.Lock()
	delete(h.retryQueue, owner)
	h.mu.Unlock()
}

// PendingRetries returns the number of owners waiting for a retry
func (h *Hooks) PendingRetries() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.retryQueue)
}
