// Package watcher reports batches of changes under one owner's mirror
// directory.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a directory tree for file changes
type Watcher struct {
	root      string
	fs        *fsnotify.Watcher
	debouncer *Debouncer
	ignore    []string
	stopCh    chan struct{}
}

// New creates a watcher for root. ignore holds doublestar patterns matched
// against paths relative to root.
func New(root string, debounceMs int, ignore []string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		root:      filepath.Clean(root),
		fs:        fsWatcher,
		debouncer: NewDebouncer(debounceMs),
		ignore:    ignore,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start creates root if needed and begins watching it and all
// subdirectories.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", w.root, err)
	}
	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	go w.processEvents(ctx)

	slog.Info("watcher started",
		"path", w.root,
		"ignore_patterns", len(w.ignore))

	return nil
}

// Batches returns the channel of debounced change batches
func (w *Watcher) Batches() <-chan Batch {
	return w.debouncer.Batches()
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	close(w.stopCh)
	w.debouncer.Stop()
	return w.fs.Close()
}

// Flush emits pending changes immediately
func (w *Watcher) Flush() {
	w.debouncer.Flush()
}

// addRecursive adds a directory and all subdirectories to the watcher
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			slog.Warn("error walking path", "path", p, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		if rel, ok := w.rel(p); ok && rel != "." && w.shouldIgnore(rel) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(p); err != nil {
			slog.Warn("failed to watch directory", "path", p, "error", err)
		}
		return nil
	})
}

func (w *Watcher) rel(p string) (string, bool) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			rel, ok := w.rel(event.Name)
			if !ok || rel == "." || isTempFile(rel) || w.shouldIgnore(rel) {
				continue
			}
			w.handleEvent(event, rel)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Error("watcher error", "error", err)
		}
	}
}

// handleEvent maps one fsnotify event to a change. Directories count too:
// a folder moved into the tree arrives as a single create.
func (w *Watcher) handleEvent(event fsnotify.Event, rel string) {
	info, statErr := os.Stat(event.Name)
	isDir := statErr == nil && info.IsDir()

	switch {
	case event.Has(fsnotify.Create):
		if isDir {
			if err := w.addRecursive(event.Name); err != nil {
				slog.Warn("failed to add new directory", "path", event.Name, "error", err)
			}
		}
		w.debouncer.Add(rel, ChangeCreate)

	case event.Has(fsnotify.Write):
		if isDir {
			return
		}
		w.debouncer.Add(rel, ChangeModify)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// the new name of a rename arrives as a create
		w.debouncer.Add(rel, ChangeDelete)
	}
}

// isTempFile matches the files the mirror store writes before renaming
func isTempFile(rel string) bool {
	base := path.Base(rel)
	return strings.HasPrefix(base, ".folio-") && strings.HasSuffix(base, ".tmp")
}

// shouldIgnore checks the path and each of its parent directories against
// the ignore patterns
func (w *Watcher) shouldIgnore(rel string) bool {
	parts := strings.Split(rel, "/")
	for _, pattern := range w.ignore {
		for i := len(parts); i >= 1; i-- {
			matched, err := doublestar.Match(pattern, strings.Join(parts[:i], "/"))
			if err != nil {
				break
			}
			if matched {
				return true
			}
		}
	}
	return false
}
