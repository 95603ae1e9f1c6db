// Package mirror is the flat-file side of sync: a prefix-listable object
// store whose entries carry out-of-band key/value metadata.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Metadata keys stored alongside each object
const (
	MetaNoteID   = "note-id"
	MetaModified = "modified"
)

var (
	// ErrNotFound is returned by Get and Head for a missing object
	ErrNotFound = errors.New("object not found")

	// ErrInvalidKey is returned for keys that are empty, absolute or escape the store
	ErrInvalidKey = errors.New("invalid object key")
)

// Object describes one stored entry
type Object struct {
	Key  string
	Size int64
	Meta map[string]string
}

// NoteID returns the out-of-band note identifier, if any
func (o *Object) NoteID() string {
	return o.Meta[MetaNoteID]
}

// Modified returns the out-of-band modified marker in ms, or 0
func (o *Object) Modified() int64 {
	ms, err := strconv.ParseInt(o.Meta[MetaModified], 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

// Page is one slice of a prefix listing. Next is empty once the listing is
// exhausted; otherwise pass it back as the cursor.
type Page struct {
	Objects []Object
	Next    string
}

// Store is a flat-file object store
type Store interface {
	Put(ctx context.Context, key string, body []byte, meta map[string]string) error
	Get(ctx context.Context, key string) ([]byte, *Object, error)
	Head(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix, cursor string, limit int) (*Page, error)
}

// NoteMeta builds the metadata recorded for a note's file
func NoteMeta(noteID string, modified int64) map[string]string {
	return map[string]string{
		MetaNoteID:   noteID,
		MetaModified: strconv.FormatInt(modified, 10),
	}
}

// ListAll follows List cursors until the prefix is exhausted
func ListAll(ctx context.Context, s Store, prefix string, pageSize int) ([]Object, error) {
	var all []Object
	cursor := ""
	for {
		page, err := s.List(ctx, prefix, cursor, pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
		}
		all = append(all, page.Objects...)
		if page.Next == "" {
			return all, nil
		}
		if page.Next == cursor {
			return nil, fmt.Errorf("listing %q did not advance past cursor %q", prefix, cursor)
		}
		cursor = page.Next
	}
}

// ValidateKey rejects keys that are empty, absolute, not in clean form or
// that would escape the store root.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

func copyMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func metaEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
