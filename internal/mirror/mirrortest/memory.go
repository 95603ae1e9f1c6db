// Package mirrortest provides an in-memory mirror.Store for tests.
package mirrortest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vonshlovens/folio/internal/mirror"
)

type entry struct {
	body []byte
	meta map[string]string
}

// Store is an in-memory, paginating mirror.Store. Listing pages never hold
// more than MaxPage objects regardless of the requested limit, so callers
// that stop after one page are caught.
type Store struct {
	MaxPage int

	mu      sync.Mutex
	objects map[string]entry
	puts    int
	deletes int
}

// New returns an empty store that pages at maxPage objects
func New(maxPage int) *Store {
	return &Store{MaxPage: maxPage, objects: make(map[string]entry)}
}

func clone(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func (s *Store) Put(ctx context.Context, key string, body []byte, meta map[string]string) error {
	if err := mirror.ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = entry{body: append([]byte(nil), body...), meta: clone(meta)}
	s.puts++
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, *mirror.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.objects[key]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", mirror.ErrNotFound, key)
	}
	return append([]byte(nil), e.body...), s.object(key, e), nil
}

func (s *Store) Head(ctx context.Context, key string) (*mirror.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mirror.ErrNotFound, key)
	}
	return s.object(key, e), nil
}

func (s *Store) object(key string, e entry) *mirror.Object {
	return &mirror.Object{Key: key, Size: int64(len(e.body)), Meta: clone(e.meta)}
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		delete(s.objects, key)
		s.deletes++
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix, cursor string, limit int) (*mirror.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.MaxPage > 0 && (limit <= 0 || limit > s.MaxPage) {
		limit = s.MaxPage
	}

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) && k > cursor {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	page := &mirror.Page{}
	for i, k := range keys {
		if limit > 0 && i == limit {
			page.Next = keys[i-1]
			break
		}
		page.Objects = append(page.Objects, *s.object(k, s.objects[k]))
	}
	return page, nil
}

// Set writes an object directly, bypassing counters. Used to simulate
// external edits.
func (s *Store) Set(key, body string, meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = entry{body: []byte(body), meta: clone(meta)}
}

// Body returns an object's body and whether it exists
func (s *Store) Body(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.objects[key]
	return string(e.body), ok
}

// Meta returns a copy of an object's metadata
func (s *Store) Meta(key string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.objects[key].meta)
}

// Keys returns all keys in order
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Counts returns how many Put and Delete calls changed the store
func (s *Store) Counts() (puts, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts, s.deletes
}
