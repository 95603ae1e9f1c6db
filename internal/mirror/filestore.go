package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FileStore keeps objects as plain files under a root directory and their
// metadata in a badger index. Files edited outside the store are detected by
// comparing their mtime and hash with the index record.
type FileStore struct {
	root   string
	index  *Index
	ignore []string
}

// NewFileStore creates the root directory if needed
func NewFileStore(root string, index *Index, ignore []string) (*FileStore, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mirror root: %w", err)
	}
	return &FileStore{root: root, index: index, ignore: ignore}, nil
}

// Root returns the mirror root directory
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) abs(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put writes body atomically and records meta. Writing identical bytes and
// metadata over an unmodified file is a no-op, so the file's mtime only
// changes when something did.
func (s *FileStore) Put(ctx context.Context, key string, body []byte, meta map[string]string) error {
	absPath, err := s.abs(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	hash := HashContent(body)
	rec, err := s.index.Get(key)
	if err != nil {
		return err
	}
	if rec != nil && rec.Hash == hash && metaEqual(rec.Meta, meta) {
		if info, err := os.Stat(absPath); err == nil && info.ModTime().UnixNano() == rec.MtimeNs {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(absPath), ".folio-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, absPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", key, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", key, err)
	}

	return s.index.Put(key, &Record{
		Meta:    copyMeta(meta),
		Hash:    hash,
		Size:    info.Size(),
		MtimeNs: info.ModTime().UnixNano(),
	})
}

// Get reads an object's body and metadata
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, *Object, error) {
	absPath, err := s.abs(key)
	if err != nil {
		return nil, nil, err
	}
	body, err := os.ReadFile(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	obj, err := s.Head(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return body, obj, nil
}

// Head returns an object's metadata. A file changed since it was last written
// through the store reports its on-disk mtime as the modified marker when
// that is newer; a file the index has never seen reports only its mtime.
func (s *FileStore) Head(ctx context.Context, key string) (*Object, error) {
	absPath, err := s.abs(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return s.describe(key, absPath, info)
}

func (s *FileStore) describe(key, absPath string, info fs.FileInfo) (*Object, error) {
	obj := &Object{Key: key, Size: info.Size()}
	mtimeMs := info.ModTime().UnixMilli()

	rec, err := s.index.Get(key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		obj.Meta = map[string]string{MetaModified: strconv.FormatInt(mtimeMs, 10)}
		return obj, nil
	}

	obj.Meta = copyMeta(rec.Meta)
	if info.ModTime().UnixNano() == rec.MtimeNs && info.Size() == rec.Size {
		return obj, nil
	}

	hash, _, err := HashFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", key, err)
	}
	if hash != rec.Hash && mtimeMs > obj.Modified() {
		slog.Debug("external edit detected", "path", key, "mtime", mtimeMs)
		obj.Meta[MetaModified] = strconv.FormatInt(mtimeMs, 10)
	}
	return obj, nil
}

// Delete removes an object and prunes directories it leaves empty. Deleting
// a missing object is not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	absPath, err := s.abs(key)
	if err != nil {
		return err
	}
	if err := os.Remove(absPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if err := s.index.Delete(key); err != nil {
		return fmt.Errorf("failed to delete index record %s: %w", key, err)
	}

	// Remove now-empty parents up to the root
	for dir := filepath.Dir(absPath); dir != s.root && strings.HasPrefix(dir, s.root); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

// List returns up to limit objects under prefix in key order, starting after
// cursor. Ignored paths and temp files are skipped.
func (s *FileStore) List(ctx context.Context, prefix, cursor string, limit int) (*Page, error) {
	keys, err := s.walk(ctx, prefix)
	if err != nil {
		return nil, err
	}

	start := 0
	if cursor != "" {
		start = sort.SearchStrings(keys, cursor)
		if start < len(keys) && keys[start] == cursor {
			start++
		}
	}

	page := &Page{}
	for i := start; i < len(keys); i++ {
		if limit > 0 && len(page.Objects) == limit {
			page.Next = page.Objects[len(page.Objects)-1].Key
			break
		}
		obj, err := s.Head(ctx, keys[i])
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // removed while listing
			}
			return nil, err
		}
		page.Objects = append(page.Objects, *obj)
	}
	return page, nil
}

// walk collects the sorted keys of regular files under prefix
func (s *FileStore) walk(ctx context.Context, prefix string) ([]string, error) {
	dir := s.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		if err := ValidateKey(prefix[:i]); err != nil {
			return nil, err
		}
		dir = filepath.Join(s.root, filepath.FromSlash(prefix[:i]))
	}

	var keys []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)

		if d.IsDir() {
			if key != "." && s.shouldIgnore(key+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !strings.HasPrefix(key, prefix) {
			return nil
		}
		if strings.HasSuffix(key, ".tmp") || s.shouldIgnore(key) {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk mirror: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// shouldIgnore matches ignore globs against the key and against the key
// relative to its owner directory.
func (s *FileStore) shouldIgnore(key string) bool {
	candidates := []string{key}
	if i := strings.Index(key, "/"); i >= 0 && i+1 < len(key) {
		candidates = append(candidates, key[i+1:])
	}

	for _, pattern := range s.ignore {
		for _, c := range candidates {
			matched, err := doublestar.Match(pattern, strings.TrimSuffix(c, "/"))
			if err != nil {
				continue
			}
			if !matched && strings.HasSuffix(c, "/") {
				// Directory: also try as a prefix of anything inside it
				matched, _ = doublestar.Match(pattern, c+"x")
			}
			if matched {
				return true
			}
		}
	}
	return false
}

// Prune drops index records under prefix whose files no longer exist.
// Returns the number of records removed.
func (s *FileStore) Prune(prefix string) (int, error) {
	keys, err := s.index.Keys(prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to scan index: %w", err)
	}

	removed := 0
	for _, key := range keys {
		absPath, err := s.abs(key)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); errors.Is(err, fs.ErrNotExist) {
			if err := s.index.Delete(key); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
