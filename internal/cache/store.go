/**
 * Result cache for the PDF OCR worker
 *
 * Content/config-addressed store of previously computed OCR text. Entries are
 * plain <key>.txt files in an operator-configurable directory shared across
 * jobs and processes. Expiry is lazy: entries older than the TTL are treated
 * as absent, never eagerly swept. Same-key races resolve last-write-wins,
 * which is safe because a job never issues concurrent writes to its own key.
 */

package cache

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTTL is how long a cache entry stays valid.
const DefaultTTL = 24 * time.Hour

// Store is a file-backed key-value store of OCR results.
type Store struct {
	dir string
	ttl time.Duration
}

// NewStore creates a store rooted at dir. The directory is created lazily on
// the first Put.
func NewStore(dir string) *Store {
	return &Store{dir: dir, ttl: DefaultTTL}
}

// NewStoreTTL creates a store with a non-default TTL. Used by tests.
func NewStoreTTL(dir string, ttl time.Duration) *Store {
	return &Store{dir: dir, ttl: ttl}
}

// Dir returns the backing directory.
func (s *Store) Dir() string {
	return s.dir
}

// Key derives the deterministic cache key for one (file state, options) pair.
// The options value is serialized with sorted keys before hashing so that
// field order can never change the key; any change to the file path, its
// modification time or any option field produces a different key.
func Key(absPath string, mtime time.Time, options interface{}) (string, error) {
	fileInfo := fmt.Sprintf("%s_%d", absPath, mtime.UnixNano())

	sorted, err := sortedJSON(options)
	if err != nil {
		return "", fmt.Errorf("serialize options: %w", err)
	}

	return fmt.Sprintf("%x_%x", md5.Sum([]byte(fileInfo)), md5.Sum(sorted)), nil
}

// sortedJSON marshals v, round-trips it through a generic map and marshals
// again; encoding/json emits map keys in sorted order.
func sortedJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}

	return json.Marshal(m)
}

// Get returns the cached text for key. The second return is false when no
// entry exists or the entry has outlived the TTL; errors are real I/O
// failures, never misses.
func (s *Store) Get(key string) (string, bool, error) {
	path := s.entryPath(key)

	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("stat cache entry: %w", err)
	}

	if time.Since(fi.ModTime()) > s.ttl {
		// Expired entries are disregarded, not deleted
		return "", false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, fmt.Errorf("read cache entry: %w", err)
	}

	return string(data), true, nil
}

// Put stores text under key, overwriting any existing entry and creating the
// cache directory if absent.
func (s *Store) Put(key, text string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	if err := os.WriteFile(s.entryPath(key), []byte(text), 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}

	return nil
}

// Clear removes every cache entry and reports how many were deleted.
func (s *Store) Clear() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cache dir: %w", err)
	}

	deleted := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return deleted, fmt.Errorf("remove cache entry: %w", err)
		}
		deleted++
	}

	return deleted, nil
}

// Size returns the total byte size of all cache entries.
func (s *Store) Size() (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cache dir: %w", err)
	}

	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return total, fmt.Errorf("stat cache entry: %w", err)
		}
		total += fi.Size()
	}

	return total, nil
}

func (s *Store) entryPath(key string) string {
	return filepath.Join(s.dir, key+".txt")
}
