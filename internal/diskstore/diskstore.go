// Package diskstore implements the durable tier of the image cache: a flat
// directory of content-addressed files plus optional read-only search paths
// for pre-seeded images.
package diskstore

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// ErrNotFound is returned by Read when no search location holds the key.
var ErrNotFound = errors.New("disk cache entry not found")

// PurgeStats reports what a Purge pass reclaimed.
type PurgeStats struct {
	FilesRemoved int
	BytesFreed   int64
}

// Store is a key-addressed file store. Filenames are a pure function of the
// key (128-bit MD5, hex encoded, keeping the key's path extension), so the
// same key always maps to the same file.
//
// Store methods are plain synchronous calls and are not safe for concurrent
// writers; the owning cache serializes all calls onto a single I/O goroutine.
type Store struct {
	fs          afero.Fs
	root        string
	searchPaths []string
	log         *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithSearchPath adds a read-only directory probed on Read/Exists misses,
// useful for images bundled with the application.
func WithSearchPath(dir string) Option {
	return func(s *Store) {
		s.searchPaths = append(s.searchPaths, dir)
	}
}

// New creates a disk store rooted at dir, creating it if missing.
func New(fsys afero.Fs, dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("disk store root required")
	}

	s := &Store{
		fs:   fsys,
		root: dir,
		log:  slog.Default().With("component", "diskstore"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	return s, nil
}

// Root returns the root cache directory.
func (s *Store) Root() string {
	return s.root
}

// AddSearchPath appends a read-only fallback directory after construction.
func (s *Store) AddSearchPath(dir string) {
	s.searchPaths = append(s.searchPaths, dir)
}

// HashedName derives the filename for a key: hex MD5 of the key, with the
// key's path extension appended when it carries one.
func HashedName(key string) string {
	sum := md5.Sum([]byte(key))
	name := hex.EncodeToString(sum[:])
	if ext := keyExtension(key); ext != "" {
		name += ext
	}
	return name
}

// keyExtension extracts a usable file extension from a cache key. Keys are
// canonically URLs, so query and fragment parts are stripped first.
func keyExtension(key string) string {
	p := key
	if u, err := url.Parse(key); err == nil && u.Path != "" {
		p = u.Path
	} else {
		if i := strings.IndexAny(p, "?#"); i >= 0 {
			p = p[:i]
		}
	}

	ext := path.Ext(p)
	if ext == "" || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// CachePath returns the canonical path for a key under the store root.
func (s *Store) CachePath(key string) string {
	return filepath.Join(s.root, HashedName(key))
}

// legacyPath is the pre-extension-aware filename, kept so entries written by
// older layouts stay readable.
func legacyName(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// candidatePaths lists every location probed for a key, in search order:
// canonical then legacy name under the root, then the same pair under each
// read-only search path.
func (s *Store) candidatePaths(key string) []string {
	hashed := HashedName(key)
	legacy := legacyName(key)

	paths := make([]string, 0, 2*(1+len(s.searchPaths)))
	paths = append(paths, filepath.Join(s.root, hashed))
	if legacy != hashed {
		paths = append(paths, filepath.Join(s.root, legacy))
	}
	for _, dir := range s.searchPaths {
		paths = append(paths, filepath.Join(dir, hashed))
		if legacy != hashed {
			paths = append(paths, filepath.Join(dir, legacy))
		}
	}
	return paths
}

// Exists reports whether any search location holds data for the key.
func (s *Store) Exists(key string) bool {
	for _, p := range s.candidatePaths(key) {
		info, err := s.fs.Stat(p)
		if err == nil && !info.IsDir() {
			return true
		}
	}
	return false
}

// Read returns the stored bytes for key, probing the canonical path, the
// legacy extension-less path and every read-only search path in order.
// Returns ErrNotFound when nothing matches; I/O errors degrade to a miss.
func (s *Store) Read(key string) ([]byte, error) {
	for _, p := range s.candidatePaths(key) {
		data, err := afero.ReadFile(s.fs, p)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Debug("disk read failed, treating as miss", "path", p, "err", err)
		}
	}
	return nil, ErrNotFound
}

// Write stores data under the key's canonical path. The write is atomic at
// file granularity: data lands in a temp file which is renamed into place.
func (s *Store) Write(key string, data []byte) error {
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create cache root: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, s.root, ".webimg-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}

	target := s.CachePath(key)
	if err := s.fs.Rename(tmpName, target); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Remove deletes the canonical and legacy records for a key from the root
// directory. Read-only search paths are never mutated.
func (s *Store) Remove(key string) error {
	var firstErr error
	for _, name := range []string{HashedName(key), legacyName(key)} {
		err := s.fs.Remove(filepath.Join(s.root, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RemoveAll deletes the whole root directory and recreates it empty.
func (s *Store) RemoveAll() error {
	if err := s.fs.RemoveAll(s.root); err != nil {
		return fmt.Errorf("clear cache root: %w", err)
	}
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("recreate cache root: %w", err)
	}
	return nil
}

// Purge reclaims disk space in two passes. Pass one deletes every record
// whose modification time is older than maxAge. Pass two, entered only when
// the survivors still exceed maxSize, deletes oldest-first until total size
// drops to half of maxSize; stopping at half rather than at the limit keeps
// the next writes from immediately re-triggering a purge. A zero maxAge or
// maxSize disables the corresponding pass.
func (s *Store) Purge(maxAge time.Duration, maxSize int64) (PurgeStats, error) {
	var stats PurgeStats

	entries, err := s.readRoot()
	if err != nil {
		return stats, err
	}

	cutoff := time.Now().Add(-maxAge)
	var survivors []os.FileInfo
	var totalSize int64

	for _, info := range entries {
		if maxAge > 0 && info.ModTime().Before(cutoff) {
			if err := s.fs.Remove(filepath.Join(s.root, info.Name())); err != nil {
				s.log.Warn("failed to remove expired entry", "name", info.Name(), "err", err)
				continue
			}
			stats.FilesRemoved++
			stats.BytesFreed += info.Size()
			continue
		}
		survivors = append(survivors, info)
		totalSize += info.Size()
	}

	if maxSize <= 0 || totalSize <= maxSize {
		return stats, nil
	}

	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].ModTime().Before(survivors[j].ModTime())
	})

	target := maxSize / 2
	for _, info := range survivors {
		if totalSize <= target {
			break
		}
		if err := s.fs.Remove(filepath.Join(s.root, info.Name())); err != nil {
			s.log.Warn("failed to remove entry during size purge", "name", info.Name(), "err", err)
			continue
		}
		stats.FilesRemoved++
		stats.BytesFreed += info.Size()
		totalSize -= info.Size()
	}

	return stats, nil
}

// SizeAndCount enumerates the root directory and returns total bytes and the
// number of records.
func (s *Store) SizeAndCount() (int64, int) {
	entries, err := s.readRoot()
	if err != nil {
		return 0, 0
	}

	var size int64
	for _, info := range entries {
		size += info.Size()
	}
	return size, len(entries)
}

func (s *Store) readRoot() ([]os.FileInfo, error) {
	infos, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("enumerate cache root: %w", err)
	}

	files := infos[:0]
	for _, info := range infos {
		if !info.IsDir() && !strings.HasPrefix(info.Name(), ".webimg-") {
			files = append(files, info)
		}
	}
	return files, nil
}
