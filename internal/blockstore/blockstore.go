// Package blockstore is the Block Store: a directory tree of shadow files
// under <cachebase>/file_data/<mount-relative-path> mirroring the byte
// offsets of their target counterparts. It never interprets the bytes it
// holds; it relies on the host filesystem's sparse-file support for the
// ranges nobody has written yet, the same way rclone's chunk storage
// leaves gaps between its chunk files rather than padding them.
package blockstore

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const dataDirName = "file_data"

// Store resolves mount-relative paths to their shadow-file location under
// a cache base directory.
type Store struct {
	base string
}

func New(cacheDir string) *Store {
	return &Store{base: filepath.Join(cacheDir, dataDirName)}
}

// ShadowPath returns the absolute shadow-file path for a mount-relative path.
func (s *Store) ShadowPath(relPath string) string {
	return filepath.Join(s.base, filepath.FromSlash(relPath))
}

// Base returns the shadow tree root, used by callers that need to verify a
// shadow path does not escape it (the _make_room safety check in spec).
func (s *Store) Base() string {
	return s.base
}

// CreateOrOpen opens the shadow file for relPath, creating it and any
// missing parent directories if absent, honoring truncate if requested.
func (s *Store) CreateOrOpen(relPath string, truncate bool) (*os.File, error) {
	shadowPath := s.ShadowPath(relPath)
	if err := os.MkdirAll(filepath.Dir(shadowPath), 0o755); err != nil {
		return nil, errors.Wrapf(err, "blockstore: failed to create parent dir for %q", shadowPath)
	}
	flags := os.O_RDWR | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(shadowPath, flags, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "blockstore: failed to open shadow file %q", shadowPath)
	}
	return f, nil
}

// Exists reports whether a shadow file is already present for relPath.
func (s *Store) Exists(relPath string) bool {
	_, err := os.Stat(s.ShadowPath(relPath))
	return err == nil
}

// Pread reads up to len(buf) bytes at offset with a positioned read that
// leaves the file cursor untouched. A short read at end of file is not an
// error.
func Pread(f *os.File, buf []byte, offset int64) (int, error) {
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	return n, nil
}

// Pwrite writes buf at offset with a positioned write that leaves the file
// cursor untouched.
func Pwrite(f *os.File, buf []byte, offset int64) (int, error) {
	return f.WriteAt(buf, offset)
}

// Ftruncate truncates the shadow file to length.
func Ftruncate(f *os.File, length int64) error {
	return f.Truncate(length)
}

// Unlink removes the shadow file for relPath. Missing file is not an error.
func (s *Store) Unlink(relPath string) error {
	err := os.Remove(s.ShadowPath(relPath))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "blockstore: failed to unlink shadow file for %q", relPath)
	}
	return nil
}

// RmdirIfEmpty removes the shadow directory for relPath if it exists and is
// empty. Best effort: any failure (non-empty, missing) is swallowed.
func (s *Store) RmdirIfEmpty(relPath string) {
	_ = os.Remove(s.ShadowPath(relPath))
}

// Hardlink creates a hard link at relPath pointing at the bytes already
// stored under siblingRelPath, sharing storage across paths that name the
// same node.
func (s *Store) Hardlink(siblingRelPath, relPath string) error {
	shadowPath := s.ShadowPath(relPath)
	if err := os.MkdirAll(filepath.Dir(shadowPath), 0o755); err != nil {
		return errors.Wrapf(err, "blockstore: failed to create parent dir for %q", shadowPath)
	}
	if err := os.Link(s.ShadowPath(siblingRelPath), shadowPath); err != nil {
		return errors.Wrapf(err, "blockstore: failed to hard-link %q from %q", relPath, siblingRelPath)
	}
	return nil
}

// Rename moves the shadow file from oldRelPath to newRelPath with a single
// rename, creating the destination directory first.
func (s *Store) Rename(oldRelPath, newRelPath string) error {
	newShadowPath := s.ShadowPath(newRelPath)
	if err := os.MkdirAll(filepath.Dir(newShadowPath), 0o755); err != nil {
		return errors.Wrapf(err, "blockstore: failed to create parent dir for %q", newShadowPath)
	}
	if err := os.Rename(s.ShadowPath(oldRelPath), newShadowPath); err != nil {
		return errors.Wrapf(err, "blockstore: failed to rename shadow file %q -> %q", oldRelPath, newRelPath)
	}
	return nil
}

// WithinBase reports whether an absolute path lies within the shadow tree
// root, the safety check eviction performs before removing a shadow file.
func (s *Store) WithinBase(absPath string) bool {
	rel, err := filepath.Rel(s.base, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
