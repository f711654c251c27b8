// photovault is a single-tenant photo management server.
// Copyright (C) 2026 The photovault Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package projectstore is the filesystem implementation of the Project
// Store capability (handlers.ProjectStore): project folders rooted under a
// configured projects_root, each holding an originals/ subfolder and a
// derivatives/{thumbnail,preview}/ subfolder.
package projectstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Store is a filesystem-backed Project Store rooted at Root.
type Store struct {
	Root string
}

// New returns a Store rooted at root.
func New(root string) *Store {
	return &Store{Root: root}
}

// ProjectDir returns the directory holding everything for one project.
func (s *Store) ProjectDir(tenantID, folder string) string {
	return filepath.Join(s.Root, tenantID, folder)
}

func (s *Store) originalsDir(tenantID, folder string) string {
	return filepath.Join(s.ProjectDir(tenantID, folder), "originals")
}

func (s *Store) derivativesDir(tenantID, folder, kind string) string {
	return filepath.Join(s.ProjectDir(tenantID, folder), "derivatives", kind)
}

// OriginalPath returns the path of an original file within a project.
func (s *Store) OriginalPath(tenantID, folder, filename string) string {
	return filepath.Join(s.originalsDir(tenantID, folder), filename)
}

// DerivativePath returns the path of a generated derivative. basename
// excludes the source extension; derivatives are always written as JPEG.
func (s *Store) DerivativePath(tenantID, folder, kind, basename string) string {
	return filepath.Join(s.derivativesDir(tenantID, folder, kind), basename+".jpg")
}

// EnsureProjectDirs creates a project's originals and derivative
// subdirectories if they don't already exist.
func (s *Store) EnsureProjectDirs(tenantID, folder string) error {
	dirs := []string{
		s.originalsDir(tenantID, folder),
		s.derivativesDir(tenantID, folder, "thumbnail"),
		s.derivativesDir(tenantID, folder, "preview"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("projectstore: ensure dir %s: %w", dir, err)
		}
	}
	return nil
}

// PathExists reports whether a file exists at path.
func (s *Store) PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("projectstore: stat %s: %w", path, err)
}

// RemoveTree removes path and everything under it. A no-op if path doesn't
// exist.
func (s *Store) RemoveTree(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("projectstore: remove %s: %w", path, err)
	}
	return nil
}

// ListFiles lists the basenames of every originals file for a project,
// used by manifest_check to reconcile disk state against photo rows.
func (s *Store) ListFiles(tenantID, folder string) ([]string, error) {
	dir := s.originalsDir(tenantID, folder)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("projectstore: list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// MoveFile moves the file at from to to, replacing any existing file at to
// only when overwrite is set. Falls back to copy-then-remove when from and
// to straddle filesystems (os.Rename's EXDEV), mirroring the teacher's
// write-to-temp-then-rename atomic write, generalized to a move.
func (s *Store) MoveFile(from, to string, overwrite bool) error {
	if !overwrite {
		if exists, err := s.PathExists(to); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("projectstore: %s already exists and overwrite is false", to)
		}
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("projectstore: ensure dest dir for %s: %w", to, err)
	}

	if err := os.Rename(from, to); err == nil {
		return nil
	}
	// os.Rename fails across filesystems (EXDEV); fall back to a copy.
	if err := copyThenRemove(from, to); err != nil {
		return fmt.Errorf("projectstore: move %s to %s: %w", from, to, err)
	}
	return nil
}

// copyThenRemove writes to atomically (temp file + fsync + rename, the
// teacher's writeAtomic idiom) then removes the source.
func copyThenRemove(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dir := filepath.Dir(to)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, src); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, to); err != nil {
		return err
	}
	return os.Remove(from)
}
