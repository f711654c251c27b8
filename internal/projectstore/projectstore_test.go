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

package projectstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureProjectDirsCreatesLayout(t *testing.T) {
	s := New(t.TempDir())
	if err := s.EnsureProjectDirs("default", "trip"); err != nil {
		t.Fatalf("EnsureProjectDirs: %v", err)
	}

	for _, dir := range []string{
		filepath.Join(s.ProjectDir("default", "trip"), "originals"),
		filepath.Join(s.ProjectDir("default", "trip"), "derivatives", "thumbnail"),
		filepath.Join(s.ProjectDir("default", "trip"), "derivatives", "preview"),
	} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}
}

func TestDerivativePathAlwaysJPEG(t *testing.T) {
	s := New(t.TempDir())
	got := s.DerivativePath("default", "trip", "thumbnail", "IMG_0001")
	want := filepath.Join(s.Root, "default", "trip", "derivatives", "thumbnail", "IMG_0001.jpg")
	if got != want {
		t.Fatalf("DerivativePath = %s, want %s", got, want)
	}
}

func TestMoveFileRefusesOverwriteByDefault(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	from := filepath.Join(root, "a.jpg")
	to := filepath.Join(root, "b.jpg")
	if err := os.WriteFile(from, []byte("source"), 0o644); err != nil {
		t.Fatalf("write from: %v", err)
	}
	if err := os.WriteFile(to, []byte("existing"), 0o644); err != nil {
		t.Fatalf("write to: %v", err)
	}

	if err := s.MoveFile(from, to, false); err == nil {
		t.Fatal("expected MoveFile to refuse overwriting an existing destination")
	}

	got, err := os.ReadFile(to)
	if err != nil {
		t.Fatalf("read to: %v", err)
	}
	if string(got) != "existing" {
		t.Fatalf("destination was overwritten despite overwrite=false: %q", got)
	}
}

func TestMoveFileMovesAndRemovesSource(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	from := filepath.Join(root, "sub", "a.jpg")
	if err := os.MkdirAll(filepath.Dir(from), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(from, []byte("source"), 0o644); err != nil {
		t.Fatalf("write from: %v", err)
	}

	to := filepath.Join(root, "dest", "b.jpg")
	if err := s.MoveFile(from, to, false); err != nil {
		t.Fatalf("MoveFile: %v", err)
	}

	if exists, _ := s.PathExists(from); exists {
		t.Fatal("source file should no longer exist after MoveFile")
	}
	got, err := os.ReadFile(to)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(got) != "source" {
		t.Fatalf("dest content = %q, want %q", got, "source")
	}
}

func TestMoveFileOverwriteAllowed(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	from := filepath.Join(root, "a.jpg")
	to := filepath.Join(root, "b.jpg")
	if err := os.WriteFile(from, []byte("new"), 0o644); err != nil {
		t.Fatalf("write from: %v", err)
	}
	if err := os.WriteFile(to, []byte("old"), 0o644); err != nil {
		t.Fatalf("write to: %v", err)
	}

	if err := s.MoveFile(from, to, true); err != nil {
		t.Fatalf("MoveFile: %v", err)
	}
	got, err := os.ReadFile(to)
	if err != nil {
		t.Fatalf("read to: %v", err)
	}
	if string(got) != "new" {
		t.Fatalf("dest = %q, want %q", got, "new")
	}
}

func TestListFilesSkipsDirsAndMissingProject(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	names, err := s.ListFiles("default", "never-created")
	if err != nil {
		t.Fatalf("ListFiles on missing project: %v", err)
	}
	if names != nil {
		t.Fatalf("names = %v, want nil for a project with no originals dir", names)
	}

	if err := s.EnsureProjectDirs("default", "trip"); err != nil {
		t.Fatalf("EnsureProjectDirs: %v", err)
	}
	originals := filepath.Join(s.ProjectDir("default", "trip"), "originals")
	if err := os.WriteFile(filepath.Join(originals, "a.jpg"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(originals, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}

	names, err = s.ListFiles("default", "trip")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(names) != 1 || names[0] != "a.jpg" {
		t.Fatalf("names = %v, want [a.jpg]", names)
	}
}
