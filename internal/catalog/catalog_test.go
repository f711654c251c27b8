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

package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"photovault/internal/store"
	"photovault/pkg/photomodel"
)

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return tm
}

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "photovault.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewRepo(s)
}

func TestCreateAndFetchProject(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	p, err := r.CreateProject(ctx, "default", "trip-2026", "Trip 2026")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if p.Status != photomodel.ProjectStatusActive {
		t.Fatalf("status = %s, want active", p.Status)
	}

	byFolder, err := r.GetProjectByFolder(ctx, "default", "trip-2026")
	if err != nil {
		t.Fatalf("GetProjectByFolder: %v", err)
	}
	if byFolder.ID != p.ID {
		t.Fatalf("byFolder.ID = %d, want %d", byFolder.ID, p.ID)
	}
}

func TestGetProjectByFolderNotFound(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.GetProjectByFolder(context.Background(), "default", "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want store.ErrNotFound", err)
	}
}

func TestUpdateAvailabilityEnforcesKeepMirrorsUnavailable(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	p, err := r.CreateProject(ctx, "default", "trip", "Trip")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	photo, err := r.UpsertPhoto(ctx, &photomodel.Photo{
		ProjectID: p.ID, Filename: "a.jpg", Basename: "a", Extension: "jpg",
		JPGAvailable: true, RawAvailable: true,
	})
	if err != nil {
		t.Fatalf("UpsertPhoto: %v", err)
	}

	// raw becomes unavailable with keep_raw requested false; the
	// invariant forces keep_raw back to true regardless.
	if err := r.UpdateAvailability(ctx, photo.ID, true, false, false, false, false); err != nil {
		t.Fatalf("UpdateAvailability: %v", err)
	}

	got, err := r.GetPhoto(ctx, photo.ID)
	if err != nil {
		t.Fatalf("GetPhoto: %v", err)
	}
	if got.RawAvailable {
		t.Fatalf("RawAvailable should be false")
	}
	if !got.KeepRaw {
		t.Fatalf("KeepRaw should mirror unavailable raw and be forced true")
	}
}

func TestListPendingDeletions(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	p, err := r.CreateProject(ctx, "default", "trip", "Trip")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	kept, err := r.UpsertPhoto(ctx, &photomodel.Photo{ProjectID: p.ID, Filename: "keep.jpg", Basename: "keep", Extension: "jpg", JPGAvailable: true, KeepJPG: true})
	if err != nil {
		t.Fatalf("UpsertPhoto keep: %v", err)
	}
	pending, err := r.UpsertPhoto(ctx, &photomodel.Photo{ProjectID: p.ID, Filename: "drop.jpg", Basename: "drop", Extension: "jpg", JPGAvailable: true, KeepJPG: false})
	if err != nil {
		t.Fatalf("UpsertPhoto drop: %v", err)
	}

	out, err := r.ListPendingDeletions(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListPendingDeletions: %v", err)
	}
	if len(out) != 1 || out[0].ID != pending.ID {
		t.Fatalf("pending = %+v, want just photo %d (kept photo %d should be excluded)", out, pending.ID, kept.ID)
	}
}

func TestUpsertHashAndListExpiring(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	p, err := r.CreateProject(ctx, "default", "trip", "Trip")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	photo, err := r.UpsertPhoto(ctx, &photomodel.Photo{ProjectID: p.ID, Filename: "a.jpg", Basename: "a", Extension: "jpg", JPGAvailable: true, KeepJPG: true})
	if err != nil {
		t.Fatalf("UpsertPhoto: %v", err)
	}

	if err := r.UpsertHash(ctx, photo.ID, "hash-1", mustParseTime(t, "2020-01-01T00:00:00Z"), mustParseTime(t, "2020-02-01T00:00:00Z")); err != nil {
		t.Fatalf("UpsertHash: %v", err)
	}

	expiring, err := r.ListHashesExpiringBefore(ctx, mustParseTime(t, "2026-01-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("ListHashesExpiringBefore: %v", err)
	}
	if len(expiring) != 1 || expiring[0].Hash != "hash-1" {
		t.Fatalf("expiring = %+v, want one hash-1 entry", expiring)
	}

	// Rotating replaces the row rather than adding a second one.
	if err := r.UpsertHash(ctx, photo.ID, "hash-2", mustParseTime(t, "2026-01-01T00:00:00Z"), mustParseTime(t, "2026-03-01T00:00:00Z")); err != nil {
		t.Fatalf("UpsertHash rotate: %v", err)
	}
	h, err := r.GetHash(ctx, photo.ID)
	if err != nil {
		t.Fatalf("GetHash: %v", err)
	}
	if h.Hash != "hash-2" {
		t.Fatalf("Hash = %s, want hash-2", h.Hash)
	}
}
