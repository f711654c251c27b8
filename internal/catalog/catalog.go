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

// Package catalog is the repository for projects and photos — the rows
// task handlers own, as opposed to jobs/job_items which belong exclusively
// to the Jobs Repository.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"photovault/internal/store"
	"photovault/pkg/photomodel"
)

// Repo is the catalog repository, backed by a single tenant Store.
type Repo struct {
	store *store.Store
}

// NewRepo returns a Repo over s.
func NewRepo(s *store.Store) *Repo {
	return &Repo{store: s}
}

// --------------- Projects ---------------

const projectColumns = `SELECT id, tenant_id, folder, name, status, manifest_version, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (*photomodel.Project, error) {
	var p photomodel.Project
	var status string
	err := row.Scan(&p.ID, &p.TenantID, &p.Folder, &p.Name, &status, &p.ManifestVersion, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.Status = photomodel.ProjectStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// CreateProject inserts a new active project with a unique folder slug.
func (r *Repo) CreateProject(ctx context.Context, tenantID, folder, name string) (*photomodel.Project, error) {
	now := time.Now().UTC()
	const ins = `INSERT INTO projects (tenant_id, folder, name, status, manifest_version, created_at, updated_at) VALUES (?, ?, ?, 'active', 1, ?, ?)`
	res, err := r.store.DB().ExecContext(ctx, ins, tenantID, folder, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create project: last insert id: %w", err)
	}
	return r.GetProject(ctx, id)
}

// GetProject fetches a project by id.
func (r *Repo) GetProject(ctx context.Context, id int64) (*photomodel.Project, error) {
	row := r.store.DB().QueryRowContext(ctx, projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row)
}

// GetProjectByFolder fetches a project by its tenant-scoped folder slug.
func (r *Repo) GetProjectByFolder(ctx context.Context, tenantID, folder string) (*photomodel.Project, error) {
	row := r.store.DB().QueryRowContext(ctx, projectColumns+` FROM projects WHERE tenant_id=? AND folder=?`, tenantID, folder)
	return scanProject(row)
}

// ListActiveProjects lists active projects for a tenant.
func (r *Repo) ListActiveProjects(ctx context.Context, tenantID string) ([]*photomodel.Project, error) {
	rows, err := r.store.DB().QueryContext(ctx, projectColumns+` FROM projects WHERE tenant_id=? AND status='active' ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list active projects: %w", err)
	}
	defer rows.Close()
	var out []*photomodel.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListCanceledProjects lists projects pending scavenge.
func (r *Repo) ListCanceledProjects(ctx context.Context, tenantID string) ([]*photomodel.Project, error) {
	rows, err := r.store.DB().QueryContext(ctx, projectColumns+` FROM projects WHERE tenant_id=? AND status='canceled' ORDER BY updated_at ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list canceled projects: %w", err)
	}
	defer rows.Close()
	var out []*photomodel.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CancelProject marks a project canceled. Callers are responsible for
// enqueueing the project_scavenge job.
func (r *Repo) CancelProject(ctx context.Context, id int64) error {
	_, err := r.store.DB().ExecContext(ctx, `UPDATE projects SET status='canceled', updated_at=? WHERE id=?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("cancel project: %w", err)
	}
	return nil
}

// DeleteProject removes a project row; photos cascade via foreign key.
// Called once the scavenger has removed the on-disk folder.
func (r *Repo) DeleteProject(ctx context.Context, id int64) error {
	_, err := r.store.DB().ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// --------------- Photos ---------------

const photoColumns = `SELECT id, project_id, filename, basename, extension, created_at, updated_at, date_time_original, jpg_available, raw_available, other_available, keep_jpg, keep_raw, thumbnail_status, preview_status, orientation, meta, visibility`

func scanPhoto(row interface{ Scan(...any) error }) (*photomodel.Photo, error) {
	var (
		p                photomodel.Photo
		dto              sql.NullTime
		jpgAvail         int
		rawAvail         int
		otherAvail       int
		keepJPG          int
		keepRaw          int
		thumbStatus      string
		previewStatus    string
		meta             sql.NullString
		visibility       string
	)
	err := row.Scan(&p.ID, &p.ProjectID, &p.Filename, &p.Basename, &p.Extension, &p.CreatedAt, &p.UpdatedAt, &dto,
		&jpgAvail, &rawAvail, &otherAvail, &keepJPG, &keepRaw, &thumbStatus, &previewStatus, &p.Orientation, &meta, &visibility)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan photo: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.DateTimeOriginal = store.FromNullTimePtr(dto)
	p.JPGAvailable = jpgAvail != 0
	p.RawAvailable = rawAvail != 0
	p.OtherAvailable = otherAvail != 0
	p.KeepJPG = keepJPG != 0
	p.KeepRaw = keepRaw != 0
	p.ThumbnailStatus = photomodel.DerivativeStatus(thumbStatus)
	p.PreviewStatus = photomodel.DerivativeStatus(previewStatus)
	if meta.Valid {
		p.Meta = []byte(meta.String)
	}
	p.Visibility = photomodel.Visibility(visibility)
	return &p, nil
}

// GetPhoto fetches a photo by id.
func (r *Repo) GetPhoto(ctx context.Context, id int64) (*photomodel.Photo, error) {
	row := r.store.DB().QueryRowContext(ctx, photoColumns+` FROM photos WHERE id=?`, id)
	return scanPhoto(row)
}

// GetPhotoByFilename fetches a photo by (project_id, filename).
func (r *Repo) GetPhotoByFilename(ctx context.Context, projectID int64, filename string) (*photomodel.Photo, error) {
	row := r.store.DB().QueryRowContext(ctx, photoColumns+` FROM photos WHERE project_id=? AND filename=?`, projectID, filename)
	return scanPhoto(row)
}

// ListByProject lists every photo row in a project.
func (r *Repo) ListByProject(ctx context.Context, projectID int64) ([]*photomodel.Photo, error) {
	rows, err := r.store.DB().QueryContext(ctx, photoColumns+` FROM photos WHERE project_id=? ORDER BY filename ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list photos: %w", err)
	}
	defer rows.Close()
	var out []*photomodel.Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPendingDeletions lists photos in projectID with at least one
// available-but-not-kept variant, per §3's "pending deletion" definition.
func (r *Repo) ListPendingDeletions(ctx context.Context, projectID int64) ([]*photomodel.Photo, error) {
	const q = photoColumns + ` FROM photos WHERE project_id=? AND ((jpg_available=1 AND keep_jpg=0) OR (raw_available=1 AND keep_raw=0))`
	rows, err := r.store.DB().QueryContext(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("list pending deletions: %w", err)
	}
	defer rows.Close()
	var out []*photomodel.Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPhoto inserts a new photo row, or returns the existing one if
// (project_id, filename) already exists — used by manifest_check when
// reconciling on-disk-only files.
func (r *Repo) UpsertPhoto(ctx context.Context, p *photomodel.Photo) (*photomodel.Photo, error) {
	existing, err := r.GetPhotoByFilename(ctx, p.ProjectID, p.Filename)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	const ins = `
INSERT INTO photos (project_id, filename, basename, extension, created_at, updated_at, date_time_original,
  jpg_available, raw_available, other_available, keep_jpg, keep_raw, thumbnail_status, preview_status, orientation, meta, visibility)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.store.DB().ExecContext(ctx, ins,
		p.ProjectID, p.Filename, p.Basename, p.Extension, now, now, store.NullTimePtr(p.DateTimeOriginal),
		boolToInt(p.JPGAvailable), boolToInt(p.RawAvailable), boolToInt(p.OtherAvailable),
		boolToInt(p.KeepJPG), boolToInt(p.KeepRaw), string(p.ThumbnailStatus), string(p.PreviewStatus),
		p.Orientation, nullableMeta(p.Meta), string(p.Visibility))
	if err != nil {
		return nil, fmt.Errorf("insert photo: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert photo: last insert id: %w", err)
	}
	return r.GetPhoto(ctx, id)
}

// UpdateAvailability sets the three availability flags and keep flags
// together, enforcing the invariant that keep_* is forced to true whenever
// its variant is unavailable (§3 Photo invariants).
func (r *Repo) UpdateAvailability(ctx context.Context, id int64, jpgAvail, rawAvail, otherAvail, keepJPG, keepRaw bool) error {
	if !jpgAvail {
		keepJPG = true
	}
	if !rawAvail {
		keepRaw = true
	}
	const upd = `UPDATE photos SET jpg_available=?, raw_available=?, other_available=?, keep_jpg=?, keep_raw=?, updated_at=? WHERE id=?`
	_, err := r.store.DB().ExecContext(ctx, upd, boolToInt(jpgAvail), boolToInt(rawAvail), boolToInt(otherAvail), boolToInt(keepJPG), boolToInt(keepRaw), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update availability: %w", err)
	}
	return nil
}

// UpdateDerivativeStatus sets thumbnail_status and/or preview_status.
func (r *Repo) UpdateDerivativeStatus(ctx context.Context, id int64, thumbnail, preview *photomodel.DerivativeStatus) error {
	if thumbnail == nil && preview == nil {
		return nil
	}
	set := ""
	args := []any{}
	if thumbnail != nil {
		set += "thumbnail_status=?"
		args = append(args, string(*thumbnail))
	}
	if preview != nil {
		if set != "" {
			set += ", "
		}
		set += "preview_status=?"
		args = append(args, string(*preview))
	}
	set += ", updated_at=?"
	args = append(args, time.Now().UTC(), id)
	_, err := r.store.DB().ExecContext(ctx, "UPDATE photos SET "+set+" WHERE id=?", args...)
	if err != nil {
		return fmt.Errorf("update derivative status: %w", err)
	}
	return nil
}

// RevertKeepFlags resets keep_jpg/keep_raw to mirror availability for every
// photo in projectID, per the revert_changes handler contract.
func (r *Repo) RevertKeepFlags(ctx context.Context, projectID int64) error {
	const upd = `UPDATE photos SET keep_jpg=jpg_available, keep_raw=raw_available, updated_at=? WHERE project_id=?`
	_, err := r.store.DB().ExecContext(ctx, upd, time.Now().UTC(), projectID)
	if err != nil {
		return fmt.Errorf("revert keep flags: %w", err)
	}
	return nil
}

// MoveToProject updates a photo's owning project, used by image_move. The
// caller is responsible for having already moved the underlying files.
func (r *Repo) MoveToProject(ctx context.Context, photoID, destProjectID int64) error {
	const upd = `UPDATE photos SET project_id=?, updated_at=? WHERE id=?`
	_, err := r.store.DB().ExecContext(ctx, upd, destProjectID, time.Now().UTC(), photoID)
	if err != nil {
		return fmt.Errorf("move photo: %w", err)
	}
	return nil
}

// SetVisibility updates a photo's visibility flag.
func (r *Repo) SetVisibility(ctx context.Context, id int64, v photomodel.Visibility) error {
	_, err := r.store.DB().ExecContext(ctx, `UPDATE photos SET visibility=?, updated_at=? WHERE id=?`, string(v), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set visibility: %w", err)
	}
	return nil
}

// DeletePhoto removes a photo row — called when both availabilities become
// false, per §3's "must not exist" invariant.
func (r *Repo) DeletePhoto(ctx context.Context, id int64) error {
	_, err := r.store.DB().ExecContext(ctx, `DELETE FROM photos WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete photo: %w", err)
	}
	return nil
}

// --------------- Public link hashes ---------------

// GetHash returns the active hash row for a photo, or store.ErrNotFound.
func (r *Repo) GetHash(ctx context.Context, photoID int64) (*photomodel.PublicLinkHash, error) {
	const q = `SELECT photo_id, hash, rotated_at, expires_at FROM photo_public_hashes WHERE photo_id=?`
	var h photomodel.PublicLinkHash
	err := r.store.DB().QueryRowContext(ctx, q, photoID).Scan(&h.PhotoID, &h.Hash, &h.RotatedAt, &h.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hash: %w", err)
	}
	h.RotatedAt = h.RotatedAt.UTC()
	h.ExpiresAt = h.ExpiresAt.UTC()
	return &h, nil
}

// UpsertHash creates or replaces the active hash for a photo.
func (r *Repo) UpsertHash(ctx context.Context, photoID int64, hash string, rotatedAt, expiresAt time.Time) error {
	const upsert = `
INSERT INTO photo_public_hashes (photo_id, hash, rotated_at, expires_at) VALUES (?, ?, ?, ?)
ON CONFLICT(photo_id) DO UPDATE SET hash=excluded.hash, rotated_at=excluded.rotated_at, expires_at=excluded.expires_at`
	_, err := r.store.DB().ExecContext(ctx, upsert, photoID, hash, rotatedAt.UTC(), expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert hash: %w", err)
	}
	return nil
}

// DeleteHash invalidates a photo's active hash, used when visibility
// returns to private.
func (r *Repo) DeleteHash(ctx context.Context, photoID int64) error {
	_, err := r.store.DB().ExecContext(ctx, `DELETE FROM photo_public_hashes WHERE photo_id=?`, photoID)
	if err != nil {
		return fmt.Errorf("delete hash: %w", err)
	}
	return nil
}

// ListHashesExpiringBefore returns every hash with expires_at <= cutoff,
// for the hash_rotation maintenance handler.
func (r *Repo) ListHashesExpiringBefore(ctx context.Context, cutoff time.Time) ([]*photomodel.PublicLinkHash, error) {
	const q = `SELECT photo_id, hash, rotated_at, expires_at FROM photo_public_hashes WHERE expires_at <= ?`
	rows, err := r.store.DB().QueryContext(ctx, q, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expiring hashes: %w", err)
	}
	defer rows.Close()
	var out []*photomodel.PublicLinkHash
	for rows.Next() {
		var h photomodel.PublicLinkHash
		if err := rows.Scan(&h.PhotoID, &h.Hash, &h.RotatedAt, &h.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		h.RotatedAt = h.RotatedAt.UTC()
		h.ExpiresAt = h.ExpiresAt.UTC()
		out = append(out, &h)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableMeta(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
