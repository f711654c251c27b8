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

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"photovault/internal/store"
	"photovault/pkg/photomodel"
)

type uploadPostprocessPayload struct {
	HasConflicts      bool     `json:"has_conflicts"`
	ConflictFilenames []string `json:"conflict_filenames,omitempty"`
}

// UploadPostprocess registers newly-uploaded originals (already written to
// the project's folder by the ingest path) as photo rows. A filename that
// already has a row in this project is flagged as a conflict rather than
// silently overwritten: its item is marked failed and the name is recorded
// in the payload's has_conflicts/conflict_filenames. The orchestrator
// enqueues no successor for upload_postprocess, so conflicts are not
// resolved by a follow-up image_move.
func UploadPostprocess(ctx context.Context, job *photomodel.Job, caps Capabilities) Outcome {
	var payload uploadPostprocessPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return Fatal(fmt.Errorf("upload_postprocess: decode payload: %w", err))
		}
	}

	projectID := derefProjectID(job)
	folder, err := caps.ProjectFolder(ctx, projectID)
	if err != nil {
		return Transient(fmt.Errorf("upload_postprocess: resolve folder: %w", err))
	}

	items, err := caps.Jobs.ListItems(ctx, job.ID)
	if err != nil {
		return Transient(fmt.Errorf("upload_postprocess: list items: %w", err))
	}

	conflicts := map[string]bool{}
	for _, fn := range payload.ConflictFilenames {
		conflicts[fn] = true
	}

	var failed int
	for _, item := range items {
		if item.Status == photomodel.JobItemStatusDone {
			continue
		}
		if canceled, err := isCanceled(ctx, caps, job.ID); err != nil {
			return Transient(err)
		} else if canceled {
			return Canceled()
		}
		if item.Filename == nil {
			continue
		}
		filename := *item.Filename

		existing, err := caps.Catalog.GetPhotoByFilename(ctx, projectID, filename)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Transient(fmt.Errorf("upload_postprocess: lookup %s: %w", filename, err))
		}
		if err == nil && existing != nil {
			conflicts[filename] = true
			msg := "filename already present in destination project"
			_ = caps.Jobs.UpdateItemStatus(ctx, item.ID, photomodel.JobItemStatusFailed, &msg)
			failed++
			continue
		}

		path := caps.Projects.OriginalPath(caps.TenantID, folder, filename)
		if exists, err := caps.Projects.PathExists(path); err != nil {
			return Transient(fmt.Errorf("upload_postprocess: stat %s: %w", filename, err))
		} else if !exists {
			return Transient(fmt.Errorf("%w: %s", ErrSourceMissing, filename))
		}

		basename, ext := splitBasenameExt(filename)
		isRaw := isRawExtension(ext)
		photo := &photomodel.Photo{
			ProjectID:       projectID,
			Filename:        filename,
			Basename:        basename,
			Extension:       ext,
			JPGAvailable:    !isRaw,
			RawAvailable:    isRaw,
			KeepJPG:         true,
			KeepRaw:         true,
			ThumbnailStatus: photomodel.DerivativeStatusPending,
			PreviewStatus:   photomodel.DerivativeStatusPending,
			Visibility:      photomodel.VisibilityPrivate,
		}
		if _, err := caps.Catalog.UpsertPhoto(ctx, photo); err != nil {
			return Transient(fmt.Errorf("upload_postprocess: upsert %s: %w", filename, err))
		}

		_ = caps.Jobs.UpdateItemStatus(ctx, item.ID, photomodel.JobItemStatusDone, nil)
		publishItemEvent(caps, "item", job.ID, job.Type, folder, filename)
	}

	hasConflicts := len(conflicts) > 0
	if hasConflicts != payload.HasConflicts || len(conflicts) != len(payload.ConflictFilenames) {
		payload.HasConflicts = hasConflicts
		payload.ConflictFilenames = payload.ConflictFilenames[:0]
		for fn := range conflicts {
			payload.ConflictFilenames = append(payload.ConflictFilenames, fn)
		}
		raw, _ := json.Marshal(payload)
		_ = caps.Jobs.UpdatePayload(ctx, job.ID, raw)
	}

	if len(items) > 0 && failed == len(items) {
		return Fatal(fmt.Errorf("upload_postprocess: all %d items failed", failed))
	}
	return Success()
}

func splitBasenameExt(filename string) (basename, ext string) {
	idx := strings.LastIndexByte(filename, '.')
	if idx < 0 {
		return filename, ""
	}
	return filename[:idx], filename[idx:]
}

func isRawExtension(ext string) bool {
	switch strings.ToLower(ext) {
	case ".cr2", ".cr3", ".nef", ".arw", ".dng", ".raf", ".orf", ".rw2":
		return true
	default:
		return false
	}
}
