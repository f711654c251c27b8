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
	"fmt"

	"photovault/internal/jobs"
	"photovault/pkg/photomodel"
)

// manifestCheckChunkSize bounds how many on-disk files a single
// manifest_check run reconciles before self-splitting into sibling jobs,
// per §4.6's "self-scheduling" note.
const manifestCheckChunkSize = 500

// ManifestCheck reconciles a project's on-disk files against its photo
// rows: on-disk-only files get new rows, row-only entries are marked
// missing. Filenames are matched case-sensitively, matching the store's
// UNIQUE(project_id, filename) constraint — a basename differing only by
// case is a distinct file, not a collision.
func ManifestCheck(ctx context.Context, job *photomodel.Job, caps Capabilities) Outcome {
	projectID := derefProjectID(job)
	folder, err := caps.ProjectFolder(ctx, projectID)
	if err != nil {
		return Transient(fmt.Errorf("manifest_check: resolve folder: %w", err))
	}

	items, err := caps.Jobs.ListItems(ctx, job.ID)
	if err != nil {
		return Transient(fmt.Errorf("manifest_check: list items: %w", err))
	}

	var filenames []string
	var splitAll []string
	isChunk := len(items) > 0
	if isChunk {
		for _, it := range items {
			if it.Filename != nil {
				filenames = append(filenames, *it.Filename)
			}
		}
	} else {
		all, err := caps.Projects.ListFiles(caps.TenantID, folder)
		if err != nil {
			return Transient(fmt.Errorf("manifest_check: list files: %w", err))
		}
		if len(all) > manifestCheckChunkSize {
			// Row-only entries are reconciled here against the full listing;
			// the chunk jobs only add on-disk-only rows.
			splitAll = all
		} else {
			filenames = all
		}
	}

	rows, err := caps.Catalog.ListByProject(ctx, projectID)
	if err != nil {
		return Transient(fmt.Errorf("manifest_check: list rows: %w", err))
	}
	byFilename := make(map[string]*photomodel.Photo, len(rows))
	for _, r := range rows {
		byFilename[r.Filename] = r
	}

	onDisk := make(map[string]bool, len(filenames)+len(splitAll))
	for _, fn := range splitAll {
		onDisk[fn] = true
	}
	for _, fn := range filenames {
		onDisk[fn] = true
		if canceled, err := isCanceled(ctx, caps, job.ID); err != nil {
			return Transient(err)
		} else if canceled {
			return Canceled()
		}
		if _, ok := byFilename[fn]; ok {
			continue
		}
		basename, ext := splitBasenameExt(fn)
		isRaw := isRawExtension(ext)
		photo := &photomodel.Photo{
			ProjectID:       projectID,
			Filename:        fn,
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
			return Transient(fmt.Errorf("manifest_check: insert %s: %w", fn, err))
		}
	}

	// Row-only reconciliation needs the full row set, which only the
	// unchunked top-level run has; sibling chunks only add on-disk-only rows.
	if !isChunk {
		for filename, row := range byFilename {
			if onDisk[filename] {
				continue
			}
			missing := photomodel.DerivativeStatusMissing
			if err := caps.Catalog.UpdateAvailability(ctx, row.ID, false, false, false, row.KeepJPG, row.KeepRaw); err != nil {
				return Transient(fmt.Errorf("manifest_check: mark missing %s: %w", filename, err))
			}
			_ = caps.Catalog.UpdateDerivativeStatus(ctx, row.ID, &missing, &missing)
		}
	}

	if splitAll != nil {
		return splitManifestCheck(ctx, job, caps, projectID, splitAll)
	}
	return Success()
}

func splitManifestCheck(ctx context.Context, job *photomodel.Job, caps Capabilities, projectID int64, all []string) Outcome {
	for start := 0; start < len(all); start += manifestCheckChunkSize {
		end := start + manifestCheckChunkSize
		if end > len(all) {
			end = len(all)
		}
		chunk := all[start:end]
		chunkItems := make([]jobs.ItemInput, len(chunk))
		for i := range chunk {
			fn := chunk[i]
			chunkItems[i] = jobs.ItemInput{Filename: &fn}
		}
		if _, err := caps.Jobs.EnqueueWithItems(ctx, jobs.EnqueueInput{
			TenantID:  caps.TenantID,
			Type:      photomodel.JobTypeManifestCheck,
			Scope:     photomodel.JobScopeProject,
			Priority:  job.Priority,
			ProjectID: &projectID,
		}, chunkItems, false); err != nil {
			return Transient(fmt.Errorf("manifest_check: enqueue chunk: %w", err))
		}
	}
	return Success()
}
