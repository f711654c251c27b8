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
	"fmt"

	"photovault/pkg/photomodel"
)

var derivativeKindsForMove = [2]string{"thumbnail", "preview"}

type imageMovePayload struct {
	SourceProjectID         int64 `json:"source_project_id"`
	Overwrite               bool  `json:"overwrite"`
	NeedGenerateDerivatives bool  `json:"need_generate_derivatives"`
}

// ImageMove moves filenames listed as job items from their current owning
// project into job.ProjectID (the destination), carrying derivatives along
// when present. The orchestrator reads need_generate_derivatives back off
// the finished job's payload to decide whether a generate_derivatives
// successor is warranted, per §4.6/§4.7.
func ImageMove(ctx context.Context, job *photomodel.Job, caps Capabilities) Outcome {
	var payload imageMovePayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return Fatal(fmt.Errorf("image_move: decode payload: %w", err))
		}
	}

	destProjectID := derefProjectID(job)
	destFolder, err := caps.ProjectFolder(ctx, destProjectID)
	if err != nil {
		return Transient(fmt.Errorf("image_move: resolve destination folder: %w", err))
	}
	sourceFolder, err := caps.ProjectFolder(ctx, payload.SourceProjectID)
	if err != nil {
		return Transient(fmt.Errorf("image_move: resolve source folder: %w", err))
	}

	items, err := caps.Jobs.ListItems(ctx, job.ID)
	if err != nil {
		return Transient(fmt.Errorf("image_move: list items: %w", err))
	}

	needDerivatives := payload.NeedGenerateDerivatives
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

		photo, err := caps.Catalog.GetPhotoByFilename(ctx, payload.SourceProjectID, filename)
		if err != nil {
			msg := err.Error()
			_ = caps.Jobs.UpdateItemStatus(ctx, item.ID, photomodel.JobItemStatusFailed, &msg)
			failed++
			continue
		}

		movedAnyDerivative := false
		if photo.JPGAvailable {
			src := caps.Projects.OriginalPath(caps.TenantID, sourceFolder, filename)
			dst := caps.Projects.OriginalPath(caps.TenantID, destFolder, filename)
			if err := caps.Projects.MoveFile(src, dst, payload.Overwrite); err != nil {
				return Transient(fmt.Errorf("image_move: move original %s: %w", filename, err))
			}
		}
		if photo.RawAvailable {
			rawName := photo.Basename + photo.Extension
			src := caps.Projects.OriginalPath(caps.TenantID, sourceFolder, rawName)
			dst := caps.Projects.OriginalPath(caps.TenantID, destFolder, rawName)
			if err := caps.Projects.MoveFile(src, dst, payload.Overwrite); err != nil {
				return Transient(fmt.Errorf("image_move: move raw %s: %w", rawName, err))
			}
		}
		for _, kind := range derivativeKindsForMove {
			src := caps.Projects.DerivativePath(caps.TenantID, sourceFolder, kind, photo.Basename)
			if exists, err := caps.Projects.PathExists(src); err != nil {
				return Transient(fmt.Errorf("image_move: stat derivative %s: %w", src, err))
			} else if !exists {
				needDerivatives = true
				continue
			}
			dst := caps.Projects.DerivativePath(caps.TenantID, destFolder, kind, photo.Basename)
			if err := caps.Projects.MoveFile(src, dst, true); err != nil {
				return Transient(fmt.Errorf("image_move: move derivative %s: %w", src, err))
			}
			movedAnyDerivative = true
		}
		if !movedAnyDerivative {
			pending := photomodel.DerivativeStatusPending
			_ = caps.Catalog.UpdateDerivativeStatus(ctx, photo.ID, &pending, &pending)
		}

		if err := caps.Catalog.MoveToProject(ctx, photo.ID, destProjectID); err != nil {
			return Transient(fmt.Errorf("image_move: update owner: %w", err))
		}

		_ = caps.Jobs.UpdateItemStatus(ctx, item.ID, photomodel.JobItemStatusDone, nil)
		publishItemEvent(caps, "item_removed", job.ID, job.Type, sourceFolder, filename)
		publishItemEvent(caps, "item_moved", job.ID, job.Type, destFolder, filename)
	}

	if needDerivatives != payload.NeedGenerateDerivatives {
		payload.NeedGenerateDerivatives = needDerivatives
		raw, _ := json.Marshal(payload)
		_ = caps.Jobs.UpdatePayload(ctx, job.ID, raw)
	}

	if len(items) > 0 && failed == len(items) {
		return Fatal(fmt.Errorf("image_move: all %d items failed", failed))
	}
	return Success()
}
