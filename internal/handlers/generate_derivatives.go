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

	"photovault/pkg/photomodel"
)

type generateDerivativesPayload struct {
	Force            bool `json:"force"`
	ThumbnailMaxDim  int  `json:"thumbnail_max_dim"`
	ThumbnailQuality int  `json:"thumbnail_quality"`
	PreviewMaxDim    int  `json:"preview_max_dim"`
	PreviewQuality   int  `json:"preview_quality"`
}

// GenerateDerivatives produces thumbnail/preview JPEGs for the photos
// listed as job items, per §4.6.
func GenerateDerivatives(ctx context.Context, job *photomodel.Job, caps Capabilities) Outcome {
	var payload generateDerivativesPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return Fatal(fmt.Errorf("generate_derivatives: decode payload: %w", err))
		}
	}
	items, err := caps.Jobs.ListItems(ctx, job.ID)
	if err != nil {
		return Transient(fmt.Errorf("generate_derivatives: list items: %w", err))
	}

	projectFolder, err := caps.ProjectFolder(ctx, derefProjectID(job))
	if err != nil {
		return Transient(fmt.Errorf("generate_derivatives: resolve project folder: %w", err))
	}

	var failed, processed int
	for _, item := range items {
		if item.Status == photomodel.JobItemStatusDone {
			continue
		}
		if canceled, err := isCanceled(ctx, caps, job.ID); err != nil {
			return Transient(err)
		} else if canceled {
			return Canceled()
		}
		if item.PhotoID == nil {
			continue
		}

		photo, err := caps.Catalog.GetPhoto(ctx, *item.PhotoID)
		if err != nil {
			msg := err.Error()
			_ = caps.Jobs.UpdateItemStatus(ctx, item.ID, photomodel.JobItemStatusFailed, &msg)
			failed++
			continue
		}

		if err := processOneDerivativeSet(ctx, caps, photo, payload); err != nil {
			if errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrSourceMissing) {
				msg := err.Error()
				_ = caps.Jobs.UpdateItemStatus(ctx, item.ID, photomodel.JobItemStatusFailed, &msg)
				failed++
				continue
			}
			// I/O error: propagate for job-level retry.
			return Transient(fmt.Errorf("generate_derivatives: process %s: %w", photo.Filename, err))
		}

		_ = caps.Jobs.UpdateItemStatus(ctx, item.ID, photomodel.JobItemStatusDone, nil)
		publishItemEvent(caps, "item", job.ID, job.Type, projectFolder, photo.Filename)
		processed++
	}

	if len(items) > 0 && failed == len(items) {
		return Fatal(fmt.Errorf("generate_derivatives: all %d items failed", failed))
	}
	return Success()
}

func processOneDerivativeSet(ctx context.Context, caps Capabilities, photo *photomodel.Photo, payload generateDerivativesPayload) error {
	projectFolder, err := caps.ProjectFolder(ctx, photo.ProjectID)
	if err != nil {
		return err
	}
	sourcePath := caps.Projects.OriginalPath(caps.TenantID, projectFolder, photo.Filename)
	if exists, err := caps.Projects.PathExists(sourcePath); err != nil {
		return err
	} else if !exists {
		return ErrSourceMissing
	}

	var specs []DerivativeSpec
	if payload.Force || photo.ThumbnailStatus == photomodel.DerivativeStatusPending {
		specs = append(specs, DerivativeSpec{
			Kind:       "thumbnail",
			MaxDim:     orDefault(payload.ThumbnailMaxDim, 320),
			Quality:    clampJPEGQuality(orDefault(payload.ThumbnailQuality, 82)),
			OutputPath: caps.Projects.DerivativePath(caps.TenantID, projectFolder, "thumbnail", photo.Basename),
		})
	}
	if payload.Force || photo.PreviewStatus == photomodel.DerivativeStatusPending {
		specs = append(specs, DerivativeSpec{
			Kind:       "preview",
			MaxDim:     orDefault(payload.PreviewMaxDim, 1600),
			Quality:    clampJPEGQuality(orDefault(payload.PreviewQuality, 88)),
			OutputPath: caps.Projects.DerivativePath(caps.TenantID, projectFolder, "preview", photo.Basename),
		})
	}
	if len(specs) == 0 {
		return nil
	}

	results, err := caps.Images.Process(ctx, sourcePath, specs)
	if err != nil {
		return err
	}

	var thumbStatus, previewStatus *photomodel.DerivativeStatus
	for _, res := range results {
		status := photomodel.DerivativeStatusGenerated
		if res.Err != nil {
			if errors.Is(res.Err, ErrUnsupportedFormat) {
				status = photomodel.DerivativeStatusNotSupported
			} else {
				status = photomodel.DerivativeStatusMissing
			}
		}
		switch res.Kind {
		case "thumbnail":
			thumbStatus = &status
		case "preview":
			previewStatus = &status
		}
	}
	return caps.Catalog.UpdateDerivativeStatus(ctx, photo.ID, thumbStatus, previewStatus)
}

func clampJPEGQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func derefProjectID(job *photomodel.Job) int64 {
	if job.ProjectID == nil {
		return 0
	}
	return *job.ProjectID
}
