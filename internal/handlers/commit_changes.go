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

	"photovault/pkg/photomodel"
)

// CommitChanges deletes the files backing every pending deletion in the
// job's scope, converging photo rows and derivative statuses, per §4.6.
// Re-running against an already-committed photo is a no-op: its pending
// flags are already false.
func CommitChanges(ctx context.Context, job *photomodel.Job, caps Capabilities) Outcome {
	projectIDs, err := scopeProjectIDs(ctx, job, caps)
	if err != nil {
		return Transient(fmt.Errorf("commit_changes: resolve scope: %w", err))
	}

	for _, projectID := range projectIDs {
		if canceled, err := isCanceled(ctx, caps, job.ID); err != nil {
			return Transient(err)
		} else if canceled {
			return Canceled()
		}

		folder, err := caps.ProjectFolder(ctx, projectID)
		if err != nil {
			return Transient(fmt.Errorf("commit_changes: resolve folder: %w", err))
		}

		photos, err := caps.Catalog.ListPendingDeletions(ctx, projectID)
		if err != nil {
			return Transient(fmt.Errorf("commit_changes: list pending: %w", err))
		}

		for _, photo := range photos {
			if canceled, err := isCanceled(ctx, caps, job.ID); err != nil {
				return Transient(err)
			} else if canceled {
				return Canceled()
			}
			if err := commitOnePhoto(ctx, caps, folder, photo); err != nil {
				return Transient(fmt.Errorf("commit_changes: photo %d: %w", photo.ID, err))
			}
		}
	}

	if snap, err := computePendingSnapshot(ctx, caps); err == nil {
		caps.Publisher.PublishPendingChanges(snap)
	}
	return Success()
}

func commitOnePhoto(ctx context.Context, caps Capabilities, folder string, photo *photomodel.Photo) error {
	jpgDeleted := false
	if photo.JPGAvailable && !photo.KeepJPG {
		path := caps.Projects.OriginalPath(caps.TenantID, folder, photo.Filename)
		if exists, err := caps.Projects.PathExists(path); err != nil {
			return err
		} else if exists {
			if err := caps.Projects.RemoveTree(path); err != nil {
				return err
			}
		}
		jpgDeleted = true
	}

	rawDeleted := false
	if photo.RawAvailable && !photo.KeepRaw {
		path := caps.Projects.OriginalPath(caps.TenantID, folder, photo.Basename+photo.Extension)
		if exists, err := caps.Projects.PathExists(path); err != nil {
			return err
		} else if exists {
			if err := caps.Projects.RemoveTree(path); err != nil {
				return err
			}
		}
		rawDeleted = true
	}

	newJPGAvail := photo.JPGAvailable && !jpgDeleted
	newRawAvail := photo.RawAvailable && !rawDeleted

	if !newJPGAvail && !newRawAvail {
		return caps.Catalog.DeletePhoto(ctx, photo.ID)
	}

	if err := caps.Catalog.UpdateAvailability(ctx, photo.ID, newJPGAvail, newRawAvail, photo.OtherAvailable, photo.KeepJPG, photo.KeepRaw); err != nil {
		return err
	}
	if jpgDeleted {
		missing := photomodel.DerivativeStatusMissing
		if err := caps.Catalog.UpdateDerivativeStatus(ctx, photo.ID, &missing, &missing); err != nil {
			return err
		}
	}
	return nil
}
