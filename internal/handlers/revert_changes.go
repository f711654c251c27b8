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

// RevertChanges restores keep_jpg/keep_raw to mirror availability for every
// photo in scope. No filesystem writes happen here — only commit_changes
// touches disk.
func RevertChanges(ctx context.Context, job *photomodel.Job, caps Capabilities) Outcome {
	projectIDs, err := scopeProjectIDs(ctx, job, caps)
	if err != nil {
		return Transient(fmt.Errorf("revert_changes: resolve scope: %w", err))
	}

	for _, projectID := range projectIDs {
		if canceled, err := isCanceled(ctx, caps, job.ID); err != nil {
			return Transient(err)
		} else if canceled {
			return Canceled()
		}
		if err := caps.Catalog.RevertKeepFlags(ctx, projectID); err != nil {
			return Transient(fmt.Errorf("revert_changes: project %d: %w", projectID, err))
		}
	}

	if snap, err := computePendingSnapshot(ctx, caps); err == nil {
		caps.Publisher.PublishPendingChanges(snap)
	}
	return Success()
}
