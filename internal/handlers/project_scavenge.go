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
	"errors"
	"fmt"

	"photovault/internal/store"
	"photovault/pkg/photomodel"
)

// ProjectScavenge removes a canceled project's on-disk folder and purges
// its row once the folder is gone; photo rows cascade via the store's
// foreign keys. A no-op for active projects or a project already purged.
func ProjectScavenge(ctx context.Context, job *photomodel.Job, caps Capabilities) Outcome {
	projectID := derefProjectID(job)
	project, err := caps.Catalog.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return Success()
	}
	if err != nil {
		return Transient(fmt.Errorf("project_scavenge: load project: %w", err))
	}
	if project.Status != photomodel.ProjectStatusCanceled {
		return Success()
	}

	dir := caps.Projects.ProjectDir(caps.TenantID, project.Folder)
	if exists, err := caps.Projects.PathExists(dir); err != nil {
		return Transient(fmt.Errorf("project_scavenge: stat folder: %w", err))
	} else if exists {
		if err := caps.Projects.RemoveTree(dir); err != nil {
			return Transient(fmt.Errorf("project_scavenge: remove folder: %w", err))
		}
	}

	if err := caps.Catalog.DeleteProject(ctx, projectID); err != nil {
		return Transient(fmt.Errorf("project_scavenge: delete row: %w", err))
	}
	return Success()
}
