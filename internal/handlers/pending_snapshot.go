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

	"photovault/internal/eventbus"
	"photovault/pkg/photomodel"
)

// scopeProjectIDs resolves the set of project ids a job's scope covers.
func scopeProjectIDs(ctx context.Context, job *photomodel.Job, caps Capabilities) ([]int64, error) {
	if job.Scope == photomodel.JobScopeTenant {
		projects, err := caps.Catalog.ListActiveProjects(ctx, caps.TenantID)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, len(projects))
		for i, p := range projects {
			ids[i] = p.ID
		}
		return ids, nil
	}
	return []int64{derefProjectID(job)}, nil
}

// computePendingSnapshot recomputes pending-deletion totals across every
// active project for the tenant, for the pending-changes SSE broadcast.
func computePendingSnapshot(ctx context.Context, caps Capabilities) (eventbus.PendingChangesSnapshot, error) {
	projects, err := caps.Catalog.ListActiveProjects(ctx, caps.TenantID)
	if err != nil {
		return eventbus.PendingChangesSnapshot{}, err
	}

	snap := eventbus.PendingChangesSnapshot{LegacyFlags: map[string]bool{}}
	for _, p := range projects {
		photos, err := caps.Catalog.ListPendingDeletions(ctx, p.ID)
		if err != nil {
			return eventbus.PendingChangesSnapshot{}, err
		}
		if len(photos) == 0 {
			continue
		}
		var jpg, raw int
		for _, ph := range photos {
			if ph.JPGAvailable && !ph.KeepJPG {
				jpg++
			}
			if ph.RawAvailable && !ph.KeepRaw {
				raw++
			}
		}
		snap.Projects = append(snap.Projects, eventbus.ProjectPending{
			ProjectFolder: p.Folder,
			PendingTotal:  jpg + raw,
			PendingJPG:    jpg,
			PendingRaw:    raw,
		})
		snap.TotalJPG += jpg
		snap.TotalRaw += raw
		snap.TotalPending += jpg + raw
		snap.LegacyFlags[p.Folder] = true
	}
	return snap, nil
}
