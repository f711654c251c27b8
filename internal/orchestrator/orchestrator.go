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

// Package orchestrator stitches multi-step workflows together by enqueueing
// successor jobs on a predecessor's terminal transition, per §4.7. It is
// invoked by the worker pool after a job completes successfully;
// handlers never import this package, so the cyclic reference the design
// note warns about never arises.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"photovault/internal/catalog"
	"photovault/internal/jobs"
	"photovault/internal/store"
	"photovault/pkg/photomodel"
)

// Orchestrator enqueues successors for finished jobs.
type Orchestrator struct {
	jobs    *jobs.Repo
	catalog *catalog.Repo
	logger  *slog.Logger
}

// New returns an Orchestrator backed by repo and catalogRepo. catalogRepo
// resolves moved filenames back to photo ids in the destination project so
// the generate_derivatives successor can address its items by PhotoID, the
// only identifier GenerateDerivatives resolves work through.
func New(repo *jobs.Repo, catalogRepo *catalog.Repo, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{jobs: repo, catalog: catalogRepo, logger: logger}
}

// orchestratorMark is merged into a job's payload once its successors have
// been enqueued, so a second OnTerminal call for the same completed job
// (made with the job reloaded from the store) never double-enqueues. This is the "(predecessor_id, successor_type)"
// dedup key from §4.7, implemented as a single flag since each job type's
// successor set is fixed rather than open-ended.
type orchestratorMark struct {
	Orchestrated bool `json:"_orchestrated,omitempty"`
}

// OnTerminal inspects job's {type, status, payload} and enqueues whatever
// successors §4.7 calls for. Only called once the terminal status update is
// durably committed. Errors are logged, not returned: a failed successor
// enqueue must not un-terminalize the predecessor.
func (o *Orchestrator) OnTerminal(ctx context.Context, job *photomodel.Job) {
	if job.Status != photomodel.JobStatusCompleted {
		return
	}
	if o.alreadyOrchestrated(job) {
		return
	}

	switch job.Type {
	case photomodel.JobTypeImageMove:
		o.afterImageMove(ctx, job)
	case photomodel.JobTypeCommitChanges:
		// The pending-changes snapshot is already broadcast directly by the
		// handler (commit_changes.go calls caps.Publisher.PublishPendingChanges
		// itself, since it already holds the scope it just committed). No
		// further successor is needed here.
	default:
		return
	}

	o.markOrchestrated(ctx, job)
}

func (o *Orchestrator) afterImageMove(ctx context.Context, job *photomodel.Job) {
	var payload struct {
		SourceProjectID         int64 `json:"source_project_id"`
		NeedGenerateDerivatives bool  `json:"need_generate_derivatives"`
	}
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			o.logger.Error("orchestrator: decode image_move payload", "job_id", job.ID, "error", err)
			return
		}
	}

	if payload.SourceProjectID != 0 {
		sourceID := payload.SourceProjectID
		if _, err := o.jobs.Enqueue(ctx, jobs.EnqueueInput{
			TenantID:  job.TenantID,
			Type:      photomodel.JobTypeManifestCheck,
			Scope:     photomodel.JobScopeProject,
			Priority:  photomodel.PriorityNormal,
			ProjectID: &sourceID,
		}); err != nil {
			o.logger.Error("orchestrator: enqueue manifest_check successor", "job_id", job.ID, "error", err)
		}
	}

	if !payload.NeedGenerateDerivatives || job.ProjectID == nil {
		return
	}

	items, err := o.jobs.ListItems(ctx, job.ID)
	if err != nil {
		o.logger.Error("orchestrator: list image_move items", "job_id", job.ID, "error", err)
		return
	}

	// GenerateDerivatives resolves its work exclusively through item.PhotoID
	// (it skips items with a nil PhotoID); the moved photos now live in
	// job.ProjectID under image_move's original filename, so look each one
	// up there rather than passing the filename through unresolved.
	var movedItems []jobs.ItemInput
	for _, it := range items {
		if it.Status != photomodel.JobItemStatusDone || it.Filename == nil {
			continue
		}
		photo, err := o.catalog.GetPhotoByFilename(ctx, *job.ProjectID, *it.Filename)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				o.logger.Warn("orchestrator: moved photo not found in destination project", "job_id", job.ID, "filename", *it.Filename)
				continue
			}
			o.logger.Error("orchestrator: resolve moved photo", "job_id", job.ID, "filename", *it.Filename, "error", err)
			continue
		}
		photoID := photo.ID
		movedItems = append(movedItems, jobs.ItemInput{PhotoID: &photoID})
	}
	if len(movedItems) == 0 {
		return
	}

	if _, err := o.jobs.EnqueueWithItems(ctx, jobs.EnqueueInput{
		TenantID:  job.TenantID,
		Type:      photomodel.JobTypeGenerateDerivatives,
		Scope:     photomodel.JobScopeProject,
		Priority:  photomodel.PriorityHigh,
		ProjectID: job.ProjectID,
	}, movedItems, true); err != nil {
		o.logger.Error("orchestrator: enqueue generate_derivatives successor", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) alreadyOrchestrated(job *photomodel.Job) bool {
	if len(job.Payload) == 0 {
		return false
	}
	var mark orchestratorMark
	_ = json.Unmarshal(job.Payload, &mark)
	return mark.Orchestrated
}

func (o *Orchestrator) markOrchestrated(ctx context.Context, job *photomodel.Job) {
	merged := map[string]any{}
	if len(job.Payload) > 0 {
		_ = json.Unmarshal(job.Payload, &merged)
	}
	merged["_orchestrated"] = true
	raw, err := json.Marshal(merged)
	if err != nil {
		o.logger.Error("orchestrator: marshal orchestrated mark", "job_id", job.ID, "error", err)
		return
	}
	if err := o.jobs.UpdatePayload(ctx, job.ID, raw); err != nil {
		o.logger.Error("orchestrator: persist orchestrated mark", "job_id", job.ID, "error", fmt.Errorf("%w", err))
	}
}
