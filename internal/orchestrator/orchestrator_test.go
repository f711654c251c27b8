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

package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"photovault/internal/catalog"
	"photovault/internal/jobs"
	"photovault/internal/store"
	"photovault/pkg/photomodel"
)

func newTestDeps(t *testing.T) (*jobs.Repo, *catalog.Repo) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "photovault.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return jobs.NewRepo(s), catalog.NewRepo(s)
}

func TestOnTerminalIgnoresNonCompletedJobs(t *testing.T) {
	repo, catalogRepo := newTestDeps(t)
	o := New(repo, catalogRepo, nil)
	ctx := context.Background()

	job, err := repo.Enqueue(ctx, jobs.EnqueueInput{TenantID: "default", Type: photomodel.JobTypeImageMove, Scope: photomodel.JobScopeTenant})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := repo.Fail(ctx, job.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	failed, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}

	o.OnTerminal(ctx, failed)

	list, err := repo.ListByTenant(ctx, "default", jobs.ListFilter{})
	if err != nil {
		t.Fatalf("ListByTenant: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1 (no successor for a failed job)", len(list))
	}
}

func TestOnTerminalImageMoveEnqueuesManifestCheckAndDerivatives(t *testing.T) {
	repo, catalogRepo := newTestDeps(t)
	o := New(repo, catalogRepo, nil)
	ctx := context.Background()

	// Foreign keys are enforced, so both projects must exist as rows.
	source, err := catalogRepo.CreateProject(ctx, "default", "source", "Source")
	if err != nil {
		t.Fatalf("CreateProject(source): %v", err)
	}
	dest, err := catalogRepo.CreateProject(ctx, "default", "dest", "Dest")
	if err != nil {
		t.Fatalf("CreateProject(dest): %v", err)
	}
	destProjectID := dest.ID
	payload, err := json.Marshal(map[string]any{
		"source_project_id":        source.ID,
		"need_generate_derivatives": true,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	// ImageMove calls MoveToProject on every photo it moves, so by the time
	// the job completes the photo row already exists in the destination
	// project under its original filename. Mirror that here so the
	// orchestrator has something real to resolve.
	fn := "IMG_0001.jpg"
	moved, err := catalogRepo.UpsertPhoto(ctx, &photomodel.Photo{
		ProjectID: destProjectID,
		Filename:  fn,
		Basename:  "IMG_0001",
		Extension: ".jpg",
	})
	if err != nil {
		t.Fatalf("UpsertPhoto: %v", err)
	}

	created, err := repo.EnqueueWithItems(ctx, jobs.EnqueueInput{
		TenantID:  "default",
		Type:      photomodel.JobTypeImageMove,
		Scope:     photomodel.JobScopeProject,
		ProjectID: &destProjectID,
		Payload:   payload,
	}, []jobs.ItemInput{{Filename: &fn}}, false)
	if err != nil {
		t.Fatalf("EnqueueWithItems: %v", err)
	}
	job := created[0]

	items, err := repo.ListItems(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if err := repo.UpdateItemStatus(ctx, items[0].ID, photomodel.JobItemStatusDone, nil); err != nil {
		t.Fatalf("UpdateItemStatus: %v", err)
	}
	if err := repo.Complete(ctx, job.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	completed, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}

	o.OnTerminal(ctx, completed)

	all, err := repo.ListByTenant(ctx, "default", jobs.ListFilter{})
	if err != nil {
		t.Fatalf("ListByTenant: %v", err)
	}
	var sawManifestCheck bool
	var derivativesJob *photomodel.Job
	for _, j := range all {
		switch j.Type {
		case photomodel.JobTypeManifestCheck:
			sawManifestCheck = true
		case photomodel.JobTypeGenerateDerivatives:
			derivativesJob = j
		}
	}
	if !sawManifestCheck {
		t.Fatal("expected a manifest_check successor for the source project")
	}
	if derivativesJob == nil {
		t.Fatal("expected a generate_derivatives successor for the moved item")
	}

	// The bug this guards against: a successor enqueued with only a
	// filename and no PhotoID silently processes zero items, since
	// GenerateDerivatives skips anything with a nil PhotoID.
	derivativeItems, err := repo.ListItems(ctx, derivativesJob.ID)
	if err != nil {
		t.Fatalf("ListItems(derivatives): %v", err)
	}
	if len(derivativeItems) != 1 {
		t.Fatalf("len(derivativeItems) = %d, want 1", len(derivativeItems))
	}
	if derivativeItems[0].PhotoID == nil {
		t.Fatal("generate_derivatives successor item has a nil PhotoID and would be skipped by the handler")
	}
	if *derivativeItems[0].PhotoID != moved.ID {
		t.Fatalf("derivative item PhotoID = %d, want %d (the moved photo's id)", *derivativeItems[0].PhotoID, moved.ID)
	}

	reloaded, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID reloaded: %v", err)
	}
	if !orchestratedFlag(t, reloaded.Payload) {
		t.Fatal("expected the predecessor's payload to carry _orchestrated=true")
	}
}

func TestOnTerminalIsIdempotent(t *testing.T) {
	repo, catalogRepo := newTestDeps(t)
	o := New(repo, catalogRepo, nil)
	ctx := context.Background()

	// Foreign keys are enforced, so the manifest_check successor's project
	// must exist as a row.
	source, err := catalogRepo.CreateProject(ctx, "default", "source", "Source")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	sourceID := source.ID
	payload, err := json.Marshal(map[string]any{"source_project_id": sourceID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	job, err := repo.Enqueue(ctx, jobs.EnqueueInput{TenantID: "default", Type: photomodel.JobTypeImageMove, Scope: photomodel.JobScopeTenant, Payload: payload})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := repo.Complete(ctx, job.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	completed, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}

	o.OnTerminal(ctx, completed)

	// Simulate a second delivery of the same terminal transition. Reload the
	// job first, as the worker pool does before calling OnTerminal, so the
	// second call sees the persisted _orchestrated mark.
	reloaded, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	o.OnTerminal(ctx, reloaded)

	all, err := repo.ListByTenant(ctx, "default", jobs.ListFilter{})
	if err != nil {
		t.Fatalf("ListByTenant: %v", err)
	}
	manifestChecks := 0
	for _, j := range all {
		if j.Type == photomodel.JobTypeManifestCheck {
			manifestChecks++
		}
	}
	if manifestChecks != 1 {
		t.Fatalf("manifestChecks = %d, want exactly 1 (re-delivery must not double-enqueue)", manifestChecks)
	}
}

func orchestratedFlag(t *testing.T, payload []byte) bool {
	t.Helper()
	var mark struct {
		Orchestrated bool `json:"_orchestrated"`
	}
	if len(payload) == 0 {
		return false
	}
	if err := json.Unmarshal(payload, &mark); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return mark.Orchestrated
}
