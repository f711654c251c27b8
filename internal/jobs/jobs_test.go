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

package jobs

import (
	"context"
	"path/filepath"
	"testing"

	"photovault/internal/store"
	"photovault/pkg/photomodel"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "photovault.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewRepo(s)
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.Enqueue(context.Background(), EnqueueInput{
		TenantID: "default",
		Type:     photomodel.JobType("not_a_real_type"),
		Scope:    photomodel.JobScopeTenant,
	})
	if err == nil {
		t.Fatal("expected an error for an unknown job type")
	}
}

func TestClaimNextHonorsPriorityThenAge(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	low, err := r.Enqueue(ctx, EnqueueInput{TenantID: "default", Type: photomodel.JobTypeManifestCheck, Scope: photomodel.JobScopeTenant, Priority: 10})
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	high, err := r.Enqueue(ctx, EnqueueInput{TenantID: "default", Type: photomodel.JobTypeHashRotation, Scope: photomodel.JobScopeTenant, Priority: 90})
	if err != nil {
		t.Fatalf("enqueue high: %v", err)
	}
	lowLater, err := r.Enqueue(ctx, EnqueueInput{TenantID: "default", Type: photomodel.JobTypeManifestCheck, Scope: photomodel.JobScopeTenant, Priority: 10})
	if err != nil {
		t.Fatalf("enqueue lowLater: %v", err)
	}

	claimed, err := r.ClaimNext(ctx, ClaimFilter{WorkerID: "w1", TenantID: "default"})
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil || claimed.ID != high.ID {
		t.Fatalf("claimed %+v, want the high priority job %d", claimed, high.ID)
	}
	if claimed.Status != photomodel.JobStatusRunning {
		t.Fatalf("claimed status = %s, want running", claimed.Status)
	}

	claimed2, err := r.ClaimNext(ctx, ClaimFilter{WorkerID: "w1", TenantID: "default"})
	if err != nil {
		t.Fatalf("ClaimNext second: %v", err)
	}
	if claimed2 == nil || claimed2.ID != low.ID {
		t.Fatalf("claimed2 %+v, want the older low priority job %d", claimed2, low.ID)
	}

	claimed3, err := r.ClaimNext(ctx, ClaimFilter{WorkerID: "w1", TenantID: "default"})
	if err != nil {
		t.Fatalf("ClaimNext third: %v", err)
	}
	if claimed3 == nil || claimed3.ID != lowLater.ID {
		t.Fatalf("claimed3 %+v, want the newer low priority job %d", claimed3, lowLater.ID)
	}
}

func TestClaimNextReturnsNilWhenNothingQueued(t *testing.T) {
	r := newTestRepo(t)
	claimed, err := r.ClaimNext(context.Background(), ClaimFilter{WorkerID: "w1", TenantID: "default"})
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed != nil {
		t.Fatalf("claimed = %+v, want nil", claimed)
	}
}

func TestClaimFilterByPriorityBand(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if _, err := r.Enqueue(ctx, EnqueueInput{TenantID: "default", Type: photomodel.JobTypeManifestCheck, Scope: photomodel.JobScopeTenant, Priority: 30}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	threshold := 70
	claimed, err := r.ClaimNext(ctx, ClaimFilter{WorkerID: "w1", TenantID: "default", MinPriority: &threshold})
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed != nil {
		t.Fatalf("claimed a priority-30 job under a MinPriority=70 filter: %+v", claimed)
	}
}

func TestCompleteFailCancelAreTerminalGuarded(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	job, err := r.Enqueue(ctx, EnqueueInput{TenantID: "default", Type: photomodel.JobTypeManifestCheck, Scope: photomodel.JobScopeTenant})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := r.Complete(ctx, job.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := r.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != photomodel.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	// A terminal job can't be re-failed; the guarded UPDATE affects no rows.
	if err := r.Fail(ctx, job.ID, "late failure"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, err = r.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != photomodel.JobStatusCompleted {
		t.Fatalf("status = %s, want completed (terminal transition should be a no-op)", got.Status)
	}

	// Nor can it be canceled.
	if err := r.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err = r.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != photomodel.JobStatusCompleted {
		t.Fatalf("status = %s, want completed (cancel of a terminal job should be a no-op)", got.Status)
	}
}

func TestRequeueStaleRunning(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	job, err := r.Enqueue(ctx, EnqueueInput{TenantID: "default", Type: photomodel.JobTypeManifestCheck, Scope: photomodel.JobScopeTenant})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := r.ClaimNext(ctx, ClaimFilter{WorkerID: "w1", TenantID: "default"})
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v, %+v", err, claimed)
	}

	// heartbeat_at was just set to now; a 0-second staleness window treats
	// it as already stale.
	ids, err := r.RequeueStaleRunning(ctx, 0)
	if err != nil {
		t.Fatalf("RequeueStaleRunning: %v", err)
	}
	if len(ids) != 1 || ids[0] != job.ID {
		t.Fatalf("ids = %v, want [%d]", ids, job.ID)
	}

	got, err := r.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != photomodel.JobStatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
}

func TestEnqueueWithItemsAutoChunks(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	items := make([]ItemInput, photomodel.MaxJobItems+5)
	for i := range items {
		name := "photo.jpg"
		items[i] = ItemInput{Filename: &name}
	}

	out, err := r.EnqueueWithItems(ctx, EnqueueInput{TenantID: "default", Type: photomodel.JobTypeGenerateDerivatives, Scope: photomodel.JobScopeTenant}, items, true)
	if err != nil {
		t.Fatalf("EnqueueWithItems: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d jobs, want 2 chunks", len(out))
	}
}

func TestEnqueueWithItemsRejectsOversizeBatchWithoutAutoChunk(t *testing.T) {
	r := newTestRepo(t)
	items := make([]ItemInput, photomodel.MaxJobItems+1)

	_, err := r.EnqueueWithItems(context.Background(), EnqueueInput{TenantID: "default", Type: photomodel.JobTypeGenerateDerivatives, Scope: photomodel.JobScopeTenant}, items, false)
	if err != ErrBatchTooLarge {
		t.Fatalf("err = %v, want ErrBatchTooLarge", err)
	}
}
