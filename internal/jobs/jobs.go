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

// Package jobs is the Jobs Repository: typed CRUD and state-transition
// operations over the jobs and job_items tables. Every write to job status
// fields goes through here; handlers and the worker pool never touch those
// columns directly.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"photovault/internal/store"
	"photovault/pkg/photomodel"
)

var (
	// ErrBatchTooLarge is returned by EnqueueWithItems when items exceeds
	// photomodel.MaxJobItems and autoChunk is false.
	ErrBatchTooLarge = errors.New("jobs: batch exceeds max item count")
	// ErrUnknownType is returned by Enqueue/EnqueueWithItems for a job type
	// outside the closed enum. Validation happens synchronously at enqueue;
	// it never reaches a worker.
	ErrUnknownType = errors.New("jobs: unknown job type")
	// ErrNotRunning signals that an operation found the job not running. No
	// Repo method currently returns it; Heartbeat on a job that is not
	// running is a silent no-op.
	ErrNotRunning = errors.New("jobs: job is not running")
)

// Repo is the Jobs Repository, backed by a single tenant Store.
type Repo struct {
	store *store.Store
}

// NewRepo returns a Repo over s.
func NewRepo(s *store.Store) *Repo {
	return &Repo{store: s}
}

// EnqueueInput describes a new job with no granular items.
type EnqueueInput struct {
	TenantID      string
	Type          photomodel.JobType
	Scope         photomodel.JobScope
	Priority      int
	ProjectID     *int64
	Payload       json.RawMessage
	ProgressTotal int
	MaxAttempts   *int
}

// Enqueue inserts a new queued job and returns it.
func (r *Repo) Enqueue(ctx context.Context, in EnqueueInput) (*photomodel.Job, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, in.Type)
	}
	if !in.Scope.Valid() {
		return nil, fmt.Errorf("jobs: invalid scope %q", in.Scope)
	}

	now := time.Now().UTC()
	const ins = `
INSERT INTO jobs (tenant_id, project_id, type, status, priority, scope, created_at, progress_done, progress_total, attempts, max_attempts, payload)
VALUES (?, ?, ?, 'queued', ?, ?, ?, 0, ?, 0, ?, ?)`

	res, err := r.store.DB().ExecContext(ctx, ins,
		in.TenantID, store.NullInt64Ptr(in.ProjectID), in.Type.String(), in.Priority, in.Scope,
		now, in.ProgressTotal, store.NullInt64PtrFromInt(in.MaxAttempts), nullableJSON(in.Payload))
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("enqueue job: last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

// ItemInput is one granular subtask supplied to EnqueueWithItems.
type ItemInput struct {
	PhotoID  *int64
	Filename *string
}

// EnqueueWithItems inserts a job together with its job_items, atomically.
// Batches larger than photomodel.MaxJobItems are rejected unless autoChunk
// is set, in which case the caller gets back sibling jobs each carrying
// {chunk_index, total_chunks} merged into their payload.
func (r *Repo) EnqueueWithItems(ctx context.Context, in EnqueueInput, items []ItemInput, autoChunk bool) ([]*photomodel.Job, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, in.Type)
	}
	if !in.Scope.Valid() {
		return nil, fmt.Errorf("jobs: invalid scope %q", in.Scope)
	}

	if len(items) <= photomodel.MaxJobItems {
		job, err := r.insertJobWithItems(ctx, in, items)
		if err != nil {
			return nil, err
		}
		return []*photomodel.Job{job}, nil
	}

	if !autoChunk {
		return nil, ErrBatchTooLarge
	}

	chunks := chunkItems(items, photomodel.MaxJobItems)
	jobsOut := make([]*photomodel.Job, 0, len(chunks))
	for idx, chunk := range chunks {
		chunkIn := in
		chunkIn.Payload = mergePayload(in.Payload, map[string]any{
			"chunk_index":  idx,
			"total_chunks": len(chunks),
		})
		job, err := r.insertJobWithItems(ctx, chunkIn, chunk)
		if err != nil {
			return nil, err
		}
		jobsOut = append(jobsOut, job)
	}
	return jobsOut, nil
}

func (r *Repo) insertJobWithItems(ctx context.Context, in EnqueueInput, items []ItemInput) (*photomodel.Job, error) {
	var jobID int64
	now := time.Now().UTC()

	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		const ins = `
INSERT INTO jobs (tenant_id, project_id, type, status, priority, scope, created_at, progress_done, progress_total, attempts, max_attempts, payload)
VALUES (?, ?, ?, 'queued', ?, ?, ?, 0, ?, 0, ?, ?)`
		res, err := tx.ExecContext(ctx, ins,
			in.TenantID, store.NullInt64Ptr(in.ProjectID), in.Type.String(), in.Priority, in.Scope,
			now, len(items), store.NullInt64PtrFromInt(in.MaxAttempts), nullableJSON(in.Payload))
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert job: last insert id: %w", err)
		}
		jobID = id

		const insItem = `
INSERT INTO job_items (job_id, photo_id, filename, status, created_at, updated_at)
VALUES (?, ?, ?, 'pending', ?, ?)`
		for _, it := range items {
			if _, err := tx.ExecContext(ctx, insItem, jobID, store.NullInt64Ptr(it.PhotoID), store.NullStringPtr(it.Filename), now, now); err != nil {
				return fmt.Errorf("insert job item: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, jobID)
}

func chunkItems(items []ItemInput, size int) [][]ItemInput {
	var chunks [][]ItemInput
	for size < len(items) {
		items, chunks = items[size:], append(chunks, items[0:size:size])
	}
	return append(chunks, items)
}

func mergePayload(base json.RawMessage, extra map[string]any) json.RawMessage {
	merged := map[string]any{}
	if len(base) > 0 {
		_ = json.Unmarshal(base, &merged)
	}
	for k, v := range extra {
		merged[k] = v
	}
	out, _ := json.Marshal(merged)
	return out
}

// ClaimFilter constrains which queued job claimNext is allowed to take.
type ClaimFilter struct {
	WorkerID    string
	TenantID    string
	MinPriority *int
	MaxPriority *int
}

// ClaimNext atomically selects the highest-priority, oldest queued job
// matching filter and transitions it to running. Returns nil, nil if no
// job matched or the race was lost to another worker.
func (r *Repo) ClaimNext(ctx context.Context, filter ClaimFilter) (*photomodel.Job, error) {
	var claimed *photomodel.Job

	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		q := `SELECT id FROM jobs WHERE status='queued'`
		args := []any{}
		if filter.TenantID != "" {
			q += ` AND tenant_id=?`
			args = append(args, filter.TenantID)
		}
		if filter.MinPriority != nil {
			q += ` AND priority >= ?`
			args = append(args, *filter.MinPriority)
		}
		if filter.MaxPriority != nil {
			q += ` AND priority <= ?`
			args = append(args, *filter.MaxPriority)
		}
		q += ` ORDER BY priority DESC, created_at ASC LIMIT 1`

		var id int64
		err := tx.QueryRowContext(ctx, q, args...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select candidate: %w", err)
		}

		now := time.Now().UTC()
		const upd = `
UPDATE jobs SET status='running', started_at=?, heartbeat_at=?, worker_id=?
WHERE id=? AND status='queued'`
		res, err := tx.ExecContext(ctx, upd, now, now, filter.WorkerID, id)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return nil
		}

		job, err := getJobTx(ctx, tx, id)
		if err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat updates heartbeat_at for a running job. A no-op, not an error,
// if the job is not currently running.
func (r *Repo) Heartbeat(ctx context.Context, id int64) error {
	const upd = `UPDATE jobs SET heartbeat_at=? WHERE id=? AND status='running'`
	_, err := r.store.DB().ExecContext(ctx, upd, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// UpdateProgress updates progress_done and/or progress_total. Either may be
// nil to leave the column unchanged.
func (r *Repo) UpdateProgress(ctx context.Context, id int64, done, total *int) error {
	if done == nil && total == nil {
		return nil
	}
	set := ""
	args := []any{}
	if done != nil {
		set += "progress_done=?"
		args = append(args, *done)
	}
	if total != nil {
		if set != "" {
			set += ", "
		}
		set += "progress_total=?"
		args = append(args, *total)
	}
	args = append(args, id)
	_, err := r.store.DB().ExecContext(ctx, "UPDATE jobs SET "+set+" WHERE id=?", args...)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// UpdatePayload replaces a job's payload atomically.
func (r *Repo) UpdatePayload(ctx context.Context, id int64, payload json.RawMessage) error {
	const upd = `UPDATE jobs SET payload=? WHERE id=?`
	_, err := r.store.DB().ExecContext(ctx, upd, nullableJSON(payload), id)
	if err != nil {
		return fmt.Errorf("update payload: %w", err)
	}
	return nil
}

// Complete transitions a non-terminal job to completed.
func (r *Repo) Complete(ctx context.Context, id int64) error {
	const upd = `UPDATE jobs SET status='completed', finished_at=? WHERE id=? AND status NOT IN ('completed','failed','canceled')`
	_, err := r.store.DB().ExecContext(ctx, upd, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Fail transitions a non-terminal job to failed, recording a truncated
// error message and last_error_at.
func (r *Repo) Fail(ctx context.Context, id int64, msg string) error {
	if len(msg) > photomodel.MaxErrorMessageLen {
		msg = msg[:photomodel.MaxErrorMessageLen]
	}
	now := time.Now().UTC()
	const upd = `
UPDATE jobs SET status='failed', finished_at=?, last_error_at=?, error_message=?
WHERE id=? AND status NOT IN ('completed','failed','canceled')`
	_, err := r.store.DB().ExecContext(ctx, upd, now, now, msg, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// Cancel transitions a non-terminal job to canceled.
func (r *Repo) Cancel(ctx context.Context, id int64) error {
	const upd = `UPDATE jobs SET status='canceled', finished_at=? WHERE id=? AND status NOT IN ('completed','failed','canceled')`
	_, err := r.store.DB().ExecContext(ctx, upd, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

// Requeue resets a running job back to queued, clearing run fields but
// preserving attempts — used by the worker pool after a transient handler
// outcome when attempts remain under max_attempts.
func (r *Repo) Requeue(ctx context.Context, id int64) error {
	const upd = `
UPDATE jobs SET status='queued', started_at=NULL, heartbeat_at=NULL, worker_id=NULL
WHERE id=? AND status='running'`
	_, err := r.store.DB().ExecContext(ctx, upd, id)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

// CancelByProject cancels every non-terminal job scoped to projectID.
//
// Decision (spec open question): sibling chunks of a batch that targeted
// other projects are NOT touched — cancellation is scoped strictly by
// project_id, matching the column this method filters on. See DESIGN.md.
func (r *Repo) CancelByProject(ctx context.Context, projectID int64) (int, error) {
	const upd = `UPDATE jobs SET status='canceled', finished_at=? WHERE project_id=? AND status NOT IN ('completed','failed','canceled')`
	res, err := r.store.DB().ExecContext(ctx, upd, time.Now().UTC(), projectID)
	if err != nil {
		return 0, fmt.Errorf("cancel by project: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RequeueStaleRunning resets every running job whose heartbeat is older
// than staleSeconds back to queued, clearing run fields but preserving
// attempts. Returns the affected job ids.
func (r *Repo) RequeueStaleRunning(ctx context.Context, staleSeconds int) ([]int64, error) {
	threshold := time.Now().UTC().Add(-time.Duration(staleSeconds) * time.Second)

	var ids []int64
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM jobs WHERE status='running' AND heartbeat_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("select stale: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(ids) == 0 {
			return nil
		}
		const upd = `
UPDATE jobs SET status='queued', started_at=NULL, heartbeat_at=NULL, worker_id=NULL
WHERE id=? AND status='running' AND heartbeat_at < ?`
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, upd, id, threshold); err != nil {
				return fmt.Errorf("requeue stale %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// IncrementAttempts bumps a job's attempts counter by one.
func (r *Repo) IncrementAttempts(ctx context.Context, id int64) error {
	_, err := r.store.DB().ExecContext(ctx, `UPDATE jobs SET attempts = attempts + 1 WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("increment attempts: %w", err)
	}
	return nil
}

// SetDefaultMaxAttempts sets max_attempts on jobs where it is currently
// unset. The worker pool does not call it; it applies its configured
// default in memory when a job's max_attempts is unset.
func (r *Repo) SetDefaultMaxAttempts(ctx context.Context, id int64, n int) error {
	_, err := r.store.DB().ExecContext(ctx, `UPDATE jobs SET max_attempts=? WHERE id=? AND max_attempts IS NULL`, n, id)
	if err != nil {
		return fmt.Errorf("set default max attempts: %w", err)
	}
	return nil
}

// GetByID fetches a single job.
func (r *Repo) GetByID(ctx context.Context, id int64) (*photomodel.Job, error) {
	const q = jobColumns + ` FROM jobs WHERE id=?`
	row := r.store.DB().QueryRowContext(ctx, q, id)
	return scanJob(row)
}

// ListFilter narrows ListByTenant results.
type ListFilter struct {
	ProjectID *int64
	Status    *photomodel.JobStatus
	Type      *photomodel.JobType
	Limit     int
	Offset    int
}

// ListByTenant lists jobs for tenantID matching filter, newest first.
func (r *Repo) ListByTenant(ctx context.Context, tenantID string, filter ListFilter) ([]*photomodel.Job, error) {
	q := jobColumns + ` FROM jobs WHERE tenant_id=?`
	args := []any{tenantID}
	if filter.ProjectID != nil {
		q += ` AND project_id=?`
		args = append(args, *filter.ProjectID)
	}
	if filter.Status != nil {
		q += ` AND status=?`
		args = append(args, filter.Status.String())
	}
	if filter.Type != nil {
		q += ` AND type=?`
		args = append(args, filter.Type.String())
	}
	q += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d OFFSET %d`, filter.Limit, filter.Offset)
	}

	rows, err := r.store.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*photomodel.Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// --------------- Job items ---------------

// ListItems returns every item for a job, insertion order.
func (r *Repo) ListItems(ctx context.Context, jobID int64) ([]*photomodel.JobItem, error) {
	const q = itemColumns + ` FROM job_items WHERE job_id=? ORDER BY id ASC`
	rows, err := r.store.DB().QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []*photomodel.JobItem
	for rows.Next() {
		item, err := scanItemRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// NextPendingItem returns the oldest pending item for jobID, or
// store.ErrNotFound if none remain.
func (r *Repo) NextPendingItem(ctx context.Context, jobID int64) (*photomodel.JobItem, error) {
	const q = itemColumns + ` FROM job_items WHERE job_id=? AND status='pending' ORDER BY id ASC LIMIT 1`
	row := r.store.DB().QueryRowContext(ctx, q, jobID)
	item, err := scanItemRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return item, err
}

// UpdateItemStatus sets an item's status and optional message, and keeps
// the parent job's progress_done in sync with the count of items in
// {done, failed}.
func (r *Repo) UpdateItemStatus(ctx context.Context, itemID int64, status photomodel.JobItemStatus, message *string) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		var jobID int64
		if err := tx.QueryRowContext(ctx, `SELECT job_id FROM job_items WHERE id=?`, itemID).Scan(&jobID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return fmt.Errorf("lookup item job: %w", err)
		}

		const upd = `UPDATE job_items SET status=?, message=?, updated_at=? WHERE id=?`
		if _, err := tx.ExecContext(ctx, upd, status.String(), store.NullStringPtr(message), time.Now().UTC(), itemID); err != nil {
			return fmt.Errorf("update item: %w", err)
		}

		var done int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_items WHERE job_id=? AND status IN ('done','failed')`, jobID).Scan(&done); err != nil {
			return fmt.Errorf("count done items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET progress_done=? WHERE id=?`, done, jobID); err != nil {
			return fmt.Errorf("sync progress: %w", err)
		}
		return nil
	})
}

// MarkRunningItemsInterrupted reclassifies a job's running items as failed
// with message "interrupted", used when a job is canceled or its worker is
// found to have crashed mid-item.
func (r *Repo) MarkRunningItemsInterrupted(ctx context.Context, jobID int64) error {
	const upd = `UPDATE job_items SET status='failed', message='interrupted', updated_at=? WHERE job_id=? AND status='running'`
	_, err := r.store.DB().ExecContext(ctx, upd, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("mark items interrupted: %w", err)
	}
	return nil
}

// --------------- scanning ---------------

const jobColumns = `SELECT id, tenant_id, project_id, type, status, priority, scope, created_at, started_at, finished_at, heartbeat_at, worker_id, progress_done, progress_total, attempts, max_attempts, last_error_at, error_message, payload`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*photomodel.Job, error) {
	return scanJobRows(row)
}

func scanJobRows(row rowScanner) (*photomodel.Job, error) {
	var (
		j           photomodel.Job
		projectID   sql.NullInt64
		typ, status string
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
		heartbeatAt sql.NullTime
		workerID    sql.NullString
		maxAttempts sql.NullInt64
		lastErrorAt sql.NullTime
		errMsg      sql.NullString
		payload     sql.NullString
	)
	err := row.Scan(&j.ID, &j.TenantID, &projectID, &typ, &status, &j.Priority, &j.Scope,
		&j.CreatedAt, &startedAt, &finishedAt, &heartbeatAt, &workerID,
		&j.ProgressDone, &j.ProgressTotal, &j.Attempts, &maxAttempts, &lastErrorAt, &errMsg, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.ProjectID = store.FromNullInt64Ptr(projectID)
	j.Type = photomodel.JobType(typ)
	j.Status = photomodel.JobStatus(status)
	j.CreatedAt = j.CreatedAt.UTC()
	j.StartedAt = store.FromNullTimePtr(startedAt)
	j.FinishedAt = store.FromNullTimePtr(finishedAt)
	j.HeartbeatAt = store.FromNullTimePtr(heartbeatAt)
	j.WorkerID = store.FromNullStringPtr(workerID)
	if maxAttempts.Valid {
		v := int(maxAttempts.Int64)
		j.MaxAttempts = &v
	}
	j.LastErrorAt = store.FromNullTimePtr(lastErrorAt)
	j.ErrorMessage = store.FromNullStringPtr(errMsg)
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	return &j, nil
}

func getJobTx(ctx context.Context, tx *sql.Tx, id int64) (*photomodel.Job, error) {
	row := tx.QueryRowContext(ctx, jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row)
}

const itemColumns = `SELECT id, job_id, photo_id, filename, status, message, created_at, updated_at`

func scanItemRow(row rowScanner) (*photomodel.JobItem, error) {
	return scanItemRows(row)
}

func scanItemRows(row rowScanner) (*photomodel.JobItem, error) {
	var (
		it       photomodel.JobItem
		photoID  sql.NullInt64
		filename sql.NullString
		status   string
		message  sql.NullString
	)
	err := row.Scan(&it.ID, &it.JobID, &photoID, &filename, &status, &message, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	it.PhotoID = store.FromNullInt64Ptr(photoID)
	it.Filename = store.FromNullStringPtr(filename)
	it.Status = photomodel.JobItemStatus(status)
	it.Message = store.FromNullStringPtr(message)
	it.CreatedAt = it.CreatedAt.UTC()
	it.UpdatedAt = it.UpdatedAt.UTC()
	return &it, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
