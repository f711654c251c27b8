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

// Package api is the HTTP + SSE surface described in spec.md §6: job
// submission and listing scoped to a project folder, a job-by-id lookup
// with its item summary, and two server-sent-event streams (job lifecycle,
// pending-changes snapshots).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"photovault/internal/api/middleware"
	"photovault/internal/catalog"
	"photovault/internal/eventbus"
	"photovault/internal/jobs"
	"photovault/internal/metrics"
	"photovault/internal/store"
	"photovault/pkg/photomodel"
)

// Waker lets the API nudge idle workers after enqueueing new work. Optional:
// a nil Waker just means workers notice on their next poll tick.
type Waker interface {
	Wake()
}

// API wires the Jobs Repository, the project Catalog, and the event bus to
// HTTP handlers.
type API struct {
	TenantID string
	Jobs     *jobs.Repo
	Catalog  *catalog.Repo
	Bus      *eventbus.Bus
	Worker   Waker
	Logger   *slog.Logger
}

// New returns a ready API.
func New(tenantID string, jobsRepo *jobs.Repo, catalogRepo *catalog.Repo, bus *eventbus.Bus, worker Waker, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{TenantID: tenantID, Jobs: jobsRepo, Catalog: catalogRepo, Bus: bus, Worker: worker, Logger: logger}
}

// Register attaches every route to mux, wrapped in the shared middleware.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("/healthz", wrap(http.HandlerFunc(a.handleHealthz)))
	mux.Handle("/metrics", wrap(metrics.Handler()))
	mux.Handle("/jobs/stream", wrap(http.HandlerFunc(a.handleJobStream)))
	mux.Handle("/pending-changes", wrap(http.HandlerFunc(a.handlePendingChanges)))
	mux.Handle("/jobs/", wrap(http.HandlerFunc(a.handleJobByID)))
	mux.Handle("/projects/", wrap(http.HandlerFunc(a.handleProjectJobs)))
}

func wrap(h http.Handler) http.Handler {
	return middleware.Logging(middleware.SecurityHeaders(h))
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --------------- POST/GET /projects/{folder}/jobs ---------------

func (a *API) handleProjectJobs(w http.ResponseWriter, r *http.Request) {
	folder, rest, ok := splitFirstSegment(strings.TrimPrefix(r.URL.Path, "/projects/"))
	if !ok || rest != "jobs" {
		http.NotFound(w, r)
		return
	}

	project, err := a.Catalog.GetProjectByFolder(r.Context(), a.TenantID, folder)
	if err != nil {
		writeStoreError(w, err, "project %q not found", folder)
		return
	}

	switch r.Method {
	case http.MethodPost:
		a.createJob(w, r, project)
	case http.MethodGet:
		a.listJobs(w, r, project)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createJobRequest struct {
	Type     photomodel.JobType  `json:"type"`
	Payload  json.RawMessage     `json:"payload,omitempty"`
	Priority int                 `json:"priority,omitempty"`
	Scope    photomodel.JobScope `json:"scope,omitempty"`
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request, project *photomodel.Project) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_json", Message: err.Error()})
		return
	}
	if !req.Type.Valid() {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_type", Message: fmt.Sprintf("unknown job type %q", req.Type)})
		return
	}
	scope := req.Scope
	if scope == "" {
		scope = photomodel.JobScopeProject
	}
	priority := req.Priority
	if priority == 0 {
		priority = photomodel.PriorityNormal
	}

	projectID := project.ID
	job, err := a.Jobs.Enqueue(r.Context(), jobs.EnqueueInput{
		TenantID:  a.TenantID,
		Type:      req.Type,
		Scope:     scope,
		Priority:  priority,
		ProjectID: &projectID,
		Payload:   req.Payload,
	})
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownType) {
			writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_type", Message: err.Error()})
			return
		}
		a.Logger.Error("api: enqueue job", "error", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "failed to enqueue job"})
		return
	}

	if a.Worker != nil {
		a.Worker.Wake()
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request, project *photomodel.Project) {
	q := r.URL.Query()
	filter := jobs.ListFilter{ProjectID: &project.ID}
	if s := q.Get("status"); s != "" {
		status := photomodel.JobStatus(s)
		filter.Status = &status
	}
	if t := q.Get("type"); t != "" {
		typ := photomodel.JobType(t)
		filter.Type = &typ
	}
	filter.Limit = atoiDefault(q.Get("limit"), 50)
	filter.Offset = atoiDefault(q.Get("offset"), 0)

	list, err := a.Jobs.ListByTenant(r.Context(), a.TenantID, filter)
	if err != nil {
		a.Logger.Error("api: list jobs", "error", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "failed to list jobs"})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// --------------- GET /jobs/{id}, GET /jobs/{id}/items ---------------

func (a *API) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idStr, rest, _ := splitFirstSegment(strings.TrimPrefix(r.URL.Path, "/jobs/"))
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	job, err := a.Jobs.GetByID(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "job %d not found", id)
		return
	}

	if rest == "items" {
		items, err := a.Jobs.ListItems(r.Context(), id)
		if err != nil {
			a.Logger.Error("api: list job items", "job_id", id, "error", err)
			writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "failed to list job items"})
			return
		}
		writeJSON(w, http.StatusOK, items)
		return
	}
	if rest != "" {
		http.NotFound(w, r)
		return
	}

	items, err := a.Jobs.ListItems(r.Context(), id)
	if err != nil {
		a.Logger.Error("api: list job items for summary", "job_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "failed to summarize job items"})
		return
	}
	writeJSON(w, http.StatusOK, jobWithSummary(job, items))
}

type itemsSummary struct {
	Total   int `json:"total"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
	Running int `json:"running"`
}

type jobResponse struct {
	*photomodel.Job
	ItemsSummary *itemsSummary `json:"items_summary,omitempty"`
}

func jobWithSummary(job *photomodel.Job, items []*photomodel.JobItem) jobResponse {
	if len(items) == 0 {
		return jobResponse{Job: job}
	}
	summary := &itemsSummary{Total: len(items)}
	for _, it := range items {
		switch it.Status {
		case photomodel.JobItemStatusDone:
			summary.Done++
		case photomodel.JobItemStatusFailed:
			summary.Failed++
		case photomodel.JobItemStatusRunning:
			summary.Running++
		default:
			summary.Pending++
		}
	}
	return jobResponse{Job: job, ItemsSummary: summary}
}

// --------------- SSE ---------------

const sseKeepalive = 30 * time.Second

func (a *API) handleJobStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	setSSEHeaders(w)

	sub := a.Bus.SubscribeJobs()
	defer sub.Unsubscribe()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			writeSSEData(w, ev)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (a *API) handlePendingChanges(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	setSSEHeaders(w)

	sub := a.Bus.SubscribePendingChanges()
	defer sub.Unsubscribe()

	ctx := r.Context()
	snap, err := a.currentPendingSnapshot(ctx)
	if err != nil {
		a.Logger.Error("compute initial pending-changes snapshot", "error", err)
	} else {
		writeSSEData(w, snap)
		flusher.Flush()
	}

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.C:
			if !ok {
				return
			}
			writeSSEData(w, snap)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// currentPendingSnapshot recomputes pending-deletion totals across every
// active project for the tenant, so a freshly-connected subscriber gets a
// baseline view before the first commit/revert delta arrives, per §6.
func (a *API) currentPendingSnapshot(ctx context.Context) (eventbus.PendingChangesSnapshot, error) {
	projects, err := a.Catalog.ListActiveProjects(ctx, a.TenantID)
	if err != nil {
		return eventbus.PendingChangesSnapshot{}, err
	}

	snap := eventbus.PendingChangesSnapshot{LegacyFlags: map[string]bool{}}
	for _, p := range projects {
		photos, err := a.Catalog.ListPendingDeletions(ctx, p.ID)
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

func setSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func writeSSEData(w http.ResponseWriter, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", raw)
}

// --------------- helpers ---------------

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStoreError(w http.ResponseWriter, err error, notFoundFmt string, args ...any) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, jsonError{Error: "not_found", Message: fmt.Sprintf(notFoundFmt, args...)})
		return
	}
	writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
}

// splitFirstSegment splits "a/b/c" into ("a", "b/c", true). An empty input
// reports ok=false.
func splitFirstSegment(path string) (first, rest string, ok bool) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", "", false
	}
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return path, "", true
	}
	return path[:idx], path[idx+1:], true
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
