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

// Package handlers holds the per-job-type task handlers and the registry
// that maps the closed JobType enum to them. Every handler is a function
// over (job, capabilities); none of them import the orchestrator, so
// successor enqueue stays a worker-pool-level concern invoked after a
// terminal transition, not a handler concern.
package handlers

import (
	"context"
	"errors"
	"time"

	"photovault/internal/catalog"
	"photovault/internal/eventbus"
	"photovault/internal/jobs"
	"photovault/internal/store"
	"photovault/pkg/photomodel"
)

// DerivativeSpec requests one output derivative from the Image Processor.
type DerivativeSpec struct {
	Kind       string // "thumbnail" | "preview"
	MaxDim     int
	Quality    int
	OutputPath string
}

// DerivativeResult is the outcome of one requested derivative.
type DerivativeResult struct {
	Kind   string
	Width  int
	Height int
	Size   int64
	Format string
	Err    error
}

// ErrUnsupportedFormat is the typed "not_supported" error per §6: codec
// can't decode the source at all, not retryable at item level.
var ErrUnsupportedFormat = errors.New("imageproc: unsupported source format")

// ErrSourceMissing indicates the source file disappeared between item
// enqueue and processing.
var ErrSourceMissing = errors.New("imageproc: source file missing")

// ImageProcessor is the Image Processor capability consumed by handlers:
// auto-rotate EXIF, fit-inside-box resize, JPEG output. Derivatives are
// encoded as baseline JPEG; no progressive encoding is performed.
type ImageProcessor interface {
	Process(ctx context.Context, sourcePath string, specs []DerivativeSpec) ([]DerivativeResult, error)
}

// ProjectStore is the filesystem capability consumed by handlers, per §6.
// Paths are rooted at a configured projects-root.
type ProjectStore interface {
	EnsureProjectDirs(tenantID, folder string) error
	MoveFile(from, to string, overwrite bool) error
	PathExists(path string) (bool, error)
	RemoveTree(path string) error
	OriginalPath(tenantID, folder, filename string) string
	DerivativePath(tenantID, folder, kind, basename string) string
	ListFiles(tenantID, folder string) ([]string, error)
	ProjectDir(tenantID, folder string) string
}

// Capabilities bundles everything a handler needs, per §4.6.
type Capabilities struct {
	TenantID  string
	Jobs      *jobs.Repo
	Store     *store.Store
	Catalog   *catalog.Repo
	Images    ImageProcessor
	Projects  ProjectStore
	Publisher *eventbus.Bus
	// ProjectFolder resolves a project id to its folder slug, used for
	// event payloads and project-store path construction. Handlers never
	// query the projects table directly themselves.
	ProjectFolder func(ctx context.Context, projectID int64) (string, error)
}

// OutcomeKind classifies how a handler finished, driving the worker pool's
// retry/terminal decision per §4.5 step 4.
type OutcomeKind int

const (
	// OutcomeSuccess marks the job complete.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeTransient increments attempts and requeues while under
	// max_attempts, else fails.
	OutcomeTransient
	// OutcomeFatal fails the job immediately regardless of attempts.
	OutcomeFatal
	// OutcomeCanceled means the handler observed job.Status == canceled
	// mid-run and stopped cleanly; the worker pool leaves status as-is.
	OutcomeCanceled
)

// Outcome is a handler's result.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

func Success() Outcome { return Outcome{Kind: OutcomeSuccess} }
func Transient(err error) Outcome { return Outcome{Kind: OutcomeTransient, Err: err} }
func Fatal(err error) Outcome { return Outcome{Kind: OutcomeFatal, Err: err} }
func Canceled() Outcome { return Outcome{Kind: OutcomeCanceled} }

// HandlerFunc is the shape every task handler implements.
type HandlerFunc func(ctx context.Context, job *photomodel.Job, caps Capabilities) Outcome

// Registry maps JobType to its handler. Unknown types are rejected at
// enqueue time (jobs.Repo.Enqueue), so Lookup failing here indicates a
// registry/enum drift bug, not user input.
type Registry struct {
	handlers map[photomodel.JobType]HandlerFunc
}

// NewRegistry returns a Registry with every closed-enum job type wired to
// its handler.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[photomodel.JobType]HandlerFunc)}
	r.Register(photomodel.JobTypeGenerateDerivatives, GenerateDerivatives)
	r.Register(photomodel.JobTypeImageMove, ImageMove)
	r.Register(photomodel.JobTypeUploadPostprocess, UploadPostprocess)
	r.Register(photomodel.JobTypeCommitChanges, CommitChanges)
	r.Register(photomodel.JobTypeRevertChanges, RevertChanges)
	r.Register(photomodel.JobTypeManifestCheck, ManifestCheck)
	r.Register(photomodel.JobTypeProjectScavenge, ProjectScavenge)
	r.Register(photomodel.JobTypeHashRotation, HashRotation)
	return r
}

// Register associates a handler with a job type, overwriting any prior
// registration. Exposed for tests that want to substitute a fake handler.
func (r *Registry) Register(t photomodel.JobType, fn HandlerFunc) {
	r.handlers[t] = fn
}

// Lookup returns the handler for t, or ok=false if none is registered.
func (r *Registry) Lookup(t photomodel.JobType) (HandlerFunc, bool) {
	fn, ok := r.handlers[t]
	return fn, ok
}

// isCanceled re-reads the job's status to check for cooperative
// cancellation at an item boundary, per §4.5 cancellation semantics.
func isCanceled(ctx context.Context, caps Capabilities, jobID int64) (bool, error) {
	j, err := caps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return false, err
	}
	return j.Status == photomodel.JobStatusCanceled, nil
}

func publishItemEvent(caps Capabilities, kind string, jobID int64, jobType photomodel.JobType, projectFolder, filename string) {
	caps.Publisher.PublishJob(eventbus.JobEvent{
		Kind:          kind,
		JobID:         jobID,
		Type:          jobType.String(),
		ProjectFolder: projectFolder,
		Filename:      filename,
		UpdatedAt:     time.Now().UTC(),
	})
}
