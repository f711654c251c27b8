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

// Package photomodel contains the shared data models for the photovault
// server: projects, photos, jobs, job items, and public link hashes. These
// types mirror the tables described in the persistence layout and are used
// across the store, jobs, handlers, and API layers.
package photomodel

import (
	"encoding/json"
	"time"
)

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusCanceled ProjectStatus = "canceled"
)

// Valid reports whether s is one of the allowed project statuses.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectStatusActive, ProjectStatusCanceled:
		return true
	default:
		return false
	}
}

// Project is a named collection of photos with its own on-disk folder.
type Project struct {
	ID              int64         `json:"id" db:"id"`
	TenantID        string        `json:"tenant_id" db:"tenant_id"`
	Folder          string        `json:"folder" db:"folder"`
	Name            string        `json:"name" db:"name"`
	Status          ProjectStatus `json:"status" db:"status"`
	ManifestVersion int           `json:"manifest_version" db:"manifest_version"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// DerivativeStatus is the generation status of a photo derivative.
type DerivativeStatus string

const (
	DerivativeStatusPending      DerivativeStatus = "pending"
	DerivativeStatusGenerated    DerivativeStatus = "generated"
	DerivativeStatusMissing      DerivativeStatus = "missing"
	DerivativeStatusNotSupported DerivativeStatus = "not_supported"
)

// Visibility controls whether a photo is reachable via a public hash link.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Photo is a single ingested original (jpg and/or raw) with its derivative
// and keep/availability state.
type Photo struct {
	ID                int64            `json:"id" db:"id"`
	ProjectID         int64            `json:"project_id" db:"project_id"`
	Filename          string           `json:"filename" db:"filename"`
	Basename          string           `json:"basename" db:"basename"`
	Extension         string           `json:"extension" db:"extension"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
	DateTimeOriginal  *time.Time       `json:"date_time_original,omitempty" db:"date_time_original"`
	JPGAvailable      bool             `json:"jpg_available" db:"jpg_available"`
	RawAvailable      bool             `json:"raw_available" db:"raw_available"`
	OtherAvailable    bool             `json:"other_available" db:"other_available"`
	KeepJPG           bool             `json:"keep_jpg" db:"keep_jpg"`
	KeepRaw           bool             `json:"keep_raw" db:"keep_raw"`
	ThumbnailStatus   DerivativeStatus `json:"thumbnail_status" db:"thumbnail_status"`
	PreviewStatus     DerivativeStatus `json:"preview_status" db:"preview_status"`
	Orientation       int              `json:"orientation" db:"orientation"`
	Meta              json.RawMessage  `json:"meta,omitempty" db:"meta"`
	Visibility        Visibility       `json:"visibility" db:"visibility"`
}

// HasPendingDeletion reports whether the photo has an available variant
// whose keep flag is false — the definition of a pending deletion.
func (p *Photo) HasPendingDeletion() bool {
	return (p.JPGAvailable && !p.KeepJPG) || (p.RawAvailable && !p.KeepRaw)
}

// NoAvailability reports whether neither variant is available, meaning the
// row should not exist.
func (p *Photo) NoAvailability() bool {
	return !p.JPGAvailable && !p.RawAvailable
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Valid reports whether s is one of the allowed job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a terminal job status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

func (s JobStatus) String() string { return string(s) }

// JobType is the closed enum of job types the pipeline understands.
type JobType string

const (
	JobTypeGenerateDerivatives JobType = "generate_derivatives"
	JobTypeImageMove           JobType = "image_move"
	JobTypeUploadPostprocess   JobType = "upload_postprocess"
	JobTypeCommitChanges       JobType = "commit_changes"
	JobTypeRevertChanges       JobType = "revert_changes"
	JobTypeManifestCheck       JobType = "manifest_check"
	JobTypeProjectScavenge     JobType = "project_scavenge"
	JobTypeHashRotation        JobType = "hash_rotation"
)

// Valid reports whether t is one of the closed set of job types.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeGenerateDerivatives, JobTypeImageMove, JobTypeUploadPostprocess,
		JobTypeCommitChanges, JobTypeRevertChanges, JobTypeManifestCheck,
		JobTypeProjectScavenge, JobTypeHashRotation:
		return true
	default:
		return false
	}
}

func (t JobType) String() string { return string(t) }

// JobScope is the unit of work a job targets.
type JobScope string

const (
	JobScopeProject   JobScope = "project"
	JobScopePhotoSet  JobScope = "photo_set"
	JobScopeTenant    JobScope = "tenant"
)

// Valid reports whether s is one of the allowed job scopes.
func (s JobScope) Valid() bool {
	switch s {
	case JobScopeProject, JobScopePhotoSet, JobScopeTenant:
		return true
	default:
		return false
	}
}

// PriorityThreshold is the convention boundary between the high and normal
// priority lanes: priorities >= PriorityThreshold run in the high lane.
const PriorityThreshold = 70

// PriorityHigh is a conventional priority value for successor jobs the
// orchestrator wants expedited (e.g. derivative generation after a move).
const PriorityHigh = 80

// PriorityNormal is the conventional default priority for ordinary jobs.
const PriorityNormal = 50

// Job is a unit of asynchronous work persisted in the jobs table.
type Job struct {
	ID            int64           `json:"id" db:"id"`
	TenantID      string          `json:"tenant_id" db:"tenant_id"`
	ProjectID     *int64          `json:"project_id,omitempty" db:"project_id"`
	Type          JobType         `json:"type" db:"type"`
	Status        JobStatus       `json:"status" db:"status"`
	Priority      int             `json:"priority" db:"priority"`
	Scope         JobScope        `json:"scope" db:"scope"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	HeartbeatAt   *time.Time      `json:"heartbeat_at,omitempty" db:"heartbeat_at"`
	WorkerID      *string         `json:"worker_id,omitempty" db:"worker_id"`
	ProgressDone  int             `json:"progress_done" db:"progress_done"`
	ProgressTotal int             `json:"progress_total" db:"progress_total"`
	Attempts      int             `json:"attempts" db:"attempts"`
	MaxAttempts   *int            `json:"max_attempts,omitempty" db:"max_attempts"`
	LastErrorAt   *time.Time      `json:"last_error_at,omitempty" db:"last_error_at"`
	ErrorMessage  *string         `json:"error_message,omitempty" db:"error_message"`
	Payload       json.RawMessage `json:"payload,omitempty" db:"payload"`
}

// MaxErrorMessageLen is the truncation bound for a job's error_message.
const MaxErrorMessageLen = 1000

// JobItemStatus is the lifecycle state of a JobItem.
type JobItemStatus string

const (
	JobItemStatusPending JobItemStatus = "pending"
	JobItemStatusRunning JobItemStatus = "running"
	JobItemStatusDone    JobItemStatus = "done"
	JobItemStatusFailed  JobItemStatus = "failed"
)

func (s JobItemStatus) String() string { return string(s) }

// MaxJobItems is the hard cap on items per job (§3 JobItem).
const MaxJobItems = 2000

// JobItem is an optional granular subtask of a Job.
type JobItem struct {
	ID        int64         `json:"id" db:"id"`
	JobID     int64         `json:"job_id" db:"job_id"`
	PhotoID   *int64        `json:"photo_id,omitempty" db:"photo_id"`
	Filename  *string       `json:"filename,omitempty" db:"filename"`
	Status    JobItemStatus `json:"status" db:"status"`
	Message   *string       `json:"message,omitempty" db:"message"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}

// PublicLinkHash grants unauthenticated access to one photo's assets until
// it expires.
type PublicLinkHash struct {
	PhotoID   int64     `json:"photo_id" db:"photo_id"`
	Hash      string    `json:"hash" db:"hash"`
	RotatedAt time.Time `json:"rotated_at" db:"rotated_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the hash is no longer valid as of now.
func (h *PublicLinkHash) Expired(now time.Time) bool {
	return !h.ExpiresAt.After(now)
}

// HashValidationReason is the exact reason a hash check failed, per §8.7.
type HashValidationReason string

const (
	HashReasonOK       HashValidationReason = ""
	HashReasonMissing  HashValidationReason = "missing"
	HashReasonExpired  HashValidationReason = "expired"
	HashReasonMismatch HashValidationReason = "mismatch"
)

// DefaultHashTTL and DefaultRotationHorizon are the hash_rotation defaults
// from §4.6. hash_rotation reads only DefaultHashTTL; nothing reads
// DefaultRotationHorizon.
const (
	DefaultHashTTL         = 28 * 24 * time.Hour
	DefaultRotationHorizon = 21 * 24 * time.Hour
)
