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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"photovault/internal/catalog"
	"photovault/internal/config"
	"photovault/internal/eventbus"
	"photovault/internal/handlers"
	"photovault/internal/imageproc"
	"photovault/internal/jobs"
	"photovault/internal/logging"
	"photovault/internal/orchestrator"
	"photovault/internal/projectstore"
	"photovault/internal/store"
	"photovault/internal/workerpool"
	"photovault/pkg/photomodel"
)

// app bundles every long-lived component wired up from cfg. serve and worker
// both build one; serve additionally registers the HTTP/SSE surface over it.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	jobs     *jobs.Repo
	catalog  *catalog.Repo
	bus      *eventbus.Bus
	orch     *orchestrator.Orchestrator
	pool     *workerpool.Pool
	caps     handlers.Capabilities
}

// newApp loads configuration, opens the store, and wires every capability
// and the worker pool together. It does not start anything running.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	st, err := store.Open(ctx, cfg.Store.DBRoot)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	catalogRepo := catalog.NewRepo(st)
	jobsRepo := jobs.NewRepo(st)
	bus := eventbus.New()
	images := imageproc.New()
	projects := projectstore.New(cfg.ProjectStore.ProjectsRoot)

	caps := handlers.Capabilities{
		TenantID:  cfg.Store.TenantID,
		Jobs:      jobsRepo,
		Store:     st,
		Catalog:   catalogRepo,
		Images:    images,
		Projects:  projects,
		Publisher: bus,
		ProjectFolder: func(ctx context.Context, projectID int64) (string, error) {
			p, err := catalogRepo.GetProject(ctx, projectID)
			if err != nil {
				return "", err
			}
			return p.Folder, nil
		},
	}

	registry := handlers.NewRegistry()
	orch := orchestrator.New(jobsRepo, catalogRepo, logger)
	pool := workerpool.New(cfg.WorkerPool, cfg.Store.TenantID, jobsRepo, registry, caps, orch, bus, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		jobs:    jobsRepo,
		catalog: catalogRepo,
		bus:     bus,
		orch:    orch,
		pool:    pool,
		caps:    caps,
	}, nil
}

// enqueueHashRotation issues the periodic maintenance job per §4.6's
// rotation contract. It is idempotent in effect: hash_rotation only ever
// touches hashes already past expiry, so an overlapping run is harmless,
// just redundant.
func (a *app) enqueueHashRotation(ctx context.Context) error {
	payload, err := json.Marshal(struct {
		TTLSeconds int `json:"ttl_seconds,omitempty"`
	}{TTLSeconds: int(a.cfg.HashRotation.TTL.Seconds())})
	if err != nil {
		return fmt.Errorf("marshal hash_rotation payload: %w", err)
	}
	_, err = a.jobs.Enqueue(ctx, jobs.EnqueueInput{
		TenantID: a.cfg.Store.TenantID,
		Type:     photomodel.JobTypeHashRotation,
		Scope:    photomodel.JobScopeTenant,
		Priority: photomodel.PriorityNormal,
		Payload:  payload,
	})
	return err
}
