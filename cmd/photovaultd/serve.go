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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"photovault/internal/api"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP/SSE front end together with the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.store.Close() }()

	poolCtx, cancelPool := context.WithCancel(ctx)
	a.pool.Run(poolCtx)

	stopHashRotation := a.runHashRotationScheduler(poolCtx)
	defer stopHashRotation()

	mux := http.NewServeMux()
	httpAPI := api.New(a.cfg.Store.TenantID, a.jobs, a.catalog, a.bus, a.pool, a.logger)
	httpAPI.Register(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("starting photovault server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		a.logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			cancelPool()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server forced to shutdown", "error", err)
	}

	cancelPool()
	a.pool.Wait()
	a.logger.Info("photovault server exited")
	return nil
}

// runHashRotationScheduler enqueues a hash_rotation maintenance job on the
// configured interval until ctx is canceled, and once immediately at
// startup so a freshly-started server doesn't wait a full interval before
// its first sweep.
func (a *app) runHashRotationScheduler(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.enqueueHashRotation(ctx); err != nil {
			a.logger.Error("enqueue hash_rotation", "error", err)
		} else {
			a.pool.Wake()
		}

		ticker := time.NewTicker(a.cfg.HashRotation.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.enqueueHashRotation(ctx); err != nil {
					a.logger.Error("enqueue hash_rotation", "error", err)
					continue
				}
				a.pool.Wake()
			}
		}
	}()
	return func() { <-done }
}
