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

	"github.com/spf13/cobra"

	"photovault/internal/config"
	"photovault/internal/logging"
	"photovault/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "open the store and apply any pending schema migrations, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	}
}

// runMigrate exists as an explicit operator step even though store.Open
// already migrates on every startup; it lets a deploy apply schema changes
// before the server or worker processes come up, and fails fast if the
// store is unreachable.
func runMigrate(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel)

	st, err := store.Open(ctx, cfg.Store.DBRoot)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	logger.Info("schema migrations applied", "db_root", cfg.Store.DBRoot)
	return nil
}
