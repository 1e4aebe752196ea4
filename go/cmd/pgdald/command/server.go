// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package command

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/multigres/pgdal/go/pgdal"
	"github.com/multigres/pgdal/go/tools/viperutil"
)

// AddServerCommand adds the server subcommand to the root command.
func AddServerCommand(root *cobra.Command, pc *PgdaldCommand) {
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Run the access layer daemon",
		Long: `Run the access layer daemon.

The daemon loads its pool, cache, health, and analyzer configuration
from the file given by --config-file, opens every configured pool, and
serves the admin API on --http-port:

  GET /healthz          per-pool health, 503 when any pool is down
  GET /metricz          counters and pool gauges
  GET /slowqueries      statements slower than the configured threshold
  GET /recommendations  index advice derived from the observed workload

While the daemon runs, edits to the config file adjust
analyzer.slowQueryThreshold without a restart.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return pc.senv.CobraPreRunE(cmd)
		},
		RunE: pc.runServer,
	}
	pc.senv.RegisterFlags(serverCmd.Flags())
	root.AddCommand(serverCmd)
}

func (pc *PgdaldCommand) runServer(cmd *cobra.Command, args []string) error {
	if err := pc.senv.Init(); err != nil {
		return err
	}
	logger := pc.senv.GetLogger()

	var cfg pgdal.Config
	if err := viperutil.Unmarshal(pc.senv.Registry(), &cfg); err != nil {
		return err
	}

	m, err := pgdal.New(cmd.Context(), cfg, pgdal.WithLogger(logger))
	if err != nil {
		return err
	}

	pc.registerAdminAPI(m)
	pc.applyConfigReloads(m, logger)

	pc.senv.OnRun(func() {
		logger.Info("pgdald serving",
			"http_port", pc.senv.GetHTTPPort(),
			"pools", len(cfg.Pools),
		)
	})
	pc.senv.OnClose(func() {
		logger.Info("pgdald shutting down")
		m.Close()
	})

	return pc.senv.RunDefault()
}

// applyConfigReloads applies config file edits to the running instance.
// A reloaded file is validated as a whole before anything is applied,
// so a bad edit never disturbs the running configuration. Only the slow
// query threshold is applied live; every other change needs a restart.
func (pc *PgdaldCommand) applyConfigReloads(m *pgdal.Manager, logger *slog.Logger) {
	reg := pc.senv.Registry()
	reg.OnReload(func() {
		var next pgdal.Config
		if err := viperutil.Unmarshal(reg, &next); err != nil {
			logger.Error("reloaded config is unreadable, keeping the running configuration",
				"error", err)
			return
		}
		if err := next.Validate(); err != nil {
			logger.Error("reloaded config is invalid, keeping the running configuration",
				"error", err)
			return
		}
		m.SetSlowQueryThreshold(next.Analyzer.SlowQueryThreshold)
		logger.Info("applied reloaded configuration",
			"slow_query_threshold", next.Analyzer.SlowQueryThreshold)
	})
}
