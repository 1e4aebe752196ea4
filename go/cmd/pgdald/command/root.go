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
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/multigres/pgdal/go/servenv"
	"github.com/multigres/pgdal/go/tools/viperutil"
)

// PgdaldCommand holds the state shared by pgdald subcommands.
type PgdaldCommand struct {
	senv *servenv.ServEnv

	// fs is the filesystem init writes through. Tests swap in a
	// memory-backed one.
	fs afero.Fs
}

// GetRootCommand creates and returns the root command for pgdald with
// all subcommands.
func GetRootCommand() (*cobra.Command, *PgdaldCommand) {
	reg := viperutil.NewRegistry()
	pc := &PgdaldCommand{
		senv: servenv.New(reg),
		fs:   afero.NewOsFs(),
	}

	root := &cobra.Command{
		Use:   "pgdald",
		Short: "Resilient access layer daemon for PostgreSQL",
		Long: `pgdald fronts a set of PostgreSQL servers with pooled connections,
health-checked read routing, a tiered result cache, and workload
analysis, and serves the state of the layer over an HTTP admin API.`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Silence usage for application errors, but allow it for flag
			// errors. This runs after flag parsing, so flag errors still
			// show usage.
			cmd.SilenceUsage = true
			return nil
		},
	}

	AddServerCommand(root, pc)
	AddInitCommand(root, pc)

	return root, pc
}

// ServEnv exposes the server environment, mainly so tests can observe
// and stop a running instance.
func (pc *PgdaldCommand) ServEnv() *servenv.ServEnv {
	return pc.senv
}
