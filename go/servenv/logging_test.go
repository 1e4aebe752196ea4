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

package servenv

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgdal/go/tools/viperutil"
)

func TestLoggerDefaults(t *testing.T) {
	lg := NewLogger(viperutil.NewRegistry())
	require.Equal(t, "info", lg.GetLogLevel())
	require.Equal(t, "json", lg.GetLogFormat())
	require.Equal(t, "stdout", lg.GetLogOutput())
}

func TestLoggerFlagsFlow(t *testing.T) {
	lg := NewLogger(viperutil.NewRegistry())
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	lg.RegisterFlags(fs)

	err := fs.Parse([]string{"--log-level=debug", "--log-format=text"})
	require.NoError(t, err)

	require.Equal(t, "debug", lg.GetLogLevel())
	require.Equal(t, "text", lg.GetLogFormat())
}

func TestGetLoggerBeforeSetup(t *testing.T) {
	lg := NewLogger(viperutil.NewRegistry())
	require.NotNil(t, lg.GetLogger())
}

func TestSetupLoggingOnce(t *testing.T) {
	lg := NewLogger(viperutil.NewRegistry())
	lg.SetupLogging()
	first := lg.GetLogger()

	lg.SetupLogging()
	require.Same(t, first, lg.GetLogger(), "repeated setup must not rebuild the logger")
}

func TestSetupLoggingFiresHooks(t *testing.T) {
	lg := NewLogger(viperutil.NewRegistry())

	var got *slog.Logger
	lg.OnLoggingSetup(func(l *slog.Logger) { got = l })

	lg.SetupLogging()
	require.Same(t, lg.GetLogger(), got)
}

func TestSetupLoggingToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgdald.log")

	lg := NewLogger(viperutil.NewRegistry())
	lg.logOutput.Set(path)
	lg.SetupLogging()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "logging initialized")
}
