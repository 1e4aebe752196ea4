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
	"fmt"
	"log/slog"
	"os"
)

// writePidFile writes the process id to the configured pid file and
// arranges for its removal on graceful shutdown. It refuses to
// overwrite a file left behind by another process.
func (sv *ServEnv) writePidFile() {
	path := sv.pidFile.Get()
	if path == "" {
		return
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		slog.Error("unable to create pid file", "path", path, "err", err)
		return
	}
	fmt.Fprintln(file, os.Getpid())
	_ = file.Close()

	// Removal is only registered when we created the file, so a
	// pre-existing pid file is never deleted by this process.
	sv.OnClose(func() {
		if err := os.Remove(path); err != nil {
			slog.Error("unable to remove pid file", "path", path, "err", err)
		}
	})
}
