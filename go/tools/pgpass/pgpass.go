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

// Package pgpass reads PostgreSQL password files.
//
// A password file holds one entry per line in the form
// hostname:port:database:username:password. A * matches anything in the
// first four fields, backslash escapes ':' and '\' inside a field, and
// entries are matched first to last, the way libpq matches them.
package pgpass

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultPath returns the password file libpq would consult: $PGPASSFILE
// when set, otherwise ~/.pgpass. Empty when neither resolves.
func DefaultPath() string {
	if p := os.Getenv("PGPASSFILE"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pgpass")
}

// Lookup returns the password of the first entry matching the given
// connection parameters. found is false when the file does not exist or
// no entry matches. A file readable by group or others is rejected, as
// libpq rejects it.
func Lookup(path, host, port, database, user string) (password string, found bool, err error) {
	if path == "" {
		return "", false, nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return "", false, fmt.Errorf("password file %s has group or world access (%04o), must be 0600", path, perm)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := splitEntry(line)
		// Skip malformed lines rather than error, as libpq does.
		if len(fields) != 5 {
			continue
		}
		if matches(fields[0], host) && matches(fields[1], port) &&
			matches(fields[2], database) && matches(fields[3], user) {
			return fields[4], true, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", false, err
	}
	return "", false, nil
}

// splitEntry splits a password file line on unescaped colons and
// unescapes '\:' and '\\' inside each field.
func splitEntry(line string) []string {
	var fields []string
	var cur strings.Builder
	escaped := false
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

func matches(field, value string) bool {
	return field == "*" || field == value
}
