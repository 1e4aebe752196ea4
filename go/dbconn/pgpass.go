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

package dbconn

import (
	"strings"

	"github.com/lib/pq"

	"github.com/multigres/pgdal/go/tools/pgpass"
)

// kvValueEscaper escapes a value for single-quoted keyword/value DSN
// form, the same form pq.ParseURL emits.
var kvValueEscaper = strings.NewReplacer(`'`, `\'`, `\`, `\\`)

// withPgpassPassword completes a DSN that carries no password from the
// PostgreSQL password file ($PGPASSFILE or ~/.pgpass), mirroring what
// libpq does for psql. The DSN comes back unchanged when it already
// names a password, when no entry matches, or when the file is
// unusable; connecting without a password then fails with the server's
// own error. URL DSNs are rewritten to keyword/value form on the way.
func withPgpassPassword(dsn string) string {
	kv := dsn
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		parsed, err := pq.ParseURL(dsn)
		if err != nil {
			return dsn
		}
		kv = parsed
	}
	params, ok := parseKeywordValue(kv)
	if !ok {
		return dsn
	}
	if _, has := params["password"]; has {
		return dsn
	}
	user := params["user"]
	if user == "" {
		return dsn
	}
	host := params["host"]
	if host == "" {
		host = "localhost"
	}
	port := params["port"]
	if port == "" {
		port = "5432"
	}
	database := params["dbname"]
	if database == "" {
		database = user
	}

	password, found, err := pgpass.Lookup(pgpass.DefaultPath(), host, port, database, user)
	if err != nil || !found {
		return dsn
	}
	return kv + " password='" + kvValueEscaper.Replace(password) + "'"
}

// parseKeywordValue reads a keyword/value DSN, accepting plain and
// single-quoted values with backslash escapes. Forms it cannot read
// (which pq may still accept) skip password file resolution.
func parseKeywordValue(kv string) (map[string]string, bool) {
	params := make(map[string]string, 8)
	i, n := 0, len(kv)
	for {
		for i < n && (kv[i] == ' ' || kv[i] == '\t') {
			i++
		}
		if i >= n {
			return params, true
		}

		start := i
		for i < n && kv[i] != '=' && kv[i] != ' ' {
			i++
		}
		if i >= n || kv[i] != '=' || i == start {
			return nil, false
		}
		key := kv[start:i]
		i++

		var val strings.Builder
		if i < n && kv[i] == '\'' {
			i++
			closed := false
			for i < n {
				switch {
				case kv[i] == '\\' && i+1 < n:
					val.WriteByte(kv[i+1])
					i += 2
				case kv[i] == '\'':
					i++
					closed = true
				default:
					val.WriteByte(kv[i])
					i++
				}
				if closed {
					break
				}
			}
			if !closed {
				return nil, false
			}
		} else {
			for i < n && kv[i] != ' ' {
				if kv[i] == '\\' && i+1 < n {
					val.WriteByte(kv[i+1])
					i += 2
					continue
				}
				val.WriteByte(kv[i])
				i++
			}
		}
		params[key] = val.String()
	}
}
