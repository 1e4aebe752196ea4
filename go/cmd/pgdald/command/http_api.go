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
	"encoding/json"
	"net/http"

	"github.com/multigres/pgdal/go/analyzer"
	"github.com/multigres/pgdal/go/health"
	"github.com/multigres/pgdal/go/pgdal"
)

// healthzResponse is the body served by /healthz.
type healthzResponse struct {
	Status string              `json:"status"`
	Pools  []health.PoolHealth `json:"pools"`
}

// slowQueriesResponse is the body served by /slowqueries.
type slowQueriesResponse struct {
	SlowQueries []analyzer.QueryStat `json:"slowQueries"`
	Count       int                  `json:"count"`
}

// recommendationsResponse is the body served by /recommendations.
type recommendationsResponse struct {
	Recommendations []analyzer.IndexRecommendation `json:"recommendations"`
	Count           int                            `json:"count"`
}

// registerAdminAPI registers the admin endpoints for a running access
// layer instance.
func (pc *PgdaldCommand) registerAdminAPI(m *pgdal.Manager) {
	pc.senv.HTTPHandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		code, body := healthzView(m.Health())
		writeJSON(w, code, body)
	})

	pc.senv.HTTPHandleFunc("GET /metricz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.Metrics())
	})

	pc.senv.HTTPHandleFunc("GET /slowqueries", func(w http.ResponseWriter, r *http.Request) {
		stats := m.SlowQueries()
		writeJSON(w, http.StatusOK, slowQueriesResponse{SlowQueries: stats, Count: len(stats)})
	})

	pc.senv.HTTPHandleFunc("GET /recommendations", func(w http.ResponseWriter, r *http.Request) {
		recs := m.IndexRecommendations()
		writeJSON(w, http.StatusOK, recommendationsResponse{Recommendations: recs, Count: len(recs)})
	})
}

// healthzView folds a pool health snapshot into the /healthz status
// code and body. Any unhealthy pool degrades the whole answer to 503.
func healthzView(pools []health.PoolHealth) (int, healthzResponse) {
	resp := healthzResponse{Status: "ok", Pools: pools}
	for _, p := range pools {
		if !p.Healthy {
			resp.Status = "degraded"
			return http.StatusServiceUnavailable, resp
		}
	}
	return http.StatusOK, resp
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
