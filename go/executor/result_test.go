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

package executor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *Result {
	return &Result{
		Command: "SELECT 1",
		Columns: []string{"id", "active", "score", "created_at", "name", "deleted_at"},
		Rows: [][]any{
			{"42", "t", "3.14", "2024-01-02 03:04:05.123456+00", "ana", nil},
		},
	}
}

func TestResultTypedGetters(t *testing.T) {
	r := sampleResult()

	id, err := r.GetInt64(0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	active, err := r.GetBool(0, 1)
	require.NoError(t, err)
	assert.True(t, active)

	score, err := r.GetFloat64(0, 2)
	require.NoError(t, err)
	assert.InDelta(t, 3.14, score, 1e-9)

	created, err := r.GetTime(0, 3)
	require.NoError(t, err)
	want := time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC)
	assert.True(t, created.Equal(want), "got %v, want %v", created, want)

	name, err := r.GetString(0, 4)
	require.NoError(t, err)
	assert.Equal(t, "ana", name)
}

func TestResultBoolForms(t *testing.T) {
	r := &Result{Rows: [][]any{{"t", "true", "1", "f", "false", "0"}}}
	for col, want := range []bool{true, true, true, false, false, false} {
		got, err := r.GetBool(0, col)
		require.NoError(t, err)
		assert.Equal(t, want, got, "column %d", col)
	}

	r = &Result{Rows: [][]any{{"maybe"}}}
	_, err := r.GetBool(0, 0)
	require.ErrorContains(t, err, "cannot parse")
}

func TestResultNullHandling(t *testing.T) {
	r := sampleResult()

	null, err := r.IsNull(0, 5)
	require.NoError(t, err)
	assert.True(t, null)

	null, err = r.IsNull(0, 0)
	require.NoError(t, err)
	assert.False(t, null)

	// NULL scans to the zero value.
	s, err := r.GetString(0, 5)
	require.NoError(t, err)
	assert.Empty(t, s)

	n, err := r.GetInt64(0, 5)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResultOutOfRange(t *testing.T) {
	r := sampleResult()

	_, err := r.Value(1, 0)
	require.ErrorContains(t, err, "row index 1 out of range")

	_, err = r.Value(0, 6)
	require.ErrorContains(t, err, "column index 6 out of range")

	_, err = r.GetString(-1, 0)
	require.Error(t, err)
}

func TestResultParseErrors(t *testing.T) {
	r := &Result{Rows: [][]any{{"abc"}}}

	_, err := r.GetInt64(0, 0)
	require.ErrorContains(t, err, "cannot parse")

	_, err = r.GetFloat64(0, 0)
	require.ErrorContains(t, err, "cannot parse")

	_, err = r.GetTime(0, 0)
	require.ErrorContains(t, err, "cannot parse")
}

func TestResultSurvivesJSONRoundTrip(t *testing.T) {
	original := sampleResult()

	encoded, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Result
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, original, &decoded)

	// Typed access works identically on the decoded copy.
	id, err := decoded.GetInt64(0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}
