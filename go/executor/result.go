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
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Value returns the raw value at (row, col). NULL is returned as nil.
func (r *Result) Value(row, col int) (any, error) {
	if row < 0 || row >= len(r.Rows) {
		return nil, fmt.Errorf("row index %d out of range", row)
	}
	if col < 0 || col >= len(r.Rows[row]) {
		return nil, fmt.Errorf("column index %d out of range", col)
	}
	return r.Rows[row][col], nil
}

// IsNull reports whether the value at (row, col) is NULL.
func (r *Result) IsNull(row, col int) (bool, error) {
	val, err := r.Value(row, col)
	if err != nil {
		return false, err
	}
	return val == nil, nil
}

// GetString extracts a string value from the result.
func (r *Result) GetString(row, col int) (string, error) {
	return getValue[string](r, row, col)
}

// GetBool extracts a boolean value from the result.
func (r *Result) GetBool(row, col int) (bool, error) {
	return getValue[bool](r, row, col)
}

// GetInt64 extracts an integer value from the result.
func (r *Result) GetInt64(row, col int) (int64, error) {
	return getValue[int64](r, row, col)
}

// GetFloat64 extracts a floating point value from the result.
func (r *Result) GetFloat64(row, col int) (float64, error) {
	return getValue[float64](r, row, col)
}

// GetTime extracts a timestamp value from the result.
func (r *Result) GetTime(row, col int) (time.Time, error) {
	return getValue[time.Time](r, row, col)
}

func getValue[T any](r *Result, row, col int) (T, error) {
	var out T
	raw, err := r.Value(row, col)
	if err != nil {
		return out, err
	}
	if err := scanValue(raw, &out); err != nil {
		return out, fmt.Errorf("row %d column %d: %w", row, col, err)
	}
	return out, nil
}

// scanValue parses a normalized value into the destination. NULL leaves
// the destination at its zero value, matching sql.Scanner behavior for
// callers that did not check IsNull first.
func scanValue(val any, dest any) error {
	if val == nil {
		return nil
	}
	s, ok := val.(string)
	if !ok {
		s = fmt.Sprintf("%v", val)
	}

	switch d := dest.(type) {
	case *string:
		*d = s
	case *bool:
		// PostgreSQL's text form is t/f; normalized driver booleans
		// arrive as true/false.
		switch strings.ToLower(s) {
		case "t", "true", "1":
			*d = true
		case "f", "false", "0":
			*d = false
		default:
			return fmt.Errorf("cannot parse %q as bool", s)
		}
	case *int64:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("cannot parse %q as int64: %w", s, err)
		}
		*d = v
	case *float64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("cannot parse %q as float64: %w", s, err)
		}
		*d = v
	case *time.Time:
		for _, format := range []string{
			timestampFormat,
			"2006-01-02 15:04:05.999999",
			"2006-01-02 15:04:05",
			"2006-01-02",
			time.RFC3339,
		} {
			if t, err := time.Parse(format, s); err == nil {
				*d = t
				return nil
			}
		}
		return fmt.Errorf("cannot parse %q as time.Time", s)
	default:
		return fmt.Errorf("unsupported destination type: %T", dest)
	}
	return nil
}
