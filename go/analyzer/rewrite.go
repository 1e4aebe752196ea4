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

package analyzer

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// aggregateFuncs are the functions whose presence in a bare target list
// means the statement already returns a bounded result.
var aggregateFuncs = map[string]bool{
	"count": true,
	"sum":   true,
	"avg":   true,
	"min":   true,
	"max":   true,
}

// Rewrite applies the one rewrite that can never change which rows
// qualify: injecting a LIMIT into an unbounded top-level SELECT. The
// statement is parsed, amended, and deparsed; anything that is not a
// plain single SELECT, already bounds its result, or fails to parse
// comes back unchanged.
func (a *Analyzer) Rewrite(sql string) string {
	result, err := pg_query.Parse(sql)
	if err != nil || len(result.Stmts) != 1 {
		return sql
	}
	sel := result.Stmts[0].Stmt.GetSelectStmt()
	if sel == nil {
		return sql
	}
	if sel.Op != pg_query.SetOperation_SETOP_NONE {
		return sql
	}
	if sel.LimitCount != nil || sel.LimitOffset != nil {
		return sql
	}
	if len(sel.GroupClause) > 0 || sel.HavingClause != nil {
		return sql
	}
	if hasAggregateTarget(sel.TargetList) {
		return sql
	}
	if len(sel.ValuesLists) > 0 {
		return sql
	}

	sel.LimitCount = pg_query.MakeAConstIntNode(a.rewriteLimit, -1)
	sel.LimitOption = pg_query.LimitOption_LIMIT_OPTION_COUNT

	out, err := pg_query.Deparse(result)
	if err != nil {
		return sql
	}
	return out
}

// hasAggregateTarget reports whether any select target is a plain
// aggregate call, e.g. SELECT count(*) FROM t. Without a GROUP BY such
// a statement yields one row, and appending a LIMIT to it would only
// mislead readers of the rewritten text.
func hasAggregateTarget(targets []*pg_query.Node) bool {
	for _, target := range targets {
		rt := target.GetResTarget()
		if rt == nil || rt.Val == nil {
			continue
		}
		fc := rt.Val.GetFuncCall()
		if fc == nil {
			continue
		}
		if fc.AggStar {
			return true
		}
		if len(fc.Funcname) == 0 {
			continue
		}
		if s := fc.Funcname[len(fc.Funcname)-1].GetString_(); s != nil && aggregateFuncs[s.Sval] {
			return true
		}
	}
	return false
}
