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
	"cmp"
	"fmt"
	"slices"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// IndexRecommendation is an advisory hint that a column of a slow query
// might benefit from an index. It is never acted on automatically.
type IndexRecommendation struct {
	Table                string  `json:"table"`
	Column               string  `json:"column"`
	IndexType            string  `json:"indexType"`
	EstimatedImprovement float64 `json:"estimatedImprovement"`
	Reason               string  `json:"reason"`
}

// Improvement guesses by clause kind. Equality predicates are the best
// index candidates, range predicates less so.
const (
	improvementWhereEquality = 0.6
	improvementJoin          = 0.5
	improvementWhereOther    = 0.4
)

// columnHit is one column reference found in a filtering position.
type columnHit struct {
	qualifier string // alias or table prefix, empty when unqualified
	column    string
	clause    string // "WHERE" or "JOIN"
	equality  bool
}

// Recommendations scans the parse trees of the current slow shapes and
// returns index hints for columns used in WHERE and JOIN conditions.
// Shapes that never completed successfully or that do not parse are
// skipped; a malformed shape must never take the analyzer down.
func (a *Analyzer) Recommendations() []IndexRecommendation {
	byTarget := make(map[string]IndexRecommendation)
	for _, st := range a.slowSnapshot() {
		if !st.succeeded {
			continue
		}
		for _, rec := range recommendForQuery(st.query) {
			target := rec.Table + "." + rec.Column
			if prev, ok := byTarget[target]; ok && prev.EstimatedImprovement >= rec.EstimatedImprovement {
				continue
			}
			byTarget[target] = rec
		}
	}

	out := make([]IndexRecommendation, 0, len(byTarget))
	for _, rec := range byTarget {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(x, y IndexRecommendation) int {
		if x.EstimatedImprovement != y.EstimatedImprovement {
			return cmp.Compare(y.EstimatedImprovement, x.EstimatedImprovement)
		}
		if x.Table != y.Table {
			return cmp.Compare(x.Table, y.Table)
		}
		return cmp.Compare(x.Column, y.Column)
	})
	return out
}

func recommendForQuery(query string) []IndexRecommendation {
	result, err := pg_query.Parse(query)
	if err != nil {
		return nil
	}

	var out []IndexRecommendation
	for _, raw := range result.Stmts {
		sel := raw.Stmt.GetSelectStmt()
		if sel == nil {
			continue
		}

		tables := make(map[string]string)
		var joinQuals []*pg_query.Node
		collectFrom(sel.FromClause, tables, &joinQuals)

		var hits []columnHit
		collectColumns(sel.WhereClause, "WHERE", false, &hits)
		for _, quals := range joinQuals {
			collectColumns(quals, "JOIN", false, &hits)
		}

		for _, hit := range hits {
			table, ok := resolveTable(hit, tables)
			if !ok {
				continue
			}
			out = append(out, buildRecommendation(table, hit))
		}
	}
	return out
}

// collectFrom records every plain table (with its alias) reachable from
// a FROM clause and gathers JOIN qualifications for the column scan.
// Subselects are opaque; columns that resolve into one are dropped.
func collectFrom(nodes []*pg_query.Node, tables map[string]string, joinQuals *[]*pg_query.Node) {
	for _, node := range nodes {
		if node == nil {
			continue
		}
		switch {
		case node.GetRangeVar() != nil:
			rv := node.GetRangeVar()
			tables[rv.Relname] = rv.Relname
			if rv.Alias != nil && rv.Alias.Aliasname != "" {
				tables[rv.Alias.Aliasname] = rv.Relname
			}
		case node.GetJoinExpr() != nil:
			je := node.GetJoinExpr()
			collectFrom([]*pg_query.Node{je.Larg, je.Rarg}, tables, joinQuals)
			if je.Quals != nil {
				*joinQuals = append(*joinQuals, je.Quals)
			}
		}
	}
}

// collectColumns walks a boolean expression tree and records every
// column reference in a filtering position. The walk is deliberately
// shallow about semantics: subqueries are not descended into, and
// anything unrecognized is ignored rather than guessed at.
func collectColumns(node *pg_query.Node, clause string, equality bool, hits *[]columnHit) {
	if node == nil {
		return
	}
	switch {
	case node.GetAExpr() != nil:
		ae := node.GetAExpr()
		eq := false
		if len(ae.Name) == 1 {
			if s := ae.Name[0].GetString_(); s != nil {
				eq = s.Sval == "="
			}
		}
		collectColumns(ae.Lexpr, clause, eq, hits)
		collectColumns(ae.Rexpr, clause, eq, hits)
	case node.GetBoolExpr() != nil:
		for _, arg := range node.GetBoolExpr().Args {
			collectColumns(arg, clause, false, hits)
		}
	case node.GetNullTest() != nil:
		collectColumns(node.GetNullTest().Arg, clause, false, hits)
	case node.GetTypeCast() != nil:
		collectColumns(node.GetTypeCast().Arg, clause, equality, hits)
	case node.GetList() != nil:
		for _, item := range node.GetList().Items {
			collectColumns(item, clause, equality, hits)
		}
	case node.GetFuncCall() != nil:
		for _, arg := range node.GetFuncCall().Args {
			collectColumns(arg, clause, false, hits)
		}
	case node.GetColumnRef() != nil:
		hit, ok := columnRefHit(node.GetColumnRef(), clause, equality)
		if ok {
			*hits = append(*hits, hit)
		}
	}
}

func columnRefHit(ref *pg_query.ColumnRef, clause string, equality bool) (columnHit, bool) {
	var parts []string
	for _, field := range ref.Fields {
		s := field.GetString_()
		if s == nil {
			// A_Star or similar; not an indexable reference.
			return columnHit{}, false
		}
		parts = append(parts, s.Sval)
	}
	switch len(parts) {
	case 1:
		return columnHit{column: parts[0], clause: clause, equality: equality}, true
	case 2:
		return columnHit{qualifier: parts[0], column: parts[1], clause: clause, equality: equality}, true
	default:
		// schema-qualified or deeper; take the last two segments.
		if len(parts) >= 2 {
			return columnHit{qualifier: parts[len(parts)-2], column: parts[len(parts)-1], clause: clause, equality: equality}, true
		}
		return columnHit{}, false
	}
}

// resolveTable maps a column hit to a concrete table. Qualified hits go
// through the alias map; unqualified hits only resolve when the
// statement reads exactly one table.
func resolveTable(hit columnHit, tables map[string]string) (string, bool) {
	if hit.qualifier != "" {
		table, ok := tables[hit.qualifier]
		return table, ok
	}
	var only string
	for _, rel := range tables {
		if only != "" && only != rel {
			return "", false
		}
		only = rel
	}
	return only, only != ""
}

func buildRecommendation(table string, hit columnHit) IndexRecommendation {
	improvement := improvementWhereOther
	reason := fmt.Sprintf("column %q filters a slow query in its WHERE clause", hit.column)
	switch {
	case hit.clause == "JOIN":
		improvement = improvementJoin
		reason = fmt.Sprintf("column %q joins tables in a slow query", hit.column)
	case hit.equality:
		improvement = improvementWhereEquality
	}
	return IndexRecommendation{
		Table:                table,
		Column:               hit.column,
		IndexType:            "btree",
		EstimatedImprovement: improvement,
		Reason:               reason,
	}
}
