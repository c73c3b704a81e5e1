package dataflow

import (
	"fmt"

	"github.com/canonica-labs/zoql/internal/ast"
	"github.com/canonica-labs/zoql/internal/schema"
	"github.com/canonica-labs/zoql/internal/tablesource"
)

// Build compiles a planned query (its CorrelatedSubquery.Flip fields
// already decided by planner.Plan) into an Operator tree rooted at
// registry-resolved table sources (§4.7).
func Build(db schema.Database, registry Registry, q *ast.Query) (Operator, error) {
	return buildQuery(db, registry, q)
}

func buildQuery(db schema.Database, registry Registry, q *ast.Query) (Operator, error) {
	source, ok := registry.Source(q.Table)
	if !ok {
		return nil, fmt.Errorf("dataflow: no table source registered for %q", q.Table)
	}
	tbl, ok := db[q.Table]
	if !ok {
		return nil, fmt.Errorf("dataflow: no schema entry for %q", q.Table)
	}

	base := newEditDetectOperator(newSourceOperator(q.Table, source, q.OrderBy), tbl.PrimaryKey)

	branches, err := buildBranches(db, registry, tbl.PrimaryKey, source, q.Where)
	if err != nil {
		return nil, err
	}

	var op Operator = newCompiledQuery(q.Table, base, q.Where, branches)

	if len(q.Related) == 0 {
		return op, nil
	}

	children := make([]relatedChild, 0, len(q.Related))
	for _, rel := range q.Related {
		childOp, err := buildQuery(db, registry, rel.Subquery)
		if err != nil {
			return nil, err
		}
		children = append(children, relatedChild{
			correlation: rel.Correlation,
			system:      rel.System,
			operator:    childOp,
		})
	}
	return &relatedOperator{parent: op, children: children, db: db}, nil
}

// buildBranches compiles every EXISTS-style term found directly in cond
// (not descending into a related subtree's own Where — that subtree gets
// its own branches when buildQuery recurses into it) into an existsBranch.
func buildBranches(db schema.Database, registry Registry, parentPK []string, parentSource tablesource.Source, cond ast.Condition) (map[*ast.CorrelatedSubquery]*existsBranch, error) {
	branches := make(map[*ast.CorrelatedSubquery]*existsBranch)
	for _, cs := range directCorrelatedSubqueries(cond) {
		rel := cs.Related
		childSource, ok := registry.Source(rel.Subquery.Table)
		if !ok {
			return nil, fmt.Errorf("dataflow: no table source registered for %q", rel.Subquery.Table)
		}
		childOp, err := buildQuery(db, registry, rel.Subquery)
		if err != nil {
			return nil, err
		}
		branches[cs] = &existsBranch{
			correlation: rel.Correlation,
			parentPK:    parentPK,
			parentSrc:   parentSource,
			childSrc:    childSource,
			child:       childOp,
			flip:        cs.Flip,
		}
	}
	return branches, nil
}

// directCorrelatedSubqueries collects only this condition level's
// CorrelatedSubquery terms, mirroring planner.BuildGraph's scoping — it
// does not descend into a CorrelatedSubquery's own related subquery,
// which compiles (and gets its own branches) via the recursive buildQuery
// call instead.
func directCorrelatedSubqueries(cond ast.Condition) []*ast.CorrelatedSubquery {
	switch c := cond.(type) {
	case *ast.CorrelatedSubquery:
		return []*ast.CorrelatedSubquery{c}
	case *ast.And:
		var out []*ast.CorrelatedSubquery
		for _, t := range c.Terms {
			out = append(out, directCorrelatedSubqueries(t)...)
		}
		return out
	case *ast.Or:
		var out []*ast.CorrelatedSubquery
		for _, t := range c.Terms {
			out = append(out, directCorrelatedSubqueries(t)...)
		}
		return out
	default:
		return nil
	}
}
