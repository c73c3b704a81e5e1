// Package planner rewrites a query's correlated subqueries into their
// cost-minimizing flip orientation (spec §4.2–4.3).
package planner

import (
	"github.com/canonica-labs/zoql/internal/ast"
	"github.com/canonica-labs/zoql/internal/costmodel"
	"github.com/canonica-labs/zoql/internal/schema"
)

// Connection is one table-access site: a query's local filters plus any
// equality constraint its parent correlation pins on it (§4.2: "Every
// Query becomes a Connection with its local filters... and its parent
// constraint").
type Connection struct {
	Query      *ast.Query
	Constraint costmodel.Constraint
}

// Join is a correlatedSubquery lifted into plan-graph form: a parent
// Connection, a child Connection for the inner query, and whether the
// correlation is symmetric enough to flip (§4.2 invariant 2).
type Join struct {
	Node      *ast.CorrelatedSubquery
	Parent    *Connection
	Child     *Connection
	Flippable bool
}

// Graph is one query level's plan graph: its own Connection plus the
// Joins contributed by correlatedSubquery conditions directly in its
// Where clause. Nested related subtrees are not expanded here — Plan
// processes them by recursing into BuildGraph one level at a time,
// matching §4.3's "any nested related subtrees are recursively processed
// by the same procedure."
type Graph struct {
	Conn  *Connection
	Joins []*Join
}

// BuildGraph performs the recursive-descent plan-graph construction of
// §4.2 for a single query level. Only q.Where's correlatedSubquery terms
// become Joins here; q.Related descriptors never do (ast.RelatedDescriptor
// carries no Flip field), so §4.3's "a related subtree whose correlation
// targets a single row never flips" edge policy is already satisfied by
// construction for Related and must not be folded into a Join's
// Flippable — doing so would also suppress flipping on the common FK→PK
// EXISTS shape (the child side of `track.whereExists(album)` is almost
// always album's primary key), which is exactly the case the flip
// machinery exists to optimize. See ast.Correlation.IsChildPK's doc
// comment.
func BuildGraph(db schema.Database, q *ast.Query) *Graph {
	conn := &Connection{Query: q}
	joins := directCorrelatedSubqueries(q.Where)

	g := &Graph{Conn: conn}
	for _, cs := range joins {
		rel := cs.Related
		child := &Connection{
			Query:      rel.Subquery,
			Constraint: costmodel.Constraint{EqualityColumns: rel.Correlation.ChildField},
		}
		flippable := isFlippable(db, q.Table, rel.Correlation.ParentField, rel.Subquery.Table, rel.Correlation.ChildField)
		g.Joins = append(g.Joins, &Join{Node: cs, Parent: conn, Child: child, Flippable: flippable})
	}
	return g
}

// isFlippable implements invariant 2: both the inner connection's
// childField and the outer connection's parentField must be covered by a
// unique index, so both the parent-driven and child-driven directions are
// well-defined.
func isFlippable(db schema.Database, parentTable string, parentFields []string, childTable string, childFields []string) bool {
	pt, ok := db[parentTable]
	if !ok {
		return false
	}
	ct, ok := db[childTable]
	if !ok {
		return false
	}
	return pt.CoversUnique(parentFields) && ct.CoversUnique(childFields)
}

// directCorrelatedSubqueries returns the correlatedSubquery nodes reached
// by descending through And/Or combinators in cond, without descending
// into any nested Related.Subquery.Where (that happens one call to
// BuildGraph later, keeping one Graph scoped to one query level). An `IN`
// condition lowered to a value table is a Simple leaf, never a
// CorrelatedSubquery, so it never contributes a Join here (§4.3 edge
// policy, "IN right-hand operands... do not create Joins").
func directCorrelatedSubqueries(cond ast.Condition) []*ast.CorrelatedSubquery {
	var out []*ast.CorrelatedSubquery
	var walk func(ast.Condition)
	walk = func(c ast.Condition) {
		switch n := c.(type) {
		case nil, *ast.Simple:
			return
		case *ast.And:
			for _, t := range n.Terms {
				walk(t)
			}
		case *ast.Or:
			for _, t := range n.Terms {
				walk(t)
			}
		case *ast.CorrelatedSubquery:
			out = append(out, n)
		}
	}
	walk(cond)
	return out
}
