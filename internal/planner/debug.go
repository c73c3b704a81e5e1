package planner

import (
	"fmt"
	"strings"

	"github.com/canonica-labs/zoql/internal/ast"
)

// Attempt is one `plan-complete` debug event (§4.3): a single enumerated
// flip assignment at one query level, with its total cost and which
// joins were flipped. Number counts up from 0 within that level's
// enumeration; attempt 0 is always the all-unflipped assignment.
type Attempt struct {
	Number int
	Cost   float64
	// Flips is a bitmap over this level's Graph.Joins slice, bit i set
	// means Joins[i] was flipped in this attempt.
	Flips uint64
}

// DebugSink receives one Attempt per enumerated assignment. The planner
// takes its sink as a constructor/call argument rather than reaching into
// package state (Design Note "Global debug flags") — callers that don't
// want the events pass NopSink.
type DebugSink interface {
	Record(Attempt)
}

// NopSink discards every Attempt.
type NopSink struct{}

func (NopSink) Record(Attempt) {}

// Explain renders a human-readable plan tree: table names, and each
// correlated subquery's resolved flip state, depth-first.
func Explain(q *ast.Query) string {
	var b strings.Builder
	explainQuery(&b, q, 0)
	return b.String()
}

func explainQuery(b *strings.Builder, q *ast.Query, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%s%s\n", indent, q.Table)
	for _, cs := range directCorrelatedSubqueries(q.Where) {
		fmt.Fprintf(b, "%s  exists %s flip=%v\n", indent, cs.Related.Subquery.Table, cs.Flip)
		explainQuery(b, cs.Related.Subquery, depth+2)
	}
	for _, rd := range q.Related {
		fmt.Fprintf(b, "%s  related %s\n", indent, rd.Subquery.Table)
		explainQuery(b, rd.Subquery, depth+2)
	}
}
