package planner

import (
	"context"
	"math"

	"github.com/canonica-labs/zoql/internal/ast"
	"github.com/canonica-labs/zoql/internal/costmodel"
	"github.com/canonica-labs/zoql/internal/schema"
)

// semiJoinOverhead is charged only on the unflipped (parent-driven) side of
// a Join's cost. Adding it only there is what makes the planner prefer the
// flipped form when the two sides are otherwise equal in cost (§4.3).
const semiJoinOverhead = 1.0

// Plan enumerates every flip assignment of q's correlated subqueries,
// recursively planning nested related subtrees first (§4.3: "recursively
// processed by the same procedure"), and returns a new AST with each
// correlatedSubquery's flip set to the lowest-cost assignment. db supplies
// the schema BuildGraph needs to decide flippability; q must already have
// had `static` placeholders substituted and its orderBy order-completed
// (§4.2's stated precondition — Plan does not redo either step).
func Plan(ctx context.Context, db schema.Database, q *ast.Query, model costmodel.Model, debug DebugSink) (*ast.Query, error) {
	if debug == nil {
		debug = NopSink{}
	}
	out, _, err := planQuery(ctx, db, q, model, debug)
	return out, err
}

func planQuery(ctx context.Context, db schema.Database, q *ast.Query, model costmodel.Model, debug DebugSink) (*ast.Query, costmodel.Estimate, error) {
	graph := BuildGraph(db, q)

	plannedChildren := make([]*ast.Query, len(graph.Joins))
	childEstimates := make([]costmodel.Estimate, len(graph.Joins))
	for i, j := range graph.Joins {
		childQ, childEst, err := planQuery(ctx, db, j.Child.Query, model, debug)
		if err != nil {
			return nil, costmodel.Estimate{}, err
		}
		plannedChildren[i] = childQ
		childEstimates[i] = childEst
	}

	relatedPlanned := make([]*ast.RelatedDescriptor, len(q.Related))
	for i, rd := range q.Related {
		childQ, _, err := planQuery(ctx, db, rd.Subquery, model, debug)
		if err != nil {
			return nil, costmodel.Estimate{}, err
		}
		relatedPlanned[i] = &ast.RelatedDescriptor{
			Correlation: rd.Correlation,
			Subquery:    childQ,
			System:      rd.System,
		}
	}

	parentEst, err := model.Cost(ctx, q.Table, q.OrderBy, q.Where, graph.Conn.Constraint)
	if err != nil {
		return nil, costmodel.Estimate{}, err
	}

	bestFlips := chooseFlips(graph.Joins, parentEst, childEstimates, debug)

	rewritten := rewriteQuery(q, graph.Joins, bestFlips, plannedChildren, relatedPlanned)
	return rewritten, parentEst, nil
}

// chooseFlips enumerates 2^k assignments over the flippable joins in
// joins, scores each bottom-up, and returns the winning per-join flip
// vector (always length len(joins); unflippable joins are always false).
func chooseFlips(joins []*Join, parentEst costmodel.Estimate, childEstimates []costmodel.Estimate, debug DebugSink) []bool {
	var flippable []int
	for i, j := range joins {
		if j.Flippable {
			flippable = append(flippable, i)
		}
	}
	k := len(flippable)
	attempts := 1 << uint(k)

	bestCost := math.Inf(1)
	bestFlipCount := math.MaxInt32
	bestFlips := make([]bool, len(joins))

	for attempt := 0; attempt < attempts; attempt++ {
		flips := make([]bool, len(joins))
		flipCount := 0
		for bit, idx := range flippable {
			if attempt&(1<<uint(bit)) != 0 {
				flips[idx] = true
				flipCount++
			}
		}

		cost := scoreAssignment(joins, flips, parentEst, childEstimates)

		var bitmap uint64
		for i, f := range flips {
			if f {
				bitmap |= 1 << uint(i)
			}
		}
		debug.Record(Attempt{Number: attempt, Cost: cost, Flips: bitmap})

		// Tie-break: prefer the lower attempt number (ascending scan with
		// strict improvement already does this — attempt 0 is the
		// unflipped plan); then prefer fewer flips on an exact cost tie.
		const eps = 1e-9
		better := cost < bestCost-eps
		tie := math.Abs(cost-bestCost) <= eps && flipCount < bestFlipCount
		if better || tie {
			bestCost = cost
			bestFlipCount = flipCount
			bestFlips = flips
		}
	}
	return bestFlips
}

func scoreAssignment(joins []*Join, flips []bool, parentEst costmodel.Estimate, childEstimates []costmodel.Estimate) float64 {
	total := parentEst.BranchCost()
	for i, j := range joins {
		childEst := childEstimates[i]
		total += childEst.BranchCost()

		var driverRows float64
		var nonDriver costmodel.Estimate
		var joinCols []string
		if flips[i] {
			driverRows = childEst.Rows
			nonDriver = parentEst
			joinCols = j.Node.Related.Correlation.ParentField
		} else {
			driverRows = parentEst.Rows
			nonDriver = childEst
			joinCols = j.Node.Related.Correlation.ChildField
		}

		joinCost := driverRows * nonDriver.Fanout(joinCols).Fanout
		if !flips[i] {
			joinCost += semiJoinOverhead
		}
		total += joinCost
	}
	return total
}

// rewriteQuery produces a new Query equal to q except each correlatedSubquery
// collected in joins has its Flip set from flips and its Subquery replaced
// by its already-planned form, and q.Related is replaced by its
// already-planned form. Per the ast package's immutability convention, no
// node from q is reused by reference in the returned tree.
func rewriteQuery(q *ast.Query, joins []*Join, flips []bool, plannedChildren []*ast.Query, plannedRelated []*ast.RelatedDescriptor) *ast.Query {
	out := *q
	out.Where = rewriteCondition(q.Where, joins, flips, plannedChildren)
	out.Related = plannedRelated
	out.OrderBy = append([]ast.OrderTerm(nil), q.OrderBy...)
	return &out
}

func rewriteCondition(cond ast.Condition, joins []*Join, flips []bool, planned []*ast.Query) ast.Condition {
	switch c := cond.(type) {
	case nil:
		return nil
	case *ast.Simple:
		cp := *c
		return &cp
	case *ast.And:
		terms := make([]ast.Condition, len(c.Terms))
		for i, t := range c.Terms {
			terms[i] = rewriteCondition(t, joins, flips, planned)
		}
		return &ast.And{Terms: terms}
	case *ast.Or:
		terms := make([]ast.Condition, len(c.Terms))
		for i, t := range c.Terms {
			terms[i] = rewriteCondition(t, joins, flips, planned)
		}
		return &ast.Or{Terms: terms}
	case *ast.CorrelatedSubquery:
		for i, j := range joins {
			if j.Node == c {
				return &ast.CorrelatedSubquery{
					Related: &ast.RelatedDescriptor{
						Correlation: c.Related.Correlation,
						Subquery:    planned[i],
						System:      c.Related.System,
					},
					Flip: flips[i],
				}
			}
		}
		// Every CorrelatedSubquery reachable from q.Where was collected
		// into joins by BuildGraph; this branch is unreachable.
		return c
	default:
		return c
	}
}
