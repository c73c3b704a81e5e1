// Package costmodel defines the planner's cost-model contract (spec §4.1)
// and two implementations: a constant fallback for unit tests, and a
// SQLite-statistics-backed reference implementation for production use.
package costmodel

import (
	"context"

	"github.com/canonica-labs/zoql/internal/ast"
)

// Confidence indicates how much the planner should trust a Fanout value
// over a plain Rows estimate when scoring a join (§4.1: "fanout replaces
// rows when it provides higher-confidence information").
type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

// FanoutResult is the deferred fanout computation's answer: the expected
// number of child rows per distinct value of the join columns.
type FanoutResult struct {
	Fanout     float64
	Confidence Confidence
}

// FanoutFunc is the deferred, column-parameterised fanout lookup (Design
// Note: "Cost model as higher-order function with deferred sub-computation").
// It is a plain function value, not a closure over a mutable database
// handle — implementations thread any handle they need as a field on the
// Model instead, so FanoutFunc values can be passed around and called
// without smuggling shared mutable state (Design Note's "avoid closures
// that capture mutable database handles").
type FanoutFunc func(joinCols []string) FanoutResult

// Estimate is the cost model's answer for one Connection (table access
// site): rows, one-time startup cost, and a deferred fanout lookup.
type Estimate struct {
	Rows        float64
	StartupCost float64
	Fanout      FanoutFunc
}

// BranchCost is the engine's single blended-cost figure for a Connection,
// per §4.1: "the engine must use startupCost + rows as the branch cost
// except inside fanout-bearing loops."
func (e Estimate) BranchCost() float64 {
	return e.StartupCost + e.Rows
}

// Constraint is the set of columns (and whether they're pinned by an
// equality in the parent) a Connection's access is constrained by.
type Constraint struct {
	// EqualityColumns are columns the parent fixes via equality (drives
	// `rows` toward 1 when they cover a unique/primary key, §4.1).
	EqualityColumns []string
}

// Model is the pure-function cost-model contract every planner consults.
// Implementations must be safe for concurrent use: the planner may
// evaluate many plan variants over the same graph concurrently.
type Model interface {
	// Cost estimates one Connection's access cost.
	Cost(ctx context.Context, table string, ordering []ast.OrderTerm, filters ast.Condition, constraint Constraint) (Estimate, error)
}
