// Package dataflow compiles a planned query into an incremental operator
// tree rooted at table sources (spec §2 row E, detailed in §4.7).
package dataflow

import (
	"context"

	"github.com/canonica-labs/zoql/internal/ast"
	"github.com/canonica-labs/zoql/internal/tablesource"
)

// ChangeKind is the output shape a RowChange carries — the engine's
// emitted record kind (§6 "Row-change record").
type ChangeKind int

const (
	Add ChangeKind = iota
	Remove
	Edit
)

// RowChange is one operator-tree output record. Key always carries
// exactly the owning table's primary-key columns (§6). Row is populated
// for Add and Edit; PrevRow is populated for Edit (and, when available,
// for Remove, so a wrapping filter can re-test visibility of the row
// being removed). System records which related subtree produced this
// change (the zero value, "", is treated as ast.SystemClient); relatedOperator tags it
// ast.SystemPermissions when the change arrived through a
// `system=permissions` child, so the change streamer can suppress it
// at its boundary without the operator tree altering filtering behavior
// (§4.6).
type RowChange struct {
	Kind    ChangeKind
	Table   string
	Key     tablesource.Key
	Row     tablesource.Row
	PrevRow tablesource.Row
	System  ast.System
}

// Operator is one node of a compiled query's execution tree. Every
// implementation must ignore Push calls for tables it has no stake in,
// returning (nil, nil) — callers rely on this to fan a single push
// through an operator tree without type-switching on node kind (Design
// Note "Operator trees with shared parents": children never reach back
// into a parent's ownership, only through the Registry-supplied sources).
type Operator interface {
	// Fetch returns the operator's currently matching rows, additionally
	// restricted by constraint (an equality constraint merged with
	// whatever this operator already applies). Hydration (§4.5) calls
	// Fetch(ctx, nil) on the root.
	Fetch(ctx context.Context, constraint map[string]any) tablesource.RowIter

	// Matches reports whether row (already fetched from this operator's
	// own table) currently satisfies this operator's predicate, without
	// performing a fresh table scan — used both by Or/And evaluation and
	// by an unflipped existsBranch's point-probe path.
	Matches(ctx context.Context, row tablesource.Row) (bool, error)

	// Push propagates a table-level Change into zero or more RowChanges
	// at this operator's output. Operators that don't read table return
	// (nil, nil).
	Push(ctx context.Context, table string, change tablesource.Change) ([]RowChange, error)

	// Tables returns every table this operator (and its descendants)
	// reads, used by the pipeline driver to decide whether a diff entry
	// is relevant to a given query (§4.5: "If none of the registered
	// pipelines reads the table, skip").
	Tables() []string
}

// Registry resolves a table name to its Source, shared by every operator
// in a driver (§4.5's `map<table, TableSource>`).
type Registry interface {
	Source(table string) (tablesource.Source, bool)
}

// firstRow drains it until the first ItemRow or exhaustion, discarding
// any Yield sentinels, and closes it. Nothing in this package calls it at
// present.
func firstRow(ctx context.Context, it tablesource.RowIter) (tablesource.Row, bool, error) {
	defer it.Close()
	for {
		item, err := it.Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if item == nil {
			return nil, false, nil
		}
		if item.Kind == tablesource.ItemRow {
			return item.Row, true, nil
		}
	}
}

func dedupeTables(tables []string) []string {
	seen := make(map[string]bool, len(tables))
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
