// Package tablesource provides the replicated-table read/write surface the
// dataflow operators are rooted at (spec §4.4).
package tablesource

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/canonica-labs/zoql/internal/ast"
)

// Row is a fully materialised replicated row, column name to value.
// Grounded on internal/federation/stream.go's Row map[string]interface{}.
type Row map[string]any

// Key is a row's primary-key projection: exactly the PK columns.
type Key map[string]any

// CanonicalKey renders key as a stable string for use as a map index and
// as the change streamer's per-(table, union-key) dedup key (§4.6). Field
// order is sorted so equal keys always render identically regardless of
// construction order.
func CanonicalKey(key Key) string {
	names := make([]string, 0, len(key))
	for k := range key {
		names = append(names, k)
	}
	sort.Strings(names)
	ordered := make([]any, 0, len(names)*2)
	for _, n := range names {
		ordered = append(ordered, n, key[n])
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		// key values are already-decoded engine-representable types
		// (string/number/boolean/json/null); Marshal cannot fail on them.
		panic(fmt.Sprintf("tablesource: canonical key marshal: %v", err))
	}
	return string(b)
}

// ItemKind distinguishes a fetched Item: an actual row, or the cooperative
// yield sentinel (§5 suspension point, Design Note "Iterator-with-yield-sentinel").
type ItemKind int

const (
	ItemRow ItemKind = iota
	ItemYield
)

// Item is what a RowIter produces. Operators must forward an ItemYield
// Item unchanged rather than absorb it (Design Note: never bury the
// sentinel inside a callback chain). Table and System are populated by
// dataflow's sourceOperator and relatedOperator respectively, so a
// hydration consumer can label and, for System, suppress rows the same
// way the incremental push path does via RowChange (§4.6) — one Item
// shape serves both the hydration and push row paths instead of two
// parallel ones.
type Item struct {
	Kind   ItemKind
	Row    Row
	Table  string
	System ast.System
}

// Yield is the shared sentinel value every RowIter emits between batches.
var Yield = Item{Kind: ItemYield}

// RowIter is a single-shot, ordered row sequence (Design Note
// "Generators/lazy sequences": these are single-shot and must not be
// re-driven after exhaustion). Next returns (nil, nil) on exhaustion,
// following the teacher's ResultStream.Next convention.
type RowIter interface {
	Next(ctx context.Context) (*Item, error)
	Close() error
}

// ChangeKind distinguishes the three push shapes §4.4 describes.
type ChangeKind int

const (
	ChangeAdd ChangeKind = iota
	ChangeRemove
	ChangeEdit
)

// Change is one mutation pushed into a Source. For ChangeAdd and
// ChangeEdit, Row is the row's new contents; for ChangeEdit, PrevRow is
// its prior contents. Key is the row's key after the change (for
// ChangeRemove, the key of the row being removed). For ChangeRemove,
// PrevRow may be supplied by the caller when the removed row's contents
// are already known (e.g. from a snapshot diff); if left nil, the source
// fills it in from its own storage before the row is deleted, so
// downstream operators can still evaluate filters against it. Whether an
// edit collapses to a single `edit` or splits into `remove`+`add` is
// decided above the table source (dataflow's edit-detecting operator) —
// the source only validates and applies the mutation.
type Change struct {
	Kind    ChangeKind
	Row     Row
	PrevRow Row
	Key     Key
}

// FetchOptions parameterises one Fetch call (§4.4: "fetch({constraint?,
// start?, reverse?})"), generalized with an explicit OrderBy and a
// per-call yield threshold so no part of the policy lives in package-level
// state (Design Note "Global debug flags" applies equally to yield policy).
type FetchOptions struct {
	// Constraint restricts the scan to rows matching column=value for
	// every entry (an equality constraint, §4.4).
	Constraint map[string]any
	// OrderBy is the requested total order; if empty, the source's
	// natural (primary key, ascending) order is used.
	OrderBy []ast.OrderTerm
	// Reverse walks OrderBy in the opposite direction.
	Reverse bool
	// Start positions the first row returned, inclusive (BasisAt) or
	// exclusive (BasisAfter) of the cursor row, relative to OrderBy.
	Start *ast.Cursor
	// YieldEvery overrides the source's default cooperative-yield
	// threshold (rows fetched between Yield sentinels); 0 means "use the
	// source's default."
	YieldEvery int
}

// Source is the table-source contract every dataflow operator tree is
// rooted at (§4.4).
type Source interface {
	// Fetch returns a lazy, ordered row sequence matching opts.
	Fetch(ctx context.Context, opts FetchOptions) RowIter
	// Push applies change, returning it (possibly normalised) for the
	// caller to propagate to operators above this source. It fails
	// loudly on remove of a missing row or add of a conflicting key
	// (§4.4), using engineerr.ErrRowNotFound / engineerr.ErrRowConflict.
	Push(ctx context.Context, change Change) (Change, error)
	// GetRow returns the current row under key, used by joins for
	// back-references (§4.4).
	GetRow(ctx context.Context, key Key) (Row, bool, error)
	// PrimaryKey returns the table's primary-key column names, in
	// declared order.
	PrimaryKey() []string
}

// KeyOf projects row onto pk's columns.
func KeyOf(row Row, pk []string) Key {
	key := make(Key, len(pk))
	for _, col := range pk {
		key[col] = row[col]
	}
	return key
}
