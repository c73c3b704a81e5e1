package dataflow

import (
	"context"

	"github.com/canonica-labs/zoql/internal/ast"
	"github.com/canonica-labs/zoql/internal/tablesource"
)

// sourceOperator is a thin adapter around a tablesource.Source (§4.7). It
// carries no predicate of its own; Matches always reports true.
type sourceOperator struct {
	table   string
	source  tablesource.Source
	orderBy []ast.OrderTerm
}

func newSourceOperator(table string, source tablesource.Source, orderBy []ast.OrderTerm) *sourceOperator {
	return &sourceOperator{table: table, source: source, orderBy: orderBy}
}

func (o *sourceOperator) Fetch(ctx context.Context, constraint map[string]any) tablesource.RowIter {
	return &taggingIter{
		table: o.table,
		inner: o.source.Fetch(ctx, tablesource.FetchOptions{
			Constraint: constraint,
			OrderBy:    o.orderBy,
		}),
	}
}

// taggingIter labels every row its source emits with the owning table,
// so hydration consumers above a related tree's leaves can tell which
// table (and, once relatedOperator layers System on top, which access
// system) produced it without re-deriving the query shape themselves.
type taggingIter struct {
	table string
	inner tablesource.RowIter
}

func (it *taggingIter) Next(ctx context.Context) (*tablesource.Item, error) {
	item, err := it.inner.Next(ctx)
	if err != nil || item == nil || item.Kind != tablesource.ItemRow {
		return item, err
	}
	tagged := *item
	tagged.Table = it.table
	return &tagged, nil
}

func (it *taggingIter) Close() error {
	return it.inner.Close()
}

func (o *sourceOperator) Matches(context.Context, tablesource.Row) (bool, error) {
	return true, nil
}

func (o *sourceOperator) Push(_ context.Context, table string, change tablesource.Change) ([]RowChange, error) {
	if table != o.table {
		return nil, nil
	}
	switch change.Kind {
	case tablesource.ChangeAdd:
		return []RowChange{{Kind: Add, Table: o.table, Key: change.Key, Row: change.Row}}, nil
	case tablesource.ChangeRemove:
		return []RowChange{{Kind: Remove, Table: o.table, Key: change.Key, PrevRow: change.PrevRow}}, nil
	case tablesource.ChangeEdit:
		return []RowChange{{Kind: Edit, Table: o.table, Key: change.Key, Row: change.Row, PrevRow: change.PrevRow}}, nil
	default:
		return nil, nil
	}
}

func (o *sourceOperator) Tables() []string {
	return []string{o.table}
}

// editDetectOperator wraps a sourceOperator and implements §4.6's "Edit vs
// remove+add" rule: an edit whose PK is unchanged stays a single Edit;
// an edit that changes the PK splits into Remove then Add, in that
// order (§5: "within a single diff entry, remove rows precede add rows").
type editDetectOperator struct {
	inner *sourceOperator
	pk    []string
}

func newEditDetectOperator(inner *sourceOperator, pk []string) *editDetectOperator {
	return &editDetectOperator{inner: inner, pk: pk}
}

func (o *editDetectOperator) Fetch(ctx context.Context, constraint map[string]any) tablesource.RowIter {
	return o.inner.Fetch(ctx, constraint)
}

func (o *editDetectOperator) Matches(ctx context.Context, row tablesource.Row) (bool, error) {
	return o.inner.Matches(ctx, row)
}

func (o *editDetectOperator) Push(ctx context.Context, table string, change tablesource.Change) ([]RowChange, error) {
	if table != o.inner.table || change.Kind != tablesource.ChangeEdit {
		return o.inner.Push(ctx, table, change)
	}
	oldKey := tablesource.KeyOf(change.PrevRow, o.pk)
	if tablesource.CanonicalKey(oldKey) == tablesource.CanonicalKey(change.Key) {
		return []RowChange{{Kind: Edit, Table: o.inner.table, Key: change.Key, Row: change.Row, PrevRow: change.PrevRow}}, nil
	}
	return []RowChange{
		{Kind: Remove, Table: o.inner.table, Key: oldKey, PrevRow: change.PrevRow},
		{Kind: Add, Table: o.inner.table, Key: change.Key, Row: change.Row},
	}, nil
}

func (o *editDetectOperator) Tables() []string {
	return o.inner.Tables()
}
