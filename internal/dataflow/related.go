package dataflow

import (
	"context"

	"github.com/canonica-labs/zoql/internal/ast"
	"github.com/canonica-labs/zoql/internal/schema"
	"github.com/canonica-labs/zoql/internal/tablesource"
)

// relatedChild is one hydration-only Query.Related descriptor, compiled.
type relatedChild struct {
	correlation ast.Correlation
	system      ast.System
	operator    Operator
}

// relatedOperator interleaves a parent's rows with its related children's
// rows, each parent row immediately followed by its matching child rows
// (§8 Scenario B's ordering: a parent with no matching children still
// appears alone, in its own position). Permissions-system subtrees are
// compiled and emitted the same as client ones; suppressing their rows
// from the subscriber-visible stream is the change streamer's job, not
// this operator's (§4.6).
type relatedOperator struct {
	parent   Operator
	children []relatedChild
	db       schema.Database
}

func (o *relatedOperator) Fetch(ctx context.Context, constraint map[string]any) tablesource.RowIter {
	return &relatedIter{op: o, parentIt: o.parent.Fetch(ctx, constraint)}
}

func (o *relatedOperator) Matches(ctx context.Context, row tablesource.Row) (bool, error) {
	return o.parent.Matches(ctx, row)
}

func (o *relatedOperator) Push(ctx context.Context, table string, change tablesource.Change) ([]RowChange, error) {
	var out []RowChange
	changes, err := o.parent.Push(ctx, table, change)
	if err != nil {
		return nil, err
	}
	out = append(out, changes...)
	for _, rc := range changes {
		if rc.Kind != Remove || rc.PrevRow == nil {
			continue
		}
		orphaned, err := o.cascadeRemove(ctx, rc.PrevRow)
		if err != nil {
			return nil, err
		}
		out = append(out, orphaned...)
	}
	for _, c := range o.children {
		changes, err := c.operator.Push(ctx, table, change)
		if err != nil {
			return nil, err
		}
		if c.system == ast.SystemPermissions {
			for i := range changes {
				if changes[i].System == "" {
					changes[i].System = ast.SystemPermissions
				}
			}
		}
		out = append(out, changes...)
	}
	return out, nil
}

// cascadeRemove fans a removed (or no-longer-visible) parent row out into
// Remove RowChanges for every row currently hydrated under it — the
// bidirectional-reactivity half of §8 Scenario C that a same-table Push
// alone can never reach, since a child's own table never changed. It
// reuses fetchChildren's fully recursive fetch, so a multi-level related
// subtree orphans its whole nested subtree, not just the immediate child.
func (o *relatedOperator) cascadeRemove(ctx context.Context, parentRow tablesource.Row) ([]RowChange, error) {
	items, err := o.fetchChildren(ctx, parentRow)
	if err != nil {
		return nil, err
	}
	out := make([]RowChange, 0, len(items))
	for _, item := range items {
		pk := o.primaryKey(item.Table)
		out = append(out, RowChange{
			Kind:    Remove,
			Table:   item.Table,
			Key:     tablesource.KeyOf(item.Row, pk),
			PrevRow: item.Row,
			System:  item.System,
		})
	}
	return out, nil
}

func (o *relatedOperator) primaryKey(table string) []string {
	if o.db == nil {
		return nil
	}
	if tbl, ok := o.db[table]; ok {
		return tbl.PrimaryKey
	}
	return nil
}

func (o *relatedOperator) Tables() []string {
	tables := append([]string{}, o.parent.Tables()...)
	for _, c := range o.children {
		tables = append(tables, c.operator.Tables()...)
	}
	return dedupeTables(tables)
}

func (o *relatedOperator) fetchChildren(ctx context.Context, parentRow tablesource.Row) ([]tablesource.Item, error) {
	var queued []tablesource.Item
	for _, c := range o.children {
		constraint := make(map[string]any, len(c.correlation.ChildField))
		for i, cf := range c.correlation.ChildField {
			constraint[cf] = parentRow[c.correlation.ParentField[i]]
		}
		it := c.operator.Fetch(ctx, constraint)
		for {
			item, err := it.Next(ctx)
			if err != nil {
				it.Close()
				return nil, err
			}
			if item == nil {
				break
			}
			if item.Kind != tablesource.ItemRow {
				continue
			}
			tagged := *item
			if c.system == ast.SystemPermissions && tagged.System == "" {
				tagged.System = ast.SystemPermissions
			}
			queued = append(queued, tagged)
		}
		if err := it.Close(); err != nil {
			return nil, err
		}
	}
	return queued, nil
}

// relatedIter is a pull-based state machine: each parent row is returned
// first, then its queued children drain before the parent iterator is
// advanced again.
type relatedIter struct {
	op       *relatedOperator
	parentIt tablesource.RowIter
	pending  []tablesource.Item
}

func (it *relatedIter) Next(ctx context.Context) (*tablesource.Item, error) {
	if len(it.pending) > 0 {
		item := it.pending[0]
		it.pending = it.pending[1:]
		return &item, nil
	}
	parentItem, err := it.parentIt.Next(ctx)
	if err != nil {
		return nil, err
	}
	if parentItem == nil {
		return nil, nil
	}
	if parentItem.Kind == tablesource.ItemYield {
		return parentItem, nil
	}
	queued, err := it.op.fetchChildren(ctx, parentItem.Row)
	if err != nil {
		return nil, err
	}
	it.pending = queued
	return parentItem, nil
}

func (it *relatedIter) Close() error {
	return it.parentIt.Close()
}
