package dataflow

import (
	"context"

	"github.com/canonica-labs/zoql/internal/ast"
	"github.com/canonica-labs/zoql/internal/tablesource"
)

// existsBranch answers one correlatedSubquery's EXISTS predicate for a
// given parent row, using the planner's flip decision to choose between
// two genuinely different strategies (§4.7):
//
//   - unflipped (parent-driven): a point probe — build the child's key
//     from the correlation and the parent row, GetRow it, and test the
//     child's own predicate against that single candidate.
//   - flipped (child-driven): a one-time scan of the child's own matching
//     rows, each resolved back to its single owning parent via GetRow
//     (valid because flippability requires parentField to be covered by
//     a unique index), building a membership set later queried in O(1)
//     per parent row instead of one GetRow per parent row.
type existsBranch struct {
	correlation ast.Correlation
	parentPK    []string
	parentSrc   tablesource.Source
	childSrc    tablesource.Source
	child       Operator
	flip        bool
}

func (b *existsBranch) childKeyFrom(parentRow tablesource.Row) tablesource.Key {
	key := make(tablesource.Key, len(b.correlation.ChildField))
	for i, cf := range b.correlation.ChildField {
		key[cf] = parentRow[b.correlation.ParentField[i]]
	}
	return key
}

func (b *existsBranch) parentKeyFromChildRow(childRow tablesource.Row) tablesource.Key {
	key := make(tablesource.Key, len(b.correlation.ParentField))
	for i, pf := range b.correlation.ParentField {
		key[pf] = childRow[b.correlation.ChildField[i]]
	}
	return key
}

// matchesUnflipped is the always-correct point-probe strategy, used for
// row-wise evaluation (Matches) regardless of the branch's flip decision
// — flip only changes how Fetch's bulk hydration precomputes membership.
func (b *existsBranch) matchesUnflipped(ctx context.Context, parentRow tablesource.Row) (bool, error) {
	candidate, ok, err := b.childSrc.GetRow(ctx, b.childKeyFrom(parentRow))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return b.child.Matches(ctx, candidate)
}

// buildMatchSet realises the child-driven strategy: scan every row the
// child's own compiled operator currently matches, resolve its parent,
// and record the parent's canonical key. Called once per hydration pass
// that uses this branch, not once per parent row.
func (b *existsBranch) buildMatchSet(ctx context.Context) (map[string]bool, error) {
	set := make(map[string]bool)
	it := b.child.Fetch(ctx, nil)
	defer it.Close()
	for {
		item, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return set, nil
		}
		if item.Kind != tablesource.ItemRow {
			continue
		}
		parentKey := b.parentKeyFromChildRow(item.Row)
		parentRow, ok, err := b.parentSrc.GetRow(ctx, parentKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		set[tablesource.CanonicalKey(tablesource.KeyOf(parentRow, b.parentPK))] = true
	}
}

func (b *existsBranch) tables() []string {
	return dedupeTables(append([]string{}, b.child.Tables()...))
}
