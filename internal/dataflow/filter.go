package dataflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/canonica-labs/zoql/internal/ast"
	"github.com/canonica-labs/zoql/internal/tablesource"
)

// compiledQuery evaluates one query level's Where condition tree — Simple
// leaves against the row's own columns, CorrelatedSubquery leaves through
// an existsBranch (§4.7).
type compiledQuery struct {
	table    string
	source   Operator
	where    ast.Condition
	branches map[*ast.CorrelatedSubquery]*existsBranch
}

func newCompiledQuery(table string, source Operator, where ast.Condition, branches map[*ast.CorrelatedSubquery]*existsBranch) *compiledQuery {
	return &compiledQuery{table: table, source: source, where: where, branches: branches}
}

func (q *compiledQuery) Matches(ctx context.Context, row tablesource.Row) (bool, error) {
	return evalCondition(ctx, q.where, row, q.branches, nil)
}

func (q *compiledQuery) Fetch(ctx context.Context, constraint map[string]any) tablesource.RowIter {
	return &filterIter{q: q, inner: q.source.Fetch(ctx, constraint)}
}

func (q *compiledQuery) Push(ctx context.Context, table string, change tablesource.Change) ([]RowChange, error) {
	changes, err := q.source.Push(ctx, table, change)
	if err != nil || len(changes) == 0 {
		return changes, err
	}
	out := make([]RowChange, 0, len(changes))
	for _, c := range changes {
		kept, err := q.reconcile(ctx, c)
		if err != nil {
			return nil, err
		}
		if kept != nil {
			out = append(out, *kept)
		}
	}
	return out, nil
}

// reconcile re-tests Matches before/after a RowChange against this level's
// own predicate, converting an Edit whose visibility changed into an
// Add or Remove (§4.6's edit/split handling is about table-source PK
// changes; this is the analogous handling for predicate visibility).
func (q *compiledQuery) reconcile(ctx context.Context, c RowChange) (*RowChange, error) {
	switch c.Kind {
	case Add:
		ok, err := q.Matches(ctx, c.Row)
		if err != nil || !ok {
			return nil, err
		}
		return &c, nil
	case Remove:
		if c.PrevRow == nil {
			return &c, nil
		}
		ok, err := q.Matches(ctx, c.PrevRow)
		if err != nil || !ok {
			return nil, err
		}
		return &c, nil
	case Edit:
		wasVisible := true
		if c.PrevRow != nil {
			var err error
			wasVisible, err = q.Matches(ctx, c.PrevRow)
			if err != nil {
				return nil, err
			}
		}
		isVisible, err := q.Matches(ctx, c.Row)
		if err != nil {
			return nil, err
		}
		switch {
		case wasVisible && isVisible:
			return &c, nil
		case wasVisible && !isVisible:
			out := RowChange{Kind: Remove, Table: c.Table, Key: c.Key, PrevRow: c.PrevRow}
			return &out, nil
		case !wasVisible && isVisible:
			out := RowChange{Kind: Add, Table: c.Table, Key: c.Key, Row: c.Row}
			return &out, nil
		default:
			return nil, nil
		}
	default:
		return &c, nil
	}
}

func (q *compiledQuery) Tables() []string {
	tables := append([]string{}, q.source.Tables()...)
	for _, b := range q.branches {
		tables = append(tables, b.tables()...)
	}
	return dedupeTables(tables)
}

// buildFlipCache realises every top-level AND-combined flipped
// existsBranch as a single scan (§4.7's scoped driver optimization: it
// does not reach into Or terms or nested related subtrees).
func (q *compiledQuery) buildFlipCache(ctx context.Context) (map[*ast.CorrelatedSubquery]map[string]bool, error) {
	cache := make(map[*ast.CorrelatedSubquery]map[string]bool)
	for _, cs := range topLevelFlippedTerms(q.where) {
		b, ok := q.branches[cs]
		if !ok {
			continue
		}
		set, err := b.buildMatchSet(ctx)
		if err != nil {
			return nil, err
		}
		cache[cs] = set
	}
	return cache, nil
}

func topLevelFlippedTerms(cond ast.Condition) []*ast.CorrelatedSubquery {
	switch c := cond.(type) {
	case *ast.CorrelatedSubquery:
		if c.Flip {
			return []*ast.CorrelatedSubquery{c}
		}
	case *ast.And:
		var out []*ast.CorrelatedSubquery
		for _, t := range c.Terms {
			out = append(out, topLevelFlippedTerms(t)...)
		}
		return out
	}
	return nil
}

// filterIter wraps the source operator's iterator, dropping rows that
// don't satisfy the compiled predicate and forwarding Yield sentinels
// untouched.
type filterIter struct {
	q     *compiledQuery
	inner tablesource.RowIter
	cache map[*ast.CorrelatedSubquery]map[string]bool
	built bool
}

func (it *filterIter) Next(ctx context.Context) (*tablesource.Item, error) {
	if !it.built {
		cache, err := it.q.buildFlipCache(ctx)
		if err != nil {
			return nil, err
		}
		it.cache = cache
		it.built = true
	}
	for {
		item, err := it.inner.Next(ctx)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, nil
		}
		if item.Kind == tablesource.ItemYield {
			return item, nil
		}
		ok, err := evalCondition(ctx, it.q.where, item.Row, it.q.branches, it.cache)
		if err != nil {
			return nil, err
		}
		if ok {
			return item, nil
		}
	}
}

func (it *filterIter) Close() error {
	return it.inner.Close()
}

func evalCondition(ctx context.Context, cond ast.Condition, row tablesource.Row, branches map[*ast.CorrelatedSubquery]*existsBranch, cache map[*ast.CorrelatedSubquery]map[string]bool) (bool, error) {
	switch c := cond.(type) {
	case nil:
		return true, nil
	case *ast.Simple:
		return evalSimple(c, row)
	case *ast.And:
		for _, term := range c.Terms {
			ok, err := evalCondition(ctx, term, row, branches, cache)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case *ast.Or:
		for _, term := range c.Terms {
			ok, err := evalCondition(ctx, term, row, branches, cache)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case *ast.CorrelatedSubquery:
		b, ok := branches[c]
		if !ok {
			return false, fmt.Errorf("dataflow: no compiled branch for correlated subquery on %q", row)
		}
		if cache != nil {
			if set, ok := cache[c]; ok {
				key := tablesource.CanonicalKey(tablesource.KeyOf(row, b.parentPK))
				return set[key], nil
			}
		}
		return b.matchesUnflipped(ctx, row)
	default:
		return false, fmt.Errorf("dataflow: unsupported condition type %T", cond)
	}
}

func evalSimple(c *ast.Simple, row tablesource.Row) (bool, error) {
	left, err := operandValue(c.Left, row)
	if err != nil {
		return false, err
	}
	right, err := operandValue(c.Right, row)
	if err != nil {
		return false, err
	}
	return compareOp(c.Op, left, right)
}

func operandValue(op ast.Operand, row tablesource.Row) (any, error) {
	switch op.Kind {
	case ast.OperandColumn:
		return row[op.Column], nil
	case ast.OperandLiteral:
		return op.Literal, nil
	default:
		return nil, fmt.Errorf("dataflow: unresolved static operand %q", op.Static)
	}
}

func compareOp(op ast.Operator, left, right any) (bool, error) {
	switch op {
	case ast.OpEq:
		return valuesEqual(left, right), nil
	case ast.OpNeq:
		return !valuesEqual(left, right), nil
	case ast.OpIs:
		return valuesEqual(left, right), nil
	case ast.OpIsNot:
		return !valuesEqual(left, right), nil
	case ast.OpLt, ast.OpLte, ast.OpGt, ast.OpGte:
		return compareOrdered(op, left, right)
	case ast.OpIn, ast.OpNotIn:
		items, ok := right.([]any)
		if !ok {
			return false, fmt.Errorf("dataflow: %s requires a list operand", op)
		}
		found := false
		for _, item := range items {
			if valuesEqual(left, item) {
				found = true
				break
			}
		}
		if op == ast.OpNotIn {
			return !found, nil
		}
		return found, nil
	case ast.OpLike, ast.OpNotLike, ast.OpILike, ast.OpNotILike:
		matched, err := likeMatch(left, right, op == ast.OpILike || op == ast.OpNotILike)
		if err != nil {
			return false, err
		}
		if op == ast.OpNotLike || op == ast.OpNotILike {
			return !matched, nil
		}
		return matched, nil
	default:
		return false, fmt.Errorf("dataflow: unsupported operator %q", op)
	}
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			return af == bf
		}
	}
	return a == b
}

func compareOrdered(op ast.Operator, left, right any) (bool, error) {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		return applyOrder(op, lf-rf), nil
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		return applyOrder(op, float64(strings.Compare(ls, rs))), nil
	}
	return false, fmt.Errorf("dataflow: incomparable operands %v %s %v", left, op, right)
}

func applyOrder(op ast.Operator, diff float64) bool {
	switch op {
	case ast.OpLt:
		return diff < 0
	case ast.OpLte:
		return diff <= 0
	case ast.OpGt:
		return diff > 0
	case ast.OpGte:
		return diff >= 0
	default:
		return false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func likeMatch(left, right any, caseInsensitive bool) (bool, error) {
	s, ok := left.(string)
	if !ok {
		return false, nil
	}
	pattern, ok := right.(string)
	if !ok {
		return false, fmt.Errorf("dataflow: LIKE pattern must be a string")
	}
	if caseInsensitive {
		s = strings.ToLower(s)
		pattern = strings.ToLower(pattern)
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}
