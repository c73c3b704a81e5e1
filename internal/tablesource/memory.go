package tablesource

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/canonica-labs/zoql/internal/ast"
	"github.com/canonica-labs/zoql/internal/engineerr"
)

// MemorySource is the reference in-process Source: an unindexed row map
// resorted per Fetch call into whatever order the caller requested.
// Grounded on internal/federation/stream.go's MemoryResultStore, adapted
// from an append-only result cache into a mutable table with keyed
// add/remove/edit.
type MemorySource struct {
	tableName string
	pk        []string

	mu                sync.RWMutex
	rows              map[string]Row
	defaultYieldEvery int
}

// NewMemorySource constructs an empty table keyed by pk.
func NewMemorySource(tableName string, pk []string) *MemorySource {
	return &MemorySource{
		tableName:         tableName,
		pk:                append([]string(nil), pk...),
		rows:              make(map[string]Row),
		defaultYieldEvery: 250,
	}
}

// Seed bulk-loads rows without conflict checking, for test and fixture
// setup (spec.md §8's scenario fixtures).
func (s *MemorySource) Seed(rows ...Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.rows[CanonicalKey(KeyOf(r, s.pk))] = r
	}
}

func (s *MemorySource) PrimaryKey() []string {
	return append([]string(nil), s.pk...)
}

// Fetch implements Source.
func (s *MemorySource) Fetch(_ context.Context, opts FetchOptions) RowIter {
	s.mu.RLock()
	snapshot := make([]Row, 0, len(s.rows))
	for _, r := range s.rows {
		if matchesConstraint(r, opts.Constraint) {
			snapshot = append(snapshot, r)
		}
	}
	s.mu.RUnlock()

	order := opts.OrderBy
	if len(order) == 0 {
		order = naturalOrder(s.pk)
	}
	if opts.Reverse {
		order = flipDirections(order)
	}

	sort.Slice(snapshot, func(i, j int) bool {
		return compareRowsByOrder(snapshot[i], snapshot[j], order) < 0
	})

	if opts.Start != nil {
		snapshot = trimByCursor(snapshot, opts.Start, order)
	}

	yieldEvery := opts.YieldEvery
	if yieldEvery == 0 {
		yieldEvery = s.defaultYieldEvery
	}
	return &sliceIter{rows: snapshot, yieldEvery: yieldEvery}
}

// GetRow implements Source. key may be the primary key or any other
// unique index's columns (§4.4: "any superset of a unique index") — a PK
// key resolves via the direct index; any other shape falls back to a
// linear scan, acceptable for this in-memory reference implementation.
func (s *MemorySource) GetRow(_ context.Context, key Key) (Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if isKeyedBy(key, s.pk) {
		row, ok := s.rows[CanonicalKey(key)]
		return row, ok, nil
	}
	for _, row := range s.rows {
		if matchesConstraint(row, key) {
			return row, true, nil
		}
	}
	return nil, false, nil
}

func isKeyedBy(key Key, cols []string) bool {
	if len(key) != len(cols) {
		return false
	}
	for _, c := range cols {
		if _, ok := key[c]; !ok {
			return false
		}
	}
	return true
}

// Push implements Source.
func (s *MemorySource) Push(_ context.Context, change Change) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch change.Kind {
	case ChangeAdd:
		key := KeyOf(change.Row, s.pk)
		canon := CanonicalKey(key)
		if _, exists := s.rows[canon]; exists {
			return Change{}, engineerr.NewRowConflict(s.tableName, canon)
		}
		s.rows[canon] = change.Row
		change.Key = key
		return change, nil

	case ChangeRemove:
		canon := CanonicalKey(change.Key)
		existing, exists := s.rows[canon]
		if !exists {
			return Change{}, engineerr.NewRowNotFound(s.tableName, canon)
		}
		if change.PrevRow == nil {
			change.PrevRow = existing
		}
		delete(s.rows, canon)
		return change, nil

	case ChangeEdit:
		oldCanon := CanonicalKey(KeyOf(change.PrevRow, s.pk))
		if _, exists := s.rows[oldCanon]; !exists {
			return Change{}, engineerr.NewRowNotFound(s.tableName, oldCanon)
		}
		newKey := KeyOf(change.Row, s.pk)
		newCanon := CanonicalKey(newKey)
		if newCanon != oldCanon {
			if _, exists := s.rows[newCanon]; exists {
				return Change{}, engineerr.NewRowConflict(s.tableName, newCanon)
			}
			delete(s.rows, oldCanon)
		}
		s.rows[newCanon] = change.Row
		change.Key = newKey
		return change, nil

	default:
		return Change{}, fmt.Errorf("tablesource: unknown change kind %d", change.Kind)
	}
}

// sliceIter is a single-shot RowIter over a pre-sorted, pre-filtered
// snapshot, interleaving Yield every yieldEvery rows (0 disables
// yielding).
type sliceIter struct {
	rows         []Row
	idx          int
	yieldEvery   int
	sinceYield   int
	pendingYield bool
}

func (it *sliceIter) Next(ctx context.Context) (*Item, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if it.pendingYield {
		it.pendingYield = false
		y := Yield
		return &y, nil
	}
	if it.idx >= len(it.rows) {
		return nil, nil
	}

	row := it.rows[it.idx]
	it.idx++
	it.sinceYield++
	if it.yieldEvery > 0 && it.sinceYield == it.yieldEvery {
		it.sinceYield = 0
		it.pendingYield = true
	}
	return &Item{Kind: ItemRow, Row: row}, nil
}

func (it *sliceIter) Close() error { return nil }

func matchesConstraint(row Row, constraint map[string]any) bool {
	for col, want := range constraint {
		if compareValues(row[col], want) != 0 {
			return false
		}
	}
	return true
}

func naturalOrder(pk []string) []ast.OrderTerm {
	terms := make([]ast.OrderTerm, len(pk))
	for i, c := range pk {
		terms[i] = ast.OrderTerm{Column: c, Dir: ast.Asc}
	}
	return terms
}

func flipDirections(order []ast.OrderTerm) []ast.OrderTerm {
	out := make([]ast.OrderTerm, len(order))
	for i, t := range order {
		out[i] = t
		if t.Dir == ast.Asc {
			out[i].Dir = ast.Desc
		} else {
			out[i].Dir = ast.Asc
		}
	}
	return out
}

func compareRowsByOrder(a, b Row, order []ast.OrderTerm) int {
	for _, t := range order {
		c := compareValues(a[t.Column], b[t.Column])
		if t.Dir == ast.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

func trimByCursor(rows []Row, cursor *ast.Cursor, order []ast.OrderTerm) []Row {
	out := rows[:0:0]
	cursorRow := Row(cursor.Row)
	for _, r := range rows {
		c := compareRowsByOrder(r, cursorRow, order)
		var keep bool
		switch cursor.Basis {
		case ast.BasisAfter:
			keep = c > 0
		default: // ast.BasisAt
			keep = c >= 0
		}
		if keep {
			out = append(out, r)
		}
	}
	return out
}

// compareValues orders two engine-representable values (the closed
// {string, number, boolean, json, null} type set, §6). nil sorts first.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0
		}
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	default:
		af, aok := toFloat64(a)
		bf, bok := toFloat64(b)
		if !aok || !bok {
			return 0
		}
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
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
