package tablesource

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/canonica-labs/zoql/internal/ast"
	"github.com/canonica-labs/zoql/internal/engineerr"
	"github.com/canonica-labs/zoql/internal/schema"
)

// Dialect selects the parameter-placeholder style of the database/sql
// driver SQLSource is opened against; row semantics are otherwise uniform
// across drivers (§4.4: "storage-agnostic the way the teacher's engine
// adapters are interchangeable").
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectDuckDB
	DialectPostgres
)

func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// maxSafeInteger bounds the representable integer range of the engine's
// number type (§4.4: "Integer values outside the safe range... fail with
// an out-of-range error").
const maxSafeInteger = int64(1) << 53

// LazyJSON defers decoding a JSON column's raw bytes until a consumer
// asks for its value (§4.4: "JSON values are parsed lazily on first
// materialisation"). Decode failures are cached and returned again on
// subsequent calls.
type LazyJSON struct {
	raw  []byte
	once sync.Once
	val  any
	err  error
}

// Value decodes and returns the JSON value, decoding at most once.
func (j *LazyJSON) Value() (any, error) {
	j.once.Do(func() {
		if len(j.raw) == 0 {
			return
		}
		j.err = json.Unmarshal(j.raw, &j.val)
	})
	return j.val, j.err
}

// SQLSource wraps a database/sql handle as a Source. It is driver-agnostic:
// construct it over modernc.org/sqlite, github.com/marcboeker/go-duckdb, or
// github.com/lib/pq, selecting Dialect to match. Grounded on
// internal/storage/postgres_repository.go's prepared-statement repository
// shape and internal/adapters/duckdb/adapter.go's mutex-guarded write path.
type SQLSource struct {
	db        *sql.DB
	dialect   Dialect
	tableName string
	table     schema.Table

	mu                sync.Mutex
	defaultYieldEvery int
}

// NewSQLSource constructs a SQLSource over an already-open handle.
func NewSQLSource(db *sql.DB, dialect Dialect, tableName string, table schema.Table) *SQLSource {
	return &SQLSource{
		db:                db,
		dialect:           dialect,
		tableName:         tableName,
		table:             table,
		defaultYieldEvery: 250,
	}
}

func (s *SQLSource) PrimaryKey() []string {
	return append([]string(nil), s.table.PrimaryKey...)
}

func (s *SQLSource) columnNames() []string {
	cols := make([]string, 0, len(s.table.Columns))
	for c := range s.table.Columns {
		cols = append(cols, c)
	}
	return cols
}

// Fetch implements Source via a parameterized SELECT ... WHERE ...
// ORDER BY ... statement; the cursor predicate is built portably across
// dialects as an expanded keyset disjunction (`(a > x) OR (a = x AND
// b > y)`, per-column direction respected) rather than a row-value
// `(a,b) > (x,y)` tuple comparison.
func (s *SQLSource) Fetch(ctx context.Context, opts FetchOptions) RowIter {
	cols := s.columnNames()
	order := opts.OrderBy
	if len(order) == 0 {
		order = naturalOrder(s.table.PrimaryKey)
	}
	if opts.Reverse {
		order = flipDirections(order)
	}

	var where []string
	var args []any
	argN := 1

	for col, val := range opts.Constraint {
		where = append(where, fmt.Sprintf("%s = %s", quoteIdent(col), s.dialect.placeholder(argN)))
		args = append(args, val)
		argN++
	}

	if opts.Start != nil {
		pred, predArgs, next := buildCursorPredicate(order, opts.Start, s.dialect, argN)
		if pred != "" {
			where = append(where, pred)
			args = append(args, predArgs...)
			argN = next
		}
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoteIdents(cols), ", "), quoteIdent(s.tableName))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if len(order) > 0 {
		terms := make([]string, len(order))
		for i, t := range order {
			dir := "ASC"
			if t.Dir == ast.Desc {
				dir = "DESC"
			}
			terms[i] = fmt.Sprintf("%s %s", quoteIdent(t.Column), dir)
		}
		query += " ORDER BY " + strings.Join(terms, ", ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return &errIter{err: fmt.Errorf("tablesource: querying %s: %w", s.tableName, err)}
	}

	yieldEvery := opts.YieldEvery
	if yieldEvery == 0 {
		yieldEvery = s.defaultYieldEvery
	}
	return &sqlRowIter{rows: rows, cols: cols, table: s, yieldEvery: yieldEvery}
}

// GetRow implements Source.
func (s *SQLSource) GetRow(ctx context.Context, key Key) (Row, bool, error) {
	cols := s.columnNames()
	where, args := s.keyPredicate(key, 1)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1",
		strings.Join(quoteIdents(cols), ", "), quoteIdent(s.tableName), where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("tablesource: getRow %s: %w", s.tableName, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	row, err := s.scanRow(cols, rows)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (s *SQLSource) keyPredicate(key Key, argStart int) (string, []any) {
	names := make([]string, 0, len(key))
	for k := range key {
		names = append(names, k)
	}
	clauses := make([]string, len(names))
	args := make([]any, len(names))
	n := argStart
	for i, col := range names {
		clauses[i] = fmt.Sprintf("%s = %s", quoteIdent(col), s.dialect.placeholder(n))
		args[i] = key[col]
		n++
	}
	return strings.Join(clauses, " AND "), args
}

func (s *SQLSource) existsLocked(ctx context.Context, key Key) (bool, error) {
	where, args := s.keyPredicate(key, 1)
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s LIMIT 1", quoteIdent(s.tableName), where)
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Push implements Source. Conflict/not-found decisions are made with an
// explicit existence check under the write mutex rather than by parsing
// driver-specific constraint-violation errors, so the same code path works
// identically across sqlite/duckdb/postgres (§4.4).
func (s *SQLSource) Push(ctx context.Context, change Change) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch change.Kind {
	case ChangeAdd:
		key := KeyOf(change.Row, s.table.PrimaryKey)
		canon := CanonicalKey(key)
		if exists, err := s.existsLocked(ctx, key); err != nil {
			return Change{}, err
		} else if exists {
			return Change{}, engineerr.NewRowConflict(s.tableName, canon)
		}
		if err := s.insertLocked(ctx, change.Row); err != nil {
			return Change{}, err
		}
		change.Key = key
		return change, nil

	case ChangeRemove:
		if change.PrevRow == nil {
			row, exists, err := s.GetRow(ctx, change.Key)
			if err != nil {
				return Change{}, err
			}
			if !exists {
				return Change{}, engineerr.NewRowNotFound(s.tableName, CanonicalKey(change.Key))
			}
			change.PrevRow = row
		} else if exists, err := s.existsLocked(ctx, change.Key); err != nil {
			return Change{}, err
		} else if !exists {
			return Change{}, engineerr.NewRowNotFound(s.tableName, CanonicalKey(change.Key))
		}
		where, args := s.keyPredicate(change.Key, 1)
		query := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(s.tableName), where)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return Change{}, fmt.Errorf("tablesource: delete from %s: %w", s.tableName, err)
		}
		return change, nil

	case ChangeEdit:
		oldKey := KeyOf(change.PrevRow, s.table.PrimaryKey)
		if exists, err := s.existsLocked(ctx, oldKey); err != nil {
			return Change{}, err
		} else if !exists {
			return Change{}, engineerr.NewRowNotFound(s.tableName, CanonicalKey(oldKey))
		}
		newKey := KeyOf(change.Row, s.table.PrimaryKey)
		if CanonicalKey(newKey) != CanonicalKey(oldKey) {
			if exists, err := s.existsLocked(ctx, newKey); err != nil {
				return Change{}, err
			} else if exists {
				return Change{}, engineerr.NewRowConflict(s.tableName, CanonicalKey(newKey))
			}
		}
		if err := s.updateLocked(ctx, oldKey, change.Row); err != nil {
			return Change{}, err
		}
		change.Key = newKey
		return change, nil

	default:
		return Change{}, fmt.Errorf("tablesource: unknown change kind %d", change.Kind)
	}
}

func (s *SQLSource) insertLocked(ctx context.Context, row Row) error {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = s.dialect.placeholder(i + 1)
		args[i] = row[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(s.tableName), strings.Join(quoteIdents(cols), ", "), strings.Join(placeholders, ", "))
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("tablesource: insert into %s: %w", s.tableName, err)
	}
	return nil
}

func (s *SQLSource) updateLocked(ctx context.Context, oldKey Key, row Row) error {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(oldKey))
	n := 1
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", quoteIdent(c), s.dialect.placeholder(n))
		args = append(args, row[c])
		n++
	}
	where, whereArgs := s.keyPredicate(oldKey, n)
	args = append(args, whereArgs...)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", quoteIdent(s.tableName), strings.Join(sets, ", "), where)
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("tablesource: update %s: %w", s.tableName, err)
	}
	return nil
}

// scanRow decodes one *sql.Rows row, coercing scalars and deferring JSON
// columns into a LazyJSON.
func (s *SQLSource) scanRow(cols []string, rows *sql.Rows) (Row, error) {
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("tablesource: scanning %s: %w", s.tableName, err)
	}

	row := make(Row, len(cols))
	for i, col := range cols {
		def := s.table.Columns[col]
		val := dest[i]
		if val == nil {
			row[col] = nil
			continue
		}
		if def.Type == schema.TypeJSON {
			row[col] = &LazyJSON{raw: toBytes(val)}
			continue
		}
		coerced, err := coerceScalar(val, def)
		if err != nil {
			return nil, engineerr.NewUnsupportedValue(s.tableName, col, err)
		}
		row[col] = coerced
	}
	return row, nil
}

func toBytes(v any) []byte {
	switch t := v.(type) {
	case []byte:
		return append([]byte(nil), t...)
	case string:
		return []byte(t)
	default:
		return nil
	}
}

func coerceScalar(val any, def schema.Column) (any, error) {
	switch v := val.(type) {
	case []byte:
		return string(v), nil
	case string:
		return v, nil
	case bool:
		return v, nil
	case int64:
		if def.Type == schema.TypeNumber && (v > maxSafeInteger || v < -maxSafeInteger) {
			return nil, fmt.Errorf("integer %d exceeds representable range", v)
		}
		return float64(v), nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	default:
		return v, nil
	}
}

func buildCursorPredicate(order []ast.OrderTerm, cursor *ast.Cursor, dialect Dialect, argStart int) (string, []any, int) {
	if len(order) == 0 {
		return "", nil, argStart
	}
	var disjuncts []string
	var args []any
	n := argStart
	for i, t := range order {
		var clauses []string
		for j := 0; j < i; j++ {
			clauses = append(clauses, fmt.Sprintf("%s = %s", quoteIdent(order[j].Column), dialect.placeholder(n)))
			args = append(args, cursor.Row[order[j].Column])
			n++
		}
		op := ">"
		if t.Dir == ast.Desc {
			op = "<"
		}
		if i == len(order)-1 && cursor.Basis == ast.BasisAt {
			op += "="
		}
		clauses = append(clauses, fmt.Sprintf("%s %s %s", quoteIdent(t.Column), op, dialect.placeholder(n)))
		args = append(args, cursor.Row[t.Column])
		n++
		disjuncts = append(disjuncts, "("+strings.Join(clauses, " AND ")+")")
	}
	return strings.Join(disjuncts, " OR "), args, n
}

// sqlRowIter adapts *sql.Rows into a RowIter, interleaving Yield.
type sqlRowIter struct {
	rows         *sql.Rows
	cols         []string
	table        *SQLSource
	yieldEvery   int
	sinceYield   int
	pendingYield bool
}

func (it *sqlRowIter) Next(ctx context.Context) (*Item, error) {
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
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	row, err := it.table.scanRow(it.cols, it.rows)
	if err != nil {
		return nil, err
	}
	it.sinceYield++
	if it.yieldEvery > 0 && it.sinceYield == it.yieldEvery {
		it.sinceYield = 0
		it.pendingYield = true
	}
	return &Item{Kind: ItemRow, Row: row}, nil
}

func (it *sqlRowIter) Close() error {
	return it.rows.Close()
}

// errIter reports a single construction-time error on its first Next call.
type errIter struct {
	err error
	hit bool
}

func (it *errIter) Next(context.Context) (*Item, error) {
	if it.hit {
		return nil, nil
	}
	it.hit = true
	return nil, it.err
}

func (it *errIter) Close() error { return nil }

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteIdents(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = quoteIdent(c)
	}
	return out
}
