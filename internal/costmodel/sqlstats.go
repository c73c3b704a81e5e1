package costmodel

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/canonica-labs/zoql/internal/ast"

	_ "modernc.org/sqlite" // pure-Go driver for the local statistics engine
)

// statsKey caches by (table, sorted join columns), per §4.1: "Statistics
// are cached per (table, sorted-cols); the cache is invalidated on
// schema/stat refresh."
type statsKey struct {
	table string
	cols  string
}

func newStatsKey(table string, cols []string) statsKey {
	sorted := append([]string(nil), cols...)
	sort.Strings(sorted)
	return statsKey{table: table, cols: strings.Join(sorted, ",")}
}

// histogram holds the distinct/NULL split column statistics §4.1
// describes: "split samples by NULL vs non-NULL, and return the median
// non-NULL 'equal-to' count as fanout."
type histogram struct {
	medianNonNullEqualTo float64
	averageEqualTo       float64
	nullFraction         float64
}

// SQLStatsModel is the reference cost model: it drives an embedded
// database/sql handle to gather a whole-table row count and per-column
// histograms. Rows is that COUNT(*), reduced to 1 under an equality
// constraint whose histogram is near-unique; it is not derived from the
// engine's query-plan statistics, and the table's filters are ignored. The
// embedded engine is a pure-Go SQLite (modernc.org/sqlite), which keeps
// the cost model's own statistics store free of CGO even though the
// replica it estimates costs for may be backed by a different engine
// (tablesource.SQLSource is engine-agnostic the same way).
type SQLStatsModel struct {
	db *sql.DB

	mu    sync.RWMutex
	stats map[statsKey]histogram
}

// NewSQLStatsModel opens (or reuses) db as the statistics engine. db may
// be the same handle a tablesource.SQLSource reads rows from, or a
// separate in-memory handle seeded purely with sampled statistics.
func NewSQLStatsModel(db *sql.DB) *SQLStatsModel {
	return &SQLStatsModel{
		db:    db,
		stats: make(map[statsKey]histogram),
	}
}

// InvalidateStats drops all cached histograms, per §4.1's cache
// invalidation on schema/stat refresh.
func (m *SQLStatsModel) InvalidateStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = make(map[statsKey]histogram)
}

// RefreshHistogram recomputes and caches the histogram for (table, cols)
// by sampling the live table. Callers invoke this after a schema change
// or on a periodic stats-refresh cadence; Cost()'s Fanout closures never
// trigger a refresh themselves (no surprise I/O from a pure read path).
func (m *SQLStatsModel) RefreshHistogram(ctx context.Context, table string, cols []string) error {
	if len(cols) == 0 {
		return fmt.Errorf("costmodel: RefreshHistogram requires at least one column")
	}
	colList := strings.Join(quoteIdents(cols), ", ")
	nullPred := make([]string, len(cols))
	for i, c := range cols {
		nullPred[i] = quoteIdent(c) + " IS NULL"
	}

	var total, nullCount sql.NullInt64
	countQ := fmt.Sprintf("SELECT COUNT(*), SUM(CASE WHEN %s THEN 1 ELSE 0 END) FROM %s",
		strings.Join(nullPred, " OR "), quoteIdent(table))
	if err := m.db.QueryRowContext(ctx, countQ).Scan(&total, &nullCount); err != nil {
		return fmt.Errorf("costmodel: counting %s: %w", table, err)
	}

	groupQ := fmt.Sprintf(
		"SELECT COUNT(*) AS c FROM %s WHERE NOT (%s) GROUP BY %s ORDER BY c",
		quoteIdent(table), strings.Join(nullPred, " OR "), colList)
	rows, err := m.db.QueryContext(ctx, groupQ)
	if err != nil {
		return fmt.Errorf("costmodel: grouping %s: %w", table, err)
	}
	defer rows.Close()

	var counts []float64
	var sum float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return fmt.Errorf("costmodel: scanning group count: %w", err)
		}
		counts = append(counts, c)
		sum += c
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("costmodel: iterating groups for %s: %w", table, err)
	}

	h := histogram{}
	if total.Int64 > 0 {
		h.nullFraction = float64(nullCount.Int64) / float64(total.Int64)
	}
	if len(counts) > 0 {
		h.medianNonNullEqualTo = median(counts)
		h.averageEqualTo = sum / float64(len(counts))
	} else {
		// Fall back to the documented constant when no non-NULL groups
		// exist to sample (§4.1: "Fall back to per-index average, then
		// to a constant (3)").
		h.medianNonNullEqualTo = 3
		h.averageEqualTo = 3
	}

	m.mu.Lock()
	m.stats[newStatsKey(table, cols)] = h
	m.mu.Unlock()
	return nil
}

// Cost implements Model.
func (m *SQLStatsModel) Cost(ctx context.Context, table string, ordering []ast.OrderTerm, _ ast.Condition, constraint Constraint) (Estimate, error) {
	rows, err := m.tableRowCount(ctx, table)
	if err != nil {
		return Estimate{}, err
	}

	// Equality-on-primary-key constraints drive rows toward 1 (§4.1). We
	// approximate "covers a unique index" by checking whether the
	// constraint names at least one equality column and the per-column
	// histogram for it reports a near-1 average equal-to count.
	if len(constraint.EqualityColumns) > 0 {
		if h, ok := m.lookup(table, constraint.EqualityColumns); ok && h.averageEqualTo <= 1.5 {
			rows = 1
		}
	}

	startup := m.startupCost(table, ordering)

	return Estimate{
		Rows:        rows,
		StartupCost: startup,
		Fanout: func(joinCols []string) FanoutResult {
			h, ok := m.lookup(table, joinCols)
			if !ok {
				return FanoutResult{Fanout: 3, Confidence: ConfidenceLow}
			}
			if h.nullFraction >= 1 {
				// NULL never matches a join (§4.1).
				return FanoutResult{Fanout: 0, Confidence: ConfidenceHigh}
			}
			return FanoutResult{Fanout: h.medianNonNullEqualTo, Confidence: ConfidenceHigh}
		},
	}, nil
}

func (m *SQLStatsModel) lookup(table string, cols []string) (histogram, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.stats[newStatsKey(table, cols)]
	return h, ok
}

func (m *SQLStatsModel) tableRowCount(ctx context.Context, table string) (float64, error) {
	var n float64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))
	if err := m.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("costmodel: counting rows in %s: %w", table, err)
	}
	return n, nil
}

// startupCost always returns zero: no ordering, whether or not an index
// satisfies it, is charged a sort cost by this model.
func (m *SQLStatsModel) startupCost(_ string, ordering []ast.OrderTerm) float64 {
	if len(ordering) == 0 {
		return 0
	}
	return 0
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

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
