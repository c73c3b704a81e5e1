package costmodel

import (
	"context"

	"github.com/canonica-labs/zoql/internal/ast"
	"github.com/canonica-labs/zoql/internal/schema"
)

// ConstantModel is a fixture cost model for planner unit tests: each table
// is given a fixed row count, and fanout falls back to a constant when no
// per-column override is registered. Grounded on the teacher's
// DefaultCostFactors map-of-constants idiom (internal/federation/cost.go),
// generalized from "per engine" to "per table."
type ConstantModel struct {
	// TableRows overrides the row estimate for a table. Tables absent
	// from this map default to DefaultRows.
	TableRows map[string]float64

	// FanoutOverride, keyed by "table:col1,col2", overrides the fanout
	// for a specific join-column combination. Absent combinations fall
	// back to DefaultFanout.
	FanoutOverride map[string]FanoutResult

	// DefaultRows is used when TableRows has no entry for a table.
	DefaultRows float64

	// DefaultFanout is used when FanoutOverride has no entry.
	DefaultFanout float64

	schema schema.Database
}

// NewConstantModel builds a ConstantModel with spec §4.1's documented
// fallback: "per-index average, then to a constant (3)."
func NewConstantModel(db schema.Database) *ConstantModel {
	return &ConstantModel{
		TableRows:      map[string]float64{},
		FanoutOverride: map[string]FanoutResult{},
		DefaultRows:    1000,
		DefaultFanout:  3,
		schema:         db,
	}
}

// SetRows fixes the row estimate for a table, for use by tests exercising
// flip decisions (§8 property 4).
func (m *ConstantModel) SetRows(table string, rows float64) {
	m.TableRows[table] = rows
}

func fanoutKey(table string, cols []string) string {
	key := table + ":"
	for i, c := range cols {
		if i > 0 {
			key += ","
		}
		key += c
	}
	return key
}

// SetFanout fixes the fanout for a (table, joinCols) pair.
func (m *ConstantModel) SetFanout(table string, cols []string, fanout float64, conf Confidence) {
	m.FanoutOverride[fanoutKey(table, cols)] = FanoutResult{Fanout: fanout, Confidence: conf}
}

// Cost implements Model.
func (m *ConstantModel) Cost(_ context.Context, table string, ordering []ast.OrderTerm, filters ast.Condition, constraint Constraint) (Estimate, error) {
	rows := m.DefaultRows
	if r, ok := m.TableRows[table]; ok {
		rows = r
	}

	// Equality on a unique/primary key drives rows toward 1 (§4.1).
	if len(constraint.EqualityColumns) > 0 && m.schema != nil {
		if t, ok := m.schema[table]; ok && t.CoversUnique(constraint.EqualityColumns) {
			rows = 1
		}
	}

	return Estimate{
		Rows:        rows,
		StartupCost: 0,
		Fanout: func(joinCols []string) FanoutResult {
			if containsNullColumn(joinCols) {
				return FanoutResult{Fanout: 0, Confidence: ConfidenceHigh}
			}
			if f, ok := m.FanoutOverride[fanoutKey(table, joinCols)]; ok {
				return f
			}
			return FanoutResult{Fanout: m.DefaultFanout, Confidence: ConfidenceLow}
		},
	}, nil
}

// containsNullColumn always returns false: ConstantModel is a fixed-row-count
// test fixture with no row data to inspect, so it cannot tell whether a join
// column is ever NULL in practice. §4.1's "NULL fanouts must be reported as
// 0" rule therefore has nothing to ground it here; tests that need NULL
// fanout semantics must use SQLStatsModel, which derives Fanout from actual
// column statistics and can answer this honestly.
func containsNullColumn(_ []string) bool {
	return false
}
