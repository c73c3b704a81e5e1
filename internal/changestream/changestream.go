// Package changestream turns operator-tree output (hydration rows and
// incremental RowChanges) into the row-change records a subscriber
// receives (spec §4.6, §6 "Row-change record"). It owns exactly two
// concerns the dataflow operator tree deliberately does not: per-stream
// deduplication and permissions-subtree suppression.
package changestream

import (
	"github.com/canonica-labs/zoql/internal/ast"
	"github.com/canonica-labs/zoql/internal/dataflow"
	"github.com/canonica-labs/zoql/internal/tablesource"
)

// ChangeType is the emitted record's `type` field.
type ChangeType string

const (
	TypeAdd    ChangeType = "add"
	TypeRemove ChangeType = "remove"
	TypeEdit   ChangeType = "edit"
)

// RowChange is the record a subscriber callback receives (§6). Row is
// nil for TypeRemove.
type RowChange struct {
	Type      ChangeType
	QueryHash string
	Table     string
	RowKey    tablesource.Key
	Row       tablesource.Row
}

// Streamer filters and dedupes one query's output record by record for a
// single hydration pass or a single advance; it holds no buffer of records
// and is not reused across calls (§4.6: "The
// set is scoped to a single advance() or single addQuery()").
type Streamer struct {
	queryHash string
	seenAdds  map[string]bool
}

// NewStreamer creates a Streamer scoped to one hydration or advance call
// for the query identified by queryHash.
func NewStreamer(queryHash string) *Streamer {
	return &Streamer{queryHash: queryHash, seenAdds: make(map[string]bool)}
}

// Emit applies permissions suppression and add-deduplication, returning
// the record to forward (if any) and whether it should be forwarded.
// Dedup keys on (table, canonical row key) rather than full row content:
// two add paths producing the same row always agree on its key, and
// keying on the (narrower, cheaper) identity avoids a full-row
// JSON-equality compare on every emitted add.
func (s *Streamer) Emit(kind ChangeType, table string, key tablesource.Key, row tablesource.Row, system ast.System) (*RowChange, bool) {
	if system == ast.SystemPermissions {
		return nil, false
	}
	if kind == TypeAdd {
		dedupKey := table + "\x00" + tablesource.CanonicalKey(key)
		if s.seenAdds[dedupKey] {
			return nil, false
		}
		s.seenAdds[dedupKey] = true
	}
	out := &RowChange{Type: kind, QueryHash: s.queryHash, Table: table, RowKey: key}
	if kind != TypeRemove {
		out.Row = row
	}
	return out, true
}

// EmitChange converts one dataflow.RowChange (the advance/push path)
// into a RowChange, or suppresses it.
func (s *Streamer) EmitChange(c dataflow.RowChange) (*RowChange, bool) {
	switch c.Kind {
	case dataflow.Add:
		return s.Emit(TypeAdd, c.Table, c.Key, c.Row, c.System)
	case dataflow.Remove:
		return s.Emit(TypeRemove, c.Table, c.Key, nil, c.System)
	case dataflow.Edit:
		return s.Emit(TypeEdit, c.Table, c.Key, c.Row, c.System)
	default:
		return nil, false
	}
}

// EmitHydratedRow converts one tablesource.Item (the hydration path,
// item.Table/item.System populated by the operator tree — see
// tablesource.Item's doc comment) into an add RowChange, or suppresses
// it. pk is the owning table's primary-key columns, used to project the
// row's key.
func (s *Streamer) EmitHydratedRow(item tablesource.Item, pk []string) (*RowChange, bool) {
	key := tablesource.KeyOf(item.Row, pk)
	return s.Emit(TypeAdd, item.Table, key, item.Row, item.System)
}
