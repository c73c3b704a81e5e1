package changestream

import (
	"testing"

	"github.com/canonica-labs/zoql/internal/ast"
	"github.com/canonica-labs/zoql/internal/dataflow"
	"github.com/canonica-labs/zoql/internal/tablesource"
)

// TestStreamer_DedupesRepeatedAdds proves property 9: a row reached twice
// within one stream (an OR's two branches both matching, or two related
// subtrees visiting the same child) surfaces as a single add.
func TestStreamer_DedupesRepeatedAdds(t *testing.T) {
	s := NewStreamer("q1")
	key := tablesource.Key{"id": float64(1)}
	row := tablesource.Row{"id": float64(1), "name": "x"}

	first, ok := s.Emit(TypeAdd, "widgets", key, row, ast.SystemClient)
	if !ok || first == nil {
		t.Fatalf("expected the first add to be forwarded")
	}

	second, ok := s.Emit(TypeAdd, "widgets", key, row, ast.SystemClient)
	if ok || second != nil {
		t.Fatalf("expected the duplicate add to be suppressed, got %+v", second)
	}
}

// TestStreamer_DedupeIsPerTable proves the dedup key is scoped to
// (table, key): the same key on a different table is not conflated.
func TestStreamer_DedupeIsPerTable(t *testing.T) {
	s := NewStreamer("q1")
	key := tablesource.Key{"id": float64(1)}
	row := tablesource.Row{"id": float64(1)}

	if _, ok := s.Emit(TypeAdd, "widgets", key, row, ast.SystemClient); !ok {
		t.Fatalf("expected widgets add to be forwarded")
	}
	if _, ok := s.Emit(TypeAdd, "gadgets", key, row, ast.SystemClient); !ok {
		t.Fatalf("expected gadgets add with the same key to be forwarded, dedup must be per-table")
	}
}

// TestStreamer_RemovesAndEditsAreNeverDeduped proves dedup only applies to
// adds: two removes (or edits) for the same key both pass through,
// matching §4.6's statement that only "duplicate adds" are filtered.
func TestStreamer_RemovesAndEditsAreNeverDeduped(t *testing.T) {
	s := NewStreamer("q1")
	key := tablesource.Key{"id": float64(1)}

	if _, ok := s.Emit(TypeRemove, "widgets", key, nil, ast.SystemClient); !ok {
		t.Fatalf("expected first remove to be forwarded")
	}
	if _, ok := s.Emit(TypeRemove, "widgets", key, nil, ast.SystemClient); !ok {
		t.Fatalf("expected second remove to be forwarded, removes are not deduped")
	}

	row := tablesource.Row{"id": float64(1)}
	if _, ok := s.Emit(TypeEdit, "widgets", key, row, ast.SystemClient); !ok {
		t.Fatalf("expected first edit to be forwarded")
	}
	if _, ok := s.Emit(TypeEdit, "widgets", key, row, ast.SystemClient); !ok {
		t.Fatalf("expected second edit to be forwarded, edits are not deduped")
	}
}

// TestStreamer_SuppressesPermissionsSystemRows proves property 13: rows
// vended only under a system=permissions subtree never reach the
// subscriber, for every change type.
func TestStreamer_SuppressesPermissionsSystemRows(t *testing.T) {
	s := NewStreamer("q1")
	key := tablesource.Key{"id": float64(1)}
	row := tablesource.Row{"id": float64(1)}

	if rc, ok := s.Emit(TypeAdd, "secrets", key, row, ast.SystemPermissions); ok || rc != nil {
		t.Fatalf("expected permissions-system add to be suppressed, got %+v", rc)
	}
	if rc, ok := s.Emit(TypeRemove, "secrets", key, nil, ast.SystemPermissions); ok || rc != nil {
		t.Fatalf("expected permissions-system remove to be suppressed, got %+v", rc)
	}
	if rc, ok := s.Emit(TypeEdit, "secrets", key, row, ast.SystemPermissions); ok || rc != nil {
		t.Fatalf("expected permissions-system edit to be suppressed, got %+v", rc)
	}

	// A client-system row with the same key is unaffected by the
	// suppressed permissions-system traffic above.
	if rc, ok := s.Emit(TypeAdd, "secrets", key, row, ast.SystemClient); !ok || rc == nil {
		t.Fatalf("expected client-system add to be forwarded")
	}
}

// TestStreamer_EmitChangeWiring proves EmitChange correctly routes every
// dataflow.RowChange kind (add/remove/edit) through Emit.
func TestStreamer_EmitChangeWiring(t *testing.T) {
	s := NewStreamer("q1")
	key := tablesource.Key{"id": float64(7)}
	row := tablesource.Row{"id": float64(7)}

	add, ok := s.EmitChange(dataflow.RowChange{Kind: dataflow.Add, Table: "widgets", Key: key, Row: row})
	if !ok || add.Type != TypeAdd || add.Row == nil {
		t.Fatalf("expected an add record with a row, got %+v", add)
	}

	rm, ok := s.EmitChange(dataflow.RowChange{Kind: dataflow.Remove, Table: "widgets", Key: key})
	if !ok || rm.Type != TypeRemove || rm.Row != nil {
		t.Fatalf("expected a remove record with no row, got %+v", rm)
	}

	edit, ok := s.EmitChange(dataflow.RowChange{Kind: dataflow.Edit, Table: "widgets", Key: key, Row: row})
	if !ok || edit.Type != TypeEdit || edit.Row == nil {
		t.Fatalf("expected an edit record with a row, got %+v", edit)
	}
}
