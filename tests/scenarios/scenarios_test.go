// Package scenarios hosts the lettered end-to-end fixtures from spec.md
// §8, mirroring the teacher's tests/redflag and tests/greenflag split:
// plain testing package, Arrange/Act/Assert, no testify.
package scenarios

import (
	"context"
	"testing"

	"github.com/canonica-labs/zoql/internal/ast"
	"github.com/canonica-labs/zoql/internal/changestream"
	"github.com/canonica-labs/zoql/internal/costmodel"
	"github.com/canonica-labs/zoql/internal/fixture"
	"github.com/canonica-labs/zoql/internal/observability"
	"github.com/canonica-labs/zoql/internal/pipeline"
	"github.com/canonica-labs/zoql/internal/planner"
	"github.com/canonica-labs/zoql/internal/schema"
	"github.com/canonica-labs/zoql/internal/tablesource"
)

func drainHydration(t *testing.T, h *pipeline.HydrateIter) []changestream.RowChange {
	t.Helper()
	var out []changestream.RowChange
	for {
		rc, err := h.Next(context.Background())
		if err != nil {
			t.Fatalf("hydration: %v", err)
		}
		if rc == nil {
			break
		}
		out = append(out, *rc)
	}
	return out
}

func drainChanges(t *testing.T, it *pipeline.ChangeIter) []changestream.RowChange {
	t.Helper()
	var out []changestream.RowChange
	for {
		rc, err := it.Next(context.Background())
		if err != nil {
			t.Fatalf("changes: %v", err)
		}
		if rc == nil {
			break
		}
		out = append(out, *rc)
	}
	return out
}

// TestScenarioA proves hydration of a single-table ordered query emits
// rows in declared order (spec.md §8 Scenario A).
func TestScenarioA(t *testing.T) {
	// Arrange
	db := schema.Database{
		"issues": schema.Table{
			Columns: map[string]schema.Column{
				"id":     {Type: schema.TypeNumber},
				"closed": {Type: schema.TypeBoolean},
			},
			PrimaryKey: []string{"id"},
		},
	}
	issues := tablesource.NewMemorySource("issues", []string{"id"})
	issues.Seed(
		tablesource.Row{"id": float64(1), "closed": false},
		tablesource.Row{"id": float64(2), "closed": true},
		tablesource.Row{"id": float64(3), "closed": false},
	)
	sources := map[string]tablesource.Source{"issues": issues}

	model := costmodel.NewConstantModel(db)
	driver := pipeline.NewDriver(fixture.NewSnapshotter(nil), fixture.SourceFactory(sources), db, model, observability.NewNoopLogger())
	if err := driver.Init(context.Background(), db); err != nil {
		t.Fatalf("init: %v", err)
	}

	q := &ast.Query{Table: "issues", OrderBy: []ast.OrderTerm{{Column: "id", Dir: ast.Desc}}}

	// Act
	h, err := driver.AddQuery(context.Background(), "q1", q, nil)
	if err != nil {
		t.Fatalf("add query: %v", err)
	}
	got := drainHydration(t, h)

	// Assert: three adds, id 3, 2, 1
	wantIDs := []float64{3, 2, 1}
	if len(got) != len(wantIDs) {
		t.Fatalf("expected %d rows, got %d", len(wantIDs), len(got))
	}
	for i, rc := range got {
		if rc.Type != changestream.TypeAdd {
			t.Fatalf("row %d: expected add, got %v", i, rc.Type)
		}
		if id := rc.Row["id"]; id != wantIDs[i] {
			t.Fatalf("row %d: expected id %v, got %v", i, wantIDs[i], id)
		}
	}
}

// TestScenarioB proves that a related subtree's children are interleaved
// immediately after their parent, most-recent-comment-first within an
// issue, most-recent-issue-first overall (spec.md §8 Scenario B).
func TestScenarioB(t *testing.T) {
	// Arrange
	db := schema.Database{
		"issues": schema.Table{
			Columns:    map[string]schema.Column{"id": {Type: schema.TypeNumber}},
			PrimaryKey: []string{"id"},
		},
		"comments": schema.Table{
			Columns: map[string]schema.Column{
				"id":      {Type: schema.TypeNumber},
				"issueID": {Type: schema.TypeNumber},
			},
			PrimaryKey: []string{"id"},
		},
	}
	issues := tablesource.NewMemorySource("issues", []string{"id"})
	issues.Seed(
		tablesource.Row{"id": float64(1)},
		tablesource.Row{"id": float64(2)},
		tablesource.Row{"id": float64(3)},
	)
	comments := tablesource.NewMemorySource("comments", []string{"id"})
	comments.Seed(
		tablesource.Row{"id": float64(10), "issueID": float64(1)},
		tablesource.Row{"id": float64(20), "issueID": float64(2)},
		tablesource.Row{"id": float64(21), "issueID": float64(2)},
		tablesource.Row{"id": float64(22), "issueID": float64(2)},
	)
	sources := map[string]tablesource.Source{"issues": issues, "comments": comments}

	model := costmodel.NewConstantModel(db)
	driver := pipeline.NewDriver(fixture.NewSnapshotter(nil), fixture.SourceFactory(sources), db, model, observability.NewNoopLogger())
	if err := driver.Init(context.Background(), db); err != nil {
		t.Fatalf("init: %v", err)
	}

	q := &ast.Query{
		Table:   "issues",
		OrderBy: []ast.OrderTerm{{Column: "id", Dir: ast.Desc}},
		Related: []*ast.RelatedDescriptor{{
			Correlation: ast.Correlation{ParentField: []string{"id"}, ChildField: []string{"issueID"}},
			Subquery: &ast.Query{
				Table:   "comments",
				OrderBy: []ast.OrderTerm{{Column: "id", Dir: ast.Desc}},
			},
		}},
	}

	// Act
	h, err := driver.AddQuery(context.Background(), "q1", q, nil)
	if err != nil {
		t.Fatalf("add query: %v", err)
	}
	got := drainHydration(t, h)

	// Assert: issue 3 alone, issue 2 + comments 22,21,20, issue 1 + comment 10
	wantTables := []string{"issues", "issues", "comments", "comments", "comments", "issues", "comments"}
	wantIDs := []float64{3, 2, 22, 21, 20, 1, 10}
	if len(got) != len(wantIDs) {
		t.Fatalf("expected %d rows, got %d: %+v", len(wantIDs), len(got), got)
	}
	for i, rc := range got {
		if rc.Table != wantTables[i] {
			t.Fatalf("row %d: expected table %s, got %s", i, wantTables[i], rc.Table)
		}
		if id := rc.Row["id"]; id != wantIDs[i] {
			t.Fatalf("row %d: expected id %v, got %v", i, wantIDs[i], id)
		}
	}
}

// TestScenarioC proves that an advance deleting a parent and one of its
// children emits removes for both, plus the sibling child left orphaned
// by the parent's removal (spec.md §8 Scenario C).
func TestScenarioC(t *testing.T) {
	// Arrange
	db := schema.Database{
		"issues": schema.Table{
			Columns:    map[string]schema.Column{"id": {Type: schema.TypeNumber}},
			PrimaryKey: []string{"id"},
		},
		"comments": schema.Table{
			Columns: map[string]schema.Column{
				"id":      {Type: schema.TypeNumber},
				"issueID": {Type: schema.TypeNumber},
			},
			PrimaryKey: []string{"id"},
		},
	}
	issue1 := tablesource.Row{"id": float64(1)}
	comment10 := tablesource.Row{"id": float64(10), "issueID": float64(1)}
	comment21 := tablesource.Row{"id": float64(21), "issueID": float64(2)}

	issues := tablesource.NewMemorySource("issues", []string{"id"})
	issues.Seed(issue1, tablesource.Row{"id": float64(2)}, tablesource.Row{"id": float64(3)})
	comments := tablesource.NewMemorySource("comments", []string{"id"})
	comments.Seed(
		comment10,
		tablesource.Row{"id": float64(20), "issueID": float64(2)},
		comment21,
		tablesource.Row{"id": float64(22), "issueID": float64(2)},
	)
	sources := map[string]tablesource.Source{"issues": issues, "comments": comments}

	tick := fixture.Tick{Entries: []pipeline.DiffEntry{
		{Table: "issues", PrevValues: []tablesource.Row{issue1}},
		{Table: "comments", PrevValues: []tablesource.Row{comment21}},
	}}
	model := costmodel.NewConstantModel(db)
	driver := pipeline.NewDriver(fixture.NewSnapshotter([]fixture.Tick{tick}), fixture.SourceFactory(sources), db, model, observability.NewNoopLogger())
	if err := driver.Init(context.Background(), db); err != nil {
		t.Fatalf("init: %v", err)
	}

	q := &ast.Query{
		Table:   "issues",
		OrderBy: []ast.OrderTerm{{Column: "id", Dir: ast.Desc}},
		Related: []*ast.RelatedDescriptor{{
			Correlation: ast.Correlation{ParentField: []string{"id"}, ChildField: []string{"issueID"}},
			Subquery:    &ast.Query{Table: "comments", OrderBy: []ast.OrderTerm{{Column: "id", Dir: ast.Desc}}},
		}},
	}
	h, err := driver.AddQuery(context.Background(), "q1", q, nil)
	if err != nil {
		t.Fatalf("add query: %v", err)
	}
	drainHydration(t, h)

	// Act
	result, err := driver.Advance(context.Background(), pipeline.NewWallTimer())
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	got := drainChanges(t, result.Changes)

	// Assert: remove comment 21, remove issue 1, remove comment 10 (some
	// legal order)
	wantRemoves := map[string]bool{
		"comments:21": false,
		"issues:1":    false,
		"comments:10": false,
	}
	if len(got) != len(wantRemoves) {
		t.Fatalf("expected %d removes, got %d: %+v", len(wantRemoves), len(got), got)
	}
	for _, rc := range got {
		if rc.Type != changestream.TypeRemove {
			t.Fatalf("expected remove, got %v", rc.Type)
		}
		key := rc.Table + ":" + numToStr(rc.RowKey["id"])
		seen, ok := wantRemoves[key]
		if !ok {
			t.Fatalf("unexpected remove %s", key)
		}
		if seen {
			t.Fatalf("duplicate remove %s", key)
		}
		wantRemoves[key] = true
	}
	for k, seen := range wantRemoves {
		if !seen {
			t.Fatalf("missing remove %s", k)
		}
	}
}

// TestScenarioD proves that a unique-key conflict is resolved by evicting
// the colliding row before the add that collided is allowed through
// (spec.md §8 Scenario D).
func TestScenarioD(t *testing.T) {
	// Arrange
	db := schema.Database{
		"uniques": schema.Table{
			Columns: map[string]schema.Column{
				"id":   {Type: schema.TypeString},
				"name": {Type: schema.TypeString},
			},
			PrimaryKey:    []string{"id"},
			UniqueIndexes: [][]string{{"name"}},
		},
	}
	foo := tablesource.Row{"id": "foo", "name": "bar"}
	boo := tablesource.Row{"id": "boo", "name": "dar"}
	uniques := tablesource.NewMemorySource("uniques", []string{"id"})
	uniques.Seed(foo, boo)
	sources := map[string]tablesource.Source{"uniques": uniques}

	tick := fixture.Tick{Entries: []pipeline.DiffEntry{
		{Table: "uniques", PrevValues: []tablesource.Row{foo}},
		{Table: "uniques", NextValue: tablesource.Row{"id": "baz", "name": "bar"}},
		{Table: "uniques", NextValue: tablesource.Row{"id": "foo", "name": "wuzzy"}},
	}}
	model := costmodel.NewConstantModel(db)
	driver := pipeline.NewDriver(fixture.NewSnapshotter([]fixture.Tick{tick}), fixture.SourceFactory(sources), db, model, observability.NewNoopLogger())
	if err := driver.Init(context.Background(), db); err != nil {
		t.Fatalf("init: %v", err)
	}

	q := &ast.Query{Table: "uniques", OrderBy: []ast.OrderTerm{{Column: "id", Dir: ast.Asc}}}
	h, err := driver.AddQuery(context.Background(), "q1", q, nil)
	if err != nil {
		t.Fatalf("add query: %v", err)
	}
	drainHydration(t, h)

	// Act
	result, err := driver.Advance(context.Background(), pipeline.NewWallTimer())
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	got := drainChanges(t, result.Changes)

	// Assert: remove foo, add baz, add foo(wuzzy) — no eviction of
	// boo/dar, and the second add (foo/wuzzy) must succeed since foo's PK
	// slot was freed by the first remove.
	if len(got) != 3 {
		t.Fatalf("expected 3 changes, got %d: %+v", len(got), got)
	}
	if got[0].Type != changestream.TypeRemove || got[0].RowKey["id"] != "foo" {
		t.Fatalf("expected remove foo first, got %+v", got[0])
	}
	if got[1].Type != changestream.TypeAdd || got[1].Row["id"] != "baz" {
		t.Fatalf("expected add baz second, got %+v", got[1])
	}
	if got[2].Type != changestream.TypeAdd || got[2].Row["id"] != "foo" {
		t.Fatalf("expected add foo(wuzzy) third, got %+v", got[2])
	}
}

// TestScenarioE proves the planner flips the second, far-cheaper EXISTS
// branch while leaving the first unflipped (spec.md §8 Scenario E).
func TestScenarioE(t *testing.T) {
	// Arrange
	db := schema.Database{
		"track": schema.Table{
			Columns:       map[string]schema.Column{"id": {Type: schema.TypeNumber}, "albumID": {Type: schema.TypeNumber}, "genreID": {Type: schema.TypeNumber}},
			PrimaryKey:    []string{"id"},
			UniqueIndexes: [][]string{{"albumID"}, {"genreID"}},
		},
		"album": schema.Table{Columns: map[string]schema.Column{"id": {Type: schema.TypeNumber}, "title": {Type: schema.TypeString}}, PrimaryKey: []string{"id"}},
		"genre": schema.Table{Columns: map[string]schema.Column{"id": {Type: schema.TypeNumber}, "name": {Type: schema.TypeString}}, PrimaryKey: []string{"id"}},
	}
	model := costmodel.NewConstantModel(db)
	model.SetRows("track", 5000)
	model.SetRows("album", 100)
	model.SetRows("genre", 10)
	// track:albumID averages many tracks per album, so driving from album
	// (100 rows * 200 fanout) costs more than driving from track (5000 rows
	// * default fanout 3); track:genreID is comparatively sparse, so driving
	// from genre (10 rows * 50 fanout) is far cheaper than driving from
	// track. This is what makes the album join stay unflipped while the
	// genre join flips, even though both children are small relative to
	// track.
	model.SetFanout("track", []string{"albumID"}, 200, costmodel.ConfidenceHigh)
	model.SetFanout("track", []string{"genreID"}, 50, costmodel.ConfidenceHigh)

	q := &ast.Query{
		Table: "track",
		Where: &ast.And{Terms: []ast.Condition{
			&ast.CorrelatedSubquery{Related: &ast.RelatedDescriptor{
				Correlation: ast.Correlation{ParentField: []string{"albumID"}, ChildField: []string{"id"}},
				Subquery: &ast.Query{
					Table: "album",
					Where: &ast.Simple{Left: ast.Column("title"), Op: ast.OpEq, Right: ast.Literal("X")},
				},
			}},
			&ast.CorrelatedSubquery{Related: &ast.RelatedDescriptor{
				Correlation: ast.Correlation{ParentField: []string{"genreID"}, ChildField: []string{"id"}},
				Subquery: &ast.Query{
					Table: "genre",
					Where: &ast.Simple{Left: ast.Column("name"), Op: ast.OpEq, Right: ast.Literal("Y")},
				},
			}},
		}},
	}

	// Act
	planned, err := planner.Plan(context.Background(), db, q, model, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	// Assert
	and, ok := planned.Where.(*ast.And)
	if !ok || len(and.Terms) != 2 {
		t.Fatalf("expected a 2-term And, got %#v", planned.Where)
	}
	first, ok := and.Terms[0].(*ast.CorrelatedSubquery)
	if !ok {
		t.Fatalf("expected first term to be a CorrelatedSubquery, got %T", and.Terms[0])
	}
	second, ok := and.Terms[1].(*ast.CorrelatedSubquery)
	if !ok {
		t.Fatalf("expected second term to be a CorrelatedSubquery, got %T", and.Terms[1])
	}
	if first.Flip {
		t.Fatalf("expected first (album) exists to stay unflipped")
	}
	if !second.Flip {
		t.Fatalf("expected second (genre) exists to flip")
	}
}

// TestScenarioF proves a fetch interleaves exactly one yield sentinel per
// yieldEvery rows fetched (spec.md §8 Scenario F).
func TestScenarioF(t *testing.T) {
	// Arrange
	src := tablesource.NewMemorySource("items", []string{"id"})
	rows := make([]tablesource.Row, 0, 9)
	for i := 0; i < 9; i++ {
		rows = append(rows, tablesource.Row{"id": float64(i)})
	}
	src.Seed(rows...)

	// Act
	it := src.Fetch(context.Background(), tablesource.FetchOptions{
		OrderBy:    []ast.OrderTerm{{Column: "id", Dir: ast.Asc}},
		YieldEvery: 3,
	})
	var yields, adds int
	for {
		item, err := it.Next(context.Background())
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if item == nil {
			break
		}
		if item.Kind == tablesource.ItemYield {
			yields++
			continue
		}
		adds++
	}

	// Assert
	if adds != 9 {
		t.Fatalf("expected 9 rows, got %d", adds)
	}
	if yields != 3 {
		t.Fatalf("expected 3 yields, got %d", yields)
	}
}

// TestPermissionsSubtreeNeverEmitsRows proves property 13: rows vended
// only under a system=permissions related subtree are compiled and drive
// membership the same as a client subtree, but never surface as a
// RowChange to the subscriber.
func TestPermissionsSubtreeNeverEmitsRows(t *testing.T) {
	// Arrange
	db := schema.Database{
		"issues": schema.Table{
			Columns:    map[string]schema.Column{"id": {Type: schema.TypeNumber}},
			PrimaryKey: []string{"id"},
		},
		"acl": schema.Table{
			Columns: map[string]schema.Column{
				"id":      {Type: schema.TypeNumber},
				"issueID": {Type: schema.TypeNumber},
			},
			PrimaryKey: []string{"id"},
		},
	}
	issues := tablesource.NewMemorySource("issues", []string{"id"})
	issues.Seed(tablesource.Row{"id": float64(1)}, tablesource.Row{"id": float64(2)})
	acl := tablesource.NewMemorySource("acl", []string{"id"})
	acl.Seed(
		tablesource.Row{"id": float64(100), "issueID": float64(1)},
		tablesource.Row{"id": float64(200), "issueID": float64(2)},
	)
	sources := map[string]tablesource.Source{"issues": issues, "acl": acl}

	model := costmodel.NewConstantModel(db)
	driver := pipeline.NewDriver(fixture.NewSnapshotter(nil), fixture.SourceFactory(sources), db, model, observability.NewNoopLogger())
	if err := driver.Init(context.Background(), db); err != nil {
		t.Fatalf("init: %v", err)
	}

	q := &ast.Query{
		Table:   "issues",
		OrderBy: []ast.OrderTerm{{Column: "id", Dir: ast.Asc}},
		Related: []*ast.RelatedDescriptor{{
			Correlation: ast.Correlation{ParentField: []string{"id"}, ChildField: []string{"issueID"}},
			Subquery:    &ast.Query{Table: "acl", OrderBy: []ast.OrderTerm{{Column: "id", Dir: ast.Asc}}},
			System:      ast.SystemPermissions,
		}},
	}

	// Act
	h, err := driver.AddQuery(context.Background(), "q1", q, nil)
	if err != nil {
		t.Fatalf("add query: %v", err)
	}
	got := drainHydration(t, h)

	// Assert: only the two issues surface, never the acl rows.
	if len(got) != 2 {
		t.Fatalf("expected 2 rows (issues only), got %d: %+v", len(got), got)
	}
	for _, rc := range got {
		if rc.Table != "issues" {
			t.Fatalf("expected only issues rows to be emitted, got a row from %q", rc.Table)
		}
	}
}

func numToStr(v any) string {
	f, ok := v.(float64)
	if !ok {
		return ""
	}
	n := int64(f)
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
