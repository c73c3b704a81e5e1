// Package pipeline owns per-query operator trees, hydration, and
// incremental advancement against a replica snapshot (spec §4.5–§4.6).
package pipeline

import (
	"context"

	"github.com/canonica-labs/zoql/internal/tablesource"
)

// Version identifies a point-in-time replica snapshot.
type Version string

// DiffEntry is one upstream mutation between two snapshots (§3 "Snapshot
// and diff"). PrevValues has more than one entry only when a single
// change collapses several previous rows under a key change; NextValue
// is nil for a pure delete.
type DiffEntry struct {
	Table      string
	PrevValues []tablesource.Row
	NextValue  tablesource.Row
}

// DiffIter is a single-shot, ordered sequence of DiffEntry, following the
// same Next/Close convention as tablesource.RowIter.
type DiffIter interface {
	Next(ctx context.Context) (*DiffEntry, error)
	Close() error
}

// Snapshotter is the external replication-source collaborator (§6): it
// advances the replica's head and reports the entries that changed.
// This module never implements it over a real replication feed — only
// internal/fixture's in-memory stand-in, for tests.
type Snapshotter interface {
	// Init initializes the snapshotter to the replica's current head.
	Init(ctx context.Context) error
	// Current returns the version the snapshotter is positioned at.
	Current(ctx context.Context) (Version, error)
	// Advance computes a diff from the current version to head, restricted
	// to the given tables, without moving the current version until the
	// caller finishes consuming diff (§5: "does not commit the new head
	// until advance completes successfully"). count is the number of
	// entries diff will yield, known upfront so the budget rule (§4.6) can
	// compare entries processed against the total.
	Advance(ctx context.Context, tables []string) (prev, curr Version, count int, diff DiffIter, err error)
	// Commit moves the snapshotter's current version to curr, called only
	// after a successful Advance.
	Commit(ctx context.Context, curr Version) error
	// Destroy releases any resources the snapshotter holds.
	Destroy(ctx context.Context) error
}
