package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/canonica-labs/zoql/internal/changestream"
	"github.com/canonica-labs/zoql/internal/dataflow"
	"github.com/canonica-labs/zoql/internal/observability"
	"github.com/canonica-labs/zoql/internal/schema"
	"github.com/canonica-labs/zoql/internal/tablesource"
)

// AdvanceResult is one advance() call's outcome (§4.6): the new version,
// committed only once every pipeline has finished reacting to the diff,
// and the row-change records the diff produced, keyed by query hash.
type AdvanceResult struct {
	Version Version
	Changes *ChangeIter
}

// ChangeIter is an eager, index-based sequence of per-query row-change
// records, grounded on the teacher's memoryStream (internal/federation/
// stream.go): the whole diff is small enough to resolve up front, so
// there is no need for a goroutine/channel generator — a slice and a
// cursor follow the same Next/Close shape as every other iterator here.
type ChangeIter struct {
	items []changestream.RowChange
	pos   int
}

// Next returns the next record, or (nil, nil) once exhausted.
func (c *ChangeIter) Next(context.Context) (*changestream.RowChange, error) {
	if c.pos >= len(c.items) {
		return nil, nil
	}
	item := c.items[c.pos]
	c.pos++
	return &item, nil
}

// Close is a no-op; ChangeIter holds no external resources.
func (c *ChangeIter) Close() error { return nil }

// Advance computes one diff against the snapshotter and pushes it
// through every live pipeline (§4.6). It returns ErrResetPipelines,
// unwrapped so errors.Is sees it, the instant the budget rule trips;
// the caller must then destroy every pipeline and call Reset.
func (d *Driver) Advance(ctx context.Context, timer Timer) (*AdvanceResult, error) {
	pipelines := d.pipelinesSnapshot()

	var hydration time.Duration
	tableSet := make(map[string]bool)
	for _, p := range pipelines {
		hydration += time.Duration(p.HydrationTimeMs) * time.Millisecond
		for _, t := range p.Operator.Tables() {
			tableSet[t] = true
		}
	}
	tables := make([]string, 0, len(tableSet))
	for t := range tableSet {
		tables = append(tables, t)
	}

	prev, curr, count, diff, err := d.snapshotter.Advance(ctx, tables)
	_ = prev
	if err != nil {
		return nil, fmt.Errorf("pipeline: snapshotter advance: %w", err)
	}
	defer diff.Close()

	streamers := make(map[string]*changestream.Streamer, len(pipelines))
	for _, p := range pipelines {
		streamers[p.Hash] = changestream.NewStreamer(p.Hash)
	}

	var out []changestream.RowChange
	processed := 0
	for {
		if err := d.budget.Check(timer.TotalElapsed(), hydration, processed, count); err != nil {
			d.logReset(ctx, err)
			return nil, err
		}

		entry, err := diff.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("pipeline: diff read: %w", err)
		}
		if entry == nil {
			break
		}

		applied, err := d.applyDiffEntry(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("pipeline: apply diff entry for %s: %w", entry.Table, err)
		}

		for _, p := range pipelines {
			if !operatorReads(p.Operator, entry.Table) {
				continue
			}
			streamer := streamers[p.Hash]
			for _, change := range applied {
				rcs, err := p.Operator.Push(ctx, entry.Table, change)
				if err != nil {
					return nil, fmt.Errorf("pipeline: push into query %s: %w", p.Hash, err)
				}
				for _, rc := range rcs {
					if emitted, ok := streamer.EmitChange(rc); ok {
						out = append(out, *emitted)
					}
				}
			}
		}

		processed++
		if timer.ElapsedLap() > 0 {
			timer.ResetLap()
		}
	}

	if err := d.snapshotter.Commit(ctx, curr); err != nil {
		return nil, fmt.Errorf("pipeline: commit: %w", err)
	}

	d.mu.Lock()
	d.version = curr
	d.mu.Unlock()

	return &AdvanceResult{Version: curr, Changes: &ChangeIter{items: out}}, nil
}

func (d *Driver) logReset(ctx context.Context, reason error) {
	_ = d.logger.LogEvent(ctx, observability.Event{
		Kind:   observability.EventResetPipelines,
		Reason: reason.Error(),
	})
}

func operatorReads(op dataflow.Operator, table string) bool {
	for _, t := range op.Tables() {
		if t == table {
			return true
		}
	}
	return false
}

// applyDiffEntry translates one snapshot DiffEntry into the ordered
// sequence of tablesource.Change calls it implies against the owning
// Source, applying the unique-key-conflict eviction rule (§4.6) before
// any add or edit: a colliding row under a different primary key is
// removed first, so the add/edit below never observes a conflict.
func (d *Driver) applyDiffEntry(ctx context.Context, entry *DiffEntry) ([]tablesource.Change, error) {
	source, ok := d.Source(entry.Table)
	if !ok {
		return nil, nil
	}
	tbl, ok := d.replicaSchema[entry.Table]
	if !ok {
		return nil, fmt.Errorf("pipeline: no schema entry for table %q", entry.Table)
	}

	var applied []tablesource.Change

	switch {
	case len(entry.PrevValues) == 0 && entry.NextValue != nil:
		evicted, err := d.evictUniqueConflicts(ctx, entry.Table, source, tbl, entry.NextValue, nil)
		if err != nil {
			return nil, err
		}
		applied = append(applied, evicted...)
		c, err := source.Push(ctx, tablesource.Change{
			Kind: tablesource.ChangeAdd,
			Row:  entry.NextValue,
			Key:  tablesource.KeyOf(entry.NextValue, tbl.PrimaryKey),
		})
		if err != nil {
			return nil, err
		}
		applied = append(applied, c)

	case len(entry.PrevValues) == 1 && entry.NextValue == nil:
		c, err := source.Push(ctx, tablesource.Change{
			Kind:    tablesource.ChangeRemove,
			Key:     tablesource.KeyOf(entry.PrevValues[0], tbl.PrimaryKey),
			PrevRow: entry.PrevValues[0],
		})
		if err != nil {
			return nil, err
		}
		applied = append(applied, c)

	case len(entry.PrevValues) == 1 && entry.NextValue != nil:
		oldKey := tablesource.KeyOf(entry.PrevValues[0], tbl.PrimaryKey)
		evicted, err := d.evictUniqueConflicts(ctx, entry.Table, source, tbl, entry.NextValue, &oldKey)
		if err != nil {
			return nil, err
		}
		applied = append(applied, evicted...)
		c, err := source.Push(ctx, tablesource.Change{
			Kind:    tablesource.ChangeEdit,
			Row:     entry.NextValue,
			PrevRow: entry.PrevValues[0],
			Key:     tablesource.KeyOf(entry.NextValue, tbl.PrimaryKey),
		})
		if err != nil {
			return nil, err
		}
		applied = append(applied, c)

	default:
		for _, prev := range entry.PrevValues {
			c, err := source.Push(ctx, tablesource.Change{
				Kind:    tablesource.ChangeRemove,
				Key:     tablesource.KeyOf(prev, tbl.PrimaryKey),
				PrevRow: prev,
			})
			if err != nil {
				return nil, err
			}
			applied = append(applied, c)
		}
		if entry.NextValue != nil {
			evicted, err := d.evictUniqueConflicts(ctx, entry.Table, source, tbl, entry.NextValue, nil)
			if err != nil {
				return nil, err
			}
			applied = append(applied, evicted...)
			c, err := source.Push(ctx, tablesource.Change{
				Kind: tablesource.ChangeAdd,
				Row:  entry.NextValue,
				Key:  tablesource.KeyOf(entry.NextValue, tbl.PrimaryKey),
			})
			if err != nil {
				return nil, err
			}
			applied = append(applied, c)
		}
	}

	return applied, nil
}

// evictUniqueConflicts removes the row (if any) already occupying one of
// table's unique indexes under newRow's values, skipping a match whose
// key equals skipKey (the row being edited colliding with its own prior
// self is not a conflict).
func (d *Driver) evictUniqueConflicts(ctx context.Context, table string, source tablesource.Source, tbl schema.Table, newRow tablesource.Row, skipKey *tablesource.Key) ([]tablesource.Change, error) {
	var evicted []tablesource.Change
	for _, idx := range tbl.UniqueIndexes {
		probe := make(tablesource.Key, len(idx))
		for _, col := range idx {
			probe[col] = newRow[col]
		}
		existing, ok, err := source.GetRow(ctx, probe)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		existingKey := tablesource.KeyOf(existing, tbl.PrimaryKey)
		if skipKey != nil && tablesource.CanonicalKey(*skipKey) == tablesource.CanonicalKey(existingKey) {
			continue
		}

		c, err := source.Push(ctx, tablesource.Change{
			Kind:    tablesource.ChangeRemove,
			Key:     existingKey,
			PrevRow: existing,
		})
		if err != nil {
			return nil, err
		}
		evicted = append(evicted, c)

		_ = d.logger.LogEvent(ctx, observability.Event{
			Kind:       observability.EventUniqueKeyConflict,
			Table:      table,
			EvictedKey: tablesource.CanonicalKey(existingKey),
		})
	}
	return evicted, nil
}
