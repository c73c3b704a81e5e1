package pipeline

import (
	"context"

	"github.com/canonica-labs/zoql/internal/changestream"
	"github.com/canonica-labs/zoql/internal/tablesource"
)

// HydrateIter drains a freshly added query's initial row set (§4.5's
// hydration pass). Next returns (nil, nil) on exhaustion, after which
// Pipeline.HydrationTimeMs holds the wall time the pass took — the
// advance budget rule (§4.6) needs this sum across every live pipeline.
type HydrateIter struct {
	pipeline *Pipeline
	inner    tablesource.RowIter
	streamer *changestream.Streamer
	driver   *Driver
	timer    Timer
	done     bool
}

// Next returns the next row-change record, or (nil, nil) once hydration
// is exhausted. Items that produce no output (a yield sentinel, or a
// permissions/dedup-suppressed row) are skipped inside Next, so a nil
// record with a nil error always means exhaustion.
func (h *HydrateIter) Next(ctx context.Context) (*changestream.RowChange, error) {
	if h.done {
		return nil, nil
	}
	for {
		item, err := h.inner.Next(ctx)
		if err != nil {
			h.finish()
			return nil, err
		}
		if item == nil {
			h.finish()
			return nil, nil
		}
		if item.Kind == tablesource.ItemYield {
			if h.timer != nil {
				h.timer.ResetLap()
			}
			continue
		}

		pk := h.primaryKeyFor(item.Table)
		rc, ok := h.streamer.EmitHydratedRow(*item, pk)
		if !ok {
			continue
		}
		return rc, nil
	}
}

// Close releases the underlying operator-tree iterator. Safe to call
// after Next has already exhausted it.
func (h *HydrateIter) Close() error {
	if h.inner == nil {
		return nil
	}
	return h.inner.Close()
}

func (h *HydrateIter) finish() {
	h.done = true
	if h.timer != nil && h.pipeline != nil {
		h.pipeline.HydrationTimeMs = float64(h.timer.TotalElapsed().Milliseconds())
	}
}

func (h *HydrateIter) primaryKeyFor(table string) []string {
	if h.driver == nil {
		return nil
	}
	t, ok := h.driver.replicaSchema[table]
	if !ok {
		return nil
	}
	return t.PrimaryKey
}
