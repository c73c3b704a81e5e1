package pipeline

import (
	"errors"
	"time"
)

// MinBudget is the MIN_BUDGET floor from §4.6 and §9's Open Question:
// small enough that a quick advance always completes, even against a
// hydration that happened to be shorter.
const MinBudget = 50 * time.Millisecond

// ErrResetPipelines is the budget rule's sentinel signal (§4.6, §7): not
// an error kind, a cooperative abort every advance() caller must catch
// and respond to by destroying all pipelines and calling Reset.
var ErrResetPipelines = errors.New("pipeline: reset pipelines")

// Budget enforces §4.6's advancement time budget.
type Budget struct {
	// Min overrides MinBudget; the zero value means "use MinBudget."
	Min time.Duration
}

func (b Budget) min() time.Duration {
	if b.Min > 0 {
		return b.Min
	}
	return MinBudget
}

// Check applies the budget rule given elapsed advance time E, total
// hydration time H, and how many of the diff's entries have been
// processed so far. It returns ErrResetPipelines the instant either
// condition trips. Advance calls it before reading each diff entry (and
// once more before detecting the end of the diff); it is not consulted
// inside table-source reads.
func (b Budget) Check(elapsed, hydration time.Duration, processed, total int) error {
	floor := hydration
	if b.min() > floor {
		floor = b.min()
	}
	if elapsed > floor {
		return ErrResetPipelines
	}
	if elapsed > hydration/2 && total > 0 && processed*2 < total {
		return ErrResetPipelines
	}
	return nil
}
