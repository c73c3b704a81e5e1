package fixture

import (
	"context"
	"strconv"
	"sync"

	"github.com/canonica-labs/zoql/internal/pipeline"
)

// Tick is one scripted snapshot-to-snapshot diff: the set of row events a
// test wants the engine to observe on a single advance() call.
type Tick struct {
	Entries []pipeline.DiffEntry
}

// Snapshotter is an in-memory pipeline.Snapshotter that replays a fixed
// sequence of Ticks, one per Advance call, grounded on
// internal/storage/mock_repository.go's in-memory-stand-in-for-the-real-
// thing shape (a mutex-guarded slice/map, no I/O).
type Snapshotter struct {
	mu       sync.Mutex
	ticks    []Tick
	position int
}

// NewSnapshotter constructs a Snapshotter that will replay ticks in
// order, one per Advance call.
func NewSnapshotter(ticks []Tick) *Snapshotter {
	return &Snapshotter{ticks: ticks}
}

func versionFor(i int) pipeline.Version {
	return pipeline.Version(strconv.Itoa(i))
}

// Init implements pipeline.Snapshotter.
func (s *Snapshotter) Init(context.Context) error {
	return nil
}

// Current implements pipeline.Snapshotter.
func (s *Snapshotter) Current(context.Context) (pipeline.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return versionFor(s.position), nil
}

// Advance implements pipeline.Snapshotter, returning the next scripted
// tick's entries restricted to tables, without moving position until
// Commit is called.
func (s *Snapshotter) Advance(_ context.Context, tables []string) (prev, curr pipeline.Version, count int, diff pipeline.DiffIter, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev = versionFor(s.position)
	if s.position >= len(s.ticks) {
		return prev, prev, 0, &tickIter{}, nil
	}

	wanted := make(map[string]bool, len(tables))
	for _, t := range tables {
		wanted[t] = true
	}
	var entries []pipeline.DiffEntry
	for _, e := range s.ticks[s.position].Entries {
		if wanted[e.Table] {
			entries = append(entries, e)
		}
	}

	curr = versionFor(s.position + 1)
	return prev, curr, len(entries), &tickIter{entries: entries}, nil
}

// Commit implements pipeline.Snapshotter.
func (s *Snapshotter) Commit(_ context.Context, curr pipeline.Version) error {
	idx, err := strconv.Atoi(string(curr))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = idx
	return nil
}

// Destroy implements pipeline.Snapshotter; there are no resources to
// release.
func (s *Snapshotter) Destroy(context.Context) error {
	return nil
}

type tickIter struct {
	entries []pipeline.DiffEntry
	pos     int
}

func (t *tickIter) Next(context.Context) (*pipeline.DiffEntry, error) {
	if t.pos >= len(t.entries) {
		return nil, nil
	}
	e := t.entries[t.pos]
	t.pos++
	return &e, nil
}

func (t *tickIter) Close() error { return nil }
