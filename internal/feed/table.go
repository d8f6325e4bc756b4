// Package feed maintains the tick feed connection and the shared live-price
// table it writes into.
package feed

import (
	"sync"

	"tickwatch/internal/models"
)

// Table is the live-price state shared between the feed path (writer) and
// the cycle path (reader). One lock guards the whole table so a reader never
// observes a half-updated tick.
type Table struct {
	mu      sync.Mutex
	ticks   map[string]models.Tick
	invalid map[string]struct{}
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		ticks:   make(map[string]models.Tick),
		invalid: make(map[string]struct{}),
	}
}

// Put stores the latest tick for its instrument.
func (t *Table) Put(tick models.Tick) {
	t.mu.Lock()
	t.ticks[tick.Symbol] = tick
	t.mu.Unlock()
}

// Snapshot returns a copy of the latest tick per instrument.
func (t *Table) Snapshot() map[string]models.Tick {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]models.Tick, len(t.ticks))
	for sym, tick := range t.ticks {
		out[sym] = tick
	}
	return out
}

// MarkInvalid records symbols the feed rejected.
func (t *Table) MarkInvalid(symbols []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range symbols {
		t.invalid[s] = struct{}{}
	}
}

// InvalidSymbols returns the rejected-symbol set as a slice.
func (t *Table) InvalidSymbols() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.invalid))
	for s := range t.invalid {
		out = append(out, s)
	}
	return out
}

// ActiveCount returns the number of instruments with at least one tick.
func (t *Table) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ticks)
}
