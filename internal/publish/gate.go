// Package publish decides, per instrument per cycle, whether the derived
// view changed enough to justify a broadcast, and groups outgoing views by
// strategy tag.
package publish

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"tickwatch/internal/models"
)

// Gate is the change-detection filter in front of the broadcaster.
// Instruments whose view is unchanged within epsilon are not re-sent, which
// bounds subscriber-side work to genuinely changed data.
type Gate struct {
	mu       sync.Mutex
	epsilon  decimal.Decimal
	epsilonF float64
	lastSent map[string]models.DerivedView
}

// NewGate creates a gate with the given price/change epsilon (currency units).
func NewGate(epsilon float64) *Gate {
	return &Gate{
		epsilon:  decimal.NewFromFloat(epsilon),
		epsilonF: epsilon,
		lastSent: make(map[string]models.DerivedView),
	}
}

// Offer reports whether the view should be included in the outgoing batch,
// recording it as the last published snapshot when included. A view is
// included on first observation, when price or change% moved by more than
// epsilon, or when any alert flag fired this cycle.
func (g *Gate) Offer(view models.DerivedView) bool {
	alertFired := view.PDHAlert || len(view.TriggeredAlerts) > 0

	g.mu.Lock()
	defer g.mu.Unlock()

	last, seen := g.lastSent[view.Symbol]
	include := !seen ||
		view.LTP.Sub(last.LTP).Abs().GreaterThan(g.epsilon) ||
		math.Abs(view.ChangePct-last.ChangePct) > g.epsilonF ||
		alertFired
	if include {
		g.lastSent[view.Symbol] = view
	}
	return include
}

// Seen reports whether the instrument has been published before.
func (g *Gate) Seen(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.lastSent[symbol]
	return ok
}

// GroupByStrategy replicates each view under every strategy tag its
// instrument belongs to. This is a display-grouping convenience, not a
// partition: one instrument can appear in several groups within a batch.
// Instruments without metadata or tags land in the default bucket.
func GroupByStrategy(views []models.DerivedView, meta map[string]*models.InstrumentMeta) map[string]map[string]models.DerivedView {
	grouped := make(map[string]map[string]models.DerivedView)
	for _, v := range views {
		tags := []string{models.DefaultStrategy}
		if m, ok := meta[v.Symbol]; ok {
			tags = m.StrategyTags()
		}
		for _, tag := range tags {
			if grouped[tag] == nil {
				grouped[tag] = make(map[string]models.DerivedView)
			}
			grouped[tag][v.Symbol] = v
		}
	}
	return grouped
}
