// Package market aggregates the live tick stream into fixed-width
// 1-minute candles, one open candle per instrument.
package market

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tickwatch/internal/models"
)

// BucketWidth is the candle width.
const BucketWidth = time.Minute

// ErrStaleTick marks a tick that arrived for an already-finalized bucket.
// Stale ticks are dropped, not merged.
var ErrStaleTick = errors.New("tick older than open bucket")

type candleState struct {
	candle       models.Candle
	lastCum      int64 // cumulative volume baseline; re-anchored on feed reset
	lastObserved time.Time
}

// Aggregator converts the tick stream into one open candle per instrument.
// Bucket boundary decisions use the wall clock, not tick-reported time, so
// the clock advances even if the feed stalls mid-minute.
type Aggregator struct {
	mu    sync.Mutex
	open  map[string]*candleState
	stale int64
	clock func() time.Time
}

// New creates an aggregator with no open candles.
func New() *Aggregator {
	return &Aggregator{
		open:  make(map[string]*candleState),
		clock: time.Now,
	}
}

// Ingest applies a tick to the instrument's in-flight candle. When the wall
// clock has crossed into a new bucket since the candle opened, the previous
// candle is finalized and returned; the caller persists it and runs the
// per-candle alert checks. The very first tick for an instrument opens a
// candle with volume 0 and returns nothing.
func (a *Aggregator) Ingest(tick models.Tick) (*models.Candle, error) {
	if err := tick.Validate(); err != nil {
		return nil, fmt.Errorf("malformed tick: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	bucket := a.clock().Truncate(BucketWidth)

	s, ok := a.open[tick.Symbol]
	if !ok {
		a.open[tick.Symbol] = openCandle(tick, bucket)
		return nil, nil
	}

	// The live table re-serves the latest tick until the feed replaces it;
	// an unchanged ObservedAt is that same tick seen again, not a new event.
	if !tick.ObservedAt.IsZero() && tick.ObservedAt.Equal(s.lastObserved) {
		return nil, nil
	}

	if !tick.ObservedAt.IsZero() && tick.ObservedAt.Before(s.candle.BucketStart) {
		a.stale++
		return nil, fmt.Errorf("%w: %s at %s", ErrStaleTick, tick.Symbol, tick.ObservedAt.Format(time.RFC3339))
	}

	if bucket.Equal(s.candle.BucketStart) {
		s.apply(tick)
		s.lastObserved = tick.ObservedAt
		return nil, nil
	}

	// Bucket rollover: freeze the previous candle and open a new one from
	// the triggering tick. The volume baseline carries over so the delta
	// between the buckets lands in the new candle.
	done := s.candle
	next := openCandle(tick, bucket)
	next.lastCum = s.lastCum
	next.apply(tick)
	a.open[tick.Symbol] = next
	return &done, nil
}

// apply folds a tick into the open candle. A cumulative volume decrease
// means the feed session reset; the baseline is re-anchored from the tick
// and the delta for that step is 0, never negative.
func (s *candleState) apply(tick models.Tick) {
	if tick.LTP.GreaterThan(s.candle.High) {
		s.candle.High = tick.LTP
	}
	if tick.LTP.LessThan(s.candle.Low) {
		s.candle.Low = tick.LTP
	}
	s.candle.Close = tick.LTP

	delta := tick.CumVolume - s.lastCum
	if delta < 0 {
		delta = 0
	}
	s.lastCum = tick.CumVolume
	s.candle.Volume += delta
}

func openCandle(tick models.Tick, bucket time.Time) *candleState {
	return &candleState{
		candle: models.Candle{
			Symbol:      tick.Symbol,
			BucketStart: bucket,
			Open:        tick.LTP,
			High:        tick.LTP,
			Low:         tick.LTP,
			Close:       tick.LTP,
			Volume:      0,
		},
		lastCum:      tick.CumVolume,
		lastObserved: tick.ObservedAt,
	}
}

// Flush finalizes and returns every open candle. Called at shutdown so the
// partial minute is persisted instead of lost.
func (a *Aggregator) Flush() []models.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()

	candles := make([]models.Candle, 0, len(a.open))
	for _, s := range a.open {
		candles = append(candles, s.candle)
	}
	a.open = make(map[string]*candleState)
	return candles
}

// Open returns a copy of the instrument's in-flight candle, if any.
func (a *Aggregator) Open(symbol string) (models.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.open[symbol]
	if !ok {
		return models.Candle{}, false
	}
	return s.candle, true
}

// StaleTicks returns the number of dropped out-of-order ticks.
func (a *Aggregator) StaleTicks() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stale
}
