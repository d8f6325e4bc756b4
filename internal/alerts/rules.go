package alerts

import (
	"context"
	"fmt"
	"time"

	"tickwatch/internal/models"
)

// CandleQuerier is the slice of the persistence layer the scheduled rule
// reads from.
type CandleQuerier interface {
	QueryCandles(ctx context.Context, symbol string, from, to time.Time, limit int) ([]models.Candle, error)
}

// OnCandleClose runs the candle-close rule families against a finalized
// candle and returns any alerts fired.
func (e *Engine) OnCandleClose(candle models.Candle) []models.SystemAlert {
	var fired []models.SystemAlert

	if a := e.checkPDHCross(candle); a != nil {
		fired = append(fired, *a)
	}
	if a := e.checkVolumeSpike(candle); a != nil {
		fired = append(fired, *a)
	}

	for _, a := range fired {
		e.fire(a)
	}
	return fired
}

// checkPDHCross fires once per session per instrument when a candle closes
// above the previous-day high. Oscillation around the level does not re-fire.
func (e *Engine) checkPDHCross(candle models.Candle) *models.SystemAlert {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.Toggles.PDHCross {
		return nil
	}
	meta, ok := e.meta[candle.Symbol]
	if !ok || !meta.HasPDH {
		return nil
	}
	if !candle.Close.GreaterThan(meta.PDH) {
		return nil
	}
	if _, crossed := e.pdhCrossed[candle.Symbol]; crossed {
		return nil
	}
	e.pdhCrossed[candle.Symbol] = struct{}{}

	a := newSystemAlert(models.KindPDHCross, candle.Symbol,
		fmt.Sprintf("%s closed above previous day high %s (close %s)",
			candle.Symbol, meta.PDH, candle.Close))
	return &a
}

// checkVolumeSpike keeps a bounded rolling window of per-candle volumes and
// fires when the newest exceeds SpikeRatio times the mean of the prior
// samples. The window is cleared after a fire, so the rule re-arms only once
// enough non-spiking candles have refilled it.
func (e *Engine) checkVolumeSpike(candle models.Candle) *models.SystemAlert {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.Toggles.VolumeSpike {
		return nil
	}

	window := append(e.volumeWindow[candle.Symbol], candle.Volume)
	if len(window) > e.cfg.SpikeWindow {
		window = window[1:]
	}
	e.volumeWindow[candle.Symbol] = window

	if len(window) < e.cfg.SpikeWindow {
		return nil
	}

	var sum int64
	for _, v := range window[:len(window)-1] {
		sum += v
	}
	mean := float64(sum) / float64(len(window)-1)
	if mean <= 0 || float64(candle.Volume) <= e.cfg.SpikeRatio*mean {
		return nil
	}

	e.volumeWindow[candle.Symbol] = nil

	a := newSystemAlert(models.KindVolumeSpike, candle.Symbol,
		fmt.Sprintf("%s volume spike: %d vs %.0f avg over prior %d candles",
			candle.Symbol, candle.Volume, mean, e.cfg.SpikeWindow-1))
	return &a
}

// RunPositiveOpenCheck runs the daily positive 5-minute-open scan: for every
// instrument that has not fired yet this session, fetch the first five
// 1-minute candles after sessionStart; if exactly five exist and the fifth
// close exceeds the first open, fire. Database reads happen outside the
// engine lock so a slow query cannot stall the live path.
func (e *Engine) RunPositiveOpenCheck(ctx context.Context, store CandleQuerier, sessionStart time.Time) error {
	e.mu.Lock()
	if !e.cfg.Toggles.PositiveOpen {
		e.mu.Unlock()
		return nil
	}
	symbols := make([]string, 0, len(e.meta))
	for sym := range e.meta {
		if _, done := e.positiveAlerted[sym]; !done {
			symbols = append(symbols, sym)
		}
	}
	e.mu.Unlock()

	dayEnd := sessionStart.Add(24 * time.Hour)
	var firstErr error
	checked, firedCount := 0, 0

	for _, sym := range symbols {
		candles, err := store.QueryCandles(ctx, sym, sessionStart, dayEnd, 5)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("positive-open query for %s: %w", sym, err)
			}
			continue
		}
		checked++
		if len(candles) != 5 {
			continue
		}
		if !candles[4].Close.GreaterThan(candles[0].Open) {
			continue
		}

		e.mu.Lock()
		_, done := e.positiveAlerted[sym]
		if !done {
			e.positiveAlerted[sym] = struct{}{}
		}
		e.mu.Unlock()
		if done {
			continue
		}

		e.fire(newSystemAlert(models.KindPositiveOpen, sym,
			fmt.Sprintf("%s positive 5-minute open: close %s above open %s",
				sym, candles[4].Close, candles[0].Open)))
		firedCount++
	}

	if firstErr != nil {
		return fmt.Errorf("positive-open check incomplete (%d/%d symbols checked): %w",
			checked, len(symbols), firstErr)
	}
	return nil
}

// PDHCrossedThisSession reports whether the instrument already fired the
// PDH-cross rule this session.
func (e *Engine) PDHCrossedThisSession(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pdhCrossed[symbol]
	return ok
}
