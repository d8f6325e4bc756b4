package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tickwatch/internal/alerts"
	"tickwatch/internal/config"
	"tickwatch/internal/feed"
	"tickwatch/internal/hub"
	"tickwatch/internal/logger"
	"tickwatch/internal/market"
	"tickwatch/internal/models"
	"tickwatch/internal/profile"
	"tickwatch/internal/publish"
	"tickwatch/internal/storage"
)

// maxPendingCandles bounds the retry queue for failed candle inserts.
const maxPendingCandles = 1024

// cycle drives one publication pass: snapshot the live table, advance the
// aggregator, run alert rules, gate the derived views, and broadcast.
type cycle struct {
	cfg      *config.Config
	loc      *time.Location
	table    *feed.Table
	agg      *market.Aggregator
	engine   *alerts.Engine
	profiles *profile.Store
	hub      *hub.Hub
	store    *storage.Storage
	meta     map[string]*models.InstrumentMeta
	gate     *publish.Gate

	// Candles whose insert failed, retried on the next cycle. The insert
	// is idempotent so a retry after a half-applied failure is safe.
	pending []models.Candle
}

func newCycle(
	cfg *config.Config,
	loc *time.Location,
	table *feed.Table,
	agg *market.Aggregator,
	engine *alerts.Engine,
	profiles *profile.Store,
	h *hub.Hub,
	store *storage.Storage,
	meta map[string]*models.InstrumentMeta,
) *cycle {
	return &cycle{
		cfg:      cfg,
		loc:      loc,
		table:    table,
		agg:      agg,
		engine:   engine,
		profiles: profiles,
		hub:      h,
		store:    store,
		meta:     meta,
		gate:     publish.NewGate(cfg.Publish.Epsilon),
	}
}

// run executes one publication cycle. Per-instrument errors are isolated to
// that instrument; only persistence trouble surfaces as a cycle error so
// that repeated failures trip the notification path.
func (c *cycle) run(ctx context.Context) error {
	now := time.Now()
	c.engine.RollSession(now)
	c.retryPending(ctx)

	snapshot := c.table.Snapshot()
	var included []models.DerivedView
	persistFailures := 0
	userAlertsFired := false

	for sym, tick := range snapshot {
		finalized, err := c.agg.Ingest(tick)
		if err != nil {
			if errors.Is(err, market.ErrStaleTick) {
				logger.Debug("Dropped stale tick: %v", err)
			} else {
				logger.Warn("Dropped tick for %s: %v", sym, err)
			}
			continue
		}

		firedPDH := false
		if finalized != nil {
			if !c.persistCandle(ctx, *finalized) {
				persistFailures++
			}
			for _, a := range c.engine.OnCandleClose(*finalized) {
				if a.Kind == models.KindPDHCross {
					firedPDH = true
				}
			}
		}

		var firedIDs []string
		for _, ua := range c.engine.CheckTick(tick) {
			firedIDs = append(firedIDs, ua.ID)
			userAlertsFired = true
		}

		view := c.buildView(sym, tick, now, firedPDH, firedIDs)
		if c.gate.Offer(view) {
			included = append(included, view)
		}
	}

	if userAlertsFired {
		c.hub.BroadcastUserAlerts(c.engine.ListAlerts())
	}
	if len(included) > 0 {
		c.hub.BroadcastUpdate(publish.GroupByStrategy(included, c.meta), c.table.InvalidSymbols())
	}

	if persistFailures > 0 {
		return fmt.Errorf("%d candle inserts failed (queued for retry)", persistFailures)
	}
	return nil
}

// buildView merges the live tick, static metadata, and alert-derived flags
// into the typed per-instrument view. Change% is taken verbatim from the
// feed, never recomputed.
func (c *cycle) buildView(sym string, tick models.Tick, now time.Time, firedPDH bool, firedIDs []string) models.DerivedView {
	view := models.DerivedView{
		Symbol:          sym,
		LTP:             tick.LTP,
		ChangePct:       tick.ChangePct,
		Volume:          tick.CumVolume,
		High:            tick.High,
		Low:             tick.Low,
		Open:            tick.Open,
		LastUpdate:      now,
		CrossedPDH:      "-",
		PDHAlert:        firedPDH,
		TriggeredAlerts: firedIDs,
	}

	if m, ok := c.meta[sym]; ok {
		view.Meta = m
		if m.HasPDH {
			pdh := m.PDH
			view.PDH = &pdh
			if tick.LTP.GreaterThan(m.PDH) {
				view.CrossedPDH = "yes"
			} else {
				view.CrossedPDH = "no"
			}
		}
	}

	// RVol compares the in-flight candle's volume against the historical
	// baseline for the current minute slot; absent baseline means no RVol.
	if oc, ok := c.agg.Open(sym); ok {
		if rv, ok := c.profiles.RVol(sym, now, oc.Volume); ok {
			view.RVol = &rv
		}
	}
	return view
}

// persistCandle inserts a finalized candle, queueing it for retry when the
// write fails. Reports whether the insert succeeded.
func (c *cycle) persistCandle(ctx context.Context, candle models.Candle) bool {
	ictx, cancel := context.WithTimeout(ctx, c.cfg.Storage.QueryTimeout)
	defer cancel()

	if err := c.store.InsertCandleIfAbsent(ictx, &candle); err != nil {
		logger.Warn("Failed to persist candle %s@%s: %v", candle.Symbol, candle.BucketStart.Format("15:04"), err)
		if len(c.pending) >= maxPendingCandles {
			logger.Error("Candle retry queue full, dropping oldest")
			c.pending = c.pending[1:]
		}
		c.pending = append(c.pending, candle)
		return false
	}
	return true
}

func (c *cycle) retryPending(ctx context.Context) {
	if len(c.pending) == 0 {
		return
	}
	still := c.pending[:0]
	for _, candle := range c.pending {
		ictx, cancel := context.WithTimeout(ctx, c.cfg.Storage.QueryTimeout)
		err := c.store.InsertCandleIfAbsent(ictx, &candle)
		cancel()
		if err != nil {
			still = append(still, candle)
		}
	}
	recovered := len(c.pending) - len(still)
	if recovered > 0 {
		logger.Info("Recovered %d queued candle inserts", recovered)
	}
	c.pending = still
}

// flush finalizes every open candle at shutdown and persists the partial
// minute.
func (c *cycle) flush(ctx context.Context) {
	for _, candle := range c.agg.Flush() {
		c.persistCandle(ctx, candle)
	}
	c.retryPending(ctx)
}

// initialSnapshot builds the grouped full-universe view for a newly
// attached subscriber: every instrument in the metadata universe, overlaid
// with the latest tick where one exists, with no alert flags set.
func (c *cycle) initialSnapshot() map[string]map[string]models.DerivedView {
	now := time.Now()
	snapshot := c.table.Snapshot()

	views := make([]models.DerivedView, 0, len(c.meta))
	for sym := range c.meta {
		tick := snapshot[sym] // zero value when the feed has nothing yet
		tick.Symbol = sym
		views = append(views, c.buildView(sym, tick, now, false, nil))
	}
	return publish.GroupByStrategy(views, c.meta)
}
