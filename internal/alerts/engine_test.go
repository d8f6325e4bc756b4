package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tickwatch/internal/models"
)

func testMeta(t *testing.T, pdh float64) map[string]*models.InstrumentMeta {
	t.Helper()
	m := &models.InstrumentMeta{
		Symbol:   "NSE:ABC-EQ",
		Strategy: "Momentum",
	}
	if pdh > 0 {
		m.PDH = decimal.NewFromFloat(pdh)
		m.HasPDH = true
	}
	return map[string]*models.InstrumentMeta{m.Symbol: m}
}

func testEngine(t *testing.T, meta map[string]*models.InstrumentMeta, cfg Config) *Engine {
	t.Helper()
	return New(meta, cfg, time.UTC)
}

func tickAt(t *testing.T, symbol string, price float64) models.Tick {
	t.Helper()
	return models.Tick{
		Symbol:     symbol,
		LTP:        decimal.NewFromFloat(price),
		ObservedAt: time.Now(),
	}
}

func candleAt(t *testing.T, symbol string, open, close float64, volume int64, bucket time.Time) models.Candle {
	t.Helper()
	o := decimal.NewFromFloat(open)
	c := decimal.NewFromFloat(close)
	hi, lo := o, c
	if c.GreaterThan(o) {
		hi, lo = c, o
	}
	return models.Candle{
		Symbol:      symbol,
		BucketStart: bucket,
		Open:        o,
		High:        hi,
		Low:         lo,
		Close:       c,
		Volume:      volume,
	}
}

func TestUserAlertFiresExactlyOnce(t *testing.T) {
	e := testEngine(t, testMeta(t, 0), DefaultConfig())

	var notified []models.SystemAlert
	e.SetNotifier(func(a models.SystemAlert) { notified = append(notified, a) })

	created, err := e.CreateAlert("NSE:ABC-EQ", models.OpGT, decimal.NewFromInt(150))
	if err != nil {
		t.Fatalf("CreateAlert failed: %v", err)
	}

	// Below threshold: nothing fires.
	if fired := e.CheckTick(tickAt(t, "NSE:ABC-EQ", 149)); len(fired) != 0 {
		t.Fatalf("Alert fired below threshold: %+v", fired)
	}

	fired := e.CheckTick(tickAt(t, "NSE:ABC-EQ", 151))
	if len(fired) != 1 {
		t.Fatalf("Expected 1 fired alert, got %d", len(fired))
	}
	if fired[0].ID != created.ID || !fired[0].Triggered || fired[0].TriggeredAt == nil {
		t.Errorf("Fired alert not marked triggered: %+v", fired[0])
	}
	if len(notified) != 1 || notified[0].Kind != models.KindUserAlert {
		t.Errorf("Expected one KindUserAlert notification, got %+v", notified)
	}

	// Still above threshold: the alert stays silent.
	if fired := e.CheckTick(tickAt(t, "NSE:ABC-EQ", 160)); len(fired) != 0 {
		t.Fatalf("Triggered alert fired again: %+v", fired)
	}

	// An update re-arms it.
	if _, err := e.UpdateAlert(created.ID, models.OpGT, decimal.NewFromInt(155)); err != nil {
		t.Fatalf("UpdateAlert failed: %v", err)
	}
	if fired := e.CheckTick(tickAt(t, "NSE:ABC-EQ", 160)); len(fired) != 1 {
		t.Fatalf("Re-armed alert did not fire, got %d", len(fired))
	}
}

func TestUserAlertLifecycle(t *testing.T) {
	e := testEngine(t, testMeta(t, 0), DefaultConfig())

	a, err := e.CreateAlert("NSE:ABC-EQ", models.OpLE, decimal.NewFromInt(90))
	if err != nil {
		t.Fatalf("CreateAlert failed: %v", err)
	}
	if _, err := e.CreateAlert("NSE:ABC-EQ", models.Operator("!="), decimal.NewFromInt(1)); err == nil {
		t.Fatal("Expected error for unsupported operator")
	}
	if got := e.ListAlerts(); len(got) != 1 {
		t.Fatalf("ListAlerts() returned %d alerts, want 1", len(got))
	}
	if err := e.DeleteAlert(a.ID); err != nil {
		t.Fatalf("DeleteAlert failed: %v", err)
	}
	if err := e.DeleteAlert(a.ID); err == nil {
		t.Fatal("Expected error deleting an unknown alert")
	}
	if got := e.ListAlerts(); len(got) != 0 {
		t.Fatalf("ListAlerts() returned %d alerts after delete, want 0", len(got))
	}
}

func TestDisabledUserAlertsShortCircuit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Toggles.UserAlerts = false
	e := testEngine(t, testMeta(t, 0), cfg)

	if _, err := e.CreateAlert("NSE:ABC-EQ", models.OpGT, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("CreateAlert failed: %v", err)
	}
	if fired := e.CheckTick(tickAt(t, "NSE:ABC-EQ", 200)); len(fired) != 0 {
		t.Fatalf("Disabled family fired: %+v", fired)
	}
}

func TestPDHCrossFiresOncePerSession(t *testing.T) {
	e := testEngine(t, testMeta(t, 150), DefaultConfig())
	e.RollSession(time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC))

	bucket := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)
	closes := []float64{148, 149, 151, 149, 152}
	var fired []models.SystemAlert
	for i, px := range closes {
		alerts := e.OnCandleClose(candleAt(t, "NSE:ABC-EQ", px, px, 100, bucket.Add(time.Duration(i)*time.Minute)))
		fired = append(fired, alerts...)
	}

	if len(fired) != 1 {
		t.Fatalf("Expected exactly 1 PDH cross, got %d", len(fired))
	}
	if fired[0].Kind != models.KindPDHCross {
		t.Errorf("Kind = %s, want %s", fired[0].Kind, models.KindPDHCross)
	}
	if !e.PDHCrossedThisSession("NSE:ABC-EQ") {
		t.Error("PDHCrossedThisSession = false after a fire")
	}

	// Next calendar day the rule re-arms.
	e.RollSession(time.Date(2026, 9, 1, 9, 30, 0, 0, time.UTC))
	if e.PDHCrossedThisSession("NSE:ABC-EQ") {
		t.Error("Fire-once set survived the session rollover")
	}
	again := e.OnCandleClose(candleAt(t, "NSE:ABC-EQ", 151, 151, 100, bucket.Add(24*time.Hour)))
	if len(again) != 1 {
		t.Fatalf("Expected PDH cross to fire again after rollover, got %d", len(again))
	}
}

func TestPDHCrossSkipsInstrumentsWithoutPDH(t *testing.T) {
	e := testEngine(t, testMeta(t, 0), DefaultConfig())
	bucket := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)
	if fired := e.OnCandleClose(candleAt(t, "NSE:ABC-EQ", 100, 999, 100, bucket)); len(fired) != 0 {
		t.Fatalf("PDH cross fired without a PDH: %+v", fired)
	}
}

func TestVolumeSpikeRefillsAfterFire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpikeWindow = 4
	e := testEngine(t, testMeta(t, 0), cfg)

	bucket := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)
	i := 0
	feed := func(volume int64) []models.SystemAlert {
		c := e.OnCandleClose(candleAt(t, "NSE:ABC-EQ", 100, 100, volume, bucket.Add(time.Duration(i)*time.Minute)))
		i++
		return c
	}

	// Window not yet full: no fire even on a large candle.
	for _, v := range []int64{100, 100} {
		if fired := feed(v); len(fired) != 0 {
			t.Fatalf("Spike fired on a short window: %+v", fired)
		}
	}
	for _, v := range []int64{100} {
		feed(v)
	}

	// 1000 vs mean 100 over the prior 3 candles.
	fired := feed(1000)
	if len(fired) != 1 || fired[0].Kind != models.KindVolumeSpike {
		t.Fatalf("Expected one volume spike, got %+v", fired)
	}

	// The window was cleared, so an immediate repeat cannot fire.
	if fired := feed(1000); len(fired) != 0 {
		t.Fatalf("Spike re-fired before the window refilled: %+v", fired)
	}

	// Refill and it arms again.
	for _, v := range []int64{100, 100, 100} {
		feed(v)
	}
	if fired := feed(1000); len(fired) != 1 {
		t.Fatalf("Expected spike after refill, got %+v", fired)
	}
}

func TestVolumeSpikeIgnoresZeroMean(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpikeWindow = 3
	e := testEngine(t, testMeta(t, 0), cfg)

	bucket := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)
	for i, v := range []int64{0, 0, 5000} {
		fired := e.OnCandleClose(candleAt(t, "NSE:ABC-EQ", 100, 100, v, bucket.Add(time.Duration(i)*time.Minute)))
		if len(fired) != 0 {
			t.Fatalf("Spike fired against a zero-volume baseline: %+v", fired)
		}
	}
}

// fakeCandleQuerier serves canned candles per symbol.
type fakeCandleQuerier struct {
	candles map[string][]models.Candle
	queried []string
}

func (f *fakeCandleQuerier) QueryCandles(_ context.Context, symbol string, _, _ time.Time, limit int) ([]models.Candle, error) {
	f.queried = append(f.queried, symbol)
	c := f.candles[symbol]
	if len(c) > limit {
		c = c[:limit]
	}
	return c, nil
}

func TestRunPositiveOpenCheck(t *testing.T) {
	e := testEngine(t, testMeta(t, 0), DefaultConfig())

	var notified []models.SystemAlert
	e.SetNotifier(func(a models.SystemAlert) { notified = append(notified, a) })

	sessionStart := time.Date(2026, 8, 31, 9, 15, 0, 0, time.UTC)
	mkCandles := func(opens, closes []float64) []models.Candle {
		var out []models.Candle
		for i := range opens {
			out = append(out, candleAt(t, "NSE:ABC-EQ", opens[i], closes[i], 100, sessionStart.Add(time.Duration(i)*time.Minute)))
		}
		return out
	}

	store := &fakeCandleQuerier{candles: map[string][]models.Candle{
		"NSE:ABC-EQ": mkCandles(
			[]float64{100, 101, 102, 101, 103},
			[]float64{101, 102, 101, 103, 104},
		),
	}}

	if err := e.RunPositiveOpenCheck(context.Background(), store, sessionStart); err != nil {
		t.Fatalf("RunPositiveOpenCheck failed: %v", err)
	}
	if len(notified) != 1 || notified[0].Kind != models.KindPositiveOpen {
		t.Fatalf("Expected one positive-open alert, got %+v", notified)
	}

	// A second run the same session must not re-fire.
	if err := e.RunPositiveOpenCheck(context.Background(), store, sessionStart); err != nil {
		t.Fatalf("RunPositiveOpenCheck failed: %v", err)
	}
	if len(notified) != 1 {
		t.Fatalf("Positive-open re-fired in the same session: %d alerts", len(notified))
	}
}

func TestRunPositiveOpenCheckRequiresFiveCandles(t *testing.T) {
	e := testEngine(t, testMeta(t, 0), DefaultConfig())

	var notified []models.SystemAlert
	e.SetNotifier(func(a models.SystemAlert) { notified = append(notified, a) })

	sessionStart := time.Date(2026, 8, 31, 9, 15, 0, 0, time.UTC)
	store := &fakeCandleQuerier{candles: map[string][]models.Candle{
		"NSE:ABC-EQ": {
			candleAt(t, "NSE:ABC-EQ", 100, 101, 100, sessionStart),
			candleAt(t, "NSE:ABC-EQ", 101, 102, 100, sessionStart.Add(time.Minute)),
		},
	}}

	if err := e.RunPositiveOpenCheck(context.Background(), store, sessionStart); err != nil {
		t.Fatalf("RunPositiveOpenCheck failed: %v", err)
	}
	if len(notified) != 0 {
		t.Fatalf("Positive-open fired on a partial open window: %+v", notified)
	}
}
