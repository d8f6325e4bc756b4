package market

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tickwatch/internal/models"
)

func testTick(t *testing.T, symbol string, price float64, cumVolume int64, at time.Time) models.Tick {
	t.Helper()
	return models.Tick{
		Symbol:     symbol,
		LTP:        decimal.NewFromFloat(price),
		CumVolume:  cumVolume,
		ObservedAt: at,
	}
}

func ingestOK(t *testing.T, a *Aggregator, tick models.Tick) *models.Candle {
	t.Helper()
	candle, err := a.Ingest(tick)
	if err != nil {
		t.Fatalf("Ingest(%s cum=%d) failed: %v", tick.Symbol, tick.CumVolume, err)
	}
	return candle
}

func TestIngestBuildsCandleFromCumulativeVolume(t *testing.T) {
	now := time.Date(2026, 8, 31, 9, 30, 10, 0, time.UTC)
	a := New()
	a.clock = func() time.Time { return now }

	prices := []float64{100, 101, 101, 99}
	volumes := []int64{1000, 1500, 1500, 2200}
	for i := range prices {
		tick := testTick(t, "NSE:ABC-EQ", prices[i], volumes[i], now.Add(time.Duration(i)*time.Second))
		if c := ingestOK(t, a, tick); c != nil {
			t.Fatalf("Unexpected finalized candle before rollover: %+v", c)
		}
	}

	// Cross the bucket boundary; the next tick finalizes the minute.
	now = now.Add(time.Minute)
	done := ingestOK(t, a, testTick(t, "NSE:ABC-EQ", 99.5, 2300, now))
	if done == nil {
		t.Fatal("Expected a finalized candle after bucket rollover")
	}
	if got := done.Open.String(); got != "100" {
		t.Errorf("Open = %s, want 100", got)
	}
	if got := done.High.String(); got != "101" {
		t.Errorf("High = %s, want 101", got)
	}
	if got := done.Low.String(); got != "99" {
		t.Errorf("Low = %s, want 99", got)
	}
	if got := done.Close.String(); got != "99" {
		t.Errorf("Close = %s, want 99", got)
	}
	if done.Volume != 1200 {
		t.Errorf("Volume = %d, want 1200", done.Volume)
	}

	// The delta across the boundary lands in the new candle.
	open, ok := a.Open("NSE:ABC-EQ")
	if !ok {
		t.Fatal("Expected an open candle after rollover")
	}
	if open.Volume != 100 {
		t.Errorf("New candle volume = %d, want 100", open.Volume)
	}
}

func TestIngestClampsVolumeOnFeedReset(t *testing.T) {
	now := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)
	a := New()
	a.clock = func() time.Time { return now }

	ingestOK(t, a, testTick(t, "NSE:ABC-EQ", 100, 5000, now))
	// Counter dropped: session reset, delta must be 0, not negative.
	ingestOK(t, a, testTick(t, "NSE:ABC-EQ", 100, 50, now.Add(time.Second)))

	open, _ := a.Open("NSE:ABC-EQ")
	if open.Volume != 0 {
		t.Fatalf("Volume after reset = %d, want 0", open.Volume)
	}

	// Baseline re-anchored at 50, so counting resumes from there.
	ingestOK(t, a, testTick(t, "NSE:ABC-EQ", 100, 80, now.Add(2*time.Second)))
	open, _ = a.Open("NSE:ABC-EQ")
	if open.Volume != 30 {
		t.Fatalf("Volume after re-anchor = %d, want 30", open.Volume)
	}
}

func TestIngestDropsStaleTicks(t *testing.T) {
	now := time.Date(2026, 8, 31, 9, 30, 30, 0, time.UTC)
	a := New()
	a.clock = func() time.Time { return now }

	ingestOK(t, a, testTick(t, "NSE:ABC-EQ", 100, 1000, now))

	stale := testTick(t, "NSE:ABC-EQ", 90, 900, now.Add(-2*time.Minute))
	if _, err := a.Ingest(stale); !errors.Is(err, ErrStaleTick) {
		t.Fatalf("Ingest(stale) error = %v, want ErrStaleTick", err)
	}
	if a.StaleTicks() != 1 {
		t.Errorf("StaleTicks() = %d, want 1", a.StaleTicks())
	}

	// The stale tick must not have moved the candle.
	open, _ := a.Open("NSE:ABC-EQ")
	if got := open.Low.String(); got != "100" {
		t.Errorf("Low after stale tick = %s, want 100", got)
	}
}

func TestIngestFirstTickOpensCandleWithZeroVolume(t *testing.T) {
	now := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)
	a := New()
	a.clock = func() time.Time { return now }

	if c := ingestOK(t, a, testTick(t, "NSE:ABC-EQ", 250, 99999, now)); c != nil {
		t.Fatalf("First tick returned a finalized candle: %+v", c)
	}
	open, ok := a.Open("NSE:ABC-EQ")
	if !ok {
		t.Fatal("Expected an open candle after first tick")
	}
	if open.Volume != 0 {
		t.Errorf("First candle volume = %d, want 0", open.Volume)
	}
	if got := open.Open.String(); got != "250" {
		t.Errorf("Open = %s, want 250", got)
	}
	if !open.BucketStart.Equal(now.Truncate(time.Minute)) {
		t.Errorf("BucketStart = %s, want %s", open.BucketStart, now.Truncate(time.Minute))
	}
}

func TestIngestIgnoresRedeliveredTick(t *testing.T) {
	now := time.Date(2026, 8, 31, 9, 30, 30, 0, time.UTC)
	a := New()
	a.clock = func() time.Time { return now }

	// The feed stalls after one tick; the cycle keeps re-serving it.
	stalled := testTick(t, "NSE:ABC-EQ", 100, 1000, now)
	ingestOK(t, a, stalled)
	for i := 0; i < 5; i++ {
		if c := ingestOK(t, a, stalled); c != nil {
			t.Fatalf("Redelivered tick finalized a candle: %+v", c)
		}
	}

	// Still the same tick after the minute rolls over: not a new event and
	// not an out-of-order drop either.
	now = now.Add(time.Minute)
	for i := 0; i < 5; i++ {
		ingestOK(t, a, stalled)
	}
	if a.StaleTicks() != 0 {
		t.Errorf("StaleTicks() = %d after redeliveries, want 0", a.StaleTicks())
	}
	open, _ := a.Open("NSE:ABC-EQ")
	if !open.BucketStart.Equal(time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("Redelivered tick moved the open bucket to %s", open.BucketStart)
	}

	// A genuinely new tick finalizes the stalled bucket with its volume.
	fresh := testTick(t, "NSE:ABC-EQ", 102, 1300, now)
	done := ingestOK(t, a, fresh)
	if done == nil {
		t.Fatal("Expected the stalled candle to finalize on a fresh tick")
	}
	if done.Volume != 0 || done.Close.String() != "100" {
		t.Errorf("Finalized candle = close %s volume %d, want close 100 volume 0", done.Close, done.Volume)
	}
	open, _ = a.Open("NSE:ABC-EQ")
	if open.Volume != 300 {
		t.Errorf("New candle volume = %d, want 300", open.Volume)
	}
}

func TestIngestRejectsMalformedTick(t *testing.T) {
	a := New()
	bad := models.Tick{LTP: decimal.NewFromInt(100)}
	if _, err := a.Ingest(bad); err == nil {
		t.Fatal("Expected an error for a tick with no symbol")
	}
}

func TestFlushReturnsAndClearsOpenCandles(t *testing.T) {
	now := time.Date(2026, 8, 31, 9, 30, 0, 0, time.UTC)
	a := New()
	a.clock = func() time.Time { return now }

	ingestOK(t, a, testTick(t, "NSE:ABC-EQ", 100, 1000, now))
	ingestOK(t, a, testTick(t, "NSE:XYZ-EQ", 50, 200, now))

	candles := a.Flush()
	if len(candles) != 2 {
		t.Fatalf("Flush() returned %d candles, want 2", len(candles))
	}
	if _, ok := a.Open("NSE:ABC-EQ"); ok {
		t.Error("Expected no open candles after Flush")
	}
}
