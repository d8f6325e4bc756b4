// Package models defines the core domain entities: ticks, candles, alerts,
// instrument metadata, and the derived per-instrument view.
package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single live quote for an instrument as delivered by the feed.
// CumVolume is the day's cumulative traded volume, not a per-tick quantity;
// candle volume is reconstructed from differences of this counter.
type Tick struct {
	Symbol     string          `json:"symbol"`
	LTP        decimal.Decimal `json:"ltp"`
	ChangePct  float64         `json:"chp"`
	CumVolume  int64           `json:"vol_traded_today"`
	High       decimal.Decimal `json:"high_price"`
	Low        decimal.Decimal `json:"low_price"`
	Open       decimal.Decimal `json:"open_price"`
	ObservedAt time.Time       `json:"-"`
}

// Validate checks tick field constraints.
func (t *Tick) Validate() error {
	if t.Symbol == "" {
		return errors.New("tick symbol must not be empty")
	}
	if t.LTP.IsNegative() {
		return errors.New("last traded price must not be negative")
	}
	if t.CumVolume < 0 {
		return errors.New("cumulative volume must not be negative")
	}
	return nil
}

// Candle is a 1-minute OHLCV candle for a single instrument.
// BucketStart is floored to the minute.
type Candle struct {
	Symbol      string          `json:"symbol"`
	BucketStart time.Time       `json:"bucket_start"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      int64           `json:"volume"`
}

// Validate checks candle field constraints.
func (c *Candle) Validate() error {
	if c.Symbol == "" {
		return errors.New("candle symbol must not be empty")
	}
	if c.BucketStart.IsZero() {
		return errors.New("candle bucket start must be set")
	}
	if c.Volume < 0 {
		return errors.New("candle volume must not be negative")
	}
	if c.High.LessThan(c.Low) {
		return errors.New("candle high must not be below low")
	}
	return nil
}
