// Package profile maintains the historical per-minute volume baseline used
// for relative-volume (RVol) lookups.
package profile

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"tickwatch/internal/logger"
)

// Loader is the slice of the persistence layer the profile needs.
type Loader interface {
	AvgVolumeByMinute(ctx context.Context, from, to time.Time) (map[string]map[string]float64, error)
}

// Store holds the read-mostly volume profile. Load replaces the whole map
// atomically; readers never observe a partially-built profile.
type Store struct {
	loader Loader
	loc    *time.Location
	data   atomic.Pointer[map[string]map[string]float64]
}

// NewStore creates an empty store. Every lookup misses until the first Load.
func NewStore(loader Loader, loc *time.Location) *Store {
	s := &Store{loader: loader, loc: loc}
	empty := make(map[string]map[string]float64)
	s.data.Store(&empty)
	return s
}

// Load rebuilds the profile from the last lookbackDays of persisted candles,
// excluding today. The previous profile stays live until the new one is
// complete, so a failed reload leaves lookups unchanged.
func (s *Store) Load(ctx context.Context, lookbackDays int) error {
	now := time.Now().In(s.loc)
	to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	from := to.AddDate(0, 0, -lookbackDays)

	data, err := s.loader.AvgVolumeByMinute(ctx, from, to)
	if err != nil {
		return fmt.Errorf("failed to load volume profile: %w", err)
	}

	s.data.Store(&data)
	logger.Info("Volume profile loaded: %d instruments over %d days", len(data), lookbackDays)
	return nil
}

// Lookup returns the historical average volume for the instrument at the
// given instant's minute-of-day slot. ok is false when no baseline exists;
// absence is not zero.
func (s *Store) Lookup(symbol string, at time.Time) (float64, bool) {
	data := *s.data.Load()
	minutes, ok := data[symbol]
	if !ok {
		return 0, false
	}
	avg, ok := minutes[at.In(s.loc).Format("15:04")]
	return avg, ok
}

// RVol computes current volume relative to the historical baseline for the
// instrument's current minute slot. ok is false when the baseline is absent
// or zero.
func (s *Store) RVol(symbol string, at time.Time, volume int64) (float64, bool) {
	avg, ok := s.Lookup(symbol, at)
	if !ok || avg <= 0 {
		return 0, false
	}
	return float64(volume) / avg, true
}
