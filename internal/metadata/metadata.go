// Package metadata loads per-instrument static attributes from the daily
// consolidated CSV: previous-day high, strategy tags, and display fields.
// The universe of instruments is fixed at session start from this file.
package metadata

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"tickwatch/internal/logger"
	"tickwatch/internal/models"
)

const (
	colPDH         = "Prev_High"
	colStrategy    = "chart-ink strategy"
	colGap         = "Gap %"
	colWeight      = "Announcement Weight"
	colDescription = "Announcement Description"
	colPremarket   = "Nse_pre market"
	colPrevRange   = "Open in Prev Range Top 20%"
	colPDC         = "PDC strong close"
)

// NormalizeSymbol converts a raw CSV symbol to feed format: NSE:<SYM>-EQ.
func NormalizeSymbol(raw string) string {
	sym := strings.TrimSpace(raw)
	if !strings.HasPrefix(sym, "NSE:") {
		sym = "NSE:" + sym
	}
	if !strings.HasSuffix(sym, "-EQ") {
		sym += "-EQ"
	}
	return sym
}

// Load reads the instrument metadata CSV. The first column is the symbol;
// the remaining columns are matched by header name and missing columns are
// tolerated (the corresponding features stay unavailable).
func Load(path string) (map[string]*models.InstrumentMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata CSV: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("metadata CSV has no data rows")
	}

	cols := make(map[string]int)
	for i, name := range records[0] {
		cols[strings.TrimSpace(name)] = i
	}

	field := func(row []string, name string) (string, bool) {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return "", false
		}
		return strings.TrimSpace(row[i]), true
	}

	meta := make(map[string]*models.InstrumentMeta, len(records)-1)
	for _, row := range records[1:] {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		symbol := NormalizeSymbol(row[0])
		m := &models.InstrumentMeta{Symbol: symbol}

		if v, ok := field(row, colPDH); ok {
			if pdh, err := strconv.ParseFloat(v, 64); err == nil && pdh > 0 {
				m.PDH = decimal.NewFromFloat(pdh)
				m.HasPDH = true
			}
		}
		if v, ok := field(row, colStrategy); ok {
			m.Strategy = v
		}
		if v, ok := field(row, colGap); ok {
			v = strings.TrimSuffix(v, "%")
			if gap, err := strconv.ParseFloat(v, 64); err == nil {
				m.GapPct = gap
			}
		}
		if v, ok := field(row, colWeight); ok && v != "-" {
			if w, err := strconv.ParseFloat(v, 64); err == nil {
				m.AnnouncementWeight = w
			}
		}
		if v, ok := field(row, colDescription); ok {
			m.Description = v
		}
		m.Announcement = yesNo(m.Description != "" && m.Description != "-")
		if v, ok := field(row, colPremarket); ok {
			m.Premarket = yesNoFlag(v)
		}
		if v, ok := field(row, colPrevRange); ok {
			m.PrevRange = yesNoFlag(v)
		}
		if v, ok := field(row, colPDC); ok {
			m.PDC = yesNoFlag(v)
		}

		meta[symbol] = m
	}

	logger.Info("Loaded metadata for %d instruments from %s", len(meta), path)
	return meta, nil
}

func yesNoFlag(v string) string {
	switch strings.ToLower(v) {
	case "yes", "true", "1":
		return "yes"
	}
	return "no"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
