package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultStrategy is the grouping bucket for instruments with no strategy tag.
const DefaultStrategy = "Uncategorized"

// InstrumentMeta holds per-instrument static attributes loaded once at
// session start. PDH carries a nil-like absence: HasPDH false means the
// previous-day high is unknown, which disables PDH-dependent features for
// the instrument rather than treating the high as zero.
type InstrumentMeta struct {
	Symbol             string          `json:"symbol"`
	PDH                decimal.Decimal `json:"pdh"`
	HasPDH             bool            `json:"-"`
	Strategy           string          `json:"strategy,omitempty"`
	GapPct             float64         `json:"gap"`
	AnnouncementWeight float64         `json:"announcement_weight"`
	Description        string          `json:"description,omitempty"`
	Announcement       string          `json:"announcement"`
	Premarket          string          `json:"premarket"`
	PrevRange          string          `json:"prev_range"`
	PDC                string          `json:"pdc"`
}

// StrategyTags splits the comma-separated strategy list, trimming whitespace
// and dropping empties. An instrument with no tag falls into DefaultStrategy.
func (m *InstrumentMeta) StrategyTags() []string {
	var tags []string
	for _, s := range strings.Split(m.Strategy, ",") {
		if s = strings.TrimSpace(s); s != "" {
			tags = append(tags, s)
		}
	}
	if len(tags) == 0 {
		return []string{DefaultStrategy}
	}
	return tags
}

// DerivedView is the typed merged record published per instrument: live tick
// fields, static metadata, and alert-derived flags. Absent values are explicit
// pointers, never implicit zeros.
type DerivedView struct {
	Symbol     string          `json:"symbol"`
	LTP        decimal.Decimal `json:"ltp"`
	ChangePct  float64         `json:"change"`
	Volume     int64           `json:"volume"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Open       decimal.Decimal `json:"open"`
	LastUpdate time.Time       `json:"last_update"`

	RVol *float64         `json:"rvol,omitempty"`
	PDH  *decimal.Decimal `json:"pdh,omitempty"`

	// CrossedPDH is "yes"/"no" when PDH is known, "-" otherwise.
	CrossedPDH string `json:"crossed_pdh"`
	// PDHAlert marks an upward PDH crossing detected this cycle.
	PDHAlert bool `json:"pdh_alert"`
	// TriggeredAlerts lists user alert IDs that fired this cycle.
	TriggeredAlerts []string `json:"triggered_alerts,omitempty"`

	Meta *InstrumentMeta `json:"meta,omitempty"`
}
