package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Operator is a threshold comparison for user alerts.
type Operator string

const (
	OpGT Operator = ">"
	OpLT Operator = "<"
	OpGE Operator = ">="
	OpLE Operator = "<="
)

// Valid reports whether the operator is one of the supported comparisons.
func (o Operator) Valid() bool {
	switch o {
	case OpGT, OpLT, OpGE, OpLE:
		return true
	}
	return false
}

// Matches evaluates price against threshold under the operator.
func (o Operator) Matches(price, threshold decimal.Decimal) bool {
	switch o {
	case OpGT:
		return price.GreaterThan(threshold)
	case OpLT:
		return price.LessThan(threshold)
	case OpGE:
		return price.GreaterThanOrEqual(threshold)
	case OpLE:
		return price.LessThanOrEqual(threshold)
	}
	return false
}

// UserAlert is a user-defined price threshold alert with fire-once semantics.
// Triggered flips true exactly once per condition crossing; re-arming happens
// only through an explicit update.
type UserAlert struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Operator    Operator        `json:"operator"`
	Threshold   decimal.Decimal `json:"threshold"`
	Triggered   bool            `json:"triggered"`
	CreatedAt   time.Time       `json:"created_at"`
	TriggeredAt *time.Time      `json:"triggered_at,omitempty"`
}

// Validate checks user alert field constraints.
func (a *UserAlert) Validate() error {
	if a.Symbol == "" {
		return errors.New("alert symbol must not be empty")
	}
	if !a.Operator.Valid() {
		return errors.New("alert operator must be one of >, <, >=, <=")
	}
	if a.Threshold.IsNegative() {
		return errors.New("alert threshold must not be negative")
	}
	return nil
}

// AlertKind identifies a system-defined alert rule.
type AlertKind string

const (
	KindPDHCross     AlertKind = "PDHCross"
	KindVolumeSpike  AlertKind = "VolumeSpike"
	KindPositiveOpen AlertKind = "Positive5MinOpen"
	KindUserAlert    AlertKind = "UserAlert"
)

// SystemAlert is an append-only history entry for a fired system rule.
type SystemAlert struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Kind      AlertKind `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}
