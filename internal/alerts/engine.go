// Package alerts evaluates user-defined threshold alerts against the live
// tick stream and system-defined pattern rules against finalized candles.
// All alert state is owned here; nothing else mutates it.
package alerts

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tickwatch/internal/logger"
	"tickwatch/internal/models"
)

// Toggles enables or disables each rule family. A disabled family
// short-circuits before any state mutation.
type Toggles struct {
	UserAlerts   bool `json:"user_alerts"`
	PDHCross     bool `json:"pdh_cross"`
	VolumeSpike  bool `json:"volume_spike"`
	PositiveOpen bool `json:"positive_open"`
}

// Config holds alert engine tuning.
type Config struct {
	Toggles      Toggles
	SpikeWindow  int
	SpikeRatio   float64
	HistoryLimit int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Toggles:      Toggles{UserAlerts: true, PDHCross: true, VolumeSpike: true, PositiveOpen: true},
		SpikeWindow:  10,
		SpikeRatio:   2.5,
		HistoryLimit: 500,
	}
}

// Notifier receives fired alerts for immediate broadcast. Implementations
// must not block; the engine calls it from the cycle path.
type Notifier func(models.SystemAlert)

// Engine owns the user-alert collection, the system-alert history, and the
// per-session fire-once sets.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	meta map[string]*models.InstrumentMeta

	userAlerts map[string]*models.UserAlert
	history    []models.SystemAlert

	pdhCrossed      map[string]struct{}
	positiveAlerted map[string]struct{}
	volumeWindow    map[string][]int64

	sessionDate string
	notify      Notifier
	persist     func(models.SystemAlert)
}

// New creates an engine over the instrument universe in meta.
func New(meta map[string]*models.InstrumentMeta, cfg Config, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		cfg:             cfg,
		loc:             loc,
		meta:            meta,
		userAlerts:      make(map[string]*models.UserAlert),
		pdhCrossed:      make(map[string]struct{}),
		positiveAlerted: make(map[string]struct{}),
		volumeWindow:    make(map[string][]int64),
	}
}

// SetNotifier wires the immediate-fire alert channel.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = n
}

// SetPersister wires the append-only history sink for system alerts.
func (e *Engine) SetPersister(p func(models.SystemAlert)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persist = p
}

// SetToggles replaces the active rule family toggles.
func (e *Engine) SetToggles(t Toggles) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Toggles = t
	logger.Info("Alert rule toggles updated: user=%t pdh=%t spike=%t positive=%t",
		t.UserAlerts, t.PDHCross, t.VolumeSpike, t.PositiveOpen)
}

// GetToggles returns the active rule family toggles.
func (e *Engine) GetToggles() Toggles {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Toggles
}

// RollSession clears the per-session fire-once sets when the calendar day
// changes. Must be called at the start of every cycle; the reset is a
// required invariant, not housekeeping.
func (e *Engine) RollSession(now time.Time) {
	date := now.In(e.loc).Format("2006-01-02")

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sessionDate == date {
		return
	}
	if e.sessionDate != "" {
		logger.Info("Session rollover %s -> %s: clearing fire-once state", e.sessionDate, date)
	}
	e.sessionDate = date
	e.pdhCrossed = make(map[string]struct{})
	e.positiveAlerted = make(map[string]struct{})
	e.volumeWindow = make(map[string][]int64)
}

// CheckTick evaluates every armed user alert for the tick's instrument.
// Alerts that cross flip to triggered exactly once and are returned; they
// stay silent afterwards until explicitly reset through an update.
func (e *Engine) CheckTick(tick models.Tick) []models.UserAlert {
	e.mu.Lock()
	if !e.cfg.Toggles.UserAlerts {
		e.mu.Unlock()
		return nil
	}

	var fired []models.UserAlert
	now := tick.ObservedAt
	if now.IsZero() {
		now = time.Now()
	}
	for _, a := range e.userAlerts {
		if a.Triggered || a.Symbol != tick.Symbol {
			continue
		}
		if !a.Operator.Matches(tick.LTP, a.Threshold) {
			continue
		}
		a.Triggered = true
		t := now
		a.TriggeredAt = &t
		fired = append(fired, *a)
	}
	notify := e.notify
	e.mu.Unlock()

	for _, a := range fired {
		logger.Info("User alert fired: %s %s %s %s (ltp=%s)", a.ID, a.Symbol, a.Operator, a.Threshold, tick.LTP)
		if notify != nil {
			notify(models.SystemAlert{
				ID:        a.ID,
				Symbol:    a.Symbol,
				Kind:      models.KindUserAlert,
				Message:   fmt.Sprintf("%s crossed alert level: LTP %s %s %s", a.Symbol, tick.LTP, a.Operator, a.Threshold),
				Timestamp: now,
			})
		}
	}
	return fired
}

// CreateAlert adds a user alert and returns it with its assigned ID.
func (e *Engine) CreateAlert(symbol string, op models.Operator, threshold decimal.Decimal) (models.UserAlert, error) {
	a := models.UserAlert{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Operator:  op,
		Threshold: threshold,
		CreatedAt: time.Now(),
	}
	if err := a.Validate(); err != nil {
		return models.UserAlert{}, err
	}

	e.mu.Lock()
	e.userAlerts[a.ID] = &a
	e.mu.Unlock()

	logger.Info("User alert created: %s %s %s %s", a.ID, a.Symbol, a.Operator, a.Threshold)
	return a, nil
}

// UpdateAlert replaces an alert's condition and re-arms it.
func (e *Engine) UpdateAlert(id string, op models.Operator, threshold decimal.Decimal) (models.UserAlert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.userAlerts[id]
	if !ok {
		return models.UserAlert{}, fmt.Errorf("alert not found: %s", id)
	}
	updated := *a
	updated.Operator = op
	updated.Threshold = threshold
	updated.Triggered = false
	updated.TriggeredAt = nil
	if err := updated.Validate(); err != nil {
		return models.UserAlert{}, err
	}
	*a = updated
	return updated, nil
}

// DeleteAlert removes an alert.
func (e *Engine) DeleteAlert(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.userAlerts[id]; !ok {
		return fmt.Errorf("alert not found: %s", id)
	}
	delete(e.userAlerts, id)
	return nil
}

// ListAlerts returns the full user-alert collection, oldest first.
func (e *Engine) ListAlerts() []models.UserAlert {
	e.mu.Lock()
	defer e.mu.Unlock()

	alerts := make([]models.UserAlert, 0, len(e.userAlerts))
	for _, a := range e.userAlerts {
		alerts = append(alerts, *a)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
	return alerts
}

// History returns the system-alert history, newest last.
func (e *Engine) History() []models.SystemAlert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.SystemAlert, len(e.history))
	copy(out, e.history)
	return out
}

// fire appends a system alert to the bounded history, hands it to the
// persistence sink, and pushes it on the immediate-fire channel.
// Caller must not hold e.mu.
func (e *Engine) fire(a models.SystemAlert) {
	e.mu.Lock()
	e.history = append(e.history, a)
	if len(e.history) > e.cfg.HistoryLimit {
		e.history = e.history[len(e.history)-e.cfg.HistoryLimit:]
	}
	notify, persist := e.notify, e.persist
	e.mu.Unlock()

	logger.Info("System alert: %s %s %s", a.Kind, a.Symbol, a.Message)
	if persist != nil {
		persist(a)
	}
	if notify != nil {
		notify(a)
	}
}

func newSystemAlert(kind models.AlertKind, symbol, message string) models.SystemAlert {
	return models.SystemAlert{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
	}
}
