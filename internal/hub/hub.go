// Package hub fans gated updates out to subscribers over websockets and
// exposes the alert control surface over HTTP.
package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"tickwatch/internal/logger"
	"tickwatch/internal/models"
)

type updateMessage struct {
	Type           string                                   `json:"type"`
	Data           map[string]map[string]models.DerivedView `json:"data"`
	InvalidSymbols []string                                 `json:"invalid_symbols,omitempty"`
	TS             int64                                    `json:"ts"`
}

type alertMessage struct {
	Type  string             `json:"type"`
	Alert models.SystemAlert `json:"alert"`
}

type userAlertsMessage struct {
	Type   string             `json:"type"`
	Alerts []models.UserAlert `json:"alerts"`
}

type subscriber struct {
	ch     chan []byte
	paused atomic.Bool
}

// Hub is the broadcast boundary. Each subscriber has a bounded queue;
// when the queue is full the message is dropped for that subscriber, so a
// stalled consumer can never block the cycle path.
type Hub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	buffer  int
	dropped atomic.Int64
}

// New creates a hub with the given per-subscriber queue length.
func New(buffer int) *Hub {
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		buffer: buffer,
	}
}

func (h *Hub) attach() *subscriber {
	sub := &subscriber{ch: make(chan []byte, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	logger.Info("Subscriber attached (%d total)", n)
	return sub
}

func (h *Hub) detach(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()
	close(sub.ch)
	logger.Info("Subscriber detached (%d total)", n)
}

// Subscribers returns the number of attached subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the number of messages discarded for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// send queues payload to every subscriber without blocking. Paused
// subscribers are skipped unless includePaused is set (system alerts still
// reach them).
func (h *Hub) send(payload []byte, includePaused bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		if sub.paused.Load() && !includePaused {
			continue
		}
		select {
		case sub.ch <- payload:
		default:
			h.dropped.Add(1)
		}
	}
}

// BroadcastUpdate sends a grouped stock_update batch.
func (h *Hub) BroadcastUpdate(groups map[string]map[string]models.DerivedView, invalid []string) {
	if len(groups) == 0 {
		return
	}
	payload, err := json.Marshal(updateMessage{
		Type:           "stock_update",
		Data:           groups,
		InvalidSymbols: invalid,
		TS:             time.Now().UnixMilli(),
	})
	if err != nil {
		logger.Error("Failed to marshal stock update: %v", err)
		return
	}
	h.send(payload, false)
}

// BroadcastSystemAlert sends a fired alert immediately, not batched.
func (h *Hub) BroadcastSystemAlert(a models.SystemAlert) {
	payload, err := json.Marshal(alertMessage{Type: "system_alert", Alert: a})
	if err != nil {
		logger.Error("Failed to marshal system alert: %v", err)
		return
	}
	h.send(payload, true)
}

// BroadcastUserAlerts sends the full user-alert collection (list replace).
func (h *Hub) BroadcastUserAlerts(alerts []models.UserAlert) {
	payload, err := json.Marshal(userAlertsMessage{Type: "user_alerts", Alerts: alerts})
	if err != nil {
		logger.Error("Failed to marshal user alerts: %v", err)
		return
	}
	h.send(payload, false)
}
