package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"nhooyr.io/websocket"

	"tickwatch/internal/alerts"
	"tickwatch/internal/logger"
	"tickwatch/internal/models"
)

// Stats describes the live universe for /api/stats.
type Stats struct {
	TotalSymbols   int    `json:"total_symbols"`
	ActiveSymbols  int    `json:"active_symbols"`
	InvalidSymbols int    `json:"invalid_symbols"`
	Subscribers    int    `json:"subscribers"`
	Status         string `json:"status"`
}

// SnapshotFunc builds the grouped full-universe view for a newly attached
// subscriber.
type SnapshotFunc func() map[string]map[string]models.DerivedView

// Server exposes the websocket stream and the alert control surface.
type Server struct {
	mux      *http.ServeMux
	hub      *Hub
	engine   *alerts.Engine
	snapshot SnapshotFunc
	stats    func() Stats
}

// NewServer wires the hub, the alert engine, the initial-snapshot provider,
// and the stats provider into an HTTP handler.
func NewServer(h *Hub, engine *alerts.Engine, snapshot SnapshotFunc, stats func() Stats) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		hub:      h,
		engine:   engine,
		snapshot: snapshot,
		stats:    stats,
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/alerts", s.handleAlerts)
	s.mux.HandleFunc("/api/alerts/", s.handleAlertByID)
	s.mux.HandleFunc("/api/rules", s.handleRules)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type clientCommand struct {
	Action string `json:"action"`
	Paused bool   `json:"paused"`
}

type initialDataMessage struct {
	Type string                                   `json:"type"`
	Data map[string]map[string]models.DerivedView `json:"data"`
	TS   int64                                    `json:"ts"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Warn("Websocket accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	sub := s.hub.attach()
	defer s.hub.detach(sub)

	// Write pump: drains the subscriber queue onto the socket. A write
	// that cannot complete within the timeout ends the session.
	writeErr := make(chan error, 1)
	go func() {
		for payload := range sub.ch {
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(wctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				writeErr <- err
				return
			}
		}
	}()

	for {
		select {
		case err := <-writeErr:
			logger.Debug("Subscriber write failed: %v", err)
			return
		default:
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		switch cmd.Action {
		case "init":
			payload, err := json.Marshal(initialDataMessage{
				Type: "initial_data",
				Data: s.snapshot(),
				TS:   time.Now().UnixMilli(),
			})
			if err != nil {
				logger.Error("Failed to marshal initial data: %v", err)
				continue
			}
			select {
			case sub.ch <- payload:
			default:
			}
		case "pause":
			sub.paused.Store(cmd.Paused)
		}
	}
}

type alertRequest struct {
	Symbol    string      `json:"symbol"`
	Operator  string      `json:"operator"`
	Threshold json.Number `json:"threshold"`
}

func (r alertRequest) threshold() (decimal.Decimal, error) {
	return decimal.NewFromString(r.Threshold.String())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.ListAlerts())
	case http.MethodPost:
		var req alertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		threshold, err := req.threshold()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		alert, err := s.engine.CreateAlert(req.Symbol, models.Operator(req.Operator), threshold)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.hub.BroadcastUserAlerts(s.engine.ListAlerts())
		writeJSON(w, http.StatusCreated, alert)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAlertByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/alerts/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodPut:
		var req alertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		threshold, err := req.threshold()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		alert, err := s.engine.UpdateAlert(id, models.Operator(req.Operator), threshold)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.hub.BroadcastUserAlerts(s.engine.ListAlerts())
		writeJSON(w, http.StatusOK, alert)
	case http.MethodDelete:
		if err := s.engine.DeleteAlert(id); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.hub.BroadcastUserAlerts(s.engine.ListAlerts())
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.GetToggles())
	case http.MethodPost:
		// Seed with the active toggles so a partial body only changes the
		// families it names.
		t := s.engine.GetToggles()
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.engine.SetToggles(t)
		writeJSON(w, http.StatusOK, t)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"time": time.Now().UTC()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
