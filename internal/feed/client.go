package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"tickwatch/internal/logger"
	"tickwatch/internal/models"
)

// Config holds feed connection parameters.
type Config struct {
	URL          string
	AccessToken  string
	DialTimeout  time.Duration
	MinReconnect time.Duration
	MaxReconnect time.Duration
}

type subscribeRequest struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

type feedMessage struct {
	Type           string   `json:"type"`
	InvalidSymbols []string `json:"invalid_symbols,omitempty"`
	models.Tick
}

// Client owns the feed websocket. It subscribes the configured universe,
// writes every tick into the table, and reconnects with capped backoff.
// Aggregator state survives reconnects because candle volume is derived
// from the cumulative counters the feed re-supplies.
type Client struct {
	cfg       Config
	symbols   []string
	table     *Table
	connected atomic.Bool
}

// NewClient creates a feed client for the given instrument universe.
func NewClient(cfg Config, symbols []string, table *Table) *Client {
	return &Client{cfg: cfg, symbols: symbols, table: table}
}

// Connected reports whether the feed is currently attached.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run connects and consumes ticks until ctx is cancelled, reconnecting on
// any failure. It never returns a terminal error; feed loss degrades the
// system, it does not stop it.
func (c *Client) Run(ctx context.Context) {
	backoff := c.cfg.MinReconnect
	for {
		if err := c.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Feed connection lost: %v (reconnecting in %v)", err, backoff)
		}
		c.connected.Store(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxReconnect {
			backoff = c.cfg.MaxReconnect
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if c.cfg.AccessToken != "" {
		opts.HTTPHeader = http.Header{"Authorization": {c.cfg.AccessToken}}
	}
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, opts)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	sub, err := json.Marshal(subscribeRequest{Action: "subscribe", Symbols: c.symbols})
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	c.connected.Store(true)
	logger.Info("Feed connected, subscribed %d symbols", len(c.symbols))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleMessage(data)
	}
}

// handleMessage parses a feed frame. Malformed frames are counted against
// the feed, dropped, and processing continues.
func (c *Client) handleMessage(data []byte) {
	var msg feedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn("Dropping malformed feed message: %v", err)
		return
	}

	switch msg.Type {
	case "error":
		if len(msg.InvalidSymbols) > 0 {
			logger.Warn("Feed rejected %d symbols", len(msg.InvalidSymbols))
			c.table.MarkInvalid(msg.InvalidSymbols)
		}
	default:
		tick := msg.Tick
		tick.ObservedAt = time.Now()
		if err := tick.Validate(); err != nil {
			logger.Warn("Dropping invalid tick: %v", err)
			return
		}
		c.table.Put(tick)
	}
}
