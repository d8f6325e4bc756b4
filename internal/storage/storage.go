// Package storage provides SQLite-backed persistence for candles and
// system alert history.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"tickwatch/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db  *sql.DB
	loc *time.Location
}

// New opens or creates the SQLite database at dbPath. The location is used
// to derive each candle's minute-of-day slot for the volume profile.
// An empty dbPath defaults to $TMPDIR/tickwatch/data.db.
func New(dbPath string, loc *time.Location) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "tickwatch", "data.db")
	}
	if loc == nil {
		loc = time.Local
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, loc: loc}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles_1min (
			symbol       TEXT NOT NULL,
			bucket_start INTEGER NOT NULL,
			minute       TEXT NOT NULL,
			open         TEXT NOT NULL,
			high         TEXT NOT NULL,
			low          TEXT NOT NULL,
			close        TEXT NOT NULL,
			volume       INTEGER NOT NULL,
			UNIQUE(symbol, bucket_start)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candles_symbol_time ON candles_1min(symbol, bucket_start)`,
		`CREATE TABLE IF NOT EXISTS system_alerts (
			id      TEXT PRIMARY KEY,
			symbol  TEXT NOT NULL,
			kind    TEXT NOT NULL,
			message TEXT NOT NULL,
			ts      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_system_alerts_ts ON system_alerts(ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertCandleIfAbsent persists a finalized candle. Re-inserting the same
// (symbol, bucket_start) is a no-op, which makes backfill re-runs and
// retried persists safe. Real write failures are returned, never swallowed.
func (s *Storage) InsertCandleIfAbsent(ctx context.Context, c *models.Candle) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid candle: %w", err)
	}
	minute := c.BucketStart.In(s.loc).Format("15:04")
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candles_1min (symbol, bucket_start, minute, open, high, low, close, volume)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(symbol, bucket_start) DO NOTHING`,
		c.Symbol, c.BucketStart.Unix(), minute,
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume,
	)
	if err != nil {
		return fmt.Errorf("failed to insert candle: %w", err)
	}
	return nil
}

// QueryCandles returns candles for symbol with bucket_start in [from, to),
// ordered by bucket_start ascending. A zero limit means no limit.
func (s *Storage) QueryCandles(ctx context.Context, symbol string, from, to time.Time, limit int) ([]models.Candle, error) {
	q := `SELECT symbol, bucket_start, open, high, low, close, volume
		FROM candles_1min
		WHERE symbol = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start ASC`
	args := []any{symbol, from.Unix(), to.Unix()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, *c)
	}
	return candles, rows.Err()
}

// AvgVolumeByMinute aggregates historical per-minute average volume over
// candles with bucket_start in [from, to). The result maps symbol to a
// map of minute-of-day slots ("HH:MM") to average volume.
func (s *Storage) AvgVolumeByMinute(ctx context.Context, from, to time.Time) (map[string]map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, minute, AVG(volume)
		FROM candles_1min
		WHERE bucket_start >= ? AND bucket_start < ?
		GROUP BY symbol, minute`,
		from.Unix(), to.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query volume averages: %w", err)
	}
	defer rows.Close()

	result := make(map[string]map[string]float64)
	for rows.Next() {
		var symbol, minute string
		var avg float64
		if err := rows.Scan(&symbol, &minute, &avg); err != nil {
			return nil, fmt.Errorf("failed to scan volume average: %w", err)
		}
		if result[symbol] == nil {
			result[symbol] = make(map[string]float64)
		}
		result[symbol][minute] = avg
	}
	return result, rows.Err()
}

// InsertSystemAlert appends a system alert to the history.
func (s *Storage) InsertSystemAlert(ctx context.Context, a *models.SystemAlert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_alerts (id, symbol, kind, message, ts)
		VALUES (?,?,?,?,?)`,
		a.ID, a.Symbol, string(a.Kind), a.Message, a.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert system alert: %w", err)
	}
	return nil
}

// RecentSystemAlerts returns up to limit alerts, newest first.
func (s *Storage) RecentSystemAlerts(ctx context.Context, limit int) ([]models.SystemAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, kind, message, ts
		FROM system_alerts ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query system alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.SystemAlert
	for rows.Next() {
		var a models.SystemAlert
		var kind string
		var tsNano int64
		if err := rows.Scan(&a.ID, &a.Symbol, &kind, &a.Message, &tsNano); err != nil {
			return nil, fmt.Errorf("failed to scan system alert: %w", err)
		}
		a.Kind = models.AlertKind(kind)
		a.Timestamp = time.Unix(0, tsNano)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func scanCandle(rows *sql.Rows) (*models.Candle, error) {
	var c models.Candle
	var bucketUnix int64
	var open, high, low, closePx string
	if err := rows.Scan(&c.Symbol, &bucketUnix, &open, &high, &low, &closePx, &c.Volume); err != nil {
		return nil, err
	}
	var err error
	if c.Open, err = decimal.NewFromString(open); err != nil {
		return nil, err
	}
	if c.High, err = decimal.NewFromString(high); err != nil {
		return nil, err
	}
	if c.Low, err = decimal.NewFromString(low); err != nil {
		return nil, err
	}
	if c.Close, err = decimal.NewFromString(closePx); err != nil {
		return nil, err
	}
	c.BucketStart = time.Unix(bucketUnix, 0)
	return &c, nil
}
