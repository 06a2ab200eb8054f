// Package sqlite implements the tick store on SQLite with WAL mode and
// single-writer transaction batching.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kitefeed/internal/model"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to the database file, e.g. "data/ticks.db"
	Logger *slog.Logger
}

// Store is a single-writer SQLite tick store. The connection pool is
// pinned to one connection so no two contexts ever write the same
// handle concurrently.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens (or creates) the database, enables WAL mode, and prepares
// the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("sqlite store opened", slog.String("path", cfg.DBPath))
	return &Store{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ticks (
			instrument_token INTEGER NOT NULL,
			ts               TEXT    NOT NULL,
			is_index         INTEGER NOT NULL DEFAULT 0,
			last_price       INTEGER NOT NULL,
			last_qty         INTEGER NOT NULL DEFAULT 0,
			avg_price        INTEGER NOT NULL DEFAULT 0,
			day_volume       INTEGER NOT NULL DEFAULT 0,
			buy_qty          INTEGER NOT NULL DEFAULT 0,
			sell_qty         INTEGER NOT NULL DEFAULT 0,
			open             INTEGER NOT NULL DEFAULT 0,
			high             INTEGER NOT NULL DEFAULT 0,
			low              INTEGER NOT NULL DEFAULT 0,
			prev_close       INTEGER NOT NULL DEFAULT 0,
			oi               INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_ticks_token_ts
			ON ticks (instrument_token, ts);
	`)
	return err
}

// InsertBatch writes all rows in a single transaction with a prepared
// statement. Implements model.TickStore. Prices are paise; timestamps
// are stored as RFC3339 text carrying the exchange timezone offset.
func (s *Store) InsertBatch(ctx context.Context, rows []model.TickRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ticks (instrument_token, ts, is_index, last_price,
			last_qty, avg_price, day_volume, buy_qty, sell_qty,
			open, high, low, prev_close, oi)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx,
			r.Token, r.TS.Format(time.RFC3339), boolToInt(r.IsIndex), r.LastPrice,
			r.LastQty, r.AvgPrice, r.DayVolume, r.BuyQty, r.SellQty,
			r.Open, r.High, r.Low, r.PrevClose, r.OI)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert token %d: %w", r.Token, err)
		}
	}
	return tx.Commit()
}

// LastTS returns the most recent stored timestamp for an instrument,
// or the zero time if none exists.
func (s *Store) LastTS(ctx context.Context, token uint32) (time.Time, error) {
	var ts sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM ticks WHERE instrument_token = ?`, token,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, ts.String)
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
