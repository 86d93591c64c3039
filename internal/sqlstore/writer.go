// Package sqlstore persists closed candles and rule-engine audit records
// to a local SQLite database: batched, WAL-mode writes for throughput and
// a durable record independent of the Redis Streams retention window.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"flexitrade/internal/model"
	"flexitrade/internal/rule"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string
}

// Writer is a single-goroutine SQLite writer with transaction batching.
// Satisfies model.CandleWriter.
type Writer struct {
	db  *sql.DB
	log *slog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens (or creates) the SQLite database at cfg.DBPath in WAL mode
// and ensures the schema exists.
func New(cfg WriterConfig, log *slog.Logger) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlstore: schema: %w", err)
	}

	if log != nil {
		log.Info("sqlstore: opened database", "path", cfg.DBPath)
	}
	return &Writer{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ohlcv (
			tradingsymbol TEXT    NOT NULL,
			exchange      TEXT    NOT NULL,
			market        TEXT    NOT NULL,
			timeframe     TEXT    NOT NULL,
			timestamp     INTEGER NOT NULL,
			open          REAL    NOT NULL,
			high          REAL    NOT NULL,
			low           REAL    NOT NULL,
			close         REAL    NOT NULL,
			volume        INTEGER NOT NULL,
			backfilled    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (timestamp, tradingsymbol, timeframe)
		);

		CREATE TABLE IF NOT EXISTS audit_trail (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol     TEXT    NOT NULL,
			strategy   TEXT    NOT NULL,
			timestamp  INTEGER NOT NULL,
			state      TEXT    NOT NULL,
			reason     TEXT    NOT NULL,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_trail_symbol_strategy
			ON audit_trail (symbol, strategy, timestamp);
	`)
	return err
}

// Run reads closed candles from candleCh and inserts them in batched
// transactions, flushing every defaultBatchSize candles or defaultFlushDelay,
// whichever comes first. Blocks until ctx is cancelled or candleCh closes.
// Satisfies model.CandleWriter.
func (w *Writer) Run(ctx context.Context, candleCh <-chan model.Candle) {
	batch := make([]model.Candle, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.insertBatch(batch); err != nil {
			if w.log != nil {
				w.log.Error("sqlstore: batch insert error", "err", err)
			}
		} else if w.log != nil {
			w.log.Debug("sqlstore: committed candle batch", "count", len(batch), "elapsed", time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case c, ok := <-candleCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (w *Writer) insertBatch(candles []model.Candle) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO ohlcv (tradingsymbol, exchange, market, timeframe, timestamp, open, high, low, close, volume, backfilled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (timestamp, tradingsymbol, timeframe) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, backfilled = excluded.backfilled
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		backfilled := 0
		if c.Backfilled {
			backfilled = 1
		}
		_, err := stmt.Exec(c.Symbol, c.Exchange, c.Market, string(c.Timeframe), c.BucketStart.Unix(),
			c.Open, c.High, c.Low, c.Close, c.Volume, backfilled)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// WriteAudit appends one audit record. Audit records are an event log,
// not upserted state, so every call is a plain insert.
func (w *Writer) WriteAudit(a *rule.AuditRecord) error {
	_, err := w.db.Exec(
		`INSERT INTO audit_trail (symbol, strategy, timestamp, state, reason, data) VALUES (?, ?, ?, ?, ?, ?)`,
		a.Symbol, a.Strategy, a.Timestamp.Unix(), string(a.State), a.Reason, string(a.JSON()),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: insert audit: %w", err)
	}
	return nil
}

// Close closes the database. Satisfies model.CandleWriter.
func (w *Writer) Close() error {
	return w.db.Close()
}
