package sqlstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"flexitrade/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to the ohlcv table for backfill
// reconciliation and indicator warm-start. Satisfies model.CandleReader.
type Reader struct {
	db  *sql.DB
	log *slog.Logger
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string, log *slog.Logger) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	if log != nil {
		log.Info("sqlstore: reader opened", "path", dbPath)
	}
	return &Reader{db: db, log: log}, nil
}

// ReadCandles reads candles for (symbol, timeframe) with bucket_start
// strictly after afterTS, ascending. Satisfies model.CandleReader.
func (r *Reader) ReadCandles(symbol, exchange string, tf model.Timeframe, afterTS time.Time) ([]model.Candle, error) {
	rows, err := r.db.Query(`
		SELECT tradingsymbol, exchange, market, timeframe, timestamp, open, high, low, close, volume, backfilled
		FROM ohlcv
		WHERE exchange = ? AND tradingsymbol = ? AND timeframe = ? AND timestamp > ?
		ORDER BY timestamp ASC
	`, exchange, symbol, string(tf), afterTS.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query ohlcv: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// LastBucket returns the most recent known bucket_start for (symbol,
// timeframe), or the zero time if none exists. Satisfies model.CandleReader.
func (r *Reader) LastBucket(symbol, exchange string, tf model.Timeframe) (time.Time, error) {
	var ts sql.NullInt64
	err := r.db.QueryRow(
		`SELECT MAX(timestamp) FROM ohlcv WHERE exchange = ? AND tradingsymbol = ? AND timeframe = ?`,
		exchange, symbol, string(tf),
	).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlstore: last bucket: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

func scanCandle(rows *sql.Rows) (model.Candle, error) {
	var c model.Candle
	var tsUnix int64
	var backfilled int
	if err := rows.Scan(&c.Symbol, &c.Exchange, &c.Market, &c.Timeframe, &tsUnix,
		&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &backfilled); err != nil {
		return model.Candle{}, fmt.Errorf("sqlstore: scan ohlcv: %w", err)
	}
	c.BucketStart = time.Unix(tsUnix, 0).UTC()
	c.Closed = true
	c.Backfilled = backfilled != 0
	return c, nil
}

// ReadAuditTrail reads every audit record for (symbol, strategy) in
// ascending timestamp order, for post-hoc trade review.
func (r *Reader) ReadAuditTrail(symbol, strategy string) ([]string, error) {
	rows, err := r.db.Query(
		`SELECT data FROM audit_trail WHERE symbol = ? AND strategy = ? ORDER BY timestamp ASC`,
		symbol, strategy,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query audit_trail: %w", err)
	}
	defer rows.Close()

	var records []string
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlstore: scan audit_trail: %w", err)
		}
		records = append(records, data)
	}
	return records, rows.Err()
}

// Close closes the reader. Satisfies model.CandleReader.
func (r *Reader) Close() error {
	return r.db.Close()
}
