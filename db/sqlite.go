// Package db stores production predictions and spools encoded monitoring
// events in SQLite until they have been delivered.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DefaultPageSize is the number of predictions per page when the query does
// not set one.
const DefaultPageSize = 20

// ErrBadCursor is returned for a malformed cursor or when both after and
// before are set.
var ErrBadCursor = errors.New("bad page cursor")

const schemaSQL = `
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_id TEXT NOT NULL,
        identifier TEXT NOT NULL,
        date INTEGER NOT NULL,
        input TEXT NOT NULL,
        output TEXT NOT NULL,
        UNIQUE(model_id, identifier)
    );
    CREATE INDEX IF NOT EXISTS predictions_model_date ON predictions (model_id, date);
    CREATE TABLE IF NOT EXISTS true_values (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_id TEXT NOT NULL,
        identifier TEXT NOT NULL,
        date INTEGER NOT NULL,
        true_value TEXT NOT NULL,
        UNIQUE(model_id, identifier)
    );
    CREATE TABLE IF NOT EXISTS outbox (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        payload BLOB NOT NULL,
        attempts INTEGER DEFAULT 0,
        created_at INTEGER NOT NULL
    );
    CREATE TABLE IF NOT EXISTS outbox_rejected (
        id INTEGER PRIMARY KEY,
        payload BLOB NOT NULL,
        attempts INTEGER DEFAULT 0,
        created_at INTEGER NOT NULL,
        rejected_at INTEGER NOT NULL
    );
    `

// Store wraps the database handle. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Prediction is one stored production prediction. Input, Output and
// TrueValue hold JSON; TrueValue is nil until an outcome is reported.
type Prediction struct {
	ID         int64
	ModelID    string
	Identifier string
	Date       time.Time
	Input      []byte
	Output     []byte
	TrueValue  []byte
}

// Cursor is a position in the date order of a model's predictions. The row
// id breaks ties between predictions stored with the same date.
type Cursor struct {
	Date int64
	ID   int64
}

// Cursor returns the position of p.
func (p Prediction) Cursor() Cursor {
	return Cursor{Date: p.Date.UnixNano(), ID: p.ID}
}

// String formats the cursor as "<unix nanos>_<id>".
func (c Cursor) String() string {
	return strconv.FormatInt(c.Date, 10) + "_" + strconv.FormatInt(c.ID, 10)
}

// ParseCursor parses the output of Cursor.String.
func ParseCursor(s string) (Cursor, error) {
	date, id, ok := strings.Cut(s, "_")
	if !ok {
		return Cursor{}, ErrBadCursor
	}
	var c Cursor
	var err error
	if c.Date, err = strconv.ParseInt(date, 10, 64); err != nil {
		return Cursor{}, ErrBadCursor
	}
	if c.ID, err = strconv.ParseInt(id, 10, 64); err != nil {
		return Cursor{}, ErrBadCursor
	}
	return c, nil
}

// PageQuery selects a page of predictions. After and Before are cursors
// taken from a previous page; at most one may be set.
type PageQuery struct {
	After  *Cursor
	Before *Cursor
	Limit  int
}

// Page lists predictions newest first. Newer and Older report whether more
// predictions exist on either side of the page.
type Page struct {
	Predictions []Prediction
	Newer       bool
	Older       bool
}

// Outgoing is a spooled monitoring payload.
type Outgoing struct {
	ID       int64
	Payload  []byte
	Attempts int
}

// Open opens (creating if needed) the database at path in WAL mode.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	database.SetMaxOpenConns(4)
	database.SetConnMaxLifetime(time.Hour)

	if _, err := database.Exec(schemaSQL); err != nil {
		database.Close()
		return nil, fmt.Errorf("create tables failed: %w", err)
	}
	log.Info("database opened", zap.String("path", path))
	return &Store{db: database, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SavePrediction stores p, replacing an earlier prediction with the same
// model and identifier.
func (s *Store) SavePrediction(ctx context.Context, p Prediction) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO predictions (model_id, identifier, date, input, output)
        VALUES (?, ?, ?, ?, ?)`,
		p.ModelID, p.Identifier, p.Date.UnixNano(), string(p.Input), string(p.Output))
	return err
}

// SaveTrueValue records the outcome for an earlier prediction.
func (s *Store) SaveTrueValue(ctx context.Context, modelID, identifier string, date time.Time, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO true_values (model_id, identifier, date, true_value)
        VALUES (?, ?, ?, ?)`,
		modelID, identifier, date.UnixNano(), string(value))
	return err
}

const (
	newerThan = `(p.date > ? OR (p.date = ? AND p.id > ?))`
	olderThan = `(p.date < ? OR (p.date = ? AND p.id < ?))`
)

// ListPredictions pages through a model's predictions by date, newest first.
func (s *Store) ListPredictions(ctx context.Context, modelID string, q PageQuery) (Page, error) {
	if q.After != nil && q.Before != nil {
		return Page{}, ErrBadCursor
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}

	const columns = `p.id, p.model_id, p.identifier, p.date, p.input, p.output, t.true_value
        FROM predictions p
        LEFT JOIN true_values t ON t.model_id = p.model_id AND t.identifier = p.identifier`
	var (
		query string
		args  []interface{}
	)
	switch {
	case q.After != nil:
		query = `SELECT * FROM (SELECT ` + columns + `
            WHERE p.model_id = ? AND ` + newerThan + `
            ORDER BY p.date ASC, p.id ASC LIMIT ?) ORDER BY date DESC, id DESC`
		args = []interface{}{modelID, q.After.Date, q.After.Date, q.After.ID, q.Limit}
	case q.Before != nil:
		query = `SELECT ` + columns + `
            WHERE p.model_id = ? AND ` + olderThan + `
            ORDER BY p.date DESC, p.id DESC LIMIT ?`
		args = []interface{}{modelID, q.Before.Date, q.Before.Date, q.Before.ID, q.Limit}
	default:
		query = `SELECT ` + columns + `
            WHERE p.model_id = ?
            ORDER BY p.date DESC, p.id DESC LIMIT ?`
		args = []interface{}{modelID, q.Limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		var (
			p             Prediction
			date          int64
			input, output string
			trueValue     sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.ModelID, &p.Identifier, &date, &input, &output, &trueValue); err != nil {
			return Page{}, err
		}
		p.Date = time.Unix(0, date).UTC()
		p.Input = []byte(input)
		p.Output = []byte(output)
		if trueValue.Valid {
			p.TrueValue = []byte(trueValue.String)
		}
		page.Predictions = append(page.Predictions, p)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	if len(page.Predictions) == 0 {
		return page, nil
	}

	first := page.Predictions[0].Cursor()
	last := page.Predictions[len(page.Predictions)-1].Cursor()
	if page.Newer, err = s.exists(ctx, `SELECT COUNT(*) > 0 FROM predictions p WHERE p.model_id = ? AND `+newerThan,
		modelID, first.Date, first.Date, first.ID); err != nil {
		return Page{}, err
	}
	if page.Older, err = s.exists(ctx, `SELECT COUNT(*) > 0 FROM predictions p WHERE p.model_id = ? AND `+olderThan,
		modelID, last.Date, last.Date, last.ID); err != nil {
		return Page{}, err
	}
	return page, nil
}

func (s *Store) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&ok)
	return ok, err
}

// Enqueue spools encoded monitoring payloads for delivery.
func (s *Store) Enqueue(ctx context.Context, payloads ...[]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO outbox (payload, created_at) VALUES (?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, p := range payloads {
		if _, err := stmt.ExecContext(ctx, p, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Pending returns up to limit spooled payloads, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]Outgoing, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, payload, attempts FROM outbox
        ORDER BY id ASC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outgoing
	for rows.Next() {
		var o Outgoing
		if err := rows.Scan(&o.ID, &o.Payload, &o.Attempts); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}

// MarkSent removes delivered payloads from the spool.
func (s *Store) MarkSent(ctx context.Context, ids ...int64) error {
	return s.updateOutbox(ctx, `DELETE FROM outbox WHERE id IN (%s)`, ids)
}

// MarkFailed bumps the attempt counter of payloads that stay pending.
func (s *Store) MarkFailed(ctx context.Context, ids ...int64) error {
	return s.updateOutbox(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id IN (%s)`, ids)
}

// Reject moves payloads the collector refused into outbox_rejected so they
// no longer block the ones queued behind them.
func (s *Store) Reject(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, time.Now().UnixNano())
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
        INSERT OR REPLACE INTO outbox_rejected (id, payload, attempts, created_at, rejected_at)
        SELECT id, payload, attempts + 1, created_at, ? FROM outbox WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM outbox WHERE id IN (%s)`, placeholders), args[1:]...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) RejectedCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_rejected`).Scan(&n)
	return n, err
}

func (s *Store) updateOutbox(ctx context.Context, format string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(format, placeholders), args...)
	return err
}
