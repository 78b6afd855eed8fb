package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteSchema mirrors [Schema] for SQLite. Timestamps are unix seconds.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS learn_observations (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id     TEXT NOT NULL,
		day         TEXT NOT NULL,
		scene       TEXT NOT NULL,
		expected    TEXT NOT NULL,
		actual      TEXT NOT NULL,
		observed_at REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_learn_observations_user_day ON learn_observations(user_id, day)`,
	`CREATE TABLE IF NOT EXISTS learn_title_updates (
		user_id    TEXT PRIMARY KEY,
		updated_at REAL NOT NULL
	)`,
}

// SQLiteStore is a [Store] in a single SQLite database file. Like
// [PostgresStore] it appends one row per observation.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// One writer at a time; SQLite would answer SQLITE_BUSY otherwise.
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger: migrate sqlite: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, user, date string, obs Observation) error {
	const query = `
		INSERT INTO learn_observations (user_id, day, scene, expected, actual, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, user, date, obs.Scene, obs.Expected, obs.Actual, unixSeconds(obs.At)); err != nil {
		return fmt.Errorf("ledger: append: %w", err)
	}
	return nil
}

// Days implements Store.
func (s *SQLiteStore) Days(ctx context.Context, user string) ([]Day, error) {
	const query = `
		SELECT day, scene, expected, actual
		FROM learn_observations
		WHERE user_id = ?
		ORDER BY day, id`
	rows, err := s.db.QueryContext(ctx, query, user)
	if err != nil {
		return nil, fmt.Errorf("ledger: days: %w", err)
	}
	defer rows.Close()

	var days []Day
	for rows.Next() {
		var date, scene, expected, actual string
		if err := rows.Scan(&date, &scene, &expected, &actual); err != nil {
			return nil, fmt.Errorf("ledger: days: scan: %w", err)
		}
		if len(days) == 0 || days[len(days)-1].Date != date {
			days = append(days, Day{Date: date, Situations: Situations{}})
		}
		days[len(days)-1].Situations.Add(scene, expected, actual)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: days: %w", err)
	}
	return days, nil
}

// SceneTimes implements Store.
func (s *SQLiteStore) SceneTimes(ctx context.Context, user string) (map[string]time.Time, error) {
	const query = `
		SELECT scene, max(observed_at)
		FROM learn_observations
		WHERE user_id = ?
		GROUP BY scene`
	rows, err := s.db.QueryContext(ctx, query, user)
	if err != nil {
		return nil, fmt.Errorf("ledger: scene times: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var scene string
		var at float64
		if err := rows.Scan(&scene, &at); err != nil {
			return nil, fmt.Errorf("ledger: scene times: scan: %w", err)
		}
		out[scene] = fromUnixSeconds(at)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scene times: %w", err)
	}
	return out, nil
}

// TitleUpdated implements Store.
func (s *SQLiteStore) TitleUpdated(ctx context.Context, user string) (time.Time, bool, error) {
	const query = `SELECT updated_at FROM learn_title_updates WHERE user_id = ?`
	var at float64
	err := s.db.QueryRowContext(ctx, query, user).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ledger: title updated: %w", err)
	}
	return fromUnixSeconds(at), true, nil
}

// SetTitleUpdated implements Store.
func (s *SQLiteStore) SetTitleUpdated(ctx context.Context, user string, at time.Time) error {
	const query = `
		INSERT INTO learn_title_updates (user_id, updated_at) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, user, unixSeconds(at)); err != nil {
		return fmt.Errorf("ledger: set title updated: %w", err)
	}
	return nil
}
