package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the ledger tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS learn_observations (
    id          BIGSERIAL PRIMARY KEY,
    user_id     TEXT NOT NULL,
    day         TEXT NOT NULL,
    scene       TEXT NOT NULL,
    expected    TEXT NOT NULL,
    actual      TEXT NOT NULL,
    observed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_learn_observations_user_day ON learn_observations(user_id, day);

CREATE TABLE IF NOT EXISTS learn_title_updates (
    user_id    TEXT PRIMARY KEY,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL. Every observation is its
// own row, so concurrent writers never overwrite each other.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over db. The caller is responsible for
// calling [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes [Schema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, user, date string, obs Observation) error {
	const query = `
		INSERT INTO learn_observations (user_id, day, scene, expected, actual, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.db.Exec(ctx, query, user, date, obs.Scene, obs.Expected, obs.Actual, obs.At); err != nil {
		return fmt.Errorf("ledger: append: %w", err)
	}
	return nil
}

// Days implements Store.
func (s *PostgresStore) Days(ctx context.Context, user string) ([]Day, error) {
	const query = `
		SELECT day, scene, expected, actual
		FROM learn_observations
		WHERE user_id = $1
		ORDER BY day, id`
	rows, err := s.db.Query(ctx, query, user)
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
func (s *PostgresStore) SceneTimes(ctx context.Context, user string) (map[string]time.Time, error) {
	const query = `
		SELECT scene, max(observed_at)
		FROM learn_observations
		WHERE user_id = $1
		GROUP BY scene`
	rows, err := s.db.Query(ctx, query, user)
	if err != nil {
		return nil, fmt.Errorf("ledger: scene times: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var scene string
		var at time.Time
		if err := rows.Scan(&scene, &at); err != nil {
			return nil, fmt.Errorf("ledger: scene times: scan: %w", err)
		}
		out[scene] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scene times: %w", err)
	}
	return out, nil
}

// TitleUpdated implements Store.
func (s *PostgresStore) TitleUpdated(ctx context.Context, user string) (time.Time, bool, error) {
	const query = `SELECT updated_at FROM learn_title_updates WHERE user_id = $1`
	var at time.Time
	err := s.db.QueryRow(ctx, query, user).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ledger: title updated: %w", err)
	}
	return at, true, nil
}

// SetTitleUpdated implements Store.
func (s *PostgresStore) SetTitleUpdated(ctx context.Context, user string, at time.Time) error {
	const query = `
		INSERT INTO learn_title_updates (user_id, updated_at) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET updated_at = EXCLUDED.updated_at`
	if _, err := s.db.Exec(ctx, query, user, at); err != nil {
		return fmt.Errorf("ledger: set title updated: %w", err)
	}
	return nil
}
