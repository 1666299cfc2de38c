// Package pgstore implements registry.SubscriptionStore on PostgreSQL, for
// deployments where the registry runs with more than one replica.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shinline/shinline/internal/registry"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements registry.SubscriptionStore using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

// Upsert inserts or updates a subscription keyed by endpoint. On update the
// stored id is kept and written back into sub.
func (s *Store) Upsert(ctx context.Context, sub *registry.Subscription) error {
	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO subscriptions (id, endpoint, p256dh, auth, platform, user_agent, user_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (endpoint) DO UPDATE SET
		   p256dh = EXCLUDED.p256dh,
		   auth = EXCLUDED.auth,
		   platform = EXCLUDED.platform,
		   user_agent = EXCLUDED.user_agent,
		   user_id = EXCLUDED.user_id,
		   updated_at = NOW()
		 RETURNING id`,
		sub.ID, sub.Endpoint, sub.P256dh, sub.Auth, sub.Platform, sub.UserAgent, sub.UserID,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("upserting subscription: %w", err)
	}
	sub.ID = id
	return nil
}

// GetByEndpoint returns the subscription for an endpoint, or (nil, nil) when
// no record matches.
func (s *Store) GetByEndpoint(ctx context.Context, endpoint string) (*registry.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, endpoint, p256dh, auth, platform, user_agent, user_id, created_at, updated_at
		 FROM subscriptions WHERE endpoint = $1`, endpoint)

	var sub registry.Subscription
	err := row.Scan(&sub.ID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.Platform,
		&sub.UserAgent, &sub.UserID, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying subscription by endpoint: %w", err)
	}
	return &sub, nil
}

// DeleteByEndpoint removes a subscription and reports whether a record was
// removed.
func (s *Store) DeleteByEndpoint(ctx context.Context, endpoint string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE endpoint = $1`, endpoint)
	if err != nil {
		return false, fmt.Errorf("deleting subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

// List returns all subscriptions, optionally filtered by user.
func (s *Store) List(ctx context.Context, userID *int64) ([]registry.Subscription, error) {
	query := `SELECT id, endpoint, p256dh, auth, platform, user_agent, user_id, created_at, updated_at
		 FROM subscriptions ORDER BY updated_at DESC`
	args := []any{}
	if userID != nil {
		query = `SELECT id, endpoint, p256dh, auth, platform, user_agent, user_id, created_at, updated_at
		 FROM subscriptions WHERE user_id = $1 ORDER BY updated_at DESC`
		args = append(args, *userID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []registry.Subscription
	for rows.Next() {
		var sub registry.Subscription
		if err := rows.Scan(&sub.ID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.Platform,
			&sub.UserAgent, &sub.UserID, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning subscription row: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Count returns the number of stored subscriptions.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting subscriptions: %w", err)
	}
	return n, nil
}
