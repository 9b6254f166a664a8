package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres persists blobs in a shared PostgreSQL database, for deployments
// where multiple runners resume each other's checkpoints.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle. Migration is the operator's
// concern in shared databases; Migrate is provided for bootstrap.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the blobs table if missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS blobs (
		key        TEXT PRIMARY KEY,
		blob       BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Save upserts blob under key.
func (p *Postgres) Save(ctx context.Context, key string, blob []byte) error {
	query := `
	INSERT INTO blobs (key, blob, updated_at) VALUES ($1, $2, $3)
	ON CONFLICT (key) DO UPDATE SET blob = EXCLUDED.blob, updated_at = EXCLUDED.updated_at`
	if _, err := p.db.ExecContext(ctx, query, key, blob, time.Now().UTC()); err != nil {
		return fmt.Errorf("postgres save %s: %w", key, err)
	}
	return nil
}

// Load returns the blob under key, or ErrNotFound.
func (p *Postgres) Load(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := p.db.QueryRowContext(ctx, "SELECT blob FROM blobs WHERE key = $1", key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres load %s: %w", key, err)
	}
	return blob, nil
}

// List returns all keys with the given prefix, sorted.
func (p *Postgres) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT key FROM blobs WHERE key LIKE $1 || '%' ORDER BY key", prefix)
	if err != nil {
		return nil, fmt.Errorf("postgres list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
