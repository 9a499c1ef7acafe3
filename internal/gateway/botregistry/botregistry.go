// Package botregistry is the pgx-backed bot identity store: one row per
// bot token, holding the API id/hash pair, the on-disk Client directory,
// and the allowed_update_types mask of §7. Grounded on the teacher pack's
// postgres persistence layer (Berektassuly-alem-hub's
// internal/infrastructure/persistence/postgres/connection.go), whose
// pgxpool.Pool wrapper and migration-table idiom are reused here, narrowed
// to the one table this gateway actually needs.
package botregistry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a token has no registry row.
var ErrNotFound = errors.New("botregistry: bot not found")

const schema = `
CREATE TABLE IF NOT EXISTS bots (
	token                 TEXT PRIMARY KEY,
	api_id                INTEGER NOT NULL,
	api_hash              TEXT NOT NULL,
	storage_dir           TEXT NOT NULL,
	allowed_update_types  BIGINT NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Bot is one registry row.
type Bot struct {
	Token              string
	APIID              int
	APIHash            string
	StorageDir         string
	AllowedUpdateTypes uint32
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Registry is the pgx-backed bot identity store.
type Registry struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the bots table exists.
func Open(ctx context.Context, dsn string) (*Registry, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("botregistry: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("botregistry: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("botregistry: ensure schema: %w", err)
	}
	return &Registry{pool: pool}, nil
}

// Close closes the underlying pool.
func (r *Registry) Close() { r.pool.Close() }

// Upsert registers a bot, or updates its API credentials and storage
// directory if the token already exists. The allowed_update_types mask is
// left untouched by Upsert — callers update it with SetAllowedUpdateTypes.
func (r *Registry) Upsert(ctx context.Context, token string, apiID int, apiHash, storageDir string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO bots (token, api_id, api_hash, storage_dir)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE SET
			api_id = EXCLUDED.api_id,
			api_hash = EXCLUDED.api_hash,
			storage_dir = EXCLUDED.storage_dir,
			updated_at = now()
	`, token, apiID, apiHash, storageDir)
	if err != nil {
		return fmt.Errorf("botregistry: upsert %s: %w", token, err)
	}
	return nil
}

// Get loads one bot's registry row by token.
func (r *Registry) Get(ctx context.Context, token string) (*Bot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT token, api_id, api_hash, storage_dir, allowed_update_types, created_at, updated_at
		FROM bots WHERE token = $1
	`, token)
	return scanBot(row)
}

// All lists every registered bot, for server startup bring-up.
func (r *Registry) All(ctx context.Context) ([]*Bot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT token, api_id, api_hash, storage_dir, allowed_update_types, created_at, updated_at
		FROM bots ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("botregistry: list: %w", err)
	}
	defer rows.Close()

	var out []*Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// scannable covers both pgx.Row and pgx.Rows, which share a Scan method.
type scannable interface {
	Scan(dest ...any) error
}

func scanBot(row scannable) (*Bot, error) {
	var b Bot
	// allowed_update_types round-trips through a signed int64 column; see
	// the Open Question resolution in DESIGN.md for why this must not pass
	// through a signed 32-bit value on the way.
	var maskSigned int64
	if err := row.Scan(&b.Token, &b.APIID, &b.APIHash, &b.StorageDir, &maskSigned, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("botregistry: scan: %w", err)
	}
	b.AllowedUpdateTypes = uint32(maskSigned)
	return &b, nil
}

// SetAllowedUpdateTypes persists the §7 allowed_update_types mask, storing
// the full unsigned 32-bit pattern as a signed bigint so that bit 31 never
// sign-extends on the way back out.
func (r *Registry) SetAllowedUpdateTypes(ctx context.Context, token string, mask uint32) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE bots SET allowed_update_types = $2, updated_at = now() WHERE token = $1
	`, token, int64(mask))
	if err != nil {
		return fmt.Errorf("botregistry: set allowed_update_types %s: %w", token, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a bot's registry row (e.g. on a clearing logout).
func (r *Registry) Delete(ctx context.Context, token string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM bots WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("botregistry: delete %s: %w", token, err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique-constraint violation,
// mirroring the teacher's postgres error-classification helpers.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
