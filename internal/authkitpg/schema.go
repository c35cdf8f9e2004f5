package authkitpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const tableName = "pg_refresh_tokens"

// EnsureSchema creates the refresh token table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS pg_refresh_tokens (
    id BIGSERIAL PRIMARY KEY,
    user_id TEXT NOT NULL,
    token_hash TEXT NOT NULL UNIQUE,
    previous_token_hash TEXT NOT NULL DEFAULT '',
    created_unix BIGINT NOT NULL,
    expires_unix BIGINT NOT NULL,
    revoked BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_pg_refresh_tokens_user ON pg_refresh_tokens (user_id);
CREATE INDEX IF NOT EXISTS idx_pg_refresh_tokens_previous ON pg_refresh_tokens (previous_token_hash);
`)
	if err != nil {
		return fmt.Errorf("pg.schema.%s: %w", tableName, err)
	}
	return nil
}
