package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/unifyauth/internal/authkit"
)

const uniqueViolationCode = "23505"

// PostgresRefreshTokenStore persists rotating refresh tokens in PostgreSQL.
type PostgresRefreshTokenStore struct {
	pool *pgxpool.Pool
}

var _ authkit.TokenStore = (*PostgresRefreshTokenStore)(nil)

// NewPostgresRefreshTokenStore constructs a Postgres store.
func NewPostgresRefreshTokenStore(pool *pgxpool.Pool) *PostgresRefreshTokenStore {
	return &PostgresRefreshTokenStore{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// Insert adds a new token row keyed by the hash of its value.
func (store *PostgresRefreshTokenStore) Insert(ctx context.Context, token authkit.RefreshToken) error {
	if strings.TrimSpace(token.Token) == "" {
		return fmt.Errorf("refresh_store.insert.pgx: %w", authkit.ErrRefreshTokenEmptyOpaque)
	}
	_, err := store.pool.Exec(ctx, `
INSERT INTO pg_refresh_tokens (user_id, token_hash, created_unix, expires_unix, revoked)
VALUES ($1, $2, $3, $4, $5)
`, token.UserID, authkit.HashOpaque(token.Token), token.CreatedAt.Unix(), token.ExpiresAt.Unix(), token.Revoked)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("refresh_store.insert.pgx: %w", authkit.ErrRefreshTokenDuplicate)
		}
		return fmt.Errorf("refresh_store.insert.pgx: %w", err)
	}
	return nil
}

// FindByValue locates a token. A value that was rotated away reports ErrRefreshTokenReplayed.
func (store *PostgresRefreshTokenStore) FindByValue(ctx context.Context, value string) (authkit.RefreshToken, error) {
	if strings.TrimSpace(value) == "" {
		return authkit.RefreshToken{}, fmt.Errorf("refresh_store.find.pgx: %w", authkit.ErrRefreshTokenEmptyOpaque)
	}
	hashValue := authkit.HashOpaque(value)
	var userID string
	var createdUnix, expiresUnix int64
	var revoked bool
	scanErr := store.pool.QueryRow(ctx, `
SELECT user_id, created_unix, expires_unix, revoked
FROM pg_refresh_tokens
WHERE token_hash = $1
`, hashValue).Scan(&userID, &createdUnix, &expiresUnix, &revoked)
	if scanErr == nil {
		return authkit.RefreshToken{
			Token:     value,
			UserID:    userID,
			CreatedAt: time.Unix(createdUnix, 0).UTC(),
			ExpiresAt: time.Unix(expiresUnix, 0).UTC(),
			Revoked:   revoked,
		}, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return authkit.RefreshToken{}, fmt.Errorf("refresh_store.find.pgx: %w", scanErr)
	}
	var replayed bool
	existsErr := store.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM pg_refresh_tokens WHERE previous_token_hash = $1)
`, hashValue).Scan(&replayed)
	if existsErr != nil {
		return authkit.RefreshToken{}, fmt.Errorf("refresh_store.find.pgx: %w", existsErr)
	}
	if replayed {
		return authkit.RefreshToken{}, fmt.Errorf("refresh_store.find.pgx: %w", authkit.ErrRefreshTokenReplayed)
	}
	return authkit.RefreshToken{}, fmt.Errorf("refresh_store.find.pgx: %w", authkit.ErrRefreshTokenNotFound)
}

// FindByUser lists the user's records, newest first, with empty values.
func (store *PostgresRefreshTokenStore) FindByUser(ctx context.Context, userID string) ([]authkit.RefreshToken, error) {
	rows, err := store.pool.Query(ctx, `
SELECT created_unix, expires_unix, revoked
FROM pg_refresh_tokens
WHERE user_id = $1
ORDER BY id DESC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("refresh_store.find_by_user.pgx: %w", err)
	}
	defer rows.Close()
	var tokens []authkit.RefreshToken
	for rows.Next() {
		var createdUnix, expiresUnix int64
		var revoked bool
		if scanErr := rows.Scan(&createdUnix, &expiresUnix, &revoked); scanErr != nil {
			return nil, fmt.Errorf("refresh_store.find_by_user.pgx: %w", scanErr)
		}
		tokens = append(tokens, authkit.RefreshToken{
			UserID:    userID,
			CreatedAt: time.Unix(createdUnix, 0).UTC(),
			ExpiresAt: time.Unix(expiresUnix, 0).UTC(),
			Revoked:   revoked,
		})
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("refresh_store.find_by_user.pgx: %w", rowsErr)
	}
	return tokens, nil
}

// Update is a conditional UPDATE on the current hash; zero affected rows means a concurrent writer won.
func (store *PostgresRefreshTokenStore) Update(ctx context.Context, expectedValue string, updated authkit.RefreshToken) error {
	if strings.TrimSpace(expectedValue) == "" || strings.TrimSpace(updated.Token) == "" {
		return fmt.Errorf("refresh_store.update.pgx: %w", authkit.ErrRefreshTokenEmptyOpaque)
	}
	expectedHash := authkit.HashOpaque(expectedValue)
	updatedHash := authkit.HashOpaque(updated.Token)
	tag, err := store.pool.Exec(ctx, `
UPDATE pg_refresh_tokens
SET token_hash = $2,
    expires_unix = $3,
    revoked = $4,
    previous_token_hash = CASE WHEN $2 <> $1 THEN $1 ELSE previous_token_hash END
WHERE token_hash = $1 AND revoked = FALSE
`, expectedHash, updatedHash, updated.ExpiresAt.Unix(), updated.Revoked)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("refresh_store.update.pgx: %w", authkit.ErrRefreshTokenDuplicate)
		}
		return fmt.Errorf("refresh_store.update.pgx: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("refresh_store.update.pgx: %w", authkit.ErrRefreshTokenStale)
	}
	return nil
}

// RevokeByUser revokes every active row of the user.
func (store *PostgresRefreshTokenStore) RevokeByUser(ctx context.Context, userID string) (int64, error) {
	tag, err := store.pool.Exec(ctx, `
UPDATE pg_refresh_tokens SET revoked = TRUE WHERE user_id = $1 AND revoked = FALSE
`, userID)
	if err != nil {
		return 0, fmt.Errorf("refresh_store.revoke_by_user.pgx: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RevokeByPrevious revokes the active row a replayed value was rotated into.
func (store *PostgresRefreshTokenStore) RevokeByPrevious(ctx context.Context, value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, fmt.Errorf("refresh_store.revoke_by_previous.pgx: %w", authkit.ErrRefreshTokenEmptyOpaque)
	}
	tag, err := store.pool.Exec(ctx, `
UPDATE pg_refresh_tokens SET revoked = TRUE WHERE previous_token_hash = $1 AND revoked = FALSE
`, authkit.HashOpaque(value))
	if err != nil {
		return 0, fmt.Errorf("refresh_store.revoke_by_previous.pgx: %w", err)
	}
	return tag.RowsAffected(), nil
}
