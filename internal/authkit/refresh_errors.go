package authkit

import "errors"

var (
	// ErrRefreshTokenNotFound indicates no refresh token matched the provided value.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenStale indicates a compare-and-swap update lost against a concurrent rotation or revocation.
	ErrRefreshTokenStale = errors.New("refresh_store.stale")
	// ErrRefreshTokenReplayed indicates the presented value was already rotated away.
	ErrRefreshTokenReplayed = errors.New("refresh_store.replayed")
	// ErrRefreshTokenEmptyOpaque indicates that the provided opaque token text is empty.
	ErrRefreshTokenEmptyOpaque = errors.New("refresh_store.empty_token")
	// ErrRefreshTokenDuplicate indicates an insert collided with an existing token value.
	ErrRefreshTokenDuplicate = errors.New("refresh_store.duplicate")
)
