package authkit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	messageRefreshTokenExpired  = "Refresh token expired"
	messageRefreshTokenRevoked  = "Refresh token has been revoked"
	messageRefreshTokenInvalid  = "Invalid refresh token"
	messageRefreshTokenRequired = "Refresh token is required"
)

// RefreshTokenManager creates, validates, rotates, and revokes refresh tokens.
type RefreshTokenManager struct {
	store  TokenStore
	ttl    time.Duration
	clock  Clock
	logger *zap.Logger
	random func() (string, error)
}

// NewRefreshTokenManager wires the manager to its store. A nil clock uses the system clock.
func NewRefreshTokenManager(store TokenStore, configuration ServerConfig, clock Clock, logger *zap.Logger) (*RefreshTokenManager, error) {
	if store == nil {
		return nil, errors.New("refresh_manager.config: token store is required")
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshTokenManager{
		store:  store,
		ttl:    configuration.refreshTTL(),
		clock:  clock,
		logger: logger,
		random: generateRefreshOpaque,
	}, nil
}

// Create mints and persists a new refresh token for the user.
func (manager *RefreshTokenManager) Create(ctx context.Context, userID string) (RefreshToken, error) {
	value, err := manager.random()
	if err != nil {
		manager.logger.Error("refresh token generation failed", zap.String("code", "refresh.create.random"), zap.Error(err))
		return RefreshToken{}, internalError(genericInternalMessage)
	}
	now := manager.clock.Now()
	token := RefreshToken{
		Token:     value,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(manager.ttl),
	}
	if err := manager.store.Insert(ctx, token); err != nil {
		manager.logger.Error("refresh token insert failed", zap.String("code", "refresh.create.store"), zap.String("user_id", userID), zap.Error(err))
		return RefreshToken{}, internalError(genericInternalMessage)
	}
	return token, nil
}

// Lookup finds the stored record for a presented value.
func (manager *RefreshTokenManager) Lookup(ctx context.Context, value string) (RefreshToken, error) {
	if value == "" {
		return RefreshToken{}, unauthorized(messageRefreshTokenRequired)
	}
	token, err := manager.store.FindByValue(ctx, value)
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, ErrRefreshTokenReplayed):
		// Whoever holds the successor may have stolen the old value, so the successor is revoked too.
		revoked, revokeErr := manager.store.RevokeByPrevious(ctx, value)
		if revokeErr != nil {
			manager.logger.Error("replayed refresh token successor not revoked", zap.String("code", "refresh.lookup.replay_revoke"), zap.Error(revokeErr))
			return RefreshToken{}, internalError(genericInternalMessage)
		}
		manager.logger.Warn("rotated refresh token presented again",
			zap.String("code", "refresh.lookup.replayed"),
			zap.Int64("revoked", revoked))
		return RefreshToken{}, unauthorized(messageRefreshTokenInvalid)
	case errors.Is(err, ErrRefreshTokenNotFound), errors.Is(err, ErrRefreshTokenEmptyOpaque):
		return RefreshToken{}, unauthorized(messageRefreshTokenInvalid)
	default:
		manager.logger.Error("refresh token lookup failed", zap.String("code", "refresh.lookup.store"), zap.Error(err))
		return RefreshToken{}, internalError(genericInternalMessage)
	}
}

// Validate rejects expired and revoked tokens.
func (manager *RefreshTokenManager) Validate(token RefreshToken) error {
	if token.ExpiresAt.Before(manager.clock.Now()) {
		return unauthorized(messageRefreshTokenExpired)
	}
	if token.Revoked {
		return unauthorized(messageRefreshTokenRevoked)
	}
	return nil
}

// Rotate overwrites the record's value and extends its expiry in one compare-and-swap.
// Concurrent rotations of the same value yield exactly one winner; the losers get Unauthorized.
func (manager *RefreshTokenManager) Rotate(ctx context.Context, current RefreshToken) (RefreshToken, error) {
	if err := manager.Validate(current); err != nil {
		return RefreshToken{}, err
	}
	value, err := manager.random()
	if err != nil {
		manager.logger.Error("refresh token generation failed", zap.String("code", "refresh.rotate.random"), zap.Error(err))
		return RefreshToken{}, internalError(genericInternalMessage)
	}
	rotated := current
	rotated.Token = value
	rotated.ExpiresAt = manager.clock.Now().Add(manager.ttl)
	updateErr := manager.store.Update(ctx, current.Token, rotated)
	switch {
	case updateErr == nil:
		return rotated, nil
	case errors.Is(updateErr, ErrRefreshTokenStale):
		manager.logger.Warn("refresh token rotated concurrently", zap.String("code", "refresh.rotate.stale"), zap.String("user_id", current.UserID))
		return RefreshToken{}, unauthorized(messageRefreshTokenInvalid)
	default:
		manager.logger.Error("refresh token rotation failed", zap.String("code", "refresh.rotate.store"), zap.String("user_id", current.UserID), zap.Error(updateErr))
		return RefreshToken{}, internalError(genericInternalMessage)
	}
}

// Revoke marks the token revoked. Unknown or already revoked values succeed.
func (manager *RefreshTokenManager) Revoke(ctx context.Context, value string) error {
	if value == "" {
		return nil
	}
	token, err := manager.store.FindByValue(ctx, value)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) || errors.Is(err, ErrRefreshTokenReplayed) || errors.Is(err, ErrRefreshTokenEmptyOpaque) {
			return nil
		}
		manager.logger.Error("refresh token lookup failed", zap.String("code", "refresh.revoke.lookup"), zap.Error(err))
		return internalError(genericInternalMessage)
	}
	if token.Revoked {
		return nil
	}
	token.Revoked = true
	if updateErr := manager.store.Update(ctx, value, token); updateErr != nil {
		if errors.Is(updateErr, ErrRefreshTokenStale) {
			return nil
		}
		manager.logger.Error("refresh token revoke failed", zap.String("code", "refresh.revoke.store"), zap.String("user_id", token.UserID), zap.Error(updateErr))
		return internalError(genericInternalMessage)
	}
	return nil
}

// RevokeAllForUser ends every session of the user.
func (manager *RefreshTokenManager) RevokeAllForUser(ctx context.Context, userID string) error {
	revokedCount, err := manager.store.RevokeByUser(ctx, userID)
	if err != nil {
		manager.logger.Error("refresh token bulk revoke failed", zap.String("code", "refresh.revoke_all.store"), zap.String("user_id", userID), zap.Error(err))
		return internalError(genericInternalMessage)
	}
	manager.logger.Info("refresh tokens revoked", zap.String("code", "refresh.revoke_all.done"), zap.String("user_id", userID), zap.Int64("count", revokedCount))
	return nil
}

// ActiveSessions lists the user's unexpired, unrevoked records.
func (manager *RefreshTokenManager) ActiveSessions(ctx context.Context, userID string) ([]RefreshToken, error) {
	tokens, err := manager.store.FindByUser(ctx, userID)
	if err != nil {
		manager.logger.Error("refresh token listing failed", zap.String("code", "refresh.sessions.store"), zap.String("user_id", userID), zap.Error(err))
		return nil, internalError(genericInternalMessage)
	}
	now := manager.clock.Now()
	active := make([]RefreshToken, 0, len(tokens))
	for _, token := range tokens {
		if token.Revoked || token.ExpiresAt.Before(now) {
			continue
		}
		token.Token = ""
		active = append(active, token)
	}
	return active, nil
}
