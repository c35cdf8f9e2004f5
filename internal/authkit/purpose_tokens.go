package authkit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// TokenPurpose scopes a single-use token to one account action.
type TokenPurpose string

const (
	PurposeEmailConfirmation TokenPurpose = "EmailConfirmation"
	PurposePasswordReset     TokenPurpose = "ResetPassword"
	PurposeChangeEmail       TokenPurpose = "ChangeEmail"
)

const messageInvalidPurposeToken = "Invalid token. Please request a new link."

const messageSecurityStateChanged = "Your account changed after this link was issued. Please request a new link."

// PurposeToken is the URL-encoded value embedded in a mailed link.
type PurposeToken struct {
	UserID string
	Token  string
}

// PurposeTokenService generates and verifies action-scoped tokens through the credential store.
type PurposeTokenService struct {
	credentials CredentialStore
	logger      *zap.Logger
}

// NewPurposeTokenService constructs the service.
func NewPurposeTokenService(credentials CredentialStore, logger *zap.Logger) *PurposeTokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PurposeTokenService{credentials: credentials, logger: logger}
}

// providerPurpose binds ChangeEmail tokens to the pending address.
func providerPurpose(purpose TokenPurpose, payload string) string {
	if purpose == PurposeChangeEmail {
		return string(purpose) + ":" + normalizeEmail(payload)
	}
	return string(purpose)
}

// Generate mints a token for purpose. payload is the new email for PurposeChangeEmail and ignored otherwise.
func (service *PurposeTokenService) Generate(ctx context.Context, user User, purpose TokenPurpose, payload string) (PurposeToken, error) {
	if purpose == PurposeChangeEmail && strings.TrimSpace(payload) == "" {
		return PurposeToken{}, badRequest("A new email is required")
	}
	rawToken, err := service.credentials.GenerateToken(ctx, user, providerPurpose(purpose, payload))
	if err != nil {
		service.logger.Error("purpose token generation failed",
			zap.String("code", "purpose_token.generate.store"),
			zap.String("purpose", string(purpose)),
			zap.String("user_id", user.ID),
			zap.Error(err))
		return PurposeToken{}, internalError(genericInternalMessage)
	}
	return PurposeToken{UserID: user.ID, Token: EncodeForURL(rawToken)}, nil
}

// Verify consumes a URL-encoded token. A changed security stamp is a ConcurrencyFailure; anything else invalid is BadRequest.
func (service *PurposeTokenService) Verify(ctx context.Context, user User, purpose TokenPurpose, encodedToken string, payload string) error {
	return service.redeem(ctx, user, purpose, encodedToken, payload, service.credentials.ConsumeToken)
}

// Check answers exactly like Verify and leaves the token usable, for flows that still have to reject
// the request for other reasons.
func (service *PurposeTokenService) Check(ctx context.Context, user User, purpose TokenPurpose, encodedToken string, payload string) error {
	return service.redeem(ctx, user, purpose, encodedToken, payload, service.credentials.CheckToken)
}

type tokenRedeemer func(ctx context.Context, user User, purpose string, token string) error

func (service *PurposeTokenService) redeem(ctx context.Context, user User, purpose TokenPurpose, encodedToken string, payload string, redeemer tokenRedeemer) error {
	if strings.TrimSpace(encodedToken) == "" {
		return badRequest(messageInvalidPurposeToken)
	}
	rawToken, decodeErr := DecodeFromURL(encodedToken)
	if decodeErr != nil {
		return badRequest(messageInvalidPurposeToken)
	}
	redeemErr := redeemer(ctx, user, providerPurpose(purpose, payload), rawToken)
	switch {
	case redeemErr == nil:
		return nil
	case errors.Is(redeemErr, ErrSecurityStampMismatch):
		service.logger.Info("purpose token stamp mismatch",
			zap.String("code", "purpose_token.verify.stamp_mismatch"),
			zap.String("purpose", string(purpose)),
			zap.String("user_id", user.ID))
		return concurrencyFailure(messageSecurityStateChanged)
	case errors.Is(redeemErr, ErrInvalidToken):
		return badRequest(messageInvalidPurposeToken)
	default:
		service.logger.Error("purpose token verification failed",
			zap.String("code", "purpose_token.verify.store"),
			zap.String("purpose", string(purpose)),
			zap.String("user_id", user.ID),
			zap.Error(redeemErr))
		return internalError(genericInternalMessage)
	}
}
