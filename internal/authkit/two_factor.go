package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const (
	// DefaultAuthenticatorIssuer labels entries in authenticator apps.
	DefaultAuthenticatorIssuer = "UnifyAuth"
	authenticatorCodeDigits    = 6

	messageInvalidTwoFactorKey   = "Invalid two-factor authentication key"
	messageUnsupportedProvider   = "Unsupported two-factor authentication provider"
	messageTwoFactorNotEnabled   = "Two-factor authentication is not enabled for this account"
	messageProviderMismatch      = "Two-factor provider does not match the configured provider"
	messageAuthenticatorFailure  = "Failed to generate authenticator key"
	messageUserNotFound          = "User not found"
	messageTwoFactorCodeRequired = "Two-factor authentication key is required"
)

// challengePurpose selects the wording of a delivered code.
type challengePurpose int

const (
	challengeLogin challengePurpose = iota
	challengeConfiguration
)

func (purpose challengePurpose) subject() string {
	if purpose == challengeConfiguration {
		return "Two-Factor Configuration Code"
	}
	return "Two-Factor Authentication Code"
}

func (purpose challengePurpose) body(code string) string {
	if purpose == challengeConfiguration {
		return fmt.Sprintf("Your verification code is: %s. Please use this code to complete your two-factor configuration setup.", code)
	}
	return fmt.Sprintf("Your verification code is: %s. Please use this code to complete your two-factor authentication.", code)
}

// AuthenticatorSetup is returned when a user enrolls an authenticator app.
type AuthenticatorSetup struct {
	SharedKey string `json:"sharedKey"`
	QRCodeURI string `json:"qrCodeUri"`
}

// twoFactorHandler holds the provider-specific behavior of one TwoFactorProvider.
type twoFactorHandler interface {
	// mintCode returns a server-side code, or "" when the user's device computes it.
	mintCode(ctx context.Context, user User) (string, error)
	// destination is where a minted code is delivered.
	destination(user User) string
	verify(ctx context.Context, user User, key string) (bool, error)
}

type deliveredCodeHandler struct {
	credentials CredentialStore
	provider    TwoFactorProvider
	target      func(User) string
}

func (handler deliveredCodeHandler) mintCode(ctx context.Context, user User) (string, error) {
	return handler.credentials.GenerateTwoFactorCode(ctx, user, handler.provider.String())
}

func (handler deliveredCodeHandler) destination(user User) string {
	return handler.target(user)
}

func (handler deliveredCodeHandler) verify(ctx context.Context, user User, key string) (bool, error) {
	return handler.credentials.VerifyTwoFactorCode(ctx, user, handler.provider.String(), key)
}

type authenticatorHandler struct {
	credentials CredentialStore
}

func (authenticatorHandler) mintCode(context.Context, User) (string, error) {
	return "", nil
}

func (authenticatorHandler) destination(User) string {
	return ""
}

func (handler authenticatorHandler) verify(ctx context.Context, user User, key string) (bool, error) {
	return handler.credentials.VerifyTwoFactorCode(ctx, user, TwoFactorAuthenticator.String(), key)
}

// TwoFactorOrchestrator manages provider selection, challenges, and verification.
type TwoFactorOrchestrator struct {
	credentials CredentialStore
	notifier    Notifier
	issuer      string
	handlers    map[TwoFactorProvider]twoFactorHandler
	metrics     MetricsRecorder
	logger      *zap.Logger
}

// NewTwoFactorOrchestrator builds one handler per provider other than None.
func NewTwoFactorOrchestrator(credentials CredentialStore, notifier Notifier, issuer string, metrics MetricsRecorder, logger *zap.Logger) *TwoFactorOrchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(issuer) == "" {
		issuer = DefaultAuthenticatorIssuer
	}
	return &TwoFactorOrchestrator{
		credentials: credentials,
		notifier:    notifier,
		issuer:      issuer,
		metrics:     metricsOrNoop(metrics),
		logger:      logger,
		handlers: map[TwoFactorProvider]twoFactorHandler{
			TwoFactorEmail: deliveredCodeHandler{
				credentials: credentials,
				provider:    TwoFactorEmail,
				target:      func(user User) string { return user.Email },
			},
			TwoFactorPhone: deliveredCodeHandler{
				credentials: credentials,
				provider:    TwoFactorPhone,
				target:      func(user User) string { return user.PhoneNumber },
			},
			TwoFactorAuthenticator: authenticatorHandler{credentials: credentials},
		},
	}
}

func (orchestrator *TwoFactorOrchestrator) handlerFor(provider TwoFactorProvider) (twoFactorHandler, error) {
	handler, ok := orchestrator.handlers[provider]
	if !ok {
		return nil, badRequest(messageUnsupportedProvider)
	}
	return handler, nil
}

func (orchestrator *TwoFactorOrchestrator) loadUser(ctx context.Context, userID string) (User, error) {
	user, err := orchestrator.credentials.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, notFound(messageUserNotFound)
		}
		orchestrator.logger.Error("user lookup failed", zap.String("code", "two_factor.user.lookup"), zap.String("user_id", userID), zap.Error(err))
		return User{}, internalError(genericInternalMessage)
	}
	return user, nil
}

// GenerateAuthenticatorSecret resets the user's authenticator secret and returns the enrollment URI.
func (orchestrator *TwoFactorOrchestrator) GenerateAuthenticatorSecret(ctx context.Context, userID string) (AuthenticatorSetup, error) {
	user, err := orchestrator.loadUser(ctx, userID)
	if err != nil {
		return AuthenticatorSetup{}, err
	}
	if resetErr := orchestrator.credentials.ResetAuthenticatorSecret(ctx, user); resetErr != nil {
		orchestrator.logger.Error("authenticator secret reset failed", zap.String("code", "two_factor.authenticator.reset"), zap.String("user_id", user.ID), zap.Error(resetErr))
		return AuthenticatorSetup{}, internalError(messageAuthenticatorFailure)
	}
	secret, secretErr := orchestrator.credentials.GetAuthenticatorSecret(ctx, user)
	if secretErr != nil || secret == "" {
		orchestrator.logger.Error("authenticator secret unavailable", zap.String("code", "two_factor.authenticator.read"), zap.String("user_id", user.ID), zap.Error(secretErr))
		return AuthenticatorSetup{}, internalError(messageAuthenticatorFailure)
	}
	return AuthenticatorSetup{
		SharedKey: secret,
		QRCodeURI: authenticatorURI(orchestrator.issuer, user.Email, secret),
	}, nil
}

func authenticatorURI(issuer string, account string, secret string) string {
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s&digits=%d",
		url.PathEscape(issuer),
		url.PathEscape(account),
		secret,
		url.QueryEscape(issuer),
		authenticatorCodeDigits)
}

// GenerateChallengeCode mints a code for Email and Phone. Authenticator yields an empty code.
func (orchestrator *TwoFactorOrchestrator) GenerateChallengeCode(ctx context.Context, user User, provider TwoFactorProvider) (string, error) {
	handler, err := orchestrator.handlerFor(provider)
	if err != nil {
		return "", err
	}
	code, mintErr := handler.mintCode(ctx, user)
	if mintErr != nil {
		orchestrator.logger.Error("two-factor code generation failed",
			zap.String("code", "two_factor.challenge.mint"),
			zap.String("provider", provider.String()),
			zap.String("user_id", user.ID),
			zap.Error(mintErr))
		return "", internalError("Failed to generate authentication key")
	}
	return code, nil
}

func (orchestrator *TwoFactorOrchestrator) sendChallenge(ctx context.Context, user User, provider TwoFactorProvider, purpose challengePurpose) error {
	code, err := orchestrator.GenerateChallengeCode(ctx, user, provider)
	if err != nil || code == "" {
		return err
	}
	handler, _ := orchestrator.handlerFor(provider)
	destination := handler.destination(user)
	if destination == "" {
		return badRequest("No destination is available for the " + provider.String() + " provider")
	}
	if orchestrator.notifier == nil {
		orchestrator.logger.Error("no notifier configured", zap.String("code", "two_factor.challenge.no_notifier"), zap.String("user_id", user.ID))
		return internalError(genericInternalMessage)
	}
	if sendErr := orchestrator.notifier.Send(ctx, destination, purpose.subject(), purpose.body(code)); sendErr != nil {
		orchestrator.logger.Error("two-factor code delivery failed",
			zap.String("code", "two_factor.challenge.deliver"),
			zap.String("provider", provider.String()),
			zap.String("user_id", user.ID),
			zap.Error(sendErr))
		return internalError("Failed to send two-factor authentication code")
	}
	return nil
}

// verifyWith checks key and counts rejections toward the account lockout. A locked account gets the
// same answer as a wrong key and no code is spent.
func (orchestrator *TwoFactorOrchestrator) verifyWith(ctx context.Context, user User, provider TwoFactorProvider, key string) error {
	if strings.TrimSpace(key) == "" {
		return validation(messageTwoFactorCodeRequired)
	}
	handler, err := orchestrator.handlerFor(provider)
	if err != nil {
		return err
	}
	if lockErr := orchestrator.credentials.CheckLockout(ctx, user); lockErr != nil {
		if errors.Is(lockErr, ErrAccountLocked) {
			orchestrator.logger.Warn("two-factor attempt while locked out",
				zap.String("code", "two_factor.verify.locked_out"),
				zap.String("provider", provider.String()),
				zap.String("user_id", user.ID))
			return badRequest(messageInvalidTwoFactorKey)
		}
		orchestrator.logger.Error("lockout check failed", zap.String("code", "two_factor.verify.lockout_check"), zap.String("user_id", user.ID), zap.Error(lockErr))
		return internalError(genericInternalMessage)
	}
	verified, verifyErr := handler.verify(ctx, user, strings.TrimSpace(key))
	if verifyErr != nil {
		orchestrator.logger.Error("two-factor verification failed",
			zap.String("code", "two_factor.verify.store"),
			zap.String("provider", provider.String()),
			zap.String("user_id", user.ID),
			zap.Error(verifyErr))
		return internalError(genericInternalMessage)
	}
	if !verified {
		if recordErr := orchestrator.credentials.RecordFailedAccess(ctx, user); recordErr != nil {
			orchestrator.logger.Error("failed attempt not recorded", zap.String("code", "two_factor.verify.record_failure"), zap.String("user_id", user.ID), zap.Error(recordErr))
			return internalError(genericInternalMessage)
		}
		orchestrator.logger.Warn("two-factor key rejected",
			zap.String("code", "two_factor.verify.invalid_key"),
			zap.String("provider", provider.String()),
			zap.String("user_id", user.ID))
		return badRequest(messageInvalidTwoFactorKey)
	}
	if resetErr := orchestrator.credentials.ResetFailedAccess(ctx, user); resetErr != nil {
		orchestrator.logger.Warn("failed attempt counter not reset", zap.String("code", "two_factor.verify.reset_failures"), zap.String("user_id", user.ID), zap.Error(resetErr))
	}
	return nil
}

// VerifyConfiguration checks key against the target provider and only then commits the switch. Leaving
// Authenticator clears its secret together with the provider change.
func (orchestrator *TwoFactorOrchestrator) VerifyConfiguration(ctx context.Context, userID string, provider TwoFactorProvider, key string) error {
	if provider == TwoFactorNone {
		return badRequest(messageUnsupportedProvider)
	}
	user, err := orchestrator.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if verifyErr := orchestrator.verifyWith(ctx, user, provider, key); verifyErr != nil {
		return verifyErr
	}
	previous := user.PreferredTwoFactorProvider
	user.PreferredTwoFactorProvider = provider
	user.TwoFactorEnabled = true
	if saveErr := orchestrator.credentials.SaveTwoFactor(ctx, user, provider != TwoFactorAuthenticator); saveErr != nil {
		orchestrator.logger.Error("two-factor provider commit failed", zap.String("code", "two_factor.configure.save"), zap.String("user_id", user.ID), zap.Error(saveErr))
		return internalError("Failed to enable two-factor authentication")
	}
	orchestrator.metrics.Increment(metricTwoFactorEnabled)
	orchestrator.logger.Info("two-factor provider configured",
		zap.String("code", "two_factor.configure.success"),
		zap.String("provider", provider.String()),
		zap.String("previous_provider", previous.String()),
		zap.String("user_id", user.ID))
	return nil
}

// VerifyLoginChallenge checks a login code against the user's configured provider without changing state.
func (orchestrator *TwoFactorOrchestrator) VerifyLoginChallenge(ctx context.Context, user User, provider TwoFactorProvider, key string) error {
	if !user.TwoFactorEnabled || user.PreferredTwoFactorProvider == TwoFactorNone {
		return badRequest(messageTwoFactorNotEnabled)
	}
	if provider != user.PreferredTwoFactorProvider {
		return badRequest(messageProviderMismatch)
	}
	return orchestrator.verifyWith(ctx, user, provider, key)
}

// Disable turns two-factor off and purges any authenticator secret in the same write.
func (orchestrator *TwoFactorOrchestrator) Disable(ctx context.Context, userID string) error {
	user, err := orchestrator.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	previous := user.PreferredTwoFactorProvider
	user.PreferredTwoFactorProvider = TwoFactorNone
	user.TwoFactorEnabled = false
	if saveErr := orchestrator.credentials.SaveTwoFactor(ctx, user, true); saveErr != nil {
		orchestrator.logger.Error("two-factor disable failed", zap.String("code", "two_factor.disable.save"), zap.String("user_id", user.ID), zap.Error(saveErr))
		return internalError("Failed to disable two-factor authentication")
	}
	orchestrator.metrics.Increment(metricTwoFactorDisabled)
	orchestrator.logger.Info("two-factor disabled",
		zap.String("code", "two_factor.disable.success"),
		zap.String("previous_provider", previous.String()),
		zap.String("user_id", user.ID))
	return nil
}
