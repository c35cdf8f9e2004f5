package authkit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Profile is the account view returned to the signed-in user.
type Profile struct {
	ID                         string `json:"id"`
	Email                      string `json:"email"`
	FirstName                  string `json:"firstName"`
	LastName                   string `json:"lastName"`
	PhoneNumber                string `json:"phoneNumber"`
	EmailConfirmed             *bool  `json:"emailConfirmed"`
	PhoneNumberConfirmed       *bool  `json:"phoneNumberConfirmed"`
	TwoFactorEnabled           bool   `json:"twoFactorEnabled"`
	PreferredTwoFactorProvider string `json:"preferred2FAProvider"`
}

func profileOf(user User) Profile {
	return Profile{
		ID:                         user.ID,
		Email:                      user.Email,
		FirstName:                  user.FirstName,
		LastName:                   user.LastName,
		PhoneNumber:                user.PhoneNumber,
		EmailConfirmed:             user.EmailConfirmed,
		PhoneNumberConfirmed:       user.PhoneConfirmed,
		TwoFactorEnabled:           user.TwoFactorEnabled,
		PreferredTwoFactorProvider: user.PreferredTwoFactorProvider.String(),
	}
}

// TwoFactorConfiguration is the first step of switching providers.
type TwoFactorConfiguration struct {
	Provider  string `json:"provider"`
	SharedKey string `json:"sharedKey,omitempty"`
	QRCodeURI string `json:"qrCodeUri,omitempty"`
}

// Session describes one active refresh token without its value.
type Session struct {
	CreatedAt time.Time `json:"created"`
	ExpiresAt time.Time `json:"expires"`
}

// AccountService serves the signed-in user's profile, email, and two-factor settings.
type AccountService struct {
	credentials   CredentialStore
	purposeTokens *PurposeTokenService
	twoFactor     *TwoFactorOrchestrator
	refreshTokens *RefreshTokenManager
	notifier      Notifier
	logger        *zap.Logger
	links         linkBuilder
}

// NewAccountService reuses the collaborators of the authentication orchestrator.
func NewAccountService(dependencies AuthenticationDependencies) (*AccountService, error) {
	if dependencies.Credentials == nil || dependencies.PurposeTokens == nil || dependencies.TwoFactor == nil ||
		dependencies.RefreshTokens == nil || dependencies.Notifier == nil {
		return nil, errors.New("account.config: credential store, purpose tokens, two-factor, refresh tokens, and notifier are required")
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountService{
		credentials:   dependencies.Credentials,
		purposeTokens: dependencies.PurposeTokens,
		twoFactor:     dependencies.TwoFactor,
		refreshTokens: dependencies.RefreshTokens,
		notifier:      dependencies.Notifier,
		logger:        logger,
		links:         newLinkBuilder(dependencies.FrontendBaseURL),
	}, nil
}

// GetProfile returns the account view.
func (service *AccountService) GetProfile(ctx context.Context, userID string) (Profile, error) {
	user, err := service.twoFactor.loadUser(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	return profileOf(user), nil
}

// UpdateProfile edits names and phone. A changed phone number must be confirmed again.
func (service *AccountService) UpdateProfile(ctx context.Context, userID string, input ProfileInput) (Profile, error) {
	user, err := service.twoFactor.loadUser(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if validateErr := validateProfileInput(input); validateErr != nil {
		service.logger.Info("profile update rejected", zap.String("code", "account.profile.validation"), zap.String("user_id", userID))
		return Profile{}, validateErr
	}
	user.FirstName = strings.TrimSpace(input.FirstName)
	user.LastName = strings.TrimSpace(input.LastName)
	phoneNumber := strings.TrimSpace(input.PhoneNumber)
	if phoneNumber != user.PhoneNumber {
		user.PhoneNumber = phoneNumber
		user.PhoneConfirmed = nil
	}
	if updateErr := service.credentials.Update(ctx, user); updateErr != nil {
		return Profile{}, service.mapUpdateError(updateErr, user, "account.profile")
	}
	return profileOf(user), nil
}

func (service *AccountService) mapUpdateError(err error, user User, code string) error {
	var identityErrors IdentityErrors
	if errors.As(err, &identityErrors) {
		messages := make([]string, 0, len(identityErrors))
		for _, identityErr := range identityErrors {
			if identityErr.Code == identityCodeDuplicateUserName {
				continue
			}
			messages = append(messages, identityErr.Description)
		}
		return badRequest(messages...)
	}
	if errors.Is(err, ErrDuplicateEmail) {
		return badRequest("This email has been registered")
	}
	service.logger.Error("user update failed", zap.String("code", code+".store"), zap.String("user_id", user.ID), zap.Error(err))
	return internalError(genericInternalMessage)
}

// SendEmailConfirmationLink mails a confirmation link to the registered, unconfirmed email.
func (service *AccountService) SendEmailConfirmationLink(ctx context.Context, userID string, email string) error {
	user, err := service.twoFactor.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if normalizeEmail(email) != normalizeEmail(user.Email) {
		service.logger.Warn("confirmation requested for a different email", zap.String("code", "account.confirm_email.mismatch"), zap.String("user_id", userID))
		return badRequest("This email is not your registered email")
	}
	if user.IsEmailConfirmed() {
		return badRequest("Email already confirmed")
	}
	token, err := service.purposeTokens.Generate(ctx, user, PurposeEmailConfirmation, "")
	if err != nil {
		return err
	}
	if sendErr := service.notifier.Send(ctx, user.Email, "Confirm your email", service.links.confirmEmail(token)); sendErr != nil {
		service.logger.Error("confirmation link delivery failed", zap.String("code", "account.confirm_email.deliver"), zap.String("user_id", userID), zap.Error(sendErr))
		return internalError("Failed to send email confirmation link")
	}
	return nil
}

// ConfirmEmail consumes an EmailConfirmation token and marks the email confirmed.
func (service *AccountService) ConfirmEmail(ctx context.Context, userID string, token string) error {
	user, err := service.twoFactor.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.IsEmailConfirmed() {
		return badRequest("Email already confirmed")
	}
	if verifyErr := service.purposeTokens.Verify(ctx, user, PurposeEmailConfirmation, token, ""); verifyErr != nil {
		return verifyErr
	}
	confirmed := true
	user.EmailConfirmed = &confirmed
	if updateErr := service.credentials.Update(ctx, user); updateErr != nil {
		return service.mapUpdateError(updateErr, user, "account.confirm_email")
	}
	service.logger.Info("email confirmed", zap.String("code", "account.confirm_email.success"), zap.String("user_id", userID))
	return nil
}

// SendChangeEmailLink mails a link bound to newEmail to that new address.
func (service *AccountService) SendChangeEmailLink(ctx context.Context, userID string, newEmail string) error {
	if err := validateEmailAddress(newEmail); err != nil {
		return err
	}
	user, err := service.twoFactor.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	normalized := normalizeEmail(newEmail)
	if normalized == normalizeEmail(user.Email) {
		return badRequest("This email is the same as your email")
	}
	if availabilityErr := service.ensureEmailAvailable(ctx, normalized); availabilityErr != nil {
		return availabilityErr
	}
	token, err := service.purposeTokens.Generate(ctx, user, PurposeChangeEmail, normalized)
	if err != nil {
		return err
	}
	if sendErr := service.notifier.Send(ctx, normalized, "Change your email", service.links.changeEmail(token, normalized)); sendErr != nil {
		service.logger.Error("change email link delivery failed", zap.String("code", "account.change_email.deliver"), zap.String("user_id", userID), zap.Error(sendErr))
		return internalError("Failed to send change email link")
	}
	return nil
}

func (service *AccountService) ensureEmailAvailable(ctx context.Context, email string) error {
	exists, err := service.credentials.ExistsByEmail(ctx, email)
	if err != nil {
		service.logger.Error("email lookup failed", zap.String("code", "account.change_email.exists"), zap.Error(err))
		return internalError(genericInternalMessage)
	}
	if exists {
		return badRequest("This email has been registered")
	}
	return nil
}

// ChangeEmail verifies the token for exactly newEmail and commits it as a confirmed address.
func (service *AccountService) ChangeEmail(ctx context.Context, userID string, newEmail string, token string) error {
	if err := validateEmailAddress(newEmail); err != nil {
		return err
	}
	user, err := service.twoFactor.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	normalized := normalizeEmail(newEmail)
	if verifyErr := service.purposeTokens.Verify(ctx, user, PurposeChangeEmail, token, normalized); verifyErr != nil {
		return verifyErr
	}
	if availabilityErr := service.ensureEmailAvailable(ctx, normalized); availabilityErr != nil {
		return availabilityErr
	}
	confirmed := true
	user.Email = normalized
	user.EmailConfirmed = &confirmed
	if updateErr := service.credentials.Update(ctx, user); updateErr != nil {
		return service.mapUpdateError(updateErr, user, "account.change_email")
	}
	service.logger.Info("email changed", zap.String("code", "account.change_email.success"), zap.String("user_id", userID))
	return nil
}

// ConfigureTwoFactor starts a provider switch. None disables two-factor immediately.
func (service *AccountService) ConfigureTwoFactor(ctx context.Context, userID string, provider TwoFactorProvider) (TwoFactorConfiguration, error) {
	user, err := service.twoFactor.loadUser(ctx, userID)
	if err != nil {
		return TwoFactorConfiguration{}, err
	}
	configuration := TwoFactorConfiguration{Provider: provider.String()}
	switch provider {
	case TwoFactorNone:
		if user.PreferredTwoFactorProvider == TwoFactorNone {
			return TwoFactorConfiguration{}, badRequest("Two-factor authentication is already disabled.")
		}
		return configuration, service.twoFactor.Disable(ctx, userID)
	case TwoFactorAuthenticator:
		if user.PreferredTwoFactorProvider == TwoFactorAuthenticator {
			return TwoFactorConfiguration{}, badRequest("Authenticator app is already set as the preferred two-factor authentication method.")
		}
		setup, setupErr := service.twoFactor.GenerateAuthenticatorSecret(ctx, userID)
		if setupErr != nil {
			return TwoFactorConfiguration{}, setupErr
		}
		configuration.SharedKey = setup.SharedKey
		configuration.QRCodeURI = setup.QRCodeURI
		return configuration, nil
	case TwoFactorEmail:
		if user.PreferredTwoFactorProvider == TwoFactorEmail {
			return TwoFactorConfiguration{}, badRequest("Email is already set as the preferred two-factor authentication method.")
		}
		if !user.IsEmailConfirmed() {
			return TwoFactorConfiguration{}, badRequest("Email not confirmed. Please confirm your email before setting up two-factor authentication.")
		}
	case TwoFactorPhone:
		if user.PreferredTwoFactorProvider == TwoFactorPhone {
			return TwoFactorConfiguration{}, badRequest("Phone is already set as the preferred two-factor authentication method.")
		}
		if !user.IsPhoneConfirmed() {
			return TwoFactorConfiguration{}, badRequest("Phone number not confirmed. Please confirm your phone number before setting up two-factor authentication.")
		}
	default:
		return TwoFactorConfiguration{}, badRequest(messageUnsupportedProvider)
	}
	if sendErr := service.twoFactor.sendChallenge(ctx, user, provider, challengeConfiguration); sendErr != nil {
		return TwoFactorConfiguration{}, sendErr
	}
	return configuration, nil
}

// VerifyTwoFactorConfiguration completes a provider switch started by ConfigureTwoFactor.
func (service *AccountService) VerifyTwoFactorConfiguration(ctx context.Context, userID string, provider TwoFactorProvider, key string) error {
	return service.twoFactor.VerifyConfiguration(ctx, userID, provider, key)
}

// ListSessions returns the user's active refresh token records, newest first.
func (service *AccountService) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	tokens, err := service.refreshTokens.ActiveSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(tokens))
	for _, token := range tokens {
		sessions = append(sessions, Session{CreatedAt: token.CreatedAt, ExpiresAt: token.ExpiresAt})
	}
	return sessions, nil
}

// RevokeAllSessions signs the user out everywhere.
func (service *AccountService) RevokeAllSessions(ctx context.Context, userID string) error {
	return service.refreshTokens.RevokeAllForUser(ctx, userID)
}
