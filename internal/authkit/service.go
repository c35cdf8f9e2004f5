package authkit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

const (
	messageIncorrectCredentials = "Email or password incorrect"
	messageSamePassword         = "The new password cannot to be the same as the old password"
	messageGoogleEmailTaken     = "User with this email already exists. Please login using your email and password."
	messageGoogleTokenInvalid   = "Invalid Google token"
	messageGoogleDisabled       = "Google sign-in is not configured"
	messageResetLinkSent        = "Reset password link sent successfully"
)

// LoginResult is either a completed token pair or a pending two-factor challenge.
type LoginResult struct {
	TwoFactorRequired bool
	UserID            string
	Provider          TwoFactorProvider
	Tokens            *TokenPair
}

// AuthenticationDependencies collects the collaborators of an AuthenticationOrchestrator.
type AuthenticationDependencies struct {
	Credentials     CredentialStore
	AccessTokens    *AccessTokenIssuer
	RefreshTokens   *RefreshTokenManager
	PurposeTokens   *PurposeTokenService
	TwoFactor       *TwoFactorOrchestrator
	Notifier        Notifier
	Google          GoogleTokenVerifier
	Metrics         MetricsRecorder
	Logger          *zap.Logger
	FrontendBaseURL string
}

// AuthenticationOrchestrator runs register, login, refresh, logout, and password reset flows.
type AuthenticationOrchestrator struct {
	credentials   CredentialStore
	accessTokens  *AccessTokenIssuer
	refreshTokens *RefreshTokenManager
	purposeTokens *PurposeTokenService
	twoFactor     *TwoFactorOrchestrator
	notifier      Notifier
	google        GoogleTokenVerifier
	metrics       MetricsRecorder
	logger        *zap.Logger
	links         linkBuilder
}

// NewAuthenticationOrchestrator validates that the required collaborators are present.
func NewAuthenticationOrchestrator(dependencies AuthenticationDependencies) (*AuthenticationOrchestrator, error) {
	switch {
	case dependencies.Credentials == nil:
		return nil, errors.New("auth.config: credential store is required")
	case dependencies.AccessTokens == nil:
		return nil, errors.New("auth.config: access token issuer is required")
	case dependencies.RefreshTokens == nil:
		return nil, errors.New("auth.config: refresh token manager is required")
	case dependencies.PurposeTokens == nil:
		return nil, errors.New("auth.config: purpose token service is required")
	case dependencies.TwoFactor == nil:
		return nil, errors.New("auth.config: two-factor orchestrator is required")
	case dependencies.Notifier == nil:
		return nil, errors.New("auth.config: notifier is required")
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthenticationOrchestrator{
		credentials:   dependencies.Credentials,
		accessTokens:  dependencies.AccessTokens,
		refreshTokens: dependencies.RefreshTokens,
		purposeTokens: dependencies.PurposeTokens,
		twoFactor:     dependencies.TwoFactor,
		notifier:      dependencies.Notifier,
		google:        dependencies.Google,
		metrics:       metricsOrNoop(dependencies.Metrics),
		logger:        logger,
		links:         newLinkBuilder(dependencies.FrontendBaseURL),
	}, nil
}

// Register creates an account. It does not sign the user in.
func (orchestrator *AuthenticationOrchestrator) Register(ctx context.Context, input RegisterInput) (User, error) {
	if err := validateRegisterInput(input); err != nil {
		orchestrator.logger.Info("registration rejected", zap.String("code", "auth.register.validation"), zap.String("email", input.Email))
		return User{}, err
	}
	user := User{
		Email:       normalizeEmail(input.Email),
		FirstName:   strings.TrimSpace(input.FirstName),
		LastName:    strings.TrimSpace(input.LastName),
		PhoneNumber: strings.TrimSpace(input.PhoneNumber),
	}
	created, err := orchestrator.credentials.Create(ctx, user, input.Password)
	if err != nil {
		return User{}, orchestrator.mapCreateError(err, user.Email, "auth.register")
	}
	orchestrator.metrics.Increment(metricRegisterSuccess)
	orchestrator.logger.Info("user registered", zap.String("code", "auth.register.success"), zap.String("user_id", created.ID))
	return created, nil
}

// mapCreateError collapses the duplicate user name artifact into the duplicate email error.
func (orchestrator *AuthenticationOrchestrator) mapCreateError(err error, email string, code string) error {
	var identityErrors IdentityErrors
	if errors.As(err, &identityErrors) {
		messages := make([]string, 0, len(identityErrors))
		duplicate := false
		for _, identityErr := range identityErrors {
			switch identityErr.Code {
			case identityCodeDuplicateUserName:
				continue
			case identityCodeDuplicateEmail:
				duplicate = true
			}
			messages = append(messages, identityErr.Description)
		}
		if duplicate {
			return badRequest(messages...)
		}
		return validation(messages...)
	}
	if errors.Is(err, ErrDuplicateEmail) {
		return badRequest("Email '" + email + "' is already taken.")
	}
	orchestrator.logger.Error("user creation failed", zap.String("code", code+".store"), zap.Error(err))
	return internalError(genericInternalMessage)
}

// Login verifies credentials and either issues tokens or starts a two-factor challenge.
func (orchestrator *AuthenticationOrchestrator) Login(ctx context.Context, input LoginInput) (LoginResult, error) {
	if err := validateLoginInput(input); err != nil {
		return LoginResult{}, err
	}
	user, err := orchestrator.credentials.FindByEmail(ctx, normalizeEmail(input.Email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			orchestrator.metrics.Increment(metricLoginFailure)
			orchestrator.logger.Info("login rejected", zap.String("code", "auth.login.invalid_credentials"))
			return LoginResult{}, badRequest(messageIncorrectCredentials)
		}
		orchestrator.logger.Error("user lookup failed", zap.String("code", "auth.login.lookup"), zap.Error(err))
		return LoginResult{}, internalError(genericInternalMessage)
	}
	if signInErr := orchestrator.credentials.PasswordSignIn(ctx, user, input.Password); signInErr != nil {
		if errors.Is(signInErr, ErrInvalidPassword) || errors.Is(signInErr, ErrAccountLocked) {
			orchestrator.metrics.Increment(metricLoginFailure)
			orchestrator.logger.Info("login rejected",
				zap.String("code", "auth.login.invalid_credentials"),
				zap.String("user_id", user.ID),
				zap.Bool("locked_out", errors.Is(signInErr, ErrAccountLocked)))
			return LoginResult{}, badRequest(messageIncorrectCredentials)
		}
		orchestrator.logger.Error("password sign-in failed", zap.String("code", "auth.login.store"), zap.String("user_id", user.ID), zap.Error(signInErr))
		return LoginResult{}, internalError(genericInternalMessage)
	}

	if user.TwoFactorEnabled && user.PreferredTwoFactorProvider != TwoFactorNone {
		provider := user.PreferredTwoFactorProvider
		if challengeErr := orchestrator.twoFactor.sendChallenge(ctx, user, provider, challengeLogin); challengeErr != nil {
			return LoginResult{}, challengeErr
		}
		orchestrator.metrics.Increment(metricLoginChallenge)
		orchestrator.logger.Info("two-factor challenge issued",
			zap.String("code", "auth.login.two_factor_required"),
			zap.String("provider", provider.String()),
			zap.String("user_id", user.ID))
		return LoginResult{TwoFactorRequired: true, UserID: user.ID, Provider: provider}, nil
	}

	tokens, err := orchestrator.issueTokens(ctx, user)
	if err != nil {
		return LoginResult{}, err
	}
	orchestrator.metrics.Increment(metricLoginSuccess)
	orchestrator.logger.Info("login succeeded", zap.String("code", "auth.login.success"), zap.String("user_id", user.ID))
	return LoginResult{UserID: user.ID, Tokens: &tokens}, nil
}

// CompleteTwoFactorLogin verifies the challenge answer and issues tokens.
func (orchestrator *AuthenticationOrchestrator) CompleteTwoFactorLogin(ctx context.Context, userID string, provider TwoFactorProvider, key string) (TokenPair, error) {
	user, err := orchestrator.twoFactor.loadUser(ctx, userID)
	if err != nil {
		return TokenPair{}, err
	}
	if verifyErr := orchestrator.twoFactor.VerifyLoginChallenge(ctx, user, provider, key); verifyErr != nil {
		orchestrator.metrics.Increment(metricLoginFailure)
		return TokenPair{}, verifyErr
	}
	tokens, err := orchestrator.issueTokens(ctx, user)
	if err != nil {
		return TokenPair{}, err
	}
	orchestrator.metrics.Increment(metricLoginSuccess)
	orchestrator.logger.Info("two-factor login succeeded", zap.String("code", "auth.login.two_factor.success"), zap.String("user_id", user.ID))
	return tokens, nil
}

// LoginWithGoogle signs in with a Google ID token, creating the account on first use.
func (orchestrator *AuthenticationOrchestrator) LoginWithGoogle(ctx context.Context, rawToken string) (TokenPair, error) {
	if orchestrator.google == nil {
		return TokenPair{}, badRequest(messageGoogleDisabled)
	}
	if strings.TrimSpace(rawToken) == "" {
		return TokenPair{}, validation("Google token is required.")
	}
	identity, err := orchestrator.google.Verify(ctx, rawToken)
	if err != nil {
		orchestrator.logger.Info("google token rejected", zap.String("code", "auth.google.invalid_token"), zap.Error(err))
		return TokenPair{}, unauthorized(messageGoogleTokenInvalid)
	}
	user, err := orchestrator.credentials.FindByExternalLogin(ctx, ExternalProviderGoogle, identity.Subject)
	if err != nil {
		if !errors.Is(err, ErrExternalLoginNotFound) {
			orchestrator.logger.Error("external login lookup failed", zap.String("code", "auth.google.lookup"), zap.Error(err))
			return TokenPair{}, internalError(genericInternalMessage)
		}
		user, err = orchestrator.createGoogleUser(ctx, identity)
		if err != nil {
			return TokenPair{}, err
		}
	}
	tokens, err := orchestrator.issueTokens(ctx, user)
	if err != nil {
		return TokenPair{}, err
	}
	orchestrator.metrics.Increment(metricGoogleLoginSuccess)
	orchestrator.logger.Info("google login succeeded", zap.String("code", "auth.google.success"), zap.String("user_id", user.ID))
	return tokens, nil
}

func (orchestrator *AuthenticationOrchestrator) createGoogleUser(ctx context.Context, identity GoogleIdentity) (User, error) {
	email := normalizeEmail(identity.Email)
	exists, err := orchestrator.credentials.ExistsByEmail(ctx, email)
	if err != nil {
		orchestrator.logger.Error("email lookup failed", zap.String("code", "auth.google.exists"), zap.Error(err))
		return User{}, internalError(genericInternalMessage)
	}
	if exists {
		return User{}, badRequest(messageGoogleEmailTaken)
	}
	confirmed := true
	created, err := orchestrator.credentials.CreateExternal(ctx, User{
		Email:            email,
		FirstName:        identity.GivenName,
		LastName:         identity.FamilyName,
		EmailConfirmed:   &confirmed,
		ExternalProvider: ExternalProviderGoogle,
		ExternalSubject:  identity.Subject,
	})
	if err != nil {
		return User{}, orchestrator.mapCreateError(err, email, "auth.google.create")
	}
	orchestrator.metrics.Increment(metricRegisterSuccess)
	return created, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token and a rotated refresh token.
func (orchestrator *AuthenticationOrchestrator) RefreshAccessToken(ctx context.Context, refreshValue string) (TokenPair, error) {
	current, err := orchestrator.refreshTokens.Lookup(ctx, refreshValue)
	if err != nil {
		orchestrator.metrics.Increment(metricRefreshFailure)
		return TokenPair{}, err
	}
	if validateErr := orchestrator.refreshTokens.Validate(current); validateErr != nil {
		orchestrator.metrics.Increment(metricRefreshFailure)
		return TokenPair{}, validateErr
	}
	user, err := orchestrator.credentials.FindByID(ctx, current.UserID)
	if err != nil {
		orchestrator.metrics.Increment(metricRefreshFailure)
		if errors.Is(err, ErrUserNotFound) {
			return TokenPair{}, notFound(messageUserNotFound)
		}
		orchestrator.logger.Error("user lookup failed", zap.String("code", "auth.refresh.lookup"), zap.String("user_id", current.UserID), zap.Error(err))
		return TokenPair{}, internalError(genericInternalMessage)
	}
	rotated, err := orchestrator.refreshTokens.Rotate(ctx, current)
	if err != nil {
		orchestrator.metrics.Increment(metricRefreshFailure)
		if KindOf(err) == KindUnauthorized {
			orchestrator.metrics.Increment(metricRefreshReplay)
		}
		return TokenPair{}, err
	}
	accessToken, err := orchestrator.accessTokens.Issue(user)
	if err != nil {
		orchestrator.logger.Error("access token issue failed", zap.String("code", "auth.refresh.issue"), zap.String("user_id", user.ID), zap.Error(err))
		return TokenPair{}, internalError(genericInternalMessage)
	}
	orchestrator.metrics.Increment(metricRefreshSuccess)
	return TokenPair{
		AccessToken:           accessToken,
		RefreshToken:          rotated.Token,
		RefreshTokenExpiresAt: rotated.ExpiresAt,
	}, nil
}

// Logout revokes the refresh token. Unknown tokens succeed.
func (orchestrator *AuthenticationOrchestrator) Logout(ctx context.Context, refreshValue string) error {
	if err := orchestrator.refreshTokens.Revoke(ctx, refreshValue); err != nil {
		return err
	}
	orchestrator.metrics.Increment(metricLogout)
	return nil
}

// SendPasswordResetLink mails a reset link. The result does not reveal whether the email is registered.
func (orchestrator *AuthenticationOrchestrator) SendPasswordResetLink(ctx context.Context, email string) (string, error) {
	if err := validateEmailAddress(email); err != nil {
		return "", err
	}
	user, err := orchestrator.credentials.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			orchestrator.logger.Info("password reset requested for unknown email", zap.String("code", "auth.password_reset.unknown_email"))
			return messageResetLinkSent, nil
		}
		orchestrator.logger.Error("user lookup failed", zap.String("code", "auth.password_reset.lookup"), zap.Error(err))
		return "", internalError(genericInternalMessage)
	}
	token, err := orchestrator.purposeTokens.Generate(ctx, user, PurposePasswordReset, "")
	if err != nil {
		return "", err
	}
	link := orchestrator.links.resetPassword(token)
	if sendErr := orchestrator.notifier.Send(ctx, user.Email, "Reset Password", link); sendErr != nil {
		orchestrator.logger.Error("reset link delivery failed", zap.String("code", "auth.password_reset.deliver"), zap.String("user_id", user.ID), zap.Error(sendErr))
		return "", internalError("Failed to send reset password link")
	}
	orchestrator.logger.Info("reset link sent", zap.String("code", "auth.password_reset.sent"), zap.String("user_id", user.ID))
	return messageResetLinkSent, nil
}

// ResetPassword consumes a reset token, sets the new password, and ends every session of the user.
func (orchestrator *AuthenticationOrchestrator) ResetPassword(ctx context.Context, input ResetPasswordInput) error {
	if err := validateResetPasswordInput(input); err != nil {
		return err
	}
	user, err := orchestrator.twoFactor.loadUser(ctx, input.UserID)
	if err != nil {
		return err
	}
	// The password comparison is only reachable with a live reset token, and does not spend it.
	if checkErr := orchestrator.purposeTokens.Check(ctx, user, PurposePasswordReset, input.Token, ""); checkErr != nil {
		return checkErr
	}
	samePassword, err := orchestrator.credentials.VerifyPassword(ctx, user, input.NewPassword)
	if err != nil {
		orchestrator.logger.Error("password comparison failed", zap.String("code", "auth.password_reset.compare"), zap.String("user_id", user.ID), zap.Error(err))
		return internalError(genericInternalMessage)
	}
	if samePassword {
		return badRequest(messageSamePassword)
	}
	if verifyErr := orchestrator.purposeTokens.Verify(ctx, user, PurposePasswordReset, input.Token, ""); verifyErr != nil {
		return verifyErr
	}
	if setErr := orchestrator.credentials.SetPassword(ctx, user, input.NewPassword); setErr != nil {
		var identityErrors IdentityErrors
		if errors.As(setErr, &identityErrors) {
			return orchestrator.mapCreateError(setErr, user.Email, "auth.password_reset")
		}
		orchestrator.logger.Error("password update failed", zap.String("code", "auth.password_reset.store"), zap.String("user_id", user.ID), zap.Error(setErr))
		return internalError(genericInternalMessage)
	}
	if revokeErr := orchestrator.refreshTokens.RevokeAllForUser(ctx, user.ID); revokeErr != nil {
		return revokeErr
	}
	orchestrator.metrics.Increment(metricPasswordReset)
	orchestrator.logger.Info("password reset", zap.String("code", "auth.password_reset.success"), zap.String("user_id", user.ID))
	return nil
}

func (orchestrator *AuthenticationOrchestrator) issueTokens(ctx context.Context, user User) (TokenPair, error) {
	accessToken, err := orchestrator.accessTokens.Issue(user)
	if err != nil {
		orchestrator.logger.Error("access token issue failed", zap.String("code", "auth.tokens.issue"), zap.String("user_id", user.ID), zap.Error(err))
		return TokenPair{}, internalError(genericInternalMessage)
	}
	refreshToken, err := orchestrator.refreshTokens.Create(ctx, user.ID)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:           accessToken,
		RefreshToken:          refreshToken.Token,
		RefreshTokenExpiresAt: refreshToken.ExpiresAt,
	}, nil
}
