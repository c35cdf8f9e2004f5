package authkit

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/unifyauth/internal/web"
	"github.com/tyemirov/unifyauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	refreshCookiePath = "/api/auth"

	messageInvalidRequestBody = "Invalid request body."
	messageHTTPSRequired      = "HTTPS is required"
	messagePasswordReset      = "Password reset successfully."
	messageProfileUpdated     = "Profile updated successfully"
	messageEmailConfirmed     = "Email confirmed successfully"
	messageEmailChanged       = "Email changed successfully"
	messageLinkSent           = "Link sent successfully"
	messageTwoFactorUpdated   = "Two-factor authentication updated successfully"
	messageRegistered         = "User registered successfully"
)

// RouteDependencies collects what the HTTP layer needs.
type RouteDependencies struct {
	Authentication *AuthenticationOrchestrator
	Account        *AccountService
	Validator      *sessionvalidator.Validator
	Configuration  ServerConfig
	Logger         *zap.Logger
}

type routeHandlers struct {
	authentication *AuthenticationOrchestrator
	account        *AccountService
	configuration  ServerConfig
	logger         *zap.Logger
}

type errorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
	TraceID string   `json:"traceId,omitempty"`
}

type loginResponse struct {
	UserID              string       `json:"userId"`
	IsTwoFactorRequired bool         `json:"isTwoFactorRequired"`
	Provider            string       `json:"provider,omitempty"`
	AccessToken         *AccessToken `json:"accessToken,omitempty"`
}

type tokenResponse struct {
	AccessToken AccessToken `json:"accessToken"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type verifyTwoFactorRequest struct {
	UserID   string `json:"userId"`
	Provider string `json:"provider"`
	Code     string `json:"code"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type googleLoginRequest struct {
	IDToken string `json:"idToken"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type providerRequest struct {
	Provider string `json:"provider"`
}

type providerCodeRequest struct {
	Provider string `json:"provider"`
	Code     string `json:"code"`
}

type newEmailRequest struct {
	NewEmail string `json:"newEmail"`
}

type changeEmailRequest struct {
	NewEmail string `json:"newEmail"`
	Token    string `json:"token"`
}

// MountAuthRoutes registers /api/auth and the bearer-protected /api/account endpoints.
func MountAuthRoutes(router gin.IRouter, dependencies RouteDependencies) error {
	switch {
	case dependencies.Authentication == nil:
		return errors.New("routes.config: authentication orchestrator is required")
	case dependencies.Account == nil:
		return errors.New("routes.config: account service is required")
	case dependencies.Validator == nil:
		return errors.New("routes.config: access token validator is required")
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handlers := &routeHandlers{
		authentication: dependencies.Authentication,
		account:        dependencies.Account,
		configuration:  dependencies.Configuration,
		logger:         logger,
	}

	auth := router.Group("/api/auth")
	auth.POST("/register", handlers.register)
	auth.POST("/login", handlers.login)
	auth.POST("/verify-two-factor", handlers.verifyTwoFactor)
	auth.POST("/google", handlers.googleLogin)
	auth.POST("/refresh-token", handlers.refreshToken)
	auth.GET("/has-refresh-cookie", handlers.hasRefreshCookie)
	auth.POST("/logout", handlers.logout)
	auth.POST("/send-reset-password-link", handlers.sendResetPasswordLink)
	auth.POST("/reset-password", handlers.resetPassword)

	account := router.Group("/api/account", RequireAccessToken(dependencies.Validator))
	account.GET("/profile", handlers.profile)
	account.PUT("/edit-profile", handlers.editProfile)
	account.POST("/send-email-confirmation-link", handlers.sendEmailConfirmationLink)
	account.POST("/confirm-email", handlers.confirmEmail)
	account.POST("/send-change-email-link", handlers.sendChangeEmailLink)
	account.POST("/change-email", handlers.changeEmail)
	account.POST("/configure-two-factor", handlers.configureTwoFactor)
	account.POST("/verify-two-factor-configuration", handlers.verifyTwoFactorConfiguration)
	account.GET("/sessions", handlers.sessions)
	account.DELETE("/sessions", handlers.revokeSessions)
	return nil
}

func statusFor(kind ErrorKind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConcurrencyFailure:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(contextGin *gin.Context, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = internalError(genericInternalMessage)
	}
	messages := appErr.Messages
	if messages == nil {
		messages = []string{}
	}
	contextGin.JSON(statusFor(appErr.Kind), errorResponse{
		Error:   appErr.Kind.String(),
		Message: appErr.Message(),
		Errors:  messages,
		TraceID: web.RequestIDFrom(contextGin),
	})
}

func (handlers *routeHandlers) fail(contextGin *gin.Context, code string, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		handlers.logger.Error("unclassified failure",
			zap.String("code", code),
			zap.String("request_id", web.RequestIDFrom(contextGin)),
			zap.Error(err))
	}
	writeError(contextGin, err)
}

func bindJSON(contextGin *gin.Context, target interface{}) bool {
	if err := contextGin.ShouldBindJSON(target); err != nil {
		writeError(contextGin, validation(messageInvalidRequestBody))
		return false
	}
	return true
}

func parseProvider(value string) (TwoFactorProvider, error) {
	provider, ok := ParseTwoFactorProvider(value)
	if !ok {
		return TwoFactorNone, badRequest(messageUnsupportedProvider)
	}
	return provider, nil
}

func (handlers *routeHandlers) register(contextGin *gin.Context) {
	var request RegisterInput
	if !bindJSON(contextGin, &request) {
		return
	}
	user, err := handlers.authentication.Register(contextGin.Request.Context(), request)
	if err != nil {
		handlers.fail(contextGin, "http.auth.register", err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"message": messageRegistered, "userId": user.ID})
}

func (handlers *routeHandlers) login(contextGin *gin.Context) {
	var request LoginInput
	if !bindJSON(contextGin, &request) {
		return
	}
	result, err := handlers.authentication.Login(contextGin.Request.Context(), request)
	if err != nil {
		handlers.fail(contextGin, "http.auth.login", err)
		return
	}
	if result.TwoFactorRequired {
		contextGin.JSON(http.StatusOK, loginResponse{
			UserID:              result.UserID,
			IsTwoFactorRequired: true,
			Provider:            result.Provider.String(),
		})
		return
	}
	handlers.writeRefreshCookie(contextGin, *result.Tokens)
	contextGin.JSON(http.StatusOK, loginResponse{UserID: result.UserID, AccessToken: &result.Tokens.AccessToken})
}

func (handlers *routeHandlers) verifyTwoFactor(contextGin *gin.Context) {
	var request verifyTwoFactorRequest
	if !bindJSON(contextGin, &request) {
		return
	}
	provider, err := parseProvider(request.Provider)
	if err != nil {
		writeError(contextGin, err)
		return
	}
	tokens, err := handlers.authentication.CompleteTwoFactorLogin(contextGin.Request.Context(), request.UserID, provider, request.Code)
	if err != nil {
		handlers.fail(contextGin, "http.auth.verify_two_factor", err)
		return
	}
	handlers.writeTokens(contextGin, tokens)
}

func (handlers *routeHandlers) googleLogin(contextGin *gin.Context) {
	if !handlers.configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		writeError(contextGin, badRequest(messageHTTPSRequired))
		return
	}
	var request googleLoginRequest
	if !bindJSON(contextGin, &request) {
		return
	}
	tokens, err := handlers.authentication.LoginWithGoogle(contextGin.Request.Context(), request.IDToken)
	if err != nil {
		handlers.fail(contextGin, "http.auth.google", err)
		return
	}
	handlers.writeTokens(contextGin, tokens)
}

func (handlers *routeHandlers) refreshToken(contextGin *gin.Context) {
	tokens, err := handlers.authentication.RefreshAccessToken(contextGin.Request.Context(), handlers.refreshCookieValue(contextGin))
	if err != nil {
		if KindOf(err) == KindUnauthorized {
			handlers.clearRefreshCookie(contextGin)
		}
		handlers.fail(contextGin, "http.auth.refresh", err)
		return
	}
	handlers.writeTokens(contextGin, tokens)
}

func (handlers *routeHandlers) hasRefreshCookie(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, gin.H{"hasRefreshCookie": handlers.refreshCookieValue(contextGin) != ""})
}

func (handlers *routeHandlers) logout(contextGin *gin.Context) {
	if err := handlers.authentication.Logout(contextGin.Request.Context(), handlers.refreshCookieValue(contextGin)); err != nil {
		handlers.fail(contextGin, "http.auth.logout", err)
		return
	}
	handlers.clearRefreshCookie(contextGin)
	contextGin.Status(http.StatusNoContent)
}

func (handlers *routeHandlers) sendResetPasswordLink(contextGin *gin.Context) {
	var request emailRequest
	if !bindJSON(contextGin, &request) {
		return
	}
	message, err := handlers.authentication.SendPasswordResetLink(contextGin.Request.Context(), request.Email)
	if err != nil {
		handlers.fail(contextGin, "http.auth.send_reset_link", err)
		return
	}
	contextGin.JSON(http.StatusOK, messageResponse{Message: message})
}

func (handlers *routeHandlers) resetPassword(contextGin *gin.Context) {
	var request ResetPasswordInput
	if !bindJSON(contextGin, &request) {
		return
	}
	if err := handlers.authentication.ResetPassword(contextGin.Request.Context(), request); err != nil {
		handlers.fail(contextGin, "http.auth.reset_password", err)
		return
	}
	contextGin.JSON(http.StatusOK, messageResponse{Message: messagePasswordReset})
}

func (handlers *routeHandlers) profile(contextGin *gin.Context) {
	profile, err := handlers.account.GetProfile(contextGin.Request.Context(), authenticatedUserID(contextGin))
	if err != nil {
		handlers.fail(contextGin, "http.account.profile", err)
		return
	}
	contextGin.JSON(http.StatusOK, profile)
}

func (handlers *routeHandlers) editProfile(contextGin *gin.Context) {
	var request ProfileInput
	if !bindJSON(contextGin, &request) {
		return
	}
	profile, err := handlers.account.UpdateProfile(contextGin.Request.Context(), authenticatedUserID(contextGin), request)
	if err != nil {
		handlers.fail(contextGin, "http.account.edit_profile", err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"message": messageProfileUpdated, "profile": profile})
}

func (handlers *routeHandlers) sendEmailConfirmationLink(contextGin *gin.Context) {
	var request emailRequest
	if !bindJSON(contextGin, &request) {
		return
	}
	if err := handlers.account.SendEmailConfirmationLink(contextGin.Request.Context(), authenticatedUserID(contextGin), request.Email); err != nil {
		handlers.fail(contextGin, "http.account.send_confirmation_link", err)
		return
	}
	contextGin.JSON(http.StatusOK, messageResponse{Message: messageLinkSent})
}

func (handlers *routeHandlers) confirmEmail(contextGin *gin.Context) {
	var request tokenRequest
	if !bindJSON(contextGin, &request) {
		return
	}
	if err := handlers.account.ConfirmEmail(contextGin.Request.Context(), authenticatedUserID(contextGin), request.Token); err != nil {
		handlers.fail(contextGin, "http.account.confirm_email", err)
		return
	}
	contextGin.JSON(http.StatusOK, messageResponse{Message: messageEmailConfirmed})
}

func (handlers *routeHandlers) sendChangeEmailLink(contextGin *gin.Context) {
	var request newEmailRequest
	if !bindJSON(contextGin, &request) {
		return
	}
	if err := handlers.account.SendChangeEmailLink(contextGin.Request.Context(), authenticatedUserID(contextGin), request.NewEmail); err != nil {
		handlers.fail(contextGin, "http.account.send_change_email_link", err)
		return
	}
	contextGin.JSON(http.StatusOK, messageResponse{Message: messageLinkSent})
}

func (handlers *routeHandlers) changeEmail(contextGin *gin.Context) {
	var request changeEmailRequest
	if !bindJSON(contextGin, &request) {
		return
	}
	if err := handlers.account.ChangeEmail(contextGin.Request.Context(), authenticatedUserID(contextGin), request.NewEmail, request.Token); err != nil {
		handlers.fail(contextGin, "http.account.change_email", err)
		return
	}
	contextGin.JSON(http.StatusOK, messageResponse{Message: messageEmailChanged})
}

func (handlers *routeHandlers) configureTwoFactor(contextGin *gin.Context) {
	var request providerRequest
	if !bindJSON(contextGin, &request) {
		return
	}
	provider, err := parseProvider(request.Provider)
	if err != nil {
		writeError(contextGin, err)
		return
	}
	configuration, err := handlers.account.ConfigureTwoFactor(contextGin.Request.Context(), authenticatedUserID(contextGin), provider)
	if err != nil {
		handlers.fail(contextGin, "http.account.configure_two_factor", err)
		return
	}
	contextGin.JSON(http.StatusOK, configuration)
}

func (handlers *routeHandlers) verifyTwoFactorConfiguration(contextGin *gin.Context) {
	var request providerCodeRequest
	if !bindJSON(contextGin, &request) {
		return
	}
	provider, err := parseProvider(request.Provider)
	if err != nil {
		writeError(contextGin, err)
		return
	}
	if err := handlers.account.VerifyTwoFactorConfiguration(contextGin.Request.Context(), authenticatedUserID(contextGin), provider, request.Code); err != nil {
		handlers.fail(contextGin, "http.account.verify_two_factor_configuration", err)
		return
	}
	contextGin.JSON(http.StatusOK, messageResponse{Message: messageTwoFactorUpdated})
}

func (handlers *routeHandlers) sessions(contextGin *gin.Context) {
	sessions, err := handlers.account.ListSessions(contextGin.Request.Context(), authenticatedUserID(contextGin))
	if err != nil {
		handlers.fail(contextGin, "http.account.sessions", err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (handlers *routeHandlers) revokeSessions(contextGin *gin.Context) {
	if err := handlers.account.RevokeAllSessions(contextGin.Request.Context(), authenticatedUserID(contextGin)); err != nil {
		handlers.fail(contextGin, "http.account.revoke_sessions", err)
		return
	}
	handlers.clearRefreshCookie(contextGin)
	contextGin.Status(http.StatusNoContent)
}

func (handlers *routeHandlers) writeTokens(contextGin *gin.Context, tokens TokenPair) {
	handlers.writeRefreshCookie(contextGin, tokens)
	contextGin.JSON(http.StatusOK, tokenResponse{AccessToken: tokens.AccessToken})
}

func (handlers *routeHandlers) refreshCookieValue(contextGin *gin.Context) string {
	refreshCookie, cookieErr := contextGin.Request.Cookie(handlers.configuration.refreshCookieName())
	if cookieErr != nil || refreshCookie == nil {
		return ""
	}
	return strings.TrimSpace(refreshCookie.Value)
}

func (handlers *routeHandlers) writeRefreshCookie(contextGin *gin.Context, tokens TokenPair) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     handlers.configuration.refreshCookieName(),
		Value:    tokens.RefreshToken,
		Path:     refreshCookiePath,
		Domain:   handlers.configuration.CookieDomain,
		Expires:  tokens.RefreshTokenExpiresAt,
		Secure:   true,
		HttpOnly: true,
		SameSite: handlers.configuration.sameSite(),
	})
}

func (handlers *routeHandlers) clearRefreshCookie(contextGin *gin.Context) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     handlers.configuration.refreshCookieName(),
		Value:    "",
		Path:     refreshCookiePath,
		Domain:   handlers.configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: handlers.configuration.sameSite(),
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
