package authkit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func linkParam(t *testing.T, link string, name string) string {
	t.Helper()
	marker := name + "="
	start := strings.Index(link, marker)
	if start < 0 {
		t.Fatalf("parameter %s missing from %q", name, link)
	}
	value := link[start+len(marker):]
	if end := strings.Index(value, "&"); end >= 0 {
		value = value[:end]
	}
	return value
}

func TestNewAuthenticationOrchestratorRequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := NewAuthenticationOrchestrator(AuthenticationDependencies{}); err == nil {
		t.Fatalf("expected error without collaborators")
	}
	if _, err := NewAccountService(AuthenticationDependencies{}); err == nil {
		t.Fatalf("expected error without collaborators")
	}
}

func TestRegisterMapsStoreAndValidationErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := newAuthHarness(t)
	harness.register(t, "a@x.com")

	_, err := harness.orchestrator.Register(ctx, RegisterInput{
		Email:             "A@x.com",
		FirstName:         "Ada",
		LastName:          "Lovelace",
		PhoneNumber:       "+15551234567",
		Password:          harnessPassword,
		ConfirmedPassword: harnessPassword,
	})
	appErr := expectKind(t, err, KindBadRequest)
	if len(appErr.Messages) != 1 || appErr.Messages[0] != "Email 'a@x.com' is already taken." {
		t.Fatalf("expected only the duplicate email message, got %v", appErr.Messages)
	}

	_, err = harness.orchestrator.Register(ctx, RegisterInput{Email: "bad", Password: "short", ConfirmedPassword: "other"})
	appErr = expectKind(t, err, KindValidation)
	for _, expected := range []string{"Invalid email format.", "First name is required.", "Confirmed password must match the password.", "Password must be at least 8 characters long."} {
		found := false
		for _, message := range appErr.Messages {
			if message == expected {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %q in %v", expected, appErr.Messages)
		}
	}
	if harness.metrics.Count(metricRegisterSuccess) != 1 {
		t.Fatalf("expected one registration metric")
	}
}

func TestLoginIssuesTokensThatExpire(t *testing.T) {
	t.Parallel()

	harness := newAuthHarness(t)
	user := harness.register(t, "a@x.com")
	tokens := harness.login(t, "A@X.com")

	if tokens.RefreshToken == "" || !tokens.RefreshTokenExpiresAt.Equal(harness.clock.Now().Add(harness.config.RefreshTTL)) {
		t.Fatalf("unexpected refresh token %+v", tokens)
	}
	if !tokens.AccessToken.ExpiresAt.Equal(harness.clock.Now().Add(harness.config.AccessTokenTTL)) {
		t.Fatalf("unexpected access expiry %v", tokens.AccessToken.ExpiresAt)
	}

	parse := func(at time.Time) (*JwtCustomClaims, error) {
		claims := &JwtCustomClaims{}
		_, err := jwt.ParseWithClaims(tokens.AccessToken.Token, claims, func(*jwt.Token) (interface{}, error) {
			return harness.config.JWTSigningKey, nil
		}, jwt.WithTimeFunc(func() time.Time { return at }), jwt.WithAudience(harness.config.JWTAudience))
		return claims, err
	}
	claims, err := parse(harness.clock.Now().Add(time.Minute))
	if err != nil || claims.Subject != user.ID {
		t.Fatalf("expected valid token for %s, got %+v (%v)", user.ID, claims, err)
	}
	_, err = parse(harness.clock.Now().Add(harness.config.AccessTokenTTL + time.Second))
	if !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestLoginRejectsBadCredentialsUniformly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := newAuthHarness(t)
	harness.register(t, "a@x.com")

	for attempt := 0; attempt < fakeLockoutThreshold; attempt++ {
		_, err := harness.orchestrator.Login(ctx, LoginInput{Email: "a@x.com", Password: "Wrong-pass1"})
		appErr := expectKind(t, err, KindBadRequest)
		if appErr.Message() != messageIncorrectCredentials {
			t.Fatalf("unexpected message %q", appErr.Message())
		}
	}
	_, err := harness.orchestrator.Login(ctx, LoginInput{Email: "missing@x.com", Password: harnessPassword})
	if appErr := expectKind(t, err, KindBadRequest); appErr.Message() != messageIncorrectCredentials {
		t.Fatalf("unknown email must look like a wrong password, got %q", appErr.Message())
	}
	_, err = harness.orchestrator.Login(ctx, LoginInput{Email: "a@x.com", Password: harnessPassword})
	if appErr := expectKind(t, err, KindBadRequest); appErr.Message() != messageIncorrectCredentials {
		t.Fatalf("locked account must look like a wrong password, got %q", appErr.Message())
	}
	_, err = harness.orchestrator.Login(ctx, LoginInput{Email: "", Password: ""})
	expectKind(t, err, KindValidation)

	harness.credentials.lookupErr = errors.New("database down")
	_, err = harness.orchestrator.Login(ctx, LoginInput{Email: "a@x.com", Password: harnessPassword})
	if appErr := expectKind(t, err, KindInternalServerError); appErr.Message() != genericInternalMessage {
		t.Fatalf("expected generic internal message, got %q", appErr.Message())
	}
}

func TestLoginWithTwoFactorChallenge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := newAuthHarness(t)
	user := harness.register(t, "a@x.com")
	user.TwoFactorEnabled = true
	user.PreferredTwoFactorProvider = TwoFactorEmail
	if err := harness.credentials.Update(ctx, user); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	result, err := harness.orchestrator.Login(ctx, LoginInput{Email: "a@x.com", Password: harnessPassword})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if !result.TwoFactorRequired || result.Tokens != nil || result.UserID != user.ID || result.Provider != TwoFactorEmail {
		t.Fatalf("expected challenge, got %+v", result)
	}
	message := harness.notifier.last(t)
	if message.to != "a@x.com" || message.subject != "Two-Factor Authentication Code" {
		t.Fatalf("unexpected challenge message %+v", message)
	}
	code := harness.notifier.lastCode(t)

	_, err = harness.orchestrator.CompleteTwoFactorLogin(ctx, user.ID, TwoFactorEmail, "999999")
	expectKind(t, err, KindBadRequest)
	_, err = harness.orchestrator.CompleteTwoFactorLogin(ctx, user.ID, TwoFactorPhone, code)
	expectKind(t, err, KindBadRequest)

	tokens, err := harness.orchestrator.CompleteTwoFactorLogin(ctx, user.ID, TwoFactorEmail, code)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if tokens.AccessToken.Token == "" || tokens.RefreshToken == "" {
		t.Fatalf("expected tokens, got %+v", tokens)
	}
	_, err = harness.orchestrator.CompleteTwoFactorLogin(ctx, user.ID, TwoFactorEmail, code)
	expectKind(t, err, KindBadRequest)
	_, err = harness.orchestrator.CompleteTwoFactorLogin(ctx, "missing", TwoFactorEmail, code)
	expectKind(t, err, KindNotFound)

	if harness.metrics.Count(metricLoginChallenge) != 1 || harness.metrics.Count(metricLoginSuccess) != 1 {
		t.Fatalf("unexpected metrics %v", harness.metrics.Snapshot())
	}
}

func TestRefreshRotatesAndRejectsReplay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := newAuthHarness(t)
	harness.register(t, "a@x.com")
	tokens := harness.login(t, "a@x.com")

	harness.clock.Advance(time.Minute)
	refreshed, err := harness.orchestrator.RefreshAccessToken(ctx, tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if refreshed.RefreshToken == tokens.RefreshToken || refreshed.AccessToken.Token == "" {
		t.Fatalf("expected rotated pair, got %+v", refreshed)
	}
	if !refreshed.RefreshTokenExpiresAt.After(tokens.RefreshTokenExpiresAt) {
		t.Fatalf("expected sliding expiry")
	}

	_, err = harness.orchestrator.RefreshAccessToken(ctx, tokens.RefreshToken)
	if appErr := expectKind(t, err, KindUnauthorized); appErr.Message() != messageRefreshTokenInvalid {
		t.Fatalf("unexpected message %q", appErr.Message())
	}
	_, err = harness.orchestrator.RefreshAccessToken(ctx, "")
	expectKind(t, err, KindUnauthorized)

	harness.clock.Advance(harness.config.RefreshTTL + time.Second)
	_, err = harness.orchestrator.RefreshAccessToken(ctx, refreshed.RefreshToken)
	if appErr := expectKind(t, err, KindUnauthorized); appErr.Message() != messageRefreshTokenExpired {
		t.Fatalf("unexpected message %q", appErr.Message())
	}
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := newAuthHarness(t)
	harness.register(t, "a@x.com")
	tokens := harness.login(t, "a@x.com")

	const contenders = 10
	var waitGroup sync.WaitGroup
	var mutex sync.Mutex
	winners := 0
	for index := 0; index < contenders; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := harness.orchestrator.RefreshAccessToken(ctx, tokens.RefreshToken)
			mutex.Lock()
			defer mutex.Unlock()
			if err == nil {
				winners++
			} else if KindOf(err) != KindUnauthorized {
				t.Errorf("expected unauthorized loser, got %v", err)
			}
		}()
	}
	waitGroup.Wait()
	if winners != 1 {
		t.Fatalf("expected one winner, got %d", winners)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := newAuthHarness(t)
	harness.register(t, "a@x.com")
	tokens := harness.login(t, "a@x.com")

	if err := harness.orchestrator.Logout(ctx, tokens.RefreshToken); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if err := harness.orchestrator.Logout(ctx, tokens.RefreshToken); err != nil {
		t.Fatalf("second logout failed: %v", err)
	}
	if err := harness.orchestrator.Logout(ctx, "unknown"); err != nil {
		t.Fatalf("unknown logout failed: %v", err)
	}
	_, err := harness.orchestrator.RefreshAccessToken(ctx, tokens.RefreshToken)
	if appErr := expectKind(t, err, KindUnauthorized); appErr.Message() != messageRefreshTokenRevoked {
		t.Fatalf("unexpected message %q", appErr.Message())
	}
}

func TestPasswordResetFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := newAuthHarness(t)
	user := harness.register(t, "a@x.com")
	tokens := harness.login(t, "a@x.com")

	message, err := harness.orchestrator.SendPasswordResetLink(ctx, "missing@x.com")
	if err != nil || message != messageResetLinkSent {
		t.Fatalf("unknown email must look successful, got %q (%v)", message, err)
	}
	if harness.notifier.count() != 0 {
		t.Fatalf("expected nothing sent for unknown email")
	}
	_, err = harness.orchestrator.SendPasswordResetLink(ctx, "not-an-email")
	expectKind(t, err, KindValidation)

	if _, err := harness.orchestrator.SendPasswordResetLink(ctx, "A@x.com"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	mail := harness.notifier.last(t)
	if mail.to != "a@x.com" || mail.subject != "Reset Password" || !strings.HasPrefix(mail.body, "https://app.example.com/reset-password?userId=") {
		t.Fatalf("unexpected reset mail %+v", mail)
	}
	token := linkParam(t, mail.body, "token")
	if linkParam(t, mail.body, "userId") != user.ID {
		t.Fatalf("unexpected user id in %q", mail.body)
	}

	err = harness.orchestrator.ResetPassword(ctx, ResetPasswordInput{UserID: user.ID, Token: token, NewPassword: harnessPassword, ConfirmedPassword: harnessPassword})
	if appErr := expectKind(t, err, KindBadRequest); appErr.Message() != messageSamePassword {
		t.Fatalf("unexpected message %q", appErr.Message())
	}
	if harness.credentials.passwordOf(user.ID) != harnessPassword {
		t.Fatalf("same-password reset must not mutate the account")
	}

	for _, guess := range []string{harnessPassword, "Wr0ng-guess!"} {
		err = harness.orchestrator.ResetPassword(ctx, ResetPasswordInput{UserID: user.ID, Token: "forged-token", NewPassword: guess, ConfirmedPassword: guess})
		if appErr := expectKind(t, err, KindBadRequest); appErr.Message() != messageInvalidPurposeToken {
			t.Fatalf("a forged token must be rejected before the password is compared, got %q", appErr.Message())
		}
	}

	newPassword := "N3w-password!"
	err = harness.orchestrator.ResetPassword(ctx, ResetPasswordInput{UserID: "missing", Token: token, NewPassword: newPassword, ConfirmedPassword: newPassword})
	expectKind(t, err, KindNotFound)
	if err := harness.orchestrator.ResetPassword(ctx, ResetPasswordInput{UserID: user.ID, Token: token, NewPassword: newPassword, ConfirmedPassword: newPassword}); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if harness.credentials.passwordOf(user.ID) != newPassword {
		t.Fatalf("expected password to change")
	}
	_, err = harness.orchestrator.RefreshAccessToken(ctx, tokens.RefreshToken)
	expectKind(t, err, KindUnauthorized)

	err = harness.orchestrator.ResetPassword(ctx, ResetPasswordInput{UserID: user.ID, Token: token, NewPassword: "Th1rd-password!", ConfirmedPassword: "Th1rd-password!"})
	expectKind(t, err, KindBadRequest)

	if _, err := harness.orchestrator.Login(ctx, LoginInput{Email: "a@x.com", Password: newPassword}); err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}
}

func TestLoginWithGoogle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := newAuthHarness(t)
	harness.register(t, "a@x.com")

	first, err := harness.orchestrator.LoginWithGoogle(ctx, "google-new")
	if err != nil {
		t.Fatalf("google login failed: %v", err)
	}
	second, err := harness.orchestrator.LoginWithGoogle(ctx, "google-new")
	if err != nil {
		t.Fatalf("second google login failed: %v", err)
	}
	if first.RefreshToken == second.RefreshToken {
		t.Fatalf("expected distinct sessions")
	}
	created, err := harness.credentials.FindByEmail(ctx, "new@gmail.com")
	if err != nil || !created.IsEmailConfirmed() || created.ExternalProvider != ExternalProviderGoogle || created.FirstName != "Grace" {
		t.Fatalf("unexpected google user %+v (%v)", created, err)
	}
	if harness.metrics.Count(metricGoogleLoginSuccess) != 2 {
		t.Fatalf("expected two google logins")
	}

	_, err = harness.orchestrator.LoginWithGoogle(ctx, "google-taken")
	if appErr := expectKind(t, err, KindBadRequest); appErr.Message() != messageGoogleEmailTaken {
		t.Fatalf("unexpected message %q", appErr.Message())
	}
	_, err = harness.orchestrator.LoginWithGoogle(ctx, "forged")
	expectKind(t, err, KindUnauthorized)
	_, err = harness.orchestrator.LoginWithGoogle(ctx, " ")
	expectKind(t, err, KindValidation)

	harness.orchestrator.google = nil
	_, err = harness.orchestrator.LoginWithGoogle(ctx, "google-new")
	expectKind(t, err, KindBadRequest)
}

func TestRegisterLoginRefreshScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := newAuthHarness(t)
	user := harness.register(t, "flow@x.com")
	tokens := harness.login(t, "flow@x.com")

	current := tokens.RefreshToken
	for round := 0; round < 3; round++ {
		harness.clock.Advance(time.Hour)
		refreshed, err := harness.orchestrator.RefreshAccessToken(ctx, current)
		if err != nil {
			t.Fatalf("round %d: refresh failed: %v", round, err)
		}
		current = refreshed.RefreshToken
	}
	sessions, err := harness.account.ListSessions(ctx, user.ID)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("expected a single rotating session, got %+v (%v)", sessions, err)
	}
	if err := harness.account.RevokeAllSessions(ctx, user.ID); err != nil {
		t.Fatalf("revoke all failed: %v", err)
	}
	_, err = harness.orchestrator.RefreshAccessToken(ctx, current)
	expectKind(t, err, KindUnauthorized)
}
