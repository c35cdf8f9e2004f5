package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

const (
	fakeLockoutThreshold = 3
	fakeTOTPSecret       = "JBSWY3DPEHPK3PXP"
)

type fakeAccount struct {
	user                User
	password            string
	stamp               int
	authenticatorSecret string
	failedAttempts      int
	locked              bool
}

// fakeCredentialStore keeps users in memory. Authenticator codes are "totp-" plus the secret.
type fakeCredentialStore struct {
	mutex        sync.Mutex
	accounts     map[string]*fakeAccount
	purposeToken map[string]int
	deliveredKey map[string]int
	nextID       int
	nextToken    int
	lookupErr    error
	// saveTwoFactorErr fails SaveTwoFactor before anything is written.
	saveTwoFactorErr error
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{
		accounts:     make(map[string]*fakeAccount),
		purposeToken: make(map[string]int),
		deliveredKey: make(map[string]int),
	}
}

var _ CredentialStore = (*fakeCredentialStore)(nil)

func (store *fakeCredentialStore) account(userID string) (*fakeAccount, error) {
	account, ok := store.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("fake.find: %w", ErrUserNotFound)
	}
	return account, nil
}

func (store *fakeCredentialStore) FindByEmail(ctx context.Context, email string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.lookupErr != nil {
		return User{}, store.lookupErr
	}
	for _, account := range store.accounts {
		if account.user.Email == normalizeEmail(email) {
			return account.user, nil
		}
	}
	return User{}, fmt.Errorf("fake.find_by_email: %w", ErrUserNotFound)
}

func (store *fakeCredentialStore) FindByID(ctx context.Context, userID string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, err := store.account(userID)
	if err != nil {
		return User{}, err
	}
	return account.user, nil
}

func (store *fakeCredentialStore) Create(ctx context.Context, user User, password string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, account := range store.accounts {
		if account.user.Email == normalizeEmail(user.Email) {
			return User{}, NewDuplicateIdentityErrors(user.Email)
		}
	}
	store.nextID++
	user.ID = fmt.Sprintf("user-%d", store.nextID)
	user.Email = normalizeEmail(user.Email)
	store.accounts[user.ID] = &fakeAccount{user: user, password: password}
	return user, nil
}

func (store *fakeCredentialStore) CreateExternal(ctx context.Context, user User) (User, error) {
	return store.Create(ctx, user, "")
}

func (store *fakeCredentialStore) VerifyPassword(ctx context.Context, user User, password string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, err := store.account(user.ID)
	if err != nil {
		return false, err
	}
	return account.password != "" && account.password == password, nil
}

func (store *fakeCredentialStore) PasswordSignIn(ctx context.Context, user User, password string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, err := store.account(user.ID)
	if err != nil {
		return err
	}
	if account.locked {
		return ErrAccountLocked
	}
	if account.password != "" && account.password == password {
		account.failedAttempts = 0
		return nil
	}
	account.failedAttempts++
	if account.failedAttempts >= fakeLockoutThreshold {
		account.locked = true
	}
	return ErrInvalidPassword
}

func (store *fakeCredentialStore) SetPassword(ctx context.Context, user User, newPassword string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, err := store.account(user.ID)
	if err != nil {
		return err
	}
	account.password = newPassword
	account.stamp++
	account.locked = false
	account.failedAttempts = 0
	return nil
}

func (store *fakeCredentialStore) Update(ctx context.Context, user User) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, err := store.account(user.ID)
	if err != nil {
		return err
	}
	for id, other := range store.accounts {
		if id != user.ID && other.user.Email == normalizeEmail(user.Email) {
			return ErrDuplicateEmail
		}
	}
	if account.user.Email != user.Email {
		account.stamp++
	}
	account.user = user
	return nil
}

func (store *fakeCredentialStore) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	_, err := store.FindByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (store *fakeCredentialStore) GenerateToken(ctx context.Context, user User, purpose string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, err := store.account(user.ID)
	if err != nil {
		return "", err
	}
	store.nextToken++
	token := fmt.Sprintf("tok+%d/%s==", store.nextToken, user.ID)
	store.purposeToken[user.ID+"|"+purpose+"|"+token] = account.stamp
	return token, nil
}

func (store *fakeCredentialStore) ConsumeToken(ctx context.Context, user User, purpose string, token string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	key := user.ID + "|" + purpose + "|" + token
	stamp, ok := store.purposeToken[key]
	if !ok {
		return ErrInvalidToken
	}
	delete(store.purposeToken, key)
	account, err := store.account(user.ID)
	if err != nil {
		return err
	}
	if stamp != account.stamp {
		return ErrSecurityStampMismatch
	}
	return nil
}

func (store *fakeCredentialStore) CheckToken(ctx context.Context, user User, purpose string, token string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	stamp, ok := store.purposeToken[user.ID+"|"+purpose+"|"+token]
	if !ok {
		return ErrInvalidToken
	}
	account, err := store.account(user.ID)
	if err != nil {
		return err
	}
	if stamp != account.stamp {
		return ErrSecurityStampMismatch
	}
	return nil
}

func (store *fakeCredentialStore) GenerateTwoFactorCode(ctx context.Context, user User, providerName string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.nextToken++
	code := fmt.Sprintf("%06d", store.nextToken)
	store.deliveredKey[user.ID+"|"+providerName+"|"+code] = store.nextToken
	return code, nil
}

func (store *fakeCredentialStore) VerifyTwoFactorCode(ctx context.Context, user User, providerName string, code string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if providerName == TwoFactorAuthenticator.String() {
		account, err := store.account(user.ID)
		if err != nil {
			return false, err
		}
		return account.authenticatorSecret != "" && code == "totp-"+account.authenticatorSecret, nil
	}
	key := user.ID + "|" + providerName + "|" + code
	if _, ok := store.deliveredKey[key]; !ok {
		return false, nil
	}
	delete(store.deliveredKey, key)
	return true, nil
}

func (store *fakeCredentialStore) ResetAuthenticatorSecret(ctx context.Context, user User) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, err := store.account(user.ID)
	if err != nil {
		return err
	}
	account.authenticatorSecret = fakeTOTPSecret
	account.stamp++
	return nil
}

func (store *fakeCredentialStore) GetAuthenticatorSecret(ctx context.Context, user User) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, err := store.account(user.ID)
	if err != nil {
		return "", err
	}
	return account.authenticatorSecret, nil
}

func (store *fakeCredentialStore) RemoveAuthenticatorSecret(ctx context.Context, user User) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, err := store.account(user.ID)
	if err != nil {
		return err
	}
	account.authenticatorSecret = ""
	return nil
}

func (store *fakeCredentialStore) SaveTwoFactor(ctx context.Context, user User, removeAuthenticatorSecret bool) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.saveTwoFactorErr != nil {
		return store.saveTwoFactorErr
	}
	account, err := store.account(user.ID)
	if err != nil {
		return err
	}
	account.user.TwoFactorEnabled = user.TwoFactorEnabled
	account.user.PreferredTwoFactorProvider = user.PreferredTwoFactorProvider
	if removeAuthenticatorSecret {
		account.authenticatorSecret = ""
	}
	return nil
}

func (store *fakeCredentialStore) CheckLockout(ctx context.Context, user User) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, err := store.account(user.ID)
	if err != nil {
		return err
	}
	if account.locked {
		return ErrAccountLocked
	}
	return nil
}

func (store *fakeCredentialStore) RecordFailedAccess(ctx context.Context, user User) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, err := store.account(user.ID)
	if err != nil {
		return err
	}
	account.failedAttempts++
	if account.failedAttempts >= fakeLockoutThreshold {
		account.locked = true
	}
	return nil
}

func (store *fakeCredentialStore) ResetFailedAccess(ctx context.Context, user User) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, err := store.account(user.ID)
	if err != nil {
		return err
	}
	account.failedAttempts = 0
	return nil
}

func (store *fakeCredentialStore) FindByExternalLogin(ctx context.Context, provider string, subject string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, account := range store.accounts {
		if account.user.ExternalProvider == provider && account.user.ExternalSubject == subject {
			return account.user, nil
		}
	}
	return User{}, ErrExternalLoginNotFound
}

func (store *fakeCredentialStore) secretOf(userID string) string {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.accounts[userID].authenticatorSecret
}

func (store *fakeCredentialStore) passwordOf(userID string) string {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.accounts[userID].password
}

type sentMessage struct {
	to      string
	subject string
	body    string
}

type recordingNotifier struct {
	mutex    sync.Mutex
	messages []sentMessage
	err      error
}

func (notifier *recordingNotifier) Send(ctx context.Context, to string, subject string, body string) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	if notifier.err != nil {
		return notifier.err
	}
	notifier.messages = append(notifier.messages, sentMessage{to: to, subject: subject, body: body})
	return nil
}

func (notifier *recordingNotifier) last(t *testing.T) sentMessage {
	t.Helper()
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	if len(notifier.messages) == 0 {
		t.Fatalf("expected a notification to be sent")
	}
	return notifier.messages[len(notifier.messages)-1]
}

// lastCode extracts the six digit code from a challenge body.
func (notifier *recordingNotifier) lastCode(t *testing.T) string {
	t.Helper()
	body := notifier.last(t).body
	const marker = "Your verification code is: "
	start := strings.Index(body, marker)
	if start < 0 {
		t.Fatalf("no code in %q", body)
	}
	return body[start+len(marker) : start+len(marker)+6]
}

func (notifier *recordingNotifier) count() int {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	return len(notifier.messages)
}

type mutableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newMutableClock() *mutableClock {
	return &mutableClock{current: time.Unix(1700000000, 0).UTC()}
}

func (clock *mutableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *mutableClock) Advance(step time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(step)
}

type fakeGoogleVerifier struct {
	identities map[string]GoogleIdentity
}

func (verifier fakeGoogleVerifier) Verify(ctx context.Context, rawToken string) (GoogleIdentity, error) {
	identity, ok := verifier.identities[rawToken]
	if !ok {
		return GoogleIdentity{}, errGoogleUnverifiedIdentity
	}
	return identity, nil
}

type authHarness struct {
	credentials  *fakeCredentialStore
	notifier     *recordingNotifier
	clock        *mutableClock
	tokenStore   *MemoryRefreshTokenStore
	metrics      *CounterMetrics
	refresh      *RefreshTokenManager
	orchestrator *AuthenticationOrchestrator
	account      *AccountService
	config       ServerConfig
}

func testServerConfig() ServerConfig {
	return ServerConfig{
		JWTSigningKey:   []byte("test-signing-key"),
		JWTIssuer:       "unifyauth",
		JWTAudience:     "unifyauth-clients",
		AccessTokenTTL:  30 * time.Minute,
		RefreshTTL:      24 * time.Hour,
		FrontendBaseURL: "https://app.example.com/",
	}
}

func newAuthHarness(t *testing.T) *authHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	harness := &authHarness{
		credentials: newFakeCredentialStore(),
		notifier:    &recordingNotifier{},
		clock:       newMutableClock(),
		tokenStore:  NewMemoryRefreshTokenStore(),
		metrics:     NewCounterMetrics(),
		config:      testServerConfig(),
	}
	issuer, err := NewAccessTokenIssuer(harness.config.AccessTokenConfig(), harness.clock)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	harness.refresh, err = NewRefreshTokenManager(harness.tokenStore, harness.config, harness.clock, logger)
	if err != nil {
		t.Fatalf("refresh manager: %v", err)
	}
	dependencies := AuthenticationDependencies{
		Credentials:   harness.credentials,
		AccessTokens:  issuer,
		RefreshTokens: harness.refresh,
		PurposeTokens: NewPurposeTokenService(harness.credentials, logger),
		TwoFactor:     NewTwoFactorOrchestrator(harness.credentials, harness.notifier, "", harness.metrics, logger),
		Notifier:      harness.notifier,
		Google: fakeGoogleVerifier{identities: map[string]GoogleIdentity{
			"google-new":   {Subject: "g-1", Email: "new@gmail.com", GivenName: "Grace", FamilyName: "Hopper"},
			"google-taken": {Subject: "g-2", Email: "a@x.com"},
		}},
		Metrics:         harness.metrics,
		Logger:          logger,
		FrontendBaseURL: harness.config.FrontendBaseURL,
	}
	harness.orchestrator, err = NewAuthenticationOrchestrator(dependencies)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	harness.account, err = NewAccountService(dependencies)
	if err != nil {
		t.Fatalf("account service: %v", err)
	}
	return harness
}

const harnessPassword = "P4ssword!"

func (harness *authHarness) register(t *testing.T, email string) User {
	t.Helper()
	user, err := harness.orchestrator.Register(context.Background(), RegisterInput{
		Email:             email,
		FirstName:         "Ada",
		LastName:          "Lovelace",
		PhoneNumber:       "+15551234567",
		Password:          harnessPassword,
		ConfirmedPassword: harnessPassword,
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return user
}

func (harness *authHarness) login(t *testing.T, email string) TokenPair {
	t.Helper()
	result, err := harness.orchestrator.Login(context.Background(), LoginInput{Email: email, Password: harnessPassword})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if result.Tokens == nil {
		t.Fatalf("expected tokens, got challenge %+v", result)
	}
	return *result.Tokens
}

func (harness *authHarness) confirmEmail(t *testing.T, userID string) {
	t.Helper()
	harness.credentials.mutex.Lock()
	defer harness.credentials.mutex.Unlock()
	confirmed := true
	harness.credentials.accounts[userID].user.EmailConfirmed = &confirmed
}

func expectKind(t *testing.T, err error, kind ErrorKind) *AppError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T: %v", err, err)
	}
	if appErr.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, appErr.Kind, appErr.Messages)
	}
	return appErr
}
