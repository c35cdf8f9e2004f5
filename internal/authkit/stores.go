package authkit

import (
	"context"
	"strings"
	"time"
)

// TwoFactorProvider names the channel used for the second authentication factor.
type TwoFactorProvider int

const (
	TwoFactorNone TwoFactorProvider = iota
	TwoFactorEmail
	TwoFactorPhone
	TwoFactorAuthenticator
)

// String returns the provider name used by credential stores and API payloads.
func (provider TwoFactorProvider) String() string {
	switch provider {
	case TwoFactorEmail:
		return "Email"
	case TwoFactorPhone:
		return "Phone"
	case TwoFactorAuthenticator:
		return "Authenticator"
	default:
		return "None"
	}
}

// ParseTwoFactorProvider accepts provider names case-insensitively.
func ParseTwoFactorProvider(value string) (TwoFactorProvider, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "none", "0":
		return TwoFactorNone, true
	case "email", "1":
		return TwoFactorEmail, true
	case "phone", "2":
		return TwoFactorPhone, true
	case "authenticator", "3":
		return TwoFactorAuthenticator, true
	default:
		return TwoFactorNone, false
	}
}

// User is the identity record owned by the credential store.
type User struct {
	ID                         string
	Email                      string
	FirstName                  string
	LastName                   string
	PhoneNumber                string
	PreferredTwoFactorProvider TwoFactorProvider
	TwoFactorEnabled           bool
	EmailConfirmed             *bool
	PhoneConfirmed             *bool
	ExternalProvider           string
	ExternalSubject            string
}

// DisplayName joins the name parts.
func (user User) DisplayName() string {
	return strings.TrimSpace(user.FirstName + " " + user.LastName)
}

// IsEmailConfirmed treats the unknown state as unconfirmed.
func (user User) IsEmailConfirmed() bool {
	return user.EmailConfirmed != nil && *user.EmailConfirmed
}

// IsPhoneConfirmed treats the unknown state as unconfirmed.
func (user User) IsPhoneConfirmed() bool {
	return user.PhoneConfirmed != nil && *user.PhoneConfirmed
}

// RefreshToken is a stored, revocable refresh token record.
type RefreshToken struct {
	Token     string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// AccessToken is a signed, stateless access credential.
type AccessToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiration"`
}

// TokenPair is returned by every flow that completes authentication.
type TokenPair struct {
	AccessToken           AccessToken
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// CredentialStore persists users and owns credential verification and per-purpose secrets.
type CredentialStore interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByID(ctx context.Context, userID string) (User, error)
	Create(ctx context.Context, user User, password string) (User, error)
	// VerifyPassword compares without side effects.
	VerifyPassword(ctx context.Context, user User, password string) (bool, error)
	// PasswordSignIn verifies and applies lockout accounting. It returns ErrAccountLocked or ErrInvalidPassword on failure.
	PasswordSignIn(ctx context.Context, user User, password string) error
	SetPassword(ctx context.Context, user User, newPassword string) error
	Update(ctx context.Context, user User) error
	ExistsByEmail(ctx context.Context, email string) (bool, error)

	GenerateToken(ctx context.Context, user User, purpose string) (string, error)
	ConsumeToken(ctx context.Context, user User, purpose string, token string) error
	// CheckToken reports what ConsumeToken would, without using the token up.
	CheckToken(ctx context.Context, user User, purpose string, token string) error
	GenerateTwoFactorCode(ctx context.Context, user User, providerName string) (string, error)
	VerifyTwoFactorCode(ctx context.Context, user User, providerName string, code string) (bool, error)
	ResetAuthenticatorSecret(ctx context.Context, user User) error
	GetAuthenticatorSecret(ctx context.Context, user User) (string, error)
	RemoveAuthenticatorSecret(ctx context.Context, user User) error
	// SaveTwoFactor persists the provider and enabled flag. With removeAuthenticatorSecret the
	// authenticator secret is cleared in the same write, so either both change or neither does.
	SaveTwoFactor(ctx context.Context, user User, removeAuthenticatorSecret bool) error
	// CheckLockout returns ErrAccountLocked while a lockout is in force.
	CheckLockout(ctx context.Context, user User) error
	// RecordFailedAccess counts a failed second-factor attempt toward the same lockout as PasswordSignIn.
	RecordFailedAccess(ctx context.Context, user User) error
	ResetFailedAccess(ctx context.Context, user User) error

	FindByExternalLogin(ctx context.Context, provider string, subject string) (User, error)
	CreateExternal(ctx context.Context, user User) (User, error)
}

// TokenStore persists refresh token records. Update is a compare-and-swap keyed on the current value.
type TokenStore interface {
	Insert(ctx context.Context, token RefreshToken) error
	FindByValue(ctx context.Context, value string) (RefreshToken, error)
	FindByUser(ctx context.Context, userID string) ([]RefreshToken, error)
	// Update replaces the non-revoked record currently holding expectedValue.
	// It returns ErrRefreshTokenStale when no such record exists anymore.
	Update(ctx context.Context, expectedValue string, updated RefreshToken) error
	// RevokeByUser revokes every active record of the user and reports how many changed.
	RevokeByUser(ctx context.Context, userID string) (int64, error)
	// RevokeByPrevious revokes the active record that value was last rotated into.
	RevokeByPrevious(ctx context.Context, value string) (int64, error)
}

// Notifier delivers links and codes to users.
type Notifier interface {
	Send(ctx context.Context, to string, subject string, body string) error
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
