package credentials

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/tyemirov/unifyauth/internal/authkit"
	"github.com/tyemirov/unifyauth/internal/onetime"
)

const (
	purposeTokenBytes   = 32
	twoFactorCodeDigits = 6

	secretKindPurpose   = "purpose"
	secretKindTwoFactor = "two_factor"
)

var errUnsupportedCodeProvider = errors.New("credentials.two_factor.unsupported_provider")

// secretKey derives the one-time store key. The raw token is never used as a key.
func secretKey(kind string, userID string, scope string, value string) string {
	return kind + ":" + authkit.HashOpaque(strings.Join([]string{userID, scope, value}, "\x00"))
}

// GenerateToken issues a single-use token bound to the user, purpose, and current security stamp.
func (store *Store) GenerateToken(ctx context.Context, user authkit.User, purpose string) (string, error) {
	record, err := store.loadByID(ctx, user.ID)
	if err != nil {
		return "", err
	}
	token, err := authkit.GenerateOpaqueToken(purposeTokenBytes)
	if err != nil {
		return "", fmt.Errorf("credentials.generate_token: %w", err)
	}
	key := secretKey(secretKindPurpose, record.ID, purpose, token)
	if putErr := store.secrets.Put(ctx, key, []byte(record.SecurityStamp), store.config.PurposeTokenTTL); putErr != nil {
		return "", fmt.Errorf("credentials.generate_token: %w", putErr)
	}
	return token, nil
}

// ConsumeToken takes the token. It reports ErrInvalidToken when unknown and ErrSecurityStampMismatch when the stamp moved.
func (store *Store) ConsumeToken(ctx context.Context, user authkit.User, purpose string, token string) error {
	stamp, err := store.secrets.Take(ctx, secretKey(secretKindPurpose, user.ID, purpose, token))
	return store.matchTokenStamp(ctx, user, stamp, err, "credentials.consume_token")
}

// CheckToken answers like ConsumeToken but leaves the token usable.
func (store *Store) CheckToken(ctx context.Context, user authkit.User, purpose string, token string) error {
	stamp, err := store.secrets.Peek(ctx, secretKey(secretKindPurpose, user.ID, purpose, token))
	return store.matchTokenStamp(ctx, user, stamp, err, "credentials.check_token")
}

func (store *Store) matchTokenStamp(ctx context.Context, user authkit.User, stamp []byte, readErr error, scope string) error {
	if readErr != nil {
		if errors.Is(readErr, onetime.ErrNotFound) {
			return fmt.Errorf("%s: %w", scope, authkit.ErrInvalidToken)
		}
		return fmt.Errorf("%s: %w", scope, readErr)
	}
	record, err := store.loadByID(ctx, user.ID)
	if err != nil {
		return err
	}
	if string(stamp) != record.SecurityStamp {
		return fmt.Errorf("%s: %w", scope, authkit.ErrSecurityStampMismatch)
	}
	return nil
}

func randomNumericCode(digits int) (string, error) {
	limit := big.NewInt(1)
	for index := 0; index < digits; index++ {
		limit.Mul(limit, big.NewInt(10))
	}
	value, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, value.Int64()), nil
}

// GenerateTwoFactorCode mints a delivered code for the Email or Phone provider.
func (store *Store) GenerateTwoFactorCode(ctx context.Context, user authkit.User, providerName string) (string, error) {
	provider, ok := authkit.ParseTwoFactorProvider(providerName)
	if !ok || (provider != authkit.TwoFactorEmail && provider != authkit.TwoFactorPhone) {
		return "", fmt.Errorf("credentials.generate_two_factor_code.%s: %w", providerName, errUnsupportedCodeProvider)
	}
	record, err := store.loadByID(ctx, user.ID)
	if err != nil {
		return "", err
	}
	code, err := randomNumericCode(twoFactorCodeDigits)
	if err != nil {
		return "", fmt.Errorf("credentials.generate_two_factor_code: %w", err)
	}
	key := secretKey(secretKindTwoFactor, record.ID, provider.String(), code)
	if putErr := store.secrets.Put(ctx, key, []byte(record.SecurityStamp), store.config.TwoFactorCodeTTL); putErr != nil {
		return "", fmt.Errorf("credentials.generate_two_factor_code: %w", putErr)
	}
	return code, nil
}

// VerifyTwoFactorCode checks a delivered code or an authenticator TOTP. A wrong code is (false, nil).
func (store *Store) VerifyTwoFactorCode(ctx context.Context, user authkit.User, providerName string, code string) (bool, error) {
	provider, ok := authkit.ParseTwoFactorProvider(providerName)
	if !ok {
		return false, fmt.Errorf("credentials.verify_two_factor_code.%s: %w", providerName, errUnsupportedCodeProvider)
	}
	code = strings.TrimSpace(code)
	switch provider {
	case authkit.TwoFactorAuthenticator:
		return store.verifyAuthenticatorCode(ctx, user, code)
	case authkit.TwoFactorEmail, authkit.TwoFactorPhone:
		stamp, err := store.secrets.Take(ctx, secretKey(secretKindTwoFactor, user.ID, provider.String(), code))
		if err != nil {
			if errors.Is(err, onetime.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("credentials.verify_two_factor_code: %w", err)
		}
		record, err := store.loadByID(ctx, user.ID)
		if err != nil {
			return false, err
		}
		return string(stamp) == record.SecurityStamp, nil
	default:
		return false, fmt.Errorf("credentials.verify_two_factor_code.%s: %w", providerName, errUnsupportedCodeProvider)
	}
}
