package credentials

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/unifyauth/internal/authkit"
	"gorm.io/gorm"
)

const (
	totpSecretBytes = 20
	totpPeriod      = 30 * time.Second
	totpDigits      = 6
	totpSkew        = 1
)

var totpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func generateTOTPSecret() (string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return totpEncoding.EncodeToString(raw), nil
}

func hotpCode(secret []byte, counter int64, digits int) string {
	var message [8]byte
	binary.BigEndian.PutUint64(message[:], uint64(counter))
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(message[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	truncated := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	modulus := 1
	for index := 0; index < digits; index++ {
		modulus *= 10
	}
	return fmt.Sprintf("%0*d", digits, truncated%modulus)
}

// matchTOTP returns the matching time step within the skew window, or 0.
func matchTOTP(secretBase32 string, code string, now time.Time) (int64, error) {
	if len(code) != totpDigits {
		return 0, nil
	}
	for _, character := range code {
		if character < '0' || character > '9' {
			return 0, nil
		}
	}
	secret, err := totpEncoding.DecodeString(strings.ToUpper(secretBase32))
	if err != nil {
		return 0, fmt.Errorf("credentials.totp.decode_secret: %w", err)
	}
	baseCounter := now.Unix() / int64(totpPeriod/time.Second)
	for step := -totpSkew; step <= totpSkew; step++ {
		counter := baseCounter + int64(step)
		if counter <= 0 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(hotpCode(secret, counter, totpDigits)), []byte(code)) == 1 {
			return counter, nil
		}
	}
	return 0, nil
}

// verifyAuthenticatorCode accepts each time step at most once.
func (store *Store) verifyAuthenticatorCode(ctx context.Context, user authkit.User, code string) (bool, error) {
	record, err := store.loadByID(ctx, user.ID)
	if err != nil {
		return false, err
	}
	if record.AuthenticatorSecret == "" {
		return false, nil
	}
	counter, err := matchTOTP(record.AuthenticatorSecret, code, store.config.Now())
	if err != nil {
		return false, err
	}
	if counter == 0 || counter <= record.AuthenticatorLastStep {
		return false, nil
	}
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ? AND authenticator_last_step < ?", record.ID, counter).
		Update("authenticator_last_step", counter)
	if result.Error != nil {
		return false, fmt.Errorf("credentials.totp.record_step: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ResetAuthenticatorSecret replaces the secret and rotates the security stamp.
func (store *Store) ResetAuthenticatorSecret(ctx context.Context, user authkit.User) error {
	secret, err := generateTOTPSecret()
	if err != nil {
		return fmt.Errorf("credentials.reset_authenticator_secret: %w", err)
	}
	result := store.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"authenticator_secret":    secret,
		"authenticator_last_step": 0,
		"security_stamp":          newSecurityStamp(),
		"updated_unix":            store.config.Now().Unix(),
	})
	if result.Error != nil {
		return fmt.Errorf("credentials.reset_authenticator_secret: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("credentials.reset_authenticator_secret: %w", authkit.ErrUserNotFound)
	}
	return nil
}

// GetAuthenticatorSecret returns "" when the user has no secret.
func (store *Store) GetAuthenticatorSecret(ctx context.Context, user authkit.User) (string, error) {
	record, err := store.loadByID(ctx, user.ID)
	if err != nil {
		return "", err
	}
	return record.AuthenticatorSecret, nil
}

func (store *Store) RemoveAuthenticatorSecret(ctx context.Context, user authkit.User) error {
	if err := store.clearAuthenticatorSecret(store.db.WithContext(ctx), user.ID); err != nil {
		return fmt.Errorf("credentials.remove_authenticator_secret: %w", err)
	}
	return nil
}

func (store *Store) clearAuthenticatorSecret(tx *gorm.DB, userID string) error {
	return tx.Model(&userRecord{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"authenticator_secret":    "",
		"authenticator_last_step": 0,
		"updated_unix":            store.config.Now().Unix(),
	}).Error
}

// SaveTwoFactor writes the two-factor flags and, when asked, drops the authenticator secret in one transaction.
func (store *Store) SaveTwoFactor(ctx context.Context, user authkit.User, removeAuthenticatorSecret bool) error {
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&userRecord{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
			"two_factor_enabled":            user.TwoFactorEnabled,
			"preferred_two_factor_provider": int(user.PreferredTwoFactorProvider),
			"updated_unix":                  store.config.Now().Unix(),
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return authkit.ErrUserNotFound
		}
		if !removeAuthenticatorSecret {
			return nil
		}
		return store.clearAuthenticatorSecret(tx, user.ID)
	})
	if err != nil {
		return fmt.Errorf("credentials.save_two_factor: %w", err)
	}
	return nil
}
