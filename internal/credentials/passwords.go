package credentials

import (
	"context"
	"fmt"

	"github.com/tyemirov/unifyauth/internal/authkit"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func passwordMatches(record userRecord, password string) bool {
	if record.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(record.PasswordHash), []byte(password)) == nil
}

// VerifyPassword compares without touching lockout state.
func (store *Store) VerifyPassword(ctx context.Context, user authkit.User, password string) (bool, error) {
	record, err := store.loadByID(ctx, user.ID)
	if err != nil {
		return false, err
	}
	return passwordMatches(record, password), nil
}

// PasswordSignIn verifies the password and counts failures toward a temporary lockout.
func (store *Store) PasswordSignIn(ctx context.Context, user authkit.User, password string) error {
	record, err := store.loadByID(ctx, user.ID)
	if err != nil {
		return err
	}
	if store.lockedOut(record) {
		return fmt.Errorf("credentials.sign_in: %w", authkit.ErrAccountLocked)
	}
	if passwordMatches(record, password) {
		if resetErr := store.clearFailures(ctx, record); resetErr != nil {
			return fmt.Errorf("credentials.sign_in.reset: %w", resetErr)
		}
		return nil
	}
	if failureErr := store.countFailure(ctx, record); failureErr != nil {
		return fmt.Errorf("credentials.sign_in.record_failure: %w", failureErr)
	}
	return fmt.Errorf("credentials.sign_in: %w", authkit.ErrInvalidPassword)
}

// CheckLockout reports ErrAccountLocked while the lockout window is open.
func (store *Store) CheckLockout(ctx context.Context, user authkit.User) error {
	record, err := store.loadByID(ctx, user.ID)
	if err != nil {
		return err
	}
	if store.lockedOut(record) {
		return fmt.Errorf("credentials.check_lockout: %w", authkit.ErrAccountLocked)
	}
	return nil
}

// RecordFailedAccess counts a rejected second factor the same way as a wrong password.
func (store *Store) RecordFailedAccess(ctx context.Context, user authkit.User) error {
	record, err := store.loadByID(ctx, user.ID)
	if err != nil {
		return err
	}
	if failureErr := store.countFailure(ctx, record); failureErr != nil {
		return fmt.Errorf("credentials.record_failed_access: %w", failureErr)
	}
	return nil
}

func (store *Store) ResetFailedAccess(ctx context.Context, user authkit.User) error {
	record, err := store.loadByID(ctx, user.ID)
	if err != nil {
		return err
	}
	if resetErr := store.clearFailures(ctx, record); resetErr != nil {
		return fmt.Errorf("credentials.reset_failed_access: %w", resetErr)
	}
	return nil
}

func (store *Store) lockedOut(record userRecord) bool {
	return record.LockoutUntilUnix > store.config.Now().Unix()
}

func (store *Store) clearFailures(ctx context.Context, record userRecord) error {
	if record.FailedAttempts == 0 && record.LockoutUntilUnix == 0 {
		return nil
	}
	return store.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", record.ID).
		Updates(map[string]interface{}{"failed_attempts": 0, "lockout_until_unix": 0}).Error
}

// countFailure starts a lockout once the threshold is reached and resets the counter for the next window.
func (store *Store) countFailure(ctx context.Context, record userRecord) error {
	failedAttempts := record.FailedAttempts + 1
	changes := map[string]interface{}{"failed_attempts": failedAttempts}
	lockedOut := failedAttempts >= store.config.LockoutThreshold
	if lockedOut {
		changes["failed_attempts"] = 0
		changes["lockout_until_unix"] = store.config.Now().Add(store.config.LockoutDuration).Unix()
	}
	if err := store.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", record.ID).Updates(changes).Error; err != nil {
		return err
	}
	if lockedOut {
		store.logger.Warn("account locked out",
			zap.String("code", "credentials.lockout.started"),
			zap.String("user_id", record.ID),
			zap.Duration("duration", store.config.LockoutDuration))
	}
	return nil
}

// SetPassword replaces the password, rotates the security stamp, and clears any lockout.
func (store *Store) SetPassword(ctx context.Context, user authkit.User, newPassword string) error {
	if violations := authkit.PasswordPolicyErrors(newPassword); len(violations) > 0 {
		return violations
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), store.config.BcryptCost)
	if err != nil {
		return fmt.Errorf("credentials.set_password.hash: %w", err)
	}
	result := store.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"password_hash":      string(passwordHash),
		"security_stamp":     newSecurityStamp(),
		"failed_attempts":    0,
		"lockout_until_unix": 0,
		"updated_unix":       store.config.Now().Unix(),
	})
	if result.Error != nil {
		return fmt.Errorf("credentials.set_password: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("credentials.set_password: %w", authkit.ErrUserNotFound)
	}
	return nil
}
