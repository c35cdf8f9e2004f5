// Package credentials implements the credential store over GORM: users, passwords, lockout,
// security stamps, authenticator secrets, and single-use purpose tokens and two-factor codes.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/unifyauth/internal/authkit"
	"github.com/tyemirov/unifyauth/internal/onetime"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	DefaultLockoutThreshold = 3
	DefaultLockoutDuration  = 5 * time.Minute
	DefaultTwoFactorCodeTTL = 5 * time.Minute
)

var (
	errNilDatabase = errors.New("credentials.config: database is required")
	errNilSecrets  = errors.New("credentials.config: one-time store is required")
)

// Config tunes lockout, token lifetimes, and hashing cost.
type Config struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
	PurposeTokenTTL  time.Duration
	TwoFactorCodeTTL time.Duration
	BcryptCost       int
	Now              func() time.Time
}

func (config Config) withDefaults() Config {
	if config.LockoutThreshold <= 0 {
		config.LockoutThreshold = DefaultLockoutThreshold
	}
	if config.LockoutDuration <= 0 {
		config.LockoutDuration = DefaultLockoutDuration
	}
	if config.PurposeTokenTTL <= 0 {
		config.PurposeTokenTTL = authkit.DefaultPurposeTokenTTL
	}
	if config.TwoFactorCodeTTL <= 0 {
		config.TwoFactorCodeTTL = DefaultTwoFactorCodeTTL
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return config
}

type userRecord struct {
	ID                         string `gorm:"column:id;primaryKey"`
	Email                      string `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash               string `gorm:"column:password_hash;not null;default:''"`
	SecurityStamp              string `gorm:"column:security_stamp;not null"`
	FirstName                  string `gorm:"column:first_name"`
	LastName                   string `gorm:"column:last_name"`
	PhoneNumber                string `gorm:"column:phone_number"`
	EmailConfirmed             *bool  `gorm:"column:email_confirmed"`
	PhoneConfirmed             *bool  `gorm:"column:phone_confirmed"`
	TwoFactorEnabled           bool   `gorm:"column:two_factor_enabled;not null;default:false"`
	PreferredTwoFactorProvider int    `gorm:"column:preferred_two_factor_provider;not null;default:0"`
	AuthenticatorSecret        string `gorm:"column:authenticator_secret;not null;default:''"`
	AuthenticatorLastStep      int64  `gorm:"column:authenticator_last_step;not null;default:0"`
	ExternalProvider           string `gorm:"column:external_provider;index:idx_users_external_login;not null;default:''"`
	ExternalSubject            string `gorm:"column:external_subject;index:idx_users_external_login;not null;default:''"`
	FailedAttempts             int    `gorm:"column:failed_attempts;not null;default:0"`
	LockoutUntilUnix           int64  `gorm:"column:lockout_until_unix;not null;default:0"`
	CreatedUnix                int64  `gorm:"column:created_unix;not null"`
	UpdatedUnix                int64  `gorm:"column:updated_unix;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

func (record userRecord) toUser() authkit.User {
	return authkit.User{
		ID:                         record.ID,
		Email:                      record.Email,
		FirstName:                  record.FirstName,
		LastName:                   record.LastName,
		PhoneNumber:                record.PhoneNumber,
		PreferredTwoFactorProvider: authkit.TwoFactorProvider(record.PreferredTwoFactorProvider),
		TwoFactorEnabled:           record.TwoFactorEnabled,
		EmailConfirmed:             record.EmailConfirmed,
		PhoneConfirmed:             record.PhoneConfirmed,
		ExternalProvider:           record.ExternalProvider,
		ExternalSubject:            record.ExternalSubject,
	}
}

// Store implements authkit.CredentialStore.
type Store struct {
	db      *gorm.DB
	secrets onetime.Store
	config  Config
	logger  *zap.Logger
}

var _ authkit.CredentialStore = (*Store)(nil)

// NewStore migrates the users table and returns a ready store.
func NewStore(ctx context.Context, database *gorm.DB, secrets onetime.Store, config Config, logger *zap.Logger) (*Store, error) {
	if database == nil {
		return nil, errNilDatabase
	}
	if secrets == nil {
		return nil, errNilSecrets
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := database.WithContext(ctx).AutoMigrate(&userRecord{}); err != nil {
		return nil, fmt.Errorf("credentials.migrate.%s: %w", database.Dialector.Name(), err)
	}
	return &Store{
		db:      database,
		secrets: secrets,
		config:  config.withDefaults(),
		logger:  logger,
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func newSecurityStamp() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (store *Store) loadByID(ctx context.Context, userID string) (userRecord, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return userRecord{}, fmt.Errorf("credentials.find_by_id: %w", authkit.ErrUserNotFound)
		}
		return userRecord{}, fmt.Errorf("credentials.find_by_id: %w", err)
	}
	return record, nil
}

func (store *Store) FindByEmail(ctx context.Context, email string) (authkit.User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return authkit.User{}, fmt.Errorf("credentials.find_by_email: %w", authkit.ErrUserNotFound)
		}
		return authkit.User{}, fmt.Errorf("credentials.find_by_email: %w", err)
	}
	return record.toUser(), nil
}

func (store *Store) FindByID(ctx context.Context, userID string) (authkit.User, error) {
	record, err := store.loadByID(ctx, userID)
	if err != nil {
		return authkit.User{}, err
	}
	return record.toUser(), nil
}

func (store *Store) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&userRecord{}).Where("email = ?", normalizeEmail(email)).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("credentials.exists_by_email: %w", err)
	}
	return count > 0, nil
}

// Create registers a password account. Collisions and weak passwords come back as authkit.IdentityErrors.
func (store *Store) Create(ctx context.Context, user authkit.User, password string) (authkit.User, error) {
	if violations := authkit.PasswordPolicyErrors(password); len(violations) > 0 {
		return authkit.User{}, violations
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), store.config.BcryptCost)
	if err != nil {
		return authkit.User{}, fmt.Errorf("credentials.create.hash: %w", err)
	}
	return store.insert(ctx, user, string(passwordHash))
}

// CreateExternal registers an account without a password, linked to an external identity.
func (store *Store) CreateExternal(ctx context.Context, user authkit.User) (authkit.User, error) {
	if strings.TrimSpace(user.ExternalProvider) == "" || strings.TrimSpace(user.ExternalSubject) == "" {
		return authkit.User{}, errors.New("credentials.create_external: provider and subject are required")
	}
	return store.insert(ctx, user, "")
}

func (store *Store) insert(ctx context.Context, user authkit.User, passwordHash string) (authkit.User, error) {
	email := normalizeEmail(user.Email)
	exists, err := store.ExistsByEmail(ctx, email)
	if err != nil {
		return authkit.User{}, err
	}
	if exists {
		return authkit.User{}, authkit.NewDuplicateIdentityErrors(email)
	}
	nowUnix := store.config.Now().Unix()
	record := userRecord{
		ID:                         uuid.NewString(),
		Email:                      email,
		PasswordHash:               passwordHash,
		SecurityStamp:              newSecurityStamp(),
		FirstName:                  user.FirstName,
		LastName:                   user.LastName,
		PhoneNumber:                user.PhoneNumber,
		EmailConfirmed:             user.EmailConfirmed,
		PhoneConfirmed:             user.PhoneConfirmed,
		TwoFactorEnabled:           user.TwoFactorEnabled,
		PreferredTwoFactorProvider: int(user.PreferredTwoFactorProvider),
		ExternalProvider:           user.ExternalProvider,
		ExternalSubject:            user.ExternalSubject,
		CreatedUnix:                nowUnix,
		UpdatedUnix:                nowUnix,
	}
	if createErr := store.db.WithContext(ctx).Create(&record).Error; createErr != nil {
		if errors.Is(createErr, gorm.ErrDuplicatedKey) {
			return authkit.User{}, authkit.NewDuplicateIdentityErrors(email)
		}
		return authkit.User{}, fmt.Errorf("credentials.create: %w", createErr)
	}
	store.logger.Info("user created", zap.String("code", "credentials.create.success"), zap.String("user_id", record.ID))
	return record.toUser(), nil
}

// Update persists profile, confirmation, and two-factor fields. An email change rotates the security stamp.
func (store *Store) Update(ctx context.Context, user authkit.User) error {
	record, err := store.loadByID(ctx, user.ID)
	if err != nil {
		return err
	}
	email := normalizeEmail(user.Email)
	changes := map[string]interface{}{
		"email":                         email,
		"first_name":                    user.FirstName,
		"last_name":                     user.LastName,
		"phone_number":                  user.PhoneNumber,
		"email_confirmed":               user.EmailConfirmed,
		"phone_confirmed":               user.PhoneConfirmed,
		"two_factor_enabled":            user.TwoFactorEnabled,
		"preferred_two_factor_provider": int(user.PreferredTwoFactorProvider),
		"updated_unix":                  store.config.Now().Unix(),
	}
	if email != record.Email {
		var collisions int64
		countErr := store.db.WithContext(ctx).Model(&userRecord{}).
			Where("email = ? AND id <> ?", email, user.ID).
			Count(&collisions).Error
		if countErr != nil {
			return fmt.Errorf("credentials.update: %w", countErr)
		}
		if collisions > 0 {
			return fmt.Errorf("credentials.update: %w", authkit.ErrDuplicateEmail)
		}
		changes["security_stamp"] = newSecurityStamp()
	}
	updateErr := store.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", user.ID).Updates(changes).Error
	if updateErr != nil {
		if errors.Is(updateErr, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("credentials.update: %w", authkit.ErrDuplicateEmail)
		}
		return fmt.Errorf("credentials.update: %w", updateErr)
	}
	return nil
}

func (store *Store) FindByExternalLogin(ctx context.Context, provider string, subject string) (authkit.User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).
		Where("external_provider = ? AND external_subject = ?", provider, subject).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return authkit.User{}, fmt.Errorf("credentials.find_by_external_login: %w", authkit.ErrExternalLoginNotFound)
		}
		return authkit.User{}, fmt.Errorf("credentials.find_by_external_login: %w", err)
	}
	return record.toUser(), nil
}
