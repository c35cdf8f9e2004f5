package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// DatabaseRefreshTokenStore persists rotating refresh tokens using GORM.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
}

type refreshTokenRecord struct {
	ID                uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	UserID            string `gorm:"column:user_id;index;not null"`
	TokenHash         string `gorm:"column:token_hash;uniqueIndex;not null"`
	PreviousTokenHash string `gorm:"column:previous_token_hash;index;not null;default:''"`
	CreatedUnix       int64  `gorm:"column:created_unix;not null"`
	ExpiresUnix       int64  `gorm:"column:expires_unix;not null"`
	Revoked           bool   `gorm:"column:revoked;not null;default:false"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

func (record refreshTokenRecord) toRefreshToken(value string) RefreshToken {
	return RefreshToken{
		Token:     value,
		UserID:    record.UserID,
		CreatedAt: time.Unix(record.CreatedUnix, 0).UTC(),
		ExpiresAt: time.Unix(record.ExpiresUnix, 0).UTC(),
		Revoked:   record.Revoked,
	}
}

// NewDatabaseRefreshTokenStore migrates the refresh_tokens table on the shared connection.
func NewDatabaseRefreshTokenStore(ctx context.Context, database *gorm.DB) (*DatabaseRefreshTokenStore, error) {
	if database == nil {
		return nil, fmt.Errorf("refresh_store.open: %w", errEmptyDatabaseURL)
	}
	driverLabel := database.Dialector.Name()
	if migrateErr := database.WithContext(ctx).AutoMigrate(&refreshTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("refresh_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseRefreshTokenStore{
		db:          database,
		driverLabel: driverLabel,
	}, nil
}

// Insert adds a new refresh token row.
func (store *DatabaseRefreshTokenStore) Insert(ctx context.Context, token RefreshToken) error {
	if strings.TrimSpace(token.Token) == "" {
		return fmt.Errorf("refresh_store.insert.%s: %w", store.driverLabel, ErrRefreshTokenEmptyOpaque)
	}
	record := refreshTokenRecord{
		UserID:      token.UserID,
		TokenHash:   HashOpaque(token.Token),
		CreatedUnix: token.CreatedAt.Unix(),
		ExpiresUnix: token.ExpiresAt.Unix(),
		Revoked:     token.Revoked,
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("refresh_store.insert.%s: %w", store.driverLabel, ErrRefreshTokenDuplicate)
		}
		return fmt.Errorf("refresh_store.insert.%s: %w", store.driverLabel, err)
	}
	return nil
}

// FindByValue locates a refresh token by its opaque value.
func (store *DatabaseRefreshTokenStore) FindByValue(ctx context.Context, value string) (RefreshToken, error) {
	if strings.TrimSpace(value) == "" {
		return RefreshToken{}, fmt.Errorf("refresh_store.find.%s: %w", store.driverLabel, ErrRefreshTokenEmptyOpaque)
	}
	hashValue := HashOpaque(value)
	var record refreshTokenRecord
	err := store.db.WithContext(ctx).Where("token_hash = ?", hashValue).Take(&record).Error
	if err == nil {
		return record.toRefreshToken(value), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return RefreshToken{}, fmt.Errorf("refresh_store.find.%s: %w", store.driverLabel, err)
	}
	var replayCount int64
	countErr := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("previous_token_hash = ?", hashValue).
		Count(&replayCount).Error
	if countErr != nil {
		return RefreshToken{}, fmt.Errorf("refresh_store.find.%s: %w", store.driverLabel, countErr)
	}
	if replayCount > 0 {
		return RefreshToken{}, fmt.Errorf("refresh_store.find.%s: %w", store.driverLabel, ErrRefreshTokenReplayed)
	}
	return RefreshToken{}, fmt.Errorf("refresh_store.find.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
}

// FindByUser lists the user's records, newest first. Values are not recoverable and are left empty.
func (store *DatabaseRefreshTokenStore) FindByUser(ctx context.Context, userID string) ([]RefreshToken, error) {
	var records []refreshTokenRecord
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("refresh_store.find_by_user.%s: %w", store.driverLabel, err)
	}
	tokens := make([]RefreshToken, 0, len(records))
	for _, record := range records {
		tokens = append(tokens, record.toRefreshToken(""))
	}
	return tokens, nil
}

// Update performs the compare-and-swap as a single conditional UPDATE.
func (store *DatabaseRefreshTokenStore) Update(ctx context.Context, expectedValue string, updated RefreshToken) error {
	if strings.TrimSpace(expectedValue) == "" || strings.TrimSpace(updated.Token) == "" {
		return fmt.Errorf("refresh_store.update.%s: %w", store.driverLabel, ErrRefreshTokenEmptyOpaque)
	}
	expectedHash := HashOpaque(expectedValue)
	updatedHash := HashOpaque(updated.Token)
	changes := map[string]interface{}{
		"token_hash":   updatedHash,
		"expires_unix": updated.ExpiresAt.Unix(),
		"revoked":      updated.Revoked,
	}
	if updatedHash != expectedHash {
		changes["previous_token_hash"] = expectedHash
	}
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_hash = ? AND revoked = ?", expectedHash, false).
		Updates(changes)
	if result.Error != nil {
		if isDuplicateKeyError(result.Error) {
			return fmt.Errorf("refresh_store.update.%s: %w", store.driverLabel, ErrRefreshTokenDuplicate)
		}
		return fmt.Errorf("refresh_store.update.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("refresh_store.update.%s: %w", store.driverLabel, ErrRefreshTokenStale)
	}
	return nil
}

// RevokeByUser flips every active row of the user to revoked.
func (store *DatabaseRefreshTokenStore) RevokeByUser(ctx context.Context, userID string) (int64, error) {
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("user_id = ? AND revoked = ?", userID, false).
		Update("revoked", true)
	if result.Error != nil {
		return 0, fmt.Errorf("refresh_store.revoke_by_user.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

// RevokeByPrevious revokes the active row whose previous hash matches value.
func (store *DatabaseRefreshTokenStore) RevokeByPrevious(ctx context.Context, value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, fmt.Errorf("refresh_store.revoke_by_previous.%s: %w", store.driverLabel, ErrRefreshTokenEmptyOpaque)
	}
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("previous_token_hash = ? AND revoked = ?", HashOpaque(value), false).
		Update("revoked", true)
	if result.Error != nil {
		return 0, fmt.Errorf("refresh_store.revoke_by_previous.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}
