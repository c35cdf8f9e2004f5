package authkit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryRefreshTokenStore is an in-memory store intended for tests and dev.
type MemoryRefreshTokenStore struct {
	mutex      sync.Mutex
	records    map[uint64]*memoryRecord
	byHash     map[string]uint64
	byPrevious map[string]uint64
	sequenceID uint64
}

type memoryRecord struct {
	UserID       string
	Hash         string
	PreviousHash string
	Token        RefreshToken
}

// NewMemoryRefreshTokenStore creates a new in-memory token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		records:    make(map[uint64]*memoryRecord),
		byHash:     make(map[string]uint64),
		byPrevious: make(map[string]uint64),
	}
}

// Insert stores a new refresh token record.
func (store *MemoryRefreshTokenStore) Insert(ctx context.Context, token RefreshToken) error {
	if strings.TrimSpace(token.Token) == "" {
		return fmt.Errorf("refresh_store.insert.memory: %w", ErrRefreshTokenEmptyOpaque)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	hashValue := HashOpaque(token.Token)
	if _, exists := store.byHash[hashValue]; exists {
		return fmt.Errorf("refresh_store.insert.memory: %w", ErrRefreshTokenDuplicate)
	}
	store.sequenceID++
	store.records[store.sequenceID] = &memoryRecord{
		UserID: token.UserID,
		Hash:   hashValue,
		Token:  token,
	}
	store.byHash[hashValue] = store.sequenceID
	return nil
}

// FindByValue returns the record currently holding the value.
func (store *MemoryRefreshTokenStore) FindByValue(ctx context.Context, value string) (RefreshToken, error) {
	if strings.TrimSpace(value) == "" {
		return RefreshToken{}, fmt.Errorf("refresh_store.find.memory: %w", ErrRefreshTokenEmptyOpaque)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	hashValue := HashOpaque(value)
	recordID, ok := store.byHash[hashValue]
	if !ok {
		if _, replayed := store.byPrevious[hashValue]; replayed {
			return RefreshToken{}, fmt.Errorf("refresh_store.find.memory: %w", ErrRefreshTokenReplayed)
		}
		return RefreshToken{}, fmt.Errorf("refresh_store.find.memory: %w", ErrRefreshTokenNotFound)
	}
	record := store.records[recordID]
	if record == nil {
		return RefreshToken{}, fmt.Errorf("refresh_store.find.memory: %w", ErrRefreshTokenNotFound)
	}
	return record.Token, nil
}

// FindByUser lists every record owned by the user, newest first.
func (store *MemoryRefreshTokenStore) FindByUser(ctx context.Context, userID string) ([]RefreshToken, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	recordIDs := make([]uint64, 0)
	for recordID, record := range store.records {
		if record.UserID == userID {
			recordIDs = append(recordIDs, recordID)
		}
	}
	sort.Slice(recordIDs, func(left, right int) bool { return recordIDs[left] > recordIDs[right] })
	tokens := make([]RefreshToken, 0, len(recordIDs))
	for _, recordID := range recordIDs {
		tokens = append(tokens, store.records[recordID].Token)
	}
	return tokens, nil
}

// Update swaps the non-revoked record holding expectedValue for updated.
func (store *MemoryRefreshTokenStore) Update(ctx context.Context, expectedValue string, updated RefreshToken) error {
	if strings.TrimSpace(expectedValue) == "" || strings.TrimSpace(updated.Token) == "" {
		return fmt.Errorf("refresh_store.update.memory: %w", ErrRefreshTokenEmptyOpaque)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	expectedHash := HashOpaque(expectedValue)
	recordID, ok := store.byHash[expectedHash]
	if !ok {
		return fmt.Errorf("refresh_store.update.memory: %w", ErrRefreshTokenStale)
	}
	record := store.records[recordID]
	if record == nil || record.Token.Revoked {
		return fmt.Errorf("refresh_store.update.memory: %w", ErrRefreshTokenStale)
	}

	updatedHash := HashOpaque(updated.Token)
	if updatedHash != expectedHash {
		if _, exists := store.byHash[updatedHash]; exists {
			return fmt.Errorf("refresh_store.update.memory: %w", ErrRefreshTokenDuplicate)
		}
		delete(store.byHash, expectedHash)
		if record.PreviousHash != "" {
			delete(store.byPrevious, record.PreviousHash)
		}
		record.PreviousHash = expectedHash
		store.byPrevious[expectedHash] = recordID
		store.byHash[updatedHash] = recordID
		record.Hash = updatedHash
	}
	updated.UserID = record.UserID
	updated.CreatedAt = record.Token.CreatedAt
	record.Token = updated
	return nil
}

// RevokeByUser marks every non-revoked record of the user as revoked.
func (store *MemoryRefreshTokenStore) RevokeByUser(ctx context.Context, userID string) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var revokedCount int64
	for _, record := range store.records {
		if record.UserID != userID || record.Token.Revoked {
			continue
		}
		record.Token.Revoked = true
		revokedCount++
	}
	return revokedCount, nil
}

// RevokeByPrevious revokes the record that value was rotated into, if it is still active.
func (store *MemoryRefreshTokenStore) RevokeByPrevious(ctx context.Context, value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, fmt.Errorf("refresh_store.revoke_by_previous.memory: %w", ErrRefreshTokenEmptyOpaque)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	recordID, ok := store.byPrevious[HashOpaque(value)]
	if !ok {
		return 0, nil
	}
	record := store.records[recordID]
	if record == nil || record.Token.Revoked {
		return 0, nil
	}
	record.Token.Revoked = true
	return 1, nil
}
