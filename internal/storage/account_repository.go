package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xthreadcraft/internal/models"

	"gorm.io/gorm"
)

// AccountRepository handles database operations for linked platform accounts
type AccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// MigrateTable ensures the accounts table exists
func (r *AccountRepository) MigrateTable() error {
	return r.db.AutoMigrate(&models.Account{})
}

// Get retrieves an account by owner id
func (r *AccountRepository) Get(ctx context.Context, ownerID string) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).Where("id = ?", ownerID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: account %s", models.ErrNotFound, ownerID)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Upsert creates a new account or updates the existing one
func (r *AccountRepository) Upsert(ctx context.Context, account *models.Account) error {
	db := r.db.WithContext(ctx)
	var existing models.Account
	err := db.Where("id = ?", account.ID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Create(account).Error
	}
	if err != nil {
		return err
	}

	account.CreatedAt = existing.CreatedAt
	account.UpdatedAt = time.Now().UTC()
	return db.Save(account).Error
}

// AccessToken returns the stored user credentials for ownerID, or empty
// strings when the owner has not linked an account.
func (r *AccountRepository) AccessToken(ctx context.Context, ownerID string) (string, string, error) {
	account, err := r.Get(ctx, ownerID)
	if errors.Is(err, models.ErrNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return account.AccessToken, account.AccessSecret, nil
}
