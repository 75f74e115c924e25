package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const pgErrUniqueViolation = "23505"

// Store persists accounts. Implementations must enforce uniqueness of email and provider id in
// storage and report violations as ErrUniqueViolation; lookups that miss return ErrAccountNotFound.
type Store interface {
	FindByID(ctx context.Context, id uint) (Account, error)
	FindByEmail(ctx context.Context, email string) (Account, error)
	FindByProviderID(ctx context.Context, providerID string) (Account, error)
	Insert(ctx context.Context, account *Account) error
	// LinkProvider attaches providerID and refreshes the name only when the account has no provider
	// yet. It reports false when another writer linked the account first.
	LinkProvider(ctx context.Context, id uint, providerID string, name string) (bool, error)
	UpdatePassword(ctx context.Context, id uint, credential string) error
	ListWithPassword(ctx context.Context) ([]Account, error)
}

// GormStore is the Store backed by gorm; it works against both SQLite and Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a GormStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database connection required", ErrConfig)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) FindByID(ctx context.Context, id uint) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&account).Error
	return account, mapLookupError(err)
}

func (s *GormStore) FindByEmail(ctx context.Context, email string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).Take(&account).Error
	return account, mapLookupError(err)
}

func (s *GormStore) FindByProviderID(ctx context.Context, providerID string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("provider_id = ?", providerID).Take(&account).Error
	return account, mapLookupError(err)
}

func (s *GormStore) Insert(ctx context.Context, account *Account) error {
	account.Email = NormalizeEmail(account.Email)
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *GormStore) LinkProvider(ctx context.Context, id uint, providerID string, name string) (bool, error) {
	updates := map[string]interface{}{"provider_id": providerID}
	if strings.TrimSpace(name) != "" {
		updates["name"] = name
	}
	result := s.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ? AND (provider_id IS NULL OR provider_id = '')", id).
		Updates(updates)
	if result.Error != nil {
		return false, mapWriteError(result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) UpdatePassword(ctx context.Context, id uint, credential string) error {
	result := s.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", id).
		Update("password", credential)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *GormStore) ListWithPassword(ctx context.Context) ([]Account, error) {
	var accounts []Account
	err := s.db.WithContext(ctx).
		Where("password <> ''").
		Order("id ASC").
		Find(&accounts).
		Error
	return accounts, err
}

func mapLookupError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrAccountNotFound
	}
	return err
}

func mapWriteError(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrUniqueViolation, err)
	}
	return err
}

// isUniqueViolation recognises duplicate keys from gorm's translated errors, Postgres
// (SQLSTATE 23505) and SQLite.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
