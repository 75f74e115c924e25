package accounts

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const testSigningSecret = "accounts-test-secret"

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Account{}); err != nil {
		t.Fatalf("failed to migrate accounts: %v", err)
	}
	return db
}

func newTestIssuer(t *testing.T, clock func() time.Time) *auth.TokenIssuer {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "waroeng-api",
		Audience:      "waroeng-app",
		TokenTTL:      7 * 24 * time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	return issuer
}

type serviceFixture struct {
	db      *gorm.DB
	store   *GormStore
	service *Service
}

func newServiceFixture(t *testing.T, mutate func(*ServiceConfig)) serviceFixture {
	t.Helper()
	db := openTestDatabase(t)
	store, err := NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	cfg := ServiceConfig{
		Store:       store,
		Hasher:      auth.NewPasswordHasher(auth.PasswordHasherConfig{Cost: bcrypt.MinCost}),
		Sessions:    newTestIssuer(t, nil),
		AdminEmails: []string{"Boss@Example.com"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return serviceFixture{db: db, store: store, service: service}
}

func countAccounts(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&Account{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count accounts: %v", err)
	}
	return count
}

func mustFindByEmail(t *testing.T, store Store, email string) Account {
	t.Helper()
	account, err := store.FindByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("expected account for %s: %v", email, err)
	}
	return account
}

func stringPointer(value string) *string {
	return &value
}
