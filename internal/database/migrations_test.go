package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/accounts"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesAccountEmails(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&accounts.Account{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := []accounts.Account{
		{Name: "Ann", Email: " Ann@Example.com "},
		{Name: "Bob", Email: "bob@example.com"},
		{Name: "Bob Again", Email: "BOB@example.com"},
	}
	for index := range legacy {
		if err := database.Create(&legacy[index]).Error; err != nil {
			testContext.Fatalf("failed to insert account: %v", err)
		}
	}
	if err := database.Exec("UPDATE accounts SET provider_id = '' WHERE id = ?", legacy[1].ID).Error; err != nil {
		testContext.Fatalf("failed to seed blank provider id: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var ann accounts.Account
	if err := database.Take(&ann, legacy[0].ID).Error; err != nil {
		testContext.Fatalf("failed to reload account: %v", err)
	}
	if ann.Email != "ann@example.com" {
		testContext.Fatalf("expected normalized email, got %q", ann.Email)
	}

	var collided accounts.Account
	if err := database.Take(&collided, legacy[2].ID).Error; err != nil {
		testContext.Fatalf("failed to reload colliding account: %v", err)
	}
	if collided.Email != "BOB@example.com" {
		testContext.Fatalf("expected colliding email to be left alone, got %q", collided.Email)
	}

	var bob accounts.Account
	if err := database.Take(&bob, legacy[1].ID).Error; err != nil {
		testContext.Fatalf("failed to reload account: %v", err)
	}
	if bob.ProviderID != nil {
		testContext.Fatalf("expected blank provider id to be cleared, got %q", *bob.ProviderID)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationLowercaseAccountEmails).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected reapplying migrations to be a no-op: %v", err)
	}
	var recordCount int64
	database.Model(&migrationRecord{}).Count(&recordCount)
	if recordCount != 2 {
		testContext.Fatalf("expected two migration records, got %d", recordCount)
	}
}

func TestOpenMigratesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "waroeng.db")

	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"accounts", "businesses", "products", "reviews", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open("mysql", "whatever", zap.NewNop()); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(DriverSQLite, " ", zap.NewNop()); err != ErrMissingDSN {
		testContext.Fatalf("expected missing dsn error, got %v", err)
	}
}
