package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationLowercaseAccountEmails = "2026-09-14_lowercase_account_emails"
	migrationClearBlankProviderIDs  = "2026-09-21_clear_blank_provider_ids"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationLowercaseAccountEmails, apply: lowercaseAccountEmails},
		{name: migrationClearBlankProviderIDs, apply: clearBlankProviderIDs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// lowercaseAccountEmails folds stored emails to the normalized form lookups use. Rows whose
// lowercase form would collide with another account are left untouched.
func lowercaseAccountEmails(db *gorm.DB) error {
	return db.Exec(`UPDATE accounts SET email = LOWER(TRIM(email))
		WHERE email <> LOWER(TRIM(email))
		AND NOT EXISTS (
			SELECT 1 FROM accounts AS other
			WHERE other.id <> accounts.id AND other.email = LOWER(TRIM(accounts.email))
		)`).Error
}

// clearBlankProviderIDs turns empty provider ids into NULL so the unique index only covers linked accounts.
func clearBlankProviderIDs(db *gorm.DB) error {
	return db.Exec("UPDATE accounts SET provider_id = NULL WHERE provider_id = ''").Error
}
