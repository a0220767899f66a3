package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/lodestar/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillNeedsSync = "2026-07-14_backfill_needs_sync_flags"

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
		{name: migrationBackfillNeedsSync, apply: backfillNeedsSyncFlags},
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
		if err := migration.apply(db); err != nil {
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

// Rows written before the needs_sync column existed default to false even
// when still pending. Re-derive the flag from the sync status.
func backfillNeedsSyncFlags(db *gorm.DB) error {
	return db.Model(&notes.Note{}).
		Where("sync_status = ? AND needs_sync = ?", notes.SyncStatusPending, false).
		Update("needs_sync", true).Error
}
