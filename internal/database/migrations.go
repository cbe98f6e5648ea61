package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/possync/internal/entities"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationEntityUpdatedAtIndexes = "2026-10-01_entity_updated_at_indexes"

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
		{name: migrationEntityUpdatedAtIndexes, apply: createEntityUpdatedAtIndexes},
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

// The record tables share one struct, so index names cannot come from tags:
// SQLite index names are global to the schema.
func createEntityUpdatedAtIndexes(db *gorm.DB) error {
	for _, kind := range entities.Kinds() {
		table := kind.Table()
		statement := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_updated_at ON %s (updated_at_ms)", table, table)
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
