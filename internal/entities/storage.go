package entities

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var recordUpdateColumns = []string{"updated_at_ms", "deleted", "payload_json"}

// MigrateRecords creates the three record tables on db.
func MigrateRecords(db *gorm.DB) error {
	for _, kind := range Kinds() {
		if err := db.Table(kind.Table()).AutoMigrate(&Record{}); err != nil {
			return err
		}
	}
	return nil
}

// LoadRecord fetches a record by id, locking the row for the remainder of
// the transaction on dialects that support row locks. A missing row yields
// (nil, nil).
func LoadRecord(tx *gorm.DB, kind Kind, id string) (*Record, error) {
	var record Record
	err := tx.Table(kind.Table()).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// UpsertRecord creates or replaces a record.
func UpsertRecord(tx *gorm.DB, kind Kind, record Record) error {
	return tx.Table(kind.Table()).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(recordUpdateColumns),
	}).Create(&record).Error
}

// UpsertRecordIfNewer creates a record or replaces it only when the stored
// updatedAt is strictly older. The guard is evaluated by the database, so a
// concurrent writer that committed a newer value first is never overwritten.
// The boolean reports whether a row was written.
func UpsertRecordIfNewer(tx *gorm.DB, kind Kind, record Record) (bool, error) {
	guard := clause.Expr{SQL: kind.Table() + ".updated_at_ms < excluded.updated_at_ms"}
	result := tx.Table(kind.Table()).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(recordUpdateColumns),
		Where:     clause.Where{Exprs: []clause.Expression{guard}},
	}).Create(&record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// RecordsSince lists records with updatedAt strictly after since, oldest
// first. A nil since lists every record.
func RecordsSince(ctx context.Context, db *gorm.DB, kind Kind, since *int64) ([]Record, error) {
	query := db.WithContext(ctx).Table(kind.Table())
	if since != nil {
		query = query.Where("updated_at_ms > ?", *since)
	}
	records := make([]Record, 0)
	if err := query.Order("updated_at_ms ASC").Order("id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
