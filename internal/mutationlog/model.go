package mutationlog

import (
	"time"

	"github.com/MarcoPoloResearchLab/possync/internal/entities"
	"gorm.io/gorm"
)

// Status tracks whether the server has acknowledged a mutation.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
)

// cursorRowID is the fixed primary key of the singleton cursor row.
const cursorRowID = 1

// Mutation is one locally recorded entity write awaiting acknowledgment.
// Only Status and SentAtMillis change after the row is written.
type Mutation struct {
	ID              string `gorm:"column:id;primaryKey;size:64;not null"`
	Entity          string `gorm:"column:entity;size:32;not null"`
	EntityID        string `gorm:"column:entity_id;size:190;not null"`
	Operation       string `gorm:"column:operation;size:16;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	Status          Status `gorm:"column:status;size:16;not null;index:idx_mutations_status_created,priority:1"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_mutations_status_created,priority:2"`
	SentAtMillis    *int64 `gorm:"column:sent_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Mutation) TableName() string {
	return "mutations"
}

// CreatedAt returns the creation time.
func (m Mutation) CreatedAt() time.Time {
	return entities.MillisToTime(m.CreatedAtMillis)
}

// SyncCursor records the server time of the last fully applied round.
type SyncCursor struct {
	ID             int   `gorm:"column:id;primaryKey;autoIncrement:false"`
	LastSyncMillis int64 `gorm:"column:last_sync_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncCursor) TableName() string {
	return "sync_cursor"
}

// RoundCommit is everything a successful round writes locally.
type RoundCommit struct {
	Changes    entities.Changes
	SentIDs    []string
	ServerTime time.Time
}

// Migrate creates the device-side tables on db.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Mutation{}, &SyncCursor{}); err != nil {
		return err
	}
	return entities.MigrateRecords(db)
}
