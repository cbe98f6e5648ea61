package reconcile

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/possync/internal/entities"
)

// AuditEntry captures an append-only trail of every operation a device
// submitted, whether or not it was applied.
type AuditEntry struct {
	EntryID          string `gorm:"column:entry_id;primaryKey;size:64;not null"`
	DeviceID         string `gorm:"column:device_id;size:190;not null;index:idx_sync_logs_device_time,priority:1"`
	Entity           string `gorm:"column:entity;size:32;not null;index:idx_sync_logs_entity,priority:1"`
	EntityID         string `gorm:"column:entity_id;size:190;not null;index:idx_sync_logs_entity,priority:2"`
	Operation        string `gorm:"column:operation;size:16;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	Applied          bool   `gorm:"column:applied;not null"`
	RecordedAtMillis int64  `gorm:"column:recorded_at_ms;not null;index:idx_sync_logs_device_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (AuditEntry) TableName() string {
	return "sync_logs"
}

// RecordedAt returns the audit timestamp as time.
func (e AuditEntry) RecordedAt() time.Time {
	return entities.MillisToTime(e.RecordedAtMillis)
}

// Change is one validated device mutation inside a batch.
type Change struct {
	Kind      entities.Kind
	EntityID  entities.EntityID
	Operation entities.Operation
	Payload   json.RawMessage
}

// Batch is the unit of reconciliation: every change from one sync request.
type Batch struct {
	DeviceID   string
	LastSyncAt *time.Time
	Changes    []Change
}

// Outcome reports the decision taken for one change.
type Outcome struct {
	Change   Change
	Accepted bool
	Stored   *entities.Record
}

// BatchResult is returned once the batch transaction commits.
type BatchResult struct {
	Outcomes   []Outcome
	Changes    entities.Changes
	ServerTime time.Time
}

// AuditFilter narrows ListAudit results. Zero values match everything.
type AuditFilter struct {
	DeviceID string
	Kind     entities.Kind
	EntityID string
	Limit    int
}
