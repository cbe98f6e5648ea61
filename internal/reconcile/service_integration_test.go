package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/possync/internal/entities"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type steppingClock struct {
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := entities.MigrateRecords(db); err != nil {
		t.Fatalf("failed to migrate records: %v", err)
	}
	if err := db.AutoMigrate(&AuditEntry{}); err != nil {
		t.Fatalf("failed to migrate audit log: %v", err)
	}

	clock := &steppingClock{current: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func newFileService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "possync.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite file: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := entities.MigrateRecords(db); err != nil {
		t.Fatalf("failed to migrate records: %v", err)
	}
	if err := db.AutoMigrate(&AuditEntry{}); err != nil {
		t.Fatalf("failed to migrate audit log: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func productChange(entityID string, operation entities.Operation, payload string) Change {
	return Change{
		Kind:      entities.KindProduct,
		EntityID:  entities.EntityID(entityID),
		Operation: operation,
		Payload:   json.RawMessage(payload),
	}
}

func mustApply(t *testing.T, service *Service, batch Batch) BatchResult {
	t.Helper()
	result, err := service.ApplyBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	return result
}

func mustLoad(t *testing.T, db *gorm.DB, kind entities.Kind, id string) entities.Record {
	t.Helper()
	record, err := entities.LoadRecord(db, kind, id)
	if err != nil {
		t.Fatalf("failed to load %s %s: %v", kind, id, err)
	}
	if record == nil {
		t.Fatalf("expected %s %s to be stored", kind, id)
	}
	return *record
}

func countAudit(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&AuditEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count audit entries: %v", err)
	}
	return count
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := entities.ParseTimestamp(value)
	if err != nil {
		t.Fatalf("invalid timestamp %s: %v", value, err)
	}
	return parsed
}

func TestApplyBatchCreatesNewEntity(t *testing.T) {
	service, db := newTestService(t)

	result := mustApply(t, service, Batch{
		DeviceID: "device-a",
		Changes: []Change{
			productChange("P1", entities.OperationCreate, `{"id":"P1","updatedAt":"2024-01-01T00:00:00Z","name":"Widget"}`),
		},
	})

	if len(result.Outcomes) != 1 || !result.Outcomes[0].Accepted {
		t.Fatalf("expected create to be accepted, got %#v", result.Outcomes)
	}
	if len(result.Changes.Products) != 1 || result.Changes.Products[0].ID != "P1" {
		t.Fatalf("expected P1 in updated products, got %#v", result.Changes.Products)
	}
	if result.ServerTime.IsZero() {
		t.Fatalf("expected server time to be set")
	}

	stored := mustLoad(t, db, entities.KindProduct, "P1")
	if stored.UpdatedAtMillis != mustTime(t, "2024-01-01T00:00:00Z").UnixMilli() {
		t.Fatalf("unexpected stored updatedAt %d", stored.UpdatedAtMillis)
	}
	if countAudit(t, db) != 1 {
		t.Fatalf("expected one audit entry")
	}
}

func TestApplyBatchIgnoresStaleWriteButAuditsIt(t *testing.T) {
	service, db := newTestService(t)
	mustApply(t, service, Batch{
		DeviceID: "device-a",
		Changes: []Change{
			productChange("P1", entities.OperationCreate, `{"updatedAt":"2024-01-01T00:00:00Z","name":"Widget"}`),
		},
	})
	before := mustLoad(t, db, entities.KindProduct, "P1")

	lastSync := mustTime(t, "2023-06-01T00:00:00Z")
	result := mustApply(t, service, Batch{
		DeviceID:   "device-b",
		LastSyncAt: &lastSync,
		Changes: []Change{
			productChange("P1", entities.OperationUpdate, `{"updatedAt":"2023-12-31T00:00:00Z","name":"Gadget"}`),
		},
	})

	if result.Outcomes[0].Accepted {
		t.Fatalf("expected stale write to be ignored")
	}
	after := mustLoad(t, db, entities.KindProduct, "P1")
	if after != before {
		t.Fatalf("stale write changed stored state:\nbefore %#v\nafter  %#v", before, after)
	}
	if len(result.Changes.Products) != 1 || !strings.Contains(result.Changes.Products[0].PayloadJSON, "Widget") {
		t.Fatalf("expected stored P1 to be returned to device b, got %#v", result.Changes.Products)
	}

	entries, err := service.ListAudit(context.Background(), AuditFilter{DeviceID: "device-b"})
	if err != nil {
		t.Fatalf("unexpected audit error: %v", err)
	}
	if len(entries) != 1 || entries[0].Applied || entries[0].Operation != "update" {
		t.Fatalf("expected one unapplied audit entry for device b, got %#v", entries)
	}
}

func TestApplyBatchSoftDeletes(t *testing.T) {
	service, db := newTestService(t)
	mustApply(t, service, Batch{
		DeviceID: "device-a",
		Changes: []Change{
			productChange("P1", entities.OperationCreate, `{"updatedAt":"2024-01-01T00:00:00Z","name":"Widget"}`),
		},
	})
	mustApply(t, service, Batch{
		DeviceID: "device-a",
		Changes: []Change{
			productChange("P1", entities.OperationDelete, `{"id":"P1","updatedAt":"2024-01-05T00:00:00Z"}`),
		},
	})

	stored := mustLoad(t, db, entities.KindProduct, "P1")
	if !stored.Deleted {
		t.Fatalf("expected P1 to be soft deleted")
	}
	if stored.UpdatedAtMillis != mustTime(t, "2024-01-05T00:00:00Z").UnixMilli() {
		t.Fatalf("expected delete timestamp to be stored, got %d", stored.UpdatedAtMillis)
	}
	var rows int64
	if err := db.Table(entities.KindProduct.Table()).Count(&rows).Error; err != nil {
		t.Fatalf("failed to count products: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected the row to survive deletion, found %d rows", rows)
	}
}

func TestApplyBatchGreaterTimestampWinsRegardlessOfArrival(t *testing.T) {
	older := productChange("P1", entities.OperationUpdate, `{"updatedAt":"2024-02-01T00:00:00Z","name":"older"}`)
	newer := productChange("P1", entities.OperationUpdate, `{"updatedAt":"2024-02-02T00:00:00Z","name":"newer"}`)

	tests := []struct {
		name  string
		first Change
		then  Change
	}{
		{name: "older-first", first: older, then: newer},
		{name: "newer-first", first: newer, then: older},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, db := newTestService(t)
			mustApply(t, service, Batch{DeviceID: "device-a", Changes: []Change{tt.first}})
			mustApply(t, service, Batch{DeviceID: "device-b", Changes: []Change{tt.then}})

			stored := mustLoad(t, db, entities.KindProduct, "P1")
			if !strings.Contains(stored.PayloadJSON, `"newer"`) {
				t.Fatalf("expected newer write to win, stored %s", stored.PayloadJSON)
			}
			if stored.UpdatedAtMillis != mustTime(t, "2024-02-02T00:00:00Z").UnixMilli() {
				t.Fatalf("unexpected stored timestamp %d", stored.UpdatedAtMillis)
			}
		})
	}
}

func TestApplyBatchReplayIsNoOp(t *testing.T) {
	service, db := newTestService(t)
	batch := Batch{
		DeviceID: "device-a",
		Changes: []Change{
			productChange("P1", entities.OperationCreate, `{"updatedAt":"2024-01-01T00:00:00Z","name":"Widget"}`),
			{
				Kind:      entities.KindClient,
				EntityID:  "C1",
				Operation: entities.OperationCreate,
				Payload:   json.RawMessage(`{"updatedAt":"2024-01-01T00:00:00Z","name":"Walk-in Client"}`),
			},
		},
	}

	mustApply(t, service, batch)
	firstProduct := mustLoad(t, db, entities.KindProduct, "P1")
	firstClient := mustLoad(t, db, entities.KindClient, "C1")

	replay := mustApply(t, service, batch)
	for _, outcome := range replay.Outcomes {
		if outcome.Accepted {
			t.Fatalf("replayed change %s should be a no-op", outcome.Change.EntityID)
		}
	}
	if mustLoad(t, db, entities.KindProduct, "P1") != firstProduct {
		t.Fatalf("replay changed stored product")
	}
	if mustLoad(t, db, entities.KindClient, "C1") != firstClient {
		t.Fatalf("replay changed stored client")
	}
	if countAudit(t, db) != 4 {
		t.Fatalf("expected audit log to record every submission")
	}
}

func TestApplyBatchOrderIndependence(t *testing.T) {
	product := productChange("P1", entities.OperationCreate, `{"updatedAt":"2024-01-01T00:00:00Z","name":"Widget"}`)
	order := Change{
		Kind:      entities.KindOrder,
		EntityID:  "O1",
		Operation: entities.OperationCreate,
		Payload:   json.RawMessage(`{"updatedAt":"2024-01-01T00:00:01Z","status":"pending","totalAmount":150}`),
	}

	forwardService, forwardDB := newTestService(t)
	mustApply(t, forwardService, Batch{DeviceID: "device-a", Changes: []Change{product, order}})

	t.Run("reversed", func(t *testing.T) {
		service, db := newTestService(t)
		mustApply(t, service, Batch{DeviceID: "device-a", Changes: []Change{order, product}})
		if mustLoad(t, db, entities.KindProduct, "P1") != mustLoad(t, forwardDB, entities.KindProduct, "P1") {
			t.Fatalf("product differs between batch orders")
		}
		if mustLoad(t, db, entities.KindOrder, "O1") != mustLoad(t, forwardDB, entities.KindOrder, "O1") {
			t.Fatalf("order differs between batch orders")
		}
	})
}

func TestApplyBatchSameEntityOrderIndependence(t *testing.T) {
	create := productChange("P1", entities.OperationCreate, `{"updatedAt":"2024-01-01T00:00:00Z","name":"Widget","stock":5}`)
	remove := productChange("P1", entities.OperationDelete, `{"updatedAt":"2024-01-02T00:00:00Z"}`)

	forwardService, forwardDB := newTestService(t)
	mustApply(t, forwardService, Batch{DeviceID: "device-a", Changes: []Change{create, remove}})
	forward := mustLoad(t, forwardDB, entities.KindProduct, "P1")

	service, db := newTestService(t)
	result := mustApply(t, service, Batch{DeviceID: "device-a", Changes: []Change{remove, create}})
	reversed := mustLoad(t, db, entities.KindProduct, "P1")

	if reversed != forward {
		t.Fatalf("stored state depends on batch order:\nforward  %#v\nreversed %#v", forward, reversed)
	}
	if !reversed.Deleted || reversed.UpdatedAtMillis != mustTime(t, "2024-01-02T00:00:00Z").UnixMilli() {
		t.Fatalf("expected delete to win, got %#v", reversed)
	}
	if !result.Outcomes[0].Accepted || result.Outcomes[1].Accepted {
		t.Fatalf("expected delete accepted and older create rejected, got %#v", result.Outcomes)
	}
}

func TestApplyBatchSerializesConcurrentWriters(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		service, db := newFileService(t)
		mustApply(t, service, Batch{
			DeviceID: "device-seed",
			Changes: []Change{
				productChange("P1", entities.OperationCreate, `{"updatedAt":"2024-01-01T00:00:00Z","name":"seed"}`),
			},
		})

		batches := []Batch{
			{DeviceID: "device-a", Changes: []Change{productChange("P1", entities.OperationUpdate, `{"updatedAt":"2024-01-02T00:00:00Z","name":"older"}`)}},
			{DeviceID: "device-b", Changes: []Change{productChange("P1", entities.OperationUpdate, `{"updatedAt":"2024-01-03T00:00:00Z","name":"newer"}`)}},
		}
		errs := make([]error, len(batches))
		var wg sync.WaitGroup
		start := make(chan struct{})
		for index, batch := range batches {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, errs[index] = service.ApplyBatch(context.Background(), batch)
			}()
		}
		close(start)
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				t.Fatalf("unexpected apply error: %v", err)
			}
		}

		stored := mustLoad(t, db, entities.KindProduct, "P1")
		if !strings.Contains(stored.PayloadJSON, `"newer"`) || stored.UpdatedAtMillis != mustTime(t, "2024-01-03T00:00:00Z").UnixMilli() {
			t.Fatalf("attempt %d: expected greater timestamp to win, stored %s", attempt, stored.PayloadJSON)
		}
		var writes int64
		if err := db.Model(&AuditEntry{}).Where("device_id IN ?", []string{"device-a", "device-b"}).Count(&writes).Error; err != nil {
			t.Fatalf("failed to count audit entries: %v", err)
		}
		if writes != 2 {
			t.Fatalf("attempt %d: expected two audit entries, got %d", attempt, writes)
		}
	}
}

func TestApplyBatchRejectsWriteOvertakenAfterRead(t *testing.T) {
	service, db := newTestService(t)

	injected := false
	err := db.Callback().Create().Before("gorm:create").Register("test:overtake", func(tx *gorm.DB) {
		if injected || tx.Statement.Table != entities.KindProduct.Table() {
			return
		}
		injected = true
		insert := tx.Session(&gorm.Session{NewDB: true}).Exec(
			"INSERT INTO products (id, updated_at_ms, deleted, payload_json) VALUES (?, ?, ?, ?)",
			"P1", mustTime(t, "2024-01-05T00:00:00Z").UnixMilli(), false, `{"id":"P1","name":"other device"}`)
		if insert.Error != nil {
			_ = tx.AddError(insert.Error)
		}
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	result := mustApply(t, service, Batch{
		DeviceID: "device-a",
		Changes: []Change{
			productChange("P1", entities.OperationCreate, `{"updatedAt":"2024-01-02T00:00:00Z","name":"Widget"}`),
		},
	})

	outcome := result.Outcomes[0]
	if outcome.Accepted {
		t.Fatalf("expected overtaken write to be reported as rejected")
	}
	if outcome.Stored == nil || !strings.Contains(outcome.Stored.PayloadJSON, "other device") {
		t.Fatalf("expected outcome to carry the stored row, got %#v", outcome.Stored)
	}
	entries, err := service.ListAudit(context.Background(), AuditFilter{DeviceID: "device-a"})
	if err != nil {
		t.Fatalf("unexpected audit error: %v", err)
	}
	if len(entries) != 1 || entries[0].Applied {
		t.Fatalf("expected one unapplied audit entry, got %#v", entries)
	}
}

func TestApplyBatchReturnsOnlyChangesAfterCursor(t *testing.T) {
	service, _ := newTestService(t)
	mustApply(t, service, Batch{
		DeviceID: "device-a",
		Changes: []Change{
			productChange("P-old", entities.OperationCreate, `{"updatedAt":"2024-01-01T00:00:00Z"}`),
			productChange("P-edge", entities.OperationCreate, `{"updatedAt":"2024-01-02T00:00:00Z"}`),
			productChange("P-new", entities.OperationCreate, `{"updatedAt":"2024-01-03T00:00:00Z"}`),
		},
	})

	cursor := mustTime(t, "2024-01-02T00:00:00Z")
	result := mustApply(t, service, Batch{DeviceID: "device-b", LastSyncAt: &cursor})

	if len(result.Changes.Products) != 1 || result.Changes.Products[0].ID != "P-new" {
		t.Fatalf("expected only P-new after cursor, got %#v", result.Changes.Products)
	}
	if len(result.Changes.Clients) != 0 || len(result.Changes.Orders) != 0 {
		t.Fatalf("expected empty client and order buckets")
	}
}

func TestApplyBatchRollsBackOnFailure(t *testing.T) {
	service, db := newTestService(t)

	_, err := service.ApplyBatch(context.Background(), Batch{
		DeviceID: "device-a",
		Changes: []Change{
			productChange("P2", entities.OperationCreate, `{"updatedAt":"2024-01-01T00:00:00Z"}`),
			productChange("P3", entities.OperationCreate, `{"updatedAt":"not-a-date"}`),
		},
	})
	if err == nil {
		t.Fatalf("expected batch to fail")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "reconcile.apply_batch.invalid_payload" {
		t.Fatalf("unexpected error %v", err)
	}

	record, err := entities.LoadRecord(db, entities.KindProduct, "P2")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if record != nil {
		t.Fatalf("expected P2 to be rolled back")
	}
	if countAudit(t, db) != 0 {
		t.Fatalf("expected audit entries to be rolled back")
	}
}

func TestApplyBatchRequiresDatabase(t *testing.T) {
	service := &Service{}
	_, err := service.ApplyBatch(context.Background(), Batch{DeviceID: "device-a"})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "reconcile.apply_batch.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}
