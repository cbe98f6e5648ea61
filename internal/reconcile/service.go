package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/possync/internal/entities"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDeviceID   = errors.New("device identifier is required")
	noOpLogger           = zap.NewNop()
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "reconcile.service.new"
	opApplyBatch    = "reconcile.apply_batch"
	opChangesSince  = "reconcile.changes_since"
	opListAudit     = "reconcile.list_audit"
	payloadJSONNull = "null"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service is the authoritative reconciliation point for device batches.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// ApplyBatch reconciles every change of the batch inside one transaction and
// then returns all records changed after batch.LastSyncAt. A failure on any
// change rolls the whole batch back.
func (s *Service) ApplyBatch(ctx context.Context, batch Batch) (BatchResult, error) {
	if s.db == nil {
		s.logError(opApplyBatch, "missing_database", errMissingDatabase)
		return BatchResult{}, newServiceError(opApplyBatch, "missing_database", errMissingDatabase)
	}
	if s.idProvider == nil {
		s.logError(opApplyBatch, "missing_id_provider", errMissingIDProvider)
		return BatchResult{}, newServiceError(opApplyBatch, "missing_id_provider", errMissingIDProvider)
	}
	if batch.DeviceID == "" {
		return BatchResult{}, newServiceError(opApplyBatch, "missing_device_id", errMissingDeviceID)
	}

	requestTime := s.clock().UTC()
	outcomes := make([]Outcome, 0, len(batch.Changes))
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, change := range batch.Changes {
			outcome, err := s.applyChange(tx, batch.DeviceID, change, requestTime)
			if err != nil {
				return err
			}
			outcomes = append(outcomes, outcome)
		}
		return nil
	})
	if txErr != nil {
		return BatchResult{}, txErr
	}

	serverTime := s.clock().UTC()
	changes, err := s.ChangesSince(ctx, batch.LastSyncAt)
	if err != nil {
		return BatchResult{}, err
	}

	accepted := 0
	for _, outcome := range outcomes {
		if outcome.Accepted {
			accepted++
		}
	}
	s.loggerOrDefault().Debug("batch reconciled",
		zap.String("device_id", batch.DeviceID),
		zap.Int("operations", len(batch.Changes)),
		zap.Int("accepted", accepted),
		zap.Int("returned", changes.Len()))

	return BatchResult{
		Outcomes:   outcomes,
		Changes:    changes,
		ServerTime: serverTime,
	}, nil
}

func (s *Service) applyChange(tx *gorm.DB, deviceID string, change Change, requestTime time.Time) (Outcome, error) {
	fields := []zap.Field{
		zap.String("device_id", deviceID),
		zap.String("entity", change.Kind.String()),
		zap.String("entity_id", change.EntityID.String()),
	}

	table := change.Kind.Table()
	if table == "" {
		err := fmt.Errorf("%w: %q", entities.ErrUnknownKind, change.Kind)
		s.logError(opApplyBatch, "unknown_entity", err, fields...)
		return Outcome{}, newServiceError(opApplyBatch, "unknown_entity", err)
	}

	incoming, err := entities.NewRecord(change.EntityID, change.Payload, requestTime)
	if err != nil {
		s.logError(opApplyBatch, "invalid_payload", err, fields...)
		return Outcome{}, newServiceError(opApplyBatch, "invalid_payload", err)
	}

	existing, err := entities.LoadRecord(tx, change.Kind, change.EntityID.String())
	if err != nil {
		s.logError(opApplyBatch, "entity_select_failed", err, fields...)
		return Outcome{}, newServiceError(opApplyBatch, "entity_select_failed", err)
	}

	decision, err := resolveChange(existing, change, incoming)
	if err != nil {
		s.logError(opApplyBatch, "resolve_change_failed", err, fields...)
		return Outcome{}, newServiceError(opApplyBatch, "resolve_change_failed", err)
	}

	if decision.Accepted {
		written, err := entities.UpsertRecordIfNewer(tx, change.Kind, *decision.Record)
		if err != nil {
			s.logError(opApplyBatch, "entity_save_failed", err, fields...)
			return Outcome{}, newServiceError(opApplyBatch, "entity_save_failed", err)
		}
		if !written {
			// A concurrent writer stored a row at least as new after our read.
			current, err := entities.LoadRecord(tx, change.Kind, change.EntityID.String())
			if err != nil {
				s.logError(opApplyBatch, "entity_select_failed", err, fields...)
				return Outcome{}, newServiceError(opApplyBatch, "entity_select_failed", err)
			}
			decision = conflictOutcome{Accepted: false, Record: current}
		}
	}

	entryID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opApplyBatch, "id_generation_failed", err, fields...)
		return Outcome{}, newServiceError(opApplyBatch, "id_generation_failed", err)
	}
	payloadJSON := string(change.Payload)
	if payloadJSON == "" {
		payloadJSON = payloadJSONNull
	}
	audit := AuditEntry{
		EntryID:          entryID,
		DeviceID:         deviceID,
		Entity:           change.Kind.String(),
		EntityID:         change.EntityID.String(),
		Operation:        change.Operation.String(),
		PayloadJSON:      payloadJSON,
		Applied:          decision.Accepted,
		RecordedAtMillis: requestTime.UnixMilli(),
	}
	if err := tx.Create(&audit).Error; err != nil {
		s.logError(opApplyBatch, "audit_insert_failed", err, fields...)
		return Outcome{}, newServiceError(opApplyBatch, "audit_insert_failed", err)
	}

	if !decision.Accepted && decision.Record != nil {
		s.loggerOrDefault().Debug("stale write ignored", append(fields,
			zap.Int64("stored_updated_at_ms", decision.Record.UpdatedAtMillis),
			zap.Int64("incoming_updated_at_ms", incoming.UpdatedAtMillis))...)
	}

	return Outcome{
		Change:   change,
		Accepted: decision.Accepted,
		Stored:   decision.Record,
	}, nil
}

// ChangesSince returns the records of every kind whose updatedAt is strictly
// after since; nil since returns everything.
func (s *Service) ChangesSince(ctx context.Context, since *time.Time) (entities.Changes, error) {
	if s.db == nil {
		s.logError(opChangesSince, "missing_database", errMissingDatabase)
		return entities.Changes{}, newServiceError(opChangesSince, "missing_database", errMissingDatabase)
	}

	var sinceMillis *int64
	if since != nil {
		millis := since.UnixMilli()
		sinceMillis = &millis
	}

	kinds := entities.Kinds()
	buckets := make([][]entities.Record, len(kinds))
	group, groupCtx := errgroup.WithContext(ctx)
	for index, kind := range kinds {
		group.Go(func() error {
			records, err := entities.RecordsSince(groupCtx, s.db, kind, sinceMillis)
			if err != nil {
				s.logError(opChangesSince, "query_failed", err, zap.String("entity", kind.String()))
				return newServiceError(opChangesSince, "query_failed", err)
			}
			buckets[index] = records
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return entities.Changes{}, err
	}

	var changes entities.Changes
	for index, kind := range kinds {
		changes.Set(kind, buckets[index])
	}
	return changes, nil
}

// ListAudit returns the most recent audit entries matching filter.
func (s *Service) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	if s.db == nil {
		s.logError(opListAudit, "missing_database", errMissingDatabase)
		return nil, newServiceError(opListAudit, "missing_database", errMissingDatabase)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	query := s.db.WithContext(ctx).Model(&AuditEntry{})
	if filter.DeviceID != "" {
		query = query.Where("device_id = ?", filter.DeviceID)
	}
	if filter.Kind != "" {
		query = query.Where("entity = ?", filter.Kind.String())
	}
	if filter.EntityID != "" {
		query = query.Where("entity_id = ?", filter.EntityID)
	}

	entries := make([]AuditEntry, 0)
	if err := query.Order("recorded_at_ms DESC").Order("entry_id DESC").Limit(limit).Find(&entries).Error; err != nil {
		s.logError(opListAudit, "query_failed", err)
		return nil, newServiceError(opListAudit, "query_failed", err)
	}
	return entries, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("reconcile service error", attrs...)
}
