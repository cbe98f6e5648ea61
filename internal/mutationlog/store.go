// Package mutationlog is the device-side staging area for writes that the
// server has not acknowledged yet, together with the sync cursor and the
// local mirror of server entities.
package mutationlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/possync/internal/entities"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrMissingDatabase indicates a Store built without a database handle.
	ErrMissingDatabase = errors.New("mutationlog: database handle is required")
)

// IDProvider issues mutation identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Config describes the dependencies of a Store.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store implements the mutation log, the cursor and the entity mirror on a
// local database.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates cfg and returns a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = uuidProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Enqueue appends a pending mutation. A payload without updatedAt is stamped
// with the current time.
func (s *Store) Enqueue(ctx context.Context, kind entities.Kind, entityID entities.EntityID, operation entities.Operation, payload json.RawMessage) (Mutation, error) {
	var mutation Mutation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		mutation, _, err = s.appendMutation(tx, kind, entityID, operation, payload)
		return err
	})
	if err != nil {
		return Mutation{}, err
	}
	return mutation, nil
}

// Stage applies a local write to the entity mirror and enqueues it in one
// transaction, so the device sees its own write before the next round.
func (s *Store) Stage(ctx context.Context, kind entities.Kind, entityID entities.EntityID, operation entities.Operation, payload json.RawMessage) (Mutation, error) {
	var mutation Mutation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		queued, updatedAt, err := s.appendMutation(tx, kind, entityID, operation, payload)
		if err != nil {
			return err
		}
		mutation = queued

		record, err := entities.NewRecord(entityID, json.RawMessage(queued.PayloadJSON), updatedAt)
		if err != nil {
			return fmt.Errorf("mutationlog: normalise payload: %w", err)
		}
		if operation == entities.OperationDelete {
			existing, err := entities.LoadRecord(tx, kind, entityID.String())
			if err != nil {
				return fmt.Errorf("mutationlog: load %s %s: %w", kind, entityID, err)
			}
			base := record
			if existing != nil {
				base = *existing
			}
			record, err = base.MarkDeleted(updatedAt)
			if err != nil {
				return fmt.Errorf("mutationlog: mark deleted: %w", err)
			}
		}
		if err := entities.UpsertRecord(tx, kind, record); err != nil {
			return fmt.Errorf("mutationlog: save %s %s: %w", kind, entityID, err)
		}
		return nil
	})
	if err != nil {
		return Mutation{}, err
	}
	return mutation, nil
}

func (s *Store) appendMutation(tx *gorm.DB, kind entities.Kind, entityID entities.EntityID, operation entities.Operation, payload json.RawMessage) (Mutation, time.Time, error) {
	if kind.Table() == "" {
		return Mutation{}, time.Time{}, fmt.Errorf("%w: %q", entities.ErrUnknownKind, kind)
	}
	now := s.clock().UTC()
	stamped, updatedAt, err := entities.EnsureUpdatedAt(payload, now)
	if err != nil {
		return Mutation{}, time.Time{}, fmt.Errorf("mutationlog: normalise payload: %w", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Mutation{}, time.Time{}, fmt.Errorf("mutationlog: generate id: %w", err)
	}
	payloadJSON := string(stamped)
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	mutation := Mutation{
		ID:              id,
		Entity:          kind.String(),
		EntityID:        entityID.String(),
		Operation:       operation.String(),
		PayloadJSON:     payloadJSON,
		Status:          StatusPending,
		CreatedAtMillis: now.UnixMilli(),
	}
	if err := tx.Create(&mutation).Error; err != nil {
		return Mutation{}, time.Time{}, fmt.Errorf("mutationlog: insert mutation: %w", err)
	}
	s.logger.Debug("mutation enqueued",
		zap.String("mutation_id", mutation.ID),
		zap.String("entity", mutation.Entity),
		zap.String("entity_id", mutation.EntityID),
		zap.String("operation", mutation.Operation))
	return mutation, updatedAt, nil
}

// ListPending returns every pending mutation, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Mutation, error) {
	mutations := make([]Mutation, 0)
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at_ms ASC").
		Order("id ASC").
		Find(&mutations).Error
	if err != nil {
		return nil, fmt.Errorf("mutationlog: list pending: %w", err)
	}
	return mutations, nil
}

// PendingCount reports how many mutations await acknowledgment.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Mutation{}).Where("status = ?", StatusPending).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("mutationlog: count pending: %w", err)
	}
	return count, nil
}

// MarkSent acknowledges the given mutations. Already sent ids are left
// untouched.
func (s *Store) MarkSent(ctx context.Context, ids []string) error {
	return s.markSent(s.db.WithContext(ctx), ids)
}

func (s *Store) markSent(tx *gorm.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	sentAt := s.clock().UTC().UnixMilli()
	err := tx.Model(&Mutation{}).
		Where("id IN ? AND status = ?", ids, StatusPending).
		Updates(map[string]any{"status": StatusSent, "sent_at_ms": sentAt}).Error
	if err != nil {
		return fmt.Errorf("mutationlog: mark sent: %w", err)
	}
	return nil
}

// Cursor returns the last successful sync time, or nil when the device has
// never completed a round.
func (s *Store) Cursor(ctx context.Context) (*time.Time, error) {
	var cursor SyncCursor
	err := s.db.WithContext(ctx).Where("id = ?", cursorRowID).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mutationlog: read cursor: %w", err)
	}
	lastSync := entities.MillisToTime(cursor.LastSyncMillis)
	return &lastSync, nil
}

// AdvanceCursor overwrites the cursor.
func (s *Store) AdvanceCursor(ctx context.Context, lastSync time.Time) error {
	return advanceCursor(s.db.WithContext(ctx), lastSync)
}

func advanceCursor(tx *gorm.DB, lastSync time.Time) error {
	cursor := SyncCursor{ID: cursorRowID, LastSyncMillis: lastSync.UnixMilli()}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sync_ms"}),
	}).Create(&cursor).Error
	if err != nil {
		return fmt.Errorf("mutationlog: advance cursor: %w", err)
	}
	return nil
}

// CommitRound applies a server response: entities are upserted verbatim,
// the sent mutations are acknowledged and the cursor advances last. All
// three happen in one transaction so a failed commit leaves the device
// exactly as it was before the round.
func (s *Store) CommitRound(ctx context.Context, commit RoundCommit) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, kind := range entities.Kinds() {
			for _, record := range commit.Changes.Bucket(kind) {
				if err := entities.UpsertRecord(tx, kind, record); err != nil {
					return fmt.Errorf("mutationlog: apply %s %s: %w", kind, record.ID, err)
				}
			}
		}
		if err := s.markSent(tx, commit.SentIDs); err != nil {
			return err
		}
		return advanceCursor(tx, commit.ServerTime)
	})
}

// Entity returns the mirrored record, or nil when the device has none.
func (s *Store) Entity(ctx context.Context, kind entities.Kind, id string) (*entities.Record, error) {
	record, err := entities.LoadRecord(s.db.WithContext(ctx), kind, id)
	if err != nil {
		return nil, fmt.Errorf("mutationlog: load %s %s: %w", kind, id, err)
	}
	return record, nil
}
