// Package syncclient drives device synchronization rounds against the sync
// server and listens for realtime change hints.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/possync/internal/entities"
	"github.com/MarcoPoloResearchLab/possync/internal/mutationlog"
	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const roundKey = "round"

var (
	errMissingDeviceID  = errors.New("syncclient: device id is required")
	errMissingStore     = errors.New("syncclient: local store is required")
	errMissingTransport = errors.New("syncclient: transport is required")
)

// Transport delivers one sync request to the server.
type Transport interface {
	Sync(ctx context.Context, request protocol.SyncRequest) (protocol.SyncResponse, error)
}

// LocalStore is the device state a round reads and commits.
type LocalStore interface {
	Cursor(ctx context.Context) (*time.Time, error)
	ListPending(ctx context.Context) ([]mutationlog.Mutation, error)
	CommitRound(ctx context.Context, commit mutationlog.RoundCommit) error
}

// SyncerConfig describes the dependencies of a Syncer.
type SyncerConfig struct {
	DeviceID  string
	Store     LocalStore
	Transport Transport
	Logger    *zap.Logger
}

// RoundResult summarises one completed round.
type RoundResult struct {
	Pushed     int
	Pulled     int
	ServerTime time.Time
}

// Syncer runs synchronization rounds for one device. Concurrent RunOnce
// calls share the round already in flight, so at most one round runs at a
// time.
type Syncer struct {
	deviceID  string
	store     LocalStore
	transport Transport
	logger    *zap.Logger
	rounds    singleflight.Group
}

// NewSyncer validates cfg and returns a Syncer.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	deviceID := strings.TrimSpace(cfg.DeviceID)
	if deviceID == "" {
		return nil, errMissingDeviceID
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		deviceID:  deviceID,
		store:     cfg.Store,
		transport: cfg.Transport,
		logger:    logger,
	}, nil
}

// RunOnce performs one synchronization round. On any error the local store
// is left exactly as it was: pending mutations stay pending and the cursor
// does not move.
func (s *Syncer) RunOnce(ctx context.Context) (RoundResult, error) {
	value, err, shared := s.rounds.Do(roundKey, func() (any, error) {
		return s.runRound(ctx)
	})
	if shared {
		s.logger.Debug("joined in-flight sync round", zap.String("device_id", s.deviceID))
	}
	if err != nil {
		return RoundResult{}, err
	}
	return value.(RoundResult), nil
}

func (s *Syncer) runRound(ctx context.Context) (RoundResult, error) {
	cursor, err := s.store.Cursor(ctx)
	if err != nil {
		return RoundResult{}, err
	}
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return RoundResult{}, err
	}

	request := protocol.SyncRequest{
		DeviceID:   s.deviceID,
		Operations: make([]protocol.SyncOperation, 0, len(pending)),
	}
	if cursor != nil {
		formatted := entities.FormatTimestamp(*cursor)
		request.LastSyncAt = &formatted
	}
	sentIDs := make([]string, 0, len(pending))
	for _, mutation := range pending {
		request.Operations = append(request.Operations, protocol.SyncOperation{
			ID:        mutation.ID,
			Entity:    mutation.Entity,
			EntityID:  mutation.EntityID,
			Operation: mutation.Operation,
			Payload:   json.RawMessage(mutation.PayloadJSON),
			CreatedAt: entities.FormatTimestamp(mutation.CreatedAt()),
		})
		sentIDs = append(sentIDs, mutation.ID)
	}

	response, err := s.transport.Sync(ctx, request)
	if err != nil {
		return RoundResult{}, err
	}

	changes, err := decodeChanges(response)
	if err != nil {
		return RoundResult{}, err
	}
	serverTime, err := entities.ParseTimestamp(response.ServerTime)
	if err != nil {
		return RoundResult{}, fmt.Errorf("syncclient: invalid server time: %w", err)
	}

	if err := s.store.CommitRound(ctx, mutationlog.RoundCommit{
		Changes:    changes,
		SentIDs:    sentIDs,
		ServerTime: serverTime,
	}); err != nil {
		return RoundResult{}, err
	}

	result := RoundResult{
		Pushed:     len(pending),
		Pulled:     changes.Len(),
		ServerTime: serverTime,
	}
	s.logger.Info("sync round completed",
		zap.String("device_id", s.deviceID),
		zap.Int("pushed", result.Pushed),
		zap.Int("pulled", result.Pulled),
		zap.Time("server_time", serverTime))
	return result, nil
}

func decodeChanges(response protocol.SyncResponse) (entities.Changes, error) {
	buckets := map[entities.Kind][]json.RawMessage{
		entities.KindProduct: response.UpdatedProducts,
		entities.KindClient:  response.UpdatedClients,
		entities.KindOrder:   response.UpdatedOrders,
	}
	var changes entities.Changes
	for _, kind := range entities.Kinds() {
		raw := buckets[kind]
		records := make([]entities.Record, 0, len(raw))
		for _, entity := range raw {
			record, err := entities.DecodeEntity(entity)
			if err != nil {
				return entities.Changes{}, fmt.Errorf("syncclient: decode %s: %w", kind, err)
			}
			records = append(records, record)
		}
		changes.Set(kind, records)
	}
	return changes, nil
}
