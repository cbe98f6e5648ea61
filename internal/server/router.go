package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/possync/internal/entities"
	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
	"github.com/MarcoPoloResearchLab/possync/internal/reconcile"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	deviceIDContextKey = "possync_device_id"
	maxSyncBodyBytes   = 8 << 20
)

var (
	errMissingReconciler    = errors.New("reconciler dependency required")
	errMissingHub           = errors.New("realtime hub dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Reconciler applies device batches and exposes the audit trail.
type Reconciler interface {
	ApplyBatch(ctx context.Context, batch reconcile.Batch) (reconcile.BatchResult, error)
	ListAudit(ctx context.Context, filter reconcile.AuditFilter) ([]reconcile.AuditEntry, error)
}

// TokenValidator resolves a bearer token to a device id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler. Tokens is optional; without it the
// API accepts unauthenticated devices.
type Dependencies struct {
	Reconciler Reconciler
	Hub        *Hub
	Tokens     TokenValidator
	Logger     *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Reconciler == nil {
		return nil, errMissingReconciler
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		reconciler: deps.Reconciler,
		hub:        deps.Hub,
		tokens:     deps.Tokens,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/api/realtime", handler.handleRealtime)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync", handler.handleSync)
	protected.POST("/realtime/events", handler.handleRealtimeEvent)
	protected.GET("/audit", handler.handleAudit)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	reconciler Reconciler
	hub        *Hub
	tokens     TokenValidator
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.hub.Count()})
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	if !strings.EqualFold(strings.TrimSpace(c.GetHeader("Upgrade")), "websocket") {
		c.String(http.StatusBadRequest, "Expected WebSocket")
		return
	}
	h.hub.ServeWebSocket(c.Writer, c.Request)
}

func (h *httpHandler) handleSync(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSyncBodyBytes)
	var request protocol.SyncRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(request.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	deviceID := strings.TrimSpace(request.DeviceID)
	if authenticated := c.GetString(deviceIDContextKey); authenticated != "" && authenticated != deviceID {
		c.JSON(http.StatusForbidden, gin.H{"error": "device_mismatch"})
		return
	}

	batch := reconcile.Batch{DeviceID: deviceID, Changes: make([]reconcile.Change, 0, len(request.Operations))}
	if request.LastSyncAt != nil && strings.TrimSpace(*request.LastSyncAt) != "" {
		lastSyncAt, err := entities.ParseTimestamp(*request.LastSyncAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		batch.LastSyncAt = &lastSyncAt
	}

	for _, op := range request.Operations {
		change, err := parseOperation(op)
		if err != nil {
			h.logger.Debug("rejecting sync operation", zap.String("device_id", deviceID), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
			return
		}
		batch.Changes = append(batch.Changes, change)
	}

	result, err := h.reconciler.ApplyBatch(c.Request.Context(), batch)
	if err != nil {
		h.logger.Error("failed to apply sync batch", zap.String("device_id", deviceID), zap.Error(err))
		body := gin.H{"error": "sync_failed"}
		var serviceErr *reconcile.ServiceError
		if errors.As(err, &serviceErr) {
			body["code"] = serviceErr.Code()
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	response, err := buildSyncResponse(result)
	if err != nil {
		h.logger.Error("failed to encode sync response", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, response)

	for _, event := range eventsForOutcomes(result.Outcomes) {
		h.hub.Broadcast(event)
	}
}

func (h *httpHandler) handleRealtimeEvent(c *gin.Context) {
	var request struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	eventType, err := protocol.ParseRealtimeEventType(request.Event)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event"})
		return
	}
	var data any = request.Data
	if len(request.Data) == 0 {
		data = nil
	}
	delivered := h.hub.Broadcast(protocol.RealtimeEvent{Event: eventType, Data: data})
	c.JSON(http.StatusAccepted, gin.H{"delivered": delivered})
}

type auditEntryPayload struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"deviceId"`
	Entity     string          `json:"entity"`
	EntityID   string          `json:"entityId"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	Applied    bool            `json:"applied"`
	RecordedAt string          `json:"recordedAt"`
}

func (h *httpHandler) handleAudit(c *gin.Context) {
	filter := reconcile.AuditFilter{
		DeviceID: strings.TrimSpace(c.Query("deviceId")),
		EntityID: strings.TrimSpace(c.Query("entityId")),
	}
	if raw := strings.TrimSpace(c.Query("entity")); raw != "" {
		kind, err := entities.ParseKind(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		filter.Kind = kind
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		filter.Limit = limit
	}

	entries, err := h.reconciler.ListAudit(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list audit entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit_failed"})
		return
	}

	payload := make([]auditEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, auditEntryPayload{
			ID:         entry.EntryID,
			DeviceID:   entry.DeviceID,
			Entity:     entry.Entity,
			EntityID:   entry.EntityID,
			Operation:  entry.Operation,
			Payload:    json.RawMessage(entry.PayloadJSON),
			Applied:    entry.Applied,
			RecordedAt: entities.FormatTimestamp(entry.RecordedAt()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.tokens == nil {
		c.Next()
		return
	}
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	deviceID, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(deviceIDContextKey, deviceID)
	c.Next()
}

func parseOperation(op protocol.SyncOperation) (reconcile.Change, error) {
	kind, err := entities.ParseKind(op.Entity)
	if err != nil {
		return reconcile.Change{}, err
	}
	operation, err := entities.ParseOperation(op.Operation)
	if err != nil {
		return reconcile.Change{}, err
	}
	entityID, err := entities.NewEntityID(op.EntityID)
	if err != nil {
		return reconcile.Change{}, err
	}
	if _, _, err := entities.EnsureUpdatedAt(op.Payload, time.Time{}); err != nil {
		return reconcile.Change{}, err
	}
	return reconcile.Change{
		Kind:      kind,
		EntityID:  entityID,
		Operation: operation,
		Payload:   op.Payload,
	}, nil
}

func buildSyncResponse(result reconcile.BatchResult) (protocol.SyncResponse, error) {
	products, err := marshalRecords(result.Changes.Products)
	if err != nil {
		return protocol.SyncResponse{}, err
	}
	clients, err := marshalRecords(result.Changes.Clients)
	if err != nil {
		return protocol.SyncResponse{}, err
	}
	orders, err := marshalRecords(result.Changes.Orders)
	if err != nil {
		return protocol.SyncResponse{}, err
	}
	return protocol.SyncResponse{
		UpdatedProducts: products,
		UpdatedClients:  clients,
		UpdatedOrders:   orders,
		ServerTime:      entities.FormatTimestamp(result.ServerTime),
	}, nil
}

func marshalRecords(records []entities.Record) ([]json.RawMessage, error) {
	encoded := make([]json.RawMessage, 0, len(records))
	for _, record := range records {
		entity, err := record.MarshalEntity()
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, entity)
	}
	return encoded, nil
}

// eventsForOutcomes maps accepted writes to realtime hints. Rejected writes
// change nothing and produce no events.
func eventsForOutcomes(outcomes []reconcile.Outcome) []protocol.RealtimeEvent {
	var events []protocol.RealtimeEvent
	for _, outcome := range outcomes {
		if !outcome.Accepted || outcome.Stored == nil {
			continue
		}
		entity, err := outcome.Stored.MarshalEntity()
		if err != nil {
			continue
		}
		switch outcome.Change.Kind {
		case entities.KindProduct:
			events = append(events, protocol.RealtimeEvent{Event: protocol.EventProductUpdated, Data: entity})
			if stock, ok := payloadField(outcome.Change.Payload, "stock"); ok {
				events = append(events, protocol.RealtimeEvent{
					Event: protocol.EventStockChanged,
					Data:  gin.H{"id": outcome.Stored.ID, "stock": stock},
				})
			}
		case entities.KindOrder:
			if outcome.Change.Operation == entities.OperationCreate {
				events = append(events, protocol.RealtimeEvent{Event: protocol.EventInvoiceAdded, Data: entity})
			}
		}
	}
	return events
}

func payloadField(payload json.RawMessage, name string) (json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, false
	}
	value, ok := fields[name]
	return value, ok
}
