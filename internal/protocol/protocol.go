// Package protocol defines the JSON wire format shared by devices and the
// sync server.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SyncOperation is one queued device mutation as sent over the wire. ID and
// CreatedAt identify the device-side log record and are informational only.
type SyncOperation struct {
	ID        string          `json:"id,omitempty"`
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entityId"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"createdAt,omitempty"`
}

// SyncRequest is the body of POST /api/sync.
type SyncRequest struct {
	DeviceID   string          `json:"deviceId"`
	LastSyncAt *string         `json:"lastSyncAt"`
	Operations []SyncOperation `json:"operations"`
}

// SyncResponse is the body returned by POST /api/sync.
type SyncResponse struct {
	UpdatedProducts []json.RawMessage `json:"updatedProducts"`
	UpdatedClients  []json.RawMessage `json:"updatedClients"`
	UpdatedOrders   []json.RawMessage `json:"updatedOrders"`
	ServerTime      string            `json:"serverTime"`
}

// RealtimeEventType enumerates the change hints pushed over the realtime channel.
type RealtimeEventType string

const (
	EventInvoiceAdded   RealtimeEventType = "invoice_added"
	EventProductUpdated RealtimeEventType = "product_updated"
	EventStockChanged   RealtimeEventType = "stock_changed"
)

// ErrUnknownEvent indicates a realtime event name outside the supported set.
var ErrUnknownEvent = errors.New("protocol: unknown realtime event")

// ParseRealtimeEventType validates raw input and returns the event type.
func ParseRealtimeEventType(raw string) (RealtimeEventType, error) {
	switch RealtimeEventType(strings.TrimSpace(raw)) {
	case EventInvoiceAdded:
		return EventInvoiceAdded, nil
	case EventProductUpdated:
		return EventProductUpdated, nil
	case EventStockChanged:
		return EventStockChanged, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, raw)
	}
}

// RealtimeEvent is a message pushed to every realtime connection.
type RealtimeEvent struct {
	Event RealtimeEventType `json:"event"`
	Data  any               `json:"data"`
}

// DecodeRealtimeEvent parses a pushed message, rejecting unknown events.
func DecodeRealtimeEvent(raw []byte) (RealtimeEvent, error) {
	var envelope struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return RealtimeEvent{}, err
	}
	eventType, err := ParseRealtimeEventType(envelope.Event)
	if err != nil {
		return RealtimeEvent{}, err
	}
	return RealtimeEvent{Event: eventType, Data: envelope.Data}, nil
}
