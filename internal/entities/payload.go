package entities

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	fieldID        = "id"
	fieldUpdatedAt = "updatedAt"
	fieldDeleted   = "deleted"

	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

var (
	// ErrInvalidPayload indicates that a payload is not a JSON object.
	ErrInvalidPayload = errors.New("entities: payload must be a json object")
	// ErrInvalidTimestamp indicates an updatedAt value that cannot be interpreted.
	ErrInvalidTimestamp = errors.New("entities: invalid timestamp")
	// ErrMissingTimestamp indicates a server entity without updatedAt.
	ErrMissingTimestamp = errors.New("entities: missing updatedAt")
)

// ParseTimestamp interprets RFC 3339 strings and unix-millisecond numbers.
// The result is UTC and truncated to millisecond precision, the resolution
// used for storage and comparison.
func ParseTimestamp(value any) (time.Time, error) {
	switch typed := value.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		parsed, err := time.Parse(time.RFC3339Nano, trimmed)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, typed)
		}
		return truncate(parsed), nil
	case json.Number:
		millis, err := typed.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidTimestamp, typed.String())
		}
		return time.UnixMilli(millis).UTC(), nil
	case float64:
		return time.UnixMilli(int64(typed)).UTC(), nil
	case int64:
		return time.UnixMilli(typed).UTC(), nil
	case time.Time:
		return truncate(typed), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidTimestamp, value)
	}
}

// FormatTimestamp renders t as UTC RFC 3339 with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// MillisToTime converts stored unix milliseconds to UTC time.
func MillisToTime(millis int64) time.Time {
	return time.UnixMilli(millis).UTC()
}

// isBlankTimestamp reports values treated as an absent updatedAt: null and
// empty strings.
func isBlankTimestamp(value any) bool {
	if value == nil {
		return true
	}
	text, ok := value.(string)
	return ok && strings.TrimSpace(text) == ""
}

func truncate(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// PayloadUpdatedAt extracts updatedAt from a payload. The boolean reports
// whether the payload carried a non-null value.
func PayloadUpdatedAt(payload json.RawMessage) (time.Time, bool, error) {
	fields, err := decodeObject(payload)
	if err != nil {
		return time.Time{}, false, err
	}
	raw, ok := fields[fieldUpdatedAt]
	if !ok || isBlankTimestamp(raw) {
		return time.Time{}, false, nil
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return parsed, true, nil
}

// EnsureUpdatedAt returns payload with an updatedAt field, stamping fallback
// when the payload has none, together with the effective timestamp.
func EnsureUpdatedAt(payload json.RawMessage, fallback time.Time) (json.RawMessage, time.Time, error) {
	fields, err := decodeObject(payload)
	if err != nil {
		return nil, time.Time{}, err
	}
	if raw, ok := fields[fieldUpdatedAt]; ok && !isBlankTimestamp(raw) {
		updatedAt, err := ParseTimestamp(raw)
		if err != nil {
			return nil, time.Time{}, err
		}
		return payload, updatedAt, nil
	}
	updatedAt := truncate(fallback)
	fields[fieldUpdatedAt] = FormatTimestamp(updatedAt)
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, time.Time{}, err
	}
	return json.RawMessage(encoded), updatedAt, nil
}

// NewRecord normalises an incoming mutation payload into a Record. The
// record id is always entityID; updatedAt falls back to fallback when the
// payload does not carry one.
func NewRecord(entityID EntityID, payload json.RawMessage, fallback time.Time) (Record, error) {
	fields, err := decodeObject(payload)
	if err != nil {
		return Record{}, err
	}

	updatedAt := truncate(fallback)
	if raw, ok := fields[fieldUpdatedAt]; ok && !isBlankTimestamp(raw) {
		updatedAt, err = ParseTimestamp(raw)
		if err != nil {
			return Record{}, err
		}
	}

	return buildRecord(entityID.String(), updatedAt, fields)
}

// DecodeEntity parses a wire entity returned by the server. Unlike NewRecord
// it requires id and updatedAt to be present.
func DecodeEntity(raw json.RawMessage) (Record, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return Record{}, err
	}
	id, _ := fields[fieldID].(string)
	entityID, err := NewEntityID(id)
	if err != nil {
		return Record{}, err
	}
	rawUpdatedAt, ok := fields[fieldUpdatedAt]
	if !ok || rawUpdatedAt == nil {
		return Record{}, fmt.Errorf("%w: entity %s", ErrMissingTimestamp, entityID)
	}
	updatedAt, err := ParseTimestamp(rawUpdatedAt)
	if err != nil {
		return Record{}, err
	}
	return buildRecord(entityID.String(), updatedAt, fields)
}

func buildRecord(id string, updatedAt time.Time, fields map[string]any) (Record, error) {
	deleted := false
	if flag, ok := fields[fieldDeleted].(bool); ok {
		deleted = flag
	}
	delete(fields, fieldDeleted)
	fields[fieldID] = id
	fields[fieldUpdatedAt] = FormatTimestamp(updatedAt)

	encoded, err := json.Marshal(fields)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:              id,
		UpdatedAtMillis: updatedAt.UnixMilli(),
		Deleted:         deleted,
		PayloadJSON:     string(encoded),
	}, nil
}

// UpdatedAt returns the stored timestamp as time.
func (r Record) UpdatedAt() time.Time {
	return MillisToTime(r.UpdatedAtMillis)
}

// MarkDeleted returns a soft-deleted copy of r stamped with updatedAt.
func (r Record) MarkDeleted(updatedAt time.Time) (Record, error) {
	fields, err := decodeObject(json.RawMessage(r.PayloadJSON))
	if err != nil {
		return Record{}, err
	}
	fields[fieldDeleted] = true
	return buildRecord(r.ID, truncate(updatedAt), fields)
}

// MarshalEntity renders the wire entity: the stored payload with the
// authoritative id, updatedAt and deleted fields.
func (r Record) MarshalEntity() (json.RawMessage, error) {
	fields, err := decodeObject(json.RawMessage(r.PayloadJSON))
	if err != nil {
		return nil, err
	}
	fields[fieldID] = r.ID
	fields[fieldUpdatedAt] = FormatTimestamp(r.UpdatedAt())
	fields[fieldDeleted] = r.Deleted
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(encoded), nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if fields == nil {
		return nil, ErrInvalidPayload
	}
	return fields, nil
}
