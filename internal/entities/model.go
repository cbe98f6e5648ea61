package entities

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the synchronized entity families.
type Kind string

const (
	// KindProduct identifies catalog products.
	KindProduct Kind = "product"
	// KindClient identifies customers.
	KindClient Kind = "client"
	// KindOrder identifies purchase orders.
	KindOrder Kind = "order"
)

// Operation enumerates mutation operations recorded by devices.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

const maxIdentifierLength = 190

var (
	// ErrUnknownKind indicates an entity kind outside product, client and order.
	ErrUnknownKind = errors.New("entities: unknown entity kind")
	// ErrUnknownOperation indicates an operation outside create, update and delete.
	ErrUnknownOperation = errors.New("entities: unknown operation")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("entities: invalid entity id")
)

// ParseKind validates raw input and returns a Kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindProduct:
		return KindProduct, nil
	case KindClient:
		return KindClient, nil
	case KindOrder:
		return KindOrder, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// Kinds returns every entity kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindProduct, KindClient, KindOrder}
}

// Table returns the table holding records of the kind.
func (k Kind) Table() string {
	switch k {
	case KindProduct:
		return "products"
	case KindClient:
		return "clients"
	case KindOrder:
		return "orders"
	default:
		return ""
	}
}

func (k Kind) String() string {
	return string(k)
}

// ParseOperation validates raw input and returns an Operation.
func ParseOperation(raw string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(raw))) {
	case OperationCreate:
		return OperationCreate, nil
	case OperationUpdate:
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, raw)
	}
}

func (o Operation) String() string {
	return string(o)
}

// EntityID represents a validated entity identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return EntityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

// Record is the stored form of a product, client or order. The same layout
// backs the authoritative tables on the server and the mirrored tables on
// devices; the table is chosen per Kind.
type Record struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
	Deleted         bool   `gorm:"column:deleted;not null;default:false"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
}

// Changes groups records by kind, mirroring the three response buckets.
type Changes struct {
	Products []Record
	Clients  []Record
	Orders   []Record
}

// Bucket returns the records held for the kind.
func (c Changes) Bucket(kind Kind) []Record {
	switch kind {
	case KindProduct:
		return c.Products
	case KindClient:
		return c.Clients
	case KindOrder:
		return c.Orders
	default:
		return nil
	}
}

// Set replaces the records held for the kind.
func (c *Changes) Set(kind Kind, records []Record) {
	switch kind {
	case KindProduct:
		c.Products = records
	case KindClient:
		c.Clients = records
	case KindOrder:
		c.Orders = records
	}
}

// Len reports the total number of records across buckets.
func (c Changes) Len() int {
	return len(c.Products) + len(c.Clients) + len(c.Orders)
}
