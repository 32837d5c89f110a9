package types

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// Store is a pluggable persistence or lookup provider for resource and schema
// records. Records are opaque graph-serialized bytes keyed by identifier.
type Store interface {
	// Get returns the record stored under id.
	// Returns ErrNotFound if no record exists.
	Get(ctx context.Context, id string) ([]byte, error)

	// Put stores data under id, overwriting any previous record.
	Put(ctx context.Context, id string, data []byte) error

	// Delete removes the record stored under id.
	// Returns ErrNotFound if no record existed.
	Delete(ctx context.Context, id string) error

	// List returns every identifier starting with prefix, as of the call.
	List(ctx context.Context, prefix string) (iter.Seq[string], error)

	// GetSchema returns the schema rules stored for id.
	// Returns ErrNotFound if the store holds no schema for id.
	GetSchema(ctx context.Context, id string) (Schema, error)

	// SetSchema saves rule for id.attr. An empty attr replaces the whole
	// relation descriptor of id.
	SetSchema(ctx context.Context, id, attr string, rule Rule) error

	// Close releases the resources held by the store.
	Close() error
}

// Record is one location-tagged payload of an identifier.
type Record struct {
	LocationKey string
	Payload     []byte
}

// MultiRecordStore is implemented by stores that can hold several records for
// the same identifier, one per location. Readers try each record in turn and
// keep the first that decodes.
type MultiRecordStore interface {
	Store
	Records(ctx context.Context, id string) ([]Record, error)
}

// Registrar is implemented by stores that accept bulk registrations of
// published resources.
type Registrar interface {
	// RegisterServices stores every entry of services under locationKey and
	// returns how many entries were written.
	RegisterServices(ctx context.Context, locationKey string, services map[string][]byte) (int, error)
}

// Store errors.
var (
	ErrNotFound    = errors.New("record not found")
	ErrUnsupported = errors.New("operation not supported by store")
	ErrStoreClosed = errors.New("store is closed")
	ErrInvalidID   = errors.New("invalid identifier")
)

// Resolution errors.
var (
	ErrResourceNotFound      = errors.New("resource not found in search path")
	ErrUnresolvableReference = errors.New("unresolvable reference")
	ErrRegistration          = errors.New("unable to register services")
	ErrLayerNotFound         = errors.New("layer not found")
	ErrEmptySearchPath       = errors.New("empty search path")
	ErrUnknownType           = errors.New("type not registered")
)

// Listable reports whether a stored key belongs in the result of List for
// prefix. Schema records are hidden unless prefix itself names the schema
// sub-namespace.
func Listable(key, prefix string) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	return !IsSchemaKey(key) || IsSchemaKey(prefix)
}
