package types

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Resource errors.
var (
	ErrIDReassigned = errors.New("resource already carries a different identifier")
	ErrNotResource  = errors.New("object carries no resource identifier")
	ErrAttrNotBound = errors.New("no schema attribute bound")
	ErrNoInverse    = errors.New("resource has no inverse")
)

// ShadowHolder is implemented by objects that can hold schema-bound
// attributes.
type ShadowHolder interface {
	Shadow() *Shadow
}

// Resource is a domain object addressable by identifier.
type Resource interface {
	ShadowHolder
	ResourceID() string
	// SetResourceID assigns the identifier. Assigning a different identifier
	// to a resource that already has one fails with ErrIDReassigned.
	SetResourceID(id string) error
}

// Item is an element of a database resource. Item rules bound on the
// database apply to every item it yields.
type Item interface {
	ShadowHolder
	ItemDB() Resource
}

// Invertible is implemented by mappings that can produce their inverse.
type Invertible interface {
	Invert(ctx context.Context) (any, error)
}

// EdgeViewer is implemented by graph mappings that expose an edge view.
type EdgeViewer interface {
	Edges(ctx context.Context) (any, error)
}

// Mapping is implemented by resources that map items to values.
type Mapping interface {
	Lookup(ctx context.Context, key any) (any, error)
}

// Base is embedded by resource types. It holds the identifier and the shadow
// attribute table. Base must not be copied after first use.
type Base struct {
	mu     sync.Mutex
	id     string
	shadow Shadow
}

// ResourceID returns the identifier, or "" if none has been assigned.
func (b *Base) ResourceID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

// SetResourceID assigns id. Re-assigning the same id is a no-op.
func (b *Base) SetResourceID(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.id != "" && b.id != id {
		return fmt.Errorf("%w: %s is already %s", ErrIDReassigned, id, b.id)
	}
	b.id = id
	return nil
}

// Shadow returns the shadow attribute table of the resource.
func (b *Base) Shadow() *Shadow {
	return &b.shadow
}

// Invert constructs the declared inverse of the resource. The operator is
// bound when an inverseDB rule is applied.
func (b *Base) Invert(ctx context.Context) (any, error) {
	inv := b.shadow.inverterFunc()
	if inv == nil {
		return nil, ErrNoInverse
	}
	return inv(ctx)
}

// ItemBase is embedded by item types so they can memoize item attributes.
type ItemBase struct {
	shadow Shadow
}

// Shadow returns the shadow attribute table of the item.
func (b *ItemBase) Shadow() *Shadow {
	return &b.shadow
}

// IDOf returns the identifier named by v: a string is taken as an identifier,
// anything with a ResourceID method must already carry one.
func IDOf(v any) (string, error) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return "", ErrInvalidID
		}
		return x, nil
	case interface{ ResourceID() string }:
		if id := x.ResourceID(); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %T", ErrNotResource, v)
}
