package types

import (
	"context"
	"fmt"
	"sync"
)

// Binding computes a shadow attribute. self is the object whose attribute is
// being read: the resource for direct rules, the item for item rules.
type Binding func(ctx context.Context, self any) (any, error)

// Shadow is the per-object table of schema-bound attributes. Bindings are
// evaluated on first read and the value is memoized on the instance.
type Shadow struct {
	mu       sync.Mutex
	attrs    map[string]Binding
	items    map[string]Binding
	values   map[string]any
	ignore   map[string]struct{}
	inverter func(ctx context.Context) (any, error)
}

// Ignore excludes attr from schema binding on this object.
func (s *Shadow) Ignore(attr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ignore == nil {
		s.ignore = make(map[string]struct{})
	}
	s.ignore[attr] = struct{}{}
}

// Ignored reports whether attr is excluded from schema binding.
func (s *Shadow) Ignored(attr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ignore[attr]
	return ok
}

// Bind installs a binding for attr on the object itself.
func (s *Shadow) Bind(attr string, b Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs == nil {
		s.attrs = make(map[string]Binding)
	}
	s.attrs[attr] = b
}

// BindItem installs a binding for attr on every item of this database.
func (s *Shadow) BindItem(attr string, b Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items == nil {
		s.items = make(map[string]Binding)
	}
	s.items[attr] = b
}

// BindInverter installs the inversion operator.
func (s *Shadow) BindInverter(f func(ctx context.Context) (any, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inverter = f
}

// Bound reports whether attr has a direct binding.
func (s *Shadow) Bound(attr string) bool {
	return s.binding(attr) != nil
}

// BoundItem reports whether attr has an item binding.
func (s *Shadow) BoundItem(attr string) bool {
	return s.itemBinding(attr) != nil
}

func (s *Shadow) binding(attr string) Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs[attr]
}

func (s *Shadow) itemBinding(attr string) Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[attr]
}

func (s *Shadow) inverterFunc() func(ctx context.Context) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inverter
}

func (s *Shadow) value(attr string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[attr]
	return v, ok
}

// remember stores v unless another reader got there first, and returns the
// value that won.
func (s *Shadow) remember(attr string, v any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.values[attr]; ok {
		return prev
	}
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[attr] = v
	return v
}

// Attr reads the shadow attribute name of obj. The first read evaluates the
// binding, either a direct binding on obj or an item binding on the database
// obj belongs to; later reads return the memoized value.
func Attr(ctx context.Context, obj any, name string) (any, error) {
	h, ok := obj.(ShadowHolder)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotResource, obj)
	}
	sh := h.Shadow()
	if v, ok := sh.value(name); ok {
		return v, nil
	}

	bind := sh.binding(name)
	if bind == nil {
		if item, ok := obj.(Item); ok {
			if db := item.ItemDB(); db != nil {
				bind = db.Shadow().itemBinding(name)
			}
		}
	}
	if bind == nil {
		return nil, fmt.Errorf("%w: %s", ErrAttrNotBound, name)
	}

	v, err := bind(ctx, obj)
	if err != nil {
		return nil, err
	}
	return sh.remember(name, v), nil
}
