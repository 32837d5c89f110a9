package graph

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// ErrDuplicateName is returned when a type name is registered twice for
// different types.
var ErrDuplicateName = errors.New("type name already registered")

// Registry maps the names written into records to Go types. Every concrete
// type stored behind an interface, including the root of a record, must be
// registered.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// Default is the registry used by codecs constructed without one.
var Default = NewRegistry()

// NewRegistry returns a registry that already knows the builtin scalar,
// slice and map types.
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
	builtins := map[string]any{
		"string":         "",
		"bool":           false,
		"int":            int(0),
		"int8":           int8(0),
		"int16":          int16(0),
		"int32":          int32(0),
		"int64":          int64(0),
		"uint":           uint(0),
		"uint8":          uint8(0),
		"uint16":         uint16(0),
		"uint32":         uint32(0),
		"uint64":         uint64(0),
		"float32":        float32(0),
		"float64":        float64(0),
		"[]byte":         []byte(nil),
		"[]string":       []string(nil),
		"[]any":          []any(nil),
		"map[string]any": map[string]any(nil),
		"time.Time":      time.Time{},
	}
	for name, sample := range builtins {
		r.MustRegister(name, sample)
	}
	return r
}

// Register binds name to the dynamic type of sample. Registering the same
// pair twice is a no-op.
func (r *Registry) Register(name string, sample any) error {
	if name == "" || sample == nil {
		return fmt.Errorf("graph: register %q: empty name or nil sample", name)
	}
	t := reflect.TypeOf(sample)

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byName[name]; ok {
		if prev == t {
			return nil
		}
		return fmt.Errorf("%w: %s is %s", ErrDuplicateName, name, prev)
	}
	r.byName[name] = t
	r.byType[t] = name
	return nil
}

// MustRegister is like Register but panics on error. It is meant for init
// functions.
func (r *Registry) MustRegister(name string, sample any) {
	if err := r.Register(name, sample); err != nil {
		panic(err)
	}
}

func (r *Registry) nameOf(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byType[t]
	return name, ok
}

func (r *Registry) typeOf(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Register binds name to the type of sample in the Default registry.
func Register(name string, sample any) {
	Default.MustRegister(name, sample)
}
