// Package index implements the Index Service, a registry that maps each
// resource identifier to location-tagged serialized records, together with
// its gRPC surface and a Backend Store client that talks to it.
package index

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/mesh-intelligence/resdb/internal/metrics"
)

// Service holds, for each identifier, a mapping from location key to
// serialized record. It is safe for concurrent use.
type Service struct {
	name string

	mu      sync.RWMutex
	entries map[string]map[string][]byte
	count   int
}

// DefaultServiceName labels the metrics of a service given no name.
const DefaultServiceName = "index"

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceName sets the name the service reports its metrics under.
func WithServiceName(name string) ServiceOption {
	return func(s *Service) {
		if name != "" {
			s.name = name
		}
	}
}

// NewService returns an empty index.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{name: DefaultServiceName, entries: make(map[string]map[string][]byte)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the name the service reports its metrics under.
func (s *Service) Name() string {
	return s.name
}

// Lookup returns a copy of every location-tagged record of id. An unknown id
// yields an empty map.
func (s *Service) Lookup(ctx context.Context, id string) map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte, len(s.entries[id]))
	for loc, data := range s.entries[id] {
		out[loc] = data
	}
	return out
}

// RegisterServices stores every entry of services under locationKey,
// replacing records already held for the same (id, locationKey), and returns
// the number of entries written.
func (s *Service) RegisterServices(ctx context.Context, locationKey string, services map[string][]byte) int {
	span := trace.SpanFromContextSafe(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, data := range services {
		locs, ok := s.entries[id]
		if !ok {
			locs = make(map[string][]byte)
			s.entries[id] = locs
		}
		if _, ok := locs[locationKey]; !ok {
			s.count++
		}
		locs[locationKey] = data
		n++
	}
	metrics.IndexEntries.WithLabelValues(s.name).Set(float64(s.count))
	span.Infof("registered %d entries at %q", n, locationKey)
	return n
}

// Delete removes the record of id at locationKey. Unknown entries are
// ignored.
func (s *Service) Delete(ctx context.Context, id, locationKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locs, ok := s.entries[id]
	if !ok {
		return
	}
	if _, ok := locs[locationKey]; ok {
		delete(locs, locationKey)
		s.count--
	}
	if len(locs) == 0 {
		delete(s.entries, id)
	}
	metrics.IndexEntries.WithLabelValues(s.name).Set(float64(s.count))
}

// Len returns the number of location-tagged records held.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
