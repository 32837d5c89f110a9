package resolver

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/mesh-intelligence/resdb/pkg/types"
)

// memStore is an in-memory Backend Store that counts reads.
type memStore struct {
	name string

	mu         sync.Mutex
	data       map[string][]byte
	schemas    map[string]types.Schema
	gets       map[string]int
	schemaGets map[string]int

	getErr error
	putErr error
	noList bool
}

func newMemStore(name string) *memStore {
	return &memStore{
		name:       name,
		data:       map[string][]byte{},
		schemas:    map[string]types.Schema{},
		gets:       map[string]int{},
		schemaGets: map[string]int{},
	}
}

func (m *memStore) String() string { return m.name }

func (m *memStore) reads(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets[id]
}

func (m *memStore) schemaReads(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schemaGets[id]
}

func (m *memStore) Get(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets[id]++
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return data, nil
}

func (m *memStore) Put(_ context.Context, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.data[id] = data
	return nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	delete(m.data, id)
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) (iter.Seq[string], error) {
	if m.noList {
		return nil, types.ErrUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.data {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return slices.Values(ids), nil
}

func (m *memStore) GetSchema(_ context.Context, id string) (types.Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemaGets[id]++
	s, ok := m.schemas[id]
	if !ok {
		return nil, fmt.Errorf("%w: schema %s", types.ErrNotFound, id)
	}
	return s, nil
}

func (m *memStore) SetSchema(_ context.Context, id, attr string, rule types.Rule) error {
	if err := rule.Validate(attr); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.schemas[id] == nil {
		m.schemas[id] = types.Schema{}
	}
	m.schemas[id][attr] = rule
	return nil
}

func (m *memStore) Close() error { return nil }

// multiStore holds several location-tagged records per id.
type multiStore struct {
	*memStore
	records map[string][]types.Record
}

func (m *multiStore) Records(_ context.Context, id string) ([]types.Record, error) {
	recs, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return recs, nil
}

// registrar accepts at most limit entries per call.
type registrar struct {
	*memStore
	limit int
}

func (r *registrar) RegisterServices(ctx context.Context, _ string, services map[string][]byte) (int, error) {
	ids := make([]string, 0, len(services))
	for id := range services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	n := 0
	for _, id := range ids {
		if n == r.limit {
			break
		}
		if err := r.Put(ctx, id, services[id]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
