// Package resolver turns resource identifiers into live objects.
//
// A Resolver searches an ordered list of Backend Stores, decodes the first
// record that decodes, re-entering itself for every reference the record
// holds, tags the result with its identifier, caches it for the life of the
// process and binds its schema attributes. Stores can also be addressed
// directly through named layers.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/resdb/internal/graph"
	"github.com/mesh-intelligence/resdb/internal/metrics"
	"github.com/mesh-intelligence/resdb/internal/schema"
	"github.com/mesh-intelligence/resdb/pkg/types"
)

// Option configures a Resolver.
type Option func(*Resolver)

// WithCodec sets the codec used for records. The default uses graph.Default.
func WithCodec(c *graph.Codec) Option {
	return func(r *Resolver) {
		r.codec = c
	}
}

// WithConcurrency bounds the goroutines ResolveAll runs. Cache hits proceed
// in parallel; misses still build one at a time under the build lock.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		r.concurrency = n
	}
}

// Resolver is the resource cache over a search path of stores.
type Resolver struct {
	stores      []types.Store
	layers      map[string]types.Store
	codec       *graph.Codec
	concurrency int

	mu    sync.RWMutex
	cache map[string]any

	// build is held by the call chain constructing objects on a cache miss.
	// Every miss takes it, so construction never runs in parallel.
	build sync.Mutex
}

// New returns a resolver searching stores in order. layers names stores that
// can be targeted directly; every layer store should also appear in stores.
func New(stores []types.Store, layers map[string]types.Store, opts ...Option) (*Resolver, error) {
	if len(stores) == 0 {
		return nil, types.ErrEmptySearchPath
	}
	r := &Resolver{
		stores:      slices.Clone(stores),
		layers:      make(map[string]types.Store, len(layers)),
		codec:       graph.NewCodec(nil),
		concurrency: 8,
		cache:       make(map[string]any),
	}
	for name, s := range layers {
		r.layers[name] = s
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Stores returns the search path.
func (r *Resolver) Stores() []types.Store {
	return slices.Clone(r.stores)
}

// Codec returns the record codec.
func (r *Resolver) Codec() *graph.Codec {
	return r.codec
}

// Layers returns the sorted layer names.
func (r *Resolver) Layers() []string {
	names := make([]string, 0, len(r.layers))
	for name := range r.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store returns the store of layer, or the first store of the path when
// layer is empty.
func (r *Resolver) Store(layer string) (types.Store, error) {
	if layer == "" {
		return r.stores[0], nil
	}
	s, ok := r.layers[layer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrLayerNotFound, layer)
	}
	return s, nil
}

func (r *Resolver) cached(id string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.cache[id]
	return obj, ok
}

func (r *Resolver) remember(id string, obj any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[id] = obj
}

func (r *Resolver) rememberAll(objs map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, obj := range objs {
		r.cache[id] = obj
	}
}

// Cached returns a snapshot of the cache.
func (r *Resolver) Cached() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.cache))
	for id, obj := range r.cache {
		out[id] = obj
	}
	return out
}

// Resolve returns the object named id. A cached object is returned as is.
// Otherwise layer, when set, names the only store consulted and its failures
// are returned unmasked; with no layer every store of the path is tried in
// order and failures count as misses.
func (r *Resolver) Resolve(ctx context.Context, id, layer string) (any, error) {
	if id == "" {
		return nil, types.ErrInvalidID
	}
	if obj, ok := r.cached(id); ok {
		metrics.ResolverRequests.WithLabelValues(metrics.ResultHit).Inc()
		return obj, nil
	}

	sess := sessionFrom(ctx, r)
	outermost := sess == nil
	if !outermost {
		if obj, ok := sess.built(id); ok {
			metrics.ResolverRequests.WithLabelValues(metrics.ResultHit).Inc()
			return obj, nil
		}
		if obj, ok := sess.partial(id); ok {
			return obj, nil
		}
	} else {
		r.build.Lock()
		defer r.build.Unlock()
		if obj, ok := r.cached(id); ok {
			metrics.ResolverRequests.WithLabelValues(metrics.ResultHit).Inc()
			return obj, nil
		}
		sess = newSession(r)
		ctx = withSession(ctx, sess)
	}

	obj, err := r.construct(ctx, sess, id, layer)
	if err != nil {
		metrics.ResolverRequests.WithLabelValues(metrics.ResultFailed).Inc()
		return nil, err
	}
	if outermost {
		r.rememberAll(sess.commit())
	}
	metrics.ResolverRequests.WithLabelValues(metrics.ResultBuilt).Inc()
	return obj, nil
}

// construct loads id, then tags, stages and binds the schema of the result.
func (r *Resolver) construct(ctx context.Context, sess *session, id, layer string) (any, error) {
	span := trace.SpanFromContextSafe(ctx)
	start := sess.mark()

	var obj any
	if layer != "" {
		s, err := r.Store(layer)
		if err != nil {
			return nil, err
		}
		if obj, err = r.load(ctx, sess, s, id); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s in layer %s: %w", types.ErrResourceNotFound, id, layer, err)
			}
			return nil, fmt.Errorf("resolve %s in layer %s: %w", id, layer, err)
		}
	} else {
		for _, s := range r.stores {
			var err error
			if obj, err = r.load(ctx, sess, s, id); err == nil {
				break
			}
			if !errors.Is(err, types.ErrNotFound) {
				span.Warnf("resolve %s: skipping %v: %s", id, s, err)
			}
		}
		if obj == nil {
			return nil, fmt.Errorf("%w: %s", types.ErrResourceNotFound, id)
		}
	}

	if res, ok := obj.(types.Resource); ok {
		if err := res.SetResourceID(id); err != nil {
			sess.rollback(start)
			sess.done(id)
			return nil, err
		}
	}
	sess.stage(id, obj)
	sess.done(id)

	if err := schema.Apply(ctx, r, id, obj); err != nil {
		span.Warnf("resolve %s: schema not applied: %s", id, err)
	}
	return obj, nil
}

// load decodes the first record of id in s that decodes.
func (r *Resolver) load(ctx context.Context, sess *session, s types.Store, id string) (any, error) {
	kind := fmt.Sprintf("%T", s)

	var recs []types.Record
	var err error
	if m, ok := s.(types.MultiRecordStore); ok {
		recs, err = m.Records(ctx, id)
	} else {
		var data []byte
		if data, err = s.Get(ctx, id); err == nil {
			recs = []types.Record{{Payload: data}}
		}
	}
	if err != nil {
		outcome := metrics.OutcomeError
		if errors.Is(err, types.ErrNotFound) {
			outcome = metrics.OutcomeNotFound
		}
		metrics.StoreLookups.WithLabelValues(kind, outcome).Inc()
		return nil, err
	}

	var lastErr error
	for _, rec := range recs {
		m := sess.mark()
		obj, err := r.codec.Decode(ctx, rec.Payload, r.resolveRef,
			graph.WithRoot(func(root any) { sess.publish(id, root) }))
		if err == nil && obj != nil {
			metrics.StoreLookups.WithLabelValues(kind, metrics.OutcomeFound).Inc()
			return obj, nil
		}
		sess.rollback(m)
		sess.done(id)
		if err == nil {
			err = fmt.Errorf("%w: empty record", graph.ErrBadRecord)
		}
		lastErr = fmt.Errorf("decode %s at %q: %w", id, rec.LocationKey, err)
	}
	metrics.StoreLookups.WithLabelValues(kind, metrics.OutcomeBadData).Inc()
	return nil, lastErr
}

func (r *Resolver) resolveRef(ctx context.Context, id string) (any, error) {
	return r.Resolve(ctx, id, "")
}

// ResolveAll resolves every id and returns the objects in the same order.
// Construction of missing objects is serialized: a single build lock lets a
// reference cycle spanning several ids finish on one call chain, where
// per-identifier locks taken by different goroutines could deadlock.
func (r *Resolver) ResolveAll(ctx context.Context, ids []string) ([]any, error) {
	out := make([]any, len(ids))
	if sessionFrom(ctx, r) != nil {
		// Already building: the build lock is ours, so stay on this chain.
		for i, id := range ids {
			obj, err := r.Resolve(ctx, id, "")
			if err != nil {
				return nil, err
			}
			out[i] = obj
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			obj, err := r.Resolve(gctx, id, "")
			if err != nil {
				return err
			}
			out[i] = obj
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// AddResource writes obj under id to the store of layer (the first store of
// the path when layer is empty), then tags it with id and caches it.
func (r *Resolver) AddResource(ctx context.Context, id string, obj any, layer string) error {
	if id == "" {
		return types.ErrInvalidID
	}
	s, err := r.Store(layer)
	if err != nil {
		return err
	}
	res, isRes := obj.(types.Resource)
	if isRes {
		if cur := res.ResourceID(); cur != "" && cur != id {
			return fmt.Errorf("%w: %s is already %s", types.ErrIDReassigned, id, cur)
		}
	}
	data, err := r.codec.Encode(obj)
	if err != nil {
		return fmt.Errorf("add %s: %w", id, err)
	}
	if err := s.Put(ctx, id, data); err != nil {
		return fmt.Errorf("add %s: %w", id, err)
	}
	// Tagged only once stored, so a failed add leaves obj free for another id.
	if isRes {
		if err := res.SetResourceID(id); err != nil {
			return err
		}
	}
	r.remember(id, obj)
	return nil
}

// DeleteResource removes id from the store of layer. An object already
// cached stays cached.
func (r *Resolver) DeleteResource(ctx context.Context, id, layer string) error {
	s, err := r.Store(layer)
	if err != nil {
		return err
	}
	if err := s.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// Dumps encodes obj with reference markers for every identified object it
// reaches other than obj itself.
func (r *Resolver) Dumps(obj any) ([]byte, error) {
	return r.codec.Encode(obj)
}

// Loads decodes data, resolving its references through the resolver.
func (r *Resolver) Loads(ctx context.Context, data []byte) (any, error) {
	return r.codec.Decode(ctx, data, r.resolveRef)
}

// FindSchema returns the rules of id from the first store in the path that
// holds any.
func (r *Resolver) FindSchema(ctx context.Context, id string) (types.Schema, error) {
	span := trace.SpanFromContextSafe(ctx)
	for _, s := range r.stores {
		sc, err := s.GetSchema(ctx, id)
		if err == nil {
			return sc, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			span.Warnf("schema %s: skipping %v: %s", id, s, err)
		}
	}
	return nil, fmt.Errorf("%w: %s", types.ErrSchemaNotFound, id)
}

// SchemaAttr resolves the target of the rule stored for (id, attr).
func (r *Resolver) SchemaAttr(ctx context.Context, id, attr string) (any, error) {
	sc, err := r.FindSchema(ctx, id)
	if err != nil {
		return nil, err
	}
	rule, ok := sc[attr]
	if !ok || rule.TargetID == "" {
		return nil, fmt.Errorf("%w: %s.%s", types.ErrSchemaNotFound, id, attr)
	}
	return r.Resolve(ctx, rule.TargetID, "")
}

// SaveSchema stores rule for (id, attr) in the store of layer.
func (r *Resolver) SaveSchema(ctx context.Context, id, attr string, rule types.Rule, layer string) error {
	s, err := r.Store(layer)
	if err != nil {
		return err
	}
	return s.SetSchema(ctx, id, attr, rule)
}

// RegisterServer offers services to each Registrar of the path in turn and
// returns once one of them accepts every entry. Entries a registrar accepted
// before falling short stay registered.
func (r *Resolver) RegisterServer(ctx context.Context, locationKey string, services map[string][]byte) (int, error) {
	span := trace.SpanFromContextSafe(ctx)
	for _, s := range r.stores {
		reg, ok := s.(types.Registrar)
		if !ok {
			continue
		}
		n, err := reg.RegisterServices(ctx, locationKey, services)
		if err == nil && n == len(services) {
			return n, nil
		}
		if err != nil {
			span.Warnf("register at %v: %s", s, err)
		} else {
			span.Warnf("register at %v: %d of %d accepted", s, n, len(services))
		}
	}
	return 0, fmt.Errorf("%w: %d services at %q", types.ErrRegistration, len(services), locationKey)
}

// List returns the sorted union of the ids starting with prefix across the
// path. Stores that cannot list are skipped.
func (r *Resolver) List(ctx context.Context, prefix string) ([]string, error) {
	span := trace.SpanFromContextSafe(ctx)
	seen := make(map[string]struct{})
	for _, s := range r.stores {
		seq, err := s.List(ctx, prefix)
		if err != nil {
			if !errors.Is(err, types.ErrUnsupported) {
				span.Warnf("list: skipping %v: %s", s, err)
			}
			continue
		}
		for id := range seq {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListLayer returns the ids starting with prefix in the store of layer.
func (r *Resolver) ListLayer(ctx context.Context, prefix, layer string) ([]string, error) {
	s, err := r.Store(layer)
	if err != nil {
		return nil, err
	}
	seq, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

// Close closes every store of the path.
func (r *Resolver) Close() error {
	var errs []error
	for _, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
