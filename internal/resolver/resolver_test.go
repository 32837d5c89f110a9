package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/resdb/internal/graph"
	"github.com/mesh-intelligence/resdb/internal/schema"
	"github.com/mesh-intelligence/resdb/internal/shelf"
	"github.com/mesh-intelligence/resdb/pkg/types"
)

type seqDB struct {
	types.Base
	Name    string
	Partner *seqDB
}

// alignDB holds two references, decoded in field order.
type alignDB struct {
	types.Base
	Name  string
	Peer  *alignDB
	Other *alignDB
}

func init() {
	graph.Register("resolver.seqDB", &seqDB{})
	graph.Register("resolver.alignDB", &alignDB{})
}

func newResolver(t *testing.T, stores ...types.Store) *Resolver {
	t.Helper()
	r, err := New(stores, nil)
	require.NoError(t, err)
	return r
}

// seed writes obj under id into s without going through a resolver cache.
func seed(t *testing.T, s types.Store, id string, obj *seqDB) {
	t.Helper()
	r := newResolver(t, s)
	require.NoError(t, r.AddResource(context.Background(), id, obj, ""))
}

func TestNew_EmptyPath(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, types.ErrEmptySearchPath)
}

func TestResolve_CacheHitIsIdentityAndSkipsStores(t *testing.T) {
	ctx := context.Background()
	s := newMemStore("a")
	seed(t, s, "Bio.Seq.hg18", &seqDB{Name: "hg18"})

	r := newResolver(t, s)
	first, err := r.Resolve(ctx, "Bio.Seq.hg18", "")
	require.NoError(t, err)
	reads := s.reads("Bio.Seq.hg18")
	schemaReads := s.schemaReads("Bio.Seq.hg18")
	assert.Equal(t, 1, schemaReads)

	second, err := r.Resolve(ctx, "Bio.Seq.hg18", "")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, reads, s.reads("Bio.Seq.hg18"), "cache hit must not touch the store")
	assert.Equal(t, schemaReads, s.schemaReads("Bio.Seq.hg18"), "cache hit must not re-apply the schema")
	assert.Equal(t, "Bio.Seq.hg18", first.(*seqDB).ResourceID())
	assert.Equal(t, "hg18", first.(*seqDB).Name)
}

func TestResolve_SearchOrderAndSoftMisses(t *testing.T) {
	ctx := context.Background()
	broken := newMemStore("broken")
	broken.getErr = errors.New("disk on fire")
	corrupt := newMemStore("corrupt")
	corrupt.data["X"] = []byte("not a record")
	good := newMemStore("good")
	seed(t, good, "X", &seqDB{Name: "x"})
	later := newMemStore("later")
	seed(t, later, "X", &seqDB{Name: "shadowed"})

	r := newResolver(t, newMemStore("empty"), broken, corrupt, good, later)
	obj, err := r.Resolve(ctx, "X", "")
	require.NoError(t, err)
	assert.Equal(t, "x", obj.(*seqDB).Name)
	assert.Zero(t, later.reads("X"), "search stops at the first store that decodes")

	_, err = r.Resolve(ctx, "missing", "")
	assert.ErrorIs(t, err, types.ErrResourceNotFound)
}

func TestResolve_OneHitAfterOneMiss(t *testing.T) {
	ctx := context.Background()
	empty := newMemStore("empty")
	holder := newMemStore("holder")
	seed(t, holder, "X", &seqDB{Name: "x"})
	third := newMemStore("third")
	seed(t, third, "X", &seqDB{Name: "third"})

	r := newResolver(t, empty, holder, third)
	obj, err := r.Resolve(ctx, "X", "")
	require.NoError(t, err)
	assert.Equal(t, "x", obj.(*seqDB).Name)
	assert.Equal(t, 1, empty.reads("X"))
	assert.Equal(t, 1, holder.reads("X"))
	assert.Equal(t, 0, third.reads("X"))
}

func TestResolve_LayerFailuresAreNotMasked(t *testing.T) {
	ctx := context.Background()
	here := newMemStore("here")
	here.getErr = errors.New("io error")
	my := newMemStore("my")
	seed(t, my, "X", &seqDB{Name: "x"})

	r, err := New([]types.Store{here, my}, map[string]types.Store{"here": here, "my": my})
	require.NoError(t, err)

	_, err = r.Resolve(ctx, "X", "here")
	require.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrResourceNotFound)
	assert.Contains(t, err.Error(), "io error")

	_, err = r.Resolve(ctx, "X", "nowhere")
	assert.ErrorIs(t, err, types.ErrLayerNotFound)

	obj, err := r.Resolve(ctx, "X", "my")
	require.NoError(t, err)
	assert.Equal(t, "x", obj.(*seqDB).Name)
	assert.Equal(t, []string{"here", "my"}, r.Layers())
}

func TestResolve_MultiRecordStoreTakesFirstDecodable(t *testing.T) {
	ctx := context.Background()
	data, err := graph.NewCodec(nil).Encode(&seqDB{Name: "second"})
	require.NoError(t, err)
	ms := &multiStore{memStore: newMemStore("multi"), records: map[string][]types.Record{
		"X": {
			{LocationKey: "a", Payload: []byte("{garbage")},
			{LocationKey: "b", Payload: data},
		},
	}}

	r := newResolver(t, ms)
	obj, err := r.Resolve(ctx, "X", "")
	require.NoError(t, err)
	assert.Equal(t, "second", obj.(*seqDB).Name)
}

func TestResolve_ReferencesAndCycles(t *testing.T) {
	ctx := context.Background()
	s := newMemStore("s")
	a := &seqDB{Name: "a"}
	b := &seqDB{Name: "b"}
	require.NoError(t, a.SetResourceID("A"))
	require.NoError(t, b.SetResourceID("B"))
	a.Partner, b.Partner = b, a
	seed(t, s, "A", a)
	seed(t, s, "B", b)

	r := newResolver(t, s)
	obj, err := r.Resolve(ctx, "A", "")
	require.NoError(t, err)
	ga := obj.(*seqDB)
	require.NotNil(t, ga.Partner)
	assert.Equal(t, "b", ga.Partner.Name)
	assert.Same(t, ga, ga.Partner.Partner)

	gb, err := r.Resolve(ctx, "B", "")
	require.NoError(t, err)
	assert.Same(t, ga.Partner, gb)
	assert.Equal(t, 1, s.reads("A"))
	assert.Equal(t, 1, s.reads("B"))
}

func TestResolve_UnresolvableReference(t *testing.T) {
	ctx := context.Background()
	s := newMemStore("s")
	gone := &seqDB{}
	require.NoError(t, gone.SetResourceID("Gone"))
	seed(t, s, "A", &seqDB{Partner: gone})

	r, err := New([]types.Store{s}, map[string]types.Store{"here": s})
	require.NoError(t, err)

	_, err = r.Resolve(ctx, "A", "here")
	assert.ErrorIs(t, err, types.ErrUnresolvableReference)

	_, err = r.Resolve(ctx, "A", "")
	assert.ErrorIs(t, err, types.ErrResourceNotFound)
	assert.NotContains(t, r.Cached(), "A")
}

func TestResolve_FailedDecodeLeavesNoPartialInCache(t *testing.T) {
	ctx := context.Background()
	first := newMemStore("first")
	second := newMemStore("second")

	// first: A -> B -> A, but A also names a resource nobody holds.
	a1 := &alignDB{Name: "a1"}
	b := &alignDB{Name: "b"}
	gone := &alignDB{}
	require.NoError(t, a1.SetResourceID("A"))
	require.NoError(t, b.SetResourceID("B"))
	require.NoError(t, gone.SetResourceID("Gone"))
	a1.Peer, a1.Other, b.Peer = b, gone, a1
	w := newResolver(t, first)
	require.NoError(t, w.AddResource(ctx, "A", a1, ""))
	require.NoError(t, w.AddResource(ctx, "B", b, ""))

	// second: a decodable A pointing at B.
	require.NoError(t, newResolver(t, second).AddResource(ctx, "A", &alignDB{Name: "a2", Peer: b}, ""))

	r := newResolver(t, first, second)
	objA, err := r.Resolve(ctx, "A", "")
	require.NoError(t, err)
	ga := objA.(*alignDB)
	assert.Equal(t, "a2", ga.Name)

	objB, err := r.Resolve(ctx, "B", "")
	require.NoError(t, err)
	gb := objB.(*alignDB)
	require.Same(t, ga, gb.Peer, "B must point at the cached A")
	assert.Same(t, gb, ga.Peer)
	assert.Equal(t, "A", gb.Peer.ResourceID())
	assert.NotContains(t, r.Cached(), "Gone")

	data, err := r.Dumps(gb)
	require.NoError(t, err)
	refs, err := r.Codec().References(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, refs)
}

func TestResolve_FailedRootCachesNothing(t *testing.T) {
	ctx := context.Background()
	s := newMemStore("s")
	a := &alignDB{Name: "a"}
	b := &alignDB{Name: "b"}
	gone := &alignDB{}
	require.NoError(t, a.SetResourceID("A"))
	require.NoError(t, b.SetResourceID("B"))
	require.NoError(t, gone.SetResourceID("Gone"))
	a.Peer, a.Other, b.Peer = b, gone, a
	w := newResolver(t, s)
	require.NoError(t, w.AddResource(ctx, "A", a, ""))
	require.NoError(t, w.AddResource(ctx, "B", b, ""))

	r := newResolver(t, s)
	_, err := r.Resolve(ctx, "A", "")
	assert.ErrorIs(t, err, types.ErrResourceNotFound)
	assert.Empty(t, r.Cached())
}

func TestResolve_ConcurrentCallsBuildOnce(t *testing.T) {
	ctx := context.Background()
	s := newMemStore("s")
	seed(t, s, "X", &seqDB{Name: "x"})
	r := newResolver(t, s)

	const n = 16
	got := make([]any, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			obj, err := r.Resolve(ctx, "X", "")
			assert.NoError(t, err)
			got[i] = obj
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, got[0], got[i])
	}
	assert.Equal(t, 1, s.reads("X"))
}

func TestResolveAll(t *testing.T) {
	ctx := context.Background()
	s := newMemStore("s")
	for _, id := range []string{"A", "B", "C"} {
		seed(t, s, id, &seqDB{Name: id})
	}
	r := newResolver(t, s)

	objs, err := r.ResolveAll(ctx, []string{"C", "A", "B"})
	require.NoError(t, err)
	require.Len(t, objs, 3)
	assert.Equal(t, "C", objs[0].(*seqDB).Name)
	assert.Equal(t, "A", objs[1].(*seqDB).Name)

	_, err = r.ResolveAll(ctx, []string{"A", "nope"})
	assert.ErrorIs(t, err, types.ErrResourceNotFound)
}

func TestResolveAll_MissesBuildOnceEach(t *testing.T) {
	ctx := context.Background()
	s := newMemStore("s")
	for _, id := range []string{"A", "B"} {
		seed(t, s, id, &seqDB{Name: id})
	}
	r, err := New([]types.Store{s}, nil, WithConcurrency(4))
	require.NoError(t, err)

	objs, err := r.ResolveAll(ctx, []string{"A", "B", "A", "B", "A"})
	require.NoError(t, err)
	assert.Same(t, objs[0], objs[2])
	assert.Same(t, objs[0], objs[4])
	assert.Same(t, objs[1], objs[3])
	assert.Equal(t, 1, s.reads("A"))
	assert.Equal(t, 1, s.reads("B"))
}

func TestSchema_DirectAndInverseRelations(t *testing.T) {
	ctx := context.Background()
	s := newMemStore("s")
	r := newResolver(t, s)
	require.NoError(t, r.AddResource(ctx, "A", &seqDB{Name: "a"}, ""))
	require.NoError(t, r.AddResource(ctx, "B", &seqDB{Name: "b"}, ""))

	require.NoError(t, r.Schema("").Child("A").Set(ctx, "partner", schema.DirectRelation{Target: "B"}))
	require.NoError(t, r.Schema("").Set(ctx, "A", schema.InverseRelation{Target: r.Root().Child("B")}))

	// A fresh resolver binds schema attributes when it builds the objects.
	fresh := newResolver(t, s)
	a, err := fresh.Resolve(ctx, "A", "")
	require.NoError(t, err)
	b, err := fresh.Resolve(ctx, "B", "")
	require.NoError(t, err)

	partner, err := types.Attr(ctx, a, "partner")
	require.NoError(t, err)
	assert.Same(t, b, partner)

	inv, err := types.Attr(ctx, a, schema.AttrInverseDB)
	require.NoError(t, err)
	assert.Same(t, b, inv)
	inv, err = types.Attr(ctx, b, schema.AttrInverseDB)
	require.NoError(t, err)
	assert.Same(t, a, inv)

	inverted, err := a.(*seqDB).Invert(ctx)
	require.NoError(t, err)
	assert.Same(t, b, inverted)

	_, err = fresh.SchemaAttr(ctx, "A", "nothing")
	assert.ErrorIs(t, err, types.ErrSchemaNotFound)
	_, err = fresh.FindSchema(ctx, "Z")
	assert.ErrorIs(t, err, types.ErrSchemaNotFound)
}

func TestRegisterServer_ShortRegistrarFails(t *testing.T) {
	ctx := context.Background()
	reg := &registrar{memStore: newMemStore("index"), limit: 2}
	r := newResolver(t, newMemStore("local"), reg)

	services := map[string][]byte{"A": []byte("a"), "B": []byte("b"), "C": []byte("c")}
	_, err := r.RegisterServer(ctx, "host:1", services)
	assert.ErrorIs(t, err, types.ErrRegistration)

	for _, id := range []string{"A", "B"} {
		data, err := reg.Get(ctx, id)
		require.NoError(t, err, "accepted entries stay registered")
		assert.Equal(t, services[id], data)
	}

	reg.limit = 10
	n, err := r.RegisterServer(ctx, "host:1", services)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = newResolver(t, newMemStore("x")).RegisterServer(ctx, "h", services)
	assert.ErrorIs(t, err, types.ErrRegistration)
}

func TestDeleteResource_CacheKeepsStaleObject(t *testing.T) {
	ctx := context.Background()
	s := newMemStore("s")
	r, err := New([]types.Store{s}, map[string]types.Store{"here": s})
	require.NoError(t, err)

	require.NoError(t, r.Layer("here").Set(ctx, "X", &seqDB{Name: "x"}))
	before, err := r.Resolve(ctx, "X", "")
	require.NoError(t, err)

	require.NoError(t, r.Layer("here").Delete(ctx, "X"))
	assert.ErrorIs(t, r.DeleteResource(ctx, "X", "here"), types.ErrNotFound)

	stale, err := r.Resolve(ctx, "X", "here")
	require.NoError(t, err)
	assert.Same(t, before, stale)

	other, err := New([]types.Store{s}, map[string]types.Store{"here": s})
	require.NoError(t, err)
	_, err = other.Layer("here").Child("X").Get(ctx)
	assert.ErrorIs(t, err, types.ErrResourceNotFound)
}

func TestAddResource_IdentityIsFixed(t *testing.T) {
	ctx := context.Background()
	r := newResolver(t, newMemStore("s"))
	obj := &seqDB{}
	require.NoError(t, r.AddResource(ctx, "A", obj, ""))
	assert.ErrorIs(t, r.AddResource(ctx, "B", obj, ""), types.ErrIDReassigned)
	assert.ErrorIs(t, r.AddResource(ctx, "A", obj, "nowhere"), types.ErrLayerNotFound)
	assert.Contains(t, r.Cached(), "A")
}

func TestAddResource_FailureLeavesObjectUntagged(t *testing.T) {
	ctx := context.Background()
	s := newMemStore("s")
	s.putErr = errors.New("read-only")
	r := newResolver(t, s)

	obj := &seqDB{Name: "x"}
	assert.Error(t, r.AddResource(ctx, "A", obj, ""))
	assert.Equal(t, "", obj.ResourceID())
	assert.NotContains(t, r.Cached(), "A")

	s.putErr = nil
	require.NoError(t, r.AddResource(ctx, "B", obj, ""))
	assert.Equal(t, "B", obj.ResourceID())

	type unregistered struct{ types.Base }
	loose := &unregistered{}
	assert.ErrorIs(t, r.AddResource(ctx, "C", loose, ""), types.ErrUnknownType)
	assert.Equal(t, "", loose.ResourceID())
}

func TestDumpsLoads(t *testing.T) {
	ctx := context.Background()
	s := newMemStore("s")
	r := newResolver(t, s)
	b := &seqDB{Name: "b"}
	require.NoError(t, r.AddResource(ctx, "B", b, ""))

	data, err := r.Dumps(&seqDB{Name: "a", Partner: b})
	require.NoError(t, err)
	refs, err := r.Codec().References(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, refs)

	obj, err := r.Loads(ctx, data)
	require.NoError(t, err)
	assert.Same(t, b, obj.(*seqDB).Partner)
}

func TestList_UnionSkipsUnlistable(t *testing.T) {
	ctx := context.Background()
	a := newMemStore("a")
	a.data["Bio.Seq.x"] = nil
	a.data["Bio.MSA.y"] = nil
	b := newMemStore("b")
	b.data["Bio.Seq.x"] = nil
	b.data["Bio.Seq.z"] = nil
	c := newMemStore("c")
	c.noList = true

	r, err := New([]types.Store{a, b, c}, map[string]types.Store{"here": a, "remote": c})
	require.NoError(t, err)
	ids, err := r.List(ctx, "Bio.Seq.")
	require.NoError(t, err)
	assert.Equal(t, []string{"Bio.Seq.x", "Bio.Seq.z"}, ids)

	ids, err = r.ListLayer(ctx, "", "here")
	require.NoError(t, err)
	assert.Equal(t, []string{"Bio.MSA.y", "Bio.Seq.x"}, ids)

	_, err = r.ListLayer(ctx, "", "remote")
	assert.ErrorIs(t, err, types.ErrUnsupported)
}

func TestResolve_AcrossShelfStores(t *testing.T) {
	ctx := context.Background()
	here, err := shelf.Open(t.TempDir())
	require.NoError(t, err)
	my, err := shelf.Open(t.TempDir())
	require.NoError(t, err)

	r, err := New([]types.Store{here, my}, map[string]types.Store{"here": here, "my": my})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Layer("my").Child("Bio").Set(ctx, "mm8", &seqDB{Name: "mm8"}))
	require.NoError(t, r.Layer("here").Child("Bio").Set(ctx, "hg18", &seqDB{Name: "hg18", Partner: mustGet(t, r, "Bio.mm8")}))

	fresh, err := New([]types.Store{here, my}, nil)
	require.NoError(t, err)
	obj, err := fresh.Root().Child("Bio").Child("hg18").Get(ctx)
	require.NoError(t, err)
	hg := obj.(*seqDB)
	require.NotNil(t, hg.Partner)
	assert.Equal(t, "mm8", hg.Partner.Name)
	assert.Equal(t, "Bio.mm8", hg.Partner.ResourceID())
}

func mustGet(t *testing.T, r *Resolver, id string) *seqDB {
	t.Helper()
	obj, err := r.Resolve(context.Background(), id, "")
	require.NoError(t, err)
	return obj.(*seqDB)
}
