package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/resdb/pkg/types"
)

type genome struct {
	types.Base
	Name    string
	Build   int
	Partner *genome
	Notes   *note
	Tags    map[string]int
	Extra   any
	Scratch string `graph:"-"`
	Created time.Time
}

type note struct {
	Text string
	Next *note
}

type pair struct {
	Left  *note
	Right *note
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister("test.genome", &genome{})
	reg.MustRegister("test.note", &note{})
	reg.MustRegister("test.pair", &pair{})
	return NewCodec(reg)
}

func TestCodec_RootInlinedAndScalarsRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	created := time.Date(2008, 3, 1, 0, 0, 0, 0, time.UTC)
	g := &genome{Name: "hg18", Build: 18, Tags: map[string]int{"b": 2, "a": 1}, Scratch: "x", Created: created}
	require.NoError(t, g.SetResourceID("Bio.Seq.hg18"))

	data, err := c.Encode(g)
	require.NoError(t, err)

	refs, err := c.References(data)
	require.NoError(t, err)
	assert.Empty(t, refs, "root must be inlined even though it has an id")

	out, err := c.Decode(context.Background(), data, nil)
	require.NoError(t, err)
	got, ok := out.(*genome)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, "hg18", got.Name)
	assert.Equal(t, 18, got.Build)
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, got.Tags)
	assert.Equal(t, "", got.Scratch)
	assert.True(t, created.Equal(got.Created))
	assert.Equal(t, "", got.ResourceID(), "identity is assigned by the resolver, not the record")
}

func TestCodec_IdentifiedChildBecomesReference(t *testing.T) {
	c := newTestCodec(t)
	child := &genome{Name: "mm8"}
	require.NoError(t, child.SetResourceID("Bio.Seq.mm8"))
	root := &genome{Name: "hg18", Partner: child}

	data, err := c.Encode(root)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"mm8"`, "referenced object must not be inlined")

	refs, err := c.References(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bio.Seq.mm8"}, refs)

	var asked []string
	out, err := c.Decode(context.Background(), data, func(_ context.Context, id string) (any, error) {
		asked = append(asked, id)
		return child, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bio.Seq.mm8"}, asked)
	assert.Same(t, child, out.(*genome).Partner)
}

func TestCodec_UnidentifiedChildInlined(t *testing.T) {
	c := newTestCodec(t)
	root := &genome{Name: "hg18", Partner: &genome{Name: "anon"}}

	data, err := c.Encode(root)
	require.NoError(t, err)
	refs, err := c.References(data)
	require.NoError(t, err)
	assert.Empty(t, refs)

	out, err := c.Decode(context.Background(), data, nil)
	require.NoError(t, err)
	assert.Equal(t, "anon", out.(*genome).Partner.Name)
}

func TestCodec_SharedAndCyclicPointersMemoized(t *testing.T) {
	c := newTestCodec(t)
	n := &note{Text: "loop"}
	n.Next = n
	p := &pair{Left: n, Right: n}

	data, err := c.Encode(p)
	require.NoError(t, err)

	out, err := c.Decode(context.Background(), data, nil)
	require.NoError(t, err)
	got := out.(*pair)
	require.NotNil(t, got.Left)
	assert.Same(t, got.Left, got.Right)
	assert.Same(t, got.Left, got.Left.Next)
	assert.Equal(t, "loop", got.Left.Text)
}

func TestCodec_CyclicResourcesThroughWithRoot(t *testing.T) {
	c := newTestCodec(t)
	a := &genome{Name: "a"}
	b := &genome{Name: "b"}
	require.NoError(t, a.SetResourceID("A"))
	require.NoError(t, b.SetResourceID("B"))
	a.Partner = b
	b.Partner = a

	records := map[string][]byte{}
	for _, g := range []*genome{a, b} {
		data, err := c.Encode(g)
		require.NoError(t, err)
		records[g.ResourceID()] = data
	}

	// Minimal resolver: publish the partial root before decoding fields.
	partial := map[string]any{}
	var resolve ResolveFunc
	resolve = func(ctx context.Context, id string) (any, error) {
		if obj, ok := partial[id]; ok {
			return obj, nil
		}
		data, ok := records[id]
		if !ok {
			return nil, types.ErrNotFound
		}
		return c.Decode(ctx, data, resolve, WithRoot(func(root any) { partial[id] = root }))
	}

	out, err := resolve(context.Background(), "A")
	require.NoError(t, err)
	ga := out.(*genome)
	require.NotNil(t, ga.Partner)
	assert.Equal(t, "b", ga.Partner.Name)
	assert.Same(t, ga, ga.Partner.Partner)
}

func TestCodec_WithRootIgnoresNestedPointers(t *testing.T) {
	c := newTestCodec(t)
	ctx := context.Background()
	for name, root := range map[string]any{
		"map":   map[string]any{"n": &note{Text: "inner"}},
		"slice": []any{&note{Text: "inner"}},
	} {
		data, err := c.Encode(root)
		require.NoError(t, err, name)

		var roots []any
		out, err := c.Decode(ctx, data, nil, WithRoot(func(r any) { roots = append(roots, r) }))
		require.NoError(t, err, name)
		assert.Empty(t, roots, "%s: a nested pointer is not the root", name)
		assert.NotNil(t, out, name)
	}

	data, err := c.Encode(&note{Text: "top", Next: &note{Text: "next"}})
	require.NoError(t, err)
	var roots []any
	out, err := c.Decode(ctx, data, nil, WithRoot(func(r any) { roots = append(roots, r) }))
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Same(t, out, roots[0])
}

func TestCodec_UnresolvableReference(t *testing.T) {
	c := newTestCodec(t)
	child := &genome{}
	require.NoError(t, child.SetResourceID("Bio.Seq.gone"))
	data, err := c.Encode(&genome{Partner: child})
	require.NoError(t, err)

	_, err = c.Decode(context.Background(), data, func(context.Context, string) (any, error) {
		return nil, types.ErrResourceNotFound
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUnresolvableReference), "got %v", err)
	assert.True(t, errors.Is(err, types.ErrResourceNotFound), "cause should be kept: %v", err)
	assert.Contains(t, err.Error(), "Bio.Seq.gone")

	_, err = c.Decode(context.Background(), data, nil)
	assert.ErrorIs(t, err, types.ErrUnresolvableReference)
}

func TestCodec_InterfaceValuesCarryTypeTags(t *testing.T) {
	c := newTestCodec(t)
	root := &genome{Extra: []any{"x", 3.5, &note{Text: "n"}}}

	data, err := c.Encode(root)
	require.NoError(t, err)

	desc, err := c.Describe(data)
	require.NoError(t, err)
	assert.Equal(t, "test.genome", desc.Type)

	out, err := c.Decode(context.Background(), data, nil)
	require.NoError(t, err)
	extra, ok := out.(*genome).Extra.([]any)
	require.True(t, ok)
	require.Len(t, extra, 3)
	assert.Equal(t, "x", extra[0])
	assert.Equal(t, 3.5, extra[1])
	assert.Equal(t, "n", extra[2].(*note).Text)
}

func TestCodec_UnregisteredRootType(t *testing.T) {
	c := NewCodec(NewRegistry())
	_, err := c.Encode(&note{})
	assert.ErrorIs(t, err, types.ErrUnknownType)

	_, err = c.Encode(nil)
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestCodec_UnsupportedFieldType(t *testing.T) {
	type withChan struct{ C chan int }
	reg := NewRegistry()
	reg.MustRegister("test.withChan", &withChan{})
	_, err := NewCodec(reg).Encode(&withChan{C: make(chan int)})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestCodec_ReferenceSetStableAcrossReencode(t *testing.T) {
	c := newTestCodec(t)
	child := &genome{Name: "mm8"}
	require.NoError(t, child.SetResourceID("Bio.Seq.mm8"))
	root := &genome{Name: "hg18", Partner: child, Extra: child}

	first, err := c.Encode(root)
	require.NoError(t, err)
	out, err := c.Decode(context.Background(), first, func(context.Context, string) (any, error) { return child, nil })
	require.NoError(t, err)
	second, err := c.Encode(out)
	require.NoError(t, err)

	r1, err := c.References(first)
	require.NoError(t, err)
	r2, err := c.References(second)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.JSONEq(t, string(first), string(second))
}

func TestCodec_BadRecords(t *testing.T) {
	c := newTestCodec(t)
	for name, data := range map[string]string{
		"not json":      "{",
		"wrong version": `{"v":9,"root":{}}`,
		"no root":       `{"v":1}`,
		"unknown type":  `{"v":1,"root":{"@type":"nope","@value":{}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(context.Background(), []byte(data), nil)
			assert.Error(t, err)
		})
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("x", &note{}))
	require.NoError(t, reg.Register("x", &note{}))
	assert.ErrorIs(t, reg.Register("x", &pair{}), ErrDuplicateName)
}
