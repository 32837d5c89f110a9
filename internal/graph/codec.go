// Package graph implements the reference-aware graph serialization used for
// every record in resdb.
//
// A record is a JSON envelope around a node tree. Sub-objects that carry a
// resource identifier are written as reference markers instead of being
// inlined, so shared resources are stored once and cyclic resource graphs stay
// finite. The root of a record is always inlined. Pointers reached more than
// once inside one record are memoized, so shared and cyclic plain objects
// decode to the same shape they were encoded from.
//
// Node forms:
//
//	scalar, []byte, time.Time   JSON literal
//	struct                      {"Field": node, ...}
//	slice, array                [node, ...]
//	map                         {"@map": [[key, value], ...]}
//	value behind an interface   {"@type": name, "@value": node}
//	pointer, first visit        {"@obj": n, "@val": node}
//	pointer, later visits       {"@see": n}
//	identified resource         {"@ref": id}
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/mesh-intelligence/resdb/pkg/types"
)

const formatVersion = 1

// Reserved node keys.
const (
	keyRef   = "@ref"
	keyType  = "@type"
	keyValue = "@value"
	keyObj   = "@obj"
	keyVal   = "@val"
	keySee   = "@see"
	keyMap   = "@map"
)

// Codec errors.
var (
	ErrBadRecord       = errors.New("malformed graph record")
	ErrUnsupportedType = errors.New("type cannot be serialized")
)

// ResolveFunc returns the live object for a referenced identifier.
type ResolveFunc func(ctx context.Context, id string) (any, error)

// DecodeOption configures a single Decode call.
type DecodeOption func(*decoder)

// WithRoot registers f to be called with the root pointer as soon as it is
// allocated, before any of its fields are decoded. Callers use it to make a
// partially built root reachable while its references are being resolved.
func WithRoot(f func(root any)) DecodeOption {
	return func(d *decoder) {
		d.onRoot = f
	}
}

// Codec encodes and decodes records using a type registry.
type Codec struct {
	reg *Registry
}

// NewCodec returns a codec bound to reg, or to Default when reg is nil.
func NewCodec(reg *Registry) *Codec {
	if reg == nil {
		reg = Default
	}
	return &Codec{reg: reg}
}

// Registry returns the type registry of the codec.
func (c *Codec) Registry() *Registry {
	return c.reg
}

type envelope struct {
	Version int             `json:"v"`
	Root    json.RawMessage `json:"root"`
}

// Encode serializes root and everything it reaches. Any identified resource
// other than root itself is written as a reference marker.
func (c *Codec) Encode(root any) ([]byte, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: nil root", ErrUnsupportedType)
	}
	e := &encoder{reg: c.reg, memo: make(map[ptrKey]int)}
	rv := reflect.ValueOf(root)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		e.root = ptrKey{t: rv.Type(), p: rv.Pointer()}
		e.hasRoot = true
	}
	node, err := e.encodeDynamic(rv)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("graph: marshal: %w", err)
	}
	return json.Marshal(envelope{Version: formatVersion, Root: raw})
}

// Decode rebuilds the object graph stored in data. Every reference marker is
// resolved through resolve; a failure aborts the whole decode with
// types.ErrUnresolvableReference.
func (c *Codec) Decode(ctx context.Context, data []byte, resolve ResolveFunc, opts ...DecodeOption) (any, error) {
	root, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}
	d := &decoder{ctx: ctx, reg: c.reg, resolve: resolve, memo: make(map[int]reflect.Value)}
	for _, opt := range opts {
		opt(d)
	}

	var out any
	if err := d.decodeValue(root, reflect.ValueOf(&out).Elem()); err != nil {
		return nil, err
	}
	return out, nil
}

// Description summarizes a record without decoding it.
type Description struct {
	Type       string   `json:"type"`
	References []string `json:"references"`
}

// Describe returns the root type name and the reference ids of a record.
func (c *Codec) Describe(data []byte) (Description, error) {
	root, err := parseEnvelope(data)
	if err != nil {
		return Description{}, err
	}
	var head map[string]json.RawMessage
	if err := json.Unmarshal(root, &head); err != nil {
		return Description{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	var desc Description
	if t, ok := head[keyType]; ok {
		if err := json.Unmarshal(t, &desc.Type); err != nil {
			return Description{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
		}
	}
	desc.References, err = c.References(data)
	return desc, err
}

// References returns the sorted, de-duplicated ids referenced by a record.
func (c *Codec) References(data []byte) ([]string, error) {
	root, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(root, &tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	seen := make(map[string]struct{})
	collectRefs(tree, seen)
	refs := make([]string, 0, len(seen))
	for id := range seen {
		refs = append(refs, id)
	}
	sort.Strings(refs)
	return refs, nil
}

func collectRefs(node any, seen map[string]struct{}) {
	switch n := node.(type) {
	case map[string]any:
		if id, ok := n[keyRef].(string); ok && len(n) == 1 {
			seen[id] = struct{}{}
			return
		}
		for _, v := range n {
			collectRefs(v, seen)
		}
	case []any:
		for _, v := range n {
			collectRefs(v, seen)
		}
	}
}

func parseEnvelope(data []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if env.Version != formatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadRecord, env.Version)
	}
	if len(env.Root) == 0 {
		return nil, fmt.Errorf("%w: no root", ErrBadRecord)
	}
	return env.Root, nil
}

// ptrKey identifies a pointer by type and address; a struct and its first
// field share an address.
type ptrKey struct {
	t reflect.Type
	p uintptr
}

var (
	baseType     = reflect.TypeOf(types.Base{})
	itemBaseType = reflect.TypeOf(types.ItemBase{})
	resourceType = reflect.TypeOf((*types.Resource)(nil)).Elem()
	marshalerT   = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	unmarshalerT = reflect.TypeOf((*json.Unmarshaler)(nil)).Elem()
)

// isLeaf reports whether t is written as a plain JSON literal.
func isLeaf(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return true
		}
	case reflect.Pointer, reflect.Interface:
		return false
	}
	return t.Implements(marshalerT) && reflect.PointerTo(t).Implements(unmarshalerT)
}

type field struct {
	index int
	name  string
}

// fieldsOf lists the serialized fields of struct type t.
func fieldsOf(t reflect.Type) []field {
	var out []field
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Type == baseType || f.Type == itemBaseType {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("graph"); ok {
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		out = append(out, field{index: i, name: name})
	}
	return out
}

type encoder struct {
	reg     *Registry
	root    ptrKey
	hasRoot bool
	memo    map[ptrKey]int
	next    int
}

// refID returns the identifier to write in place of pointer v, if any.
func (e *encoder) refID(v reflect.Value) (string, bool) {
	if e.hasRoot && v.Type() == e.root.t && v.Pointer() == e.root.p {
		return "", false
	}
	if !v.Type().Implements(resourceType) {
		return "", false
	}
	id := v.Interface().(types.Resource).ResourceID()
	return id, id != ""
}

func (e *encoder) encodeDynamic(v reflect.Value) (any, error) {
	if v.Kind() == reflect.Pointer && !v.IsNil() {
		if id, ok := e.refID(v); ok {
			return map[string]any{keyRef: id}, nil
		}
	}
	name, ok := e.reg.nameOf(v.Type())
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownType, v.Type())
	}
	inner, err := e.encodeValue(v)
	if err != nil {
		return nil, err
	}
	return map[string]any{keyType: name, keyValue: inner}, nil
}

func (e *encoder) encodeValue(v reflect.Value) (any, error) {
	t := v.Type()
	if isLeaf(t) {
		raw, err := json.Marshal(v.Interface())
		if err != nil {
			return nil, fmt.Errorf("graph: %s: %w", t, err)
		}
		return json.RawMessage(raw), nil
	}

	switch t.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return e.encodeDynamic(v.Elem())

	case reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		if id, ok := e.refID(v); ok {
			return map[string]any{keyRef: id}, nil
		}
		key := ptrKey{t: t, p: v.Pointer()}
		if n, ok := e.memo[key]; ok {
			return map[string]any{keySee: n}, nil
		}
		n := e.next
		e.next++
		e.memo[key] = n
		inner, err := e.encodeValue(v.Elem())
		if err != nil {
			return nil, err
		}
		return map[string]any{keyObj: n, keyVal: inner}, nil

	case reflect.Struct:
		out := make(map[string]any)
		for _, f := range fieldsOf(t) {
			node, err := e.encodeValue(v.Field(f.index))
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t.Name(), f.name, err)
			}
			out[f.name] = node
		}
		return out, nil

	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		type pair struct {
			key  []byte
			node []any
		}
		pairs := make([]pair, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			k, err := e.encodeValue(iter.Key())
			if err != nil {
				return nil, err
			}
			val, err := e.encodeValue(iter.Value())
			if err != nil {
				return nil, err
			}
			kraw, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, pair{key: kraw, node: []any{k, val}})
		}
		sort.Slice(pairs, func(i, j int) bool { return bytes.Compare(pairs[i].key, pairs[j].key) < 0 })
		list := make([]any, len(pairs))
		for i, p := range pairs {
			list[i] = p.node
		}
		return map[string]any{keyMap: list}, nil

	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		fallthrough
	case reflect.Array:
		list := make([]any, v.Len())
		for i := range list {
			node, err := e.encodeValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = node
		}
		return list, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

type decoder struct {
	ctx      context.Context
	reg      *Registry
	resolve  ResolveFunc
	memo     map[int]reflect.Value
	onRoot   func(any)
	rootSeen bool
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (d *decoder) object(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	return obj, nil
}

func (d *decoder) resolveRef(raw json.RawMessage, t reflect.Type) (reflect.Value, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if d.resolve == nil {
		return reflect.Value{}, fmt.Errorf("%w %s: no resolver", types.ErrUnresolvableReference, id)
	}
	obj, err := d.resolve(d.ctx, id)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w %s: %w", types.ErrUnresolvableReference, id, err)
	}
	rv := reflect.ValueOf(obj)
	if !rv.IsValid() || !rv.Type().AssignableTo(t) {
		return reflect.Value{}, fmt.Errorf("%w %s: resolved %T, want %s", types.ErrUnresolvableReference, id, obj, t)
	}
	return rv, nil
}

func (d *decoder) decodeValue(raw json.RawMessage, v reflect.Value) error {
	t := v.Type()
	if isNull(raw) {
		v.Set(reflect.Zero(t))
		return nil
	}
	if isLeaf(t) {
		if err := json.Unmarshal(raw, v.Addr().Interface()); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadRecord, t, err)
		}
		return nil
	}

	switch t.Kind() {
	case reflect.Interface:
		obj, err := d.object(raw)
		if err != nil {
			return err
		}
		if ref, ok := obj[keyRef]; ok {
			rv, err := d.resolveRef(ref, t)
			if err != nil {
				return err
			}
			v.Set(rv)
			return nil
		}
		var name string
		if err := json.Unmarshal(obj[keyType], &name); err != nil {
			return fmt.Errorf("%w: missing type tag", ErrBadRecord)
		}
		dt, ok := d.reg.typeOf(name)
		if !ok {
			return fmt.Errorf("%w: %s", types.ErrUnknownType, name)
		}
		if !dt.AssignableTo(t) {
			return fmt.Errorf("%w: %s does not fit %s", ErrBadRecord, dt, t)
		}
		if dt.Kind() != reflect.Pointer {
			// Only a pointer root can be shared before it is complete.
			d.rootSeen = true
		}
		nv := reflect.New(dt).Elem()
		if err := d.decodeValue(obj[keyValue], nv); err != nil {
			return err
		}
		v.Set(nv)
		return nil

	case reflect.Pointer:
		obj, err := d.object(raw)
		if err != nil {
			return err
		}
		if ref, ok := obj[keyRef]; ok {
			rv, err := d.resolveRef(ref, t)
			if err != nil {
				return err
			}
			v.Set(rv)
			return nil
		}
		if see, ok := obj[keySee]; ok {
			var n int
			if err := json.Unmarshal(see, &n); err != nil {
				return fmt.Errorf("%w: %v", ErrBadRecord, err)
			}
			prev, ok := d.memo[n]
			if !ok || prev.Type() != t {
				return fmt.Errorf("%w: dangling pointer %d", ErrBadRecord, n)
			}
			v.Set(prev)
			return nil
		}
		var n int
		if err := json.Unmarshal(obj[keyObj], &n); err != nil {
			return fmt.Errorf("%w: missing object id", ErrBadRecord)
		}
		p := reflect.New(t.Elem())
		d.memo[n] = p
		v.Set(p)
		if !d.rootSeen {
			d.rootSeen = true
			if d.onRoot != nil {
				d.onRoot(p.Interface())
			}
		}
		return d.decodeValue(obj[keyVal], p.Elem())

	case reflect.Struct:
		d.rootSeen = true
		obj, err := d.object(raw)
		if err != nil {
			return err
		}
		for _, f := range fieldsOf(t) {
			fraw, ok := obj[f.name]
			if !ok {
				continue
			}
			if err := d.decodeValue(fraw, v.Field(f.index)); err != nil {
				return fmt.Errorf("%s.%s: %w", t.Name(), f.name, err)
			}
		}
		return nil

	case reflect.Map:
		d.rootSeen = true
		obj, err := d.object(raw)
		if err != nil {
			return err
		}
		var pairs [][2]json.RawMessage
		if err := json.Unmarshal(obj[keyMap], &pairs); err != nil {
			return fmt.Errorf("%w: %v", ErrBadRecord, err)
		}
		m := reflect.MakeMapWithSize(t, len(pairs))
		for _, p := range pairs {
			k := reflect.New(t.Key()).Elem()
			if err := d.decodeValue(p[0], k); err != nil {
				return err
			}
			val := reflect.New(t.Elem()).Elem()
			if err := d.decodeValue(p[1], val); err != nil {
				return err
			}
			m.SetMapIndex(k, val)
		}
		v.Set(m)
		return nil

	case reflect.Slice, reflect.Array:
		d.rootSeen = true
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("%w: %v", ErrBadRecord, err)
		}
		if t.Kind() == reflect.Slice {
			v.Set(reflect.MakeSlice(t, len(list), len(list)))
		} else if len(list) > v.Len() {
			return fmt.Errorf("%w: %d elements for %s", ErrBadRecord, len(list), t)
		}
		for i, item := range list {
			if err := d.decodeValue(item, v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}
