package resolver

import (
	"context"

	"github.com/mesh-intelligence/resdb/internal/schema"
	"github.com/mesh-intelligence/resdb/pkg/types"
)

// Path is a dotted position in the resource namespace, optionally bound to a
// layer. Paths are values; Child never mutates its receiver.
type Path struct {
	r     *Resolver
	id    string
	layer string
}

// Root returns the unbound root of the namespace.
func (r *Resolver) Root() Path {
	return Path{r: r}
}

// Layer returns the namespace root bound to the named layer. Every
// operation through the returned path uses only that layer's store.
func (r *Resolver) Layer(name string) Path {
	return Path{r: r, layer: name}
}

// Child extends the path by one name.
func (p Path) Child(name string) Path {
	return Path{r: p.r, id: schema.ChildID(p.id, name), layer: p.layer}
}

// ID returns the identifier named by the path.
func (p Path) ID() string {
	return p.id
}

// ResourceID returns the identifier named by the path, so a path can stand
// for its resource as a relation target.
func (p Path) ResourceID() string {
	return p.id
}

// Get resolves the resource at the path.
func (p Path) Get(ctx context.Context) (any, error) {
	return p.r.Resolve(ctx, p.id, p.layer)
}

// Set saves obj as the child name of the path.
func (p Path) Set(ctx context.Context, name string, obj any) error {
	return p.r.AddResource(ctx, schema.ChildID(p.id, name), obj, p.layer)
}

// Delete removes the child name of the path from the store.
func (p Path) Delete(ctx context.Context, name string) error {
	return p.r.DeleteResource(ctx, schema.ChildID(p.id, name), p.layer)
}

// SchemaPath is the schema counterpart of Path: assigning a relation to a
// name saves the relation's rules.
type SchemaPath struct {
	r     *Resolver
	id    string
	layer string
}

// Schema returns the root of the schema namespace. With a layer name the
// rules are written to that layer's store.
func (r *Resolver) Schema(layer string) SchemaPath {
	return SchemaPath{r: r, layer: layer}
}

// Child extends the schema path by one name.
func (p SchemaPath) Child(name string) SchemaPath {
	return SchemaPath{r: p.r, id: schema.ChildID(p.id, name), layer: p.layer}
}

// ID returns the identifier named by the schema path.
func (p SchemaPath) ID() string {
	return p.id
}

// Set saves rel as the attribute name of the path.
func (p SchemaPath) Set(ctx context.Context, name string, rel schema.Relation) error {
	return rel.Save(ctx, schema.SaverFunc(func(ctx context.Context, id, attr string, rule types.Rule) error {
		return p.r.SaveSchema(ctx, id, attr, rule, p.layer)
	}), p.id, name)
}
