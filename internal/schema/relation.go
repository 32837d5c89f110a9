// Package schema records typed relations between resource identifiers and
// binds the derived attributes they describe onto resolved objects.
//
// Relations are data. Saving a relation expands it into one or more rules
// stored through a Saver; Apply reads the rules of a freshly resolved
// identifier back and installs lazy bindings on the object's Shadow.
package schema

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/resdb/pkg/types"
)

// Attribute names written by relation expansion.
const (
	AttrSourceDB  = "sourceDB"
	AttrTargetDB  = "targetDB"
	AttrEdgeDB    = "edgeDB"
	AttrInverseDB = "inverseDB"
)

// Saver persists a single rule for (id, attr).
type Saver interface {
	SaveSchema(ctx context.Context, id, attr string, rule types.Rule) error
}

// SaverFunc adapts a function to the Saver interface.
type SaverFunc func(ctx context.Context, id, attr string, rule types.Rule) error

// SaveSchema calls f.
func (f SaverFunc) SaveSchema(ctx context.Context, id, attr string, rule types.Rule) error {
	return f(ctx, id, attr, rule)
}

// Relation is a schema declaration that knows how to store itself as the
// attribute name of parent.
type Relation interface {
	Save(ctx context.Context, s Saver, parent, name string) error
}

// ChildID joins a parent identifier and a name into a child identifier.
func ChildID(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

// DirectRelation binds an attribute to a single target resource.
type DirectRelation struct {
	Target any // identifier string or identified resource
}

// Save stores a direct rule on (parent, name).
func (r DirectRelation) Save(ctx context.Context, s Saver, parent, name string) error {
	target, err := types.IDOf(r.Target)
	if err != nil {
		return fmt.Errorf("direct relation %s: %w", name, err)
	}
	return s.SaveSchema(ctx, parent, name, types.Rule{TargetID: target})
}

// ItemRelation binds an attribute on every item of the parent database. The
// attribute value is the target mapping indexed by the item, optionally
// through the mapping's inverse or its edge view.
type ItemRelation struct {
	Target   any
	Invert   bool
	GetEdges bool
}

// Save stores an item rule on (parent, name).
func (r ItemRelation) Save(ctx context.Context, s Saver, parent, name string) error {
	target, err := types.IDOf(r.Target)
	if err != nil {
		return fmt.Errorf("item relation %s: %w", name, err)
	}
	return s.SaveSchema(ctx, parent, name, types.Rule{
		TargetID: target,
		ItemRule: true,
		Invert:   r.Invert,
		GetEdges: r.GetEdges,
	})
}

// ManyToManyRelation describes a graph mapping from SourceDB to TargetDB,
// with optional edge information held in EdgeDB. BindAttrs names the item
// attribute to install on each of the three databases; an empty name binds
// nothing.
type ManyToManyRelation struct {
	SourceDB  any
	TargetDB  any
	EdgeDB    any
	BindAttrs [3]string
}

// Save stores the relation under the composite identifier parent.name: the
// descriptor itself, a direct rule per database, and an item rule on each
// database that has a bind attribute.
func (r ManyToManyRelation) Save(ctx context.Context, s Saver, parent, name string) error {
	id := ChildID(parent, name)

	dbs := [3]string{}
	var err error
	if dbs[0], err = types.IDOf(r.SourceDB); err != nil {
		return fmt.Errorf("many-to-many %s source: %w", id, err)
	}
	if dbs[1], err = types.IDOf(r.TargetDB); err != nil {
		return fmt.Errorf("many-to-many %s target: %w", id, err)
	}
	if r.EdgeDB != nil {
		if dbs[2], err = types.IDOf(r.EdgeDB); err != nil {
			return fmt.Errorf("many-to-many %s edges: %w", id, err)
		}
	}
	if dbs[2] == "" && r.BindAttrs[2] != "" {
		return fmt.Errorf("%w: %s binds %q on a missing edge database", types.ErrInvalidRule, id, r.BindAttrs[2])
	}

	desc := types.Rule{SourceDB: dbs[0], TargetDB: dbs[1], EdgeDB: dbs[2], BindAttrs: r.BindAttrs}
	if err := s.SaveSchema(ctx, id, "", desc); err != nil {
		return err
	}
	for i, attr := range [3]string{AttrSourceDB, AttrTargetDB, AttrEdgeDB} {
		if dbs[i] == "" {
			continue
		}
		if err := (DirectRelation{Target: dbs[i]}).Save(ctx, s, id, attr); err != nil {
			return err
		}
	}

	items := [3]ItemRelation{
		{Target: id},
		{Target: id, Invert: true},
		{Target: id, GetEdges: true},
	}
	for i, attr := range r.BindAttrs {
		if attr == "" {
			continue
		}
		if err := items[i].Save(ctx, s, dbs[i], attr); err != nil {
			return err
		}
	}
	return nil
}

// InverseRelation pairs the resource parent.name with Target so that each
// one's inverseDB attribute yields the other.
type InverseRelation struct {
	Target any
}

// Save stores inverseDB on both sides.
func (r InverseRelation) Save(ctx context.Context, s Saver, parent, name string) error {
	source := ChildID(parent, name)
	target, err := types.IDOf(r.Target)
	if err != nil {
		return fmt.Errorf("inverse relation %s: %w", source, err)
	}
	if err := (DirectRelation{Target: target}).Save(ctx, s, source, AttrInverseDB); err != nil {
		return err
	}
	return (DirectRelation{Target: source}).Save(ctx, s, target, AttrInverseDB)
}
