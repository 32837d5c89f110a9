package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mesh-intelligence/resdb/pkg/types"
)

// Errors returned while evaluating item bindings.
var (
	ErrNotInvertible = errors.New("target mapping cannot be inverted")
	ErrNoEdgeView    = errors.New("target mapping has no edge view")
	ErrNotMapping    = errors.New("target is not a mapping")
)

// Finder looks up stored rules and the resources they point at.
type Finder interface {
	// FindSchema returns every rule stored for id, or ErrSchemaNotFound.
	FindSchema(ctx context.Context, id string) (types.Schema, error)
	// SchemaAttr resolves the target of the rule stored for (id, attr).
	SchemaAttr(ctx context.Context, id, attr string) (any, error)
}

// Apply installs a lazy binding on obj for every attribute rule stored for
// id. Item rules are bound on obj's item table so every item of the
// database gains the attribute. Having no schema is not an error, and
// objects that cannot hold shadow attributes are left alone.
func Apply(ctx context.Context, f Finder, id string, obj any) error {
	holder, ok := obj.(types.ShadowHolder)
	if !ok {
		return nil
	}
	s, err := f.FindSchema(ctx, id)
	if errors.Is(err, types.ErrSchemaNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply schema %s: %w", id, err)
	}

	attrs := make([]string, 0, len(s))
	for attr := range s {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)

	sh := holder.Shadow()
	for _, attr := range attrs {
		if attr == "" || sh.Ignored(attr) {
			continue
		}
		rule := s[attr]
		if rule.ItemRule {
			sh.BindItem(attr, itemBinding(f, id, attr, rule))
		} else {
			sh.Bind(attr, directBinding(f, id, attr))
		}
		if attr == AttrInverseDB {
			sh.BindInverter(func(ctx context.Context) (any, error) {
				return types.Attr(ctx, obj, AttrInverseDB)
			})
		}
	}
	return nil
}

func directBinding(f Finder, id, attr string) types.Binding {
	return func(ctx context.Context, _ any) (any, error) {
		return f.SchemaAttr(ctx, id, attr)
	}
}

// itemBinding maps an item through the target of (dbID, attr).
func itemBinding(f Finder, dbID, attr string, rule types.Rule) types.Binding {
	return func(ctx context.Context, item any) (any, error) {
		target, err := f.SchemaAttr(ctx, dbID, attr)
		if err != nil {
			return nil, err
		}
		if rule.Invert {
			inv, ok := target.(types.Invertible)
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s is %T", ErrNotInvertible, dbID, attr, target)
			}
			if target, err = inv.Invert(ctx); err != nil {
				return nil, err
			}
		}
		if rule.GetEdges {
			ev, ok := target.(types.EdgeViewer)
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s is %T", ErrNoEdgeView, dbID, attr, target)
			}
			if target, err = ev.Edges(ctx); err != nil {
				return nil, err
			}
		}
		m, ok := target.(types.Mapping)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s is %T", ErrNotMapping, dbID, attr, target)
		}
		return m.Lookup(ctx, item)
	}
}
