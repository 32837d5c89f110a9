// Package searchpath parses search-path descriptors and opens the Backend
// Stores they name.
//
// A search path is a separator-joined list of entries, tried in order:
//
//	remote://host:port   an index server, reached over gRPC
//	sql:[table]          a SQL table, using the configured driver and DSN
//	anything else        a local directory holding a shelf file
//
// Remote and SQL entries can serve the "remote" layer. Directory entries
// starting with "/" can serve "system", with "~" "my", and with "." "here".
// Each layer goes to the first entry of its kind that opens.
package searchpath

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/mesh-intelligence/resdb/internal/index"
	"github.com/mesh-intelligence/resdb/internal/paths"
	"github.com/mesh-intelligence/resdb/internal/resolver"
	"github.com/mesh-intelligence/resdb/internal/shelf"
	"github.com/mesh-intelligence/resdb/pkg/sqlite"
	"github.com/mesh-intelligence/resdb/pkg/types"
)

// Entry kinds.
const (
	KindLocal  = "local"
	KindSQL    = "sql"
	KindRemote = "remote"
)

// Layer names.
const (
	LayerHere   = "here"
	LayerMy     = "my"
	LayerSystem = "system"
	LayerRemote = "remote"
)

const (
	remotePrefix = "remote://"
	sqlPrefix    = "sql:"
)

// Entry is one parsed element of a search path.
type Entry struct {
	Kind   string
	Target string // directory, table or address
	Layer  string // layer the entry can serve; empty for none
}

// Parse splits path on sep and classifies each entry. Empty entries are
// dropped; a path with no entries is ErrEmptySearchPath. Every entry carries
// the layer it can serve; Open gives each layer to the first such entry that
// opens.
func Parse(path, sep string) ([]Entry, error) {
	if sep == "" {
		return nil, types.ErrSeparatorEmpty
	}
	var out []Entry

	for _, raw := range strings.Split(path, sep) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var e Entry
		switch {
		case strings.HasPrefix(raw, remotePrefix):
			e = Entry{Kind: KindRemote, Target: strings.TrimPrefix(raw, remotePrefix)}
			if e.Target == "" {
				return nil, fmt.Errorf("search path entry %q: missing address", raw)
			}
			e.Layer = LayerRemote
		case strings.HasPrefix(raw, sqlPrefix):
			e = Entry{Kind: KindSQL, Target: strings.TrimPrefix(raw, sqlPrefix)}
			e.Layer = LayerRemote
		default:
			e = Entry{Kind: KindLocal, Target: raw}
			switch {
			case strings.HasPrefix(raw, "/"):
				e.Layer = LayerSystem
			case raw == "~" || strings.HasPrefix(raw, "~/"):
				e.Layer = LayerMy
			case raw == "." || strings.HasPrefix(raw, "./"):
				e.Layer = LayerHere
			}
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %q", types.ErrEmptySearchPath, path)
	}
	return out, nil
}

// SearchPath is an opened search path.
type SearchPath struct {
	Entries []Entry
	Stores  []types.Store
	Layers  map[string]types.Store
}

// Open parses the search path of cfg and opens a store for every entry.
// Entries that fail to open are logged and skipped; a path left with no
// store is ErrEmptySearchPath.
func Open(ctx context.Context, cfg types.Config) (*SearchPath, error) {
	span := trace.SpanFromContextSafe(ctx)
	cfg = cfg.WithDefaults()
	entries, err := Parse(cfg.SearchPath, cfg.Separator)
	if err != nil {
		return nil, err
	}

	p := &SearchPath{Layers: make(map[string]types.Store)}
	for _, e := range entries {
		s, err := openEntry(ctx, cfg, e)
		if err != nil {
			span.Warnf("search path: skipping %s %q: %s", e.Kind, e.Target, err)
			continue
		}
		p.Entries = append(p.Entries, e)
		p.Stores = append(p.Stores, s)
		if _, taken := p.Layers[e.Layer]; e.Layer != "" && !taken {
			p.Layers[e.Layer] = s
		}
	}
	if len(p.Stores) == 0 {
		return nil, fmt.Errorf("%w: no entry of %q could be opened", types.ErrEmptySearchPath, cfg.SearchPath)
	}
	return p, nil
}

func openEntry(ctx context.Context, cfg types.Config, e Entry) (types.Store, error) {
	switch e.Kind {
	case KindRemote:
		return index.Dial(e.Target, index.TransportConfig{Timeout: cfg.RemoteTimeout})
	case KindSQL:
		if e.Target != "" {
			cfg.SQLTable = e.Target
		}
		return sqlite.NewStore(ctx, cfg)
	default:
		dir, err := paths.ExpandHome(e.Target)
		if err != nil {
			return nil, err
		}
		return shelf.Open(dir)
	}
}

// Resolver returns a resolver over the opened stores.
func (p *SearchPath) Resolver(opts ...resolver.Option) (*resolver.Resolver, error) {
	return resolver.New(p.Stores, p.Layers, opts...)
}

// Close closes every opened store.
func (p *SearchPath) Close() error {
	var errs []error
	for _, s := range p.Stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
