package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/resdb/internal/resolver"
	"github.com/mesh-intelligence/resdb/pkg/types"
)

func newLsCmd(a *app) *cobra.Command {
	var layer string
	cmd := &cobra.Command{
		Use:   "ls [prefix]",
		Short: "List resource identifiers",
		Long:  "List the identifiers starting with prefix across the search path, or in one layer.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return a.withResolver(cmd, func(ctx context.Context, r *resolver.Resolver) error {
				var ids []string
				var err error
				if layer == "" {
					ids, err = r.List(ctx, prefix)
				} else {
					ids, err = r.ListLayer(ctx, prefix, layer)
				}
				if err != nil {
					return err
				}
				if a.flags.jsonMode {
					return writeJSON(cmd.OutOrStdout(), ids)
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&layer, "layer", "", "list only this layer (here, my, system, remote)")
	return cmd
}

// recordInfo is the output of show.
type recordInfo struct {
	ID         string   `json:"id"`
	Store      string   `json:"store"`
	Type       string   `json:"type"`
	References []string `json:"references"`
}

func newShowCmd(a *app) *cobra.Command {
	var layer string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show the type and references of a stored record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return a.withResolver(cmd, func(ctx context.Context, r *resolver.Resolver) error {
				data, store, err := findRecord(ctx, r, id, layer)
				if err != nil {
					return err
				}
				desc, err := r.Codec().Describe(data)
				if err != nil {
					return fmt.Errorf("describe %s: %w", id, err)
				}
				info := recordInfo{ID: id, Store: fmt.Sprint(store), Type: desc.Type, References: desc.References}
				if a.flags.jsonMode {
					return writeJSON(cmd.OutOrStdout(), info)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s\n  store: %s\n  type: %s\n", info.ID, info.Store, info.Type)
				if len(info.References) > 0 {
					fmt.Fprintf(out, "  references: %s\n", strings.Join(info.References, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&layer, "layer", "", "read only this layer")
	return cmd
}

// findRecord returns the raw record of id from layer, or from the first
// store of the path holding it.
func findRecord(ctx context.Context, r *resolver.Resolver, id, layer string) ([]byte, types.Store, error) {
	if layer != "" {
		s, err := r.Store(layer)
		if err != nil {
			return nil, nil, err
		}
		data, err := s.Get(ctx, id)
		return data, s, err
	}
	for _, s := range r.Stores() {
		data, err := s.Get(ctx, id)
		if err == nil {
			return data, s, nil
		}
		if !errors.Is(err, types.ErrNotFound) && !errors.Is(err, types.ErrUnsupported) {
			return nil, nil, fmt.Errorf("read %s from %v: %w", id, s, err)
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", types.ErrResourceNotFound, id)
}

func newRmCmd(a *app) *cobra.Command {
	var layer string
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a resource record",
		Long:  "Delete the record of id from one layer, by default the first store of the search path.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return a.withResolver(cmd, func(ctx context.Context, r *resolver.Resolver) error {
				if err := r.DeleteResource(ctx, id, layer); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&layer, "layer", "", "delete from this layer")
	return cmd
}

func newSchemaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <id>",
		Short: "Show the schema rules stored for a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return a.withResolver(cmd, func(ctx context.Context, r *resolver.Resolver) error {
				s, err := r.FindSchema(ctx, id)
				if err != nil {
					return err
				}
				if a.flags.jsonMode {
					return writeJSON(cmd.OutOrStdout(), s)
				}
				writeSchema(cmd.OutOrStdout(), id, s)
				return nil
			})
		},
	}
}

func writeSchema(w io.Writer, id string, s types.Schema) {
	attrs := make([]string, 0, len(s))
	for attr := range s {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)

	fmt.Fprintln(w, id)
	for _, attr := range attrs {
		rule := s[attr]
		if attr == "" {
			fmt.Fprintf(w, "  (relation) %s -> %s", rule.SourceDB, rule.TargetDB)
			if rule.EdgeDB != "" {
				fmt.Fprintf(w, " edges %s", rule.EdgeDB)
			}
			fmt.Fprintln(w)
			continue
		}
		var flags []string
		if rule.ItemRule {
			flags = append(flags, "item")
		}
		if rule.Invert {
			flags = append(flags, "invert")
		}
		if rule.GetEdges {
			flags = append(flags, "edges")
		}
		fmt.Fprintf(w, "  %s -> %s", attr, rule.TargetID)
		if len(flags) > 0 {
			fmt.Fprintf(w, " [%s]", strings.Join(flags, ","))
		}
		fmt.Fprintln(w)
	}
}

// withResolver opens the search path, runs fn and closes the stores.
func (a *app) withResolver(cmd *cobra.Command, fn func(ctx context.Context, r *resolver.Resolver) error) (err error) {
	span, ctx := commandContext(cmd)
	defer span.Finish()
	r, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, r)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
