package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/resdb/internal/resolver"
	"github.com/mesh-intelligence/resdb/internal/snapshot"
)

func newDumpCmd(a *app) *cobra.Command {
	var layer, prefix string
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Write the records of one layer to a JSONL file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withResolver(cmd, func(ctx context.Context, r *resolver.Resolver) error {
				s, err := r.Store(layer)
				if err != nil {
					return err
				}
				st, err := snapshot.Dump(ctx, s, prefix, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dumped %d records, %d schemas (%d skipped)\n", st.Records, st.Schemas, st.Skipped)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&layer, "layer", "", "layer to dump (default: first store of the search path)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "dump only identifiers starting with prefix")
	return cmd
}

func newLoadCmd(a *app) *cobra.Command {
	var layer string
	cmd := &cobra.Command{
		Use:   "load <file>",
		Short: "Load records from a JSONL file into one layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withResolver(cmd, func(ctx context.Context, r *resolver.Resolver) error {
				s, err := r.Store(layer)
				if err != nil {
					return err
				}
				st, err := snapshot.Load(ctx, s, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d records, %d schemas (%d skipped)\n", st.Records, st.Schemas, st.Skipped)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&layer, "layer", "", "layer to load into (default: first store of the search path)")
	return cmd
}
