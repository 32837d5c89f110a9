// Package cli implements the resdb command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/resdb/internal/resolver"
	"github.com/mesh-intelligence/resdb/internal/searchpath"
	"github.com/mesh-intelligence/resdb/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir  string
	searchPath string
	jsonMode   bool
}

// app is the state shared by the commands of one root command.
type app struct {
	flags rootFlags
	cfg   types.Config
}

// NewRootCmd creates the top-level "resdb" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "resdb",
		Short: "Resolve, inspect and serve named resources",
		Long: "resdb maps dotted resource identifiers to stored object graphs across\n" +
			"local, SQL and remote stores, and serves an index of published resources.",
		// Do not print usage on errors returned by subcommands.
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := loadConfig(a.flags.configDir, a.flags.searchPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	root.PersistentFlags().StringVar(&a.flags.searchPath, "path", "", "search path, overriding RESDB_PATH and config.yaml")
	root.PersistentFlags().BoolVar(&a.flags.jsonMode, "json", false, "output in JSON format")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd(a))
	root.AddCommand(newLsCmd(a))
	root.AddCommand(newShowCmd(a))
	root.AddCommand(newRmCmd(a))
	root.AddCommand(newSchemaCmd(a))
	root.AddCommand(newDumpCmd(a))
	root.AddCommand(newLoadCmd(a))
	root.AddCommand(newServeCmd(a))

	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
	os.Exit(exitSuccess)
}

// exitCode maps missing resources and bad input to exitUserError and
// everything else to exitSysError.
func exitCode(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrResourceNotFound),
		errors.Is(err, types.ErrSchemaNotFound),
		errors.Is(err, types.ErrLayerNotFound),
		errors.Is(err, types.ErrInvalidID):
		return exitUserError
	}
	return exitSysError
}

// open opens the configured search path and returns a resolver over it. The
// caller closes the resolver.
func (a *app) open(ctx context.Context) (*resolver.Resolver, error) {
	p, err := searchpath.Open(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("open search path: %w", err)
	}
	return p.Resolver()
}

// commandContext starts the span of cmd.
func commandContext(cmd *cobra.Command) (trace.Span, context.Context) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return trace.StartSpanFromContext(ctx, "resdb "+cmd.Name())
}
