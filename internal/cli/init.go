package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize resdb configuration and stores",
		Long:  "Write config.yaml if it is missing, then open every store of the search path so local store files exist.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, a)
		},
	}
}

func runInit(cmd *cobra.Command, a *app) error {
	path, err := configPath(a.flags.configDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := writeConfigIfMissing(path, configFileFrom(a.cfg)); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	span, ctx := commandContext(cmd)
	defer span.Finish()
	r, err := a.open(ctx)
	if err != nil {
		return err
	}
	if err := r.Close(); err != nil {
		return fmt.Errorf("close stores: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "resdb initialized (config %s, %d stores)\n", path, len(r.Stores()))
	return nil
}

// writeConfigIfMissing creates config.yaml with cfg if the file does not
// exist. If it already exists, the function returns nil (idempotent).
func writeConfigIfMissing(path string, cfg configFile) error {
	ok, err := fileExists(path)
	if err != nil || ok {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
