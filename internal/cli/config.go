package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/spf13/viper"

	"github.com/mesh-intelligence/resdb/internal/paths"
	"github.com/mesh-intelligence/resdb/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	envPrefix = "RESDB"
	// envSearchPath is the short name of the search path variable.
	envSearchPath = "RESDB_PATH"

	defaultLogLevel = 2 // warn
)

// Config keys.
const (
	cfgKeySearchPath    = "search_path"
	cfgKeySeparator     = "separator"
	cfgKeySQLDriver     = "sql_driver"
	cfgKeySQLDSN        = "sql_dsn"
	cfgKeySQLTable      = "sql_table"
	cfgKeyRemoteTimeout = "remote_timeout"
	cfgKeyLogLevel      = "log_level"
	cfgKeyIndexAddr     = "index_addr"
	cfgKeyMetricsAddr   = "metrics_addr"
)

// loadConfig reads config.yaml from the resolved config directory using
// Viper, applies RESDB_* environment overrides and then the --path flag. A
// missing config directory or config.yaml is not an error.
func loadConfig(configDirFlag, searchPathFlag string) (types.Config, error) {
	configDir, err := paths.ResolveConfigDir(configDirFlag)
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve config dir: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeySeparator, types.DefaultSeparator)
	v.SetDefault(cfgKeySearchPath, types.DefaultSearchPath)
	v.SetDefault(cfgKeySQLDriver, types.DriverSQLite)
	v.SetDefault(cfgKeySQLTable, types.DefaultSQLTable)
	v.SetDefault(cfgKeyRemoteTimeout, types.DefaultRemoteTimeout)
	v.SetDefault(cfgKeyLogLevel, defaultLogLevel)
	v.SetDefault(cfgKeyIndexAddr, types.DefaultIndexAddr)
	v.SetDefault(cfgKeyMetricsAddr, "")
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv(cfgKeySearchPath, envSearchPath, "RESDB_SEARCH_PATH"); err != nil {
		return types.Config{}, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return types.Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if searchPathFlag != "" {
		v.Set(cfgKeySearchPath, searchPathFlag)
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return types.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	log.SetOutputLevel(log.Level(cfg.LogLevel))
	return cfg, nil
}

// configFile is the layout of the config.yaml written by init.
type configFile struct {
	SearchPath    string `yaml:"search_path"`
	Separator     string `yaml:"separator"`
	SQLDriver     string `yaml:"sql_driver"`
	SQLDSN        string `yaml:"sql_dsn,omitempty"`
	SQLTable      string `yaml:"sql_table"`
	RemoteTimeout string `yaml:"remote_timeout"`
	LogLevel      int    `yaml:"log_level"`
	IndexAddr     string `yaml:"index_addr"`
	MetricsAddr   string `yaml:"metrics_addr,omitempty"`
}

func configFileFrom(cfg types.Config) configFile {
	return configFile{
		SearchPath:    cfg.SearchPath,
		Separator:     cfg.Separator,
		SQLDriver:     cfg.SQLDriver,
		SQLDSN:        cfg.SQLDSN,
		SQLTable:      cfg.SQLTable,
		RemoteTimeout: cfg.RemoteTimeout.String(),
		LogLevel:      cfg.LogLevel,
		IndexAddr:     cfg.IndexAddr,
		MetricsAddr:   cfg.MetricsAddr,
	}
}

// configPath returns the config.yaml path for the --config-dir flag value.
func configPath(configDirFlag string) (string, error) {
	dir, err := paths.ResolveConfigDir(configDirFlag)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileExt), nil
}

// fileExists reports whether path exists.
func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
