package types

import (
	"errors"
	"time"
)

// Config holds the values the resdb command tree and library callers use to
// construct a search path and its collaborators.
type Config struct {
	SearchPath    string        `json:"search_path" yaml:"search_path" mapstructure:"search_path"`
	Separator     string        `json:"separator" yaml:"separator" mapstructure:"separator"`
	SQLDriver     string        `json:"sql_driver" yaml:"sql_driver" mapstructure:"sql_driver"`
	SQLDSN        string        `json:"sql_dsn" yaml:"sql_dsn" mapstructure:"sql_dsn"`
	SQLTable      string        `json:"sql_table" yaml:"sql_table" mapstructure:"sql_table"`
	RemoteTimeout time.Duration `json:"remote_timeout" yaml:"remote_timeout" mapstructure:"remote_timeout"`
	LogLevel      int           `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	IndexAddr     string        `json:"index_addr" yaml:"index_addr" mapstructure:"index_addr"`
	MetricsAddr   string        `json:"metrics_addr" yaml:"metrics_addr" mapstructure:"metrics_addr"`
}

// Supported SQL driver names.
const (
	DriverSQLite = "sqlite"
	DriverPgx    = "pgx"
)

// Defaults applied by Config.WithDefaults.
const (
	DefaultSeparator     = ","
	DefaultSearchPath    = "~,."
	DefaultRemoteTimeout = 5 * time.Second
	DefaultSQLTable      = "resdb"
	DefaultIndexAddr     = ":5000"
)

// Config validation errors.
var (
	ErrSeparatorEmpty = errors.New("separator must not be empty")
	ErrDriverUnknown  = errors.New("unknown sql driver")
	ErrTimeoutInvalid = errors.New("remote timeout must be positive")
)

var knownDrivers = map[string]bool{
	DriverSQLite: true,
	DriverPgx:    true,
}

// WithDefaults returns a copy of c with empty fields filled in.
func (c Config) WithDefaults() Config {
	if c.Separator == "" {
		c.Separator = DefaultSeparator
	}
	if c.SearchPath == "" {
		c.SearchPath = DefaultSearchPath
	}
	if c.SQLDriver == "" {
		c.SQLDriver = DriverSQLite
	}
	if c.SQLTable == "" {
		c.SQLTable = DefaultSQLTable
	}
	if c.IndexAddr == "" {
		c.IndexAddr = DefaultIndexAddr
	}
	if c.RemoteTimeout == 0 {
		c.RemoteTimeout = DefaultRemoteTimeout
	}
	return c
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.Separator == "" {
		return ErrSeparatorEmpty
	}
	if c.SQLDriver != "" && !knownDrivers[c.SQLDriver] {
		return ErrDriverUnknown
	}
	if c.RemoteTimeout < 0 {
		return ErrTimeoutInvalid
	}
	return nil
}
