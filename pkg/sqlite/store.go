// Package sqlite provides the public API for the SQL-table Backend Store.
// It exposes the factory for SQL stores while keeping the implementation
// internal.
package sqlite

import (
	"context"
	"errors"

	"github.com/mesh-intelligence/resdb/internal/sqlite"
	"github.com/mesh-intelligence/resdb/pkg/types"
)

// NewStore opens the SQL store described by the sql_* keys of cfg.
//
// Example:
//
//	s, err := sqlite.NewStore(ctx, types.Config{
//	    SQLDriver: types.DriverSQLite,
//	    SQLDSN:    "resources.db",
//	})
//	defer s.Close()
func NewStore(ctx context.Context, cfg types.Config) (types.MultiRecordStore, error) {
	cfg = cfg.WithDefaults()
	if cfg.SQLDSN == "" {
		return nil, errors.New("sqlite: sql_dsn is empty")
	}
	s, err := sqlite.Open(ctx, cfg.SQLDriver, cfg.SQLDSN, cfg.SQLTable)
	if err != nil {
		return nil, err
	}
	return s, nil
}
