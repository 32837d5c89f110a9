// Package sqlite implements the SQL-table Backend Store. Each record is one
// row of a three-column table keyed by (identifier, location_key); the same
// identifier may be published under several location keys. The store runs
// on SQLite (modernc.org/sqlite) or PostgreSQL (pgx).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/resdb/pkg/types"
)

// DefaultTable is used when a descriptor names no table.
const DefaultTable = "resdb"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const createTable = `CREATE TABLE IF NOT EXISTS %s (
    identifier VARCHAR(255) NOT NULL,
    location_key VARCHAR(255) NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    UNIQUE (identifier, location_key)
)`

// Store is a Backend Store over one SQL table.
type Store struct {
	db     *sql.DB
	driver string
	table  string

	mu     sync.RWMutex
	closed bool
}

// Open connects with driver and dsn and creates table if it is missing.
func Open(ctx context.Context, driver, dsn, table string) (*Store, error) {
	if driver != types.DriverSQLite && driver != types.DriverPgx {
		return nil, fmt.Errorf("%w: %q", types.ErrDriverUnknown, driver)
	}
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("sqlite: invalid table name %q", table)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", driver, err)
	}
	if driver == types.DriverSQLite {
		// An in-memory database lives and dies with its connection.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(createTable, table)); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create table %s: %w", table, err)
	}
	return &Store{db: db, driver: driver, table: table}, nil
}

// String identifies the store in log lines.
func (s *Store) String() string {
	return "sql:" + s.table
}

// Table returns the table backing the store.
func (s *Store) Table() string {
	return s.table
}

// q expands the table name and rebinds ? placeholders for the driver.
func (s *Store) q(query string) string {
	query = strings.ReplaceAll(query, "{table}", s.table)
	if s.driver != types.DriverPgx {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.ErrStoreClosed
	}
	return nil
}

const upsert = `INSERT INTO {table} (identifier, location_key, payload) VALUES (?, ?, ?)
ON CONFLICT (identifier, location_key) DO UPDATE SET payload = excluded.payload`

// Records returns every location-tagged record of id, ordered by location key.
func (s *Store) Records(ctx context.Context, id string) ([]types.Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT location_key, payload FROM {table} WHERE identifier = ? ORDER BY location_key"), id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: records %s: %w", id, err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		var rec types.Record
		var payload string
		if err := rows.Scan(&rec.LocationKey, &payload); err != nil {
			return nil, fmt.Errorf("sqlite: records %s: %w", id, err)
		}
		rec.Payload = []byte(payload)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: records %s: %w", id, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return out, nil
}

// Get returns the first record of id.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	recs, err := s.Records(ctx, id)
	if err != nil {
		return nil, err
	}
	return recs[0].Payload, nil
}

// Put stores data under id with the empty location key.
func (s *Store) Put(ctx context.Context, id string, data []byte) error {
	if id == "" {
		return types.ErrInvalidID
	}
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q(upsert), id, "", string(data)); err != nil {
		return fmt.Errorf("sqlite: put %s: %w", id, err)
	}
	return nil
}

// RegisterServices upserts every entry under locationKey in one transaction
// and returns how many rows were written.
func (s *Store) RegisterServices(ctx context.Context, locationKey string, services map[string][]byte) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(services))
	for id := range services {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: register: %w", err)
	}
	defer tx.Rollback()

	n := 0
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, s.q(upsert), id, locationKey, string(services[id])); err != nil {
			return 0, fmt.Errorf("sqlite: register %s: %w", id, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: register: %w", err)
	}
	return n, nil
}

// Delete removes every record of id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM {table} WHERE identifier = ?"), id)
	if err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return nil
}

// List returns the distinct identifiers starting with prefix.
func (s *Store) List(ctx context.Context, prefix string) (iter.Seq[string], error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT DISTINCT identifier FROM {table} WHERE identifier >= ? ORDER BY identifier"), prefix)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: list: %w", err)
		}
		if !strings.HasPrefix(id, prefix) {
			break
		}
		if types.Listable(id, prefix) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list: %w", err)
	}
	return slices.Values(ids), nil
}

// GetSchema returns the schema rules stored for id.
func (s *Store) GetSchema(ctx context.Context, id string) (types.Schema, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var payload string
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT payload FROM {table} WHERE identifier = ? AND location_key = ''"), types.SchemaKey(id)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: schema %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: schema %s: %w", id, err)
	}
	return types.DecodeSchema([]byte(payload))
}

// SetSchema merges rule into the schema of id in one transaction.
func (s *Store) SetSchema(ctx context.Context, id, attr string, rule types.Rule) error {
	if err := s.check(); err != nil {
		return err
	}
	key := types.SchemaKey(id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: set schema %s: %w", id, err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		s.q("SELECT payload FROM {table} WHERE identifier = ? AND location_key = ''"), key).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: set schema %s: %w", id, err)
	}
	data, err := types.MergeRule([]byte(current), attr, rule)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(upsert), key, "", string(data)); err != nil {
		return fmt.Errorf("sqlite: set schema %s: %w", id, err)
	}
	return tx.Commit()
}

// Close closes the database handle. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
