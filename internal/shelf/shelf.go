// Package shelf implements the local persistent Backend Store: one SQLite
// database file per directory, holding resource and schema records in a
// single key-value table.
//
// Reads share one read-only handle. Every write opens its own handle, runs a
// single transaction and closes the handle again, so the file is never held
// open for writing between calls and several processes can share it.
package shelf

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/resdb/pkg/types"
)

// FileName is the name of the database file inside a store directory.
const FileName = ".resdb_data"

//go:embed shelf.sql
var schemaSQL string

// Shelf is a Backend Store backed by a local SQLite file.
type Shelf struct {
	path string

	mu     sync.Mutex // serializes writers
	rmu    sync.RWMutex
	reader *sql.DB
	closed bool
}

// Open opens the store in dir, creating the directory and the database file
// if they do not exist yet.
func Open(dir string) (*Shelf, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shelf: create %s: %w", dir, err)
	}
	s := &Shelf{path: filepath.Join(dir, FileName)}

	if err := s.write(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(schemaSQL)
		return err
	}); err != nil {
		return nil, fmt.Errorf("shelf: init %s: %w", s.path, err)
	}

	reader, err := sql.Open("sqlite", "file:"+s.path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("shelf: open %s: %w", s.path, err)
	}
	s.reader = reader
	return s, nil
}

// Path returns the database file of the store.
func (s *Shelf) Path() string {
	return s.path
}

// String identifies the store in log lines.
func (s *Shelf) String() string {
	return "shelf:" + s.path
}

// write runs fn in one transaction on a freshly opened write handle. The
// handle is closed before write returns, whatever fn does.
func (s *Shelf) write(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := sql.Open("sqlite", "file:"+s.path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); err == nil {
			err = cerr
		}
	}()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Shelf) db() (*sql.DB, error) {
	s.rmu.RLock()
	defer s.rmu.RUnlock()
	if s.closed {
		return nil, types.ErrStoreClosed
	}
	return s.reader, nil
}

// Get returns the record stored under id.
func (s *Shelf) Get(ctx context.Context, id string) ([]byte, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}
	var data []byte
	err = db.QueryRowContext(ctx, "SELECT value FROM records WHERE key = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("shelf: get %s: %w", id, err)
	}
	return data, nil
}

// Put stores data under id.
func (s *Shelf) Put(ctx context.Context, id string, data []byte) error {
	if id == "" {
		return types.ErrInvalidID
	}
	if _, err := s.db(); err != nil {
		return err
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO records (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			id, data)
		return err
	})
}

// Delete removes the record stored under id. Absence is detected from the
// rows the delete affected.
func (s *Shelf) Delete(ctx context.Context, id string) error {
	if _, err := s.db(); err != nil {
		return err
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM records WHERE key = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", types.ErrNotFound, id)
		}
		return nil
	})
}

// List returns the identifiers starting with prefix, sorted, as of the call.
func (s *Shelf) List(ctx context.Context, prefix string) (iter.Seq[string], error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT key FROM records WHERE key >= ? ORDER BY key", prefix)
	if err != nil {
		return nil, fmt.Errorf("shelf: list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("shelf: list: %w", err)
		}
		if !strings.HasPrefix(key, prefix) {
			break
		}
		if types.Listable(key, prefix) {
			ids = append(ids, key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("shelf: list: %w", err)
	}
	return slices.Values(ids), nil
}

// GetSchema returns the schema rules stored for id.
func (s *Shelf) GetSchema(ctx context.Context, id string) (types.Schema, error) {
	data, err := s.Get(ctx, types.SchemaKey(id))
	if err != nil {
		return nil, err
	}
	return types.DecodeSchema(data)
}

// SetSchema merges rule into the schema of id inside one write transaction.
func (s *Shelf) SetSchema(ctx context.Context, id, attr string, rule types.Rule) error {
	if _, err := s.db(); err != nil {
		return err
	}
	key := types.SchemaKey(id)
	return s.write(ctx, func(tx *sql.Tx) error {
		var current []byte
		err := tx.QueryRowContext(ctx, "SELECT value FROM records WHERE key = ?", key).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		data, err := types.MergeRule(current, attr, rule)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO records (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			key, data)
		return err
	})
}

// Close releases the read handle. Close is idempotent.
func (s *Shelf) Close() error {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.reader.Close()
}
