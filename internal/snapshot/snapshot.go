// Package snapshot writes the records of a Backend Store to a JSONL file and
// loads them back, one resource or schema per line.
package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/mesh-intelligence/resdb/pkg/types"
)

// Line is one snapshot entry. Exactly one of Record and Schema is set.
type Line struct {
	ID     string          `json:"id"`
	Record json.RawMessage `json:"record,omitempty"`
	Schema types.Schema    `json:"schema,omitempty"`
}

// Stats counts what a dump or load handled.
type Stats struct {
	Records int
	Schemas int
	Skipped int
}

// Dump writes every resource of s whose id starts with prefix, and the
// schemas of those ids, to path. The file is replaced atomically.
func Dump(ctx context.Context, s types.Store, prefix, path string) (Stats, error) {
	span := trace.SpanFromContextSafe(ctx)
	var st Stats

	ids, err := s.List(ctx, prefix)
	if err != nil {
		return st, fmt.Errorf("list %v: %w", s, err)
	}
	var lines []json.RawMessage
	add := func(l Line) error {
		raw, err := json.Marshal(l)
		if err != nil {
			return err
		}
		lines = append(lines, raw)
		return nil
	}
	for id := range ids {
		data, err := s.Get(ctx, id)
		if err != nil {
			return st, fmt.Errorf("read %s: %w", id, err)
		}
		if !json.Valid(data) {
			span.Warnf("dump: skipping %s: record is not JSON", id)
			st.Skipped++
			continue
		}
		if err := add(Line{ID: id, Record: data}); err != nil {
			return st, err
		}
		st.Records++

		sc, err := s.GetSchema(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return st, fmt.Errorf("read schema %s: %w", id, err)
		}
		if err := add(Line{ID: id, Schema: sc}); err != nil {
			return st, err
		}
		st.Schemas++
	}
	return st, writeJSONL(path, lines)
}

// Load puts every line of path into s. Malformed lines are skipped.
func Load(ctx context.Context, s types.Store, path string) (Stats, error) {
	span := trace.SpanFromContextSafe(ctx)
	var st Stats

	raws, skipped, err := readJSONL(path)
	if err != nil {
		return st, err
	}
	st.Skipped = skipped
	for _, raw := range raws {
		var l Line
		if err := json.Unmarshal(raw, &l); err != nil || l.ID == "" || (l.Record == nil) == (l.Schema == nil) {
			span.Warnf("load: skipping malformed line %.60s", raw)
			st.Skipped++
			continue
		}
		if l.Record != nil {
			if err := s.Put(ctx, l.ID, l.Record); err != nil {
				return st, fmt.Errorf("put %s: %w", l.ID, err)
			}
			st.Records++
			continue
		}
		for attr, rule := range l.Schema {
			if err := s.SetSchema(ctx, l.ID, attr, rule); err != nil {
				return st, fmt.Errorf("set schema %s.%s: %w", l.ID, attr, err)
			}
		}
		st.Schemas++
	}
	return st, nil
}

// readJSONL reads a JSONL file and returns each non-empty, parseable line as
// a json.RawMessage, along with the number of malformed lines skipped.
func readJSONL(path string) ([]json.RawMessage, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var records []json.RawMessage
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if !json.Valid(line) {
			skipped++
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		records = append(records, json.RawMessage(cp))
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("scanning %s: %w", path, err)
	}
	return records, skipped, nil
}

// writeJSONL atomically writes records to a JSONL file using the temp-file,
// fsync, rename pattern.
func writeJSONL(path string, records []json.RawMessage) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		if _, err := w.Write(rec); err != nil {
			return fail(fmt.Errorf("writing record: %w", err))
		}
		if err := w.WriteByte('\n'); err != nil {
			return fail(fmt.Errorf("writing newline: %w", err))
		}
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("flushing buffer: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("syncing temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
