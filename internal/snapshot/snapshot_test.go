package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/resdb/internal/shelf"
	"github.com/mesh-intelligence/resdb/pkg/types"
)

func openShelf(t *testing.T) *shelf.Shelf {
	t.Helper()
	s, err := shelf.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDumpLoad(t *testing.T) {
	ctx := context.Background()
	src := openShelf(t)
	require.NoError(t, src.Put(ctx, "Bio.Seq.hg18", []byte(`{"name":"hg18"}`)))
	require.NoError(t, src.Put(ctx, "Bio.Seq.mm8", []byte(`{"name":"mm8"}`)))
	require.NoError(t, src.Put(ctx, "Bio.MSA.ucsc", []byte(`{"name":"ucsc"}`)))
	require.NoError(t, src.Put(ctx, "Bio.Seq.raw", []byte("not json")))
	require.NoError(t, src.SetSchema(ctx, "Bio.Seq.hg18", "aligned", types.Rule{TargetID: "Bio.MSA.ucsc"}))

	path := filepath.Join(t.TempDir(), "seq.jsonl")
	st, err := Dump(ctx, src, "Bio.Seq.", path)
	require.NoError(t, err)
	assert.Equal(t, Stats{Records: 2, Schemas: 1, Skipped: 1}, st)

	dst := openShelf(t)
	st, err = Load(ctx, dst, path)
	require.NoError(t, err)
	assert.Equal(t, Stats{Records: 2, Schemas: 1}, st)

	data, err := dst.Get(ctx, "Bio.Seq.mm8")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"mm8"}`, string(data))

	_, err = dst.Get(ctx, "Bio.MSA.ucsc")
	assert.ErrorIs(t, err, types.ErrNotFound)

	sc, err := dst.GetSchema(ctx, "Bio.Seq.hg18")
	require.NoError(t, err)
	assert.Equal(t, "Bio.MSA.ucsc", sc["aligned"].TargetID)
}

func TestLoad_SkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mixed.jsonl")
	content := strings.Join([]string{
		`{"id":"a","record":{"v":1}}`,
		`{broken`,
		``,
		`{"record":{"v":2}}`,
		`{"id":"b"}`,
		`{"id":"c","record":{"v":3},"schema":{"x":{"targetID":"a"}}}`,
		`{"id":"d","record":{"v":4}}`,
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	dst := openShelf(t)
	st, err := Load(ctx, dst, path)
	require.NoError(t, err)
	assert.Equal(t, Stats{Records: 2, Skipped: 4}, st)

	_, err = dst.Get(ctx, "d")
	assert.NoError(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(context.Background(), openShelf(t), filepath.Join(t.TempDir(), "none.jsonl"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteJSONL_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")
	require.NoError(t, writeJSONL(path, nil))
	require.NoError(t, writeJSONL(path, nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.jsonl", entries[0].Name())
}
