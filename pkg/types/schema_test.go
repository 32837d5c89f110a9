package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaKey(t *testing.T) {
	assert.Equal(t, "SCHEMA.Bio.Seq.foo", SchemaKey("Bio.Seq.foo"))
	assert.True(t, IsSchemaKey(SchemaKey("x")))
	assert.False(t, IsSchemaKey("Bio.Seq.foo"))
}

func TestMergeRule(t *testing.T) {
	data, err := MergeRule(nil, "genes", Rule{TargetID: "Bio.Genes"})
	require.NoError(t, err)

	data, err = MergeRule(data, "exons", Rule{TargetID: "Bio.Exons", ItemRule: true, Invert: true})
	require.NoError(t, err)

	data, err = MergeRule(data, "", Rule{SourceDB: "A", TargetDB: "B"})
	require.NoError(t, err)

	s, err := DecodeSchema(data)
	require.NoError(t, err)
	require.Len(t, s, 3)
	assert.Equal(t, "Bio.Genes", s["genes"].TargetID)
	assert.True(t, s["exons"].ItemRule)
	assert.True(t, s["exons"].Invert)
	assert.Equal(t, "B", s[""].TargetDB)

	// A second descriptor replaces the first one wholesale.
	data, err = MergeRule(data, "", Rule{SourceDB: "C"})
	require.NoError(t, err)
	s, err = DecodeSchema(data)
	require.NoError(t, err)
	assert.Equal(t, Rule{SourceDB: "C"}, s[""])
}

func TestMergeRule_MissingTarget(t *testing.T) {
	_, err := MergeRule(nil, "genes", Rule{})
	if !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
}
