package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SchemaPrefix is the reserved sub-namespace that holds schema records in the
// same keyspace as resources.
const SchemaPrefix = "SCHEMA."

// Rule is one stored relation rule. Attribute rules (direct or item) set
// TargetID; a whole-relation descriptor, stored under the empty attribute,
// sets the database triple and bind attributes instead.
type Rule struct {
	TargetID string `json:"targetID,omitempty"`
	ItemRule bool   `json:"itemRule,omitempty"`
	Invert   bool   `json:"invert,omitempty"`
	GetEdges bool   `json:"getEdges,omitempty"`

	SourceDB  string    `json:"sourceDB,omitempty"`
	TargetDB  string    `json:"targetDB,omitempty"`
	EdgeDB    string    `json:"edgeDB,omitempty"`
	BindAttrs [3]string `json:"bindAttrs,omitempty"`
}

// Schema maps attribute names to rules for one identifier.
type Schema map[string]Rule

// Schema errors.
var (
	ErrSchemaNotFound = errors.New("schema not found")
	ErrInvalidRule    = errors.New("invalid schema rule")
)

// SchemaKey returns the record key under which the schema of id is stored.
func SchemaKey(id string) string {
	return SchemaPrefix + id
}

// IsSchemaKey reports whether key lives in the schema sub-namespace.
func IsSchemaKey(key string) bool {
	return strings.HasPrefix(key, SchemaPrefix)
}

// Validate checks that rule may be stored under attr.
func (r Rule) Validate(attr string) error {
	if attr != "" && r.TargetID == "" {
		return fmt.Errorf("%w: %s has no target", ErrInvalidRule, attr)
	}
	return nil
}

// EncodeSchema serializes s for storage.
func EncodeSchema(s Schema) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSchema parses a stored schema record.
func DecodeSchema(data []byte) (Schema, error) {
	s := Schema{}
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	return s, nil
}

// MergeRule validates rule, adds it to the schema stored in current (which
// may be nil) and returns the encoded result. Stores call it inside their
// write section so the read-modify-write happens under one lock.
func MergeRule(current []byte, attr string, rule Rule) ([]byte, error) {
	if err := rule.Validate(attr); err != nil {
		return nil, err
	}
	s := Schema{}
	if len(current) > 0 {
		var err error
		if s, err = DecodeSchema(current); err != nil {
			return nil, err
		}
	}
	s[attr] = rule
	return EncodeSchema(s)
}
