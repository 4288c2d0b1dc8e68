package core

import (
	"strings"

	"annotation-backend/internal/core/types"

	"github.com/google/uuid"
)

// SchemaSet is the set of schemas loaded for a run, preserving load order.
// Bucketing and filters only ever consider schemas present in the set; results
// referencing an unknown schema id are dropped rather than treated as errors.
type SchemaSet struct {
	order   []uuid.UUID
	schemas map[uuid.UUID]types.Schema
}

func NewSchemaSet(schemas []types.Schema) *SchemaSet {
	set := &SchemaSet{schemas: make(map[uuid.UUID]types.Schema, len(schemas))}
	for _, schema := range schemas {
		if _, exists := set.schemas[schema.Id]; exists {
			continue
		}
		set.order = append(set.order, schema.Id)
		set.schemas[schema.Id] = schema
	}
	return set
}

func (s *SchemaSet) Get(id uuid.UUID) (types.Schema, bool) {
	schema, ok := s.schemas[id]
	return schema, ok
}

func (s *SchemaSet) Contains(id uuid.UUID) bool {
	_, ok := s.schemas[id]
	return ok
}

// Ordered returns the schemas in load order.
func (s *SchemaSet) Ordered() []types.Schema {
	ordered := make([]types.Schema, 0, len(s.order))
	for _, id := range s.order {
		ordered = append(ordered, s.schemas[id])
	}
	return ordered
}

func (s *SchemaSet) Len() int {
	return len(s.order)
}

// ContractHasField reports whether an output contract declares the given dot
// separated field path. Contracts are JSON-schema-like property trees; the
// extracted fields may sit at the top level or under a "document" object, so
// both levels are checked.
func ContractHasField(contract map[string]any, path string) bool {
	props, ok := contract["properties"].(map[string]any)
	if !ok {
		return false
	}

	steps := strings.Split(path, ".")
	if hasFieldSteps(props, steps) {
		return true
	}

	if doc, ok := props["document"].(map[string]any); ok {
		if inner, ok := doc["properties"].(map[string]any); ok {
			return hasFieldSteps(inner, steps)
		}
	}

	return false
}

func hasFieldSteps(props map[string]any, steps []string) bool {
	for i, step := range steps {
		spec, ok := props[step].(map[string]any)
		if !ok {
			return false
		}
		if i == len(steps)-1 {
			return true
		}
		props, ok = spec["properties"].(map[string]any)
		if !ok {
			return false
		}
	}
	return false
}
