package core

import (
	"testing"

	"annotation-backend/internal/core/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func invoiceSchema(id uuid.UUID) types.Schema {
	return types.Schema{
		Id:   id,
		Name: "invoice",
		OutputContract: map[string]any{
			"properties": map[string]any{
				"risk":   map[string]any{"type": "string"},
				"amount": map[string]any{"type": "number"},
				"tags":   map[string]any{"type": "array"},
				"notes":  map[string]any{"type": "string"},
				"vendor": map[string]any{
					"properties": map[string]any{
						"country": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

func shipmentSchema(id uuid.UUID) types.Schema {
	return types.Schema{
		Id:   id,
		Name: "shipment",
		OutputContract: map[string]any{
			"properties": map[string]any{
				"document": map[string]any{
					"properties": map[string]any{
						"destination": map[string]any{"type": "string"},
						"weight":      map[string]any{"type": "number"},
					},
				},
			},
		},
	}
}

func annotation(assetId, schemaId uuid.UUID, value map[string]any) types.AnnotationResult {
	return types.AnnotationResult{
		Id:       uuid.New(),
		AssetId:  assetId,
		SchemaId: schemaId,
		RunId:    uuid.New(),
		Value:    value,
		Status:   types.AnnotationSuccess,
	}
}

func singleAsset(schemas *SchemaSet, results ...types.AnnotationResult) AssetResults {
	return AssetResults{AssetId: results[0].AssetId, Results: results, Schemas: schemas}
}

func TestRuleFilter_Equals(t *testing.T) {
	schemaId := uuid.New()
	schemas := NewSchemaSet([]types.Schema{invoiceSchema(schemaId)})
	asset := singleAsset(schemas, annotation(uuid.New(), schemaId, map[string]any{"risk": "High", "amount": 42.0}))

	assert.True(t, NewRuleFilter("risk", OpEquals, "high").Matches(asset))
	assert.True(t, NewRuleFilter("risk", OpEquals, "HIGH").Matches(asset))
	assert.False(t, NewRuleFilter("risk", OpEquals, "low").Matches(asset))

	assert.True(t, NewRuleFilter("amount", OpEquals, 42).Matches(asset))
	assert.True(t, NewRuleFilter("amount", OpEquals, "42").Matches(asset))

	assert.True(t, NewRuleFilter("risk", OpNotEquals, "low").Matches(asset))
	assert.False(t, NewRuleFilter("risk", OpNotEquals, "high").Matches(asset))
}

func TestRuleFilter_NumericComparisons(t *testing.T) {
	schemaId := uuid.New()
	schemas := NewSchemaSet([]types.Schema{invoiceSchema(schemaId)})
	asset := singleAsset(schemas, annotation(uuid.New(), schemaId, map[string]any{"amount": 250.0, "notes": "n/a"}))

	assert.True(t, NewRuleFilter("amount", OpGreaterThan, 100).Matches(asset))
	assert.True(t, NewRuleFilter("amount", OpGreaterOrEqual, 250).Matches(asset))
	assert.True(t, NewRuleFilter("amount", OpLessOrEqual, 250).Matches(asset))
	assert.False(t, NewRuleFilter("amount", OpLessThan, 250).Matches(asset))

	// Non numeric values fail closed instead of erroring.
	assert.False(t, NewRuleFilter("notes", OpGreaterThan, 1).Matches(asset))
	assert.False(t, NewRuleFilter("amount", OpGreaterThan, "abc").Matches(asset))
}

func TestRuleFilter_NumericStrings(t *testing.T) {
	schemaId := uuid.New()
	schemas := NewSchemaSet([]types.Schema{invoiceSchema(schemaId)})
	asset := singleAsset(schemas, annotation(uuid.New(), schemaId, map[string]any{"amount": "250"}))

	assert.True(t, NewRuleFilter("amount", OpGreaterThan, 100).Matches(asset))
	assert.False(t, NewRuleFilter("amount", OpGreaterThan, 300).Matches(asset))
}

func TestRuleFilter_Contains(t *testing.T) {
	schemaId := uuid.New()
	schemas := NewSchemaSet([]types.Schema{invoiceSchema(schemaId)})
	asset := singleAsset(schemas, annotation(uuid.New(), schemaId, map[string]any{
		"notes": "Reviewed by Compliance",
		"tags":  []any{"urgent", "paid"},
	}))

	assert.True(t, NewRuleFilter("notes", OpContains, "compliance").Matches(asset))
	assert.False(t, NewRuleFilter("notes", OpContains, "legal").Matches(asset))

	assert.True(t, NewRuleFilter("tags", OpContains, "urgent").Matches(asset))
	assert.True(t, NewRuleFilter("tags", OpContains, "PAID").Matches(asset))
	assert.False(t, NewRuleFilter("tags", OpContains, "overdue").Matches(asset))

	assert.True(t, NewRuleFilter("tags", OpNotContains, "overdue").Matches(asset))
}

func TestRuleFilter_StringOperators(t *testing.T) {
	schemaId := uuid.New()
	schemas := NewSchemaSet([]types.Schema{invoiceSchema(schemaId)})
	asset := singleAsset(schemas, annotation(uuid.New(), schemaId, map[string]any{"notes": "Flagged for review"}))

	assert.True(t, NewRuleFilter("notes", OpStartsWith, "flagged").Matches(asset))
	assert.True(t, NewRuleFilter("notes", OpEndsWith, "REVIEW").Matches(asset))
	assert.True(t, NewRuleFilter("notes", OpRegex, `^flagged\s+for`).Matches(asset))
	assert.False(t, NewRuleFilter("notes", OpRegex, `^review`).Matches(asset))

	// An invalid pattern fails closed.
	assert.False(t, NewRuleFilter("notes", OpRegex, `([`).Matches(asset))
}

func TestRuleFilter_EmptyChecks(t *testing.T) {
	schemaId := uuid.New()
	schemas := NewSchemaSet([]types.Schema{invoiceSchema(schemaId)})

	for _, value := range []map[string]any{
		{"notes": nil},
		{"notes": ""},
		{"tags": []any{}},
		{},
	} {
		asset := singleAsset(schemas, annotation(uuid.New(), schemaId, value))
		field := "notes"
		if _, ok := value["tags"]; ok {
			field = "tags"
		}
		assert.True(t, NewRuleFilter(field, OpIsEmpty, nil).Matches(asset), "value %v", value)
		assert.False(t, NewRuleFilter(field, OpIsNotEmpty, nil).Matches(asset), "value %v", value)
	}

	asset := singleAsset(schemas, annotation(uuid.New(), schemaId, map[string]any{"notes": "x", "tags": []any{"a"}}))
	assert.True(t, NewRuleFilter("notes", OpIsNotEmpty, nil).Matches(asset))
	assert.False(t, NewRuleFilter("notes", OpIsEmpty, nil).Matches(asset))
	assert.True(t, NewRuleFilter("tags", OpIsNotEmpty, nil).Matches(asset))
}

func TestRuleFilter_NullOnlySatisfiesIsEmpty(t *testing.T) {
	schemaId := uuid.New()
	schemas := NewSchemaSet([]types.Schema{invoiceSchema(schemaId)})
	asset := singleAsset(schemas, annotation(uuid.New(), schemaId, map[string]any{"risk": nil}))

	assert.True(t, NewRuleFilter("risk", OpIsEmpty, nil).Matches(asset))
	assert.False(t, NewRuleFilter("risk", OpEquals, "high").Matches(asset))
	assert.False(t, NewRuleFilter("risk", OpNotEquals, "high").Matches(asset))
	assert.False(t, NewRuleFilter("risk", OpContains, "h").Matches(asset))
	assert.False(t, NewRuleFilter("risk", OpGreaterThan, 0).Matches(asset))
}

func TestRuleFilter_MissingSchemaOrField(t *testing.T) {
	schemaId := uuid.New()
	schemas := NewSchemaSet([]types.Schema{invoiceSchema(schemaId)})

	// The field path is not declared by any loaded schema.
	asset := singleAsset(schemas, annotation(uuid.New(), schemaId, map[string]any{"risk": "high"}))
	assert.False(t, NewRuleFilter("unknown_field", OpEquals, "high").Matches(asset))
	assert.False(t, NewRuleFilter("unknown_field", OpIsEmpty, nil).Matches(asset))

	// The result's schema is not loaded at all.
	orphan := singleAsset(schemas, annotation(uuid.New(), uuid.New(), map[string]any{"risk": "high"}))
	assert.False(t, NewRuleFilter("risk", OpEquals, "high").Matches(orphan))
}

func TestRuleFilter_DocumentWrappedContract(t *testing.T) {
	schemaId := uuid.New()
	schemas := NewSchemaSet([]types.Schema{shipmentSchema(schemaId)})
	asset := singleAsset(schemas, annotation(uuid.New(), schemaId, map[string]any{
		"document": map[string]any{"destination": "Hamburg", "weight": 12.5},
	}))

	assert.True(t, NewRuleFilter("destination", OpEquals, "hamburg").Matches(asset))
	assert.True(t, NewRuleFilter("weight", OpLessThan, 20).Matches(asset))
}

func TestFilterResults_EmptyFiltersPassThrough(t *testing.T) {
	schemaId := uuid.New()
	schemas := NewSchemaSet([]types.Schema{invoiceSchema(schemaId)})
	results := []types.AnnotationResult{
		annotation(uuid.New(), schemaId, map[string]any{"risk": "high"}),
		annotation(uuid.New(), schemaId, map[string]any{"risk": "low"}),
	}

	out := FilterResults(results, nil, LogicAnd, schemas)
	assert.Equal(t, results, out)

	// Inactive rules compile to nothing as well.
	inactive := []ResultFilter{{Field: "risk", Operator: OpEquals, Value: "high", IsActive: false}}
	out = FilterResults(results, inactive, LogicAnd, schemas)
	assert.Equal(t, results, out)
}

func TestFilterResults_AndRetainsOnlyMatchingAssets(t *testing.T) {
	schemaId := uuid.New()
	schemas := NewSchemaSet([]types.Schema{invoiceSchema(schemaId)})

	asset1, asset2 := uuid.New(), uuid.New()
	results := []types.AnnotationResult{
		annotation(asset1, schemaId, map[string]any{"risk": "high"}),
		annotation(asset2, schemaId, map[string]any{"risk": "low"}),
	}

	filters := []ResultFilter{{Field: "risk", Operator: OpEquals, Value: "high", IsActive: true}}
	out := FilterResults(results, filters, LogicAnd, schemas)

	assert.Len(t, out, 1)
	assert.Equal(t, asset1, out[0].AssetId)
	assert.Equal(t, results[0], out[0])
}

func TestFilterResults_RulesMatchAcrossAssetGroup(t *testing.T) {
	invoiceId, shipmentId := uuid.New(), uuid.New()
	schemas := NewSchemaSet([]types.Schema{invoiceSchema(invoiceId), shipmentSchema(shipmentId)})

	// The two rules target fields living on different results of the same
	// asset, one per schema.
	asset1, asset2 := uuid.New(), uuid.New()
	results := []types.AnnotationResult{
		annotation(asset1, invoiceId, map[string]any{"risk": "high"}),
		annotation(asset1, shipmentId, map[string]any{"document": map[string]any{"weight": 80.0}}),
		annotation(asset2, invoiceId, map[string]any{"risk": "high"}),
		annotation(asset2, shipmentId, map[string]any{"document": map[string]any{"weight": 10.0}}),
	}

	filters := []ResultFilter{
		{Field: "risk", Operator: OpEquals, Value: "high", IsActive: true},
		{Field: "weight", Operator: OpGreaterThan, Value: 50, IsActive: true},
	}

	out := FilterResults(results, filters, LogicAnd, schemas)
	assert.Len(t, out, 2)
	for _, result := range out {
		assert.Equal(t, asset1, result.AssetId)
	}
}

func TestFilterResults_AndIsSubsetOfOr(t *testing.T) {
	schemaId := uuid.New()
	schemas := NewSchemaSet([]types.Schema{invoiceSchema(schemaId)})

	assetA, assetB, assetC := uuid.New(), uuid.New(), uuid.New()
	results := []types.AnnotationResult{
		annotation(assetA, schemaId, map[string]any{"risk": "high", "amount": 500.0}),
		annotation(assetB, schemaId, map[string]any{"risk": "high", "amount": 10.0}),
		annotation(assetC, schemaId, map[string]any{"risk": "low", "amount": 5.0}),
	}

	filters := []ResultFilter{
		{Field: "risk", Operator: OpEquals, Value: "high", IsActive: true},
		{Field: "amount", Operator: OpGreaterThan, Value: 100, IsActive: true},
	}

	andOut := FilterResults(results, filters, LogicAnd, schemas)
	orOut := FilterResults(results, filters, LogicOr, schemas)

	assert.Subset(t, orOut, andOut)

	andAssets := make([]uuid.UUID, 0)
	for _, r := range andOut {
		andAssets = append(andAssets, r.AssetId)
	}
	orAssets := make([]uuid.UUID, 0)
	for _, r := range orOut {
		orAssets = append(orAssets, r.AssetId)
	}
	assert.Equal(t, []uuid.UUID{assetA}, andAssets)
	assert.ElementsMatch(t, []uuid.UUID{assetA, assetB}, orAssets)
}

func TestFilterResults_PreservesOrder(t *testing.T) {
	schemaId := uuid.New()
	schemas := NewSchemaSet([]types.Schema{invoiceSchema(schemaId)})

	assetA, assetB, assetC := uuid.New(), uuid.New(), uuid.New()
	results := []types.AnnotationResult{
		annotation(assetA, schemaId, map[string]any{"risk": "high"}),
		annotation(assetB, schemaId, map[string]any{"risk": "low"}),
		annotation(assetA, schemaId, map[string]any{"risk": "high"}),
		annotation(assetC, schemaId, map[string]any{"risk": "high"}),
	}

	filters := []ResultFilter{{Field: "risk", Operator: OpEquals, Value: "high", IsActive: true}}
	out := FilterResults(results, filters, LogicAnd, schemas)

	assert.Equal(t, []types.AnnotationResult{results[0], results[2], results[3]}, out)
}

func TestGroupByAsset(t *testing.T) {
	schemaId := uuid.New()
	schemas := NewSchemaSet([]types.Schema{invoiceSchema(schemaId)})

	assetA, assetB := uuid.New(), uuid.New()
	results := []types.AnnotationResult{
		annotation(assetA, schemaId, map[string]any{"risk": "high"}),
		annotation(assetB, schemaId, map[string]any{"risk": "low"}),
		annotation(assetA, schemaId, map[string]any{"risk": "medium"}),
	}

	groups := GroupByAsset(results, schemas)
	assert.Len(t, groups, 2)
	assert.Equal(t, assetA, groups[0].AssetId)
	assert.Equal(t, assetB, groups[1].AssetId)
	assert.Equal(t, []types.AnnotationResult{results[0], results[2]}, groups[0].Results)
	assert.Equal(t, []types.AnnotationResult{results[1]}, groups[1].Results)
}
