package core

import (
	"testing"

	"annotation-backend/internal/core/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestResolveField(t *testing.T) {
	value := map[string]any{
		"risk": "high",
		"vendor": map[string]any{
			"country": "DE",
			"address": map[string]any{"city": "Berlin"},
		},
	}

	v, found := ResolveField(value, "risk")
	assert.True(t, found)
	assert.Equal(t, "high", v.StringForm())

	v, found = ResolveField(value, "vendor.country")
	assert.True(t, found)
	assert.Equal(t, "DE", v.StringForm())

	v, found = ResolveField(value, "vendor.address.city")
	assert.True(t, found)
	assert.Equal(t, "Berlin", v.StringForm())

	_, found = ResolveField(value, "vendor.missing")
	assert.False(t, found)

	// A path that descends through a non object fails, not panics.
	_, found = ResolveField(value, "risk.inner")
	assert.False(t, found)
}

func TestResolveField_DocumentWrapped(t *testing.T) {
	value := map[string]any{
		"document": map[string]any{"destination": "Hamburg"},
	}

	v, found := ResolveField(value, "destination")
	assert.True(t, found)
	assert.Equal(t, "Hamburg", v.StringForm())

	// The wrapper itself still resolves when addressed explicitly.
	v, found = ResolveField(value, "document.destination")
	assert.True(t, found)
	assert.Equal(t, "Hamburg", v.StringForm())
}

func TestResolveField_NullIsFoundButNull(t *testing.T) {
	v, found := ResolveField(map[string]any{"risk": nil}, "risk")
	assert.True(t, found)
	assert.Equal(t, KindNull, v.Kind())

	_, found = ResolveField(map[string]any{}, "risk")
	assert.False(t, found)
}

func TestFieldValue_Kinds(t *testing.T) {
	assert.Equal(t, KindNull, ValueOf(nil).Kind())
	assert.Equal(t, KindString, ValueOf("x").Kind())
	assert.Equal(t, KindNumber, ValueOf(1.5).Kind())
	assert.Equal(t, KindNumber, ValueOf(3).Kind())
	assert.Equal(t, KindBool, ValueOf(true).Kind())
	assert.Equal(t, KindArray, ValueOf([]any{1.0}).Kind())
	assert.Equal(t, KindObject, ValueOf(map[string]any{}).Kind())
}

func TestFieldValue_IsEmpty(t *testing.T) {
	assert.True(t, ValueOf(nil).IsEmpty())
	assert.True(t, ValueOf("").IsEmpty())
	assert.True(t, ValueOf([]any{}).IsEmpty())

	assert.False(t, ValueOf("x").IsEmpty())
	assert.False(t, ValueOf(0.0).IsEmpty())
	assert.False(t, ValueOf(false).IsEmpty())
	assert.False(t, ValueOf([]any{nil}).IsEmpty())
}

func TestFieldValue_StringForm(t *testing.T) {
	assert.Equal(t, "high", ValueOf("high").StringForm())
	assert.Equal(t, "42", ValueOf(42.0).StringForm())
	assert.Equal(t, "2.5", ValueOf(2.5).StringForm())
	assert.Equal(t, "true", ValueOf(true).StringForm())
	assert.Equal(t, `["a","b"]`, ValueOf([]any{"a", "b"}).StringForm())
}

func TestContractHasField(t *testing.T) {
	contract := map[string]any{
		"properties": map[string]any{
			"risk": map[string]any{"type": "string"},
			"vendor": map[string]any{
				"properties": map[string]any{
					"country": map[string]any{"type": "string"},
				},
			},
			"document": map[string]any{
				"properties": map[string]any{
					"destination": map[string]any{"type": "string"},
				},
			},
		},
	}

	assert.True(t, ContractHasField(contract, "risk"))
	assert.True(t, ContractHasField(contract, "vendor.country"))
	assert.True(t, ContractHasField(contract, "destination"))
	assert.False(t, ContractHasField(contract, "missing"))
	assert.False(t, ContractHasField(contract, "vendor.missing"))
	assert.False(t, ContractHasField(contract, "risk.inner"))

	assert.False(t, ContractHasField(map[string]any{}, "risk"))
	assert.False(t, ContractHasField(map[string]any{"risk": "yes"}, "risk"))
}

func TestSchemaSet(t *testing.T) {
	s1, s2 := invoiceSchema(uuid.New()), shipmentSchema(uuid.New())
	set := NewSchemaSet([]types.Schema{s1, s2, s1})

	assert.Equal(t, 2, set.Len())
	assert.True(t, set.Contains(s1.Id))
	assert.False(t, set.Contains(uuid.New()))

	ordered := set.Ordered()
	assert.Equal(t, []types.Schema{s1, s2}, ordered)

	got, ok := set.Get(s2.Id)
	assert.True(t, ok)
	assert.Equal(t, s2, got)
}
