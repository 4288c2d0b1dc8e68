package core

import (
	"regexp"
	"strconv"
	"strings"

	"annotation-backend/internal/core/types"

	"github.com/google/uuid"
)

type FilterLogicMode string

const (
	LogicAnd FilterLogicMode = "and"
	LogicOr  FilterLogicMode = "or"
)

const (
	OpEquals         string = "equals"
	OpNotEquals      string = "not_equals"
	OpGreaterThan    string = "greater_than"
	OpGreaterOrEqual string = "greater_than_or_equal"
	OpLessThan       string = "less_than"
	OpLessOrEqual    string = "less_than_or_equal"
	OpContains       string = "contains"
	OpNotContains    string = "not_contains"
	OpStartsWith     string = "starts_with"
	OpEndsWith       string = "ends_with"
	OpRegex          string = "regex"
	OpIn             string = "in"
	OpNotIn          string = "not_in"
	OpIsEmpty        string = "is_empty"
	OpIsNotEmpty     string = "is_not_empty"
)

// ResultFilter is a single user authored rule: a dot separated field path, an
// operator, and a comparison value. Inactive rules are skipped entirely.
type ResultFilter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
	IsActive bool   `json:"is_active"`
}

// AssetResults is the evaluation context for one asset: every result produced
// for it in the run, plus the schema set used to resolve field paths. A rule
// checks across the whole per-asset result set since its target field may
// live on a different result than another rule's.
type AssetResults struct {
	AssetId uuid.UUID
	Results []types.AnnotationResult
	Schemas *SchemaSet
}

type Filter interface {
	Matches(asset AssetResults) bool
}

type AndFilter struct {
	filters []Filter
}

func NewAndFilter(filters ...Filter) *AndFilter {
	return &AndFilter{filters: filters}
}

func (f *AndFilter) Matches(asset AssetResults) bool {
	for _, filter := range f.filters {
		if !filter.Matches(asset) {
			return false
		}
	}
	return true
}

type OrFilter struct {
	filters []Filter
}

func NewOrFilter(filters ...Filter) *OrFilter {
	return &OrFilter{filters: filters}
}

func (f *OrFilter) Matches(asset AssetResults) bool {
	for _, filter := range f.filters {
		if filter.Matches(asset) {
			return true
		}
	}
	return false
}

type NotFilter struct {
	filter Filter
}

func NewNotFilter(filter Filter) *NotFilter {
	return &NotFilter{filter: filter}
}

func (f *NotFilter) Matches(asset AssetResults) bool {
	return !f.filter.Matches(asset)
}

// RuleFilter evaluates one rule against an asset's result set. A result only
// participates if its schema is loaded and declares the rule's field path;
// evaluation fails closed on missing schemas, missing fields, and type
// mismatches.
type RuleFilter struct {
	field string
	op    string
	value any
}

func NewRuleFilter(field, op string, value any) *RuleFilter {
	return &RuleFilter{field: field, op: op, value: value}
}

func (f *RuleFilter) Matches(asset AssetResults) bool {
	for _, result := range asset.Results {
		schema, ok := asset.Schemas.Get(result.SchemaId)
		if !ok {
			continue
		}
		if !ContractHasField(schema.OutputContract, f.field) {
			continue
		}
		value, found := ResolveField(result.Value, f.field)
		if evalRule(f.op, value, found, f.value) {
			return true
		}
	}
	return false
}

func evalRule(op string, v FieldValue, found bool, filterValue any) bool {
	switch op {
	case OpIsEmpty:
		return !found || v.IsEmpty()
	case OpIsNotEmpty:
		return found && !v.IsEmpty()
	}

	// A field that is missing or null never satisfies anything else.
	if !found || v.Kind() == KindNull {
		return false
	}

	filter := ValueOf(filterValue)

	switch op {
	case OpEquals:
		return looseEquals(v, filter)
	case OpNotEquals:
		return !looseEquals(v, filter)
	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual:
		a, aok := numericValue(v)
		b, bok := numericValue(filter)
		if !aok || !bok {
			return false
		}
		switch op {
		case OpGreaterThan:
			return a > b
		case OpGreaterOrEqual:
			return a >= b
		case OpLessThan:
			return a < b
		case OpLessOrEqual:
			return a <= b
		}
	case OpContains:
		return containsValue(v, filter)
	case OpNotContains:
		return !containsValue(v, filter)
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(v.StringForm()), strings.ToLower(filter.StringForm()))
	case OpEndsWith:
		return strings.HasSuffix(strings.ToLower(v.StringForm()), strings.ToLower(filter.StringForm()))
	case OpRegex:
		re, err := regexp.Compile("(?i)" + filter.StringForm())
		if err != nil {
			return false
		}
		return re.MatchString(v.StringForm())
	case OpIn:
		return inList(v, filter)
	case OpNotIn:
		return !inList(v, filter)
	}

	return false
}

// looseEquals compares numerically when both sides are numeric, otherwise
// case-insensitively on string forms.
func looseEquals(a, b FieldValue) bool {
	if an, aok := numericValue(a); aok {
		if bn, bok := numericValue(b); bok {
			return an == bn
		}
	}
	return strings.EqualFold(a.StringForm(), b.StringForm())
}

// numericValue coerces numbers and numeric strings.
func numericValue(v FieldValue) (float64, bool) {
	if n, ok := v.Num(); ok {
		return n, true
	}
	if s, ok := v.Str(); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

// containsValue is a membership test for arrays and a case-insensitive
// substring test for everything else.
func containsValue(v, filter FieldValue) bool {
	if items, ok := v.Arr(); ok {
		for _, item := range items {
			if looseEquals(item, filter) {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(v.StringForm()), strings.ToLower(filter.StringForm()))
}

func inList(v, filter FieldValue) bool {
	items, ok := filter.Arr()
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEquals(v, item) {
			return true
		}
	}
	return false
}

// CompileFilters lowers the active rules into a single filter tree under the
// global combinator mode. An empty rule set compiles to nil, which matches
// everything.
func CompileFilters(rules []ResultFilter, mode FilterLogicMode) Filter {
	var filters []Filter
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		filters = append(filters, &RuleFilter{field: rule.Field, op: rule.Operator, value: rule.Value})
	}

	if len(filters) == 0 {
		return nil
	}
	if len(filters) == 1 {
		return filters[0]
	}
	if mode == LogicOr {
		return &OrFilter{filters: filters}
	}
	return &AndFilter{filters: filters}
}

// FilterResults retains the results of every asset whose result group passes
// the active rules. With mode "and" every rule must match somewhere in the
// group; with mode "or" any rule matching retains the group.
func FilterResults(results []types.AnnotationResult, rules []ResultFilter, mode FilterLogicMode, schemas *SchemaSet) []types.AnnotationResult {
	return ApplyFilter(results, CompileFilters(rules, mode), schemas)
}

// ApplyFilter removes whole per-asset groups that fail the filter, preserving
// the original result values and their ordering. A nil filter passes the
// input through untouched.
func ApplyFilter(results []types.AnnotationResult, filter Filter, schemas *SchemaSet) []types.AnnotationResult {
	if filter == nil {
		return results
	}

	passing := make(map[uuid.UUID]bool)
	for _, group := range GroupByAsset(results, schemas) {
		if filter.Matches(group) {
			passing[group.AssetId] = true
		}
	}

	filtered := make([]types.AnnotationResult, 0, len(results))
	for _, result := range results {
		if passing[result.AssetId] {
			filtered = append(filtered, result)
		}
	}
	return filtered
}

// GroupByAsset groups results by asset id. Asset order is first occurrence
// order and results keep their relative order within each group.
func GroupByAsset(results []types.AnnotationResult, schemas *SchemaSet) []AssetResults {
	index := make(map[uuid.UUID]int)
	var groups []AssetResults

	for _, result := range results {
		i, ok := index[result.AssetId]
		if !ok {
			i = len(groups)
			index[result.AssetId] = i
			groups = append(groups, AssetResults{AssetId: result.AssetId, Schemas: schemas})
		}
		groups[i].Results = append(groups[i].Results, result)
	}
	return groups
}
