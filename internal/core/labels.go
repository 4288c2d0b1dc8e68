package core

import (
	"sort"

	"annotation-backend/internal/core/types"

	"github.com/google/uuid"
)

// Sentinel labels for values that cannot contribute a real label. They are
// counted like any other label so the distribution always accounts for every
// result inspected.
const (
	LabelFieldMissing = "N/A (Field Missing or Path Invalid)"
	LabelEmptyList    = "N/A (Empty List)"
	LabelNullInList   = "N/A (Null in List)"
	LabelNullValue    = "N/A (Null Value)"
)

// ListBehavior controls how array-valued fields contribute to a label
// distribution, either one count per element or one count for the whole list
// rendered as a string.
type ListBehavior string

const (
	CountEachItem ListBehavior = "count_each_item"
	StringifyList ListBehavior = "stringify_list"
)

type LabelDistributionConfig struct {
	FieldPath    string       `json:"field_path"`
	ListBehavior ListBehavior `json:"list_behavior,omitempty"`

	// TopN keeps only the N most frequent labels. Zero keeps everything.
	TopN int `json:"top_n,omitempty"`
}

type LabelCount struct {
	Label      string  `json:"label"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

type LabelDistribution struct {
	Labels []LabelCount `json:"labels"`

	// TotalValues is the number of label occurrences counted, including the
	// sentinel labels. Percentages are relative to this total.
	TotalValues     int `json:"total_values"`
	TotalConsidered int `json:"total_considered"`
}

type SchemaBucket struct {
	Schema  types.Schema
	Results []types.AnnotationResult
}

// BucketBySchema partitions results by the schema that produced them.
// Buckets follow the schema load order, and results whose schema is not
// loaded are dropped rather than grouped under a synthetic bucket.
func BucketBySchema(results []types.AnnotationResult, schemas *SchemaSet) []SchemaBucket {
	grouped := make(map[uuid.UUID][]types.AnnotationResult)
	for _, result := range results {
		if !schemas.Contains(result.SchemaId) {
			continue
		}
		grouped[result.SchemaId] = append(grouped[result.SchemaId], result)
	}

	buckets := make([]SchemaBucket, 0, len(grouped))
	for _, schema := range schemas.Ordered() {
		members, ok := grouped[schema.Id]
		if !ok {
			continue
		}
		buckets = append(buckets, SchemaBucket{Schema: schema, Results: members})
	}
	return buckets
}

// ComputeLabelDistribution counts the values of a field across results and
// ranks them by frequency. Ties keep first-seen order, so repeated calls over
// the same input produce the same ranking.
func ComputeLabelDistribution(results []types.AnnotationResult, cfg LabelDistributionConfig) LabelDistribution {
	counts := make(map[string]int)
	order := make([]string, 0)

	record := func(label string) {
		if _, seen := counts[label]; !seen {
			order = append(order, label)
		}
		counts[label]++
	}

	dist := LabelDistribution{TotalConsidered: len(results)}

	for _, result := range results {
		v, found := ResolveField(result.Value, cfg.FieldPath)
		if !found {
			record(LabelFieldMissing)
			continue
		}

		if items, ok := v.Arr(); ok {
			if cfg.ListBehavior == StringifyList {
				record(v.StringForm())
				continue
			}
			if len(items) == 0 {
				record(LabelEmptyList)
				continue
			}
			for _, item := range items {
				if item.Kind() == KindNull {
					record(LabelNullInList)
				} else {
					record(item.StringForm())
				}
			}
			continue
		}

		if v.Kind() == KindNull {
			record(LabelNullValue)
			continue
		}
		record(v.StringForm())
	}

	for _, label := range order {
		dist.TotalValues += counts[label]
	}

	ranked := make([]LabelCount, 0, len(order))
	for _, label := range order {
		ranked = append(ranked, LabelCount{Label: label, Count: counts[label]})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Count > ranked[j].Count })

	if cfg.TopN > 0 && len(ranked) > cfg.TopN {
		ranked = ranked[:cfg.TopN]
	}

	if dist.TotalValues > 0 {
		for i := range ranked {
			ranked[i].Percentage = float64(ranked[i].Count) / float64(dist.TotalValues) * 100
		}
	}

	dist.Labels = ranked
	return dist
}
