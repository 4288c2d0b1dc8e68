package api

import (
	"time"

	"github.com/google/uuid"
)

// ResultFilter is one structured rule evaluated against the full result set
// of an asset. Inactive rules are ignored.
type ResultFilter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
	IsActive bool   `json:"is_active"`
}

// FilterContext carries the filtering state shared by the results and view
// endpoints: structured rules and/or a textual query, the combinator mode,
// and the manually excluded assets.
type FilterContext struct {
	Filters       []ResultFilter `json:"filters,omitempty"`
	Query         string         `json:"query,omitempty"`
	FilterMode    string         `json:"filter_mode,omitempty"` // "and" (default) or "or"
	SavedFilterId *uuid.UUID     `json:"saved_filter_id,omitempty"`

	ExcludedAssetIds []uuid.UUID `json:"excluded_asset_ids,omitempty"`
}

type QueryResultsRequest struct {
	FilterContext
}

type QueryResultsResponse struct {
	Results         []Annotation `json:"results"`
	TotalResults    int          `json:"total_results"`
	VisibleAssetIds []uuid.UUID  `json:"visible_asset_ids"`
}

type TimeSeriesRequest struct {
	FilterContext

	Interval string `json:"interval"` // day, week, month, quarter, year

	TimeSource    string `json:"time_source,omitempty"` // value_field, asset_event, asset_created, annotation
	TimeFieldPath string `json:"time_field_path,omitempty"`

	SourceIds     []uuid.UUID `json:"source_ids,omitempty"`
	SplitBySource bool        `json:"split_by_source,omitempty"`
	SplitBySchema bool        `json:"split_by_schema,omitempty"`

	ValueField   string   `json:"value_field,omitempty"`
	Aggregations []string `json:"aggregations,omitempty"` // sum, avg, min, max

	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

type TimeSeriesBucket struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	Count int       `json:"count"`

	ResultIds []uuid.UUID `json:"result_ids,omitempty"`

	BySource map[string]int `json:"by_source,omitempty"`
	BySchema map[string]int `json:"by_schema,omitempty"`

	Values map[string]float64 `json:"values,omitempty"`
}

type TimeSeriesResponse struct {
	Buckets []TimeSeriesBucket `json:"buckets"`

	TotalConsidered int `json:"total_considered"`
	TotalBucketed   int `json:"total_bucketed"`
}

type LabelDistributionRequest struct {
	FilterContext

	FieldPath    string `json:"field_path"`
	ListBehavior string `json:"list_behavior,omitempty"` // count_each_item (default) or stringify_list
	TopN         int    `json:"top_n,omitempty"`

	// SchemaId restricts the distribution to results of one schema.
	SchemaId *uuid.UUID `json:"schema_id,omitempty"`
}

type LabelCount struct {
	Label      string  `json:"label"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

type LabelDistributionResponse struct {
	Labels []LabelCount `json:"labels"`

	TotalValues     int `json:"total_values"`
	TotalConsidered int `json:"total_considered"`
}

type SchemaBucket struct {
	SchemaId   uuid.UUID `json:"schema_id"`
	SchemaName string    `json:"schema_name"`
	Count      int       `json:"count"`
}

type SchemaBucketsResponse struct {
	Buckets []SchemaBucket `json:"buckets"`
	Total   int            `json:"total"`
}

type MapViewRequest struct {
	SchemaId uuid.UUID `json:"schema_id"`
	FieldKey string    `json:"field_key"`

	ExcludedAssetIds []uuid.UUID `json:"excluded_asset_ids,omitempty"`
}

type MapPoint struct {
	Location     string    `json:"location"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	BBox         []float64 `json:"bbox,omitempty"`
	LocationType string    `json:"location_type,omitempty"`

	AssetIds []uuid.UUID `json:"asset_ids"`
}

type MapViewResponse struct {
	State  string     `json:"state"` // success, partial_success_with_error, empty_no_locations
	Points []MapPoint `json:"points"`

	GeocodingError string `json:"geocoding_error,omitempty"`
}
