package core

import (
	"fmt"
	"sort"
	"time"

	"annotation-backend/internal/core/types"

	"github.com/google/uuid"
)

type Interval string

const (
	IntervalDay     Interval = "day"
	IntervalWeek    Interval = "week"
	IntervalMonth   Interval = "month"
	IntervalQuarter Interval = "quarter"
	IntervalYear    Interval = "year"
)

// TimestampSource selects which timestamp a result is bucketed by. The
// precedence between sources (event field on the value, the asset's own
// timestamps, the annotation time) is a per-view choice, not a global one.
type TimestampSource string

const (
	TimeFromValueField   TimestampSource = "value_field"
	TimeFromAssetEvent   TimestampSource = "asset_event"
	TimeFromAssetCreated TimestampSource = "asset_created"
	TimeFromAnnotation   TimestampSource = "annotation"
)

// TimeAxisConfig picks the active timestamp branch for a view. For
// TimeFromValueField the field path may be given explicitly; when left blank
// the per-schema event time field is used instead.
type TimeAxisConfig struct {
	Source    TimestampSource `json:"source"`
	FieldPath string          `json:"field_path,omitempty"`
}

type Aggregation string

const (
	AggSum Aggregation = "sum"
	AggAvg Aggregation = "avg"
	AggMin Aggregation = "min"
	AggMax Aggregation = "max"
)

type TimeSeriesConfig struct {
	Interval Interval       `json:"interval"`
	TimeAxis TimeAxisConfig `json:"time_axis"`

	// SourceIds restricts the series to assets from these sources. Empty
	// means all sources contribute.
	SourceIds []uuid.UUID `json:"source_ids,omitempty"`

	SplitBySource bool `json:"split_by_source,omitempty"`
	SplitBySchema bool `json:"split_by_schema,omitempty"`

	// ValueField is a dot path to a numeric field aggregated per bucket with
	// the requested functions. Counts are always produced.
	ValueField   string        `json:"value_field,omitempty"`
	Aggregations []Aggregation `json:"aggregations,omitempty"`

	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

type TimeBucket struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	Count int       `json:"count"`

	ResultIds []uuid.UUID `json:"result_ids,omitempty"`

	BySource map[string]int `json:"by_source,omitempty"`
	BySchema map[string]int `json:"by_schema,omitempty"`

	Values map[Aggregation]float64 `json:"values,omitempty"`
}

type TimeSeries struct {
	Buckets []TimeBucket `json:"buckets"`

	TotalConsidered int `json:"total_considered"`
	TotalBucketed   int `json:"total_bucketed"`
}

// BucketByTime assigns every result with a resolvable timestamp to exactly
// one calendar bucket. Results whose timestamp cannot be resolved under the
// active config are dropped from the series, never errored. Buckets are
// returned ascending by start time.
func BucketByTime(results []types.AnnotationResult, assets map[uuid.UUID]types.Asset, schemas *SchemaSet, cfg TimeSeriesConfig) TimeSeries {
	series := TimeSeries{TotalConsidered: len(results)}

	allowed := make(map[uuid.UUID]struct{}, len(cfg.SourceIds))
	for _, id := range cfg.SourceIds {
		allowed[id] = struct{}{}
	}

	buckets := make(map[time.Time]*TimeBucket)
	numbers := make(map[time.Time][]float64)

	for _, result := range results {
		asset, hasAsset := assets[result.AssetId]

		if len(allowed) > 0 {
			if !hasAsset || !asset.SourceId.Valid {
				continue
			}
			if _, ok := allowed[asset.SourceId.UUID]; !ok {
				continue
			}
		}

		ts, ok := resolveTimestamp(result, asset, hasAsset, schemas, cfg.TimeAxis)
		if !ok {
			continue
		}
		if cfg.From != nil && ts.Before(*cfg.From) {
			continue
		}
		if cfg.To != nil && ts.After(*cfg.To) {
			continue
		}

		start := TruncateToBucket(ts, cfg.Interval)
		bucket, ok := buckets[start]
		if !ok {
			bucket = &TimeBucket{Label: BucketLabel(start, cfg.Interval), Start: start}
			buckets[start] = bucket
		}

		bucket.Count++
		bucket.ResultIds = append(bucket.ResultIds, result.Id)

		if cfg.SplitBySource && hasAsset && asset.SourceId.Valid {
			if bucket.BySource == nil {
				bucket.BySource = make(map[string]int)
			}
			bucket.BySource[asset.SourceId.UUID.String()]++
		}
		if cfg.SplitBySchema {
			if bucket.BySchema == nil {
				bucket.BySchema = make(map[string]int)
			}
			bucket.BySchema[result.SchemaId.String()]++
		}

		if cfg.ValueField != "" {
			if v, found := ResolveField(result.Value, cfg.ValueField); found {
				if n, ok := numericValue(v); ok {
					numbers[start] = append(numbers[start], n)
				}
			}
		}

		series.TotalBucketed++
	}

	starts := make([]time.Time, 0, len(buckets))
	for start := range buckets {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	for _, start := range starts {
		bucket := buckets[start]
		if nums := numbers[start]; len(nums) > 0 && len(cfg.Aggregations) > 0 {
			bucket.Values = aggregate(nums, cfg.Aggregations)
		}
		series.Buckets = append(series.Buckets, *bucket)
	}

	return series
}

func resolveTimestamp(result types.AnnotationResult, asset types.Asset, hasAsset bool, schemas *SchemaSet, axis TimeAxisConfig) (time.Time, bool) {
	switch axis.Source {
	case TimeFromValueField:
		path := axis.FieldPath
		if path == "" {
			schema, ok := schemas.Get(result.SchemaId)
			if !ok || schema.FieldSpecificTime == "" {
				return time.Time{}, false
			}
			path = schema.FieldSpecificTime
		}
		v, found := ResolveField(result.Value, path)
		if !found {
			return time.Time{}, false
		}
		return parseTimestamp(v)
	case TimeFromAssetEvent:
		if !hasAsset || asset.EventTimestamp == nil {
			return time.Time{}, false
		}
		return asset.EventTimestamp.UTC(), true
	case TimeFromAssetCreated:
		if !hasAsset || asset.CreatedAt.IsZero() {
			return time.Time{}, false
		}
		return asset.CreatedAt.UTC(), true
	default:
		if result.Timestamp.IsZero() {
			return time.Time{}, false
		}
		return result.Timestamp.UTC(), true
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(v FieldValue) (time.Time, bool) {
	if s, ok := v.Str(); ok {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		return time.Time{}, false
	}
	if n, ok := v.Num(); ok {
		// Epoch seconds, or milliseconds for values too large to be seconds.
		if n > 1e12 {
			return time.UnixMilli(int64(n)).UTC(), true
		}
		return time.Unix(int64(n), 0).UTC(), true
	}
	return time.Time{}, false
}

// TruncateToBucket truncates a timestamp to its calendar bucket start: days
// at midnight UTC, weeks on ISO Monday, quarters on Jan/Apr/Jul/Oct 1st.
func TruncateToBucket(t time.Time, interval Interval) time.Time {
	t = t.UTC()
	year, month, day := t.Date()

	switch interval {
	case IntervalWeek:
		daily := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		offset := (int(daily.Weekday()) + 6) % 7
		return daily.AddDate(0, 0, -offset)
	case IntervalMonth:
		return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	case IntervalQuarter:
		quarterMonth := time.Month((int(month)-1)/3*3 + 1)
		return time.Date(year, quarterMonth, 1, 0, 0, 0, 0, time.UTC)
	case IntervalYear:
		return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	}
}

func BucketLabel(start time.Time, interval Interval) string {
	switch interval {
	case IntervalWeek:
		isoYear, isoWeek := start.ISOWeek()
		return fmt.Sprintf("%d-W%02d", isoYear, isoWeek)
	case IntervalMonth:
		return start.Format("2006-01")
	case IntervalQuarter:
		return fmt.Sprintf("%d-Q%d", start.Year(), (int(start.Month())-1)/3+1)
	case IntervalYear:
		return start.Format("2006")
	default:
		return start.Format("2006-01-02")
	}
}

func aggregate(nums []float64, aggs []Aggregation) map[Aggregation]float64 {
	min, max := nums[0], nums[0]
	sum := 0.0
	for _, n := range nums {
		sum += n
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}

	values := make(map[Aggregation]float64, len(aggs))
	for _, agg := range aggs {
		switch agg {
		case AggSum:
			values[AggSum] = sum
		case AggAvg:
			values[AggAvg] = sum / float64(len(nums))
		case AggMin:
			values[AggMin] = min
		case AggMax:
			values[AggMax] = max
		}
	}
	return values
}
