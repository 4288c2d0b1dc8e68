package core

import (
	"context"

	"annotation-backend/internal/core/types"

	"github.com/google/uuid"
)

// ViewPipeline composes the result stages in a fixed order: raw results are
// filtered, excluded assets are subtracted, and the remainder feeds the
// bucketing and map views. Every stage derives new slices, so the same
// pipeline value can serve many views over one result set.
type ViewPipeline struct {
	Schemas  *SchemaSet
	Filters  []ResultFilter
	Mode     FilterLogicMode
	Excluded *ExclusionSet

	// Query is an optional parsed query tree, ANDed with the structured
	// rules. Textual and structured filters share the per-asset semantics, so
	// they compose under one combinator.
	Query Filter
}

// VisibleResults runs the filter combinator and the exclusion overlay.
func (p ViewPipeline) VisibleResults(results []types.AnnotationResult) []types.AnnotationResult {
	filtered := FilterResults(results, p.Filters, p.Mode, p.Schemas)
	if p.Query != nil {
		filtered = ApplyFilter(filtered, p.Query, p.Schemas)
	}
	return ApplyExclusions(filtered, p.Excluded)
}

func (p ViewPipeline) TimeSeries(results []types.AnnotationResult, assets map[uuid.UUID]types.Asset, cfg TimeSeriesConfig) TimeSeries {
	return BucketByTime(p.VisibleResults(results), assets, p.Schemas, cfg)
}

func (p ViewPipeline) LabelDistribution(results []types.AnnotationResult, cfg LabelDistributionConfig) LabelDistribution {
	return ComputeLabelDistribution(p.VisibleResults(results), cfg)
}

func (p ViewPipeline) SchemaBuckets(results []types.AnnotationResult) []SchemaBucket {
	return BucketBySchema(p.VisibleResults(results), p.Schemas)
}

// MapPoints geocodes the filtered results and applies the exclusion overlay
// to the finished points rather than the inputs. Toggling an exclusion never
// triggers re-geocoding, a point only disappears once every asset behind it
// is excluded.
func (p ViewPipeline) MapPoints(ctx context.Context, results []types.AnnotationResult, schemaId uuid.UUID, fieldKey string, geocoder Geocoder, cache *GeocodeCache, key GeocodeCacheKey) (GeocodeResolution, error) {
	filtered := FilterResults(results, p.Filters, p.Mode, p.Schemas)
	if p.Query != nil {
		filtered = ApplyFilter(filtered, p.Query, p.Schemas)
	}

	resolution, err := ResolvePoints(ctx, filtered, schemaId, fieldKey, geocoder, cache, key)
	if err != nil {
		return resolution, err
	}
	resolution.Points = FilterPointsByExclusion(resolution.Points, p.Excluded)
	return resolution, nil
}
