package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"annotation-backend/internal/core"
	"annotation-backend/internal/core/types"
	"annotation-backend/internal/database"
	"annotation-backend/pkg/api"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

func (s *BackendService) TimeSeriesView(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.TimeSeriesRequest](r)
	if err != nil {
		return nil, err
	}

	cfg, err := toTimeSeriesConfig(req)
	if err != nil {
		return nil, err
	}

	run, schemas, results, err := s.loadRunView(r, runId)
	if err != nil {
		return nil, err
	}

	pipeline, err := s.buildPipeline(r, run, schemas, req.FilterContext)
	if err != nil {
		return nil, err
	}

	var assets []database.Asset
	if err := s.db.WithContext(r.Context()).
		Where("workspace_id = ?", run.WorkspaceId).
		Find(&assets).Error; err != nil {
		slog.Error("error loading assets", "workspace_id", run.WorkspaceId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving assets")
	}

	series := pipeline.TimeSeries(results, toCoreAssets(assets), cfg)
	return convertTimeSeries(series), nil
}

func (s *BackendService) LabelDistributionView(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.LabelDistributionRequest](r)
	if err != nil {
		return nil, err
	}

	if req.FieldPath == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "field_path is required")
	}

	behavior := core.CountEachItem
	switch req.ListBehavior {
	case "", string(core.CountEachItem):
	case string(core.StringifyList):
		behavior = core.StringifyList
	default:
		return nil, CodedErrorf(http.StatusBadRequest, "invalid list_behavior '%s'", req.ListBehavior)
	}

	run, schemas, results, err := s.loadRunView(r, runId)
	if err != nil {
		return nil, err
	}

	if req.SchemaId != nil && !runHasSchema(run, *req.SchemaId) {
		return nil, CodedErrorf(http.StatusBadRequest, "schema %v is not part of this run", *req.SchemaId)
	}

	pipeline, err := s.buildPipeline(r, run, schemas, req.FilterContext)
	if err != nil {
		return nil, err
	}

	visible := pipeline.VisibleResults(results)
	if req.SchemaId != nil {
		// The schema restriction narrows the distribution input, not the
		// filter evaluation, which always sees the whole per asset set.
		bySchema := make([]types.AnnotationResult, 0, len(visible))
		for _, result := range visible {
			if result.SchemaId == *req.SchemaId {
				bySchema = append(bySchema, result)
			}
		}
		visible = bySchema
	}

	dist := core.ComputeLabelDistribution(visible, core.LabelDistributionConfig{
		FieldPath:    req.FieldPath,
		ListBehavior: behavior,
		TopN:         req.TopN,
	})
	return convertLabelDistribution(dist), nil
}

func (s *BackendService) SchemaBucketsView(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	run, schemas, results, err := s.loadRunView(r, runId)
	if err != nil {
		return nil, err
	}

	pipeline, err := s.buildPipeline(r, run, schemas, api.FilterContext{})
	if err != nil {
		return nil, err
	}

	buckets := pipeline.SchemaBuckets(results)

	res := api.SchemaBucketsResponse{Buckets: make([]api.SchemaBucket, 0, len(buckets))}
	for _, bucket := range buckets {
		res.Buckets = append(res.Buckets, api.SchemaBucket{
			SchemaId:   bucket.Schema.Id,
			SchemaName: bucket.Schema.Name,
			Count:      len(bucket.Results),
		})
		res.Total += len(bucket.Results)
	}
	return res, nil
}

func (s *BackendService) MapView(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.MapViewRequest](r)
	if err != nil {
		return nil, err
	}

	if req.SchemaId == uuid.Nil {
		return nil, CodedErrorf(http.StatusBadRequest, "schema_id is required")
	}
	if req.FieldKey == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "field_key is required")
	}

	run, schemas, results, err := s.loadRunView(r, runId)
	if err != nil {
		return nil, err
	}

	if !runHasSchema(run, req.SchemaId) {
		return nil, CodedErrorf(http.StatusBadRequest, "schema %v is not part of this run", req.SchemaId)
	}

	// One geocode pass per run at a time. A second request for the same run
	// waits here and then finds the cache warm.
	if err := s.geocodeLocks.Lock(run.Id.String()); err != nil {
		return nil, CodedErrorf(http.StatusServiceUnavailable, "too many runs are geocoding right now, try again shortly")
	}
	defer s.geocodeLocks.Unlock(run.Id.String()) //nolint:errcheck

	key := core.GeocodeCacheKey{WorkspaceId: run.WorkspaceId, RunId: run.Id}
	s.warmGeocodeCache(r, key)

	s.geoview.Select(core.GeocodeSelection{RunId: run.Id, SchemaId: req.SchemaId, FieldKey: req.FieldKey})
	token := s.geoview.Begin()

	pipeline := core.ViewPipeline{
		Schemas:  core.NewSchemaSet(toCoreSchemas(schemas)),
		Excluded: core.ExclusionSetOf(run.Id, req.ExcludedAssetIds),
	}

	resolution, err := pipeline.MapPoints(r.Context(), results, req.SchemaId, req.FieldKey, s.geocoder, s.geocache, key)
	if err != nil {
		slog.Error("error resolving map points", "run_id", run.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "geocoding was interrupted")
	}

	s.geoview.Complete(token, resolution)
	s.persistGeocodeCache(r, key)

	return api.MapViewResponse{
		State:          string(resolution.State()),
		Points:         convertMapPoints(resolution.Points),
		GeocodingError: resolution.ErrorMessage(),
	}, nil
}

func runHasSchema(run *database.Run, schemaId uuid.UUID) bool {
	for _, link := range run.Schemas {
		if link.SchemaId == schemaId {
			return true
		}
	}
	return false
}

// warmGeocodeCache loads previously persisted lookups into the in process
// cache so a fresh process does not repeat provider calls. Best effort.
func (s *BackendService) warmGeocodeCache(r *http.Request, key core.GeocodeCacheKey) {
	rows, err := database.GetGeocodeCacheEntries(r.Context(), s.db, key.WorkspaceId, key.RunId)
	if err != nil {
		slog.Warn("error warming geocode cache", "run_id", key.RunId, "error", err)
		return
	}

	for _, row := range rows {
		var loc *types.GeocodedLocation
		if len(row.Resolved) > 0 && string(row.Resolved) != "null" {
			loc = &types.GeocodedLocation{}
			if err := json.Unmarshal(row.Resolved, loc); err != nil {
				slog.Warn("error decoding geocode cache entry", "location", row.Location, "error", err)
				continue
			}
		}
		s.geocache.SetIfAbsent(key, row.Location, loc)
	}
}

// persistGeocodeCache writes the in process cache back to the warm store.
// Existing rows are left untouched. Best effort.
func (s *BackendService) persistGeocodeCache(r *http.Request, key core.GeocodeCacheKey) {
	entries := s.geocache.Entries(key)
	if len(entries) == 0 {
		return
	}

	rows := make([]database.GeocodeCacheEntry, 0, len(entries))
	for location, loc := range entries {
		row := database.GeocodeCacheEntry{
			WorkspaceId: key.WorkspaceId,
			RunId:       key.RunId,
			Location:    location,
			Timestamp:   time.Now().UTC(),
		}
		if loc != nil {
			resolved, err := json.Marshal(loc)
			if err != nil {
				slog.Warn("error encoding geocode cache entry", "location", location, "error", err)
				continue
			}
			row.Resolved = datatypes.JSON(resolved)
		}
		rows = append(rows, row)
	}

	if err := database.SaveGeocodeCacheEntries(r.Context(), s.db, rows); err != nil {
		slog.Warn("error persisting geocode cache", "run_id", key.RunId, "error", err)
	}
}
