package api_test

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"annotation-backend/internal/database"
	"annotation-backend/pkg/api"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

// seriesFixture seeds a completed run over three incident results with event
// timestamps on the assets and an occurred_at field inside the values, so both
// timestamp sources can be exercised.
type seriesFixture struct {
	b *testBackend

	workspaceId uuid.UUID
	runId       uuid.UUID
	schemaId    uuid.UUID
	sourceId    uuid.UUID

	parisResult  uuid.UUID
	lyonResult   uuid.UUID
	berlinResult uuid.UUID
}

func newSeriesFixture(t *testing.T) *seriesFixture {
	f := &seriesFixture{
		workspaceId:  uuid.New(),
		runId:        uuid.New(),
		schemaId:     uuid.New(),
		sourceId:     uuid.New(),
		parisResult:  uuid.MustParse("00000000-0000-0000-0000-000000000011"),
		lyonResult:   uuid.MustParse("00000000-0000-0000-0000-000000000012"),
		berlinResult: uuid.MustParse("00000000-0000-0000-0000-000000000013"),
	}

	parisAsset, lyonAsset, berlinAsset := uuid.New(), uuid.New(), uuid.New()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	event := func(day, hour int) sql.NullTime {
		return sql.NullTime{Time: time.Date(2025, 3, day, hour, 0, 0, 0, time.UTC), Valid: true}
	}

	f.b = newTestBackend(t,
		&database.Workspace{Id: f.workspaceId, Name: "ws", CreationTime: base},
		&database.Schema{
			Id: f.schemaId, WorkspaceId: f.workspaceId, Name: "incident",
			OutputContract:    datatypes.JSON(`{"properties":{"city":{"type":"string"},"severity":{"type":"number"},"occurred_at":{"type":"string"}}}`),
			FieldSpecificTime: "occurred_at",
			Version:           1,
			CreationTime:      base,
		},
		&database.Asset{
			Id: parisAsset, WorkspaceId: f.workspaceId, Kind: "document", Title: "paris.txt",
			SourceId: uuid.NullUUID{UUID: f.sourceId, Valid: true},
			EventTimestamp: event(1, 10), CreationTime: base,
		},
		&database.Asset{
			Id: lyonAsset, WorkspaceId: f.workspaceId, Kind: "document", Title: "lyon.txt",
			EventTimestamp: event(1, 15), CreationTime: base,
		},
		&database.Asset{
			Id: berlinAsset, WorkspaceId: f.workspaceId, Kind: "document", Title: "berlin.txt",
			SourceId: uuid.NullUUID{UUID: f.sourceId, Valid: true},
			EventTimestamp: event(3, 9), CreationTime: base,
		},
		&database.Run{
			Id: f.runId, WorkspaceId: f.workspaceId, Name: "incidents",
			Engine: "gpt-4o-mini", Status: database.RunCompleted, CreationTime: base,
			Schemas: []database.RunSchema{{RunId: f.runId, SchemaId: f.schemaId}},
		},
		&database.Annotation{
			Id: f.parisResult, RunId: f.runId, AssetId: parisAsset, SchemaId: f.schemaId,
			Status:    database.AnnotationSuccess,
			Value:     datatypes.JSON(`{"city":"Paris","severity":3,"occurred_at":"2025-03-01"}`),
			Timestamp: base,
		},
		&database.Annotation{
			Id: f.lyonResult, RunId: f.runId, AssetId: lyonAsset, SchemaId: f.schemaId,
			Status:    database.AnnotationSuccess,
			Value:     datatypes.JSON(`{"city":"Paris","severity":5,"occurred_at":"2025-03-05"}`),
			Timestamp: base,
		},
		&database.Annotation{
			Id: f.berlinResult, RunId: f.runId, AssetId: berlinAsset, SchemaId: f.schemaId,
			Status:    database.AnnotationSuccess,
			Value:     datatypes.JSON(`{"city":"Berlin","severity":2,"occurred_at":"2025-03-03"}`),
			Timestamp: base,
		},
	)
	return f
}

func (f *seriesFixture) timeseries(t *testing.T, req api.TimeSeriesRequest) *httptest.ResponseRecorder {
	return f.b.do(t, http.MethodPost, "/runs/"+f.runId.String()+"/views/timeseries", req)
}

func TestTimeSeriesViewAssetEventDays(t *testing.T) {
	f := newSeriesFixture(t)

	rec := f.timeseries(t, api.TimeSeriesRequest{Interval: "day", TimeSource: "asset_event"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.TimeSeriesResponse](t, rec)

	assert.Equal(t, 3, res.TotalConsidered)
	assert.Equal(t, 3, res.TotalBucketed)
	require.Len(t, res.Buckets, 2)

	assert.Equal(t, "2025-03-01", res.Buckets[0].Label)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), res.Buckets[0].Start.UTC())
	assert.Equal(t, 2, res.Buckets[0].Count)
	assert.Equal(t, []uuid.UUID{f.parisResult, f.lyonResult}, res.Buckets[0].ResultIds)

	assert.Equal(t, "2025-03-03", res.Buckets[1].Label)
	assert.Equal(t, 1, res.Buckets[1].Count)
}

func TestTimeSeriesViewValueFieldFallsBackToSchemaTime(t *testing.T) {
	f := newSeriesFixture(t)

	// No time_source and no field path: the per schema occurred_at field is
	// used, which spreads the three results over three days.
	rec := f.timeseries(t, api.TimeSeriesRequest{Interval: "day"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.TimeSeriesResponse](t, rec)

	require.Len(t, res.Buckets, 3)
	assert.Equal(t, []string{"2025-03-01", "2025-03-03", "2025-03-05"}, []string{
		res.Buckets[0].Label, res.Buckets[1].Label, res.Buckets[2].Label,
	})
}

func TestTimeSeriesViewAggregations(t *testing.T) {
	f := newSeriesFixture(t)

	rec := f.timeseries(t, api.TimeSeriesRequest{
		Interval:     "month",
		TimeSource:   "asset_event",
		ValueField:   "severity",
		Aggregations: []string{"sum", "avg", "max"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.TimeSeriesResponse](t, rec)

	require.Len(t, res.Buckets, 1)
	assert.Equal(t, "2025-03", res.Buckets[0].Label)
	assert.Equal(t, 3, res.Buckets[0].Count)

	values := res.Buckets[0].Values
	assert.Equal(t, float64(10), values["sum"])
	assert.InDelta(t, 10.0/3, values["avg"], 0.001)
	assert.Equal(t, float64(5), values["max"])
}

func TestTimeSeriesViewSourceSplitsAndFilter(t *testing.T) {
	f := newSeriesFixture(t)

	rec := f.timeseries(t, api.TimeSeriesRequest{
		Interval:      "day",
		TimeSource:    "asset_event",
		SplitBySource: true,
		SplitBySchema: true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.TimeSeriesResponse](t, rec)

	require.Len(t, res.Buckets, 2)
	// The lyon asset has no source, so it counts in the bucket but not in the
	// per source split.
	assert.Equal(t, 2, res.Buckets[0].Count)
	assert.Equal(t, map[string]int{f.sourceId.String(): 1}, res.Buckets[0].BySource)
	assert.Equal(t, map[string]int{f.schemaId.String(): 2}, res.Buckets[0].BySchema)

	rec = f.timeseries(t, api.TimeSeriesRequest{
		Interval:   "day",
		TimeSource: "asset_event",
		SourceIds:  []uuid.UUID{f.sourceId},
	})
	res = decode[api.TimeSeriesResponse](t, rec)
	assert.Equal(t, 2, res.TotalBucketed)
	require.Len(t, res.Buckets, 2)
	assert.Equal(t, 1, res.Buckets[0].Count)
}

func TestTimeSeriesViewValidation(t *testing.T) {
	f := newSeriesFixture(t)

	rec := f.timeseries(t, api.TimeSeriesRequest{Interval: "hour"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid interval 'hour'")

	rec = f.timeseries(t, api.TimeSeriesRequest{Interval: "day", TimeSource: "wallclock"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid time_source 'wallclock'")

	rec = f.timeseries(t, api.TimeSeriesRequest{Interval: "day", Aggregations: []string{"median"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid aggregation 'median'")

	rec = f.b.do(t, http.MethodPost, "/runs/"+uuid.NewString()+"/views/timeseries", api.TimeSeriesRequest{Interval: "day"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLabelDistributionView(t *testing.T) {
	f := newSeriesFixture(t)

	rec := f.b.do(t, http.MethodPost, "/runs/"+f.runId.String()+"/views/labels", api.LabelDistributionRequest{
		FieldPath: "city",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.LabelDistributionResponse](t, rec)

	assert.Equal(t, 3, res.TotalValues)
	assert.Equal(t, 3, res.TotalConsidered)
	require.Len(t, res.Labels, 2)
	assert.Equal(t, "Paris", res.Labels[0].Label)
	assert.Equal(t, 2, res.Labels[0].Count)
	assert.InDelta(t, 66.67, res.Labels[0].Percentage, 0.01)
	assert.Equal(t, "Berlin", res.Labels[1].Label)

	rec = f.b.do(t, http.MethodPost, "/runs/"+f.runId.String()+"/views/labels", api.LabelDistributionRequest{
		FieldPath: "city",
		TopN:      1,
	})
	res = decode[api.LabelDistributionResponse](t, rec)
	require.Len(t, res.Labels, 1)
	assert.Equal(t, "Paris", res.Labels[0].Label)
	assert.Equal(t, 3, res.TotalValues, "top_n trims the ranking, not the totals")
}

func TestLabelDistributionViewSchemaRestriction(t *testing.T) {
	f := newResultsFixture(t)

	rec := f.b.do(t, http.MethodPost, "/runs/"+f.runId.String()+"/views/labels", api.LabelDistributionRequest{
		FieldPath: "total",
		SchemaId:  &f.receiptSchema,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.LabelDistributionResponse](t, rec)

	assert.Equal(t, 1, res.TotalConsidered)
	require.Len(t, res.Labels, 1)
	assert.Equal(t, "10", res.Labels[0].Label)
}

func TestLabelDistributionViewValidation(t *testing.T) {
	f := newSeriesFixture(t)

	rec := f.b.do(t, http.MethodPost, "/runs/"+f.runId.String()+"/views/labels", api.LabelDistributionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "field_path is required")

	rec = f.b.do(t, http.MethodPost, "/runs/"+f.runId.String()+"/views/labels", api.LabelDistributionRequest{
		FieldPath:    "city",
		ListBehavior: "explode",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid list_behavior 'explode'")

	foreign := uuid.New()
	rec = f.b.do(t, http.MethodPost, "/runs/"+f.runId.String()+"/views/labels", api.LabelDistributionRequest{
		FieldPath: "city",
		SchemaId:  &foreign,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "is not part of this run")
}

func TestSchemaBucketsView(t *testing.T) {
	f := newResultsFixture(t)

	rec := f.b.do(t, http.MethodGet, "/runs/"+f.runId.String()+"/views/schemas", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.SchemaBucketsResponse](t, rec)

	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Buckets, 2)
	assert.Equal(t, "invoice", res.Buckets[0].SchemaName)
	assert.Equal(t, 2, res.Buckets[0].Count)
	assert.Equal(t, "receipt", res.Buckets[1].SchemaName)
	assert.Equal(t, 1, res.Buckets[1].Count)
}

// mapFixture seeds a run whose results carry a location field: two assets in
// Paris, one in Berlin, and one whose location is blank and must be skipped.
type mapFixture struct {
	b *testBackend

	workspaceId uuid.UUID
	runId       uuid.UUID
	schemaId    uuid.UUID

	parisAssetA uuid.UUID
	parisAssetB uuid.UUID
	berlinAsset uuid.UUID
}

func newMapFixture(t *testing.T) *mapFixture {
	f := &mapFixture{
		workspaceId: uuid.New(),
		runId:       uuid.New(),
		schemaId:    uuid.New(),
		parisAssetA: uuid.New(),
		parisAssetB: uuid.New(),
		berlinAsset: uuid.New(),
	}

	blankAsset := uuid.New()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	annotation := func(id string, assetId uuid.UUID, value string) *database.Annotation {
		return &database.Annotation{
			Id: uuid.MustParse(id), RunId: f.runId, AssetId: assetId, SchemaId: f.schemaId,
			Status: database.AnnotationSuccess, Value: datatypes.JSON(value), Timestamp: base,
		}
	}

	seeds := []any{
		&database.Workspace{Id: f.workspaceId, Name: "ws", CreationTime: base},
		&database.Schema{
			Id: f.schemaId, WorkspaceId: f.workspaceId, Name: "sighting",
			OutputContract: datatypes.JSON(`{"properties":{"location":{"type":"string"}}}`),
			Version:        1,
			CreationTime:   base,
		},
		&database.Asset{Id: f.parisAssetA, WorkspaceId: f.workspaceId, Kind: "document", Title: "a.txt", CreationTime: base},
		&database.Asset{Id: f.parisAssetB, WorkspaceId: f.workspaceId, Kind: "document", Title: "b.txt", CreationTime: base},
		&database.Asset{Id: f.berlinAsset, WorkspaceId: f.workspaceId, Kind: "document", Title: "c.txt", CreationTime: base},
		&database.Asset{Id: blankAsset, WorkspaceId: f.workspaceId, Kind: "document", Title: "d.txt", CreationTime: base},
		&database.Run{
			Id: f.runId, WorkspaceId: f.workspaceId, Name: "sightings",
			Engine: "gpt-4o-mini", Status: database.RunCompleted, CreationTime: base,
			Schemas: []database.RunSchema{{RunId: f.runId, SchemaId: f.schemaId}},
		},
		annotation("00000000-0000-0000-0000-000000000021", f.parisAssetA, `{"location":"Paris"}`),
		annotation("00000000-0000-0000-0000-000000000022", f.parisAssetB, `{"location":" Paris "}`),
		annotation("00000000-0000-0000-0000-000000000023", f.berlinAsset, `{"location":"Berlin"}`),
		annotation("00000000-0000-0000-0000-000000000024", blankAsset, `{"location":"  "}`),
	}

	f.b = newTestBackend(t, seeds...)
	return f
}

func (f *mapFixture) mapView(t *testing.T, req api.MapViewRequest) *httptest.ResponseRecorder {
	return f.b.do(t, http.MethodPost, "/runs/"+f.runId.String()+"/views/map", req)
}

func TestMapViewResolvesPoints(t *testing.T) {
	f := newMapFixture(t)

	rec := f.mapView(t, api.MapViewRequest{SchemaId: f.schemaId, FieldKey: "location"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.MapViewResponse](t, rec)

	assert.Equal(t, "success", res.State)
	assert.Empty(t, res.GeocodingError)
	require.Len(t, res.Points, 2)

	assert.Equal(t, "Paris", res.Points[0].Location)
	assert.Equal(t, float64(len("Paris")), res.Points[0].Latitude)
	assert.Equal(t, -float64(len("Paris")), res.Points[0].Longitude)
	assert.Equal(t, "city", res.Points[0].LocationType)
	assert.Equal(t, []uuid.UUID{f.parisAssetA, f.parisAssetB}, res.Points[0].AssetIds)

	assert.Equal(t, "Berlin", res.Points[1].Location)
	assert.Equal(t, []uuid.UUID{f.berlinAsset}, res.Points[1].AssetIds)

	assert.Equal(t, 2, f.b.geocoder.callCount())

	// A second request finds every location cached.
	rec = f.mapView(t, api.MapViewRequest{SchemaId: f.schemaId, FieldKey: "location"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[api.MapViewResponse](t, rec).Points, 2)
	assert.Equal(t, 2, f.b.geocoder.callCount())

	var rows []database.GeocodeCacheEntry
	require.NoError(t, f.b.db.Find(&rows, "run_id = ?", f.runId).Error)
	assert.Len(t, rows, 2)
}

func TestMapViewPartialFailure(t *testing.T) {
	f := newMapFixture(t)
	f.b.geocoder.fail["Berlin"] = true

	rec := f.mapView(t, api.MapViewRequest{SchemaId: f.schemaId, FieldKey: "location"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.MapViewResponse](t, rec)

	assert.Equal(t, "partial_success_with_error", res.State)
	assert.Equal(t, "failed to geocode 1 of 2 locations", res.GeocodingError)
	require.Len(t, res.Points, 1)
	assert.Equal(t, "Paris", res.Points[0].Location)

	calls := f.b.geocoder.callCount()

	// The failed lookup is cached as a miss rather than retried.
	rec = f.mapView(t, api.MapViewRequest{SchemaId: f.schemaId, FieldKey: "location"})
	res = decode[api.MapViewResponse](t, rec)
	assert.Equal(t, "partial_success_with_error", res.State)
	assert.Equal(t, calls, f.b.geocoder.callCount())
}

func TestMapViewWarmStartFromPersistedCache(t *testing.T) {
	f := newMapFixture(t)

	persisted := []database.GeocodeCacheEntry{
		{
			WorkspaceId: f.workspaceId, RunId: f.runId, Location: "Paris",
			Resolved:  datatypes.JSON(`{"latitude":48.85,"longitude":2.35,"location_type":"capital"}`),
			Timestamp: time.Now(),
		},
		{
			WorkspaceId: f.workspaceId, RunId: f.runId, Location: "Berlin",
			Resolved:  datatypes.JSON(`{"latitude":52.52,"longitude":13.4,"location_type":"capital"}`),
			Timestamp: time.Now(),
		},
	}
	require.NoError(t, f.b.db.Create(&persisted).Error)

	rec := f.mapView(t, api.MapViewRequest{SchemaId: f.schemaId, FieldKey: "location"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.MapViewResponse](t, rec)

	assert.Equal(t, "success", res.State)
	require.Len(t, res.Points, 2)
	assert.Equal(t, 48.85, res.Points[0].Latitude)
	assert.Equal(t, "capital", res.Points[0].LocationType)
	assert.Zero(t, f.b.geocoder.callCount(), "persisted lookups avoid provider calls")
}

func TestMapViewExclusions(t *testing.T) {
	f := newMapFixture(t)

	// One Paris asset excluded: the point survives through the other.
	rec := f.mapView(t, api.MapViewRequest{
		SchemaId: f.schemaId, FieldKey: "location",
		ExcludedAssetIds: []uuid.UUID{f.parisAssetA},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[api.MapViewResponse](t, rec)
	require.Len(t, res.Points, 2)

	rec = f.mapView(t, api.MapViewRequest{
		SchemaId: f.schemaId, FieldKey: "location",
		ExcludedAssetIds: []uuid.UUID{f.parisAssetA, f.parisAssetB},
	})
	res = decode[api.MapViewResponse](t, rec)
	require.Len(t, res.Points, 1)
	assert.Equal(t, "Berlin", res.Points[0].Location)
}

func TestMapViewValidation(t *testing.T) {
	f := newMapFixture(t)

	rec := f.mapView(t, api.MapViewRequest{FieldKey: "location"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "schema_id is required")

	rec = f.mapView(t, api.MapViewRequest{SchemaId: f.schemaId})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "field_key is required")

	foreign := uuid.New()
	rec = f.mapView(t, api.MapViewRequest{SchemaId: foreign, FieldKey: "location"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "is not part of this run")

	rec = f.b.do(t, http.MethodPost, "/runs/"+uuid.NewString()+"/views/map", api.MapViewRequest{
		SchemaId: f.schemaId, FieldKey: "location",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
