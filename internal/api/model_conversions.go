package api

import (
	"database/sql"
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

func jsonToMap(data datatypes.JSON) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Error("error decoding stored json", "error", err)
		return nil
	}
	return m
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullUUIDPtr(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	v := id.UUID
	return &v
}

func convertWorkspace(workspace database.Workspace) api.Workspace {
	return api.Workspace{
		Id:           workspace.Id,
		Name:         workspace.Name,
		Description:  workspace.Description,
		CreationTime: workspace.CreationTime,
	}
}

func convertWorkspaces(workspaces []database.Workspace) []api.Workspace {
	converted := make([]api.Workspace, 0, len(workspaces))
	for _, workspace := range workspaces {
		converted = append(converted, convertWorkspace(workspace))
	}
	return converted
}

func convertSchema(schema database.Schema) api.Schema {
	return api.Schema{
		Id:                schema.Id,
		WorkspaceId:       schema.WorkspaceId,
		Name:              schema.Name,
		Description:       schema.Description,
		Instructions:      schema.Instructions,
		OutputContract:    jsonToMap(schema.OutputContract),
		FieldSpecificTime: schema.FieldSpecificTime,
		Version:           schema.Version,
		IsActive:          !schema.Archived,
		CreationTime:      schema.CreationTime,
		UpdatedTime:       nullTimePtr(schema.UpdatedTime),
	}
}

func convertSchemas(schemas []database.Schema) []api.Schema {
	converted := make([]api.Schema, 0, len(schemas))
	for _, schema := range schemas {
		converted = append(converted, convertSchema(schema))
	}
	return converted
}

func convertBundle(bundle database.Bundle, assetCount int64) api.Bundle {
	return api.Bundle{
		Id:           bundle.Id,
		WorkspaceId:  bundle.WorkspaceId,
		Name:         bundle.Name,
		Description:  bundle.Description,
		AssetCount:   assetCount,
		CreationTime: bundle.CreationTime,
	}
}

func convertBundles(bundles []database.Bundle, countByBundle map[uuid.UUID]int64) []api.Bundle {
	converted := make([]api.Bundle, 0, len(bundles))
	for _, bundle := range bundles {
		converted = append(converted, convertBundle(bundle, countByBundle[bundle.Id]))
	}
	return converted
}

func convertAsset(asset database.Asset) api.Asset {
	return api.Asset{
		Id:             asset.Id,
		WorkspaceId:    asset.WorkspaceId,
		BundleId:       nullUUIDPtr(asset.BundleId),
		SourceId:       nullUUIDPtr(asset.SourceId),
		Kind:           asset.Kind,
		Title:          asset.Title,
		TextContent:    asset.TextContent,
		StorageKey:     asset.StorageKey,
		SourceMetadata: jsonToMap(asset.SourceMetadata),
		EventTimestamp: nullTimePtr(asset.EventTimestamp),
		CreationTime:   asset.CreationTime,
	}
}

func convertAssets(assets []database.Asset) []api.Asset {
	converted := make([]api.Asset, 0, len(assets))
	for _, asset := range assets {
		converted = append(converted, convertAsset(asset))
	}
	return converted
}

func convertRun(run database.Run) api.Run {
	converted := api.Run{
		Id:                       run.Id,
		WorkspaceId:              run.WorkspaceId,
		Name:                     run.Name,
		Description:              run.Description,
		Engine:                   run.Engine,
		BundleId:                 nullUUIDPtr(run.BundleId),
		Configuration:            jsonToMap(run.Configuration),
		ViewsConfig:              jsonToMap(run.ViewsConfig),
		Status:                   run.Status,
		CreationTime:             run.CreationTime,
		StartTime:                nullTimePtr(run.StartTime),
		CompletionTime:           nullTimePtr(run.CompletionTime),
		SucceededAnnotationCount: run.SucceededAnnotationCount,
		FailedAnnotationCount:    run.FailedAnnotationCount,
		TotalAnnotationCount:     run.TotalAnnotationCount,
	}

	for _, link := range run.Schemas {
		converted.SchemaIds = append(converted.SchemaIds, link.SchemaId)
	}
	for _, runError := range run.Errors {
		converted.Errors = append(converted.Errors, runError.Error)
	}

	return converted
}

func convertRuns(runs []database.Run) []api.Run {
	converted := make([]api.Run, 0, len(runs))
	for _, run := range runs {
		converted = append(converted, convertRun(run))
	}
	return converted
}

func convertAnnotation(annotation database.Annotation) api.Annotation {
	return api.Annotation{
		Id:             annotation.Id,
		RunId:          annotation.RunId,
		AssetId:        annotation.AssetId,
		SchemaId:       annotation.SchemaId,
		Value:          jsonToMap(annotation.Value),
		Status:         annotation.Status,
		Error:          annotation.Error,
		Timestamp:      annotation.Timestamp,
		EventTimestamp: nullTimePtr(annotation.EventTimestamp),
	}
}

func convertAnnotations(annotations []database.Annotation) []api.Annotation {
	converted := make([]api.Annotation, 0, len(annotations))
	for _, annotation := range annotations {
		converted = append(converted, convertAnnotation(annotation))
	}
	return converted
}

func convertSavedFilter(filter database.SavedFilter) api.SavedFilter {
	return api.SavedFilter{
		Id:           filter.Id,
		WorkspaceId:  filter.WorkspaceId,
		Name:         filter.Name,
		Query:        filter.Query,
		CreationTime: filter.CreationTime,
	}
}

func convertSavedFilters(filters []database.SavedFilter) []api.SavedFilter {
	converted := make([]api.SavedFilter, 0, len(filters))
	for _, filter := range filters {
		converted = append(converted, convertSavedFilter(filter))
	}
	return converted
}

func toCoreSchemas(schemas []database.Schema) []types.Schema {
	converted := make([]types.Schema, 0, len(schemas))
	for _, schema := range schemas {
		converted = append(converted, types.Schema{
			Id:                schema.Id,
			Name:              schema.Name,
			OutputContract:    jsonToMap(schema.OutputContract),
			FieldSpecificTime: schema.FieldSpecificTime,
		})
	}
	return converted
}

func toCoreAssets(assets []database.Asset) map[uuid.UUID]types.Asset {
	converted := make(map[uuid.UUID]types.Asset, len(assets))
	for _, asset := range assets {
		converted[asset.Id] = types.Asset{
			Id:             asset.Id,
			SourceId:       asset.SourceId,
			EventTimestamp: nullTimePtr(asset.EventTimestamp),
			CreatedAt:      asset.CreationTime,
		}
	}
	return converted
}

func toCoreResults(annotations []database.Annotation) []types.AnnotationResult {
	converted := make([]types.AnnotationResult, 0, len(annotations))
	for _, annotation := range annotations {
		converted = append(converted, types.AnnotationResult{
			Id:             annotation.Id,
			AssetId:        annotation.AssetId,
			SchemaId:       annotation.SchemaId,
			RunId:          annotation.RunId,
			Value:          jsonToMap(annotation.Value),
			Status:         annotation.Status,
			Timestamp:      annotation.Timestamp,
			EventTimestamp: nullTimePtr(annotation.EventTimestamp),
		})
	}
	return converted
}

func toCoreFilters(filters []api.ResultFilter) []core.ResultFilter {
	converted := make([]core.ResultFilter, 0, len(filters))
	for _, filter := range filters {
		converted = append(converted, core.ResultFilter{
			Field:    filter.Field,
			Operator: filter.Operator,
			Value:    filter.Value,
			IsActive: filter.IsActive,
		})
	}
	return converted
}

// convertResultAnnotations maps pipeline results back onto the wire
// annotation shape. Only successful results flow through the pipeline, so
// there is no error message to carry.
func convertResultAnnotations(results []types.AnnotationResult) []api.Annotation {
	converted := make([]api.Annotation, 0, len(results))
	for _, result := range results {
		converted = append(converted, api.Annotation{
			Id:             result.Id,
			RunId:          result.RunId,
			AssetId:        result.AssetId,
			SchemaId:       result.SchemaId,
			Value:          result.Value,
			Status:         result.Status,
			Timestamp:      result.Timestamp,
			EventTimestamp: result.EventTimestamp,
		})
	}
	return converted
}

func convertMapPoints(points []types.GeocodePoint) []api.MapPoint {
	converted := make([]api.MapPoint, 0, len(points))
	for _, point := range points {
		converted = append(converted, api.MapPoint{
			Location:     point.LocationString,
			Latitude:     point.Latitude,
			Longitude:    point.Longitude,
			BBox:         point.BBox,
			LocationType: point.LocationType,
			AssetIds:     point.AssetIds,
		})
	}
	return converted
}

func convertTimeSeries(series core.TimeSeries) api.TimeSeriesResponse {
	converted := api.TimeSeriesResponse{
		Buckets:         make([]api.TimeSeriesBucket, 0, len(series.Buckets)),
		TotalConsidered: series.TotalConsidered,
		TotalBucketed:   series.TotalBucketed,
	}

	for _, bucket := range series.Buckets {
		apiBucket := api.TimeSeriesBucket{
			Label:     bucket.Label,
			Start:     bucket.Start,
			Count:     bucket.Count,
			ResultIds: bucket.ResultIds,
			BySource:  bucket.BySource,
			BySchema:  bucket.BySchema,
		}
		if len(bucket.Values) > 0 {
			apiBucket.Values = make(map[string]float64, len(bucket.Values))
			for agg, value := range bucket.Values {
				apiBucket.Values[string(agg)] = value
			}
		}
		converted.Buckets = append(converted.Buckets, apiBucket)
	}

	return converted
}

func convertLabelDistribution(dist core.LabelDistribution) api.LabelDistributionResponse {
	converted := api.LabelDistributionResponse{
		Labels:          make([]api.LabelCount, 0, len(dist.Labels)),
		TotalValues:     dist.TotalValues,
		TotalConsidered: dist.TotalConsidered,
	}
	for _, label := range dist.Labels {
		converted.Labels = append(converted.Labels, api.LabelCount{
			Label:      label.Label,
			Count:      label.Count,
			Percentage: label.Percentage,
		})
	}
	return converted
}

func toTimeSeriesConfig(req api.TimeSeriesRequest) (core.TimeSeriesConfig, error) {
	var cfg core.TimeSeriesConfig

	switch interval := core.Interval(req.Interval); interval {
	case core.IntervalDay, core.IntervalWeek, core.IntervalMonth, core.IntervalQuarter, core.IntervalYear:
		cfg.Interval = interval
	default:
		return cfg, CodedErrorf(http.StatusBadRequest, "invalid interval '%s', expected day, week, month, quarter or year", req.Interval)
	}

	switch source := core.TimestampSource(req.TimeSource); source {
	case "":
		cfg.TimeAxis.Source = core.TimeFromValueField
	case core.TimeFromValueField, core.TimeFromAssetEvent, core.TimeFromAssetCreated, core.TimeFromAnnotation:
		cfg.TimeAxis.Source = source
	default:
		return cfg, CodedErrorf(http.StatusBadRequest, "invalid time_source '%s'", req.TimeSource)
	}
	cfg.TimeAxis.FieldPath = req.TimeFieldPath

	for _, agg := range req.Aggregations {
		switch aggregation := core.Aggregation(agg); aggregation {
		case core.AggSum, core.AggAvg, core.AggMin, core.AggMax:
			cfg.Aggregations = append(cfg.Aggregations, aggregation)
		default:
			return cfg, CodedErrorf(http.StatusBadRequest, "invalid aggregation '%s', expected sum, avg, min or max", agg)
		}
	}

	cfg.SourceIds = req.SourceIds
	cfg.SplitBySource = req.SplitBySource
	cfg.SplitBySchema = req.SplitBySchema
	cfg.ValueField = req.ValueField
	cfg.From = req.From
	cfg.To = req.To

	return cfg, nil
}
