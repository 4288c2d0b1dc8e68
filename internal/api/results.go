package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"annotation-backend/internal/core"
	"annotation-backend/internal/core/types"
	"annotation-backend/internal/database"
	"annotation-backend/pkg/api"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// loadRunView loads the pieces every result endpoint works over: the run, its
// schema set, and the successful annotations converted to core results.
func (s *BackendService) loadRunView(r *http.Request, runId uuid.UUID) (*database.Run, []database.Schema, []types.AnnotationResult, error) {
	ctx := r.Context()

	var run database.Run
	if err := s.db.WithContext(ctx).Preload("Schemas").First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil, CodedErrorf(http.StatusNotFound, "run not found")
		}
		slog.Error("error getting run", "run_id", runId, "error", err)
		return nil, nil, nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run record")
	}

	schemaIds := make([]uuid.UUID, 0, len(run.Schemas))
	for _, link := range run.Schemas {
		schemaIds = append(schemaIds, link.SchemaId)
	}

	var schemas []database.Schema
	if len(schemaIds) > 0 {
		if err := s.db.WithContext(ctx).
			Where("id IN ?", schemaIds).
			Order("creation_time asc").
			Find(&schemas).Error; err != nil {
			slog.Error("error loading run schemas", "run_id", runId, "error", err)
			return nil, nil, nil, CodedErrorf(http.StatusInternalServerError, "error retrieving schemas")
		}
	}

	var annotations []database.Annotation
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND status = ?", runId, database.AnnotationSuccess).
		Order("id asc").
		Find(&annotations).Error; err != nil {
		slog.Error("error loading annotations", "run_id", runId, "error", err)
		return nil, nil, nil, CodedErrorf(http.StatusInternalServerError, "error retrieving annotations")
	}

	return &run, schemas, toCoreResults(annotations), nil
}

// buildPipeline assembles the filter pipeline from a request's filter
// context: structured rules, an optional query string, an optional saved
// filter, and the exclusion overlay.
func (s *BackendService) buildPipeline(r *http.Request, run *database.Run, schemas []database.Schema, fc api.FilterContext) (core.ViewPipeline, error) {
	var pipeline core.ViewPipeline

	mode := core.LogicAnd
	switch fc.FilterMode {
	case "", string(core.LogicAnd):
	case string(core.LogicOr):
		mode = core.LogicOr
	default:
		return pipeline, CodedErrorf(http.StatusBadRequest, "invalid filter_mode '%s', expected 'and' or 'or'", fc.FilterMode)
	}

	var trees []core.Filter
	if fc.SavedFilterId != nil {
		var saved database.SavedFilter
		if err := s.db.WithContext(r.Context()).First(&saved, "id = ? AND workspace_id = ?", *fc.SavedFilterId, run.WorkspaceId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pipeline, CodedErrorf(http.StatusBadRequest, "saved filter %v does not exist in this workspace", *fc.SavedFilterId)
			}
			slog.Error("error getting saved filter", "filter_id", *fc.SavedFilterId, "error", err)
			return pipeline, CodedErrorf(http.StatusInternalServerError, "error retrieving saved filter")
		}
		tree, err := core.ParseQuery(saved.Query)
		if err != nil {
			slog.Error("error parsing saved filter query", "filter_id", saved.Id, "error", err)
			return pipeline, CodedErrorf(http.StatusBadRequest, "saved filter '%s' holds an invalid query: %v", saved.Name, err)
		}
		trees = append(trees, tree)
	}
	if fc.Query != "" {
		tree, err := core.ParseQuery(fc.Query)
		if err != nil {
			return pipeline, CodedErrorf(http.StatusBadRequest, "invalid query: %v", err)
		}
		trees = append(trees, tree)
	}

	var query core.Filter
	switch len(trees) {
	case 0:
	case 1:
		query = trees[0]
	default:
		query = core.NewAndFilter(trees...)
	}

	pipeline = core.ViewPipeline{
		Schemas:  core.NewSchemaSet(toCoreSchemas(schemas)),
		Filters:  toCoreFilters(fc.Filters),
		Mode:     mode,
		Excluded: core.ExclusionSetOf(run.Id, fc.ExcludedAssetIds),
		Query:    query,
	}
	return pipeline, nil
}

func (s *BackendService) QueryResults(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.QueryResultsRequest](r)
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

	visible := pipeline.VisibleResults(results)

	seen := make(map[uuid.UUID]struct{}, len(visible))
	assetIds := make([]uuid.UUID, 0, len(visible))
	for _, result := range visible {
		if _, ok := seen[result.AssetId]; !ok {
			seen[result.AssetId] = struct{}{}
			assetIds = append(assetIds, result.AssetId)
		}
	}

	return api.QueryResultsResponse{
		Results:         convertResultAnnotations(visible),
		TotalResults:    len(visible),
		VisibleAssetIds: assetIds,
	}, nil
}

func (s *BackendService) CreateSavedFilter(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.CreateSavedFilterRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateSavedFilter(req.Name, req.Query); err != nil {
		return nil, err
	}

	if err := s.checkWorkspaceExists(r, workspaceId); err != nil {
		return nil, err
	}

	filter := database.SavedFilter{
		Id:           uuid.New(),
		WorkspaceId:  workspaceId,
		Name:         req.Name,
		Query:        req.Query,
		CreationTime: time.Now().UTC(),
	}

	if err := s.db.WithContext(r.Context()).Create(&filter).Error; err != nil {
		slog.Error("error creating saved filter", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create saved filter")
	}

	slog.Info("created saved filter", "workspace_id", workspaceId, "filter_id", filter.Id)
	return api.CreateSavedFilterResponse{FilterId: filter.Id}, nil
}

func validateSavedFilter(name, query string) error {
	if name == "" {
		return CodedErrorf(http.StatusBadRequest, "filter name is required")
	}
	if err := validateName(name); err != nil {
		return err
	}
	if query == "" {
		return CodedErrorf(http.StatusBadRequest, "filter query is required")
	}
	if _, err := core.ParseQuery(query); err != nil {
		return CodedErrorf(http.StatusBadRequest, "invalid filter query: %v", err)
	}
	return nil
}

func (s *BackendService) ListSavedFilters(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	var filters []database.SavedFilter
	if err := s.db.WithContext(r.Context()).
		Where("workspace_id = ?", workspaceId).
		Order("creation_time asc").
		Find(&filters).Error; err != nil {
		slog.Error("error listing saved filters", "workspace_id", workspaceId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving saved filters")
	}

	return convertSavedFilters(filters), nil
}

func (s *BackendService) GetSavedFilter(r *http.Request) (any, error) {
	filterId, err := URLParamUUID(r, "filter_id")
	if err != nil {
		return nil, err
	}

	var filter database.SavedFilter
	if err := s.db.WithContext(r.Context()).First(&filter, "id = ?", filterId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "saved filter not found")
		}
		slog.Error("error getting saved filter", "filter_id", filterId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving saved filter")
	}

	return convertSavedFilter(filter), nil
}

func (s *BackendService) UpdateSavedFilter(r *http.Request) (any, error) {
	filterId, err := URLParamUUID(r, "filter_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.UpdateSavedFilterRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateSavedFilter(req.Name, req.Query); err != nil {
		return nil, err
	}

	result := s.db.WithContext(r.Context()).Model(&database.SavedFilter{}).Where("id = ?", filterId).Updates(map[string]any{
		"name":  req.Name,
		"query": req.Query,
	})
	if result.Error != nil {
		slog.Error("error updating saved filter", "filter_id", filterId, "error", result.Error)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to update saved filter")
	}
	if result.RowsAffected == 0 {
		return nil, CodedErrorf(http.StatusNotFound, "saved filter not found")
	}

	return nil, nil
}

func (s *BackendService) DeleteSavedFilter(r *http.Request) (any, error) {
	filterId, err := URLParamUUID(r, "filter_id")
	if err != nil {
		return nil, err
	}

	result := s.db.WithContext(r.Context()).Delete(&database.SavedFilter{}, "id = ?", filterId)
	if result.Error != nil {
		slog.Error("error deleting saved filter", "filter_id", filterId, "error", result.Error)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to delete saved filter")
	}
	if result.RowsAffected == 0 {
		return nil, CodedErrorf(http.StatusNotFound, "saved filter not found")
	}

	return nil, nil
}
