package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"annotation-backend/internal/database"
	"annotation-backend/internal/messaging"
	"annotation-backend/pkg/api"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (s *BackendService) CreateRun(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.CreateRunRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Name == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "run name is required")
	}
	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	if req.Engine == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "run engine is required")
	}
	if len(req.SchemaIds) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "at least one schema id is required")
	}
	if req.BundleId != nil && len(req.AssetIds) > 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "provide either asset_ids or bundle_id, not both")
	}

	if err := s.checkWorkspaceExists(r, workspaceId); err != nil {
		return nil, err
	}

	ctx := r.Context()

	var schemas []database.Schema
	if err := s.db.WithContext(ctx).
		Where("id IN ? AND workspace_id = ?", req.SchemaIds, workspaceId).
		Find(&schemas).Error; err != nil {
		slog.Error("error loading run schemas", "workspace_id", workspaceId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving schemas")
	}

	schemaById := make(map[uuid.UUID]database.Schema, len(schemas))
	for _, schema := range schemas {
		schemaById[schema.Id] = schema
	}
	for _, schemaId := range req.SchemaIds {
		schema, ok := schemaById[schemaId]
		if !ok {
			return nil, CodedErrorf(http.StatusBadRequest, "schema %v does not exist in this workspace", schemaId)
		}
		if schema.Archived {
			return nil, CodedErrorf(http.StatusBadRequest, "schema '%s' is archived", schema.Name)
		}
	}

	if req.BundleId != nil {
		var bundle database.Bundle
		if err := s.db.WithContext(ctx).First(&bundle, "id = ? AND workspace_id = ?", *req.BundleId, workspaceId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, CodedErrorf(http.StatusBadRequest, "bundle %v does not exist in this workspace", *req.BundleId)
			}
			slog.Error("error getting bundle", "bundle_id", *req.BundleId, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving bundle record")
		}
	}

	if len(req.AssetIds) > 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&database.Asset{}).
			Where("workspace_id = ? AND id IN ?", workspaceId, req.AssetIds).
			Count(&count).Error; err != nil {
			slog.Error("error verifying run assets", "workspace_id", workspaceId, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving assets")
		}
		if int(count) != len(req.AssetIds) {
			return nil, CodedErrorf(http.StatusBadRequest, "one or more asset ids do not exist in this workspace")
		}
	}

	run := database.Run{
		Id:           uuid.New(),
		WorkspaceId:  workspaceId,
		Name:         req.Name,
		Description:  req.Description,
		Engine:       req.Engine,
		Status:       database.RunPending,
		CreationTime: time.Now().UTC(),
	}

	if req.BundleId != nil {
		run.BundleId = uuid.NullUUID{UUID: *req.BundleId, Valid: true}
	}
	if len(req.Configuration) > 0 {
		configuration, err := json.Marshal(req.Configuration)
		if err != nil {
			slog.Error("error serializing run configuration", "error", err)
			return nil, CodedErrorf(http.StatusBadRequest, "invalid run configuration")
		}
		run.Configuration = configuration
	}

	for _, schemaId := range req.SchemaIds {
		run.Schemas = append(run.Schemas, database.RunSchema{RunId: run.Id, SchemaId: schemaId})
	}
	for _, assetId := range req.AssetIds {
		run.Assets = append(run.Assets, database.RunAsset{RunId: run.Id, AssetId: assetId})
	}

	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		slog.Error("error creating run", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create run")
	}

	if err := s.publisher.PublishRunTask(ctx, messaging.RunTaskPayload{RunId: run.Id}); err != nil {
		slog.Error("error publishing run task", "run_id", run.Id, "error", err)
		if uerr := database.UpdateRunStatus(ctx, s.db, run.Id, database.RunFailed); uerr != nil {
			slog.Error("error marking run failed", "run_id", run.Id, "error", uerr)
		}
		database.SaveRunError(ctx, s.db, run.Id, "failed to enqueue run task")
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to enqueue run task")
	}

	slog.Info("created run", "workspace_id", workspaceId, "run_id", run.Id, "engine", run.Engine)
	return api.CreateRunResponse{RunId: run.Id}, nil
}

func (s *BackendService) ListRuns(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	var runs []database.Run
	if err := s.db.WithContext(r.Context()).
		Preload("Schemas").
		Preload("Errors", func(db *gorm.DB) *gorm.DB { return db.Order("timestamp asc") }).
		Where("workspace_id = ?", workspaceId).
		Order("creation_time asc").
		Find(&runs).Error; err != nil {
		slog.Error("error listing runs", "workspace_id", workspaceId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving runs")
	}

	return convertRuns(runs), nil
}

func (s *BackendService) GetRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	var run database.Run
	if err := s.db.WithContext(r.Context()).
		Preload("Schemas").
		Preload("Errors", func(db *gorm.DB) *gorm.DB { return db.Order("timestamp asc") }).
		First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "run not found")
		}
		slog.Error("error getting run", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run record")
	}

	return convertRun(run), nil
}

func (s *BackendService) UpdateRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.UpdateRunRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Name == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "run name is required")
	}
	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	updates := map[string]any{
		"name":        req.Name,
		"description": req.Description,
	}
	if req.ViewsConfig != nil {
		viewsConfig, err := json.Marshal(req.ViewsConfig)
		if err != nil {
			slog.Error("error serializing views config", "error", err)
			return nil, CodedErrorf(http.StatusBadRequest, "invalid views config")
		}
		updates["views_config"] = viewsConfig
	}

	result := s.db.WithContext(r.Context()).Model(&database.Run{}).Where("id = ?", runId).Updates(updates)
	if result.Error != nil {
		slog.Error("error updating run", "run_id", runId, "error", result.Error)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to update run")
	}
	if result.RowsAffected == 0 {
		return nil, CodedErrorf(http.StatusNotFound, "run not found")
	}

	return nil, nil
}

func (s *BackendService) DeleteRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var run database.Run
	if err := s.db.WithContext(ctx).First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "run not found")
		}
		slog.Error("error getting run", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run record")
	}

	if run.Status == database.RunRunning {
		return nil, CodedErrorf(http.StatusConflict, "cannot delete a run while it is running")
	}

	if err := s.db.WithContext(ctx).Delete(&database.Run{}, "id = ?", runId).Error; err != nil {
		slog.Error("error deleting run", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to delete run")
	}

	slog.Info("deleted run", "run_id", runId)
	return nil, nil
}

func (s *BackendService) RetryFailures(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var run database.Run
	if err := s.db.WithContext(ctx).First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "run not found")
		}
		slog.Error("error getting run", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run record")
	}

	if run.Status != database.RunCompletedWithErrors {
		return nil, CodedErrorf(http.StatusConflict, "run %v has status %s, only runs with status %s can retry failures", runId, run.Status, database.RunCompletedWithErrors)
	}

	var failed int64
	if err := s.db.WithContext(ctx).Model(&database.Annotation{}).
		Where("run_id = ? AND status = ?", runId, database.AnnotationFailed).
		Count(&failed).Error; err != nil {
		slog.Error("error counting failed annotations", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving annotations")
	}

	// The worker moves the run back to RUNNING once it picks the task up.
	if err := s.publisher.PublishRetryTask(ctx, messaging.RetryTaskPayload{RunId: runId}); err != nil {
		slog.Error("error publishing retry task", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to enqueue retry task")
	}

	slog.Info("enqueued retry task", "run_id", runId, "failed_annotations", failed)
	return api.RetryFailuresResponse{RunId: runId, FailedAnnotationCount: int(failed)}, nil
}

type listAnnotationsParams struct {
	Status string `schema:"status"`
	Limit  int    `schema:"limit"`
	Offset int    `schema:"offset"`
}

func (s *BackendService) ListAnnotations(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	params, err := ParseRequestQueryParams[listAnnotationsParams](r)
	if err != nil {
		return nil, err
	}
	if params.Limit <= 0 || params.Limit > 1000 {
		params.Limit = 100
	}

	ctx := r.Context()

	var run database.Run
	if err := s.db.WithContext(ctx).First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "run not found")
		}
		slog.Error("error getting run", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run record")
	}

	query := s.db.WithContext(ctx).Where("run_id = ?", runId)
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}

	var annotations []database.Annotation
	if err := query.Order("id asc").Limit(params.Limit).Offset(params.Offset).Find(&annotations).Error; err != nil {
		slog.Error("error listing annotations", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving annotations")
	}

	return convertAnnotations(annotations), nil
}
