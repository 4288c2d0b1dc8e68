package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"annotation-backend/internal/core"
	"annotation-backend/internal/database"
	"annotation-backend/pkg/api"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (s *BackendService) CreateSchema(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.CreateSchemaRequest](r)
	if err != nil {
		return nil, err
	}

	if err := s.checkWorkspaceExists(r, workspaceId); err != nil {
		return nil, err
	}

	schema, err := s.insertSchema(r.Context(), workspaceId, req)
	if err != nil {
		return nil, err
	}

	slog.Info("created schema", "workspace_id", workspaceId, "schema_id", schema.Id)
	return api.CreateSchemaResponse{SchemaId: schema.Id}, nil
}

func (s *BackendService) insertSchema(ctx context.Context, workspaceId uuid.UUID, req api.CreateSchemaRequest) (*database.Schema, error) {
	if req.Name == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "schema name is required")
	}
	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	if len(req.OutputContract) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "schema output contract is required")
	}

	contract, err := json.Marshal(req.OutputContract)
	if err != nil {
		slog.Error("error serializing output contract", "error", err)
		return nil, CodedErrorf(http.StatusBadRequest, "invalid schema output contract")
	}

	schema := database.Schema{
		Id:                uuid.New(),
		WorkspaceId:       workspaceId,
		Name:              req.Name,
		Description:       req.Description,
		Instructions:      req.Instructions,
		OutputContract:    contract,
		FieldSpecificTime: req.FieldSpecificTime,
		Version:           1,
		CreationTime:      time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&schema).Error; err != nil {
		slog.Error("error creating schema", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create schema")
	}

	return &schema, nil
}

type listSchemasParams struct {
	IncludeArchived bool `schema:"include_archived"`
}

func (s *BackendService) ListSchemas(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	params, err := ParseRequestQueryParams[listSchemasParams](r)
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(r.Context()).Where("workspace_id = ?", workspaceId)
	if !params.IncludeArchived {
		query = query.Where("archived = ?", false)
	}

	var schemas []database.Schema
	if err := query.Order("creation_time asc").Find(&schemas).Error; err != nil {
		slog.Error("error listing schemas", "workspace_id", workspaceId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving schemas")
	}

	return convertSchemas(schemas), nil
}

func (s *BackendService) GetSchema(r *http.Request) (any, error) {
	schemaId, err := URLParamUUID(r, "schema_id")
	if err != nil {
		return nil, err
	}

	var schema database.Schema
	if err := s.db.WithContext(r.Context()).First(&schema, "id = ?", schemaId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "schema not found")
		}
		slog.Error("error getting schema", "schema_id", schemaId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving schema record")
	}

	return convertSchema(schema), nil
}

func (s *BackendService) UpdateSchema(r *http.Request) (any, error) {
	schemaId, err := URLParamUUID(r, "schema_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.UpdateSchemaRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Name == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "schema name is required")
	}
	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	if len(req.OutputContract) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "schema output contract is required")
	}

	contract, err := json.Marshal(req.OutputContract)
	if err != nil {
		slog.Error("error serializing output contract", "error", err)
		return nil, CodedErrorf(http.StatusBadRequest, "invalid schema output contract")
	}

	result := s.db.WithContext(r.Context()).Model(&database.Schema{}).Where("id = ?", schemaId).Updates(map[string]any{
		"name":                req.Name,
		"description":         req.Description,
		"instructions":        req.Instructions,
		"output_contract":     contract,
		"field_specific_time": req.FieldSpecificTime,
		"version":             gorm.Expr("version + 1"),
		"updated_time":        time.Now().UTC(),
	})
	if result.Error != nil {
		slog.Error("error updating schema", "schema_id", schemaId, "error", result.Error)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to update schema")
	}
	if result.RowsAffected == 0 {
		return nil, CodedErrorf(http.StatusNotFound, "schema not found")
	}

	return nil, nil
}

func (s *BackendService) DeleteSchema(r *http.Request) (any, error) {
	schemaId, err := URLParamUUID(r, "schema_id")
	if err != nil {
		return nil, err
	}

	result := s.db.WithContext(r.Context()).Delete(&database.Schema{}, "id = ?", schemaId)
	if result.Error != nil {
		slog.Error("error deleting schema", "schema_id", schemaId, "error", result.Error)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to delete schema")
	}
	if result.RowsAffected == 0 {
		return nil, CodedErrorf(http.StatusNotFound, "schema not found")
	}

	slog.Info("deleted schema", "schema_id", schemaId)
	return nil, nil
}

func (s *BackendService) ArchiveSchema(r *http.Request) (any, error) {
	schemaId, err := URLParamUUID(r, "schema_id")
	if err != nil {
		return nil, err
	}

	result := s.db.WithContext(r.Context()).Model(&database.Schema{}).Where("id = ?", schemaId).Update("archived", true)
	if result.Error != nil {
		slog.Error("error archiving schema", "schema_id", schemaId, "error", result.Error)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to archive schema")
	}
	if result.RowsAffected == 0 {
		return nil, CodedErrorf(http.StatusNotFound, "schema not found")
	}

	return nil, nil
}

func (s *BackendService) RestoreSchema(r *http.Request) (any, error) {
	schemaId, err := URLParamUUID(r, "schema_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var schema database.Schema
	if err := s.db.WithContext(ctx).First(&schema, "id = ?", schemaId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "schema not found")
		}
		slog.Error("error getting schema", "schema_id", schemaId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving schema record")
	}

	if !schema.Archived {
		return nil, CodedErrorf(http.StatusBadRequest, "schema is already active")
	}

	if err := s.db.WithContext(ctx).Model(&schema).Update("archived", false).Error; err != nil {
		slog.Error("error restoring schema", "schema_id", schemaId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to restore schema")
	}

	return nil, nil
}

func (s *BackendService) ImportSchemas(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	if err := s.checkWorkspaceExists(r, workspaceId); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("error reading request body", "error", err)
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse request body")
	}

	// Accepts either a single schema object or an array of them.
	var items []api.CreateSchemaRequest
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &items)
	} else {
		var single api.CreateSchemaRequest
		err = json.Unmarshal(trimmed, &single)
		items = []api.CreateSchemaRequest{single}
	}
	if err != nil {
		slog.Error("error parsing request body", "error", err)
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse request body")
	}

	outcome := core.RunBulk(r.Context(), items, func(ctx context.Context, item api.CreateSchemaRequest) error {
		_, err := s.insertSchema(ctx, workspaceId, item)
		return err
	})

	res := api.ImportSchemasResponse{
		Imported: len(outcome.Succeeded),
		Failed:   len(outcome.Failed),
	}
	for _, failure := range outcome.Failed {
		res.Errors = append(res.Errors, fmt.Sprintf("schema '%s': %v", failure.Item.Name, failure.Err))
	}

	slog.Info("imported schemas", "workspace_id", workspaceId, "imported", res.Imported, "failed", res.Failed)
	return res, nil
}

func (s *BackendService) ExportSchemas(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	var schemas []database.Schema
	if err := s.db.WithContext(r.Context()).
		Where("workspace_id = ? AND archived = ?", workspaceId, false).
		Order("creation_time asc").
		Find(&schemas).Error; err != nil {
		slog.Error("error exporting schemas", "workspace_id", workspaceId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving schemas")
	}

	exports := make([]api.SchemaExport, 0, len(schemas))
	for _, schema := range schemas {
		exports = append(exports, api.SchemaExport{
			Name:           schema.Name,
			Description:    schema.Description,
			Instructions:   schema.Instructions,
			OutputContract: jsonToMap(schema.OutputContract),
			Version:        schema.Version,
		})
	}

	return exports, nil
}

func (s *BackendService) checkWorkspaceExists(r *http.Request, workspaceId uuid.UUID) error {
	var workspace database.Workspace
	if err := s.db.WithContext(r.Context()).First(&workspace, "id = ?", workspaceId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CodedErrorf(http.StatusNotFound, "workspace not found")
		}
		slog.Error("error getting workspace", "error", err)
		return CodedErrorf(http.StatusInternalServerError, "error retrieving workspace record")
	}
	return nil
}
