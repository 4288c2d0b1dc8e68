package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"time"

	"annotation-backend/internal/core"
	"annotation-backend/internal/database"
	"annotation-backend/pkg/api"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxUploadSize = 100 << 20 // 100 MiB

func (s *BackendService) CreateAssets(r *http.Request) (any, error) {
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

	// Accepts either a single asset object or an array of them.
	var items []api.CreateAssetRequest
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &items)
	} else {
		var single api.CreateAssetRequest
		err = json.Unmarshal(trimmed, &single)
		items = []api.CreateAssetRequest{single}
	}
	if err != nil {
		slog.Error("error parsing request body", "error", err)
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse request body")
	}

	var assetIds []uuid.UUID
	outcome := core.RunBulk(r.Context(), items, func(ctx context.Context, item api.CreateAssetRequest) error {
		asset, err := s.insertAsset(ctx, workspaceId, item)
		if err != nil {
			return err
		}
		assetIds = append(assetIds, asset.Id)
		return nil
	})

	res := api.CreateAssetsResponse{
		AssetIds: assetIds,
		Failed:   len(outcome.Failed),
	}
	for _, failure := range outcome.Failed {
		res.Errors = append(res.Errors, fmt.Sprintf("asset '%s': %v", failure.Item.Title, failure.Err))
	}

	slog.Info("created assets", "workspace_id", workspaceId, "created", len(assetIds), "failed", res.Failed)
	return res, nil
}

func (s *BackendService) insertAsset(ctx context.Context, workspaceId uuid.UUID, req api.CreateAssetRequest) (*database.Asset, error) {
	if req.Title == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "asset title is required")
	}

	asset := database.Asset{
		Id:           uuid.New(),
		WorkspaceId:  workspaceId,
		Kind:         req.Kind,
		Title:        req.Title,
		TextContent:  req.TextContent,
		CreationTime: time.Now().UTC(),
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
		asset.BundleId = uuid.NullUUID{UUID: *req.BundleId, Valid: true}
	}
	if req.SourceId != nil {
		asset.SourceId = uuid.NullUUID{UUID: *req.SourceId, Valid: true}
	}
	if req.EventTimestamp != nil {
		asset.EventTimestamp = sql.NullTime{Time: req.EventTimestamp.UTC(), Valid: true}
	}
	if len(req.SourceMetadata) > 0 {
		metadata, err := json.Marshal(req.SourceMetadata)
		if err != nil {
			slog.Error("error serializing source metadata", "error", err)
			return nil, CodedErrorf(http.StatusBadRequest, "invalid source metadata")
		}
		asset.SourceMetadata = metadata
	}

	if err := s.db.WithContext(ctx).Create(&asset).Error; err != nil {
		slog.Error("error creating asset", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create asset")
	}

	return &asset, nil
}

type listAssetsParams struct {
	BundleId string `schema:"bundle_id"`
	SourceId string `schema:"source_id"`
}

func (s *BackendService) ListAssets(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	params, err := ParseRequestQueryParams[listAssetsParams](r)
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(r.Context()).Where("workspace_id = ?", workspaceId)

	if params.BundleId != "" {
		bundleId, err := uuid.Parse(params.BundleId)
		if err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "invalid bundle_id filter: %v", err)
		}
		query = query.Where("bundle_id = ?", bundleId)
	}
	if params.SourceId != "" {
		sourceId, err := uuid.Parse(params.SourceId)
		if err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "invalid source_id filter: %v", err)
		}
		query = query.Where("source_id = ?", sourceId)
	}

	var assets []database.Asset
	if err := query.Order("creation_time asc").Find(&assets).Error; err != nil {
		slog.Error("error listing assets", "workspace_id", workspaceId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving assets")
	}

	return convertAssets(assets), nil
}

func (s *BackendService) GetAsset(r *http.Request) (any, error) {
	assetId, err := URLParamUUID(r, "asset_id")
	if err != nil {
		return nil, err
	}

	var asset database.Asset
	if err := s.db.WithContext(r.Context()).First(&asset, "id = ?", assetId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "asset not found")
		}
		slog.Error("error getting asset", "asset_id", assetId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving asset record")
	}

	return convertAsset(asset), nil
}

func (s *BackendService) DeleteAsset(r *http.Request) (any, error) {
	assetId, err := URLParamUUID(r, "asset_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var asset database.Asset
	if err := s.db.WithContext(ctx).First(&asset, "id = ?", assetId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "asset not found")
		}
		slog.Error("error getting asset", "asset_id", assetId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving asset record")
	}

	if err := s.db.WithContext(ctx).Delete(&database.Asset{}, "id = ?", assetId).Error; err != nil {
		slog.Error("error deleting asset", "asset_id", assetId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to delete asset")
	}

	if asset.StorageKey != "" {
		if err := s.storage.DeleteObjects(ctx, s.assetBucket, asset.StorageKey); err != nil {
			slog.Error("error deleting asset object", "asset_id", assetId, "key", asset.StorageKey, "error", err)
		}
	}

	slog.Info("deleted asset", "asset_id", assetId)
	return nil, nil
}

func (s *BackendService) UploadAsset(r *http.Request) (any, error) {
	assetId, err := URLParamUUID(r, "asset_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var asset database.Asset
	if err := s.db.WithContext(ctx).First(&asset, "id = ?", assetId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "asset not found")
		}
		slog.Error("error getting asset", "asset_id", assetId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving asset record")
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("error parsing multipart form", "error", err)
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart form")
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "upload requires a 'file' form field")
	}
	defer file.Close() //nolint:errcheck

	key := path.Join(asset.WorkspaceId.String(), "assets", asset.Id.String(), header.Filename)
	if err := s.storage.PutObject(ctx, s.assetBucket, key, file); err != nil {
		slog.Error("error storing asset payload", "asset_id", assetId, "key", key, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to store asset payload")
	}

	updates := map[string]any{"storage_key": key}

	// Extract inline text so annotation and search can use the document
	// without another storage round trip. Best effort, the upload stands
	// either way.
	extracted := false
	if asset.TextContent == "" && header.Size <= core.MaxExtractBytes {
		if text, ok := extractUploadText(assetId, header.Filename, file); ok {
			updates["text_content"] = text
			extracted = true
		}
	}

	if err := s.db.WithContext(ctx).Model(&asset).Updates(updates).Error; err != nil {
		slog.Error("error updating asset storage key", "asset_id", assetId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to update asset record")
	}

	slog.Info("uploaded asset payload", "asset_id", assetId, "key", key, "size", header.Size, "text_extracted", extracted)
	return api.UploadAssetResponse{AssetId: asset.Id, StorageKey: key, Size: header.Size, TextExtracted: extracted}, nil
}

func extractUploadText(assetId uuid.UUID, filename string, file multipart.File) (string, bool) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		slog.Warn("could not rewind upload for text extraction", "asset_id", assetId, "error", err)
		return "", false
	}

	data, err := io.ReadAll(file)
	if err != nil {
		slog.Warn("could not read upload for text extraction", "asset_id", assetId, "error", err)
		return "", false
	}

	text, err := core.ExtractText(filename, data)
	if err != nil {
		if !errors.Is(err, core.ErrUnsupportedFormat) {
			slog.Warn("text extraction failed", "asset_id", assetId, "file", filename, "error", err)
		}
		return "", false
	}

	return text, true
}

func (s *BackendService) DownloadAsset(w http.ResponseWriter, r *http.Request) {
	assetId, err := URLParamUUID(r, "asset_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var asset database.Asset
	if err := s.db.WithContext(r.Context()).First(&asset, "id = ?", assetId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "asset not found", http.StatusNotFound)
			return
		}
		slog.Error("error getting asset", "asset_id", assetId, "error", err)
		http.Error(w, "error retrieving asset record", http.StatusInternalServerError)
		return
	}

	if asset.StorageKey == "" {
		if asset.TextContent == "" {
			http.Error(w, "asset has no stored payload", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := w.Write([]byte(asset.TextContent)); err != nil {
			slog.Error("error writing asset content", "asset_id", assetId, "error", err)
		}
		return
	}

	stream, err := s.storage.GetObjectStream(s.assetBucket, asset.StorageKey)
	if err != nil {
		slog.Error("error opening asset object", "asset_id", assetId, "key", asset.StorageKey, "error", err)
		http.Error(w, "failed to retrieve asset payload", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(asset.StorageKey)))
	if _, err := io.Copy(w, stream); err != nil {
		slog.Error("error streaming asset payload", "asset_id", assetId, "error", err)
	}
}
