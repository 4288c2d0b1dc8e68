package api

import (
	"errors"
	"log/slog"
	"net/http"
	"path"
	"time"

	"annotation-backend/internal/database"
	"annotation-backend/pkg/api"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (s *BackendService) CreateBundle(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.CreateBundleRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Name == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "bundle name is required")
	}
	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	if err := s.checkWorkspaceExists(r, workspaceId); err != nil {
		return nil, err
	}

	ctx := r.Context()

	bundle := database.Bundle{
		Id:           uuid.New(),
		WorkspaceId:  workspaceId,
		Name:         req.Name,
		Description:  req.Description,
		CreationTime: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&bundle).Error; err != nil {
		slog.Error("error creating bundle", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create bundle")
	}

	if len(req.AssetIds) > 0 {
		result := s.db.WithContext(ctx).Model(&database.Asset{}).
			Where("workspace_id = ? AND id IN ?", workspaceId, req.AssetIds).
			Update("bundle_id", bundle.Id)
		if result.Error != nil {
			slog.Error("error attaching assets to bundle", "bundle_id", bundle.Id, "error", result.Error)
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to attach assets to bundle")
		}
	}

	created := 0
	if req.StoragePrefix != "" {
		created, err = s.ingestBundleObjects(r, &bundle, req.StoragePrefix)
		if err != nil {
			return nil, err
		}
	}

	slog.Info("created bundle", "workspace_id", workspaceId, "bundle_id", bundle.Id, "assets_created", created)
	return api.CreateBundleResponse{BundleId: bundle.Id, AssetsCreated: created}, nil
}

// ingestBundleObjects creates one asset per object found under the given
// prefix of the workspace's storage area.
func (s *BackendService) ingestBundleObjects(r *http.Request, bundle *database.Bundle, prefix string) (int, error) {
	ctx := r.Context()

	fullPrefix := path.Join(bundle.WorkspaceId.String(), prefix)
	objects, err := s.storage.ListObjects(ctx, s.assetBucket, fullPrefix)
	if err != nil {
		slog.Error("error listing storage objects", "prefix", fullPrefix, "error", err)
		return 0, CodedErrorf(http.StatusBadRequest, "unable to list objects under storage prefix '%s'", prefix)
	}

	if len(objects) == 0 {
		return 0, nil
	}

	assets := make([]database.Asset, 0, len(objects))
	for _, obj := range objects {
		assets = append(assets, database.Asset{
			Id:           uuid.New(),
			WorkspaceId:  bundle.WorkspaceId,
			BundleId:     uuid.NullUUID{UUID: bundle.Id, Valid: true},
			Kind:         "document",
			Title:        path.Base(obj.Name),
			StorageKey:   obj.Name,
			CreationTime: time.Now().UTC(),
		})
	}

	if err := s.db.WithContext(ctx).CreateInBatches(&assets, 100).Error; err != nil {
		slog.Error("error creating assets from storage prefix", "bundle_id", bundle.Id, "error", err)
		return 0, CodedErrorf(http.StatusInternalServerError, "failed to create assets from storage prefix")
	}

	return len(assets), nil
}

func (s *BackendService) ListBundles(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var bundles []database.Bundle
	if err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceId).
		Order("creation_time asc").
		Find(&bundles).Error; err != nil {
		slog.Error("error listing bundles", "workspace_id", workspaceId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving bundles")
	}

	type bundleAssetCount struct {
		BundleId uuid.UUID
		Count    int64
	}

	var counts []bundleAssetCount
	if err := s.db.WithContext(ctx).Model(&database.Asset{}).
		Select("bundle_id, count(*) as count").
		Where("workspace_id = ? AND bundle_id IS NOT NULL", workspaceId).
		Group("bundle_id").
		Scan(&counts).Error; err != nil {
		slog.Error("error counting bundle assets", "workspace_id", workspaceId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving bundles")
	}

	countByBundle := make(map[uuid.UUID]int64, len(counts))
	for _, c := range counts {
		countByBundle[c.BundleId] = c.Count
	}

	return convertBundles(bundles, countByBundle), nil
}

func (s *BackendService) GetBundle(r *http.Request) (any, error) {
	bundleId, err := URLParamUUID(r, "bundle_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var bundle database.Bundle
	if err := s.db.WithContext(ctx).First(&bundle, "id = ?", bundleId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "bundle not found")
		}
		slog.Error("error getting bundle", "bundle_id", bundleId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving bundle record")
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&database.Asset{}).
		Where("bundle_id = ?", bundleId).
		Count(&count).Error; err != nil {
		slog.Error("error counting bundle assets", "bundle_id", bundleId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving bundle record")
	}

	return convertBundle(bundle, count), nil
}

func (s *BackendService) UpdateBundle(r *http.Request) (any, error) {
	bundleId, err := URLParamUUID(r, "bundle_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.UpdateBundleRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Name == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "bundle name is required")
	}
	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	result := s.db.WithContext(r.Context()).Model(&database.Bundle{}).Where("id = ?", bundleId).Updates(map[string]any{
		"name":        req.Name,
		"description": req.Description,
	})
	if result.Error != nil {
		slog.Error("error updating bundle", "bundle_id", bundleId, "error", result.Error)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to update bundle")
	}
	if result.RowsAffected == 0 {
		return nil, CodedErrorf(http.StatusNotFound, "bundle not found")
	}

	return nil, nil
}

func (s *BackendService) DeleteBundle(r *http.Request) (any, error) {
	bundleId, err := URLParamUUID(r, "bundle_id")
	if err != nil {
		return nil, err
	}

	result := s.db.WithContext(r.Context()).Delete(&database.Bundle{}, "id = ?", bundleId)
	if result.Error != nil {
		slog.Error("error deleting bundle", "bundle_id", bundleId, "error", result.Error)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to delete bundle")
	}
	if result.RowsAffected == 0 {
		return nil, CodedErrorf(http.StatusNotFound, "bundle not found")
	}

	slog.Info("deleted bundle", "bundle_id", bundleId)
	return nil, nil
}

func (s *BackendService) AttachAssets(r *http.Request) (any, error) {
	bundleId, err := URLParamUUID(r, "bundle_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.AttachAssetsRequest](r)
	if err != nil {
		return nil, err
	}

	if len(req.AssetIds) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "at least one asset id is required")
	}

	ctx := r.Context()

	var bundle database.Bundle
	if err := s.db.WithContext(ctx).First(&bundle, "id = ?", bundleId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "bundle not found")
		}
		slog.Error("error getting bundle", "bundle_id", bundleId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving bundle record")
	}

	// An asset belongs to at most one bundle, attaching moves it.
	result := s.db.WithContext(ctx).Model(&database.Asset{}).
		Where("workspace_id = ? AND id IN ?", bundle.WorkspaceId, req.AssetIds).
		Update("bundle_id", bundleId)
	if result.Error != nil {
		slog.Error("error attaching assets", "bundle_id", bundleId, "error", result.Error)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to attach assets to bundle")
	}

	return api.AttachAssetsResponse{Attached: int(result.RowsAffected)}, nil
}
