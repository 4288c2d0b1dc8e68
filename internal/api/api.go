package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"annotation-backend/internal/core"
	"annotation-backend/internal/core/utils"
	"annotation-backend/internal/database"
	"annotation-backend/internal/engine"
	"annotation-backend/internal/messaging"
	"annotation-backend/internal/storage"
	"annotation-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxConcurrentGeocodeRuns = 64

type BackendService struct {
	db        *gorm.DB
	storage   storage.Provider
	publisher messaging.Publisher
	annotator engine.Annotator

	geocoder core.Geocoder
	geocache *core.GeocodeCache
	geoview  *core.GeocodeView

	// Serializes geocoding per run so concurrent map requests for the same
	// run resolve the cache once instead of racing the provider.
	geocodeLocks utils.MutexMap

	assetBucket string
}

func NewBackendService(db *gorm.DB, store storage.Provider, publisher messaging.Publisher, annotator engine.Annotator, geocoder core.Geocoder, assetBucket string) *BackendService {
	return &BackendService{
		db:           db,
		storage:      store,
		publisher:    publisher,
		annotator:    annotator,
		geocoder:     geocoder,
		geocache:     core.NewGeocodeCache(),
		geoview:      core.NewGeocodeView(),
		geocodeLocks: utils.NewMutexMap(maxConcurrentGeocodeRuns),
		assetBucket:  assetBucket,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))

	r.Route("/workspaces", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateWorkspace))
		r.Get("/", RestHandler(s.ListWorkspaces))
		r.Route("/{workspace_id}", func(r chi.Router) {
			r.Get("/", RestHandler(s.GetWorkspace))
			r.Put("/", RestHandler(s.UpdateWorkspace))
			r.Delete("/", RestHandler(s.DeleteWorkspace))

			r.Post("/schemas", RestHandler(s.CreateSchema))
			r.Get("/schemas", RestHandler(s.ListSchemas))
			r.Post("/schemas/import", RestHandler(s.ImportSchemas))
			r.Get("/schemas/export", RestHandler(s.ExportSchemas))

			r.Post("/bundles", RestHandler(s.CreateBundle))
			r.Get("/bundles", RestHandler(s.ListBundles))

			r.Post("/assets", RestHandler(s.CreateAssets))
			r.Get("/assets", RestHandler(s.ListAssets))

			r.Post("/runs", RestHandler(s.CreateRun))
			r.Get("/runs", RestHandler(s.ListRuns))

			r.Post("/filters", RestHandler(s.CreateSavedFilter))
			r.Get("/filters", RestHandler(s.ListSavedFilters))
		})
	})

	r.Route("/schemas/{schema_id}", func(r chi.Router) {
		r.Get("/", RestHandler(s.GetSchema))
		r.Put("/", RestHandler(s.UpdateSchema))
		r.Delete("/", RestHandler(s.DeleteSchema))
		r.Post("/archive", RestHandler(s.ArchiveSchema))
		r.Post("/restore", RestHandler(s.RestoreSchema))
	})

	r.Route("/bundles/{bundle_id}", func(r chi.Router) {
		r.Get("/", RestHandler(s.GetBundle))
		r.Put("/", RestHandler(s.UpdateBundle))
		r.Delete("/", RestHandler(s.DeleteBundle))
		r.Post("/assets", RestHandler(s.AttachAssets))
	})

	r.Route("/assets/{asset_id}", func(r chi.Router) {
		r.Get("/", RestHandler(s.GetAsset))
		r.Delete("/", RestHandler(s.DeleteAsset))
		r.Post("/upload", RestHandler(s.UploadAsset))
		r.Get("/download", s.DownloadAsset)
	})

	r.Route("/runs/{run_id}", func(r chi.Router) {
		r.Get("/", RestHandler(s.GetRun))
		r.Put("/", RestHandler(s.UpdateRun))
		r.Delete("/", RestHandler(s.DeleteRun))
		r.Post("/retry_failures", RestHandler(s.RetryFailures))

		r.Get("/annotations", RestHandler(s.ListAnnotations))
		r.Post("/results/query", RestHandler(s.QueryResults))

		r.Post("/views/timeseries", RestHandler(s.TimeSeriesView))
		r.Post("/views/labels", RestHandler(s.LabelDistributionView))
		r.Get("/views/schemas", RestHandler(s.SchemaBucketsView))
		r.Post("/views/map", RestHandler(s.MapView))
	})

	r.Route("/filters/{filter_id}", func(r chi.Router) {
		r.Get("/", RestHandler(s.GetSavedFilter))
		r.Put("/", RestHandler(s.UpdateSavedFilter))
		r.Delete("/", RestHandler(s.DeleteSavedFilter))
	})

	r.Get("/engines", RestHandler(s.ListEngines))
}

func (s *BackendService) CreateWorkspace(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateWorkspaceRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Name == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "workspace name is required")
	}
	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	ctx := r.Context()

	workspace := database.Workspace{
		Id:           uuid.New(),
		Name:         req.Name,
		Description:  req.Description,
		CreationTime: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&workspace).Error; err != nil {
		slog.Error("error creating workspace", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create workspace")
	}

	slog.Info("created workspace", "workspace_id", workspace.Id)
	return api.CreateWorkspaceResponse{WorkspaceId: workspace.Id}, nil
}

func (s *BackendService) ListWorkspaces(r *http.Request) (any, error) {
	ctx := r.Context()

	var workspaces []database.Workspace
	if err := s.db.WithContext(ctx).Order("creation_time asc").Find(&workspaces).Error; err != nil {
		slog.Error("error listing workspaces", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving workspaces")
	}

	return convertWorkspaces(workspaces), nil
}

func (s *BackendService) GetWorkspace(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var workspace database.Workspace
	if err := s.db.WithContext(ctx).First(&workspace, "id = ?", workspaceId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "workspace not found")
		}
		slog.Error("error getting workspace", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving workspace record")
	}

	return convertWorkspace(workspace), nil
}

func (s *BackendService) UpdateWorkspace(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.UpdateWorkspaceRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Name == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "workspace name is required")
	}
	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	ctx := r.Context()

	result := s.db.WithContext(ctx).Model(&database.Workspace{}).Where("id = ?", workspaceId).Updates(map[string]any{
		"name":        req.Name,
		"description": req.Description,
	})
	if result.Error != nil {
		slog.Error("error updating workspace", "workspace_id", workspaceId, "error", result.Error)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to update workspace")
	}
	if result.RowsAffected == 0 {
		return nil, CodedErrorf(http.StatusNotFound, "workspace not found")
	}

	return nil, nil
}

func (s *BackendService) DeleteWorkspace(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	result := s.db.WithContext(ctx).Delete(&database.Workspace{}, "id = ?", workspaceId)
	if result.Error != nil {
		slog.Error("error deleting workspace", "workspace_id", workspaceId, "error", result.Error)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to delete workspace")
	}
	if result.RowsAffected == 0 {
		return nil, CodedErrorf(http.StatusNotFound, "workspace not found")
	}

	// Uploaded payloads live under the workspace prefix in object storage.
	if err := s.storage.DeleteObjects(ctx, s.assetBucket, workspaceId.String()+"/"); err != nil {
		slog.Error("error deleting workspace objects", "workspace_id", workspaceId, "error", err)
	}

	slog.Info("deleted workspace", "workspace_id", workspaceId)
	return nil, nil
}

func (s *BackendService) ListEngines(r *http.Request) (any, error) {
	engines, err := s.annotator.ListModels(r.Context())
	if err != nil {
		slog.Error("error listing engines", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving available engines")
	}

	return api.EnginesResponse{Engines: engines}, nil
}
