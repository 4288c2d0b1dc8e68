package api_test

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"annotation-backend/internal/database"
	"annotation-backend/pkg/api"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAssetsSingleObjectBody(t *testing.T) {
	workspaceId := uuid.New()
	b := newTestBackend(t, &database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()})

	rec := b.do(t, http.MethodPost, "/workspaces/"+workspaceId.String()+"/assets", api.CreateAssetRequest{
		Kind:        "document",
		Title:       "contract.txt",
		TextContent: "the quick brown fox",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decode[api.CreateAssetsResponse](t, rec)
	require.Len(t, created.AssetIds, 1)
	assert.Zero(t, created.Failed)

	rec = b.do(t, http.MethodGet, "/assets/"+created.AssetIds[0].String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	asset := decode[api.Asset](t, rec)
	assert.Equal(t, "contract.txt", asset.Title)
	assert.Equal(t, "the quick brown fox", asset.TextContent)
}

func TestCreateAssetsReportsPerItemFailures(t *testing.T) {
	workspaceId := uuid.New()
	missingBundle := uuid.New()
	b := newTestBackend(t, &database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()})

	rec := b.do(t, http.MethodPost, "/workspaces/"+workspaceId.String()+"/assets", []api.CreateAssetRequest{
		{Kind: "document", Title: "good.txt"},
		{Kind: "document", Title: ""},
		{Kind: "document", Title: "orphan.txt", BundleId: &missingBundle},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decode[api.CreateAssetsResponse](t, rec)
	assert.Len(t, created.AssetIds, 1)
	assert.Equal(t, 2, created.Failed)
	require.Len(t, created.Errors, 2)
	assert.Contains(t, created.Errors[0], "asset title is required")
	assert.Contains(t, created.Errors[1], "does not exist in this workspace")
}

func TestListAssetsFilters(t *testing.T) {
	workspaceId, bundleId, sourceId := uuid.New(), uuid.New(), uuid.New()
	inBundle, fromSource, plain := uuid.New(), uuid.New(), uuid.New()
	b := newTestBackend(t,
		&database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()},
		&database.Bundle{Id: bundleId, WorkspaceId: workspaceId, Name: "filings", CreationTime: time.Now()},
		&database.Asset{
			Id: inBundle, WorkspaceId: workspaceId,
			BundleId: uuid.NullUUID{UUID: bundleId, Valid: true},
			Kind:     "document", Title: "bundled.txt", CreationTime: time.Now(),
		},
		&database.Asset{
			Id: fromSource, WorkspaceId: workspaceId,
			SourceId: uuid.NullUUID{UUID: sourceId, Valid: true},
			Kind:     "document", Title: "sourced.txt", CreationTime: time.Now(),
		},
		&database.Asset{Id: plain, WorkspaceId: workspaceId, Kind: "document", Title: "plain.txt", CreationTime: time.Now()},
	)

	base := "/workspaces/" + workspaceId.String() + "/assets"

	rec := b.do(t, http.MethodGet, base, nil)
	assert.Len(t, decode[[]api.Asset](t, rec), 3)

	rec = b.do(t, http.MethodGet, base+"?bundle_id="+bundleId.String(), nil)
	listed := decode[[]api.Asset](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, inBundle, listed[0].Id)

	rec = b.do(t, http.MethodGet, base+"?source_id="+sourceId.String(), nil)
	listed = decode[[]api.Asset](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, fromSource, listed[0].Id)

	rec = b.do(t, http.MethodGet, base+"?bundle_id=not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteAssetRemovesStoredObject(t *testing.T) {
	workspaceId, assetId := uuid.New(), uuid.New()
	key := workspaceId.String() + "/assets/" + assetId.String() + "/a.txt"
	b := newTestBackend(t,
		&database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()},
		&database.Asset{
			Id: assetId, WorkspaceId: workspaceId,
			Kind: "document", Title: "a.txt", StorageKey: key, CreationTime: time.Now(),
		},
	)

	ctx := context.Background()
	require.NoError(t, b.store.PutObject(ctx, testBucket, key, strings.NewReader("payload")))

	rec := b.do(t, http.MethodDelete, "/assets/"+assetId.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = b.do(t, http.MethodGet, "/assets/"+assetId.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := b.store.GetObject(ctx, testBucket, key)
	assert.Error(t, err)
}

// multipartBody builds a multipart form with a single file field.
func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func (b *testBackend) upload(t *testing.T, assetId uuid.UUID, field, filename string, content []byte) *httptest.ResponseRecorder {
	body, contentType := multipartBody(t, field, filename, content)
	req := httptest.NewRequest(http.MethodPost, "/assets/"+assetId.String()+"/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	b.router.ServeHTTP(rec, req)
	return rec
}

func TestUploadAssetExtractsText(t *testing.T) {
	workspaceId, assetId := uuid.New(), uuid.New()
	b := newTestBackend(t,
		&database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()},
		&database.Asset{Id: assetId, WorkspaceId: workspaceId, Kind: "document", Title: "notes", CreationTime: time.Now()},
	)

	rec := b.upload(t, assetId, "file", "notes.txt", []byte("hello annotation"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	uploaded := decode[api.UploadAssetResponse](t, rec)
	assert.Equal(t, assetId, uploaded.AssetId)
	assert.Equal(t, workspaceId.String()+"/assets/"+assetId.String()+"/notes.txt", uploaded.StorageKey)
	assert.Equal(t, int64(len("hello annotation")), uploaded.Size)
	assert.True(t, uploaded.TextExtracted)

	stored, err := b.store.GetObject(context.Background(), testBucket, uploaded.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, "hello annotation", string(stored))

	rec = b.do(t, http.MethodGet, "/assets/"+assetId.String(), nil)
	asset := decode[api.Asset](t, rec)
	assert.Equal(t, "hello annotation", asset.TextContent)
	assert.Equal(t, uploaded.StorageKey, asset.StorageKey)
}

func TestUploadAssetUnsupportedFormatSkipsExtraction(t *testing.T) {
	workspaceId, assetId := uuid.New(), uuid.New()
	b := newTestBackend(t,
		&database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()},
		&database.Asset{Id: assetId, WorkspaceId: workspaceId, Kind: "document", Title: "photo", CreationTime: time.Now()},
	)

	rec := b.upload(t, assetId, "file", "photo.png", []byte{0x89, 0x50, 0x4e, 0x47})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	uploaded := decode[api.UploadAssetResponse](t, rec)
	assert.False(t, uploaded.TextExtracted)

	rec = b.do(t, http.MethodGet, "/assets/"+assetId.String(), nil)
	assert.Empty(t, decode[api.Asset](t, rec).TextContent)
}

func TestUploadAssetValidation(t *testing.T) {
	workspaceId, assetId := uuid.New(), uuid.New()
	b := newTestBackend(t,
		&database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()},
		&database.Asset{Id: assetId, WorkspaceId: workspaceId, Kind: "document", Title: "notes", CreationTime: time.Now()},
	)

	rec := b.upload(t, uuid.New(), "file", "notes.txt", []byte("hello"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = b.upload(t, assetId, "wrong_field", "notes.txt", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "upload requires a 'file' form field")
}

func TestDownloadAssetInlineText(t *testing.T) {
	workspaceId, assetId := uuid.New(), uuid.New()
	b := newTestBackend(t,
		&database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()},
		&database.Asset{
			Id: assetId, WorkspaceId: workspaceId,
			Kind: "document", Title: "notes", TextContent: "inline body", CreationTime: time.Now(),
		},
	)

	rec := b.do(t, http.MethodGet, "/assets/"+assetId.String()+"/download", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "inline body", rec.Body.String())
}

func TestDownloadAssetStoredObject(t *testing.T) {
	workspaceId, assetId := uuid.New(), uuid.New()
	key := workspaceId.String() + "/assets/" + assetId.String() + "/report.pdf"
	b := newTestBackend(t,
		&database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()},
		&database.Asset{
			Id: assetId, WorkspaceId: workspaceId,
			Kind: "document", Title: "report", StorageKey: key, CreationTime: time.Now(),
		},
	)

	require.NoError(t, b.store.PutObject(context.Background(), testBucket, key, strings.NewReader("raw bytes")))

	rec := b.do(t, http.MethodGet, "/assets/"+assetId.String()+"/download", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="report.pdf"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "raw bytes", rec.Body.String())
}

func TestDownloadAssetWithoutPayload(t *testing.T) {
	workspaceId, assetId := uuid.New(), uuid.New()
	b := newTestBackend(t,
		&database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()},
		&database.Asset{Id: assetId, WorkspaceId: workspaceId, Kind: "document", Title: "empty", CreationTime: time.Now()},
	)

	rec := b.do(t, http.MethodGet, "/assets/"+assetId.String()+"/download", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
