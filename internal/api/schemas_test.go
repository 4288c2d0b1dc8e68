package api_test

import (
	"net/http"
	"testing"
	"time"

	"annotation-backend/internal/database"
	"annotation-backend/pkg/api"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func invoiceContract() map[string]any {
	return map[string]any{
		"properties": map[string]any{
			"amount":      map[string]any{"type": "number"},
			"vendor":      map[string]any{"type": "string"},
			"occurred_at": map[string]any{"type": "string"},
		},
	}
}

func TestSchemaLifecycle(t *testing.T) {
	workspaceId := uuid.New()
	b := newTestBackend(t, &database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()})

	rec := b.do(t, http.MethodPost, "/workspaces/"+workspaceId.String()+"/schemas", api.CreateSchemaRequest{
		Name:              "invoice",
		Instructions:      "extract the invoice fields",
		OutputContract:    invoiceContract(),
		FieldSpecificTime: "occurred_at",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decode[api.CreateSchemaResponse](t, rec)

	rec = b.do(t, http.MethodGet, "/schemas/"+created.SchemaId.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	schema := decode[api.Schema](t, rec)
	assert.Equal(t, "invoice", schema.Name)
	assert.Equal(t, workspaceId, schema.WorkspaceId)
	assert.Equal(t, "occurred_at", schema.FieldSpecificTime)
	assert.Equal(t, 1, schema.Version)
	assert.True(t, schema.IsActive)
	assert.Nil(t, schema.UpdatedTime)
	assert.Contains(t, schema.OutputContract, "properties")

	rec = b.do(t, http.MethodPut, "/schemas/"+created.SchemaId.String(), api.UpdateSchemaRequest{
		Name:           "invoice-v2",
		OutputContract: invoiceContract(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = b.do(t, http.MethodGet, "/schemas/"+created.SchemaId.String(), nil)
	schema = decode[api.Schema](t, rec)
	assert.Equal(t, "invoice-v2", schema.Name)
	assert.Equal(t, 2, schema.Version)
	assert.NotNil(t, schema.UpdatedTime)

	rec = b.do(t, http.MethodDelete, "/schemas/"+created.SchemaId.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = b.do(t, http.MethodGet, "/schemas/"+created.SchemaId.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSchemaValidation(t *testing.T) {
	workspaceId := uuid.New()
	b := newTestBackend(t, &database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()})

	base := "/workspaces/" + workspaceId.String() + "/schemas"

	rec := b.do(t, http.MethodPost, base, api.CreateSchemaRequest{OutputContract: invoiceContract()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = b.do(t, http.MethodPost, base, api.CreateSchemaRequest{Name: "invoice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = b.do(t, http.MethodPost, "/workspaces/"+uuid.NewString()+"/schemas", api.CreateSchemaRequest{
		Name:           "invoice",
		OutputContract: invoiceContract(),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArchiveAndRestoreSchema(t *testing.T) {
	workspaceId, schemaId := uuid.New(), uuid.New()
	b := newTestBackend(t,
		&database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()},
		&database.Schema{
			Id: schemaId, WorkspaceId: workspaceId, Name: "invoice",
			OutputContract: datatypes.JSON(`{"properties":{"amount":{"type":"number"}}}`),
			Version:        1, CreationTime: time.Now(),
		},
	)

	listPath := "/workspaces/" + workspaceId.String() + "/schemas"

	rec := b.do(t, http.MethodPost, "/schemas/"+schemaId.String()+"/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Archived schemas disappear from the default listing.
	rec = b.do(t, http.MethodGet, listPath, nil)
	assert.Empty(t, decode[[]api.Schema](t, rec))

	rec = b.do(t, http.MethodGet, listPath+"?include_archived=true", nil)
	listed := decode[[]api.Schema](t, rec)
	require.Len(t, listed, 1)
	assert.False(t, listed[0].IsActive)

	// Restoring an active schema is rejected, restoring an archived one
	// brings it back.
	rec = b.do(t, http.MethodPost, "/schemas/"+schemaId.String()+"/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = b.do(t, http.MethodPost, "/schemas/"+schemaId.String()+"/restore", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = b.do(t, http.MethodGet, listPath, nil)
	listed = decode[[]api.Schema](t, rec)
	require.Len(t, listed, 1)
	assert.True(t, listed[0].IsActive)
}

func TestImportAndExportSchemas(t *testing.T) {
	workspaceId := uuid.New()
	b := newTestBackend(t, &database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()})

	rec := b.do(t, http.MethodPost, "/workspaces/"+workspaceId.String()+"/schemas/import", []api.CreateSchemaRequest{
		{Name: "invoice", OutputContract: invoiceContract()},
		{Name: "receipt", OutputContract: invoiceContract()},
		{Name: "", OutputContract: invoiceContract()},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	imported := decode[api.ImportSchemasResponse](t, rec)
	assert.Equal(t, 2, imported.Imported)
	assert.Equal(t, 1, imported.Failed)
	require.Len(t, imported.Errors, 1)
	assert.Contains(t, imported.Errors[0], "schema name is required")

	rec = b.do(t, http.MethodGet, "/workspaces/"+workspaceId.String()+"/schemas/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	exports := decode[[]api.SchemaExport](t, rec)
	require.Len(t, exports, 2)
	names := []string{exports[0].Name, exports[1].Name}
	assert.ElementsMatch(t, []string{"invoice", "receipt"}, names)
	assert.Contains(t, exports[0].OutputContract, "properties")
}

func TestImportSchemasSingleObjectBody(t *testing.T) {
	workspaceId := uuid.New()
	b := newTestBackend(t, &database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()})

	rec := b.do(t, http.MethodPost, "/workspaces/"+workspaceId.String()+"/schemas/import", api.CreateSchemaRequest{
		Name:           "invoice",
		OutputContract: invoiceContract(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	imported := decode[api.ImportSchemasResponse](t, rec)
	assert.Equal(t, 1, imported.Imported)
	assert.Zero(t, imported.Failed)
}
