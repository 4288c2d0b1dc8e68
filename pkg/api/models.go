package api

import (
	"time"

	"github.com/google/uuid"
)

type Workspace struct {
	Id          uuid.UUID
	Name        string
	Description string `json:"Description,omitempty"`

	CreationTime time.Time
}

type CreateWorkspaceRequest struct {
	Name        string
	Description string
}

type CreateWorkspaceResponse struct {
	WorkspaceId uuid.UUID
}

type UpdateWorkspaceRequest struct {
	Name        string
	Description string
}

type Schema struct {
	Id          uuid.UUID
	WorkspaceId uuid.UUID

	Name         string
	Description  string `json:"Description,omitempty"`
	Instructions string `json:"Instructions,omitempty"`

	OutputContract    map[string]any
	FieldSpecificTime string `json:"FieldSpecificTime,omitempty"`

	Version  int
	IsActive bool

	CreationTime time.Time
	UpdatedTime  *time.Time `json:"UpdatedTime,omitempty"`
}

type CreateSchemaRequest struct {
	Name         string
	Description  string
	Instructions string

	OutputContract    map[string]any
	FieldSpecificTime string
}

type CreateSchemaResponse struct {
	SchemaId uuid.UUID
}

type UpdateSchemaRequest struct {
	Name         string
	Description  string
	Instructions string

	OutputContract    map[string]any
	FieldSpecificTime string
}

// SchemaExport is the portable schema form used by the import and export
// endpoints.
type SchemaExport struct {
	Name         string
	Description  string `json:"Description,omitempty"`
	Instructions string `json:"Instructions,omitempty"`

	OutputContract map[string]any
	Version        int
}

type ImportSchemasResponse struct {
	Imported int
	Failed   int
	Errors   []string `json:"Errors,omitempty"`
}

type Bundle struct {
	Id          uuid.UUID
	WorkspaceId uuid.UUID

	Name        string
	Description string `json:"Description,omitempty"`

	AssetCount int64

	CreationTime time.Time
}

type CreateBundleRequest struct {
	Name        string
	Description string

	// AssetIds attaches existing assets to the new bundle. StoragePrefix
	// instead creates one asset per object found under the prefix in object
	// storage.
	AssetIds      []uuid.UUID
	StoragePrefix string
}

type CreateBundleResponse struct {
	BundleId      uuid.UUID
	AssetsCreated int
}

type UpdateBundleRequest struct {
	Name        string
	Description string
}

type AttachAssetsRequest struct {
	AssetIds []uuid.UUID
}

type AttachAssetsResponse struct {
	Attached int
}

type Asset struct {
	Id          uuid.UUID
	WorkspaceId uuid.UUID
	BundleId    *uuid.UUID `json:"BundleId,omitempty"`
	SourceId    *uuid.UUID `json:"SourceId,omitempty"`

	Kind  string
	Title string

	TextContent string `json:"TextContent,omitempty"`
	StorageKey  string `json:"StorageKey,omitempty"`

	SourceMetadata map[string]any `json:"SourceMetadata,omitempty"`

	EventTimestamp *time.Time `json:"EventTimestamp,omitempty"`
	CreationTime   time.Time
}

type CreateAssetRequest struct {
	Kind  string
	Title string

	TextContent string

	BundleId *uuid.UUID
	SourceId *uuid.UUID

	SourceMetadata map[string]any
	EventTimestamp *time.Time
}

type CreateAssetsResponse struct {
	AssetIds []uuid.UUID
	Failed   int      `json:"Failed,omitempty"`
	Errors   []string `json:"Errors,omitempty"`
}

type UploadAssetResponse struct {
	AssetId       uuid.UUID
	StorageKey    string
	Size          int64
	TextExtracted bool
}

type Run struct {
	Id          uuid.UUID
	WorkspaceId uuid.UUID

	Name        string
	Description string `json:"Description,omitempty"`

	Engine    string
	BundleId  *uuid.UUID `json:"BundleId,omitempty"`
	SchemaIds []uuid.UUID

	Configuration map[string]any `json:"Configuration,omitempty"`
	ViewsConfig   map[string]any `json:"ViewsConfig,omitempty"`

	Status         string
	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`

	SucceededAnnotationCount int
	FailedAnnotationCount    int
	TotalAnnotationCount     int

	Errors []string `json:"Errors,omitempty"`
}

type CreateRunRequest struct {
	Name        string
	Description string
	Engine      string

	SchemaIds []uuid.UUID

	// BundleId scopes the run to one bundle, AssetIds to an explicit asset
	// list. With neither the run covers every asset in the workspace.
	BundleId *uuid.UUID
	AssetIds []uuid.UUID

	Configuration map[string]any
}

type CreateRunResponse struct {
	RunId uuid.UUID
}

type UpdateRunRequest struct {
	Name        string
	Description string
	ViewsConfig map[string]any
}

type RetryFailuresResponse struct {
	RunId                 uuid.UUID
	FailedAnnotationCount int
}

type Annotation struct {
	Id       uuid.UUID
	RunId    uuid.UUID
	AssetId  uuid.UUID
	SchemaId uuid.UUID

	Value  map[string]any `json:"Value,omitempty"`
	Status string
	Error  string `json:"Error,omitempty"`

	Timestamp      time.Time
	EventTimestamp *time.Time `json:"EventTimestamp,omitempty"`
}

type SavedFilter struct {
	Id          uuid.UUID
	WorkspaceId uuid.UUID

	Name  string
	Query string

	CreationTime time.Time
}

type CreateSavedFilterRequest struct {
	Name  string
	Query string
}

type CreateSavedFilterResponse struct {
	FilterId uuid.UUID
}

type UpdateSavedFilterRequest struct {
	Name  string
	Query string
}

type EnginesResponse struct {
	Engines []string
}
