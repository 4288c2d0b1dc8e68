package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Workspace struct {
	Id          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name        string    `gorm:"not null"`
	Description string

	CreationTime time.Time

	Schemas      []Schema      `gorm:"foreignKey:WorkspaceId;constraint:OnDelete:CASCADE"`
	Bundles      []Bundle      `gorm:"foreignKey:WorkspaceId;constraint:OnDelete:CASCADE"`
	Assets       []Asset       `gorm:"foreignKey:WorkspaceId;constraint:OnDelete:CASCADE"`
	Runs         []Run         `gorm:"foreignKey:WorkspaceId;constraint:OnDelete:CASCADE"`
	SavedFilters []SavedFilter `gorm:"foreignKey:WorkspaceId;constraint:OnDelete:CASCADE"`
}

type Schema struct {
	Id          uuid.UUID `gorm:"type:uuid;primaryKey"`
	WorkspaceId uuid.UUID `gorm:"type:uuid"`

	Name         string `gorm:"not null"`
	Description  string
	Instructions string

	OutputContract datatypes.JSON `gorm:"type:jsonb;not null"`

	Version      int `gorm:"default:1"`
	CreationTime time.Time
	UpdatedTime  sql.NullTime
}

type Bundle struct {
	Id          uuid.UUID `gorm:"type:uuid;primaryKey"`
	WorkspaceId uuid.UUID `gorm:"type:uuid"`

	Name        string `gorm:"not null"`
	Description string

	CreationTime time.Time

	Assets []Asset `gorm:"foreignKey:BundleId;constraint:OnDelete:CASCADE"`
}

type Asset struct {
	Id          uuid.UUID     `gorm:"type:uuid;primaryKey"`
	WorkspaceId uuid.UUID     `gorm:"type:uuid"`
	BundleId    uuid.NullUUID `gorm:"type:uuid"`
	SourceId    uuid.NullUUID `gorm:"type:uuid"`

	Kind  string `gorm:"size:32"`
	Title string `gorm:"not null"`

	TextContent string
	StorageKey  string

	SourceMetadata datatypes.JSON `gorm:"type:jsonb"`

	EventTimestamp sql.NullTime
	CreationTime   time.Time
}

type Run struct {
	Id          uuid.UUID `gorm:"type:uuid;primaryKey"`
	WorkspaceId uuid.UUID `gorm:"type:uuid"`
	Name        string    `gorm:"not null"`
	Description string

	BundleId uuid.NullUUID `gorm:"type:uuid"`

	Engine string `gorm:"size:64;not null"`

	Configuration datatypes.JSON `gorm:"type:jsonb"`
	ViewsConfig   datatypes.JSON `gorm:"type:jsonb"`

	Status         string `gorm:"size:32;not null"`
	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	SucceededAnnotationCount int `gorm:"default:0"`
	FailedAnnotationCount    int `gorm:"default:0"`
	TotalAnnotationCount     int `gorm:"default:0"`

	Schemas     []RunSchema  `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	Assets      []RunAsset   `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	Annotations []Annotation `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	Errors      []RunError   `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type RunSchema struct {
	RunId    uuid.UUID `gorm:"type:uuid;primaryKey"`
	SchemaId uuid.UUID `gorm:"type:uuid;primaryKey"`
}

type RunAsset struct {
	RunId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	AssetId uuid.UUID `gorm:"type:uuid;primaryKey"`
}

type Annotation struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	RunId    uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_annotations_run_asset_schema"`
	AssetId  uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_annotations_run_asset_schema"`
	SchemaId uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_annotations_run_asset_schema"`

	Value  datatypes.JSON `gorm:"type:jsonb"`
	Status string         `gorm:"size:20;not null"`
	Error  string

	Timestamp      time.Time
	EventTimestamp sql.NullTime
}

type RunError struct {
	RunId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Error     string
	Timestamp time.Time
}

type SavedFilter struct {
	Id          uuid.UUID `gorm:"type:uuid;primaryKey"`
	WorkspaceId uuid.UUID `gorm:"type:uuid"`
	Name        string    `gorm:"not null"`
	Query       string

	CreationTime time.Time
}

type ChatSession struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Title       string         `gorm:"not null"`
	WorkspaceId uuid.NullUUID  `gorm:"type:uuid"`
	Metadata    datatypes.JSON `gorm:"type:jsonb"`
}

type ChatHistory struct {
	ID          uint      `gorm:"primaryKey"`
	SessionID   uuid.UUID `gorm:"index"`
	MessageType string
	Content     string
	Timestamp   time.Time      `gorm:"autoCreateTime"`
	Metadata    datatypes.JSON `gorm:"type:jsonb"`
}

func Migration(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Workspace{}, &Schema{}, &Bundle{}, &Asset{}, &Run{}, &RunSchema{}, &RunAsset{}, &Annotation{}, &RunError{}, &SavedFilter{}, &ChatSession{}, &ChatHistory{},
	)
	if err != nil {
		return fmt.Errorf("initial migration failed: %w", err)
	}
	return nil
}
