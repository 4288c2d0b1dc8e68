package types

import (
	"time"

	"github.com/google/uuid"
)

const (
	AnnotationPending string = "PENDING"
	AnnotationSuccess string = "SUCCESS"
	AnnotationFailed  string = "FAILED"
)

// AnnotationResult is the value extracted for one asset under one schema
// within one run. Results are immutable once produced; every pipeline stage
// derives new slices instead of mutating its input.
type AnnotationResult struct {
	Id       uuid.UUID
	AssetId  uuid.UUID
	SchemaId uuid.UUID
	RunId    uuid.UUID

	Value  map[string]any
	Status string

	Timestamp      time.Time
	EventTimestamp *time.Time
}

// Schema describes the fields a run extracts per asset. The output contract
// is a JSON-schema-like property tree, possibly nested under a top level
// "document" object.
type Schema struct {
	Id   uuid.UUID
	Name string

	OutputContract map[string]any

	// FieldSpecificTime is an optional dot path into the annotation value
	// naming the field that holds the event time for results of this schema.
	FieldSpecificTime string
}

type Asset struct {
	Id       uuid.UUID
	SourceId uuid.NullUUID

	EventTimestamp *time.Time
	CreatedAt      time.Time
}

// GeocodePoint groups all assets whose annotation resolved to the same
// location string.
type GeocodePoint struct {
	LocationString string      `json:"location_string"`
	Latitude       float64     `json:"latitude"`
	Longitude      float64     `json:"longitude"`
	BBox           []float64   `json:"bbox,omitempty"`
	LocationType   string      `json:"location_type,omitempty"`
	AssetIds       []uuid.UUID `json:"asset_ids"`
}

// GeocodedLocation is one provider answer for a free text location string.
// BBox, when present, is [west, south, east, north] in degrees.
type GeocodedLocation struct {
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	BBox         []float64 `json:"bbox,omitempty"`
	LocationType string    `json:"location_type,omitempty"`
	DisplayName  string    `json:"display_name,omitempty"`
}
