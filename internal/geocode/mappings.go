package geocode

import (
	_ "embed"
	"fmt"
	"strings"

	"annotation-backend/internal/core/types"

	"gopkg.in/yaml.v2"
)

//go:embed locations.yaml
var locationsYaml []byte

// customMapping is a hand maintained answer for location strings the provider
// resolves badly or not at all, keyed by the lowercased location string.
type customMapping struct {
	// Coordinates is [longitude, latitude].
	Coordinates  []float64 `yaml:"coordinates"`
	LocationType string    `yaml:"location_type"`
	BBox         []float64 `yaml:"bbox"`
	DisplayName  string    `yaml:"display_name"`
}

var customMappings = mustLoadMappings()

func mustLoadMappings() map[string]customMapping {
	mappings := make(map[string]customMapping)
	if err := yaml.Unmarshal(locationsYaml, &mappings); err != nil {
		panic(fmt.Sprintf("invalid embedded location mappings: %v", err))
	}
	return mappings
}

// lookupCustomMapping is consulted before the provider on every lookup.
func lookupCustomMapping(location string) (*types.GeocodedLocation, bool) {
	mapping, ok := customMappings[strings.ToLower(strings.TrimSpace(location))]
	if !ok || len(mapping.Coordinates) != 2 {
		return nil, false
	}
	return &types.GeocodedLocation{
		Latitude:     mapping.Coordinates[1],
		Longitude:    mapping.Coordinates[0],
		BBox:         mapping.BBox,
		LocationType: mapping.LocationType,
		DisplayName:  mapping.DisplayName,
	}, true
}
