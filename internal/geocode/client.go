package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"annotation-backend/internal/core/types"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultBaseURL = "https://nominatim.openstreetmap.org"

	// Public Nominatim rejects requests without an identifying agent.
	defaultUserAgent = "annotation-backend/1.0"

	requestTimeout = 10 * time.Second
)

// Client resolves free text location strings against a Nominatim compatible
// search endpoint. Hand maintained mappings take precedence over the
// provider, see locations.yaml.
type Client struct {
	client *resty.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client: resty.New().
			SetBaseURL(baseURL).
			SetHeader("User-Agent", defaultUserAgent).
			SetTimeout(requestTimeout),
	}
}

type searchResult struct {
	Lat         string   `json:"lat"`
	Lon         string   `json:"lon"`
	DisplayName string   `json:"display_name"`
	Class       string   `json:"class"`
	Type        string   `json:"type"`
	AddressType string   `json:"addresstype"`
	BoundingBox []string `json:"boundingbox"`
}

func (c *Client) Geocode(ctx context.Context, location string) (*types.GeocodedLocation, error) {
	if mapped, ok := lookupCustomMapping(location); ok {
		return mapped, nil
	}

	res, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":              location,
			"format":         "jsonv2",
			"limit":          "1",
			"addressdetails": "1",
			"extratags":      "1",
			"namedetails":    "1",
		}).
		Get("/search")

	if err != nil {
		return nil, fmt.Errorf("geocode request for '%s' failed: %w", location, err)
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("geocode request for '%s' returned status %d", location, res.StatusCode())
	}

	var results []searchResult
	if err := json.Unmarshal(res.Body(), &results); err != nil {
		return nil, fmt.Errorf("error parsing geocode response for '%s': %w", location, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no match for location '%s'", location)
	}

	return convertResult(results[0], location)
}

func convertResult(result searchResult, location string) (*types.GeocodedLocation, error) {
	lat, err := strconv.ParseFloat(result.Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude '%s' for location '%s'", result.Lat, location)
	}
	lon, err := strconv.ParseFloat(result.Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude '%s' for location '%s'", result.Lon, location)
	}

	kind := result.AddressType
	if kind == "" {
		kind = result.Type
	}

	return &types.GeocodedLocation{
		Latitude:     lat,
		Longitude:    lon,
		BBox:         convertBoundingBox(result.BoundingBox),
		LocationType: mapLocationType(kind),
		DisplayName:  result.DisplayName,
	}, nil
}

// convertBoundingBox reorders the provider's [south, north, west, east] box
// into [west, south, east, north].
func convertBoundingBox(box []string) []float64 {
	if len(box) != 4 {
		return nil
	}
	values := make([]float64, 4)
	for i, s := range box {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		values[i] = v
	}
	return []float64{values[2], values[0], values[3], values[1]}
}

func mapLocationType(raw string) string {
	switch strings.ToLower(raw) {
	case "country":
		return "country"
	case "state", "province":
		return "state"
	case "city", "town":
		return "city"
	case "village", "hamlet", "suburb", "neighbourhood":
		return "locality"
	case "county":
		return "county"
	case "region":
		return "region"
	default:
		return "location"
	}
}
