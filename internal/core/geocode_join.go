package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"annotation-backend/internal/core/types"

	"github.com/google/uuid"
)

// Pause between consecutive provider calls. Lookups are serialized to keep
// the upstream request rate bounded; cache hits do not pause.
const geocodePause = 50 * time.Millisecond

type Geocoder interface {
	Geocode(ctx context.Context, location string) (*types.GeocodedLocation, error)
}

type GeocodeCacheKey struct {
	WorkspaceId uuid.UUID
	RunId       uuid.UUID
}

// GeocodeCache stores per (workspace, run) lookup maps from location string
// to geocoded coordinates. Failed lookups are stored as nil so they are not
// retried within the same scope. Entries are never evicted; the cache lives
// for the process lifetime and its only mutation path is set-if-absent.
type GeocodeCache struct {
	lock    sync.RWMutex
	entries map[GeocodeCacheKey]map[string]*types.GeocodedLocation
}

func NewGeocodeCache() *GeocodeCache {
	return &GeocodeCache{entries: make(map[GeocodeCacheKey]map[string]*types.GeocodedLocation)}
}

func (c *GeocodeCache) Get(key GeocodeCacheKey, location string) (*types.GeocodedLocation, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	lookup, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	loc, ok := lookup[location]
	return loc, ok
}

// SetIfAbsent records a lookup outcome unless one already exists. It reports
// whether the value was stored.
func (c *GeocodeCache) SetIfAbsent(key GeocodeCacheKey, location string, loc *types.GeocodedLocation) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	lookup, ok := c.entries[key]
	if !ok {
		lookup = make(map[string]*types.GeocodedLocation)
		c.entries[key] = lookup
	}
	if _, exists := lookup[location]; exists {
		return false
	}
	lookup[location] = loc
	return true
}

func (c *GeocodeCache) Size(key GeocodeCacheKey) int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.entries[key])
}

// Entries returns a copy of every lookup outcome recorded under the key,
// including nil entries for failed locations.
func (c *GeocodeCache) Entries(key GeocodeCacheKey) map[string]*types.GeocodedLocation {
	c.lock.RLock()
	defer c.lock.RUnlock()

	entries := make(map[string]*types.GeocodedLocation, len(c.entries[key]))
	for location, loc := range c.entries[key] {
		entries[location] = loc
	}
	return entries
}

// GeocodeResolution is the outcome of one point resolution pass. Failed
// locations are a soft condition reported alongside the points, never an
// abort.
type GeocodeResolution struct {
	Points    []types.GeocodePoint `json:"points"`
	Locations int                  `json:"locations"`
	Failed    []string             `json:"failed,omitempty"`
}

func (r GeocodeResolution) ErrorMessage() string {
	if len(r.Failed) == 0 {
		return ""
	}
	return fmt.Sprintf("failed to geocode %d of %d locations", len(r.Failed), r.Locations)
}

// State maps the resolution outcome onto the view lifecycle.
func (r GeocodeResolution) State() GeocodeState {
	switch {
	case r.Locations == 0:
		return GeocodeNoLocations
	case len(r.Failed) > 0:
		return GeocodePartialFailure
	default:
		return GeocodeSuccess
	}
}

// ExtractLocations collects the location string of every successful result
// produced by the given schema. It returns the unique locations in first
// occurrence order together with the deduplicated asset ids per location.
func ExtractLocations(results []types.AnnotationResult, schemaId uuid.UUID, fieldKey string) ([]string, map[string][]uuid.UUID) {
	order := make([]string, 0)
	assets := make(map[string][]uuid.UUID)
	seen := make(map[string]map[uuid.UUID]struct{})

	for _, result := range results {
		if result.SchemaId != schemaId || result.Status != types.AnnotationSuccess {
			continue
		}
		v, found := ResolveField(result.Value, fieldKey)
		if !found || v.Kind() == KindNull {
			continue
		}
		location := strings.TrimSpace(v.StringForm())
		if location == "" {
			continue
		}

		if _, ok := seen[location]; !ok {
			seen[location] = make(map[uuid.UUID]struct{})
			order = append(order, location)
		}
		if _, dup := seen[location][result.AssetId]; dup {
			continue
		}
		seen[location][result.AssetId] = struct{}{}
		assets[location] = append(assets[location], result.AssetId)
	}
	return order, assets
}

// ResolvePoints geocodes every unique location string found in the results
// and joins the coordinates back onto the contributing asset ids. Lookups
// run sequentially, consulting the cache first and pausing between provider
// calls. A failed location is recorded and skipped, the batch continues.
func ResolvePoints(ctx context.Context, results []types.AnnotationResult, schemaId uuid.UUID, fieldKey string, geocoder Geocoder, cache *GeocodeCache, key GeocodeCacheKey) (GeocodeResolution, error) {
	locations, assetsByLocation := ExtractLocations(results, schemaId, fieldKey)

	resolution := GeocodeResolution{Locations: len(locations)}
	if len(locations) == 0 {
		return resolution, nil
	}

	called := false
	for _, location := range locations {
		loc, hit := cache.Get(key, location)
		if !hit {
			if called {
				select {
				case <-ctx.Done():
					return resolution, ctx.Err()
				case <-time.After(geocodePause):
				}
			}

			var err error
			loc, err = geocoder.Geocode(ctx, location)
			called = true
			if err != nil {
				if ctx.Err() != nil {
					return resolution, ctx.Err()
				}
				slog.Error("geocode lookup failed", "location", location, "error", err)
				loc = nil
			}
			cache.SetIfAbsent(key, location, loc)
		}

		if loc == nil {
			resolution.Failed = append(resolution.Failed, location)
			continue
		}
		resolution.Points = append(resolution.Points, types.GeocodePoint{
			LocationString: location,
			Latitude:       loc.Latitude,
			Longitude:      loc.Longitude,
			BBox:           loc.BBox,
			LocationType:   loc.LocationType,
			AssetIds:       assetsByLocation[location],
		})
	}

	return resolution, nil
}

type GeocodeState string

const (
	GeocodeIdle           GeocodeState = "idle"
	GeocodeLoading        GeocodeState = "loading"
	GeocodeSuccess        GeocodeState = "success"
	GeocodePartialFailure GeocodeState = "partial_success_with_error"
	GeocodeNoLocations    GeocodeState = "empty_no_locations"
)

// GeocodeSelection identifies what a map view is currently pointed at. Any
// change of selection invalidates in-flight resolutions for the old one.
type GeocodeSelection struct {
	RunId    uuid.UUID
	SchemaId uuid.UUID
	FieldKey string
}

// GeocodeView tracks the lifecycle of map point resolution for one view
// session. Completions are guarded by the epoch captured at start, so a
// resolution that raced a selection change is silently discarded instead of
// overwriting fresher state.
type GeocodeView struct {
	lock sync.Mutex

	selection GeocodeSelection
	state     GeocodeState
	points    []types.GeocodePoint
	message   string
	epoch     uint64
}

func NewGeocodeView() *GeocodeView {
	return &GeocodeView{state: GeocodeIdle}
}

// Select points the view at a new run, schema and field. A changed selection
// resets the view to idle and bumps the epoch.
func (v *GeocodeView) Select(selection GeocodeSelection) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.selection == selection {
		return
	}
	v.selection = selection
	v.state = GeocodeIdle
	v.points = nil
	v.message = ""
	v.epoch++
}

// Begin marks the view loading and returns the epoch token the resolution
// must present on completion.
func (v *GeocodeView) Begin() uint64 {
	v.lock.Lock()
	defer v.lock.Unlock()

	v.state = GeocodeLoading
	return v.epoch
}

// Complete installs a finished resolution. It reports false when the token
// is stale, in which case the view is left untouched.
func (v *GeocodeView) Complete(token uint64, resolution GeocodeResolution) bool {
	v.lock.Lock()
	defer v.lock.Unlock()

	if token != v.epoch {
		return false
	}

	v.points = resolution.Points
	v.message = resolution.ErrorMessage()
	v.state = resolution.State()
	return true
}

func (v *GeocodeView) State() GeocodeState {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.state
}

func (v *GeocodeView) Points() []types.GeocodePoint {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.points
}

func (v *GeocodeView) Message() string {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.message
}

func (v *GeocodeView) Selection() GeocodeSelection {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.selection
}
