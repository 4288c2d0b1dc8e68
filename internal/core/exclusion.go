package core

import (
	"annotation-backend/internal/core/types"

	"github.com/google/uuid"
)

// ExclusionSet is the set of asset ids a user has manually hidden from a run's
// views. It only ever removes assets from a result set, never adds anything
// back, and it is tied to a single run: any use against a different run id
// clears it first so hidden assets never leak across unrelated runs.
type ExclusionSet struct {
	runId uuid.UUID
	ids   map[uuid.UUID]struct{}
}

func NewExclusionSet(runId uuid.UUID) *ExclusionSet {
	return &ExclusionSet{runId: runId, ids: make(map[uuid.UUID]struct{})}
}

// ExclusionSetOf builds a set from explicit asset ids, as sent by clients that
// keep the toggle state themselves.
func ExclusionSetOf(runId uuid.UUID, assetIds []uuid.UUID) *ExclusionSet {
	set := NewExclusionSet(runId)
	for _, id := range assetIds {
		set.ids[id] = struct{}{}
	}
	return set
}

// SetRun rebinds the set to a run, clearing it when the identity changes.
func (s *ExclusionSet) SetRun(runId uuid.UUID) {
	if s.runId == runId {
		return
	}
	s.runId = runId
	s.ids = make(map[uuid.UUID]struct{})
}

// Toggle flips an asset's membership. Toggling twice restores the original
// state.
func (s *ExclusionSet) Toggle(assetId uuid.UUID) {
	if _, ok := s.ids[assetId]; ok {
		delete(s.ids, assetId)
	} else {
		s.ids[assetId] = struct{}{}
	}
}

func (s *ExclusionSet) Excluded(assetId uuid.UUID) bool {
	if s == nil {
		return false
	}
	_, ok := s.ids[assetId]
	return ok
}

func (s *ExclusionSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

func (s *ExclusionSet) RunId() uuid.UUID {
	return s.runId
}

// ApplyExclusions subtracts the excluded assets from a result set. It is
// applied after filter combination and is independent of filter logic.
func ApplyExclusions(results []types.AnnotationResult, excluded *ExclusionSet) []types.AnnotationResult {
	if excluded.Len() == 0 {
		return results
	}

	visible := make([]types.AnnotationResult, 0, len(results))
	for _, result := range results {
		if !excluded.Excluded(result.AssetId) {
			visible = append(visible, result)
		}
	}
	return visible
}

// FilterPointsByExclusion re-filters geocode points against the overlay. A
// point is dropped only when every one of its assets is excluded; if any
// remains visible the point is retained.
func FilterPointsByExclusion(points []types.GeocodePoint, excluded *ExclusionSet) []types.GeocodePoint {
	if excluded.Len() == 0 {
		return points
	}

	visible := make([]types.GeocodePoint, 0, len(points))
	for _, point := range points {
		remaining := false
		for _, assetId := range point.AssetIds {
			if !excluded.Excluded(assetId) {
				remaining = true
				break
			}
		}
		if remaining {
			visible = append(visible, point)
		}
	}
	return visible
}
