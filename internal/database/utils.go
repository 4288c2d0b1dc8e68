package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func UpdateRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == RunRunning {
		updates["start_time"] = time.Now().UTC()
	}
	if status == RunCompleted || status == RunCompletedWithErrors || status == RunFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Run{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error updating run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveRunError(ctx context.Context, txn *gorm.DB, runId uuid.UUID, errorMessage string) {
	runError := RunError{
		RunId:     runId,
		ErrorId:   uuid.New(),
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&runError).Error; err != nil {
		slog.Error("error saving run error", "run_id", runId, "error", err)
	}
}

func UpdateRunCounts(ctx context.Context, txn *gorm.DB, runId uuid.UUID) error {
	var counts []struct {
		Status string
		Count  int
	}
	if err := txn.WithContext(ctx).
		Model(&Annotation{}).
		Select("status, count(*) as count").
		Where("run_id = ?", runId).
		Group("status").
		Scan(&counts).Error; err != nil {
		slog.Error("error counting annotations for run", "run_id", runId, "error", err)
		return err
	}

	var succeeded, failed, total int
	for _, c := range counts {
		total += c.Count
		switch c.Status {
		case AnnotationSuccess:
			succeeded += c.Count
		case AnnotationFailed:
			failed += c.Count
		}
	}

	updates := map[string]any{
		"succeeded_annotation_count": succeeded,
		"failed_annotation_count":    failed,
		"total_annotation_count":     total,
	}

	if err := txn.WithContext(ctx).Model(&Run{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error updating run counts", "run_id", runId, "error", err)
		return err
	}
	return nil
}

// SaveGeocodeCacheEntries inserts new cache rows and leaves existing rows
// untouched, matching the set if absent behavior of the in memory cache.
func SaveGeocodeCacheEntries(ctx context.Context, db *gorm.DB, entries []GeocodeCacheEntry) error {
	if len(entries) == 0 {
		return nil
	}

	if err := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entries).
		Error; err != nil {
		return fmt.Errorf("could not save geocode cache entries: %w", err)
	}
	return nil
}

func GetGeocodeCacheEntries(ctx context.Context, db *gorm.DB, workspaceId, runId uuid.UUID) ([]GeocodeCacheEntry, error) {
	var rows []GeocodeCacheEntry
	if err := db.WithContext(ctx).
		Where("workspace_id = ? AND run_id = ?", workspaceId, runId).
		Find(&rows).
		Error; err != nil {
		return nil, fmt.Errorf("could not query geocode cache entries: %w", err)
	}
	return rows, nil
}
