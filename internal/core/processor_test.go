package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"annotation-backend/internal/database"
	"annotation-backend/internal/engine"
	"annotation-backend/internal/messaging"
	"annotation-backend/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeAnnotator struct {
	mu        sync.Mutex
	responses map[string]map[string]any
	failures  map[string]string
	calls     int
}

func (f *fakeAnnotator) Annotate(ctx context.Context, req engine.AnnotateRequest) (map[string]any, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if msg, ok := f.failures[req.SchemaName]; ok {
		return nil, errors.New(msg)
	}
	if value, ok := f.responses[req.SchemaName]; ok {
		return value, nil
	}
	return map[string]any{"text": "annotated: " + req.Content}, nil
}

func (f *fakeAnnotator) ListModels(ctx context.Context) ([]string, error) {
	return []string{"test-engine"}, nil
}

func createProcessorDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

const testBucket = "test-bucket"

func setupRun(t *testing.T, fake *fakeAnnotator) (*gorm.DB, *TaskProcessor, database.Run, []database.Asset, database.Schema) {
	workspaceId, bundleId, schemaId, runId := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	contract, err := json.Marshal(map[string]any{
		"properties": map[string]any{
			"amount":      map[string]any{"type": "number"},
			"occurred_at": map[string]any{"type": "string"},
		},
	})
	require.NoError(t, err)

	schema := database.Schema{
		Id:                schemaId,
		WorkspaceId:       workspaceId,
		Name:              "invoice",
		OutputContract:    datatypes.JSON(contract),
		FieldSpecificTime: "occurred_at",
		CreationTime:      time.Now(),
	}

	assets := []database.Asset{
		{Id: uuid.New(), WorkspaceId: workspaceId, BundleId: uuid.NullUUID{UUID: bundleId, Valid: true}, Kind: "document", Title: "a.txt", StorageKey: "assets/a.txt", CreationTime: time.Now()},
		{Id: uuid.New(), WorkspaceId: workspaceId, BundleId: uuid.NullUUID{UUID: bundleId, Valid: true}, Kind: "document", Title: "b.txt", StorageKey: "assets/b.txt", CreationTime: time.Now()},
	}

	run := database.Run{
		Id:           runId,
		WorkspaceId:  workspaceId,
		Name:         "test run",
		BundleId:     uuid.NullUUID{UUID: bundleId, Valid: true},
		Engine:       "test-engine",
		Status:       database.RunPending,
		CreationTime: time.Now(),
	}

	db := createProcessorDB(t,
		&database.Workspace{Id: workspaceId, Name: "ws", CreationTime: time.Now()},
		&database.Bundle{Id: bundleId, WorkspaceId: workspaceId, Name: "bundle", CreationTime: time.Now()},
		&schema,
		&assets[0],
		&assets[1],
		&run,
		&database.RunSchema{RunId: runId, SchemaId: schemaId},
	)

	provider, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, provider.PutObject(context.Background(), testBucket, "assets/a.txt", []byte("invoice for march")))
	require.NoError(t, provider.PutObject(context.Background(), testBucket, "assets/b.txt", []byte("invoice for april")))

	queue := messaging.NewInMemoryQueue()
	proc := NewTaskProcessor(db, provider, queue, queue, fake, testBucket)

	return db, proc, run, assets, schema
}

func TestProcessRunTask(t *testing.T) {
	fake := &fakeAnnotator{
		responses: map[string]map[string]any{
			"invoice": {"amount": 250.0, "occurred_at": "2024-03-15T10:30:00Z"},
		},
	}

	db, proc, run, assets, schema := setupRun(t, fake)

	err := proc.processRunTask(context.Background(), messaging.RunTaskPayload{RunId: run.Id})
	require.NoError(t, err)

	assert.Equal(t, 2, fake.calls)

	var updated database.Run
	require.NoError(t, db.First(&updated, "id = ?", run.Id).Error)
	assert.Equal(t, database.RunCompleted, updated.Status)
	assert.Equal(t, 2, updated.TotalAnnotationCount)
	assert.Equal(t, 2, updated.SucceededAnnotationCount)
	assert.Equal(t, 0, updated.FailedAnnotationCount)
	assert.True(t, updated.StartTime.Valid)
	assert.True(t, updated.CompletionTime.Valid)

	var annotations []database.Annotation
	require.NoError(t, db.Where("run_id = ?", run.Id).Find(&annotations).Error)
	require.Len(t, annotations, 2)

	assetIds := make([]uuid.UUID, 0, len(annotations))
	for _, annotation := range annotations {
		assert.Equal(t, database.AnnotationSuccess, annotation.Status)
		assert.Equal(t, schema.Id, annotation.SchemaId)
		assert.Empty(t, annotation.Error)

		var value map[string]any
		require.NoError(t, json.Unmarshal(annotation.Value, &value))
		assert.Equal(t, 250.0, value["amount"])

		require.True(t, annotation.EventTimestamp.Valid)
		assert.Equal(t, time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC), annotation.EventTimestamp.Time.UTC())

		assetIds = append(assetIds, annotation.AssetId)
	}
	assert.ElementsMatch(t, []uuid.UUID{assets[0].Id, assets[1].Id}, assetIds)
}

func TestProcessRunTaskWithFailures(t *testing.T) {
	fake := &fakeAnnotator{
		failures: map[string]string{"invoice": "engine unavailable"},
	}

	db, proc, run, _, _ := setupRun(t, fake)

	err := proc.processRunTask(context.Background(), messaging.RunTaskPayload{RunId: run.Id})
	require.NoError(t, err)

	var updated database.Run
	require.NoError(t, db.First(&updated, "id = ?", run.Id).Error)
	assert.Equal(t, database.RunCompletedWithErrors, updated.Status)
	assert.Equal(t, 2, updated.TotalAnnotationCount)
	assert.Equal(t, 0, updated.SucceededAnnotationCount)
	assert.Equal(t, 2, updated.FailedAnnotationCount)

	var annotations []database.Annotation
	require.NoError(t, db.Where("run_id = ?", run.Id).Find(&annotations).Error)
	require.Len(t, annotations, 2)
	for _, annotation := range annotations {
		assert.Equal(t, database.AnnotationFailed, annotation.Status)
		assert.Equal(t, "engine unavailable", annotation.Error)
	}

	var runErrors []database.RunError
	require.NoError(t, db.Where("run_id = ?", run.Id).Find(&runErrors).Error)
	require.Len(t, runErrors, 1)
	assert.Equal(t, "2 of 2 annotations failed", runErrors[0].Error)
}

func TestProcessRunTaskMissingObject(t *testing.T) {
	fake := &fakeAnnotator{
		responses: map[string]map[string]any{
			"invoice": {"amount": 10.0},
		},
	}

	db, proc, run, assets, _ := setupRun(t, fake)

	// Point one asset at a key that does not exist in storage.
	require.NoError(t, db.Model(&database.Asset{}).Where("id = ?", assets[1].Id).Update("storage_key", "assets/missing.txt").Error)

	err := proc.processRunTask(context.Background(), messaging.RunTaskPayload{RunId: run.Id})
	require.NoError(t, err)

	var updated database.Run
	require.NoError(t, db.First(&updated, "id = ?", run.Id).Error)
	assert.Equal(t, database.RunCompletedWithErrors, updated.Status)
	assert.Equal(t, 1, updated.SucceededAnnotationCount)
	assert.Equal(t, 1, updated.FailedAnnotationCount)

	var failedAnnotation database.Annotation
	require.NoError(t, db.First(&failedAnnotation, "run_id = ? AND asset_id = ?", run.Id, assets[1].Id).Error)
	assert.Equal(t, database.AnnotationFailed, failedAnnotation.Status)
	assert.Contains(t, failedAnnotation.Error, "error fetching asset content")
}

func TestProcessRetryTask(t *testing.T) {
	fake := &fakeAnnotator{
		failures: map[string]string{"invoice": "engine unavailable"},
	}

	db, proc, run, _, _ := setupRun(t, fake)

	require.NoError(t, proc.processRunTask(context.Background(), messaging.RunTaskPayload{RunId: run.Id}))

	var updated database.Run
	require.NoError(t, db.First(&updated, "id = ?", run.Id).Error)
	require.Equal(t, database.RunCompletedWithErrors, updated.Status)

	// The engine recovers before the retry.
	fake.failures = nil
	fake.responses = map[string]map[string]any{
		"invoice": {"amount": 75.0, "occurred_at": "2024-04-01T00:00:00Z"},
	}

	require.NoError(t, proc.processRetryTask(context.Background(), messaging.RetryTaskPayload{RunId: run.Id}))

	require.NoError(t, db.First(&updated, "id = ?", run.Id).Error)
	assert.Equal(t, database.RunCompleted, updated.Status)
	assert.Equal(t, 2, updated.SucceededAnnotationCount)
	assert.Equal(t, 0, updated.FailedAnnotationCount)

	var annotations []database.Annotation
	require.NoError(t, db.Where("run_id = ?", run.Id).Find(&annotations).Error)
	require.Len(t, annotations, 2)
	for _, annotation := range annotations {
		assert.Equal(t, database.AnnotationSuccess, annotation.Status)
		assert.Empty(t, annotation.Error)
	}
}

func TestProcessRetryTaskPartialRecovery(t *testing.T) {
	fake := &fakeAnnotator{
		failures: map[string]string{"invoice": "engine unavailable"},
	}

	db, proc, run, assets, _ := setupRun(t, fake)

	require.NoError(t, proc.processRunTask(context.Background(), messaging.RunTaskPayload{RunId: run.Id}))

	// One asset disappears from storage before the retry, the other recovers.
	fake.failures = nil
	require.NoError(t, db.Model(&database.Asset{}).Where("id = ?", assets[1].Id).Update("storage_key", "assets/missing.txt").Error)

	require.NoError(t, proc.processRetryTask(context.Background(), messaging.RetryTaskPayload{RunId: run.Id}))

	var updated database.Run
	require.NoError(t, db.First(&updated, "id = ?", run.Id).Error)
	assert.Equal(t, database.RunCompletedWithErrors, updated.Status)
	assert.Equal(t, 1, updated.SucceededAnnotationCount)
	assert.Equal(t, 1, updated.FailedAnnotationCount)

	var runErrors []database.RunError
	require.NoError(t, db.Where("run_id = ?", run.Id).Order("timestamp asc").Find(&runErrors).Error)
	require.NotEmpty(t, runErrors)
	assert.Equal(t, "1 annotations remain in FAILED state after retry attempt.", runErrors[len(runErrors)-1].Error)
}

func TestProcessRetryTaskSkippedForCompletedRun(t *testing.T) {
	fake := &fakeAnnotator{}

	db, proc, run, _, _ := setupRun(t, fake)

	require.NoError(t, proc.processRunTask(context.Background(), messaging.RunTaskPayload{RunId: run.Id}))
	require.NoError(t, proc.processRetryTask(context.Background(), messaging.RetryTaskPayload{RunId: run.Id}))

	var updated database.Run
	require.NoError(t, db.First(&updated, "id = ?", run.Id).Error)
	assert.Equal(t, database.RunCompleted, updated.Status)

	// The retry is a no-op, so only the initial annotation calls happen.
	assert.Equal(t, 2, fake.calls)
}

func TestProcessRunTaskExplicitAssets(t *testing.T) {
	fake := &fakeAnnotator{}

	db, proc, run, _, _ := setupRun(t, fake)

	// An inline-text asset targeted explicitly, so the two bundle assets are
	// left out of the run.
	inline := database.Asset{
		Id:           uuid.New(),
		WorkspaceId:  run.WorkspaceId,
		Kind:         "note",
		Title:        "inline note",
		TextContent:  "the text to annotate",
		CreationTime: time.Now(),
	}
	require.NoError(t, db.Create(&inline).Error)
	require.NoError(t, db.Create(&database.RunAsset{RunId: run.Id, AssetId: inline.Id}).Error)

	require.NoError(t, proc.processRunTask(context.Background(), messaging.RunTaskPayload{RunId: run.Id}))

	var updated database.Run
	require.NoError(t, db.First(&updated, "id = ?", run.Id).Error)
	assert.Equal(t, database.RunCompleted, updated.Status)
	assert.Equal(t, 1, updated.TotalAnnotationCount)
	assert.Equal(t, 1, updated.SucceededAnnotationCount)

	var annotations []database.Annotation
	require.NoError(t, db.Where("run_id = ?", run.Id).Find(&annotations).Error)
	require.Len(t, annotations, 1)
	assert.Equal(t, inline.Id, annotations[0].AssetId)

	var value map[string]any
	require.NoError(t, json.Unmarshal(annotations[0].Value, &value))
	assert.Equal(t, "annotated: the text to annotate", value["text"])
}

func TestProcessTaskFromQueue(t *testing.T) {
	fake := &fakeAnnotator{
		responses: map[string]map[string]any{
			"invoice": {"amount": 5.0},
		},
	}

	db, proc, run, _, _ := setupRun(t, fake)

	queue := messaging.NewInMemoryQueue()
	proc.publisher = queue
	proc.reciever = queue

	require.NoError(t, queue.PublishRunTask(context.Background(), messaging.RunTaskPayload{RunId: run.Id}))

	task := <-queue.Tasks()
	proc.ProcessTask(task)

	var updated database.Run
	require.NoError(t, db.First(&updated, "id = ?", run.Id).Error)
	assert.Equal(t, database.RunCompleted, updated.Status)
}
