package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"annotation-backend/internal/core/utils"
	"annotation-backend/internal/database"
	"annotation-backend/internal/engine"
	"annotation-backend/internal/messaging"
	"annotation-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Annotation calls are network bound, so a handful of workers keeps the
// engine busy without flooding it.
const annotateWorkers = 4

type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.Provider
	publisher messaging.Publisher
	reciever  messaging.Reciever

	annotator   engine.Annotator
	assetBucket string
}

func NewTaskProcessor(db *gorm.DB, storage storage.Provider, publisher messaging.Publisher, reciever messaging.Reciever, annotator engine.Annotator, assetBucket string) *TaskProcessor {
	return &TaskProcessor{
		db:          db,
		storage:     storage,
		publisher:   publisher,
		reciever:    reciever,
		annotator:   annotator,
		assetBucket: assetBucket,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.RunQueue:
		var payload messaging.RunTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling run task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processRunTask(ctx, payload)

	case messaging.RetryQueue:
		var payload messaging.RetryTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling retry task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processRetryTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) updateAnnotationCount(runId uuid.UUID, success bool) error {
	var column string
	if success {
		column = "succeeded_annotation_count"
	} else {
		column = "failed_annotation_count"
	}

	if err := proc.db.
		Model(&database.Run{}).
		Where("id = ?", runId).
		UpdateColumn(column, gorm.Expr(column+" + ?", 1)).
		Error; err != nil {
		slog.Error("could not increment annotation count", "run_id", runId, "column", column, "error", err)
		return fmt.Errorf("could not increment annotation count: %w", err)
	}

	return nil
}

// annotateJob is one asset/schema pair to send to the engine. Content is
// fetched up front so workers never touch storage or the database.
type annotateJob struct {
	asset   database.Asset
	schema  database.Schema
	content string
}

type annotateResult struct {
	value     datatypes.JSON
	eventTime *time.Time
}

// annotateWorker returns the closure run by the worker pool. It only talks to
// the engine, all database writes happen on the consuming goroutine so SQLite
// deployments never see concurrent writers.
func (proc *TaskProcessor) annotateWorker(ctx context.Context, run database.Run) func(annotateJob) (annotateResult, error) {
	return func(job annotateJob) (annotateResult, error) {
		var contract map[string]any
		if err := json.Unmarshal(job.schema.OutputContract, &contract); err != nil {
			return annotateResult{}, fmt.Errorf("invalid output contract: %s", err.Error())
		}

		start := time.Now()
		value, err := proc.annotator.Annotate(ctx, engine.AnnotateRequest{
			Model:          run.Engine,
			SchemaName:     job.schema.Name,
			OutputContract: contract,
			Content:        job.content,
		})
		if err != nil {
			return annotateResult{}, err
		}
		slog.Info("annotated asset", "asset_id", job.asset.Id, "schema_id", job.schema.Id, "duration", time.Since(start))

		raw, err := json.Marshal(value)
		if err != nil {
			return annotateResult{}, fmt.Errorf("invalid annotation value: %s", err.Error())
		}

		result := annotateResult{value: datatypes.JSON(raw)}

		// The schema can name a field inside the annotation value that carries
		// the event time for this result.
		if job.schema.FieldSpecificTime != "" {
			if field, found := ResolveField(value, job.schema.FieldSpecificTime); found {
				if ts, ok := parseTimestamp(field); ok {
					utc := ts.UTC()
					result.eventTime = &utc
				}
			}
		}

		return result, nil
	}
}

func (proc *TaskProcessor) annotateInPool(ctx context.Context, run database.Run, jobs []annotateJob) chan utils.CompletedTask[annotateJob, annotateResult] {
	queue := make(chan annotateJob, len(jobs))
	for _, job := range jobs {
		queue <- job
	}
	close(queue)

	completed := make(chan utils.CompletedTask[annotateJob, annotateResult], len(jobs))
	utils.RunInPool(proc.annotateWorker(ctx, run), queue, completed, annotateWorkers)

	return completed
}

func (proc *TaskProcessor) processRunTask(ctx context.Context, payload messaging.RunTaskPayload) error {
	runId := payload.RunId

	slog.Info("processing run task", "run_id", runId)

	var run database.Run
	if err := proc.db.Preload("Schemas").Preload("Assets").First(&run, "id = ?", runId).Error; err != nil {
		slog.Error("error fetching run", "run_id", runId, "error", err)
		return fmt.Errorf("error getting run: %w", err)
	}

	if run.Status == database.RunCompleted || run.Status == database.RunCompletedWithErrors {
		slog.Info("run already completed, skipping run task", "run_id", runId, "status", run.Status)
		return nil
	}

	schemaIds := make([]uuid.UUID, 0, len(run.Schemas))
	for _, rs := range run.Schemas {
		schemaIds = append(schemaIds, rs.SchemaId)
	}

	var schemas []database.Schema
	if err := proc.db.Where("id IN ?", schemaIds).Find(&schemas).Error; err != nil {
		slog.Error("error fetching run schemas", "run_id", runId, "error", err)
		return fmt.Errorf("error getting run schemas: %w", err)
	}

	var assets []database.Asset
	if len(run.Assets) > 0 {
		assetIds := make([]uuid.UUID, 0, len(run.Assets))
		for _, ra := range run.Assets {
			assetIds = append(assetIds, ra.AssetId)
		}
		if err := proc.db.Where("id IN ?", assetIds).Find(&assets).Error; err != nil {
			slog.Error("error fetching run assets", "run_id", runId, "error", err)
			return fmt.Errorf("error getting run assets: %w", err)
		}
	} else {
		assetQuery := proc.db.Where("workspace_id = ?", run.WorkspaceId)
		if run.BundleId.Valid {
			assetQuery = assetQuery.Where("bundle_id = ?", run.BundleId.UUID)
		}
		if err := assetQuery.Find(&assets).Error; err != nil {
			slog.Error("error fetching run assets", "run_id", runId, "error", err)
			return fmt.Errorf("error getting run assets: %w", err)
		}
	}

	database.UpdateRunStatus(ctx, proc.db, runId, database.RunRunning) //nolint:errcheck

	annotations := make([]database.Annotation, 0, len(assets)*len(schemas))
	for _, asset := range assets {
		for _, schema := range schemas {
			annotations = append(annotations, database.Annotation{
				Id:       uuid.New(),
				RunId:    runId,
				AssetId:  asset.Id,
				SchemaId: schema.Id,
				Status:   database.AnnotationPending,
			})
		}
	}

	if len(annotations) > 0 {
		if err := proc.db.CreateInBatches(&annotations, 100).Error; err != nil {
			slog.Error("error creating annotation rows", "run_id", runId, "error", err)
			database.UpdateRunStatus(ctx, proc.db, runId, database.RunFailed) //nolint:errcheck
			database.SaveRunError(ctx, proc.db, runId, fmt.Sprintf("error creating annotations: %s", err.Error()))
			return fmt.Errorf("error creating annotations: %w", err)
		}
	}

	if err := proc.db.
		Model(&database.Run{}).
		Where("id = ?", runId).
		UpdateColumn("total_annotation_count", len(annotations)).
		Error; err != nil {
		slog.Warn("failed to update total_annotation_count", "run_id", runId, "total", len(annotations), "error", err)
	}

	failedCnt := 0

	jobs := make([]annotateJob, 0, len(annotations))
	for _, asset := range assets {
		content, err := proc.assetContent(ctx, asset)
		if err != nil {
			slog.Error("error fetching asset content", "run_id", runId, "asset_id", asset.Id, "error", err)
			for _, schema := range schemas {
				proc.failAnnotation(ctx, runId, asset.Id, schema.Id, fmt.Sprintf("error fetching asset content: %s", err.Error()))
				proc.updateAnnotationCount(runId, false) //nolint:errcheck
				failedCnt++
			}
			continue
		}

		for _, schema := range schemas {
			jobs = append(jobs, annotateJob{asset: asset, schema: schema, content: content})
		}
	}

	for task := range proc.annotateInPool(ctx, run, jobs) {
		if task.Error != nil {
			slog.Error("error annotating asset", "run_id", runId, "asset_id", task.Input.asset.Id, "schema_id", task.Input.schema.Id, "error", task.Error)
			proc.failAnnotation(ctx, runId, task.Input.asset.Id, task.Input.schema.Id, task.Error.Error())
			proc.updateAnnotationCount(runId, false) //nolint:errcheck
			failedCnt++
			continue
		}

		if err := proc.saveAnnotation(ctx, runId, task.Input.asset.Id, task.Input.schema.Id, task.Result); err != nil {
			proc.updateAnnotationCount(runId, false) //nolint:errcheck
			failedCnt++
			continue
		}
		proc.updateAnnotationCount(runId, true) //nolint:errcheck
	}

	if err := database.UpdateRunCounts(ctx, proc.db, runId); err != nil {
		slog.Warn("failed to update final run counts", "run_id", runId, "error", err)
	}

	if failedCnt > 0 {
		database.SaveRunError(ctx, proc.db, runId, fmt.Sprintf("%d of %d annotations failed", failedCnt, len(annotations)))
		if err := database.UpdateRunStatus(ctx, proc.db, runId, database.RunCompletedWithErrors); err != nil {
			return fmt.Errorf("error updating run status: %w", err)
		}
	} else {
		if err := database.UpdateRunStatus(ctx, proc.db, runId, database.RunCompleted); err != nil {
			return fmt.Errorf("error updating run status to complete: %w", err)
		}
	}

	slog.Info("run task completed", "run_id", runId, "annotations", len(annotations), "failed", failedCnt)

	return nil
}

func (proc *TaskProcessor) processRetryTask(ctx context.Context, payload messaging.RetryTaskPayload) error {
	runId := payload.RunId

	slog.Info("processing retry task", "run_id", runId)

	var run database.Run
	if err := proc.db.First(&run, "id = ?", runId).Error; err != nil {
		slog.Error("error fetching run", "run_id", runId, "error", err)
		return fmt.Errorf("error getting run: %w", err)
	}

	if run.Status != database.RunCompletedWithErrors {
		slog.Info("run has no retryable failures, skipping retry task", "run_id", runId, "status", run.Status)
		return nil
	}

	var failed []database.Annotation
	if err := proc.db.Where("run_id = ? AND status = ?", runId, database.AnnotationFailed).Find(&failed).Error; err != nil {
		slog.Error("error fetching failed annotations", "run_id", runId, "error", err)
		return fmt.Errorf("error getting failed annotations: %w", err)
	}

	database.UpdateRunStatus(ctx, proc.db, runId, database.RunRunning) //nolint:errcheck

	assetIds := make([]uuid.UUID, 0, len(failed))
	schemaIds := make([]uuid.UUID, 0, len(failed))
	for _, annotation := range failed {
		assetIds = append(assetIds, annotation.AssetId)
		schemaIds = append(schemaIds, annotation.SchemaId)
	}

	var assets []database.Asset
	if err := proc.db.Where("id IN ?", assetIds).Find(&assets).Error; err != nil {
		return fmt.Errorf("error getting assets for retry: %w", err)
	}
	assetById := make(map[uuid.UUID]database.Asset, len(assets))
	for _, asset := range assets {
		assetById[asset.Id] = asset
	}

	var schemas []database.Schema
	if err := proc.db.Where("id IN ?", schemaIds).Find(&schemas).Error; err != nil {
		return fmt.Errorf("error getting schemas for retry: %w", err)
	}
	schemaById := make(map[uuid.UUID]database.Schema, len(schemas))
	for _, schema := range schemas {
		schemaById[schema.Id] = schema
	}

	contentByAsset := make(map[uuid.UUID]string)

	remaining := 0

	jobs := make([]annotateJob, 0, len(failed))
	for _, annotation := range failed {
		asset, ok := assetById[annotation.AssetId]
		if !ok {
			proc.failAnnotation(ctx, runId, annotation.AssetId, annotation.SchemaId, "asset no longer exists")
			remaining++
			continue
		}
		schema, ok := schemaById[annotation.SchemaId]
		if !ok {
			proc.failAnnotation(ctx, runId, annotation.AssetId, annotation.SchemaId, "schema no longer exists")
			remaining++
			continue
		}

		content, ok := contentByAsset[asset.Id]
		if !ok {
			fetched, err := proc.assetContent(ctx, asset)
			if err != nil {
				slog.Error("error fetching asset content", "run_id", runId, "asset_id", asset.Id, "error", err)
				proc.failAnnotation(ctx, runId, asset.Id, schema.Id, fmt.Sprintf("error fetching asset content: %s", err.Error()))
				remaining++
				continue
			}
			content = fetched
			contentByAsset[asset.Id] = content
		}

		jobs = append(jobs, annotateJob{asset: asset, schema: schema, content: content})
	}

	for task := range proc.annotateInPool(ctx, run, jobs) {
		if task.Error != nil {
			slog.Error("error annotating asset", "run_id", runId, "asset_id", task.Input.asset.Id, "schema_id", task.Input.schema.Id, "error", task.Error)
			proc.failAnnotation(ctx, runId, task.Input.asset.Id, task.Input.schema.Id, task.Error.Error())
			remaining++
			continue
		}

		if err := proc.saveAnnotation(ctx, runId, task.Input.asset.Id, task.Input.schema.Id, task.Result); err != nil {
			remaining++
		}
	}

	if err := database.UpdateRunCounts(ctx, proc.db, runId); err != nil {
		slog.Warn("failed to update run counts after retry", "run_id", runId, "error", err)
	}

	if remaining > 0 {
		database.SaveRunError(ctx, proc.db, runId, fmt.Sprintf("%d annotations remain in FAILED state after retry attempt.", remaining))
		if err := database.UpdateRunStatus(ctx, proc.db, runId, database.RunCompletedWithErrors); err != nil {
			return fmt.Errorf("error updating run status: %w", err)
		}
	} else {
		if err := database.UpdateRunStatus(ctx, proc.db, runId, database.RunCompleted); err != nil {
			return fmt.Errorf("error updating run status to complete: %w", err)
		}
	}

	slog.Info("retry task completed", "run_id", runId, "retried", len(failed), "remaining_failed", remaining)

	return nil
}

// assetContent returns the text the engine should annotate. Small assets
// carry their text inline, larger uploads live in object storage.
func (proc *TaskProcessor) assetContent(ctx context.Context, asset database.Asset) (string, error) {
	if asset.TextContent != "" {
		return asset.TextContent, nil
	}
	if asset.StorageKey == "" {
		return "", fmt.Errorf("asset %s has no inline text and no storage key", asset.Id)
	}
	data, err := proc.storage.GetObject(ctx, proc.assetBucket, asset.StorageKey)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (proc *TaskProcessor) saveAnnotation(ctx context.Context, runId, assetId, schemaId uuid.UUID, result annotateResult) error {
	updates := map[string]any{
		"value":     result.value,
		"status":    database.AnnotationSuccess,
		"error":     "",
		"timestamp": time.Now().UTC(),
	}
	if result.eventTime != nil {
		updates["event_timestamp"] = *result.eventTime
	}

	if err := proc.db.WithContext(ctx).
		Model(&database.Annotation{}).
		Where("run_id = ? AND asset_id = ? AND schema_id = ?", runId, assetId, schemaId).
		Updates(updates).Error; err != nil {
		slog.Error("error saving annotation", "run_id", runId, "asset_id", assetId, "schema_id", schemaId, "error", err)
		return fmt.Errorf("error saving annotation: %w", err)
	}

	return nil
}

func (proc *TaskProcessor) failAnnotation(ctx context.Context, runId, assetId, schemaId uuid.UUID, message string) {
	if err := proc.db.WithContext(ctx).
		Model(&database.Annotation{}).
		Where("run_id = ? AND asset_id = ? AND schema_id = ?", runId, assetId, schemaId).
		Updates(map[string]any{
			"status":    database.AnnotationFailed,
			"error":     message,
			"timestamp": time.Now().UTC(),
		}).Error; err != nil {
		slog.Error("error marking annotation as failed", "run_id", runId, "asset_id", assetId, "schema_id", schemaId, "error", err)
	}
}
