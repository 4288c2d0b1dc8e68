package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"annotation-backend/internal/core"
	"annotation-backend/internal/core/types"
	"annotation-backend/internal/database"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultToolLimit = 10
	maxToolLimit     = 25
	excerptRunes     = 240
)

// Toolkit exposes workspace data to the chat model. Every tool runs server
// side against the same tables and pipeline stages the REST views use, scoped
// to a single workspace.
type Toolkit struct {
	db          *gorm.DB
	workspaceId uuid.UUID
}

func NewToolkit(db *gorm.DB, workspaceId uuid.UUID) *Toolkit {
	return &Toolkit{db: db, workspaceId: workspaceId}
}

func (t *Toolkit) Definitions() []llms.Tool {
	return []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "search_assets",
				Description: "Search assets in the workspace by a case-insensitive substring over their title and text.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string", "description": "Substring to search for."},
						"limit": map[string]any{"type": "integer", "description": "Maximum number of assets to return, at most 25."},
					},
					"required": []string{"query"},
				},
			},
		},
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "get_asset_details",
				Description: "Return the full record of a single asset: title, kind, text excerpt, bundle, source and timestamps.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"asset_id": map[string]any{"type": "string", "description": "UUID of the asset."},
					},
					"required": []string{"asset_id"},
				},
			},
		},
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "get_annotations",
				Description: "List annotations produced for an asset or a run, including extracted values and failure messages.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"asset_id": map[string]any{"type": "string", "description": "UUID of an asset to list annotations for."},
						"run_id":   map[string]any{"type": "string", "description": "UUID of a run to list annotations for."},
						"limit":    map[string]any{"type": "integer", "description": "Maximum number of annotations to return, at most 25."},
					},
				},
			},
		},
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "filter_results",
				Description: "Evaluate a filter query over the successful results of a run and return the matching results. " +
					"Queries look like: status = \"open\" AND severity >= 3, with operators =, !=, <, <=, >, >=, CONTAINS, STARTSWITH, ENDSWITH, MATCHES, IS EMPTY, IS NOT EMPTY, combined with AND, OR, NOT and parentheses.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"run_id": map[string]any{"type": "string", "description": "UUID of the run to filter."},
						"query":  map[string]any{"type": "string", "description": "Filter query over annotation fields."},
						"limit":  map[string]any{"type": "integer", "description": "Maximum number of matches to return, at most 25."},
					},
					"required": []string{"run_id", "query"},
				},
			},
		},
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "label_distribution",
				Description: "Count how often each value of a field occurs across the successful results of a run.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"run_id":     map[string]any{"type": "string", "description": "UUID of the run."},
						"field_path": map[string]any{"type": "string", "description": "Dot separated path of the field to count."},
						"top_n":      map[string]any{"type": "integer", "description": "Keep only the N most frequent labels. Zero keeps everything."},
					},
					"required": []string{"run_id", "field_path"},
				},
			},
		},
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "list_schemas",
				Description: "List the active annotation schemas of the workspace with the field paths their output contracts declare.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
		},
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "list_bundles",
				Description: "List the asset bundles of the workspace.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
		},
	}
}

func (t *Toolkit) Execute(ctx context.Context, name, arguments string) (string, error) {
	switch name {
	case "search_assets":
		return t.searchAssets(ctx, arguments)
	case "get_asset_details":
		return t.getAssetDetails(ctx, arguments)
	case "get_annotations":
		return t.getAnnotations(ctx, arguments)
	case "filter_results":
		return t.filterResults(ctx, arguments)
	case "label_distribution":
		return t.labelDistribution(ctx, arguments)
	case "list_schemas":
		return t.listSchemas(ctx)
	case "list_bundles":
		return t.listBundles(ctx)
	default:
		return "", fmt.Errorf("unknown tool '%s'", name)
	}
}

type searchAssetsArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (t *Toolkit) searchAssets(ctx context.Context, arguments string) (string, error) {
	args, err := parseToolArgs[searchAssetsArgs](arguments)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("search_assets requires a query")
	}

	pattern := "%" + strings.ToLower(args.Query) + "%"
	var assets []database.Asset
	err = t.db.WithContext(ctx).
		Where("workspace_id = ?", t.workspaceId).
		Where("lower(title) LIKE ? OR lower(text_content) LIKE ?", pattern, pattern).
		Order("creation_time asc").
		Limit(clampToolLimit(args.Limit)).
		Find(&assets).Error
	if err != nil {
		return "", fmt.Errorf("error searching assets: %w", err)
	}

	type hit struct {
		Id      uuid.UUID `json:"id"`
		Title   string    `json:"title"`
		Kind    string    `json:"kind,omitempty"`
		Excerpt string    `json:"excerpt,omitempty"`
	}
	hits := make([]hit, 0, len(assets))
	for _, asset := range assets {
		hits = append(hits, hit{Id: asset.Id, Title: asset.Title, Kind: asset.Kind, Excerpt: excerpt(asset.TextContent)})
	}
	return marshalToolResult(map[string]any{"assets": hits, "count": len(hits)})
}

type assetDetailsArgs struct {
	AssetId string `json:"asset_id"`
}

func (t *Toolkit) getAssetDetails(ctx context.Context, arguments string) (string, error) {
	args, err := parseToolArgs[assetDetailsArgs](arguments)
	if err != nil {
		return "", err
	}
	assetId, err := uuid.Parse(args.AssetId)
	if err != nil {
		return "", fmt.Errorf("invalid asset_id: %w", err)
	}

	var asset database.Asset
	if err := t.db.WithContext(ctx).First(&asset, "id = ? AND workspace_id = ?", assetId, t.workspaceId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("asset %v not found in this workspace", assetId)
		}
		return "", fmt.Errorf("error retrieving asset: %w", err)
	}

	details := map[string]any{
		"id":            asset.Id,
		"title":         asset.Title,
		"kind":          asset.Kind,
		"text":          excerpt(asset.TextContent),
		"creation_time": asset.CreationTime,
	}
	if asset.BundleId.Valid {
		details["bundle_id"] = asset.BundleId.UUID
	}
	if asset.SourceId.Valid {
		details["source_id"] = asset.SourceId.UUID
	}
	if asset.EventTimestamp.Valid {
		details["event_timestamp"] = asset.EventTimestamp.Time
	}
	if len(asset.SourceMetadata) > 0 {
		details["source_metadata"] = json.RawMessage(asset.SourceMetadata)
	}
	return marshalToolResult(details)
}

type annotationsArgs struct {
	AssetId string `json:"asset_id"`
	RunId   string `json:"run_id"`
	Limit   int    `json:"limit"`
}

func (t *Toolkit) getAnnotations(ctx context.Context, arguments string) (string, error) {
	args, err := parseToolArgs[annotationsArgs](arguments)
	if err != nil {
		return "", err
	}
	if args.AssetId == "" && args.RunId == "" {
		return "", fmt.Errorf("get_annotations requires an asset_id or a run_id")
	}

	query := t.db.WithContext(ctx).
		Joins("JOIN runs ON runs.id = annotations.run_id").
		Where("runs.workspace_id = ?", t.workspaceId)
	if args.AssetId != "" {
		assetId, err := uuid.Parse(args.AssetId)
		if err != nil {
			return "", fmt.Errorf("invalid asset_id: %w", err)
		}
		query = query.Where("annotations.asset_id = ?", assetId)
	}
	if args.RunId != "" {
		runId, err := uuid.Parse(args.RunId)
		if err != nil {
			return "", fmt.Errorf("invalid run_id: %w", err)
		}
		query = query.Where("annotations.run_id = ?", runId)
	}

	var annotations []database.Annotation
	if err := query.Order("annotations.id asc").Limit(clampToolLimit(args.Limit)).Find(&annotations).Error; err != nil {
		return "", fmt.Errorf("error retrieving annotations: %w", err)
	}

	type row struct {
		Id       uuid.UUID       `json:"id"`
		RunId    uuid.UUID       `json:"run_id"`
		AssetId  uuid.UUID       `json:"asset_id"`
		SchemaId uuid.UUID       `json:"schema_id"`
		Status   string          `json:"status"`
		Value    json.RawMessage `json:"value,omitempty"`
		Error    string          `json:"error,omitempty"`
	}
	rows := make([]row, 0, len(annotations))
	for _, annotation := range annotations {
		rows = append(rows, row{
			Id:       annotation.Id,
			RunId:    annotation.RunId,
			AssetId:  annotation.AssetId,
			SchemaId: annotation.SchemaId,
			Status:   annotation.Status,
			Value:    json.RawMessage(annotation.Value),
			Error:    annotation.Error,
		})
	}
	return marshalToolResult(map[string]any{"annotations": rows, "count": len(rows)})
}

type filterResultsArgs struct {
	RunId string `json:"run_id"`
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (t *Toolkit) filterResults(ctx context.Context, arguments string) (string, error) {
	args, err := parseToolArgs[filterResultsArgs](arguments)
	if err != nil {
		return "", err
	}
	runId, err := uuid.Parse(args.RunId)
	if err != nil {
		return "", fmt.Errorf("invalid run_id: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("filter_results requires a query")
	}

	tree, err := core.ParseQuery(args.Query)
	if err != nil {
		return "", fmt.Errorf("invalid filter query: %w", err)
	}

	schemas, results, err := t.loadRunResults(ctx, runId)
	if err != nil {
		return "", err
	}

	pipeline := core.ViewPipeline{Schemas: core.NewSchemaSet(schemas), Query: tree}
	visible := pipeline.VisibleResults(results)

	limit := clampToolLimit(args.Limit)
	sample := visible
	if len(sample) > limit {
		sample = sample[:limit]
	}

	type row struct {
		AssetId  uuid.UUID      `json:"asset_id"`
		SchemaId uuid.UUID      `json:"schema_id"`
		Value    map[string]any `json:"value,omitempty"`
	}
	rows := make([]row, 0, len(sample))
	for _, result := range sample {
		rows = append(rows, row{AssetId: result.AssetId, SchemaId: result.SchemaId, Value: result.Value})
	}
	return marshalToolResult(map[string]any{"total_matches": len(visible), "results": rows})
}

type labelDistributionArgs struct {
	RunId     string `json:"run_id"`
	FieldPath string `json:"field_path"`
	TopN      int    `json:"top_n"`
}

func (t *Toolkit) labelDistribution(ctx context.Context, arguments string) (string, error) {
	args, err := parseToolArgs[labelDistributionArgs](arguments)
	if err != nil {
		return "", err
	}
	runId, err := uuid.Parse(args.RunId)
	if err != nil {
		return "", fmt.Errorf("invalid run_id: %w", err)
	}
	if strings.TrimSpace(args.FieldPath) == "" {
		return "", fmt.Errorf("label_distribution requires a field_path")
	}

	schemas, results, err := t.loadRunResults(ctx, runId)
	if err != nil {
		return "", err
	}

	pipeline := core.ViewPipeline{Schemas: core.NewSchemaSet(schemas)}
	distribution := pipeline.LabelDistribution(results, core.LabelDistributionConfig{
		FieldPath: args.FieldPath,
		TopN:      args.TopN,
	})
	return marshalToolResult(distribution)
}

func (t *Toolkit) listSchemas(ctx context.Context) (string, error) {
	var schemas []database.Schema
	err := t.db.WithContext(ctx).
		Where("workspace_id = ? AND archived = ?", t.workspaceId, false).
		Order("creation_time asc").
		Find(&schemas).Error
	if err != nil {
		return "", fmt.Errorf("error retrieving schemas: %w", err)
	}

	type row struct {
		Id          uuid.UUID `json:"id"`
		Name        string    `json:"name"`
		Description string    `json:"description,omitempty"`
		Fields      []string  `json:"fields,omitempty"`
	}
	rows := make([]row, 0, len(schemas))
	for _, schema := range schemas {
		rows = append(rows, row{
			Id:          schema.Id,
			Name:        schema.Name,
			Description: schema.Description,
			Fields:      contractFieldPaths(jsonMap(schema.OutputContract)),
		})
	}
	return marshalToolResult(map[string]any{"schemas": rows})
}

func (t *Toolkit) listBundles(ctx context.Context) (string, error) {
	var bundles []database.Bundle
	err := t.db.WithContext(ctx).
		Where("workspace_id = ?", t.workspaceId).
		Order("creation_time asc").
		Find(&bundles).Error
	if err != nil {
		return "", fmt.Errorf("error retrieving bundles: %w", err)
	}

	type row struct {
		Id          uuid.UUID `json:"id"`
		Name        string    `json:"name"`
		Description string    `json:"description,omitempty"`
	}
	rows := make([]row, 0, len(bundles))
	for _, bundle := range bundles {
		rows = append(rows, row{Id: bundle.Id, Name: bundle.Name, Description: bundle.Description})
	}
	return marshalToolResult(map[string]any{"bundles": rows})
}

// loadRunResults loads the schemas and successful results of a run the same
// way the view endpoints do, so tool answers agree with what the UI shows.
func (t *Toolkit) loadRunResults(ctx context.Context, runId uuid.UUID) ([]types.Schema, []types.AnnotationResult, error) {
	var run database.Run
	if err := t.db.WithContext(ctx).Preload("Schemas").First(&run, "id = ? AND workspace_id = ?", runId, t.workspaceId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("run %v not found in this workspace", runId)
		}
		return nil, nil, fmt.Errorf("error retrieving run: %w", err)
	}

	schemaIds := make([]uuid.UUID, 0, len(run.Schemas))
	for _, link := range run.Schemas {
		schemaIds = append(schemaIds, link.SchemaId)
	}

	var schemaRows []database.Schema
	if err := t.db.WithContext(ctx).Where("id IN ?", schemaIds).Order("creation_time asc").Find(&schemaRows).Error; err != nil {
		return nil, nil, fmt.Errorf("error retrieving run schemas: %w", err)
	}

	var annotations []database.Annotation
	err := t.db.WithContext(ctx).
		Where("run_id = ? AND status = ?", runId, database.AnnotationSuccess).
		Order("id asc").
		Find(&annotations).Error
	if err != nil {
		return nil, nil, fmt.Errorf("error retrieving annotations: %w", err)
	}

	schemas := make([]types.Schema, 0, len(schemaRows))
	for _, schema := range schemaRows {
		schemas = append(schemas, types.Schema{
			Id:                schema.Id,
			Name:              schema.Name,
			OutputContract:    jsonMap(schema.OutputContract),
			FieldSpecificTime: schema.FieldSpecificTime,
		})
	}

	results := make([]types.AnnotationResult, 0, len(annotations))
	for _, annotation := range annotations {
		result := types.AnnotationResult{
			Id:        annotation.Id,
			AssetId:   annotation.AssetId,
			SchemaId:  annotation.SchemaId,
			RunId:     annotation.RunId,
			Value:     jsonMap(annotation.Value),
			Status:    annotation.Status,
			Timestamp: annotation.Timestamp,
		}
		if annotation.EventTimestamp.Valid {
			ts := annotation.EventTimestamp.Time
			result.EventTimestamp = &ts
		}
		results = append(results, result)
	}

	return schemas, results, nil
}

func parseToolArgs[T any](arguments string) (T, error) {
	var args T
	if strings.TrimSpace(arguments) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return args, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

func marshalToolResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("could not marshal tool result: %w", err)
	}
	return string(data), nil
}

func clampToolLimit(limit int) int {
	if limit <= 0 {
		return defaultToolLimit
	}
	if limit > maxToolLimit {
		return maxToolLimit
	}
	return limit
}

func excerpt(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= excerptRunes {
		return text
	}
	return string(runes[:excerptRunes]) + "..."
}

func jsonMap(raw datatypes.JSON) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// Field paths declared by an output contract, top level properties plus the
// ones nested under a "document" object.
func contractFieldPaths(contract map[string]any) []string {
	props, ok := contract["properties"].(map[string]any)
	if !ok {
		return nil
	}

	var fields []string
	for name := range props {
		if name == "document" {
			if doc, ok := props["document"].(map[string]any); ok {
				if inner, ok := doc["properties"].(map[string]any); ok {
					for innerName := range inner {
						fields = append(fields, innerName)
					}
					continue
				}
			}
		}
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields
}
