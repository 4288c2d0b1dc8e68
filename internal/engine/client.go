package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

const requestTimeout = 120 * time.Second

// Annotator is the interface the worker uses to talk to the external
// annotation engine. The engine receives an asset's content together with the
// schema's output contract and returns the structured annotation value.
type Annotator interface {
	Annotate(ctx context.Context, req AnnotateRequest) (map[string]any, error)

	ListModels(ctx context.Context) ([]string, error)
}

type AnnotateRequest struct {
	Model          string         `json:"model"`
	SchemaName     string         `json:"schema_name"`
	OutputContract map[string]any `json:"output_contract"`
	Content        string         `json:"content"`
}

type annotateResponse struct {
	Value map[string]any `json:"value"`
}

type listModelsResponse struct {
	Models []string `json:"models"`
}

type Client struct {
	client *resty.Client
}

func NewClient(baseURL, apiKey string) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout)

	if apiKey != "" {
		client.SetHeader("Authorization", "Bearer "+apiKey)
	}

	return &Client{client: client}
}

var _ Annotator = &Client{}

func (c *Client) Annotate(ctx context.Context, req AnnotateRequest) (map[string]any, error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post("/v1/annotate")

	if err != nil {
		slog.Error("unable to reach annotation engine", "model", req.Model, "error", err)
		return nil, fmt.Errorf("error calling annotation engine: %w", err)
	}

	if !res.IsSuccess() {
		slog.Error("annotation engine returned error", "model", req.Model, "status_code", res.StatusCode(), "body", res.String())
		return nil, fmt.Errorf("annotation engine returned status %d", res.StatusCode())
	}

	var parsed annotateResponse
	if err := json.Unmarshal(res.Body(), &parsed); err != nil {
		slog.Error("error parsing response from annotation engine", "error", err)
		return nil, fmt.Errorf("error parsing annotation engine response: %w", err)
	}

	if parsed.Value == nil {
		return nil, fmt.Errorf("annotation engine returned no value")
	}

	return parsed.Value, nil
}

func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	res, err := c.client.R().
		SetContext(ctx).
		Get("/v1/models")

	if err != nil {
		slog.Error("unable to reach annotation engine", "error", err)
		return nil, fmt.Errorf("error calling annotation engine: %w", err)
	}

	if !res.IsSuccess() {
		slog.Error("annotation engine returned error", "status_code", res.StatusCode(), "body", res.String())
		return nil, fmt.Errorf("annotation engine returned status %d", res.StatusCode())
	}

	var parsed listModelsResponse
	if err := json.Unmarshal(res.Body(), &parsed); err != nil {
		slog.Error("error parsing response from annotation engine", "error", err)
		return nil, fmt.Errorf("error parsing annotation engine response: %w", err)
	}

	return parsed.Models, nil
}
