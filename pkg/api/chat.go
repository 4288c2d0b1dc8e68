package api

import "github.com/google/uuid"

type StartSessionRequest struct {
	Model string `json:"model"`
	Title string `json:"title"`
}

type ChatSessionMetadata struct {
	ID          uuid.UUID  `json:"id"`
	Title       string     `json:"title"`
	WorkspaceId *uuid.UUID `json:"workspace_id,omitempty"`
}

type GetSessionsResponse struct {
	Sessions []ChatSessionMetadata `json:"sessions"`
}

type StartSessionResponse struct {
	SessionID string `json:"session_id"`
}

type RenameSessionRequest struct {
	Title string `json:"title"`
}

type ChatRequest struct {
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
	Message string `json:"message"`
}

// ToolCall records one tool the assistant invoked while answering, with the
// arguments it chose and a short result summary.
type ToolCall struct {
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"`
	Result    string `json:"result,omitempty"`
}

type ChatResponse struct {
	Reply     string     `json:"reply"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ChatHistoryItem struct {
	MessageType string `json:"message_type"` // "user" or "ai"
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
	Metadata    any    `json:"metadata,omitempty"` // Optional metadata field
}

type ApiKey struct {
	ApiKey string `json:"api_key"`
}
