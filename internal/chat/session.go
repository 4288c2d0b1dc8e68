package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"annotation-backend/internal/database"
	"annotation-backend/pkg/api"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxToolRounds caps how many tool round trips a single message may trigger.
// Once exhausted the model is called without tools so it has to answer.
const maxToolRounds = 5

const systemPrompt = "You are an assistant for an annotation workspace. " +
	"Workspaces hold assets (documents and records), annotation schemas, asset bundles, " +
	"and runs that extract structured values from assets. Use the available tools to look up " +
	"real data before answering, and say so when a tool returns nothing. Keep answers short " +
	"and refer to assets and runs by title or name, with the id in parentheses."

var supportedChatModels = map[string]string{
	"gpt-4o":      "gpt-4o",
	"gpt-4o-mini": "gpt-4o-mini",
	"gpt-4":       "gpt-4",
}

// ResolveModel maps a requested chat model name onto the engine name passed
// to the provider, rejecting models outside the allow list.
func ResolveModel(model string) (string, error) {
	engine, ok := supportedChatModels[model]
	if !ok {
		return "", fmt.Errorf("chat model '%s' is not supported", model)
	}
	return engine, nil
}

type ChatSession struct {
	mu          sync.Mutex
	db          *gorm.DB
	sessionID   uuid.UUID
	workspaceId uuid.UUID
	model       string
	apiKey      string
	client      *openai.LLM
	tools       *Toolkit
}

func NewChatSession(db *gorm.DB, sessionID, workspaceId uuid.UUID, model, apiKey string) (*ChatSession, error) {
	client, err := openai.New(openai.WithToken(apiKey), openai.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("could not create OpenAI client: %v", err)
	}

	return &ChatSession{
		db:          db,
		sessionID:   sessionID,
		workspaceId: workspaceId,
		model:       model,
		apiKey:      apiKey,
		client:      client,
		tools:       NewToolkit(db, workspaceId),
	}, nil
}

// Chat sends one user message through the model, executing any tools it asks
// for, and persists both sides of the exchange along with the tool trace.
func (session *ChatSession) Chat(ctx context.Context, userInput string) (string, []api.ToolCall, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if err := session.saveMessage("user", userInput, nil); err != nil {
		return "", nil, err
	}

	history, err := GetChatHistory(session.db, session.sessionID)
	if err != nil {
		return "", nil, err
	}

	messages := make([]llms.MessageContent, 0, len(history)+1)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	for _, msg := range history {
		role := llms.ChatMessageTypeHuman
		if msg.MessageType == "ai" {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, msg.Content))
	}

	reply, trace, err := session.converse(ctx, messages)
	if err != nil {
		return "", nil, err
	}

	if err := session.saveMessage("ai", reply, trace); err != nil {
		return "", nil, err
	}

	return reply, trace, nil
}

// converse runs the tool round trip: the model either answers in text or asks
// for tool calls, whose results are appended as tool messages before asking
// again.
func (session *ChatSession) converse(ctx context.Context, messages []llms.MessageContent) (string, []api.ToolCall, error) {
	var trace []api.ToolCall

	for round := 0; ; round++ {
		var opts []llms.CallOption
		if round < maxToolRounds {
			opts = append(opts, llms.WithTools(session.tools.Definitions()))
		}

		resp, err := session.client.GenerateContent(ctx, messages, opts...)
		if err != nil {
			return "", nil, fmt.Errorf("error calling chat model: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", nil, fmt.Errorf("chat model returned no choices")
		}

		choice := resp.Choices[0]
		if len(choice.ToolCalls) == 0 {
			return choice.Content, trace, nil
		}

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if choice.Content != "" {
			assistant.Parts = append(assistant.Parts, llms.TextContent{Text: choice.Content})
		}
		for _, call := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, call)
		}
		messages = append(messages, assistant)

		for _, call := range choice.ToolCalls {
			if call.FunctionCall == nil {
				continue
			}

			result, err := session.tools.Execute(ctx, call.FunctionCall.Name, call.FunctionCall.Arguments)
			if err != nil {
				// The model sees the failure and can rephrase or move on.
				result = fmt.Sprintf("error: %v", err)
			}

			trace = append(trace, api.ToolCall{
				Tool:      call.FunctionCall.Name,
				Arguments: call.FunctionCall.Arguments,
				Result:    result,
			})

			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: call.ID,
					Name:       call.FunctionCall.Name,
					Content:    result,
				}},
			})
		}
	}
}

func (session *ChatSession) saveMessage(messageType, content string, trace []api.ToolCall) error {
	var metadataJSON datatypes.JSON = nil
	if len(trace) > 0 {
		b, err := json.Marshal(map[string]any{"tool_calls": trace})
		if err != nil {
			return fmt.Errorf("could not marshal metadata: %v", err)
		}
		metadataJSON = datatypes.JSON(b)
	}

	chatMessage := database.ChatHistory{
		SessionID:   session.sessionID,
		MessageType: messageType,
		Content:     content,
		Metadata:    metadataJSON,
	}
	return SaveChatMessage(session.db, &chatMessage)
}
