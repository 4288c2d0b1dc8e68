package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"annotation-backend/internal/chat"
	"annotation-backend/internal/database"
	"annotation-backend/pkg/api"
)

// ChatService serves the conversational surface over workspace data. It is
// mounted beside the BackendService and owns the /chat subtree.
type ChatService struct {
	db       *gorm.DB
	sessions *chat.SessionCache
}

func NewChatService(db *gorm.DB) *ChatService {
	return &ChatService{
		db:       db,
		sessions: chat.NewSessionCache(32),
	}
}

func (s *ChatService) AddRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Route("/workspaces/{workspace_id}/sessions", func(r chi.Router) {
			r.Get("/", RestHandler(s.GetSessions))
			r.Post("/", RestHandler(s.StartSession))
		})
		r.Route("/sessions/{session_id}", func(r chi.Router) {
			r.Get("/", RestHandler(s.GetSession))
			r.Post("/rename", RestHandler(s.RenameSession))
			r.Delete("/", RestHandler(s.DeleteSession))
			r.Post("/messages", RestHandler(s.SendMessage))
			r.Get("/messages", RestHandler(s.GetHistory))
		})
	})
}

func (s *ChatService) GetSessions(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	sessions, err := chat.GetSessions(s.db, workspaceId)
	if err != nil {
		slog.Error("error retrieving chat sessions", "workspace_id", workspaceId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving chat sessions")
	}

	resp := api.GetSessionsResponse{Sessions: make([]api.ChatSessionMetadata, 0, len(sessions))}
	for _, session := range sessions {
		resp.Sessions = append(resp.Sessions, convertChatSession(session))
	}
	return resp, nil
}

func (s *ChatService) StartSession(r *http.Request) (any, error) {
	workspaceId, err := URLParamUUID(r, "workspace_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.StartSessionRequest](r)
	if err != nil {
		return nil, err
	}

	if _, err := chat.ResolveModel(req.Model); err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}

	var workspace database.Workspace
	if err := s.db.WithContext(r.Context()).First(&workspace, "id = ?", workspaceId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "workspace not found")
		}
		slog.Error("error retrieving workspace record", "workspace_id", workspaceId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving workspace record")
	}

	title := req.Title
	if title == "" {
		title = "New chat"
	}

	metadata, err := json.Marshal(map[string]string{"model": req.Model})
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New()
	session := database.ChatSession{
		ID:          sessionID,
		Title:       title,
		WorkspaceId: uuid.NullUUID{UUID: workspaceId, Valid: true},
		Metadata:    metadata,
	}
	if err := chat.CreateSession(s.db, &session); err != nil {
		slog.Error("failed to create chat session", "workspace_id", workspaceId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create chat session")
	}

	return api.StartSessionResponse{SessionID: sessionID.String()}, nil
}

func (s *ChatService) GetSession(r *http.Request) (any, error) {
	sessionID, err := URLParamUUID(r, "session_id")
	if err != nil {
		return nil, err
	}

	session, err := s.loadSession(sessionID)
	if err != nil {
		return nil, err
	}

	return convertChatSession(session), nil
}

func (s *ChatService) RenameSession(r *http.Request) (any, error) {
	sessionID, err := URLParamUUID(r, "session_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.RenameSessionRequest](r)
	if err != nil {
		return nil, err
	}
	if req.Title == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "session title is required")
	}

	if _, err := s.loadSession(sessionID); err != nil {
		return nil, err
	}

	if err := chat.UpdateSessionTitle(s.db, sessionID, req.Title); err != nil {
		slog.Error("failed to rename chat session", "session_id", sessionID, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to rename chat session")
	}

	return nil, nil
}

func (s *ChatService) DeleteSession(r *http.Request) (any, error) {
	sessionID, err := URLParamUUID(r, "session_id")
	if err != nil {
		return nil, err
	}

	if _, err := s.loadSession(sessionID); err != nil {
		return nil, err
	}

	if err := chat.DeleteSession(s.db, sessionID); err != nil {
		slog.Error("failed to delete chat session", "session_id", sessionID, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to delete chat session")
	}

	return nil, nil
}

func (s *ChatService) SendMessage(r *http.Request) (any, error) {
	sessionID, err := URLParamUUID(r, "session_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.ChatRequest](r)
	if err != nil {
		return nil, err
	}
	if req.Message == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "chat message is required")
	}
	if req.APIKey == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "an api key is required to call the chat model")
	}

	engine, err := chat.ResolveModel(req.Model)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}

	record, err := s.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if !record.WorkspaceId.Valid {
		return nil, CodedErrorf(http.StatusBadRequest, "chat session %v is not bound to a workspace", sessionID)
	}

	session, err := s.sessions.GetSession(s.db, sessionID, record.WorkspaceId.UUID, engine, req.APIKey)
	if err != nil {
		slog.Error("failed to initialize chat session", "session_id", sessionID, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to initialize chat session")
	}

	reply, toolCalls, err := session.Chat(r.Context(), req.Message)
	if err != nil {
		slog.Error("chat completion failed", "session_id", sessionID, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "chat completion failed")
	}

	// The session remembers which model answered last so clients can
	// preselect it.
	if metadata, err := json.Marshal(map[string]string{"model": req.Model}); err == nil {
		if err := chat.UpdateSessionMetadata(s.db, sessionID, metadata); err != nil {
			slog.Warn("failed to update chat session metadata", "session_id", sessionID, "error", err)
		}
	}

	return api.ChatResponse{Reply: reply, ToolCalls: toolCalls}, nil
}

func (s *ChatService) GetHistory(r *http.Request) (any, error) {
	sessionID, err := URLParamUUID(r, "session_id")
	if err != nil {
		return nil, err
	}

	if _, err := s.loadSession(sessionID); err != nil {
		return nil, err
	}

	history, err := chat.GetChatHistory(s.db, sessionID)
	if err != nil {
		slog.Error("error retrieving chat history", "session_id", sessionID, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving chat history")
	}

	resp := make([]api.ChatHistoryItem, 0, len(history))
	for _, msg := range history {
		item := api.ChatHistoryItem{
			MessageType: msg.MessageType,
			Content:     msg.Content,
			Timestamp:   msg.Timestamp.Format("2006-01-02 15:04:05"),
		}
		if len(msg.Metadata) > 0 {
			item.Metadata = json.RawMessage(msg.Metadata)
		}
		resp = append(resp, item)
	}
	return resp, nil
}

func (s *ChatService) loadSession(sessionID uuid.UUID) (database.ChatSession, error) {
	session, err := chat.GetSession(s.db, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session, CodedErrorf(http.StatusNotFound, "chat session not found")
		}
		slog.Error("error retrieving chat session", "session_id", sessionID, "error", err)
		return session, CodedErrorf(http.StatusInternalServerError, "error retrieving chat session record")
	}
	return session, nil
}

func convertChatSession(session database.ChatSession) api.ChatSessionMetadata {
	meta := api.ChatSessionMetadata{
		ID:    session.ID,
		Title: session.Title,
	}
	if session.WorkspaceId.Valid {
		id := session.WorkspaceId.UUID
		meta.WorkspaceId = &id
	}
	return meta
}
