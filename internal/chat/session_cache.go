package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type sessionEntry struct {
	session      *ChatSession
	lastAccessed time.Time
}

// SessionCache keeps recently used chat sessions alive so consecutive
// messages reuse one client instead of rebuilding it per request. Least
// recently used sessions are dropped once the cache is full.
type SessionCache struct {
	lock     sync.Mutex
	sessions map[uuid.UUID]*sessionEntry
	maxSize  int
}

func NewSessionCache(maxSize int) *SessionCache {
	return &SessionCache{
		sessions: make(map[uuid.UUID]*sessionEntry, maxSize),
		maxSize:  maxSize,
	}
}

func (cache *SessionCache) GetSession(db *gorm.DB, sessionID, workspaceId uuid.UUID, model, apiKey string) (*ChatSession, error) {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	entry, exists := cache.sessions[sessionID]
	if exists && entry.session.model == model && entry.session.apiKey == apiKey {
		entry.lastAccessed = time.Now()
		return entry.session, nil
	}

	if !exists && len(cache.sessions) >= cache.maxSize {
		oldestSessionID := uuid.Nil
		var oldestTime time.Time
		for id, candidate := range cache.sessions {
			if oldestSessionID == uuid.Nil || candidate.lastAccessed.Before(oldestTime) {
				oldestSessionID = id
				oldestTime = candidate.lastAccessed
			}
		}
		delete(cache.sessions, oldestSessionID)
	}

	// Either a cold session or the model or key changed, build a fresh one.
	session, err := NewChatSession(db, sessionID, workspaceId, model, apiKey)
	if err != nil {
		return nil, err
	}
	cache.sessions[sessionID] = &sessionEntry{
		session:      session,
		lastAccessed: time.Now(),
	}

	return session, nil
}
