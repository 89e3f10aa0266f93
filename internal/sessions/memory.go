package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/donna/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for tests and
// ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	byKey    map[string]string // source:externalID -> session id
	messages map[string][]*models.Message
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		byKey:    map[string]string{},
		messages: map[string][]*models.Message{},
	}
}

func sessionKey(source models.Source, externalID string) string {
	return string(source) + ":" + externalID
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, source models.Source, externalID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(source, externalID)
	if id, ok := m.byKey[key]; ok {
		if session, ok := m.sessions[id]; ok {
			clone := *session
			return &clone, nil
		}
	}

	now := time.Now()
	session := &models.Session{
		ID:         uuid.NewString(),
		Source:     source,
		ExternalID: externalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.sessions[session.ID] = session
	m.byKey[key] = session.ID
	clone := *session
	return &clone, nil
}

func (m *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *session
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	m.sessions[clone.ID] = &clone
	if clone.ExternalID != "" {
		m.byKey[sessionKey(clone.Source, clone.ExternalID)] = clone.ID
	}
	session.ID = clone.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	if session.ExternalID != "" {
		delete(m.byKey, sessionKey(session.Source, session.ExternalID))
	}
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	clone := cloneMessage(msg)
	m.messages[sessionID] = append(m.messages[sessionID], clone)
	session.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := m.messages[sessionID]
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]*models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) FindPending(ctx context.Context, sessionID string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := m.messages[sessionID]
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Continuation != nil {
			return cloneMessage(messages[i]), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ClearPending(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, messages := range m.messages {
		for _, msg := range messages {
			if msg.ID == messageID {
				msg.Continuation = nil
				return nil
			}
		}
	}
	return ErrNotFound
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCall(nil), msg.ToolCalls...)
	}
	if msg.Continuation != nil {
		contClone := *msg.Continuation
		contClone.History = append([]models.TurnMessage(nil), msg.Continuation.History...)
		clone.Continuation = &contClone
	}
	return &clone
}
