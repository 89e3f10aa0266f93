// Package sessions maps external conversation identities to durable message
// histories and tracks at most one pending continuation per session.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/donna/pkg/models"
)

// ErrNotFound indicates an unknown session or message id.
var ErrNotFound = errors.New("session not found")

// Store is the persistence contract for sessions and their messages.
type Store interface {
	// GetOrCreate upserts the session for an external identity. Web threads
	// have no external id and are always created fresh via Create.
	GetOrCreate(ctx context.Context, source models.Source, externalID string) (*models.Session, error)
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	// History returns the most recent limit messages, oldest first.
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	// FindPending returns the most recent message carrying a continuation,
	// or nil when the session has none.
	FindPending(ctx context.Context, sessionID string) (*models.Message, error)
	// ClearPending removes the continuation from a message.
	ClearPending(ctx context.Context, messageID string) error
}

// DefaultHistoryWindow is the model-visible history size when none is set.
const DefaultHistoryWindow = 10

// Manager is the session/thread manager.
type Manager struct {
	store  Store
	logger *slog.Logger
	window int
	now    func() time.Time
}

// Option configures the manager.
type Option func(*Manager)

// WithLogger configures the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithHistoryWindow sets the model-visible history size.
func WithHistoryWindow(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.window = n
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a manager over the given store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: slog.Default().With("component", "sessions"),
		window: DefaultHistoryWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate resolves the session for an external conversation identity.
func (m *Manager) GetOrCreate(ctx context.Context, source models.Source, externalID string) (*models.Session, error) {
	return m.store.GetOrCreate(ctx, source, externalID)
}

// CreateWeb creates a fresh web thread with no external identity.
func (m *Manager) CreateWeb(ctx context.Context) (*models.Session, error) {
	session := &models.Session{
		ID:        uuid.NewString(),
		Source:    models.SourceWeb,
		CreatedAt: m.now(),
		UpdatedAt: m.now(),
	}
	if err := m.store.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Get returns one session by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	return m.store.Get(ctx, id)
}

// AppendUser stores a user message and returns it.
func (m *Manager) AppendUser(ctx context.Context, sessionID, text string) (*models.Message, error) {
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   text,
		CreatedAt: m.now(),
	}
	if err := m.store.AppendMessage(ctx, sessionID, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// RecordAssistant stores an assistant message. When cont is non-nil the
// message parks the turn at a human-input boundary; any previously pending
// continuation in the session is cleared first so the at-most-one invariant
// holds at every observation point.
func (m *Manager) RecordAssistant(ctx context.Context, sessionID, text string, toolCalls []models.ToolCall, cont *models.Continuation) (*models.Message, error) {
	if cont != nil {
		if prev, err := m.store.FindPending(ctx, sessionID); err == nil && prev != nil {
			if err := m.store.ClearPending(ctx, prev.ID); err != nil {
				return nil, err
			}
			m.logger.Warn("replaced stale pending continuation", "session_id", sessionID, "message_id", prev.ID)
		}
	}

	msg := &models.Message{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Role:         models.RoleAssistant,
		Content:      text,
		ToolCalls:    toolCalls,
		Continuation: cont,
		CreatedAt:    m.now(),
	}
	if err := m.store.AppendMessage(ctx, sessionID, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// FindPending returns the session's parked message, or nil.
func (m *Manager) FindPending(ctx context.Context, sessionID string) (*models.Message, error) {
	return m.store.FindPending(ctx, sessionID)
}

// ClearPending removes a message's continuation.
func (m *Manager) ClearPending(ctx context.Context, messageID string) error {
	return m.store.ClearPending(ctx, messageID)
}

// History builds the model-visible transcript: the most recent messages
// within the window, oldest first, excluding excludeID (the just-inserted
// user message when it is passed separately as the turn's prompt).
func (m *Manager) History(ctx context.Context, sessionID, excludeID string) ([]models.TurnMessage, error) {
	// Fetch one extra so excluding the prompt still fills the window.
	stored, err := m.store.History(ctx, sessionID, m.window+1)
	if err != nil {
		return nil, err
	}

	out := make([]models.TurnMessage, 0, len(stored))
	for _, msg := range stored {
		if excludeID != "" && msg.ID == excludeID {
			continue
		}
		out = append(out, models.TurnMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	if len(out) > m.window {
		out = out[len(out)-m.window:]
	}
	return out, nil
}
