package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/donna/internal/sessions"
	"github.com/haasonsaas/donna/pkg/models"
)

// SessionStore implements sessions.Store on SQLite.
type SessionStore struct {
	db *sql.DB
}

func (s *SessionStore) GetOrCreate(ctx context.Context, source models.Source, externalID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, external_id, created_at, updated_at
		 FROM sessions WHERE source = ? AND external_id = ? AND external_id != ''`,
		string(source), externalID)
	session, err := scanSession(row)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now()
	session = &models.Session{
		ID:         uuid.NewString(),
		Source:     source,
		ExternalID: externalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, source, external_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		session.ID, string(session.Source), session.ExternalID,
		encodeTime(session.CreatedAt), encodeTime(session.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, external_id, created_at, updated_at FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sessions.ErrNotFound
	}
	return session, err
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sessions.ErrNotFound
	}
	return nil
}

func (s *SessionStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	toolCalls, err := encodeJSON(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("encode tool calls: %w", err)
	}
	continuation, err := encodeJSON(msg.Continuation)
	if err != nil {
		return fmt.Errorf("encode continuation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		encodeTime(time.Now()), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sessions.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_calls, continuation, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, string(msg.Role), msg.Content, toolCalls, continuation,
		encodeTime(msg.CreatedAt)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

func (s *SessionStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `SELECT id, session_id, role, content, tool_calls, continuation, created_at
		FROM messages WHERE session_id = ? ORDER BY seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Fetched newest first for the limit; callers want oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SessionStore) FindPending(ctx context.Context, sessionID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, tool_calls, continuation, created_at
		 FROM messages WHERE session_id = ? AND continuation IS NOT NULL
		 ORDER BY seq DESC LIMIT 1`, sessionID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

func (s *SessionStore) ClearPending(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET continuation = NULL WHERE id = ?`, messageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sessions.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session            models.Session
		source             string
		createdAt, updated sql.NullString
	)
	if err := row.Scan(&session.ID, &source, &session.ExternalID, &createdAt, &updated); err != nil {
		return nil, err
	}
	session.Source = models.Source(source)
	session.CreatedAt = decodeTime(createdAt)
	session.UpdatedAt = decodeTime(updated)
	return &session, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg                     models.Message
		role                    string
		toolCalls, continuation sql.NullString
		createdAt               sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &toolCalls, &continuation, &createdAt); err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	msg.CreatedAt = decodeTime(createdAt)
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	if continuation.Valid && continuation.String != "" {
		msg.Continuation = &models.Continuation{}
		if err := json.Unmarshal([]byte(continuation.String), msg.Continuation); err != nil {
			return nil, fmt.Errorf("decode continuation: %w", err)
		}
	}
	return &msg, nil
}

// encodeJSON marshals v, mapping nil slices and pointers to SQL NULL.
func encodeJSON(v any) (any, error) {
	switch val := v.(type) {
	case []models.ToolCall:
		if len(val) == 0 {
			return nil, nil
		}
	case *models.Continuation:
		if val == nil {
			return nil, nil
		}
	case *models.NotifyTarget:
		if val == nil {
			return nil, nil
		}
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
