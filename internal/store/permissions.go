package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/donna/pkg/models"
)

// PermissionStore implements permissions.Store on SQLite.
type PermissionStore struct {
	db *sql.DB
}

func (s *PermissionStore) Create(ctx context.Context, req *models.PermissionRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_requests
		 (id, endpoint, plugin, operation, args, description, status, session_id, created_at, resolved_at, consumed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Endpoint, req.Plugin, req.Operation, string(req.Args),
		req.Description, string(req.Status), req.SessionID,
		encodeTime(req.CreatedAt), encodeTime(req.ResolvedAt), encodeTime(req.ConsumedAt))
	if err != nil {
		return fmt.Errorf("insert permission request: %w", err)
	}
	return nil
}

func (s *PermissionStore) Get(ctx context.Context, id string) (*models.PermissionRequest, error) {
	row := s.db.QueryRowContext(ctx, permissionSelect+` WHERE id = ?`, id)
	req, err := scanPermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

func (s *PermissionStore) Update(ctx context.Context, req *models.PermissionRequest) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE permission_requests
		 SET status = ?, resolved_at = ?, consumed_at = ? WHERE id = ?`,
		string(req.Status), encodeTime(req.ResolvedAt), encodeTime(req.ConsumedAt), req.ID)
	if err != nil {
		return fmt.Errorf("update permission request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("permission request %s not found", req.ID)
	}
	return nil
}

func (s *PermissionStore) ListByEndpoint(ctx context.Context, endpoint string) ([]*models.PermissionRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		permissionSelect+` WHERE endpoint = ? ORDER BY created_at DESC`, endpoint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PermissionRequest
	for rows.Next() {
		req, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ListPending returns all pending requests, newest first, for the approval
// surface.
func (s *PermissionStore) ListPending(ctx context.Context) ([]*models.PermissionRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		permissionSelect+` WHERE status = ? ORDER BY created_at DESC`,
		string(models.PermissionPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PermissionRequest
	for rows.Next() {
		req, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

const permissionSelect = `SELECT id, endpoint, plugin, operation, args, description,
	status, session_id, created_at, resolved_at, consumed_at
	FROM permission_requests`

func scanPermission(row rowScanner) (*models.PermissionRequest, error) {
	var (
		req                             models.PermissionRequest
		args, status                    string
		createdAt, resolvedAt, consumed sql.NullString
	)
	if err := row.Scan(&req.ID, &req.Endpoint, &req.Plugin, &req.Operation, &args,
		&req.Description, &status, &req.SessionID, &createdAt, &resolvedAt, &consumed); err != nil {
		return nil, err
	}
	req.Args = json.RawMessage(args)
	req.Status = models.PermissionStatus(status)
	req.CreatedAt = decodeTime(createdAt)
	req.ResolvedAt = decodeTime(resolvedAt)
	req.ConsumedAt = decodeTime(consumed)
	return &req, nil
}
