package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/donna/internal/workflows"
	"github.com/haasonsaas/donna/pkg/models"
)

// WorkflowStore implements workflows.Store on SQLite.
type WorkflowStore struct {
	db *sql.DB
}

func (s *WorkflowStore) Create(ctx context.Context, workflow *models.Workflow) error {
	notify, err := encodeJSON(workflow.Notify)
	if err != nil {
		return fmt.Errorf("encode notify target: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows
		 (id, name, code, trigger_type, cron_expr, event_plugin, event_action,
		  status, next_run_at, last_run_at, notify, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		workflow.ID, workflow.Name, workflow.Code, string(workflow.TriggerType),
		workflow.CronExpr, workflow.EventPlugin, workflow.EventAction,
		string(workflow.Status), encodeTime(workflow.NextRunAt),
		encodeTime(workflow.LastRunAt), notify,
		encodeTime(workflow.CreatedAt), encodeTime(workflow.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *WorkflowStore) Get(ctx context.Context, id string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx, workflowSelect+` WHERE id = ?`, id)
	workflow, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return workflow, err
}

func (s *WorkflowStore) Update(ctx context.Context, workflow *models.Workflow) error {
	notify, err := encodeJSON(workflow.Notify)
	if err != nil {
		return fmt.Errorf("encode notify target: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name = ?, code = ?, trigger_type = ?, cron_expr = ?,
		 event_plugin = ?, event_action = ?, status = ?, next_run_at = ?,
		 last_run_at = ?, notify = ?, updated_at = ? WHERE id = ?`,
		workflow.Name, workflow.Code, string(workflow.TriggerType), workflow.CronExpr,
		workflow.EventPlugin, workflow.EventAction, string(workflow.Status),
		encodeTime(workflow.NextRunAt), encodeTime(workflow.LastRunAt), notify,
		encodeTime(workflow.UpdatedAt), workflow.ID)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflows.ErrNotFound
	}
	return nil
}

func (s *WorkflowStore) List(ctx context.Context, triggerType models.TriggerType, includeArchived bool) ([]*models.Workflow, error) {
	query := workflowSelect + ` WHERE 1=1`
	var args []any
	if triggerType != "" {
		query += ` AND trigger_type = ?`
		args = append(args, string(triggerType))
	}
	if !includeArchived {
		query += ` AND status != ?`
		args = append(args, string(models.WorkflowArchived))
	}
	query += ` ORDER BY created_at`

	return s.queryWorkflows(ctx, query, args...)
}

func (s *WorkflowStore) ListByEvent(ctx context.Context, plugin, action string) ([]*models.Workflow, error) {
	return s.queryWorkflows(ctx,
		workflowSelect+` WHERE trigger_type = ? AND status = ? AND event_plugin = ? AND event_action = ?
		 ORDER BY created_at`,
		string(models.TriggerWebhook), string(models.WorkflowActive), plugin, action)
}

func (s *WorkflowStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflows.ErrNotFound
	}
	return nil
}

func (s *WorkflowStore) queryWorkflows(ctx context.Context, query string, args ...any) ([]*models.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, workflow)
	}
	return out, rows.Err()
}

const workflowSelect = `SELECT id, name, code, trigger_type, cron_expr, event_plugin,
	event_action, status, next_run_at, last_run_at, notify, created_at, updated_at
	FROM workflows`

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		workflow                 models.Workflow
		triggerType, status      string
		nextRun, lastRun, notify sql.NullString
		createdAt, updatedAt     sql.NullString
	)
	if err := row.Scan(&workflow.ID, &workflow.Name, &workflow.Code, &triggerType,
		&workflow.CronExpr, &workflow.EventPlugin, &workflow.EventAction, &status,
		&nextRun, &lastRun, &notify, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	workflow.TriggerType = models.TriggerType(triggerType)
	workflow.Status = models.WorkflowStatus(status)
	workflow.NextRunAt = decodeTime(nextRun)
	workflow.LastRunAt = decodeTime(lastRun)
	workflow.CreatedAt = decodeTime(createdAt)
	workflow.UpdatedAt = decodeTime(updatedAt)
	if notify.Valid && notify.String != "" {
		workflow.Notify = &models.NotifyTarget{}
		if err := json.Unmarshal([]byte(notify.String), workflow.Notify); err != nil {
			return nil, fmt.Errorf("decode notify target: %w", err)
		}
	}
	return &workflow, nil
}

// ExecutionStore implements workflows.ExecutionStore on SQLite.
type ExecutionStore struct {
	db *sql.DB
}

func (s *ExecutionStore) Create(ctx context.Context, exec *models.Execution) error {
	payload, err := encodeJSON(exec.TriggerPayload)
	if err != nil {
		return fmt.Errorf("encode trigger payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions
		 (id, workflow_id, status, triggered_by, trigger_payload, result, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), string(exec.TriggeredBy),
		payload, exec.Result, exec.Error,
		encodeTime(exec.StartedAt), encodeTime(exec.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *ExecutionStore) Update(ctx context.Context, exec *models.Execution) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, result = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(exec.Status), exec.Result, exec.Error, encodeTime(exec.FinishedAt), exec.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflows.ErrNotFound
	}
	return nil
}

func (s *ExecutionStore) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.Execution, error) {
	query := `SELECT id, workflow_id, status, triggered_by, trigger_payload, result, error, started_at, finished_at
		FROM executions WHERE workflow_id = ? ORDER BY started_at DESC`
	args := []any{workflowID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		var (
			exec                models.Execution
			status, triggeredBy string
			payload             sql.NullString
			startedAt, finished sql.NullString
		)
		if err := rows.Scan(&exec.ID, &exec.WorkflowID, &status, &triggeredBy,
			&payload, &exec.Result, &exec.Error, &startedAt, &finished); err != nil {
			return nil, err
		}
		exec.Status = models.ExecutionStatus(status)
		exec.TriggeredBy = models.TriggerType(triggeredBy)
		exec.StartedAt = decodeTime(startedAt)
		exec.FinishedAt = decodeTime(finished)
		if payload.Valid && payload.String != "" {
			exec.TriggerPayload = json.RawMessage(payload.String)
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}
