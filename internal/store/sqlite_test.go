package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/donna/internal/channels"
	"github.com/haasonsaas/donna/internal/permissions"
	"github.com/haasonsaas/donna/internal/sessions"
	"github.com/haasonsaas/donna/internal/workflows"
	"github.com/haasonsaas/donna/pkg/models"
)

var (
	_ sessions.Store           = (*SessionStore)(nil)
	_ permissions.Store        = (*PermissionStore)(nil)
	_ workflows.Store          = (*WorkflowStore)(nil)
	_ workflows.ExecutionStore = (*ExecutionStore)(nil)
	_ channels.Inbox           = (*InboxStore)(nil)
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "donna.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionMessageContinuationRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := db.Sessions()

	session, err := store.GetOrCreate(ctx, models.SourceTelegram, "chat-42")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	again, err := store.GetOrCreate(ctx, models.SourceTelegram, "chat-42")
	if err != nil || again.ID != session.ID {
		t.Fatalf("GetOrCreate again = %+v, %v; want the same session", again, err)
	}

	cont := &models.Continuation{
		History: []models.TurnMessage{
			{Role: models.RoleUser, Content: "book a flight"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "tc-1", Name: "ask_human", Input: json.RawMessage(`{"question":"which city?"}`)},
			}},
		},
		ToolCallID: "tc-1",
		ToolName:   "ask_human",
	}
	msg := &models.Message{
		ID:           "msg-1",
		SessionID:    session.ID,
		Role:         models.RoleAssistant,
		Content:      "which city?",
		Continuation: cont,
		CreatedAt:    time.Now(),
	}
	if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	pending, err := store.FindPending(ctx, session.ID)
	if err != nil || pending == nil {
		t.Fatalf("FindPending = %v, %v", pending, err)
	}
	if pending.Continuation.ToolCallID != "tc-1" || len(pending.Continuation.History) != 2 {
		t.Errorf("continuation did not survive the round trip: %+v", pending.Continuation)
	}
	if pending.Continuation.History[1].ToolCalls[0].Name != "ask_human" {
		t.Errorf("tool call lost: %+v", pending.Continuation.History[1])
	}

	if err := store.ClearPending(ctx, pending.ID); err != nil {
		t.Fatalf("ClearPending: %v", err)
	}
	if pending, _ := store.FindPending(ctx, session.ID); pending != nil {
		t.Errorf("pending after clear = %+v", pending)
	}
}

func TestHistoryOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t).Sessions()

	session, _ := store.GetOrCreate(ctx, models.SourceWhatsApp, "jid-1")
	texts := []string{"one", "two", "three", "four"}
	for i, text := range texts {
		msg := &models.Message{
			ID: text, SessionID: session.ID, Role: models.RoleUser,
			Content: text, CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	history, err := store.History(ctx, session.ID, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].Content != "three" || history[1].Content != "four" {
		t.Errorf("history = %+v, want the most recent two, oldest first", history)
	}
}

func TestWorkflowExecutionCascadeDelete(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	wfs, execs := db.Workflows(), db.Executions()

	wf := &models.Workflow{
		ID: "wf-1", Name: "digest", Code: "code",
		TriggerType: models.TriggerCron, CronExpr: "0 9 * * *",
		Status:    models.WorkflowActive,
		Notify:    &models.NotifyTarget{Channel: models.SourceTelegram, ChatID: "42"},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := wfs.Create(ctx, wf); err != nil {
		t.Fatalf("Create: %v", err)
	}
	exec := &models.Execution{
		ID: "ex-1", WorkflowID: wf.ID, Status: models.ExecutionRunning,
		TriggeredBy: models.TriggerCron, StartedAt: time.Now(),
	}
	if err := execs.Create(ctx, exec); err != nil {
		t.Fatalf("Create execution: %v", err)
	}

	stored, err := wfs.Get(ctx, wf.ID)
	if err != nil || stored == nil {
		t.Fatalf("Get = %v, %v", stored, err)
	}
	if stored.Notify == nil || stored.Notify.ChatID != "42" {
		t.Errorf("notify target lost: %+v", stored.Notify)
	}

	if err := wfs.Delete(ctx, wf.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	left, err := execs.ListByWorkflow(ctx, wf.ID, 0)
	if err != nil {
		t.Fatalf("ListByWorkflow: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("executions survived workflow delete: %+v", left)
	}
}

func TestWorkflowEventLookup(t *testing.T) {
	ctx := context.Background()
	wfs := openTestDB(t).Workflows()

	seed := []*models.Workflow{
		{ID: "a", Name: "a", Code: "c", TriggerType: models.TriggerWebhook, EventPlugin: "github", EventAction: "push", Status: models.WorkflowActive},
		{ID: "b", Name: "b", Code: "c", TriggerType: models.TriggerWebhook, EventPlugin: "github", EventAction: "push", Status: models.WorkflowPaused},
		{ID: "c", Name: "c", Code: "c", TriggerType: models.TriggerWebhook, EventPlugin: "stripe", EventAction: "charge", Status: models.WorkflowActive},
	}
	for _, wf := range seed {
		wf.CreatedAt, wf.UpdatedAt = time.Now(), time.Now()
		if err := wfs.Create(ctx, wf); err != nil {
			t.Fatalf("Create %s: %v", wf.ID, err)
		}
	}

	matched, err := wfs.ListByEvent(ctx, "github", "push")
	if err != nil {
		t.Fatalf("ListByEvent: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "a" {
		t.Errorf("matched = %+v, want only the active github/push workflow", matched)
	}
}

func TestPermissionListNewestFirst(t *testing.T) {
	ctx := context.Background()
	perms := openTestDB(t).Permissions()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"p1", "p2", "p3"} {
		req := &models.PermissionRequest{
			ID: id, Endpoint: "email.send", Args: json.RawMessage(`{"to":"a@b.c"}`),
			Status: models.PermissionPending, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := perms.Create(ctx, req); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	listed, err := perms.ListByEndpoint(ctx, "email.send")
	if err != nil {
		t.Fatalf("ListByEndpoint: %v", err)
	}
	if len(listed) != 3 || listed[0].ID != "p3" {
		t.Errorf("listed = %+v, want newest first", listed)
	}

	missing, err := perms.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Get missing = %v, %v; want nil, nil", missing, err)
	}
}

func TestInboxProcessedFlow(t *testing.T) {
	ctx := context.Background()
	inbox := openTestDB(t).Inbox()

	msg := &models.InboundMessage{
		ID: "in-1", Channel: models.SourceTelegram, ChatID: "c1",
		Text: "hello", SentAt: time.Now(),
	}
	if err := inbox.Enqueue(ctx, msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Redelivery of the same id is ignored.
	if err := inbox.Enqueue(ctx, msg); err != nil {
		t.Fatalf("re-Enqueue: %v", err)
	}

	rows, err := inbox.Unprocessed(ctx, models.SourceTelegram)
	if err != nil || len(rows) != 1 {
		t.Fatalf("Unprocessed = %v, %v; want one row", rows, err)
	}
	if err := inbox.MarkProcessed(ctx, "in-1"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	rows, _ = inbox.Unprocessed(ctx, models.SourceTelegram)
	if len(rows) != 0 {
		t.Errorf("rows after processing = %+v", rows)
	}
}
