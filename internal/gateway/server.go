// Package gateway exposes the HTTP API: web turns, permission approvals,
// workflow CRUD, webhook receive, health, and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/donna/internal/agent"
	"github.com/haasonsaas/donna/internal/auth"
	"github.com/haasonsaas/donna/internal/permissions"
	"github.com/haasonsaas/donna/internal/sessions"
	"github.com/haasonsaas/donna/internal/workflows"
	"github.com/haasonsaas/donna/pkg/models"
)

// maxBodyBytes caps request bodies; workflow code is text, not uploads.
const maxBodyBytes = 1 << 20

// Agent runs turns for web threads.
type Agent interface {
	RunTurn(ctx context.Context, req *agent.TurnRequest) (agent.Outcome, error)
	Resume(ctx context.Context, req *agent.ResumeRequest) (agent.Outcome, error)
}

// Sessions is the slice of the session manager the gateway drives.
type Sessions interface {
	CreateWeb(ctx context.Context) (*models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	AppendUser(ctx context.Context, sessionID, text string) (*models.Message, error)
	RecordAssistant(ctx context.Context, sessionID, text string, toolCalls []models.ToolCall, cont *models.Continuation) (*models.Message, error)
	History(ctx context.Context, sessionID, excludeID string) ([]models.TurnMessage, error)
	FindPending(ctx context.Context, sessionID string) (*models.Message, error)
	ClearPending(ctx context.Context, messageID string) error
}

// Broker resolves permission requests.
type Broker interface {
	Pending(ctx context.Context) ([]*models.PermissionRequest, error)
	Get(ctx context.Context, id string) (*models.PermissionRequest, error)
	Resolve(ctx context.Context, id string, approve bool) (*models.PermissionRequest, error)
}

// Registry is the slice of the workflow registry the gateway drives.
type Registry interface {
	List(ctx context.Context, triggerType models.TriggerType) ([]*models.Workflow, error)
	Get(ctx context.Context, id string) (*models.Workflow, error)
	CreateWorkflow(ctx context.Context, wf *models.Workflow) (*models.Workflow, error)
	UpdateWorkflow(ctx context.Context, patch *models.Workflow) (*models.Workflow, error)
	ArchiveWorkflow(ctx context.Context, id string) (bool, error)
	RunByID(ctx context.Context, id string, triggeredBy models.TriggerType, payload json.RawMessage) (*models.Execution, error)
	Executions(ctx context.Context, workflowID string, limit int) ([]*models.Execution, error)
}

// Events receives inbound webhook events.
type Events interface {
	OnEvent(ctx context.Context, plugin, action string, payload json.RawMessage) (int, error)
}

// Observer receives turn metrics for web-sourced turns.
type Observer interface {
	TurnCompleted(source, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) TurnCompleted(source, outcome string, elapsed time.Duration) {}

// Server is the HTTP gateway.
type Server struct {
	agent    Agent
	sessions Sessions
	broker   Broker
	registry Registry
	events   Events
	tokens   *auth.ApprovalTokens
	gatherer prometheus.Gatherer
	observer Observer
	logger   *slog.Logger

	httpServer *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithApprovalTokens enables token-gated permission resolution.
func WithApprovalTokens(tokens *auth.ApprovalTokens) Option {
	return func(s *Server) {
		s.tokens = tokens
	}
}

// WithGatherer sets the registry behind /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithObserver registers a turn metrics observer.
func WithObserver(observer Observer) Option {
	return func(s *Server) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// NewServer creates the gateway over its collaborators.
func NewServer(ag Agent, sess Sessions, broker Broker, registry Registry, events Events, opts ...Option) *Server {
	s := &Server{
		agent:    ag,
		sessions: sess,
		broker:   broker,
		registry: registry,
		events:   events,
		gatherer: prometheus.DefaultGatherer,
		observer: nopObserver{},
		logger:   slog.Default().With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/trigger", s.handleTrigger)
	mux.HandleFunc("POST /api/resume", s.handleResume)

	mux.HandleFunc("GET /api/permissions", s.handlePermissionsPending)
	mux.HandleFunc("GET /api/permissions/{id}", s.handlePermissionGet)
	mux.HandleFunc("POST /api/permissions/{id}/resolve", s.handlePermissionResolve)

	mux.HandleFunc("GET /api/workflows", s.handleWorkflowList)
	mux.HandleFunc("POST /api/workflows", s.handleWorkflowCreate)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleWorkflowGet)
	mux.HandleFunc("PATCH /api/workflows/{id}", s.handleWorkflowUpdate)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleWorkflowArchive)
	mux.HandleFunc("POST /api/workflows/{id}/run", s.handleWorkflowRun)
	mux.HandleFunc("GET /api/workflows/{id}/executions", s.handleWorkflowExecutions)

	mux.HandleFunc("POST /webhooks/{plugin}/{action}", s.handleWebhook)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("http server starting", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type triggerRequest struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

// handleTrigger runs one web turn. An empty sessionId starts a fresh thread.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeBody(r, triggerSchema, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	var (
		session *models.Session
		err     error
	)
	if req.SessionID == "" {
		session, err = s.sessions.CreateWeb(ctx)
	} else {
		session, err = s.sessions.Get(ctx, req.SessionID)
	}
	if err != nil {
		s.respondSessionErr(w, err)
		return
	}

	prompt, err := s.sessions.AppendUser(ctx, session.ID, req.Prompt)
	if err != nil {
		s.internalError(w, "append user message", err)
		return
	}
	history, err := s.sessions.History(ctx, session.ID, prompt.ID)
	if err != nil {
		s.internalError(w, "load history", err)
		return
	}

	started := time.Now()
	outcome, err := s.agent.RunTurn(ctx, &agent.TurnRequest{
		Prompt:    req.Prompt,
		History:   history,
		SessionID: session.ID,
	})
	if err != nil {
		s.observer.TurnCompleted(string(models.SourceWeb), "error", time.Since(started))
		s.internalError(w, "agent turn", err)
		return
	}
	s.observer.TurnCompleted(string(models.SourceWeb), outcomeLabel(outcome), time.Since(started))

	s.finishTurn(ctx, w, session.ID, outcome)
}

type resumeRequest struct {
	SessionID string `json:"sessionId"`
	Answer    string `json:"answer"`
}

// handleResume answers a parked turn.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeBody(r, resumeSchema, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if _, err := s.sessions.Get(ctx, req.SessionID); err != nil {
		s.respondSessionErr(w, err)
		return
	}
	pending, err := s.sessions.FindPending(ctx, req.SessionID)
	if err != nil {
		s.internalError(w, "find pending", err)
		return
	}
	if pending == nil {
		writeError(w, http.StatusConflict, "session has no pending question")
		return
	}
	if err := s.sessions.ClearPending(ctx, pending.ID); err != nil {
		s.internalError(w, "clear pending", err)
		return
	}
	if _, err := s.sessions.AppendUser(ctx, req.SessionID, req.Answer); err != nil {
		s.internalError(w, "append answer", err)
		return
	}

	started := time.Now()
	outcome, err := s.agent.Resume(ctx, &agent.ResumeRequest{
		Continuation: pending.Continuation,
		Answer:       req.Answer,
		SessionID:    req.SessionID,
	})
	if err != nil {
		s.observer.TurnCompleted(string(models.SourceWeb), "error", time.Since(started))
		s.internalError(w, "resume turn", err)
		return
	}
	s.observer.TurnCompleted(string(models.SourceWeb), outcomeLabel(outcome), time.Since(started))

	s.finishTurn(ctx, w, req.SessionID, outcome)
}

// finishTurn records the assistant message, re-parking the session when the
// outcome needs more input, and writes the outcome payload.
func (s *Server) finishTurn(ctx context.Context, w http.ResponseWriter, sessionID string, outcome agent.Outcome) {
	var cont *models.Continuation
	if needs, ok := outcome.(agent.NeedsInput); ok {
		cont = needs.Continuation
	}
	reply := outcome.Summary()
	if reply == "" {
		reply = "Done."
	}
	if _, err := s.sessions.RecordAssistant(ctx, sessionID, reply, nil, cont); err != nil {
		s.internalError(w, "record assistant", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"outcome":   outcomePayload(outcome),
	})
}

func (s *Server) handlePermissionsPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.broker.Pending(r.Context())
	if err != nil {
		s.internalError(w, "list pending permissions", err)
		return
	}
	if pending == nil {
		pending = []*models.PermissionRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": pending})
}

func (s *Server) handlePermissionGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.broker.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, permissions.ErrNotFound):
		writeError(w, http.StatusNotFound, "permission request not found")
		return
	case err != nil:
		s.internalError(w, "load permission", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type resolveRequest struct {
	Action  string `json:"action"`
	Approve *bool  `json:"approve"`
	Token   string `json:"token"`
}

// approved maps the two accepted body shapes to a decision; action wins when
// both are present.
func (r resolveRequest) approved() bool {
	if r.Action != "" {
		return r.Action == "approve"
	}
	return r.Approve != nil && *r.Approve
}

// handlePermissionResolve approves or declines one pending request. When
// token signing is enabled the token must be bound to this exact request id.
func (s *Server) handlePermissionResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resolveRequest
	if err := decodeBody(r, resolveSchema, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.tokens.Enabled() {
		subject, err := s.tokens.Validate(req.Token)
		if err != nil || subject != id {
			writeError(w, http.StatusForbidden, "invalid approval token")
			return
		}
	}

	resolved, err := s.broker.Resolve(r.Context(), id, req.approved())
	switch {
	case errors.Is(err, permissions.ErrNotFound):
		writeError(w, http.StatusNotFound, "permission request not found")
		return
	case errors.Is(err, permissions.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "permission request already resolved")
		return
	case err != nil:
		s.internalError(w, "resolve permission", err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	trigger := models.TriggerType(r.URL.Query().Get("trigger"))
	listed, err := s.registry.List(r.Context(), trigger)
	if err != nil {
		s.internalError(w, "list workflows", err)
		return
	}
	if listed == nil {
		listed = []*models.Workflow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": listed})
}

type workflowBody struct {
	Name        string               `json:"name"`
	Code        string               `json:"code"`
	TriggerType string               `json:"triggerType"`
	CronExpr    string               `json:"cronExpr"`
	EventPlugin string               `json:"eventPlugin"`
	EventAction string               `json:"eventAction"`
	Status      string               `json:"status"`
	Notify      *models.NotifyTarget `json:"notify"`
}

func (b *workflowBody) toModel(id string) *models.Workflow {
	return &models.Workflow{
		ID:          id,
		Name:        b.Name,
		Code:        b.Code,
		TriggerType: models.TriggerType(b.TriggerType),
		CronExpr:    b.CronExpr,
		EventPlugin: b.EventPlugin,
		EventAction: b.EventAction,
		Status:      models.WorkflowStatus(b.Status),
		Notify:      b.Notify,
	}
}

func (s *Server) handleWorkflowCreate(w http.ResponseWriter, r *http.Request) {
	var body workflowBody
	if err := decodeBody(r, workflowCreateSchema, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.registry.CreateWorkflow(r.Context(), body.toModel(""))
	if err != nil {
		// Validation rejections (bad code, bad cron) are client errors.
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleWorkflowGet(w http.ResponseWriter, r *http.Request) {
	wf, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.internalError(w, "load workflow", err)
		return
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleWorkflowUpdate(w http.ResponseWriter, r *http.Request) {
	var body workflowBody
	if err := decodeBody(r, workflowUpdateSchema, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.registry.UpdateWorkflow(r.Context(), body.toModel(r.PathValue("id")))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if updated == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleWorkflowArchive(w http.ResponseWriter, r *http.Request) {
	found, err := s.registry.ArchiveWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.internalError(w, "archive workflow", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	exec, err := s.registry.RunByID(r.Context(), r.PathValue("id"), models.TriggerManual, nil)
	switch {
	case errors.Is(err, workflows.ErrNotFound):
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	case err != nil:
		s.internalError(w, "run workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleWorkflowExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	id := r.PathValue("id")
	wf, err := s.registry.Get(r.Context(), id)
	if err != nil {
		s.internalError(w, "load workflow", err)
		return
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	execs, err := s.registry.Executions(r.Context(), id, limit)
	if err != nil {
		s.internalError(w, "list executions", err)
		return
	}
	if execs == nil {
		execs = []*models.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// handleWebhook acknowledges as soon as the matching runs are launched. The
// payload is opaque JSON handed to each workflow verbatim.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read payload: "+err.Error())
		return
	}
	if len(payload) > 0 && !json.Valid(payload) {
		writeError(w, http.StatusBadRequest, "payload must be JSON")
		return
	}

	matched, err := s.events.OnEvent(r.Context(), r.PathValue("plugin"), r.PathValue("action"), payload)
	if err != nil {
		s.internalError(w, "dispatch event", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"matched": matched})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondSessionErr(w http.ResponseWriter, err error) {
	if errors.Is(err, sessions.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.internalError(w, "resolve session", err)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func outcomeLabel(outcome agent.Outcome) string {
	switch outcome.(type) {
	case agent.Script:
		return "script"
	case agent.WorkflowSaved:
		return "workflow"
	case agent.NeedsInput:
		return "needs_input"
	default:
		return "done"
	}
}

// outcomePayload shapes an outcome for the wire.
func outcomePayload(outcome agent.Outcome) map[string]any {
	switch o := outcome.(type) {
	case agent.Script:
		return map[string]any{
			"type":   "script",
			"text":   o.Summary(),
			"output": o.Output,
			"error":  o.Error,
		}
	case agent.WorkflowSaved:
		return map[string]any{
			"type":       "workflow_saved",
			"workflowId": o.ID,
			"name":       o.Name,
			"text":       o.Summary(),
		}
	case agent.NeedsInput:
		return map[string]any{
			"type":     "needs_input",
			"question": o.Question,
		}
	default:
		return map[string]any{
			"type": "done",
			"text": outcome.Summary(),
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Best effort: the client may have disconnected.
		return
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
