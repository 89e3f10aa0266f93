package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/donna/internal/agent"
	"github.com/haasonsaas/donna/pkg/models"
)

// DefaultTickInterval is the inbox drain cadence.
const DefaultTickInterval = 2 * time.Second

const failureReply = "Sorry, something went wrong handling that message. Please try again."

// Poller drains one channel's inbox and drives agent turns. It owns the
// transport lifecycle: Start starts the transport, Stop stops it.
type Poller struct {
	transport Transport
	inbox     Inbox
	sessions  Sessions
	engine    Agent
	observer  Observer
	logger    *slog.Logger
	mention   string
	tick      time.Duration

	stop chan struct{}
	done chan struct{}
}

// PollerOption configures a poller.
type PollerOption func(*Poller)

// WithLogger sets the poller logger.
func WithLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTickInterval overrides the drain cadence.
func WithTickInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.tick = d
		}
	}
}

// WithMention sets the token group messages must contain to be handled.
func WithMention(token string) PollerOption {
	return func(p *Poller) {
		p.mention = token
	}
}

// WithObserver registers a metrics observer.
func WithObserver(observer Observer) PollerOption {
	return func(p *Poller) {
		if observer != nil {
			p.observer = observer
		}
	}
}

// NewPoller creates a poller for one transport.
func NewPoller(transport Transport, inbox Inbox, sessions Sessions, engine Agent, opts ...PollerOption) *Poller {
	p := &Poller{
		transport: transport,
		inbox:     inbox,
		sessions:  sessions,
		engine:    engine,
		observer:  nopObserver{},
		logger:    slog.Default().With("component", "poller", "channel", transport.Source()),
		tick:      DefaultTickInterval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start starts the transport and the drain loop.
func (p *Poller) Start(ctx context.Context) error {
	if err := p.transport.Start(ctx); err != nil {
		return fmt.Errorf("start %s transport: %w", p.transport.Source(), err)
	}
	go p.run(ctx)
	p.logger.Info("poller started", "tick", p.tick)
	return nil
}

// Stop stops the drain loop, then the transport.
func (p *Poller) Stop(ctx context.Context) error {
	close(p.stop)
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	return p.transport.Stop(ctx)
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain processes all currently unprocessed rows, oldest first. A failure on
// one row never stops the rest.
func (p *Poller) drain(ctx context.Context) {
	channel := p.transport.Source()
	rows, err := p.inbox.Unprocessed(ctx, channel)
	if err != nil {
		p.logger.Error("inbox fetch failed", "error", err)
		return
	}
	for _, row := range rows {
		if err := p.handle(ctx, row); err != nil {
			p.logger.Error("message handling failed", "message_id", row.ID, "error", err)
			p.observer.InboundMessage(string(channel), "failed")
			if err := p.transport.Send(ctx, row.ChatID, failureReply); err != nil {
				p.logger.Error("failure reply send failed", "chat_id", row.ChatID, "error", err)
			}
		}
	}
}

func (p *Poller) handle(ctx context.Context, row *models.InboundMessage) error {
	channel := string(p.transport.Source())

	if row.FromSelf {
		p.observer.InboundMessage(channel, "skipped_self")
		return p.inbox.MarkProcessed(ctx, row.ID)
	}
	if row.IsGroup && p.mention != "" && !containsMention(row.Text, p.mention) {
		p.observer.InboundMessage(channel, "skipped_mention")
		return p.inbox.MarkProcessed(ctx, row.ID)
	}

	// Mark before dispatching: a crash mid-turn must not re-deliver the row.
	if err := p.inbox.MarkProcessed(ctx, row.ID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	p.observer.InboundMessage(channel, "dispatched")

	session, err := p.sessions.GetOrCreate(ctx, p.transport.Source(), row.ChatID)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	text := stripMention(row.Text, p.mention)
	prompt, err := p.sessions.AppendUser(ctx, session.ID, text)
	if err != nil {
		return fmt.Errorf("append user message: %w", err)
	}

	if err := p.transport.SetTyping(ctx, row.ChatID, true); err != nil {
		p.logger.Debug("typing indicator failed", "error", err)
	}
	defer func() {
		if err := p.transport.SetTyping(ctx, row.ChatID, false); err != nil {
			p.logger.Debug("typing clear failed", "error", err)
		}
	}()

	started := time.Now()
	outcome, err := p.runTurn(ctx, session, prompt, text)
	if err != nil {
		p.observer.TurnCompleted(channel, "error", time.Since(started))
		return fmt.Errorf("agent turn: %w", err)
	}
	p.observer.TurnCompleted(channel, outcomeLabel(outcome), time.Since(started))

	return p.deliver(ctx, session.ID, row.ChatID, outcome)
}

// runTurn resumes a parked continuation when one exists; the inbound text is
// then the human's answer. Otherwise it starts a fresh turn over the recent
// history window.
func (p *Poller) runTurn(ctx context.Context, session *models.Session, prompt *models.Message, text string) (agent.Outcome, error) {
	pending, err := p.sessions.FindPending(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("find pending: %w", err)
	}
	if pending != nil {
		if err := p.sessions.ClearPending(ctx, pending.ID); err != nil {
			return nil, fmt.Errorf("clear pending: %w", err)
		}
		return p.engine.Resume(ctx, &agent.ResumeRequest{
			Continuation: pending.Continuation,
			Answer:       text,
			SessionID:    session.ID,
		})
	}

	history, err := p.sessions.History(ctx, session.ID, prompt.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return p.engine.RunTurn(ctx, &agent.TurnRequest{
		Prompt:    text,
		History:   history,
		SessionID: session.ID,
	})
}

func (p *Poller) deliver(ctx context.Context, sessionID, chatID string, outcome agent.Outcome) error {
	var cont *models.Continuation
	if needs, ok := outcome.(agent.NeedsInput); ok {
		cont = needs.Continuation
	}
	reply := outcome.Summary()
	if reply == "" {
		reply = "Done."
	}
	if _, err := p.sessions.RecordAssistant(ctx, sessionID, reply, nil, cont); err != nil {
		return fmt.Errorf("record assistant: %w", err)
	}
	if err := p.transport.Send(ctx, chatID, reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func outcomeLabel(outcome agent.Outcome) string {
	switch outcome.(type) {
	case agent.Done:
		return "done"
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

func containsMention(text, token string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(token))
}

// stripMention removes the mention token so the model sees a clean prompt.
func stripMention(text, token string) string {
	if token == "" {
		return strings.TrimSpace(text)
	}
	lower := strings.ToLower(text)
	idx := strings.Index(lower, strings.ToLower(token))
	if idx < 0 {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(text[:idx] + text[idx+len(token):])
}
