// Package channels fans inbound messenger traffic into agent turns exactly
// once per row, and delivers outcomes back through the channel's send
// capability. The Poller is generic over a Transport; concrete connectors
// live in the subpackages.
package channels

import (
	"context"
	"time"

	"github.com/haasonsaas/donna/internal/agent"
	"github.com/haasonsaas/donna/pkg/models"
)

// Transport is one messaging connector. Start begins receiving inbound
// messages into the inbox; Send and SetTyping are the outbound capabilities
// the poller drives.
type Transport interface {
	Source() models.Source
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, chatID, text string) error
	SetTyping(ctx context.Context, chatID string, typing bool) error
}

// Inbox is the durable inbound-row ledger. The processed flag, not locking,
// is what prevents duplicate dispatch of a row.
type Inbox interface {
	Enqueue(ctx context.Context, msg *models.InboundMessage) error
	// Unprocessed returns unprocessed rows for a channel, oldest first.
	Unprocessed(ctx context.Context, channel models.Source) ([]*models.InboundMessage, error)
	MarkProcessed(ctx context.Context, id string) error
}

// Sessions is the slice of the session manager the poller drives.
type Sessions interface {
	GetOrCreate(ctx context.Context, source models.Source, externalID string) (*models.Session, error)
	AppendUser(ctx context.Context, sessionID, text string) (*models.Message, error)
	RecordAssistant(ctx context.Context, sessionID, text string, toolCalls []models.ToolCall, cont *models.Continuation) (*models.Message, error)
	FindPending(ctx context.Context, sessionID string) (*models.Message, error)
	ClearPending(ctx context.Context, messageID string) error
	History(ctx context.Context, sessionID, excludeID string) ([]models.TurnMessage, error)
}

// Agent runs and resumes turns.
type Agent interface {
	RunTurn(ctx context.Context, req *agent.TurnRequest) (agent.Outcome, error)
	Resume(ctx context.Context, req *agent.ResumeRequest) (agent.Outcome, error)
}

// Observer receives poller metrics events.
type Observer interface {
	InboundMessage(channel, disposition string)
	TurnCompleted(source, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) InboundMessage(channel, disposition string)            {}
func (nopObserver) TurnCompleted(source, outcome string, d time.Duration) {}
