package channels

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/donna/pkg/models"
)

// ErrInboxRowNotFound indicates an unknown inbound row id.
var ErrInboxRowNotFound = errors.New("inbound message not found")

// MemoryInbox is an in-memory Inbox for tests and ephemeral runs.
type MemoryInbox struct {
	mu   sync.Mutex
	rows map[string]*models.InboundMessage
}

// NewMemoryInbox creates an empty inbox.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{rows: map[string]*models.InboundMessage{}}
}

func (m *MemoryInbox) Enqueue(ctx context.Context, msg *models.InboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *msg
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	m.rows[clone.ID] = &clone
	msg.ID = clone.ID
	return nil
}

func (m *MemoryInbox) Unprocessed(ctx context.Context, channel models.Source) ([]*models.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.InboundMessage
	for _, row := range m.rows {
		if row.Channel != channel || row.Processed {
			continue
		}
		clone := *row
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

func (m *MemoryInbox) MarkProcessed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok {
		return ErrInboxRowNotFound
	}
	row.Processed = true
	return nil
}
