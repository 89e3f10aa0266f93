package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/donna/pkg/models"
)

// SendRegistry multiplexes outbound sends across the started transports.
// Workflow notifications go through here.
type SendRegistry struct {
	mu         sync.RWMutex
	transports map[models.Source]Transport
}

// NewSendRegistry creates an empty registry.
func NewSendRegistry() *SendRegistry {
	return &SendRegistry{transports: map[models.Source]Transport{}}
}

// Add registers a transport under its source.
func (r *SendRegistry) Add(transport Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[transport.Source()] = transport
}

// Notify delivers text to a channel target.
func (r *SendRegistry) Notify(ctx context.Context, target models.NotifyTarget, text string) error {
	r.mu.RLock()
	transport, ok := r.transports[target.Channel]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no transport for channel %q", target.Channel)
	}
	return transport.Send(ctx, target.ChatID, text)
}
