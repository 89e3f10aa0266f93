// Package permissions brokers human approval of protected operations.
// A grant authorizes exactly one call with exactly the arguments it was
// requested for; consuming it is a one-way transition.
package permissions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/donna/pkg/models"
)

var (
	// ErrNotFound indicates an unknown permission request id.
	ErrNotFound = errors.New("permission request not found")
	// ErrAlreadyResolved indicates a resolve on a non-pending request.
	ErrAlreadyResolved = errors.New("permission request already resolved")
	// ErrNotGranted indicates a consume on a request that is not granted.
	ErrNotGranted = errors.New("permission request is not granted")
)

// Store persists permission requests.
type Store interface {
	Create(ctx context.Context, req *models.PermissionRequest) error
	Get(ctx context.Context, id string) (*models.PermissionRequest, error)
	Update(ctx context.Context, req *models.PermissionRequest) error
	// ListByEndpoint returns requests for an endpoint, newest first.
	ListByEndpoint(ctx context.Context, endpoint string) ([]*models.PermissionRequest, error)
	// ListPending returns all pending requests, newest first.
	ListPending(ctx context.Context) ([]*models.PermissionRequest, error)
}

// Observer receives lifecycle transition notifications.
type Observer interface {
	PermissionTransition(transition string)
}

// TokenIssuer signs approval tokens bound to a permission request id.
type TokenIssuer interface {
	Generate(requestID string) (string, error)
}

// Broker issues, tracks, and single-use-consumes approval grants.
type Broker struct {
	store    Store
	logger   *slog.Logger
	observer Observer
	issuer   TokenIssuer
	now      func() time.Time
}

// Option configures the broker.
type Option func(*Broker)

// WithLogger configures the broker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithObserver registers a transition observer (metrics).
func WithObserver(observer Observer) Option {
	return func(b *Broker) {
		b.observer = observer
	}
}

// WithTokenIssuer attaches a signed approval token to every pending request
// surfaced to an approver.
func WithTokenIssuer(issuer TokenIssuer) Option {
	return func(b *Broker) {
		b.issuer = issuer
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBroker creates a broker over the given store.
func NewBroker(store Store, opts ...Option) *Broker {
	b := &Broker{
		store:  store,
		logger: slog.Default().With("component", "permissions"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Request inserts a pending permission request and returns it. It never
// blocks on the human decision.
func (b *Broker) Request(ctx context.Context, endpoint string, args json.RawMessage, description, sessionID string) (*models.PermissionRequest, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	canonical, err := CanonicalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("malformed permission args: %w", err)
	}

	plugin, operation := splitEndpoint(endpoint)
	req := &models.PermissionRequest{
		ID:          uuid.NewString(),
		Endpoint:    endpoint,
		Plugin:      plugin,
		Operation:   operation,
		Args:        canonical,
		Description: description,
		Status:      models.PermissionPending,
		SessionID:   sessionID,
		CreatedAt:   b.now(),
	}
	if err := b.store.Create(ctx, req); err != nil {
		return nil, err
	}
	b.stampToken(req)

	b.notify("requested")
	b.logger.Info("permission requested", "id", req.ID, "endpoint", endpoint)
	return req, nil
}

// Pending lists requests awaiting a decision, newest first.
func (b *Broker) Pending(ctx context.Context) ([]*models.PermissionRequest, error) {
	pending, err := b.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	for _, req := range pending {
		b.stampToken(req)
	}
	return pending, nil
}

// Get returns one request by id.
func (b *Broker) Get(ctx context.Context, id string) (*models.PermissionRequest, error) {
	req, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrNotFound
	}
	b.stampToken(req)
	return req, nil
}

// stampToken signs the token the approver needs to resolve a pending
// request. A failed issue degrades to a tokenless reference, logged.
func (b *Broker) stampToken(req *models.PermissionRequest) {
	if b.issuer == nil || req.Status != models.PermissionPending {
		return
	}
	token, err := b.issuer.Generate(req.ID)
	if err != nil {
		b.logger.Warn("approval token issue failed", "id", req.ID, "error", err)
		return
	}
	req.ApprovalToken = token
}

// CheckGranted returns the id of the most recent granted, not-yet-consumed
// request whose endpoint matches and whose arguments are exactly equal.
// Returns empty string when no such grant exists.
func (b *Broker) CheckGranted(ctx context.Context, endpoint string, args json.RawMessage) (string, error) {
	canonical, err := CanonicalArgs(args)
	if err != nil {
		return "", fmt.Errorf("malformed permission args: %w", err)
	}

	requests, err := b.store.ListByEndpoint(ctx, strings.TrimSpace(endpoint))
	if err != nil {
		return "", err
	}
	for _, req := range requests {
		if req.Status != models.PermissionGranted {
			continue
		}
		stored, err := CanonicalArgs(req.Args)
		if err != nil {
			continue
		}
		if bytes.Equal(stored, canonical) {
			return req.ID, nil
		}
	}
	return "", nil
}

// Consume transitions a grant to completed. Called at most once per grant,
// immediately before the now-authorized call: a crash before the call leaves
// the grant reusable, a crash after does not leave it double-usable.
func (b *Broker) Consume(ctx context.Context, grantID string) error {
	req, err := b.store.Get(ctx, grantID)
	if err != nil {
		return err
	}
	if req == nil {
		return ErrNotFound
	}
	if req.Status != models.PermissionGranted {
		return fmt.Errorf("%w: status is %s", ErrNotGranted, req.Status)
	}

	req.Status = models.PermissionCompleted
	req.ConsumedAt = b.now()
	if err := b.store.Update(ctx, req); err != nil {
		return err
	}

	b.notify("consumed")
	b.logger.Info("permission consumed", "id", req.ID, "endpoint", req.Endpoint)
	return nil
}

// Resolve approves or declines a pending request. Resolving a request that
// is no longer pending is an error and leaves its status unchanged.
func (b *Broker) Resolve(ctx context.Context, id string, approve bool) (*models.PermissionRequest, error) {
	req, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrNotFound
	}
	if req.Status != models.PermissionPending {
		return nil, fmt.Errorf("%w: status is %s", ErrAlreadyResolved, req.Status)
	}

	if approve {
		req.Status = models.PermissionGranted
		b.notify("granted")
	} else {
		req.Status = models.PermissionDeclined
		b.notify("declined")
	}
	req.ResolvedAt = b.now()
	if err := b.store.Update(ctx, req); err != nil {
		return nil, err
	}

	b.logger.Info("permission resolved", "id", req.ID, "status", req.Status)
	return req, nil
}

func (b *Broker) notify(transition string) {
	if b.observer != nil {
		b.observer.PermissionTransition(transition)
	}
}

// CanonicalArgs normalizes argument JSON so equality is insensitive to
// object key order but sensitive to every key and value. Nil and empty
// inputs canonicalize to "null".
func CanonicalArgs(args json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		return json.RawMessage("null"), nil
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, err
	}
	// encoding/json marshals map keys in sorted order.
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return nil, err
	}
	return canonical, nil
}

func splitEndpoint(endpoint string) (plugin, operation string) {
	if i := strings.Index(endpoint, "."); i >= 0 {
		return endpoint[:i], endpoint[i+1:]
	}
	return endpoint, ""
}
