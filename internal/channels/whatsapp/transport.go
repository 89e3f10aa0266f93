// Package whatsapp is the WhatsApp connector built on whatsmeow. The device
// session lives in a local SQLite store; first start without a paired device
// logs the QR code to scan.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	"github.com/haasonsaas/donna/internal/channels"
	"github.com/haasonsaas/donna/pkg/models"
)

// Config holds the WhatsApp transport settings.
type Config struct {
	// SessionPath is the SQLite file holding the paired device session.
	SessionPath string

	// Logger is optional; slog.Default is used when nil.
	Logger *slog.Logger
}

// Transport implements channels.Transport over whatsmeow.
type Transport struct {
	sessionPath string
	inbox       channels.Inbox
	logger      *slog.Logger

	mu        sync.Mutex
	container *sqlstore.Container
	client    *whatsmeow.Client
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewTransport creates a WhatsApp transport that enqueues inbound messages
// into the given inbox.
func NewTransport(cfg Config, inbox channels.Inbox) (*Transport, error) {
	if cfg.SessionPath == "" {
		return nil, fmt.Errorf("whatsapp: session path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "whatsapp")
	}
	return &Transport{
		sessionPath: cfg.SessionPath,
		inbox:       inbox,
		logger:      logger,
	}, nil
}

// Source identifies this transport's channel.
func (t *Transport) Source() models.Source { return models.SourceWhatsApp }

// Start opens the device store and connects. Without a paired device it
// drives the QR pairing flow, logging each code.
func (t *Transport) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(t.sessionPath), 0o755); err != nil {
		return fmt.Errorf("whatsapp: create session directory: %w", err)
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", t.sessionPath), waLog.Noop)
	if err != nil {
		return fmt.Errorf("whatsapp: open device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: get device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(t.handleEvent)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	t.mu.Lock()
	t.container = container
	t.client = client
	t.cancel = cancel
	t.mu.Unlock()

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(runCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("whatsapp: qr channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			cancel()
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case evt, ok := <-qrChan:
					if !ok {
						return
					}
					if evt.Event == "code" {
						t.logger.Info("scan QR code to pair", "code", evt.Code)
					}
				}
			}
		}()
	} else {
		if err := client.Connect(); err != nil {
			cancel()
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
	}

	t.logger.Info("whatsapp transport started")
	return nil
}

// Stop disconnects and closes the device store.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, client, container := t.cancel, t.client, t.container
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	if client != nil {
		client.Disconnect()
	}
	if container != nil {
		if err := container.Close(); err != nil {
			t.logger.Warn("device store close failed", "error", err)
		}
	}
	return nil
}

// Send delivers one text message to a chat JID.
func (t *Transport) Send(ctx context.Context, chatID, text string) error {
	client := t.connected()
	if client == nil {
		return fmt.Errorf("whatsapp: transport not started")
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("whatsapp: bad chat id %q: %w", chatID, err)
	}
	waMsg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := client.SendMessage(ctx, jid, waMsg); err != nil {
		return fmt.Errorf("whatsapp: send: %w", err)
	}
	return nil
}

// SetTyping toggles the composing presence for a chat.
func (t *Transport) SetTyping(ctx context.Context, chatID string, typing bool) error {
	client := t.connected()
	if client == nil {
		return fmt.Errorf("whatsapp: transport not started")
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("whatsapp: bad chat id %q: %w", chatID, err)
	}
	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	return client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

func (t *Transport) connected() *whatsmeow.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

func (t *Transport) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Message:
		t.handleMessage(e)
	case *events.Connected:
		t.logger.Info("whatsapp connected")
	case *events.Disconnected:
		t.logger.Warn("whatsapp disconnected")
	case *events.LoggedOut:
		t.logger.Error("whatsapp logged out, re-pairing required")
	}
}

func (t *Transport) handleMessage(evt *events.Message) {
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil:
		text = evt.Message.ExtendedTextMessage.GetText()
	}
	if text == "" {
		return
	}

	row := &models.InboundMessage{
		ID:       evt.Info.ID,
		Channel:  models.SourceWhatsApp,
		ChatID:   evt.Info.Chat.String(),
		SenderID: evt.Info.Sender.String(),
		Text:     text,
		IsGroup:  evt.Info.IsGroup,
		FromSelf: evt.Info.IsFromMe,
		SentAt:   evt.Info.Timestamp,
	}

	if err := t.inbox.Enqueue(context.Background(), row); err != nil {
		t.logger.Error("inbox enqueue failed", "chat_id", row.ChatID, "error", err)
	}
}
