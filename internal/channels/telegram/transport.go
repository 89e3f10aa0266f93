// Package telegram is the Telegram connector: a long-polling bot that feeds
// inbound text into the channel inbox and exposes send/typing capabilities.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/google/uuid"

	"github.com/haasonsaas/donna/internal/channels"
	"github.com/haasonsaas/donna/pkg/models"
)

// Config holds the Telegram transport settings.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// Logger is optional; slog.Default is used when nil.
	Logger *slog.Logger
}

// Transport implements channels.Transport over the Telegram Bot API.
type Transport struct {
	token  string
	inbox  channels.Inbox
	logger *slog.Logger

	mu     sync.Mutex
	bot    *bot.Bot
	selfID int64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTransport creates a Telegram transport that enqueues inbound messages
// into the given inbox.
func NewTransport(cfg Config, inbox channels.Inbox) (*Transport, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "telegram")
	}
	return &Transport{
		token:  cfg.Token,
		inbox:  inbox,
		logger: logger,
	}, nil
}

// Source identifies this transport's channel.
func (t *Transport) Source() models.Source { return models.SourceTelegram }

// Start creates the bot and begins long polling in the background.
func (t *Transport) Start(ctx context.Context) error {
	b, err := bot.New(t.token, bot.WithSkipGetMe())
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}

	me, err := b.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: authenticate: %w", err)
	}

	b.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, t.handleMessage)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	t.mu.Lock()
	t.bot = b
	t.selfID = me.ID
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		b.Start(runCtx)
	}()

	t.logger.Info("telegram transport started", "bot", me.Username)
	return nil
}

// Stop ends long polling.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Send delivers one text message to a chat.
func (t *Transport) Send(ctx context.Context, chatID, text string) error {
	b := t.client()
	if b == nil {
		return fmt.Errorf("telegram: transport not started")
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", chatID, err)
	}
	_, err = b.SendMessage(ctx, &bot.SendMessageParams{ChatID: id, Text: text})
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// SetTyping toggles the typing chat action. Telegram actions expire on their
// own, so clearing is a no-op.
func (t *Transport) SetTyping(ctx context.Context, chatID string, typing bool) error {
	if !typing {
		return nil
	}
	b := t.client()
	if b == nil {
		return fmt.Errorf("telegram: transport not started")
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", chatID, err)
	}
	_, err = b.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: id,
		Action: tgmodels.ChatActionTyping,
	})
	return err
}

func (t *Transport) client() *bot.Bot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bot
}

func (t *Transport) handleMessage(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return
	}

	row := &models.InboundMessage{
		ID:      uuid.NewString(),
		Channel: models.SourceTelegram,
		ChatID:  strconv.FormatInt(msg.Chat.ID, 10),
		Text:    msg.Text,
		IsGroup: msg.Chat.Type == tgmodels.ChatTypeGroup || msg.Chat.Type == tgmodels.ChatTypeSupergroup,
		SentAt:  time.Unix(int64(msg.Date), 0),
	}
	if msg.From != nil {
		row.SenderID = strconv.FormatInt(msg.From.ID, 10)
		row.FromSelf = msg.From.ID == t.selfID
	}

	if err := t.inbox.Enqueue(ctx, row); err != nil {
		t.logger.Error("inbox enqueue failed", "chat_id", row.ChatID, "error", err)
	}
}
