package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/donna/internal/agent"
	"github.com/haasonsaas/donna/internal/auth"
	"github.com/haasonsaas/donna/internal/channels"
	"github.com/haasonsaas/donna/internal/channels/telegram"
	"github.com/haasonsaas/donna/internal/channels/whatsapp"
	"github.com/haasonsaas/donna/internal/config"
	"github.com/haasonsaas/donna/internal/escalation"
	"github.com/haasonsaas/donna/internal/gateway"
	"github.com/haasonsaas/donna/internal/llm"
	"github.com/haasonsaas/donna/internal/observability"
	"github.com/haasonsaas/donna/internal/permissions"
	"github.com/haasonsaas/donna/internal/runner"
	"github.com/haasonsaas/donna/internal/sessions"
	"github.com/haasonsaas/donna/internal/store"
	"github.com/haasonsaas/donna/internal/webhooks"
	"github.com/haasonsaas/donna/internal/workflows"
)

const shutdownTimeout = 15 * time.Second

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the donna daemon",
		Long: `Start the daemon with all configured channels.

The daemon opens the durable store, starts the cron dispatcher and the
enabled channel pollers, and serves the HTTP API. SIGINT/SIGTERM trigger a
graceful shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "donna.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("starting donna", "version", version, "config", configPath, "addr", cfg.Server.Addr)

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	provider, err := llm.NewAnthropicProvider(llm.AnthropicConfig{
		APIKey:    cfg.LLM.APIKey,
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}

	run, err := runner.NewHTTPClient(cfg.Runner.BaseURL, runner.WithTimeout(cfg.Runner.Timeout))
	if err != nil {
		return fmt.Errorf("runner client: %w", err)
	}

	var approvalTokens *auth.ApprovalTokens
	if cfg.Approvals.Secret != "" {
		approvalTokens = auth.NewApprovalTokens(cfg.Approvals.Secret, cfg.Approvals.TokenTTL)
	}

	brokerOpts := []permissions.Option{permissions.WithObserver(metrics)}
	if approvalTokens.Enabled() {
		brokerOpts = append(brokerOpts, permissions.WithTokenIssuer(approvalTokens))
	}
	broker := permissions.NewBroker(db.Permissions(), brokerOpts...)
	sessionManager := sessions.NewManager(db.Sessions(), sessions.WithHistoryWindow(cfg.Agent.HistoryWindow))

	sends := channels.NewSendRegistry()
	registry := workflows.NewRegistry(db.Workflows(), db.Executions(), run,
		workflows.WithNotifier(sends),
		workflows.WithObserver(metrics),
		workflows.WithTickInterval(cfg.Workflows.TickInterval),
	)

	engineOpts := []agent.Option{
		agent.WithMaxRounds(cfg.Agent.MaxRounds),
		agent.WithMaxTokens(cfg.LLM.MaxTokens),
	}
	if cfg.Agent.SystemPrompt != "" {
		engineOpts = append(engineOpts, agent.WithSystemPrompt(cfg.Agent.SystemPrompt))
	}
	engine := agent.NewEngine(provider, run, registry, broker, engineOpts...)

	trigger := escalation.NewTrigger(engine, escalation.WithObserver(metrics))
	registry.SetEscalator(trigger)

	dispatcher := webhooks.NewDispatcher(registry)

	// A channel that cannot come up stays disabled; the rest of the daemon
	// runs without it.
	var pollers []*channels.Poller
	if cfg.Channels.Telegram.Enabled {
		transport, err := telegram.NewTransport(telegram.Config{Token: cfg.Channels.Telegram.Token}, db.Inbox())
		if err != nil {
			slog.Error("telegram transport unavailable, channel disabled", "error", err)
		} else {
			sends.Add(transport)
			pollers = append(pollers, channels.NewPoller(transport, db.Inbox(), sessionManager, engine,
				channels.WithMention(cfg.Channels.Telegram.Mention),
				channels.WithObserver(metrics),
			))
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		transport, err := whatsapp.NewTransport(whatsapp.Config{SessionPath: cfg.Channels.WhatsApp.SessionPath}, db.Inbox())
		if err != nil {
			slog.Error("whatsapp transport unavailable, channel disabled", "error", err)
		} else {
			sends.Add(transport)
			pollers = append(pollers, channels.NewPoller(transport, db.Inbox(), sessionManager, engine,
				channels.WithMention(cfg.Channels.WhatsApp.Mention),
				channels.WithObserver(metrics),
			))
		}
	}

	serverOpts := []gateway.Option{gateway.WithObserver(metrics)}
	if approvalTokens.Enabled() {
		serverOpts = append(serverOpts, gateway.WithApprovalTokens(approvalTokens))
	}
	server := gateway.NewServer(engine, sessionManager, broker, registry, dispatcher, serverOpts...)

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := registry.Start(runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	for _, poller := range pollers {
		if err := poller.Start(runCtx); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(cfg.Server.Addr)
	}()

	select {
	case <-runCtx.Done():
		slog.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Shut down outer surfaces first, then let in-flight work drain.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	var stopErrs []error
	for _, poller := range pollers {
		if err := poller.Stop(shutdownCtx); err != nil {
			stopErrs = append(stopErrs, err)
		}
	}
	if err := registry.Stop(shutdownCtx); err != nil {
		stopErrs = append(stopErrs, err)
	}
	dispatcher.Wait()
	trigger.Wait()

	if len(stopErrs) > 0 {
		return errors.Join(stopErrs...)
	}
	slog.Info("shutdown complete")
	return nil
}
