package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/discord"
	"github.com/clawdis/clawdis/internal/channels/slack"
	"github.com/clawdis/clawdis/internal/channels/telegram"
	"github.com/clawdis/clawdis/internal/channels/whatsapp"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/dispatch"
	"github.com/clawdis/clawdis/internal/gateway"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/internal/orchestrator"
	"github.com/clawdis/clawdis/internal/pairing"
	"github.com/clawdis/clawdis/internal/queue"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the gateway: start every enabled channel adapter, accept inbound
messages, invoke the agent runtime and serve the websocket control plane.
Shuts down cleanly on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "config file path")
	return cmd
}

func runServe(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateDir := config.StateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return err
	}

	watcher, err := config.NewWatcher(configPath, nil)
	if err != nil {
		return err
	}
	cfg := watcher.Current()

	logCfg := observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if f, err := openGatewayLog(stateDir); err == nil {
		defer f.Close()
		logCfg.Output = io.MultiWriter(os.Stdout, f)
	}
	log := observability.NewLogger(logCfg)
	if err := watcher.Start(ctx); err != nil {
		log.Warn(ctx, "config watch unavailable", "error", err)
	}
	defer watcher.Stop()
	watcher.OnChange(func(next *config.Config) {
		// Channels and the agent chain keep their boot-time settings;
		// limits and reply routing pick up the new snapshot per turn.
		log.Info(ctx, "config reloaded", "path", configPath)
	})

	lock, err := gateway.AcquireLock(stateDir, cfg.Gateway.Port)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	store, err := sessions.NewStore(stateDir,
		sessions.WithMainKey(sessions.MainKey("main")),
		sessions.WithAllowedModels(cfg.Session.AllowedModels))
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	transcripts := sessions.NewTranscripts(stateDir)
	pairs, err := pairing.NewStore(stateDir)
	if err != nil {
		return fmt.Errorf("pairing store: %w", err)
	}
	crons, err := cron.NewStore(stateDir)
	if err != nil {
		return fmt.Errorf("cron store: %w", err)
	}
	if err := ensureLocalNode(pairs, stateDir); err != nil {
		return fmt.Errorf("local node provisioning: %w", err)
	}

	plugins, err := buildChannels(cfg, stateDir, log)
	if err != nil {
		return err
	}
	if len(plugins) == 0 {
		log.Warn(ctx, "no channels enabled")
	}
	registry := channels.NewRegistry(plugins...)
	limits := channels.NewLimits(registry, cfg.Channels.TextLimits, nil)
	dispatcher := dispatch.New(registry, limits, store, log, metrics)

	if len(cfg.Agent.Command) == 0 {
		return models.NewError(models.ErrInvalidRequest, "agent.command is not configured")
	}
	caller, err := agent.NewSubprocessCaller(cfg.Agent.Command, cfg.Agent.Env, log)
	if err != nil {
		return err
	}
	invoker := agent.NewInvoker(caller, transcripts, agent.Config{
		Model:          cfg.Agent.Model,
		FallbackModels: cfg.Agent.FallbackModels,
		Provider:       cfg.Agent.Provider,
		AttemptTimeout: cfg.Agent.AttemptTimeout,
		SanitizeMode:   agent.SanitizeMode(cfg.Agent.SanitizeMode),
	}, log, metrics)

	orch := orchestrator.New(store, invoker, dispatcher, registry, queue.Config{
		Debounce:   cfg.Queue.Debounce,
		ByChannel:  cfg.Queue.ByChannel,
		MaxQueued:  cfg.Queue.MaxQueued,
		DropPolicy: models.QueueDropPolicy(cfg.Queue.DropPolicy),
	}, orchestrator.Config{
		WorkspaceRoot:      workspaceRoot(cfg, stateDir),
		SystemPrompt:       cfg.Agent.SystemPrompt,
		ReplyToByChannel:   cfg.ReplyToModes(),
		ForwardToolResults: cfg.Agent.ForwardToolResults,
		NotifyGroupErrors:  cfg.Agent.NotifyGroupErrors,
	}, log, metrics)
	defer orch.Close()

	events := gateway.NewBroadcaster(0)
	defer events.Close()

	router := gateway.NewRouter()
	deps := &serveDeps{
		watcher:     watcher,
		stateDir:    stateDir,
		store:       store,
		transcripts: transcripts,
		pairs:       pairs,
		crons:       crons,
		registry:    registry,
		dispatcher:  dispatcher,
		orch:        orch,
		events:      events,
		log:         log,
		started:     time.Now(),
	}
	deps.register(router)

	server := gateway.NewServer(gateway.Config{ServerName: cfg.Gateway.ServerName},
		router, pairs, events, log, metrics)

	var wg sync.WaitGroup
	startReceivers(ctx, &wg, registry, orch, dispatcher, log)

	mux := http.NewServeMux()
	mux.Handle("/ws", server.Handler())
	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 2)
	go func() {
		log.Info(ctx, "gateway listening", "addr", addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var metricsServer *http.Server
	if cfg.Gateway.MetricsPort > 0 {
		mmux := http.NewServeMux()
		mmux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.MetricsPort),
			Handler: mmux,
		}
		go func() {
			log.Info(ctx, "metrics listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info(context.Background(), "shutting down")
	case err := <-errCh:
		stop()
		log.Error(context.Background(), "server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	stopReceivers(shutdownCtx, registry, log)
	wg.Wait()
	return nil
}

// buildChannels constructs one plugin per enabled channel.
func buildChannels(cfg *config.Config, stateDir string, log *observability.Logger) ([]channels.Plugin, error) {
	var out []channels.Plugin

	if c := cfg.Channels.Telegram; c.Enabled {
		p, err := telegram.New(telegram.Config{Token: c.BotToken}, log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		out = append(out, p)
	}
	if c := cfg.Channels.Discord; c.Enabled {
		p, err := discord.New(discord.Config{Token: c.BotToken}, log)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		out = append(out, p)
	}
	if c := cfg.Channels.Slack; c.Enabled {
		p, err := slack.New(slack.Config{BotToken: c.BotToken, AppToken: c.AppToken}, log)
		if err != nil {
			return nil, fmt.Errorf("slack: %w", err)
		}
		out = append(out, p)
	}
	if c := cfg.Channels.WhatsApp; c.Enabled {
		storePath := c.StorePath
		if storePath == "" {
			storePath = filepath.Join(stateDir, "whatsapp.db")
		}
		p, err := whatsapp.New(whatsapp.Config{StorePath: storePath}, log)
		if err != nil {
			return nil, fmt.Errorf("whatsapp: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// startReceivers starts every receiving plugin and pumps its inbound
// messages through the orchestrator. Directive acks go straight back out.
func startReceivers(ctx context.Context, wg *sync.WaitGroup, reg *channels.Registry, orch *orchestrator.Orchestrator, dispatcher *dispatch.Dispatcher, log *observability.Logger) {
	for _, p := range reg.List() {
		recv, ok := p.(channels.Receiver)
		if !ok {
			continue
		}
		if err := recv.Start(ctx); err != nil {
			log.Error(ctx, "channel start failed", "channel", p.ID(), "error", err)
			continue
		}
		log.Info(ctx, "channel started", "channel", p.ID())

		wg.Add(1)
		go func(plugin channels.Plugin, recv channels.Receiver) {
			defer wg.Done()
			for msg := range recv.Messages() {
				acks, err := orch.HandleInbound(ctx, msg)
				if err != nil {
					log.Error(ctx, "inbound handling failed", "channel", plugin.ID(), "error", err)
					continue
				}
				if len(acks) == 0 {
					continue
				}
				_, err = dispatcher.Dispatch(ctx, dispatch.Request{
					Session: orch.SessionKey(msg),
					Route: dispatch.Route{
						Channel:   msg.Channel,
						AccountID: msg.AccountID,
						Target:    msg.From,
						ThreadID:  msg.ThreadID,
					},
					Payloads: acks,
				})
				if err != nil {
					log.Warn(ctx, "ack delivery failed", "channel", plugin.ID(), "error", err)
				}
			}
		}(p, recv)
	}
}

func stopReceivers(ctx context.Context, reg *channels.Registry, log *observability.Logger) {
	for _, p := range reg.List() {
		if recv, ok := p.(channels.Receiver); ok {
			if err := recv.Stop(ctx); err != nil {
				log.Warn(ctx, "channel stop failed", "channel", p.ID(), "error", err)
			}
		}
	}
}

func openGatewayLog(stateDir string) (*os.File, error) {
	dir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "gateway.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func workspaceRoot(cfg *config.Config, stateDir string) string {
	if cfg.Agent.WorkspaceRoot != "" {
		return cfg.Agent.WorkspaceRoot
	}
	return filepath.Join(stateDir, "workspaces")
}
