package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-orchestrator/internal/config"
	"crabstack.local/projects/crab-orchestrator/internal/dispatch"
	"crabstack.local/projects/crab-orchestrator/internal/events"
	"crabstack.local/projects/crab-orchestrator/internal/httpapi"
	"crabstack.local/projects/crab-orchestrator/internal/pending"
	"crabstack.local/projects/crab-orchestrator/internal/policy"
	"crabstack.local/projects/crab-orchestrator/internal/reasoner"
	"crabstack.local/projects/crab-orchestrator/internal/session"
	"crabstack.local/projects/crab-orchestrator/internal/subscribers"
	logging "crabstack.local/projects/crab-orchestrator/internal/subscribers/logging"
	"crabstack.local/projects/crab-orchestrator/internal/subscribers/webhook"
	"crabstack.local/projects/crab-orchestrator/internal/telemetry"
	"crabstack.local/projects/crab-orchestrator/internal/toolclient"
)

const sweepInterval = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.OrchestratorFromYAMLAndEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, newLogger(), cfg)
		},
	}
}

func serve(ctx context.Context, logger *log.Logger, cfg config.OrchestratorConfig) error {
	metricsProvider, err := telemetry.Setup(ctx, telemetry.Config{Endpoint: cfg.OTLPEndpoint, Insecure: cfg.OTLPInsecure})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsProvider.Close(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown error: %v", err)
		}
	}()

	webhookEvents, err := events.ParseTypes(cfg.WebhookEvents)
	if err != nil {
		return err
	}
	subs := []subscribers.Subscriber{logging.New(logger)}
	for idx, webhookURL := range cfg.WebhookURLs {
		subs = append(subs, webhook.New(webhookSubscriberName(idx, webhookURL), webhookURL, logger,
			webhook.WithEventFilter(webhook.Filter(webhookEvents...))))
	}
	dispatcher := dispatch.New(logger, subs)

	store, err := session.NewGormStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("initialize session store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("store close error: %v", err)
		}
	}()

	rules, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		return err
	}
	policies := policy.NewStore(rules)
	if cfg.PolicyFile != "" {
		go func() {
			if err := policy.NewWatcher(logger, cfg.PolicyFile, policies).Run(ctx); err != nil {
				logger.Printf("policy watcher stopped: %v", err)
			}
		}()
	}

	var tools *toolclient.Client
	var toolSource reasoner.ToolSource
	if len(cfg.ToolHosts) > 0 {
		hosts := make([]toolclient.HostConfig, 0, len(cfg.ToolHosts))
		for _, host := range cfg.ToolHosts {
			hosts = append(hosts, toolclient.HostConfig{Name: host.Name, BaseURL: host.URL})
		}
		tools = toolclient.New(logger, hosts)
		discoverCtx, discoverCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := tools.Discover(discoverCtx); err != nil {
			logger.Printf("tool discovery warning: %v", err)
		}
		discoverCancel()
		toolSource = tools
	}

	registry := pending.NewRegistry(logger, cfg.RPCTimeout)
	go registry.Run(ctx, sweepInterval, cfg.RPCMaxAge)

	engine := reasoner.NewEngine(logger, reasoner.NewAnthropicProvider(cfg.AnthropicAPIKey), toolSource, reasoner.EngineConfig{
		Model:        cfg.AnthropicModel,
		MaxTokens:    cfg.AnthropicMaxTokens,
		SystemPrompt: cfg.SystemPrompt,
	})

	manager := session.NewManager(logger, session.Config{
		QueueSize:    cfg.SessionQueueSize,
		MaxSteps:     cfg.MaxStepsPerTurn,
		ResumeWindow: cfg.ResumeWindow,
		RPCTimeout:   cfg.RPCTimeout,
		JobWorkers:   cfg.JobWorkers,
		JobTimeout:   cfg.JobTimeout,
	}, session.Dependencies{
		Store:    store,
		Engine:   engine,
		Registry: registry,
		Policies: policies,
		Tools:    tools,
		Events:   dispatcher,
		Metrics:  metricsProvider.Metrics(),
	})

	srv := httpapi.NewServer(logger, cfg.HTTPAddr, manager)
	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server crashed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Printf("session manager shutdown error: %v", err)
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.Printf("event dispatch drain error: %v", err)
	}
	return runErr
}

func webhookSubscriberName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
