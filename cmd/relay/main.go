package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	relay "github.com/nevindra/relay"
	"github.com/nevindra/relay/bus/redisbus"
	"github.com/nevindra/relay/frontend/telegram"
	"github.com/nevindra/relay/internal/config"
	"github.com/nevindra/relay/mcp"
	"github.com/nevindra/relay/observer"
	"github.com/nevindra/relay/provider/openaicompat"
	"github.com/nevindra/relay/skills/file"
	"github.com/nevindra/relay/skills/shell"
	taskskill "github.com/nevindra/relay/skills/task"
	"github.com/nevindra/relay/store/sqlite"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Config: defaults -> TOML -> env, then KV overrides once the bus
	// is up.
	cfg := config.Load(os.Getenv("RELAY_CONFIG"))

	// 2. Bus
	bus, err := redisbus.New(ctx, redisbus.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		logger.Error("redis connect failed", "err", err)
		os.Exit(1)
	}
	defer bus.Close()
	kv := bus.KV("")

	config.ApplyKVOverrides(ctx, kv, &cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// 3. Observability
	var (
		tracer relay.Tracer
		inst   *observer.Instruments
	)
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			logger.Error("observer init failed", "err", err)
			os.Exit(1)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
		tracer = observer.NewTracer()
	}

	// 4. Audit trail: persistent store plus structured log, plus metrics
	// when the observer is on.
	auditStore, err := sqlite.New(cfg.Audit.DBPath, logger)
	if err != nil {
		logger.Error("audit store open failed", "err", err)
		os.Exit(1)
	}
	defer auditStore.Close()
	if err := auditStore.Init(ctx); err != nil {
		logger.Error("audit store init failed", "err", err)
		os.Exit(1)
	}
	auditors := relay.MultiAuditor{auditStore, &relay.SlogAuditor{Logger: logger}}
	if inst != nil {
		auditors = append(auditors, observer.NewAuditor(inst))
	}
	var auditor relay.Auditor = auditors

	// 5. Model providers
	var provider relay.Provider = openaicompat.New(cfg.Model.APIKey, cfg.Model.Name, cfg.Model.BaseURL)
	if inst != nil {
		provider = observer.WrapProvider(provider, cfg.Model.Name, inst)
	}
	provider = relay.WithRetry(relay.WithAudit(provider, auditor), logger)
	if cfg.Model.CloudFallbackEnabled {
		var cloud relay.Provider = openaicompat.New(cfg.Model.CloudAPIKey, cfg.Model.CloudName, cfg.Model.CloudBaseURL).WithName("cloud")
		if inst != nil {
			cloud = observer.WrapProvider(cloud, cfg.Model.CloudName, inst)
		}
		provider = relay.WithFallback(provider, relay.WithRetry(relay.WithAudit(cloud, auditor), logger), logger)
	}

	// 6. Skills
	tasks := relay.NewTaskStore(kv, cfg.Memory.ShortTermWindow)
	profile := relay.SandboxProfile{
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		WorkspaceRoot:  cfg.Sandbox.WorkspaceDir,
		CPUSeconds:     cfg.Sandbox.CPUSeconds,
		MemoryMB:       cfg.Sandbox.MemoryMB,
		TimeoutSeconds: cfg.Sandbox.TimeoutSeconds,
	}
	registry, err := relay.NewRegistry(
		shell.New(profile, cfg.Sandbox.CommandAllowlist, auditor),
		file.New(profile),
		taskskill.New(tasks),
	)
	if err != nil {
		logger.Error("skill registry build failed", "err", err)
		os.Exit(1)
	}

	// 7. Agents, confirmations, orchestrator
	assistant := relay.NewAssistantAgent(provider, registry, kv, cfg.Model.SystemPrompt, tracer, logger)
	toolAgent := relay.NewToolAgent(registry, auditor, tracer, logger)
	confirms := relay.NewConfirmationStore(bus, logger)

	host, _ := os.Hostname()
	orch := relay.NewOrchestrator(bus, tasks, assistant, confirms, relay.OrchestratorConfig{
		WorkerID:         host,
		AutonomousMode:   cfg.Orchestrator.AutonomousMode,
		MaxIterations:    cfg.Orchestrator.MaxIterations,
		QualityThreshold: cfg.Orchestrator.QualityThreshold,
		StreamReplies:    cfg.Orchestrator.StreamReplies,
	}, tracer, logger)
	dispatcher := relay.NewSkillDispatcher(bus, toolAgent, logger)
	sweeper := relay.NewSweeper(confirms, logger)

	// 8. MCP gateway. The limiter is shared with the Telegram adapter;
	// tenant keys are prefixed so the buckets never collide.
	limiter := relay.NewRateLimiter(kv, cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSec)
	endpoints := mcp.NewRegistry(kv, auditor)
	gateway := mcp.NewServer(bus, endpoints, confirms, auditor, limiter, telegram.Channel, logger)
	httpSrv := &http.Server{
		Addr:              cfg.MCP.ListenAddr,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 9. Telegram adapter
	adapter := telegram.New(bus, telegram.NewClient(cfg.Telegram.Token), confirms, endpoints, limiter, telegram.Config{
		AllowedUserIDs: cfg.Telegram.AllowedUserIDs,
		PairingMode:    cfg.Telegram.PairingMode,
	}, logger)

	// 10. Run everything; any fatal component error or a restart request
	// cancels the group.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	restart := make(chan struct{}, 1)
	go watchRestart(runCtx, bus, logger, restart)
	go func() {
		if err := orch.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("orchestrator stopped", "err", err)
			cancel()
		}
	}()
	go func() {
		if err := dispatcher.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("skill dispatcher stopped", "err", err)
			cancel()
		}
	}()
	go sweeper.Run(runCtx)
	go func() {
		logger.Info("mcp gateway listening", "addr", cfg.MCP.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("mcp gateway stopped", "err", err)
			cancel()
		}
	}()
	go func() {
		if err := adapter.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("telegram adapter stopped", "err", err)
			cancel()
		}
	}()

	select {
	case <-runCtx.Done():
	case <-restart:
		logger.Info("restart requested, shutting down for supervisor relaunch")
	}

	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	_ = httpSrv.Shutdown(sctx)
}

// watchRestart signals once a restart_requested envelope arrives. The
// process exits cleanly and the supervisor (systemd, docker) relaunches
// it with fresh code and config.
func watchRestart(ctx context.Context, bus relay.Bus, logger *slog.Logger, restart chan<- struct{}) {
	sub, err := bus.Subscribe(ctx, relay.TopicRestartRequested)
	if err != nil {
		logger.Warn("restart topic subscribe failed", "err", err)
		return
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.C():
			if !ok {
				return
			}
			if d.Gap {
				continue
			}
			if d.Envelope.Kind == relay.KindRestartRequested {
				select {
				case restart <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}
