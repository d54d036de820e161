// Command nanoclaw is the NanoClaw host process: it loads configuration,
// connects to Postgres, and runs every background loop (router, scheduler,
// governance, IPC broker, worker health, dispatcher cleanup, limits
// janitor, nonce janitor, snapshot janitor) plus the Ops HTTP API, shutting
// all of them down together on SIGINT/SIGTERM. The flag/.env/config-then-
// database bootstrap sequence is grounded on the teacher's
// cmd/tarsy/main.go; the signal-driven graceful shutdown of a multi-loop
// process is grounded on the gateway pattern in other_examples'
// cmd-api-main.go.go.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"github.com/nanoclaw/nanoclaw/pkg/agentlock"
	"github.com/nanoclaw/nanoclaw/pkg/api"
	"github.com/nanoclaw/nanoclaw/pkg/channel"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/database"
	"github.com/nanoclaw/nanoclaw/pkg/dispatcher"
	"github.com/nanoclaw/nanoclaw/pkg/governance"
	"github.com/nanoclaw/nanoclaw/pkg/ipc"
	"github.com/nanoclaw/nanoclaw/pkg/limits"
	"github.com/nanoclaw/nanoclaw/pkg/memory"
	"github.com/nanoclaw/nanoclaw/pkg/pii"
	"github.com/nanoclaw/nanoclaw/pkg/router"
	"github.com/nanoclaw/nanoclaw/pkg/scheduler"
	"github.com/nanoclaw/nanoclaw/pkg/store"
	"github.com/nanoclaw/nanoclaw/pkg/version"
	"github.com/nanoclaw/nanoclaw/pkg/workerauth"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// snapshotSource adapts *store.Store to ipc.SnapshotSource.
type snapshotSource struct{ store *store.Store }

func (a snapshotSource) CurrentTasks(ctx context.Context) ([]ipc.TaskSnapshot, error) {
	tasks, err := a.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ipc.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, ipc.TaskSnapshot{
			ID: t.TaskID, ChatJID: t.ChatJID, Prompt: t.Prompt,
			ScheduleType: t.ScheduleType, ScheduleValue: t.ScheduleValue,
			Status: t.Status, NextRun: t.NextRun,
		})
	}
	return out, nil
}

func (a snapshotSource) GovPipelineTasksForGroup(ctx context.Context, group string) ([]any, error) {
	tasks, err := a.store.ListGovTasks(ctx, store.GovTaskFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(tasks))
	for _, t := range tasks {
		if t.AssignedGroup != nil && *t.AssignedGroup == group {
			out = append(out, t)
		}
	}
	return out, nil
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	logger := slog.Default()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		logger.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		logger.Info("loaded environment", "path", envPath)
	}

	logger.Info("starting nanoclaw", "version", version.Full(), "config_dir", *configDir)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		logger.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("error closing database client", "error", err)
		}
	}()
	logger.Info("connected to postgres, schema migrated")

	s := store.New(dbClient.DB)
	lock := agentlock.New()

	var chanDriver channel.Driver = channel.NewFake()
	var executor agent.Executor = &agent.StubExecutor{}

	scanner, err := pii.NewScanner()
	if err != nil {
		logger.Error("failed to compile pii scanner", "error", err)
		os.Exit(1)
	}
	memBroker := memory.New(s, scanner)
	accessLogger := memory.NewStoreAccessLogger(s)

	limitsEngine := limits.New(s, limits.BreakerConfig{
		OpenAfterFails: cfg.Limits.Breaker.OpenAfterFails,
		FailWindowSec:  cfg.Limits.Breaker.FailWindowSec,
		CooldownSec:    cfg.Limits.Breaker.CooldownSec,
	}, cfg.Limits.Enabled, limits.FeatureFlags{
		ExtCallsEnabled:   cfg.Limits.ExtCallsEnabled,
		EmbeddingsEnabled: cfg.Limits.EmbeddingsEnabled,
	})

	workerVerifier := workerauth.NewVerifier(s, ms(cfg.Worker.NonceTTLMS))

	httpClient := &http.Client{Timeout: 10 * time.Second}
	dispatch := dispatcher.New(s, httpClient, time.Duration(cfg.Timeouts.ContainerTimeoutSec)*time.Second)
	healthChecker := dispatcher.NewHealthChecker(s, httpClient)

	for _, w := range cfg.Workers {
		secret := os.Getenv(w.SharedSecretEnv)
		if secret == "" {
			logger.Warn("worker has no shared secret configured, dispatch to it will fail HMAC verification", "worker_id", w.ID, "secret_env", w.SharedSecretEnv)
		}
		if err := s.UpsertWorker(ctx, store.Worker{
			ID: w.ID, Host: w.Host, User: w.User, SSHPort: w.SSHPort,
			LocalPort: w.LocalPort, RemotePort: w.RemotePort, Status: "offline",
			MaxWIP: w.MaxWIP, SharedSecret: secret, GroupsServed: w.GroupsServed,
		}); err != nil {
			logger.Error("failed to register worker", "worker_id", w.ID, "error", err)
			os.Exit(1)
		}
	}

	mainGroups := make(map[string]bool, len(cfg.Groups))
	ipcGroups := make([]ipc.Group, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		if g.IsMain {
			mainGroups[g.Name] = true
		}
		ipcGroups = append(ipcGroups, ipc.Group{Name: g.Name, Dir: g.IPCDir})
	}

	ipcBroker, err := ipc.New(ipc.Config{
		Groups:         ipcGroups,
		Handlers:       ipc.DefaultHandlers(memBroker, accessLogger, s),
		Channel:        chanDriver,
		PollInterval:   ms(cfg.Intervals.IPCPollIntervalMS),
		HandlerTimeout: 20 * time.Second,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to construct ipc broker", "error", err)
		os.Exit(1)
	}

	msgRouter := router.New(router.Config{
		Store: s, Lock: lock, Executor: executor, Channel: chanDriver,
		TriggerName: cfg.Assistant.Name, PollInterval: ms(cfg.Intervals.PollIntervalMS), Logger: logger,
	})

	taskScheduler := scheduler.New(scheduler.Config{
		Store: s, Lock: lock, Executor: executor, Channel: chanDriver,
		TriggerName: cfg.Assistant.Name, MaxAttempts: cfg.Scheduler.MaxAttempts,
		Timezone:     os.Getenv("TZ"),
		PollInterval: ms(cfg.Intervals.SchedulerPollIntervalMS), Logger: logger,
	})

	eventHub := api.NewHub()

	govLoop := governance.New(governance.Config{
		Store: s, Dispatcher: dispatch, MemoryBroker: memBroker, AccessLogger: accessLogger,
		MainGroups: mainGroups, MaxWIPPerGroup: cfg.Governance.MaxWIPPerGroup, DefaultMaxWIP: cfg.Governance.DefaultMaxWIP,
		Events: eventHub, PollInterval: ms(cfg.Intervals.GovernancePollIntervalMS), Logger: logger,
	})

	opsServer := api.NewServer(api.Config{
		Store: s, Governance: govLoop, Dispatcher: dispatch, Limits: limitsEngine,
		Lock: lock, Events: eventHub, WorkerAuth: workerVerifier, Config: cfg,
		OpsSecret: cfg.OpsAPI.HTTPSecret, WriteSecretCurrent: cfg.OpsAPI.WriteSecretCurrent, WriteSecretPrevious: cfg.OpsAPI.WriteSecretPrevious,
		CockpitWriteRatePerMin: cfg.Limits.RatePerMinute["cockpit_write"],
		CockpitWriteSoftLimit:  cfg.Limits.Quotas["cockpit_write"].Soft,
		CockpitWriteHardLimit:  cfg.Limits.Quotas["cockpit_write"].Hard,
	})

	go ipcBroker.Run(ctx)
	go msgRouter.Run(ctx)
	go taskScheduler.Run(ctx)
	go govLoop.Run(ctx)
	go dispatch.Run(ctx, ms(cfg.Intervals.WorkerHealthIntervalMS))
	go healthChecker.Run(ctx, ms(cfg.Intervals.WorkerHealthIntervalMS))
	go runNonceJanitor(ctx, workerVerifier, cfg, logger)
	go runRateCounterJanitor(ctx, limitsEngine, logger)
	go ipc.RunSnapshotJanitor(ctx, ipc.SnapshotJanitorConfig{
		Groups: ipcGroups,
		Source: snapshotSource{store: s},
		Capabilities: ipc.ExtCapabilitiesSnapshot{
			Trello: cfg.Limits.ExtCallsEnabled, Slack: cfg.Limits.ExtCallsEnabled,
			ExternalCall: cfg.Limits.ExtCallsEnabled, Embeddings: cfg.Limits.EmbeddingsEnabled,
		},
		Logger: logger,
	}, ms(cfg.Intervals.SnapshotIntervalMS))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal, shutting down gracefully")
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops api shutdown error", "error", err)
		}
	}()

	addr := ":" + strconv.Itoa(cfg.OpsAPI.Port)
	logger.Info("ops api listening", "addr", addr)
	if err := opsServer.Start(addr); err != nil && err != http.ErrServerClosed {
		logger.Error("ops api failed to start", "error", err)
		os.Exit(1)
	}
	logger.Info("nanoclaw stopped")
}

// runNonceJanitor periodically prunes the worker-auth replay table (spec
// §4.D step 6).
func runNonceJanitor(ctx context.Context, v *workerauth.Verifier, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(ms(cfg.Intervals.NonceCleanupIntervalMS))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := v.Janitor(ctx, now, cfg.Worker.NonceCap); err != nil {
				logger.Error("nonce janitor failed", "error", err)
			}
		}
	}
}

// runRateCounterJanitor periodically purges expired rate-limit windows
// (spec §4.B).
func runRateCounterJanitor(ctx context.Context, e *limits.Engine, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := e.PurgeRateCounters(ctx, now); err != nil {
				logger.Error("rate counter janitor failed", "error", err)
			}
		}
	}
}
