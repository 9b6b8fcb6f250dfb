// Command drover runs the task/trust coordination daemon: the idempotent
// task queue and worker pool, the policy-checked tool invocation gate, the
// reputation engine, the liveness monitor, and the HTTP gateway in front of
// them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/drover/internal/approval"
	"github.com/basket/drover/internal/audit"
	"github.com/basket/drover/internal/bus"
	"github.com/basket/drover/internal/config"
	"github.com/basket/drover/internal/cron"
	"github.com/basket/drover/internal/forge"
	"github.com/basket/drover/internal/gateway"
	"github.com/basket/drover/internal/liveness"
	otelPkg "github.com/basket/drover/internal/otel"
	"github.com/basket/drover/internal/policy"
	"github.com/basket/drover/internal/reputation"
	"github.com/basket/drover/internal/store"
	"github.com/basket/drover/internal/task"
	"github.com/basket/drover/internal/toolproto"
	"github.com/google/uuid"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	home := flag.String("home", defaultHome(), "data directory (config.yaml, policy.yaml, logs)")
	bindAddr := flag.String("bind", "", "gateway bind address (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("drover", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*home)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}

	// Audit before logger so logger failures can still be audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	eventBus := bus.New()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	go metrics.ObserveBus(ctx, eventBus)

	// Store connect with memory fallback. Demo mode keeps the whole pipeline
	// runnable on a laptop with nothing else installed.
	var st store.Store
	redisStore, err := store.NewRedisStore(ctx, cfg.Store.Addr, cfg.Store.Password, cfg.Store.DB)
	if err != nil {
		logger.Warn("state store unreachable, falling back to in-memory store (demo mode)",
			"addr", cfg.Store.Addr, "error", err)
		st = store.NewMemoryStore()
	} else {
		st = redisStore
		logger.Info("startup phase", "phase", "store_connected", "addr", cfg.Store.Addr)
	}
	defer st.Close()

	// Policy: bootstrap a default file if absent, then hold it live.
	if _, statErr := os.Stat(cfg.PolicyPath); os.IsNotExist(statErr) {
		if writeErr := os.WriteFile(cfg.PolicyPath, []byte(policy.DefaultYAML()), 0o644); writeErr != nil {
			fatalStartup(logger, "E_POLICY_BOOTSTRAP", writeErr)
		}
		logger.Info("policy.yaml bootstrapped with defaults", "path", cfg.PolicyPath)
	}
	polData, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	pol := policy.NewLivePolicy(polData, cfg.PolicyPath)
	logger.Info("startup phase", "phase", "policy_loaded", "version", pol.PolicyVersion())

	// Hot reload: a changed policy file swaps the live document; a load error
	// keeps the previous one.
	watcher := config.NewWatcher(cfg.HomeDir, cfg.PolicyPath, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_WATCHER_START", err)
	}
	go func() {
		for ev := range watcher.Events() {
			if ev.Path != cfg.PolicyPath {
				continue
			}
			if err := pol.Reload(); err != nil {
				logger.Error("policy reload failed, keeping previous document", "error", err)
				continue
			}
			logger.Info("policy reloaded", "version", pol.PolicyVersion())
		}
	}()

	approvals := approval.NewRegistry(st, eventBus, logger,
		time.Duration(cfg.ApprovalTimeoutSeconds)*time.Second)

	// Tool backends from config; the invoker gates every call through policy
	// and the approval registry.
	toolClients, err := buildToolClients(cfg)
	if err != nil {
		fatalStartup(logger, "E_TOOLS_INIT", err)
	}
	invoker := toolproto.NewInvoker(toolClients, pol, approvals, logger)
	defer func() {
		for _, c := range toolClients {
			_ = c.Close()
		}
	}()
	logger.Info("startup phase", "phase", "tools_configured", "backends", len(toolClients))

	var forgeClient forge.Forge
	if cfg.Forge.Owner != "" && cfg.Forge.Repo != "" {
		forgeClient = forge.NewGitHubClient(cfg.Forge.BaseURL, cfg.Forge.Owner, cfg.Forge.Repo, cfg.Forge.Token, nil)
	} else {
		logger.Warn("no forge repository configured, tasks will run against an in-memory fake")
		forgeClient = forge.NewFake()
	}

	queue := task.NewQueue(st, forgeClient, eventBus, logger, task.Options{
		WorkerCount:    cfg.Queue.WorkerCount,
		TaskTTL:        cfg.TaskTTL(),
		IdempotencyTTL: cfg.IdempotencyTTL(),
		TaskTimeout:    time.Duration(cfg.Queue.TaskTimeoutSeconds) * time.Second,
		BaseBranch:     cfg.Forge.BaseBranch,
	})
	queue.Start(ctx)
	logger.Info("startup phase", "phase", "worker_pool_started", "workers", cfg.Queue.WorkerCount)

	// This process is itself a worker from the monitor's point of view.
	workerID := "drover-" + uuid.NewString()[:8]
	beacon := liveness.NewBeacon(st, workerID,
		time.Duration(cfg.Liveness.HeartbeatIntervalSecs)*time.Second,
		time.Duration(cfg.Liveness.HeartbeatTTLSeconds)*time.Second,
		logger)
	beacon.Start(ctx)

	monitor := liveness.NewMonitor(st, eventBus,
		time.Duration(cfg.Liveness.StaleThresholdSeconds)*time.Second, logger)
	repEngine := reputation.NewEngine(st, logger)
	go repEngine.ConsumeTaskOutcomes(ctx, eventBus)

	sched := cron.NewScheduler(cron.Config{
		Logger:   logger,
		Interval: time.Duration(cfg.CronIntervalSeconds) * time.Second,
	})
	mustAdd := func(name, expr string, fn cron.JobFunc) {
		if err := sched.Add(name, expr, fn); err != nil {
			fatalStartup(logger, "E_CRON_ADD", err)
		}
	}
	mustAdd("liveness-scan", "* * * * *", func(ctx context.Context) error {
		_, err := monitor.Scan(ctx)
		return err
	})
	mustAdd("reputation-decay", "0 * * * *", func(ctx context.Context) error {
		_, err := repEngine.DecaySweep(ctx)
		return err
	})
	mustAdd("approval-expiry", "*/5 * * * *", func(ctx context.Context) error {
		_, err := approvals.ExpireStale(ctx)
		return err
	})
	sched.Start(ctx)
	defer sched.Stop()

	gw := gateway.New(gateway.Config{
		Queue:             queue,
		Approvals:         approvals,
		Monitor:           monitor,
		Reputation:        repEngine,
		Invoker:           invoker,
		Store:             st,
		Policy:            pol,
		Logger:            logger,
		AuthToken:         cfg.AuthToken,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	logger.Info("drover ready", "version", Version, "bind_addr", cfg.BindAddr, "worker_id", workerID)
	if err := gw.Serve(ctx, cfg.BindAddr); err != nil {
		logger.Error("gateway exited", "error", err)
	}

	// Graceful drain: workers finish in-flight tasks, the beacon reports
	// shutting_down on its final beat.
	queue.Wait()
	beacon.Wait()
	logger.Info("drover stopped")
}

func buildToolClients(cfg *config.Config) (map[toolproto.ToolName]*toolproto.Client, error) {
	clients := make(map[toolproto.ToolName]*toolproto.Client, len(cfg.Tools))
	for _, tc := range cfg.Tools {
		name, err := toolproto.ParseToolName(tc.Name)
		if err != nil {
			return nil, fmt.Errorf("tool backend %q: %w", tc.Name, err)
		}
		var tr toolproto.Transport
		switch tc.Transport {
		case "websocket", "ws":
			tr = toolproto.NewWSTransport(tc.Endpoint)
		case "http", "":
			tr = toolproto.NewHTTPTransport(tc.Endpoint, nil)
		default:
			return nil, fmt.Errorf("tool backend %q: unknown transport %q", tc.Name, tc.Transport)
		}
		clients[name] = toolproto.NewClient(string(name), tr, 30*time.Second)
	}
	return clients, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func defaultHome() string {
	if v := os.Getenv("DROVER_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".drover"
	}
	return filepath.Join(home, ".drover")
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	audit.Record("deny", "startup", code, err.Error())
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "drover: startup failed (%s): %v\n", code, err)
	}
	os.Exit(1)
}
