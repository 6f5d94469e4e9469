package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/cron"
	"github.com/basket/taskrelay/internal/gateway"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/policy"
	"github.com/basket/taskrelay/internal/scheduler"
	"github.com/basket/taskrelay/internal/service"
	"github.com/basket/taskrelay/internal/telemetry"
)

func newServeCommand(a *app) *cobra.Command {
	var bind string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator daemon and its gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), bind, quiet)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "override bind_addr from config.yaml")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to the file only, not stderr")
	return cmd
}

func (a *app) serve(parent context.Context, bind string, quiet bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := a.homeDir()
	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if bind != "" {
		cfg.BindAddr = bind
	}

	if err := audit.Init(homeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, logCloser, err := telemetry.NewLogger(homeDir, level, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("startup phase", "phase", "config_loaded", "home", homeDir,
		"config_found", cfg.FileFound, "fingerprint", cfg.Fingerprint())
	if !cfg.Auth.Enabled && !loopbackAddr(cfg.BindAddr) {
		logger.Warn("gateway auth is disabled on a non-loopback address", "bind_addr", cfg.BindAddr)
	}

	eventBus := bus.New()

	provider, err := otel.Init(ctx, otel.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	storeOpts := []persistence.Option{
		persistence.WithLogger(logger),
		persistence.WithBus(eventBus),
		persistence.WithCacheSize(cfg.CacheSize),
	}
	var journal *persistence.Journal
	if cfg.Journal.Enabled {
		journal, err = persistence.OpenJournal(cfg.Journal.Path)
		if err != nil {
			fatalStartup(logger, "E_JOURNAL_OPEN", err)
		}
		defer journal.Close()
		audit.SetDB(journal.DB())
		storeOpts = append(storeOpts, persistence.WithRecorder(journal))
		logger.Info("startup phase", "phase", "journal_opened", "path", cfg.Journal.Path)
	}

	store, err := persistence.Open(ctx, cfg.DataDir, storeOpts...)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	execs := persistence.NewExecutionStore(store.ExecutionsDir(), store, eventBus)
	collections, tasks := store.IndexSize()
	logger.Info("startup phase", "phase", "store_opened", "root", store.Root(),
		"collections", collections, "tasks", tasks)

	policyPath := config.PolicyPath(homeDir)
	pol, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	livePolicy := policy.NewLivePolicy(pol, policyPath)

	schedOpts := []scheduler.Option{scheduler.WithLogger(logger), scheduler.WithMetrics(metrics)}
	if journal != nil {
		schedOpts = append(schedOpts, scheduler.WithHistory(journal))
	}
	sched := scheduler.New(store, execs, schedOpts...)

	svc, err := service.New(store, execs, sched,
		service.WithPolicy(livePolicy),
		service.WithLogger(logger),
		service.WithTracer(provider.Tracer),
		service.WithMetrics(metrics),
	)
	if err != nil {
		fatalStartup(logger, "E_SERVICE_INIT", err)
	}

	cronCfg := cron.Config{
		Store:         store,
		Claims:        sched,
		ResyncSpec:    cfg.IndexResync,
		RetentionDays: cfg.Journal.RetentionDays,
		Logger:        logger,
		Metrics:       metrics,
	}
	if journal != nil {
		cronCfg.Journal = journal
	}
	maintenance, err := cron.NewScheduler(cronCfg)
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	maintenance.Start(ctx)
	defer maintenance.Stop()

	gwCfg := gateway.Config{
		Service:           svc,
		Store:             store,
		Bus:               eventBus,
		Policy:            livePolicy,
		Auth:              cfg.Auth,
		RateLimit:         cfg.RateLimit,
		CORS:              cfg.CORS,
		MaxRequestBytes:   cfg.MaxRequestBytes,
		MetricsHandler:    provider.MetricsHandler(),
		Tracer:            provider.Tracer,
		Metrics:           metrics,
		Logger:            logger,
		ConfigFingerprint: cfg.Fingerprint(),
	}
	if journal != nil {
		gwCfg.Journal = journal
	}
	gw := gateway.New(gwCfg)
	gw.StartEviction(ctx)

	reloadLogger := telemetry.Component(logger, "config")
	watcher := config.NewWatcher(homeDir, reloadLogger)
	if err := watcher.Start(ctx); err != nil {
		reloadLogger.Warn("config watcher disabled", "error", err)
	} else {
		go reloadLoop(ctx, watcher, homeDir, livePolicy, level, gw, reloadLogger)
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_BIND", fmt.Errorf("%w. %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_BIND", err)
	}
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Info("startup phase", "phase", "gateway_listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("gateway stopped", "error", err)
			return err
		}
	}

	drain := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drain <= 0 {
		drain = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	gw.CloseClients("server shutting down")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// reloadLoop applies policy.yaml and config.yaml edits without a restart.
// Only the log level and the API keys are hot; other config changes need a restart.
func reloadLoop(ctx context.Context, w *config.Watcher, homeDir string, lp *policy.LivePolicy,
	level *slog.LevelVar, gw *gateway.Server, logger *slog.Logger) {
	for ev := range w.Events() {
		if ctx.Err() != nil {
			return
		}
		if ev.IsPolicy() {
			if err := policy.ReloadFromFile(lp, ev.Path); err != nil {
				logger.Error("policy reload failed", "path", ev.Path, "error", err)
				continue
			}
			logger.Info("policy reloaded", "policy_version", lp.PolicyVersion())
			continue
		}
		cfg, err := config.LoadFrom(homeDir)
		if err != nil {
			logger.Error("config reload failed", "error", err)
			continue
		}
		level.Set(telemetry.ParseLevel(cfg.LogLevel))
		gw.UpdateAuth(cfg.Auth)
		logger.Info("config reloaded", "fingerprint", cfg.Fingerprint(), "auth_enabled", cfg.Auth.Enabled)
	}
}

func loopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

var execCommandFunc = exec.Command

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if pids := strings.TrimSpace(string(out)); err == nil && pids != "" {
		return fmt.Sprintf("Port %s is held by PID %s. Stop it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the other process or change bind_addr in config.yaml.", port)
}
