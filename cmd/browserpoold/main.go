package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/browserpool/pkg/browser"
	"github.com/odvcencio/browserpool/pkg/browser/adapters/wsworker"
	"github.com/odvcencio/browserpool/pkg/config"
	"github.com/odvcencio/browserpool/pkg/observability"
	"github.com/odvcencio/browserpool/pkg/paths"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

var loadConfigFn = config.Load
var loadConfigFromPathFn = config.LoadFromPath

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "browserpoold: %v\n", err)
		}
		os.Exit(exitCodeForError(err))
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("browserpoold", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a config file (default: ~/.browserpool/config.yaml then ./.browserpool/config.yaml)")
	listen := fs.String("listen", "", "admin listen address (overrides config)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	warm := fs.String("warm", "", "comma-separated session ids to open at startup")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if *showVersion {
		fmt.Fprintln(stderr, version)
		return nil
	}

	cfg, err := loadDaemonConfig(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	if v := strings.TrimSpace(*listen); v != "" {
		cfg.Admin.Listen = v
	}
	if v := strings.TrimSpace(*logLevel); v != "" {
		cfg.Logging.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return withExitCode(fmt.Errorf("config validation: %w", err), exitUsage)
	}

	logger, closeLog, err := newDaemonLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.Tracing.Enabled {
		tp, err := observability.NewTracerProvider(cfg.Tracing.ServiceName, version, stderr)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown", slog.String("error", err.Error()))
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	runtime, err := wsworker.NewRuntime(cfg.Adapter(), logger.Named("wsworker"))
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	pool := browser.NewPool(runtime,
		browser.WithLogger(logger),
		browser.WithMetrics(browser.NewMetrics(registry)),
	)
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Warn("pool shutdown", slog.String("error", err.Error()))
		}
		logger.Info("browserpoold stopped")
	}()

	logger.Info("browserpoold starting",
		slog.String("version", version),
		slog.String("worker_dir", runtime.Config().WorkerDir),
		slog.String("handshake_policy", runtime.Config().HandshakePolicy),
	)

	warmSessions(ctx, pool, cfg.Session, splitList(*warm), logger)

	if !cfg.Admin.Enabled {
		<-ctx.Done()
		return nil
	}

	server := &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           newAdminRouter(pool, registry, logger.Named("admin")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", slog.String("addr", cfg.Admin.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown", slog.String("error", err.Error()))
	}
	return nil
}

func loadDaemonConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return loadConfigFromPathFn(path)
	}
	return loadConfigFn()
}

// newDaemonLogger writes JSON logs to stderr and, when configured, to a file
// under the component log directory.
func newDaemonLogger(cfg *config.Config, stderr io.Writer) (*observability.Logger, func(), error) {
	level := observability.ParseLevel(cfg.Logging.Level)
	if !cfg.Logging.ToFile {
		return observability.NewLoggerTo(stderr, "browserpoold", level), func() {}, nil
	}
	dir := paths.LogsDir("browserpoold")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "browserpoold.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := observability.NewLoggerTo(io.MultiWriter(stderr, f), "browserpoold", level)
	return logger, func() { _ = f.Close() }, nil
}

// warmSessions opens a browser for each session id. Failures are logged and
// leave nothing in the pool.
func warmSessions(ctx context.Context, pool *browser.Pool, base browser.SessionConfig, ids []string, logger *observability.Logger) {
	if len(ids) == 0 {
		return
	}
	var g errgroup.Group
	for _, id := range ids {
		sessionCfg := base
		sessionCfg.SessionID = id
		g.Go(func() error {
			toolkit := browser.NewToolkit(pool, sessionCfg)
			if _, err := toolkit.Open(ctx); err != nil {
				logger.WithSession(id).Warn("warm session failed", slog.String("error", err.Error()))
				return nil
			}
			logger.WithSession(id).Info("warm session ready")
			return nil
		})
	}
	_ = g.Wait()
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
