// Command fixgated runs the FIX/FIXP gateway daemon: it loads a
// declarative session configuration, opens the on-disk engine state, and
// serves the FIX and FIXP listeners alongside the admin HTTP and metrics
// endpoints until signalled to shut down.
//
// Grounded on the teacher's cmd/gobfd/main.go: flag/config/logger
// bootstrap, an errgroup-supervised runServers with a signal-aware
// context, and a graceful-shutdown path that drains sessions before
// tearing down the HTTP servers. The GoBGP integration, systemd
// watchdog/sd_notify calls, and the Go 1.26 flight recorder are not
// carried over — see DESIGN.md's "Dropped teacher code" section.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/nexusfix/fixgate/internal/adminserver"
	"github.com/nexusfix/fixgate/internal/config"
	"github.com/nexusfix/fixgate/internal/dispatch"
	"github.com/nexusfix/fixgate/internal/engine"
	"github.com/nexusfix/fixgate/internal/metrics"
	appversion "github.com/nexusfix/fixgate/internal/version"
)

// drainTimeout bounds how long graceful shutdown waits after closing
// listeners before forcing the HTTP servers down.
const drainTimeout = 2 * time.Second

// shutdownTimeout bounds http.Server.Shutdown itself.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	fixAddr := flag.String("fix-addr", ":9878", "FIX listener address")
	fixpAddr := flag.String("fixp-addr", ":9879", "FIXP listener address")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 2
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("fixgated starting",
		slog.String("version", appversion.Version),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	eng, err := engine.New(cfg, logger, collector)
	if err != nil {
		logger.Error("failed to start engine", slog.String("error", err.Error()))
		return 1
	}
	defer eng.Close()

	if err := runServers(cfg, eng, reg, logger, *fixAddr, *fixpAddr); err != nil {
		logger.Error("fixgated exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("fixgated stopped")
	return 0
}

// runServers starts the FIX/FIXP listeners and the admin/metrics HTTP
// servers under one errgroup, bound to a signal-aware context, and blocks
// until every goroutine returns.
func runServers(cfg *config.Config, eng *engine.Engine, reg *prometheus.Registry, logger *slog.Logger, fixAddr, fixpAddr string) error {
	adminSrv := newAdminServer(cfg.Admin, eng, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	fixLn, err := net.Listen("tcp", fixAddr)
	if err != nil {
		return fmt.Errorf("listen FIX on %s: %w", fixAddr, err)
	}
	fixpLn, err := net.Listen("tcp", fixpAddr)
	if err != nil {
		_ = fixLn.Close()
		return fmt.Errorf("listen FIXP on %s: %w", fixpAddr, err)
	}

	g.Go(func() error {
		logger.Info("FIX listener accepting", slog.String("addr", fixAddr))
		return eng.Dispatcher().Serve(gCtx, fixLn, dispatch.ProtocolFIX)
	})
	g.Go(func() error {
		logger.Info("FIXP listener accepting", slog.String("addr", fixpAddr))
		return eng.Dispatcher().Serve(gCtx, fixpLn, dispatch.ProtocolFIXP)
	})

	startHTTPServers(gCtx, g, cfg, adminSrv, metricsSrv, logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, fixLn, fixpLn, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

func startHTTPServers(ctx context.Context, g *errgroup.Group, cfg *config.Config, adminSrv, metricsSrv *http.Server, logger *slog.Logger) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path))
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// gracefulShutdown closes the protocol listeners first (so no new session
// can bind), waits drainTimeout for in-flight frames to settle, then
// shuts down the HTTP servers.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, fixLn, fixpLn net.Listener, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")

	_ = fixLn.Close()
	_ = fixpLn.Close()
	time.Sleep(drainTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

func newAdminServer(cfg config.AdminConfig, eng *engine.Engine, logger *slog.Logger) *http.Server {
	handler := adminserver.New(eng, logger)
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
