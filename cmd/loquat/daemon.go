package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/nocturne-games/loquat/internal/config"
	"github.com/nocturne-games/loquat/internal/dispatch"
	"github.com/nocturne-games/loquat/internal/handler"
	"github.com/nocturne-games/loquat/internal/mesh"
	"github.com/nocturne-games/loquat/internal/message"
	dispatchmetrics "github.com/nocturne-games/loquat/internal/metrics"
	"github.com/nocturne-games/loquat/internal/session"
	appversion "github.com/nocturne-games/loquat/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// run is the daemon body behind the cobra root command.
func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return err
	}

	// Logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("loquat starting",
		slog.String("version", appversion.Version),
		slog.String("server_type", cfg.Server.Type),
		slog.String("server_id", cfg.Server.ID),
		slog.String("mesh_addr", cfg.Mesh.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := dispatchmetrics.NewCollector(reg)

	// Only frontends own client sessions.
	var sessions *session.Service
	if cfg.Server.Frontend {
		sessions = session.NewService(cfg.Server.ID, logger)
	}

	peers := make([]mesh.Peer, 0, len(cfg.Mesh.Peers))
	for _, pc := range cfg.Mesh.Peers {
		peers = append(peers, pc.Peer())
	}
	meshClient := mesh.NewClient(logger, newMeshHTTPClient(), peers)

	srv, err := dispatch.NewServer(dispatch.Options{
		ServerType: cfg.Server.Type,
		ServerID:   cfg.Server.ID,
		Base:       cfg.Server.Base,
		Env:        cfg.Server.Env,
		Handlers:   builtinHandlers(cfg.Server.ID),
		Forwarder:  meshClient,
		Logger:     logger,
		Metrics:    collector,
	})
	if err != nil {
		return fmt.Errorf("create dispatch server: %w", err)
	}
	defer srv.Close()

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start dispatch server: %w", err)
	}

	if err := runServers(cfg, srv, sessions, meshClient, reg, configPath, logLevel, logger); err != nil {
		logger.Error("loquat exited with error",
			slog.String("error", err.Error()),
		)
		return err
	}

	logger.Info("loquat stopped")
	return nil
}

// runServers sets up and runs the mesh and metrics HTTP servers using an
// errgroup with signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	srv *dispatch.Server,
	sessions *session.Service,
	meshClient *mesh.Client,
	reg *prometheus.Registry,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) error {
	meshSrv := newMeshServer(cfg.Mesh, srv, sessions, meshClient, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("mesh server listening", slog.String("addr", cfg.Mesh.Addr))
		return listenAndServe(gCtx, &lc, meshSrv, cfg.Mesh.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	// Crontab jobs start firing only once the process serves traffic.
	if err := srv.AfterStart(); err != nil {
		return fmt.Errorf("arm crons: %w", err)
	}

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, srv, logger, meshSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// builtinHandlers registers the framework's own handlers. Applications
// embedding the dispatch engine add their game handlers on top; the bare
// daemon answers status pings so cluster wiring can be verified end to end.
func builtinHandlers(serverID string) map[string]map[string]handler.HandlerFunc {
	return map[string]map[string]handler.HandlerFunc{
		"status": {
			"ping": func(_ context.Context, _ *message.Message, _ session.Session, cb handler.Callback) {
				cb(nil, map[string]any{
					"serverId": serverID,
					"version":  appversion.Version,
				})
			},
		},
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd documentation.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads the log level from
// the configuration. Filter chains, handlers, and the peer table are fixed
// for the life of the process; identity changes need a restart.
// Blocks until the context is cancelled (graceful shutdown).
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadLogLevel(configPath, logLevel, logger)
		}
	}
}

// reloadLogLevel loads a fresh configuration and updates the dynamic log
// level. Errors during reload are logged but do not stop the daemon; the
// previous configuration remains in effect.
func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd, stops
// the dispatch server so new requests are rejected, stops the cron
// scheduler, then drains the HTTP servers.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(
	ctx context.Context,
	srv *dispatch.Server,
	logger *slog.Logger,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	srv.Stop()
	srv.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig and serves
// HTTP requests until the server is shut down.
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

// newMeshServer creates the HTTP server carrying the mesh procedures.
// The handler is wrapped with h2c to support HTTP/2 without TLS inside the
// cluster. Includes standard gRPC health checking (grpc.health.v1).
func newMeshServer(
	cfg config.MeshConfig,
	srv *dispatch.Server,
	sessions *session.Service,
	remote session.Remote,
	logger *slog.Logger,
) *http.Server {
	mux := http.NewServeMux()

	meshSrv := mesh.NewServer(logger, srv, sessions, remote)
	meshSrv.Routes(mux)

	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		"loquat.mesh.v1.MeshService",
	)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newMeshHTTPClient returns an HTTP client speaking h2c, for mesh calls to
// peers inside the cluster.
func newMeshHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

// loadConfig loads configuration from a file path, or from the environment
// when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.FromEnv()
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
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
