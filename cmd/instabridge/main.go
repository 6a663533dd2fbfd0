// Instabridge daemon -- bidirectional relay between a euphoria room and an
// instant room.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/instabridge/instabridge/internal/config"
	"github.com/instabridge/instabridge/internal/euphoria"
	"github.com/instabridge/instabridge/internal/instant"
	bridgemetrics "github.com/instabridge/instabridge/internal/metrics"
	"github.com/instabridge/instabridge/internal/nexus"
	"github.com/instabridge/instabridge/internal/scheduler"
	"github.com/instabridge/instabridge/internal/store"
	appversion "github.com/instabridge/instabridge/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// metricsPath is where the Prometheus handler is mounted.
const metricsPath = "/metrics"

var (
	flagConfig       string
	flagLogLevel     string
	flagDB           string
	flagEuphoriaRoom string
	flagInstantRoom  string
)

// rootCmd hosts the daemon itself; subcommands cover build information.
var rootCmd = &cobra.Command{
	Use:   "instabridge",
	Short: "Chat bridge between euphoria and instant",
	Long: "instabridge joins one euphoria room and one instant room and relays\n" +
		"messages in both directions, giving every remote speaker a surrogate\n" +
		"connection under their own nick.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd)
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "",
		"path to configuration file (YAML)")
	rootCmd.Flags().StringVar(&flagLogLevel, "loglevel", "",
		"override log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&flagDB, "db", "",
		"override message-id database path")
	rootCmd.Flags().StringVar(&flagEuphoriaRoom, "euphoria-room", "",
		"override euphoria room name")
	rootCmd.Flags().StringVar(&flagInstantRoom, "instant-room", "",
		"override instant room name")

	rootCmd.AddCommand(versionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print instabridge build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("instabridge"))
		},
	}
}

func run(cmd *cobra.Command) error {
	// 1. Load config and layer command-line overrides on top.
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	applyFlagOverrides(cmd, cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("validate configuration: %w", err)
	}

	// 2. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("instabridge starting",
		slog.String("version", appversion.Version),
		slog.String("euphoria_room", cfg.Euphoria.Room),
		slog.String("instant_room", cfg.Instant.Room),
	)

	// 3. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := bridgemetrics.NewCollector(reg)

	// 4. Open the message-id map.
	st, err := store.Open(cfg.DB.Path, logger,
		store.WithSynchronous(cfg.DB.Synchronous),
		store.WithMetrics(collector),
	)
	if err != nil {
		return fmt.Errorf("open id store: %w", err)
	}
	defer closeStore(st, logger)

	// 5. Create the coordinator with its single worker goroutine.
	sched := scheduler.New(logger, scheduler.WithMetrics(collector))
	nx := nexus.New(st, sched, logger,
		nexus.WithMetrics(collector),
		nexus.WithBridgeNick(cfg.Bridge.Nick),
		nexus.WithRooms(cfg.Euphoria.Room, cfg.Instant.Room),
		nexus.WithSurrogateDelay(cfg.Bridge.SurrogateDelay),
	)
	// Surrogates must be gone and the worker loop drained before the
	// store closes underneath them.
	defer func() {
		nx.Shutdown()
		nx.Join()
	}()

	// 6. Wire both platform endpoints and surrogate factories.
	euphEp := euphoria.NewEndpoint(nx, cfg.Euphoria.RoomURL(), cfg.Bridge.Nick, logger)
	instEp := instant.NewEndpoint(nx, cfg.Instant.RoomURL(), cfg.Bridge.Nick, logger)

	nx.SetHomeBot(nexus.Euphoria, euphEp)
	nx.SetHomeBot(nexus.Instant, instEp)
	nx.SetHistorySource(nexus.Euphoria, euphEp)
	nx.SetFactory(nexus.Euphoria, euphoria.NewFactory(nx, cfg.Euphoria.RoomURL(), logger))
	nx.SetFactory(nexus.Instant, instant.NewFactory(nx, cfg.Instant.RoomURL(), logger))

	// 7. Run until a signal arrives.
	if err := runBridge(cfg, euphEp, instEp, reg, flagConfig, logLevel, logger); err != nil {
		logger.Error("instabridge exited with error",
			slog.String("error", err.Error()),
		)
		return err
	}

	logger.Info("instabridge stopped")
	return nil
}

// applyFlagOverrides copies command-line overrides into the loaded
// configuration. Only flags the user actually set are applied.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("loglevel") {
		cfg.Log.Level = flagLogLevel
	}
	if cmd.Flags().Changed("db") {
		cfg.DB.Path = flagDB
	}
	if cmd.Flags().Changed("euphoria-room") {
		cfg.Euphoria.Room = flagEuphoriaRoom
	}
	if cmd.Flags().Changed("instant-room") {
		cfg.Instant.Room = flagInstantRoom
	}
}

// runBridge runs the endpoint connection loops and the metrics HTTP server
// under an errgroup with a signal-aware context for graceful shutdown.
func runBridge(
	cfg *config.Config,
	euphEp *euphoria.Endpoint,
	instEp *instant.Endpoint,
	reg *prometheus.Registry,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Endpoint loops reconnect internally; they return only once the
	// context is cancelled, which is a normal shutdown, not an error.
	g.Go(func() error {
		if err := euphEp.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("euphoria endpoint: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := instEp.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("instant endpoint: %w", err)
		}
		return nil
	})

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = newMetricsServer(cfg.Metrics, reg)
		lc := net.ListenConfig{}
		g.Go(func() error {
			logger.Info("metrics server listening",
				slog.String("addr", cfg.Metrics.Listen),
				slog.String("path", metricsPath),
			)
			return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Listen)
		})
	}

	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run bridge: %w", err)
	}
	return nil
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// closeStore closes the id map store, logging any error.
func closeStore(st *store.Store, logger *slog.Logger) {
	if err := st.Close(); err != nil {
		logger.Warn("failed to close id store",
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd once the bridge is wired up and the
// endpoint loops are running.
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

// notifyStopping sends STOPPING=1 to systemd at the start of graceful
// shutdown.
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

// runWatchdog sends periodic keepalives to systemd at half the configured
// watchdog interval. If no watchdog is configured, the goroutine exits
// immediately.
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
// SIGHUP Reload — dynamic log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP and reloads the configuration file. Only
// the log level can change at runtime; rooms and URLs require a restart.
// Blocks until the context is cancelled.
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
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

// reloadConfig loads a fresh configuration and updates the dynamic log
// level. Errors during reload are logged but do not stop the daemon; the
// previous configuration remains in effect.
func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := config.Load(configPath)
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

// gracefulShutdown signals systemd and drains the HTTP servers. Surrogate
// teardown happens afterwards in run, once the endpoint loops have exited.
//
// The parent context is already cancelled when this function is called. A
// fresh timeout context is created internally for the server drain.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
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

// newMetricsServer creates an HTTP server for the Prometheus metrics
// endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
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
