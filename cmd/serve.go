package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/pont/internal/api"
	"github.com/zjrosen/pont/internal/approval"
	"github.com/zjrosen/pont/internal/bridge"
	"github.com/zjrosen/pont/internal/config"
	"github.com/zjrosen/pont/internal/eventbus"
	"github.com/zjrosen/pont/internal/interaction"
	"github.com/zjrosen/pont/internal/log"
	"github.com/zjrosen/pont/internal/rollout"
	"github.com/zjrosen/pont/internal/store"
	"github.com/zjrosen/pont/internal/terminal"
	"github.com/zjrosen/pont/internal/tracing"
	"github.com/zjrosen/pont/internal/turns"
	"github.com/zjrosen/pont/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the gateway: spawn the codex app-server worker, open the
projection database, and serve the HTTP API.

The worker being absent is not fatal; the gateway starts degraded and
/health reports the spawn error until a restart succeeds.

Example:
  pont serve                  # listen on the configured host:port
  pont serve --port 0         # let the OS pick a free port`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "interface to bind (overrides config)")
	serveCmd.Flags().Int("port", -1, "port to listen on, 0 for auto (overrides config)")

	_ = viper.BindPFlag("host", serveCmd.Flags().Lookup("host"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Viper cannot distinguish --port 0 from the flag being absent, so
	// the port override is applied by hand.
	if port, err := cmd.Flags().GetInt("port"); err == nil && port >= 0 {
		cfg.Port = port
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	cleanup, err := log.Init(filepath.Join(dataDir, "pont.log"))
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	log.SetMinLevel(log.ParseLevel(cfg.LogLevel))
	log.Info(log.CatConfig, "gateway starting", "version", version, "dataDir", dataDir)

	st, err := store.Open(filepath.Join(dataDir, "pont.db"))
	if err != nil {
		return fmt.Errorf("opening projection store: %w", err)
	}
	defer func() { _ = st.Close() }()

	bus := eventbus.New(st)
	defer bus.Close()

	worker := bridge.New(bridge.Config{
		Command:       cfg.Worker.Command,
		Args:          cfg.Worker.Args,
		ClientVersion: version,
	})

	approvals := approval.New(st, bus, worker)
	interactions := interaction.New(st, bus, worker)

	// Stale pending rows from a previous run are cancelled before any
	// handler can serve them as live.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStartup()
	if err := approvals.ReconcileStartup(startupCtx); err != nil {
		return fmt.Errorf("reconciling approvals: %w", err)
	}
	if err := interactions.ReconcileStartup(startupCtx); err != nil {
		return fmt.Errorf("reconciling interactions: %w", err)
	}

	tracesPath := cfg.Tracing.FilePath
	if tracesPath == "" {
		tracesPath = config.DefaultTracesFilePath()
	}
	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     tracesPath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	sessionsDir := cfg.SessionsDir
	if sessionsDir == "" {
		sessionsDir = config.DefaultSessionsDir()
	}
	index := rollout.NewIndex(sessionsDir)
	if err := index.Refresh(); err != nil {
		log.Warn(log.CatRollout, "initial index scan failed", "dir", sessionsDir, "error", err)
	}
	resolver := rollout.NewResolver(index, fallbackCwd(), func(ctx context.Context, threadID string) string {
		row, err := st.GetThread(ctx, threadID)
		if err != nil || row.ProjectKey == store.UnknownProjectKey {
			return ""
		}
		return row.ProjectKey
	})

	controller := turns.New(worker, st, bus, resolver, approvals, interactions)
	controller.SetDefaultModel(cfg.Worker.Model)
	worker.SetHandler(controller.HandleWorkerMessage)

	// Worker lifecycle transitions and stderr land in the gateway log; the
	// brokers outlive restarts, so the subscriptions run until shutdown.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	statusCh := worker.StatusChanges().Subscribe(runCtx)
	log.SafeGo("worker-status-log", func() {
		for ev := range statusCh {
			sc := ev.Payload
			if sc.ErrorMessage != "" {
				log.Warn(log.CatBridge, "worker status", "status", sc.Status, "generation", sc.Generation, "error", sc.ErrorMessage)
				continue
			}
			log.Info(log.CatBridge, "worker status", "status", sc.Status, "generation", sc.Generation)
		}
	})

	stderrCh := worker.StderrLines().Subscribe(runCtx)
	log.SafeGo("worker-stderr-log", func() {
		for ev := range stderrCh {
			log.Debug(log.CatBridge, "worker stderr", "line", ev.Payload)
		}
	})

	if err := worker.Start(context.Background()); err != nil {
		// Degraded start: /health reports the error, requests fail fast.
		log.Error(log.CatBridge, "worker start failed", "command", cfg.Worker.Command, "error", err)
	}

	fsw, err := watcher.New(watcher.DefaultConfig(sessionsDir))
	if err != nil {
		log.Warn(log.CatRollout, "sessions watcher unavailable", "error", err)
	} else {
		changes, startErr := fsw.Start()
		if startErr != nil {
			log.Warn(log.CatRollout, "sessions watcher start failed", "error", startErr)
			fsw = nil
		} else {
			log.SafeGo("rollout-index-refresh", func() {
				for range changes {
					if err := index.Refresh(); err != nil {
						log.Warn(log.CatRollout, "index refresh failed", "error", err)
					}
				}
			})
		}
	}

	mux := terminal.NewMux(resolver)
	mux.Configure(cfg.Terminal.MaxSessions, time.Duration(cfg.Terminal.IdleTTLMinutes)*time.Minute)
	mux.Start()

	var middleware []func(http.Handler) http.Handler
	if provider.Enabled() {
		middleware = append(middleware, tracing.NewHTTPMiddleware(tracing.HTTPMiddlewareConfig{
			Tracer: provider.Tracer(),
		}))
	}

	server, err := api.NewServer(api.ServerConfig{
		Addr: cfg.Addr(),
		Handler: api.HandlerConfig{
			Threads:        controller,
			Approvals:      approvals,
			Interactions:   interactions,
			Store:          st,
			Bus:            bus,
			Resolver:       resolver,
			Index:          index,
			Terminal:       mux,
			Worker:         worker,
			AllowedOrigins: cfg.AllowedOrigins(),
		},
		Middleware: middleware,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Printf("pont gateway listening on http://%s:%d\n", cfg.Host, server.Port())
	log.Info(log.CatHTTP, "gateway listening", "host", cfg.Host, "port", server.Port(),
		"worker", string(worker.Status()))

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	// PTYs first so child shells die before the listener stops accepting.
	mux.Stop()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error(log.CatHTTP, "error stopping API server", "error", err)
	}
	worker.Stop()
	if fsw != nil {
		_ = fsw.Stop()
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Error(log.CatTrace, "error flushing traces", "error", err)
	}

	fmt.Println("Gateway stopped")
	return nil
}

// fallbackCwd is the terminal and resolver default when nothing else
// yields a directory.
func fallbackCwd() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "/"
}
