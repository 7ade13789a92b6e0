// @title           sticky-gateway API
// @version         1.0
// @description     Local gateway multiplexing HTTP and streaming access to supervised worker processes.
// @BasePath        /

package gateway

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
	"strconv"
	"syscall"
	"time"
)

// Gateway is one fully wired instance: supervisor, queue and dispatcher.
type Gateway struct {
	Config     *Config
	Registry   *Registry
	Supervisor *Supervisor
	Queue      *AdmissionQueue
	Dispatcher *Dispatcher
	Metrics    *Metrics
	Store      *ExitStore

	logger *slog.Logger
	cancel context.CancelFunc
}

// NewGateway builds every component from cfg. The exit store is opened when
// cfg.DB is set.
func NewGateway(cfg *Config, logger *slog.Logger, version string) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := BuildRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	allow, err := ParseHostAllowlist(cfg.AllowedHosts)
	if err != nil {
		return nil, err
	}

	var store *ExitStore
	if cfg.DB != "" {
		store, err = OpenExitStore(cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("open database %s: %w", cfg.DB, err)
		}
		cutoff := time.Now().Add(-time.Duration(cfg.DBRetention))
		if n, err := store.Prune(context.Background(), cutoff); err != nil {
			logger.Warn("prune exit log failed", "component", "gateway", "error", err)
		} else if n > 0 {
			logger.Info("pruned exit log", "component", "gateway", "rows", n)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	metrics := NewMetrics()
	sup := NewSupervisor(SupervisorConfig{
		Subscriptions: newSubscriptionRegistry(),
		Metrics:       metrics,
		Store:         store,
		Logger:        logger,
		BackoffBaseMs: cfg.Retry.BaseMs,
		BackoffMaxMs:  cfg.Retry.MaxMs,
	})
	queue := NewAdmissionQueue(ctx, cfg.Queue.MaxConcurrency, cfg.Queue.Limit, logger)
	disp := NewDispatcher(DispatcherConfig{
		Config:     cfg,
		Registry:   reg,
		Supervisor: sup,
		Queue:      queue,
		Sidecars:   NewSidecarProber(cfg.Sidecars, logger),
		Store:      store,
		Metrics:    metrics,
		Allowlist:  allow,
		Logger:     logger,
		Version:    version,
	})
	return &Gateway{
		Config:     cfg,
		Registry:   reg,
		Supervisor: sup,
		Queue:      queue,
		Dispatcher: disp,
		Metrics:    metrics,
		Store:      store,
		logger:     logger.With("component", "gateway"),
		cancel:     cancel,
	}, nil
}

// Handler is the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.Dispatcher.Handler()
}

// Listen allocates the configured port and binds the listener.
func (g *Gateway) Listen() (net.Listener, error) {
	req, err := g.Config.PortRequest()
	if err != nil {
		return nil, err
	}
	port, err := NewPortAllocator(g.Config.Host).Allocate(req)
	if err != nil {
		return nil, err
	}
	return net.Listen("tcp", net.JoinHostPort(g.Config.Host, strconv.Itoa(port)))
}

// Serve runs the HTTP server on l until ctx ends, then shuts down streams,
// the server and every worker.
func (g *Gateway) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()
	g.logger.Info("gateway listening", "addr", l.Addr().String(), "workers", len(g.Registry.List()))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	g.Dispatcher.BeginShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("http shutdown", "error", err)
	}
	if err := g.Close(shutdownCtx); err != nil {
		g.logger.Warn("worker shutdown", "error", err)
	}
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	return serveErr
}

// Close stops every worker and releases the exit store.
func (g *Gateway) Close(ctx context.Context) error {
	err := g.Supervisor.Shutdown(ctx)
	g.cancel()
	if g.Store != nil {
		if cerr := g.Store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// RunCLI runs the sticky-gateway command. Call from cmd/sticky-gateway/main.go;
// version and commit are injected via ldflags.
func RunCLI(version, commit string) {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	showHelp := flag.Bool("help", false, "Print usage and exit")
	flag.Parse()

	if envCfg := os.Getenv("GATEWAY_CONFIG"); envCfg != "" {
		*configPath = envCfg
	}

	if *showHelp {
		fmt.Fprintf(os.Stderr, "sticky-gateway %s (%s)\n\n", version, commit)
		fmt.Fprintln(os.Stderr, "Local gateway that supervises worker processes and streams their output over HTTP.")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Flags:")
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Environment:")
		fmt.Fprintln(os.Stderr, "  GATEWAY_CONFIG              Path to YAML config file (overrides -config)")
		fmt.Fprintln(os.Stderr, "  GATEWAY_PROFILE             Profile name; dev defaults the log level to debug")
		fmt.Fprintln(os.Stderr, "  GATEWAY_HOST                Bind host (default 127.0.0.1)")
		fmt.Fprintln(os.Stderr, "  GATEWAY_PORT                Fixed port")
		fmt.Fprintln(os.Stderr, "  GATEWAY_PORT_RANGE          Port range start-end, first free port wins")
		fmt.Fprintln(os.Stderr, "  GATEWAY_LOG_LEVEL           debug, info, warn or error")
		fmt.Fprintln(os.Stderr, "  GATEWAY_MAX_CONCURRENCY     Admitted actions running at once (default 4)")
		fmt.Fprintln(os.Stderr, "  GATEWAY_QUEUE_LIMIT         Advisory queue length warning threshold")
		fmt.Fprintln(os.Stderr, "  GATEWAY_RATE_LIMIT_PER_SEC  Advisory rate limit")
		fmt.Fprintln(os.Stderr, "  GATEWAY_RATE_BURST          Advisory burst")
		fmt.Fprintln(os.Stderr, "  GATEWAY_RETRY_POLICY        Advertised retry policy")
		fmt.Fprintln(os.Stderr, "  GATEWAY_RETRY_BASE_MS       Restart backoff base (default 500)")
		fmt.Fprintln(os.Stderr, "  GATEWAY_RETRY_MAX_MS        Restart backoff cap (default 30000)")
		fmt.Fprintln(os.Stderr, "  GATEWAY_ALLOWED_HOSTS       Comma separated hostnames, IPs or CIDRs")
		fmt.Fprintln(os.Stderr, "  GATEWAY_FETCHER_URL         Fetcher sidecar base URL")
		fmt.Fprintln(os.Stderr, "  GATEWAY_BROWSER_URL         Browser sidecar base URL")
		fmt.Fprintln(os.Stderr, "  GATEWAY_DB                  SQLite exit log path (empty disables)")
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("sticky-gateway %s (%s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	level, _ := parseLogLevel(cfg.LogLevel)
	logger := NewLogger(os.Stderr, level)
	slog.SetDefault(logger)

	gw, err := NewGateway(cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	l, err := gw.Listen()
	if err != nil {
		logger.Error("listen failed", "error", err)
		_ = gw.Close(context.Background())
		os.Exit(1)
	}
	setSchemaInfo(version, l.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Serve(ctx, l); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
