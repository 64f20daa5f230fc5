// ABOUTME: Gateway wiring that assembles store, registry, orchestrator, bus, and workflow engine
// ABOUTME: Owns the HTTP server lifecycle, listener setup, and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/problab/lab-gateway/internal/adapter"
	"github.com/problab/lab-gateway/internal/bus"
	"github.com/problab/lab-gateway/internal/config"
	"github.com/problab/lab-gateway/internal/metrics"
	"github.com/problab/lab-gateway/internal/orchestrator"
	"github.com/problab/lab-gateway/internal/probe"
	"github.com/problab/lab-gateway/internal/registry"
	"github.com/problab/lab-gateway/internal/store"
	"github.com/problab/lab-gateway/internal/workflow"
)

// Gateway assembles the lab-gateway server components: the durable store,
// agent registry, adapter pool, message bus, task orchestrator, and workflow
// engine, all exposed through one HTTP/WebSocket server.
type Gateway struct {
	config   *config.Config
	store    store.Store
	registry *registry.Registry
	pool     *adapter.Pool
	bus      *bus.Bus
	orc      *orchestrator.Orchestrator
	engine   *workflow.Engine
	metrics  *metrics.Metrics
	promReg  *prometheus.Registry
	logger   *slog.Logger

	echo        *echo.Echo
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	hub         *Hub

	// serverID identifies this gateway instance
	serverID string
}

// initStore creates the SQLite store, honoring the LAB_GATEWAY_DB override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("LAB_GATEWAY_DB"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// loadBattery resolves the probe battery for the workflow engine: the
// configured file when set, otherwise nil so the engine uses the built-in set.
func loadBattery(cfg *config.Config) (*probe.Battery, error) {
	if cfg.Workflow.ProbeFile == "" {
		return nil, nil
	}
	battery, err := probe.Load(cfg.Workflow.ProbeFile)
	if err != nil {
		return nil, fmt.Errorf("loading probe battery: %w", err)
	}
	return battery, nil
}

// New creates a Gateway with all components wired. Call Run to serve.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	var promReg *prometheus.Registry
	if cfg.Metrics.Enabled {
		promReg = prometheus.NewRegistry()
		m = metrics.MustNewMetrics(promReg)
	}

	reg := registry.New(s, cfg.Registry.MaxAgents, logger)
	pool := adapter.NewPool(reg, adapter.Options{
		RequestTimeout: cfg.Adapters.RequestTimeout,
		HealthTimeout:  cfg.Adapters.HealthTimeout,
		Logger:         logger,
	})
	eventBus := bus.New(s, cfg.Bus, m, logger)
	orc := orchestrator.New(s, reg, pool, eventBus, cfg.Orchestrator, cfg.Heartbeat, m, logger)

	battery, err := loadBattery(cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	results := workflow.NewResultStore(cfg.Workflow.ResultsDir)
	engine, err := workflow.New(orc, eventBus, results, cfg.Workflow,
		workflow.Options{Battery: battery}, m, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating workflow engine: %w", err)
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		registry: reg,
		pool:     pool,
		bus:      eventBus,
		orc:      orc,
		engine:   engine,
		metrics:  m,
		promReg:  promReg,
		logger:   logger.With("component", "gateway"),
		hub:      newHub(logger),
		serverID: generateServerID(),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	gw.registerRoutes(e)

	gw.echo = e
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.registry.Hydrate(ctx); err != nil {
		_ = g.store.Close()
		return err
	}
	g.orc.Start()

	ln, err := g.setupListener(ctx)
	if err != nil {
		g.orc.Close()
		_ = g.store.Close()
		return err
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddress()
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// warnIgnoredAddress logs a warning if a server address is configured but
// Tailscale is enabled.
func (g *Gateway) warnIgnoredAddress() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupTCPListener creates a standard TCP listener for the HTTP server.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// startServer starts the HTTP server in a goroutine, returning an error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using the default
// under the user's data dir when not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "lab-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet node and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.CertFile != "" && tsCfg.KeyFile != "":
		return g.createTailscaleTLSListener(tsCfg)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using the configured
// certificate pair (generate via: tailscale cert <hostname>).
func (g *Gateway) createTailscaleTLSListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with configured certs on :443")
	cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading tailscale cert pair: %w", err)
	}
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the server and releases all component resources.
// WebSocket connections are hijacked from the HTTP server, so the hub closes
// them explicitly.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.hub.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	// Engine before orchestrator: in-flight experiments settle their tasks
	// through the orchestrator on the way down.
	g.engine.Close()
	g.orc.Close()
	g.bus.Close()
	g.pool.Close()

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK while the process is alive.
func (g *Gateway) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"server_id": g.serverID,
	})
}

// handleReady reports readiness: the store must answer and the registry cache
// must be hydrated.
func (g *Gateway) handleReady(c echo.Context) error {
	count, err := g.store.CountAgents(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "store unavailable",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ready",
		"agents":      count,
		"connections": g.hub.count(),
	})
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("lab-gateway-%d", time.Now().UnixNano()%1000000)
}
