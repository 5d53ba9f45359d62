// ABOUTME: Gateway orchestrator that wires registry, proxy, prober, fleet, and admin
// ABOUTME: Owns the HTTP listener (TCP or tailnet) and the shutdown order

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
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/kilo-gateway/internal/admin"
	"github.com/2389/kilo-gateway/internal/alerts"
	"github.com/2389/kilo-gateway/internal/auth"
	"github.com/2389/kilo-gateway/internal/config"
	"github.com/2389/kilo-gateway/internal/fleet"
	"github.com/2389/kilo-gateway/internal/health"
	"github.com/2389/kilo-gateway/internal/metrics"
	"github.com/2389/kilo-gateway/internal/proxy"
	"github.com/2389/kilo-gateway/internal/ratelimit"
	"github.com/2389/kilo-gateway/internal/registry"
	"github.com/2389/kilo-gateway/internal/router"
	"github.com/2389/kilo-gateway/internal/store"
)

// Gateway owns every long-lived component of the process.
type Gateway struct {
	config   *config.Config
	store    store.Store
	metrics  *metrics.Collector
	registry *registry.Registry
	proxy    *proxy.Manager
	alerts   *alerts.Log
	notifier *alerts.Notifier
	prober   *health.Prober
	limiter  *ratelimit.Limiter
	admin    *admin.Handler
	handler  http.Handler

	// fleet is nil when the controller is disabled or the cluster is unreachable.
	fleet      *fleet.Controller
	stopEvents func()

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// relayURL is the real-time relay base, without a trailing slash. May be empty.
	relayURL string

	clock  clock.WithTicker
	logger *slog.Logger

	loopMu      sync.Mutex
	cancelLoops context.CancelFunc
	loops       sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

type options struct {
	kube      kubernetes.Interface
	clock     clock.WithTicker
	transport http.RoundTripper
}

// Option customizes New.
type Option func(*options)

// WithKubeClient supplies the orchestrator client instead of building one from config.
func WithKubeClient(c kubernetes.Interface) Option {
	return func(o *options) { o.kube = c }
}

// WithClock replaces the real clock.
func WithClock(c clock.WithTicker) Option {
	return func(o *options) { o.clock = c }
}

// WithTransport replaces the pooled outbound transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// initStore creates the store from config, honoring KILO_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("KILO_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildAuthenticator chains the configured credential checks: the static key,
// then stored tokens (always accepted), then JWTs.
func buildAuthenticator(cfg *config.Config, s *store.SQLiteStore, logger *slog.Logger) (auth.Authenticator, error) {
	var auths []auth.Authenticator
	if cfg.Auth.AdminToken != "" {
		auths = append(auths, auth.NewStaticKey(cfg.Auth.AdminToken))
	}
	auths = append(auths, auth.NewStoredTokens(s))
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		auths = append(auths, auth.NewJWT(verifier))
		logger.Info("JWT admin credentials enabled")
	}
	return auth.NewChain(auths...), nil
}

// resolveRelayURL prefers alerts.relay_url, then the relay service's base URL.
func resolveRelayURL(cfg *config.Config, reg *registry.Registry) string {
	if cfg.Alerts.RelayURL != "" {
		return strings.TrimRight(cfg.Alerts.RelayURL, "/")
	}
	if cfg.Server.RelayService == "" {
		return ""
	}
	svc, err := reg.Resolve(cfg.Server.RelayService)
	if err != nil {
		return ""
	}
	return strings.TrimRight(svc.BaseURL.String(), "/")
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	o := options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	reg, err := registry.New(cfg.Services)
	if err != nil {
		return nil, fmt.Errorf("building registry: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		metrics:  metrics.New(),
		registry: reg,
		clock:    o.clock,
		logger:   logger.With("component", "gateway"),
	}

	gw.proxy = proxy.New(proxy.Options{
		Timeout:            cfg.Proxy.Timeout,
		ConnectTimeout:     cfg.Proxy.ConnectTimeout,
		MaxIdlePerBackend:  cfg.Proxy.MaxIdlePerBackend,
		MaxConnsPerBackend: cfg.Proxy.MaxConnsPerBackend,
		MaxIdleTotal:       cfg.Proxy.MaxIdleTotal,
		Retries:            cfg.Proxy.Retries,
		Backoff:            cfg.Proxy.Backoff,
		DrainTimeout:       cfg.Proxy.DrainTimeout,
		BreakerFailures:    cfg.Proxy.BreakerFailures,
		BreakerOpen:        cfg.Proxy.BreakerOpen,
		Transport:          o.transport,
		Logger:             logger,
		Recorder:           gw.metrics,
	})

	gw.relayURL = resolveRelayURL(cfg, reg)
	gw.alerts = alerts.New(alerts.Options{
		Capacity: cfg.Alerts.Capacity,
		Clock:    o.clock,
		Logger:   logger,
		Counter:  gw.metrics,
	})
	if gw.relayURL != "" || cfg.Alerts.ObserverURL != "" {
		gw.notifier = alerts.NewNotifier(gw.proxy.Client(), gw.relayURL, cfg.Alerts.ObserverURL, logger)
		gw.alerts.AddSink(gw.notifier)
	}

	gw.prober = health.New(reg, health.Options{
		Interval:      cfg.Prober.Interval,
		Timeout:       cfg.Prober.Timeout,
		AlertCooldown: cfg.Prober.Cooldown,
		Client:        gw.proxy.Client(),
		Alerts:        gw.alerts,
		Recorder:      gw.metrics,
		Clock:         o.clock,
		Logger:        logger,
	})
	gw.proxy.SetNotifier(gw.prober)

	var corrector *fleet.Corrector
	if cfg.Fleet.Enabled {
		corrector = gw.initFleet(cfg, o.kube, s, logger)
	}

	authn, err := buildAuthenticator(cfg, s, logger)
	if err != nil {
		_ = gw.closeResources()
		return nil, err
	}

	adminOpts := admin.Options{
		Registry: reg,
		Health:   gw.prober,
		Alerts:   gw.alerts,
		Store:    s,
		Authn:    authn,
		Client:   gw.proxy.Client(),
		Clock:    o.clock,
		Logger:   logger,
	}
	if gw.fleet != nil {
		adminOpts.Fleet = gw.fleet
		adminOpts.Actions = corrector
	}
	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst > 0 {
		gw.limiter, err = ratelimit.New(ratelimit.Options{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			TrustedProxies:    cfg.RateLimit.TrustedProxies,
			Counter:           gw.metrics,
			Clock:             o.clock,
			Logger:            logger,
		})
		if err != nil {
			_ = gw.closeResources()
			return nil, fmt.Errorf("creating rate limiter: %w", err)
		}
		adminOpts.RateLimit = gw.limiter.Middleware
	}
	gw.admin = admin.New(adminOpts)

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	table, err := router.NewTable(reg, router.DefaultRules(cfg.Routes, cfg.Server.RelayService, metricsPath))
	if err != nil {
		_ = gw.closeResources()
		return nil, fmt.Errorf("building route table: %w", err)
	}

	handlers := map[string]http.Handler{
		router.HandlerHealth:               http.HandlerFunc(gw.handleHealth),
		router.HandlerReady:                http.HandlerFunc(gw.handleReady),
		router.HandlerAdmin:                gw.admin,
		router.HandlerNotify:               http.HandlerFunc(gw.handleNotify),
		router.HandlerWebSocketUnavailable: http.HandlerFunc(handleWebSocketUnavailable),
	}
	if metricsPath != "" {
		handlers[router.HandlerMetrics] = gw.metrics.Handler()
	}

	gw.handler = NewDispatcher(DispatcherOptions{
		Table:       table,
		Registry:    reg,
		Forward:     gw.proxy,
		Handlers:    handlers,
		GracePeriod: cfg.Prober.GracePeriod,
		RetryAfter:  gw.prober.Interval(),
		Recorder:    gw.metrics,
		Clock:       o.clock,
		Logger:      logger,
	})

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway configured",
		"services", len(reg.Names()),
		"routes", len(table.Rules()),
		"fleet", gw.fleet != nil,
		"relay", gw.relayURL,
	)
	return gw, nil
}

// initFleet builds the controller and its corrector. An unreachable cluster
// disables the fleet surface instead of failing startup.
func (g *Gateway) initFleet(cfg *config.Config, client kubernetes.Interface, s *store.SQLiteStore, logger *slog.Logger) *fleet.Corrector {
	if client == nil {
		var err error
		client, err = fleet.NewClientset(cfg.Fleet.Kubeconfig)
		if err != nil {
			g.logger.Warn("fleet controller disabled", "error", err)
			return nil
		}
	}

	events, stop := fleet.NewEventRecorder(client, cfg.Fleet.Namespace)
	g.stopEvents = stop

	corrector := fleet.NewCorrector(client, fleet.CorrectorOptions{
		Namespace:   cfg.Fleet.Namespace,
		MaxReplicas: cfg.Fleet.MaxReplicas,
		DeleteGrace: ptr.To(cfg.Fleet.DeleteGrace),
		Audit:       s,
		Recorder:    g.metrics,
		Events:      events,
		Logger:      logger,
	})
	g.fleet = fleet.NewController(client, corrector, fleet.Options{
		Namespace:         cfg.Fleet.Namespace,
		Interval:          cfg.Fleet.Interval,
		RestartThreshold:  cfg.Fleet.RestartThreshold,
		Window:            cfg.Fleet.Window,
		RestartCooldown:   cfg.Fleet.RestartCooldown,
		PendingAlertAfter: cfg.Fleet.PendingAlertAfter,
		AlertCooldown:     cfg.Fleet.AlertCooldown,
		Alerts:            g.alerts,
		Recorder:          g.metrics,
		Clock:             g.clock,
		Logger:            logger,
	})
	return corrector
}

// Handler returns the root handler. Used by tests and embedders.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Prober returns the health prober.
func (g *Gateway) Prober() *health.Prober {
	return g.prober
}

// setupTCPListener creates the standard TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// warnIgnoredAddress logs a warning if an HTTP address is configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddress() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddress()
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startLoops runs the background loops until Shutdown cancels them.
func (g *Gateway) startLoops(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.loopMu.Lock()
	g.cancelLoops = cancel
	g.loopMu.Unlock()

	g.loops.Go(func() {
		if err := g.prober.Run(ctx); err != nil {
			g.logger.Error("prober stopped", "error", err)
		}
	})
	if g.fleet != nil {
		g.loops.Go(func() {
			if err := g.fleet.Run(ctx); err != nil {
				g.logger.Error("fleet controller stopped", "error", err)
			}
		})
	}
}

// startServer serves HTTP in a goroutine, returning the error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
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

// Run starts the listener and background loops and blocks until the context is
// canceled. Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.startLoops(ctx)
	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := 5*time.Second + g.config.Proxy.DrainTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "kilo-gateway", "tailscale"), nil
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

// setupTailscaleListener joins the tailnet and returns the HTTP listener.
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
		g.tsnetServer = nil
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		g.tsnetServer = nil
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
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// closeError labels err for the shutdown aggregate.
func closeError(label string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	return nil
}

// stopLoops cancels the background loops and waits for them, bounded by ctx.
func (g *Gateway) stopLoops(ctx context.Context) error {
	g.loopMu.Lock()
	cancel := g.cancelLoops
	g.loopMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		g.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background loops: %w", ctx.Err())
	}
}

// closeResources releases everything that does not depend on the listener.
func (g *Gateway) closeResources() error {
	if g.limiter != nil {
		g.limiter.Close()
	}
	if g.notifier != nil {
		g.notifier.Close()
	}
	if g.alerts != nil {
		g.alerts.Close()
	}
	if g.fleet != nil {
		g.fleet.Close()
	}
	if g.stopEvents != nil {
		g.stopEvents()
	}
	var err error
	if g.tsnetServer != nil {
		err = multierr.Append(err, closeError("tailscale shutdown", g.tsnetServer.Close()))
	}
	return multierr.Append(err, closeError("store close", g.store.Close()))
}

// Shutdown drains HTTP, stops the loops, drains the connection manager, and
// releases resources. Safe to call more than once; later calls return the
// first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var err error
		err = multierr.Append(err, closeError("HTTP shutdown", g.httpServer.Shutdown(ctx)))
		err = multierr.Append(err, g.stopLoops(ctx))
		err = multierr.Append(err, closeError("proxy drain", g.proxy.Close(ctx)))
		err = multierr.Append(err, g.closeResources())

		if err != nil {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", err)
		}
	})
	return g.shutdownErr
}
