// ABOUTME: Gateway orchestrator that wires the store, auth, registry, upstream and query proxy
// ABOUTME: Owns the HTTP server lifecycle, including the optional Tailscale listener

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/engine-gateway/internal/auth"
	"github.com/2389/engine-gateway/internal/config"
	"github.com/2389/engine-gateway/internal/history"
	"github.com/2389/engine-gateway/internal/query"
	"github.com/2389/engine-gateway/internal/registry"
	"github.com/2389/engine-gateway/internal/store"
	"github.com/2389/engine-gateway/internal/upstream"
)

// Version is reported by GET / and set at build time.
var Version = "dev"

// Gateway orchestrates the engine-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	auth        *auth.Service
	registry    *registry.Registry
	history     *history.Service
	proxy       *query.Proxy
	handler     http.Handler
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// keepAlive is the idle interval after which a comment frame is written
	// to an open query stream.
	keepAlive time.Duration
}

// Option customizes New. Options exist mainly so tests can swap out the
// store and upstream backends.
type Option func(*options)

type options struct {
	store      store.Store
	streamer   upstream.Streamer
	discoverer registry.Discoverer
	bcryptCost int
	keepAlive  time.Duration
}

// WithStore uses s instead of opening the configured database.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithStreamer uses s for every query instead of the configured backends.
func WithStreamer(s upstream.Streamer) Option {
	return func(o *options) { o.streamer = s }
}

// WithDiscoverer uses d for agent discovery instead of the reasoning engine API.
func WithDiscoverer(d registry.Discoverer) Option {
	return func(o *options) { o.discoverer = d }
}

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(o *options) { o.bcryptCost = cost }
}

// WithKeepAlive sets the idle interval for stream keep-alive comments.
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) { o.keepAlive = d }
}

// initStore opens the SQLite database with the configured driver.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, config.ExpandHome(cfg.Database.Path))
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// resolveJWTSecret returns the configured secret, or a random one when none is set.
// A random secret invalidates every issued token on restart.
func resolveJWTSecret(cfg *config.Config, logger *slog.Logger) ([]byte, error) {
	if cfg.Auth.JWTSecret != "" {
		return []byte(cfg.Auth.JWTSecret), nil
	}
	secret, err := auth.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generating JWT secret: %w", err)
	}
	logger.Warn("auth.jwt_secret is not set; using a random secret, tokens will not survive a restart")
	return secret, nil
}

// staticAgents converts configured agents into registry entries.
func staticAgents(cfg *config.Config) []registry.Agent {
	agents := make([]registry.Agent, 0, len(cfg.Agents.Static))
	for _, a := range cfg.Agents.Static {
		agents = append(agents, registry.Agent{
			Name:        a.Name,
			DisplayName: a.DisplayName,
			Description: a.Description,
			EngineID:    a.EngineID,
			Backend:     a.Backend,
		})
	}
	return agents
}

// usesGemini reports whether any configured agent is served by the Gemini backend.
func usesGemini(cfg *config.Config) bool {
	for _, a := range cfg.Agents.Static {
		if a.Backend == registry.BackendGemini {
			return true
		}
	}
	return false
}

// buildUpstream creates the backend router. The reasoning engine client is
// also returned so it can serve as the registry's discoverer.
func buildUpstream(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*upstream.Router, *upstream.ReasoningEngineClient, error) {
	router := upstream.NewRouter()
	up := cfg.Upstream

	var engines *upstream.ReasoningEngineClient
	if up.Project != "" {
		var err error
		engines, err = upstream.NewReasoningEngineClient(ctx, upstream.ReasoningEngineConfig{
			Project:         up.Project,
			Location:        up.Location,
			BaseURL:         up.BaseURL,
			CredentialsFile: up.CredentialsFile,
			RequestTimeout:  up.RequestTimeout,
			Logger:          logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating reasoning engine client: %w", err)
		}
		router.Handle(upstream.BackendReasoningEngine, engines)
	} else {
		logger.Warn("upstream.project is not set; reasoning engine agents are unavailable")
	}

	if up.GeminiAPIKey != "" || (usesGemini(cfg) && up.Project != "") {
		gemini, err := upstream.NewGeminiStreamer(ctx, upstream.GeminiConfig{
			APIKey:   up.GeminiAPIKey,
			Project:  up.Project,
			Location: up.Location,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating gemini client: %w", err)
		}
		router.Handle(upstream.BackendGemini, gemini)
	}

	return router, engines, nil
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{keepAlive: defaultKeepAlive}
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		var err error
		s, err = initStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	g, err := build(cfg, s, o, logger)
	if err != nil {
		if o.store == nil {
			_ = s.Close()
		}
		return nil, err
	}
	return g, nil
}

func build(cfg *config.Config, s store.Store, o options, logger *slog.Logger) (*Gateway, error) {
	secret, err := resolveJWTSecret(cfg, logger)
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewJWTIssuer(secret)
	if err != nil {
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}
	authService := auth.NewService(s, issuer, auth.ServiceConfig{
		AllowedDomain:     cfg.Auth.AllowedDomain,
		MinPasswordLength: cfg.Auth.MinPasswordLength,
		TokenTTL:          cfg.Auth.TokenTTL,
		BcryptCost:        o.bcryptCost,
	}, logger)

	streamer := o.streamer
	discoverer := o.discoverer
	if streamer == nil {
		router, engines, err := buildUpstream(context.Background(), cfg, logger)
		if err != nil {
			return nil, err
		}
		streamer = router
		if discoverer == nil && cfg.Agents.Discover && engines != nil {
			discoverer = engines
		}
	}

	agents := registry.New(registry.Config{
		Static:     staticAgents(cfg),
		Discoverer: discoverer,
		TTL:        cfg.Agents.CacheTTL,
		Logger:     logger,
	})

	historyService := history.NewService(s, history.Config{
		DefaultLimit: cfg.History.DefaultLimit,
		MaxLimit:     cfg.History.MaxLimit,
	}, logger)

	proxy := query.New(agents, streamer, historyService, query.Config{
		Window:           cfg.Conversation.Window,
		SaveTimeout:      cfg.History.SaveTimeout,
		SaveNoticeWindow: cfg.History.SaveNoticeWindow,
	}, logger)

	g := &Gateway{
		config:    cfg,
		store:     s,
		auth:      authService,
		registry:  agents,
		history:   historyService,
		proxy:     proxy,
		logger:    logger.With("component", "gateway"),
		keepAlive: o.keepAlive,
	}
	g.handler = g.routes()

	// No WriteTimeout: query streams stay open for as long as the agent answers.
	g.httpServer = &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return g, nil
}

// Handler returns the HTTP handler serving the gateway API.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// setupTCPListener listens on the configured HTTP address.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer serves HTTP in a goroutine, returning its error channel.
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

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
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

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return config.ExpandHome(configured), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "engine-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80, or on :443
// through Funnel when public access is enabled.
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

	var ln net.Listener
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		ln, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
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

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, lets in-flight history writes finish,
// and releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "pending history writes", g.proxy.Wait(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
