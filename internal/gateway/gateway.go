// ABOUTME: Gateway wires the conversation API: store, model clients, approaches and HTTP server
// ABOUTME: Manages listeners (TCP or tailnet), the event relay and graceful shutdown

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

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-rag/internal/approach"
	"github.com/2389/coven-rag/internal/auth"
	"github.com/2389/coven-rag/internal/completion"
	"github.com/2389/coven-rag/internal/config"
	"github.com/2389/coven-rag/internal/conversation"
	"github.com/2389/coven-rag/internal/metrics"
	"github.com/2389/coven-rag/internal/search"
	"github.com/2389/coven-rag/internal/store"
	"github.com/2389/coven-rag/internal/title"
)

// Gateway owns the HTTP server and every collaborator behind it.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	authOptions  auth.Options
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// eventBroadcaster fans conversation events out to local subscribers
	eventBroadcaster *conversation.EventBroadcaster

	// relay shares events with other instances; nil unless redis is enabled
	relay *conversation.RedisRelay

	// metrics is nil when metrics are disabled
	metrics *metrics.Metrics

	// limiter is nil when rate limiting is disabled
	limiter *limiterPool
}

// Deps are the collaborators New builds from config. Tests supply their own.
type Deps struct {
	Store store.Store
	Model approach.Model
	// Searcher may be nil, which leaves only the chat approach registered.
	Searcher search.Searcher
}

// initStore opens the configured history store.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err = store.NewPostgresStore(ctx, cfg.Database.DSN)
	case config.DriverPebble:
		s, err = store.NewPebbleStore(cfg.Database.Path)
	case config.DriverMemory:
		s = store.NewMockStore()
	default:
		s, err = store.NewSQLiteStore(cfg.Database.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s store: %w", cfg.Database.Driver, err)
	}
	return s, nil
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	deps := Deps{
		Store: s,
		Model: completion.New(completion.Config{
			BaseURL:    cfg.OpenAI.BaseURL,
			APIKey:     cfg.OpenAI.APIKey,
			Model:      cfg.OpenAI.Model,
			APIVersion: cfg.OpenAI.APIVersion,
			Timeout:    cfg.OpenAI.Timeout,
		}, logger),
	}
	if cfg.Search.Endpoint != "" {
		deps.Searcher = search.New(search.Config{
			Endpoint:     cfg.Search.Endpoint,
			Index:        cfg.Search.Index,
			APIKey:       cfg.Search.APIKey,
			APIVersion:   cfg.Search.APIVersion,
			SourceField:  cfg.Search.SourceField,
			ContentField: cfg.Search.ContentField,
			Timeout:      cfg.Search.Timeout,
		}, logger)
	}

	gw, err := NewWithDeps(cfg, deps, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// buildRegistry registers every approach the deps can serve and applies the
// configured defaults.
func buildRegistry(cfg *config.Config, deps Deps, logger *slog.Logger) (*approach.Registry, error) {
	reg := approach.NewRegistry()
	if err := reg.Register(approach.KindChat, approach.NewChatConversation(deps.Model, logger)); err != nil {
		return nil, err
	}
	if deps.Searcher != nil {
		if err := reg.Register(approach.KindRetrieveThenRead, approach.NewRetrieveThenRead(deps.Model, deps.Searcher, logger)); err != nil {
			return nil, err
		}
		if err := reg.Register(approach.KindChatReadRetrieveRead, approach.NewChatReadRetrieveRead(deps.Model, deps.Searcher, logger)); err != nil {
			return nil, err
		}
	}

	ask := approach.ParseKind(cfg.Approaches.Ask)
	chat := approach.ParseKind(cfg.Approaches.Chat)
	if err := reg.SetDefaults(ask, chat); err != nil {
		return nil, fmt.Errorf("setting default approaches: %w", err)
	}
	logger.Info("approaches registered", "kinds", reg.Kinds(), "ask", ask.Describe(), "chat", chat.Describe())
	return reg, nil
}

// titleConfig overlays configured values on the generator defaults.
func titleConfig(cfg config.TitleConfig) title.Config {
	tc := title.DefaultConfig()
	if cfg.Temperature != nil {
		tc.Temperature = *cfg.Temperature
	}
	if cfg.MaxTokens > 0 {
		tc.MaxTokens = cfg.MaxTokens
	}
	return tc
}

// authOptions builds the identity middleware options from config.
func authOptions(cfg *config.Config, logger *slog.Logger) (auth.Options, error) {
	opts := auth.Options{
		TrustEasyAuth: cfg.Auth.TrustEasyAuth,
		Required:      cfg.Auth.Required,
		DefaultUserID: cfg.Auth.DefaultUserID,
		Logger:        logger,
	}
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return auth.Options{}, fmt.Errorf("creating JWT verifier: %w", err)
		}
		opts.Verifier = v
		logger.Info("bearer token auth enabled")
	} else if !cfg.Auth.TrustEasyAuth {
		logger.Warn("auth disabled - callers share the default user id")
	}
	return opts, nil
}

// NewWithDeps creates a Gateway around the given collaborators. The store
// is owned by the Gateway from here on and closed by Shutdown.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := buildRegistry(cfg, deps, logger)
	if err != nil {
		return nil, err
	}

	opts, err := authOptions(cfg, logger)
	if err != nil {
		return nil, err
	}

	eventBroadcaster := conversation.NewEventBroadcaster(logger)
	var publisher conversation.EventPublisher = eventBroadcaster

	var relay *conversation.RedisRelay
	if cfg.Events.Redis.Enabled {
		relay, err = conversation.NewRedisRelay(conversation.RedisConfig{
			Addr:     cfg.Events.Redis.Addr,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Channel:  cfg.Events.Redis.Channel,
		}, eventBroadcaster, logger)
		if err != nil {
			eventBroadcaster.Close()
			return nil, fmt.Errorf("connecting event relay: %w", err)
		}
		publisher = relay
	}

	titles := title.New(deps.Store, deps.Model, titleConfig(cfg.Title), logger)
	convService := conversation.New(deps.Store, registry, titles, publisher, logger)

	gw := &Gateway{
		config:           cfg,
		store:            deps.Store,
		conversation:     convService,
		authOptions:      opts,
		logger:           logger.With("component", "gateway"),
		eventBroadcaster: eventBroadcaster,
		relay:            relay,
	}

	if cfg.Metrics.Enabled {
		gw.metrics = metrics.New(eventBroadcaster)
	}
	if cfg.RateLimit.Enabled {
		gw.limiter = newLimiterPool(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	readHeaderTimeout := cfg.Server.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 10 * time.Second
	}
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return gw, nil
}

// Handler returns the HTTP handler, for embedding and tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupListener creates the HTTP listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if g.relay != nil {
		if err := g.relay.Start(ctx); err != nil {
			return fmt.Errorf("starting event relay: %w", err)
		}
	}

	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
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
	return filepath.Join(homeDir, ".local", "share", "coven-rag", "tailscale"), nil
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

// setupTailscaleListener joins the tailnet and listens on :80, :443 with
// the configured certificate, or the public funnel.
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

func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.CertFile != "" && tsCfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading tailscale certificate: %w", err)
		}
		g.logger.Info("enabling HTTPS on :443", "cert_file", tsCfg.CertFile)
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.relay != nil {
		errs = appendCloseError(errs, "relay shutdown", g.relay.Stop())
	}
	if g.limiter != nil {
		g.limiter.Shutdown()
	}
	g.eventBroadcaster.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
