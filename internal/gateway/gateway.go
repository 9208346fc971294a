// ABOUTME: Gateway orchestrator that serves the video session HTTP API and websocket
// ABOUTME: Manages the store, provider client, per-user launchers and listener lifecycle

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

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-video/internal/auth"
	"github.com/2389/coven-video/internal/config"
	"github.com/2389/coven-video/internal/conversation"
	"github.com/2389/coven-video/internal/dedupe"
	"github.com/2389/coven-video/internal/embed"
	"github.com/2389/coven-video/internal/launcher"
	"github.com/2389/coven-video/internal/provider"
	"github.com/2389/coven-video/internal/store"
)

// idempotencyWindow is how long a start's Idempotency-Key is remembered.
const idempotencyWindow = time.Minute

// Gateway serves the video session API for authenticated users.
type Gateway struct {
	config      *config.Config
	store       store.Store
	provider    launcher.Provider
	verifier    auth.TokenVerifier
	clock       embed.Clock
	broadcaster *conversation.EventBroadcaster
	sessions    *sessionRegistry
	dedupe      *dedupe.Cache
	upgrader    websocket.Upgrader
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	baseLogger  *slog.Logger // unscoped, for per-owner components
}

// Deps are the gateway's external collaborators. New builds them from
// config; tests supply fakes.
type Deps struct {
	Store    store.Store
	Provider launcher.Provider
	Verifier auth.TokenVerifier
	Clock    embed.Clock
}

// initStore creates the conversation store selected by config.
func initStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverREST:
		s, err := store.NewRESTStore(store.RESTConfig{
			URL:         cfg.Backend.URL,
			AnonKey:     cfg.Backend.AnonKey,
			ServiceKey:  cfg.Backend.ServiceKey,
			AccessToken: auth.AccessTokenFromContext,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("COVEN_VIDEO_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// New creates a Gateway with the store, provider client and token verifier
// described by cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Backend.JWTSecret), cfg.Backend.JWTAudience)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	prov := provider.New(cfg.ProviderClientConfig(), logger)

	return newGateway(cfg, Deps{
		Store:    s,
		Provider: prov,
		Verifier: verifier,
	}, logger)
}

func newGateway(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if deps.Store == nil || deps.Provider == nil || deps.Verifier == nil {
		return nil, errors.New("gateway: store, provider and verifier are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = embed.RealClock()
	}

	origins, err := newOriginPolicy(cfg.Server.AllowedOrigins)
	if err != nil {
		return nil, fmt.Errorf("server.allowed_origins: %w", err)
	}

	gw := &Gateway{
		config:      cfg,
		store:       deps.Store,
		provider:    deps.Provider,
		verifier:    deps.Verifier,
		clock:       deps.Clock,
		broadcaster: conversation.NewEventBroadcaster(logger),
		dedupe:      dedupe.New(idempotencyWindow, 100_000),
		logger:      logger.With("component", "gateway"),
		baseLogger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
	}
	gw.sessions = newSessionRegistry(gw.newOwnerSession, gw.ownerInUse, deps.Clock.Now)
	go gw.sweepIdleOwners(idleSweepInterval)

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// registerAPIRoutes registers the authenticated API and websocket routes.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	authMiddleware := auth.HTTPAuthMiddleware(g.verifier, false)
	wsAuthMiddleware := auth.HTTPAuthMiddleware(g.verifier, true)

	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}
	handle("GET /api/conversations", g.handleListConversations)
	handle("DELETE /api/conversations/{id}", g.handleDeleteConversation)
	handle("GET /api/session", g.handleSessionState)
	handle("POST /api/session", g.handleStartSession)
	handle("DELETE /api/session", g.handleEndSession)
	handle("POST /api/session/retry", g.handleRetry)
	handle("POST /api/session/frame", g.handleFrameEvent)
	handle("POST /api/session/window", g.handleOpenWindow)
	handle("POST /api/session/message", g.handleEmbedMessage)
	handle("DELETE /api/session/error", g.handleDismissError)

	mux.Handle("GET /ws", wsAuthMiddleware(http.HandlerFunc(g.handleWebSocket)))
}

// setupTCPListener creates a standard TCP listener for HTTP.
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
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
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

// gracefulShutdown performs shutdown with a fresh context and timeout,
// since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "coven-video", "tailscale"), nil
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

// setupTailscaleListener brings up a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
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

	return g.createTailscaleHTTPListener(tsCfg)
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

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
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
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, waits for pending session endings and
// releases resources. Active sessions are left running at the provider.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.sessions.closeAll()
	g.broadcaster.Close()
	g.dedupe.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the provider settings needed to start a
// session are present.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if missing := g.missingProviderSetting(); missing != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "provider not configured: %s missing", missing)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d active sessions)", g.sessions.active())
}

func (g *Gateway) missingProviderSetting() string {
	p := g.config.Provider
	switch {
	case p.APIKey == "":
		return "api_key"
	case p.ReplicaID == "":
		return "replica_id"
	case p.PersonaID == "":
		return "persona_id"
	}
	return ""
}
