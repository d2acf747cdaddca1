// Package gateway implements the control gateway: the WebSocket connect
// handshake that turns an unauthenticated socket into an authorized,
// registered session, and the registries that track sessions and nodes
// once it succeeds.
package gateway

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"clawgate/internal/auth"
	"clawgate/internal/identity"
	"clawgate/internal/pairing"
	"clawgate/internal/protocol"
	"clawgate/internal/store"
)

// Config is the resolved gateway configuration.
type Config struct {
	// Auth is the shared-secret configuration.
	Auth auth.Config

	// AllowedOrigins is the browser-origin allowlist for ui/webchat
	// clients. "*" allows any origin; empty allows only same-host.
	AllowedOrigins []string

	// TrustedProxies lists CIDRs or addresses whose forwarding headers are
	// honored (and which satisfy trusted-proxy auth mode).
	TrustedProxies []string

	// AllowInsecureUI administratively disables device identity for
	// control-UI connections: the device block is dropped and scopes are
	// cleared. It never substitutes for shared-secret authentication.
	AllowInsecureUI bool

	// DeviceAuthDisabled drops the device block for every connection.
	// Declared scopes are preserved in this bypass context.
	DeviceAuthDisabled bool

	// SkipPairingWithShared lets a connection that passed shared-secret
	// auth skip the device pairing workflow.
	SkipPairingWithShared bool

	// AllowLegacyDeviceSignature gates the v1 nonce-free signature path
	// kept for trusted local callers. Deployments migrate off it by
	// flipping this to false.
	AllowLegacyDeviceSignature bool

	// HandshakeTimeout bounds how long a socket may sit idle before its
	// connect frame arrives.
	HandshakeTimeout time.Duration

	// Policy limits advertised in hello-ok and enforced on the socket.
	MaxPayload       int
	MaxBufferedBytes int
	TickIntervalMs   int

	// NodeCommandAllowlist maps platform names to permitted node commands.
	NodeCommandAllowlist map[string][]string
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = 512 * 1024
	}
	if c.MaxBufferedBytes <= 0 {
		c.MaxBufferedBytes = 4 * 1024 * 1024
	}
	if c.TickIntervalMs <= 0 {
		c.TickIntervalMs = 15000
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeToken
	}
}

// Router handles post-handshake request frames. The gateway itself routes
// nothing: application RPC lives behind this interface.
type Router interface {
	Handle(client *Client, req *protocol.RequestFrame) *protocol.ResponseFrame
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithVersion sets the server version string reported in hello-ok.
func WithVersion(version, commit string) ServerOption {
	return func(s *Server) {
		s.version = version
		s.commit = commit
	}
}

// WithRouter installs the application request router.
func WithRouter(r Router) ServerOption {
	return func(s *Server) { s.router = r }
}

// WithNodeProber installs the background capability/voice-wake prober run
// after node registration.
func WithNodeProber(p NodeProber) ServerOption {
	return func(s *Server) { s.prober = p }
}

// WithMethods sets the callable method names advertised in hello-ok.
func WithMethods(methods []string) ServerOption {
	return func(s *Server) { s.methods = methods }
}

// Server is the gateway's HTTP surface: the /ws handshake endpoint plus a
// small REST API for out-of-band pairing control.
type Server struct {
	cfg      Config
	store    store.Store
	events   *EventBus
	sessions *Registry
	nodes    *NodeRegistry
	pairing  *pairing.Manager
	verifier *identity.Verifier
	auther   *auth.Authorizer
	tokens   *auth.DeviceTokens
	limiter  *auth.RateLimiter
	proxies  *auth.ProxyList

	logger  *slog.Logger
	mux     *http.ServeMux
	router  Router
	prober  NodeProber
	methods []string
	version string
	commit  string
	host    string

	startedAt   time.Time
	wg          sync.WaitGroup
	unsubEvents func()
}

// NewServer wires the handshake coordinator and its collaborators. The
// store is injected with its own lifecycle; no ambient global state.
func NewServer(cfg Config, st store.Store, events *EventBus, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.Auth.Validate(); err != nil {
		return nil, fmt.Errorf("gateway auth config: %w", err)
	}
	proxies, err := auth.ParseProxyList(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("gateway trusted proxies: %w", err)
	}

	limiter := auth.NewRateLimiter()
	hostname, _ := os.Hostname()

	s := &Server{
		cfg:       cfg,
		store:     st,
		events:    events,
		sessions:  NewRegistry(logger.With("component", "sessions")),
		nodes:     NewNodeRegistry(cfg.NodeCommandAllowlist, logger.With("component", "nodes")),
		verifier:  identity.NewVerifier(),
		auther:    auth.NewAuthorizer(cfg.Auth, limiter),
		tokens:    auth.NewDeviceTokens(st, limiter),
		limiter:   limiter,
		proxies:   proxies,
		logger:    logger.With("component", "gateway"),
		mux:       http.NewServeMux(),
		version:   "dev",
		host:      hostname,
		startedAt: time.Now(),
	}
	s.pairing = pairing.NewManager(st, st, events, logger)

	for _, opt := range opts {
		opt(s)
	}
	if s.methods == nil {
		s.methods = []string{protocol.MethodConnect}
	}

	// Fan gateway events out to connected sessions.
	s.unsubEvents = events.OnAll(func(event Event) {
		s.sessions.Broadcast(&protocol.EventFrame{
			Type:    protocol.FrameTypeEvent,
			Event:   event.Type,
			Payload: event.Payload,
		})
	})

	s.routes()
	return s, nil
}

// Stop closes every session and detaches from the event bus.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.sessions.CloseAll("server shutdown")
	s.wg.Wait()
}

// Sessions exposes the session registry.
func (s *Server) Sessions() *Registry { return s.sessions }

// Nodes exposes the node registry.
func (s *Server) Nodes() *NodeRegistry { return s.nodes }

// Pairing exposes the pairing manager for out-of-band approval tooling.
func (s *Server) Pairing() *pairing.Manager { return s.pairing }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /ws", s.handleWS)

	s.mux.HandleFunc("GET /api/health", s.handleAPIHealth)
	s.mux.HandleFunc("GET /api/pairings", s.handleAPIListPairings)
	s.mux.HandleFunc("POST /api/pairings/{id}/approve", s.handleAPIApprovePairing)
	s.mux.HandleFunc("POST /api/pairings/{id}/reject", s.handleAPIRejectPairing)
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("DELETE /api/devices/{id}", s.handleAPIDeleteDevice)
}

// ServeHTTP implements http.Handler, applying API authentication. The /ws
// endpoint carries its own in-band handshake and is exempt; browsers cannot
// attach custom headers to a WebSocket upgrade.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws" && !s.apiAuthorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// apiAuthorized checks the REST surface against the same shared secret the
// handshake uses.
func (s *Server) apiAuthorized(r *http.Request) bool {
	switch s.cfg.Auth.Mode {
	case auth.ModeNone:
		return true
	case auth.ModeTrustedProxy:
		_, viaProxy := auth.ResolveClientIP(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), s.proxies)
		return viaProxy
	case auth.ModeToken:
		key := r.Header.Get("X-Gateway-Token")
		return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Auth.Token)) == 1
	case auth.ModePassword:
		key := r.Header.Get("X-Gateway-Token")
		return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Auth.Password)) == 1
	}
	return false
}

// health returns the cached health block for snapshots.
func (s *Server) health() *protocol.HealthInfo {
	now := time.Now()
	return &protocol.HealthInfo{
		OK:        true,
		UptimeMs:  now.Sub(s.startedAt).Milliseconds(),
		CheckedAt: now.UnixMilli(),
	}
}

// isOriginAllowed checks a browser origin against the configured allowlist.
// With no allowlist configured, only the request's own host passes.
func (s *Server) isOriginAllowed(origin, host string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return origin == "http://"+host || origin == "https://"+host
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
