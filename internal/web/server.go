// Package web exposes the local control surface consumed by UI clients:
// a JSON API over the provisioning engine, the command engine and the
// gateway registry, plus a WebSocket feed of provisioning events.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"firelink/internal/command"
	"firelink/internal/provision"
	"firelink/internal/registry"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication for /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// Server is the HTTP server for the control API.
type Server struct {
	engine    *provision.Engine
	commander *command.Commander
	store     registry.Store
	feed      *EventFeed
	logger    *slog.Logger
	mux       *http.ServeMux

	apiKey         string
	allowedOrigins []string
	unsubEvents    func()
}

// NewServer creates a new control server.
func NewServer(engine *provision.Engine, commander *command.Commander, store registry.Store, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		engine:    engine,
		commander: commander,
		store:     store,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Every provisioning event goes out on the WebSocket feed.
	s.feed = newEventFeed(s.logger, engine.Snapshot)
	s.unsubEvents = engine.Events().Subscribe(s.feed.Publish)

	s.routes()
	return s
}

// Stop detaches from the engine and closes the WebSocket feed.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.feed.Close()
}

func (s *Server) routes() {
	// Registry
	s.mux.HandleFunc("GET /api/gateways", s.handleAPIListGateways)
	s.mux.HandleFunc("GET /api/gateways/{id}", s.handleAPIGetGateway)
	s.mux.HandleFunc("DELETE /api/gateways/{id}", s.handleAPIDeleteGateway)

	// MQTT command engine
	s.mux.HandleFunc("POST /api/gateways/{id}/command", s.handleAPIExecuteCommand)

	// BLE provisioning engine
	s.mux.HandleFunc("GET /api/session", s.handleAPISession)
	s.mux.HandleFunc("POST /api/session/scan", s.handleAPIScan)
	s.mux.HandleFunc("POST /api/session/connect", s.handleAPIConnect)
	s.mux.HandleFunc("POST /api/session/configure", s.handleAPIConfigure)

	// WebSocket event feed
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth middleware. The /ws
// route is not API-key-protected because browsers cannot send custom
// headers on the upgrade request; origin checks cover it instead.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}
