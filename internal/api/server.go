// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/trenches-waitlist/internal/auth"
	"github.com/trenches-waitlist/internal/logging"
	"github.com/trenches-waitlist/internal/models"
	"github.com/trenches-waitlist/internal/ratelimit"
	"github.com/trenches-waitlist/internal/registration"
	"github.com/trenches-waitlist/internal/types"
)

// Service interfaces for dependency injection and testing

// Admitter decides whether a request may proceed
type Admitter interface {
	Admit(ctx context.Context, identifier string, class types.EndpointClass) ratelimit.Decision
	Now() time.Time
}

// RegistrationService defines the identity operations exposed over HTTP
type RegistrationService interface {
	SyncIdentity(ctx context.Context, principal *auth.Principal, payload registration.SyncPayload) (*models.IdentityView, error)
	LookupIdentity(ctx context.Context, supabaseID string) (*models.IdentityView, error)
	ValidateReferralCode(ctx context.Context, code string) (*models.ReferrerSummary, error)
}

// PlatformConfigSource reads the public platform configuration
type PlatformConfigSource interface {
	Get(ctx context.Context) (*models.PlatformConfig, error)
}

// Server represents the HTTP API server.
type Server struct {
	router         *mux.Router
	httpServer     *http.Server
	admission      Admitter
	registration   RegistrationService
	platformConfig PlatformConfigSource
	authenticator  auth.Authenticator
	config         *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	AllowedOrigin   string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Dependencies are the collaborators the server routes requests to.
type Dependencies struct {
	Admission      Admitter
	Registration   RegistrationService
	PlatformConfig PlatformConfigSource
	Authenticator  auth.Authenticator
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) (*Server, error) {
	if config == nil {
		return nil, errors.New("server config is required")
	}
	if deps.Admission == nil || deps.Registration == nil || deps.PlatformConfig == nil || deps.Authenticator == nil {
		return nil, errors.New("admission, registration, platform config and authenticator are required")
	}

	s := &Server{
		router:         mux.NewRouter(),
		admission:      deps.Admission,
		registration:   deps.Registration,
		platformConfig: deps.PlatformConfig,
		authenticator:  deps.Authenticator,
		config:         config,
	}

	s.setupRouter()

	return s, nil
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware(s.config.AllowedOrigin))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes. Every /api route passes the
// admission controller for its endpoint class first.
func (s *Server) setupRoutes() {
	// Health check endpoint (not rate limited)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	api.Handle("/config", s.admit(types.ClassDefault, s.handleGetConfig)).Methods(http.MethodGet, http.MethodOptions)
	api.Handle("/referral/validate", s.admit(types.ClassReferralValidate, s.handleValidateReferral)).Methods(http.MethodGet, http.MethodOptions)
	api.Handle("/user/sync", s.admit(types.ClassDefault, s.handleLookupIdentity)).Methods(http.MethodGet, http.MethodOptions)
	api.Handle("/user/sync", s.admit(types.ClassUserSync, s.handleSyncIdentity)).Methods(http.MethodPost)
}

func (s *Server) admit(class types.EndpointClass, h http.HandlerFunc) http.Handler {
	return AdmissionMiddleware(s.admission, class)(h)
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "trenches-waitlist",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
