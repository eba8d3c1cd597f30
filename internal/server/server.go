package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/dzianisv/opencode/internal/logging"
	"github.com/dzianisv/opencode/internal/mcp"
	"github.com/dzianisv/opencode/internal/permission"
	"github.com/dzianisv/opencode/internal/provider"
	"github.com/dzianisv/opencode/internal/session"
	"github.com/dzianisv/opencode/internal/storage"
	"github.com/dzianisv/opencode/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Hostname     string
	Port         int
	Directory    string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default server configuration. WriteTimeout
// stays zero so the SSE stream is never cut off by the http server.
func DefaultConfig() *Config {
	return &Config{
		Hostname:    "127.0.0.1",
		Port:        8080,
		EnableCORS:  true,
		ReadTimeout: 30 * time.Second,
	}
}

// Server is the HTTP front of the runtime.
type Server struct {
	config    *Config
	router    *chi.Mux
	httpSrv   *http.Server
	appConfig *types.Config
	storage   *storage.Storage
	sessions  *session.Service
	providers *provider.Registry
	checker   *permission.Checker
	mcp       *mcp.Client
	log       zerolog.Logger
}

// New wires a server around an existing session service and its
// collaborators. The MCP client may be nil when no servers are
// configured.
func New(cfg *Config, appConfig *types.Config, store *storage.Storage, sessions *session.Service, providers *provider.Registry, checker *permission.Checker, mcpClient *mcp.Client) *Server {
	s := &Server{
		config:    cfg,
		router:    chi.NewRouter(),
		appConfig: appConfig,
		storage:   store,
		sessions:  sessions,
		providers: providers,
		checker:   checker,
		mcp:       mcpClient,
		log:       logging.Logger.With().Str("component", "server").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Hostname, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the chi router, used by tests to serve without a
// listener.
func (s *Server) Router() *chi.Mux {
	return s.router
}
