// Package server exposes the orchestrator over JSON HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alcove-sh/alcove/internal/auth"
	"github.com/alcove-sh/alcove/internal/ingest"
	"github.com/alcove-sh/alcove/internal/llm"
	"github.com/alcove-sh/alcove/internal/orchestrator"
	"github.com/alcove-sh/alcove/internal/repository"
)

// Config holds configuration for the HTTP server.
type Config struct {
	Port           int
	AllowedOrigins []string
	UploadDir      string
	UploadMaxBytes int64
	Logger         *slog.Logger
}

// Readiness is the set of probes the readiness endpoint checks.
type Readiness struct {
	Generator func(ctx context.Context) error
	Reranker  func(ctx context.Context) error
	Store     func(ctx context.Context) error
}

// Server wires the router, middleware, and handlers.
type Server struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger

	orch      *orchestrator.Orchestrator
	ingestor  *ingest.Coordinator
	documents repository.DocumentRepository
	models    llm.Client
	readiness Readiness

	uploadDir      string
	uploadMaxBytes int64
}

// New builds the server. documents may be nil when no registry is
// configured; the document endpoints then answer 503.
func New(cfg Config, orch *orchestrator.Orchestrator, ingestor *ingest.Coordinator, documents repository.DocumentRepository, models llm.Client, authMgr *auth.Manager, readiness Readiness) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:         logger,
		orch:           orch,
		ingestor:       ingestor,
		documents:      documents,
		models:         models,
		readiness:      readiness,
		uploadDir:      cfg.UploadDir,
		uploadMaxBytes: cfg.UploadMaxBytes,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.Get("/healthz", s.handleHealth)
	router.Get("/readyz", s.handleReady)
	router.Handle("/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(authMgr.Middleware(func(w http.ResponseWriter, req *http.Request, err error) {
			s.writeError(w, req, err)
		}))

		r.Post("/ask", s.handleAsk(modeDefaultCorpus))
		r.Post("/ask-enhanced", s.handleAsk(modeDefaultWeb))
		r.Post("/ask-research", s.handleAsk(modeDefaultCombined))
		r.Post("/ask-notes", s.handleAsk(modeDefaultNotes))
		r.Post("/plan-queries", s.handlePlanQueries)

		r.Post("/ingest", s.handleIngest)
		r.Get("/documents", s.handleListDocuments)
		r.Delete("/documents/{id}", s.handleDeleteDocument)
		r.Post("/upload", s.handleUpload)
		r.Get("/models", s.handleListModels)
	})

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // generations can run long
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}

// Router exposes the router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
