// Package server provides the HTTP surface of the haven cache.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/havenlabs/haven-cache/backend"
	"github.com/havenlabs/haven-cache/decrypt"
	"github.com/havenlabs/haven-cache/ledger"
	"github.com/havenlabs/haven-cache/lifecycle"
	"github.com/havenlabs/haven-cache/metastore"
	"github.com/havenlabs/haven-cache/reconcile"
	"github.com/havenlabs/haven-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the root path for per-identity stores and cached bytes
	StoragePath string

	// SyncInterval is how often background reconciliation runs.
	// Zero disables the background loop.
	SyncInterval time.Duration

	// StaleAfter is the staleness threshold for visibility-triggered
	// refresh. Default: 5 minutes
	StaleAfter time.Duration

	// ContentMaxBytes caps the per-identity content cache.
	// Zero disables size-based eviction.
	ContentMaxBytes int64

	// DecryptTimeout bounds a single decrypt-and-fill operation.
	// Default: 2 minutes
	DecryptTimeout time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the haven cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	backend     backend.Backend
	registry    *metastore.Registry
	engine      *reconcile.Engine
	fetcher     *decrypt.Fetcher
	coordinator *lifecycle.Coordinator
}

// New creates a new server wired to the given ledger and decryption
// collaborators.
func New(cfg Config, lc ledger.Client, dec decrypt.Decryptor, opts ...lifecycle.Option) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./haven-cache"
	}
	if cfg.DecryptTimeout == 0 {
		cfg.DecryptTimeout = 2 * time.Minute
	}

	fsBackend, err := backend.NewFilesystem(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	instrumented := backend.NewInstrumented(fsBackend, "filesystem")

	registry, err := metastore.NewRegistry(cfg.StoragePath,
		metastore.WithRegistryLogger(cfg.Logger.With("component", "metastore")),
	)
	if err != nil {
		return nil, fmt.Errorf("creating store registry: %w", err)
	}

	engine := reconcile.New(registry,
		reconcile.WithLogger(cfg.Logger.With("component", "reconcile")),
	)

	fetcher := decrypt.NewFetcher(dec,
		decrypt.WithLogger(cfg.Logger.With("component", "decrypt")),
		decrypt.WithTimeout(cfg.DecryptTimeout),
	)

	coordinator := lifecycle.New(registry, engine, lc, instrumented, lifecycle.Config{
		SyncInterval:    cfg.SyncInterval,
		StaleAfter:      cfg.StaleAfter,
		ContentMaxBytes: cfg.ContentMaxBytes,
		Logger:          cfg.Logger.With("component", "lifecycle"),
	}, opts...)

	s := &Server{
		config:      cfg,
		logger:      cfg.Logger,
		backend:     instrumented,
		registry:    registry,
		engine:      engine,
		fetcher:     fetcher,
		coordinator: coordinator,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long timeout for large video streams
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats and sync status
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /sync/status", s.handleSyncStatus)

	// Manual sync trigger; a pass already in flight returns 409
	mux.HandleFunc("POST /sync", s.handleSync)

	// Visibility-driven refresh (only syncs when stale)
	mux.HandleFunc("POST /visible", s.handleVisible)

	// Identity attach/detach
	mux.HandleFunc("POST /identity/{identity}", s.handleAttach)
	mux.HandleFunc("DELETE /identity", s.handleDetach)

	// Video records and cached bytes
	mux.HandleFunc("GET /videos", s.handleListVideos)
	mux.HandleFunc("POST /videos", s.handleInsertVideo)
	mux.HandleFunc("GET /videos/{id}", s.handleGetVideo)
	mux.HandleFunc("DELETE /videos/{id}", s.handleRemoveVideo)
	mux.HandleFunc("GET /videos/{id}/content", s.handleContent)
	mux.HandleFunc("HEAD /videos/{id}/content", s.handleContent)
	mux.HandleFunc("DELETE /videos/{id}/content", s.handleEvictContent)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
}

// Coordinator returns the lifecycle coordinator, for event-driven wiring.
func (s *Server) Coordinator() *lifecycle.Coordinator {
	return s.coordinator
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		endpoint := deriveEndpoint(r.URL.Path)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"endpoint", endpoint,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.Identity != "" {
			attrs = append(attrs, "identity", tags.Identity)
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, endpoint, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and detaches any active
// identity without purging.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if err := s.coordinator.Detach(ctx, lifecycle.ReasonNavigation); err != nil {
		s.logger.Error("detaching on shutdown", "error", err)
	}
	if err := s.registry.CloseAll(); err != nil {
		s.logger.Error("closing metadata stores on shutdown", "error", err)
	}

	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveEndpoint classifies the request path for metrics and logs.
func deriveEndpoint(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case path == "/sync" || path == "/sync/status" || path == "/visible":
		return "sync"
	case len(path) >= 10 && path[:10] == "/identity/":
		return "identity"
	case path == "/identity":
		return "identity"
	case len(path) >= 7 && path[:7] == "/videos":
		return "videos"
	default:
		return "unknown"
	}
}
