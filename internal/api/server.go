// Package api serves segment lookups over HTTP.
//
// Routes:
//   - GET /api/skipSegments/{hashPrefix}?categories=["sponsor"]&service=YouTube
//   - GET /lookup/{hashPrefix} (same handler)
//   - GET /health
//   - GET /ws (ingestion events, when a hub is attached)
//
// Lookups only ever read committed data, so a failed or running sync never
// shows through; the previous commit keeps being served.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sb-mirror/sbmirror/internal/cache"
	"github.com/sb-mirror/sbmirror/internal/store"
)

// Lookuper answers hash prefix queries.
type Lookuper interface {
	FindByHashPrefix(ctx context.Context, prefix string, filter store.LookupFilter) ([]*store.HashGroup, error)
}

// OffsetFunc returns the committed byte offset of the mirror.
type OffsetFunc func() (int64, error)

// Config holds server configuration.
type Config struct {
	// DefaultService is used when a request has no service parameter.
	DefaultService string

	// Offset reports the committed offset for /health and cache keys.
	Offset OffsetFunc

	// Cache, if set, caches encoded lookup responses.
	Cache *cache.Cache

	// Events, if set, is mounted at /ws.
	Events http.Handler

	// AccessLog, if set, receives Apache combined log lines.
	AccessLog io.Writer

	// Logger for server activity
	Logger *log.Logger

	// DebugLogger receives detail lines; discarded by default.
	DebugLogger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultService: "YouTube",
		Logger:         log.New(os.Stderr, "[api] ", log.LstdFlags),
		DebugLogger:    log.New(io.Discard, "", 0),
	}
}

// Server is the HTTP API.
type Server struct {
	store   Lookuper
	config  *Config
	handler http.Handler
}

// New creates the API server over st.
func New(st Lookuper, config *Config) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.DefaultService == "" {
		config.DefaultService = defaults.DefaultService
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.DebugLogger == nil {
		config.DebugLogger = defaults.DebugLogger
	}

	s := &Server{store: st, config: config}
	s.handler = s.buildHandler()
	return s
}

func (s *Server) buildHandler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/api/skipSegments/{hashPrefix}",
		otelhttp.NewHandler(http.HandlerFunc(s.handleLookup), "GET /api/skipSegments/{hashPrefix}")).Methods(http.MethodGet)
	router.Handle("/lookup/{hashPrefix}",
		otelhttp.NewHandler(http.HandlerFunc(s.handleLookup), "GET /lookup/{hashPrefix}")).Methods(http.MethodGet)
	if s.config.Events != nil {
		router.Handle("/ws", s.config.Events).Methods(http.MethodGet)
	}

	var h http.Handler = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
		handlers.MaxAge(3600),
	)(router)

	if s.config.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(s.config.AccessLog, h)
	}
	return h
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /ws connections are long-lived
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.config.Logger.Printf("Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.config.Logger.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}

	if s.config.Offset != nil {
		offset, err := s.config.Offset()
		if err != nil {
			s.config.Logger.Printf("Failed to read offset: %v", err)
			body["status"] = "degraded"
		} else {
			body["checkpoint"] = offset
		}
	}

	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
