// Package httpapi exposes the cache Manager over HTTP: health and readiness
// probes, the metrics scrape endpoint, key CRUD under /v1/cache and a stats
// snapshot under /v1/stats.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agatticelli/labcache/internal/platform/cache"
	"github.com/agatticelli/labcache/internal/platform/observability"
)

// maxBodyBytes bounds a PUT body
const maxBodyBytes = 1 << 20

// Cache is the subset of *cache.Manager the API serves
type Cache interface {
	Get(ctx context.Context, key string) (any, bool)
	Set(ctx context.Context, key string, value any, opts ...cache.SetOption) error
	Remove(ctx context.Context, key string) bool
	Clear(ctx context.Context)
	Stats() cache.Snapshot
}

// ReadyFunc reports whether the backing stores can serve traffic
type ReadyFunc func(ctx context.Context) error

// Config holds server dependencies
type Config struct {
	Cache   Cache
	Logger  *observability.Logger
	Metrics http.Handler // nil = 404 on /metrics
	Ready   ReadyFunc    // nil = always ready
}

// Server routes HTTP requests to the cache
type Server struct {
	cache   Cache
	logger  *observability.Logger
	metrics http.Handler
	ready   ReadyFunc
	mux     *http.ServeMux
}

// NewServer creates a server and registers its routes
func NewServer(cfg Config) (*Server, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = http.NotFoundHandler()
	}

	s := &Server{
		cache:   cfg.Cache,
		logger:  cfg.Logger.Component("httpapi"),
		metrics: cfg.Metrics,
		ready:   cfg.Ready,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.Handle("GET /metrics", s.metrics)

	s.mux.HandleFunc("GET /v1/cache/{key}", s.handleGet)
	s.mux.HandleFunc("PUT /v1/cache/{key}", s.handleSet)
	s.mux.HandleFunc("DELETE /v1/cache/{key}", s.handleRemove)
	s.mux.HandleFunc("POST /v1/cache/clear", s.handleClear)
	s.mux.HandleFunc("GET /v1/stats", s.handleStats)
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.LogInfo(ctx, "HTTP server listening", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.LogWarn(r.Context(), "readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type entryResponse struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	value, ok := s.cache.Get(r.Context(), key)
	if !ok {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, entryResponse{Key: key, Value: value})
}

// handleSet stores the JSON body under key. Query parameters: ttl (Go
// duration) and tier (l1 or l2) to restrict the write.
func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	opts, err := setOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	if err := s.cache.Set(r.Context(), key, value, opts...); err != nil {
		s.logger.LogError(r.Context(), "cache set failed", err, "key", key)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func setOptionsFromQuery(r *http.Request) ([]cache.SetOption, error) {
	var opts []cache.SetOption
	q := r.URL.Query()

	if raw := q.Get("ttl"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid ttl %q", raw)
		}
		opts = append(opts, cache.WithTTL(ttl))
	}

	switch tier := q.Get("tier"); tier {
	case "":
	case string(cache.TierMemory):
		opts = append(opts, cache.L1Only())
	case string(cache.TierStorage):
		opts = append(opts, cache.L2Only())
	default:
		return nil, fmt.Errorf("invalid tier %q", tier)
	}
	return opts, nil
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	removed := s.cache.Remove(r.Context(), r.PathValue("key"))
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.cache.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
