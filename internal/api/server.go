package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/docindex-crawler/internal/config"
	"github.com/JakeFAU/docindex-crawler/internal/crawler"
	"github.com/JakeFAU/docindex-crawler/internal/engine"
	"github.com/JakeFAU/docindex-crawler/internal/metrics"
	"github.com/JakeFAU/docindex-crawler/internal/queue"
)

const (
	requestTimeout   = 30 * time.Second
	maxRequestBytes  = 1 << 20
	defaultRetention = engine.DefaultRetention
)

// Service is the slice of the crawler engine the HTTP surface needs.
type Service interface {
	Submit(ctx context.Context, job crawler.CrawlJob, opts queue.EnqueueOptions) (string, error)
	Status(ctx context.Context, id string) (crawler.JobStatus, error)
	Stats(ctx context.Context) crawler.QueueStats
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
	Ready() bool
}

// Server wires HTTP handlers to the crawler engine.
type Server struct {
	router chi.Router
	svc    Service
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. Probes and
// /metrics stay open when API key auth is enabled.
func NewServer(svc Service, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{svc: svc, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/crawls", s.submitCrawl)
		r.Get("/crawls/{job_id}", s.getCrawl)
		r.Get("/stats", s.stats)
		r.Post("/maintenance/clean", s.clean)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// crawlRequest is a CrawlJob plus scheduling hints.
type crawlRequest struct {
	crawler.CrawlJob
	Priority int   `json:"priority,omitempty"`
	DelayMS  int64 `json:"delayMs,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.svc.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ct, err := crawler.ParseCrawlType(string(req.CrawlType))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DelayMS < 0 {
		writeError(w, http.StatusBadRequest, "delayMs must be >= 0")
		return
	}
	job := req.CrawlJob
	job.CrawlType = ct
	id, err := s.svc.Submit(r.Context(), job, queue.EnqueueOptions{
		Priority: req.Priority,
		Delay:    time.Duration(req.DelayMS) * time.Millisecond,
	})
	if err != nil {
		s.fail(w, "submit crawl", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, "job status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats(r.Context()))
}

func (s *Server) clean(w http.ResponseWriter, r *http.Request) {
	olderThan := defaultRetention
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := parseAge(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		olderThan = d
	}
	removed, err := s.svc.Cleanup(r.Context(), olderThan)
	if err != nil {
		s.fail(w, "clean jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// parseAge accepts a Go duration or a whole number of seconds.
func parseAge(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs < 0 {
			return 0, errors.New("older_than must be >= 0")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid older_than %q", raw)
	}
	if d < 0 {
		return 0, errors.New("older_than must be >= 0")
	}
	return d, nil
}

// fail maps engine errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	var vErr *crawler.ValidationError
	var fErr *crawler.FormatError
	switch {
	case errors.As(err, &vErr), errors.As(err, &fErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrNoProcessor):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, crawler.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "queue not ready")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type requestIDKey struct{}

// RequestID returns the ID assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
