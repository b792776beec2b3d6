// Package httpapi serves the read side of the catalogue, the websocket event
// stream, and operational endpoints.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/novelsync/internal/metrics"
	"github.com/agentworkforce/novelsync/internal/storage"
)

// NovelStore is the part of storage the HTTP surface reads from.
type NovelStore interface {
	GetAllNovels() ([]storage.Novel, error)
	GetUserNovels(username string) ([]storage.Novel, error)
	GetNovel(username, title string) (*storage.Novel, error)
	IncrementViewCount(username, title string)
}

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	FullSyncTimeout time.Duration
}

type Server struct {
	store       NovelStore
	events      http.Handler
	fullSync    func(ctx context.Context) error
	cfg         ServerConfig
	logger      logrus.FieldLogger
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	rateLimiter *rateLimiter
}

type Options struct {
	Store NovelStore
	// Events serves GET /v1/events.
	Events http.Handler
	// FullSync pushes the whole catalogue to every viewer.
	FullSync func(ctx context.Context) error
	Config   ServerConfig
	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics
	// Gatherer backs GET /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("http server store is required")
	}
	cfg := opts.Config
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.FullSyncTimeout <= 0 {
		cfg.FullSyncTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       opts.Store,
		events:      opts.Events,
		fullSync:    opts.FullSync,
		cfg:         cfg,
		logger:      logger.WithField("component", "httpapi"),
		metrics:     m,
		gatherer:    opts.Gatherer,
		rateLimiter: limiter,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	route := s.route(rec, r)
	s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
	s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
}

// route dispatches the request and returns the route name used as a metric
// label.
func (s *Server) route(w http.ResponseWriter, r *http.Request) string {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return "health"
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.gatherer != nil {
		promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return "metrics"
	}

	correlationID := getCorrelationID(r)
	parts := splitPath(r.URL.EscapedPath())
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return "unknown"
	}

	switch {
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		if s.events == nil {
			writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
			return "events"
		}
		if !s.allow(w, r, correlationID) {
			return "events"
		}
		s.events.ServeHTTP(w, r)
		return "events"
	case len(parts) == 2 && parts[1] == "novels" && r.Method == http.MethodGet:
		s.handleAllNovels(w, correlationID)
		return "novels"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "full" && r.Method == http.MethodPost:
		s.handleFullSync(w, r, correlationID)
		return "sync_full"
	case len(parts) == 4 && parts[1] == "users" && parts[3] == "novels" && r.Method == http.MethodGet:
		username, ok := unescape(w, parts[2], correlationID)
		if ok {
			s.handleUserNovels(w, username, correlationID)
		}
		return "user_novels"
	case len(parts) == 5 && parts[1] == "users" && parts[3] == "novels" && r.Method == http.MethodGet:
		username, ok := unescape(w, parts[2], correlationID)
		if !ok {
			return "novel"
		}
		title, ok := unescape(w, parts[4], correlationID)
		if ok {
			s.handleNovel(w, username, title, correlationID)
		}
		return "novel"
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	return "unknown"
}

func (s *Server) handleAllNovels(w http.ResponseWriter, correlationID string) {
	novels, err := s.store.GetAllNovels()
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"novels": novels})
}

func (s *Server) handleUserNovels(w http.ResponseWriter, username, correlationID string) {
	novels, err := s.store.GetUserNovels(username)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"novels": novels})
}

func (s *Server) handleNovel(w http.ResponseWriter, username, title, correlationID string) {
	novel, err := s.store.GetNovel(username, title)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if novel == nil {
		writeError(w, http.StatusNotFound, "not_found", "novel not found", correlationID)
		return
	}
	s.store.IncrementViewCount(username, title)
	writeJSON(w, http.StatusOK, novel)
}

func (s *Server) handleFullSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.fullSync == nil {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.FullSyncTimeout)
	defer cancel()
	if err := s.fullSync(ctx); err != nil {
		s.logger.WithError(err).WithField("correlationId", correlationID).Warn("full sync failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "full sync failed", correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, storage.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, storage.ErrUserNotFound), errors.Is(err, storage.ErrNovelNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	default:
		s.logger.WithError(err).WithField("correlationId", correlationID).Error("storage read failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "storage read failed", correlationID)
	}
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	if s.rateLimiter.allow(remoteHost(r), time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitPath(escaped string) []string {
	trimmed := strings.Trim(escaped, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// unescape decodes one path segment. Titles may contain spaces and other
// escaped characters; storage rejects anything unsafe.
func unescape(w http.ResponseWriter, segment, correlationID string) (string, bool) {
	value, err := url.PathUnescape(segment)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid path segment", correlationID)
		return "", false
	}
	return value, true
}

// getCorrelationID echoes the caller's id or mints one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "req_" + uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

// statusRecorder captures the response status for metrics. It forwards
// Hijack so websocket upgrades still work through it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
