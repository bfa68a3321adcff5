// Package mockapi serves a small JSON API with expiring bearer tokens and
// deliberately unreliable endpoints, for exercising a usekit client by hand.
package mockapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tankan/usekit"
)

const (
	defaultTokenTTL     = time.Minute
	defaultSucceedEvery = 3
	defaultBrotliLevel  = brotli.DefaultCompression
	maxSlowDelay        = 30 * time.Second
)

// Config configures the mock API.
type Config struct {
	// Secret signs issued tokens. Required.
	Secret []byte
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration
	// SucceedEvery lets every n-th call to /flaky succeed. Others answer 503.
	SucceedEvery int
	// Logger receives one line per request. Nil discards.
	Logger *slog.Logger
}

// Server is the mock API handler.
type Server struct {
	cfg     Config
	router  *chi.Mux
	metrics *metrics
	flaky   atomic.Int64
	issued  atomic.Int64
}

type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	status   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	tokens   prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "usekit_mock",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"path"},
		),
		status: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "usekit_mock",
				Name:      "http_response_status",
				Help:      "HTTP response status codes",
			},
			[]string{"status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "usekit_mock",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
			},
			[]string{"path"},
		),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usekit_mock",
			Name:      "tokens_issued_total",
			Help:      "Total number of access tokens issued",
		}),
	}
	m.registry.MustRegister(m.requests, m.status, m.duration, m.tokens)
	return m
}

// New builds the mock API.
func New(cfg Config) (*Server, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("mockapi: secret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.SucceedEvery <= 0 {
		cfg.SucceedEvery = defaultSucceedEvery
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{cfg: cfg, router: chi.NewRouter(), metrics: newMetrics()}
	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// TokensIssued reports how many tokens /auth/token has handed out.
func (s *Server) TokensIssued() int64 {
	return s.issued.Load()
}

func (s *Server) routes() {
	s.router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		s.logRequests,
		s.prometheusMiddleware,
		brotliMiddleware,
		cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}),
	)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{DisableCompression: true}))
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "OK", "timestamp": time.Now().UTC()})
	})
	s.router.Post("/auth/token", s.issueToken)
	s.router.Get("/flaky", s.flakyHandler)
	s.router.Get("/slow", slowHandler)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/items", listItems)
		r.Post("/items", echoItem)
	})
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
		IssuedAt:  now.Unix(),
		NotBefore: now.Unix(),
		ExpiresAt: now.Add(s.cfg.TokenTTL).Unix(),
		Subject:   "usekit",
	}).SignedString(s.cfg.Secret)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.issued.Add(1)
	s.metrics.tokens.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "expiresIn": int(s.cfg.TokenTTL.Seconds())})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.verify(r.Header.Get("Authorization")); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verify(header string) error {
	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || raw == "" {
		return errors.New("missing bearer token")
	}

	var claims jwt.StandardClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.cfg.Secret, nil
	})
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

func (s *Server) flakyHandler(w http.ResponseWriter, r *http.Request) {
	n := s.flaky.Add(1)
	if n%int64(s.cfg.SucceedEvery) != 0 {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "try again", "call": n})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "call": n})
}

func slowHandler(w http.ResponseWriter, r *http.Request) {
	delay, err := time.ParseDuration(r.URL.Query().Get("delay"))
	if err != nil {
		delay = time.Second
	}
	delay = min(delay, maxSlowDelay)

	select {
	case <-time.After(delay):
		writeJSON(w, http.StatusOK, map[string]any{"waited": delay.String()})
	case <-r.Context().Done():
	}
}

type item struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func listItems(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	page = max(page, 1)

	items := make([]item, 0, 5)
	for i := 1; i <= 5; i++ {
		id := (page-1)*5 + i
		items = append(items, item{ID: id, Name: "item-" + strconv.Itoa(id)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": page, "items": items})
}

func echoItem(w http.ResponseWriter, r *http.Request) {
	var in item
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.cfg.Logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) prometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(s.metrics.duration.WithLabelValues(r.URL.Path))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.metrics.status.WithLabelValues(strconv.Itoa(ww.Status())).Inc()
		s.metrics.requests.WithLabelValues(r.URL.Path).Inc()
		timer.ObserveDuration()
	})
}

// brotliMiddleware compresses responses for clients that accept br.
func brotliMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "br") || r.Header.Get("Range") != "" {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "br")
		w.Header().Del("Content-Length")
		w.Header().Add("Vary", "Accept-Encoding")

		bw := &brotliResponseWriter{
			ResponseWriter: w,
			writer:         brotli.NewWriterLevel(w, defaultBrotliLevel),
		}
		defer bw.Close()

		next.ServeHTTP(bw, r)
	})
}

type brotliResponseWriter struct {
	http.ResponseWriter
	writer *brotli.Writer
}

func (w *brotliResponseWriter) Write(p []byte) (int, error) {
	return w.writer.Write(p)
}

func (w *brotliResponseWriter) Close() error {
	return w.writer.Close()
}

func (w *brotliResponseWriter) Flush() {
	w.writer.Flush()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// TokenSource returns a refresh function that fetches a token from the
// /auth/token endpoint of the mock API at baseURL.
func TokenSource(baseURL string) usekit.RefreshFunc {
	auth := usekit.New(usekit.WithBaseURL(baseURL), usekit.WithoutRetry(), usekit.WithoutConcurrencyLimit())
	return func(ctx context.Context) (string, error) {
		var out struct {
			Token string `json:"token"`
		}
		if err := auth.PostJSON(ctx, "/auth/token", nil, &out); err != nil {
			return "", err
		}
		if out.Token == "" {
			return "", errors.New("mockapi: empty token in response")
		}
		return out.Token, nil
	}
}
