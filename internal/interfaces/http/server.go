package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/stratlab/internal/application"
	"github.com/sawpanic/stratlab/internal/config"
	"github.com/sawpanic/stratlab/internal/infrastructure/breaker"
	"github.com/sawpanic/stratlab/internal/jobs"
	"github.com/sawpanic/stratlab/internal/metrics"
	"github.com/sawpanic/stratlab/internal/net/ratelimit"
	"github.com/sawpanic/stratlab/internal/persistence"
)

// MaxBodyBytes bounds request bodies; candle series travel inline
const MaxBodyBytes = 64 << 20

const cleanupInterval = 10 * time.Minute

type ctxKey int

const requestIDKey ctxKey = iota

// Deps are the collaborators the API serves. Lab and Jobs are required.
type Deps struct {
	Lab      *application.Lab
	Jobs     *jobs.Manager
	Metrics  *metrics.Registry
	Store    persistence.RepositoryHealth
	Breakers *breaker.Manager
	Version  string
}

// Server is the JSON API over the lab
type Server struct {
	router   *mux.Router
	handler  http.Handler
	server   *http.Server
	deps     Deps
	config   config.ServerConfig
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader
	started  time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewServer creates a new HTTP server instance
func NewServer(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Lab == nil || deps.Jobs == nil {
		return nil, errors.New("http server needs a lab and a job manager")
	}
	s := &Server{
		router:  mux.NewRouter(),
		deps:    deps,
		config:  cfg,
		limiter: ratelimit.NewLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		started: time.Now(),
		stop:    make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRoutes()

	s.handler = cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Location"},
	}).Handler(s.router)

	s.server = &http.Server{
		Addr:         s.Address(),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{id}/stream", s.streamJob).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.health).Methods(http.MethodGet)
	api.HandleFunc("/strategies", s.strategies).Methods(http.MethodGet)
	api.HandleFunc("/backtest", s.backtest).Methods(http.MethodPost)
	api.HandleFunc("/compare", s.compare).Methods(http.MethodPost)
	api.HandleFunc("/montecarlo", s.monteCarlo).Methods(http.MethodPost)
	api.HandleFunc("/regime", s.regime).Methods(http.MethodPost)

	submit := api.PathPrefix("/jobs").Subrouter()
	submit.Use(s.submitRateMiddleware)
	submit.HandleFunc("/optimize", s.submitOptimize).Methods(http.MethodPost)
	submit.HandleFunc("/walkforward", s.submitWalkForward).Methods(http.MethodPost)
	submit.HandleFunc("/kfold", s.submitKFold).Methods(http.MethodPost)

	api.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.cancelJob).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(s.notFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowed)
}

// Handler returns the fully wrapped handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// requestIDMiddleware adds a request id to each request, keeping one the
// client supplied
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()[:8]
		}
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// requestLoggingMiddleware logs all requests with structured format
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		ev := log.Debug()
		if wrapper.statusCode >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("request_id", requestID(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("REQ")
	})
}

// jsonContentTypeMiddleware sets JSON content type for API responses
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// submitRateMiddleware throttles job submissions per client address
func (s *Server) submitRateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)
		if !s.limiter.Allow(client) {
			wait := s.limiter.RetryAfter(client)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(wait.Seconds())+1))
			s.writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many job submissions, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// checkOrigin admits same-host clients and the configured origins
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) metricsHandler() http.Handler {
	if s.deps.Metrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics disabled", http.StatusNotFound)
		})
	}
	return s.deps.Metrics.Handler()
}

// Start listens on the configured address and serves until Shutdown
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.Address())
	if err != nil {
		return fmt.Errorf("port %d is busy or unavailable: %w", s.config.Port, err)
	}
	go s.cleanupLoop()

	log.Info().Str("addr", s.Address()).Msg("Starting HTTP server")
	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// cleanupLoop drops expired jobs and idle rate-limit buckets
func (s *Server) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.deps.Jobs.Cleanup(s.config.JobRetention)
			s.limiter.Prune(cleanupInterval)
		case <-s.stop:
			return
		}
	}
}

// Shutdown stops accepting requests, then cancels running jobs
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	s.stopOnce.Do(func() { close(s.stop) })
	err := s.server.Shutdown(ctx)
	if jobErr := s.deps.Jobs.Shutdown(ctx); err == nil {
		err = jobErr
	}
	return err
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
