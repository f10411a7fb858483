package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/normanking/cortex-evolution/internal/bus"
	"github.com/normanking/cortex-evolution/internal/engine"
	"github.com/normanking/cortex-evolution/internal/metrics"
	"github.com/normanking/cortex-evolution/internal/telemetry"
)

// Server holds the dependencies of the HTTP API.
type Server struct {
	cfg       Config
	router    *chi.Mux
	engine    *engine.Engine
	collector *metrics.Collector
	stream    *bus.Stream
	limiter   *rate.Limiter
	tracer    trace.TracerProvider
	version   string
	startTime time.Time

	httpServer *http.Server
}

// Option configures the Server.
type Option func(*Server)

// WithCollector exposes the collector's counters at GET /v1/metrics.
func WithCollector(c *metrics.Collector) Option {
	return func(s *Server) { s.collector = c }
}

// WithTracerProvider traces requests with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) { s.tracer = tp }
}

// WithVersion reports version in GET /health.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// NewServer builds a Server for eng.
func NewServer(eng *engine.Engine, cfg Config, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.IngestRate <= 0 {
		cfg.IngestRate = def.IngestRate
	}
	if cfg.IngestBurst <= 0 {
		cfg.IngestBurst = def.IngestBurst
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	s := &Server{
		cfg:       cfg,
		router:    chi.NewRouter(),
		engine:    eng,
		stream:    bus.NewStream(eng.Events(), cfg.StreamReplay),
		limiter:   rate.NewLimiter(rate.Limit(cfg.IngestRate), cfg.IngestBurst),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware(s.tracer))
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Long-lived: no request timeout.
	r.Get("/v1/events/stream", s.stream.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))

		r.With(RateLimitMiddleware(s.limiter)).Post("/v1/ingest", s.handleIngest)

		r.Get("/v1/status", s.handleStatus)
		r.Get("/v1/events", s.handleEvents)
		r.Get("/v1/concepts/{label}", s.handleConcept)
		r.Get("/v1/metrics", s.handleMetrics)

		r.Post("/v1/cascade", s.handleCascade)
		r.Post("/v1/decay", s.handleDecay)
		r.Post("/v1/flush", s.handleFlush)
	})
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	return s.router
}

// Stream returns the websocket event stream.
func (s *Server) Stream() *bus.Stream {
	return s.stream
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("evolution API listening")
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	// Websocket connections are hijacked, so Shutdown does not close them.
	_ = s.stream.Close()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("evolution API stopped")
	return nil
}

// requestLogger logs one line per request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
