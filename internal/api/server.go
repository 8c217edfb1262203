package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/core"
	"github.com/1sec-project/sectriage/internal/pipeline"
)

const (
	maxEventBody = 1 << 20
	maxBatchBody = 16 << 20
	requestRate  = 100
)

// Server is the sectriage REST API server.
type Server struct {
	cfg      *core.Config
	pipeline *pipeline.Pipeline
	server   *http.Server
	limiter  *ipLimiter
	logger   zerolog.Logger
	started  time.Time
}

// NewServer creates a new API server. gatherer backs /metrics and may be nil,
// in which case the endpoint is not registered.
func NewServer(cfg *core.Config, p *pipeline.Pipeline, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		pipeline: p,
		logger:   logger.With().Str("component", "api_server").Logger(),
		started:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/events", s.handleEvent)
	mux.HandleFunc("/api/v1/events/batch", s.handleBatch)
	mux.HandleFunc("/api/v1/false-positives", s.handleFalsePositive)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/matrix", s.handleMatrix)
	mux.HandleFunc("/api/v1/calibration", s.handleCalibration)
	mux.HandleFunc("/api/v1/calibration/samples", s.handleCalibrationSamples)
	mux.HandleFunc("/api/v1/calibration/optimize", s.handleCalibrationOptimize)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.limiter = newIPLimiter(requestRate)

	// CORS -> logging -> rate limit -> auth -> handler
	handler := corsMiddleware(
		loggingMiddleware(
			rateLimitMiddleware(
				authMiddleware(mux, cfg, s.logger),
				s.limiter,
			),
			s.logger,
		),
		cfg.Server.CORSOrigins,
	)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	if s.cfg.AuthEnabled() {
		s.logger.Info().Int("keys", len(s.cfg.Server.APIKeys)).Msg("API authentication enabled")
	} else {
		s.logger.Warn().Msg("API authentication disabled, set server.api_keys or SECTRIAGE_API_KEY")
	}
	s.limiter.startCleanup()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	s.limiter.stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
