// Package api provides the HTTP control and streaming surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/classycam/internal/config"
	"github.com/mikeyg42/classycam/internal/framecache"
	"github.com/mikeyg42/classycam/internal/metrics"
	"github.com/mikeyg42/classycam/internal/stream"
	"github.com/mikeyg42/classycam/internal/tracker"
	"github.com/mikeyg42/classycam/internal/zone"
)

// Pipeline is the stream surface the server drives.
type Pipeline interface {
	Start(ctx context.Context, source string) error
	Stop() bool
	IsActive() bool
	Source() string
	Status() stream.Status
	LatestFrame() ([]byte, bool)
	LatestDetections() []tracker.Detection
	TrackedEntities() []tracker.Entity
	PendingEvents(drain bool) []zone.Event
	RecentEvents(n int) []zone.Event
	ClearEvents()
	Frames() *framecache.Cache
}

// Server is an HTTP API server
type Server struct {
	cfg        *config.Config
	pipeline   Pipeline
	hub        *Hub
	metrics    *metrics.Metrics
	limiter    *RateLimiter
	logger     *zap.Logger
	blank      []byte
	handler    http.Handler
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l.Named("api") }
}

// WithMetrics exposes m on /metrics when metrics are enabled.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHub serves websocket clients on /ws/events when enabled.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

type startRequest struct {
	Source  string `json:"source"`
	RTSPURL string `json:"rtsp_url"`
}

type controlResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// NewServer wires routes for pipeline.
func NewServer(cfg *config.Config, pipeline Pipeline, opts ...Option) (*Server, error) {
	blank, err := blankJPEG()
	if err != nil {
		return nil, fmt.Errorf("rendering placeholder frame: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		pipeline: pipeline,
		logger:   zap.L().Named("api"),
		blank:    blank,
	}
	for _, opt := range opts {
		opt(s)
	}

	control := func(h http.HandlerFunc) http.HandlerFunc { return h }
	if cfg.API.RateLimitEnabled {
		s.limiter = NewRateLimiter(cfg.API.RateLimitRequests, cfg.API.RateLimitWindow)
		control = s.limiter.Middleware
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/stream/start", control(s.handleStart))
	mux.HandleFunc("POST /api/stream/stop", control(s.handleStop))
	mux.HandleFunc("GET /api/stream/status", s.handleStatus)
	mux.HandleFunc("GET /api/stream/feed", s.handleFeed)
	mux.HandleFunc("GET /api/stream/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/stream/detections", s.handleDetections)
	mux.HandleFunc("GET /api/stream/tracks", s.handleTracks)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("DELETE /api/events", control(s.handleClearEvents))
	mux.HandleFunc("GET /api/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Legacy routes still used by the web frontend.
	mux.HandleFunc("POST /start_stream", control(s.handleStart))
	mux.HandleFunc("POST /stop_stream", control(s.handleStop))
	mux.HandleFunc("GET /video_feed", s.handleFeed)
	mux.HandleFunc("GET /heartbeat", s.handleHeartbeat)

	if cfg.API.MetricsEnabled && s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if cfg.API.WebSocketEnabled && s.hub != nil {
		mux.HandleFunc("GET /ws/events", s.hub.ServeWS)
	}

	s.handler = corsMiddleware(cfg.API.CORSOrigins, mux)
	s.httpServer = &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.API.ReadTimeout,
		IdleTimeout:       cfg.API.IdleTimeout,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}
	// No WriteTimeout: the MJPEG feed is an unbounded response.
	return s, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// within timeout.
func (s *Server) ListenAndServe(ctx context.Context, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", zap.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		// Feed clients hold their connections open; cut them.
		_ = s.httpServer.Close()
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

// ============================================================================
//  HANDLERS
// ============================================================================

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil {
		err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, controlResponse{Message: "Invalid request body"})
			return
		}
	}

	source := req.Source
	if source == "" {
		source = req.RTSPURL
	}
	if source == "" {
		source = s.cfg.Stream.DefaultSource
	}

	err := s.pipeline.Start(r.Context(), source)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, controlResponse{Success: true, Message: "Stream started"})
	case errors.Is(err, stream.ErrSessionActive):
		writeJSON(w, http.StatusConflict, controlResponse{Message: "Stream already running"})
	default:
		s.logger.Warn("start request failed", zap.String("source", source), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, controlResponse{Message: "Failed to open stream"})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.pipeline.Stop() {
		writeJSON(w, http.StatusOK, controlResponse{Success: true, Message: "Stream stopped"})
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{Message: "No active stream to stop"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Status())
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":        "alive",
		"stream_active": s.pipeline.IsActive(),
	}
	if src := s.pipeline.Source(); src != "" {
		resp["source"] = src
	}
	if s.hub != nil {
		resp["websocket_clients"] = s.hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	frame, ok := s.pipeline.LatestFrame()
	if !ok {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(frame)
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	dets := s.pipeline.LatestDetections()
	if dets == nil {
		dets = []tracker.Detection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"detections": dets})
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	tracks := s.pipeline.TrackedEntities()
	if tracks == nil {
		tracks = []tracker.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(tracks), "tracks": tracks})
}

// handleEvents peeks at buffered events. drain=true empties the buffer;
// limit=n returns only the n newest and never drains.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var evs []zone.Event
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		evs = s.pipeline.RecentEvents(n)
	} else {
		drain, _ := strconv.ParseBool(q.Get("drain"))
		evs = s.pipeline.PendingEvents(drain)
	}
	if evs == nil {
		evs = []zone.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleClearEvents(w http.ResponseWriter, r *http.Request) {
	s.pipeline.ClearEvents()
	writeJSON(w, http.StatusOK, controlResponse{Success: true, Message: "Events cleared"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Named("api").Debug("failed to encode response", zap.Error(err))
	}
}

// corsMiddleware adds CORS headers for whitelisted origins and answers
// preflight requests.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowedOrigins := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowedOrigins[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowedOrigins[origin] || allowedOrigins["*"]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OriginChecker returns a websocket origin check matching the CORS list.
// Requests without an Origin header are allowed.
func OriginChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin] || allowed["*"]
	}
}
