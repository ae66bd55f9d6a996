package api

import (
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/metrics"
	"github.com/parlcrawl/crawlkit/internal/orchestrator"
	"github.com/parlcrawl/crawlkit/internal/progress/sinks"
)

// StatusSource reports the current run state.
type StatusSource interface {
	Snapshot() orchestrator.Snapshot
}

// Server wires HTTP handlers to a running orchestrator.
type Server struct {
	router chi.Router
	source StatusSource
	tally  *sinks.Tally
	logger *zap.Logger
}

// PartitionView is a partition snapshot joined with live item counts.
type PartitionView struct {
	orchestrator.PartitionStatus
	Counts *sinks.Counts `json:"counts,omitempty"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	RunID      string             `json:"run_id"`
	Job        string             `json:"job"`
	State      orchestrator.State `json:"state"`
	StartedAt  time.Time          `json:"started_at"`
	Uptime     string             `json:"uptime"`
	Items      int                `json:"items"`
	Skipped    int                `json:"skipped"`
	Partitions []PartitionView    `json:"partitions"`
	Totals     sinks.Counts       `json:"totals"`
}

// NewServer constructs a Server with middleware and routes. Request metrics
// are registered on reg, which /metrics also serves. tally may be nil.
func NewServer(source StatusSource, tally *sinks.Tally, reg *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Server{source: source, tally: tally, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	if httpMetrics, err := metrics.NewHTTP(reg); err != nil {
		logger.Warn("http metrics disabled", zap.Error(err))
	} else {
		r.Use(httpMetrics.Middleware)
	}
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(10 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/partitions/{partition}", s.partition)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once planning has produced partitions.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.Snapshot()
	if snap.State == orchestrator.StatePlanning {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "planning"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": string(snap.State)})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.Snapshot()
	counts := s.counts()
	resp := StatusResponse{
		RunID:      snap.RunID,
		Job:        snap.Job,
		State:      snap.State,
		StartedAt:  snap.StartedAt,
		Items:      snap.Items,
		Skipped:    snap.Skipped,
		Partitions: make([]PartitionView, 0, len(snap.Partitions)),
	}
	if !snap.StartedAt.IsZero() {
		resp.Uptime = time.Since(snap.StartedAt).Truncate(time.Second).String()
	}
	for _, p := range snap.Partitions {
		view := PartitionView{PartitionStatus: p}
		if c, ok := counts[p.Index]; ok {
			view.Counts = &c
			resp.Totals.Attempts += c.Attempts
			resp.Totals.Succeeded += c.Succeeded
			resp.Totals.Failed += c.Failed
		}
		resp.Partitions = append(resp.Partitions, view)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) partition(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "partition"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "partition must be a non-negative integer")
		return
	}
	snap := s.source.Snapshot()
	if index >= len(snap.Partitions) {
		writeError(w, http.StatusNotFound, "partition not found")
		return
	}
	view := PartitionView{PartitionStatus: snap.Partitions[index]}
	if c, ok := s.counts()[index]; ok {
		view.Counts = &c
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) counts() map[int]sinks.Counts {
	if s.tally == nil {
		return nil
	}
	return s.tally.Snapshot()
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
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("request_id", reqID),
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
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
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

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
