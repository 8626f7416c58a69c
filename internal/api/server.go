package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-pipeline/internal/config"
	"github.com/JakeFAU/archive-pipeline/internal/metrics"
	"github.com/JakeFAU/archive-pipeline/internal/pipeline"
	"github.com/JakeFAU/archive-pipeline/internal/upload"
)

// BatchLister reports batches currently in the pipeline.
type BatchLister interface {
	Active() []pipeline.Status
}

// ReadinessFunc returns an error while the process should not receive traffic.
type ReadinessFunc func(ctx context.Context) error

// Server wires HTTP handlers to the runner and the upload gate.
type Server struct {
	router  chi.Router
	batches BatchLister
	gate    *upload.Gate
	ready   ReadinessFunc
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(
	batches BatchLister,
	gate *upload.Gate,
	auth config.AuthConfig,
	ready ReadinessFunc,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		batches: batches,
		gate:    gate,
		ready:   ready,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Group(func(r chi.Router) {
			if auth.Enabled {
				r.Use(apiKeyMiddleware(auth.APIKey))
			}
			r.Put("/upload-ceiling", s.setUploadCeiling)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type uploadStatus struct {
	Ceiling  int `json:"ceiling"`
	InFlight int `json:"in_flight"`
}

type statusResponse struct {
	Batches []pipeline.Status `json:"batches"`
	Upload  uploadStatus      `json:"upload"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		Batches: s.batches.Active(),
		Upload:  uploadStatus{Ceiling: s.gate.Ceiling(), InFlight: s.gate.InFlight()},
	})
}

type ceilingRequest struct {
	Ceiling *int `json:"ceiling"`
}

// setUploadCeiling blocks while a lowered ceiling waits for running uploads
// to drain, bounded by the request context.
func (s *Server) setUploadCeiling(w http.ResponseWriter, r *http.Request) {
	var req ceilingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Ceiling == nil {
		s.writeError(w, http.StatusBadRequest, "body must be {\"ceiling\": n}")
		return
	}
	if err := upload.ValidateCeiling(*req.Ceiling); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.gate.SetCeiling(r.Context(), *req.Ceiling); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, status, err.Error())
		return
	}
	metrics.SetUploadGate(s.gate.Ceiling(), s.gate.InFlight())
	s.logger.Info("upload ceiling changed", zap.Int("ceiling", *req.Ceiling))
	s.writeJSON(w, http.StatusOK, uploadStatus{Ceiling: s.gate.Ceiling(), InFlight: s.gate.InFlight()})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				_ = writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := writeJSON(w, status, payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
