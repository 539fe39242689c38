// Package api exposes the PB engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/okian/pbengine/internal/adapters/http/swagger"
	"github.com/okian/pbengine/internal/adapters/repository"
	"github.com/okian/pbengine/internal/domain/model"
	"github.com/okian/pbengine/internal/domain/types"
	"github.com/okian/pbengine/pkg/logger"
)

const defaultListLimit = 100

// Dependencies required by HTTP handlers.
type Dependencies interface {
	// Submit queues the PB refresh of an import. Returns types.ErrBackpressure
	// when the queue is full.
	Submit(ctx context.Context, ev model.ImportEvent, scores ...model.RawScore) (types.ImportAck, error)

	GetPB(ctx context.Context, chartID, userID string) (types.PBView, error)
	ListPBs(ctx context.Context, chartID string, limit int) (types.ChartPBs, error)
	GetStats(ctx context.Context) (types.ServiceStats, error)
}

// Option configures a Server.
type Option func(*Server)

// WithDefaultLimit sets the page size used when a request has no limit.
func WithDefaultLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.defaultLimit = n
		}
	}
}

// WithLogger sets the logger used for server-side failures.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server wires HTTP routes for the PB API.
type Server struct {
	deps         Dependencies
	defaultLimit int
	logger       logger.Logger
}

// NewServer creates a new API server.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{
		deps:         deps,
		defaultLimit: defaultListLimit,
		logger:       logger.Get().Named("http"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the router serving every endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Metrics)

	r.Get("/healthz", HandleHealth)
	swagger.Mount(r)
	r.Get("/stats", s.handleStats)
	r.Post("/imports", s.handlePostImport)
	r.Route("/charts/{chartID}/pbs", func(r chi.Router) {
		r.Get("/", s.handleListPBs)
		r.Get("/{userID}", s.handleGetPB)
	})
	return r
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeFailure maps a dependency error onto a status code.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, types.ErrInvalidImport), errors.Is(err, repository.ErrInvalidLimit), errors.Is(err, ErrBadRequest):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, types.ErrBackpressure):
		writeError(w, http.StatusTooManyRequests, "backpressure", err)
	case errors.Is(err, repository.ErrUnavailable), errors.Is(err, types.ErrNotStarted):
		s.logger.Warn(r.Context(), "dependency unavailable", logger.String("op", op), logger.Error(err))
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
	default:
		s.logger.Error(r.Context(), "request failed", logger.String("op", op), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}
