// Package server exposes the keeper's operational HTTP endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	keeper "github.com/Iwinswap/iwinswap-perpetual-keeper"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Logger defines a standard interface for structured, leveled logging,
// compatible with the standard library's slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Perpetuals is the read side of the keeper served by the status endpoints.
type Perpetuals interface {
	Perpetuals() []keeper.PerpetualView
	Perpetual(id string) (keeper.PerpetualView, error)
}

type Config struct {
	Addr       string
	Perpetuals Perpetuals
	Gatherer   prometheus.Gatherer
	// Health reports whether the keeper is able to work; nil means always healthy.
	Health func() error
	Logger Logger
}

type Server struct {
	http   *http.Server
	logger Logger
}

func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("server: listen address is required")
	}
	if cfg.Perpetuals == nil {
		return nil, errors.New("server: perpetuals source is required")
	}
	if cfg.Gatherer == nil {
		return nil, errors.New("server: prometheus gatherer is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("server: logger is required")
	}
	return &Server{
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(cfg),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: cfg.Logger,
	}, nil
}

// NewRouter registers the operational routes.
//
//	GET /metrics          Prometheus exposition
//	GET /healthz          liveness
//	GET /perpetuals       every tracked perpetual
//	GET /perpetuals/{id}  one perpetual by "pool-index" id
func NewRouter(cfg Config) *mux.Router {
	h := &handlers{perpetuals: cfg.Perpetuals, health: cfg.Health}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	router.HandleFunc("/perpetuals", h.listPerpetuals).Methods(http.MethodGet)
	router.HandleFunc("/perpetuals/{id}", h.getPerpetual).Methods(http.MethodGet)
	return router
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Ops server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Ops server failed", "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type handlers struct {
	perpetuals Perpetuals
	health     func() error
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) listPerpetuals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.perpetuals.Perpetuals())
}

func (h *handlers) getPerpetual(w http.ResponseWriter, r *http.Request) {
	view, err := h.perpetuals.Perpetual(mux.Vars(r)["id"])
	switch {
	case errors.Is(err, keeper.ErrInvalidPerpetualKey):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, keeper.ErrUnknownPerpetual):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, view)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
