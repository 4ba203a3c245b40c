// Package server exposes payd's administrative HTTP surface: health,
// status, manual triggers, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paycore/balance"
	"paycore/payment"
	"paycore/processor"
	"paycore/recon"
	"paycore/store"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Store     *store.Store
	Scheduler *processor.Scheduler
	Recon     *recon.Scheduler
	Balance   *balance.Tracker
	Logger    *slog.Logger

	// BearerToken protects every endpoint except the health probe when
	// set. Empty leaves the surface open.
	BearerToken string
}

// Server encapsulates dependencies for the admin HTTP API.
type Server struct {
	store     *store.Store
	scheduler *processor.Scheduler
	recon     *recon.Scheduler
	balance   *balance.Tracker
	log       *slog.Logger
	auth      *Authenticator

	router http.Handler
}

// New constructs a configured admin router.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default().With("component", "server")
	}
	srv := &Server{
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		recon:     cfg.Recon,
		balance:   cfg.Balance,
		log:       log,
		auth:      NewAuthenticator(cfg.BearerToken),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Health)
	r.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}
		r.Get("/status", s.Status)
		r.Post("/process", s.TriggerProcessing)
		r.Post("/reconcile", s.TriggerReconciliation)
		r.Post("/balance/refresh", s.RefreshBalance)
		r.Post("/enable", s.Enable)
		r.Post("/disable", s.Disable)
		r.Get("/payments/{id}", s.GetPayment)
		r.Handle("/metrics", promhttp.Handler())
	})

	return r
}

// Health reports process liveness.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Enabled          bool             `json:"enabled"`
	Scheduler        processor.Status `json:"scheduler"`
	BalancePicounits uint64           `json:"balance_picounits"`
	BalanceKnown     bool             `json:"balance_known"`
	BalanceFetchedAt time.Time        `json:"balance_fetched_at,omitempty"`
	PendingRecords   int              `json:"pending_records"`
}

// Status summarises the processing pipeline for operators.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	enabled, err := s.store.Enabled(ctx)
	if err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	pending, err := s.store.InStates(ctx, payment.StatesToProcess())
	if err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	resp := statusResponse{
		Enabled:        enabled,
		Scheduler:      s.scheduler.Status(),
		PendingRecords: len(pending),
	}
	if amount, fetchedAt, known := s.balance.Current(); known {
		resp.BalancePicounits = amount.Picounits
		resp.BalanceKnown = true
		resp.BalanceFetchedAt = fetchedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// TriggerProcessing requests an immediate processing pass.
func (s *Server) TriggerProcessing(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// TriggerReconciliation forces a full reconciliation pass, bypassing
// the change-detection cursor.
func (s *Server) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	if err := s.recon.Force(r.Context()); err != nil {
		s.log.Error("force reconciliation", "error", err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

// RefreshBalance fetches the ledger balance now, bypassing the cache,
// and returns the fresh value.
func (s *Server) RefreshBalance(w http.ResponseWriter, r *http.Request) {
	if err := s.balance.Refresh(r.Context()); err != nil {
		s.log.Error("refresh balance", "error", err)
		http.Error(w, "ledger unavailable", http.StatusBadGateway)
		return
	}
	amount, fetchedAt, _ := s.balance.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"balance_picounits": amount.Picounits,
		"fetched_at":        fetchedAt,
	})
}

// Enable switches payments on for this account.
func (s *Server) Enable(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r.Context(), true)
}

// Disable switches payments off; processing passes become no-ops.
func (s *Server) Disable(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r.Context(), false)
}

func (s *Server) setEnabled(w http.ResponseWriter, ctx context.Context, enabled bool) {
	if err := s.store.SetEnabled(ctx, enabled); err != nil {
		s.log.Error("flip payments switch", "error", err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	if enabled {
		s.scheduler.Trigger()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

// GetPayment returns a single payment record.
func (s *Server) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "payment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
