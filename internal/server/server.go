// Package server exposes the governed CRM operations over HTTP: record
// queries and creation routed through the governor, liveness/readiness
// probes, and allowlisted diagnostics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/registrar-tools/crm-governor/internal/apierror"
	"github.com/registrar-tools/crm-governor/internal/breaker"
	"github.com/registrar-tools/crm-governor/internal/governor"
	"github.com/registrar-tools/crm-governor/internal/scheduler"
	"github.com/registrar-tools/crm-governor/internal/upstream"
)

// Dispatch priorities. Interactive lookups jump ahead of background exports;
// FIFO within each band keeps exports from starving.
const (
	PriorityBatch       = 1
	PriorityInteractive = 5
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// Server handles the daemon's HTTP surface.
type Server struct {
	gov    *governor.Governor
	crm    *upstream.Client
	logger *slog.Logger
}

// New creates a Server that routes all upstream work through gov.
func New(gov *governor.Governor, crm *upstream.Client, logger *slog.Logger) *Server {
	return &Server{gov: gov, crm: crm, logger: logger}
}

// RegisterRoutes adds the record and probe routes to the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/records", s.handleRecords)
	mux.HandleFunc("/records/", s.handleRecordByID)
	mux.HandleFunc("/export", s.handleExport)
	mux.HandleFunc("/healthz", s.liveness)
	mux.HandleFunc("/readyz", s.readiness)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.queryRecords(w, r)
	case http.MethodPost:
		s.createRecord(w, r)
	default:
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
	}
}

// queryRecords serves GET /records?q=... — a cached, deduplicated,
// interactive-priority lookup.
func (s *Server) queryRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.BadRequest, "query parameter q is required")
		return
	}

	val, err := s.gov.Run(r.Context(), func(ctx context.Context) (any, error) {
		return s.crm.Query(ctx, q)
	}, "query:"+q, PriorityInteractive)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"records": val})
}

// createRecord serves POST /records — never cached, never deduplicated.
func (s *Server) createRecord(w http.ResponseWriter, r *http.Request) {
	var rec upstream.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.BadRequest, "invalid request body")
		return
	}

	val, err := s.gov.Run(r.Context(), func(ctx context.Context) (any, error) {
		return s.crm.CreateRecord(ctx, rec)
	}, "", PriorityInteractive)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, val)
}

// handleRecordByID serves GET /records/{id}.
func (s *Server) handleRecordByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/records/")
	if id == "" || strings.Contains(id, "/") {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "no such record path")
		return
	}

	val, err := s.gov.Run(r.Context(), func(ctx context.Context) (any, error) {
		return s.crm.GetRecord(ctx, id)
	}, "record:"+id, PriorityInteractive)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, val)
}

// handleExport serves GET /export — a batch-priority full query that yields
// to interactive traffic.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
		return
	}

	val, err := s.gov.Run(r.Context(), func(ctx context.Context) (any, error) {
		return s.crm.Query(ctx, "")
	}, "export", PriorityBatch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"records": val})
}

func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody) //nolint:errcheck
}

// readiness reports degraded (503) while the breaker is open: the process is
// alive but shedding upstream work.
func (s *Server) readiness(w http.ResponseWriter, _ *http.Request) {
	if s.gov.BreakerOpen() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "not ready",
			"breaker": "open",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeError maps governor and upstream failures onto the stable error codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, breaker.ErrOpen):
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen, "upstream circuit breaker open")
	case errors.Is(err, scheduler.ErrSuperseded):
		apierror.WriteJSON(w, r, http.StatusConflict, apierror.RequestSuperseded, "request superseded by a newer one")
	case errors.Is(err, scheduler.ErrStopped):
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.ShuttingDown, "server is shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.RequestCancelled, "request cancelled")
	default:
		var ue *upstream.Error
		if errors.As(err, &ue) && !ue.Transient() {
			// Permanent upstream rejections pass through with their
			// original status.
			apierror.WriteJSON(w, r, ue.StatusCode, apierror.UpstreamRejected, ue.Error())
			return
		}
		s.logger.Warn("upstream call failed", "error", err, "path", r.URL.Path)
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamUnavailable, "upstream unavailable after retries")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
