// Package server is the thin HTTP mapping layer over the data service.
// It only translates requests and responses; routing decisions, caching
// and persistence all live in the core packages.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowmetrics/pulse/pkg/data"
	"github.com/flowmetrics/pulse/pkg/errs"
	"github.com/flowmetrics/pulse/pkg/httpx"
	"github.com/flowmetrics/pulse/pkg/measurement"
	"github.com/flowmetrics/pulse/pkg/realtime"
	"github.com/flowmetrics/pulse/pkg/stats"
)

var startTime = time.Now()

// Handlers bundles the HTTP endpoints over the data service.
type Handlers struct {
	svc *data.Service
	hub *realtime.Hub
}

// NewHandlers creates the endpoint set.
func NewHandlers(svc *data.Service, hub *realtime.Hub) *Handlers {
	return &Handlers{svc: svc, hub: hub}
}

// IngestRequest is the ingestion payload.
type IngestRequest struct {
	Data []measurement.Measurement `json:"data"`
}

// HandleIngest handles POST /v1/data/ingest.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	points, ok := decodeIngest(w, r)
	if !ok {
		return
	}
	result, err := h.svc.IngestData(r.Context(), points)
	if err != nil {
		httpx.RespondError(w, statusFor(err), err)
		return
	}
	status := http.StatusCreated
	if result.Queued {
		status = http.StatusAccepted
	}
	httpx.RespondJSON(w, status, result)
}

// HandleIngestBulk handles POST /v1/data/ingest/bulk, the high-throughput
// entry point with head-of-burst priority.
func (h *Handlers) HandleIngestBulk(w http.ResponseWriter, r *http.Request) {
	points, ok := decodeIngest(w, r)
	if !ok {
		return
	}
	result, err := h.svc.IngestHighThroughput(r.Context(), points)
	if err != nil {
		httpx.RespondError(w, statusFor(err), err)
		return
	}
	httpx.RespondJSON(w, http.StatusAccepted, result)
}

// decodeIngest parses the request body. A malformed element (e.g. a
// string value) rejects the whole batch before anything is written.
func decodeIngest(w http.ResponseWriter, r *http.Request) ([]measurement.Measurement, bool) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, errs.Validation("invalid ingest payload: %v", err))
		return nil, false
	}
	return req.Data, true
}

// HandleHistory handles GET /v1/data/history.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	q := measurement.HistoryQuery{Type: r.URL.Query().Get("type")}
	q.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	q.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))

	var ok bool
	if q.Start, ok = parseTimeParam(w, r, "start"); !ok {
		return
	}
	if q.End, ok = parseTimeParam(w, r, "end"); !ok {
		return
	}

	page, err := h.svc.GetDataHistory(r.Context(), q)
	if err != nil {
		httpx.RespondError(w, statusFor(err), err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, page)
}

// HandleStats handles GET /v1/data/stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetDataStats(r.Context())
	if err != nil {
		httpx.RespondError(w, statusFor(err), err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, snap)
}

// HandleRealtimeStats handles GET /v1/data/stats/realtime.
func (h *Handlers) HandleRealtimeStats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetRealtimeStats(r.Context())
	if err != nil {
		httpx.RespondError(w, statusFor(err), err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, snap)
}

// HandleAggregate handles GET /v1/data/aggregate.
func (h *Handlers) HandleAggregate(w http.ResponseWriter, r *http.Request) {
	start, ok := parseTimeParam(w, r, "start")
	if !ok {
		return
	}
	end, ok := parseTimeParam(w, r, "end")
	if !ok {
		return
	}

	buckets, err := h.svc.AggregateData(r.Context(),
		r.URL.Query().Get("type"), start, end,
		stats.Interval(r.URL.Query().Get("interval")))
	if err != nil {
		httpx.RespondError(w, statusFor(err), err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, buckets)
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: "1.0.0",
		Uptime:  time.Since(startTime).String(),
	})
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, h *Handlers) {
	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/data/ingest", h.HandleIngest).Methods("POST")
	api.HandleFunc("/data/ingest/bulk", h.HandleIngestBulk).Methods("POST")
	api.HandleFunc("/data/history", h.HandleHistory).Methods("GET")
	api.HandleFunc("/data/stats", h.HandleStats).Methods("GET")
	api.HandleFunc("/data/stats/realtime", h.HandleRealtimeStats).Methods("GET")
	api.HandleFunc("/data/aggregate", h.HandleAggregate).Methods("GET")
	api.HandleFunc("/health", handleHealth).Methods("GET")
	api.HandleFunc("/ws", h.hub.ServeWS).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func parseTimeParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, errs.Validation("%s must be RFC3339: %v", name, err))
		return time.Time{}, false
	}
	return t, true
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errs.IsValidation(err):
		return http.StatusBadRequest
	case errs.IsNotFound(err):
		return http.StatusNotFound
	case errs.IsTransient(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
