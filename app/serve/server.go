package serve

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/canopy-network/modelserve/pkg/autoscaler"
	"github.com/canopy-network/modelserve/pkg/metrics"
	"github.com/canopy-network/modelserve/pkg/registry"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultEventLimit = 100
	defaultBucket     = 10 * time.Second
	maxTrendBuckets   = 10000
)

// SetupServer builds the HTTP server on Config.Addr.
func (a *App) SetupServer() {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	a.Server = &http.Server{
		Addr:              a.Config.Addr,
		Handler:           a.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewRouter returns the API routes.
func (a *App) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if a.Ready() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(a.Prometheus, promhttp.HandlerOpts{})).Methods("GET")

	r.HandleFunc("/workers", a.HandleWorkers).Methods("GET")
	r.HandleFunc("/workers/{id}/enabled", a.HandleSetEnabled).Methods("PUT")

	r.HandleFunc("/stats", a.HandleStats).Methods("GET")
	r.HandleFunc("/stats/trend", a.HandleTrend).Methods("GET")

	r.HandleFunc("/scaling/events", a.HandleScalingEvents).Methods("GET")
	r.HandleFunc("/scaling/decision", a.HandleDecision).Methods("GET")

	r.HandleFunc("/validate", a.HandleValidate).Methods("POST")

	r.Handle("/ws", a.Hub)

	return r
}

func (a *App) HandleWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Registry.Snapshot())
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// HandleSetEnabled toggles a worker. Enabling also marks it loaded.
func (a *App) HandleSetEnabled(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req setEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
		return
	}

	if *req.Enabled {
		if err := a.Registry.SetLoaded(id, true); err != nil {
			a.writeRegistryError(w, id, err)
			return
		}
	}
	if err := a.Registry.SetEnabled(id, *req.Enabled); err != nil {
		a.writeRegistryError(w, id, err)
		return
	}

	state, err := a.Registry.Get(id)
	if err != nil {
		a.writeRegistryError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *App) writeRegistryError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, registry.ErrWorkerNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	a.Logger.Error("Worker update failed", zap.String("id", id), zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

// HandleStats returns aggregate stats. Query: worker, window (duration,
// default the aggregator window).
func (a *App) HandleStats(w http.ResponseWriter, r *http.Request) {
	window, err := a.parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.Metrics.Stats(window))
}

// HandleTrend returns bucketed stats. Query: worker, window, bucket
// (duration, default 10s). At most maxTrendBuckets buckets are returned.
func (a *App) HandleTrend(w http.ResponseWriter, r *http.Request) {
	window, err := a.parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bucket := defaultBucket
	if v := r.URL.Query().Get("bucket"); v != "" {
		bucket, err = time.ParseDuration(v)
		if err != nil || bucket <= 0 {
			writeError(w, http.StatusBadRequest, "bucket must be a positive duration")
			return
		}
	}
	span := a.Metrics.Window()
	if !window.End.IsZero() {
		span = window.End.Sub(window.Start)
	}
	n := int64(span / bucket)
	if span%bucket != 0 {
		n++
	}
	if n > maxTrendBuckets {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("window/bucket yields %d buckets, limit is %d", n, maxTrendBuckets))
		return
	}

	out := make([]metrics.TrendBucket, 0)
	for b := range a.Metrics.Trend(window, bucket) {
		out = append(out, b)
	}
	writeJSON(w, http.StatusOK, out)
}

// parseWindow reads the worker and window query parameters. Windows longer
// than the aggregator retains are rejected.
func (a *App) parseWindow(r *http.Request) (metrics.Window, error) {
	q := r.URL.Query()
	window := metrics.Window{WorkerID: q.Get("worker")}
	if v := q.Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return window, errors.New("window must be a positive duration")
		}
		if retained := a.Metrics.Window(); d > retained {
			return window, fmt.Errorf("window exceeds retained metrics window of %s", retained)
		}
		window.End = a.clock.Now()
		window.Start = window.End.Add(-d)
	}
	return window, nil
}

// HandleScalingEvents returns the controller's recent events, oldest first.
func (a *App) HandleScalingEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events := a.Controller.Events(limit)
	if events == nil {
		events = []autoscaler.ScalingEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

type decisionResponse struct {
	Resource string              `json:"resource"`
	State    autoscaler.State    `json:"state"`
	Decision autoscaler.Decision `json:"decision"`
}

func (a *App) HandleDecision(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, decisionResponse{
		Resource: a.Controller.ResourceID(),
		State:    a.Controller.State(),
		Decision: a.Controller.LastDecision(),
	})
}

// HandleValidate runs validation now. The optional body overrides
// individual criteria; the window query parameter narrows the samples.
func (a *App) HandleValidate(w http.ResponseWriter, r *http.Request) {
	window, err := a.parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	criteria := a.Config.Criteria
	if err := json.NewDecoder(r.Body).Decode(&criteria); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if err := criteria.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, a.RunValidation(r.Context(), criteria, window))
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
