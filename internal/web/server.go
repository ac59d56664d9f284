// Package web exposes the controller over HTTP: health, Prometheus
// metrics, the last cycle snapshot and the observation history.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/rueda1208/hems-controller/internal/controller"
	"github.com/rueda1208/hems-controller/internal/history"
)

const defaultHistoryRange = 24 * time.Hour

// StatusSource provides the last cycle snapshot. Satisfied by the
// controller.
type StatusSource interface {
	Status() *controller.Status
}

// Server wires the HTTP routes for the controller surface.
type Server struct {
	controller StatusSource
	repo       history.ObservationRepository
	logger     *logrus.Logger
	httpServer *http.Server
}

func NewServer(
	listenAddr string,
	c StatusSource,
	repo history.ObservationRepository,
	registry *prometheus.Registry,
	logger *logrus.Logger,
) *Server {
	s := &Server{
		controller: c,
		repo:       repo,
		logger:     logger,
	}

	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.GET("/healthz", s.health)
	router.GET("/v1/status", s.status)
	router.GET("/v1/history", s.history)
	routes := []string{"/metrics", "/healthz", "/v1/status", "/v1/history"}

	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      instrument(router, routes, newRequestMetrics(registry), logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.WithFields(logrus.Fields{
		"addr": s.httpServer.Addr,
	}).Info("Starting web server")

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// status serves the snapshot of the last completed control cycle. Before
// the first cycle there is nothing to report yet.
func (s *Server) status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snapshot := s.controller.Status()
	if snapshot == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no control cycle completed yet")
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

// history serves bucketed observations. Query parameters:
//
//	metric      required, e.g. "setpoint" or "outdoor_temperature"
//	window      one of 1m, 5m, 1h, 1d (default 1h)
//	aggregation one of MIN, MAX, AVG, SUM (default AVG)
//	start, end  RFC 3339 timestamps (default: the last 24 hours)
func (s *Server) history(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.repo == nil {
		s.writeError(w, http.StatusNotImplemented, "history storage is not configured")
		return
	}

	q := r.URL.Query()

	metric := q.Get("metric")
	if metric == "" {
		s.writeError(w, http.StatusBadRequest, "missing required parameter: metric")
		return
	}

	window := q.Get("window")
	if window == "" {
		window = "1h"
	}
	if !history.ValidWindows[window] {
		s.writeError(w, http.StatusBadRequest, "invalid window: must be one of 1m, 5m, 1h, 1d")
		return
	}

	aggregation := q.Get("aggregation")
	if aggregation == "" {
		aggregation = "AVG"
	}
	if !history.ValidAggregations[aggregation] {
		s.writeError(w, http.StatusBadRequest, "invalid aggregation: must be one of MIN, MAX, AVG, SUM")
		return
	}

	end := time.Now()
	start := end.Add(-defaultHistoryRange)
	var err error
	if v := q.Get("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid start: expected RFC 3339 timestamp")
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid end: expected RFC 3339 timestamp")
			return
		}
	}
	if !start.Before(end) {
		s.writeError(w, http.StatusBadRequest, "start must be before end")
		return
	}

	points, err := s.repo.Aggregate(r.Context(), start, end, window, aggregation, metric)
	if err != nil {
		s.logger.WithError(err).Error("History query failed")
		s.writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"metric":      metric,
		"window":      window,
		"aggregation": aggregation,
		"points":      points,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]string{"error": message})
}
