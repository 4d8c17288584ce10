// Package server exposes the reconciler over HTTP: liveness, Prometheus
// metrics, manual task submission, cached node snapshots and the
// provisioning progress stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nanoncore/nano-reconciler/cache"
	"github.com/nanoncore/nano-reconciler/jobs"
	"github.com/nanoncore/nano-reconciler/queue"
	"github.com/nanoncore/nano-reconciler/telemetry"
)

const maxBody = 64 << 10

// Enqueuer accepts manually submitted tasks
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) (queue.Task, error)
}

type Server struct {
	tasks  Enqueuer
	cache  cache.Cache
	stream http.Handler
	logger zerolog.Logger
}

// New wires the handlers. stream serves /v1/stream and may be nil.
func New(tasks Enqueuer, c cache.Cache, stream http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		tasks:  tasks,
		cache:  c,
		stream: stream,
		logger: logger.With().Str("component", "http").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware("nano-reconciler"))
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/nodes/{id}/snapshot", s.nodeSnapshot)
		if s.stream != nil {
			r.Method(http.MethodGet, "/stream", s.stream)
		}
	})
	return r
}

// HTTPServer returns a server with conservative timeouts. The progress
// stream is long-lived, so there is no write timeout.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

type taskRequest struct {
	Kind       string `json:"kind"`
	NodeID     int64  `json:"node_id"`
	CustomerID int64  `json:"customer_id"`
	RequestID  int64  `json:"request_id"`
}

func (t taskRequest) validate() error {
	if t.Kind == "" {
		return errors.New("kind is required")
	}
	if _, perNode := jobs.NodeKindFor(t.Kind); perNode {
		if t.NodeID <= 0 {
			return fmt.Errorf("%s needs node_id", t.Kind)
		}
		return nil
	}
	switch t.Kind {
	case jobs.KindSuspend, jobs.KindReactivate:
		if t.CustomerID <= 0 {
			return fmt.Errorf("%s needs customer_id", t.Kind)
		}
	case jobs.KindProvision:
		if t.RequestID <= 0 {
			return fmt.Errorf("%s needs request_id", t.Kind)
		}
	}
	return nil
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.tasks.Enqueue(r.Context(), queue.Task{
		Kind:       req.Kind,
		NodeID:     req.NodeID,
		CustomerID: req.CustomerID,
		RequestID:  req.RequestID,
	})
	switch {
	case errors.Is(err, queue.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "queue is shutting down")
		return
	case err != nil:
		s.logger.Error().Err(err).Str("kind", req.Kind).Msg("enqueue failed")
		writeError(w, http.StatusServiceUnavailable, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

type snapshotResponse struct {
	NodeID  int64           `json:"node_id"`
	Health  json.RawMessage `json:"health,omitempty"`
	Traffic json.RawMessage `json:"traffic,omitempty"`
}

// nodeSnapshot serves the dashboard cache. A miss on both keys is a 404;
// the caller falls back to the node's metadata.
func (s *Server) nodeSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	resp := snapshotResponse{NodeID: id}
	for key, dst := range map[string]*json.RawMessage{
		jobs.HealthKey(id):  &resp.Health,
		jobs.TrafficKey(id): &resp.Traffic,
	} {
		raw, err := s.cache.Get(r.Context(), key)
		if errors.Is(err, cache.ErrMiss) {
			continue
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("snapshot read failed")
			writeError(w, http.StatusServiceUnavailable, "cache unavailable")
			return
		}
		*dst = raw
	}
	if resp.Health == nil && resp.Traffic == nil {
		writeError(w, http.StatusNotFound, "no snapshot for node")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
