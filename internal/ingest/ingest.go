// Package ingest is the external, out-of-scope HTTP ingestion front end
// spec.md §1/§6 mentions crossing the core boundary at produce(key,
// payload). It carries none of the core's invariants; it exists only so
// cmd/broker has a concrete front door, mirroring the teacher project's
// handlePublishEvent.
package ingest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eferro/brokerd/internal/metrics"
	"github.com/eferro/brokerd/internal/plog"
)

// Server wraps a PartitionedLog with an HTTP front end.
type Server struct {
	log     *plog.Log
	metrics *metrics.Metrics
	router  *mux.Router
}

// NewServer builds the router: POST /produce publishes a record, GET
// /health reports liveness, GET /metrics exposes Prometheus metrics when m
// is non-nil.
func NewServer(log *plog.Log, m *metrics.Metrics) *Server {
	s := &Server{log: log, metrics: m, router: mux.NewRouter()}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/produce", s.handleProduce).Methods(http.MethodPost)
	if m != nil {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

type produceRequest struct {
	Key     string `json:"key"`
	Payload string `json:"payload"`
}

type produceResponse struct {
	Partition uint32 `json:"partition"`
	Offset    uint64 `json:"offset"`
}

// handleProduce decodes {key, payload} and calls
// PartitionedLog.Produce(key, payload), the one point where this external
// layer crosses into the core.
func (s *Server) handleProduce(w http.ResponseWriter, r *http.Request) {
	var req produceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// metrics.RecordsProduced is incremented inside plog.Log.Produce when
	// the log was opened with a non-nil Metrics; this handler doesn't
	// double-count.
	partition, offset, err := s.log.Produce([]byte(req.Key), []byte(req.Payload))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(produceResponse{Partition: partition, Offset: offset})
}
