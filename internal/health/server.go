package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/recoverd/internal/core/domain"
)

// Server exposes health, batch and metrics endpoints over HTTP.
type Server struct {
	monitor *Monitor
	server  *http.Server
	log     *slog.Logger
}

// batchView is the read-only shape of a batch served on /batches.
type batchView struct {
	ID               string                  `json:"id"`
	Status           domain.RetryBatchStatus `json:"status"`
	Started          time.Time               `json:"started"`
	Context          string                  `json:"context,omitempty"`
	InitialBatchSize int                     `json:"initial_batch_size"`
	Remaining        int                     `json:"remaining"`
}

// NewServer creates a server listening on port. Port 0 picks a free port.
func NewServer(monitor *Monitor, port int) *Server {
	s := &Server{
		monitor: monitor,
		log:     slog.Default().With("component", "health-server"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routes served by the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.HandleFunc("GET /batches", s.handleBatches)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())

	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	all, err := s.monitor.batches.List(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	status := domain.RetryBatchStatus(r.URL.Query().Get("status"))
	views := make([]batchView, 0, len(all))
	for _, b := range all {
		if status != "" && b.Status != status {
			continue
		}
		views = append(views, batchView{
			ID:               b.ID,
			Status:           b.Status,
			Started:          b.Started,
			Context:          b.Context,
			InitialBatchSize: b.InitialBatchSize,
			Remaining:        len(b.FailureRetries),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("Failed to write response", "error", err)
	}
}
