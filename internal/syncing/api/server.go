// Package api exposes sync runs over HTTP: trigger, poll, cancel, history,
// plus /health and /metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/catalogsync/internal/core/domain"
	"github.com/vietddude/catalogsync/internal/infra/storage"
	"github.com/vietddude/catalogsync/internal/syncing/pipeline"
)

// Syncer is the part of the orchestrator the API drives.
type Syncer interface {
	StartSync(ctx context.Context, storeID string, opts pipeline.Options) (string, error)
	GetStatus(ctx context.Context, runID string) (domain.RunStatus, error)
	Cancel(runID string) error
	Runs() []domain.RunStatus
}

// Server provides the HTTP endpoints.
type Server struct {
	syncer  Syncer
	runs    storage.RunStore
	monitor *Monitor
	server  *http.Server
	log     *slog.Logger
}

// NewServer creates a new API server listening on port.
func NewServer(syncer Syncer, runs storage.RunStore, monitor *Monitor, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		syncer:  syncer,
		runs:    runs,
		monitor: monitor,
		log:     slog.Default().With("component", "api"),
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	mux.HandleFunc("POST /v1/stores/{storeID}/syncs", s.handleStartSync)
	mux.HandleFunc("GET /v1/stores/{storeID}/syncs", s.handleListSyncs)
	mux.HandleFunc("GET /v1/syncs", s.handleActiveSyncs)
	mux.HandleFunc("GET /v1/syncs/{runID}", s.handleGetSync)
	mux.HandleFunc("POST /v1/syncs/{runID}/cancel", s.handleCancelSync)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info("API server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// startSyncRequest is the body of POST /v1/stores/{storeID}/syncs.
type startSyncRequest struct {
	GenerateEmbeddings bool   `json:"generateEmbeddings"`
	ClassifyProducts   bool   `json:"classifyProducts"`
	DescribeProducts   bool   `json:"describeProducts"`
	UploadImages       bool   `json:"uploadImages"`
	Concurrency        int    `json:"concurrency"`
	BatchSize          int    `json:"batchSize"`
	Timeout            string `json:"timeout"` // Go duration, e.g. "15m"
}

func (r startSyncRequest) options() (pipeline.Options, error) {
	opts := pipeline.Options{
		GenerateEmbeddings: r.GenerateEmbeddings,
		ClassifyProducts:   r.ClassifyProducts,
		DescribeProducts:   r.DescribeProducts,
		UploadImages:       r.UploadImages,
		Concurrency:        r.Concurrency,
		BatchSize:          r.BatchSize,
	}
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return opts, fmt.Errorf("%w: timeout: %w", domain.ErrInvalidOptions, err)
		}
		opts.Timeout = d
	}
	return opts, nil
}

type startSyncResponse struct {
	RunID string `json:"runId"`
}

type errorResponse struct {
	Error string `json:"error"`
	RunID string `json:"runId,omitempty"`
}

func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	storeID := r.PathValue("storeID")

	var req startSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	opts, err := req.options()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	runID, err := s.syncer.StartSync(r.Context(), storeID, opts)
	if err != nil {
		s.writeError(w, err, runID)
		return
	}
	writeJSON(w, http.StatusAccepted, startSyncResponse{RunID: runID})
}

func (s *Server) handleGetSync(w http.ResponseWriter, r *http.Request) {
	status, err := s.syncer.GetStatus(r.Context(), r.PathValue("runID"))
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancelSync(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	if err := s.syncer.Cancel(runID); err != nil {
		s.writeError(w, err, runID)
		return
	}
	writeJSON(w, http.StatusAccepted, startSyncResponse{RunID: runID})
}

func (s *Server) handleActiveSyncs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.syncer.Runs())
}

func (s *Server) handleListSyncs(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "run history is not configured"})
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	summaries, err := s.runs.ListSummaries(r.Context(), r.PathValue("storeID"), limit)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	if summaries == nil {
		summaries = []domain.RunSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	code := http.StatusOK
	if report.Status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error, runID string) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidOptions):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrStoreUnknown), errors.Is(err, domain.ErrRunNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrRunActive), errors.Is(err, domain.ErrRunTerminal):
		code = http.StatusConflict
	case errors.Is(err, pipeline.ErrShuttingDown):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.Error("Request failed", "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), RunID: runID})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
