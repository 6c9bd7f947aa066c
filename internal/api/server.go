// Package api is the HTTP and MCP surface of the loam server. One
// process serves both; the HTTP side owns the single background
// ingestion job.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loamlab/loam/internal/graph"
	"github.com/loamlab/loam/internal/ingest"
	"github.com/loamlab/loam/internal/metrics"
	"github.com/loamlab/loam/internal/ollama"
	"github.com/loamlab/loam/internal/retrieval"
	"github.com/loamlab/loam/internal/stage"
	"github.com/loamlab/loam/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds the shared components the HTTP surface serves.
type Deps struct {
	Registry   *storage.Registry
	Scanner    *stage.Scanner
	Ollama     *ollama.Client
	Tracker    *ingest.Tracker
	Buffer     *ingest.InspectionBuffer
	Searcher   *retrieval.Searcher
	EmbedModel string // default embedding model for ingestion
	Version    string
	Logger     *slog.Logger

	// ChunkSize and ChunkOverlap tune ingestion chunking; zero means
	// the ingest package defaults.
	ChunkSize    int
	ChunkOverlap int
}

// Server routes HTTP requests and owns the lifecycle of the background
// ingestion goroutine. At most one job runs at a time; a second execute
// while one is in flight gets 409.
type Server struct {
	deps   Deps
	engine *ingest.Engine
	logger *slog.Logger

	mu        sync.Mutex
	cancelJob context.CancelFunc
	jobs      sync.WaitGroup
}

// NewServer creates a Server. A nil Logger falls back to slog.Default.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:   deps,
		engine: ingest.NewEngine(deps.Tracker, deps.Buffer, logger),
		logger: logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLog(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/kb/list", s.handleKBList)
	r.Post("/kb/create", s.handleKBCreate)
	r.Get("/llm/models", s.handleModels)
	r.Post("/stage/scan", s.handleScan)
	r.Post("/ingest/execute", s.handleIngestExecute)
	r.Get("/ingest/status", s.handleIngestStatus)
	r.Get("/ingest/inspection", s.handleInspection)
	r.Get("/search", s.handleSearch)
	r.Get("/graph", s.handleGraph)
	r.Handle("/metrics", metrics.Handler())

	return r
}

// Close cancels a running ingestion job and waits for its goroutine to
// unwind. Safe to call with no job running.
func (s *Server) Close() {
	s.mu.Lock()
	cancel := s.cancelJob
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.jobs.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": s.deps.Version,
	})
}

func (s *Server) handleKBList(w http.ResponseWriter, r *http.Request) {
	kbs, err := s.deps.Registry.List()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to list knowledge bases: %v", err)
		return
	}
	if kbs == nil {
		kbs = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"kbs": kbs})
}

func (s *Server) handleKBCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if req.Name == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
		return
	}

	err := s.deps.Registry.Create(req.Name)
	switch {
	case errors.Is(err, storage.ErrInvalidName):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid kb name %q: use letters, digits, dash, underscore", req.Name)
		return
	case errors.Is(err, storage.ErrExists):
		httpError(w, http.StatusConflict, "conflict", "kb %q already exists", req.Name)
		return
	case err != nil:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to create kb: %v", err)
		return
	}

	s.logger.Info("kb created", "name", req.Name)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"name": req.Name, "status": "created"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Ollama.ListModels(r.Context())
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "failed to list models: %v", err)
		return
	}
	if models == nil {
		models = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"models": models})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if req.Path == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
		return
	}

	abs, err := filepath.Abs(req.Path)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid path: %v", err)
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "path does not exist: %v", err)
		return
	}
	if !info.IsDir() {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "path is not a directory: %s", abs)
		return
	}

	tree, err := s.deps.Scanner.Scan(abs)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "scan failed: %v", err)
		return
	}
	metrics.RecordScan()
	s.logger.Info("scan served", "root", abs)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]*stage.Node{"tree": tree})
}

type ingestRequest struct {
	KB       string   `json:"kb"`
	RootPath string   `json:"root_path"`
	RelPaths []string `json:"rel_paths"`
	Model    string   `json:"model"`
}

func (s *Server) handleIngestExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if req.KB == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "kb is required")
		return
	}
	if req.RootPath == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "root_path is required")
		return
	}
	if len(req.RelPaths) == 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "rel_paths must name at least one file")
		return
	}

	root, err := filepath.Abs(req.RootPath)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid root_path: %v", err)
		return
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "root_path is not a directory: %s", root)
		return
	}

	store, err := s.deps.Registry.Open(req.KB)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "kb %q not found", req.KB)
		return
	case errors.Is(err, storage.ErrInvalidName):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid kb name %q", req.KB)
		return
	case err != nil:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to open kb: %v", err)
		return
	}

	jobID, err := s.deps.Tracker.Begin(len(req.RelPaths))
	if err != nil {
		store.Close()
		httpError(w, http.StatusConflict, "conflict", "an ingestion job is already running")
		return
	}

	model := req.Model
	if model == "" {
		model = s.deps.EmbedModel
	}
	embedder := retrieval.NewEmbedder(s.deps.Ollama, model)
	job := ingest.Job{
		KB:           req.KB,
		Root:         root,
		RelPaths:     req.RelPaths,
		ChunkSize:    s.deps.ChunkSize,
		ChunkOverlap: s.deps.ChunkOverlap,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelJob = cancel
	s.mu.Unlock()

	s.logger.Info("ingestion accepted", "job_id", jobID, "kb", req.KB, "files", len(req.RelPaths), "model", model)

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		defer cancel()
		defer store.Close()

		start := time.Now()
		runErr := s.engine.Run(ctx, store, embedder, job)
		s.deps.Tracker.Finish(runErr)

		outcome := "success"
		switch {
		case errors.Is(runErr, context.Canceled):
			outcome = "cancelled"
		case runErr != nil:
			outcome = "failed"
		}
		metrics.RecordIngestJob(outcome, time.Since(start))
		s.logger.Info("ingestion finished", "job_id", jobID, "outcome", outcome, "duration", time.Since(start).Round(time.Millisecond))
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"job_id": jobID, "status": "started"})
}

// jobStatusResponse is the wire form of ingest.Status.
type jobStatusResponse struct {
	JobID           string   `json:"job_id"`
	IsRunning       bool     `json:"is_running"`
	CurrentFile     string   `json:"current_file"`
	ProgressPercent float64  `json:"progress_percent"`
	TotalFiles      int      `json:"total_files"`
	ProcessedFiles  int      `json:"processed_files"`
	Log             []string `json:"log"`
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Tracker.Status()
	if st.Log == nil {
		st.Log = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobStatusResponse{
		JobID:           st.JobID,
		IsRunning:       st.IsRunning,
		CurrentFile:     st.CurrentFile,
		ProgressPercent: st.ProgressPercent,
		TotalFiles:      st.TotalFiles,
		ProcessedFiles:  st.ProcessedFiles,
		Log:             st.Log,
	})
}

func (s *Server) handleInspection(w http.ResponseWriter, r *http.Request) {
	frames := s.deps.Buffer.Drain()
	if frames == nil {
		frames = []ingest.Frame{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]ingest.Frame{"frames": frames})
}

// searchHit is the wire form of retrieval.Result.
type searchHit struct {
	RelPath    string   `json:"rel_path"`
	ChunkIndex int      `json:"chunk_index"`
	Snippet    string   `json:"snippet"`
	Score      float64  `json:"score"`
	Matched    []string `json:"matched"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	kb := r.URL.Query().Get("kb")
	query := r.URL.Query().Get("q")
	if kb == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "kb parameter is required")
		return
	}
	if query == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "q parameter is required")
		return
	}
	topK := parseIntParam(r, "k", retrieval.DefaultTopK, 50)

	store, ok := s.openKB(w, kb)
	if !ok {
		return
	}
	defer store.Close()

	results, err := s.deps.Searcher.Search(r.Context(), store, query, topK)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
		return
	}

	hits := make([]searchHit, len(results))
	for i, res := range results {
		hits[i] = searchHit{
			RelPath:    res.RelPath,
			ChunkIndex: res.ChunkIndex,
			Snippet:    res.Snippet,
			Score:      res.Score,
			Matched:    res.Matched,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]searchHit{"results": hits})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	kb := r.URL.Query().Get("kb")
	if kb == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "kb parameter is required")
		return
	}

	store, ok := s.openKB(w, kb)
	if !ok {
		return
	}
	defer store.Close()

	docs, err := store.ListDocuments()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load documents: %v", err)
		return
	}
	edges, err := store.ListEdges()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load edges: %v", err)
		return
	}
	refs, err := store.AllVectors()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load vectors: %v", err)
		return
	}

	data := graph.Build(docs, edges, refs)

	if r.URL.Query().Get("format") == "svg" {
		w.Header().Set("Content-Type", "image/svg+xml")
		if err := graph.WriteSVG(w, data); err != nil {
			s.logger.Error("svg render failed", "kb", kb, "error", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// openKB opens the named KB or writes the appropriate error response.
func (s *Server) openKB(w http.ResponseWriter, kb string) (*storage.Store, bool) {
	store, err := s.deps.Registry.Open(kb)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "kb %q not found", kb)
		return nil, false
	case errors.Is(err, storage.ErrInvalidName):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid kb name %q", kb)
		return nil, false
	case err != nil:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to open kb: %v", err)
		return nil, false
	}
	return store, true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
