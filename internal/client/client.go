// Package client is the HTTP client for the loam server API, shared by the
// CLI commands and the console.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loamlab/loam/internal/graph"
	"github.com/loamlab/loam/internal/stage"
)

// ErrJobRunning is returned by StartIngest when the server already has an
// ingestion job in flight.
var ErrJobRunning = errors.New("ingestion job already running")

// JobStatus mirrors GET /ingest/status. Each pull replaces the previous
// snapshot wholesale; there is no merging of partial updates. JobID
// identifies the job the snapshot describes and is retained after the
// job finishes; it is empty only when the server has never run one.
type JobStatus struct {
	JobID           string   `json:"job_id"`
	IsRunning       bool     `json:"is_running"`
	CurrentFile     string   `json:"current_file"`
	ProgressPercent float64  `json:"progress_percent"`
	TotalFiles      int      `json:"total_files"`
	ProcessedFiles  int      `json:"processed_files"`
	Log             []string `json:"log"`
}

// Frame is one chunk inspection frame. The server buffer is drained on
// read, so every frame is delivered at most once; frames produced faster
// than the poll cadence are lost, which is expected.
type Frame struct {
	ID            string    `json:"id"`
	File          string    `json:"file"`
	ChunkIndex    int       `json:"chunk_index"`
	Content       string    `json:"content"`
	VectorPreview []float32 `json:"vector_preview"`
	ConceptColor  string    `json:"concept_color"`
	Timestamp     string    `json:"timestamp"`
}

// SearchHit is one hybrid search result.
type SearchHit struct {
	RelPath    string   `json:"rel_path"`
	ChunkIndex int      `json:"chunk_index"`
	Snippet    string   `json:"snippet"`
	Score      float64  `json:"score"`
	Matched    []string `json:"matched"`
}

// Client talks to a loam server over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the given base URL, e.g. "http://127.0.0.1:5626".
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is loam serve running? (%w)", err)
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// decodeJSON decodes a 2xx response into v and folds error responses into
// a Go error, preferring the server's {"error":{"message"}} body.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	if v == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Ping probes GET /health.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// Scan asks the server to walk path into a selection tree.
func (c *Client) Scan(ctx context.Context, path string) (*stage.Node, error) {
	resp, err := c.post(ctx, "/stage/scan", map[string]string{"path": path})
	if err != nil {
		return nil, err
	}
	var result struct {
		Tree *stage.Node `json:"tree"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	if result.Tree == nil {
		return nil, fmt.Errorf("scan returned no tree")
	}
	return result.Tree, nil
}

// ListKBs returns the names of all knowledge bases.
func (c *Client) ListKBs(ctx context.Context) ([]string, error) {
	resp, err := c.get(ctx, "/kb/list")
	if err != nil {
		return nil, err
	}
	var result struct {
		KBs []string `json:"kbs"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return result.KBs, nil
}

// CreateKB creates a new, empty knowledge base.
func (c *Client) CreateKB(ctx context.Context, name string) error {
	resp, err := c.post(ctx, "/kb/create", map[string]string{"name": name})
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// ListModels returns the model names known to the local Ollama instance.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.get(ctx, "/llm/models")
	if err != nil {
		return nil, err
	}
	var result struct {
		Models []string `json:"models"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return result.Models, nil
}

// StartIngest submits an ingestion job and returns the ID the server
// assigned to it. A 409 from the server maps to ErrJobRunning.
func (c *Client) StartIngest(ctx context.Context, kb, rootPath string, relPaths []string, model string) (string, error) {
	req := map[string]any{
		"kb":        kb,
		"root_path": rootPath,
		"rel_paths": relPaths,
	}
	if model != "" {
		req["model"] = model
	}
	resp, err := c.post(ctx, "/ingest/execute", req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusConflict {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return "", ErrJobRunning
	}
	var ack struct {
		JobID string `json:"job_id"`
	}
	if err := decodeJSON(resp, &ack); err != nil {
		return "", err
	}
	return ack.JobID, nil
}

// PullStatus fetches the current job status snapshot.
func (c *Client) PullStatus(ctx context.Context) (JobStatus, error) {
	resp, err := c.get(ctx, "/ingest/status")
	if err != nil {
		return JobStatus{}, err
	}
	var status JobStatus
	if err := decodeJSON(resp, &status); err != nil {
		return JobStatus{}, err
	}
	return status, nil
}

// PullFrames drains the server's inspection buffer. Frames returned here
// will not be returned again.
func (c *Client) PullFrames(ctx context.Context) ([]Frame, error) {
	resp, err := c.get(ctx, "/ingest/inspection")
	if err != nil {
		return nil, err
	}
	var result struct {
		Frames []Frame `json:"frames"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return result.Frames, nil
}

// Search runs a hybrid search against the named knowledge base.
func (c *Client) Search(ctx context.Context, kb, query string, topK int) ([]SearchHit, error) {
	q := url.Values{}
	q.Set("kb", kb)
	q.Set("q", query)
	if topK > 0 {
		q.Set("k", strconv.Itoa(topK))
	}
	resp, err := c.get(ctx, "/search?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var result struct {
		Results []SearchHit `json:"results"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

// Graph fetches the concept graph for a knowledge base, with layout
// coordinates already computed server-side.
func (c *Client) Graph(ctx context.Context, kb string) (*graph.Data, error) {
	q := url.Values{}
	q.Set("kb", kb)
	resp, err := c.get(ctx, "/graph?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var data graph.Data
	if err := decodeJSON(resp, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
