package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loamlab/loam/internal/retrieval"
	"github.com/loamlab/loam/internal/storage"
)

// MCPSearcher abstracts hybrid search for the MCP layer.
type MCPSearcher interface {
	Search(ctx context.Context, store retrieval.Store, query string, topK int) ([]retrieval.Result, error)
}

// MCPDeps holds dependencies for the MCP stdio server. It talks to the
// knowledge bases directly, without going through the HTTP surface.
type MCPDeps struct {
	Registry *storage.Registry
	Searcher MCPSearcher
	Version  string
}

// NewMCPServer creates an MCP server exposing loam knowledge bases to
// agent tooling.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := server.NewMCPServer(
		"loam",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("loam: local knowledge bases over codebases and document trees, with hybrid semantic and keyword search."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("loam_search",
			mcp.WithDescription("Search a loam knowledge base and return the most relevant indexed chunks."),
			mcp.WithString("kb", mcp.Description("Knowledge base name"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("loam_list_kbs",
			mcp.WithDescription("List the available loam knowledge bases."),
		),
		mcpListKBs(deps),
	)

	return s
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kb, err := req.RequireString("kb")
		if err != nil {
			return mcpError("kb is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		topK := req.GetInt("top_k", retrieval.DefaultTopK)
		if topK <= 0 {
			topK = retrieval.DefaultTopK
		}
		if topK > 50 {
			topK = 50
		}

		store, err := deps.Registry.Open(kb)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("kb %q not found", kb)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to open kb: %v", err)), nil
		}
		defer store.Close()

		results, err := deps.Searcher.Search(ctx, store, query, topK)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		type hit struct {
			RelPath    string   `json:"rel_path"`
			ChunkIndex int      `json:"chunk_index"`
			Snippet    string   `json:"snippet"`
			Score      float64  `json:"score"`
			Matched    []string `json:"matched"`
		}

		hits := make([]hit, len(results))
		for i, res := range results {
			hits[i] = hit{
				RelPath:    res.RelPath,
				ChunkIndex: res.ChunkIndex,
				Snippet:    res.Snippet,
				Score:      res.Score,
				Matched:    res.Matched,
			}
		}

		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpListKBs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kbs, err := deps.Registry.List()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list knowledge bases: %v", err)), nil
		}
		if kbs == nil {
			kbs = []string{}
		}

		b, err := json.Marshal(kbs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal kb list: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
