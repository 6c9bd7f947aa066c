package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/loamlab/loam/internal/api"
	"github.com/loamlab/loam/internal/client"
	"github.com/loamlab/loam/internal/config"
	"github.com/loamlab/loam/internal/graph"
	"github.com/loamlab/loam/internal/ollama"
	"github.com/loamlab/loam/internal/retrieval"
	"github.com/loamlab/loam/internal/stage"
	"github.com/loamlab/loam/internal/storage"
)

// --- scan ---

var scanCmd = &cobra.Command{
	Use:   "scan <path>",
	Short: "Scan a directory into a selection tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		tree, err := c.Scan(cmd.Context(), abs)
		if err != nil {
			return err
		}
		renderTree(os.Stdout, tree, 0)
		return nil
	},
}

// renderTree prints a scanned tree with two-space indentation. Folders
// get a trailing slash, binary files are marked as skipped.
func renderTree(w io.Writer, n *stage.Node, depth int) {
	if n == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	switch n.Kind {
	case stage.KindFolder:
		name := n.Name
		if depth == 0 && name == "" {
			name = "."
		}
		fmt.Fprintf(w, "%s%s/\n", indent, colorize(colorBold, name))
	case stage.KindBinary:
		fmt.Fprintf(w, "%s%s %s\n", indent, n.Name, colorize(colorYellow, "(binary, skipped)"))
	default:
		fmt.Fprintf(w, "%s%s\n", indent, n.Name)
	}
	for _, child := range n.Children {
		renderTree(w, child, depth+1)
	}
}

// --- kb ---

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Manage knowledge bases",
}

var kbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge bases",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		kbs, err := c.ListKBs(cmd.Context())
		if err != nil {
			return err
		}
		if len(kbs) == 0 {
			fmt.Println("No knowledge bases yet. Create one with: loam kb create <name>")
			return nil
		}
		for _, name := range kbs {
			fmt.Println(name)
		}
		return nil
	},
}

var kbCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an empty knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.CreateKB(cmd.Context(), args[0]); err != nil {
			return err
		}
		printSuccess("Created knowledge base %s", args[0])
		return nil
	},
}

func init() {
	kbCmd.AddCommand(kbListCmd)
	kbCmd.AddCommand(kbCreateCmd)
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available in the local Ollama",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		models, err := c.ListModels(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range models {
			fmt.Println(m)
		}
		return nil
	},
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [paths...]",
	Short: "Ingest files into a knowledge base",
	Long: `Ingest files into a knowledge base and follow the job until it
finishes. Paths are relative to --root; with no paths, every indexable
file under the root is selected.

Examples:
  loam ingest --kb notes --root ~/documents
  loam ingest --kb backend internal/api/server.go README.md`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kb, _ := cmd.Flags().GetString("kb")
		root, _ := cmd.Flags().GetString("root")
		model, _ := cmd.Flags().GetString("model")

		absRoot, err := filepath.Abs(root)
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}

		relPaths := args
		if len(relPaths) == 0 {
			tree, err := c.Scan(cmd.Context(), absRoot)
			if err != nil {
				return err
			}
			relPaths = stage.SelectedFiles(stage.Toggle(tree, "", true))
		}
		if len(relPaths) == 0 {
			return fmt.Errorf("nothing to ingest under %s", absRoot)
		}

		printStep("Ingesting %d files into %s", len(relPaths), kb)
		if _, err := c.StartIngest(cmd.Context(), kb, absRoot, relPaths, model); err != nil {
			if errors.Is(err, client.ErrJobRunning) {
				return fmt.Errorf("another ingestion job is already running")
			}
			return err
		}

		status, err := followJob(cmd.Context(), c, os.Stderr, time.Second)
		if err != nil {
			return err
		}
		printSuccess("Ingested %d of %d files", status.ProcessedFiles, status.TotalFiles)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("kb", "", "target knowledge base (required)")
	ingestCmd.Flags().String("root", ".", "scan root the paths are relative to")
	ingestCmd.Flags().String("model", "", "embedding model override")
	ingestCmd.MarkFlagRequired("kb")
}

// followJob polls the job status at the given cadence, printing log
// lines as they appear, until the server reports the job finished.
func followJob(ctx context.Context, c *client.Client, w io.Writer, interval time.Duration) (client.JobStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	printed := 0
	for {
		status, err := c.PullStatus(ctx)
		if err != nil {
			return client.JobStatus{}, err
		}
		if len(status.Log) < printed {
			printed = 0
		}
		for ; printed < len(status.Log); printed++ {
			fmt.Fprintln(w, status.Log[printed])
		}
		if !status.IsRunning {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search a knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kb, _ := cmd.Flags().GetString("kb")
		topK, _ := cmd.Flags().GetInt("limit")
		query := strings.Join(args, " ")

		c, err := newClient()
		if err != nil {
			return err
		}
		hits, err := c.Search(cmd.Context(), kb, query, topK)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		printHits(os.Stdout, hits)
		return nil
	},
}

func init() {
	searchCmd.Flags().String("kb", "", "knowledge base to search (required)")
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
	searchCmd.MarkFlagRequired("kb")
}

func printHits(w io.Writer, hits []client.SearchHit) {
	for i, h := range hits {
		loc := fmt.Sprintf("%s:%d", h.RelPath, h.ChunkIndex)
		fmt.Fprintf(w, "\n%s %s [score: %.3f]\n",
			colorize(colorBold, fmt.Sprintf("%d.", i+1)), colorize(colorCyan, loc), h.Score)
		if len(h.Matched) > 0 {
			fmt.Fprintf(w, "   matched: %s\n", strings.Join(h.Matched, ", "))
		}
		snippet := h.Snippet
		if len(snippet) > 500 {
			snippet = snippet[:500] + "..."
		}
		fmt.Fprintf(w, "   %s\n", snippet)
	}
}

// --- graph ---

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Export the concept graph of a knowledge base",
	RunE: func(cmd *cobra.Command, args []string) error {
		kb, _ := cmd.Flags().GetString("kb")
		svg, _ := cmd.Flags().GetBool("svg")
		output, _ := cmd.Flags().GetString("output")

		c, err := newClient()
		if err != nil {
			return err
		}
		data, err := c.Graph(cmd.Context(), kb)
		if err != nil {
			return err
		}

		w := io.Writer(os.Stdout)
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if err := writeGraph(w, data, svg); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Graph written to %s", output)
		}
		return nil
	},
}

func init() {
	graphCmd.Flags().String("kb", "", "knowledge base (required)")
	graphCmd.Flags().Bool("svg", false, "render as SVG instead of JSON")
	graphCmd.Flags().String("output", "", "output file path (default: stdout)")
	graphCmd.MarkFlagRequired("kb")
}

func writeGraph(w io.Writer, data *graph.Data, svg bool) error {
	if svg {
		return graph.WriteSVG(w, data)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// --- ping ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the loam server is up",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Ping(cmd.Context()); err != nil {
			return err
		}
		printSuccess("Server is up")
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		fmt.Printf("# %s\n", path)
		for _, k := range config.ShowAll(&cfg) {
			fmt.Printf("%s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP interface on stdio",
	Long: `Serve loam's MCP tools (loam_search, loam_list_kbs) over stdio, for
editors and agents that speak the Model Context Protocol. Reads the
knowledge bases directly; the HTTP server does not need to be running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// stdio carries the protocol, so nothing may log to stdout.
		quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
		oc := ollama.New(cfg.Ollama.BaseURL)

		srv := api.NewMCPServer(api.MCPDeps{
			Registry: storage.NewRegistry(cfg.Storage.DataDir),
			Searcher: retrieval.NewSearcher(retrieval.NewEmbedder(oc, cfg.Ollama.EmbedModel), quiet),
			Version:  version,
		})
		return server.ServeStdio(srv)
	},
}
