package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loamlab/loam/internal/api"
	"github.com/loamlab/loam/internal/client"
	"github.com/loamlab/loam/internal/ingest"
	"github.com/loamlab/loam/internal/ollama"
	"github.com/loamlab/loam/internal/retrieval"
	"github.com/loamlab/loam/internal/stage"
	"github.com/loamlab/loam/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loam server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running loam server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show loam system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "loam.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "loam version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	// Refuse to start when another instance already answers on our port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(baseURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	oc := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, oc, []string{cfg.Ollama.EmbedModel}, os.Stderr); err != nil {
		return err
	}

	scanner, err := stage.NewScanner(cfg.Ingest.Excludes, cfg.Ingest.UseGitignore)
	if err != nil {
		return fmt.Errorf("building scanner: %w", err)
	}

	apiSrv := api.NewServer(api.Deps{
		Registry:     storage.NewRegistry(cfg.Storage.DataDir),
		Scanner:      scanner,
		Ollama:       oc,
		Tracker:      ingest.NewTracker(),
		Buffer:       ingest.NewInspectionBuffer(0),
		Searcher:     retrieval.NewSearcher(retrieval.NewEmbedder(oc, cfg.Ollama.EmbedModel), logger),
		EmbedModel:   cfg.Ollama.EmbedModel,
		Version:      version,
		Logger:       logger,
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
	})
	defer apiSrv.Close()

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: apiSrv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "loam listening on %s\n", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Drain HTTP first; the deferred Close then cancels any ingestion
	// job still in flight and waits for it.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("loam is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop loam (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to loam (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	c := client.New(baseURL(cfg))
	if err := c.Ping(ctx); err != nil {
		printStatus("Server", "stopped")
	} else {
		printStatus("Server", "running at %s", baseURL(cfg))
		if kbs, err := c.ListKBs(ctx); err == nil {
			printStatus("Knowledge bases", "%d", len(kbs))
		}
	}

	oc := ollama.New(cfg.Ollama.BaseURL)
	if oc.IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}

	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
