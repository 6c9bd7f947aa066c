package main

import (
	"context"
	"io"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/loamlab/loam/internal/client"
	"github.com/loamlab/loam/internal/console"
)

var consoleCmd = &cobra.Command{
	Use:   "console [path]",
	Short: "Open the interactive ingestion console",
	Long: `Open the full-screen console for staging files, running ingestion
jobs with live chunk telemetry, and searching knowledge bases. Requires
a running server (loam serve). An optional path is scanned on startup.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		initialPath := ""
		if len(args) == 1 {
			initialPath = args[0]
		}

		// The alt screen owns the terminal, so background polling logs
		// nowhere.
		quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

		orch := console.New(console.Config{
			API:            client.New(baseURL(cfg)),
			Logger:         quiet,
			StatusInterval: cfg.Poll.StatusInterval(),
			FrameInterval:  cfg.Poll.TelemetryInterval(),
			RingSize:       cfg.Poll.RingSize,
			Coalesce:       cfg.Poll.Coalesce,
		})

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		orch.Start(ctx)
		defer orch.Close()

		p := tea.NewProgram(console.NewModel(orch, initialPath), tea.WithAltScreen())
		_, err = p.Run()
		return err
	},
}
