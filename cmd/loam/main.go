package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// Global flags shared by every command.
var (
	configPath string
	serverURL  string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "loam",
	Short: "Local knowledge bases over codebases and document trees",
	Long: `loam turns directories of code and documents into local knowledge
bases: files are chunked, embedded with a local Ollama model, and served
back through hybrid semantic and keyword search over HTTP, MCP, and an
interactive console.

Start the server with "loam serve", then use "loam console" or the
one-shot commands below.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <user config dir>/loam/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server base URL (default from config)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(kbCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
