package main

import (
	"fmt"

	"github.com/loamlab/loam/internal/client"
	"github.com/loamlab/loam/internal/config"
)

// loadConfig honors the global --config flag.
func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// baseURL picks the server address for client commands: the --server
// flag wins, otherwise the configured host and port. A wildcard listen
// host is dialed via loopback.
func baseURL(cfg config.Config) string {
	if serverURL != "" {
		return serverURL
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

// newClient is a hook so tests can point commands at a fake server.
var newClient = func() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return client.New(baseURL(cfg)), nil
}
