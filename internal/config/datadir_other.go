//go:build !darwin

package config

import (
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "loam")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "loam"
	}
	return filepath.Join(home, ".local", "share", "loam")
}
