package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

// keySpec describes one configurable value: its dotted display key, the
// environment variable that overrides it, and accessors on Config.
// List-valued settings (ingest.excludes) are YAML-only and not listed
// here.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg *Config) any
}

var keys = []keySpec{
	{
		key: "server.host", typ: kString, env: "LOAM_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg *Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "LOAM_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg *Config) any { return cfg.Server.Port },
	},
	{
		key: "ollama.base_url", typ: kString, env: "LOAM_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg *Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "LOAM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg *Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LOAM_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg *Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ingest.chunk_size", typ: kInt, env: "LOAM_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkSize = v.(int) },
		extract: func(cfg *Config) any { return cfg.Ingest.ChunkSize },
	},
	{
		key: "ingest.chunk_overlap", typ: kInt, env: "LOAM_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkOverlap = v.(int) },
		extract: func(cfg *Config) any { return cfg.Ingest.ChunkOverlap },
	},
	{
		key: "ingest.use_gitignore", typ: kBool, env: "LOAM_USE_GITIGNORE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.UseGitignore = v.(bool) },
		extract: func(cfg *Config) any { return cfg.Ingest.UseGitignore },
	},
	{
		key: "poll.status_interval_ms", typ: kInt, env: "LOAM_STATUS_INTERVAL_MS",
		apply:   func(cfg *Config, v any) { cfg.Poll.StatusIntervalMs = v.(int) },
		extract: func(cfg *Config) any { return cfg.Poll.StatusIntervalMs },
	},
	{
		key: "poll.telemetry_interval_ms", typ: kInt, env: "LOAM_TELEMETRY_INTERVAL_MS",
		apply:   func(cfg *Config, v any) { cfg.Poll.TelemetryIntervalMs = v.(int) },
		extract: func(cfg *Config) any { return cfg.Poll.TelemetryIntervalMs },
	},
	{
		key: "poll.ring_size", typ: kInt, env: "LOAM_RING_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Poll.RingSize = v.(int) },
		extract: func(cfg *Config) any { return cfg.Poll.RingSize },
	},
	{
		key: "poll.coalesce", typ: kBool, env: "LOAM_POLL_COALESCE",
		apply:   func(cfg *Config, v any) { cfg.Poll.Coalesce = v.(bool) },
		extract: func(cfg *Config) any { return cfg.Poll.Coalesce },
	},
	{
		key: "log.level", typ: kString, env: "LOAM_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg *Config) any { return cfg.Log.Level },
	},
}

// applyEnvOverrides overlays LOAM_* variables onto cfg. A value that
// fails to parse is reported on stderr and skipped rather than aborting
// startup.
func applyEnvOverrides(cfg *Config) {
	for _, spec := range keys {
		raw, ok := os.LookupEnv(spec.env)
		if !ok {
			continue
		}
		v, err := parseValue(spec.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: ignoring %s=%q: %v\n", spec.env, raw, err)
			continue
		}
		spec.apply(cfg, v)
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("not an integer")
		}
		return n, nil
	case kBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("not a boolean")
		}
		return b, nil
	default:
		return raw, nil
	}
}

// KeyInfo is one row of the listing printed by the config command.
type KeyInfo struct {
	Key   string
	Env   string
	Value string
}

// ShowAll returns every configurable key with its effective value,
// in declaration order.
func ShowAll(cfg *Config) []KeyInfo {
	out := make([]KeyInfo, 0, len(keys))
	for _, spec := range keys {
		out = append(out, KeyInfo{
			Key:   spec.key,
			Env:   spec.env,
			Value: fmt.Sprintf("%v", spec.extract(cfg)),
		})
	}
	return out
}
