// Package config reads server settings from KIFULAB_* environment
// variables. Every field has a default and integer fields are clamped, so
// Load never fails on bad input.
package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAddr             = "127.0.0.1:8787"
	defaultHashMB           = 512
	defaultHandshakeTimeout = 5 * time.Second
	defaultStopTimeout      = 3 * time.Second
	defaultImportMaxBytes   = 2 << 20
)

// Config carries everything main wires into the server.
type Config struct {
	Addr             string
	DataDir          string
	EngineCommand    []string
	EngineEvalDir    string
	EngineThreads    int
	EngineHashMB     int
	HandshakeTimeout time.Duration
	StopTimeout      time.Duration
	ImportMaxBytes   int64
	Debug            bool
}

// EngineConfigured reports whether an engine command was provided at all.
func (c Config) EngineConfigured() bool {
	return len(c.EngineCommand) > 0
}

func envInt(key string, def, min, max int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Load builds the config from the environment. KIFULAB_ENGINE_CMD wins over
// KIFULAB_ENGINE_PATH; with neither set the server runs without analysis.
func Load() Config {
	cfg := Config{
		Addr:             defaultAddr,
		DataDir:          strings.TrimSpace(os.Getenv("KIFULAB_DATA_DIR")),
		EngineEvalDir:    strings.TrimSpace(os.Getenv("KIFULAB_ENGINE_EVAL_DIR")),
		EngineThreads:    envInt("KIFULAB_ENGINE_THREADS", defaultThreads(), 1, 512),
		EngineHashMB:     envInt("KIFULAB_ENGINE_HASH_MB", defaultHashMB, 16, 65536),
		HandshakeTimeout: envDuration("KIFULAB_HANDSHAKE_TIMEOUT", defaultHandshakeTimeout),
		StopTimeout:      envDuration("KIFULAB_STOP_TIMEOUT", defaultStopTimeout),
		ImportMaxBytes:   int64(envInt("KIFULAB_IMPORT_MAX_BYTES", defaultImportMaxBytes, 1, 1<<30)),
		Debug:            os.Getenv("KIFULAB_DEBUG") != "",
	}

	if addr := strings.TrimSpace(os.Getenv("KIFULAB_ADDR")); addr != "" {
		cfg.Addr = addr
	}

	if cmd := strings.TrimSpace(os.Getenv("KIFULAB_ENGINE_CMD")); cmd != "" {
		cfg.EngineCommand = strings.Fields(cmd)
	} else if path := strings.TrimSpace(os.Getenv("KIFULAB_ENGINE_PATH")); path != "" {
		cfg.EngineCommand = []string{path}
	}

	return cfg
}

func defaultThreads() int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	if n > 512 {
		n = 512
	}
	return n
}
