package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"KIFULAB_ADDR", "KIFULAB_DATA_DIR",
		"KIFULAB_ENGINE_CMD", "KIFULAB_ENGINE_PATH",
		"KIFULAB_ENGINE_THREADS", "KIFULAB_ENGINE_HASH_MB",
		"KIFULAB_HANDSHAKE_TIMEOUT", "KIFULAB_STOP_TIMEOUT",
		"KIFULAB_IMPORT_MAX_BYTES", "KIFULAB_DEBUG",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Addr != "127.0.0.1:8787" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.EngineConfigured() {
		t.Error("engine should be unconfigured by default")
	}
	if cfg.EngineThreads < 1 || cfg.EngineThreads > 512 {
		t.Errorf("EngineThreads = %d out of range", cfg.EngineThreads)
	}
	if cfg.EngineHashMB != 512 {
		t.Errorf("EngineHashMB = %d", cfg.EngineHashMB)
	}
	if cfg.HandshakeTimeout != 5*time.Second {
		t.Errorf("HandshakeTimeout = %v", cfg.HandshakeTimeout)
	}
	if cfg.StopTimeout != 3*time.Second {
		t.Errorf("StopTimeout = %v", cfg.StopTimeout)
	}
	if cfg.ImportMaxBytes != 2<<20 {
		t.Errorf("ImportMaxBytes = %d", cfg.ImportMaxBytes)
	}
	if cfg.Debug {
		t.Error("Debug should default off")
	}
}

func TestLoadEngineCommand(t *testing.T) {
	t.Run("CmdSplitsFields", func(t *testing.T) {
		t.Setenv("KIFULAB_ENGINE_CMD", "wine yaneuraou.exe --usi")
		t.Setenv("KIFULAB_ENGINE_PATH", "/ignored")
		cfg := Load()
		want := []string{"wine", "yaneuraou.exe", "--usi"}
		if len(cfg.EngineCommand) != len(want) {
			t.Fatalf("EngineCommand = %v", cfg.EngineCommand)
		}
		for i := range want {
			if cfg.EngineCommand[i] != want[i] {
				t.Fatalf("EngineCommand = %v", cfg.EngineCommand)
			}
		}
	})

	t.Run("PathFallback", func(t *testing.T) {
		t.Setenv("KIFULAB_ENGINE_CMD", "")
		t.Setenv("KIFULAB_ENGINE_PATH", "/opt/engine/yaneuraou")
		cfg := Load()
		if len(cfg.EngineCommand) != 1 || cfg.EngineCommand[0] != "/opt/engine/yaneuraou" {
			t.Fatalf("EngineCommand = %v", cfg.EngineCommand)
		}
	})
}

func TestLoadClamps(t *testing.T) {
	t.Setenv("KIFULAB_ENGINE_THREADS", "100000")
	t.Setenv("KIFULAB_ENGINE_HASH_MB", "1")
	t.Setenv("KIFULAB_HANDSHAKE_TIMEOUT", "bogus")
	cfg := Load()
	if cfg.EngineThreads != 512 {
		t.Errorf("EngineThreads = %d", cfg.EngineThreads)
	}
	if cfg.EngineHashMB != 16 {
		t.Errorf("EngineHashMB = %d", cfg.EngineHashMB)
	}
	if cfg.HandshakeTimeout != 5*time.Second {
		t.Errorf("HandshakeTimeout = %v", cfg.HandshakeTimeout)
	}
}
