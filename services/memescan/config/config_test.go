package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MEMESCAN_LISTEN",
		"MEMESCAN_DB_URL",
		"MEMESCAN_DATA_DIR",
		"MEMESCAN_NODE_WS",
		"MEMESCAN_NODE_RPC",
		"MEMESCAN_API_KEY",
		"MEMESCAN_API_SECRET",
		"MEMESCAN_RECONNECT_MIN_SECONDS",
		"MEMESCAN_RECONNECT_MAX_SECONDS",
		"MEMESCAN_EXPORT_INTERVAL_MINUTES",
		"MEMESCAN_EXPORT_DIR",
	} {
		t.Setenv(key, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if got, want := cfg.ListenAddress, ":8091"; got != want {
		t.Fatalf("listen = %q, want %q", got, want)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("expected empty database url, got %q", cfg.DatabaseURL)
	}
	if got, want := cfg.NodeWSURL, "ws://127.0.0.1:8080/ws/activity"; got != want {
		t.Fatalf("ws url = %q, want %q", got, want)
	}
	if got, want := cfg.NodeRPCURL, "http://127.0.0.1:8080"; got != want {
		t.Fatalf("rpc url = %q, want %q", got, want)
	}
	if cfg.ReconnectMin != time.Second || cfg.ReconnectMax != 30*time.Second {
		t.Fatalf("reconnect window = %v..%v", cfg.ReconnectMin, cfg.ReconnectMax)
	}
	if got, want := cfg.ExportInterval, time.Hour; got != want {
		t.Fatalf("export interval = %v, want %v", got, want)
	}
	if got, want := cfg.DataDir, "memescan-data"; got != want {
		t.Fatalf("data dir = %q, want %q", got, want)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEMESCAN_LISTEN", "9900")
	t.Setenv("MEMESCAN_DB_URL", "  postgres://indexer:pw@localhost:5432/memescan  ")
	t.Setenv("MEMESCAN_NODE_WS", "wss://node.example/ws/activity")
	t.Setenv("MEMESCAN_NODE_RPC", "https://node.example")
	t.Setenv("MEMESCAN_RECONNECT_MIN_SECONDS", "5")
	t.Setenv("MEMESCAN_RECONNECT_MAX_SECONDS", "2")
	t.Setenv("MEMESCAN_EXPORT_INTERVAL_MINUTES", "0")
	t.Setenv("MEMESCAN_DATA_DIR", "/var/lib/memescan")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if got, want := cfg.ListenAddress, ":9900"; got != want {
		t.Fatalf("listen = %q, want %q", got, want)
	}
	if got, want := cfg.DatabaseURL, "postgres://indexer:pw@localhost:5432/memescan"; got != want {
		t.Fatalf("database url = %q, want %q", got, want)
	}
	if cfg.ReconnectMin != 5*time.Second || cfg.ReconnectMax != 5*time.Second {
		t.Fatalf("reconnect window = %v..%v, want clamp to min", cfg.ReconnectMin, cfg.ReconnectMax)
	}
	if cfg.ExportInterval != 0 {
		t.Fatalf("export interval = %v, want disabled", cfg.ExportInterval)
	}
	if got, want := cfg.ExportDir, "/var/lib/memescan/exports"; got != want {
		t.Fatalf("export dir = %q, want %q", got, want)
	}
}

func TestFromEnvRejectsBadStreamURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEMESCAN_NODE_WS", "tcp://node.example")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error for non websocket scheme")
	}
}

func TestFromEnvRequiresPairedServiceKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEMESCAN_API_KEY", "memescan")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error when api secret is missing")
	}
	t.Setenv("MEMESCAN_API_SECRET", "topsecret")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.APIKey != "memescan" || cfg.APISecret != "topsecret" {
		t.Fatalf("service key = %q/%q", cfg.APIKey, cfg.APISecret)
	}
}
