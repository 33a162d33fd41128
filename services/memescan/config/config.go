package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the memescan indexer.
type Config struct {
	ListenAddress  string
	DatabaseURL    string
	DataDir        string
	NodeWSURL      string
	NodeRPCURL     string
	APIKey         string
	APISecret      string
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	ExportInterval time.Duration
	ExportDir      string
}

// FromEnv loads configuration from environment variables.
func FromEnv() (*Config, error) {
	dataDir := getEnvDefault("MEMESCAN_DATA_DIR", "memescan-data")

	wsURL := getEnvDefault("MEMESCAN_NODE_WS", "ws://127.0.0.1:8080/ws/activity")
	if !strings.HasPrefix(wsURL, "ws://") && !strings.HasPrefix(wsURL, "wss://") &&
		!strings.HasPrefix(wsURL, "http://") && !strings.HasPrefix(wsURL, "https://") {
		return nil, fmt.Errorf("invalid MEMESCAN_NODE_WS %q", wsURL)
	}

	rpcURL := getEnvDefault("MEMESCAN_NODE_RPC", "http://127.0.0.1:8080")
	if !strings.HasPrefix(rpcURL, "http://") && !strings.HasPrefix(rpcURL, "https://") {
		return nil, fmt.Errorf("invalid MEMESCAN_NODE_RPC %q", rpcURL)
	}

	apiKey := strings.TrimSpace(os.Getenv("MEMESCAN_API_KEY"))
	apiSecret := strings.TrimSpace(os.Getenv("MEMESCAN_API_SECRET"))
	if (apiKey == "") != (apiSecret == "") {
		return nil, fmt.Errorf("MEMESCAN_API_KEY and MEMESCAN_API_SECRET must be set together")
	}

	reconnectMin := parseIntEnv("MEMESCAN_RECONNECT_MIN_SECONDS", 1)
	if reconnectMin <= 0 {
		reconnectMin = 1
	}
	reconnectMax := parseIntEnv("MEMESCAN_RECONNECT_MAX_SECONDS", 30)
	if reconnectMax < reconnectMin {
		reconnectMax = reconnectMin
	}

	exportMinutes := parseIntEnv("MEMESCAN_EXPORT_INTERVAL_MINUTES", 60)
	if exportMinutes < 0 {
		exportMinutes = 0
	}

	exportDir := getEnvDefault("MEMESCAN_EXPORT_DIR", filepath.Join(dataDir, "exports"))

	return &Config{
		ListenAddress:  normalizeListen(getEnvDefault("MEMESCAN_LISTEN", ":8091")),
		DatabaseURL:    strings.TrimSpace(os.Getenv("MEMESCAN_DB_URL")),
		DataDir:        dataDir,
		NodeWSURL:      wsURL,
		NodeRPCURL:     rpcURL,
		APIKey:         apiKey,
		APISecret:      apiSecret,
		ReconnectMin:   time.Duration(reconnectMin) * time.Second,
		ReconnectMax:   time.Duration(reconnectMax) * time.Second,
		ExportInterval: time.Duration(exportMinutes) * time.Minute,
		ExportDir:      exportDir,
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func normalizeListen(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return ":8091"
	}
	if !strings.Contains(trimmed, ":") {
		return ":" + trimmed
	}
	return trimmed
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}
