package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the memefid daemon settings.
type Config struct {
	RPCAddress           string   `toml:"RPCAddress"`
	RPCAllowInsecure     bool     `toml:"RPCAllowInsecure"`
	RPCTrustProxyHeaders bool     `toml:"RPCTrustProxyHeaders"`
	RPCTrustedProxies    []string `toml:"RPCTrustedProxies"`
	RPCTLSCertFile       string   `toml:"RPCTLSCertFile"`
	RPCTLSKeyFile        string   `toml:"RPCTLSKeyFile"`
	DataDir              string   `toml:"DataDir"`
	NetworkName          string   `toml:"NetworkName"`
	AllowAutogenesis     bool     `toml:"AllowAutogenesis"`
	RPCReadHeaderTimeout int      `toml:"RPCReadHeaderTimeout"`
	RPCReadTimeout       int      `toml:"RPCReadTimeout"`
	RPCWriteTimeout      int      `toml:"RPCWriteTimeout"`
	RPCIdleTimeout       int      `toml:"RPCIdleTimeout"`

	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// LogConfig controls the optional rotating log file. Stdout logging is always
// on; a non-empty File tees the same JSON lines into the rotated file.
type LogConfig struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Enable   bool   `toml:"Enable"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

// Load loads the configuration from the given path, creating a commented-out
// default file when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = "127.0.0.1:8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./memefi-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "memefi-local"
	}
	if cfg.RPCReadHeaderTimeout == 0 {
		cfg.RPCReadHeaderTimeout = 5
	}
	if cfg.RPCReadTimeout == 0 {
		cfg.RPCReadTimeout = 15
	}
	if cfg.RPCWriteTimeout == 0 {
		cfg.RPCWriteTimeout = 15
	}
	if cfg.RPCIdleTimeout == 0 {
		cfg.RPCIdleTimeout = 60
	}
	if strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
		cfg.Telemetry.Endpoint = "localhost:4318"
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	// The generated file targets local development: loopback bind with the
	// plaintext escape hatch enabled. Production deployments supply TLS.
	cfg := &Config{
		RPCAddress:       "127.0.0.1:8080",
		RPCAllowInsecure: true,
		DataDir:          "./memefi-data",
		NetworkName:      "memefi-local",
		AllowAutogenesis: false,
		Telemetry: TelemetryConfig{
			Endpoint: "localhost:4318",
		},
	}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
