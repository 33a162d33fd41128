package config

import (
	"fmt"
	"strings"
)

func ValidateConfig(cfg *Config) error {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress must not be empty")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("config: DataDir must not be empty")
	}
	if cfg.RPCReadHeaderTimeout < 0 || cfg.RPCReadTimeout < 0 || cfg.RPCWriteTimeout < 0 || cfg.RPCIdleTimeout < 0 {
		return fmt.Errorf("config: RPC timeouts must not be negative")
	}
	certSet := strings.TrimSpace(cfg.RPCTLSCertFile) != ""
	keySet := strings.TrimSpace(cfg.RPCTLSKeyFile) != ""
	if certSet != keySet {
		return fmt.Errorf("config: RPCTLSCertFile and RPCTLSKeyFile must be set together")
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		return fmt.Errorf("config: log rotation limits must not be negative")
	}
	if cfg.Telemetry.Enable && strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
		return fmt.Errorf("config: telemetry enabled without an endpoint")
	}
	return nil
}
