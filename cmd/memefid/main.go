package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"memefi/config"
	"memefi/core"
	"memefi/native/meme"
	"memefi/observability/logging"
	"memefi/observability/otel"
	"memefi/rpc"
	"memefi/storage"
)

const allowAutogenesisEnv = "MEMEFI_ALLOW_AUTOGENESIS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	allowAutogenesisFlag := flag.Bool("allow-autogenesis", false, "DEV ONLY: allow bootstrapping a fresh ledger when the data directory holds none")
	allowMigrateFlag := flag.Bool("allow-migrate", false, "Allow starting with a mismatched state schema (manual migrations only)")
	flag.Parse()

	allowAutogenesisCLISet := flagWasProvided("allow-autogenesis")

	env := strings.TrimSpace(os.Getenv("MEMEFI_ENV"))
	logger := logging.Setup("memefid", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	if strings.TrimSpace(cfg.Log.File) != "" {
		logger = logging.SetupWithRotation("memefid", env, &logging.FileRotation{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
	}

	if cfg.Telemetry.Enable {
		shutdown, err := otel.Init(context.Background(), otel.Config{
			ServiceName: "memefid",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			logger.Error("Failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	allowAutogenesis, err := resolveAllowAutogenesis(cfg.AllowAutogenesis, allowAutogenesisCLISet, *allowAutogenesisFlag, os.LookupEnv)
	if err != nil {
		logger.Error("Failed to resolve autogenesis setting", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}

	node, err := core.NewNode(db, allowAutogenesis, *allowMigrateFlag)
	if err != nil {
		db.Close()
		if errors.Is(err, meme.ErrNotInitialized) {
			logger.Error("No ledger found in the data directory",
				slog.String("hint", "bootstrap one with --allow-autogenesis, "+allowAutogenesisEnv+", or config AllowAutogenesis"))
		} else {
			logger.Error("Failed to initialise node", slog.Any("error", err))
		}
		os.Exit(1)
	}
	defer node.Close()

	rpcServer := rpc.NewServer(node, rpc.ServerConfig{
		AllowInsecure:     cfg.RPCAllowInsecure,
		TrustProxyHeaders: cfg.RPCTrustProxyHeaders,
		TrustedProxies:    append([]string{}, cfg.RPCTrustedProxies...),
		TLSCertFile:       cfg.RPCTLSCertFile,
		TLSKeyFile:        cfg.RPCTLSKeyFile,
		ReadHeaderTimeout: time.Duration(cfg.RPCReadHeaderTimeout) * time.Second,
		ReadTimeout:       time.Duration(cfg.RPCReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.RPCWriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.RPCIdleTimeout) * time.Second,
	})

	rpcErrCh := make(chan error, 1)
	go func() {
		err := rpcServer.Start(cfg.RPCAddress)
		rpcErrCh <- err
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		if err, ok := <-rpcErrCh; ok && err != nil {
			logger.Error("RPC server terminated", slog.Any("error", err))
		}
	}()

	logger.Info("memefi node initialised and running",
		slog.String("network", cfg.NetworkName),
		slog.String("rpc", cfg.RPCAddress))
	select {}
}

type envLookupFunc func(string) (string, bool)

func resolveAllowAutogenesis(cfgValue bool, cliSet bool, cliValue bool, lookup envLookupFunc) (bool, error) {
	allow := cfgValue

	if lookup != nil {
		if value, ok := lookup(allowAutogenesisEnv); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				parsed, err := strconv.ParseBool(trimmed)
				if err != nil {
					return false, fmt.Errorf("invalid %s value %q: %w", allowAutogenesisEnv, trimmed, err)
				}
				allow = parsed
			}
		}
	}

	if cliSet {
		allow = cliValue
	}

	return allow, nil
}

func flagWasProvided(name string) bool {
	provided := false
	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == name {
			provided = true
		}
	})
	return provided
}

func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
