package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	gatewayauth "memefi/gateway/auth"
	"memefi/gateway/compat"
	"memefi/gateway/config"
	"memefi/gateway/middleware"
	"memefi/gateway/routes"
	"memefi/observability/logging"
	telemetry "memefi/observability/otel"
)

func main() {
	var cfgPath string
	var compatModeFlag string
	var allowInsecureFlag bool
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration")
	flag.StringVar(&compatModeFlag, "compat-mode", "", "override legacy method compatibility mode (enabled|disabled|auto)")
	flag.BoolVar(&allowInsecureFlag, "allow-insecure", false, "DEV ONLY: permit plaintext listeners on loopback interfaces")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MEMEFI_ENV"))
	slogger := logging.Setup("gateway", env)
	logger := log.New(os.Stdout, "gateway ", log.LstdFlags|log.Lmsgprefix)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "gateway",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		slogger.Error("failed to initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	configDir := ""
	if strings.TrimSpace(cfgPath) != "" {
		configDir = filepath.Dir(cfgPath)
	}

	configuredMode := compat.ModeAuto
	if compatModeFlag != "" {
		parsed, err := compat.ParseMode(compatModeFlag)
		if err != nil {
			logger.Fatalf("parse compat-mode flag: %v", err)
		}
		configuredMode = parsed
	} else if envMode := strings.TrimSpace(os.Getenv("MEMEFI_COMPAT_MODE")); envMode != "" {
		parsed, err := compat.ParseMode(envMode)
		if err != nil {
			logger.Fatalf("parse MEMEFI_COMPAT_MODE: %v", err)
		}
		configuredMode = parsed
	}
	effectiveMode := compat.DefaultMode()
	if configuredMode != compat.ModeAuto {
		effectiveMode = configuredMode
	}
	enableCompat := compat.ShouldEnable(configuredMode)
	logger.Printf("compatibility mode: requested=%s effective=%s enabled=%t", configuredMode, effectiveMode, enableCompat)
	if _, err := compat.Plan(); err != nil {
		logger.Printf("compat deprecation plan not loaded: %v", err)
	}

	autoUpgrade := cfg.Security.AutoUpgradeHTTP
	if override := strings.TrimSpace(os.Getenv("MEMEFI_GATEWAY_AUTO_HTTPS")); override != "" {
		parsed, err := strconv.ParseBool(override)
		if err != nil {
			logger.Fatalf("parse MEMEFI_GATEWAY_AUTO_HTTPS: %v", err)
		}
		autoUpgrade = parsed
	}

	nodeEndpoint := cfg.Node.Endpoint
	if override := strings.TrimSpace(os.Getenv("MEMEFI_GATEWAY_NODE_URL")); override != "" {
		nodeEndpoint = override
	}
	parsedNode, err := url.Parse(nodeEndpoint)
	if err != nil {
		logger.Fatalf("parse node endpoint: %v", err)
	}
	nodeURL, upgraded, err := config.EnforceSecureScheme(env, parsedNode, autoUpgrade)
	if err != nil {
		logger.Fatalf("enforce HTTPS for node endpoint: %v", err)
	}
	if upgraded {
		logger.Printf("auto-upgraded node endpoint to HTTPS")
	}

	nodeToken := cfg.Node.RPCToken()
	if nodeToken == "" {
		logger.Printf("node RPC token not set; mutation forwarding disabled (set %s)", cfg.Node.RPCTokenEnv)
	}

	var compatHandler http.Handler
	if enableCompat {
		nodeClient := &http.Client{
			Timeout:   cfg.Node.Timeout + 5*time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		compatHandler = compat.NewDispatcher(nodeURL, nodeClient, compat.DefaultMappings).Handler()
		if cfg.RPCAuth.Enabled {
			serviceKeys, err := cfg.RPCAuth.ResolveKeys()
			if err != nil {
				logger.Fatalf("resolve rpc service keys: %v", err)
			}
			var persistence gatewayauth.NoncePersistence
			if noncePath := strings.TrimSpace(cfg.RPCAuth.NonceDB); noncePath != "" {
				store, err := gatewayauth.NewNonceDB(resolveConfigPath(configDir, noncePath))
				if err != nil {
					logger.Fatalf("open rpc nonce store: %v", err)
				}
				defer store.Close()
				persistence = store
			}
			verifier := gatewayauth.NewVerifier(serviceKeys, cfg.RPCAuth.TimestampSkew, cfg.RPCAuth.NonceTTL, nil, persistence)
			if err := verifier.Hydrate(context.Background(), time.Now().Add(-time.Hour)); err != nil {
				logger.Printf("hydrate rpc nonce cache: %v", err)
			}
			compatHandler = gatewayauth.NewRPCGate(verifier, nodeToken, logger).Middleware(compatHandler)
			logger.Printf("rpc service key auth enabled for %d keys", len(serviceKeys))
		}
	} else {
		logger.Println("legacy method compatibility dispatcher disabled")
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, logger)

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:        cfg.Auth.Enabled,
		HMACSecret:     cfg.Auth.HMACSecret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		ScopeClaim:     cfg.Auth.ScopeClaim,
		OptionalPaths:  cfg.Auth.OptionalPaths,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		ClockSkew:      cfg.Auth.ClockSkew,
	}, logger)

	rateLimits := make(map[string]middleware.RateLimit)
	for _, entry := range cfg.RateLimits {
		if entry.ID == "" {
			continue
		}
		rateLimits[entry.ID] = middleware.RateLimit{
			RatePerSecond: entry.RatePerSecond,
			Burst:         entry.Burst,
			DefaultTokens: entry.DefaultTokens,
			Tokens:        entry.Tokens,
		}
	}
	if len(rateLimits) == 0 {
		rateLimits["v1"] = middleware.RateLimit{
			RatePerSecond: 5,
			Burst:         25,
			Tokens: map[string]int{
				"POST /v1/memes": 5,
			},
		}
		rateLimits["rpc"] = middleware.RateLimit{RatePerSecond: 2, Burst: 10}
	}

	router, err := routes.New(routes.Config{
		Node:          nodeURL,
		NodeToken:     nodeToken,
		NodeTimeout:   cfg.Node.Timeout,
		CompatHandler: compatHandler,
		Authenticator: auth,
		RateLimiter:   middleware.NewRateLimiter(rateLimits, logger),
		Observability: obs,
		CORS: middleware.CORSConfig{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			AllowCredentials: false,
		},
		WriteScopes: []string{"meme.write"},
	})
	if err != nil {
		logger.Fatalf("configure routes: %v", err)
	}

	handler := http.Handler(router)
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, "gateway")
	}

	tlsConfig, err := buildTLSConfig(configDir, cfg.Security)
	if err != nil {
		logger.Fatalf("configure TLS: %v", err)
	}

	allowInsecure := cfg.Security.AllowInsecure || allowInsecureFlag
	if tlsConfig == nil {
		if !allowInsecure {
			logger.Fatal("gateway TLS certificate and key are required; provide security.tlsCertFile/tlsKeyFile or start with --allow-insecure in dev")
		}
		if !strings.EqualFold(env, "dev") && !isLoopbackAddress(cfg.ListenAddress) {
			logger.Fatal("plaintext gateway mode is restricted to loopback listeners or dev environment")
		}
	}

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	if tlsConfig != nil {
		server.TLSConfig = tlsConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	go func() {
		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
		}
		logger.Printf("listening on %s://%s", scheme, listener.Addr())
		var serveErr error
		if tlsConfig != nil {
			serveErr = server.Serve(tls.NewListener(listener, tlsConfig))
		} else {
			serveErr = server.Serve(listener)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Fatalf("listen and serve: %v", serveErr)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func buildTLSConfig(baseDir string, sec config.SecurityConfig) (*tls.Config, error) {
	certPath := resolveConfigPath(baseDir, sec.TLSCertFile)
	keyPath := resolveConfigPath(baseDir, sec.TLSKeyFile)
	caPath := resolveConfigPath(baseDir, sec.TLSClientCAFile)
	if strings.TrimSpace(certPath) == "" && strings.TrimSpace(keyPath) == "" && strings.TrimSpace(caPath) == "" {
		return nil, nil
	}
	if strings.TrimSpace(certPath) == "" || strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("security.tlsCertFile and security.tlsKeyFile must both be provided when enabling TLS")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if strings.TrimSpace(caPath) != "" {
		data, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("parse client CA file %s", caPath)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

func resolveConfigPath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if baseDir == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(baseDir, trimmed)
}

func isLoopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
