package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"memefi/observability/logging"
	telemetry "memefi/observability/otel"
	"memefi/services/memescan/config"
	"memefi/services/memescan/export"
	"memefi/services/memescan/indexer"
	"memefi/services/memescan/models"
	"memefi/services/memescan/nodeclient"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("MEMEFI_ENV"))
	slogger := logging.Setup("memescan", env)
	logger := log.New(os.Stdout, "memescan ", log.LstdFlags|log.Lmsgprefix)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "memescan",
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

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatalf("ensure data dir: %v", err)
	}

	var db *gorm.DB
	if cfg.DatabaseURL != "" {
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	} else {
		db, err = gorm.Open(sqlite.Open(filepath.Join(cfg.DataDir, "memescan.db")), &gorm.Config{})
	}
	if err != nil {
		logger.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Fatalf("auto migrate error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node := nodeclient.New(nodeclient.Config{
		URL:       cfg.NodeRPCURL,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	})
	ix, err := indexer.New(indexer.Config{
		DB:         db,
		StreamURL:  cfg.NodeWSURL,
		Fetcher:    node,
		Logger:     logger,
		MinBackoff: cfg.ReconnectMin,
		MaxBackoff: cfg.ReconnectMax,
	})
	if err != nil {
		logger.Fatalf("indexer init error: %v", err)
	}
	go func() {
		if err := ix.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("indexer stopped: %v", err)
		}
	}()

	if cfg.ExportInterval > 0 {
		exporter, err := export.New(export.Config{
			DB:        db,
			OutputDir: cfg.ExportDir,
			Logger:    logger,
		})
		if err != nil {
			logger.Fatalf("exporter init error: %v", err)
		}
		scheduler := export.NewScheduler(export.SchedulerConfig{
			Exporter: exporter,
			Interval: cfg.ExportInterval,
			Logger:   logger,
		})
		go scheduler.Start(ctx)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Printf("starting memescan on %s", cfg.ListenAddress)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server error: %v", err)
	}
}
