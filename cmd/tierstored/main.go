// tierstored is the tiered storage and query engine daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coldpoint/tierstore/internal/config"
	"github.com/coldpoint/tierstore/internal/ingest"
	"github.com/coldpoint/tierstore/internal/logging"
	"github.com/coldpoint/tierstore/internal/server"
	"github.com/coldpoint/tierstore/internal/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "log as JSON")
	flag.Parse()

	logging.Init(parseLevel(*logLevel), *logJSON)
	logging.Info("tierstored starting", "version", Version)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Warn("no config file found, using defaults", "path", *cfgPath)
			cfg = config.DefaultConfig()
		} else {
			logging.Error("load config failed", "error", err)
			os.Exit(1)
		}
	}

	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if token := os.Getenv("TIERSTORE_API_TOKEN"); token != "" {
		cfg.Ingest.APIToken = token
	}

	svc, err := storage.New(cfg)
	if err != nil {
		logging.Error("create storage service failed", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		logging.Error("start storage service failed", "error", err)
		os.Exit(1)
	}

	var ingestSvc *ingest.Service
	if cfg.Ingest.SourceURL != "" {
		source := ingest.NewHTTPSource(cfg.Ingest)
		ingestSvc = ingest.New(source, svc.HotStore(), cfg.Ingest)
		ingestSvc.Start(ctx)
		logging.Info("ingest sync started",
			"source", cfg.Ingest.SourceURL,
			"interval", cfg.Ingest.SyncInterval)
	} else {
		logging.Info("ingest disabled, no source_url configured")
	}

	srv := server.New(cfg, svc)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logging.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown", "error", err)
		}
		if ingestSvc != nil {
			ingestSvc.Stop()
		}
		if err := svc.Stop(); err != nil {
			logging.Warn("storage stop", "error", err)
		}
	}()

	if err := srv.Start(); err != nil {
		logging.Error("server error", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
