package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"devicelab/api"
	"devicelab/auth"
	"devicelab/booking"
	"devicelab/config"
	"devicelab/gateway"
	"devicelab/mirror"
	"devicelab/registry"
	"devicelab/session"
	"devicelab/upload"
)

const (
	appName    = "DeviceLab"
	appVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", appName, appVersion)
		os.Exit(0)
	}

	if *configPath == "" {
		log.Fatal("Error: -config flag is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := setupLogging(cfg, *debug)
	logger.Info("Starting DeviceLab",
		"version", appVersion,
		"instance", cfg.App.InstanceID,
		"config", *configPath)

	secret, err := cfg.Auth.Secret()
	if err != nil {
		logger.Error("Failed to load JWT secret", "error", err)
		os.Exit(1)
	}

	store, err := booking.OpenSQLite(cfg.Database.Path, logger.With("component", "booking"))
	if err != nil {
		logger.Error("Failed to open booking database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	authenticator := auth.New(secret, store, logger.With("component", "auth"))
	devices := registry.New(logger.With("component", "registry"))
	sessions := session.NewManager(logger.With("component", "session"))
	broadcast := gateway.New(logger.With("component", "gateway"))
	uploader := upload.New(cfg.Upload.DataDir, logger.With("component", "upload"))

	// Best-effort telemetry mirror: every serial line to a rotating archive
	// and/or a NATS subject. The live pipeline does not depend on it.
	var lineMirror *mirror.Mirror
	if cfg.Mirror.Enabled {
		mirrorLogger := logger.With("component", "mirror")
		mirrorCfg := mirror.Config{
			ArchivePath:   cfg.Mirror.ArchivePath,
			ArchiveSizeMB: cfg.Mirror.ArchiveSizeMB,
			ArchiveKeep:   cfg.Mirror.ArchiveKeep,
			Compress:      cfg.Mirror.Compress,
			SubjectPrefix: cfg.Mirror.SubjectPrefix,
			Logger:        mirrorLogger,
		}
		if cfg.Mirror.NATSURL != "" {
			conn, err := mirror.Connect(cfg.Mirror.NATSURL, cfg.Mirror.MaxReconnects, mirrorLogger)
			if err != nil {
				logger.Warn("Telemetry mirror running without NATS", "error", err)
			} else {
				mirrorCfg.NATSConn = conn
				defer conn.Close()
			}
		}
		lineMirror = mirror.New(mirrorCfg)
		defer lineMirror.Close()
		sessions.SetLineHook(lineMirror.Publish)
	}

	handler := api.NewHandler(api.HandlerConfig{
		Registry: devices,
		Sessions: sessions,
		Gateway:  broadcast,
		Auth:     authenticator,
		Bookings: store,
		Uploader: uploader,
		BaudRate: cfg.Serial.BaudRate,
		Logger:   logger.With("component", "api"),
	})

	server := api.NewServer(cfg.Server.Port, handler, logger.With("component", "server"))
	server.Start()

	logger.Info("DeviceLab started", "port", cfg.Server.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("Error stopping API server", "error", err)
	}

	done := make(chan struct{})
	go func() {
		sessions.ShutdownAll()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timed out, forcing exit")
	}

	logger.Info("DeviceLab stopped")
}

// setupLogging configures logging with optional file rotation
func setupLogging(cfg *config.Config, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	} else {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Logging.BasePath != "" {
		if err := os.MkdirAll(cfg.Logging.BasePath, 0755); err != nil {
			log.Printf("Warning: failed to create log directory: %v", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			writer := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.Logging.BasePath, "devicelab.log"),
				MaxSize:    cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				Compress:   cfg.Logging.Compress,
			}
			handler = slog.NewJSONHandler(writer, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
