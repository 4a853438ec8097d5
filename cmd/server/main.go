// server is the persistent memory engine binary. It speaks the newline-framed
// JSON protocol on stdin/stdout; all logging goes to stderr or the configured
// log file so stdout stays clean for responses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"infinite-mcp-memory/internal/config"
	"infinite-mcp-memory/internal/embeddings"
	"infinite-mcp-memory/internal/logging"
	"infinite-mcp-memory/internal/mcp"
	"infinite-mcp-memory/internal/memory"
	"infinite-mcp-memory/internal/persistence"
	"infinite-mcp-memory/internal/repository"
	"infinite-mcp-memory/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a config file (overrides the search path)")
		testMode   = flag.Bool("test-mode", false, "Use deterministic embeddings instead of the ONNX model")
	)
	flag.Parse()

	if err := run(*configPath, *testMode); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, testMode bool) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfigFrom([]string{configPath})
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if testMode {
		cfg.Embedding.TestMode = true
	}

	logger, err := buildLogger(&cfg.Logging)
	if err != nil {
		// The fallback stderr logger is still usable; note the failure.
		logger.Warn("log file unavailable, logging to stderr", "error", err)
	}
	logger.Info("starting memory engine",
		"database_mode", cfg.Database.Mode,
		"embedding_model", cfg.Embedding.ModelName,
		"test_mode", cfg.Embedding.TestMode)

	store, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}

	embedder, err := embeddings.NewService(&cfg.Embedding, logger)
	if err != nil {
		return fmt.Errorf("initialize embeddings: %w", err)
	}
	defer func() {
		if err := embedder.Close(); err != nil {
			logger.Error("embedder close failed", "error", err)
		}
	}()
	if cfg.Embedding.AsyncEnabled {
		embedder.Start()
	}

	repo := repository.New(store, embedder, logger)
	svc := memory.NewService(repo, cfg.Memory, logger)

	var backup mcp.BackupRunner
	if cfg.Backup.Enabled {
		mgr, err := persistence.NewManager(store, cfg.Backup, logger)
		if err != nil {
			return fmt.Errorf("initialize backups: %w", err)
		}
		backup = mgr
	}

	server := mcp.NewServer(&cfg.Server, logger)
	mcp.NewHandlers(svc, embedder, backup, logger).RegisterAll(server)

	logger.Info("serving on stdio")
	if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("shutting down")
	return nil
}

func buildLogger(cfg *config.LoggingConfig) (logging.Logger, error) {
	level := logging.ParseLogLevel(cfg.Level)
	if cfg.File != "" {
		return logging.NewFileLogger(level, cfg.Format, config.ExpandHome(cfg.File))
	}
	return logging.NewLogger(level, cfg.Format), nil
}

func buildStore(cfg *config.Config, logger logging.Logger) (storage.Store, error) {
	switch cfg.Database.Mode {
	case "external":
		return storage.NewExternalStore(cfg.Database.URI, cfg.Memory.DefaultScope, logger)
	default:
		dataDir, err := cfg.GetDataDir()
		if err != nil {
			return nil, err
		}
		return storage.NewEmbeddedStore(dataDir, cfg.Memory.DefaultScope, logger)
	}
}
