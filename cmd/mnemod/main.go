package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mwynn/mnemod/assemble"
	"github.com/mwynn/mnemod/config"
	"github.com/mwynn/mnemod/consolidate"
	"github.com/mwynn/mnemod/episodic"
	mnemologger "github.com/mwynn/mnemod/logger"
	"github.com/mwynn/mnemod/migrations"
	"github.com/mwynn/mnemod/oracle"
	"github.com/mwynn/mnemod/runtime"
	"github.com/mwynn/mnemod/semantic"
	"github.com/mwynn/mnemod/server"
	"github.com/mwynn/mnemod/transcript"
	"github.com/mwynn/mnemod/worldmodel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listenAddr  = flag.String("listen", "", "TCP address to listen on (overrides config)")
		logFile     = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty      = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		dbPath      = flag.String("db", "", "Path to SQLite database file (overrides config)")
		writeConfig = flag.Bool("write-config", false, "Write the effective configuration to the config path and exit")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	logger, err := mnemologger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(config.GetConfigPath())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	if *writeConfig {
		path := config.GetConfigPath()
		if err := config.Save(cfg, path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		logger.Info().Str("path", path).Msg("Configuration written")
		return nil
	}

	logger.Info().
		Str("listen", cfg.Listen).
		Str("db", cfg.DBPath).
		Msg("mnemod starting")

	// ---------------------------
	// 1. SQLite + migrations
	// ---------------------------

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // No remedy for db close errors

	if err := migrations.Run(db, "./migrations", logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// ---------------------------
	// 2. Stores
	// ---------------------------

	episodicProvider, err := config.NewEmbeddingProvider(cfg, cfg.EpisodicEmbedding)
	if err != nil {
		return fmt.Errorf("failed to create episodic embedding provider: %w", err)
	}
	semanticProvider, err := config.NewEmbeddingProvider(cfg, cfg.SemanticEmbedding)
	if err != nil {
		return fmt.Errorf("failed to create semantic embedding provider: %w", err)
	}

	episodicStore := episodic.NewStore(db, episodicProvider, logger)
	semanticStore := semantic.NewStore(db, semanticProvider, semantic.Options{
		ResolveThreshold:  cfg.Thresholds.EntityResolve,
		RetrieveThreshold: cfg.Thresholds.EntityRetrieve,
	}, logger)
	worldStore := worldmodel.NewStore(db, worldmodel.Options{
		ThoughtTTLHours: cfg.Sweeps.ThoughtDefaultTTLh,
	}, logger)
	transcriptStore := transcript.NewStore(db)

	// ---------------------------
	// 3. Oracle + orchestrator
	// ---------------------------

	if cfg.AnthropicAPIKey == "" {
		return fmt.Errorf("missing anthropic API key (config anthropic_api_key or ANTHROPIC_API_KEY)")
	}
	extractor, err := oracle.NewAnthropicExtractor(cfg.AnthropicAPIKey, cfg.Oracle.Model, int64(cfg.Oracle.MaxTokens), logger)
	if err != nil {
		return fmt.Errorf("failed to create extractor: %w", err)
	}
	var summarizer oracle.Summarizer
	if cfg.OpenAIAPIKey != "" {
		summarizer, err = oracle.NewOpenAISummarizer(cfg.OpenAIAPIKey, cfg.Summarizer.Model, cfg.Summarizer.BaseURL, logger)
		if err != nil {
			return fmt.Errorf("failed to create summarizer: %w", err)
		}
	} else {
		logger.Warn().Msg("No OpenAI API key configured, transcript compaction disabled")
	}

	pool := consolidate.NewPool(cfg.Consolidation.Workers, cfg.Consolidation.QueueDepth, logger)
	defer pool.Shutdown()

	orchestrator := consolidate.NewOrchestrator(
		episodicStore, semanticStore, worldStore, transcriptStore,
		extractor, summarizer, pool,
		consolidate.Thresholds{
			CompactEveryTurns:  cfg.Consolidation.CompactEveryTurns,
			CompactAfterChars:  cfg.Consolidation.CompactAfterChars,
			CompactWindowTurns: cfg.Consolidation.CompactWindowTurns,
		},
		logger)

	builder := assemble.NewBuilder(episodicStore, semanticStore, worldStore, 5, 5, logger)

	// ---------------------------
	// 4. Background sweeps
	// ---------------------------

	var sweeper *runtime.Sweeper
	if !cfg.Sweeps.DisableSweeps {
		sweeper = runtime.NewSweeper(episodicStore, worldStore, runtime.SweepConfig{
			EpisodicSchedule:   cfg.Sweeps.EpisodicCron,
			EpisodicThreshold:  cfg.Sweeps.EpisodicThreshold,
			WorldModelSchedule: cfg.Sweeps.WorldModelCron,
		}, logger)
		if err := sweeper.Start(); err != nil {
			return fmt.Errorf("failed to start sweeper: %w", err)
		}
		defer sweeper.Stop()
	} else {
		logger.Info().Msg("Background sweeps are disabled")
	}

	// ---------------------------
	// 5. HTTP server
	// ---------------------------

	srv := server.New(episodicStore, semanticStore, worldStore, orchestrator, builder, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ServeTCP(cfg.Listen)
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.GracefulStop(shutdownCtx)
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info().Msg("mnemod shutdown complete")
	return nil
}
