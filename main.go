package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"negotiatechat/internal/api"
	"negotiatechat/internal/config"
	"negotiatechat/internal/contextwindow"
	"negotiatechat/internal/models"
	"negotiatechat/internal/orchestrator"
	"negotiatechat/internal/provider"
	"negotiatechat/internal/redis"
	"negotiatechat/internal/storage"
	"negotiatechat/internal/streams"
	"negotiatechat/internal/tokens"
	"negotiatechat/internal/tools"
	"negotiatechat/internal/usage"
	"negotiatechat/internal/worker"
)

var (
	cfgPath string
	dbType  string
)

var rootCmd = &cobra.Command{
	Use:   "negotiatechat",
	Short: "Chat backend that runs tool-augmented model turns over SSE",
	RunE:  runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update database tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		db, driver, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := storage.Migrate(db, driver); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("database migrated", "driver", driver)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config.json (env NEGOTIATECHAT_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dbType, "db", "", "database section to use (env NEGOTIATECHAT_DB, default basic_config.db_type)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, *slog.Logger, error) {
	// A missing .env is fine; real environment variables win.
	_ = godotenv.Load()

	if cfgPath == "" {
		cfgPath = os.Getenv("NEGOTIATECHAT_CONFIG")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.BasicConfig.LogLevel)}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func openDatabase(cfg *config.Config) (*sql.DB, string, error) {
	driver := dbType
	if driver == "" {
		driver = os.Getenv("NEGOTIATECHAT_DB")
	}
	if driver == "" {
		driver = cfg.BasicConfig.DBType
	}
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}
	return db, driver, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, driver, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database opened", "driver", driver)
	if err := storage.Migrate(db, driver); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		if rdb, err = redis.NewRedisClient(cfg); err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
	}

	estimator := tokens.New()
	store := storage.NewStore(db, driver, estimator)

	toolRegistry, err := buildTools(ctx, cfg, logger)
	if err != nil {
		return err
	}
	modelRegistry, err := provider.BuildRegistry(ctx, cfg, func(ctx context.Context, _ string, mc config.ModelConfig) (provider.Provider, error) {
		chatModel, err := provider.NewChatModel(ctx, mc.Provider, cfg.Providers[mc.Provider], mc.Model, cfg.Context.MaxOutputTokens)
		if err != nil {
			return nil, err
		}
		return provider.NewEino(chatModel, logger), nil
	})
	if err != nil {
		return fmt.Errorf("build model registry: %w", err)
	}

	catalog := buildCatalog(cfg, rdb, logger)
	catalog.Start(ctx)

	streamOpts := []streams.Option{streams.WithLogger(logger)}
	if rdb != nil {
		streamOpts = append(streamOpts, streams.WithMirror(rdb, time.Duration(cfg.BasicConfig.StreamTimeout)*time.Second))
	}
	streamRegistry := streams.NewRegistry(streamOpts...)
	if err := streamRegistry.Listen(ctx); err != nil {
		logger.Warn("stream cancel listener unavailable", "error", err)
	}

	pool := worker.NewPool(worker.Config{
		MinWorkers: cfg.BasicConfig.MinWorkers,
		MaxWorkers: cfg.BasicConfig.MaxWorkers,
		IdleExpiry: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, logger)
	defer pool.Close()

	turns, err := orchestrator.New(orchestrator.Config{
		MaxRoundTrips:   cfg.Context.MaxRoundTrips,
		MaxOutputTokens: cfg.Context.MaxOutputTokens,
		DefaultBudget: models.ContextBudget{
			MaxTotalTokens:          cfg.Context.MaxTotalTokens,
			ReservedForResponse:     cfg.Context.ReservedForResponse,
			ReservedForSystemPrompt: cfg.Context.ReservedForSystemPrompt,
			MinMessages:             cfg.HistoryFloor(),
		},
	}, orchestrator.Deps{
		History:    store,
		Sink:       store,
		Models:     modelRegistry,
		ToolSets:   toolRegistry,
		Reconciler: usage.NewReconciler(catalog, time.Duration(cfg.Usage.FetchTimeoutMs)*time.Millisecond, logger),
		Builder:    contextwindow.New(estimator, contextwindow.WithStrictBudget(cfg.Context.StrictBudget)),
		Estimator:  estimator,
		Streams:    streamRegistry,
		Runner:     pool,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	handlers := api.NewHandler(store, turns, modelRegistry, time.Duration(cfg.BasicConfig.StreamTimeout)*time.Second, logger)
	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{Addr: addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}
	return nil
}

func buildTools(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*tools.Registry, error) {
	var toolLogger *slog.Logger
	if cfg.Tools.Logging != nil && *cfg.Tools.Logging {
		toolLogger = logger
	}
	reg := tools.NewRegistry(cfg.Tools.Sets, cfg.ToolTimeout, toolLogger)
	if err := reg.Register(ctx, tools.NewCurrentDate()); err != nil {
		return nil, err
	}
	search, err := tools.NewWebSearch(ctx, tools.WebSearchConfig{
		GoogleAPIKey:   cfg.Tools.GoogleAPIKey,
		GoogleEngineID: cfg.Tools.GoogleEngineID,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init web search: %w", err)
	}
	if err := reg.Register(ctx, search); err != nil {
		return nil, err
	}
	reader, err := tools.NewReadDocument(ctx, cfg.Tools.KnowledgeDir)
	if err != nil {
		return nil, fmt.Errorf("init document reader: %w", err)
	}
	if err := reg.Register(ctx, reader); err != nil {
		return nil, err
	}
	for name := range cfg.Tools.Sets {
		if _, err := reg.Set(name); err != nil {
			return nil, fmt.Errorf("tool set %s: %w", name, err)
		}
	}
	return reg, nil
}

func buildCatalog(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) *usage.CachedCatalog {
	var source usage.Source = usage.NewStaticSource(cfg.Models)
	if cfg.Usage.CatalogURL != "" {
		source = usage.NewHTTPSource(cfg.Usage.CatalogURL, nil)
	}
	opts := []usage.CacheOption{usage.WithLogger(logger)}
	if rdb != nil && cfg.Usage.CacheInRedis {
		opts = append(opts, usage.WithSharedStore(rdb))
	}
	return usage.NewCachedCatalog(source, time.Duration(cfg.Usage.RefreshInterval)*time.Minute, opts...)
}
