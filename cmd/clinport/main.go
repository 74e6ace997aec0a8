package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clinport/clinport/internal/config"
	"github.com/clinport/clinport/internal/domain/imports"
	"github.com/clinport/clinport/internal/domain/terminology"
	"github.com/clinport/clinport/internal/platform/auth"
	"github.com/clinport/clinport/internal/platform/blobstore"
	"github.com/clinport/clinport/internal/platform/db"
	"github.com/clinport/clinport/internal/platform/events"
	"github.com/clinport/clinport/internal/platform/middleware"
	"github.com/clinport/clinport/internal/platform/storage"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinport",
		Short: "Clinical data import service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "" || os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the import API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Bulk persistence
	store := storage.NewPGStore(pool, cfg.StorageTimeout)
	policy := storage.RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, Backoff: cfg.RetryBackoff}
	bulk := imports.NewBulkImporter(store, policy, logger)

	// Terminology resolution, optionally cached in redis
	resolver := buildResolver(cfg, pool, logger)

	service := imports.NewService(logger, resolver, bulk)

	// Raw upload archive: object storage when configured, in-memory otherwise
	var archive blobstore.BlobStore
	if cfg.BlobEndpoint != "" {
		mc, err := blobstore.NewMinioBlobStore(ctx, blobstore.MinioConfig{
			Endpoint:  cfg.BlobEndpoint,
			AccessKey: cfg.BlobAccessKey,
			SecretKey: cfg.BlobSecretKey,
			Bucket:    cfg.BlobBucket,
			UseSSL:    cfg.BlobUseSSL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to object storage")
		}
		archive = mc
		logger.Info().Str("bucket", cfg.BlobBucket).Msg("upload archive enabled")
	} else {
		archive = blobstore.NewInMemoryBlobStore()
		logger.Warn().Msg("BLOB_ENDPOINT not set; uploads are archived in memory only")
	}

	// Import completion events
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to message broker")
		}
		publisher = p
		logger.Info().Msg("import event publishing enabled")
	}
	defer publisher.Close()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(cfg.ImportMaxBody))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	if cfg.AuthEnabled() {
		apiV1.Use(auth.Middleware(auth.Config{
			Secret: []byte(cfg.AuthSecret),
			Issuer: cfg.AuthIssuer,
		}))
	} else {
		logger.Warn().Msg("AUTH_SECRET not set; API is running without authentication")
	}

	handler := imports.NewHandler(service, archive, publisher, logger, 0)
	handler.RegisterRoutes(apiV1)

	// Start and wait for shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()
	logger.Info().Str("port", cfg.Port).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// buildResolver picks the terminology source: a remote service when
// TERMINOLOGY_URL is set, the local concept dimension otherwise. Either way
// a redis cache is layered on when REDIS_URL is configured.
func buildResolver(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) terminology.Resolver {
	var resolver terminology.Resolver
	if cfg.TerminologyURL != "" {
		resolver = terminology.NewHTTPResolver(cfg.TerminologyURL, 10*time.Second)
	} else {
		resolver = terminology.NewPGResolver(pool)
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		resolver = terminology.NewCachedResolver(resolver, redis.NewClient(opt), cfg.TerminologyCacheTTL)
		logger.Info().Msg("terminology cache enabled")
	}

	return resolver
}

func importCmd() *cobra.Command {
	var (
		persist     bool
		source      string
		duplicates  string
		batchSize   int
		txMode      string
		noValidate  bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "import <file-or-directory>",
		Short: "Import a clinical data file, or every file in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			opts := imports.DefaultOptions()
			opts.ValidateData = !noValidate
			opts.SourceSystem = source
			if duplicates != "" {
				opts.DuplicateHandling = imports.DuplicateHandling(duplicates)
			}
			if batchSize > 0 {
				opts.BatchSize = batchSize
			}
			if txMode != "" {
				opts.TransactionMode = imports.TransactionMode(txMode)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var bulk *imports.BulkImporter
			if persist {
				if cfg.DatabaseURL == "" {
					return fmt.Errorf("DATABASE_URL is required with --persist")
				}
				pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
				if err != nil {
					return err
				}
				defer pool.Close()
				store := storage.NewPGStore(pool, cfg.StorageTimeout)
				policy := storage.RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, Backoff: cfg.RetryBackoff}
				bulk = imports.NewBulkImporter(store, policy, logger)
			}

			service := imports.NewService(logger, nil, bulk)

			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			if info.IsDir() {
				return importDirectory(ctx, service, args[0], opts, persist, concurrency)
			}
			return importOne(ctx, service, args[0], opts, persist)
		},
	}

	cmd.Flags().BoolVar(&persist, "persist", false, "Write imported records to the database")
	cmd.Flags().StringVar(&source, "source", "", "Source system recorded on imported rows")
	cmd.Flags().StringVar(&duplicates, "duplicates", "", "Duplicate handling: skip, update or error")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Rows per transaction in batch mode")
	cmd.Flags().StringVar(&txMode, "transaction-mode", "", "Transaction mode: single, batch or none")
	cmd.Flags().BoolVar(&noValidate, "no-validate", false, "Skip structural validation")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Parallel imports for directory mode")

	return cmd
}

func importOne(ctx context.Context, service *imports.Service, path string, opts imports.Options, persist bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var result imports.Result
	if persist {
		result, _, err = service.ImportAndStore(ctx, data, filepath.Base(path), opts)
		if err != nil {
			return err
		}
	} else {
		result = service.ImportFile(ctx, data, filepath.Base(path), opts)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !result.Success {
		return fmt.Errorf("import of %s failed", path)
	}
	return nil
}

// importDirectory fans the files of a directory out over a bounded worker
// group. Subdirectories are not descended into.
func importDirectory(ctx context.Context, service *imports.Service, dir string, opts imports.Options, persist bool, concurrency int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		imported++
		g.Go(func() error {
			return importOne(gctx, service, path, opts, persist)
		})
	}

	if imported == 0 {
		return fmt.Errorf("no files found in %s", dir)
	}
	return g.Wait()
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}
