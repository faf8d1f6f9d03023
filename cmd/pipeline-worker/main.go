package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/photoshare-pipeline/internal/api/handlers/health"
	"github.com/aliskhannn/photoshare-pipeline/internal/api/router"
	"github.com/aliskhannn/photoshare-pipeline/internal/api/server"
	"github.com/aliskhannn/photoshare-pipeline/internal/config"
	"github.com/aliskhannn/photoshare-pipeline/internal/infra/kafka/consumer"
	notificationmsg "github.com/aliskhannn/photoshare-pipeline/internal/kafka/handlers/notification"
	"github.com/aliskhannn/photoshare-pipeline/internal/pipeline"
	photorepo "github.com/aliskhannn/photoshare-pipeline/internal/repository/photo"
	"github.com/aliskhannn/photoshare-pipeline/internal/storage/object"
	"github.com/aliskhannn/photoshare-pipeline/internal/tagger"
	"github.com/aliskhannn/photoshare-pipeline/internal/transform"
)

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config")

	// Connect to PostgreSQL (master and slaves).
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	// Collect slave DSNs for replica connections.
	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Apply schema migrations on the master.
	if err := photorepo.Migrate(db.Master); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Retry strategy for Kafka and other external calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Initialize the object store (MinIO) and make sure all buckets exist.
	store, err := object.New(cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.UseSSL)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
	}

	for _, bucket := range []string{cfg.Storage.SourceBucket, cfg.Storage.ProcessedBucket, cfg.Storage.ThumbnailsBucket} {
		if err := store.EnsureBucket(ctx, bucket); err != nil {
			zlog.Logger.Fatal().Err(err).Str("bucket", bucket).Msg("failed to ensure bucket")
		}
	}

	// Derived-asset transformer.
	transformer := transform.New(transform.Config{
		MaxWidth:         cfg.Transform.MaxWidth,
		MaxHeight:        cfg.Transform.MaxHeight,
		Quality:          cfg.Transform.Quality,
		ThumbnailQuality: cfg.Transform.ThumbnailQuality,
		ThumbnailSizes:   cfg.Transform.ThumbnailSizes,
		WatermarkText:    cfg.Transform.WatermarkText,
		WatermarkFont:    cfg.Transform.WatermarkFont,
	})

	// Optional label-detection client.
	var tagClient *tagger.Client
	if cfg.Tagger.Enabled {
		tagClient = tagger.New(tagger.Config{
			Endpoint:      cfg.Tagger.Endpoint,
			APIKey:        cfg.Tagger.APIKey,
			MaxLabels:     cfg.Tagger.MaxLabels,
			MinConfidence: cfg.Tagger.MinConfidence,
			Timeout:       cfg.Tagger.Timeout,
		}, strategy)
	}

	// Repository and pipeline coordinator.
	repo := photorepo.NewRepository(db)

	coordinator := buildCoordinator(store, transformer, tagClient, repo, cfg)

	// Kafka message handler for storage-creation notifications.
	createdHandler := notificationmsg.NewCreatedHandler(coordinator)

	// Kafka consumer for bucket-notification events.
	c := consumer.New(&cfg.Kafka, strategy, createdHandler)

	// Start Kafka consumer in a separate goroutine.
	var wg sync.WaitGroup
	wg.Add(1)
	go c.Consume(ctx, &wg)

	// Start the health endpoint in a separate goroutine.
	r := router.Setup(health.NewHandler(db))
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Wait for Kafka consumer goroutine to finish.
	wg.Wait()

	// Graceful shutdown with timeout for the health server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Close Kafka consumer client.
	if err := c.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
	}

	// Close master and slave databases.
	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close master DB: %v", err)
	}
	for i, slave := range db.Slaves {
		if err := slave.Close(); err != nil {
			zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
		}
	}
}

// buildCoordinator wires the pipeline. The tagger interface value must stay
// nil when tagging is disabled, not a nil *tagger.Client.
func buildCoordinator(
	store *object.Store,
	transformer *transform.Transformer,
	tagClient *tagger.Client,
	repo *photorepo.Repository,
	cfg *config.Config,
) *pipeline.Coordinator {
	pcfg := pipeline.Config{
		ProcessedBucket:  cfg.Storage.ProcessedBucket,
		ThumbnailsBucket: cfg.Storage.ThumbnailsBucket,
		TaggingEnabled:   cfg.Tagger.Enabled,
	}

	if tagClient == nil {
		return pipeline.New(store, transformer, nil, repo, pcfg)
	}

	return pipeline.New(store, transformer, tagClient, repo, pcfg)
}
