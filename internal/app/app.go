// Package app provides application-level wiring and dependency injection
// for the shapelake service following hexagonal architecture.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"shapelake/internal/api"
	"shapelake/internal/config"
	"shapelake/internal/db/repository"
	"shapelake/internal/domain"
	"shapelake/internal/service/ingest"
	"shapelake/internal/sink"
	"shapelake/internal/store"
)

// Deps holds the external dependencies that main() must provide.
// These are things the app package cannot (or should not) create itself:
// database handles and config.
type Deps struct {
	Cfg     *config.Config
	DuckDB  *sql.DB
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Logger  *slog.Logger
}

// App holds the fully-wired application.
type App struct {
	Ingest    *ingest.Service
	Retention *ingest.RetentionSweeper
	Router    http.Handler
}

// New wires the component store, sink, repositories, and services from the
// provided deps.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg

	componentStore, err := newComponentStore(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("component store: %w", err)
	}

	duckSink, err := sink.NewDuckDBSink(ctx, deps.DuckDB, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}

	sessionRepo := repository.NewSessionRepo(deps.WriteDB, deps.ReadDB)

	ingestSvc := ingest.NewService(sessionRepo, componentStore, duckSink, deps.Logger, ingest.Config{
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.UploadMaxAttempts,
		BackoffBase: cfg.UploadBackoff,
	})

	sweeper := ingest.NewRetentionSweeper(ingestSvc, cfg.RetentionTTL, deps.Logger)

	handler := api.NewHandler(ingestSvc, deps.Logger)
	router := api.NewRouter(handler, api.RouterConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
	})

	return &App{
		Ingest:    ingestSvc,
		Retention: sweeper,
		Router:    router,
	}, nil
}

// newComponentStore builds the configured component store backend.
func newComponentStore(ctx context.Context, cfg *config.StorageConfig) (domain.ComponentStore, error) {
	switch cfg.Backend {
	case "fs":
		return store.NewFSStore(cfg.DataDir)
	case "s3":
		return store.NewS3Store(store.S3Config{
			KeyID:    cfg.S3KeyID,
			Secret:   cfg.S3Secret,
			Endpoint: cfg.S3Endpoint,
			Region:   cfg.S3Region,
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
		})
	case "gcs":
		return store.NewGCSStore(ctx, cfg.GCSBucket)
	case "azure":
		return store.NewAzureStore(store.AzureConfig{
			Account:   cfg.AzureAccount,
			Key:       cfg.AzureKey,
			Container: cfg.AzureContainer,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
