// Package app wires the catalog, object cache, remote client, engine,
// notifier and service from a Config. Both the server and reposyncctl use it.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/reposync/reposync/internal/catalog/sqlstore"
	"github.com/reposync/reposync/internal/config"
	"github.com/reposync/reposync/internal/engine"
	"github.com/reposync/reposync/internal/logging"
	"github.com/reposync/reposync/internal/remote/github"
	"github.com/reposync/reposync/internal/retry"
	"github.com/reposync/reposync/internal/service"
	"github.com/reposync/reposync/internal/storage"
	"github.com/reposync/reposync/internal/storage/local"
	s3backend "github.com/reposync/reposync/internal/storage/s3"
	"github.com/reposync/reposync/internal/tracker"
)

// App holds the wired components. Nothing is started by Build.
type App struct {
	Config     *config.Config
	Catalog    *sqlstore.Store
	Backend    storage.Backend
	Remote     *github.Client
	Engine     *engine.Engine
	Tracker    tracker.Tracker
	Dispatcher *tracker.Dispatcher
	Service    *service.Service
}

// OpenCatalog opens the configured catalog and enables token sealing when a
// key is configured. Migrations are not run.
func OpenCatalog(cfg *config.Config) (*sqlstore.Store, error) {
	var (
		store *sqlstore.Store
		err   error
	)
	switch cfg.CatalogDriver {
	case "postgres":
		logging.Info("connecting to PostgreSQL...")
		store, err = sqlstore.OpenPostgres(cfg.DatabaseURL)
	case "sqlite":
		logging.Info("opening SQLite catalog", zap.String("path", cfg.SQLitePath))
		store, err = sqlstore.OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown catalog driver: %s", cfg.CatalogDriver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.TokenEncryptionKey != "" {
		sealer, err := sqlstore.NewTokenSealer(cfg.TokenEncryptionKey)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("token encryption key: %w", err)
		}
		store.SetTokenSealer(sealer)
	} else {
		logging.Warn("TOKEN_ENCRYPTION_KEY not set; credential tokens are stored in plain text")
	}
	return store, nil
}

// Build opens every dependency and migrates the catalog.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if a.Catalog, err = OpenCatalog(cfg); err != nil {
		return nil, err
	}
	if err := a.Catalog.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}

	a.Backend, err = storage.NewBackend(ctx, storage.Config{
		Type: cfg.StorageBackend,
		S3: s3backend.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		},
		Local: local.Config{
			RootPath:   cfg.LocalStoragePath,
			CreateDirs: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("object cache store: %w", err)
	}
	logging.Info("object cache store ready", zap.String("backend", a.Backend.Type()))

	a.Remote, err = github.New(github.Config{
		BaseURL:           cfg.GitHubAPIURL,
		Timeout:           cfg.RemoteTimeout,
		Retry:             retry.DefaultConfig(),
		CommitAuthorName:  cfg.CommitAuthorName,
		CommitAuthorEmail: cfg.CommitAuthorEmail,
	})
	if err != nil {
		return nil, err
	}

	a.Engine = engine.New(a.Catalog, storage.NewCache(a.Backend), a.Remote, engine.Config{
		DeleteWorkers:   cfg.DeleteWorkers,
		DeleteQueueSize: cfg.DeleteQueueSize,
	})

	a.Tracker, err = tracker.New(tracker.Config{
		Kind:         cfg.TrackerKind,
		WebhookURL:   cfg.TrackerWebhookURL,
		Timeout:      cfg.TrackerTimeout,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
	})
	if err != nil {
		return nil, err
	}
	a.Dispatcher = tracker.NewDispatcher(a.Catalog, a.Tracker, tracker.DispatcherConfig{
		PollInterval: cfg.OutboxPollInterval,
		MaxAttempts:  cfg.OutboxMaxAttempts,
	})

	a.Service = service.New(a.Catalog, a.Engine, a.Remote, a.Dispatcher, service.Config{
		MaxUploadSize: cfg.MaxUploadSize,
	})

	ok = true
	return a, nil
}

// Close releases everything Build opened. Workers must be stopped first.
func (a *App) Close() error {
	var errList []error
	if a.Tracker != nil {
		errList = append(errList, a.Tracker.Close())
	}
	if a.Backend != nil {
		errList = append(errList, a.Backend.Close())
	}
	if a.Catalog != nil {
		errList = append(errList, a.Catalog.Close())
	}
	return errors.Join(errList...)
}
