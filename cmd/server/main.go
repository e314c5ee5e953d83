// RepoSync Server
//
// Keeps a catalog of repository files, an S3 cache of locally edited bytes
// and GitHub in step:
// - Tree sync, lazy reads, uploads and two-phase deletes
// - Per-file push with optimistic concurrency
// - Outbox-backed tracker notifications (log, webhook, Kafka)
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/reposync/reposync/internal/api"
	"github.com/reposync/reposync/internal/app"
	"github.com/reposync/reposync/internal/config"
	"github.com/reposync/reposync/internal/logging"
	"github.com/reposync/reposync/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("RepoSync server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("catalog", cfg.CatalogDriver),
		zap.String("storage", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logging.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	a.Engine.Start(ctx)
	defer a.Engine.Stop()

	a.Dispatcher.Start(ctx)
	defer a.Dispatcher.Stop()

	verifier, err := api.NewOIDCVerifier(ctx, api.OIDCConfig{
		IssuerURL: cfg.OIDCIssuerURL,
		ClientID:  cfg.OIDCClientID,
	})
	if err != nil {
		logging.Fatal("OIDC provider init failed", zap.Error(err))
	}
	auth := api.NewAuth(cfg.JWTSecret, verifier)
	if auth == nil {
		logging.Warn("neither API_JWT_SECRET nor OIDC_ISSUER_URL is set; the API accepts unauthenticated requests")
	}
	srv := api.NewServer(a.Service, auth, cfg.MaxUploadSize)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")

		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown", zap.Error(err))
		}
		metricsServer.Close()
		cancel()
	}()

	// Periodic connection pool metrics
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Catalog.UpdateConnectionMetrics()
			}
		}
	}()

	// Retry deletes whose cleanup failed or never ran
	go func() {
		ticker := time.NewTicker(cfg.DeleteSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := a.Engine.RetryPendingDeletes(ctx)
				if err != nil {
					logging.Error("pending delete sweep failed", zap.Error(err))
					continue
				}
				if res.Scanned > 0 {
					logging.Info("pending delete sweep completed",
						zap.Int("scanned", res.Scanned),
						zap.Int("deleted", res.Deleted),
						zap.Int("failed", res.Failed))
				}
			}
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		err = httpServer.ListenAndServe()
	}
	if err != http.ErrServerClosed {
		logging.Error("server error", zap.Error(err))
		cancel()
	}
	// Wait for the shutdown goroutine before the deferred Stop calls run.
	<-ctx.Done()
}
