package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"rentshield/api/internal/app"
	"rentshield/api/internal/blob"
	"rentshield/api/internal/classifier"
	"rentshield/api/internal/metrics"
	"rentshield/api/internal/search"
	"rentshield/api/internal/store"
	"rentshield/api/internal/timeline"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd)
		},
	}
}

func serveRun(cmd *cobra.Command) error {
	logger := commonRun()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	dataStore := store.NewPostgresStore(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)
	deps := app.Dependencies{Metrics: m}

	if strings.TrimSpace(cfg.Redis.URL) != "" {
		feed, err := timeline.NewRedisFeed(cfg.Redis.URL, cfg.Redis.StreamMaxLen)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer feed.Close()
		deps.Feed = feed
		logger.Info("timeline feed enabled", "component", programName)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.Search.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.Search.MeiliURL, cfg.Search.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db))
	defer searchService.Close()
	deps.Search = searchService

	if strings.TrimSpace(cfg.Blob.Endpoint) != "" {
		objects, err := blob.New(ctx, blob.Options{
			Endpoint:   cfg.Blob.Endpoint,
			Region:     cfg.Blob.Region,
			Bucket:     cfg.Blob.Bucket,
			AccessKey:  cfg.Blob.AccessKey,
			SecretKey:  cfg.Blob.SecretKey,
			UseSSL:     cfg.Blob.UseSSL,
			PresignTTL: cfg.Blob.PresignTTL,
		})
		if err != nil {
			return fmt.Errorf("object store setup failed: %w", err)
		}
		deps.Blob = objects
	}

	if strings.TrimSpace(cfg.Classifier.BaseURL) != "" {
		deps.Classifier = classifier.NewClient(cfg.Classifier.BaseURL, cfg.Classifier.APIKey, cfg.Classifier.Model).
			WithRetry(cfg.Classifier.MaxRetries, cfg.Classifier.RetryDelay)
	}

	service := app.New(cfg, dataStore, deps)
	if deps.Classifier != nil {
		dispatcher := classifier.NewDispatcher(service.ClassifyIssue,
			cfg.Classifier.Workers, cfg.Classifier.QueueSize, cfg.Classifier.Timeout, logger)
		dispatcher.Observe = m.ClassifierJob
		defer dispatcher.Stop()
		service.UseQueue(dispatcher)
	}

	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, m, metrics.Handler(registry))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("RentShield API listening", "component", programName, "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown error", "component", programName, "error", err)
	}
	logger.Info("RentShield API stopped", "component", programName)
	return nil
}

