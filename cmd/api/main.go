package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"docket/api/internal/app"
	"docket/api/internal/config"
	"docket/api/internal/llm"
	"docket/api/internal/notify"
	"docket/api/internal/search"
	"docket/api/internal/similarity"
	"docket/api/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}

	dataStore := store.NewPostgresStore(db)
	deps := app.Dependencies{Logger: logger.Named("app")}

	llmClient := llm.New(llm.Config{
		BaseURL:      cfg.LLMBaseURL,
		APIKey:       cfg.LLMAPIKey,
		TokenURL:     cfg.LLMTokenURL,
		ClientID:     cfg.LLMClientID,
		ClientSecret: cfg.LLMClientSecret,
		DraftModel:   cfg.LLMDraftModel,
		EmbedModel:   cfg.LLMEmbedModel,
		Timeout:      cfg.LLMTimeout,
	})
	if llmClient.Configured() {
		deps.Drafter = llmClient
	} else {
		logger.Warn("drafting service not configured; pipeline requires a supplied draft")
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := similarity.NewRedisCache(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable; similarity lookup limited to titles", zap.Error(err))
		} else {
			defer cache.Close()
			similarityService := similarity.NewService(llmClient, cache, dataStore, cfg.SimilarityTopK, logger)
			if llmClient.Configured() {
				go similarityService.Reindex(ctx, dataStore.ListIndexable)
			}
			deps.Similarity = similarityService
		}
	}

	var keyword search.Backend
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		keyword = meiliClient
	}
	searchService := search.NewService(keyword, search.NewTitleFallback(dataStore), logger)
	go searchService.Reindex(ctx, dataStore.ListIndexable)
	deps.Search = searchService

	var transport notify.Transport
	mailer := notify.NewMailer(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}, dataStore)
	if mailer.IsConfigured() {
		transport = mailer
	} else {
		logger.Info("SMTP not configured; notifications are logged only")
	}
	dispatcher := notify.NewDispatcher(transport, logger)
	deps.Notifier = dispatcher

	service := app.New(cfg, dataStore, deps)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// drafting calls can take most of a minute
		WriteTimeout: cfg.LLMTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Docket API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	service.Wait()
	dispatcher.Wait()
	searchService.Wait()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
