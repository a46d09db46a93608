package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mailtriage/config"
	"mailtriage/internal/classifier"
	"mailtriage/internal/db"
	"mailtriage/internal/pipeline"
	"mailtriage/internal/provider"
	"mailtriage/internal/provider/gmail"
	"mailtriage/internal/repository"
	"mailtriage/pkg/circuitbreaker"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/mq"
)

// cron runs incremental triage for every entitled account on a fixed
// interval. Accounts are processed sequentially; per-account single-flight
// is enforced by the job store, so overlap with manually triggered runs is
// rejected, not duplicated.
func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("MQ initialization failed", zap.Error(err))
	}
	defer publisher.Close()

	accountRepo := repository.NewAccountRepository(dbConn)
	emailRepo := repository.NewEmailRepository(dbConn)
	labelRepo := repository.NewLabelRepository(dbConn)
	jobRepo := repository.NewJobRepository(dbConn, time.Duration(cfg.Jobs.StaleAfterMinutes)*time.Minute)

	cipher, err := provider.NewTokenCipher(cfg.Google.TokenKey)
	if err != nil {
		log.Fatal("Token cipher initialization failed", zap.Error(err))
	}
	refresher := provider.NewGoogleRefresher(cfg.Google.ClientID, cfg.Google.ClientSecret)
	credentials := provider.NewCredentials(accountRepo, cipher, refresher, gmail.New, log)

	backend := classifier.NewOpenAIBackend(
		cfg.Classifier.BaseURL,
		cfg.Classifier.APIKey,
		cfg.Classifier.Model,
		time.Duration(cfg.Classifier.TimeoutSeconds)*time.Second,
	)
	clf := classifier.New(backend, circuitbreaker.New(circuitbreaker.DefaultConfig()), cfg.Jobs.Concurrency, log)

	orchestrator := pipeline.NewOrchestrator(
		credentials,
		clf,
		emailRepo,
		jobRepo,
		labelRepo,
		accountRepo,
		publisher,
		pipeline.Config{
			FetchMax:       cfg.Jobs.FetchMax,
			BatchSize:      cfg.Jobs.BatchSize,
			Concurrency:    cfg.Jobs.Concurrency,
			LabelThreshold: cfg.Jobs.LabelThreshold,
		},
		log,
	)

	interval := time.Duration(cfg.Cron.IntervalMinutes) * time.Minute
	runTimeout := time.Duration(cfg.Jobs.RunTimeoutMinutes) * time.Minute

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Incremental triage scheduler started",
		zap.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		runAll(ctx, orchestrator, accountRepo, runTimeout, log)

		select {
		case <-ctx.Done():
			log.Info("Scheduler stopping")
			return
		case <-ticker.C:
		}
	}
}

func runAll(ctx context.Context, orchestrator *pipeline.Orchestrator, accounts *repository.AccountRepository, runTimeout time.Duration, log *zap.Logger) {
	entitled, err := accounts.ListEntitled(ctx)
	if err != nil {
		log.Error("Failed to list entitled accounts", zap.Error(err))
		return
	}

	for _, account := range entitled {
		runCtx, cancel := context.WithTimeout(ctx, runTimeout)
		err := orchestrator.Run(runCtx, account, pipeline.RunOptions{Incremental: true})
		cancel()

		switch {
		case errors.Is(err, pipeline.ErrJobAlreadyRunning):
			// 手动触发的任务还在跑，跳过
			log.Debug("Skipping account, run already in progress",
				zap.Int("account_id", account.ID),
			)
		case err != nil:
			log.Error("Incremental run failed",
				zap.Int("account_id", account.ID),
				zap.Error(err),
			)
		}

		if ctx.Err() != nil {
			return
		}
	}
}
