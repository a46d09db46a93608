package main

import (
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailtriage/config"
	"mailtriage/internal/api"
	"mailtriage/internal/classifier"
	"mailtriage/internal/db"
	"mailtriage/internal/pipeline"
	"mailtriage/internal/provider"
	"mailtriage/internal/provider/gmail"
	"mailtriage/internal/ratelimit"
	"mailtriage/internal/repository"
	"mailtriage/internal/service"
	"mailtriage/pkg/circuitbreaker"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/mq"
)

func main() {
	// 1. Load config
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	// 2. Init DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}

	// 3. Init Redis (rate limiter backend; limiter falls back to local counters if unreachable)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// 4. Init RabbitMQ publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("MQ initialization failed", zap.Error(err))
	}
	defer publisher.Close()

	// 5. Init repositories
	userRepo := repository.NewUserRepository(dbConn)
	accountRepo := repository.NewAccountRepository(dbConn)
	emailRepo := repository.NewEmailRepository(dbConn)
	labelRepo := repository.NewLabelRepository(dbConn)
	jobRepo := repository.NewJobRepository(dbConn, time.Duration(cfg.Jobs.StaleAfterMinutes)*time.Minute)

	// 6. Credential provider: token cipher + Google refresh + Gmail client factory
	cipher, err := provider.NewTokenCipher(cfg.Google.TokenKey)
	if err != nil {
		log.Fatal("Token cipher initialization failed", zap.Error(err))
	}
	refresher := provider.NewGoogleRefresher(cfg.Google.ClientID, cfg.Google.ClientSecret)
	credentials := provider.NewCredentials(accountRepo, cipher, refresher, gmail.New, log)

	// 7. Classifier: AI backend behind a circuit breaker, rules fallback inside
	backend := classifier.NewOpenAIBackend(
		cfg.Classifier.BaseURL,
		cfg.Classifier.APIKey,
		cfg.Classifier.Model,
		time.Duration(cfg.Classifier.TimeoutSeconds)*time.Second,
	)
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
	clf := classifier.New(backend, breaker, cfg.Jobs.Concurrency, log)

	// 8. Pipeline orchestrator
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

	// 9. Services
	authService := service.NewAuthService(userRepo, cfg.JWT.Secret)
	triageService := service.NewTriageService(
		orchestrator,
		accountRepo,
		jobRepo,
		emailRepo,
		labelRepo,
		time.Duration(cfg.Jobs.RunTimeoutMinutes)*time.Minute,
		log,
	)

	// 10. Rate limiter + router
	limiter := ratelimit.New(rdb, log)
	router := api.NewRouter(
		api.NewAuthHandler(authService),
		api.NewTriageHandler(triageService),
		limiter,
		cfg.JWT.Secret,
		cfg.RateLimit,
	)

	if err := router.Run(cfg.Server.Port); err != nil {
		log.Fatal("server start failed", zap.Error(err))
	}
}
