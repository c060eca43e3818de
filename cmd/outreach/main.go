// Command outreach runs the guest communication engine: the staff API,
// the domain event consumer, the dispatch loop, the campaign
// orchestrator, and the schedule sweeper, all in one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/api"
	"github.com/campreserv/outreach/internal/audience"
	"github.com/campreserv/outreach/internal/campaign"
	"github.com/campreserv/outreach/internal/circuitbreaker"
	"github.com/campreserv/outreach/internal/config"
	"github.com/campreserv/outreach/internal/dispatch"
	"github.com/campreserv/outreach/internal/events"
	"github.com/campreserv/outreach/internal/metrics"
	"github.com/campreserv/outreach/internal/observ"
	"github.com/campreserv/outreach/internal/redis"
	"github.com/campreserv/outreach/internal/render"
	"github.com/campreserv/outreach/internal/schedule"
	"github.com/campreserv/outreach/internal/store"
	"github.com/campreserv/outreach/internal/survey"
	"github.com/campreserv/outreach/internal/transport"
	"github.com/campreserv/outreach/internal/trigger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; real deployments set the environment
	// directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting outreach engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	db, err := store.New(ctx, store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	settingsRepo := store.NewSettingsRepository(db, logger)
	guestRepo := store.NewGuestRepository(db, logger)
	deliveryRepo := store.NewDeliveryRepository(db, logger)
	campaignRepo := store.NewCampaignRepository(db, logger)
	surveyRepo := store.NewSurveyRepository(db, logger)

	// Redis backs the cross-process send guard, campaign throttles, and
	// API rate limits. The engine degrades rather than dies without it:
	// the database claim remains the duplicate barrier.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, throttles and rate limits disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var (
		sendGuard   dispatch.Guard
		throttle    dispatch.Throttle
		rateLimiter *redis.RateLimiter
	)
	if redisClient != nil {
		defer redisClient.Close()
		sendGuard = redis.NewSendGuard(redisClient, logger)
		throttle = redis.NewThrottle(redisClient, logger, time.Minute)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
	}

	sender, err := buildSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	renderer := render.New()
	resolver := audience.NewResolver(db, logger)

	dispatchCfg := dispatch.Config{
		PollInterval: cfg.DispatchInterval,
		BatchSize:    cfg.DispatchBatchSize,
	}
	dispatcher := dispatch.New(deliveryRepo, campaignRepo, sender, sendGuard, throttle, dispatchCfg, logger)

	// maxAttempts zero means both sides fall back to the shared default,
	// keeping completion detection in step with the retry policy.
	orchestrator := campaign.New(
		campaignRepo,
		deliveryRepo,
		campaign.NewAudienceSource(resolver),
		settingsRepo,
		renderer,
		sender,
		dispatchCfg.MaxAttempts,
		logger,
	)

	surveyService := survey.New(surveyRepo, deliveryRepo, guestRepo, settingsRepo, renderer, cfg.BaseURL, logger)

	sweeper := schedule.NewSweeper(
		settingsRepo,
		guestRepo,
		deliveryRepo,
		surveyRepo,
		surveyService,
		renderer,
		schedule.Config{SweepInterval: cfg.SweepInterval},
		logger,
	)

	evaluator := trigger.New(settingsRepo, guestRepo, deliveryRepo, renderer, sender, logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go dispatcher.Start(bgCtx)
	go sweeper.Start(bgCtx)
	go campaignTicker(bgCtx, orchestrator)
	go connectionGauges(bgCtx, db, redisClient)

	if cfg.SQSQueueURL != "" {
		consumer, err := events.NewConsumer(ctx, events.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, evaluator, logger)
		if err != nil {
			return fmt.Errorf("failed to create event consumer: %w", err)
		}
		go consumer.Start(bgCtx)
	} else {
		logger.Warn("SQS_QUEUE_URL not set, domain events will not be consumed")
	}

	handler := api.NewHandler(logger, settingsRepo, campaignRepo, orchestrator, evaluator, resolver, surveyService, deliveryRepo)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))
	r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.CampgroundKeyFunc))

	r.Mount("/", handler.Routes())

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := db.Health(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		bgCancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildSender assembles the outbound transport: SES for email and SNS
// for SMS, each behind its own circuit breaker. In development both are
// replaced by the log sender so the engine runs without AWS credentials.
func buildSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (transport.Sender, error) {
	if cfg.Env == "development" {
		logger.Info("development mode, deliveries are logged instead of sent")
		return transport.NewLogSender(logger), nil
	}

	ses, err := transport.NewSESSender(ctx, transport.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
		FromName:  cfg.SESFromName,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES sender: %w", err)
	}
	email := circuitbreaker.NewProtectedSender(ses,
		circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger), logger)

	senders := []transport.Sender{email}

	sns, err := transport.NewSNSSender(ctx, transport.SNSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS deliveries will fail", zap.Error(err))
	} else {
		sms := circuitbreaker.NewProtectedSender(sns,
			circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger), logger)
		senders = append(senders, sms)
	}

	return transport.NewMultiSender(logger, senders...), nil
}

// campaignTicker drives the orchestrator's scheduled-start and
// completion checks.
func campaignTicker(ctx context.Context, o *campaign.Orchestrator) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// connectionGauges samples pool sizes for the /metrics endpoint.
func connectionGauges(ctx context.Context, db *store.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(int(db.Pool().Stat().TotalConns()))
			if redisClient != nil {
				metrics.SetRedisConnections(redisClient.TotalConns())
			}
		}
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
