package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/leadline/call-broker/internal/bridge"
	"github.com/leadline/call-broker/internal/coaching"
	"github.com/leadline/call-broker/internal/config"
	"github.com/leadline/call-broker/internal/database"
	"github.com/leadline/call-broker/internal/handler"
	"github.com/leadline/call-broker/internal/hub"
	"github.com/leadline/call-broker/internal/jobs"
	"github.com/leadline/call-broker/internal/middleware"
	"github.com/leadline/call-broker/internal/redis"
	"github.com/leadline/call-broker/internal/registry"
	"github.com/leadline/call-broker/internal/repository"
	"github.com/leadline/call-broker/internal/service"
	"github.com/leadline/call-broker/internal/stt"
	"github.com/leadline/call-broker/internal/transcript"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	var db *database.DB
	if cfg.DatabaseURL != "" {
		db, err = database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare schema")
		}
		cancel()
		log.Info().Msg("database connected")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")
	}

	var store service.CallStore = repository.NewLogCallStore()
	if db != nil {
		store = repository.NewCallRepository(db)
	}

	overflow, err := bridge.ParseOverflowPolicy(cfg.AudioOverflowPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid audio overflow policy")
	}

	var dialer bridge.Dialer
	if cfg.TranscriptionURL != "" {
		dialer = stt.NewClient(cfg.TranscriptionURL, cfg.TranscriptionAPIKey, cfg.ConnectTimeout())
	}

	callRegistry := registry.New()
	transcripts := transcript.NewStore()

	observerHub := hub.New(callRegistry, transcripts, cfg.MaxObservers)
	if redisClient != nil {
		observerHub.UseRelay(hub.NewRedisRelay(redisClient))
	}

	callService := service.NewCallService(callRegistry, transcripts, observerHub, dialer, store, service.CallOptions{
		PersistTimeout: cfg.PersistTimeout(),
		Retention:      config.TranscriptRetention,
		Bridge: bridge.Options{
			ConnectTimeout: cfg.ConnectTimeout(),
			RetryBudget:    cfg.TranscriptionRetryBudget,
			RetryDelay:     cfg.RetryDelay(),
			BufferSize:     cfg.AudioBufferFrames,
			Overflow:       overflow,
		},
	})

	var rateLimiter *service.RateLimiter
	if redisClient != nil {
		rateLimiter = service.NewRateLimiter(redisClient.Client)
	}

	if cfg.CoachAPIURL != "" {
		coachOpts := coaching.DefaultOptions()
		coachOpts.MinContext = cfg.CoachMinContext
		coachOpts.Interval = cfg.CoachInterval
		coachOpts.Window = cfg.CoachWindow
		coachOpts.Timeout = cfg.CoachTimeout()

		generator := coaching.NewHTTPGenerator(cfg.CoachAPIURL, cfg.CoachAPIKey, cfg.CoachModel, cfg.CoachTimeout())
		coach := coaching.NewEngine(generator, callService, coachOpts)
		if rateLimiter != nil && cfg.CoachMaxPerMinute > 0 {
			coach.SetLimiter(service.NewCoachingBudget(rateLimiter, cfg.CoachMaxPerMinute))
		}
		callService.SetCoach(coach)
	}

	statusSignatureMiddleware := middleware.NewStatusSignatureMiddleware(cfg.StatusCallbackSecret)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	observerHandler := handler.NewObserverHandler(observerHub, callService)
	mediaHandler := handler.NewMediaHandler(callService)
	callsHandler := handler.NewCallsHandler(callService, statusSignatureMiddleware.Handler)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"timestamp":   time.Now().UnixMilli(),
			"activeCalls": callRegistry.Count(),
			"observers":   observerHub.Count(),
		})
	})

	// Websockets live for the whole call, so they stay outside the request timeout.
	r.Get("/media-stream", mediaHandler.ServeHTTP)
	r.Group(func(r chi.Router) {
		if rateLimiter != nil {
			r.Use(middleware.NewIPRateLimitMiddleware(
				rateLimiter, config.DefaultObserverConnectsPerMin, time.Minute, "observer",
			).Handler)
		}
		r.Get("/ws/rep", observerHandler.Rep)
		r.Get("/ws/supervisor", observerHandler.Supervisor)
	})

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(bodyLimitMiddleware.Handler)
		r.Mount("/calls", callsHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(
		config.CleanupJobInterval,
		jobs.RegistryTasks(callRegistry, cfg.PendingTTL(), config.TranscriptRetention)...,
	)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	// Bridges and observers first: hijacked websockets are not tracked by server.Shutdown.
	callService.Shutdown()
	observerHub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
