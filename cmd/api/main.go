// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/ai-ustad/ustad-chat/internal/cache"
	"github.com/ai-ustad/ustad-chat/internal/config"
	"github.com/ai-ustad/ustad-chat/internal/handler"
	"github.com/ai-ustad/ustad-chat/internal/keypool"
	"github.com/ai-ustad/ustad-chat/internal/llm"
	"github.com/ai-ustad/ustad-chat/internal/middleware"
	natsclient "github.com/ai-ustad/ustad-chat/internal/nats"
	"github.com/ai-ustad/ustad-chat/internal/service"
	"github.com/ai-ustad/ustad-chat/internal/storage/postgres"
	"github.com/ai-ustad/ustad-chat/migrations"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
	"github.com/ai-ustad/ustad-chat/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ustad-chat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	log.Info("starting API server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "ustad-chat", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Postgres
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.RunMigrations {
		if err := postgres.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
			return err
		}
	}

	conversationRepo := postgres.NewConversationRepo(pool)
	messageRepo := postgres.NewMessageRepo(pool)
	credentialRepo := postgres.NewCredentialRepo(pool)
	knowledgeRepo := postgres.NewKnowledgeRepo(pool)

	checks := map[string]handler.Check{
		"postgres": pool.Ping,
	}

	// Redis (optional)
	var rdb redis.Cmdable
	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, knowledge reads go to postgres", zap.Error(err))
		} else {
			defer client.Close()
			rdb = client
			checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		}
	}
	knowledge := cache.NewKnowledgeCache(rdb, knowledgeRepo, cfg.KnowledgeCacheTTL, log)

	// NATS (optional)
	var (
		publisher service.EventPublisher
		lister    handler.EventLister
	)
	if cfg.NATSURL != "" {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return err
		}
		defer natsClient.Close()

		events := natsclient.NewEventStream(natsClient.JetStream(), log)
		if err := events.EnsureStream(ctx); err != nil {
			return err
		}
		publisher, lister = events, events
		checks["nats"] = func(context.Context) error {
			if !natsClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	} else {
		log.Info("NATS_URL not set, exchange events disabled")
	}

	// LLM orchestration
	keys := keypool.New(credentialRepo, cfg.FallbackKeys(), log)
	dispatcher := llm.NewDispatcher(
		llm.NewGeminiClient(cfg.GeminiBaseURL, cfg.GeminiModel),
		keys,
		log,
		llm.WithAttemptTimeout(cfg.AttemptTimeout),
		llm.WithDefaultRetryAfter(cfg.DefaultRetryAfter),
	)
	reader := llm.NewStreamReader(cfg.StreamWatchdog, log)

	// Services
	chatSvc := service.NewChatService(conversationRepo, messageRepo, knowledge, dispatcher, reader, publisher, service.ChatConfig{
		HistoryWindow:  cfg.HistoryWindow,
		PersistTimeout: cfg.PersistTimeout,
	}, log)
	conversationSvc := service.NewConversationService(conversationRepo, messageRepo, log)
	quizSvc := service.NewQuizService(dispatcher, cfg.QuizMaxAttempts, log)
	speechSvc := service.NewSpeechService(dispatcher, cfg.SpeechModel, cfg.SpeechVoice, log)
	answerSvc := service.NewAnswerKeyService(dispatcher, cfg.QuizMaxAttempts, log)
	extractor := service.NewDocumentExtractor(dispatcher, cfg.ExtractModel, cfg.QuizMaxAttempts, log)

	// Handlers
	healthHandler := handler.NewHealthHandler(checks)
	chatHandler := handler.NewChatHandler(chatSvc, cfg.DefaultRetryAfter, log)
	conversationHandler := handler.NewConversationHandler(conversationSvc, lister, log)
	messageHandler := handler.NewMessageHandler(conversationSvc, log)
	quizHandler := handler.NewQuizHandler(quizSvc, cfg.DefaultRetryAfter, log)
	mediaHandler := handler.NewMediaHandler(speechSvc, answerSvc, extractor, cfg.MaxUploadBytes, cfg.DefaultRetryAfter, log)
	adminHandler := handler.NewAdminHandler(keys, knowledge, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Post("/chat", chatHandler.Chat)
		r.Post("/quiz", quizHandler.Generate)
		r.Post("/tts", mediaHandler.Speech)
		r.Post("/answers", mediaHandler.AnswerKey)
		r.Post("/documents/extract", mediaHandler.ExtractPDF)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/", conversationHandler.Rename)
				r.Delete("/", conversationHandler.Delete)
				r.Get("/events", conversationHandler.Events)

				r.Get("/messages", messageHandler.List)
				r.Delete("/messages", messageHandler.DeleteAfter)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireScope(cfg.AdminScope))

			r.Get("/keys", adminHandler.ListKeys)
			r.Post("/keys", adminHandler.AddKey)
			r.Patch("/keys/{id}", adminHandler.UpdateKey)
			r.Delete("/keys/{id}", adminHandler.DeleteKey)
			r.Post("/knowledge/refresh", adminHandler.RefreshKnowledge)
		})
	})

	var root http.Handler = r
	if cfg.TracingEnabled {
		root = otelhttp.NewHandler(r, "ustad-chat")
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      root,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
