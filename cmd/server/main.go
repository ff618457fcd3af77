package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"github.com/suPer8Hu/chat-relay/internal/httpapi"
	"github.com/suPer8Hu/chat-relay/internal/logging"
	"github.com/suPer8Hu/chat-relay/internal/ratelimit"
	"github.com/suPer8Hu/chat-relay/internal/store/rabbitmq"
	"github.com/suPer8Hu/chat-relay/internal/store/redisstore"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal().Err(err).Msg("load .env")
	}
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.LogPretty)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if !cfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb, chat.Models()...); err != nil {
		logger.Fatal().Err(err).Msg("db migrate")
	}

	catalog := ai.DefaultCatalog()
	if cfg.ModelsFile != "" {
		if catalog, err = ai.LoadCatalog(cfg.ModelsFile); err != nil {
			logger.Fatal().Err(err).Str("file", cfg.ModelsFile).Msg("load model catalog")
		}
	}

	limiter, closeLimiter := newLimiter(cfg, logger)
	defer closeLimiter()

	invoker := ai.NewInvoker(ai.NewHTTPTransport(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.UpstreamTimeout), catalog, limiter)

	var usage chat.UsageRecorder
	switch cfg.UsageSink {
	case "queue":
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			logger.Fatal().Err(err).Msg("rabbit connect")
		}
		defer pub.Close()
		usage = rabbitmq.NewUsageRecorder(pub)
	case "", "direct":
	default:
		logger.Fatal().Str("usage_sink", cfg.UsageSink).Msg("unsupported USAGE_SINK")
	}

	svc := chat.NewService(chat.NewRepo(gdb), invoker, catalog, usage)

	r := httpapi.NewRouter(httpapi.Deps{
		Service:     svc,
		Models:      catalog,
		Verifier:    auth.NewVerifier(cfg.JWTSecret),
		CORSOrigins: cfg.CORSOrigins,
		Log:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("rate_limit", cfg.RateLimitBackend).
			Str("usage_sink", cfg.UsageSink).
			Int("models", len(catalog.List())).
			Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}

func newLimiter(cfg config.Config, logger zerolog.Logger) (ratelimit.Limiter, func()) {
	rl := ratelimit.Config{MaxRequests: cfg.RateLimitMax, Window: cfg.RateLimitWindow}

	switch cfg.RateLimitBackend {
	case "redis":
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rds.Ping(context.Background()); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping")
		}
		return ratelimit.NewRedisWindow(rds.Client, "chat-relay:ratelimit:invoke", rl, ratelimit.SystemClock), func() { _ = rds.Close() }
	case "none":
		logger.Warn().Msg("rate limiting disabled")
		return ratelimit.Unlimited{}, func() {}
	case "", "memory":
		return ratelimit.NewWindow(rl, ratelimit.SystemClock), func() {}
	default:
		logger.Fatal().Str("backend", cfg.RateLimitBackend).Msg("unsupported RATE_LIMIT_BACKEND")
		return nil, nil
	}
}
