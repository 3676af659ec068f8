package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	echoapi "github.com/DataBiosphere/externalcreds/api/echo"
	"github.com/DataBiosphere/externalcreds/config"
	"github.com/DataBiosphere/externalcreds/domain"
	"github.com/DataBiosphere/externalcreds/internal/ga4gh"
	"github.com/DataBiosphere/externalcreds/internal/jwtverify"
	"github.com/DataBiosphere/externalcreds/internal/metrics"
	"github.com/DataBiosphere/externalcreds/internal/oauth"
	"github.com/DataBiosphere/externalcreds/internal/providerclient"
	"github.com/DataBiosphere/externalcreds/mongodb"
	"github.com/DataBiosphere/externalcreds/redislock"
	"github.com/DataBiosphere/externalcreds/services"
	"github.com/DataBiosphere/externalcreds/tracing"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogger(cfg)
	log.Info().
		Str("http_port", cfg.HTTPPort).
		Str("mongo_db_name", cfg.MongoDBName).
		Int("providers", len(cfg.Providers)).
		Msg("Starting externalcreds server")

	tracerProvider, err := tracing.InitTracerProvider("externalcreds")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize TracerProvider")
	}

	ctx := context.Background()
	if err := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize MongoDB connection")
	}
	db := mongodb.GetDB()

	// Repositories
	accountRepo, err := mongodb.NewLinkedAccountRepositoryMongo(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize LinkedAccountRepository")
	}
	passportRepo, err := mongodb.NewPassportRepositoryMongo(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize PassportRepository")
	}
	tokenCacheRepo := mongodb.NewTokenCacheRepositoryMongo(db)
	stateRepo := mongodb.NewStateRepositoryMongo(db)
	txRunner := mongodb.NewTxRunner(mongodb.GetClient())

	var lockStore domain.LockStore
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		lockStore = redislock.NewLockStore(redisClient, "externalcreds")
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis distributed lock")
	} else {
		mongoLocks, lockErr := mongodb.NewLockRepositoryMongo(ctx, db)
		if lockErr != nil {
			log.Fatal().Err(lockErr).Msg("Failed to initialize LockRepository")
		}
		lockStore = mongoLocks
	}

	// Provider plumbing
	registry := providerclient.NewRegistry(cfg.Providers, providerclient.WithTimeout(cfg.ProviderTimeout))
	exchanger := oauth.NewExchanger(oauth.WithTimeout(cfg.ProviderTimeout))
	decoder := jwtverify.NewDecoder(cfg.AllowedJWKSURIs, jwtverify.WithTimeout(cfg.ProviderTimeout))
	extractor := ga4gh.NewExtractor(decoder)

	comparators := ga4gh.NewComparatorRegistry()

	// Services
	linkService := services.NewLinkService(
		registry, exchanger, decoder, extractor,
		accountRepo, passportRepo, tokenCacheRepo, lockStore, stateRepo, txRunner,
	)
	passportService := services.NewPassportService(decoder, extractor, comparators, accountRepo, passportRepo)

	refreshJob := services.NewRefreshJob(linkService, accountRepo, cfg.RefreshInterval, cfg.RefreshWindow)
	refreshJob.Start(ctx)

	metrics.InitCustomMetrics(prometheus.DefaultRegisterer)

	// HTTP surface
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	api := echoapi.NewLinkAPI(linkService, passportService, mongodb.Ping)
	api.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := e.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	refreshJob.Stop()
	decoder.Stop()
	registry.Stop()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("TracerProvider shutdown error")
	}
	mongodb.CloseMongoDB(shutdownCtx)
	log.Info().Msg("Server gracefully stopped.")
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}
