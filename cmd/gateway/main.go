package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"visualgen/internal/bootstrap"
	"visualgen/internal/http/handlers"
	httpapi "visualgen/internal/http/httpapi"
	"visualgen/internal/infra"
	"visualgen/internal/infra/geoip"
	"visualgen/internal/middleware"
	"visualgen/internal/session"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := bootstrap.New(ctx, cfg, "visualgen-gateway", &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to bootstrap services")
	}
	defer services.Close()

	manager := session.NewManager(services.Tracker, session.Options{
		Journal: services.Journal,
		TTL:     cfg.SessionTTL,
		Logger:  &logger,
	})
	go func() {
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("session sweeper stopped")
		}
	}()

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open geoip database")
	}
	defer resolver.Close()
	var countryLookup middleware.CountryLookup
	if resolver != nil {
		countryLookup = resolver.CountryCode
		logger.Info().Str("path", cfg.GeoIPDBPath).Msg("geoip lookups enabled")
	}

	app := handlers.NewApp(manager, services.Exporter, services.Sink, &logger)
	router := httpapi.NewRouter(app, httpapi.RouterOptions{
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		DefaultLocale:   cfg.DefaultLocale,
		CountryLookup:   countryLookup,
		Logger:          &logger,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Str("transport", cfg.PushTransport).Msg("gateway listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	manager.Close()
	logger.Info().Msg("gateway stopped")
}
