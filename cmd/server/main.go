package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtrntr/btcexchange/internal/api"
	"github.com/xtrntr/btcexchange/internal/auth"
	"github.com/xtrntr/btcexchange/internal/config"
	"github.com/xtrntr/btcexchange/internal/db"
	"github.com/xtrntr/btcexchange/internal/events"
	"github.com/xtrntr/btcexchange/internal/exchange"
	"github.com/xtrntr/btcexchange/internal/pricefeed"
	"github.com/xtrntr/btcexchange/internal/webhook"

	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
)

// Main entry point: loads config, opens the store and serves the HTTP API
func main() {
	configPath := flag.String("config", os.Getenv("EXCHANGE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Log.Apply(); err != nil {
		log.Fatal().Err(err).Msg("failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer closeStore()

	// Webhook calls for every order a match touches
	dispatcher := webhook.NewDispatcher(cfg.Webhook.Workers, cfg.Webhook.QueueSize, cfg.Webhook.Timeout)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	notifiers := exchange.Notifiers{dispatcher}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer publisher.Close()
		notifiers = append(notifiers, publisher)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing order events")
	}

	// The hub needs the exchange to read the book and the exchange notifies
	// the hub, so it joins the list after construction.
	ex := exchange.NewExchange(store, &notifiers)
	hub := api.NewBookHub(ex)
	notifiers = append(notifiers, hub)

	authService := auth.NewAuthService(ex, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	feed := pricefeed.NewCoinGeckoFeed(cfg.PriceFeed.BaseURL, cfg.PriceFeed.Timeout)
	cache := pricefeed.NewPriceCache()
	prices := pricefeed.NewCachedFeed(feed, cache, cfg.PriceFeed.Interval)
	if cfg.PriceFeed.Enabled {
		go pricefeed.StartPriceUpdater(ctx, feed, cache, []string{pricefeed.BTCUSD}, cfg.PriceFeed.Interval)
	}

	handler := api.NewHandler(ex, authService, prices)
	router := api.NewRouter(handler, hub, cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	go hub.Run(ctx, cfg.BookBroadcastInterval)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("starting server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server failed")
		return
	}
	log.Info().Msg("server stopped")
}

// openStore connects to Postgres, or falls back to the in-memory store when
// no database is configured.
func openStore(ctx context.Context, databaseURL string) (exchange.Store, func(), error) {
	if databaseURL == "" {
		log.Warn().Msg("no database configured, using in-memory store; state is lost on restart")
		return exchange.NewMemoryStore(), func() {}, nil
	}

	database, err := db.NewDB(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, nil, err
	}
	log.Info().Msg("connected to postgres")
	return database, database.Close, nil
}
