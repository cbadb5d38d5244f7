package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/xtrntr/btcexchange/internal/auth"
	"github.com/xtrntr/btcexchange/internal/config"
	"github.com/xtrntr/btcexchange/internal/db"
	"github.com/xtrntr/btcexchange/internal/exchange"
	"github.com/xtrntr/btcexchange/internal/models"

	"github.com/rs/zerolog/log"
)

const seedWebhook = "http://localhost:9000/webhook"

type trader struct {
	username string
	usd      int64
	btc      int64
}

var traders = []trader{
	{username: "trader1", usd: 10_000_000},
	{username: "trader2", btc: 500},
}

// Seed the database with two funded traders and a book around 30000
func main() {
	configPath := flag.String("config", os.Getenv("EXCHANGE_CONFIG"), "path to a YAML config file")
	password := flag.String("password", "password123", "password for the seeded traders")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Log.Apply(); err != nil {
		log.Fatal().Err(err).Msg("failed to configure logging")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL must be set to seed")
	}

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}

	ex := exchange.NewExchange(database, nil)
	authService := auth.NewAuthService(ex, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	// First check if we already have a book
	buys, sells, err := ex.GetOrderBook(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read order book")
	}
	if len(buys)+len(sells) > 0 {
		fmt.Printf("Order book already has %d orders. No need to seed.\n", len(buys)+len(sells))
		return
	}

	ids := make(map[string]int64, len(traders))
	for _, tr := range traders {
		id, err := ensureTrader(ctx, ex, authService, tr, *password)
		if err != nil {
			log.Fatal().Err(err).Str("username", tr.username).Msg("failed to seed trader")
		}
		ids[tr.username] = id
	}

	// A ladder of bids below 30000 and asks above it so nothing crosses
	for i := int64(0); i < 5; i++ {
		if _, err := ex.ExecuteStandingOrder(ctx, ids["trader1"], 10, models.Buy, 29_900-i*100, seedWebhook); err != nil {
			log.Fatal().Err(err).Msg("failed to place bid")
		}
		if _, err := ex.ExecuteStandingOrder(ctx, ids["trader2"], 10, models.Sell, 30_100+i*100, seedWebhook); err != nil {
			log.Fatal().Err(err).Msg("failed to place ask")
		}
	}

	fmt.Println("Successfully seeded the order book!")
}

// ensureTrader registers tr if needed and tops its balance up
func ensureTrader(ctx context.Context, ex *exchange.Exchange, authService *auth.AuthService, tr trader, password string) (int64, error) {
	user, err := authService.Register(ctx, tr.username, password)
	if errors.Is(err, exchange.ErrUsernameTaken) {
		user, err = ex.UserByUsername(ctx, tr.username)
	}
	if err != nil {
		return 0, err
	}

	if tr.usd > 0 {
		if err := ex.Deposit(ctx, user.ID, tr.usd, models.USD); err != nil {
			return 0, fmt.Errorf("failed to deposit USD: %w", err)
		}
	}
	if tr.btc > 0 {
		if err := ex.Deposit(ctx, user.ID, tr.btc, models.BTC); err != nil {
			return 0, fmt.Errorf("failed to deposit BTC: %w", err)
		}
	}
	return user.ID, nil
}
