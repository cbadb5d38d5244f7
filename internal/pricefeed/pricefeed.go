package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// BTCUSD is the only market the exchange quotes
const BTCUSD = "BTC-USD"

// DefaultBaseURL is the public CoinGecko API
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

type PriceFeed interface {
	GetSpot(ctx context.Context, market string) (float64, error)
}

// CoinGeckoFeed implements PriceFeed using the CoinGecko simple price API.
type CoinGeckoFeed struct {
	client  *http.Client
	baseURL string
}

// NewCoinGeckoFeed returns a feed against baseURL, or the public API when empty.
func NewCoinGeckoFeed(baseURL string, timeout time.Duration) *CoinGeckoFeed {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &CoinGeckoFeed{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func coinGeckoID(market string) (string, error) {
	switch market {
	case BTCUSD:
		return "bitcoin", nil
	default:
		return "", fmt.Errorf("unsupported market: %s", market)
	}
}

type cgResponse map[string]struct {
	USD float64 `json:"usd"`
}

// GetSpot returns the spot price in USD for the given market
func (f *CoinGeckoFeed) GetSpot(ctx context.Context, market string) (float64, error) {
	id, err := coinGeckoID(market)
	if err != nil {
		return 0, err
	}

	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", f.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("coingecko: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("coingecko: unexpected status %d", resp.StatusCode)
	}

	var body cgResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("coingecko: failed to decode response: %w", err)
	}

	entry, ok := body[id]
	if !ok || entry.USD <= 0 {
		return 0, fmt.Errorf("coingecko: no price for %s", id)
	}
	return entry.USD, nil
}
