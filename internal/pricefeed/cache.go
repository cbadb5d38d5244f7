package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type quote struct {
	price float64
	at    time.Time
}

// PriceCache stores latest prices for markets in memory.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]quote
	now    func() time.Time
}

func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]quote), now: time.Now}
}

func (c *PriceCache) Set(market string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[market] = quote{price: price, at: c.now()}
}

// Get returns the cached price and when it was stored
func (c *PriceCache) Get(market string) (float64, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.prices[market]
	return q.price, q.at, ok
}

// CachedFeed serves prices from the cache while they are younger than
// maxAge and falls through to the live feed otherwise.
type CachedFeed struct {
	feed   PriceFeed
	cache  *PriceCache
	maxAge time.Duration
}

func NewCachedFeed(feed PriceFeed, cache *PriceCache, maxAge time.Duration) *CachedFeed {
	return &CachedFeed{feed: feed, cache: cache, maxAge: maxAge}
}

func (f *CachedFeed) GetSpot(ctx context.Context, market string) (float64, error) {
	if price, at, ok := f.cache.Get(market); ok && f.cache.now().Sub(at) < f.maxAge {
		return price, nil
	}
	price, err := f.feed.GetSpot(ctx, market)
	if err != nil {
		return 0, err
	}
	f.cache.Set(market, price)
	return price, nil
}

// StartPriceUpdater periodically refreshes prices for the given markets.
// It blocks until ctx is done.
func StartPriceUpdater(
	ctx context.Context,
	feed PriceFeed,
	cache *PriceCache,
	markets []string,
	interval time.Duration,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	refreshOnce(ctx, feed, cache, markets)

	for {
		select {
		case <-ticker.C:
			refreshOnce(ctx, feed, cache, markets)
		case <-ctx.Done():
			return
		}
	}
}

func refreshOnce(ctx context.Context, feed PriceFeed, cache *PriceCache, markets []string) {
	for _, m := range markets {
		price, err := feed.GetSpot(ctx, m)
		if err != nil {
			log.Warn().Err(err).Str("market", m).Msg("price update failed")
			continue
		}
		cache.Set(m, price)
		log.Debug().Str("market", m).Float64("price", price).Msg("price update")
	}
}
