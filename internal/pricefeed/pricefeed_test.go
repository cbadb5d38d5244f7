package pricefeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoinGeckoFeed_GetSpot(t *testing.T) {
	tests := []struct {
		name        string
		market      string
		status      int
		body        string
		expectPrice float64
		expectError bool
	}{
		{
			name:        "Success",
			market:      BTCUSD,
			status:      http.StatusOK,
			body:        `{"bitcoin":{"usd":64250.5}}`,
			expectPrice: 64250.5,
		},
		{
			name:        "UnsupportedMarket",
			market:      "DOGE-EUR",
			status:      http.StatusOK,
			body:        `{}`,
			expectError: true,
		},
		{
			name:        "UpstreamError",
			market:      BTCUSD,
			status:      http.StatusTooManyRequests,
			body:        `{"error":"rate limited"}`,
			expectError: true,
		},
		{
			name:        "MissingCoin",
			market:      BTCUSD,
			status:      http.StatusOK,
			body:        `{"ethereum":{"usd":3000}}`,
			expectError: true,
		},
		{
			name:        "MalformedBody",
			market:      BTCUSD,
			status:      http.StatusOK,
			body:        `not json`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/simple/price", r.URL.Path)
				assert.Equal(t, "bitcoin", r.URL.Query().Get("ids"))
				assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			feed := NewCoinGeckoFeed(srv.URL, time.Second)
			price, err := feed.GetSpot(context.Background(), tt.market)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectPrice, price)
		})
	}
}

type stubFeed struct {
	calls atomic.Int32
	price float64
	err   error
}

func (f *stubFeed) GetSpot(ctx context.Context, market string) (float64, error) {
	f.calls.Add(1)
	return f.price, f.err
}

func TestCachedFeed(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cache := NewPriceCache()
	cache.now = func() time.Time { return now }
	feed := &stubFeed{price: 50000}
	cached := NewCachedFeed(feed, cache, time.Minute)

	price, err := cached.GetSpot(context.Background(), BTCUSD)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, price)
	assert.Equal(t, int32(1), feed.calls.Load())

	feed.price = 51000
	now = now.Add(30 * time.Second)
	price, err = cached.GetSpot(context.Background(), BTCUSD)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, price, "fresh cache entry is served")
	assert.Equal(t, int32(1), feed.calls.Load())

	now = now.Add(time.Minute)
	price, err = cached.GetSpot(context.Background(), BTCUSD)
	require.NoError(t, err)
	assert.Equal(t, 51000.0, price)
	assert.Equal(t, int32(2), feed.calls.Load())

	feed.err = errors.New("down")
	now = now.Add(2 * time.Minute)
	_, err = cached.GetSpot(context.Background(), BTCUSD)
	assert.Error(t, err)
}

func TestStartPriceUpdater(t *testing.T) {
	feed := &stubFeed{price: 42000}
	cache := NewPriceCache()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		StartPriceUpdater(ctx, feed, cache, []string{BTCUSD}, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, _, ok := cache.Get(BTCUSD)
		return ok
	}, time.Second, 5*time.Millisecond)

	price, _, _ := cache.Get(BTCUSD)
	assert.Equal(t, 42000.0, price)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("updater did not stop")
	}
}
