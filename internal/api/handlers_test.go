package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/btcexchange/internal/auth"
	"github.com/xtrntr/btcexchange/internal/exchange"
)

const testWebhook = "https://hooks.example.com/fills"

type stubPrices struct {
	price float64
	err   error
	calls atomic.Int32
}

func (s *stubPrices) GetSpot(ctx context.Context, market string) (float64, error) {
	s.calls.Add(1)
	return s.price, s.err
}

type testServer struct {
	router *chi.Mux
	ex     *exchange.Exchange
	auth   *auth.AuthService
	prices *stubPrices
	hub    *BookHub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ex := exchange.NewExchange(exchange.NewMemoryStore(), nil)
	authService := auth.NewAuthService(ex, "test-secret", time.Hour)
	prices := &stubPrices{price: 50000}
	hub := NewBookHub(ex)
	h := NewHandler(ex, authService, prices)
	return &testServer{
		router: NewRouter(h, hub),
		ex:     ex,
		auth:   authService,
		prices: prices,
		hub:    hub,
	}
}

// do sends a JSON request and decodes a JSON object response, if any
func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var response map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response), w.Body.String())
	}
	return w.Code, response
}

// user registers name and returns its token
func (s *testServer) user(t *testing.T, name string) string {
	t.Helper()
	code, resp := s.do(t, http.MethodPost, "/auth/register", "", map[string]string{"username": name, "password": "testpass"})
	require.Equal(t, http.StatusCreated, code, resp)
	return resp["token"].(string)
}

func (s *testServer) topUp(t *testing.T, token string, amount int64, currency string) {
	t.Helper()
	code, resp := s.do(t, http.MethodPost, "/balance", token, map[string]interface{}{"topup_amount": amount, "currency": currency})
	require.Equal(t, http.StatusOK, code, resp)
}

func (s *testServer) standing(t *testing.T, token string, quantity int64, side string, price int64) float64 {
	t.Helper()
	code, resp := s.do(t, http.MethodPost, "/standing_order", token, map[string]interface{}{
		"quantity":    quantity,
		"type":        side,
		"limit_price": price,
		"webhook_url": testWebhook,
	})
	require.Equal(t, http.StatusOK, code, resp)
	return resp["order_id"].(float64)
}

func TestHandler_Register(t *testing.T) {
	tests := []struct {
		name           string
		requestBody    interface{}
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "Success",
			requestBody:    map[string]string{"username": "testuser", "password": "testpass"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Missing Password",
			requestBody:    map[string]string{"username": "testuser"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid input: password cannot be empty",
		},
		{
			name:           "Duplicate Username",
			requestBody:    map[string]string{"username": "taken", "password": "testpass"},
			expectedStatus: http.StatusConflict,
			expectedError:  "username already taken",
		},
		{
			name:           "Malformed Body",
			requestBody:    "{not json",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid request body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.user(t, "taken")

			code, response := s.do(t, http.MethodPost, "/auth/register", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, code)
			if tt.expectedError != "" {
				assert.Equal(t, tt.expectedError, response["error"])
				assert.NotEmpty(t, response["request_id"])
				return
			}
			assert.Equal(t, float64(2), response["id"])
			assert.Equal(t, "testuser", response["username"])
			assert.NotEmpty(t, response["token"])
		})
	}
}

func TestHandler_Login(t *testing.T) {
	s := newTestServer(t)
	s.user(t, "testuser")

	tests := []struct {
		name           string
		requestBody    map[string]interface{}
		expectedStatus int
		expectToken    bool
	}{
		{
			name:           "Success",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "testpass"},
			expectedStatus: http.StatusOK,
			expectToken:    true,
		},
		{
			name:           "Invalid Credentials",
			requestBody:    map[string]interface{}{"username": "testuser", "password": "wrongpass"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Unknown User",
			requestBody:    map[string]interface{}{"username": "nobody", "password": "testpass"},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, response := s.do(t, http.MethodPost, "/auth/login", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, code)
			if tt.expectToken {
				assert.NotEmpty(t, response["token"])
			} else {
				assert.Contains(t, response, "error")
			}
		})
	}
}

func TestHandler_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/balance"},
		{http.MethodPost, "/balance"},
		{http.MethodPost, "/market_order"},
		{http.MethodPost, "/standing_order"},
		{http.MethodGet, "/standing_order/1"},
		{http.MethodDelete, "/standing_order/1"},
		{http.MethodGet, "/orderbook"},
	}

	for _, route := range routes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			code, _ := s.do(t, route.method, route.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, code)

			code, _ = s.do(t, route.method, route.path, "garbage", nil)
			assert.Equal(t, http.StatusUnauthorized, code)
		})
	}
}

func TestHandler_TopUp(t *testing.T) {
	tests := []struct {
		name           string
		requestBody    map[string]interface{}
		expectedStatus int
		expectSuccess  bool
	}{
		{
			name:           "USD",
			requestBody:    map[string]interface{}{"topup_amount": 1000, "currency": "USD"},
			expectedStatus: http.StatusOK,
			expectSuccess:  true,
		},
		{
			name:           "BTC Lowercase",
			requestBody:    map[string]interface{}{"topup_amount": 3, "currency": "btc"},
			expectedStatus: http.StatusOK,
			expectSuccess:  true,
		},
		{
			name:           "Unknown Currency",
			requestBody:    map[string]interface{}{"topup_amount": 1000, "currency": "EUR"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Non Positive Amount",
			requestBody:    map[string]interface{}{"topup_amount": 0, "currency": "USD"},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			token := s.user(t, "alice")

			code, response := s.do(t, http.MethodPost, "/balance", token, tt.requestBody)
			assert.Equal(t, tt.expectedStatus, code)
			assert.Equal(t, tt.expectSuccess, response["success"])
		})
	}
}

func TestHandler_GetBalance(t *testing.T) {
	tests := []struct {
		name           string
		usd, btc       int64
		priceErr       error
		expectedStatus int
		expectedBody   map[string]interface{}
		expectFeedCall bool
	}{
		{
			name:           "Valued At Spot",
			usd:            1500,
			btc:            3,
			expectedStatus: http.StatusOK,
			expectedBody:   map[string]interface{}{"usd": float64(1500), "btc": float64(3), "usd_equivalent": float64(150002)},
			expectFeedCall: true,
		},
		{
			name:           "No BTC Skips Feed",
			usd:            1500,
			priceErr:       errors.New("feed down"),
			expectedStatus: http.StatusOK,
			expectedBody:   map[string]interface{}{"usd": float64(1500), "btc": float64(0), "usd_equivalent": float64(0)},
		},
		{
			name:           "Feed Failure",
			btc:            1,
			priceErr:       errors.New("feed down"),
			expectedStatus: http.StatusInternalServerError,
			expectFeedCall: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.prices.price = 50000.5
			s.prices.err = tt.priceErr
			token := s.user(t, "alice")
			if tt.usd > 0 {
				s.topUp(t, token, tt.usd, "USD")
			}
			if tt.btc > 0 {
				s.topUp(t, token, tt.btc, "BTC")
			}

			code, response := s.do(t, http.MethodGet, "/balance", token, nil)
			assert.Equal(t, tt.expectedStatus, code)
			if tt.expectedBody != nil {
				assert.Equal(t, tt.expectedBody, response)
			}
			assert.Equal(t, tt.expectFeedCall, s.prices.calls.Load() > 0)
		})
	}
}

func TestHandler_MarketOrder(t *testing.T) {
	s := newTestServer(t)
	seller := s.user(t, "seller")
	buyer := s.user(t, "buyer")
	s.topUp(t, seller, 2, "BTC")
	s.topUp(t, buyer, 100000, "USD")
	s.standing(t, seller, 1, "SELL", 10000)
	s.standing(t, seller, 1, "SELL", 10001)

	code, response := s.do(t, http.MethodPost, "/market_order", buyer, map[string]interface{}{"quantity": 5, "type": "buy"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]interface{}{"quantity": float64(2), "avg_price": 10000.5}, response)

	code, response = s.do(t, http.MethodPost, "/market_order", buyer, map[string]interface{}{"quantity": 5, "type": "buy"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]interface{}{"quantity": float64(0), "avg_price": float64(0)}, response)

	code, _ = s.do(t, http.MethodPost, "/market_order", buyer, map[string]interface{}{"quantity": 5, "type": "hold"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/market_order", buyer, map[string]interface{}{"quantity": 0, "type": "sell"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandler_StandingOrderLifecycle(t *testing.T) {
	s := newTestServer(t)
	alice := s.user(t, "alice")
	bob := s.user(t, "bob")
	s.topUp(t, alice, 10, "BTC")
	s.topUp(t, bob, 30000, "USD")

	id := s.standing(t, alice, 5, "sell", 10000)
	path := fmt.Sprintf("/standing_order/%d", int64(id))

	code, response := s.do(t, http.MethodGet, path, alice, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]interface{}{
		"type":            "SELL",
		"limit_price":     float64(10000),
		"filled_quantity": float64(0),
		"quantity":        float64(5),
		"avg_price":       float64(0),
		"state":           "LIVE",
	}, response)

	code, _ = s.do(t, http.MethodPost, "/market_order", bob, map[string]interface{}{"quantity": 2, "type": "BUY"})
	require.Equal(t, http.StatusOK, code)

	code, response = s.do(t, http.MethodGet, path, alice, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), response["filled_quantity"])
	assert.Equal(t, float64(3), response["quantity"])
	assert.Equal(t, float64(10000), response["avg_price"])

	code, _ = s.do(t, http.MethodGet, path, bob, nil)
	assert.Equal(t, http.StatusNotFound, code, "orders are private to their issuer")

	code, _ = s.do(t, http.MethodDelete, path, bob, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodDelete, path, alice, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodDelete, path, alice, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodGet, path, alice, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodGet, "/standing_order/abc", alice, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandler_PlaceStandingOrder(t *testing.T) {
	tests := []struct {
		name           string
		requestBody    map[string]interface{}
		expectedStatus int
		expectedState  string
	}{
		{
			name:           "Rests Live",
			requestBody:    map[string]interface{}{"quantity": 2, "type": "buy", "limit_price": 100, "webhook_url": testWebhook},
			expectedStatus: http.StatusOK,
			expectedState:  "LIVE",
		},
		{
			name:           "Cancelled For Insufficient Funds",
			requestBody:    map[string]interface{}{"quantity": 2, "type": "buy", "limit_price": 600, "webhook_url": testWebhook},
			expectedStatus: http.StatusOK,
			expectedState:  "CANCELLED",
		},
		{
			name:           "Invalid Webhook",
			requestBody:    map[string]interface{}{"quantity": 2, "type": "buy", "limit_price": 100, "webhook_url": "not a url"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Zero Limit Price",
			requestBody:    map[string]interface{}{"quantity": 2, "type": "sell", "limit_price": 0, "webhook_url": testWebhook},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Unknown Type",
			requestBody:    map[string]interface{}{"quantity": 2, "type": "short", "limit_price": 100, "webhook_url": testWebhook},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			token := s.user(t, "alice")
			s.topUp(t, token, 1000, "USD")

			code, response := s.do(t, http.MethodPost, "/standing_order", token, tt.requestBody)
			assert.Equal(t, tt.expectedStatus, code)
			if tt.expectedState != "" {
				assert.Equal(t, float64(1), response["order_id"])
				assert.Equal(t, tt.expectedState, response["state"])
			} else {
				assert.Contains(t, response, "error")
			}
		})
	}
}

func TestHandler_GetOrderBook(t *testing.T) {
	s := newTestServer(t)
	token := s.user(t, "alice")
	s.topUp(t, token, 1000, "USD")
	s.topUp(t, token, 5, "BTC")
	s.standing(t, token, 1, "buy", 100)
	s.standing(t, token, 1, "sell", 110)

	req := httptest.NewRequest(http.MethodGet, "/orderbook", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var book orderBook
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &book))
	assert.Equal(t, []bookOrder{{ID: 1, Side: "BUY", LimitPrice: 100, Quantity: 1}}, book.BuyOrders)
	assert.Equal(t, []bookOrder{{ID: 2, Side: "SELL", LimitPrice: 110, Quantity: 1}}, book.SellOrders)
	assert.NotContains(t, w.Body.String(), "webhook")
	assert.NotContains(t, w.Body.String(), "user_id")
}

func TestBookHub_StreamsBook(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var book orderBook
	require.NoError(t, conn.ReadJSON(&book))
	assert.Empty(t, book.BuyOrders)
	assert.Empty(t, book.SellOrders)

	token := s.user(t, "alice")
	s.topUp(t, token, 5, "BTC")
	s.standing(t, token, 2, "sell", 120)

	require.Eventually(t, func() bool {
		s.hub.mu.RLock()
		defer s.hub.mu.RUnlock()
		return len(s.hub.clients) == 1
	}, time.Second, 5*time.Millisecond)
	s.hub.Broadcast(context.Background())

	require.NoError(t, conn.ReadJSON(&book))
	assert.Equal(t, []bookOrder{{ID: 1, Side: "SELL", LimitPrice: 120, Quantity: 2}}, book.SellOrders)
}

func TestBookHub_SlowSubscriberDoesNotHoldHub(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var book orderBook
	require.NoError(t, conn.ReadJSON(&book))

	clients := s.hub.subscribers()
	require.Len(t, clients, 1)
	slow := clients[0]

	// a write already in progress keeps the next send waiting
	slow.mu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.hub.Broadcast(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)

	require.Eventually(t, func() bool {
		if !s.hub.mu.TryLock() {
			return false
		}
		s.hub.mu.Unlock()
		return true
	}, time.Second, 5*time.Millisecond, "hub lock held while a send blocks")

	slow.mu.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast did not finish")
	}
	require.NoError(t, conn.ReadJSON(&book))
}
