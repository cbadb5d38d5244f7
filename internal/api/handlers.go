package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/btcexchange/internal/auth"
	"github.com/xtrntr/btcexchange/internal/exchange"
	"github.com/xtrntr/btcexchange/internal/models"
	"github.com/xtrntr/btcexchange/internal/pricefeed"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	Prices      pricefeed.PriceFeed
}

// NewHandler creates a new handler
func NewHandler(ex *exchange.Exchange, authService *auth.AuthService, prices pricefeed.PriceFeed) *Handler {
	return &Handler{Exchange: ex, AuthService: authService, Prices: prices}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register creates a user with an empty balance and returns a token for it
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	token, err := h.AuthService.IssueToken(user)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"token":    token,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type balanceResponse struct {
	USD           int64 `json:"usd"`
	BTC           int64 `json:"btc"`
	USDEquivalent int64 `json:"usd_equivalent"`
}

// GetBalance returns the caller's funds and their BTC holdings valued at spot
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)

	balance, err := h.Exchange.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := balanceResponse{USD: balance.USD, BTC: balance.BTC}
	if balance.BTC > 0 {
		rate, err := h.Prices.GetSpot(r.Context(), pricefeed.BTCUSD)
		if err != nil {
			log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("spot price unavailable")
			writeMessage(w, r, http.StatusInternalServerError, "spot price unavailable")
			return
		}
		resp.USDEquivalent = decimal.NewFromInt(balance.BTC).Mul(decimal.NewFromFloat(rate)).Round(0).IntPart()
	}

	writeJSON(w, http.StatusOK, resp)
}

// TopUp deposits funds into the caller's balance
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)

	var req struct {
		TopupAmount int64  `json:"topup_amount"`
		Currency    string `json:"currency"`
	}
	if !decode(w, r, &req) {
		return
	}
	asset, err := models.ParseAsset(req.Currency)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	if err := h.Exchange.Deposit(r.Context(), userID, req.TopupAmount, asset); err != nil {
		status, msg := classify(r, err)
		writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type marketOrderResponse struct {
	Quantity int64           `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// PlaceMarketOrder fills against the book and reports what was traded
func (h *Handler) PlaceMarketOrder(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)

	var req struct {
		Quantity int64  `json:"quantity"`
		Type     string `json:"type"`
	}
	if !decode(w, r, &req) {
		return
	}
	side, err := models.ParseSide(req.Type)
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.Exchange.ExecuteMarketOrder(r.Context(), userID, req.Quantity, side)
	if err != nil {
		writeError(w, r, err)
		return
	}

	avg := decimal.Zero
	if result.BTC > 0 {
		avg = decimal.NewFromInt(result.USD).DivRound(decimal.NewFromInt(result.BTC), 8)
	}
	writeJSON(w, http.StatusOK, marketOrderResponse{Quantity: result.BTC, AvgPrice: avg})
}

// PlaceStandingOrder places a limit order
func (h *Handler) PlaceStandingOrder(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)

	var req struct {
		Quantity   int64  `json:"quantity"`
		Type       string `json:"type"`
		LimitPrice int64  `json:"limit_price"`
		WebhookURL string `json:"webhook_url"`
	}
	if !decode(w, r, &req) {
		return
	}
	side, err := models.ParseSide(req.Type)
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.Exchange.ExecuteStandingOrder(r.Context(), userID, req.Quantity, side, req.LimitPrice, req.WebhookURL)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order_id": result.Order.ID,
		"state":    result.Order.State,
	})
}

type standingOrderResponse struct {
	Type           models.Side       `json:"type"`
	LimitPrice     int64             `json:"limit_price"`
	FilledQuantity int64             `json:"filled_quantity"`
	Quantity       int64             `json:"quantity"`
	AvgPrice       int64             `json:"avg_price"`
	State          models.OrderState `json:"state"`
}

// GetStandingOrder reports the progress of one of the caller's orders
func (h *Handler) GetStandingOrder(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.Exchange.FindOrder(r.Context(), userID, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, standingOrderResponse{
		Type:           order.Side,
		LimitPrice:     order.LimitPrice,
		FilledQuantity: order.FilledQuantity,
		Quantity:       order.Quantity,
		AvgPrice:       order.AvgPrice(),
		State:          order.State,
	})
}

// CancelStandingOrder removes one of the caller's LIVE orders
func (h *Handler) CancelStandingOrder(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	removed, err := h.Exchange.RemoveOrder(r.Context(), userID, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !removed {
		writeMessage(w, r, http.StatusNotFound, "order not found")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetOrderBook retrieves the current order book
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := loadBook(r.Context(), h.Exchange)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || orderID <= 0 {
		writeMessage(w, r, http.StatusBadRequest, "invalid order id")
		return 0, false
	}
	return orderID, true
}

// mustUserID reads the id JWTAuthMiddleware put on the request
func mustUserID(r *http.Request) int64 {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		panic("api: handler mounted without JWTAuthMiddleware")
	}
	return userID
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, r, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// classify maps an error to a status and a message safe to show the caller
func classify(r *http.Request, err error) (int, string) {
	switch {
	case errors.Is(err, exchange.ErrInvalidOrder), errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, exchange.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, exchange.ErrUsernameTaken):
		return http.StatusConflict, "username already taken"
	default:
		log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).Msg("request failed")
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classify(r, err)
	writeMessage(w, r, status, msg)
}

func writeMessage(w http.ResponseWriter, r *http.Request, status int, msg string) {
	body := map[string]string{"error": msg}
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		body["request_id"] = reqID
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}
