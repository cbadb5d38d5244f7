package models

import (
	"fmt"
	"strings"
	"time"
)

// Side is the direction of an order
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side an order of this side trades against
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide accepts "buy"/"sell" in any case
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	default:
		return "", fmt.Errorf("invalid side %q", s)
	}
}

// OrderState is the lifecycle state of a standing order
type OrderState string

const (
	Live      OrderState = "LIVE"
	Fulfilled OrderState = "FULFILLED"
	Cancelled OrderState = "CANCELLED"
)

// Terminal reports whether no further transition is possible
func (s OrderState) Terminal() bool {
	return s == Fulfilled || s == Cancelled
}

// Asset is one of the two tradable currencies
type Asset string

const (
	USD Asset = "USD"
	BTC Asset = "BTC"
)

// ParseAsset accepts "usd"/"btc" in any case
func ParseAsset(s string) (Asset, error) {
	switch Asset(strings.ToUpper(strings.TrimSpace(s))) {
	case USD:
		return USD, nil
	case BTC:
		return BTC, nil
	default:
		return "", fmt.Errorf("invalid currency %q", s)
	}
}

// User represents a registered user
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Balance holds a user's funds in smallest units
type Balance struct {
	UserID int64 `json:"user_id"`
	USD    int64 `json:"usd"`
	BTC    int64 `json:"btc"`
}

// Amount returns the funds an order of the given side spends
func (b *Balance) Amount(side Side) int64 {
	if side == Buy {
		return b.USD
	}
	return b.BTC
}

// Order represents a standing buy or sell order.
// Quantity is the unfilled remainder; FilledPrice is the cumulative USD
// transacted, not a per-unit price.
type Order struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	Side           Side       `json:"side"`
	LimitPrice     int64      `json:"limit_price"`
	Quantity       int64      `json:"quantity"`
	FilledQuantity int64      `json:"filled_quantity"`
	FilledPrice    int64      `json:"filled_price"`
	State          OrderState `json:"state"`
	WebhookURL     string     `json:"webhook_url"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AvgPrice returns the truncated average fill price, or 0 when nothing filled
func (o *Order) AvgPrice() int64 {
	if o.FilledQuantity == 0 {
		return 0
	}
	return o.FilledPrice / o.FilledQuantity
}

// Commitment is what the issuer must hold to back the unfilled remainder:
// USD for a buy, BTC for a sell.
func (o *Order) Commitment() int64 {
	if o.Side == Buy {
		return o.Quantity * o.LimitPrice
	}
	return o.Quantity
}
