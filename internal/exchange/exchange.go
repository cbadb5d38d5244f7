package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"

	"github.com/rs/zerolog/log"
	"github.com/xtrntr/btcexchange/internal/models"
)

// Exchange is the order lifecycle manager: it owns the two order entry
// points and settles them against the store in one transaction each.
type Exchange struct {
	store    Store
	notifier Notifier
}

// FillResult is the outcome of a market order
type FillResult struct {
	Side    models.Side
	BTC     int64
	USD     int64
	Touched []models.Order
}

// StandingOrderResult is the persisted order and the counter orders it hit
type StandingOrderResult struct {
	Order   models.Order
	Touched []models.Order
}

// NewExchange creates a new exchange. A nil notifier discards notifications.
func NewExchange(store Store, notifier Notifier) *Exchange {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Exchange{store: store, notifier: notifier}
}

// RegisterUser creates a user together with an empty balance
func (e *Exchange) RegisterUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	var user *models.User
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		user, err = tx.CreateUser(ctx, username, passwordHash)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBalance(ctx, user.ID); err != nil {
			return fmt.Errorf("failed to create balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// UserByUsername looks a user up by name
func (e *Exchange) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user *models.User
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		user, err = tx.GetUserByUsername(ctx, username)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Deposit adds amount of asset to the user's balance
func (e *Exchange) Deposit(ctx context.Context, userID, amount int64, asset models.Asset) error {
	if amount <= 0 {
		return invalidOrder("deposit amount must be positive")
	}
	if asset != models.USD && asset != models.BTC {
		return invalidOrder("unknown asset %q", asset)
	}
	return e.store.WithTx(ctx, func(tx Tx) error {
		locked, err := tx.LockBalances(ctx, []int64{userID})
		if err != nil {
			return fmt.Errorf("failed to lock balance: %w", err)
		}
		balance, ok := locked[userID]
		if !ok {
			return fmt.Errorf("balance of user %d: %w", userID, ErrNotFound)
		}
		switch asset {
		case models.USD:
			if balance.USD > math.MaxInt64-amount {
				return invalidOrder("deposit overflows USD balance")
			}
			balance.USD += amount
		case models.BTC:
			if balance.BTC > math.MaxInt64-amount {
				return invalidOrder("deposit overflows BTC balance")
			}
			balance.BTC += amount
		}
		return tx.UpdateBalance(ctx, balance)
	})
}

// GetBalance returns the user's balance
func (e *Exchange) GetBalance(ctx context.Context, userID int64) (*models.Balance, error) {
	var balance models.Balance
	err := e.store.WithTx(ctx, func(tx Tx) error {
		b, err := tx.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		balance = *b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// ExecuteMarketOrder fills up to quantity against the whole opposite book.
// Nothing rests for the requester; a partial fill is a normal outcome.
func (e *Exchange) ExecuteMarketOrder(ctx context.Context, userID, quantity int64, side models.Side) (*FillResult, error) {
	if quantity <= 0 {
		return nil, invalidOrder("quantity must be positive")
	}
	if side != models.Buy && side != models.Sell {
		return nil, invalidOrder("unknown side %q", side)
	}

	var result *FillResult
	err := e.store.WithTx(ctx, func(tx Tx) error {
		m, balance, orders, err := e.prepare(ctx, tx, userID, side, nil)
		if err != nil {
			return err
		}
		f, err := m.executeOrders(ctx, quantity, side, balance, orders)
		if err != nil {
			return err
		}
		if err := m.ledger.flush(ctx); err != nil {
			return err
		}
		result = &FillResult{Side: side, BTC: f.btc, USD: f.usd, Touched: snapshot(f.touched)}
		return nil
	})
	if err != nil {
		e.logFault(err, userID, side)
		return nil, err
	}

	e.notify(result.Touched)
	return result, nil
}

// ExecuteStandingOrder places a limit order. An order the user cannot back
// is stored CANCELLED without touching the book; otherwise it matches what
// it can and rests the remainder LIVE at limitPrice.
func (e *Exchange) ExecuteStandingOrder(ctx context.Context, userID, quantity int64, side models.Side, limitPrice int64, webhookURL string) (*StandingOrderResult, error) {
	if err := validateStandingOrder(quantity, side, limitPrice, webhookURL); err != nil {
		return nil, err
	}

	var result *StandingOrderResult
	err := e.store.WithTx(ctx, func(tx Tx) error {
		m, balance, orders, err := e.prepare(ctx, tx, userID, side, &limitPrice)
		if err != nil {
			return err
		}

		reserved := m.reserved
		required := quantity
		if side == models.Buy {
			required = quantity * limitPrice
		}
		if reserved > math.MaxInt64-required || balance.Amount(side) < reserved+required {
			order := &models.Order{
				UserID:     userID,
				Side:       side,
				LimitPrice: limitPrice,
				Quantity:   quantity,
				State:      models.Cancelled,
				WebhookURL: webhookURL,
			}
			if err := tx.CreateOrder(ctx, order); err != nil {
				return fmt.Errorf("failed to create order: %w", err)
			}
			log.Info().Int64("user_id", userID).Int64("order_id", order.ID).Str("side", string(side)).
				Int64("reserved", reserved).Int64("required", required).Msg("standing order rejected for insufficient funds")
			result = &StandingOrderResult{Order: *order}
			return nil
		}

		f, err := m.executeOrders(ctx, quantity, side, balance, orders)
		if err != nil {
			return err
		}
		if err := m.ledger.flush(ctx); err != nil {
			return err
		}

		state := models.Live
		if f.btc == quantity {
			state = models.Fulfilled
		}
		order := &models.Order{
			UserID:         userID,
			Side:           side,
			LimitPrice:     limitPrice,
			Quantity:       quantity - f.btc,
			FilledQuantity: f.btc,
			FilledPrice:    f.usd,
			State:          state,
			WebhookURL:     webhookURL,
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		result = &StandingOrderResult{Order: *order, Touched: snapshot(f.touched)}
		return nil
	})
	if err != nil {
		e.logFault(err, userID, side)
		return nil, err
	}

	e.notify(result.Touched)
	return result, nil
}

// RemoveOrder deletes one of the user's LIVE orders. It reports false when
// no such order exists or it is already FULFILLED or CANCELLED.
func (e *Exchange) RemoveOrder(ctx context.Context, userID, orderID int64) (bool, error) {
	var removed bool
	err := e.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.LockBook(ctx); err != nil {
			return fmt.Errorf("failed to lock book: %w", err)
		}
		var err error
		removed, err = tx.DeleteOrder(ctx, userID, orderID)
		return err
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// FindOrder returns one of the user's orders
func (e *Exchange) FindOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	var order models.Order
	err := e.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.GetOrder(ctx, userID, orderID)
		if err != nil {
			return err
		}
		order = *o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderBook returns the LIVE buy and sell orders, best price first
func (e *Exchange) GetOrderBook(ctx context.Context) ([]models.Order, []models.Order, error) {
	var buys, sells []models.Order
	err := e.store.WithTx(ctx, func(tx Tx) error {
		b, err := tx.OpenOrders(ctx, models.Buy, nil)
		if err != nil {
			return err
		}
		s, err := tx.OpenOrders(ctx, models.Sell, nil)
		if err != nil {
			return err
		}
		buys, sells = snapshot(b), snapshot(s)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return buys, sells, nil
}

// prepare serialises the run, reads the eligible book and locks every
// balance the run can touch in one ordered pass.
func (e *Exchange) prepare(ctx context.Context, tx Tx, userID int64, side models.Side, limit *int64) (*matcher, *models.Balance, []*models.Order, error) {
	if err := tx.LockBook(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to lock book: %w", err)
	}
	orders, err := eligibleCounterOrders(ctx, tx, side, limit)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read order book: %w", err)
	}
	l := newLedger(tx)
	if err := l.lock(ctx, append([]int64{userID}, issuers(orders)...)...); err != nil {
		return nil, nil, nil, err
	}
	balance, ok := l.balance(userID)
	if !ok {
		return nil, nil, nil, fmt.Errorf("balance of user %d: %w", userID, ErrNotFound)
	}
	reserved, err := tx.ReservedExposure(ctx, userID, side)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to sum reserved funds: %w", err)
	}
	return &matcher{tx: tx, ledger: l, reserved: reserved}, balance, orders, nil
}

func (e *Exchange) notify(orders []models.Order) {
	for _, o := range orders {
		e.notifier.Notify(o)
	}
}

func (e *Exchange) logFault(err error, userID int64, side models.Side) {
	if errors.Is(err, ErrConsistency) {
		log.Error().Err(err).Int64("user_id", userID).Str("side", string(side)).Msg("order aborted")
	}
}

func validateStandingOrder(quantity int64, side models.Side, limitPrice int64, webhookURL string) error {
	if quantity <= 0 {
		return invalidOrder("quantity must be positive")
	}
	if limitPrice <= 0 {
		return invalidOrder("limit price must be positive")
	}
	if side != models.Buy && side != models.Sell {
		return invalidOrder("unknown side %q", side)
	}
	if limitPrice > math.MaxInt64/quantity {
		return invalidOrder("quantity * limit price overflows")
	}
	u, err := url.Parse(webhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalidOrder("webhook url must be an absolute http(s) url")
	}
	return nil
}

func snapshot(orders []*models.Order) []models.Order {
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, *o)
	}
	return out
}
