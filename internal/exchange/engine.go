package exchange

import (
	"context"
	"fmt"

	"github.com/xtrntr/btcexchange/internal/models"
)

// fill is the aggregate outcome of walking the book for one request
type fill struct {
	btc     int64
	usd     int64
	touched []*models.Order
}

// matcher settles a requester against counter orders inside one transaction.
// reserved is what the requester's own LIVE orders on the requesting side
// already commit; it is never spent.
type matcher struct {
	tx       Tx
	ledger   *ledger
	reserved int64
}

// executeOrders fills up to quantity against orders in book order. Matching
// stops at the first counter order that yields nothing; deeper orders are
// not retried.
func (m *matcher) executeOrders(ctx context.Context, quantity int64, side models.Side, balance *models.Balance, orders []*models.Order) (fill, error) {
	var f fill
	for _, order := range orders {
		btc, usd, err := m.executeSale(quantity-f.btc, side, balance, order)
		if err != nil {
			return fill{}, err
		}
		if btc == 0 {
			if usd != 0 {
				return fill{}, consistencyError("order %d moved %d USD without BTC", order.ID, usd)
			}
			break
		}
		if err := m.tx.UpdateOrder(ctx, order); err != nil {
			return fill{}, fmt.Errorf("failed to update order %d: %w", order.ID, err)
		}
		f.btc += btc
		f.usd += usd
		f.touched = append(f.touched, order)
	}
	return f, nil
}

// executeSale trades between the requester's balance and one counter order
// at the counter order's price. It returns the BTC and USD exchanged.
func (m *matcher) executeSale(quantity int64, side models.Side, balance *models.Balance, order *models.Order) (int64, int64, error) {
	if order.Side == side {
		return 0, 0, consistencyError("order %d is on the requesting side %s", order.ID, side)
	}
	if order.State != models.Live {
		return 0, 0, consistencyError("order %d is %s, not LIVE", order.ID, order.State)
	}
	if order.Quantity <= 0 {
		return 0, 0, consistencyError("LIVE order %d has nothing left to fill", order.ID)
	}
	if order.LimitPrice <= 0 {
		return 0, 0, consistencyError("order %d has non-positive price %d", order.ID, order.LimitPrice)
	}
	counter, ok := m.ledger.balance(order.UserID)
	if !ok {
		return 0, 0, consistencyError("no balance for issuer %d of order %d", order.UserID, order.ID)
	}
	if counter.Amount(order.Side) < order.Commitment() {
		return 0, 0, consistencyError("issuer %d cannot cover order %d", order.UserID, order.ID)
	}

	price := order.LimitPrice
	available := max(balance.Amount(side)-m.reserved, 0)
	var afforded int64
	if side == models.Buy {
		afforded = min(quantity, available/price)
	} else {
		afforded = min(quantity, available)
	}
	btc := max(min(afforded, order.Quantity), 0)
	usd := btc * price

	buyer, seller := balance, counter
	if side == models.Sell {
		buyer, seller = counter, balance
	}
	m.ledger.transfer(buyer, seller, btc, usd)

	order.FilledQuantity += btc
	order.Quantity -= btc
	order.FilledPrice += usd
	if order.Quantity == 0 {
		order.State = models.Fulfilled
	}
	return btc, usd, nil
}
