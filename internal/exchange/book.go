package exchange

import (
	"context"
	"sort"

	"github.com/xtrntr/btcexchange/internal/models"
)

// Acceptable reports whether a resting order on side at price can trade
// against a counter order limited to limit. Sellers must ask at or below a
// buyer's limit; buyers must bid at or above a seller's limit.
func Acceptable(side models.Side, price int64, limit *int64) bool {
	if limit == nil {
		return true
	}
	if side == models.Sell {
		return price <= *limit
	}
	return price >= *limit
}

// BetterPrice orders two resting orders of the same side: best price first,
// lower id first among equal prices.
func BetterPrice(side models.Side, aPrice, aID, bPrice, bID int64) bool {
	if aPrice == bPrice {
		return aID < bID
	}
	if side == models.Buy {
		return aPrice > bPrice
	}
	return aPrice < bPrice
}

// SortBook sorts orders of one side best price first
func SortBook(side models.Side, orders []*models.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		return BetterPrice(side, orders[i].LimitPrice, orders[i].ID, orders[j].LimitPrice, orders[j].ID)
	})
}

// eligibleCounterOrders returns the book an order of side trades against.
// A nil limit means a market order.
func eligibleCounterOrders(ctx context.Context, tx Tx, side models.Side, limit *int64) ([]*models.Order, error) {
	return tx.OpenOrders(ctx, side.Opposite(), limit)
}

func issuers(orders []*models.Order) []int64 {
	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.UserID)
	}
	return ids
}
