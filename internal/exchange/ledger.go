package exchange

import (
	"context"
	"fmt"
	"sort"

	"github.com/xtrntr/btcexchange/internal/models"
)

// ledger caches the balances locked by one transaction so that every order
// of the same issuer settles against the same Balance value.
type ledger struct {
	tx       Tx
	balances map[int64]*models.Balance
	dirty    map[int64]bool
}

func newLedger(tx Tx) *ledger {
	return &ledger{
		tx:       tx,
		balances: make(map[int64]*models.Balance),
		dirty:    make(map[int64]bool),
	}
}

// lock acquires every balance the run needs in a single ascending pass.
// Calling it twice in one run would break the global lock order.
func (l *ledger) lock(ctx context.Context, userIDs ...int64) error {
	seen := make(map[int64]bool, len(userIDs))
	ids := make([]int64, 0, len(userIDs))
	for _, id := range userIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	locked, err := l.tx.LockBalances(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to lock balances: %w", err)
	}
	for id, b := range locked {
		l.balances[id] = b
	}
	return nil
}

func (l *ledger) balance(userID int64) (*models.Balance, bool) {
	b, ok := l.balances[userID]
	return b, ok
}

// transfer moves btc from seller to buyer and usd from buyer to seller
func (l *ledger) transfer(buyer, seller *models.Balance, btc, usd int64) {
	if btc == 0 && usd == 0 {
		return
	}
	seller.BTC -= btc
	buyer.BTC += btc
	seller.USD += usd
	buyer.USD -= usd
	l.dirty[buyer.UserID] = true
	l.dirty[seller.UserID] = true
}

func (l *ledger) flush(ctx context.Context) error {
	ids := make([]int64, 0, len(l.dirty))
	for id := range l.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		b := l.balances[id]
		if b.USD < 0 || b.BTC < 0 {
			return consistencyError("balance of user %d would become negative", id)
		}
		if err := l.tx.UpdateBalance(ctx, b); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
	}
	l.dirty = make(map[int64]bool)
	return nil
}
