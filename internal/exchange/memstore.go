package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/btree"
	"github.com/xtrntr/btcexchange/internal/models"
)

type bookEntry struct {
	price int64
	id    int64
}

type bookIndex = btree.BTreeG[bookEntry]

func newBookIndex(side models.Side) *bookIndex {
	return btree.NewBTreeG(func(a, b bookEntry) bool {
		return BetterPrice(side, a.price, a.id, b.price, b.id)
	})
}

// MemoryStore keeps users, balances and orders in process. Transactions are
// serialised by one mutex and staged on copies, so a failed transaction
// leaves no trace.
type MemoryStore struct {
	mu sync.Mutex

	users    map[int64]models.User
	byName   map[string]int64
	balances map[int64]models.Balance
	orders   map[int64]models.Order

	// LIVE orders only, best price first
	bids *bookIndex
	asks *bookIndex

	nextUserID  int64
	nextOrderID int64
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]models.User),
		byName:   make(map[string]int64),
		balances: make(map[int64]models.Balance),
		orders:   make(map[int64]models.Order),
		bids:     newBookIndex(models.Buy),
		asks:     newBookIndex(models.Sell),
		now:      time.Now,
	}
}

// WithTx runs fn while holding the store lock and applies its changes only
// when fn succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:           s,
		users:       make(map[int64]*models.User),
		balances:    make(map[int64]*models.Balance),
		orders:      make(map[int64]*models.Order),
		deleted:     make(map[int64]bool),
		nextUserID:  s.nextUserID,
		nextOrderID: s.nextOrderID,
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) index(side models.Side) *bookIndex {
	if side == models.Buy {
		return s.bids
	}
	return s.asks
}

type memTx struct {
	s *MemoryStore

	users    map[int64]*models.User
	balances map[int64]*models.Balance
	orders   map[int64]*models.Order
	deleted  map[int64]bool

	nextUserID  int64
	nextOrderID int64
}

func (tx *memTx) commit() {
	s := tx.s
	for id, u := range tx.users {
		s.users[id] = *u
		s.byName[u.Username] = id
	}
	for id, b := range tx.balances {
		s.balances[id] = *b
	}
	for id, o := range tx.orders {
		if old, ok := s.orders[id]; ok && old.State == models.Live {
			s.index(old.Side).Delete(bookEntry{price: old.LimitPrice, id: id})
		}
		if tx.deleted[id] {
			delete(s.orders, id)
			continue
		}
		s.orders[id] = *o
		if o.State == models.Live {
			s.index(o.Side).Set(bookEntry{price: o.LimitPrice, id: id})
		}
	}
	s.nextUserID = tx.nextUserID
	s.nextOrderID = tx.nextOrderID
}

func (tx *memTx) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	if _, err := tx.GetUserByUsername(ctx, username); err == nil {
		return nil, ErrUsernameTaken
	}
	tx.nextUserID++
	u := &models.User{
		ID:           tx.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    tx.s.now(),
	}
	tx.users[u.ID] = u
	return u, nil
}

func (tx *memTx) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	for _, u := range tx.users {
		if u.Username == username {
			return u, nil
		}
	}
	id, ok := tx.s.byName[username]
	if !ok {
		return nil, ErrNotFound
	}
	u := tx.s.users[id]
	return &u, nil
}

func (tx *memTx) CreateBalance(ctx context.Context, userID int64) (*models.Balance, error) {
	if _, err := tx.GetBalance(ctx, userID); err == nil {
		return nil, consistencyError("balance of user %d already exists", userID)
	}
	b := &models.Balance{UserID: userID}
	tx.balances[userID] = b
	return b, nil
}

func (tx *memTx) GetBalance(ctx context.Context, userID int64) (*models.Balance, error) {
	if b, ok := tx.balances[userID]; ok {
		return b, nil
	}
	committed, ok := tx.s.balances[userID]
	if !ok {
		return nil, ErrNotFound
	}
	b := &committed
	tx.balances[userID] = b
	return b, nil
}

// LockBalances only stages the balances; the store mutex already excludes
// every other transaction.
func (tx *memTx) LockBalances(ctx context.Context, userIDs []int64) (map[int64]*models.Balance, error) {
	out := make(map[int64]*models.Balance, len(userIDs))
	for _, id := range userIDs {
		b, err := tx.GetBalance(ctx, id)
		if err != nil {
			continue
		}
		out[id] = b
	}
	return out, nil
}

func (tx *memTx) UpdateBalance(ctx context.Context, balance *models.Balance) error {
	staged, err := tx.GetBalance(ctx, balance.UserID)
	if err != nil {
		return err
	}
	if staged != balance {
		*staged = *balance
	}
	return nil
}

func (tx *memTx) LockBook(ctx context.Context) error {
	return nil
}

// stage returns the transaction's copy of an order, or nil if it does not
// exist or was deleted in this transaction.
func (tx *memTx) stage(id int64) *models.Order {
	if tx.deleted[id] {
		return nil
	}
	if o, ok := tx.orders[id]; ok {
		return o
	}
	committed, ok := tx.s.orders[id]
	if !ok {
		return nil
	}
	o := &committed
	tx.orders[id] = o
	return o
}

func (tx *memTx) OpenOrders(ctx context.Context, side models.Side, limit *int64) ([]*models.Order, error) {
	var out []*models.Order
	seen := make(map[int64]bool)
	tx.s.index(side).Scan(func(e bookEntry) bool {
		if !Acceptable(side, e.price, limit) {
			return false
		}
		seen[e.id] = true
		if o := tx.stage(e.id); o != nil && o.State == models.Live {
			out = append(out, o)
		}
		return true
	})
	// orders created by this transaction are not indexed yet
	for id, o := range tx.orders {
		if seen[id] || tx.deleted[id] {
			continue
		}
		if _, committed := tx.s.orders[id]; committed {
			continue
		}
		if o.Side == side && o.State == models.Live && Acceptable(side, o.LimitPrice, limit) {
			out = append(out, o)
		}
	}
	SortBook(side, out)
	return out, nil
}

func (tx *memTx) ReservedExposure(ctx context.Context, userID int64, side models.Side) (int64, error) {
	var total int64
	add := func(o *models.Order) {
		if o.UserID == userID && o.Side == side && o.State == models.Live {
			total += o.Commitment()
		}
	}
	for id, committed := range tx.s.orders {
		if tx.deleted[id] {
			continue
		}
		if o, ok := tx.orders[id]; ok {
			add(o)
			continue
		}
		add(&committed)
	}
	for id, o := range tx.orders {
		if _, committed := tx.s.orders[id]; !committed && !tx.deleted[id] {
			add(o)
		}
	}
	return total, nil
}

func (tx *memTx) CreateOrder(ctx context.Context, order *models.Order) error {
	tx.nextOrderID++
	order.ID = tx.nextOrderID
	order.CreatedAt = tx.s.now()
	staged := *order
	tx.orders[order.ID] = &staged
	return nil
}

func (tx *memTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	staged := tx.stage(order.ID)
	if staged == nil {
		return ErrNotFound
	}
	if staged != order {
		*staged = *order
	}
	return nil
}

func (tx *memTx) GetOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	o := tx.stage(orderID)
	if o == nil || o.UserID != userID {
		return nil, ErrNotFound
	}
	return o, nil
}

func (tx *memTx) DeleteOrder(ctx context.Context, userID, orderID int64) (bool, error) {
	o := tx.stage(orderID)
	if o == nil || o.UserID != userID || o.State != models.Live {
		return false, nil
	}
	tx.deleted[orderID] = true
	return true, nil
}
