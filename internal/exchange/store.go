package exchange

import (
	"context"

	"github.com/xtrntr/btcexchange/internal/models"
)

// Store is the transactional persistence layer behind the exchange.
// WithTx runs fn atomically: if fn returns an error nothing it did is kept.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the view of users, balances and orders inside one transaction.
// Pointers handed out by a Tx stay valid until the transaction ends and
// must be written back with UpdateBalance / UpdateOrder after mutation.
type Tx interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	CreateBalance(ctx context.Context, userID int64) (*models.Balance, error)
	GetBalance(ctx context.Context, userID int64) (*models.Balance, error)
	// LockBalances takes exclusive locks on the balances of userIDs in
	// ascending id order. Missing balances are absent from the result.
	LockBalances(ctx context.Context, userIDs []int64) (map[int64]*models.Balance, error)
	UpdateBalance(ctx context.Context, balance *models.Balance) error

	// LockBook serialises matching runs against each other.
	LockBook(ctx context.Context) error
	// OpenOrders returns LIVE orders of one side, best price first. With a
	// non-nil limit only prices acceptable to that limit are returned.
	OpenOrders(ctx context.Context, side models.Side, limit *int64) ([]*models.Order, error)
	// ReservedExposure sums the commitment of the user's LIVE orders of side.
	ReservedExposure(ctx context.Context, userID int64, side models.Side) (int64, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	UpdateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, userID, orderID int64) (*models.Order, error)
	DeleteOrder(ctx context.Context, userID, orderID int64) (bool, error)
}

// Notifier receives counter orders touched by a committed match.
// Implementations must not block.
type Notifier interface {
	Notify(order models.Order)
}

// Notifiers fans a notification out to several notifiers
type Notifiers []Notifier

func (ns Notifiers) Notify(order models.Order) {
	for _, n := range ns {
		n.Notify(order)
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(models.Order) {}
