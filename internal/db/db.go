package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"

	"github.com/xtrntr/btcexchange/internal/exchange"
	"github.com/xtrntr/btcexchange/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

// bookLockKey is the advisory lock every matching run takes
const bookLockKey int64 = 0x42544355534400

const orderColumns = "id, user_id, side, limit_price, quantity, filled_quantity, filled_price, state, webhook_url, created_at"

// DB wraps a PostgreSQL connection pool and implements exchange.Store
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.Pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// WithTx runs fn inside one database transaction, committing only if fn succeeds
func (db *DB) WithTx(ctx context.Context, fn func(tx exchange.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

// CreateUser inserts a new user
func (t *pgTx) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := t.tx.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, exchange.ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (t *pgTx) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := t.tx.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, exchange.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (t *pgTx) CreateBalance(ctx context.Context, userID int64) (*models.Balance, error) {
	b := &models.Balance{}
	err := t.tx.QueryRow(ctx,
		"INSERT INTO balances (user_id) VALUES ($1) RETURNING user_id, usd, btc",
		userID).Scan(&b.UserID, &b.USD, &b.BTC)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance: %w", err)
	}
	return b, nil
}

func (t *pgTx) GetBalance(ctx context.Context, userID int64) (*models.Balance, error) {
	b := &models.Balance{}
	err := t.tx.QueryRow(ctx,
		"SELECT user_id, usd, btc FROM balances WHERE user_id = $1",
		userID).Scan(&b.UserID, &b.USD, &b.BTC)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, exchange.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

// LockBalances locks the rows in user id order so that two runs touching
// the same users always wait on each other in the same order.
func (t *pgTx) LockBalances(ctx context.Context, userIDs []int64) (map[int64]*models.Balance, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT user_id, usd, btc FROM balances WHERE user_id = ANY($1) ORDER BY user_id FOR UPDATE",
		userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to lock balances: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*models.Balance, len(userIDs))
	for rows.Next() {
		b := &models.Balance{}
		if err := rows.Scan(&b.UserID, &b.USD, &b.BTC); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		out[b.UserID] = b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, b *models.Balance) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE balances SET usd = $1, btc = $2 WHERE user_id = $3",
		b.USD, b.BTC, b.UserID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("balance of user %d: %w", b.UserID, exchange.ErrNotFound)
	}
	return nil
}

// LockBook takes a transaction-scoped advisory lock, released on commit or rollback
func (t *pgTx) LockBook(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", bookLockKey); err != nil {
		return fmt.Errorf("failed to take book lock: %w", err)
	}
	return nil
}

// OpenOrders retrieves LIVE orders of one side, best price first
func (t *pgTx) OpenOrders(ctx context.Context, side models.Side, limit *int64) ([]*models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE state = 'LIVE' AND side = $1"
	args := []any{string(side)}
	if limit != nil {
		if side == models.Sell {
			query += " AND limit_price <= $2"
		} else {
			query += " AND limit_price >= $2"
		}
		args = append(args, *limit)
	}
	if side == models.Buy {
		query += " ORDER BY limit_price DESC, id ASC"
	} else {
		query += " ORDER BY limit_price ASC, id ASC"
	}

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (t *pgTx) ReservedExposure(ctx context.Context, userID int64, side models.Side) (int64, error) {
	query := "SELECT COALESCE(SUM(quantity), 0)::BIGINT FROM orders WHERE state = 'LIVE' AND side = $1 AND user_id = $2"
	if side == models.Buy {
		query = "SELECT COALESCE(SUM(quantity * limit_price), 0)::BIGINT FROM orders WHERE state = 'LIVE' AND side = $1 AND user_id = $2"
	}
	var total int64
	if err := t.tx.QueryRow(ctx, query, string(side), userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum reserved funds: %w", err)
	}
	return total, nil
}

// CreateOrder inserts a new order and fills in its id and creation time
func (t *pgTx) CreateOrder(ctx context.Context, o *models.Order) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, side, limit_price, quantity, filled_quantity, filled_price, state, webhook_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at`,
		o.UserID, string(o.Side), o.LimitPrice, o.Quantity, o.FilledQuantity, o.FilledPrice, string(o.State), o.WebhookURL,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// UpdateOrder writes back fill progress. Only LIVE rows can change.
func (t *pgTx) UpdateOrder(ctx context.Context, o *models.Order) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET quantity = $1, filled_quantity = $2, filled_price = $3, state = $4
		WHERE id = $5 AND state = 'LIVE'`,
		o.Quantity, o.FilledQuantity, o.FilledPrice, string(o.State), o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("live order %d: %w", o.ID, exchange.ErrNotFound)
	}
	return nil
}

// GetOrder retrieves one of the user's orders
func (t *pgTx) GetOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	row := t.tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND user_id = $2",
		orderID, userID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, exchange.ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

// DeleteOrder removes the user's order if it is still LIVE
func (t *pgTx) DeleteOrder(ctx context.Context, userID, orderID int64) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		"DELETE FROM orders WHERE id = $1 AND user_id = $2 AND state = 'LIVE'",
		orderID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete order: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		order       models.Order
		side, state string
	)
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&side,
		&order.LimitPrice,
		&order.Quantity,
		&order.FilledQuantity,
		&order.FilledPrice,
		&state,
		&order.WebhookURL,
		&order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	order.Side = models.Side(side)
	order.State = models.OrderState(state)
	return &order, nil
}
