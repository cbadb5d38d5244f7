package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/xtrntr/btcexchange/internal/exchange"
	"github.com/xtrntr/btcexchange/internal/models"
)

const writeWait = 5 * time.Second

// bookOrder is the public view of a resting order; owners and webhooks stay private
type bookOrder struct {
	ID         int64       `json:"id"`
	Side       models.Side `json:"side"`
	LimitPrice int64       `json:"limit_price"`
	Quantity   int64       `json:"quantity"`
}

type orderBook struct {
	BuyOrders  []bookOrder `json:"buy_orders"`
	SellOrders []bookOrder `json:"sell_orders"`
}

func loadBook(ctx context.Context, ex *exchange.Exchange) (orderBook, error) {
	buys, sells, err := ex.GetOrderBook(ctx)
	if err != nil {
		return orderBook{}, err
	}
	return orderBook{BuyOrders: publicOrders(buys), SellOrders: publicOrders(sells)}, nil
}

func publicOrders(orders []models.Order) []bookOrder {
	out := make([]bookOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, bookOrder{ID: o.ID, Side: o.Side, LimitPrice: o.LimitPrice, Quantity: o.Quantity})
	}
	return out
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// BookHub pushes the order book to websocket subscribers, periodically and
// whenever a match touches resting orders.
type BookHub struct {
	ex       *exchange.Exchange
	upgrader websocket.Upgrader
	wake     chan struct{}

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

func NewBookHub(ex *exchange.Exchange) *BookHub {
	return &BookHub{
		ex: ex,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the book is public
			},
		},
		wake:    make(chan struct{}, 1),
		clients: make(map[*wsClient]bool),
	}
}

// Notify schedules a broadcast. It never blocks.
func (h *BookHub) Notify(models.Order) {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Run broadcasts every interval and on every Notify until ctx is done
func (h *BookHub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
		case <-h.wake:
		}
		h.Broadcast(ctx)
	}
}

// Broadcast sends the current book to every subscriber, dropping the ones
// that cannot be written to.
func (h *BookHub) Broadcast(ctx context.Context) {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n == 0 {
		return
	}

	book, err := loadBook(ctx, h.ex)
	if err != nil {
		log.Error().Err(err).Msg("failed to load order book")
		return
	}
	data, err := json.Marshal(book)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal order book")
		return
	}

	var failed []*wsClient
	for _, client := range h.subscribers() {
		if err := client.send(data); err != nil {
			failed = append(failed, client)
		}
	}

	for _, client := range failed {
		log.Debug().Str("remote", client.conn.RemoteAddr().String()).Msg("dropping websocket client")
		h.remove(client)
	}
}

// ServeWS upgrades the connection and subscribes it to book updates
func (h *BookHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	// initial snapshot for the new subscriber only
	if book, err := loadBook(r.Context(), h.ex); err == nil {
		if data, err := json.Marshal(book); err == nil {
			client.send(data)
		}
	}

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(client)
			return
		}
	}
}

// subscribers copies the client set so sends happen without holding h.mu
func (h *BookHub) subscribers() []*wsClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *BookHub) remove(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client] {
		delete(h.clients, client)
		client.conn.Close()
	}
}

func (h *BookHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.conn.Close()
		delete(h.clients, client)
	}
}
