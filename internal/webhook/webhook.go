package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/xtrntr/btcexchange/internal/models"
	tomb "gopkg.in/tomb.v2"
)

const (
	DeliveryHeader = "X-Webhook-Delivery"
	OrderIDHeader  = "X-Order-Id"
	StateHeader    = "X-Order-State"
)

// Dispatcher calls the webhook of every order a trade touched. Calls are
// queued and made by a fixed pool of workers, so order entry never waits
// on a remote endpoint. When the queue is full the call is dropped.
type Dispatcher struct {
	client  *http.Client
	queue   chan models.Order
	workers int
	t       *tomb.Tomb
}

// NewDispatcher creates a dispatcher. Call Start before notifications are expected to flow.
func NewDispatcher(workers, queueSize int, timeout time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		client:  &http.Client{Timeout: timeout},
		queue:   make(chan models.Order, queueSize),
		workers: workers,
	}
}

// Start runs the worker pool until ctx is done or Stop is called
func (d *Dispatcher) Start(ctx context.Context) {
	t, ctx := tomb.WithContext(ctx)
	d.t = t
	for i := 0; i < d.workers; i++ {
		id := i
		t.Go(func() error {
			return d.worker(ctx, id)
		})
	}
	log.Info().Int("workers", d.workers).Msg("webhook dispatcher running")
}

// Stop signals the workers and waits for in-flight calls to finish.
// Queued calls that were not started are abandoned.
func (d *Dispatcher) Stop() error {
	if d.t == nil {
		return nil
	}
	d.t.Kill(nil)
	return d.t.Wait()
}

// Notify queues a webhook call for order
func (d *Dispatcher) Notify(order models.Order) {
	if order.WebhookURL == "" {
		return
	}
	select {
	case d.queue <- order:
	default:
		log.Warn().Int64("order_id", order.ID).Str("url", order.WebhookURL).Msg("webhook queue full, dropping call")
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) error {
	for {
		select {
		case <-d.t.Dying():
			return nil
		case order := <-d.queue:
			if err := d.deliver(ctx, order); err != nil {
				log.Warn().Err(err).Int("worker", id).Int64("order_id", order.ID).
					Str("url", order.WebhookURL).Msg("webhook failed")
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, order models.Order) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, order.WebhookURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	delivery := uuid.NewString()
	req.Header.Set(DeliveryHeader, delivery)
	req.Header.Set(OrderIDHeader, strconv.FormatInt(order.ID, 10))
	req.Header.Set(StateHeader, string(order.State))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	log.Debug().Int64("order_id", order.ID).Str("delivery", delivery).Int("status", resp.StatusCode).Msg("webhook completed")
	return nil
}
