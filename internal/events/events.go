package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/xtrntr/btcexchange/internal/models"
)

// OrderEvent is published every time a trade changes a resting order
type OrderEvent struct {
	EventID        string            `json:"event_id"`
	OrderID        int64             `json:"order_id"`
	UserID         int64             `json:"user_id"`
	Side           models.Side       `json:"side"`
	State          models.OrderState `json:"state"`
	LimitPrice     int64             `json:"limit_price"`
	Quantity       int64             `json:"quantity"`
	FilledQuantity int64             `json:"filled_quantity"`
	FilledPrice    int64             `json:"filled_price"`
	At             time.Time         `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes order events to a Kafka topic. Writes are asynchronous;
// failures are only logged.
type Publisher struct {
	writer messageWriter
	now    func() time.Time
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
			BatchTimeout: 10 * time.Millisecond,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					log.Error().Err(err).Int("messages", len(messages)).Str("topic", topic).Msg("failed to publish order events")
				}
			},
		},
		now: time.Now,
	}
}

// Notify publishes the order's current state, keyed by order id so that
// events of one order stay in one partition.
func (p *Publisher) Notify(order models.Order) {
	msg, err := p.message(order)
	if err != nil {
		log.Error().Err(err).Int64("order_id", order.ID).Msg("failed to encode order event")
		return
	}
	if err := p.writer.WriteMessages(context.Background(), msg); err != nil {
		log.Error().Err(err).Int64("order_id", order.ID).Msg("failed to publish order event")
	}
}

func (p *Publisher) message(order models.Order) (kafka.Message, error) {
	event := OrderEvent{
		EventID:        uuid.NewString(),
		OrderID:        order.ID,
		UserID:         order.UserID,
		Side:           order.Side,
		State:          order.State,
		LimitPrice:     order.LimitPrice,
		Quantity:       order.Quantity,
		FilledQuantity: order.FilledQuantity,
		FilledPrice:    order.FilledPrice,
		At:             p.now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(order.ID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.EventID)},
		},
	}, nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
