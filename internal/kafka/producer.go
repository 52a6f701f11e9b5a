package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-subscriptions/internal/logger"
	"ms-subscriptions/internal/models"

	"github.com/segmentio/kafka-go"
)

// LifecycleEvent is the envelope streamed for every order transition so
// downstream consumers (analytics, notifications) can follow the chain.
type LifecycleEvent struct {
	Event         string               `json:"event"`
	OrderID       string               `json:"order_id"`
	RootID        string               `json:"root_id"`
	UserID        string               `json:"user_id"`
	CycleNumber   int                  `json:"cycle_number"`
	Status        models.OrderStatus   `json:"status"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
	Gateway       string               `json:"gateway"`
	OccurredAt    time.Time            `json:"occurred_at"`
}

type Producer struct {
	Writer *kafka.Writer
	Logger *logger.Logger
}

func NewProducer(brokers []string, topic string, log *logger.Logger) *Producer {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: brokers,
		Topic:   topic,
	})
	return &Producer{Writer: writer, Logger: log}
}

// PublishLifecycle streams an order transition event to Kafka. Events are
// keyed by the root id so one subscription's history stays in order.
func (p *Producer) PublishLifecycle(event string, order *models.Order) error {
	evt := LifecycleEvent{
		Event:         event,
		OrderID:       order.ID,
		RootID:        order.RootID(),
		UserID:        order.UserID,
		CycleNumber:   order.CycleNumber,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		Gateway:       order.Gateway,
		OccurredAt:    time.Now(),
	}

	msgBytes, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	p.Logger.Debug("KAFKA", fmt.Sprintf("Publishing %s for order %s", event, order.ID))

	return p.Writer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(evt.RootID),
			Value: msgBytes,
		},
	)
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
