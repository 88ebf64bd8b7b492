// Package sink mirrors order status events to external systems.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/efreitasn/orderexec/internal/domain"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes every status event to a Kafka topic, keyed by order id
// so one order's events stay in one partition and in order. Delivery is
// asynchronous and best-effort; failures are logged and never reach the
// lifecycle.
type KafkaSink struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka event write failed",
					slog.Int("messages", len(messages)),
					slog.String("error", err.Error()),
				)
			}
		},
	}
	return &KafkaSink{writer: w, logger: logger}
}

// Publish queues ev for delivery.
func (s *KafkaSink) Publish(orderID string, ev domain.StatusEvent) {
	msg, err := eventMessage(orderID, ev)
	if err != nil {
		s.logger.Error("encode kafka event", slog.String("order_id", orderID), slog.String("error", err.Error()))
		return
	}
	if err := s.writer.WriteMessages(context.Background(), msg); err != nil {
		s.logger.Warn("kafka event write failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}
}

// Close flushes pending messages.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func eventMessage(orderID string, ev domain.StatusEvent) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(orderID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(ev.Status)},
		},
	}, nil
}
