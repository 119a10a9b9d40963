package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/rodframeh/data-enriched-orders/internal/models"
)

// ErrorPublisher writes failure records to the error topic, keyed by order
// id so all records for one order land on one partition.
type ErrorPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewErrorPublisher(brokers []string, topic string, logger *zap.Logger) *ErrorPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &ErrorPublisher{writer: writer, logger: logger}
}

func (p *ErrorPublisher) Publish(ctx context.Context, rec models.ErrorRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode error record %s: %w", rec.OrderID, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.OrderID),
		Value: payload,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish error record %s: %w", rec.OrderID, err)
	}
	p.logger.Debug("error record published", zap.String("orderId", rec.OrderID))
	return nil
}

func (p *ErrorPublisher) Close() error {
	return p.writer.Close()
}
