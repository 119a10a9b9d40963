// Package messaging connects the worker to Kafka: consumer-group readers
// that feed order messages to the pipeline, a publisher for the error topic,
// and topic bootstrap.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rodframeh/data-enriched-orders/internal/models"
	"github.com/rodframeh/data-enriched-orders/internal/telemetry"
)

// Processor handles one decoded order message. raw is the payload exactly as
// received, kept for failure bookkeeping.
type Processor interface {
	Process(ctx context.Context, msg models.OrderMessage, raw []byte) error
}

// ErrorSink receives records for messages that could not be processed.
type ErrorSink interface {
	Publish(ctx context.Context, rec models.ErrorRecord) error
}

// committer is the slice of kafka.Reader the handler needs; split out so the
// handling path is testable without a broker.
type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// ConsumerConfig tunes the consumer group.
type ConsumerConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	Concurrency int
}

// Consumer reads the order topic and drives the processor. Offsets are
// committed only after an outcome is settled: processed orders and dropped
// malformed payloads commit, failed orders do not.
type Consumer struct {
	cfg       ConsumerConfig
	processor Processor
	errors    ErrorSink
	validate  *validator.Validate
	logger    *zap.Logger
}

func NewConsumer(cfg ConsumerConfig, processor Processor, errors ErrorSink, logger *zap.Logger) *Consumer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Consumer{
		cfg:       cfg,
		processor: processor,
		errors:    errors,
		validate:  newValidator(),
		logger:    logger,
	}
}

// newValidator wires the schema rules for incoming messages. notblank
// rejects whitespace-only ids that would pass the stock required rule.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Run consumes until the context is cancelled. Each worker owns one reader;
// the readers share the consumer group, so partitions spread across workers
// here and across instances elsewhere.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Concurrency; i++ {
		g.Go(func() error {
			return c.consume(ctx)
		})
	}
	return g.Wait()
}

func (c *Consumer) consume(ctx context.Context) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: c.cfg.Brokers,
		Topic:   c.cfg.Topic,
		GroupID: c.cfg.GroupID,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			c.logger.Error(fmt.Sprintf(msg, args...))
		}),
	})
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Error("fetch message", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		c.handle(ctx, reader, msg)
	}
}

// handle settles one message. Malformed payloads are terminal: no retry can
// fix them, so they go to the error topic attributed to order id "unknown"
// and the offset commits. A failed pipeline run leaves the offset
// uncommitted; redelivery on the next rebalance or restart drives the retry
// attempts the ledger counts.
func (c *Consumer) handle(ctx context.Context, com committer, msg kafka.Message) {
	order, err := c.decode(msg.Value)
	if err != nil {
		telemetry.MalformedMessages.Inc()
		c.logger.Warn("malformed message dropped",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		c.report(ctx, "", msg.Value, err)
		c.commit(ctx, com, msg)
		return
	}

	if err := c.processor.Process(ctx, *order, msg.Value); err != nil {
		c.report(ctx, order.OrderID, msg.Value, err)
		return
	}
	c.commit(ctx, com, msg)
}

// decode parses and schema-checks a raw payload.
func (c *Consumer) decode(value []byte) (*models.OrderMessage, error) {
	var msg models.OrderMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return nil, fmt.Errorf("decode order message: %w", err)
	}
	if err := c.validate.Struct(&msg); err != nil {
		return nil, fmt.Errorf("invalid order message: %w", err)
	}
	return &msg, nil
}

func (c *Consumer) report(ctx context.Context, orderID string, raw []byte, procErr error) {
	if strings.TrimSpace(orderID) == "" {
		orderID = "unknown"
	}
	rec := models.ErrorRecord{
		OrderID:         orderID,
		OriginalMessage: string(raw),
		ErrorMessage:    procErr.Error(),
		Timestamp:       time.Now().UnixMilli(),
	}
	if err := c.errors.Publish(ctx, rec); err != nil {
		c.logger.Error("publish error record", zap.String("orderId", orderID), zap.Error(err))
	}
}

func (c *Consumer) commit(ctx context.Context, com committer, msg kafka.Message) {
	if err := com.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("commit offset",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}
