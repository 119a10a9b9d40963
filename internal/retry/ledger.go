// Package retry keeps per-order failure state in Redis so that retry
// bookkeeping survives worker restarts. Records live under retry:<orderId>
// while attempts remain and move to failed:<orderId> on the first failure
// after the attempt limit is spent. A record's TTL is the computed backoff
// for its next attempt; redelivery itself is the broker's job, the ledger
// only bookkeeps.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rodframeh/data-enriched-orders/internal/models"
	"github.com/rodframeh/data-enriched-orders/internal/telemetry"
)

const (
	retryKeyPrefix  = "retry:"
	failedKeyPrefix = "failed:"
)

// ErrCorruptRecord reports a ledger entry whose stored JSON no longer
// decodes. Callers must treat it as an error, never as absence.
var ErrCorruptRecord = errors.New("corrupt ledger record")

// Archiver receives escalated records for out-of-band storage.
type Archiver interface {
	Archive(ctx context.Context, rec models.RetryRecord) error
}

// Options tunes the ledger. Zero fields fall back to the defaults:
// 3 attempts, 1s initial delay doubling up to 5m.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Archiver     Archiver // optional sink for escalated records
}

// Ledger tracks failed orders in Redis with bounded exponential backoff.
type Ledger struct {
	client      *redis.Client
	logger      *zap.Logger
	maxAttempts int
	initial     time.Duration
	max         time.Duration
	multiplier  float64
	archiver    Archiver
}

func NewLedger(client *redis.Client, opts Options, logger *zap.Logger) *Ledger {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Minute
	}
	if opts.Multiplier <= 1 {
		opts.Multiplier = 2
	}
	return &Ledger{
		client:      client,
		logger:      logger,
		maxAttempts: opts.MaxAttempts,
		initial:     opts.InitialDelay,
		max:         opts.MaxDelay,
		multiplier:  opts.Multiplier,
		archiver:    opts.Archiver,
	}
}

func (l *Ledger) retryKey(orderID string) string  { return retryKeyPrefix + orderID }
func (l *Ledger) failedKey(orderID string) string { return failedKeyPrefix + orderID }

// StoreFailedMessage records the first failure for an order. An existing
// record for the same order is overwritten (last write wins). The record
// carries no TTL until the first increment computes a backoff.
func (l *Ledger) StoreFailedMessage(ctx context.Context, orderID, originalMessage, errMessage string) error {
	now := time.Now().UTC()
	rec := models.RetryRecord{
		OrderID:         orderID,
		OriginalMessage: originalMessage,
		ErrorMessage:    errMessage,
		AttemptCount:    1,
		FirstFailedAt:   now,
		LastAttemptAt:   now,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode retry record %s: %w", orderID, err)
	}
	if err := l.client.Set(ctx, l.retryKey(orderID), payload, 0).Err(); err != nil {
		return fmt.Errorf("store retry record %s: %w", orderID, err)
	}
	l.logger.Info("retry record created",
		zap.String("orderId", orderID),
		zap.String("error", errMessage))
	return nil
}

// ShouldRetry reports whether a retry record exists for the order.
func (l *Ledger) ShouldRetry(ctx context.Context, orderID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.retryKey(orderID)).Result()
	if err != nil {
		return false, fmt.Errorf("inspect retry record %s: %w", orderID, err)
	}
	return n > 0, nil
}

// IncrementRetryCount advances the attempt counter for an order. Orders with
// no record are ignored: the entry may have expired or escalated in the
// meantime. A record whose count has already reached the attempt limit moves
// to permanent-failure storage as-is, untouched by this call; otherwise the
// count advances and the record is re-armed with a TTL equal to the backoff
// for the new attempt.
func (l *Ledger) IncrementRetryCount(ctx context.Context, orderID string) error {
	rec, err := l.GetRetryMessage(ctx, orderID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	if rec.AttemptCount >= l.maxAttempts {
		return l.escalate(ctx, *rec)
	}

	rec.AttemptCount++
	rec.LastAttemptAt = time.Now().UTC()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode retry record %s: %w", orderID, err)
	}
	ttl := Backoff(rec.AttemptCount, l.initial, l.max, l.multiplier)
	if err := l.client.Set(ctx, l.retryKey(orderID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("store retry record %s: %w", orderID, err)
	}
	l.logger.Info("retry attempt recorded",
		zap.String("orderId", orderID),
		zap.Int("attempt", rec.AttemptCount),
		zap.Duration("backoff", ttl))
	return nil
}

// escalate moves the record to the failed namespace atomically, then hands it
// to the archive sink. Archiving is best-effort: the record already sits in
// failed:<orderId>, so a sink error is logged and swallowed.
func (l *Ledger) escalate(ctx context.Context, rec models.RetryRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode failed record %s: %w", rec.OrderID, err)
	}
	pipe := l.client.TxPipeline()
	pipe.Set(ctx, l.failedKey(rec.OrderID), payload, 0)
	pipe.Del(ctx, l.retryKey(rec.OrderID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("escalate %s: %w", rec.OrderID, err)
	}
	telemetry.OrdersEscalated.Inc()
	l.logger.Warn("order escalated to permanent failure",
		zap.String("orderId", rec.OrderID),
		zap.Int("attempts", rec.AttemptCount),
		zap.String("error", rec.ErrorMessage))

	if l.archiver != nil {
		if err := l.archiver.Archive(ctx, rec); err != nil {
			l.logger.Error("archiving failed order did not complete",
				zap.String("orderId", rec.OrderID), zap.Error(err))
		}
	}
	return nil
}

// GetRetryMessage returns the retry record for an order, or nil when no
// record exists.
func (l *Ledger) GetRetryMessage(ctx context.Context, orderID string) (*models.RetryRecord, error) {
	return l.getRecord(ctx, l.retryKey(orderID))
}

// GetFailedMessage returns the permanent-failure record for an order, or nil
// when no record exists.
func (l *Ledger) GetFailedMessage(ctx context.Context, orderID string) (*models.RetryRecord, error) {
	return l.getRecord(ctx, l.failedKey(orderID))
}

func (l *Ledger) getRecord(ctx context.Context, key string) (*models.RetryRecord, error) {
	raw, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	var rec models.RetryRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", key, ErrCorruptRecord, err)
	}
	return &rec, nil
}

// Backoff computes the delay before the given attempt may run again:
// initial × multiplier^(attempt−1), capped at max.
func Backoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(initial) * math.Pow(multiplier, float64(attempt-1)))
	if d <= 0 || d > max {
		return max
	}
	return d
}
