// Package pipeline runs the order processing state machine: acquire the
// per-order lock, validate the message against the customer and product
// services, enrich the line items with authoritative product data, persist,
// and on any failure hand the message to the retry ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rodframeh/data-enriched-orders/internal/gateway"
	"github.com/rodframeh/data-enriched-orders/internal/lock"
	"github.com/rodframeh/data-enriched-orders/internal/models"
	"github.com/rodframeh/data-enriched-orders/internal/telemetry"
)

const lockKeyPrefix = "order_lock:"

// ValidationError reports a business-rule violation for an order. It routes
// through the retry ledger like any other failure but stays a distinct type,
// so callers can tell rule violations from infrastructure faults.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Locker serializes processing per order across workers and instances.
type Locker interface {
	WithLock(ctx context.Context, key, token string, lease time.Duration, op func(context.Context) error) error
}

// Gateway looks up customer and product snapshots.
type Gateway interface {
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
}

// OrderStore persists validated orders.
type OrderStore interface {
	SaveOrder(ctx context.Context, order *models.Order) (bool, error)
}

// FailureLedger bookkeeps failed messages for bounded retry.
type FailureLedger interface {
	ShouldRetry(ctx context.Context, orderID string) (bool, error)
	IncrementRetryCount(ctx context.Context, orderID string) error
	StoreFailedMessage(ctx context.Context, orderID, originalMessage, errMessage string) error
}

// Config tunes the pipeline.
type Config struct {
	LockLease    time.Duration // per-order lock lease, default 30s
	ProductLimit int           // concurrent upstream fetches per order, default 4
}

// Pipeline processes one order message end to end.
type Pipeline struct {
	locker  Locker
	gateway Gateway
	store   OrderStore
	ledger  FailureLedger
	lease   time.Duration
	fanout  int
	logger  *zap.Logger
}

func New(locker Locker, gw Gateway, store OrderStore, ledger FailureLedger, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.LockLease <= 0 {
		cfg.LockLease = 30 * time.Second
	}
	if cfg.ProductLimit <= 0 {
		cfg.ProductLimit = 4
	}
	return &Pipeline{
		locker:  locker,
		gateway: gw,
		store:   store,
		ledger:  ledger,
		lease:   cfg.LockLease,
		fanout:  cfg.ProductLimit,
		logger:  logger,
	}
}

// Process runs the full pipeline for one message. raw is the original
// payload, kept verbatim for the ledger. The returned error reflects the
// processing outcome; ledger bookkeeping for it has already happened by the
// time Process returns.
func (p *Pipeline) Process(ctx context.Context, msg models.OrderMessage, raw []byte) error {
	start := time.Now()
	telemetry.OrdersInFlight.Inc()
	defer telemetry.OrdersInFlight.Dec()
	defer func() { telemetry.ProcessingDuration.Observe(time.Since(start).Seconds()) }()

	p.logger.Info("processing order",
		zap.String("orderId", msg.OrderID),
		zap.String("customerId", msg.CustomerID))

	token := uuid.New().String()
	err := p.locker.WithLock(ctx, lockKeyPrefix+msg.OrderID, token, p.lease, func(ctx context.Context) error {
		return p.run(ctx, msg)
	})
	if err == nil {
		telemetry.OrdersProcessed.Inc()
		p.logger.Info("order processed", zap.String("orderId", msg.OrderID))
		return nil
	}

	if errors.Is(err, lock.ErrNotAcquired) {
		telemetry.LockContention.Inc()
	}
	telemetry.OrdersFailed.WithLabelValues(stage(err)).Inc()
	p.logger.Error("order processing failed",
		zap.String("orderId", msg.OrderID), zap.Error(err))
	p.recordFailure(ctx, msg.OrderID, raw, err)
	return err
}

// run is the locked section: validate, enrich, persist.
func (p *Pipeline) run(ctx context.Context, msg models.OrderMessage) error {
	order, err := p.validateAndEnrich(ctx, msg)
	if err != nil {
		return err
	}

	created, err := p.store.SaveOrder(ctx, order)
	if err != nil {
		return fmt.Errorf("save order %s: %w", msg.OrderID, err)
	}
	if !created {
		// A replay of an already-persisted order is a success, not a fault.
		p.logger.Info("order already persisted", zap.String("orderId", msg.OrderID))
	}
	return nil
}

// validateAndEnrich fetches the customer and every product concurrently,
// bounded by the fan-out limit, applying the business rules as results
// arrive. Line items keep the message order and merge the requested quantity
// with the authoritative product name, description, and price.
func (p *Pipeline) validateAndEnrich(ctx context.Context, msg models.OrderMessage) (*models.Order, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.fanout)

	g.Go(func() error {
		customer, err := p.gateway.GetCustomer(gctx, msg.CustomerID)
		if err != nil {
			return err
		}
		return validateCustomer(customer)
	})

	items := make([]models.LineItem, len(msg.Products))
	for i, product := range msg.Products {
		g.Go(func() error {
			snapshot, err := p.gateway.GetProduct(gctx, product.ProductID)
			if err != nil {
				return err
			}
			if err := validateProduct(snapshot); err != nil {
				return err
			}
			quantity := 0
			if product.Quantity != nil {
				quantity = *product.Quantity
			}
			if quantity < 1 {
				return &ValidationError{Reason: "Invalid product quantity: " + product.ProductID}
			}
			items[i] = models.LineItem{
				ProductID:   snapshot.ID,
				Name:        snapshot.Name,
				Description: snapshot.Description,
				UnitPrice:   snapshot.Price,
				Quantity:    quantity,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &models.Order{
		OrderID:    msg.OrderID,
		CustomerID: msg.CustomerID,
		Items:      items,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// validateCustomer is a pure rule check over the fetched snapshot. The
// status enumeration is closed: every variant has an explicit outcome and a
// status outside it is itself a violation.
func validateCustomer(customer *models.Customer) error {
	if !customer.Active {
		return &ValidationError{Reason: "Customer is not active: " + customer.ID}
	}
	switch customer.Status {
	case models.StatusActive, models.StatusInactive, models.StatusPending:
		return nil
	case models.StatusBlocked:
		return &ValidationError{Reason: "Customer is blocked: " + customer.ID}
	default:
		return &ValidationError{Reason: "Unknown customer status: " + customer.ID}
	}
}

// validateProduct is a pure rule check over the fetched snapshot.
func validateProduct(product *models.Product) error {
	if !product.Active {
		return &ValidationError{Reason: "Product is not active: " + product.ID}
	}
	if !product.Price.IsPositive() {
		return &ValidationError{Reason: "Invalid product price: " + product.ID}
	}
	return nil
}

// recordFailure routes the error through the ledger: the first failure
// creates a record, later ones advance it. Bookkeeping failures are logged,
// never surfaced; the original processing error stays the outcome either
// way. An uncommitted message is redelivered, so a lost record heals itself.
func (p *Pipeline) recordFailure(ctx context.Context, orderID string, raw []byte, procErr error) {
	telemetry.OrdersRetried.Inc()

	retryable, err := p.ledger.ShouldRetry(ctx, orderID)
	if err != nil {
		p.logger.Error("retry lookup failed", zap.String("orderId", orderID), zap.Error(err))
		return
	}
	if retryable {
		if err := p.ledger.IncrementRetryCount(ctx, orderID); err != nil {
			p.logger.Error("retry increment failed", zap.String("orderId", orderID), zap.Error(err))
		}
		return
	}
	if err := p.ledger.StoreFailedMessage(ctx, orderID, string(raw), procErr.Error()); err != nil {
		p.logger.Error("retry record creation failed", zap.String("orderId", orderID), zap.Error(err))
	}
}

// stage labels a failure for metrics by where it happened in the pipeline.
func stage(err error) string {
	var rule *ValidationError
	var unavailable *gateway.UnavailableError
	var status *gateway.StatusError
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		return "lock"
	case errors.As(err, &rule):
		return "validation"
	case errors.As(err, &unavailable), errors.As(err, &status):
		return "gateway"
	default:
		return "other"
	}
}
