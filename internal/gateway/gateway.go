// Package gateway fetches customer and product snapshots from the external
// validation services. Every lookup runs under a per-call timeout, a bounded
// retry for transient failures, and a per-service circuit breaker. Business
// rules over the fetched data live with the pipeline, not here.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rodframeh/data-enriched-orders/internal/models"
	"github.com/rodframeh/data-enriched-orders/internal/retry"
	"github.com/rodframeh/data-enriched-orders/internal/telemetry"
)

// UnavailableError reports that a validation service could not serve a lookup
// after retries, or that its circuit is open. The original cause is reachable
// through Unwrap.
type UnavailableError struct {
	Service string
	ID      string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s service unavailable for %s: %v", e.Service, e.ID, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// StatusError reports a non-retryable HTTP response from a validation
// service, a missing customer or product included.
type StatusError struct {
	Service string
	ID      string
	Code    int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s service returned status %d for %s", e.Service, e.Code, e.ID)
}

// Config collects client settings for both validation services. Zero fields
// fall back to defaults (5s timeout, 3 attempts, 100ms initial delay capped
// at 2s).
type Config struct {
	CustomerBaseURL   string
	ProductBaseURL    string
	Timeout           time.Duration
	RetryAttempts     int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	Breaker           BreakerConfig
}

// Client looks up customers and products over HTTP.
type Client struct {
	httpClient    *http.Client
	customerBase  string
	productBase   string
	timeout       time.Duration
	retryAttempts int
	retryInitial  time.Duration
	retryMax      time.Duration
	customers     *Breaker
	products      *Breaker
	logger        *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = 100 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 2 * time.Second
	}
	return &Client{
		httpClient:    &http.Client{},
		customerBase:  strings.TrimRight(cfg.CustomerBaseURL, "/"),
		productBase:   strings.TrimRight(cfg.ProductBaseURL, "/"),
		timeout:       cfg.Timeout,
		retryAttempts: cfg.RetryAttempts,
		retryInitial:  cfg.RetryInitialDelay,
		retryMax:      cfg.RetryMaxDelay,
		customers:     NewBreaker("customer", cfg.Breaker, logger),
		products:      NewBreaker("product", cfg.Breaker, logger),
		logger:        logger,
	}
}

// GetCustomer fetches the customer snapshot for id.
func (c *Client) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	var out models.Customer
	target := c.customerBase + "/api/customers/" + url.PathEscape(id)
	if err := c.fetch(ctx, c.customers, "customer", target, id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProduct fetches the product snapshot for id.
func (c *Client) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var out models.Product
	target := c.productBase + "/api/products/" + url.PathEscape(id)
	if err := c.fetch(ctx, c.products, "product", target, id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// fetch runs the retry loop under the breaker. The breaker sees one outcome
// per fetch, not per attempt; non-retryable HTTP statuses count as neither
// (the service answered, it is healthy).
func (c *Client) fetch(ctx context.Context, b *Breaker, service, target, id string, dest any) error {
	if err := b.Allow(); err != nil {
		telemetry.GatewayRequests.WithLabelValues(service, "blocked").Inc()
		return &UnavailableError{Service: service, ID: id, Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		status, err := c.attempt(ctx, target, dest)
		if err == nil {
			b.RecordSuccess()
			telemetry.GatewayRequests.WithLabelValues(service, "ok").Inc()
			return nil
		}

		if !transient(status) {
			b.RecordIgnored()
			telemetry.GatewayRequests.WithLabelValues(service, "rejected").Inc()
			if status == http.StatusOK {
				return fmt.Errorf("%s %s: %w", service, id, err)
			}
			return &StatusError{Service: service, ID: id, Code: status}
		}

		lastErr = err
		c.logger.Warn("upstream call failed",
			zap.String("service", service),
			zap.String("id", id),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < c.retryAttempts {
			if serr := sleepCtx(ctx, retry.Backoff(attempt, c.retryInitial, c.retryMax, 2)); serr != nil {
				return &UnavailableError{Service: service, ID: id, Err: lastErr}
			}
		}
	}

	b.RecordFailure()
	telemetry.GatewayRequests.WithLabelValues(service, "error").Inc()
	return &UnavailableError{Service: service, ID: id, Err: lastErr}
}

// attempt performs one GET under the per-call timeout. Status 0 marks a
// network-level failure.
func (c *Client) attempt(ctx context.Context, target string, dest any) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return res.StatusCode, fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
		return res.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return res.StatusCode, nil
}

// transient reports whether a failed attempt is worth retrying.
func transient(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
