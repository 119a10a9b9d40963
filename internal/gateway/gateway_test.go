package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	customerJSON = `{"id":"c1","name":"Ada Lovelace","email":"ada@example.com","phone":"555-0100","active":true,"status":"ACTIVE"}`
	productJSON  = `{"id":"p1","name":"Keyboard","description":"Mechanical","price":99.99,"category":"peripherals","active":true}`
)

func newTestClient(base string, attempts int, breaker BreakerConfig) *Client {
	return NewClient(Config{
		CustomerBaseURL:   base,
		ProductBaseURL:    base,
		Timeout:           2 * time.Second,
		RetryAttempts:     attempts,
		RetryInitialDelay: time.Millisecond,
		RetryMaxDelay:     5 * time.Millisecond,
		Breaker:           breaker,
	}, zap.NewNop())
}

func TestGetCustomer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/customers/c1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(customerJSON))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3, BreakerConfig{})
	customer, err := c.GetCustomer(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", customer.ID)
	assert.Equal(t, "Ada Lovelace", customer.Name)
	assert.True(t, customer.Active)
	assert.Equal(t, "ACTIVE", string(customer.Status))
}

func TestGetProductDecodesPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/products/p1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(productJSON))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3, BreakerConfig{})
	product, err := c.GetProduct(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", product.ID)
	assert.True(t, product.Price.Equal(decimal.RequireFromString("99.99")))
	assert.True(t, product.Active)
}

func TestRetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(customerJSON))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3, BreakerConfig{})
	customer, err := c.GetCustomer(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", customer.ID)
	assert.Equal(t, int32(3), calls.Load(), "two transient failures then success")
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3, BreakerConfig{})
	_, err := c.GetCustomer(context.Background(), "c1")

	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "customer", unavailable.Service)
	assert.Equal(t, "c1", unavailable.ID)
	assert.ErrorContains(t, unavailable.Err, "503", "cause chain keeps the last status")
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotFoundFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3, BreakerConfig{})
	_, err := c.GetCustomer(context.Background(), "missing")

	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusNotFound, status.Code)
	assert.Equal(t, "customer", status.Service)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestMalformedBodyFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3, BreakerConfig{})
	_, err := c.GetProduct(context.Background(), "p1")
	require.Error(t, err)
	var unavailable *UnavailableError
	assert.False(t, errors.As(err, &unavailable), "malformed body is not an availability problem")
	assert.Equal(t, int32(1), calls.Load(), "garbage body is not retried")
}

func TestPerCallTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(Config{
		CustomerBaseURL:   srv.URL,
		ProductBaseURL:    srv.URL,
		Timeout:           20 * time.Millisecond,
		RetryAttempts:     2,
		RetryInitialDelay: time.Millisecond,
		RetryMaxDelay:     2 * time.Millisecond,
	}, zap.NewNop())

	_, err := c.GetCustomer(context.Background(), "c1")
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, int32(2), calls.Load(), "timeouts are retried up to the attempt budget")
}

func TestBreakerOpenShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 1, BreakerConfig{
		WindowSize:       2,
		FailureRate:      0.5,
		MinCalls:         2,
		Cooldown:         time.Hour,
		HalfOpenMax:      1,
		SuccessThreshold: 1,
	})

	_, err := c.GetCustomer(context.Background(), "c1")
	require.Error(t, err)
	_, err = c.GetCustomer(context.Background(), "c1")
	require.Error(t, err)
	require.Equal(t, StateOpen, c.customers.State())

	before := calls.Load()
	_, err = c.GetCustomer(context.Background(), "c1")
	require.ErrorIs(t, err, ErrBreakerOpen)
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, before, calls.Load(), "open circuit must not hit the service")
}

func TestBreakersArePerService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/products/p1" {
			_, _ = w.Write([]byte(productJSON))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 1, BreakerConfig{
		WindowSize:       2,
		FailureRate:      0.5,
		MinCalls:         2,
		Cooldown:         time.Hour,
		HalfOpenMax:      1,
		SuccessThreshold: 1,
	})

	_, _ = c.GetCustomer(context.Background(), "c1")
	_, _ = c.GetCustomer(context.Background(), "c1")
	require.Equal(t, StateOpen, c.customers.State())

	product, err := c.GetProduct(context.Background(), "p1")
	require.NoError(t, err, "product circuit is independent of the customer circuit")
	assert.Equal(t, "p1", product.ID)
}
