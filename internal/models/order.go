package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CustomerStatus enumerates the states the customer service reports.
type CustomerStatus string

const (
	StatusActive   CustomerStatus = "ACTIVE"
	StatusInactive CustomerStatus = "INACTIVE"
	StatusBlocked  CustomerStatus = "BLOCKED"
	StatusPending  CustomerStatus = "PENDING"
)

// IsValid reports whether the status is one of the known values.
func (s CustomerStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusBlocked, StatusPending:
		return true
	default:
		return false
	}
}

// Order is the persisted entity. ID is the storage-assigned key; OrderID is
// the globally unique business key and carries a unique index in Postgres.
// Orders are created once by the pipeline after validation and never mutated.
type Order struct {
	ID         string     `json:"id"`
	OrderID    string     `json:"orderId"`
	CustomerID string     `json:"customerId"`
	Items      []LineItem `json:"products"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// LineItem is one ordered product, enriched with the authoritative
// name/description/price fetched from the product service at processing time.
type LineItem struct {
	ProductID   string          `json:"productId"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
}

// OrderMessage is the wire-level input consumed from the orders topic.
// Field requirements are enforced by the consumer's schema check before the
// message is handed to the pipeline.
type OrderMessage struct {
	OrderID    string        `json:"orderId" validate:"notblank"`
	CustomerID string        `json:"customerId" validate:"notblank"`
	Products   []ProductItem `json:"products" validate:"required,min=1,dive"`
}

// ProductItem references a product by id with the requested quantity.
// Quantity is a pointer so that an absent field is distinguishable from zero.
type ProductItem struct {
	ProductID string `json:"productId" validate:"notblank"`
	Quantity  *int   `json:"quantity" validate:"required"`
}

// RetryRecord is the ledger entry for a failed message, stored as JSON under
// retry:<orderId> while retryable and copied to failed:<orderId> on
// escalation. Field names are part of the stored format; escalation logic
// depends on AttemptCount, not elapsed time.
type RetryRecord struct {
	OrderID         string    `json:"orderId"`
	OriginalMessage string    `json:"originalMessage"`
	ErrorMessage    string    `json:"errorMessage"`
	AttemptCount    int       `json:"attemptCount"`
	FirstFailedAt   time.Time `json:"firstFailedAt"`
	LastAttemptAt   time.Time `json:"lastAttemptAt"`
}

// ErrorRecord is published to the error topic for malformed payloads and
// failed processing attempts. OrderID is "unknown" for payloads dropped
// before processing, whether unparseable or schema-invalid.
type ErrorRecord struct {
	OrderID         string `json:"orderId"`
	OriginalMessage string `json:"originalMessage"`
	ErrorMessage    string `json:"errorMessage"`
	Timestamp       int64  `json:"timestamp"`
}

// Customer is the snapshot fetched from the customer service. It is not
// persisted by this service.
type Customer struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Email  string         `json:"email"`
	Phone  string         `json:"phone"`
	Active bool           `json:"active"`
	Status CustomerStatus `json:"status"`
}

// Product is the snapshot fetched from the product service.
type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Category    string          `json:"category"`
	Active      bool            `json:"active"`
}
