// Package api exposes the read-only query surface over persisted orders.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rodframeh/data-enriched-orders/internal/models"
	"github.com/rodframeh/data-enriched-orders/internal/store"
	"github.com/rodframeh/data-enriched-orders/internal/telemetry"
)

// OrdersReader is the slice of the store the API reads from.
type OrdersReader interface {
	GetByOrderID(ctx context.Context, orderID string) (models.Order, error)
	ListByCustomer(ctx context.Context, customerID string) ([]models.Order, error)
}

// Server wires HTTP handlers for the query API.
type Server struct {
	orders OrdersReader
	logger *zap.Logger
}

// New constructs the API server.
func New(orders OrdersReader, logger *zap.Logger) *Server {
	return &Server{orders: orders, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/api/orders/{orderId}", s.handleGetOrder)
	r.Get("/api/orders/customer/{customerId}", s.handleListByCustomer)
	return r
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	order, err := s.orders.GetByOrderID(r.Context(), orderID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get order", zap.String("orderId", orderID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleListByCustomer(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerId")
	orders, err := s.orders.ListByCustomer(r.Context(), customerID)
	if err != nil {
		s.logger.Error("list orders", zap.String("customerId", customerID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
