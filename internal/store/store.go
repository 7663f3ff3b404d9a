// Package store is the persistence collaborator for the order lifecycle
// engine: it durably logs accepted orders and applied fills keyed by client
// and broker order ids, so state can be reconciled across process restarts.
// The broker core itself imposes no persistence format and never imports
// this package.
package store

import (
	"context"

	"ordergate/internal/domain"
)

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts a new order into storage.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its broker order id.
	GetOrder(ctx context.Context, brokerOrderID string) (*domain.Order, error)

	// GetOrderByClientID retrieves a single order by its client order id.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error)

	// ListOrders returns all orders matching the given status.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)

	// UpdateOrder persists changes to an existing order.
	UpdateOrder(ctx context.Context, order *domain.Order) error
}

// FillStore appends and reads the per-symbol fill audit log.
type FillStore interface {
	// WriteFills appends execution events for an order to the log.
	WriteFills(ctx context.Context, brokerOrderID, symbol string, fills []domain.OrderFill) error

	// ReadFills returns all logged fills for a symbol in append order.
	ReadFills(ctx context.Context, symbol string) ([]FillRecord, error)
}

// FillRecord is one logged execution event.
type FillRecord struct {
	BrokerOrderID string
	Symbol        string
	Price         float64
	Qty           int64
	Timestamp     int64 // Unix ms
	FillID        string
}
