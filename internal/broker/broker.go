// Package broker defines the BrokerAdapter contract that every venue
// integration satisfies, and provides two implementations: an in-memory
// execution simulator and an Alpaca-backed adapter whose blocking SDK calls
// are confined to a per-connection worker goroutine.
package broker

import (
	"context"

	"ordergate/internal/domain"
)

// BrokerAdapter abstracts order execution and account access across venues.
// Every stateful operation requires an established connection and reports
// failures as *domain.BrokerError.
type BrokerAdapter interface {
	// Name returns the adapter identifier (e.g. "alpaca", "simulator").
	Name() string

	// Connect establishes the venue connection.
	Connect(ctx context.Context) error

	// Disconnect tears down the venue connection and its worker context.
	Disconnect(ctx context.Context) error

	// IsConnected reports whether the connection is active.
	IsConnected() bool

	// PlaceOrder submits an order. It is idempotent on the request's
	// ClientOrderID: a repeated call returns the order created by the first
	// call, whatever its current status, without re-submitting to the venue.
	PlaceOrder(ctx context.Context, req *domain.OrderRequest) (*domain.Order, error)

	// GetOrder returns the current known state of an order.
	GetOrder(ctx context.Context, brokerOrderID string) (*domain.Order, error)

	// CancelOrder voids the remaining quantity of a non-terminal order and
	// returns the updated order. Already-applied fills are unaffected.
	CancelOrder(ctx context.Context, brokerOrderID string) (*domain.Order, error)

	// GetPositions returns all current positions held at the venue.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccountInfo returns a snapshot of account-level financial state.
	GetAccountInfo(ctx context.Context) (*domain.AccountInfo, error)
}
