// Package engine coordinates order submission, lifecycle tracking, and risk
// checking on top of a broker adapter and the persistence stores.
package engine

import (
	"context"
	"log/slog"
	"time"

	"ordergate/internal/broker"
	"ordergate/internal/domain"
	"ordergate/internal/store"
	"ordergate/internal/util"
)

const (
	submitAttempts = 3
	submitBackoff  = 200 * time.Millisecond
)

// Engine orchestrates the order lifecycle by delegating to a broker adapter
// for execution, stores for persistence, and a risk manager for pre-trade
// checks.
type Engine struct {
	broker broker.BrokerAdapter
	orders store.OrderStore
	fills  store.FillStore
	risk   *RiskManager
	log    *slog.Logger
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(
	b broker.BrokerAdapter,
	orders store.OrderStore,
	fills store.FillStore,
	risk *RiskManager,
	log *slog.Logger,
) *Engine {
	return &Engine{
		broker: b,
		orders: orders,
		fills:  fills,
		risk:   risk,
		log:    log,
	}
}

// SubmitOrder validates the request, runs pre-trade risk checks, and places
// the order through the broker. Placement retries on retriable failures;
// retrying after a timeout is safe because the adapter reconciles by client
// order id before submitting again. The accepted order is journaled before
// returning.
func (e *Engine) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	account, err := e.broker.GetAccountInfo(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.risk.CheckOrder(ctx, &req, account); err != nil {
		e.log.Warn("order rejected by risk check",
			"client_order_id", req.ClientOrderID, "symbol", req.Symbol, "error", err)
		return nil, err
	}

	var (
		placed   *domain.Order
		placeErr error
	)
	err = util.Retry(ctx, submitAttempts, submitBackoff, func() error {
		placed, placeErr = e.broker.PlaceOrder(ctx, &req)
		if placeErr != nil && domain.IsRetriable(placeErr) {
			return placeErr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if placeErr != nil {
		return nil, placeErr
	}

	if err := e.journalNew(ctx, placed); err != nil {
		return nil, err
	}

	e.log.Info("order submitted",
		"client_order_id", req.ClientOrderID,
		"broker_order_id", placed.BrokerOrderID,
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Qty,
		"status", placed.Status)
	return placed, nil
}

// RefreshOrder fetches the latest venue state for a journaled order, logs any
// fills that arrived since the last refresh, and updates the journal.
func (e *Engine) RefreshOrder(ctx context.Context, brokerOrderID string) (*domain.Order, error) {
	prev, err := e.orders.GetOrder(ctx, brokerOrderID)
	if err != nil {
		return nil, err
	}

	cur, err := e.broker.GetOrder(ctx, brokerOrderID)
	if err != nil {
		return nil, err
	}

	newFills, err := e.unloggedFills(ctx, prev, cur)
	if err != nil {
		return nil, err
	}
	if len(newFills) > 0 {
		if err := e.fills.WriteFills(ctx, cur.BrokerOrderID, cur.Request.Symbol, newFills); err != nil {
			return nil, err
		}
		e.log.Info("fills recorded",
			"broker_order_id", cur.BrokerOrderID,
			"symbol", cur.Request.Symbol,
			"count", len(newFills),
			"filled_qty", cur.FilledQty)
	}

	if cur.Status != prev.Status || cur.FilledQty != prev.FilledQty {
		if err := e.orders.UpdateOrder(ctx, cur); err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// CancelOrder requests cancellation at the venue and journals the resulting
// state.
func (e *Engine) CancelOrder(ctx context.Context, brokerOrderID string) (*domain.Order, error) {
	cur, err := e.broker.CancelOrder(ctx, brokerOrderID)
	if err != nil {
		return nil, err
	}
	if err := e.orders.UpdateOrder(ctx, cur); err != nil {
		return nil, err
	}
	e.log.Info("order cancelled",
		"broker_order_id", cur.BrokerOrderID, "status", cur.Status, "filled_qty", cur.FilledQty)
	return cur, nil
}

// GetOrder returns the journaled state of an order.
func (e *Engine) GetOrder(ctx context.Context, brokerOrderID string) (*domain.Order, error) {
	return e.orders.GetOrder(ctx, brokerOrderID)
}

// OpenOrders returns journaled orders that have not reached a terminal state.
func (e *Engine) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	var open []domain.Order
	for _, status := range []domain.OrderStatus{
		domain.OrderStatusNew, domain.OrderStatusPending, domain.OrderStatusPartial,
	} {
		orders, err := e.orders.ListOrders(ctx, status)
		if err != nil {
			return nil, err
		}
		open = append(open, orders...)
	}
	return open, nil
}

// GetPositions returns all currently open positions from the broker.
func (e *Engine) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return e.broker.GetPositions(ctx)
}

// GetAccountInfo returns the current account snapshot from the broker.
func (e *Engine) GetAccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	return e.broker.GetAccountInfo(ctx)
}

// journalNew persists a freshly placed order along with any fills that
// executed at placement time.
func (e *Engine) journalNew(ctx context.Context, o *domain.Order) error {
	if err := e.orders.SaveOrder(ctx, o); err != nil {
		// A retried placement can race a prior journal write for the same
		// client order id. Treat the existing record as authoritative.
		if _, getErr := e.orders.GetOrderByClientID(ctx, o.Request.ClientOrderID); getErr == nil {
			return e.orders.UpdateOrder(ctx, o)
		}
		return err
	}
	if len(o.Fills) > 0 {
		return e.fills.WriteFills(ctx, o.BrokerOrderID, o.Request.Symbol, o.Fills)
	}
	return nil
}

// unloggedFills returns fills present on cur that have not yet been written
// to the fill log. Venues that report per-execution records are diffed by
// fill id; venues that report only aggregates get a single synthesized fill
// covering the quantity delta at the implied price.
func (e *Engine) unloggedFills(ctx context.Context, prev, cur *domain.Order) ([]domain.OrderFill, error) {
	if cur.FilledQty <= prev.FilledQty {
		return nil, nil
	}

	if len(cur.Fills) > 0 {
		logged, err := e.fills.ReadFills(ctx, cur.Request.Symbol)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(logged))
		for _, f := range logged {
			if f.BrokerOrderID == cur.BrokerOrderID {
				seen[f.FillID] = true
			}
		}
		var fresh []domain.OrderFill
		for _, f := range cur.Fills {
			if !seen[f.FillID] {
				fresh = append(fresh, f)
			}
		}
		return fresh, nil
	}

	delta := cur.FilledQty - prev.FilledQty
	price := (cur.AvgFillPrice*float64(cur.FilledQty) - prev.AvgFillPrice*float64(prev.FilledQty)) / float64(delta)
	return []domain.OrderFill{{
		Price:     price,
		Qty:       delta,
		Timestamp: cur.UpdatedAt,
	}}, nil
}
