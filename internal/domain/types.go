// Package domain defines the venue-agnostic order, position, and account
// types shared by every broker adapter, plus the BrokerError failure type
// that crosses the adapter boundary.
package domain

import "time"

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType identifies how an order prices its execution.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce controls how long an order remains working at the venue.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY" // good for the trading day
	TimeInForceIOC TimeInForce = "IOC" // immediate or cancel
	TimeInForceGTC TimeInForce = "GTC" // good till cancelled
	TimeInForceFOK TimeInForce = "FOK" // fill or kill
)

// OrderStatus is the lifecycle state of an order.
//
// NEW → PENDING → PARTIAL → FILLED is the fill path; any non-terminal state
// may instead move to REJECTED, CANCELLED, or EXPIRED. Terminal states have
// no outgoing transitions.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"       // accepted, not yet acknowledged
	OrderStatusPending   OrderStatus = "PENDING"   // acknowledged by the venue
	OrderStatusPartial   OrderStatus = "PARTIAL"   // partially filled
	OrderStatusFilled    OrderStatus = "FILLED"    // completely filled
	OrderStatusRejected  OrderStatus = "REJECTED"  // rejected by the venue
	OrderStatusCancelled OrderStatus = "CANCELLED" // cancelled before completion
	OrderStatusExpired   OrderStatus = "EXPIRED"   // expired per time-in-force
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// OrderRequest
// ---------------------------------------------------------------------------

// OrderRequest is an immutable order intent. ClientOrderID is caller-assigned
// and globally unique; adapters use it as the idempotency key, so a retried
// request never risks duplicate execution.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Qty           int64
	Side          Side
	Type          OrderType
	LimitPrice    *float64 // required for LIMIT and STOP_LIMIT
	StopPrice     *float64 // required for STOP and STOP_LIMIT
	TimeInForce   TimeInForce
	Metadata      map[string]string
}

// Validate checks the request invariants and defaults TimeInForce to DAY.
// It returns a *BrokerError with CodeValidation on the first violation.
// Callers validate before handing the request to an adapter.
func (r *OrderRequest) Validate() error {
	if r.ClientOrderID == "" {
		return Errf(CodeValidation, "client order id is required")
	}
	if r.Symbol == "" {
		return Errf(CodeValidation, "symbol is required")
	}
	if r.Qty <= 0 {
		return Errf(CodeValidation, "quantity must be positive, got %d", r.Qty)
	}
	switch r.Side {
	case SideBuy, SideSell:
	default:
		return Errf(CodeValidation, "invalid side %q", r.Side)
	}
	switch r.Type {
	case OrderTypeLimit, OrderTypeStopLimit:
		if r.LimitPrice == nil {
			return Errf(CodeValidation, "%s orders require a limit price", r.Type)
		}
	case OrderTypeMarket, OrderTypeStop:
	default:
		return Errf(CodeValidation, "invalid order type %q", r.Type)
	}
	if (r.Type == OrderTypeStop || r.Type == OrderTypeStopLimit) && r.StopPrice == nil {
		return Errf(CodeValidation, "%s orders require a stop price", r.Type)
	}
	if r.TimeInForce == "" {
		r.TimeInForce = TimeInForceDay
	}
	return nil
}

// Float returns a pointer to v, for optional price fields.
func Float(v float64) *float64 { return &v }

// ---------------------------------------------------------------------------
// OrderFill and Order
// ---------------------------------------------------------------------------

// OrderFill is a single execution event against an order.
type OrderFill struct {
	Price     float64
	Qty       int64
	Timestamp time.Time
	FillID    string // venue-assigned, may be empty
}

// Order is the unified order aggregate returned by every broker adapter. It
// is owned by the adapter instance that created it: callers receive copies
// and mutate state only through adapter operations.
type Order struct {
	BrokerOrderID string
	Request       OrderRequest // originating request, never replaced
	Status        OrderStatus
	FilledQty     int64
	AvgFillPrice  float64 // quantity-weighted; zero until the first fill
	Fills         []OrderFill
	CreatedAt     time.Time
	UpdatedAt     time.Time
	RejectReason  string
	RawResponse   any // raw venue payload for diagnostics
}

// NewOrder creates an order aggregate for an accepted request.
func NewOrder(brokerOrderID string, req OrderRequest, status OrderStatus) *Order {
	now := time.Now()
	return &Order{
		BrokerOrderID: brokerOrderID,
		Request:       req,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// RemainingQty is the quantity still open to be filled.
func (o *Order) RemainingQty() int64 {
	return o.Request.Qty - o.FilledQty
}

// IsTerminal reports whether the order can no longer transition.
func (o *Order) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// AddFill applies one execution event: it appends the fill, advances
// FilledQty, recomputes the quantity-weighted average fill price over all
// fills so far, and moves the status to FILLED or PARTIAL. Fills against a
// terminal order or exceeding the remaining quantity are rejected.
func (o *Order) AddFill(f OrderFill) error {
	if o.IsTerminal() {
		return Errf(CodeInvalidState, "order %s is %s, cannot apply fill", o.BrokerOrderID, o.Status)
	}
	if f.Qty <= 0 {
		return Errf(CodeValidation, "fill quantity must be positive, got %d", f.Qty)
	}
	if f.Price <= 0 {
		return Errf(CodeValidation, "fill price must be positive, got %v", f.Price)
	}
	if f.Qty > o.RemainingQty() {
		return Errf(CodeInvalidState, "fill qty %d exceeds remaining %d on order %s",
			f.Qty, o.RemainingQty(), o.BrokerOrderID)
	}

	o.Fills = append(o.Fills, f)
	o.FilledQty += f.Qty
	o.UpdatedAt = time.Now()

	var totalValue float64
	for _, fill := range o.Fills {
		totalValue += fill.Price * float64(fill.Qty)
	}
	o.AvgFillPrice = totalValue / float64(o.FilledQty)

	if o.FilledQty >= o.Request.Qty {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartial
	}
	return nil
}

// Clone returns a deep copy safe to hand outside the owning adapter.
func (o *Order) Clone() *Order {
	c := *o
	if o.Fills != nil {
		c.Fills = make([]OrderFill, len(o.Fills))
		copy(c.Fills, o.Fills)
	}
	return &c
}

// ---------------------------------------------------------------------------
// Position and AccountInfo
// ---------------------------------------------------------------------------

// Position is a per-symbol holding. Qty is signed: positive for long,
// negative for short. A position that returns to exactly zero quantity is
// removed from the position set, never stored at zero.
type Position struct {
	Symbol        string
	Qty           int64
	AvgCost       float64 // direction-aware cost basis
	MarketValue   float64
	UnrealizedPnL float64
}

// AccountInfo is a snapshot of account-level financial state.
type AccountInfo struct {
	AccountID          string
	CashBalance        float64
	BuyingPower        float64
	TotalEquity        float64
	DayTradesRemaining int64 // -1 when the venue does not report it
}
