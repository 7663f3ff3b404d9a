package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"ordergate/internal/domain"
)

// Compile-time interface check.
var _ BrokerAdapter = (*SimulatorBroker)(nil)

// SimulatorOptions configures the execution simulator.
type SimulatorOptions struct {
	// SimulateLatency adds small random sleeps to connect and order
	// placement, modelling venue round trips.
	SimulateLatency bool

	// RejectionRate is the probability in [0,1] that an otherwise-valid
	// order is rejected on placement.
	RejectionRate float64

	// PartialFillRate is the probability in [0,1] that a fill event fills a
	// random sub-quantity instead of the full remainder.
	PartialFillRate float64

	// InitialCash is the starting cash balance. Defaults to 100_000.
	InitialCash float64

	// Rand supplies the randomness for jitter, rejection, and partial fills.
	// Inject a seeded source for reproducible tests; defaults to a
	// time-seeded source.
	Rand *rand.Rand
}

// SimulatorBroker is an in-memory BrokerAdapter used for paper trading and
// as the reference backend for the order state machine: fills, rejections,
// partial fills, and position accounting happen entirely in process.
//
// All internal maps are owned by the simulator and guarded by mu; orders and
// positions are handed out as copies only.
type SimulatorBroker struct {
	opts SimulatorOptions

	mu           sync.Mutex
	connected    bool
	cash         float64
	orders       map[string]*domain.Order // broker order id → order
	clientOrders map[string]string        // client order id → broker order id
	positions    map[string]*domain.Position
	prices       map[string]float64
	orderSeq     int
	fillSeq      int
	rng          *rand.Rand
}

// NewSimulatorBroker creates a simulator with the given options.
func NewSimulatorBroker(opts SimulatorOptions) *SimulatorBroker {
	if opts.InitialCash == 0 {
		opts.InitialCash = 100_000
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &SimulatorBroker{
		opts:         opts,
		cash:         opts.InitialCash,
		orders:       make(map[string]*domain.Order),
		clientOrders: make(map[string]string),
		positions:    make(map[string]*domain.Position),
		prices: map[string]float64{
			"AAPL":  180.0,
			"MSFT":  380.0,
			"GOOGL": 140.0,
			"AMZN":  160.0,
			"AMD":   140.0,
		},
		orderSeq: 1000,
		rng:      rng,
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string { return "simulator" }

// Connect marks the simulator as connected.
func (b *SimulatorBroker) Connect(_ context.Context) error {
	if b.opts.SimulateLatency {
		time.Sleep(b.jitter(100, 200))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

// jitter draws a random sleep of base plus up to spread milliseconds. rng is
// guarded by mu, and the sleep happens outside the lock.
func (b *SimulatorBroker) jitter(base, spread int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(base+b.rng.Intn(spread)) * time.Millisecond
}

// Disconnect marks the simulator as disconnected. Order and position state
// survives so that reconnecting callers observe a consistent history.
func (b *SimulatorBroker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// IsConnected reports the connection flag.
func (b *SimulatorBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// PlaceOrder simulates order placement. Repeated calls with a previously
// seen ClientOrderID return the original order regardless of its current
// status.
func (b *SimulatorBroker) PlaceOrder(_ context.Context, req *domain.OrderRequest) (*domain.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if b.opts.SimulateLatency {
		time.Sleep(b.jitter(10, 40))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, domain.Errf(domain.CodeNotConnected, "simulator not connected")
	}

	if brokerID, seen := b.clientOrders[req.ClientOrderID]; seen {
		return b.orders[brokerID].Clone(), nil
	}

	b.orderSeq++
	brokerID := fmt.Sprintf("SIM-%d", b.orderSeq)

	var order *domain.Order
	if b.rng.Float64() < b.opts.RejectionRate {
		order = domain.NewOrder(brokerID, *req, domain.OrderStatusRejected)
		order.RejectReason = "simulated rejection"
	} else {
		order = domain.NewOrder(brokerID, *req, domain.OrderStatusNew)
		b.maybeFill(order)
	}

	b.orders[brokerID] = order
	b.clientOrders[req.ClientOrderID] = brokerID
	return order.Clone(), nil
}

// GetOrder returns the current state of an order. Working orders have a
// small chance of progressing on each poll, mimicking asynchronous venue
// execution.
func (b *SimulatorBroker) GetOrder(_ context.Context, brokerOrderID string) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, domain.Errf(domain.CodeNotConnected, "simulator not connected")
	}
	order, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, domain.Errf(domain.CodeNotFound, "order not found: %s", brokerOrderID)
	}

	if order.Status == domain.OrderStatusNew && b.rng.Float64() < 0.1 {
		b.maybeFill(order)
	}
	return order.Clone(), nil
}

// CancelOrder voids the remaining quantity of a working order. Cancelling a
// partially filled order leaves its fills and FilledQty intact.
func (b *SimulatorBroker) CancelOrder(_ context.Context, brokerOrderID string) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, domain.Errf(domain.CodeNotConnected, "simulator not connected")
	}
	order, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, domain.Errf(domain.CodeNotFound, "order not found: %s", brokerOrderID)
	}
	if order.IsTerminal() {
		return nil, domain.Errf(domain.CodeInvalidState,
			"cannot cancel order %s in terminal state %s", brokerOrderID, order.Status)
	}

	order.Status = domain.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	return order.Clone(), nil
}

// GetPositions returns copies of all open positions.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, domain.Errf(domain.CodeNotConnected, "simulator not connected")
	}
	positions := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		positions = append(positions, *p)
	}
	return positions, nil
}

// GetAccountInfo returns a snapshot with equity derived from cash plus the
// market value of open positions. Buying power assumes 2:1 margin.
func (b *SimulatorBroker) GetAccountInfo(_ context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, domain.Errf(domain.CodeNotConnected, "simulator not connected")
	}
	var positionValue float64
	for _, p := range b.positions {
		positionValue += p.MarketValue
	}
	return &domain.AccountInfo{
		AccountID:          "SIM-ACCOUNT-1",
		CashBalance:        b.cash,
		BuyingPower:        b.cash * 2,
		TotalEquity:        b.cash + positionValue,
		DayTradesRemaining: 3,
	}, nil
}

// ---------------------------------------------------------------------------
// Test escape hatches
// ---------------------------------------------------------------------------

// SetMarketPrice sets the reference price for a symbol, so tests can steer
// marketability and fill pricing deterministically.
func (b *SimulatorBroker) SetMarketPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// ForceFill immediately fills the full remaining quantity of an order.
// A nil fillPrice uses the symbol's reference price. Terminal orders are
// left untouched.
func (b *SimulatorBroker) ForceFill(brokerOrderID string, fillPrice *float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[brokerOrderID]
	if !ok {
		return domain.Errf(domain.CodeNotFound, "order not found: %s", brokerOrderID)
	}
	if order.IsTerminal() {
		return nil
	}

	price := b.marketPrice(order.Request.Symbol)
	if fillPrice != nil {
		price = *fillPrice
	}
	b.applyFill(order, price, order.RemainingQty())
	return nil
}

// ExpireOrder transitions a working order to EXPIRED, the path a DAY order
// takes at session close.
func (b *SimulatorBroker) ExpireOrder(brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[brokerOrderID]
	if !ok {
		return domain.Errf(domain.CodeNotFound, "order not found: %s", brokerOrderID)
	}
	if order.IsTerminal() {
		return domain.Errf(domain.CodeInvalidState,
			"cannot expire order %s in terminal state %s", brokerOrderID, order.Status)
	}
	order.Status = domain.OrderStatusExpired
	order.UpdatedAt = time.Now()
	return nil
}

// ---------------------------------------------------------------------------
// Fill simulation and position accounting
// ---------------------------------------------------------------------------

func (b *SimulatorBroker) marketPrice(symbol string) float64 {
	if p, ok := b.prices[symbol]; ok {
		return p
	}
	return 100.0
}

// maybeFill attempts to execute a working order against the simulated
// market. MARKET orders fill at the reference price with ±2% jitter
// (slippage); LIMIT orders fill only when marketable, at a price no worse
// than the limit. Non-marketable limits stay NEW. Callers hold mu.
func (b *SimulatorBroker) maybeFill(order *domain.Order) {
	req := order.Request
	market := b.marketPrice(req.Symbol) * (1 + (b.rng.Float64()*0.04 - 0.02))

	var fillPrice float64
	switch req.Type {
	case domain.OrderTypeLimit:
		if req.Side == domain.SideBuy {
			if *req.LimitPrice < market {
				return // not marketable
			}
			fillPrice = min(*req.LimitPrice, market)
		} else {
			if *req.LimitPrice > market {
				return // not marketable
			}
			fillPrice = max(*req.LimitPrice, market)
		}
	default:
		fillPrice = market
	}

	fillQty := order.RemainingQty()
	if b.rng.Float64() < b.opts.PartialFillRate && fillQty > 1 {
		fillQty = 1 + b.rng.Int63n(fillQty-1)
	}

	b.applyFill(order, fillPrice, fillQty)
}

// applyFill records the execution on the order, moves cash, and updates the
// symbol's position. Callers hold mu.
func (b *SimulatorBroker) applyFill(order *domain.Order, price float64, qty int64) {
	b.fillSeq++
	fill := domain.OrderFill{
		Price:     price,
		Qty:       qty,
		Timestamp: time.Now(),
		FillID:    fmt.Sprintf("SIMFILL-%d", b.fillSeq),
	}
	if err := order.AddFill(fill); err != nil {
		return
	}

	if order.Request.Side == domain.SideBuy {
		b.cash -= float64(qty) * price
	} else {
		b.cash += float64(qty) * price
	}
	b.updatePosition(order.Request.Symbol, order.Request.Side, qty, price)
}

// updatePosition applies the weighted-average-cost rule: a fill that grows
// the position in its current direction blends the cost basis; a fill that
// reduces it leaves AvgCost unchanged and only shrinks Qty. A position that
// reaches exactly zero is removed. If a fill crosses through zero, the
// residual opens a fresh position at the fill price. Callers hold mu.
func (b *SimulatorBroker) updatePosition(symbol string, side domain.Side, qty int64, price float64) {
	signed := qty
	if side == domain.SideSell {
		signed = -qty
	}

	pos, ok := b.positions[symbol]
	if !ok {
		pos = &domain.Position{Symbol: symbol, Qty: signed, AvgCost: price}
		b.positions[symbol] = pos
	} else {
		newQty := pos.Qty + signed
		switch {
		case (pos.Qty > 0) == (signed > 0):
			// Same direction: magnitude grows, blend the cost basis.
			oldAbs := abs(pos.Qty)
			pos.AvgCost = (float64(oldAbs)*pos.AvgCost + float64(qty)*price) / float64(oldAbs+qty)
		case newQty == 0 || (newQty > 0) == (pos.Qty > 0):
			// Reduction without crossing zero: cost basis unchanged.
		default:
			// Crossed through zero: the residual is a new position.
			pos.AvgCost = price
		}
		pos.Qty = newQty
		if pos.Qty == 0 {
			delete(b.positions, symbol)
			return
		}
	}

	current := b.marketPrice(symbol)
	pos.MarketValue = float64(abs(pos.Qty)) * current
	pos.UnrealizedPnL = (current - pos.AvgCost) * float64(pos.Qty)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
