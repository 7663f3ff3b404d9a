package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"ordergate/internal/domain"
)

// newTestSim returns a connected simulator with deterministic randomness and
// no latency.
func newTestSim(t *testing.T, opts SimulatorOptions) *SimulatorBroker {
	t.Helper()
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(42))
	}
	sim := NewSimulatorBroker(opts)
	if err := sim.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	return sim
}

func marketBuy(clientID, symbol string, qty int64) *domain.OrderRequest {
	return &domain.OrderRequest{
		ClientOrderID: clientID,
		Symbol:        symbol,
		Qty:           qty,
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeMarket,
	}
}

// limitBuy below the market stays NEW, which makes it a convenient working
// order for state-machine tests.
func restingLimitBuy(clientID, symbol string, qty int64, limit float64) *domain.OrderRequest {
	return &domain.OrderRequest{
		ClientOrderID: clientID,
		Symbol:        symbol,
		Qty:           qty,
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeLimit,
		LimitPrice:    domain.Float(limit),
	}
}

func TestSimulatorRequiresConnection(t *testing.T) {
	sim := NewSimulatorBroker(SimulatorOptions{Rand: rand.New(rand.NewSource(1))})
	ctx := context.Background()

	if sim.IsConnected() {
		t.Error("IsConnected() = true before Connect")
	}
	if _, err := sim.PlaceOrder(ctx, marketBuy("c1", "AAPL", 1)); !domain.IsCode(err, domain.CodeNotConnected) {
		t.Errorf("PlaceOrder disconnected = %v, want %s", err, domain.CodeNotConnected)
	}
	if _, err := sim.GetOrder(ctx, "SIM-1001"); !domain.IsCode(err, domain.CodeNotConnected) {
		t.Errorf("GetOrder disconnected = %v, want %s", err, domain.CodeNotConnected)
	}
	if _, err := sim.GetPositions(ctx); !domain.IsCode(err, domain.CodeNotConnected) {
		t.Errorf("GetPositions disconnected = %v, want %s", err, domain.CodeNotConnected)
	}
	if _, err := sim.GetAccountInfo(ctx); !domain.IsCode(err, domain.CodeNotConnected) {
		t.Errorf("GetAccountInfo disconnected = %v, want %s", err, domain.CodeNotConnected)
	}
}

func TestSimulatorPlaceOrderIdempotent(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{})
	ctx := context.Background()

	req := marketBuy("idem-1", "AAPL", 10)
	first, err := sim.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("PlaceOrder() = %v", err)
	}
	second, err := sim.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("PlaceOrder() retry = %v", err)
	}
	if first.BrokerOrderID != second.BrokerOrderID {
		t.Errorf("retry BrokerOrderID = %q, want %q", second.BrokerOrderID, first.BrokerOrderID)
	}
}

func TestSimulatorIdempotentAfterTerminal(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{})
	ctx := context.Background()

	req := restingLimitBuy("idem-2", "AAPL", 10, 90)
	sim.SetMarketPrice("AAPL", 100)
	first, err := sim.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("PlaceOrder() = %v", err)
	}
	if err := sim.ForceFill(first.BrokerOrderID, domain.Float(90)); err != nil {
		t.Fatalf("ForceFill() = %v", err)
	}

	// Idempotency holds regardless of the order's current status.
	again, err := sim.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("PlaceOrder() after fill = %v", err)
	}
	if again.BrokerOrderID != first.BrokerOrderID {
		t.Errorf("BrokerOrderID = %q, want %q", again.BrokerOrderID, first.BrokerOrderID)
	}
	if again.Status != domain.OrderStatusFilled {
		t.Errorf("Status = %q, want %q", again.Status, domain.OrderStatusFilled)
	}
}

func TestSimulatorMarketOrderFillsWithBoundedSlippage(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{})
	ctx := context.Background()
	sim.SetMarketPrice("AAPL", 100)

	order, err := sim.PlaceOrder(ctx, marketBuy("mkt-1", "AAPL", 10))
	if err != nil {
		t.Fatalf("PlaceOrder() = %v", err)
	}
	if order.Status != domain.OrderStatusFilled {
		t.Fatalf("Status = %q, want %q", order.Status, domain.OrderStatusFilled)
	}
	if order.AvgFillPrice < 98 || order.AvgFillPrice > 102 {
		t.Errorf("AvgFillPrice = %v, want within ±2%% of 100", order.AvgFillPrice)
	}
}

func TestSimulatorNonMarketableLimitStaysNew(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{})
	ctx := context.Background()
	sim.SetMarketPrice("AAPL", 100)

	order, err := sim.PlaceOrder(ctx, restingLimitBuy("lim-1", "AAPL", 10, 90))
	if err != nil {
		t.Fatalf("PlaceOrder() = %v", err)
	}
	if order.Status != domain.OrderStatusNew {
		t.Errorf("Status = %q, want %q", order.Status, domain.OrderStatusNew)
	}
	if order.FilledQty != 0 {
		t.Errorf("FilledQty = %d, want 0", order.FilledQty)
	}
}

func TestSimulatorMarketableLimitFillsNoWorseThanLimit(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{})
	ctx := context.Background()
	sim.SetMarketPrice("AAPL", 100)

	// BUY limit well above the market is immediately marketable.
	order, err := sim.PlaceOrder(ctx, restingLimitBuy("lim-2", "AAPL", 10, 150))
	if err != nil {
		t.Fatalf("PlaceOrder() = %v", err)
	}
	if order.Status != domain.OrderStatusFilled {
		t.Fatalf("Status = %q, want %q", order.Status, domain.OrderStatusFilled)
	}
	if order.AvgFillPrice > 150 {
		t.Errorf("AvgFillPrice = %v, want ≤ limit 150", order.AvgFillPrice)
	}

	// SELL limit below the market fills at or above the limit.
	sellReq := &domain.OrderRequest{
		ClientOrderID: "lim-3",
		Symbol:        "AAPL",
		Qty:           5,
		Side:          domain.SideSell,
		Type:          domain.OrderTypeLimit,
		LimitPrice:    domain.Float(50),
	}
	sell, err := sim.PlaceOrder(ctx, sellReq)
	if err != nil {
		t.Fatalf("PlaceOrder(sell) = %v", err)
	}
	if sell.Status != domain.OrderStatusFilled {
		t.Fatalf("sell Status = %q, want %q", sell.Status, domain.OrderStatusFilled)
	}
	if sell.AvgFillPrice < 50 {
		t.Errorf("sell AvgFillPrice = %v, want ≥ limit 50", sell.AvgFillPrice)
	}
}

func TestSimulatorRejection(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{RejectionRate: 1.0})
	ctx := context.Background()

	order, err := sim.PlaceOrder(ctx, marketBuy("rej-1", "AAPL", 10))
	if err != nil {
		t.Fatalf("PlaceOrder() = %v", err)
	}
	if order.Status != domain.OrderStatusRejected {
		t.Errorf("Status = %q, want %q", order.Status, domain.OrderStatusRejected)
	}
	if order.RejectReason == "" {
		t.Error("RejectReason is empty on rejected order")
	}
	if order.FilledQty != 0 {
		t.Errorf("FilledQty = %d on rejected order, want 0", order.FilledQty)
	}
}

func TestSimulatorPartialFill(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{PartialFillRate: 1.0})
	ctx := context.Background()
	sim.SetMarketPrice("AAPL", 100)

	order, err := sim.PlaceOrder(ctx, marketBuy("part-1", "AAPL", 10))
	if err != nil {
		t.Fatalf("PlaceOrder() = %v", err)
	}
	if order.Status != domain.OrderStatusPartial {
		t.Fatalf("Status = %q, want %q", order.Status, domain.OrderStatusPartial)
	}
	if order.FilledQty <= 0 || order.FilledQty >= 10 {
		t.Errorf("FilledQty = %d, want in (0, 10)", order.FilledQty)
	}
	if order.RemainingQty() != 10-order.FilledQty {
		t.Errorf("RemainingQty = %d, want %d", order.RemainingQty(), 10-order.FilledQty)
	}
}

func TestSimulatorCancelPartialKeepsFills(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{PartialFillRate: 1.0})
	ctx := context.Background()
	sim.SetMarketPrice("AAPL", 100)

	order, err := sim.PlaceOrder(ctx, marketBuy("part-2", "AAPL", 10))
	if err != nil {
		t.Fatalf("PlaceOrder() = %v", err)
	}
	filled := order.FilledQty

	cancelled, err := sim.CancelOrder(ctx, order.BrokerOrderID)
	if err != nil {
		t.Fatalf("CancelOrder() = %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Errorf("Status = %q, want %q", cancelled.Status, domain.OrderStatusCancelled)
	}
	if cancelled.FilledQty != filled {
		t.Errorf("FilledQty = %d after cancel, want %d (fills untouched)", cancelled.FilledQty, filled)
	}
}

func TestSimulatorCancelTerminalFails(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{})
	ctx := context.Background()
	sim.SetMarketPrice("AAPL", 100)

	order, err := sim.PlaceOrder(ctx, marketBuy("term-1", "AAPL", 10))
	if err != nil {
		t.Fatalf("PlaceOrder() = %v", err)
	}
	if order.Status != domain.OrderStatusFilled {
		t.Fatalf("Status = %q, want FILLED before cancel attempt", order.Status)
	}
	_, err = sim.CancelOrder(ctx, order.BrokerOrderID)
	if !domain.IsCode(err, domain.CodeInvalidState) {
		t.Errorf("CancelOrder(filled) = %v, want %s", err, domain.CodeInvalidState)
	}
}

func TestSimulatorGetOrderNotFound(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{})
	if _, err := sim.GetOrder(context.Background(), "SIM-999999"); !domain.IsCode(err, domain.CodeNotFound) {
		t.Errorf("GetOrder(unknown) = %v, want %s", err, domain.CodeNotFound)
	}
}

func TestSimulatorPositionAccounting(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{})
	ctx := context.Background()
	sim.SetMarketPrice("AAPL", 100)

	place := func(clientID string, side domain.Side, qty int64, price float64) {
		t.Helper()
		req := &domain.OrderRequest{
			ClientOrderID: clientID,
			Symbol:        "AAPL",
			Qty:           qty,
			Side:          side,
			Type:          domain.OrderTypeLimit,
			LimitPrice:    domain.Float(price),
		}
		// Keep the order resting, then fill at the exact price.
		if side == domain.SideBuy {
			sim.SetMarketPrice("AAPL", price+1000)
		} else {
			sim.SetMarketPrice("AAPL", 1)
		}
		order, err := sim.PlaceOrder(ctx, req)
		if err != nil {
			t.Fatalf("PlaceOrder(%s) = %v", clientID, err)
		}
		if order.Status != domain.OrderStatusNew {
			t.Fatalf("order %s Status = %q, want NEW before forced fill", clientID, order.Status)
		}
		if err := sim.ForceFill(order.BrokerOrderID, domain.Float(price)); err != nil {
			t.Fatalf("ForceFill(%s) = %v", clientID, err)
		}
	}

	position := func() domain.Position {
		t.Helper()
		positions, err := sim.GetPositions(ctx)
		if err != nil {
			t.Fatalf("GetPositions() = %v", err)
		}
		if len(positions) != 1 {
			t.Fatalf("len(positions) = %d, want 1", len(positions))
		}
		return positions[0]
	}

	place("pos-1", domain.SideBuy, 10, 100)
	if p := position(); p.Qty != 10 || p.AvgCost != 100 {
		t.Errorf("after buy 10@100: qty=%d avg=%v, want 10 and 100", p.Qty, p.AvgCost)
	}

	place("pos-2", domain.SideBuy, 10, 120)
	if p := position(); p.Qty != 20 || p.AvgCost != 110 {
		t.Errorf("after buy 10@120: qty=%d avg=%v, want 20 and 110", p.Qty, p.AvgCost)
	}

	place("pos-3", domain.SideSell, 15, 130)
	if p := position(); p.Qty != 5 || p.AvgCost != 110 {
		t.Errorf("after sell 15@130: qty=%d avg=%v, want 5 and 110 (avg unchanged on reduction)", p.Qty, p.AvgCost)
	}
}

func TestSimulatorPositionRemovedAtZero(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{})
	ctx := context.Background()
	sim.SetMarketPrice("AAPL", 1000)

	buy, err := sim.PlaceOrder(ctx, restingLimitBuy("zero-1", "AAPL", 10, 100))
	if err != nil {
		t.Fatalf("PlaceOrder(buy) = %v", err)
	}
	if err := sim.ForceFill(buy.BrokerOrderID, domain.Float(100)); err != nil {
		t.Fatalf("ForceFill(buy) = %v", err)
	}

	sim.SetMarketPrice("AAPL", 1)
	sellReq := &domain.OrderRequest{
		ClientOrderID: "zero-2",
		Symbol:        "AAPL",
		Qty:           10,
		Side:          domain.SideSell,
		Type:          domain.OrderTypeLimit,
		LimitPrice:    domain.Float(100),
	}
	sell, err := sim.PlaceOrder(ctx, sellReq)
	if err != nil {
		t.Fatalf("PlaceOrder(sell) = %v", err)
	}
	if err := sim.ForceFill(sell.BrokerOrderID, domain.Float(100)); err != nil {
		t.Fatalf("ForceFill(sell) = %v", err)
	}

	positions, err := sim.GetPositions(ctx)
	if err != nil {
		t.Fatalf("GetPositions() = %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("len(positions) = %d after flat close, want 0", len(positions))
	}
}

func TestSimulatorCashAccounting(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{InitialCash: 100_000})
	ctx := context.Background()
	sim.SetMarketPrice("AAPL", 1000)

	order, err := sim.PlaceOrder(ctx, restingLimitBuy("cash-1", "AAPL", 10, 100))
	if err != nil {
		t.Fatalf("PlaceOrder() = %v", err)
	}
	if err := sim.ForceFill(order.BrokerOrderID, domain.Float(100)); err != nil {
		t.Fatalf("ForceFill() = %v", err)
	}

	acct, err := sim.GetAccountInfo(ctx)
	if err != nil {
		t.Fatalf("GetAccountInfo() = %v", err)
	}
	if acct.CashBalance != 99_000 {
		t.Errorf("CashBalance = %v after buy 10@100, want 99000", acct.CashBalance)
	}
	// Equity = cash + position market value at the reference price.
	wantEquity := 99_000 + 10*1000.0
	if acct.TotalEquity != wantEquity {
		t.Errorf("TotalEquity = %v, want %v", acct.TotalEquity, wantEquity)
	}
	if acct.BuyingPower != acct.CashBalance*2 {
		t.Errorf("BuyingPower = %v, want %v", acct.BuyingPower, acct.CashBalance*2)
	}
}

func TestSimulatorExpireOrder(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{})
	ctx := context.Background()
	sim.SetMarketPrice("AAPL", 100)

	order, err := sim.PlaceOrder(ctx, restingLimitBuy("exp-1", "AAPL", 10, 90))
	if err != nil {
		t.Fatalf("PlaceOrder() = %v", err)
	}
	if err := sim.ExpireOrder(order.BrokerOrderID); err != nil {
		t.Fatalf("ExpireOrder() = %v", err)
	}

	got, err := sim.GetOrder(ctx, order.BrokerOrderID)
	if err != nil {
		t.Fatalf("GetOrder() = %v", err)
	}
	if got.Status != domain.OrderStatusExpired {
		t.Errorf("Status = %q, want %q", got.Status, domain.OrderStatusExpired)
	}

	// EXPIRED is terminal: no cancel, no second expiry.
	if _, err := sim.CancelOrder(ctx, order.BrokerOrderID); !domain.IsCode(err, domain.CodeInvalidState) {
		t.Errorf("CancelOrder(expired) = %v, want %s", err, domain.CodeInvalidState)
	}
	if err := sim.ExpireOrder(order.BrokerOrderID); !domain.IsCode(err, domain.CodeInvalidState) {
		t.Errorf("ExpireOrder(expired) = %v, want %s", err, domain.CodeInvalidState)
	}
}

func TestSimulatorForceFillTerminalIsNoop(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{})
	ctx := context.Background()
	sim.SetMarketPrice("AAPL", 100)

	order, err := sim.PlaceOrder(ctx, marketBuy("ff-1", "AAPL", 10))
	if err != nil {
		t.Fatalf("PlaceOrder() = %v", err)
	}
	if order.Status != domain.OrderStatusFilled {
		t.Fatalf("Status = %q, want FILLED", order.Status)
	}
	avg := order.AvgFillPrice

	if err := sim.ForceFill(order.BrokerOrderID, domain.Float(999)); err != nil {
		t.Fatalf("ForceFill(terminal) = %v, want nil no-op", err)
	}
	got, err := sim.GetOrder(ctx, order.BrokerOrderID)
	if err != nil {
		t.Fatalf("GetOrder() = %v", err)
	}
	if got.AvgFillPrice != avg || got.FilledQty != 10 {
		t.Errorf("terminal order mutated by ForceFill: avg=%v qty=%d", got.AvgFillPrice, got.FilledQty)
	}
}

// TestSimulatorConcurrentPlacementWithLatency exercises the latency path
// from multiple goroutines; the race detector verifies that the randomness
// behind the simulated sleeps stays mutex-guarded.
func TestSimulatorConcurrentPlacementWithLatency(t *testing.T) {
	sim := newTestSim(t, SimulatorOptions{SimulateLatency: true})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := sim.PlaceOrder(ctx, marketBuy(fmt.Sprintf("conc-%d", i), "AAPL", 1)); err != nil {
				t.Errorf("PlaceOrder(conc-%d) = %v", i, err)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sim.Connect(ctx); err != nil {
			t.Errorf("concurrent Connect() = %v", err)
		}
	}()
	wg.Wait()

	for i := 0; i < 4; i++ {
		clientID := fmt.Sprintf("conc-%d", i)
		again, err := sim.PlaceOrder(ctx, marketBuy(clientID, "AAPL", 1))
		if err != nil {
			t.Fatalf("idempotent PlaceOrder(%s) = %v", clientID, err)
		}
		if again.Request.ClientOrderID != clientID {
			t.Errorf("order for %s = %+v", clientID, again.Request)
		}
	}
}
