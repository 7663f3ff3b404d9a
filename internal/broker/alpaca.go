package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"ordergate/internal/domain"
	"ordergate/internal/util"
)

// Compile-time interface check.
var _ BrokerAdapter = (*AlpacaBroker)(nil)

// AlpacaOptions configures the Alpaca adapter.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string // e.g. https://paper-api.alpaca.markets

	// CallTimeout bounds each venue round trip through the bridge.
	// Defaults to 10s.
	CallTimeout time.Duration

	// RateLimitPerMin throttles venue calls. Defaults to 200, the Alpaca
	// free-tier budget.
	RateLimitPerMin int
}

// AlpacaBroker implements BrokerAdapter against the Alpaca trading API. The
// SDK client blocks for the duration of each HTTP round trip, so every call
// is confined to the bridge worker owned by the current connection.
//
// Idempotency: Alpaca keys orders by client_order_id, and PlaceOrder looks
// the id up before submitting. This doubles as the reconciliation path for a
// timed-out placement — a retry finds the order the venue completed late
// instead of creating a duplicate.
type AlpacaBroker struct {
	opts    AlpacaOptions
	limiter *util.RateLimiter
	log     *slog.Logger

	mu     sync.Mutex
	client *alpaca.Client
	bridge *bridge
}

// NewAlpacaBroker creates an Alpaca adapter. The connection is established
// by Connect.
func NewAlpacaBroker(opts AlpacaOptions) *AlpacaBroker {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.RateLimitPerMin <= 0 {
		opts.RateLimitPerMin = 200
	}
	return &AlpacaBroker{
		opts:    opts,
		limiter: util.NewRateLimiter(opts.RateLimitPerMin, 5),
		log:     slog.Default().With("broker", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string { return "alpaca" }

// Connect creates the SDK client and its dedicated bridge worker, then
// verifies credentials with an account probe through that worker.
func (b *AlpacaBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.bridge != nil {
		b.mu.Unlock()
		return nil
	}
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    b.opts.APIKey,
		APISecret: b.opts.APISecret,
		BaseURL:   b.opts.BaseURL,
	})
	br := newBridge(b.opts.CallTimeout)
	b.client = client
	b.bridge = br
	b.mu.Unlock()

	_, err := doCall(ctx, br, func() (*alpaca.Account, error) {
		return client.GetAccount()
	})
	if err != nil {
		b.teardown()
		return &domain.BrokerError{
			Code:    domain.CodeConnectFailed,
			Message: "alpaca connect failed",
			Raw:     err,
		}
	}
	b.log.Info("connected", "base_url", b.opts.BaseURL)
	return nil
}

// Disconnect retires the bridge worker. One worker per connection: a later
// Connect builds a fresh one.
func (b *AlpacaBroker) Disconnect(_ context.Context) error {
	b.teardown()
	b.log.Info("disconnected")
	return nil
}

func (b *AlpacaBroker) teardown() {
	b.mu.Lock()
	br := b.bridge
	b.bridge = nil
	b.client = nil
	b.mu.Unlock()
	if br != nil {
		br.stop()
	}
}

// IsConnected reports whether a bridge worker is live.
func (b *AlpacaBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bridge != nil
}

func (b *AlpacaBroker) conn() (*alpaca.Client, *bridge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bridge == nil {
		return nil, nil, domain.Errf(domain.CodeNotConnected, "alpaca broker not connected")
	}
	return b.client, b.bridge, nil
}

// PlaceOrder submits the order, reconciling by client order id first so
// retries after ambiguous failures never duplicate execution.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (*domain.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	client, br, err := b.conn()
	if err != nil {
		return nil, err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, domain.Errf(domain.CodeTimeout, "rate limit wait: %v", err)
	}

	existing, err := doCall(ctx, br, func() (*alpaca.Order, error) {
		return client.GetOrderByClientOrderID(req.ClientOrderID)
	})
	if err == nil && existing != nil {
		return fromAlpacaOrder(existing, req), nil
	}
	if err != nil && !isAlpacaNotFound(err) {
		if domain.IsCode(err, domain.CodeTimeout) || domain.IsCode(err, domain.CodeNotConnected) {
			return nil, err
		}
		// Lookup failures other than not-found are venue trouble; submitting
		// anyway could double-place.
		return nil, domain.WrapVenue("order lookup failed", err)
	}

	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           decimalPtr(decimal.NewFromInt(req.Qty)),
		Side:          toAlpacaSide(req.Side),
		Type:          toAlpacaType(req.Type),
		TimeInForce:   toAlpacaTIF(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice != nil {
		placeReq.LimitPrice = decimalPtr(decimal.NewFromFloat(*req.LimitPrice))
	}
	if req.StopPrice != nil {
		placeReq.StopPrice = decimalPtr(decimal.NewFromFloat(*req.StopPrice))
	}

	placed, err := doCall(ctx, br, func() (*alpaca.Order, error) {
		return client.PlaceOrder(placeReq)
	})
	if err != nil {
		return nil, venueErr("place order failed", err)
	}
	b.log.Info("order placed",
		"client_order_id", req.ClientOrderID,
		"broker_order_id", placed.ID,
		"symbol", req.Symbol,
	)
	return fromAlpacaOrder(placed, req), nil
}

// GetOrder fetches current order state from the venue.
func (b *AlpacaBroker) GetOrder(ctx context.Context, brokerOrderID string) (*domain.Order, error) {
	client, br, err := b.conn()
	if err != nil {
		return nil, err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, domain.Errf(domain.CodeTimeout, "rate limit wait: %v", err)
	}
	ao, err := doCall(ctx, br, func() (*alpaca.Order, error) {
		return client.GetOrder(brokerOrderID)
	})
	if err != nil {
		if isAlpacaNotFound(err) {
			return nil, domain.Errf(domain.CodeNotFound, "order not found: %s", brokerOrderID)
		}
		return nil, venueErr("get order failed", err)
	}
	return fromAlpacaOrder(ao, nil), nil
}

// CancelOrder requests cancellation and returns the refreshed order.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, brokerOrderID string) (*domain.Order, error) {
	client, br, err := b.conn()
	if err != nil {
		return nil, err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, domain.Errf(domain.CodeTimeout, "rate limit wait: %v", err)
	}
	_, err = doCall(ctx, br, func() (struct{}, error) {
		return struct{}{}, client.CancelOrder(brokerOrderID)
	})
	if err != nil {
		var apiErr *alpaca.APIError
		switch {
		case isAlpacaNotFound(err):
			return nil, domain.Errf(domain.CodeNotFound, "order not found: %s", brokerOrderID)
		case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity:
			return nil, domain.Errf(domain.CodeInvalidState, "order %s is not cancelable", brokerOrderID)
		default:
			return nil, venueErr("cancel order failed", err)
		}
	}
	return b.GetOrder(ctx, brokerOrderID)
}

// GetPositions lists current venue positions.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	client, br, err := b.conn()
	if err != nil {
		return nil, err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, domain.Errf(domain.CodeTimeout, "rate limit wait: %v", err)
	}
	aps, err := doCall(ctx, br, func() ([]alpaca.Position, error) {
		return client.GetPositions()
	})
	if err != nil {
		return nil, venueErr("get positions failed", err)
	}
	positions := make([]domain.Position, 0, len(aps))
	for _, ap := range aps {
		positions = append(positions, fromAlpacaPosition(ap))
	}
	return positions, nil
}

// GetAccountInfo fetches the account snapshot.
func (b *AlpacaBroker) GetAccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	client, br, err := b.conn()
	if err != nil {
		return nil, err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, domain.Errf(domain.CodeTimeout, "rate limit wait: %v", err)
	}
	acct, err := doCall(ctx, br, func() (*alpaca.Account, error) {
		return client.GetAccount()
	})
	if err != nil {
		return nil, venueErr("get account failed", err)
	}
	// PDT rule: 3 round trips per 5 trading days under the equity threshold.
	remaining := int64(3) - acct.DaytradeCount
	if remaining < 0 {
		remaining = 0
	}
	return &domain.AccountInfo{
		AccountID:          acct.ID,
		CashBalance:        acct.Cash.InexactFloat64(),
		BuyingPower:        acct.BuyingPower.InexactFloat64(),
		TotalEquity:        acct.Equity.InexactFloat64(),
		DayTradesRemaining: remaining,
	}, nil
}

// ---------------------------------------------------------------------------
// SDK type mapping
// ---------------------------------------------------------------------------

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }

func toAlpacaSide(s domain.Side) alpaca.Side {
	if s == domain.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func toAlpacaType(t domain.OrderType) alpaca.OrderType {
	switch t {
	case domain.OrderTypeLimit:
		return alpaca.Limit
	case domain.OrderTypeStop:
		return alpaca.Stop
	case domain.OrderTypeStopLimit:
		return alpaca.StopLimit
	default:
		return alpaca.Market
	}
}

func toAlpacaTIF(tif domain.TimeInForce) alpaca.TimeInForce {
	switch tif {
	case domain.TimeInForceIOC:
		return alpaca.IOC
	case domain.TimeInForceGTC:
		return alpaca.GTC
	case domain.TimeInForceFOK:
		return alpaca.FOK
	default:
		return alpaca.Day
	}
}

func fromAlpacaStatus(status string) domain.OrderStatus {
	switch status {
	case "new":
		return domain.OrderStatusNew
	case "accepted", "pending_new", "accepted_for_bidding":
		return domain.OrderStatusPending
	case "partially_filled":
		return domain.OrderStatusPartial
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "pending_cancel", "stopped", "done_for_day":
		return domain.OrderStatusCancelled
	case "expired":
		return domain.OrderStatusExpired
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusNew
	}
}

// fromAlpacaOrder maps an SDK order to the unified aggregate. When the
// originating request is unknown (GetOrder by id), it is reconstructed from
// the venue's echo of the order parameters. Alpaca's order endpoints report
// aggregate fill state only, so Fills stays empty here.
func fromAlpacaOrder(ao *alpaca.Order, req *domain.OrderRequest) *domain.Order {
	var r domain.OrderRequest
	if req != nil {
		r = *req
	} else {
		r = domain.OrderRequest{
			ClientOrderID: ao.ClientOrderID,
			Symbol:        ao.Symbol,
			Side:          fromAlpacaSide(ao.Side),
			Type:          fromAlpacaType(ao.Type),
			TimeInForce:   fromAlpacaTIF(ao.TimeInForce),
		}
		if ao.Qty != nil {
			r.Qty = ao.Qty.IntPart()
		}
		if ao.LimitPrice != nil {
			r.LimitPrice = domain.Float(ao.LimitPrice.InexactFloat64())
		}
		if ao.StopPrice != nil {
			r.StopPrice = domain.Float(ao.StopPrice.InexactFloat64())
		}
	}

	o := &domain.Order{
		BrokerOrderID: ao.ID,
		Request:       r,
		Status:        fromAlpacaStatus(string(ao.Status)),
		FilledQty:     ao.FilledQty.IntPart(),
		CreatedAt:     ao.CreatedAt,
		UpdatedAt:     ao.UpdatedAt,
		RawResponse:   ao,
	}
	if ao.FilledAvgPrice != nil {
		o.AvgFillPrice = ao.FilledAvgPrice.InexactFloat64()
	}
	return o
}

func fromAlpacaSide(s alpaca.Side) domain.Side {
	if s == alpaca.Sell {
		return domain.SideSell
	}
	return domain.SideBuy
}

func fromAlpacaType(t alpaca.OrderType) domain.OrderType {
	switch t {
	case alpaca.Limit:
		return domain.OrderTypeLimit
	case alpaca.Stop:
		return domain.OrderTypeStop
	case alpaca.StopLimit:
		return domain.OrderTypeStopLimit
	default:
		return domain.OrderTypeMarket
	}
}

func fromAlpacaTIF(tif alpaca.TimeInForce) domain.TimeInForce {
	switch tif {
	case alpaca.IOC:
		return domain.TimeInForceIOC
	case alpaca.GTC:
		return domain.TimeInForceGTC
	case alpaca.FOK:
		return domain.TimeInForceFOK
	default:
		return domain.TimeInForceDay
	}
}

func fromAlpacaPosition(ap alpaca.Position) domain.Position {
	p := domain.Position{
		Symbol:  ap.Symbol,
		Qty:     ap.Qty.IntPart(),
		AvgCost: ap.AvgEntryPrice.InexactFloat64(),
	}
	if ap.MarketValue != nil {
		p.MarketValue = ap.MarketValue.InexactFloat64()
	}
	if ap.UnrealizedPL != nil {
		p.UnrealizedPnL = ap.UnrealizedPL.InexactFloat64()
	}
	return p
}

func isAlpacaNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// venueErr maps an SDK failure to a BrokerError, passing bridge-originated
// BrokerErrors (timeouts, closed connection) through unchanged.
func venueErr(msg string, err error) error {
	var be *domain.BrokerError
	if errors.As(err, &be) {
		return be
	}
	return domain.WrapVenue(msg, err)
}
