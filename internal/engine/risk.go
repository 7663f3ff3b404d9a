package engine

import (
	"context"

	"ordergate/internal/domain"
)

// RiskManager enforces pre-trade risk rules such as position sizing limits.
type RiskManager struct {
	maxPositionPct float64
}

// NewRiskManager creates a RiskManager with the specified thresholds.
//
//   - maxPositionPct: maximum fraction of equity allowed in a single order's
//     notional value (e.g. 0.10 for 10%). Zero disables the check.
func NewRiskManager(maxPositionPct float64) *RiskManager {
	return &RiskManager{maxPositionPct: maxPositionPct}
}

// CheckOrder evaluates whether the proposed order complies with the
// configured risk limits given the current account state. Market orders have
// no reference price and skip the notional check.
func (rm *RiskManager) CheckOrder(_ context.Context, req *domain.OrderRequest, account *domain.AccountInfo) error {
	if rm.maxPositionPct <= 0 {
		return nil
	}

	price := referencePrice(req)
	if price == 0 {
		return nil
	}

	notional := float64(req.Qty) * price
	limit := rm.maxPositionPct * account.TotalEquity
	if notional > limit {
		return domain.Errf(domain.CodeValidation,
			"order notional %.2f exceeds position limit %.2f (%.0f%% of equity %.2f)",
			notional, limit, rm.maxPositionPct*100, account.TotalEquity)
	}
	return nil
}

func referencePrice(req *domain.OrderRequest) float64 {
	if req.LimitPrice != nil {
		return *req.LimitPrice
	}
	if req.StopPrice != nil {
		return *req.StopPrice
	}
	return 0
}
