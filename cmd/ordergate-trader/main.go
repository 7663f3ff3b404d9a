package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ordergate/internal/broker"
	"ordergate/internal/config"
	"ordergate/internal/engine"
	"ordergate/internal/store"
	"ordergate/internal/util"
)

func main() {
	refreshSecs := flag.Int("refresh-secs", 5, "interval between open-order refresh sweeps")
	flag.Parse()

	cfgPath := "config/ordergate.yaml"
	if p := os.Getenv("ORDERGATE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	orders, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open order store: %v", err)
	}
	defer orders.Close()
	fills := store.NewParquetStore(cfg.Storage.DataDir)

	b, err := newBroker(cfg)
	if err != nil {
		log.Fatalf("failed to create broker: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := b.Connect(ctx); err != nil {
		log.Fatalf("failed to connect to %s: %v", b.Name(), err)
	}
	defer b.Disconnect(context.Background())

	risk := engine.NewRiskManager(cfg.Trading.MaxPositionPct)
	eng := engine.NewEngine(b, orders, fills, risk, logger)

	account, err := eng.GetAccountInfo(ctx)
	if err != nil {
		log.Fatalf("failed to fetch account: %v", err)
	}
	logger.Info("connected",
		"broker", b.Name(),
		"account_id", account.AccountID,
		"cash", account.CashBalance,
		"equity", account.TotalEquity,
		"buying_power", account.BuyingPower)

	positions, err := eng.GetPositions(ctx)
	if err != nil {
		log.Fatalf("failed to fetch positions: %v", err)
	}
	for _, p := range positions {
		logger.Info("position",
			"symbol", p.Symbol, "qty", p.Qty, "avg_cost", p.AvgCost,
			"market_value", p.MarketValue, "unrealized_pnl", p.UnrealizedPnL)
	}

	logger.Info("starting refresh loop", "interval_secs", *refreshSecs)
	if err := run(ctx, eng, logger, time.Duration(*refreshSecs)*time.Second); err != nil &&
		!errors.Is(err, context.Canceled) {
		log.Fatalf("refresh loop error: %v", err)
	}
	logger.Info("shutting down")
}

// run sweeps journaled open orders on a fixed interval, pulling venue state
// and recording any new fills, until the context is cancelled.
func run(ctx context.Context, eng *engine.Engine, logger *slog.Logger, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			open, err := eng.OpenOrders(ctx)
			if err != nil {
				return err
			}
			for _, o := range open {
				if _, err := eng.RefreshOrder(ctx, o.BrokerOrderID); err != nil {
					logger.Warn("refresh failed",
						"broker_order_id", o.BrokerOrderID, "error", err)
				}
			}
		}
	}
}

// newBroker constructs the configured broker adapter.
func newBroker(cfg *config.Config) (broker.BrokerAdapter, error) {
	switch cfg.Broker.Name {
	case "", "simulator":
		var rng *rand.Rand
		if cfg.Simulator.Seed != 0 {
			rng = rand.New(rand.NewSource(cfg.Simulator.Seed))
		}
		return broker.NewSimulatorBroker(broker.SimulatorOptions{
			SimulateLatency: cfg.Simulator.SimulateLatency,
			RejectionRate:   cfg.Simulator.RejectionRate,
			PartialFillRate: cfg.Simulator.PartialFillRate,
			InitialCash:     cfg.Simulator.InitialCash,
			Rand:            rng,
		}), nil
	case "alpaca":
		return broker.NewAlpacaBroker(broker.AlpacaOptions{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			BaseURL:         cfg.Alpaca.BaseURL,
			CallTimeout:     time.Duration(cfg.Broker.CallTimeoutSecs) * time.Second,
			RateLimitPerMin: cfg.Broker.RateLimitPerMin,
		}), nil
	default:
		return nil, errors.New("unknown broker: " + cfg.Broker.Name)
	}
}
