// Command connector runs the Kraken Futures perpetual connector for the configured pairs
// and logs what its streams deliver.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/krakenperp/internal/config"
	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/infra/adapters/kraken"
	"github.com/coachpo/krakenperp/internal/observability"
	"github.com/coachpo/krakenperp/internal/positions"
	"github.com/coachpo/krakenperp/internal/telemetry"
	"github.com/coachpo/krakenperp/internal/tracker"
)

const (
	defaultConfigPath = "config/connector.yaml"
	meterName         = "github.com/coachpo/krakenperp"
	sinkBuffer        = 1024
	shutdownTimeout   = 10 * time.Second
)

func main() {
	cfgPath := parseFlags()
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("connector: load .env: %v", err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, resolveConfigPath(cfgPath)); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("connector: %v", err)
		cancel()
		os.Exit(1)
	}
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to connector configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

// resolveConfigPath prefers the flag, then CONNECTOR_CONFIG, then the default file when it
// exists. An empty result runs on defaults and environment overrides alone.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv("CONNECTOR_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := observability.NewLogrusLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	observability.SetLogger(logger)

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", observability.Err(err))
		}
	}()

	connector, err := kraken.NewConnector(kraken.Options{
		Config:  cfg.Exchange,
		Logger:  logger,
		Metrics: observability.NewMetrics(provider.Meter(meterName)),
	})
	if err != nil {
		return fmt.Errorf("build connector: %w", err)
	}
	defer connector.Close()
	watch(connector, logger)

	if err := connector.Start(ctx); err != nil {
		return fmt.Errorf("start connector: %w", err)
	}
	logger.Info("connector running",
		observability.F("env", string(cfg.Environment)),
		observability.F("pairs", len(cfg.Exchange.TradingPairs)),
		observability.F("private", cfg.Exchange.HasCredentials()),
		observability.F("telemetry", cfg.Telemetry.Enabled))

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	books := make(chan schema.OrderBookMessage, sinkBuffer)
	trades := make(chan schema.OrderBookMessage, sinkBuffer)
	fundingUpdates := make(chan schema.FundingInfoUpdate, sinkBuffer)

	var drains conc.WaitGroup
	drains.Go(func() { drainBooks(runCtx, connector, books, logger) })
	drains.Go(func() { drainTrades(runCtx, trades, logger) })
	drains.Go(func() { drainFunding(runCtx, connector, fundingUpdates, logger) })

	err = connector.Run(runCtx, kraken.Sinks{Book: books, Trades: trades, Funding: fundingUpdates})
	stop()
	drains.Wait()
	logger.Info("connector stopped", observability.Err(err))
	return err
}

// watch logs tracker and position events.
func watch(connector *kraken.Connector, logger observability.Logger) {
	connector.Tracker().OnOrderUpdate(func(change tracker.OrderChange) {
		logger.Info("order state",
			observability.F("client_order_id", change.Order.ClientOrderID),
			observability.F("exchange_order_id", change.Order.ExchangeOrderID),
			observability.F("from", string(change.Previous)),
			observability.F("to", string(change.Order.State)),
			observability.F("reason", change.Update.Reason))
	})
	connector.Tracker().OnTradeUpdate(func(fill tracker.TradeFill) {
		logger.Info("fill",
			observability.F("client_order_id", fill.Order.ClientOrderID),
			observability.F("trade_id", fill.Trade.TradeID),
			observability.F("price", fill.Trade.FillPrice.String()),
			observability.F("amount", fill.Trade.FillBaseAmount.String()),
			observability.F("taker", fill.Trade.IsTaker))
	})
	connector.Tracker().OnOrderNotFound(func(signal tracker.NotFoundSignal) {
		if signal.Failed {
			logger.Warn("order failed after repeated not-found",
				observability.F("client_order_id", signal.Order.ClientOrderID),
				observability.F("count", signal.Count))
		}
	})
	connector.Positions().OnPositionChange(func(change positions.PositionChange) {
		logger.Info("position",
			observability.F("kind", string(change.Kind)),
			observability.F("pair", change.Position.TradingPair),
			observability.F("side", string(change.Position.Side)),
			observability.F("amount", change.Position.Amount.String()),
			observability.F("entry_price", change.Position.EntryPrice.String()))
	})
}

func drainBooks(ctx context.Context, connector *kraken.Connector, in <-chan schema.OrderBookMessage, logger observability.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-in:
			if msg.Type != schema.OrderBookSnapshot {
				continue
			}
			fields := []observability.Field{
				observability.F("pair", msg.TradingPair),
				observability.F("update_id", msg.UpdateID),
			}
			if book, ok := connector.Book(msg.TradingPair); ok {
				if bid, ok := book.BestBid(); ok {
					fields = append(fields, observability.F("best_bid", bid.Price.String()))
				}
				if ask, ok := book.BestAsk(); ok {
					fields = append(fields, observability.F("best_ask", ask.Price.String()))
				}
			}
			logger.Info("book synchronized", fields...)
		}
	}
}

func drainTrades(ctx context.Context, in <-chan schema.OrderBookMessage, logger observability.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-in:
			logger.Debug("trade",
				observability.F("pair", msg.TradingPair),
				observability.F("side", string(msg.TradeSide)),
				observability.F("price", msg.TradePrice.String()),
				observability.F("size", msg.TradeSize.String()))
		}
	}
}

func drainFunding(ctx context.Context, connector *kraken.Connector, in <-chan schema.FundingInfoUpdate, logger observability.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-in:
			info, err := connector.GetFundingInfo(update.TradingPair)
			if err != nil {
				continue
			}
			logger.Debug("funding",
				observability.F("pair", info.TradingPair),
				observability.F("rate", info.Rate.String()),
				observability.F("mark", info.MarkPrice.String()),
				observability.F("next", info.NextFundingUTCTimestamp.Format(time.RFC3339)))
		}
	}
}
