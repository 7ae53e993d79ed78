package kraken

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenperp/errs"
	"github.com/coachpo/krakenperp/internal/config"
	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/funding"
	"github.com/coachpo/krakenperp/internal/numeric"
	"github.com/coachpo/krakenperp/internal/orderbook"
)

type instrumentsResponse struct {
	Instruments []instrumentRecord `json:"instruments"`
}

type instrumentRecord struct {
	Symbol                 string       `json:"symbol"`
	Type                   string       `json:"type"`
	Tradeable              bool         `json:"tradeable"`
	Base                   string       `json:"base"`
	Quote                  string       `json:"quote"`
	TickSize               numeric.Flex `json:"tickSize"`
	ContractSize           numeric.Flex `json:"contractSize"`
	MaxRelativeFundingRate numeric.Flex `json:"maxRelativeFundingRate"`
	MarginLevels           []struct {
		InitialMargin numeric.Flex `json:"initialMargin"`
	} `json:"marginLevels"`
}

type orderBookResponse struct {
	ServerTime string `json:"serverTime"`
	OrderBook  struct {
		Bids [][]numeric.Flex `json:"bids"`
		Asks [][]numeric.Flex `json:"asks"`
	} `json:"orderBook"`
}

type fundingRatesResponse struct {
	Rates []struct {
		Timestamp           string       `json:"timestamp"`
		FundingRate         numeric.Flex `json:"fundingRate"`
		RelativeFundingRate numeric.Flex `json:"relativeFundingRate"`
	} `json:"rates"`
}

type tickerRecord struct {
	Symbol     string       `json:"symbol"`
	MarkPrice  numeric.Flex `json:"markPrice"`
	IndexPrice numeric.Flex `json:"indexPrice"`
}

type tickersResponse struct {
	Ticker  *tickerRecord  `json:"ticker"`
	Tickers []tickerRecord `json:"tickers"`
}

// SymbolResolver maps between canonical pairs and venue symbols.
type SymbolResolver interface {
	ToExchange(pair string) (string, error)
	ToPair(symbol string) (string, error)
}

// MarketData serves the public REST endpoints.
type MarketData struct {
	rest    *RESTClient
	symbols SymbolResolver
	depth   int
	clock   func() time.Time
}

// NewMarketData builds the public REST surface.
func NewMarketData(rest *RESTClient, symbols SymbolResolver, depth int, clock func() time.Time) *MarketData {
	if clock == nil {
		clock = time.Now
	}
	return &MarketData{rest: rest, symbols: symbols, depth: depth, clock: clock}
}

var (
	_ orderbook.SnapshotSource = (*MarketData)(nil)
	_ funding.Source           = (*MarketData)(nil)
)

// Instruments lists venue contracts.
func (m *MarketData) Instruments(ctx context.Context) ([]schema.Instrument, error) {
	raw, err := m.rest.Execute(ctx, Request{Path: krakenEndpoints.instruments, Bucket: config.BucketPublic})
	if err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}
	var payload instrumentsResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errs.Malformed(exchangeName, "decode instruments", err)
	}
	if len(payload.Instruments) == 0 {
		return nil, errs.New(exchangeName, errs.CodeExchange, errs.WithMessage("no instruments returned"))
	}
	out := make([]schema.Instrument, 0, len(payload.Instruments))
	for _, record := range payload.Instruments {
		if inst, ok := buildInstrument(record); ok {
			out = append(out, inst)
		}
	}
	return out, nil
}

func buildInstrument(record instrumentRecord) (schema.Instrument, bool) {
	symbol := strings.ToUpper(strings.TrimSpace(record.Symbol))
	if symbol == "" {
		return schema.Instrument{}, false
	}
	inst := schema.Instrument{
		Symbol:         symbol,
		Type:           strings.TrimSpace(record.Type),
		Tradeable:      record.Tradeable,
		Base:           strings.TrimSpace(record.Base),
		Quote:          strings.TrimSpace(record.Quote),
		TickSize:       record.TickSize.Or(decimal.Zero),
		ContractSize:   record.ContractSize.Or(decimal.NewFromInt(1)),
		FundingRateCap: record.MaxRelativeFundingRate.Or(decimal.Zero),
	}
	// Leverage of the first margin tier.
	if len(record.MarginLevels) > 0 {
		if im := record.MarginLevels[0].InitialMargin; im.Valid && im.Decimal.IsPositive() {
			inst.MaxLeverage = decimal.NewFromInt(1).Div(im.Decimal).Round(2)
		}
	}
	return inst, true
}

// FetchSnapshot loads the REST book of pair. The venue book carries no sequence, so the
// snapshot is stamped with minUpdateID: the stream's next diff continues from there.
func (m *MarketData) FetchSnapshot(ctx context.Context, pair string, minUpdateID int64) (schema.OrderBookMessage, error) {
	symbol, err := m.symbol(pair)
	if err != nil {
		return schema.OrderBookMessage{}, err
	}
	raw, err := m.rest.Execute(ctx, Request{
		Path:   krakenEndpoints.orderBook,
		Params: url.Values{"symbol": {symbol}},
		Bucket: config.BucketPublic,
	})
	if err != nil {
		return schema.OrderBookMessage{}, orderbook.SnapshotError(exchangeName, pair, err)
	}
	var payload orderBookResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return schema.OrderBookMessage{}, errs.Malformed(exchangeName, "decode order book", err)
	}
	ts := m.clock().UTC()
	if parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(payload.ServerTime)); err == nil {
		ts = parsed.UTC()
	}
	bids := restLevels(payload.OrderBook.Bids, true, m.depth)
	asks := restLevels(payload.OrderBook.Asks, false, m.depth)
	return schema.OrderBookMessage{
		Type:        schema.OrderBookSnapshot,
		TradingPair: pair,
		UpdateID:    max(minUpdateID, 0),
		Bids:        bids,
		Asks:        asks,
		Timestamp:   ts,
	}, nil
}

func restLevels(levels [][]numeric.Flex, descending bool, depth int) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 || !level[0].Valid || !level[1].Valid {
			continue
		}
		out = append(out, schema.PriceLevel{Price: level[0].Decimal, Size: level[1].Decimal})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}

// LatestFundingRate returns the most recent relative funding rate of pair.
func (m *MarketData) LatestFundingRate(ctx context.Context, pair string) (decimal.Decimal, time.Time, error) {
	symbol, err := m.symbol(pair)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	raw, err := m.rest.Execute(ctx, Request{
		Path:   krakenEndpoints.historicalRates,
		Params: url.Values{"symbol": {symbol}},
		Bucket: config.BucketPublic,
	})
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	var payload fundingRatesResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return decimal.Zero, time.Time{}, errs.Malformed(exchangeName, "decode funding rates", err)
	}
	var (
		rate   decimal.Decimal
		latest time.Time
		found  bool
	)
	for _, entry := range payload.Rates {
		at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(entry.Timestamp))
		if err != nil || (found && !at.After(latest)) {
			continue
		}
		value := entry.RelativeFundingRate
		if !value.Valid {
			value = entry.FundingRate
		}
		if !value.Valid {
			continue
		}
		rate, latest, found = value.Decimal, at.UTC(), true
	}
	if !found {
		return decimal.Zero, time.Time{}, errs.New(exchangeName, errs.CodeNotFound, errs.WithMessage("no funding rates for "+symbol))
	}
	return rate, latest, nil
}

// MarkAndIndex returns the ticker mark and index prices of pair.
func (m *MarketData) MarkAndIndex(ctx context.Context, pair string) (decimal.Decimal, decimal.Decimal, error) {
	symbol, err := m.symbol(pair)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	raw, err := m.rest.Execute(ctx, Request{Path: krakenEndpoints.tickers + "/" + url.PathEscape(symbol), Bucket: config.BucketPublic})
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	var payload tickersResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return decimal.Zero, decimal.Zero, errs.Malformed(exchangeName, "decode ticker", err)
	}
	candidates := payload.Tickers
	if payload.Ticker != nil {
		candidates = append(candidates, *payload.Ticker)
	}
	for _, ticker := range candidates {
		if !strings.EqualFold(ticker.Symbol, symbol) {
			continue
		}
		if !ticker.MarkPrice.Valid || !ticker.IndexPrice.Valid {
			return decimal.Zero, decimal.Zero, errs.Malformed(exchangeName, "ticker without mark or index price", nil)
		}
		return ticker.MarkPrice.Decimal, ticker.IndexPrice.Decimal, nil
	}
	return decimal.Zero, decimal.Zero, errs.New(exchangeName, errs.CodeNotFound, errs.WithMessage("no ticker for "+symbol))
}

func (m *MarketData) symbol(pair string) (string, error) {
	if m.symbols == nil {
		return "", errs.New(exchangeName, errs.CodeUnavailable, errs.WithMessage("symbol map not loaded"))
	}
	return m.symbols.ToExchange(pair)
}
