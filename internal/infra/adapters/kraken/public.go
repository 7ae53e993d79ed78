package kraken

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenperp/errs"
	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/numeric"
)

// Public feed names.
const (
	FeedBook          = "book"
	FeedBookSnapshot  = "book_snapshot"
	FeedTrade         = "trade"
	FeedTradeSnapshot = "trade_snapshot"
	FeedTicker        = "ticker"
)

type bookLevel struct {
	Price numeric.Flex `json:"price"`
	Qty   numeric.Flex `json:"qty"`
}

type publicMessage struct {
	Event     string       `json:"event"`
	Message   string       `json:"message"`
	Feed      string       `json:"feed"`
	ProductID string       `json:"product_id"`
	Timestamp int64        `json:"timestamp"`
	Seq       *int64       `json:"seq"`
	Side      string       `json:"side"`
	Price     numeric.Flex `json:"price"`
	Qty       numeric.Flex `json:"qty"`
	Bids      []bookLevel  `json:"bids"`
	Asks      []bookLevel  `json:"asks"`

	UID    string        `json:"uid"`
	Time   int64         `json:"time"`
	Trades []publicTrade `json:"trades"`

	Index               numeric.Flex `json:"index"`
	MarkPrice           numeric.Flex `json:"markPrice"`
	RelativeFundingRate numeric.Flex `json:"relative_funding_rate"`
	FundingRate         numeric.Flex `json:"funding_rate"`
	NextFundingRateTime int64        `json:"next_funding_rate_time"`
}

type publicTrade struct {
	ProductID string       `json:"product_id"`
	UID       string       `json:"uid"`
	Side      string       `json:"side"`
	Seq       int64        `json:"seq"`
	Time      int64        `json:"time"`
	Qty       numeric.Flex `json:"qty"`
	Price     numeric.Flex `json:"price"`
}

// publicUpdate is one decoded public message.
type publicUpdate struct {
	feed    string
	control string
	message string
	book    []schema.OrderBookMessage
	funding *schema.FundingInfoUpdate
}

type publicDecoder struct {
	symbols SymbolResolver
	clock   func() time.Time
}

func (d publicDecoder) decode(raw []byte) (publicUpdate, error) {
	var msg publicMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return publicUpdate{}, errs.Malformed(exchangeName, "decode public message", err)
	}
	if msg.Event != "" {
		return publicUpdate{control: msg.Event, feed: msg.Feed, message: msg.Message}, nil
	}
	update := publicUpdate{feed: msg.Feed}
	if msg.Feed == "" {
		return update, errs.Malformed(exchangeName, "public message without feed", nil)
	}
	switch msg.Feed {
	case FeedBookSnapshot, FeedBook, FeedTrade, FeedTicker:
		if msg.ProductID == "" {
			return update, errs.Malformed(exchangeName, msg.Feed+" without product_id", nil)
		}
	case FeedTradeSnapshot:
	default:
		return update, nil
	}
	pair, err := d.symbols.ToPair(msg.ProductID)
	if err != nil && msg.Feed != FeedTradeSnapshot {
		return update, err
	}

	switch msg.Feed {
	case FeedBookSnapshot:
		if msg.Seq == nil {
			return update, errs.Malformed(exchangeName, "book snapshot without seq", nil)
		}
		update.book = []schema.OrderBookMessage{{
			Type:        schema.OrderBookSnapshot,
			TradingPair: pair,
			UpdateID:    *msg.Seq,
			Bids:        levels(msg.Bids),
			Asks:        levels(msg.Asks),
			Timestamp:   d.at(msg.Timestamp),
		}}
	case FeedBook:
		if msg.Seq == nil || !msg.Price.Valid || !msg.Qty.Valid {
			return update, errs.Malformed(exchangeName, "book diff without seq, price or qty", nil)
		}
		diff := schema.OrderBookMessage{
			Type:        schema.OrderBookDiff,
			TradingPair: pair,
			UpdateID:    *msg.Seq,
			Timestamp:   d.at(msg.Timestamp),
		}
		level := []schema.PriceLevel{{Price: msg.Price.Decimal, Size: msg.Qty.Decimal}}
		switch strings.ToLower(msg.Side) {
		case "buy":
			diff.Bids = level
		case "sell":
			diff.Asks = level
		default:
			return update, errs.Malformed(exchangeName, "book diff with unknown side "+msg.Side, nil)
		}
		update.book = []schema.OrderBookMessage{diff}
	case FeedTrade:
		trade, ok := d.trade(pair, publicTrade{
			UID: msg.UID, Side: msg.Side, Time: msg.Time, Qty: msg.Qty, Price: msg.Price,
		}, msg.Seq)
		if !ok {
			return update, errs.Malformed(exchangeName, "trade without uid, price or qty", nil)
		}
		update.book = []schema.OrderBookMessage{trade}
	case FeedTradeSnapshot:
		for _, t := range msg.Trades {
			product := t.ProductID
			if product == "" {
				product = msg.ProductID
			}
			tradePair, err := d.symbols.ToPair(product)
			if err != nil {
				continue
			}
			seq := t.Seq
			if trade, ok := d.trade(tradePair, t, &seq); ok {
				update.book = append(update.book, trade)
			}
		}
	case FeedTicker:
		rate := msg.RelativeFundingRate.Ptr()
		if rate == nil {
			rate = msg.FundingRate.Ptr()
		}
		funding := schema.FundingInfoUpdate{
			TradingPair: pair,
			IndexPrice:  msg.Index.Ptr(),
			MarkPrice:   msg.MarkPrice.Ptr(),
			Rate:        rate,
		}
		if msg.NextFundingRateTime > 0 {
			next := time.UnixMilli(msg.NextFundingRateTime).UTC()
			funding.NextFundingUTCTimestamp = &next
		}
		update.funding = &funding
	}
	return update, nil
}

func (d publicDecoder) trade(pair string, t publicTrade, seq *int64) (schema.OrderBookMessage, bool) {
	if t.UID == "" || !t.Price.Valid || !t.Qty.Valid {
		return schema.OrderBookMessage{}, false
	}
	side := schema.TradeSideBuy
	if strings.EqualFold(t.Side, "sell") {
		side = schema.TradeSideSell
	}
	var updateID int64
	if seq != nil {
		updateID = *seq
	}
	return schema.OrderBookMessage{
		Type:        schema.OrderBookTrade,
		TradingPair: pair,
		UpdateID:    updateID,
		Timestamp:   d.at(t.Time),
		TradeID:     t.UID,
		TradeSide:   side,
		TradePrice:  t.Price.Decimal,
		TradeSize:   t.Qty.Decimal,
	}, true
}

func (d publicDecoder) at(millis int64) time.Time {
	if millis <= 0 {
		return d.clock().UTC()
	}
	return time.UnixMilli(millis).UTC()
}

func levels(in []bookLevel) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(in))
	for _, level := range in {
		if !level.Price.Valid {
			continue
		}
		out = append(out, schema.PriceLevel{Price: level.Price.Decimal, Size: level.Qty.Or(decimal.Zero)})
	}
	return out
}
