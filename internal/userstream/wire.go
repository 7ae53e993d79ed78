package userstream

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/numeric"
)

// probe reads only the marker keys that decide which extractor owns a payload.
type probe struct {
	Event         json.RawMessage `json:"event"`
	Feed          string          `json:"feed"`
	Message       string          `json:"message"`
	Elements      json.RawMessage `json:"elements"`
	Orders        json.RawMessage `json:"orders"`
	SendStatus    json.RawMessage `json:"sendStatus"`
	CancelStatus  json.RawMessage `json:"cancelStatus"`
	EditStatus    json.RawMessage `json:"editStatus"`
	Fills         json.RawMessage `json:"fills"`
	OpenPositions json.RawMessage `json:"openPositions"`
	Accounts      json.RawMessage `json:"accounts"`
	Result        string          `json:"result"`
	Error         string          `json:"error"`
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func isString(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '"'
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// wireSide accepts the numeric direction of the live feed (0 buy, 1 sell) and the
// string sides of the REST and history APIs.
type wireSide struct {
	Type  schema.TradeType
	Valid bool
}

func (s *wireSide) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = wireSide{}
		return nil
	}
	text := string(data)
	if data[0] == '"' {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return fmt.Errorf("side: unquote %s: %w", text, err)
		}
		text = unquoted
	}
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "0", "buy", "long":
		*s = wireSide{Type: schema.TradeTypeBuy, Valid: true}
	case "1", "sell", "short":
		*s = wireSide{Type: schema.TradeTypeSell, Valid: true}
	case "":
		*s = wireSide{}
	default:
		return fmt.Errorf("side: unsupported value %q", text)
	}
	return nil
}

// wireOrder is an order object in any of its encodings: live snake_case, REST
// status camelCase, or history camelCase with uid/clientId/tradeable.
type wireOrder struct {
	UID             string       `json:"uid"`
	OrderID         string       `json:"orderId"`
	OrderIDSnake    string       `json:"order_id"`
	ClientID        string       `json:"clientId"`
	CliOrdID        string       `json:"cliOrdId"`
	CliOrdIDSnake   string       `json:"cli_ord_id"`
	Tradeable       string       `json:"tradeable"`
	Symbol          string       `json:"symbol"`
	Instrument      string       `json:"instrument"`
	Direction       wireSide     `json:"direction"`
	Side            wireSide     `json:"side"`
	Quantity        numeric.Flex `json:"quantity"`
	Qty             numeric.Flex `json:"qty"`
	Filled          numeric.Flex `json:"filled"`
	LimitPrice      numeric.Flex `json:"limitPrice"`
	LimitPriceSnake numeric.Flex `json:"limit_price"`
	Timestamp       flexTime     `json:"timestamp"`
	Time            flexTime     `json:"time"`
	LastUpdate      flexTime     `json:"lastUpdateTimestamp"`
	LastUpdateSnake flexTime     `json:"last_update_time"`
}

func (o wireOrder) exchangeID() string {
	return firstNonEmpty(o.OrderIDSnake, o.OrderID, o.UID)
}

func (o wireOrder) clientID() string {
	return firstNonEmpty(o.CliOrdIDSnake, o.CliOrdID, o.ClientID)
}

func (o wireOrder) symbol() string {
	return firstNonEmpty(o.Instrument, o.Symbol, o.Tradeable)
}

func (o wireOrder) quantity() decimal.Decimal {
	if o.Qty.Valid {
		return o.Qty.Decimal
	}
	return o.Quantity.Or(decimal.Zero)
}

func (o wireOrder) updated() flexTime {
	for _, candidate := range []flexTime{o.LastUpdateSnake, o.LastUpdate, o.Time, o.Timestamp} {
		if candidate.Valid {
			return candidate
		}
	}
	return flexTime{}
}

// fillState derives the state implied by the filled amount.
func (o wireOrder) fillState() schema.OrderState {
	return stateForFill(o.Filled.Or(decimal.Zero), o.quantity())
}

func stateForFill(filled, quantity decimal.Decimal) schema.OrderState {
	switch {
	case !filled.IsPositive():
		return schema.OrderStateOpen
	case quantity.IsPositive() && filled.GreaterThanOrEqual(quantity):
		return schema.OrderStateFilled
	default:
		return schema.OrderStatePartiallyFilled
	}
}

// wireFill is a fill in any of its encodings: live fills feed (snake_case,
// epoch millis), REST fills (fill_id, cliOrdId, size, fillTime ISO-8601) and history
// executions (camelCase, fee and feeCurrency).
type wireFill struct {
	FillID           string          `json:"fill_id"`
	FillIDCamel      string          `json:"fillId"`
	ExecutionID      string          `json:"executionId"`
	UID              string          `json:"uid"`
	OrderIDSnake     string          `json:"order_id"`
	OrderID          string          `json:"orderId"`
	CliOrdIDSnake    string          `json:"cli_ord_id"`
	CliOrdID         string          `json:"cliOrdId"`
	ClientID         string          `json:"clientId"`
	Instrument       string          `json:"instrument"`
	Symbol           string          `json:"symbol"`
	Tradeable        string          `json:"tradeable"`
	Qty              numeric.Flex    `json:"qty"`
	Size             numeric.Flex    `json:"size"`
	Quantity         numeric.Flex    `json:"quantity"`
	Price            numeric.Flex    `json:"price"`
	FeePaid          numeric.Flex    `json:"fee_paid"`
	Fee              numeric.Flex    `json:"fee"`
	FeeCurrencySnake string          `json:"fee_currency"`
	FeeCurrency      string          `json:"feeCurrency"`
	FillTypeSnake    string          `json:"fill_type"`
	FillType         string          `json:"fillType"`
	Time             flexTime        `json:"time"`
	FillTime         flexTime        `json:"fillTime"`
	Timestamp        flexTime        `json:"timestamp"`
	Seq              json.RawMessage `json:"seq"`
	Order            *wireOrder      `json:"order"`

	// feedPosition is "<message seq>.<index>" for a fill without its own seq.
	feedPosition string
}

func (f wireFill) tradeID() string {
	return firstNonEmpty(f.FillID, f.FillIDCamel, f.ExecutionID, f.UID)
}

func (f wireFill) exchangeID() string {
	id := firstNonEmpty(f.OrderIDSnake, f.OrderID)
	if id == "" && f.Order != nil {
		id = f.Order.exchangeID()
	}
	return id
}

func (f wireFill) clientID() string {
	id := firstNonEmpty(f.CliOrdIDSnake, f.CliOrdID, f.ClientID)
	if id == "" && f.Order != nil {
		id = f.Order.clientID()
	}
	return id
}

func (f wireFill) symbol() string {
	sym := firstNonEmpty(f.Instrument, f.Symbol, f.Tradeable)
	if sym == "" && f.Order != nil {
		sym = f.Order.symbol()
	}
	return sym
}

func (f wireFill) base() numeric.Flex {
	for _, candidate := range []numeric.Flex{f.Qty, f.Size, f.Quantity} {
		if candidate.Valid {
			return candidate
		}
	}
	return numeric.Flex{}
}

func (f wireFill) fee() decimal.Decimal {
	if f.FeePaid.Valid {
		return f.FeePaid.Decimal
	}
	return f.Fee.Or(decimal.Zero)
}

func (f wireFill) feeToken() string {
	return schema.NormalizeAsset(firstNonEmpty(f.FeeCurrencySnake, f.FeeCurrency))
}

func (f wireFill) isTaker() bool {
	return strings.HasPrefix(strings.ToLower(firstNonEmpty(f.FillTypeSnake, f.FillType)), "taker")
}

func (f wireFill) filledAt() flexTime {
	for _, candidate := range []flexTime{f.Time, f.FillTime, f.Timestamp} {
		if candidate.Valid {
			return candidate
		}
	}
	return flexTime{}
}

// derivedTradeID identifies a fill that arrived without an id. It only uses payload
// fields so a redelivery derives the same id. Fills of one order with equal size and
// price and no seq or time still collapse into one; such a live fill also never
// matches the uid of its history copy.
func (f wireFill) derivedTradeID() string {
	parts := []string{firstNonEmpty(f.clientID(), f.exchangeID()), f.base().Decimal.String(), f.Price.Decimal.String()}
	if at := f.filledAt(); at.Valid {
		parts = append(parts, strconv.FormatInt(at.Time.UnixMilli(), 10))
	}
	if seq := parseSeq(f.Seq); seq != nil {
		parts = append(parts, "seq"+strconv.FormatInt(*seq, 10))
	} else if f.feedPosition != "" {
		parts = append(parts, "seq"+f.feedPosition)
	}
	return "derived:" + strings.Join(parts, ":")
}

// wirePosition covers the live open_positions entries and the REST openPositions list.
type wirePosition struct {
	Instrument        string       `json:"instrument"`
	Symbol            string       `json:"symbol"`
	Side              string       `json:"side"`
	Buy               *bool        `json:"buy"`
	Balance           numeric.Flex `json:"balance"`
	Amount            numeric.Flex `json:"amount"`
	Size              numeric.Flex `json:"size"`
	EntryPrice        numeric.Flex `json:"entry_price"`
	Price             numeric.Flex `json:"price"`
	PnL               numeric.Flex `json:"pnl"`
	UnrealizedFunding numeric.Flex `json:"unrealizedFunding"`
	EffectiveLeverage numeric.Flex `json:"effective_leverage"`
	Leverage          numeric.Flex `json:"leverage"`
}

func (p wirePosition) symbol() string {
	return firstNonEmpty(p.Instrument, p.Symbol)
}

func (p wirePosition) amount() decimal.Decimal {
	for _, candidate := range []numeric.Flex{p.Balance, p.Amount, p.Size} {
		if candidate.Valid {
			return candidate.Decimal
		}
	}
	return decimal.Zero
}

func (p wirePosition) entry() decimal.Decimal {
	if p.EntryPrice.Valid {
		return p.EntryPrice.Decimal
	}
	return p.Price.Or(decimal.Zero)
}

func (p wirePosition) pnl() decimal.Decimal {
	if p.PnL.Valid {
		return p.PnL.Decimal
	}
	return p.UnrealizedFunding.Or(decimal.Zero)
}

func (p wirePosition) leverage() decimal.Decimal {
	if p.EffectiveLeverage.Valid {
		return p.EffectiveLeverage.Decimal
	}
	return p.Leverage.Or(decimal.Zero)
}

// wireCurrency is one collateral currency of a flexible futures account.
type wireCurrency struct {
	Quantity  numeric.Flex `json:"quantity"`
	Available numeric.Flex `json:"available"`
}

type wireFlexAccount struct {
	Currencies map[string]wireCurrency `json:"currencies"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func sequenceOr(seq *int64, at flexTime, now func() time.Time) int64 {
	if seq != nil {
		return *seq
	}
	return at.or(now).UnixMilli()
}
