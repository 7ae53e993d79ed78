package userstream

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenperp/errs"
	"github.com/coachpo/krakenperp/internal/domain/schema"
)

type pairMap map[string]string

func (m pairMap) ToPair(symbol string) (string, error) {
	if pair, ok := m[symbol]; ok {
		return pair, nil
	}
	return "", errors.New("unknown symbol")
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(Options{
		Exchange: "kraken",
		Pairs:    pairMap{"PF_XBTUSD": "BTC-USD", "PF_ETHUSD": "ETH-USD"},
		Clock:    func() time.Time { return fixedNow },
	})
}

func mustNormalize(t *testing.T, n *Normalizer, payload string) Event {
	t.Helper()
	ev, err := n.Normalize([]byte(payload))
	if err != nil {
		t.Fatalf("normalize %s: %v", payload, err)
	}
	return ev
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLiveAndHistoryFillsNormalizeIdentically(t *testing.T) {
	n := newTestNormalizer()
	live := mustNormalize(t, n, `{"feed":"fills","username":"u","fills":[{"fill_id":"T1","instrument":"PF_XBTUSD","cli_ord_id":"X","order_id":"E1","qty":"1.5","price":"100","fee_paid":"0.01","fee_currency":"-USD","time":1700000000000,"fill_type":"maker"}]}`)
	history := mustNormalize(t, n, `{"uid":"h1","timestamp":1700000000000,"event":{"Execution":{"execution":{"uid":"T1","cliOrdId":"X","orderId":"E1","tradeable":"PF_XBTUSD","size":"1.5","price":"100","fee":"0.01","feeCurrency":"-USD","fillTime":"2023-11-14T22:13:20Z"}}}}`)

	liveTrades, ok := live.(TradeEvents)
	if !ok || len(liveTrades.Trades) != 1 {
		t.Fatalf("expected one live trade, got %#v", live)
	}
	historyTrades, ok := history.(TradeEvents)
	if !ok || len(historyTrades.Trades) != 1 {
		t.Fatalf("expected one history trade, got %#v", history)
	}

	a, b := liveTrades.Trades[0], historyTrades.Trades[0]
	for _, trade := range []schema.TradeUpdate{a, b} {
		if trade.TradeID != "T1" || trade.ClientOrderID != "X" || trade.ExchangeOrderID != "E1" {
			t.Fatalf("unexpected ids %+v", trade)
		}
		if !trade.FillBaseAmount.Equal(dec("1.5")) || !trade.FillPrice.Equal(dec("100")) {
			t.Fatalf("unexpected amounts %+v", trade)
		}
		if !trade.FillQuoteAmount.Equal(dec("150")) {
			t.Fatalf("unexpected quote amount %s", trade.FillQuoteAmount)
		}
		if trade.Fee.Token != "USD" || !trade.Fee.Amount.Equal(dec("0.01")) {
			t.Fatalf("unexpected fee %+v", trade.Fee)
		}
		if trade.TradingPair != "BTC-USD" {
			t.Fatalf("unexpected pair %q", trade.TradingPair)
		}
	}
	if !a.FillTimestamp.Equal(b.FillTimestamp) {
		t.Fatalf("timestamps differ: %s vs %s", a.FillTimestamp, b.FillTimestamp)
	}
	if a.Origin != schema.TradeOriginLive || b.Origin != schema.TradeOriginHistory {
		t.Fatalf("unexpected origins %s / %s", a.Origin, b.Origin)
	}
}

func TestLiveFillWithoutIDOrTimestamp(t *testing.T) {
	n := newTestNormalizer()
	payload := `{"feed":"fills","fills":[{"cli_ord_id":"X","qty":"1.5","price":"100","fee_paid":"0.01","fee_currency":"-USD"}]}`
	first := mustNormalize(t, n, payload).(TradeEvents).Trades[0]
	second := mustNormalize(t, n, payload).(TradeEvents).Trades[0]

	if first.TradeID == "" || first.TradeID != second.TradeID {
		t.Fatalf("derived trade id must be stable, got %q and %q", first.TradeID, second.TradeID)
	}
	if !first.FillTimestamp.Equal(fixedNow) {
		t.Fatalf("missing timestamp must fall back to now, got %s", first.FillTimestamp)
	}
	if first.TradingPair != "" {
		t.Fatalf("fill without instrument keeps an empty pair, got %q", first.TradingPair)
	}
	if first.Fee.Token != "USD" {
		t.Fatalf("fee token sign not stripped: %q", first.Fee.Token)
	}
}

func TestDerivedTradeIDUsesSequence(t *testing.T) {
	n := newTestNormalizer()
	own := `{"feed":"fills","fills":[
		{"cli_ord_id":"X","qty":"1","price":"100","seq":7},
		{"cli_ord_id":"X","qty":"1","price":"100","seq":8}]}`
	trades := mustNormalize(t, n, own).(TradeEvents).Trades
	if trades[0].TradeID == trades[1].TradeID {
		t.Fatalf("fills with distinct seq must not share an id: %q", trades[0].TradeID)
	}
	again := mustNormalize(t, n, own).(TradeEvents).Trades
	if again[0].TradeID != trades[0].TradeID || again[1].TradeID != trades[1].TradeID {
		t.Fatalf("redelivery must derive the same ids")
	}

	feed := `{"feed":"fills","seq":42,"fills":[
		{"cli_ord_id":"X","qty":"1","price":"100"},
		{"cli_ord_id":"X","qty":"1","price":"100"}]}`
	fromFeed := mustNormalize(t, n, feed).(TradeEvents).Trades
	if fromFeed[0].TradeID == fromFeed[1].TradeID {
		t.Fatalf("fills of one message must not share an id: %q", fromFeed[0].TradeID)
	}
	if fromFeed[0].TradeID == trades[0].TradeID {
		t.Fatalf("message seq and fill seq ids must differ")
	}
}

func TestControlEvents(t *testing.T) {
	n := newTestNormalizer()
	if ev := mustNormalize(t, n, `{"event":"subscribed","feed":"open_orders"}`); ev != (SubscriptionAck{Feed: "open_orders"}) {
		t.Fatalf("unexpected ack %#v", ev)
	}
	if ev := mustNormalize(t, n, `{"event":"challenge","message":"c-123"}`); ev != (Challenge{Message: "c-123"}) {
		t.Fatalf("unexpected challenge %#v", ev)
	}
	if ev := mustNormalize(t, n, `{"event":"error","message":"Invalid challenge"}`); ev != (FeedError{Message: "Invalid challenge"}) {
		t.Fatalf("unexpected error event %#v", ev)
	}
	if ev := mustNormalize(t, n, `{"event":"info","version":1}`); ev != (Unrecognized{Feed: "info"}) {
		t.Fatalf("unexpected info event %#v", ev)
	}
	hb := mustNormalize(t, n, `{"feed":"heartbeat","time":1700000000000}`)
	if got := hb.(Heartbeat).Time; !got.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("unexpected heartbeat time %s", got)
	}
	if ev := mustNormalize(t, n, `{"feed":"book","product_id":"PF_XBTUSD"}`); ev != (Unrecognized{Feed: "book"}) {
		t.Fatalf("public feed should be unrecognized, got %#v", ev)
	}
}

func TestLiveOpenOrders(t *testing.T) {
	n := newTestNormalizer()
	cases := []struct {
		payload string
		state   schema.OrderState
	}{
		{`{"feed":"open_orders","order":{"instrument":"PF_XBTUSD","time":1700000000000,"last_update_time":1700000000500,"qty":2,"filled":0,"limit_price":100,"type":"limit","order_id":"E1","cli_ord_id":"C1","direction":0},"is_cancel":false,"reason":"new_placed_order_by_user"}`, schema.OrderStateOpen},
		{`{"feed":"open_orders","order":{"instrument":"PF_XBTUSD","qty":2,"filled":0.5,"order_id":"E1","cli_ord_id":"C1","direction":0},"is_cancel":false,"reason":"partial_fill"}`, schema.OrderStatePartiallyFilled},
		{`{"feed":"open_orders","order_id":"E1","cli_ord_id":"C1","is_cancel":true,"reason":"full_fill"}`, schema.OrderStateFilled},
		{`{"feed":"open_orders","order_id":"E1","cli_ord_id":"C1","is_cancel":true,"reason":"cancelled_by_user"}`, schema.OrderStateCanceled},
		{`{"feed":"open_orders","order_id":"E1","is_cancel":true,"reason":"post_order_failed_because_it_would_filled"}`, schema.OrderStateFailed},
	}
	for _, tc := range cases {
		ev := mustNormalize(t, n, tc.payload).(OrderEvents)
		if len(ev.Updates) != 1 {
			t.Fatalf("expected one update for %s", tc.payload)
		}
		update := ev.Updates[0]
		if update.NewState != tc.state {
			t.Fatalf("payload %s: state %s, want %s", tc.payload, update.NewState, tc.state)
		}
		if update.ExchangeOrderID != "E1" {
			t.Fatalf("payload %s: exchange id %q", tc.payload, update.ExchangeOrderID)
		}
	}

	first := mustNormalize(t, n, cases[0].payload).(OrderEvents).Updates[0]
	if first.TradingPair != "BTC-USD" || first.ClientOrderID != "C1" {
		t.Fatalf("unexpected first update %+v", first)
	}
	if !first.UpdateTimestamp.Equal(time.UnixMilli(1700000000500)) {
		t.Fatalf("last update time should win, got %s", first.UpdateTimestamp)
	}

	if _, err := n.Normalize([]byte(`{"feed":"open_orders","is_cancel":true}`)); !errs.IsCode(err, errs.CodeMalformed) {
		t.Fatalf("order without ids must be malformed, got %v", err)
	}
}

func TestOpenOrdersSnapshot(t *testing.T) {
	n := newTestNormalizer()
	ev := mustNormalize(t, n, `{"feed":"open_orders_snapshot","account":"a","orders":[{"instrument":"PF_ETHUSD","qty":1,"filled":0,"order_id":"E1","cli_ord_id":"C1","direction":1},{"instrument":"PF_XBTUSD","qty":3,"filled":1,"order_id":"E2","direction":0}]}`).(OrderEvents)
	if !ev.Snapshot || len(ev.Updates) != 2 {
		t.Fatalf("unexpected snapshot %#v", ev)
	}
	if ev.Updates[0].TradingPair != "ETH-USD" || ev.Updates[0].NewState != schema.OrderStateOpen {
		t.Fatalf("unexpected first snapshot entry %+v", ev.Updates[0])
	}
	if ev.Updates[1].NewState != schema.OrderStatePartiallyFilled {
		t.Fatalf("unexpected second snapshot entry %+v", ev.Updates[1])
	}
}

func TestPositionsSideEncodings(t *testing.T) {
	n := newTestNormalizer()
	ev := mustNormalize(t, n, `{"feed":"open_positions","account":"a","positions":[
		{"instrument":"PF_XBTUSD","buy":true,"balance":"5","entry_price":"100","pnl":"1.5","effective_leverage":"2"},
		{"instrument":"PF_ETHUSD","side":"SHORT","amount":"5"},
		{"instrument":"PF_UNKNOWN","balance":"1"}
	],"seq":7}`).(PositionEvents)
	if ev.Sequence != 7 {
		t.Fatalf("unexpected sequence %d", ev.Sequence)
	}
	if len(ev.Positions) != 2 {
		t.Fatalf("unmapped position must be dropped, got %+v", ev.Positions)
	}
	long := ev.Positions[0]
	if long.Side != schema.PositionSideLong || !long.Amount.Equal(dec("5")) || !long.Leverage.Equal(dec("2")) {
		t.Fatalf("unexpected long position %+v", long)
	}
	short := ev.Positions[1]
	if short.Side != schema.PositionSideShort || !short.Amount.Equal(dec("5")) {
		t.Fatalf("unexpected short position %+v", short)
	}

	signed := mustNormalize(t, n, `{"feed":"open_positions","positions":[{"instrument":"PF_XBTUSD","balance":"-5"}],"timestamp":1700000000000}`).(PositionEvents)
	if p := signed.Positions[0]; p.Side != schema.PositionSideShort || !p.Amount.Equal(dec("5")) {
		t.Fatalf("signed balance must become SHORT 5, got %+v", p)
	}
	if signed.Sequence != 1700000000000 {
		t.Fatalf("sequence must derive from the timestamp, got %d", signed.Sequence)
	}
}

func TestBalancesFeed(t *testing.T) {
	n := newTestNormalizer()
	ev := mustNormalize(t, n, `{"feed":"balances","flex_futures":{"currencies":{"USD":{"quantity":"1000","available":"900"},"XBT":{"quantity":"0.5"}}},"holding":{"USD":"5","eth":"2"},"seq":3}`).(BalanceEvents)
	if ev.Sequence != 3 || len(ev.Balances) != 3 {
		t.Fatalf("unexpected balances %#v", ev)
	}
	byAsset := map[string]schema.BalanceUpdate{}
	for _, b := range ev.Balances {
		byAsset[b.Asset] = b
	}
	if usd := byAsset["USD"]; !usd.Total.Equal(dec("1000")) || !usd.Available.Equal(dec("900")) {
		t.Fatalf("collateral currency must win over holding, got %+v", usd)
	}
	if btc := byAsset["BTC"]; !btc.Available.Equal(dec("0.5")) {
		t.Fatalf("missing available falls back to quantity, got %+v", btc)
	}
	if eth := byAsset["ETH"]; !eth.Total.Equal(dec("2")) {
		t.Fatalf("holding-only asset missing, got %+v", eth)
	}
}

func TestHistoryPage(t *testing.T) {
	n := newTestNormalizer()
	ev := mustNormalize(t, n, `{"elements":[
		{"uid":"1","timestamp":1700000000000,"event":{"OrderPlaced":{"order":{"uid":"E1","clientId":"C1","tradeable":"PF_XBTUSD","direction":"Buy","quantity":"2","filled":"0"},"reason":"new_user_order"}}},
		{"uid":"2","timestamp":1700000001000,"event":{"OrderUpdated":{"oldOrder":{"uid":"E1","clientId":"C1","quantity":"2","filled":"0"},"newOrder":{"uid":"E1","clientId":"C1","tradeable":"PF_XBTUSD","quantity":"2","filled":"2"},"reason":"full_fill"}}},
		{"uid":"3","timestamp":1700000002000,"event":{"OrderCancelled":{"order":{"uid":"E2","clientId":"C2","tradeable":"PF_ETHUSD","quantity":"1","filled":"0"},"reason":"cancelled_by_user"}}},
		{"uid":"4","timestamp":1700000003000,"event":{"OrderNotFound":{"orderId":"E3","clientId":"C3"}}},
		{"uid":"5","timestamp":1700000004000,"event":{"OrderEditRejected":{"orderId":"E4"}}},
		{"uid":"6","timestamp":1700000005000,"event":{"OrderPlaced":{"order":{"tradeable":"PF_XBTUSD"}}}}
	],"continuationToken":"abc"}`)

	batch, ok := ev.(Batch)
	if !ok {
		t.Fatalf("expected batch, got %#v", ev)
	}
	flat := Flatten(batch)
	if len(flat) != 2 {
		t.Fatalf("expected order and not-found events, got %#v", flat)
	}
	orders := flat[0].(OrderEvents).Updates
	if len(orders) != 3 {
		t.Fatalf("expected 3 order updates, got %+v", orders)
	}
	if orders[0].NewState != schema.OrderStateOpen || orders[1].NewState != schema.OrderStateFilled || orders[2].NewState != schema.OrderStateCanceled {
		t.Fatalf("unexpected states %+v", orders)
	}
	if !orders[0].UpdateTimestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("element timestamp should stand in, got %s", orders[0].UpdateTimestamp)
	}
	if orders[2].TradingPair != "ETH-USD" || orders[2].ClientOrderID != "C2" || orders[2].ExchangeOrderID != "E2" {
		t.Fatalf("unexpected cancel update %+v", orders[2])
	}
	notFound := flat[1].(NotFoundEvents).Orders
	if len(notFound) != 1 || notFound[0] != (OrderRef{ClientOrderID: "C3", ExchangeOrderID: "E3"}) {
		t.Fatalf("unexpected not found refs %+v", notFound)
	}
}

func TestHistoryPartialFillAndUnknownElement(t *testing.T) {
	n := newTestNormalizer()
	ev := mustNormalize(t, n, `{"uid":"2","timestamp":1700000001000,"event":{"OrderUpdated":{"newOrder":{"uid":"E1","clientId":"C1","quantity":"2","filled":"1"},"reason":"partial_fill"}}}`)
	if got := ev.(OrderEvents).Updates[0].NewState; got != schema.OrderStatePartiallyFilled {
		t.Fatalf("unexpected state %s", got)
	}
	unknown := mustNormalize(t, n, `{"uid":"9","event":{"OrderEditRejected":{"orderId":"E4"}}}`)
	if unknown != (Unrecognized{Feed: "history:OrderEditRejected"}) {
		t.Fatalf("unexpected event %#v", unknown)
	}
}

func TestRESTOrderStatus(t *testing.T) {
	n := newTestNormalizer()
	ev := mustNormalize(t, n, `{"result":"success","orders":[
		{"order":{"type":"ORDER","orderId":"E1","cliOrdId":"C1","symbol":"PF_XBTUSD","side":"buy","quantity":2,"filled":1,"limitPrice":100,"timestamp":"2024-05-01T11:00:00.000Z","lastUpdateTimestamp":"2024-05-01T11:30:00.000Z"},"status":"ENTERED_BOOK","updateReason":null,"error":null},
		{"order":{"orderId":"E2","cliOrdId":"C2","symbol":"PF_ETHUSD","quantity":1,"filled":1},"status":"FULLY_EXECUTED"},
		{"order":{"orderId":"E3","symbol":"PF_ETHUSD","quantity":1,"filled":0},"status":"CANCELLED"},
		{"order":{"orderId":"E4","quantity":1},"status":"SOMETHING_NEW"}
	],"serverTime":"2024-05-01T12:00:00.000Z"}`).(OrderEvents)
	if len(ev.Updates) != 3 {
		t.Fatalf("unknown status must be skipped, got %+v", ev.Updates)
	}
	want := []schema.OrderState{schema.OrderStatePartiallyFilled, schema.OrderStateFilled, schema.OrderStateCanceled}
	for i, state := range want {
		if ev.Updates[i].NewState != state {
			t.Fatalf("update %d state %s, want %s", i, ev.Updates[i].NewState, state)
		}
	}
	if ts := ev.Updates[0].UpdateTimestamp; !ts.Equal(time.Date(2024, 5, 1, 11, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %s", ts)
	}
}

func TestCancelStatus(t *testing.T) {
	n := newTestNormalizer()
	ev := mustNormalize(t, n, `{"result":"success","cancelStatus":{"status":"cancelled","order_id":"E1","receivedTime":"2024-05-01T11:59:00.000Z","orderEvents":[{"uid":"E1","order":{"orderId":"E1","cliOrdId":"C1","symbol":"PF_XBTUSD","quantity":1,"filled":0},"type":"CANCEL"}]}}`).(OrderEvents)
	if len(ev.Updates) != 1 || ev.Updates[0].NewState != schema.OrderStateCanceled || ev.Updates[0].ClientOrderID != "C1" {
		t.Fatalf("unexpected cancel events %+v", ev)
	}

	missing, err := n.Resolve([]byte(`{"result":"success","cancelStatus":{"status":"notFound","receivedTime":"2024-05-01T11:59:00.000Z"}}`), OrderRef{ClientOrderID: "C9", ExchangeOrderID: "E9"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	refs := missing.(NotFoundEvents).Orders
	if len(refs) != 1 || refs[0] != (OrderRef{ClientOrderID: "C9", ExchangeOrderID: "E9"}) {
		t.Fatalf("unexpected not found refs %+v", refs)
	}
}

func TestSendStatus(t *testing.T) {
	n := newTestNormalizer()
	ev := mustNormalize(t, n, `{"result":"success","sendStatus":{"order_id":"E1","status":"placed","receivedTime":"2024-05-01T11:59:00.000Z","orderEvents":[
		{"order":{"orderId":"E1","cliOrdId":"C1","symbol":"PF_XBTUSD","quantity":2,"filled":0,"lastUpdateTimestamp":"2024-05-01T11:59:00.000Z"},"type":"PLACE"},
		{"type":"EXECUTION","executionId":"X1","price":100,"amount":2,"orderPriorExecution":{"orderId":"E1","cliOrdId":"C1","symbol":"PF_XBTUSD","quantity":2,"filled":0}}
	]}}`)
	flat := Flatten(ev)
	if len(flat) != 2 {
		t.Fatalf("expected trades then orders, got %#v", flat)
	}
	trade := flat[0].(TradeEvents).Trades[0]
	if trade.TradeID != "X1" || !trade.IsTaker || !trade.FillBaseAmount.Equal(dec("2")) || trade.Origin != schema.TradeOriginLive {
		t.Fatalf("unexpected inline execution %+v", trade)
	}
	updates := flat[1].(OrderEvents).Updates
	if len(updates) != 2 || updates[0].NewState != schema.OrderStateOpen || updates[1].NewState != schema.OrderStateFilled {
		t.Fatalf("unexpected inline order updates %+v", updates)
	}

	rejected, err := n.Resolve([]byte(`{"result":"success","sendStatus":{"status":"insufficientAvailableFunds","receivedTime":"2024-05-01T11:59:00.000Z"}}`), OrderRef{ClientOrderID: "C5"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	update := rejected.(OrderEvents).Updates[0]
	if update.ClientOrderID != "C5" || update.NewState != schema.OrderStateFailed || update.Reason != "insufficientAvailableFunds" {
		t.Fatalf("unexpected rejection %+v", update)
	}
}

func TestRESTFillsPositionsAndAccounts(t *testing.T) {
	n := newTestNormalizer()
	fills := mustNormalize(t, n, `{"result":"success","fills":[{"fill_id":"F1","symbol":"PF_XBTUSD","side":"buy","order_id":"E1","cliOrdId":"C1","size":1,"price":100,"fillTime":"2024-05-01T11:00:00.000Z","fillType":"taker"}]}`).(TradeEvents)
	if trade := fills.Trades[0]; trade.Origin != schema.TradeOriginHistory || !trade.IsTaker || trade.ClientOrderID != "C1" {
		t.Fatalf("unexpected REST fill %+v", trade)
	}

	positions := mustNormalize(t, n, `{"result":"success","openPositions":[{"side":"short","symbol":"PF_XBTUSD","price":100,"size":3,"unrealizedFunding":0.1}]}`).(PositionEvents)
	if p := positions.Positions[0]; p.Side != schema.PositionSideShort || !p.Amount.Equal(dec("3")) || !p.EntryPrice.Equal(dec("100")) {
		t.Fatalf("unexpected REST position %+v", p)
	}
	if positions.Sequence != fixedNow.UnixMilli() {
		t.Fatalf("REST sequence should be the poll time, got %d", positions.Sequence)
	}

	accounts := mustNormalize(t, n, `{"result":"success","accounts":{"flex":{"currencies":{"USD":{"quantity":10,"available":8}}},"cash":{"balances":{"xbt":0.1}}}}`).(BalanceEvents)
	if len(accounts.Balances) != 2 || accounts.Balances[0].Asset != "USD" || accounts.Balances[1].Asset != "BTC" {
		t.Fatalf("unexpected REST balances %+v", accounts.Balances)
	}
}

func TestMalformedPayloads(t *testing.T) {
	n := newTestNormalizer()
	for _, payload := range []string{
		`not json`,
		`{"foo":1}`,
		`{"feed":"fills","fills":[{"cli_ord_id":"X","price":"100"}]}`,
		`{"feed":"fills","fills":[{"cli_ord_id":"X","qty":"abc","price":"100"}]}`,
		`{"feed":"open_positions","positions":[{"instrument":"PF_XBTUSD","side":"sideways","amount":"1"}]}`,
	} {
		if _, err := n.Normalize([]byte(payload)); !errs.IsCode(err, errs.CodeMalformed) {
			t.Fatalf("payload %s: expected malformed error, got %v", payload, err)
		}
	}
}
