package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenperp/errs"
	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/tracker"
	"github.com/coachpo/krakenperp/internal/userstream"
)

var created = time.Unix(1700000000, 0).UTC()

type fakeSource struct {
	mu         sync.Mutex
	status     func(refs []userstream.OrderRef) ([]schema.OrderUpdate, error)
	history    []schema.OrderUpdate
	historyErr error
	fills      []schema.TradeUpdate
	fillsErr   error

	statusCalls  int
	historyCalls int
	fillCalls    int
	historySince time.Time
}

func (f *fakeSource) OrderStatus(_ context.Context, refs []userstream.OrderRef) ([]schema.OrderUpdate, error) {
	f.mu.Lock()
	f.statusCalls++
	f.mu.Unlock()
	if f.status == nil {
		return nil, nil
	}
	return f.status(refs)
}

func (f *fakeSource) OrderHistory(_ context.Context, since time.Time) ([]schema.OrderUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	f.historySince = since
	return f.history, f.historyErr
}

func (f *fakeSource) Fills(context.Context, time.Time) ([]schema.TradeUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fillCalls++
	return f.fills, f.fillsErr
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T, source *fakeSource, ids ...string) (*Reconciler, *tracker.Tracker) {
	t.Helper()
	tr := tracker.New(tracker.Options{Exchange: "kraken", Clock: func() time.Time { return created }})
	for _, id := range ids {
		err := tr.Start(schema.TrackedOrder{
			ClientOrderID: id,
			TradingPair:   "BTC-USD",
			TradeType:     schema.TradeTypeBuy,
			OrderType:     schema.OrderTypeLimit,
			Price:         dec("100"),
			Amount:        dec("1"),
		})
		if err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	r, err := New(Options{Exchange: "kraken", Source: source, Tracker: tr, Workers: 2, BatchSize: 1})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	t.Cleanup(r.Close)
	return r, tr
}

func trade(id, clientID, base string) schema.TradeUpdate {
	return schema.TradeUpdate{
		TradeID:         id,
		ClientOrderID:   clientID,
		TradingPair:     "BTC-USD",
		FillBaseAmount:  dec(base),
		FillQuoteAmount: dec(base).Mul(dec("100")),
		FillPrice:       dec("100"),
		Fee:             schema.Fee{Token: "USD", Amount: dec("0.01")},
	}
}

func state(t *testing.T, tr *tracker.Tracker, id string) schema.TrackedOrder {
	t.Helper()
	order, ok := tr.Order(id)
	if !ok {
		t.Fatalf("order %s not tracked", id)
	}
	return order
}

func TestNewRequiresSourceAndTracker(t *testing.T) {
	if _, err := New(Options{Exchange: "kraken"}); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestStatusThenHistory(t *testing.T) {
	source := &fakeSource{
		status: func(refs []userstream.OrderRef) ([]schema.OrderUpdate, error) {
			var out []schema.OrderUpdate
			for _, ref := range refs {
				if ref.ClientOrderID == "A" {
					out = append(out, schema.OrderUpdate{ClientOrderID: "A", ExchangeOrderID: "EA", NewState: schema.OrderStateOpen})
				}
			}
			return out, nil
		},
		history: []schema.OrderUpdate{
			{ClientOrderID: "B", NewState: schema.OrderStateCanceled},
			{ClientOrderID: "unrelated", NewState: schema.OrderStateCanceled},
		},
	}
	r, tr := setup(t, source, "A", "B")

	if err := r.UpdateOrderStatus(context.Background()); err != nil {
		t.Fatalf("update order status: %v", err)
	}
	if got := state(t, tr, "A"); got.State != schema.OrderStateOpen || got.ExchangeOrderID != "EA" {
		t.Fatalf("unexpected order A %+v", got)
	}
	if got := state(t, tr, "B"); got.State != schema.OrderStateCanceled {
		t.Fatalf("order B should be canceled from history, got %s", got.State)
	}
	if source.statusCalls != 2 {
		t.Fatalf("expected one status call per batch, got %d", source.statusCalls)
	}
	if source.historyCalls != 1 || !source.historySince.Equal(created.Add(-defaultLookback)) {
		t.Fatalf("unexpected history calls %d since %s", source.historyCalls, source.historySince)
	}
	if source.fillCalls != 0 {
		t.Fatalf("fills must not be queried, got %d calls", source.fillCalls)
	}
}

func TestFilledInHistoryBackfillsFills(t *testing.T) {
	source := &fakeSource{
		history: []schema.OrderUpdate{{ClientOrderID: "A", NewState: schema.OrderStateFilled}},
		fills:   []schema.TradeUpdate{trade("T1", "A", "1")},
	}
	r, tr := setup(t, source, "A")
	var notified int
	tr.OnTradeUpdate(func(tracker.TradeFill) { notified++ })

	if err := r.UpdateOrderStatus(context.Background()); err != nil {
		t.Fatalf("update order status: %v", err)
	}
	got := state(t, tr, "A")
	if got.State != schema.OrderStateFilled || !got.ExecutedAmountBase.Equal(dec("1")) {
		t.Fatalf("expected filled order with backfilled amount, got %+v", got)
	}
	if notified != 0 {
		t.Fatalf("backfilled fills must not notify, got %d", notified)
	}
}

func TestFillInferenceAndNotFound(t *testing.T) {
	source := &fakeSource{fills: []schema.TradeUpdate{trade("T1", "A", "0.5")}}
	r, tr := setup(t, source, "A", "B")
	var signals []tracker.NotFoundSignal
	tr.OnOrderNotFound(func(s tracker.NotFoundSignal) { signals = append(signals, s) })

	for i := 0; i < 3; i++ {
		if err := r.UpdateOrderStatus(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i+1, err)
		}
	}

	a := state(t, tr, "A")
	if a.State != schema.OrderStatePartiallyFilled || a.NotFoundCount != 0 || !a.ExecutedAmountBase.Equal(dec("0.5")) {
		t.Fatalf("order A should be inferred from its fill, got %+v", a)
	}
	b := state(t, tr, "B")
	if b.State != schema.OrderStateFailed {
		t.Fatalf("order B should fail after three not-found passes, got %s", b.State)
	}
	if len(signals) != 3 || !signals[2].Failed {
		t.Fatalf("unexpected not-found signals %+v", signals)
	}
}

func TestStatusFailureNeverCountsAsNotFound(t *testing.T) {
	boom := errs.Transport("kraken", errors.New("connection reset"))
	source := &fakeSource{
		status: func([]userstream.OrderRef) ([]schema.OrderUpdate, error) { return nil, boom },
	}
	r, tr := setup(t, source, "A")

	err := r.UpdateOrderStatus(context.Background())
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("expected status error, got %v", err)
	}
	if source.historyCalls != 0 || source.fillCalls != 0 {
		t.Fatalf("failed orders must skip later tiers")
	}
	if got := state(t, tr, "A"); got.NotFoundCount != 0 || got.State != schema.OrderStatePendingCreate {
		t.Fatalf("order must be left alone, got %+v", got)
	}
}

func TestHistoryFailureSkipsNotFound(t *testing.T) {
	source := &fakeSource{historyErr: errors.New("history down")}
	r, tr := setup(t, source, "A")

	if err := r.UpdateOrderStatus(context.Background()); err == nil {
		t.Fatalf("expected history error")
	}
	if source.fillCalls != 0 {
		t.Fatalf("fills must not be queried without a history answer")
	}
	if got := state(t, tr, "A"); got.NotFoundCount != 0 {
		t.Fatalf("history failure must not count as not found, got %d", got.NotFoundCount)
	}
}

func TestNoActiveOrdersIsNoop(t *testing.T) {
	source := &fakeSource{}
	r, _ := setup(t, source)
	if err := r.UpdateOrderStatus(context.Background()); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if source.statusCalls != 0 {
		t.Fatalf("no requests expected, got %d", source.statusCalls)
	}
}

func TestApplyRoutesEvents(t *testing.T) {
	r, tr := setup(t, &fakeSource{}, "A", "B")
	tr.SetExchangeOrderID("B", "EB")

	err := r.Apply(userstream.Batch{Events: []userstream.Event{
		userstream.TradeEvents{Trades: []schema.TradeUpdate{trade("T1", "A", "0.25")}},
		userstream.OrderEvents{Updates: []schema.OrderUpdate{{ClientOrderID: "A", NewState: schema.OrderStateCanceled}}},
	}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	a := state(t, tr, "A")
	if a.State != schema.OrderStateCanceled || !a.ExecutedAmountBase.Equal(dec("0.25")) {
		t.Fatalf("unexpected order A %+v", a)
	}

	if err := r.Apply(userstream.NotFoundEvents{Orders: []userstream.OrderRef{{ExchangeOrderID: "EB"}, {ClientOrderID: "ghost"}}}); err != nil {
		t.Fatalf("apply not found: %v", err)
	}
	if b := state(t, tr, "B"); b.NotFoundCount != 1 {
		t.Fatalf("not-found by exchange id should count, got %d", b.NotFoundCount)
	}

	err = r.Apply(userstream.FeedError{Message: "invalidArgument"})
	if !errs.IsCode(err, errs.CodeExchange) {
		t.Fatalf("expected exchange error, got %v", err)
	}
}
