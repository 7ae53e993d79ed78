package orderbook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenperp/internal/domain/schema"
)

const pair = "BTC-USD"

func lvl(price, size string) schema.PriceLevel {
	return schema.PriceLevel{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

func snapshot(id int64, bids, asks []schema.PriceLevel) schema.OrderBookMessage {
	return schema.OrderBookMessage{Type: schema.OrderBookSnapshot, TradingPair: pair, UpdateID: id, Bids: bids, Asks: asks}
}

func bidDiff(id int64, price, size string) schema.OrderBookMessage {
	return schema.OrderBookMessage{Type: schema.OrderBookDiff, TradingPair: pair, UpdateID: id, Bids: []schema.PriceLevel{lvl(price, size)}}
}

func askDiff(id int64, price, size string) schema.OrderBookMessage {
	return schema.OrderBookMessage{Type: schema.OrderBookDiff, TradingPair: pair, UpdateID: id, Asks: []schema.PriceLevel{lvl(price, size)}}
}

type fakeSource struct {
	mu       sync.Mutex
	calls    []int64
	failures int
	result   schema.OrderBookMessage
}

func (f *fakeSource) FetchSnapshot(_ context.Context, _ string, minUpdateID int64) (schema.OrderBookMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, minUpdateID)
	if f.failures > 0 {
		f.failures--
		return schema.OrderBookMessage{}, errors.New("rest unavailable")
	}
	return f.result, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestContiguousDiffsMatchCumulativeUpserts(t *testing.T) {
	s := NewSynchronizer(Options{})
	ctx := context.Background()

	s.Process(ctx, snapshot(10, []schema.PriceLevel{lvl("100", "1"), lvl("99", "2")}, []schema.PriceLevel{lvl("101", "1")}))
	for _, msg := range []schema.OrderBookMessage{
		bidDiff(11, "100", "3"),
		bidDiff(12, "99", "0"),
		askDiff(13, "102", "4"),
		bidDiff(14, "98.5", "1.25"),
	} {
		if out := s.Process(ctx, msg); len(out) != 1 {
			t.Fatalf("diff %d should be forwarded", msg.UpdateID)
		}
	}

	book, ok := s.Book(pair)
	if !ok {
		t.Fatalf("expected book for %s", pair)
	}
	bids := book.Bids()
	if len(bids) != 2 || !bids[0].Size.Equal(decimal.NewFromInt(3)) || !bids[1].Price.Equal(decimal.RequireFromString("98.5")) {
		t.Fatalf("unexpected bids %+v", bids)
	}
	if _, ok := book.Size(true, decimal.NewFromInt(99)); ok {
		t.Fatalf("zero size must remove level 99")
	}
	asks := book.Asks()
	if len(asks) != 2 || !asks[0].Price.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("unexpected asks %+v", asks)
	}
	if got := s.Sequences().LastApplied(pair); got != 14 {
		t.Fatalf("expected last applied 14, got %d", got)
	}
}

func TestStaleDiffIsNoop(t *testing.T) {
	s := NewSynchronizer(Options{})
	ctx := context.Background()
	s.Process(ctx, snapshot(50, []schema.PriceLevel{lvl("100", "1")}, nil))

	if out := s.Process(ctx, bidDiff(50, "100", "7")); out != nil {
		t.Fatalf("stale diff must not be forwarded")
	}
	if out := s.Process(ctx, bidDiff(42, "100", "7")); out != nil {
		t.Fatalf("older diff must not be forwarded")
	}
	book, _ := s.Book(pair)
	if size, _ := book.Size(true, decimal.NewFromInt(100)); !size.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("stale diff changed the book: %s", size)
	}
	if got := s.Sequences().LastApplied(pair); got != 50 {
		t.Fatalf("stale diff moved the sequence to %d", got)
	}
}

func TestDiffsBeforeSnapshotAreDropped(t *testing.T) {
	s := NewSynchronizer(Options{})
	if out := s.Process(context.Background(), bidDiff(1, "100", "1")); out != nil {
		t.Fatalf("diff without baseline must be dropped")
	}
	if state, _ := s.Sequences().State(pair); state != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", state)
	}
}

func runSynchronizer(t *testing.T, s *Synchronizer) (chan schema.OrderBookMessage, chan schema.OrderBookMessage, func()) {
	t.Helper()
	in := make(chan schema.OrderBookMessage)
	out := make(chan schema.OrderBookMessage, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, in, out) }()
	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("synchronizer did not stop")
		}
	}
	return in, out, stop
}

func expectMessage(t *testing.T, out <-chan schema.OrderBookMessage) schema.OrderBookMessage {
	t.Helper()
	select {
	case msg := <-out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for book message")
		return schema.OrderBookMessage{}
	}
}

func TestGapTriggersSingleResync(t *testing.T) {
	source := &fakeSource{result: schema.OrderBookMessage{
		Type:     schema.OrderBookSnapshot,
		UpdateID: 105,
		Bids:     []schema.PriceLevel{lvl("100", "5")},
		Asks:     []schema.PriceLevel{lvl("101", "5")},
	}}
	s := NewSynchronizer(Options{Source: source, RetryDelay: 10 * time.Millisecond})
	in, out, stop := runSynchronizer(t, s)
	defer stop()

	in <- snapshot(100, []schema.PriceLevel{lvl("100", "1")}, []schema.PriceLevel{lvl("101", "1")})
	expectMessage(t, out)

	in <- bidDiff(103, "99", "9")
	in <- bidDiff(104, "98", "9")

	resynced := expectMessage(t, out)
	if resynced.Type != schema.OrderBookSnapshot || resynced.UpdateID != 105 || resynced.TradingPair != pair {
		t.Fatalf("unexpected resync message %+v", resynced)
	}
	if got := source.callCount(); got != 1 {
		t.Fatalf("expected exactly one snapshot request, got %d", got)
	}
	if got := s.Sequences().LastApplied(pair); got != 105 {
		t.Fatalf("expected last applied 105, got %d", got)
	}
	book, _ := s.Book(pair)
	if _, ok := book.Size(true, decimal.NewFromInt(99)); ok {
		t.Fatalf("diff 103 must never be applied")
	}

	in <- bidDiff(106, "99", "2")
	if applied := expectMessage(t, out); applied.UpdateID != 106 {
		t.Fatalf("expected diff 106 after resync, got %d", applied.UpdateID)
	}
}

func TestResyncRetriesAtFixedDelay(t *testing.T) {
	source := &fakeSource{failures: 2, result: snapshot(20, nil, nil)}
	s := NewSynchronizer(Options{Source: source, RetryDelay: 5 * time.Millisecond})
	in, out, stop := runSynchronizer(t, s)
	defer stop()

	in <- snapshot(10, nil, nil)
	expectMessage(t, out)
	in <- bidDiff(15, "100", "1")

	if msg := expectMessage(t, out); msg.UpdateID != 20 {
		t.Fatalf("expected snapshot 20, got %d", msg.UpdateID)
	}
	if got := source.callCount(); got != 3 {
		t.Fatalf("expected two failures then success, got %d calls", got)
	}
}

func TestStreamSnapshotSupersedesPendingResync(t *testing.T) {
	block := make(chan struct{})
	source := &blockingSource{release: block}
	s := NewSynchronizer(Options{Source: source, RetryDelay: time.Millisecond})
	ctx := context.Background()

	s.Process(ctx, snapshot(1, nil, nil))
	s.Process(ctx, bidDiff(5, "100", "1"))
	s.Process(ctx, snapshot(9, nil, nil))
	close(block)

	if state, last := s.Sequences().State(pair); state != StateSynced || last != 9 {
		t.Fatalf("expected synced at 9, got %s/%d", state, last)
	}
	s.ResetAll()
	if state, _ := s.Sequences().State(pair); state != StateUninitialized {
		t.Fatalf("expected uninitialized after reset, got %s", state)
	}
}

type blockingSource struct {
	release chan struct{}
}

func (b *blockingSource) FetchSnapshot(ctx context.Context, _ string, _ int64) (schema.OrderBookMessage, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return schema.OrderBookMessage{}, ctx.Err()
}

func TestClosedInputResetsState(t *testing.T) {
	s := NewSynchronizer(Options{})
	in := make(chan schema.OrderBookMessage, 1)
	out := make(chan schema.OrderBookMessage, 1)
	in <- snapshot(7, nil, nil)
	close(in)
	if err := s.Run(context.Background(), in, out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := s.Sequences().LastApplied(pair); got != -1 {
		t.Fatalf("expected reset after stream end, got %d", got)
	}
}

// stampingSource blocks until released and stamps the snapshot with the requested id,
// the way the venue REST book does.
type stampingSource struct {
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (s *stampingSource) FetchSnapshot(ctx context.Context, pair string, minUpdateID int64) (schema.OrderBookMessage, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	select {
	case <-s.release:
	case <-ctx.Done():
		return schema.OrderBookMessage{}, ctx.Err()
	}
	return schema.OrderBookMessage{
		Type:        schema.OrderBookSnapshot,
		TradingPair: pair,
		UpdateID:    max(minUpdateID, 0),
		Bids:        []schema.PriceLevel{lvl("100", "5")},
	}, nil
}

func (s *stampingSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestDiffsDuringResyncMoveTheBaseline(t *testing.T) {
	source := &stampingSource{release: make(chan struct{})}
	s := NewSynchronizer(Options{Source: source, RetryDelay: 10 * time.Millisecond})
	in, out, stop := runSynchronizer(t, s)
	defer stop()

	in <- snapshot(100, []schema.PriceLevel{lvl("100", "1")}, nil)
	expectMessage(t, out)

	in <- bidDiff(103, "99", "9")
	in <- bidDiff(104, "98", "9")
	in <- bidDiff(105, "97", "9")
	close(source.release)

	resynced := expectMessage(t, out)
	if resynced.Type != schema.OrderBookSnapshot || resynced.UpdateID != 105 {
		t.Fatalf("expected resync snapshot at 105, got %s/%d", resynced.Type, resynced.UpdateID)
	}

	in <- bidDiff(106, "99", "2")
	if applied := expectMessage(t, out); applied.UpdateID != 106 {
		t.Fatalf("expected diff 106 after resync, got %d", applied.UpdateID)
	}
	if state, last := s.Sequences().State(pair); state != StateSynced || last != 106 {
		t.Fatalf("expected synced at 106, got %s/%d", state, last)
	}
	if got := source.callCount(); got != 1 {
		t.Fatalf("expected one snapshot request, got %d", got)
	}
}

func TestCancelWhileSendBlockedResetsState(t *testing.T) {
	s := NewSynchronizer(Options{})
	in := make(chan schema.OrderBookMessage, 1)
	out := make(chan schema.OrderBookMessage)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, in, out) }()

	in <- snapshot(100, []schema.PriceLevel{lvl("100", "1")}, nil)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if state, _ := s.Sequences().State(pair); state == StateSynced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot was never applied")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("synchronizer did not stop")
	}
	if state, last := s.Sequences().State(pair); state != StateUninitialized || last != -1 {
		t.Fatalf("expected uninitialized after teardown, got %s/%d", state, last)
	}
	if book, ok := s.Book(pair); ok && len(book.Bids()) != 0 {
		t.Fatalf("book must be cleared after teardown, got %+v", book.Bids())
	}
}
