package orderbook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/krakenperp/errs"
	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/observability"
)

const defaultRetryDelay = 5 * time.Second

// ErrGapDetected marks a diff whose update id skipped past the expected next id.
// It never leaves the synchronizer; it is attached to gap log entries.
var ErrGapDetected = errors.New("orderbook: sequence gap detected")

// SnapshotSource fetches a full book over REST. The returned message must be a
// snapshot whose UpdateID is at least minUpdateID.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, pair string, minUpdateID int64) (schema.OrderBookMessage, error)
}

// Options configure a Synchronizer.
type Options struct {
	Source     SnapshotSource
	RetryDelay time.Duration
	Depth      int
	Logger     observability.Logger
	Metrics    *observability.Metrics
}

type resyncResult struct {
	pair     string
	snapshot schema.OrderBookMessage
	err      error
	started  time.Time
}

// Synchronizer applies snapshots and diffs to per-pair books. On a sequence gap it
// requests exactly one REST snapshot for the pair, retried at a fixed delay, and drops
// diffs for that pair until the snapshot has been applied.
type Synchronizer struct {
	source     SnapshotSource
	retryDelay time.Duration
	depth      int
	logger     observability.Logger
	metrics    *observability.Metrics

	seq     *SequenceTracker
	results chan resyncResult

	mu       sync.Mutex
	books    map[string]*Book
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewSynchronizer constructs a synchronizer. A nil Source disables gap recovery:
// the pair stays parked until the stream delivers a snapshot.
func NewSynchronizer(opts Options) *Synchronizer {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.ConnectorMetrics()
	}
	return &Synchronizer{
		source:     opts.Source,
		retryDelay: opts.RetryDelay,
		depth:      opts.Depth,
		logger:     observability.Component(opts.Logger, "orderbook"),
		metrics:    opts.Metrics,
		seq:        NewSequenceTracker(),
		results:    make(chan resyncResult),
		books:      make(map[string]*Book),
		inflight:   make(map[string]context.CancelFunc),
	}
}

// Sequences exposes the per-pair sequence state.
func (s *Synchronizer) Sequences() *SequenceTracker {
	return s.seq
}

// Book returns the local book of pair.
func (s *Synchronizer) Book(pair string) (*Book, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	book, ok := s.books[pair]
	return book, ok
}

// Run consumes in until it closes or ctx ends, forwarding every applied message to out.
// Resync snapshots are applied from the same loop. Every pair is reset when Run returns.
func (s *Synchronizer) Run(ctx context.Context, in <-chan schema.OrderBookMessage, out chan<- schema.OrderBookMessage) error {
	defer s.wg.Wait()
	defer s.ResetAll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			for _, emitted := range s.Process(ctx, msg) {
				if err := send(ctx, out, emitted); err != nil {
					return err
				}
			}
		case result := <-s.results:
			emitted, ok := s.completeResync(result)
			if !ok {
				continue
			}
			if err := send(ctx, out, emitted); err != nil {
				return err
			}
		}
	}
}

func send(ctx context.Context, out chan<- schema.OrderBookMessage, msg schema.OrderBookMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- msg:
		return nil
	}
}

// Process handles one stream message and returns what should be forwarded.
// ctx bounds any resync the message triggers.
func (s *Synchronizer) Process(ctx context.Context, msg schema.OrderBookMessage) []schema.OrderBookMessage {
	switch msg.Type {
	case schema.OrderBookSnapshot:
		s.applySnapshot(msg)
		return []schema.OrderBookMessage{msg}
	case schema.OrderBookDiff:
		if s.applyDiff(ctx, msg) {
			return []schema.OrderBookMessage{msg}
		}
		return nil
	case schema.OrderBookTrade:
		return []schema.OrderBookMessage{msg}
	default:
		s.logger.Debug("ignoring book message", observability.F("type", string(msg.Type)))
		return nil
	}
}

func (s *Synchronizer) applySnapshot(msg schema.OrderBookMessage) {
	s.mu.Lock()
	if cancel, ok := s.inflight[msg.TradingPair]; ok {
		cancel()
		delete(s.inflight, msg.TradingPair)
	}
	book := s.bookLocked(msg.TradingPair)
	s.mu.Unlock()

	book.Replace(msg.UpdateID, msg.Bids, msg.Asks, msg.Timestamp)
	s.seq.MarkSynced(msg.TradingPair, msg.UpdateID)
}

func (s *Synchronizer) applyDiff(ctx context.Context, msg schema.OrderBookMessage) bool {
	pair := msg.TradingPair
	switch s.seq.Classify(pair, msg.UpdateID) {
	case VerdictApply:
		s.mu.Lock()
		book := s.bookLocked(pair)
		s.mu.Unlock()
		book.Apply(msg.UpdateID, msg.Bids, msg.Asks, msg.Timestamp)
		s.seq.Advance(pair, msg.UpdateID)
		return true
	case VerdictStale:
		return false
	case VerdictGap:
		last := s.seq.LastApplied(pair)
		s.logger.Warn("sequence gap detected",
			observability.F("pair", pair),
			observability.F("expected", last+1),
			observability.F("received", msg.UpdateID),
			observability.Err(ErrGapDetected))
		s.metrics.BookGap(ctx, pair)
		s.seq.MarkAwaitingResync(pair, msg.UpdateID)
		s.startResync(ctx, pair, msg.UpdateID)
		return false
	default:
		s.seq.NoteDropped(pair, msg.UpdateID)
		s.metrics.DroppedDiff(ctx, pair)
		return false
	}
}

func (s *Synchronizer) bookLocked(pair string) *Book {
	book, ok := s.books[pair]
	if !ok {
		book = NewBook(s.depth)
		s.books[pair] = book
	}
	return book
}

func (s *Synchronizer) startResync(ctx context.Context, pair string, minUpdateID int64) {
	if s.source == nil {
		s.logger.Warn("no snapshot source; waiting for stream snapshot", observability.F("pair", pair))
		return
	}
	s.mu.Lock()
	if _, busy := s.inflight[pair]; busy {
		s.mu.Unlock()
		return
	}
	resyncCtx, cancel := context.WithCancel(ctx)
	s.inflight[pair] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		started := time.Now()
		snapshot, err := backoff.Retry(resyncCtx,
			func() (schema.OrderBookMessage, error) {
				return s.source.FetchSnapshot(resyncCtx, pair, minUpdateID)
			},
			backoff.WithBackOff(backoff.NewConstantBackOff(s.retryDelay)),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				s.metrics.BookResyncError(resyncCtx, pair)
				s.logger.Warn("order book snapshot request failed; retrying",
					observability.F("pair", pair),
					observability.F("retry_in", next.String()),
					observability.Err(err))
			}),
		)
		select {
		case s.results <- resyncResult{pair: pair, snapshot: snapshot, err: err, started: started}:
		case <-resyncCtx.Done():
		}
	}()
}

func (s *Synchronizer) completeResync(result resyncResult) (schema.OrderBookMessage, bool) {
	s.mu.Lock()
	cancel, ok := s.inflight[result.pair]
	if ok {
		cancel()
		delete(s.inflight, result.pair)
	}
	s.mu.Unlock()
	if !ok || result.err != nil {
		return schema.OrderBookMessage{}, false
	}
	if state, _ := s.seq.State(result.pair); state == StateSynced {
		return schema.OrderBookMessage{}, false
	}

	snapshot := result.snapshot
	snapshot.Type = schema.OrderBookSnapshot
	snapshot.TradingPair = result.pair
	snapshot.UpdateID = s.seq.ResyncBaseline(result.pair, snapshot.UpdateID)
	s.applySnapshot(snapshot)

	ctx := context.Background()
	s.metrics.BookResync(ctx, result.pair)
	s.metrics.ResyncDuration(ctx, result.pair, time.Since(result.started))
	s.logger.Info("order book resynced",
		observability.F("pair", result.pair),
		observability.F("update_id", snapshot.UpdateID))
	return snapshot, true
}

// Reset returns pair to uninitialized and abandons its resync.
func (s *Synchronizer) Reset(pair string) {
	s.mu.Lock()
	if cancel, ok := s.inflight[pair]; ok {
		cancel()
		delete(s.inflight, pair)
	}
	if book, ok := s.books[pair]; ok {
		book.Clear()
	}
	s.mu.Unlock()
	s.seq.Reset(pair)
}

// ResetAll returns every pair to uninitialized, used on stream termination or reconnect.
func (s *Synchronizer) ResetAll() {
	s.cancelResyncs()
	s.mu.Lock()
	for _, book := range s.books {
		book.Clear()
	}
	s.mu.Unlock()
	s.seq.ResetAll()
}

func (s *Synchronizer) cancelResyncs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pair, cancel := range s.inflight {
		cancel()
		delete(s.inflight, pair)
	}
}

// SnapshotError wraps a failed REST snapshot so callers can tell it apart from stream errors.
func SnapshotError(exchange, pair string, cause error) error {
	return errs.New(exchange, errs.CodeExchange,
		errs.WithMessage(fmt.Sprintf("order book snapshot for %s", pair)),
		errs.WithVenueField("pair", pair),
		errs.WithCause(cause))
}
