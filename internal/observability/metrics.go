package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "connector.kraken"

// Metrics holds the connector's counters. A zero Metrics is not usable; use ConnectorMetrics.
type Metrics struct {
	bookGaps          metric.Int64Counter
	bookResyncs       metric.Int64Counter
	bookResyncErrors  metric.Int64Counter
	droppedDiffs      metric.Int64Counter
	malformedMessages metric.Int64Counter
	orderTransitions  metric.Int64Counter
	duplicateTrades   metric.Int64Counter
	orderNotFound     metric.Int64Counter
	streamRestarts    metric.Int64Counter
	resyncDuration    metric.Float64Histogram
	restDuration      metric.Float64Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *Metrics
)

// ConnectorMetrics returns the process-wide instruments, created from the global meter provider
// on first use. Until telemetry is initialised the global provider is a no-op.
func ConnectorMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInst = NewMetrics(otel.Meter(meterName))
	})
	return metricsInst
}

// NewMetrics creates the instruments on meter. Instrument errors fall back to no-op counters.
func NewMetrics(meter metric.Meter) *Metrics {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{event}"))
		if err != nil {
			Log().Warn("create counter failed", F("instrument", name), Err(err))
			c, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter(name)
		}
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
		if err != nil {
			Log().Warn("create histogram failed", F("instrument", name), Err(err))
			h, _ = noop.NewMeterProvider().Meter(meterName).Float64Histogram(name)
		}
		return h
	}
	return &Metrics{
		resyncDuration:    histogram("orderbook.resync.duration", "Time from gap detection to snapshot applied"),
		restDuration:      histogram("rest.request.duration", "REST request latency"),
		bookGaps:          counter("orderbook.gaps", "Sequence gaps detected in order book diff streams"),
		bookResyncs:       counter("orderbook.resyncs", "Order book snapshots applied after a gap"),
		bookResyncErrors:  counter("orderbook.resync.errors", "Failed REST snapshot attempts"),
		droppedDiffs:      counter("orderbook.diffs.dropped", "Diffs dropped while a pair was not synced"),
		malformedMessages: counter("stream.messages.malformed", "Inbound payloads that failed normalization"),
		orderTransitions:  counter("orders.transitions", "Order state transitions applied"),
		duplicateTrades:   counter("orders.trades.duplicate", "Trade updates ignored as duplicates"),
		orderNotFound:     counter("orders.not_found", "Order-not-found signals routed to the tracker"),
		streamRestarts:    counter("stream.restarts", "Stream loops restarted after an error"),
	}
}

func pairAttr(pair string) metric.MeasurementOption {
	return metric.WithAttributes(PairAttributes(pair)...)
}

func (m *Metrics) BookGap(ctx context.Context, pair string) {
	m.bookGaps.Add(ctx, 1, pairAttr(pair))
}

func (m *Metrics) BookResync(ctx context.Context, pair string) {
	m.bookResyncs.Add(ctx, 1, pairAttr(pair))
}

func (m *Metrics) BookResyncError(ctx context.Context, pair string) {
	m.bookResyncErrors.Add(ctx, 1, pairAttr(pair))
}

func (m *Metrics) DroppedDiff(ctx context.Context, pair string) {
	m.droppedDiffs.Add(ctx, 1, pairAttr(pair))
}

func (m *Metrics) MalformedMessage(ctx context.Context, stream string) {
	m.malformedMessages.Add(ctx, 1, metric.WithAttributes(StreamAttributes(stream)...))
}

func (m *Metrics) OrderTransition(ctx context.Context, state string) {
	m.orderTransitions.Add(ctx, 1, metric.WithAttributes(AttrOrderState.String(state)))
}

func (m *Metrics) DuplicateTrade(ctx context.Context) {
	m.duplicateTrades.Add(ctx, 1)
}

func (m *Metrics) OrderNotFound(ctx context.Context) {
	m.orderNotFound.Add(ctx, 1)
}

func (m *Metrics) StreamRestart(ctx context.Context, stream string) {
	m.streamRestarts.Add(ctx, 1, metric.WithAttributes(StreamAttributes(stream)...))
}

func (m *Metrics) ResyncDuration(ctx context.Context, pair string, d time.Duration) {
	m.resyncDuration.Record(ctx, float64(d.Microseconds())/1000, pairAttr(pair))
}

func (m *Metrics) RESTDuration(ctx context.Context, path string, status int, d time.Duration) {
	m.restDuration.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(RESTAttributes(path, status)...))
}
