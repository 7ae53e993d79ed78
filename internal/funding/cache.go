// Package funding caches per-pair funding information for perpetual contracts.
package funding

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/observability"
)

const (
	// DefaultInterval is the funding period assumed when the venue does not say otherwise.
	DefaultInterval    = 8 * time.Hour
	defaultConcurrency = 4
)

// Source fetches the REST inputs of a funding record.
type Source interface {
	// LatestFundingRate returns the most recent historical funding rate and its effective time.
	LatestFundingRate(ctx context.Context, pair string) (decimal.Decimal, time.Time, error)
	// MarkAndIndex returns the ticker mark and index prices.
	MarkAndIndex(ctx context.Context, pair string) (mark, index decimal.Decimal, err error)
}

// Options configure a Cache.
type Options struct {
	Source      Source
	Interval    time.Duration
	Concurrency int
	Logger      observability.Logger
	Clock       func() time.Time
}

// Cache holds one FundingInfo per pair. Reads return copies.
type Cache struct {
	source      Source
	interval    time.Duration
	concurrency int
	logger      observability.Logger
	clock       func() time.Time

	mu      sync.RWMutex
	records map[string]schema.FundingInfo
}

// NewCache constructs an empty cache.
func NewCache(opts Options) *Cache {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Cache{
		source:      opts.Source,
		interval:    opts.Interval,
		concurrency: opts.Concurrency,
		logger:      observability.Component(opts.Logger, "funding"),
		clock:       opts.Clock,
		records:     make(map[string]schema.FundingInfo),
	}
}

// Initialize fetches a record for every pair concurrently. A pair whose fetch fails gets a
// zero record due one interval from now; failures are logged, not returned. The only
// error returned is ctx's.
func (c *Cache) Initialize(ctx context.Context, pairs []string) error {
	p := pool.NewWithResults[error]().WithMaxGoroutines(c.concurrency)
	for _, pair := range pairs {
		p.Go(func() error {
			info, err := c.fetch(ctx, pair)
			if err != nil {
				info = c.fallback(pair)
				err = fmt.Errorf("%s: %w", pair, err)
			}
			c.mu.Lock()
			c.records[pair] = info
			c.mu.Unlock()
			return err
		})
	}
	failures := p.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("funding initialize: %w", err)
	}
	if err := observability.AggregateErrors("funding initialize", failures); err != nil {
		c.logger.Warn("funding records defaulted",
			observability.F("pairs", len(pairs)),
			observability.F("failed", observability.ErrorCount(failures)),
			observability.Err(err))
	}
	return nil
}

func (c *Cache) fetch(ctx context.Context, pair string) (schema.FundingInfo, error) {
	if c.source == nil {
		return schema.FundingInfo{}, fmt.Errorf("no funding source configured")
	}
	rate, effective, err := c.source.LatestFundingRate(ctx, pair)
	if err != nil {
		return schema.FundingInfo{}, fmt.Errorf("funding rate: %w", err)
	}
	mark, index, err := c.source.MarkAndIndex(ctx, pair)
	if err != nil {
		return schema.FundingInfo{}, fmt.Errorf("ticker: %w", err)
	}
	return schema.FundingInfo{
		TradingPair:             pair,
		IndexPrice:              index,
		MarkPrice:               mark,
		Rate:                    rate,
		NextFundingUTCTimestamp: c.nextFunding(effective),
	}, nil
}

// nextFunding is one interval after the last effective rate, rolled forward past now.
func (c *Cache) nextFunding(effective time.Time) time.Time {
	now := c.clock().UTC()
	if effective.IsZero() {
		return now.Truncate(c.interval).Add(c.interval)
	}
	next := effective.UTC().Add(c.interval)
	for !next.After(now) {
		next = next.Add(c.interval)
	}
	return next
}

func (c *Cache) fallback(pair string) schema.FundingInfo {
	return schema.FundingInfo{
		TradingPair:             pair,
		IndexPrice:              decimal.Zero,
		MarkPrice:               decimal.Zero,
		Rate:                    decimal.Zero,
		NextFundingUTCTimestamp: c.clock().UTC().Add(c.interval),
	}
}

// Get returns a copy of the record of pair.
func (c *Cache) Get(pair string) (schema.FundingInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.records[pair]
	return info, ok
}

// ApplyUpdate overwrites the fields present in update and returns the resulting record.
// Unknown pairs start from a zero record.
func (c *Cache) ApplyUpdate(update schema.FundingInfoUpdate) schema.FundingInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.records[update.TradingPair]
	if !ok {
		info = schema.FundingInfo{TradingPair: update.TradingPair}
	}
	if update.IndexPrice != nil {
		info.IndexPrice = *update.IndexPrice
	}
	if update.MarkPrice != nil {
		info.MarkPrice = *update.MarkPrice
	}
	if update.Rate != nil {
		info.Rate = *update.Rate
	}
	if update.NextFundingUTCTimestamp != nil {
		info.NextFundingUTCTimestamp = update.NextFundingUTCTimestamp.UTC()
	}
	c.records[update.TradingPair] = info
	return info
}

// Pairs lists cached pairs in sorted order.
func (c *Cache) Pairs() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.records))
	for pair := range c.records {
		out = append(out, pair)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}
