// Package orderbook keeps local order books in sync with a sequenced diff stream,
// recovering from sequence gaps with REST snapshots.
package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenperp/internal/domain/schema"
)

// Book is a price-level book for one pair. Levels are keyed by normalized price.
type Book struct {
	mu         sync.RWMutex
	depth      int
	bids       map[string]schema.PriceLevel
	asks       map[string]schema.PriceLevel
	updateID   int64
	lastUpdate time.Time
}

// NewBook constructs a book whose views are limited to depth levels (<=0 keeps full depth).
func NewBook(depth int) *Book {
	return &Book{
		depth:    depth,
		bids:     make(map[string]schema.PriceLevel),
		asks:     make(map[string]schema.PriceLevel),
		updateID: -1,
	}
}

// Replace discards both sides and loads the snapshot levels.
func (b *Book) Replace(updateID int64, bids, asks []schema.PriceLevel, ts time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.bids)
	clear(b.asks)
	for _, level := range bids {
		upsertLevel(b.bids, level)
	}
	for _, level := range asks {
		upsertLevel(b.asks, level)
	}
	b.updateID = updateID
	b.lastUpdate = ts
}

// Apply upserts every level of a diff; a zero or negative size removes the level.
func (b *Book) Apply(updateID int64, bids, asks []schema.PriceLevel, ts time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, level := range bids {
		upsertLevel(b.bids, level)
	}
	for _, level := range asks {
		upsertLevel(b.asks, level)
	}
	b.updateID = updateID
	b.lastUpdate = ts
}

func upsertLevel(side map[string]schema.PriceLevel, level schema.PriceLevel) {
	key := level.Price.String()
	if level.Size.Sign() <= 0 {
		delete(side, key)
		return
	}
	side[key] = level
}

// Clear empties the book and forgets its update id.
func (b *Book) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.bids)
	clear(b.asks)
	b.updateID = -1
	b.lastUpdate = time.Time{}
}

// Bids returns bids best first.
func (b *Book) Bids() []schema.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sortedLocked(b.bids, true)
}

// Asks returns asks best first.
func (b *Book) Asks() []schema.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sortedLocked(b.asks, false)
}

// Size returns the size resting at price on the given side.
func (b *Book) Size(isBid bool, price decimal.Decimal) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	side := b.asks
	if isBid {
		side = b.bids
	}
	level, ok := side[price.String()]
	return level.Size, ok
}

// BestBid returns the highest bid.
func (b *Book) BestBid() (schema.PriceLevel, bool) {
	bids := b.Bids()
	if len(bids) == 0 {
		return schema.PriceLevel{}, false
	}
	return bids[0], true
}

// BestAsk returns the lowest ask.
func (b *Book) BestAsk() (schema.PriceLevel, bool) {
	asks := b.Asks()
	if len(asks) == 0 {
		return schema.PriceLevel{}, false
	}
	return asks[0], true
}

// UpdateID returns the id of the last snapshot or diff applied, -1 when empty.
func (b *Book) UpdateID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updateID
}

// LastUpdate returns the timestamp of the last change.
func (b *Book) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

func (b *Book) sortedLocked(side map[string]schema.PriceLevel, descending bool) []schema.PriceLevel {
	if len(side) == 0 {
		return nil
	}
	levels := make([]schema.PriceLevel, 0, len(side))
	for _, level := range side {
		levels = append(levels, level)
	}
	sort.Slice(levels, func(i, j int) bool {
		cmp := levels[i].Price.Cmp(levels[j].Price)
		if descending {
			return cmp > 0
		}
		return cmp < 0
	})
	if b.depth > 0 && len(levels) > b.depth {
		levels = levels[:b.depth]
	}
	return levels
}
