package positions

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenperp/internal/domain/schema"
)

// BalanceBook stores total and available balances per canonical asset.
type BalanceBook struct {
	mu       sync.RWMutex
	balances map[string]schema.BalanceUpdate
}

// NewBalanceBook constructs an empty book.
func NewBalanceBook() *BalanceBook {
	return &BalanceBook{balances: make(map[string]schema.BalanceUpdate)}
}

// Set stores update under its canonical asset code, replacing both values at once.
// It reports false when the asset code cannot be normalized.
func (b *BalanceBook) Set(update schema.BalanceUpdate) (string, bool) {
	asset := schema.NormalizeAsset(update.Asset)
	if asset == "" {
		return "", false
	}
	stored := schema.BalanceUpdate{
		Asset:     asset,
		Total:     clampNonNegative(update.Total),
		Available: clampNonNegative(update.Available),
	}
	b.mu.Lock()
	b.balances[asset] = stored
	b.mu.Unlock()
	return asset, true
}

// Get returns the balance of asset.
func (b *BalanceBook) Get(asset string) (schema.BalanceUpdate, bool) {
	normalized := schema.NormalizeAsset(asset)
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, ok := b.balances[normalized]
	return state, ok
}

// All lists balances ordered by asset.
func (b *BalanceBook) All() []schema.BalanceUpdate {
	b.mu.RLock()
	out := make([]schema.BalanceUpdate, 0, len(b.balances))
	for _, state := range b.balances {
		out = append(out, state)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func clampNonNegative(value decimal.Decimal) decimal.Decimal {
	if value.IsNegative() {
		return decimal.Zero
	}
	return value
}
