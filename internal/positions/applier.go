// Package positions keeps the connector's position and balance tables.
package positions

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/observability"
)

// ChangeKind describes what happened to a position slot.
type ChangeKind string

const (
	ChangeUpserted ChangeKind = "UPSERTED"
	ChangeRemoved  ChangeKind = "REMOVED"
)

// PositionChange is passed to listeners after a slot changed.
type PositionChange struct {
	Kind     ChangeKind
	Position schema.PositionSnapshot
}

// Applier owns the position table and the balance table.
type Applier struct {
	logger observability.Logger

	mu        sync.RWMutex
	positions map[schema.PositionKey]schema.PositionSnapshot
	listeners []func(PositionChange)

	balances *BalanceBook
}

// NewApplier constructs an empty applier.
func NewApplier(logger observability.Logger) *Applier {
	return &Applier{
		logger:    observability.Component(logger, "positions"),
		positions: make(map[schema.PositionKey]schema.PositionSnapshot),
		balances:  NewBalanceBook(),
	}
}

// OnPositionChange registers fn; it runs synchronously after each change.
func (a *Applier) OnPositionChange(fn func(PositionChange)) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

// ApplyPosition upserts the snapshot, or removes its slot when the amount is zero.
func (a *Applier) ApplyPosition(p schema.PositionSnapshot) {
	p.Amount = p.Amount.Abs()
	a.mu.Lock()
	change, changed := a.applyLocked(p)
	listeners := a.listeners
	a.mu.Unlock()
	if changed {
		notify(listeners, change)
	}
}

// ApplyReport normalizes a raw side encoding, then applies the position.
func (a *Applier) ApplyReport(pair string, side SideInput, entry, pnl, leverage decimal.Decimal) error {
	resolved, amount, err := NormalizeSide(side)
	if err != nil {
		return err
	}
	a.ApplyPosition(schema.PositionSnapshot{
		TradingPair:   pair,
		Side:          resolved,
		Amount:        amount,
		EntryPrice:    entry,
		UnrealizedPnL: pnl,
		Leverage:      leverage,
	})
	return nil
}

// ReplacePositions applies a full snapshot: every slot absent from it is removed.
func (a *Applier) ReplacePositions(snapshot []schema.PositionSnapshot) {
	present := make(map[schema.PositionKey]struct{}, len(snapshot))
	var changes []PositionChange

	a.mu.Lock()
	for _, p := range snapshot {
		p.Amount = p.Amount.Abs()
		if !p.Amount.IsZero() {
			present[p.Key()] = struct{}{}
		}
		if change, changed := a.applyLocked(p); changed {
			changes = append(changes, change)
		}
	}
	for key, existing := range a.positions {
		if _, ok := present[key]; ok {
			continue
		}
		delete(a.positions, key)
		existing.Amount = decimal.Zero
		changes = append(changes, PositionChange{Kind: ChangeRemoved, Position: existing})
	}
	listeners := a.listeners
	a.mu.Unlock()

	for _, change := range changes {
		notify(listeners, change)
	}
}

func (a *Applier) applyLocked(p schema.PositionSnapshot) (PositionChange, bool) {
	key := p.Key()
	if p.Amount.IsZero() {
		if _, ok := a.positions[key]; !ok {
			return PositionChange{}, false
		}
		delete(a.positions, key)
		a.logger.Debug("position closed", observability.F("pair", p.TradingPair), observability.F("side", string(p.Side)))
		return PositionChange{Kind: ChangeRemoved, Position: p}, true
	}
	a.positions[key] = p
	return PositionChange{Kind: ChangeUpserted, Position: p}, true
}

func notify(listeners []func(PositionChange), change PositionChange) {
	for _, fn := range listeners {
		fn(change)
	}
}

// Position returns the slot for (pair, side).
func (a *Applier) Position(pair string, side schema.PositionSide) (schema.PositionSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.positions[schema.PositionKey{TradingPair: pair, Side: side}]
	return p, ok
}

// Positions lists open positions ordered by pair then side.
func (a *Applier) Positions() []schema.PositionSnapshot {
	a.mu.RLock()
	out := make([]schema.PositionSnapshot, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, p)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TradingPair != out[j].TradingPair {
			return out[i].TradingPair < out[j].TradingPair
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// ApplyBalance sets total and available of one asset together.
func (a *Applier) ApplyBalance(update schema.BalanceUpdate) {
	if asset, ok := a.balances.Set(update); !ok {
		a.logger.Warn("dropping balance with unusable asset code", observability.F("asset", update.Asset))
	} else {
		a.logger.Debug("balance updated", observability.F("asset", asset))
	}
}

// Balance returns the stored balance of asset (aliases resolved).
func (a *Applier) Balance(asset string) (schema.BalanceUpdate, bool) {
	return a.balances.Get(asset)
}

// Balances lists every stored balance ordered by asset.
func (a *Applier) Balances() []schema.BalanceUpdate {
	return a.balances.All()
}
