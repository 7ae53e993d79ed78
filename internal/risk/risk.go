// Package risk enforces pre-trade limits on order submissions.
package risk

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/krakenperp/errs"
)

// Limits bounds single orders. Zero values disable the corresponding check.
type Limits struct {
	// MaxOrderSize is the largest base amount of one order.
	MaxOrderSize decimal.Decimal `yaml:"max_order_size"`
	// MaxOrderNotional is the largest amount*price of one priced order.
	MaxOrderNotional decimal.Decimal `yaml:"max_order_notional"`
	// PairMaxOrderSize overrides MaxOrderSize per pair.
	PairMaxOrderSize map[string]decimal.Decimal `yaml:"pair_max_order_size"`
	// OrdersPerSecond throttles submissions.
	OrdersPerSecond float64 `yaml:"orders_per_second"`
	// Burst is the throttle bucket size; defaults to 1.
	Burst int `yaml:"burst"`
}

// Validate rejects negative limits.
func (l Limits) Validate() error {
	if l.MaxOrderSize.IsNegative() || l.MaxOrderNotional.IsNegative() {
		return fmt.Errorf("order limits must not be negative")
	}
	for pair, size := range l.PairMaxOrderSize {
		if size.IsNegative() {
			return fmt.Errorf("order limit for %s must not be negative", pair)
		}
	}
	if l.OrdersPerSecond < 0 || l.Burst < 0 {
		return fmt.Errorf("order throttle must not be negative")
	}
	return nil
}

// Order is what a check looks at. A zero Price skips the notional check.
type Order struct {
	TradingPair string
	Amount      decimal.Decimal
	Price       decimal.Decimal
}

// Manager checks orders against Limits.
type Manager struct {
	exchange string
	limiter  *rate.Limiter

	mu     sync.RWMutex
	limits Limits
}

// NewManager creates a manager for limits.
func NewManager(exchange string, limits Limits) *Manager {
	m := &Manager{exchange: exchange, limits: limits}
	if limits.OrdersPerSecond > 0 {
		burst := limits.Burst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(limits.OrdersPerSecond), burst)
	}
	return m
}

// SetLimits replaces the size limits. The throttle keeps its original rate.
func (m *Manager) SetLimits(limits Limits) {
	m.mu.Lock()
	m.limits = limits
	m.mu.Unlock()
}

// CheckOrder validates order and then waits for a throttle token. Size violations are
// CodeInvalid; a throttle wait cut short by ctx is CodeRateLimited.
func (m *Manager) CheckOrder(ctx context.Context, order Order) error {
	m.mu.RLock()
	limits := m.limits
	m.mu.RUnlock()

	maxSize := limits.MaxOrderSize
	if size, ok := limits.PairMaxOrderSize[order.TradingPair]; ok {
		maxSize = size
	}
	if maxSize.IsPositive() && order.Amount.GreaterThan(maxSize) {
		return errs.New(m.exchange, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("order amount %s exceeds max order size %s", order.Amount, maxSize)),
			errs.WithVenueField("pair", order.TradingPair))
	}
	if limits.MaxOrderNotional.IsPositive() && order.Price.IsPositive() {
		if notional := order.Amount.Mul(order.Price); notional.GreaterThan(limits.MaxOrderNotional) {
			return errs.New(m.exchange, errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("order notional %s exceeds max %s", notional, limits.MaxOrderNotional)),
				errs.WithVenueField("pair", order.TradingPair))
		}
	}
	if m.limiter == nil {
		return nil
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return errs.New(m.exchange, errs.CodeRateLimited,
			errs.WithMessage("order throttle"), errs.WithCanonicalCode(errs.CanonicalRateLimited), errs.WithCause(err))
	}
	return nil
}
