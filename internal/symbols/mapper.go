// Package symbols maps canonical BASE-QUOTE trading pairs to venue perpetual contract symbols.
package symbols

import (
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/krakenperp/errs"
	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/observability"
)

const (
	// PerpetualPrefix marks perpetual contracts in venue symbols.
	PerpetualPrefix = "PF_"
	// PerpetualType is the instrument type of perpetual contracts.
	PerpetualType = "flexible_futures"
)

var defaultQuotes = []string{"USDT", "USDC", "USD", "EUR", "GBP"}

// Options configure a Mapper.
type Options struct {
	Exchange string
	Logger   observability.Logger
	// Quotes lists quote assets recognised when a symbol has to be split without base/quote fields.
	Quotes []string
}

// Mapper is a bidirectional pair/symbol table. Entries are only added or replaced.
type Mapper struct {
	exchange string
	logger   observability.Logger
	quotes   []string

	mu     sync.RWMutex
	toWire map[string]string
	toPair map[string]string
}

// Build creates a mapper from the venue instrument list. It fails when two perpetuals
// resolve to the same pair and the naming convention cannot pick one.
func Build(instruments []schema.Instrument, opts Options) (*Mapper, error) {
	quotes := opts.Quotes
	if len(quotes) == 0 {
		quotes = defaultQuotes
	}
	quotes = append([]string(nil), quotes...)
	sort.SliceStable(quotes, func(i, j int) bool { return len(quotes[i]) > len(quotes[j]) })

	m := &Mapper{
		exchange: strings.TrimSpace(opts.Exchange),
		logger:   observability.Component(opts.Logger, "symbols"),
		quotes:   quotes,
		toWire:   make(map[string]string),
		toPair:   make(map[string]string),
	}
	if err := m.Replace(instruments); err != nil {
		return nil, err
	}
	return m, nil
}

// Replace merges a refreshed instrument list. Pairs missing from the refresh stay mapped.
func (m *Mapper) Replace(instruments []schema.Instrument) error {
	resolved, err := m.resolve(instruments)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for pair, symbol := range resolved {
		if previous, ok := m.toWire[pair]; ok && previous != symbol {
			delete(m.toPair, previous)
			m.logger.Info("symbol remapped", observability.F("pair", pair),
				observability.F("previous", previous), observability.F("symbol", symbol))
		}
		if previousPair, ok := m.toPair[symbol]; ok && previousPair != pair {
			delete(m.toWire, previousPair)
		}
		m.toWire[pair] = symbol
		m.toPair[symbol] = pair
	}
	return nil
}

func (m *Mapper) resolve(instruments []schema.Instrument) (map[string]string, error) {
	candidates := make(map[string][]string)
	for _, inst := range instruments {
		symbol := strings.ToUpper(strings.TrimSpace(inst.Symbol))
		if !isPerpetual(inst, symbol) {
			continue
		}
		pair, ok := m.canonicalPair(inst, symbol)
		if !ok {
			m.logger.Debug("skipping unparseable perpetual", observability.F("symbol", symbol))
			continue
		}
		candidates[pair] = append(candidates[pair], symbol)
	}

	resolved := make(map[string]string, len(candidates))
	for pair, symbols := range candidates {
		if len(symbols) == 1 {
			resolved[pair] = symbols[0]
			continue
		}
		chosen, err := m.pickConventional(pair, symbols)
		if err != nil {
			return nil, err
		}
		resolved[pair] = chosen
	}
	return resolved, nil
}

func (m *Mapper) pickConventional(pair string, symbols []string) (string, error) {
	base, quote, _ := schema.SplitPair(pair)
	convention := PerpetualPrefix + schema.WireAsset(base) + quote
	var matches []string
	for _, symbol := range symbols {
		if symbol == convention {
			matches = append(matches, symbol)
		}
	}
	if len(matches) != 1 {
		sort.Strings(symbols)
		return "", errs.New(m.exchange, errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalDuplicateSymbol),
			errs.WithMessage("ambiguous perpetual symbols for "+pair),
			errs.WithVenueField("symbols", strings.Join(symbols, ",")),
		)
	}
	for _, symbol := range symbols {
		if symbol != matches[0] {
			m.logger.Error("duplicate perpetual symbol ignored",
				observability.F("pair", pair),
				observability.F("kept", matches[0]),
				observability.F("ignored", symbol))
		}
	}
	return matches[0], nil
}

func isPerpetual(inst schema.Instrument, symbol string) bool {
	if !inst.Tradeable || !strings.HasPrefix(symbol, PerpetualPrefix) {
		return false
	}
	kind := strings.ToLower(strings.TrimSpace(inst.Type))
	return kind == "" || kind == PerpetualType
}

func (m *Mapper) canonicalPair(inst schema.Instrument, symbol string) (string, bool) {
	base := schema.NormalizeAsset(inst.Base)
	quote := schema.NormalizeAsset(inst.Quote)
	if base == "" || quote == "" {
		body := strings.TrimPrefix(symbol, PerpetualPrefix)
		for _, q := range m.quotes {
			if strings.HasSuffix(body, q) && len(body) > len(q) {
				base = schema.NormalizeAsset(strings.TrimSuffix(body, q))
				quote = q
				break
			}
		}
	}
	if base == "" || quote == "" {
		return "", false
	}
	return base + "-" + quote, true
}

// ToExchange returns the venue symbol of pair.
func (m *Mapper) ToExchange(pair string) (string, error) {
	normalized := schema.NormalizePair(pair)
	m.mu.RLock()
	symbol, ok := m.toWire[normalized]
	m.mu.RUnlock()
	if !ok {
		return "", m.notFound("pair", pair)
	}
	return symbol, nil
}

// ToPair returns the canonical pair of a venue symbol.
func (m *Mapper) ToPair(symbol string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	m.mu.RLock()
	pair, ok := m.toPair[normalized]
	m.mu.RUnlock()
	if !ok {
		return "", m.notFound("symbol", symbol)
	}
	return pair, nil
}

func (m *Mapper) notFound(kind, value string) error {
	return errs.New(m.exchange, errs.CodeNotFound,
		errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
		errs.WithMessage("unknown "+kind),
		errs.WithVenueField(kind, value),
	)
}

// Pairs lists every mapped pair in sorted order.
func (m *Mapper) Pairs() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.toWire))
	for pair := range m.toWire {
		out = append(out, pair)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len reports how many pairs are mapped.
func (m *Mapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.toWire)
}
