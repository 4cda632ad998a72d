package budget

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

// LineItem aggregates usage for one provider/model within a run.
type LineItem struct {
	Provider          string
	Model             string
	Calls             int
	InputTokens       int64
	CachedInputTokens int64
	OutputTokens      int64
	CostUSD           decimal.Decimal
	Unpriced          bool // at least one call had no price row
}

type lineKey struct {
	provider string
	model    string
}

// Ledger accumulates AI cost for a single run. Safe for concurrent use.
type Ledger struct {
	accountant *Accountant
	log        *slog.Logger

	mu    sync.Mutex
	total decimal.Decimal
	lines map[lineKey]*LineItem
}

// NewLedger creates an empty ledger backed by accountant.
func NewLedger(accountant *Accountant, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		accountant: accountant,
		log:        log.With("component", "budget"),
		total:      decimal.Zero,
		lines:      make(map[lineKey]*LineItem),
	}
}

// Record prices one call and adds it to the totals. Unknown pricing is logged
// once per model and counted as zero; it never fails the caller.
func (l *Ledger) Record(usage domain.Usage) decimal.Decimal {
	cost, err := l.accountant.Price(usage)
	unpriced := false
	if err != nil {
		if !errors.Is(err, ErrPricingNotFound) {
			l.log.Error("Pricing failed", "provider", usage.Provider, "model", usage.Model, "error", err)
		}
		cost = decimal.Zero
		unpriced = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := lineKey{provider: strings.ToLower(usage.Provider), model: strings.ToLower(usage.Model)}
	line, ok := l.lines[key]
	if !ok {
		line = &LineItem{Provider: key.provider, Model: key.model, CostUSD: decimal.Zero}
		l.lines[key] = line
	}
	line.Calls++
	line.InputTokens += usage.InputTokens
	line.CachedInputTokens += usage.CachedInputTokens
	line.OutputTokens += usage.OutputTokens
	line.CostUSD = line.CostUSD.Add(cost)
	if unpriced && !line.Unpriced {
		// once per model and run
		line.Unpriced = true
		l.log.Warn("No pricing for model, counting cost as zero",
			"provider", usage.Provider, "model", usage.Model)
	}

	l.total = l.total.Add(cost)
	return cost
}

// Total returns the accumulated cost.
func (l *Ledger) Total() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Lines returns per provider/model totals sorted by provider then model.
func (l *Ledger) Lines() []LineItem {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]LineItem, 0, len(l.lines))
	for _, line := range l.lines {
		out = append(out, *line)
	}
	slices.SortFunc(out, func(a, b LineItem) int {
		if c := strings.Compare(a.Provider, b.Provider); c != 0 {
			return c
		}
		return strings.Compare(a.Model, b.Model)
	})
	return out
}
