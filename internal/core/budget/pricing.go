// Package budget prices AI calls and accumulates per-run cost.
//
// This package contains:
//   - PricingTable: provider -> model -> per-token USD rates
//   - Accountant: prices a single call against an injected table
//   - Ledger: per-run accumulation of cost and tokens
package budget

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

// ErrPricingNotFound is returned when no price row exists for a provider/model pair.
var ErrPricingNotFound = errors.New("pricing not found")

var perMillion = decimal.NewFromInt(1_000_000)

// Price holds USD cost per token.
type Price struct {
	Input decimal.Decimal
	// CachedInput is optional; when unset cached tokens are billed as Input.
	CachedInput decimal.NullDecimal
	Output      decimal.Decimal
}

// PerMillion builds a Price from USD-per-million-token rates.
// A nil cached rate means the model has no cached-input discount.
func PerMillion(input float64, cachedInput *float64, output float64) Price {
	p := Price{
		Input:  decimal.NewFromFloat(input).Div(perMillion),
		Output: decimal.NewFromFloat(output).Div(perMillion),
	}
	if cachedInput != nil {
		p.CachedInput = decimal.NewNullDecimal(decimal.NewFromFloat(*cachedInput).Div(perMillion))
	}
	return p
}

// PricingTable maps provider -> model -> price. It is read-only once built.
type PricingTable map[string]map[string]Price

// Lookup returns the price for provider/model. Models match exactly first, then
// by the longest registered prefix so dated snapshots resolve to their family.
func (t PricingTable) Lookup(provider, model string) (Price, error) {
	models, ok := t[strings.ToLower(provider)]
	if !ok {
		return Price{}, fmt.Errorf("%w: provider %q", ErrPricingNotFound, provider)
	}

	model = strings.ToLower(model)
	if p, ok := models[model]; ok {
		return p, nil
	}

	best := ""
	for name := range models {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return Price{}, fmt.Errorf("%w: %s/%s", ErrPricingNotFound, provider, model)
	}
	return models[best], nil
}

func ptr(f float64) *float64 { return &f }

// DefaultPricing returns list prices for the models the pipeline uses out of the box.
func DefaultPricing() PricingTable {
	return PricingTable{
		"openai": {
			"gpt-4o-mini":            PerMillion(0.15, ptr(0.075), 0.60),
			"gpt-4o":                 PerMillion(2.50, ptr(1.25), 10.00),
			"gpt-4.1-mini":           PerMillion(0.40, ptr(0.10), 1.60),
			"gpt-4.1-nano":           PerMillion(0.10, ptr(0.025), 0.40),
			"text-embedding-3-small": PerMillion(0.02, nil, 0),
			"text-embedding-3-large": PerMillion(0.13, nil, 0),
		},
		"gemini": {
			"gemini-2.0-flash":   PerMillion(0.10, ptr(0.025), 0.40),
			"gemini-2.5-flash":   PerMillion(0.30, ptr(0.075), 2.50),
			"text-embedding-004": PerMillion(0, nil, 0),
		},
	}
}

// Accountant prices AI calls against an injected table.
type Accountant struct {
	table PricingTable
}

// NewAccountant creates an accountant. Provider and model keys are matched case-insensitively.
func NewAccountant(table PricingTable) *Accountant {
	normalized := make(PricingTable, len(table))
	for provider, models := range table {
		m := make(map[string]Price, len(models))
		for model, price := range models {
			m[strings.ToLower(model)] = price
		}
		normalized[strings.ToLower(provider)] = m
	}
	return &Accountant{table: normalized}
}

// Price computes the USD cost of one call.
func (a *Accountant) Price(usage domain.Usage) (decimal.Decimal, error) {
	p, err := a.table.Lookup(usage.Provider, usage.Model)
	if err != nil {
		return decimal.Zero, err
	}

	cachedRate := p.Input
	if p.CachedInput.Valid {
		cachedRate = p.CachedInput.Decimal
	}

	cost := p.Input.Mul(decimal.NewFromInt(usage.InputTokens)).
		Add(cachedRate.Mul(decimal.NewFromInt(usage.CachedInputTokens))).
		Add(p.Output.Mul(decimal.NewFromInt(usage.OutputTokens)))
	return cost, nil
}
