package budget

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

func testTable() PricingTable {
	return PricingTable{
		"openai": {
			"gpt-4o-mini":            PerMillion(0.15, ptr(0.075), 0.60),
			"text-embedding-3-small": PerMillion(0.02, nil, 0),
		},
	}
}

func TestAccountant_Price(t *testing.T) {
	acc := NewAccountant(testTable())

	cost, err := acc.Price(domain.Usage{
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		InputTokens:  1_000_000,
		OutputTokens: 500_000,
	})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.45").Equal(cost), "got %s", cost)
}

func TestAccountant_CachedInput(t *testing.T) {
	acc := NewAccountant(testTable())

	cost, err := acc.Price(domain.Usage{
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		InputTokens:       1_000_000,
		CachedInputTokens: 1_000_000,
	})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.225").Equal(cost), "got %s", cost)

	// No cached rate: cached tokens bill at the input rate.
	cost, err = acc.Price(domain.Usage{
		Provider:          "openai",
		Model:             "text-embedding-3-small",
		InputTokens:       500_000,
		CachedInputTokens: 500_000,
	})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.02").Equal(cost), "got %s", cost)
}

func TestAccountant_ModelPrefixAndCase(t *testing.T) {
	acc := NewAccountant(testTable())

	cost, err := acc.Price(domain.Usage{Provider: "OpenAI", Model: "gpt-4o-mini-2024-07-18", OutputTokens: 1_000_000})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.6").Equal(cost), "got %s", cost)
}

func TestAccountant_PricingNotFound(t *testing.T) {
	acc := NewAccountant(testTable())

	_, err := acc.Price(domain.Usage{Provider: "openai", Model: "o9-ultra"})
	assert.ErrorIs(t, err, ErrPricingNotFound)

	_, err = acc.Price(domain.Usage{Provider: "mystery", Model: "gpt-4o-mini"})
	assert.ErrorIs(t, err, ErrPricingNotFound)
}

func TestLedger_UnknownPricingCountsZero(t *testing.T) {
	ledger := NewLedger(NewAccountant(testTable()), nil)

	cost := ledger.Record(domain.Usage{Provider: "mystery", Model: "x", InputTokens: 10})
	assert.True(t, cost.IsZero())
	assert.True(t, ledger.Total().IsZero())

	lines := ledger.Lines()
	require.Len(t, lines, 1)
	assert.True(t, lines[0].Unpriced)
	assert.Equal(t, int64(10), lines[0].InputTokens)
}

func TestLedger_WarnsOncePerUnpricedModel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ledger := NewLedger(NewAccountant(testTable()), log)

	for range 50 {
		ledger.Record(domain.Usage{Provider: "mystery", Model: "x", InputTokens: 1})
	}
	ledger.Record(domain.Usage{Provider: "mystery", Model: "y", InputTokens: 1})
	ledger.Record(domain.Usage{Provider: "openai", Model: "gpt-4o-mini", InputTokens: 1})

	assert.Equal(t, 2, strings.Count(buf.String(), "No pricing for model"))
	lines := ledger.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, 50, lines[0].Calls)
}

func TestLedger_ConcurrentRecordsAreAdditive(t *testing.T) {
	ledger := NewLedger(NewAccountant(testTable()), nil)

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ledger.Record(domain.Usage{Provider: "openai", Model: "gpt-4o-mini", InputTokens: 10_000, OutputTokens: 5_000})
			ledger.Record(domain.Usage{Provider: "openai", Model: "text-embedding-3-small", InputTokens: 50_000})
		}()
	}
	wg.Wait()

	// 100 * (0.0015 + 0.003) + 100 * 0.001
	assert.True(t, decimal.RequireFromString("0.55").Equal(ledger.Total()), "got %s", ledger.Total())

	lines := ledger.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "gpt-4o-mini", lines[0].Model)
	assert.Equal(t, 100, lines[0].Calls)
	assert.Equal(t, int64(500_000), lines[0].OutputTokens)
	assert.Equal(t, "text-embedding-3-small", lines[1].Model)
}
