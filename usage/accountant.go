package usage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/tailormesh/core"
)

const (
	// DefaultUSDToZAR is the fixed conversion rate applied to all prices.
	DefaultUSDToZAR = 17.50

	// DefaultFallbackModel is priced when a model is not in the table.
	DefaultFallbackModel = "gpt-4.1-mini-2025-04-14"

	perMillion = 1_000_000.0
)

// Rate is the USD price per million tokens for one model.
type Rate struct {
	InputPer1M  float64 `yaml:"input_per_1m" json:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m" json:"output_per_1m"`
}

// Table is a concurrency safe model -> Rate catalog.
type Table struct {
	mu    sync.RWMutex
	rates map[string]Rate
}

// NewTable returns a table seeded with rates.
func NewTable(rates map[string]Rate) *Table {
	t := &Table{rates: make(map[string]Rate, len(rates))}
	for id, r := range rates {
		t.rates[id] = r
	}
	return t
}

// DefaultTable returns the built-in price list.
func DefaultTable() *Table {
	return NewTable(map[string]Rate{
		"gpt-4.1-mini-2025-04-14": {InputPer1M: 0.40, OutputPer1M: 1.60},
		"gpt-4.1-mini":            {InputPer1M: 0.40, OutputPer1M: 1.60},
		"gpt-5":                   {InputPer1M: 2.50, OutputPer1M: 10.00},
		"gpt-5-mini":              {InputPer1M: 0.25, OutputPer1M: 2.00},
		"gpt-5-nano":              {InputPer1M: 0.05, OutputPer1M: 0.40},
		"gpt-5-chat-latest":       {InputPer1M: 1.25, OutputPer1M: 10.00},
		"claude-3-5-haiku-latest": {InputPer1M: 0.80, OutputPer1M: 4.00},
		"claude-sonnet-4-0":       {InputPer1M: 3.00, OutputPer1M: 15.00},
		"gemini-2.5-flash":        {InputPer1M: 0.30, OutputPer1M: 2.50},
		"gemini-2.5-pro":          {InputPer1M: 1.25, OutputPer1M: 10.00},
	})
}

// Lookup returns the rate for model.
func (t *Table) Lookup(model string) (Rate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rates[model]
	return r, ok
}

// Set registers or replaces the rate for model.
func (t *Table) Set(model string, r Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[model] = r
}

// Models returns the known model ids in sorted order.
func (t *Table) Models() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.rates))
	for id := range t.rates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Options configures an Accountant.
type Options struct {
	Table         *Table
	USDToZAR      float64
	FallbackModel string
}

// Accountant turns token counts into ZAR cost. It holds no mutable state of
// its own beyond the shared price table.
type Accountant struct {
	table    *Table
	usdToZAR float64
	fallback string
}

// NewAccountant creates an Accountant with the default table and rate unless overridden.
func NewAccountant(optFns ...func(o *Options)) *Accountant {
	opts := Options{
		Table:         DefaultTable(),
		USDToZAR:      DefaultUSDToZAR,
		FallbackModel: DefaultFallbackModel,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Accountant{table: opts.Table, usdToZAR: opts.USDToZAR, fallback: opts.FallbackModel}
}

// Price returns the ZAR cost of the given token counts for model.
func (a *Accountant) Price(model string, inputTokens, outputTokens int) (float64, error) {
	r, ok := a.table.Lookup(model)
	if !ok {
		return 0, fmt.Errorf("price %q: %w", model, core.ErrUnknownModel)
	}
	return a.price(r, inputTokens, outputTokens), nil
}

// Cost is Price with the fallback model's rate substituted on a miss. The
// second return value reports whether the fallback was used.
func (a *Accountant) Cost(model string, inputTokens, outputTokens int) (float64, bool) {
	if c, err := a.Price(model, inputTokens, outputTokens); err == nil {
		return c, false
	}
	r, ok := a.table.Lookup(a.fallback)
	if !ok {
		return 0, true
	}
	return a.price(r, inputTokens, outputTokens), true
}

// Usage builds a priced single request usage record.
func (a *Accountant) Usage(model string, inputTokens, outputTokens int) (core.Usage, bool) {
	cost, fellBack := a.Cost(model, inputTokens, outputTokens)
	return core.Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		Requests:     1,
	}, fellBack
}

// FallbackModel returns the model whose rate is used for unknown ids.
func (a *Accountant) FallbackModel() string { return a.fallback }

func (a *Accountant) price(r Rate, in, out int) float64 {
	usd := float64(in)/perMillion*r.InputPer1M + float64(out)/perMillion*r.OutputPer1M
	return usd * a.usdToZAR
}

// Merge adds two usage records field by field. It is associative and
// commutative so accumulated totals do not depend on arrival order.
func Merge(a, b core.Usage) core.Usage {
	return core.Usage{
		InputTokens:  a.InputTokens + b.InputTokens,
		OutputTokens: a.OutputTokens + b.OutputTokens,
		Cost:         a.Cost + b.Cost,
		Requests:     a.Requests + b.Requests,
	}
}

// Sum merges all records starting from the zero usage.
func Sum(records ...core.Usage) core.Usage {
	var total core.Usage
	for _, r := range records {
		total = Merge(total, r)
	}
	return total
}

// FormatZAR renders a cost in Rand. Costs under one cent keep four decimals.
func FormatZAR(cost float64) string {
	if cost < 0.01 {
		return fmt.Sprintf("R%.4f", cost)
	}
	return fmt.Sprintf("R%.2f", cost)
}
