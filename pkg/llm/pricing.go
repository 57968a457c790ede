package llm

import (
	"log/slog"
	"strings"
	"sync"
)

// tokenRate is USD per one million tokens.
type tokenRate struct {
	prompt     float64
	completion float64
}

// defaultRate prices models missing from the table. It is deliberately
// mid-range so unpriced usage shows up in cost reports instead of
// vanishing as zero.
var defaultRate = tokenRate{prompt: 3.00, completion: 15.00}

// modelRates holds published list prices keyed by model name prefix.
// Versioned model ids (claude-sonnet-4-20250514) resolve through the
// longest matching prefix.
var modelRates = map[string]tokenRate{
	"gpt-4o":        {prompt: 2.50, completion: 10.00},
	"gpt-4o-mini":   {prompt: 0.15, completion: 0.60},
	"gpt-4.1":       {prompt: 2.00, completion: 8.00},
	"gpt-4.1-mini":  {prompt: 0.40, completion: 1.60},
	"gpt-4-turbo":   {prompt: 10.00, completion: 30.00},
	"gpt-4":         {prompt: 30.00, completion: 60.00},
	"gpt-3.5-turbo": {prompt: 0.50, completion: 1.50},
	"o1":            {prompt: 15.00, completion: 60.00},
	"o3":            {prompt: 2.00, completion: 8.00},
	"o4-mini":       {prompt: 1.10, completion: 4.40},

	"claude-opus-4":     {prompt: 15.00, completion: 75.00},
	"claude-sonnet-4":   {prompt: 3.00, completion: 15.00},
	"claude-3-7-sonnet": {prompt: 3.00, completion: 15.00},
	"claude-3-5-sonnet": {prompt: 3.00, completion: 15.00},
	"claude-3-5-haiku":  {prompt: 0.80, completion: 4.00},
	"claude-3-opus":     {prompt: 15.00, completion: 75.00},
	"claude-3-haiku":    {prompt: 0.25, completion: 1.25},
}

// warnedModels dedupes the unknown-model warning so a chatty run logs it
// once per model, not once per round-trip.
var warnedModels sync.Map

// CostUSD prices one round-trip's token usage. Unknown models fall back
// to the default rate and log a warning on first sight.
func CostUSD(model string, usage Usage) float64 {
	rate, ok := rateForModel(model)
	if !ok {
		rate = defaultRate
		if _, seen := warnedModels.LoadOrStore(model, true); !seen {
			slog.Warn("No pricing for model, using default rate",
				"model", model,
				"prompt_rate_per_mtok", rate.prompt,
				"completion_rate_per_mtok", rate.completion)
		}
	}
	return (float64(usage.PromptTokens)*rate.prompt +
		float64(usage.CompletionTokens)*rate.completion) / 1e6
}

func rateForModel(model string) (tokenRate, bool) {
	if rate, ok := modelRates[model]; ok {
		return rate, true
	}
	var (
		best    tokenRate
		bestLen = -1
	)
	for prefix, rate := range modelRates {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = rate
			bestLen = len(prefix)
		}
	}
	return best, bestLen >= 0
}
