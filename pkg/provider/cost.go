package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hatchworks/conveyor/pkg/cache"
	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/metrics"
)

// ErrBudgetExhausted is returned when the monthly spend cap is hit
var ErrBudgetExhausted = errors.New("provider: monthly cost limit reached")

const (
	monthlyTokensKey = "openai:monthly_tokens"
	monthlyCostKey   = "openai:monthly_cost"

	// Counters outlive any calendar month and reset by expiry
	monthlyTTL = 31 * 24 * time.Hour
)

// Pricing per 1K tokens. Unknown models fall back to the highest rate
// so a pricing gap never under-counts spend.
var pricing = map[string]struct{ prompt, completion float64 }{
	"gpt-4o":                 {0.0025, 0.01},
	"gpt-4o-mini":            {0.00015, 0.0006},
	"gpt-4.1":                {0.002, 0.008},
	"gpt-4.1-mini":           {0.0004, 0.0016},
	"text-embedding-3-small": {0.00002, 0},
	"text-embedding-3-large": {0.00013, 0},
}

// EstimateCost prices a call from its token usage
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := pricing[model]
	if !ok {
		p = pricing["gpt-4o"]
	}
	return float64(promptTokens)/1000*p.prompt + float64(completionTokens)/1000*p.completion
}

// CostTracker accumulates monthly token and dollar counters in the
// shared cache and gates new work once the spend cap is reached.
type CostTracker struct {
	cache cache.Cache
	limit float64
}

// NewCostTracker creates a tracker with a monthly dollar cap.
// A zero limit disables the gate.
func NewCostTracker(c cache.Cache, limit float64) *CostTracker {
	return &CostTracker{cache: c, limit: limit}
}

// CheckBudget returns ErrBudgetExhausted when the month's spend is at
// or over the cap. Callers gate once per job, not per provider call.
func (t *CostTracker) CheckBudget(ctx context.Context) error {
	if t.limit <= 0 {
		return nil
	}
	raw, err := t.cache.Get(ctx, monthlyCostKey)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		// Fail open: an unreachable cache should not stop the platform
		log.WithComponent("provider").Warn().Err(err).Msg("budget check failed")
		return nil
	}
	spent, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	if spent >= t.limit {
		return fmt.Errorf("%w: spent %.2f of %.2f", ErrBudgetExhausted, spent, t.limit)
	}
	return nil
}

// Record adds a call's usage to the monthly counters and the exported
// provider collectors.
func (t *CostTracker) Record(ctx context.Context, usage Usage) {
	model := usage.Model
	if model == "" {
		model = "unknown"
	}
	if usage.TotalTokens > 0 {
		metrics.ProviderTokens.WithLabelValues(model).Add(float64(usage.TotalTokens))
	}
	if usage.Cost > 0 {
		metrics.ProviderCost.Add(usage.Cost)
	}
	if usage.TotalTokens > 0 {
		if n, err := t.cache.IncrBy(ctx, monthlyTokensKey, int64(usage.TotalTokens)); err != nil {
			log.WithComponent("provider").Warn().Err(err).Msg("failed to record token usage")
		} else if n == int64(usage.TotalTokens) {
			_ = t.cache.Expire(ctx, monthlyTokensKey, monthlyTTL)
		}
	}
	if usage.Cost > 0 {
		if spent, err := t.cache.IncrByFloat(ctx, monthlyCostKey, usage.Cost); err != nil {
			log.WithComponent("provider").Warn().Err(err).Msg("failed to record cost")
		} else if spent == usage.Cost {
			_ = t.cache.Expire(ctx, monthlyCostKey, monthlyTTL)
		}
	}
}

// MonthlySpend reports the current counters for the health endpoint
func (t *CostTracker) MonthlySpend(ctx context.Context) (tokens int64, cost float64) {
	if raw, err := t.cache.Get(ctx, monthlyTokensKey); err == nil {
		tokens, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw, err := t.cache.Get(ctx, monthlyCostKey); err == nil {
		cost, _ = strconv.ParseFloat(raw, 64)
	}
	return tokens, cost
}
