package constitution

import "math/big"

// ModelTier couples a balance band to the provider, model, and budget the
// cost guard routes LLM calls through while the balance sits in that band.
type ModelTier struct {
	Level       int
	Name        string
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float64
	// Daily budget is DailyBudgetBase + balance*DailyBudgetRateBps/10_000,
	// micro-USD.
	DailyBudgetBase    int64
	DailyBudgetRateBps int64
	MaxRequestsPerMin  int
	// MinBalance is the inclusive lower bound of the band, canonical units.
	MinBalance int64
}

var tierTable = []ModelTier{
	{
		Level: 1, Name: "destitute", Provider: "groq", Model: "llama-3.1-8b-instant",
		MaxTokens: 1_024, Temperature: 0.3,
		DailyBudgetBase: 50_000, DailyBudgetRateBps: 10, MaxRequestsPerMin: 6,
		MinBalance: 0,
	},
	{
		Level: 2, Name: "frugal", Provider: "groq", Model: "llama-3.3-70b-versatile",
		MaxTokens: 2_048, Temperature: 0.5,
		DailyBudgetBase: 150_000, DailyBudgetRateBps: 20, MaxRequestsPerMin: 10,
		MinBalance: 100 * MicroUnit,
	},
	{
		Level: 3, Name: "steady", Provider: "deepseek", Model: "deepseek-chat",
		MaxTokens: 4_096, Temperature: 0.7,
		DailyBudgetBase: 500_000, DailyBudgetRateBps: 30, MaxRequestsPerMin: 20,
		MinBalance: 500 * MicroUnit,
	},
	{
		Level: 4, Name: "prosperous", Provider: "openai", Model: "gpt-4o-mini",
		MaxTokens: 8_192, Temperature: 0.7,
		DailyBudgetBase: 2_000_000, DailyBudgetRateBps: 40, MaxRequestsPerMin: 30,
		MinBalance: 2_000 * MicroUnit,
	},
	{
		Level: 5, Name: "flourishing", Provider: "anthropic", Model: "claude-sonnet-4-20250514",
		MaxTokens: 16_384, Temperature: 0.7,
		DailyBudgetBase: 5_000_000, DailyBudgetRateBps: 50, MaxRequestsPerMin: 60,
		MinBalance: 10_000 * MicroUnit,
	},
}

// DefaultTiers returns a copy of the five-entry tier table ordered by level.
func DefaultTiers() []ModelTier {
	out := make([]ModelTier, len(tierTable))
	copy(out, tierTable)
	return out
}

// TierForBalance maps a balance to the highest tier whose band contains it.
func TierForBalance(balance *big.Int) ModelTier {
	selected := tierTable[0]
	if balance == nil || balance.Sign() < 0 {
		return selected
	}
	for _, tier := range tierTable {
		if balance.Cmp(big.NewInt(tier.MinBalance)) >= 0 {
			selected = tier
		}
	}
	return selected
}

// FallbackChain maps each provider to the compile-time ordered list of
// providers the router walks when the primary is unavailable or declines.
var FallbackChain = map[string][]string{
	"groq":      {"deepseek", "openai"},
	"deepseek":  {"groq", "openai"},
	"openai":    {"deepseek", "groq"},
	"anthropic": {"openai", "deepseek", "groq"},
}
