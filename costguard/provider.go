// Package costguard routes LLM calls through the balance-indexed tier table
// and enforces the cost laws: daily budget, single-call ceiling, price-spike
// fallback, cost/revenue ratio, and per-provider rate limits.
package costguard

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Provider is one configured LLM endpoint. Cost figures are micro-USD.
type Provider struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`

	// KeyEnv names the environment variable holding the API key. The key
	// itself never appears in configuration or logs.
	KeyEnv string `yaml:"key_env"`

	// CostPer1K is the blended micro-USD price per thousand tokens.
	CostPer1K int64 `yaml:"cost_per_1k"`
	Free      bool  `yaml:"free"`
	Priority  int   `yaml:"priority"`

	key       string
	available bool
	limiter   *rate.Limiter
}

// Available reports whether the provider can currently be issued to.
func (p *Provider) Available() bool { return p != nil && p.available }

type providerPolicy struct {
	Providers []*Provider `yaml:"providers"`
}

// LoadProviders parses the provider policy file and resolves API keys from
// the environment. A provider whose key is missing stays configured but
// unavailable unless it is a free endpoint.
func LoadProviders(path string) ([]*Provider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("costguard: read provider policy: %w", err)
	}
	var policy providerPolicy
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return nil, fmt.Errorf("costguard: parse provider policy: %w", err)
	}
	return prepareProviders(policy.Providers)
}

func prepareProviders(providers []*Provider) ([]*Provider, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("costguard: no providers configured")
	}
	seen := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		p.ID = strings.ToLower(strings.TrimSpace(p.ID))
		if p.ID == "" {
			return nil, fmt.Errorf("costguard: provider missing id")
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("costguard: duplicate provider %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if strings.TrimSpace(p.URL) == "" {
			return nil, fmt.Errorf("costguard: provider %q missing url", p.ID)
		}
		if p.KeyEnv != "" {
			p.key = strings.TrimSpace(os.Getenv(p.KeyEnv))
		}
		p.available = p.Free || p.key != ""
		p.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].Priority < providers[j].Priority
	})
	return providers, nil
}

// cheapest returns the available provider with the lowest per-token price,
// excluding the named one. Free providers always win.
func cheapest(providers []*Provider, exclude string) *Provider {
	var best *Provider
	for _, p := range providers {
		if !p.available || p.ID == exclude {
			continue
		}
		if best == nil || providerPrice(p) < providerPrice(best) {
			best = p
		}
	}
	return best
}

func providerPrice(p *Provider) int64 {
	if p.Free {
		return 0
	}
	return p.CostPer1K
}
