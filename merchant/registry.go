package merchant

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"sovereignd/constitution"
)

// Record is the registry's unified view of one constitutional merchant.
type Record struct {
	ID      string
	Adapter string
	ChainID uint64
	// Address is set for static merchants only.
	Address string
	// Domain is set for trusted-domain merchants only.
	Domain string
	Cap    *big.Int
}

// Static reports whether the merchant's payment address is constitutional.
func (r Record) Static() bool { return r.Address != "" }

type discovered struct {
	address string
	at      time.Time
}

// Registry holds the constitutional merchant lists plus the per-order
// discovered addresses of trusted-domain merchants, each gated by the
// activation delay.
type Registry struct {
	mu         sync.Mutex
	records    map[string]Record
	discovered map[string]discovered
	delay      time.Duration
	resolver   string
	logger     *slog.Logger
	now        func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the registry clock, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithResolver sets the DNS resolver used for trust-anchor checks.
func WithResolver(addr string) RegistryOption {
	return func(r *Registry) {
		if addr != "" {
			r.resolver = addr
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry loads the constitutional merchant lists.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		records:    make(map[string]Record),
		discovered: make(map[string]discovered),
		delay:      constitution.TrustedDomainActivationDelay,
		resolver:   "1.1.1.1:53",
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, m := range constitution.KnownMerchants() {
		r.records[m.ID] = Record{
			ID:      m.ID,
			Adapter: m.Adapter,
			ChainID: m.ChainID,
			Address: strings.ToLower(m.Address),
			Cap:     big.NewInt(m.Cap),
		}
	}
	for _, m := range constitution.TrustedDomains() {
		r.records[m.ID] = Record{
			ID:      m.ID,
			Adapter: m.Adapter,
			ChainID: m.ChainID,
			Domain:  strings.ToLower(m.Domain),
			Cap:     big.NewInt(m.Cap),
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup finds a merchant by ID. Pipeline layer one: unknown merchants do
// not exist.
func (r *Registry) Lookup(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[strings.TrimSpace(id)]
	return rec, ok
}

// RegisterDiscovered records a payment address discovered from a
// trusted-domain merchant's API. The address only becomes usable after the
// activation delay.
func (r *Registry) RegisterDiscovered(merchantID, address string) error {
	rec, ok := r.Lookup(merchantID)
	if !ok {
		return ErrUnknownMerchant
	}
	if rec.Static() {
		return fmt.Errorf("merchant: %s has a constitutional address", merchantID)
	}
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return fmt.Errorf("merchant: empty discovered address")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.discovered[rec.ID]; ok && existing.address == address {
		// Re-discovery of the same address keeps the original clock so
		// the delay cannot be reset by replaying the discovery.
		return nil
	}
	r.discovered[rec.ID] = discovered{address: address, at: r.now()}
	r.logger.Info("merchant address discovered, activation pending",
		"merchant", rec.ID, "address", address, "delay", r.delay)
	return nil
}

// ApprovedAddress is the only address the engine may pay. Static merchants
// return the constitutional address; trusted-domain merchants return the
// discovered address once its delay has lapsed.
func (r *Registry) ApprovedAddress(merchantID string) (string, error) {
	rec, ok := r.Lookup(merchantID)
	if !ok {
		return "", ErrUnknownMerchant
	}
	if rec.Static() {
		return rec.Address, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.discovered[rec.ID]
	if !ok {
		return "", ErrNoAddress
	}
	if r.now().Sub(entry.at) < r.delay {
		return "", ErrActivationDelay
	}
	return entry.address, nil
}

// CheckDomain enforces pipeline layer three: the adapter's endpoint host
// must equal the merchant's registered domain. Static merchants carry no
// domain and always pass.
func (r *Registry) CheckDomain(merchantID, endpoint string) error {
	rec, ok := r.Lookup(merchantID)
	if !ok {
		return ErrUnknownMerchant
	}
	if rec.Domain == "" {
		return nil
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("merchant: bad endpoint %q: %w", endpoint, err)
	}
	if !strings.EqualFold(parsed.Hostname(), rec.Domain) {
		return fmt.Errorf("%w: %s != %s", ErrDomainMismatch, parsed.Hostname(), rec.Domain)
	}
	return nil
}

// Cap returns the per-merchant purchase cap.
func (r *Registry) Cap(merchantID string) (*big.Int, error) {
	rec, ok := r.Lookup(merchantID)
	if !ok {
		return nil, ErrUnknownMerchant
	}
	return new(big.Int).Set(rec.Cap), nil
}

// VerifyAnchor confirms the merchant's trust-anchor domain still resolves.
// A domain that stops resolving invalidates the anchor and with it any
// discovered address.
func (r *Registry) VerifyAnchor(ctx context.Context, merchantID string) error {
	rec, ok := r.Lookup(merchantID)
	if !ok {
		return ErrUnknownMerchant
	}
	if rec.Domain == "" {
		return nil
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(rec.Domain), dns.TypeA)
	client := &dns.Client{Timeout: 5 * time.Second}
	reply, _, err := client.ExchangeContext(ctx, msg, r.resolver)
	if err != nil {
		return fmt.Errorf("merchant: anchor lookup for %s: %w", rec.Domain, err)
	}
	if reply.Rcode != dns.RcodeSuccess || len(reply.Answer) == 0 {
		return fmt.Errorf("merchant: anchor %s does not resolve", rec.Domain)
	}
	return nil
}
