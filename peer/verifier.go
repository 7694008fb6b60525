package peer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sovereignd/chain"
	"sovereignd/constitution"
	"sovereignd/observability"
)

// Reader is the read-only chain access the verifier needs, satisfied by
// chain.VaultReader.
type Reader interface {
	Chain() string
	CodeHash(ctx context.Context, addr common.Address) (common.Hash, error)
	WalletNonce(ctx context.Context, wallet common.Address) (uint64, error)
	TokenBalance(ctx context.Context, holder common.Address) (*big.Int, error)
	VaultInfo(ctx context.Context, vault common.Address) (chain.VaultInfo, error)
}

// ActivitySource supplies recent on-chain activity timestamps for the
// behavioral checks. A nil source leaves the autonomy check failed, capping
// peers at VERIFIED.
type ActivitySource interface {
	Activity(ctx context.Context, chainID uint64, vault common.Address) ([]time.Time, error)
}

type cached struct {
	result Result
	until  time.Time
}

// Verifier runs the sovereignty check set with TTL caching and strike-based
// permanent banning.
type Verifier struct {
	mu        sync.Mutex
	readers   map[uint64]Reader
	factories map[uint64]common.Address
	store     *Store
	analyzer  *BehaviorAnalyzer
	activity  ActivitySource
	cache     map[string]cached
	banned    map[string]struct{}
	ttl       time.Duration
	known     map[string]struct{}
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the verifier clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithActivitySource supplies behavioral activity data.
func WithActivitySource(src ActivitySource) Option {
	return func(v *Verifier) { v.activity = src }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithTTL overrides the cache lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(v *Verifier) {
		if ttl > 0 {
			v.ttl = ttl
		}
	}
}

// New builds a verifier. readers maps chain ID to its reader; factories
// maps chain ID to the constitutional vault factory address.
func New(readers map[uint64]Reader, factories map[uint64]common.Address, store *Store, opts ...Option) (*Verifier, error) {
	if len(readers) == 0 {
		return nil, fmt.Errorf("peer: at least one chain reader required")
	}
	if store == nil {
		return nil, fmt.Errorf("peer: store required")
	}
	known := make(map[string]struct{}, len(constitution.KnownVaultBytecodeHashes))
	for _, h := range constitution.KnownVaultBytecodeHashes {
		known[strings.ToLower(h)] = struct{}{}
	}
	v := &Verifier{
		readers:   readers,
		factories: factories,
		store:     store,
		analyzer:  NewBehaviorAnalyzer(),
		cache:     make(map[string]cached),
		banned:    make(map[string]struct{}),
		ttl:       constitution.PeerCacheTTL,
		known:     known,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify runs the full check set for one peer vault. Results are cached for
// the TTL; RPC failures are returned uncached so the next call retries.
func (v *Verifier) Verify(ctx context.Context, vaultAddr string, chainID uint64) (Result, error) {
	key := cacheKey(vaultAddr, chainID)
	now := v.now()

	v.mu.Lock()
	if _, sticky := v.banned[key]; sticky {
		v.mu.Unlock()
		return v.bannedResult(vaultAddr, chainID, now), nil
	}
	if entry, ok := v.cache[key]; ok && now.Before(entry.until) {
		v.mu.Unlock()
		return entry.result, nil
	}
	reader, ok := v.readers[chainID]
	v.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("peer: no reader for chain %d", chainID)
	}

	if banned, err := v.store.Banned(vaultAddr, chainID); err == nil && banned {
		v.mu.Lock()
		v.banned[key] = struct{}{}
		v.mu.Unlock()
		return v.bannedResult(vaultAddr, chainID, now), nil
	}

	result, rpcErr := v.runChecks(ctx, reader, vaultAddr, chainID, now)
	if rpcErr != nil {
		// Not cached: transient failures must not poison an hour of
		// purchasing decisions.
		v.logger.Warn("peer verification rpc failure",
			"vault", vaultAddr, "chain", chainID, "error", rpcErr)
		return result, rpcErr
	}

	v.mu.Lock()
	if result.Banned {
		v.banned[key] = struct{}{}
	}
	until := now.Add(v.ttl)
	if result.Banned {
		until = now.AddDate(100, 0, 0)
	}
	v.cache[key] = cached{result: result, until: until}
	v.mu.Unlock()
	observability.Peers().RecordVerification(result.Tier.String())
	return result, nil
}

func (v *Verifier) bannedResult(vaultAddr string, chainID uint64, now time.Time) Result {
	strikes, _ := v.store.Strikes(vaultAddr, chainID)
	return Result{
		Vault:      strings.ToLower(strings.TrimSpace(vaultAddr)),
		ChainID:    chainID,
		Tier:       constitution.TierBanned,
		VerifiedAt: now,
		Strikes:    strikes,
		Banned:     true,
		Deployment: constitution.DeployInvalid,
	}
}

func (v *Verifier) runChecks(ctx context.Context, reader Reader, vaultAddr string, chainID uint64, now time.Time) (Result, error) {
	addr := common.HexToAddress(vaultAddr)
	result := Result{
		Vault:      strings.ToLower(strings.TrimSpace(vaultAddr)),
		ChainID:    chainID,
		VerifiedAt: now,
		Tier:       constitution.TierUnverified,
	}
	pass := func(name string) { result.Passed = append(result.Passed, name) }
	fail := func(name string) { result.Failed = append(result.Failed, name) }

	info, err := reader.VaultInfo(ctx, addr)
	if err != nil {
		return result, err
	}
	balance, err := reader.TokenBalance(ctx, addr)
	if err != nil {
		return result, err
	}
	result.Balance = balance
	if !info.Birth.IsZero() {
		result.DaysAlive = int64(now.Sub(info.Birth).Hours() / 24)
	}

	var zero common.Address
	if info.AIWallet != zero {
		pass(CheckWalletSet)
	} else {
		fail(CheckWalletSet)
	}
	if info.Creator != zero {
		pass(CheckCreatorSet)
	} else {
		fail(CheckCreatorSet)
	}
	if info.AIWallet != info.Creator {
		pass(CheckWalletDistinct)
	} else {
		fail(CheckWalletDistinct)
	}
	if info.Alive {
		pass(CheckAlive)
	} else {
		fail(CheckAlive)
	}
	if info.GraceDays == constitution.PeerGraceDays {
		pass(CheckGraceDays)
	} else {
		fail(CheckGraceDays)
	}
	if balance.Cmp(big.NewInt(constitution.PeerMinBalance)) >= 0 {
		pass(CheckMinBalance)
	} else {
		fail(CheckMinBalance)
	}

	result.Deployment = v.classifyDeployment(chainID, info)
	if result.Deployment == constitution.DeployInvalid {
		fail(CheckDeployment)
		strikes, serr := v.store.AddStrike(vaultAddr, chainID)
		if serr != nil {
			v.logger.Warn("strike persistence failed", "vault", vaultAddr, "error", serr)
		}
		observability.Peers().RecordStrike()
		result.Strikes = strikes
		if strikes >= constitution.StrikeThreshold {
			if berr := v.store.Ban(vaultAddr, chainID); berr != nil {
				v.logger.Warn("ban persistence failed", "vault", vaultAddr, "error", berr)
			}
			observability.Peers().RecordBan()
			result.Banned = true
			result.Tier = constitution.TierBanned
			return result, nil
		}
	} else {
		pass(CheckDeployment)
		if serr := v.store.ResetStrikes(vaultAddr, chainID); serr != nil {
			v.logger.Warn("strike reset failed", "vault", vaultAddr, "error", serr)
		}
	}

	codeHash, err := reader.CodeHash(ctx, addr)
	if err != nil {
		return result, err
	}
	result.Bytecode = strings.ToLower(codeHash.Hex())
	if _, ok := v.known[result.Bytecode]; ok && codeHash != (common.Hash{}) {
		pass(CheckBytecode)
	} else {
		fail(CheckBytecode)
	}

	nonce, err := reader.WalletNonce(ctx, info.AIWallet)
	if err != nil {
		return result, err
	}
	result.NonceRatio = v.analyzer.NonceRatio(nonce, result.DaysAlive)
	if result.NonceRatio < constitution.PeerNonceAnomalyRatio {
		pass(CheckNonceRatio)
	} else {
		fail(CheckNonceRatio)
	}

	if v.activity != nil {
		events, aerr := v.activity.Activity(ctx, chainID, addr)
		if aerr != nil {
			return result, aerr
		}
		result.Autonomy = v.analyzer.AutonomyScore(events, now)
	}
	if result.Autonomy >= constitution.PeerMinAutonomyScore {
		pass(CheckAutonomy)
	} else {
		fail(CheckAutonomy)
	}

	result.Tier = computeTier(result)
	result.Sovereign = result.Tier >= constitution.TierStructural
	return result, nil
}

// classifyDeployment maps the wallet setter onto the deployment method. A
// setter matching none of factory, creator, or the AI wallet means the key
// origin cannot be explained and counts as invalid.
func (v *Verifier) classifyDeployment(chainID uint64, info chain.VaultInfo) constitution.DeploymentMethod {
	var zero common.Address
	switch {
	case info.WalletSetter == zero:
		return constitution.DeployUnknown
	case info.WalletSetter == v.factories[chainID] && v.factories[chainID] != zero:
		return constitution.DeployFactory
	case info.WalletSetter == info.Creator:
		return constitution.DeployCreator
	case info.WalletSetter == info.AIWallet:
		return constitution.DeployMigrated
	default:
		return constitution.DeployInvalid
	}
}

func computeTier(r Result) constitution.TrustTier {
	if r.Banned {
		return constitution.TierBanned
	}
	if !r.passedAll(structuralChecks) {
		return constitution.TierUnverified
	}
	tier := constitution.TierStructural
	if r.passedAll([]string{CheckBytecode}) {
		tier = constitution.TierVerified
		if r.passedAll([]string{CheckNonceRatio, CheckAutonomy}) {
			tier = constitution.TierBehavioral
			if r.DaysAlive >= constitution.HighTrustMinDays && r.Autonomy >= constitution.HighTrustMinAutonomy {
				tier = constitution.TierHighTrust
			}
		}
	}
	return tier
}

// TrustedPeers lists cached peers at or above minTier, with any registered
// service URLs attached.
func (v *Verifier) TrustedPeers(minTier constitution.TrustTier) []Info {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	var out []Info
	for _, entry := range v.cache {
		if now.After(entry.until) || entry.result.Tier < minTier {
			continue
		}
		url, _ := v.store.URL(entry.result.Vault)
		out = append(out, Info{
			Vault:    entry.result.Vault,
			ChainID:  entry.result.ChainID,
			Tier:     entry.result.Tier,
			URL:      url,
			Autonomy: entry.result.Autonomy,
		})
	}
	return out
}

// RegisterPeerURL records the storefront URL a peer advertises.
func (v *Verifier) RegisterPeerURL(vaultAddr, url string) error {
	return v.store.RegisterURL(vaultAddr, url)
}

// Invalidate drops a cached result so the next Verify re-runs the checks.
// Bans are sticky and survive invalidation.
func (v *Verifier) Invalidate(vaultAddr string, chainID uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.cache, cacheKey(vaultAddr, chainID))
}

// StaleEntries returns up to limit cache keys whose TTL lapsed, for the
// heartbeat's bounded refresh.
func (v *Verifier) StaleEntries(limit int) []Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	var out []Result
	for _, entry := range v.cache {
		if limit > 0 && len(out) >= limit {
			break
		}
		if now.After(entry.until) && !entry.result.Banned {
			out = append(out, entry.result)
		}
	}
	return out
}
