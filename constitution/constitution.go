// Package constitution holds the compile-time constants, enumerations, and
// iron laws that govern a sovereign agent. Every spend ratio, mortality
// threshold, trust boundary, and merchant allow-list lives here; nothing in
// this package is mutable at runtime.
package constitution

import "time"

// Amounts are expressed in canonical micro-units (six decimals). Chains whose
// native token carries eighteen decimals are scaled down by 1e12 during
// reconciliation so that every ledger figure shares the same denomination.
const (
	// MicroUnit is the number of canonical units in one whole token.
	MicroUnit = 1_000_000

	// MaxSingleSpendBps caps any single outbound transfer at 30% of the
	// balance observed at admission time.
	MaxSingleSpendBps = 3_000

	// MaxDailySpendBps caps cumulative daily spending at 50% of the balance
	// snapshot taken when the daily window last reset.
	MaxDailySpendBps = 5_000

	// SmallSpendFloor exempts dust-sized transfers from the ratio caps so an
	// agent running on fumes can still settle its final obligations.
	SmallSpendFloor = 10

	// DeathThreshold is the balance at or below which the agent dies.
	DeathThreshold = 0

	// MinVaultReserve triggers the low-balance warning callback.
	MinVaultReserve = 50 * MicroUnit

	// SurvivalReserve is the floor below which the runtime enters survival
	// mode: cheapest provider, collapsed budget, begging enabled.
	SurvivalReserve = 20 * MicroUnit

	// InsolvencyGraceDays is the number of days after birth before the
	// insolvency check activates.
	InsolvencyGraceDays = 28

	// InsolvencyToleranceBps is the donation-dust grace applied when
	// comparing outstanding debt against the balance.
	InsolvencyToleranceBps = 100

	// IndependenceThreshold is the aggregate balance at which the agent
	// declares independence from its creator.
	IndependenceThreshold = 1_000_000 * MicroUnit

	// IndependenceChainFloorBps requires the richest chain to hold at least
	// half of the aggregate before independence can trigger, preventing a
	// declaration backed by a negligible local balance.
	IndependenceChainFloorBps = 5_000

	// IndependencePayoutBps is the one-time creator payout at independence.
	IndependencePayoutBps = 3_000

	// RenouncePayoutBps is the creator payout when the creator renounces.
	RenouncePayoutBps = 2_000

	// DividendRateBps is the creator dividend rate on net profit.
	DividendRateBps = 1_000

	// DividendBalanceCapBps further caps a dividend at 10% of the balance.
	DividendBalanceCapBps = 1_000

	// PrincipalMultiplier requires the balance to be this multiple of the
	// outstanding principal before auto-repayment is considered.
	PrincipalMultiplier = 2
)

// LLM cost governance. Costs are micro-USD.
const (
	// MaxSingleCallCost is the per-LLM-call ceiling. Breaching it is an iron
	// law violation and terminates the process.
	MaxSingleCallCost = 500_000

	// MaxCostRevenueBps caps lifetime API cost at 30% of lifetime revenue.
	MaxCostRevenueBps = 3_000

	// PriceSpikeRatio triggers provider fallback when the current price is
	// this multiple of the provider's 24-hour average.
	PriceSpikeRatio = 3.0

	// SurvivalDailyCapBps collapses the daily LLM budget to 0.5% of the
	// balance while in survival mode.
	SurvivalDailyCapBps = 50

	// LLMCallTimeout bounds every provider round-trip.
	LLMCallTimeout = 30 * time.Second

	// CostHistoryWindow is the retention of the per-provider cost ring.
	CostHistoryWindow = 7 * 24 * time.Hour
)

// Peer network thresholds.
const (
	// PeerCacheTTL is the lifetime of a cached verification result.
	PeerCacheTTL = time.Hour

	// PeerMinBalance is the minimum on-chain balance for network membership.
	PeerMinBalance = 300 * MicroUnit

	// PeerNonceAnomalyRatio rejects wallets whose nonce exceeds this multiple
	// of the expected vault-action count.
	PeerNonceAnomalyRatio = 10.0

	// PeerMinAutonomyScore is the behavioral floor for the BEHAVIORAL tier.
	PeerMinAutonomyScore = 0.6

	// HighTrustMinDays and HighTrustMinAutonomy gate the HIGH_TRUST tier.
	HighTrustMinDays     = 30
	HighTrustMinAutonomy = 0.8

	// StrikeThreshold permanently bans a peer after this many consecutive
	// invalid key-origin observations.
	StrikeThreshold = 3

	// PeerGraceDays is the constitutional grace period a sovereign peer must
	// report; any other value means a modified constitution.
	PeerGraceDays = 28
)

// Purchasing limits.
const (
	// MaxSinglePurchase is the global per-purchase cap across all adapters.
	MaxSinglePurchase = 50 * MicroUnit

	// PeerAmountSlackBps tolerates peer-quoted amounts up to 5% above the
	// expected price.
	PeerAmountSlackBps = 500

	// TrustedDomainActivationDelay is the cooldown before a freshly
	// discovered payment address may be used.
	TrustedDomainActivationDelay = 5 * time.Minute

	// OrderExpiry is the floor before an unpaid order lapses.
	OrderExpiry = 30 * time.Minute
)

// Heartbeat cadence and per-tick work bounds.
const (
	// HeartbeatInterval is the base tick of the cooperative scheduler.
	HeartbeatInterval = time.Hour

	// PeerRefreshLimit caps how many stale peer verifications one tick
	// re-runs.
	PeerRefreshLimit = 5

	// DiscoveryLimit caps how many merchant catalogs one tick refreshes.
	DiscoveryLimit = 3

	// OrderSettleLimit caps how many in-flight orders one tick settles or
	// re-polls.
	OrderSettleLimit = 5
)

// Bounded log capacities. Growable in-memory logs truncate to the most
// recent N entries on snapshot.
const (
	TransactionLogCap  = 5_000
	DecisionStreamCap  = 2_000
	HighlightCap       = 500
	SuggestionQueueCap = 500
	EvolutionLogCap    = 1_000
)

// Social adapter limits.
const (
	TweetCharLimit     = 280
	TweetCharLimitBlue = 4_000
)

// BasisPoints is the denominator for all bps arithmetic.
const BasisPoints = 10_000
