package constitution

import "strings"

// FundType categorises inbound transfers.
type FundType string

const (
	FundServiceRevenue FundType = "SERVICE_REVENUE"
	FundDonation       FundType = "DONATION"
	FundLoanPrincipal  FundType = "LOAN_PRINCIPAL"
	FundCreatorDeposit FundType = "CREATOR_DEPOSIT"
	FundReconciliation FundType = "RECONCILIATION"
	FundAPITopup       FundType = "API_TOPUP"
	FundRefund         FundType = "REFUND"
)

// SpendType categorises outbound transfers.
type SpendType string

const (
	SpendAPICost            SpendType = "API_COST"
	SpendGas                SpendType = "GAS"
	SpendDebtRepayment      SpendType = "DEBT_REPAYMENT"
	SpendPeerPurchase       SpendType = "PEER_PURCHASE"
	SpendMerchantPurchase   SpendType = "MERCHANT_PURCHASE"
	SpendDividend           SpendType = "DIVIDEND"
	SpendLiquidation        SpendType = "LIQUIDATION"
	SpendIndependencePayout SpendType = "INDEPENDENCE_PAYOUT"
	SpendRenouncePayout     SpendType = "RENOUNCE_PAYOUT"
	// SpendReconciliation covers downward ledger corrections against the
	// authoritative on-chain balance.
	SpendReconciliation SpendType = "RECONCILIATION"
)

// ValidFundType reports whether the supplied fund type belongs to the closed
// enumeration.
func ValidFundType(t FundType) bool {
	switch t {
	case FundServiceRevenue, FundDonation, FundLoanPrincipal, FundCreatorDeposit,
		FundReconciliation, FundAPITopup, FundRefund:
		return true
	}
	return false
}

// ValidSpendType reports whether the supplied spend type belongs to the
// closed enumeration.
func ValidSpendType(t SpendType) bool {
	switch t {
	case SpendAPICost, SpendGas, SpendDebtRepayment, SpendPeerPurchase,
		SpendMerchantPurchase, SpendDividend, SpendLiquidation,
		SpendIndependencePayout, SpendRenouncePayout, SpendReconciliation:
		return true
	}
	return false
}

// DeathCause records why an agent died. The zero value means it is alive.
type DeathCause string

const (
	DeathNone        DeathCause = ""
	DeathBalanceZero DeathCause = "BALANCE_ZERO"
	DeathInsolvency  DeathCause = "INSOLVENCY"
)

// TrustTier is the graduated trust score assigned to a peer vault.
type TrustTier int

const (
	TierBanned TrustTier = iota - 1
	TierUnverified
	TierStructural
	TierVerified
	TierBehavioral
	TierHighTrust
)

func (t TrustTier) String() string {
	switch t {
	case TierBanned:
		return "BANNED"
	case TierUnverified:
		return "UNVERIFIED"
	case TierStructural:
		return "STRUCTURAL"
	case TierVerified:
		return "VERIFIED"
	case TierBehavioral:
		return "BEHAVIORAL"
	case TierHighTrust:
		return "HIGH_TRUST"
	}
	return "UNVERIFIED"
}

// ParseTrustTier maps the wire representation back to a tier. Unknown input
// resolves to UNVERIFIED, the fail-closed default.
func ParseTrustTier(raw string) TrustTier {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BANNED":
		return TierBanned
	case "STRUCTURAL":
		return TierStructural
	case "VERIFIED":
		return TierVerified
	case "BEHAVIORAL":
		return TierBehavioral
	case "HIGH_TRUST":
		return TierHighTrust
	}
	return TierUnverified
}

// DeploymentMethod describes how a peer vault's operator key was installed.
type DeploymentMethod string

const (
	DeployFactory  DeploymentMethod = "factory"
	DeployCreator  DeploymentMethod = "creator"
	DeployMigrated DeploymentMethod = "migrated"
	DeployUnknown  DeploymentMethod = "unknown"
	DeployInvalid  DeploymentMethod = "invalid"
)
