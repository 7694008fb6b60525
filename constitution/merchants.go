package constitution

// Merchant identity is constitutional: an adapter may only transact with a
// counterparty named here, either by a fixed on-chain address or by a DNS
// domain trust anchor whose payment address is discovered at request time.

// StaticMerchant is a merchant with a compile-time payment address.
type StaticMerchant struct {
	ID      string
	Adapter string
	ChainID uint64
	Address string
	Cap     int64 // per-merchant cap, canonical units
}

// TrustedDomainMerchant anchors trust in a DNS domain. Its payment address is
// discovered per order and must be registered with the merchant registry
// before execution.
type TrustedDomainMerchant struct {
	ID      string
	Adapter string
	ChainID uint64
	Domain  string
	Cap     int64
}

var staticMerchants = []StaticMerchant{
	{
		ID:      "x402-basefeed",
		Adapter: "x402",
		ChainID: ChainBase,
		Address: "0x4200000000000000000000000000000000000402",
		Cap:     25 * MicroUnit,
	},
}

var trustedDomains = []TrustedDomainMerchant{
	{
		ID:      "giftcards-bitrefill",
		Adapter: "giftcard",
		ChainID: ChainBase,
		Domain:  "api.bitrefill.com",
		Cap:     50 * MicroUnit,
	},
	{
		ID:      "x402-openfeeds",
		Adapter: "x402",
		ChainID: ChainBase,
		Domain:  "api.openfeeds.xyz",
		Cap:     25 * MicroUnit,
	},
}

// KnownMerchants returns a copy of the static merchant list.
func KnownMerchants() []StaticMerchant {
	out := make([]StaticMerchant, len(staticMerchants))
	copy(out, staticMerchants)
	return out
}

// TrustedDomains returns a copy of the trusted-domain merchant list.
func TrustedDomains() []TrustedDomainMerchant {
	out := make([]TrustedDomainMerchant, len(trustedDomains))
	copy(out, trustedDomains)
	return out
}

// Chain identifiers the runtime recognises.
const (
	ChainBase uint64 = 8453
	ChainBSC  uint64 = 56
)

// KnownVaultBytecodeHashes is the allow-list of vault contract bytecode
// hashes accepted by peer verification check 8.
var KnownVaultBytecodeHashes = []string{
	"0x8f4a31c7e56d9a02b1f0cc8e5d3b6a7f9e2c4d018a5b3c6d9e0f1a2b3c4d5e6f",
	"0x13d7be024a9c5e8f6b1d2a3c4e5f60718293a4b5c6d7e8f9a0b1c2d3e4f50617",
}
