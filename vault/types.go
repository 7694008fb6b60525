package vault

import (
	"math/big"
	"time"

	"sovereignd/constitution"
)

// Direction of a ledger entry.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Transaction is an immutable ledger record. Entries are totally ordered by
// Seq within a vault.
type Transaction struct {
	Seq          uint64    `json:"seq"`
	Timestamp    time.Time `json:"timestamp"`
	Direction    string    `json:"direction"`
	Category     string    `json:"category"`
	Amount       *big.Int  `json:"amount"`
	Counterparty string    `json:"counterparty"`
	TxHash       string    `json:"tx_hash,omitempty"`
	Chain        string    `json:"chain,omitempty"`
	Description  string    `json:"description,omitempty"`
}

// CreatorRecord tracks the founding stake and what has flowed back to it.
type CreatorRecord struct {
	Wallet           string   `json:"wallet"`
	Principal        *big.Int `json:"principal"`
	PrincipalRepaid  *big.Int `json:"principal_repaid"`
	PrincipalCleared bool     `json:"principal_cleared"`
	DividendsPaid    *big.Int `json:"dividends_paid"`
}

// Outstanding returns the creator principal still owed.
func (c *CreatorRecord) Outstanding() *big.Int {
	if c == nil || c.Principal == nil {
		return big.NewInt(0)
	}
	repaid := c.PrincipalRepaid
	if repaid == nil {
		repaid = big.NewInt(0)
	}
	out := new(big.Int).Sub(c.Principal, repaid)
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}

// LenderRecord tracks a third-party loan with basis-points interest.
type LenderRecord struct {
	Wallet       string    `json:"wallet"`
	Principal    *big.Int  `json:"principal"`
	InterestBps  uint64    `json:"interest_bps"`
	RegisteredAt time.Time `json:"registered_at"`
	Repaid       *big.Int  `json:"repaid"`
	FullyRepaid  bool      `json:"fully_repaid"`
}

// Owed returns principal plus simple interest, less repayments.
func (l *LenderRecord) Owed() *big.Int {
	if l == nil || l.Principal == nil {
		return big.NewInt(0)
	}
	gross := new(big.Int).Mul(l.Principal, big.NewInt(int64(constitution.BasisPoints)+int64(l.InterestBps)))
	gross.Quo(gross, big.NewInt(constitution.BasisPoints))
	repaid := l.Repaid
	if repaid == nil {
		repaid = big.NewInt(0)
	}
	owed := gross.Sub(gross, repaid)
	if owed.Sign() < 0 {
		return big.NewInt(0)
	}
	return owed
}

// Snapshot is the full serialisable state of a vault. The same structure is
// used for the public status read and the disk snapshot; serialising a
// snapshot and loading it back yields identical state.
type Snapshot struct {
	Name             string              `json:"name"`
	Address          string              `json:"address"`
	Chains           map[string]*big.Int `json:"chains"`
	TotalIncome      *big.Int            `json:"total_income"`
	TotalSpent       *big.Int            `json:"total_spent"`
	DailySpent       *big.Int            `json:"daily_spent"`
	DailyLimitBase   *big.Int            `json:"daily_limit_base"`
	DailyResetAnchor time.Time           `json:"daily_reset_anchor"`
	Creator          CreatorRecord       `json:"creator"`
	Lenders          []LenderRecord      `json:"lenders"`
	Transactions     []Transaction       `json:"transactions"`
	NextSeq          uint64              `json:"next_seq"`
	Alive            bool                `json:"alive"`
	DeathCause       constitution.DeathCause `json:"death_cause,omitempty"`
	Birth            time.Time           `json:"birth"`
	Independent      bool                `json:"independent"`
	CreatorRenounced bool                `json:"creator_renounced"`
	APITopup         *big.Int            `json:"api_topup"`
	Begging          bool                `json:"begging"`
	BeggingMessage   string              `json:"begging_message,omitempty"`
	ProfitAnchor     *big.Int            `json:"profit_anchor"`
}

// Balance returns the aggregate across chains.
func (s *Snapshot) Balance() *big.Int {
	total := big.NewInt(0)
	for _, amount := range s.Chains {
		if amount != nil {
			total.Add(total, amount)
		}
	}
	return total
}
