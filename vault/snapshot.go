package vault

import (
	"fmt"
	"math/big"
	"time"

	"sovereignd/persist"
)

// Status copies the full vault state out. The returned snapshot shares
// nothing with the live ledger.
func (v *Vault) Status() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *Vault) snapshotLocked() Snapshot {
	chains := make(map[string]*big.Int, len(v.chains))
	for key, amount := range v.chains {
		chains[key] = cloneBig(amount)
	}
	lenders := make([]LenderRecord, len(v.lenders))
	for i, lender := range v.lenders {
		lenders[i] = LenderRecord{
			Wallet:       lender.Wallet,
			Principal:    cloneBig(lender.Principal),
			InterestBps:  lender.InterestBps,
			RegisteredAt: lender.RegisteredAt,
			Repaid:       cloneBig(lender.Repaid),
			FullyRepaid:  lender.FullyRepaid,
		}
	}
	txs := make([]Transaction, len(v.txlog))
	for i, tx := range v.txlog {
		txs[i] = tx
		txs[i].Amount = cloneBig(tx.Amount)
	}
	return Snapshot{
		Name:             v.name,
		Address:          v.address,
		Chains:           chains,
		TotalIncome:      cloneBig(v.totalIncome),
		TotalSpent:       cloneBig(v.totalSpent),
		DailySpent:       cloneBig(v.dailySpent),
		DailyLimitBase:   cloneBig(v.dailyLimitBase),
		DailyResetAnchor: v.dailyResetAnchor,
		Creator: CreatorRecord{
			Wallet:           v.creator.Wallet,
			Principal:        cloneBig(v.creator.Principal),
			PrincipalRepaid:  cloneBig(v.creator.PrincipalRepaid),
			PrincipalCleared: v.creator.PrincipalCleared,
			DividendsPaid:    cloneBig(v.creator.DividendsPaid),
		},
		Lenders:          lenders,
		Transactions:     txs,
		NextSeq:          v.nextSeq,
		Alive:            v.alive,
		DeathCause:       v.deathCause,
		Birth:            v.birth,
		Independent:      v.independent,
		CreatorRenounced: v.creatorRenounced,
		APITopup:         cloneBig(v.apiTopup),
		Begging:          v.begging,
		BeggingMessage:   v.beggingMessage,
		ProfitAnchor:     cloneBig(v.profitAnchor),
	}
}

// Save writes the vault snapshot atomically to path.
func (v *Vault) Save(path string) error {
	return persist.WriteJSON(path, v.Status())
}

// Restore constructs a vault from a snapshot on disk. The callbacks, clock,
// and params are re-supplied by the caller; only ledger state is restored.
func Restore(path string, opts ...Option) (*Vault, error) {
	var snap Snapshot
	if err := persist.ReadJSON(path, &snap); err != nil {
		return nil, err
	}
	return FromSnapshot(snap, opts...)
}

// FromSnapshot rebuilds a vault from a previously captured snapshot.
func FromSnapshot(snap Snapshot, opts ...Option) (*Vault, error) {
	if snap.Name == "" || snap.Address == "" {
		return nil, fmt.Errorf("vault: snapshot missing identity")
	}
	v := &Vault{
		name:           snap.Name,
		address:        snap.Address,
		chains:         make(map[string]*big.Int, len(snap.Chains)),
		totalIncome:    cloneBig(snap.TotalIncome),
		totalSpent:     cloneBig(snap.TotalSpent),
		dailySpent:     cloneBig(snap.DailySpent),
		dailyLimitBase: cloneBig(snap.DailyLimitBase),
		dailyResetAnchor: snap.DailyResetAnchor,
		nextSeq:        snap.NextSeq,
		alive:          snap.Alive,
		deathCause:     snap.DeathCause,
		birth:          snap.Birth,
		independent:    snap.Independent,
		creatorRenounced: snap.CreatorRenounced,
		apiTopup:       cloneBig(snap.APITopup),
		begging:        snap.Begging,
		beggingMessage: snap.BeggingMessage,
		profitAnchor:   cloneBig(snap.ProfitAnchor),
		params:         DefaultParams(),
		now:            time.Now,
	}
	for key, amount := range snap.Chains {
		v.chains[key] = cloneBig(amount)
	}
	v.creator = CreatorRecord{
		Wallet:           snap.Creator.Wallet,
		Principal:        cloneBig(snap.Creator.Principal),
		PrincipalRepaid:  cloneBig(snap.Creator.PrincipalRepaid),
		PrincipalCleared: snap.Creator.PrincipalCleared,
		DividendsPaid:    cloneBig(snap.Creator.DividendsPaid),
	}
	for _, lender := range snap.Lenders {
		copied := lender
		copied.Principal = cloneBig(lender.Principal)
		copied.Repaid = cloneBig(lender.Repaid)
		v.lenders = append(v.lenders, &copied)
	}
	v.txlog = make([]Transaction, len(snap.Transactions))
	for i, tx := range snap.Transactions {
		v.txlog[i] = tx
		v.txlog[i].Amount = cloneBig(tx.Amount)
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}
