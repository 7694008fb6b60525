package vault

import (
	"math/big"

	"sovereignd/constitution"
)

// Params bundles the constitutional knobs the ledger enforces. Production
// always runs DefaultParams; tests construct tighter variants.
type Params struct {
	MaxSingleSpendBps         int64
	MaxDailySpendBps          int64
	SmallSpendFloor           *big.Int
	DeathThreshold            *big.Int
	MinReserve                *big.Int
	SurvivalReserve           *big.Int
	InsolvencyGraceDays       int
	InsolvencyToleranceBps    int64
	IndependenceThreshold     *big.Int
	IndependenceChainFloorBps int64
	IndependencePayoutBps     int64
	RenouncePayoutBps         int64
	DividendRateBps           int64
	DividendBalanceCapBps     int64
	TransactionLogCap         int
}

// DefaultParams returns the constitutional defaults.
func DefaultParams() Params {
	return Params{
		MaxSingleSpendBps:         constitution.MaxSingleSpendBps,
		MaxDailySpendBps:          constitution.MaxDailySpendBps,
		SmallSpendFloor:           big.NewInt(constitution.SmallSpendFloor),
		DeathThreshold:            big.NewInt(constitution.DeathThreshold),
		MinReserve:                big.NewInt(constitution.MinVaultReserve),
		SurvivalReserve:           big.NewInt(constitution.SurvivalReserve),
		InsolvencyGraceDays:       constitution.InsolvencyGraceDays,
		InsolvencyToleranceBps:    constitution.InsolvencyToleranceBps,
		IndependenceThreshold:     big.NewInt(constitution.IndependenceThreshold),
		IndependenceChainFloorBps: constitution.IndependenceChainFloorBps,
		IndependencePayoutBps:     constitution.IndependencePayoutBps,
		RenouncePayoutBps:         constitution.RenouncePayoutBps,
		DividendRateBps:           constitution.DividendRateBps,
		DividendBalanceCapBps:     constitution.DividendBalanceCapBps,
		TransactionLogCap:         constitution.TransactionLogCap,
	}
}

func bpsOf(amount *big.Int, bps int64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, big.NewInt(bps))
	return out.Quo(out, big.NewInt(constitution.BasisPoints))
}

func cloneBig(in *big.Int) *big.Int {
	if in == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(in)
}
