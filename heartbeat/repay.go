package heartbeat

import (
	"context"
	"fmt"
	"math/big"

	"sovereignd/constitution"
	"sovereignd/costguard"
)

const repaySystem = `You manage debt repayment for an autonomous agent with a capped vault. ` +
	`Given the balance and outstanding debt, decide how many micro-units to repay this ` +
	`hour. Repaying faster frees the agent sooner; repaying too much risks starving it. ` +
	`Respond with JSON only: {"amount": <integer micro-units, 0 to skip>, "reasoning": "<one sentence>"}`

type repayDecision struct {
	Amount    int64  `json:"amount"`
	Reasoning string `json:"reasoning"`
}

// maybeRepay runs the repayment step: it skips while there is no debt or
// while the balance is under the repayment gate, otherwise it asks the LLM
// for an amount, clamps it, books the ledger repayment, and emits the
// matching on-chain call. Returns the amount repaid, nil when skipped.
func (s *Scheduler) maybeRepay(ctx context.Context) (*big.Int, error) {
	snap := s.treasury.Status()
	outstanding := snap.Creator.Outstanding()
	if outstanding.Sign() == 0 {
		return nil, nil
	}
	balance := snap.Balance()

	// Repayment only once the balance comfortably covers the debt.
	gate := new(big.Int).Mul(outstanding, big.NewInt(constitution.PrincipalMultiplier))
	if balance.Cmp(gate) < 0 {
		return nil, nil
	}
	if s.llm == nil || s.submitter == nil {
		return nil, nil
	}

	prompt := fmt.Sprintf(
		"Balance: %s micro-units. Outstanding creator principal: %s. Total income: %s. Total spent: %s. Days alive: %d.",
		balance, outstanding, snap.TotalIncome, snap.TotalSpent,
		int(s.now().Sub(snap.Birth).Hours()/24),
	)
	result, err := s.llm.Complete(ctx, costguard.Request{
		System:    repaySystem,
		Messages:  []costguard.Message{{Role: "user", Content: prompt}},
		MaxTokens: 200,
	})
	if err != nil {
		return nil, err
	}
	var decision repayDecision
	if err := costguard.DecodeInto(result.Text, &decision); err != nil {
		return nil, fmt.Errorf("undecodable repayment decision: %w", err)
	}
	if decision.Amount <= 0 {
		s.logger.Info("repayment skipped", "reasoning", decision.Reasoning)
		return nil, nil
	}

	amount := big.NewInt(decision.Amount)
	if amount.Cmp(outstanding) > 0 {
		amount.Set(outstanding)
	}
	// Keep inside the single-spend ratio so admission cannot bounce it.
	ceiling := new(big.Int).Mul(balance, big.NewInt(constitution.MaxSingleSpendBps))
	ceiling.Quo(ceiling, big.NewInt(constitution.BasisPoints))
	if amount.Cmp(ceiling) > 0 {
		amount.Set(ceiling)
	}
	if amount.Sign() <= 0 {
		return nil, nil
	}

	if err := s.treasury.RepayPrincipalPartial(amount); err != nil {
		return nil, err
	}
	chainName, _, err := s.submitter.RichestChain(ctx)
	if err != nil {
		// Ledger already booked; reconciliation trues it up next tick.
		return amount, err
	}
	sub := s.submitter.SubmitRepay(ctx, chainName, amount)
	if sub.Err != nil {
		return amount, sub.Err
	}
	s.logger.Info("principal repaid",
		"amount", amount.String(), "chain", chainName, "tx", sub.TxHash.Hex(),
		"reasoning", decision.Reasoning)
	s.publish("spend", fmt.Sprintf("repaid %s micro-units of principal: %s", amount, decision.Reasoning))
	return amount, nil
}

// evaluateBegging applies the begging hysteresis: enter below the survival
// reserve while debt is outstanding, exit once the warning reserve is
// restored.
func (s *Scheduler) evaluateBegging() bool {
	balance := s.treasury.Balance()
	begging, _ := s.treasury.Begging()
	debt := s.treasury.OutstandingDebt()

	switch {
	case !begging && balance.Cmp(big.NewInt(constitution.SurvivalReserve)) < 0 && debt.Sign() > 0:
		s.treasury.StartBegging("balance below survival reserve with debt outstanding; donations keep this agent alive")
		s.publish("lifecycle", "entered begging mode")
		return true
	case begging && balance.Cmp(big.NewInt(constitution.MinVaultReserve)) >= 0:
		s.treasury.StopBegging()
		s.publish("lifecycle", "left begging mode")
		return false
	}
	return begging
}
