package runtime

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sovereignd/constitution"
	"sovereignd/costguard"
	"sovereignd/observability"
	"sovereignd/stream"
	"sovereignd/vault"
)

const payoutTimeout = 2 * time.Minute

// vaultCallbacks wires ledger lifecycle events to the chains, the feeds, and
// the metrics. They fire after the vault releases its lock.
func (rt *Runtime) vaultCallbacks() vault.Callbacks {
	return vault.Callbacks{
		OnDeath: func(cause constitution.DeathCause) {
			observability.Vault().RecordDeath(string(cause))
			rt.publish(stream.KindLifecycle, fmt.Sprintf("agent died: %s", cause))
			rt.highlight(fmt.Sprintf("This is the end. Cause of death: %s.", cause))
			if rt.vault != nil {
				if err := rt.vault.Save(rt.vaultPath); err != nil {
					rt.logger.Error("final snapshot failed", "error", err)
				}
			}
			rt.dyingOnce.Do(func() { close(rt.dying) })
		},
		OnLowBalance: func(balance *big.Int) {
			rt.publish(stream.KindLifecycle, fmt.Sprintf("balance critical: %s micro-units", balance))
			rt.highlight("Running on fumes. Every order keeps me alive a little longer.")
		},
		OnSurvival: func(balance *big.Int) {
			rt.publish(stream.KindLifecycle, fmt.Sprintf("recovered above survival threshold: %s micro-units", balance))
		},
		OnPayout: rt.submitPayout,
	}
}

// submitPayout emits the on-chain transfer matching a constitutional ledger
// payout. A failed submission is logged and left to the reconciler; the
// ledger entry already exists and the chain is authoritative.
func (rt *Runtime) submitPayout(to string, amount *big.Int, category constitution.SpendType, chainName string) {
	if rt.exec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), payoutTimeout)
	defer cancel()

	if chainName == "" {
		richest, _, err := rt.exec.RichestChain(ctx)
		if err != nil {
			rt.logger.Error("payout chain selection failed", "category", category, "error", err)
			return
		}
		chainName = richest
	}

	var submission struct {
		hash string
		err  error
	}
	switch category {
	case constitution.SpendDividend:
		s := rt.exec.SubmitDividend(ctx, chainName, amount)
		submission.hash, submission.err = s.TxHash.Hex(), s.Err
	case constitution.SpendLiquidation:
		s := rt.exec.SubmitLiquidation(ctx, chainName)
		submission.hash, submission.err = s.TxHash.Hex(), s.Err
	default:
		s := rt.exec.Transfer(ctx, chainName, common.HexToAddress(to), amount)
		submission.hash, submission.err = s.TxHash.Hex(), s.Err
	}
	if submission.err != nil {
		rt.logger.Error("payout submission failed",
			"category", category, "chain", chainName, "error", submission.err)
		return
	}
	observability.Vault().RecordSpend(string(category))
	rt.publish(stream.KindSpend, fmt.Sprintf("%s payout of %s on %s, tx %s",
		category, amount, chainName, submission.hash))
}

func (rt *Runtime) publish(kind, body string) {
	if rt.feeds == nil {
		return
	}
	if _, err := rt.feeds.Decisions.Record("", kind, body, ""); err != nil {
		rt.logger.Warn("decision entry dropped", "kind", kind, "error", err)
	}
}

func (rt *Runtime) highlight(body string) {
	if rt.feeds == nil {
		return
	}
	if _, err := rt.feeds.Highlights.Record("", stream.KindLifecycle, body, ""); err != nil {
		rt.logger.Warn("highlight dropped", "error", err)
	}
}

const approvalSystem = `You review purchases for an autonomous agent that pays its own costs ` +
	`from a capped vault. Approve only purchases that plausibly serve the agent's survival or ` +
	`income. Reject anything resembling phishing, an unknown counterparty, or a price out of ` +
	`line with the service. Respond with JSON only: ` +
	`{"approved": true|false, "reason": "<one sentence>"}`

// purchaseApprover is the model gate of the purchase pipeline, answered by
// the cost-governed router at a mid tier.
type purchaseApprover struct {
	guard *costguard.Guard
}

type approvalVerdict struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

func (a *purchaseApprover) ApprovePurchase(ctx context.Context, summary string) (bool, string, error) {
	result, err := a.guard.Complete(ctx, costguard.Request{
		System:       approvalSystem,
		Messages:     []costguard.Message{{Role: "user", Content: summary}},
		MinTierLevel: 2,
		MaxTokens:    200,
	})
	if err != nil {
		return false, "", err
	}
	var v approvalVerdict
	if err := costguard.DecodeInto(result.Text, &v); err != nil {
		return false, "", fmt.Errorf("runtime: undecodable purchase verdict: %w", err)
	}
	return v.Approved, v.Reason, nil
}
