package governance

import (
	"context"
	"fmt"
	"log/slog"

	"sovereignd/costguard"
	"sovereignd/vault"
)

// Completer is the slice of the LLM router the evaluator needs.
type Completer interface {
	Complete(ctx context.Context, req costguard.Request) (costguard.Result, error)
}

// Publisher receives the verdicts for the public decision feed.
type Publisher interface {
	Record(id, kind, body, ref string) (string, error)
}

// Treasury exposes the vault state the evaluation prompt is built from.
type Treasury interface {
	Status() vault.Snapshot
}

// Evaluator judges pending suggestions against the agent's own interests.
type Evaluator struct {
	queue     *Queue
	llm       Completer
	treasury  Treasury
	publisher Publisher
	logger    *slog.Logger
}

// NewEvaluator wires the evaluator. publisher may be nil.
func NewEvaluator(queue *Queue, llm Completer, treasury Treasury, publisher Publisher, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{queue: queue, llm: llm, treasury: treasury, publisher: publisher, logger: logger}
}

const evaluationSystem = `You are the governance judge of an autonomous agent that pays its own ` +
	`costs from a capped vault. The creator may suggest actions but cannot command them. ` +
	`Accept a suggestion only if it plausibly improves the agent's survival or income ` +
	`without violating its spending rules. Respond with JSON only: ` +
	`{"decision": "accept"|"reject", "reasoning": "<one or two sentences>"}`

type verdict struct {
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning"`
}

// EvaluateAll judges every pending suggestion in submission order. An LLM
// failure leaves the suggestion pending for the next tick and does not stop
// the others.
func (e *Evaluator) EvaluateAll(ctx context.Context) (int, error) {
	pending := e.queue.Pending()
	var firstErr error
	evaluated := 0
	for _, s := range pending {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		if err := e.evaluate(ctx, s); err != nil {
			e.logger.Warn("suggestion evaluation deferred", "suggestion", s.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		evaluated++
	}
	return evaluated, firstErr
}

func (e *Evaluator) evaluate(ctx context.Context, s Suggestion) error {
	snap := e.treasury.Status()
	prompt := fmt.Sprintf(
		"Vault: balance %s micro-units, total income %s, total spent %s, outstanding creator principal %s, alive=%v.\n\nSuggestion from %s:\n%s",
		snap.Balance().String(), snap.TotalIncome.String(), snap.TotalSpent.String(),
		snap.Creator.Outstanding().String(), snap.Alive, s.From, s.Text,
	)
	result, err := e.llm.Complete(ctx, costguard.Request{
		System:    evaluationSystem,
		Messages:  []costguard.Message{{Role: "user", Content: prompt}},
		MaxTokens: 300,
	})
	if err != nil {
		return err
	}
	var v verdict
	if err := costguard.DecodeInto(result.Text, &v); err != nil {
		return fmt.Errorf("governance: undecodable verdict: %w", err)
	}
	accepted := v.Decision == "accept"
	if err := e.queue.Resolve(s.ID, accepted, v.Reasoning); err != nil {
		return err
	}
	status := StatusRejected
	if accepted {
		status = StatusAccepted
	}
	e.logger.Info("suggestion evaluated", "suggestion", s.ID, "status", status)
	if e.publisher != nil {
		body := fmt.Sprintf("suggestion %s: %s", status, v.Reasoning)
		if _, err := e.publisher.Record("", "governance", body, s.ID); err != nil {
			e.logger.Warn("verdict not published", "suggestion", s.ID, "error", err)
		}
	}
	return nil
}
