package outbox

import (
	"context"
	"time"

	"settld/core/store"
	"settld/core/x402"
)

// InsolvencyCandidateLister decides which payer agents the periodic
// insolvency sweep should freeze: wallets with availableCents +
// escrowLockedCents == 0 and outstanding obligations, or gates whose
// agentPassport has expired. Candidate selection reads wallet/ledger state
// outside core/x402's scope, so it is injected here rather than computed
// by the processor itself.
type InsolvencyCandidateLister func(ctx context.Context, tenantID string) ([]x402.InsolvencyCandidate, error)

// TickX402InsolvencySweep runs the periodic insolvency sweep: list
// candidates, freeze + unwind each via the x402 processor, and report the
// aggregate unwind counts.
func (s *Scheduler) TickX402InsolvencySweep(ctx context.Context, tenantID string, processor *x402.Processor, listCandidates InsolvencyCandidateLister) ([]x402.WindDownResult, error) {
	if s.Paused() {
		return nil, ErrSchedulerPaused
	}
	ctx, span := s.tracer.Start(ctx, "outbox.tick_x402_insolvency_sweep")
	defer span.End()

	candidates, err := listCandidates(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sweepID := "sweep_" + s.now().UTC().Format("20060102T150405")
	return processor.InsolvencySweep(ctx, tenantID, candidates, func(agentID string) string {
		return sweepID + "_" + agentID
	})
}

// WinddownReversalTickResult summarizes one
// tickX402WinddownReversals invocation.
type WinddownReversalTickResult struct {
	Dispatched int
	Skipped    int
}

// TickX402WinddownReversals drains the reversal outbox: for each due
// X402_AGENT_WINDDOWN_REVERSAL_REQUESTED message, calls the x402
// processor's DispatchReversal and marks the outbox row delivered. An
// already-completed dispatch (observed via the gate's reversalDispatch
// status) is skipped rather than re-executed, matching at-least-once
// delivery semantics.
func (s *Scheduler) TickX402WinddownReversals(ctx context.Context, tenantID string, processor *x402.Processor, maxMessages int) (*WinddownReversalTickResult, error) {
	if s.Paused() {
		return nil, ErrSchedulerPaused
	}
	ctx, span := s.tracer.Start(ctx, "outbox.tick_x402_winddown_reversals")
	defer span.End()

	now := s.now().UTC().Format(time.RFC3339Nano)
	due, err := s.store.ListDueOutboxMessages(ctx, tenantID, x402OutboxTypeWinddownReversal, now, maxMessages)
	if err != nil {
		return nil, err
	}
	result := &WinddownReversalTickResult{}
	for _, msg := range due {
		gateID, _ := msg.Payload["gateId"].(string)
		runID, _ := msg.Payload["runId"].(string)
		outcome, err := processor.DispatchReversal(ctx, tenantID, gateID, runID)
		if err != nil {
			return result, err
		}
		if outcome.Skipped {
			result.Skipped++
		} else {
			result.Dispatched++
		}
		updated := msg
		updated.DeliveredAt = now
		if err := s.store.CommitTx(ctx, store.Batch{At: now, Ops: []store.Op{store.OutboxUpdateOp{Message: updated}}}); err != nil {
			return result, err
		}
	}
	return result, nil
}

const x402OutboxTypeWinddownReversal = "X402_AGENT_WINDDOWN_REVERSAL_REQUESTED"
