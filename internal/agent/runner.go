// Package agent runs the per-agent decision loop: fetch a market
// snapshot, settle auto-triggers, run one oracle cycle and apply the
// surviving decisions to the agent's ledger.
package agent

import (
	"context"
	"time"

	"talos/internal/engine"
	"talos/internal/ledger"
	"talos/internal/logger"
	"talos/internal/market"
	"talos/internal/store"
)

// Runner owns one agent's state. All cycle work for an agent is
// serialized on its scheduler goroutine; the ledger does its own
// locking for concurrent HTTP reads.
type Runner struct {
	ID string

	Ledger     *ledger.Ledger
	Controller *engine.Controller
	Source     market.Source
	Prompts    *engine.PromptRegistry
	Store      *store.Store

	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool
}

// RunOnce executes one full cycle. Errors are logged and swallowed so
// a bad cycle never takes the agent down.
func (r *Runner) RunOnce(ctx context.Context) {
	startedAt := time.Now().UTC()
	snap, err := r.Source.Snapshot(ctx)
	if err != nil {
		logger.Errorf("agent[%s]: market snapshot failed: %v", r.ID, err)
		return
	}

	// Settle liquidations and stop orders before the oracle sees the
	// portfolio.
	triggered := r.Ledger.Tick(snap)
	for _, o := range triggered {
		logger.Infof("agent[%s]: auto-closed %s (%s) pnl=%.2f", r.ID, o.Symbol, o.Reason, o.RealizedPnL)
		r.persistOrder(ctx, o)
	}

	in := engine.CycleInput{
		Agent:        r.ID,
		Snapshot:     snap,
		Template:     r.Prompts.Template(r.ID),
		Portfolio:    r.Ledger.Snapshot(),
		RecentOrders: r.Ledger.Orders(10),
	}

	res := r.Controller.RunCycle(ctx, in)
	if res.Err != nil {
		logger.Warnf("agent[%s]: cycle ended empty after %d rounds: %v", r.ID, res.RoundsUsed, res.Err)
	}

	outcomes := r.Controller.ApplyDecisions(r.Ledger, in, res.Decisions)
	for _, out := range outcomes {
		if out.Applied {
			logger.Infof("agent[%s]: %s %s", r.ID, out.Decision.Action, out.Detail)
		} else {
			logger.Warnf("agent[%s]: dropped %s decision: %s", r.ID, out.Decision.Action, out.Detail)
		}
	}
	r.persistCycle(ctx, startedAt, res, outcomes)
}

func (r *Runner) persistOrder(ctx context.Context, o ledger.Order) {
	if r.Store == nil {
		return
	}
	if err := r.Store.SaveOrder(ctx, r.ID, o); err != nil {
		logger.Errorf("agent[%s]: persist order %s failed: %v", r.ID, o.ID, err)
	}
}

func (r *Runner) persistCycle(ctx context.Context, startedAt time.Time, res engine.CycleResult, outcomes []engine.Outcome) {
	if r.Store == nil {
		return
	}
	if err := r.Store.SaveCycle(ctx, r.ID, startedAt, res, outcomes); err != nil {
		logger.Errorf("agent[%s]: persist cycle failed: %v", r.ID, err)
	}
	// Decision-closed orders settle during ApplyDecisions; sweep any
	// not yet persisted.
	for _, o := range r.Ledger.Orders(20) {
		r.persistOrder(ctx, o)
	}
	if err := r.Store.SaveSnapshot(ctx, r.ID, r.Ledger.Snapshot()); err != nil {
		logger.Errorf("agent[%s]: persist snapshot failed: %v", r.ID, err)
	}
}
