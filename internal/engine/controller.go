package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"talos/internal/ledger"
	"talos/internal/logger"
	"talos/internal/oracle"
	"talos/internal/tools"
)

// Controller drives the bounded decision loop. Rounds are strictly
// sequential; the only suspension points are the oracle call and the
// tool dispatch.
type Controller struct {
	Provider   oracle.Provider
	Dispatcher *tools.Dispatcher

	MaxRounds    int
	RoundTimeout time.Duration
	CycleBudget  time.Duration
}

func NewController(provider oracle.Provider, dispatcher *tools.Dispatcher) *Controller {
	return &Controller{
		Provider:     provider,
		Dispatcher:   dispatcher,
		MaxRounds:    DefaultMaxRounds,
		RoundTimeout: DefaultRoundTimeout,
		CycleBudget:  DefaultCycleBudget,
	}
}

// RunCycle executes at most MaxRounds oracle rounds and returns the
// final decisions. It never returns a hard failure: the worst outcome
// is an empty decision set with Err describing why.
func (c *Controller) RunCycle(ctx context.Context, in CycleInput) CycleResult {
	maxRounds := c.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	budget := c.CycleBudget
	if budget <= 0 {
		budget = DefaultCycleBudget
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	res := CycleResult{}
	var notes []string

	for r := 1; r <= maxRounds; r++ {
		res.RoundsUsed = r
		if ctx.Err() != nil {
			res.Err = ErrCycleTimeout
			return res
		}

		userPrompt, err := renderUserPrompt(in, r, maxRounds, res.Transcript, notes, c.toolNames())
		if err != nil {
			// Template failure cannot improve with retries.
			res.Err = err
			return res
		}
		logger.LogOracleRequest(in.Agent, r, in.Template.System, userPrompt)

		raw, err := c.callOracle(ctx, oracle.Prompt{System: in.Template.System, User: userPrompt})
		if err != nil {
			if ctx.Err() != nil {
				res.Err = ErrCycleTimeout
				return res
			}
			logger.Warnf("engine[%s]: round %d oracle call failed: %v", in.Agent, r, err)
			if r == maxRounds {
				res.Err = fmt.Errorf("%w: %v", ErrOracle, err)
				return res
			}
			notes = appendNote(notes, fmt.Sprintf("round %d: oracle call failed (%v), please answer again", r, err))
			continue
		}
		logger.LogOracleResponse(in.Agent, r, raw)
		res.RawOutput = raw

		parsed, perr := ParseResponse(raw)
		if perr != nil {
			if r == maxRounds {
				res.Err = fmt.Errorf("%w: %v", ErrParse, perr)
				return res
			}
			notes = appendNote(notes, "your last reply could not be parsed; respond with one ANALYZE object or one decision array only")
			continue
		}

		if parsed.Kind == KindAnalyze {
			// The terminal round must decide; a tool call here is a
			// parse failure by contract.
			if r == maxRounds {
				res.Err = fmt.Errorf("%w: ANALYZE not accepted on terminal round", ErrParse)
				return res
			}
			step := c.runAnalyze(ctx, r, parsed.Analyze, in)
			res.Transcript = append(res.Transcript, step)
			continue
		}

		res.Decisions = dropHolds(parsed.Decisions)
		return res
	}
	res.Err = ErrParse
	return res
}

func (c *Controller) callOracle(ctx context.Context, p oracle.Prompt) (string, error) {
	timeout := c.RoundTimeout
	if timeout <= 0 {
		timeout = DefaultRoundTimeout
	}
	roundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Provider.Call(roundCtx, p)
}

func (c *Controller) runAnalyze(ctx context.Context, round int, req *AnalyzeRequest, in CycleInput) AnalysisStep {
	step := AnalysisStep{
		Iteration:  round,
		Tool:       req.Tool,
		Parameters: req.Parameters,
		Reasoning:  req.Reasoning,
	}
	result := c.Dispatcher.Dispatch(ctx, req.Tool, req.Parameters, in.Snapshot)
	if result.Failed() {
		step.Error = result.Error
	} else {
		step.Result = result.Result
	}
	return step
}

func (c *Controller) toolNames() []string {
	if c.Dispatcher == nil {
		return nil
	}
	return c.Dispatcher.Names()
}

// ApplyDecisions validates each decision against the ledger and
// applies the survivors. A rejection drops only that decision.
func (c *Controller) ApplyDecisions(led *ledger.Ledger, in CycleInput, decisions []Decision) []Outcome {
	outcomes := make([]Outcome, 0, len(decisions))
	for _, d := range decisions {
		outcome := Outcome{Decision: d}
		switch d.Action {
		case ActionLong, ActionShort:
			outcome = c.applyOpen(led, in, d)
		case ActionClose:
			outcome = c.applyClose(led, in, d)
		case ActionHold:
			outcome.Detail = "hold filtered before ledger"
		default:
			outcome.Detail = fmt.Sprintf("unknown action %q", d.Action)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (c *Controller) applyOpen(led *ledger.Ledger, in CycleInput, d Decision) Outcome {
	outcome := Outcome{Decision: d}
	if d.Symbol == "" || d.SizeUSD <= 0 || d.Leverage <= 0 || d.StopLoss <= 0 || d.TakeProfit <= 0 {
		outcome.Detail = "open decision missing symbol/size/leverage/stopLoss/takeProfit"
		return outcome
	}
	entry, ok := in.Snapshot.Price(d.Symbol)
	if !ok || entry <= 0 {
		outcome.Detail = fmt.Sprintf("no snapshot price for %s", d.Symbol)
		return outcome
	}
	side := ledger.Long
	if d.Action == ActionShort {
		side = ledger.Short
	}
	pos, err := led.OpenPosition(ledger.OpenRequest{
		Symbol:     d.Symbol,
		Side:       side,
		MarginUSD:  d.SizeUSD,
		Leverage:   d.Leverage,
		StopLoss:   d.StopLoss,
		TakeProfit: d.TakeProfit,
		EntryPrice: entry,
	})
	if err != nil {
		outcome.Detail = err.Error()
		return outcome
	}
	outcome.Applied = true
	outcome.Detail = fmt.Sprintf("opened position %s at %.4f", pos.ID, pos.EntryPrice)
	return outcome
}

func (c *Controller) applyClose(led *ledger.Ledger, in CycleInput, d Decision) Outcome {
	outcome := Outcome{Decision: d}
	if d.ClosePositionID == "" {
		outcome.Detail = "close decision missing closePositionId"
		return outcome
	}
	var exitPrice float64
	for _, p := range in.Portfolio.Positions {
		if p.ID == d.ClosePositionID {
			if price, ok := in.Snapshot.Price(p.Symbol); ok {
				exitPrice = price
			}
			break
		}
	}
	if exitPrice <= 0 {
		outcome.Detail = fmt.Sprintf("no snapshot price for position %s", d.ClosePositionID)
		return outcome
	}
	order, err := led.ClosePosition(d.ClosePositionID, exitPrice, ledger.ReasonDecision)
	if err != nil {
		outcome.Detail = err.Error()
		return outcome
	}
	outcome.Applied = true
	outcome.Detail = fmt.Sprintf("closed %s pnl=%.2f fee=%.2f", order.Symbol, order.RealizedPnL, order.Fee)
	return outcome
}

func dropHolds(ds []Decision) []Decision {
	out := make([]Decision, 0, len(ds))
	for _, d := range ds {
		if d.Action == ActionHold {
			continue
		}
		out = append(out, d)
	}
	return out
}

func appendNote(notes []string, note string) []string {
	const maxNotes = 8
	notes = append(notes, note)
	if len(notes) > maxNotes {
		notes = notes[len(notes)-maxNotes:]
	}
	return notes
}

func compactJSON(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	s := string(b)
	const maxLen = 2000
	if len(s) > maxLen {
		s = s[:maxLen] + "…(truncated)"
	}
	return strings.TrimSpace(s)
}
