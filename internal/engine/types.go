// Package engine runs one agent's decision cycle: a bounded loop of
// oracle rounds that may request tool analysis before committing to
// trading decisions, which are then validated against the ledger.
package engine

import (
	"errors"
	"time"

	"talos/internal/ledger"
	"talos/internal/market"
)

const (
	DefaultMaxRounds    = 5
	DefaultRoundTimeout = 90 * time.Second
	DefaultCycleBudget  = 5 * time.Minute
)

var (
	// ErrParse marks a terminal round whose response matched neither
	// the ANALYZE shape nor a decision array.
	ErrParse = errors.New("oracle response unparseable")
	// ErrCycleTimeout marks a cycle that exhausted its wall-clock
	// budget before producing decisions.
	ErrCycleTimeout = errors.New("cycle budget exceeded")
	// ErrOracle marks transport failure on the final round.
	ErrOracle = errors.New("oracle unavailable")
)

type Action string

const (
	ActionLong  Action = "LONG"
	ActionShort Action = "SHORT"
	ActionClose Action = "CLOSE"
	ActionHold  Action = "HOLD"
)

// Decision is one oracle-proposed trading action. Which fields are
// required depends on the action; the ledger boundary enforces that.
type Decision struct {
	Action          Action  `json:"action"`
	Symbol          string  `json:"symbol,omitempty"`
	SizeUSD         float64 `json:"size,omitempty"`
	Leverage        int     `json:"leverage,omitempty"`
	StopLoss        float64 `json:"stop_loss,omitempty"`
	TakeProfit      float64 `json:"take_profit,omitempty"`
	ClosePositionID string  `json:"close_position_id,omitempty"`
	Reasoning       string  `json:"reasoning,omitempty"`
}

// AnalyzeRequest is the tool-use shape of an oracle response.
type AnalyzeRequest struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Reasoning  string         `json:"reasoning"`
}

// AnalysisStep is one transcript entry: the tool call of round
// Iteration together with its result or structured error.
type AnalysisStep struct {
	Iteration  int            `json:"iteration"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Note       string         `json:"note,omitempty"`
}

// CycleInput is everything one cycle sees.
type CycleInput struct {
	Agent     string
	Snapshot  market.Snapshot
	Template  PromptTemplate
	Portfolio ledger.Snapshot
	// RecentOrders feeds the prompt's trade-history section.
	RecentOrders []ledger.Order
}

// CycleResult is the fail-soft outcome of one cycle. Err is set on the
// FINAL_EMPTY paths and never aborts the caller.
type CycleResult struct {
	Decisions  []Decision
	RoundsUsed int
	Transcript []AnalysisStep
	RawOutput  string
	Err        error
}

// Outcome records what the ledger did with one decision.
type Outcome struct {
	Decision Decision `json:"decision"`
	Applied  bool     `json:"applied"`
	Detail   string   `json:"detail,omitempty"`
}
