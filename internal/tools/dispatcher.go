// Package tools routes ANALYZE tool calls either to the sandboxed
// evaluator/simulation registry or to the fixed indicator library. A
// dispatch never panics and never blocks past its timeout; failures
// come back as structured errors in the Result.
package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"talos/internal/logger"
	"talos/internal/market"
	"talos/internal/sandbox"
)

const DefaultTimeout = 10 * time.Second

const (
	ToolCustomEquation   = "custom_equation"
	ToolDefineSimulation = "define_simulation"
	ToolRunSimulation    = "run_simulation"
	ToolPrice            = "get_price"
	ToolEMA              = "ema"
	ToolRSI              = "rsi"
	ToolMACD             = "macd"
	ToolATR              = "atr"
)

// Result is what lands in the analysis transcript: a payload or a
// structured error, never both.
type Result struct {
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (r Result) Failed() bool { return r.Error != "" }

type Dispatcher struct {
	Timeout time.Duration

	eval   *sandbox.Evaluator
	sims   *sandbox.Registry
	source market.Source
}

func NewDispatcher(eval *sandbox.Evaluator, sims *sandbox.Registry, source market.Source) *Dispatcher {
	if eval == nil {
		eval = sandbox.NewEvaluator()
	}
	if sims == nil {
		sims = sandbox.NewRegistry(eval)
	}
	return &Dispatcher{
		Timeout: DefaultTimeout,
		eval:    eval,
		sims:    sims,
		source:  source,
	}
}

// Names lists the dispatchable tools, for prompt rendering.
func (d *Dispatcher) Names() []string {
	return []string{
		ToolPrice, ToolEMA, ToolRSI, ToolMACD, ToolATR,
		ToolCustomEquation, ToolDefineSimulation, ToolRunSimulation,
	}
}

// Dispatch runs one tool call under the per-call timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params map[string]any, snap market.Snapshot) Result {
	name = strings.ToLower(strings.TrimSpace(name))
	res := Result{Tool: name}
	if name == "" {
		res.Error = "tool name is required"
		return res
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		payload any
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("tools: %s panicked: %v\n%s", name, r, debug.Stack())
				done <- outcome{err: fmt.Errorf("tool %s crashed", name)}
			}
		}()
		payload, err := d.invoke(ctx, name, params, snap)
		done <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			res.Error = out.err.Error()
		} else {
			res.Result = out.payload
		}
	case <-ctx.Done():
		res.Error = fmt.Sprintf("tool %s timed out after %s", name, timeout)
	}
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, name string, params map[string]any, snap market.Snapshot) (any, error) {
	switch name {
	case ToolCustomEquation:
		var p equationParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return d.customEquation(ctx, p)
	case ToolDefineSimulation:
		var p defineParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return d.defineSimulation(p)
	case ToolRunSimulation:
		var p runParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return d.runSimulation(ctx, p, snap)
	case ToolPrice:
		var p priceParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return toolPrice(snap, p)
	case ToolEMA:
		var p seriesParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return d.toolEMA(ctx, p)
	case ToolRSI:
		var p seriesParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return d.toolRSI(ctx, p)
	case ToolMACD:
		var p macdParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return d.toolMACD(ctx, p)
	case ToolATR:
		var p seriesParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return d.toolATR(ctx, p)
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

type equationParams struct {
	Expression string             `mapstructure:"expression"`
	Variables  map[string]float64 `mapstructure:"variables"`
}

type equationResult struct {
	Expression string  `json:"expression"`
	Value      float64 `json:"value"`
}

func (d *Dispatcher) customEquation(ctx context.Context, p equationParams) (any, error) {
	value, err := d.eval.Evaluate(ctx, p.Expression, p.Variables)
	if err != nil {
		return nil, err
	}
	return equationResult{Expression: p.Expression, Value: value}, nil
}

type defineParams struct {
	Name      string             `mapstructure:"name"`
	Equations []sandbox.Equation `mapstructure:"equations"`
	Defaults  map[string]float64 `mapstructure:"variable_defaults"`
}

type defineResult struct {
	SimulationID string `json:"simulation_id"`
	Name         string `json:"name"`
	Equations    int    `json:"equations"`
}

func (d *Dispatcher) defineSimulation(p defineParams) (any, error) {
	id, err := d.sims.Define(p.Name, p.Equations, p.Defaults)
	if err != nil {
		return nil, err
	}
	return defineResult{SimulationID: id, Name: p.Name, Equations: len(p.Equations)}, nil
}

type runParams struct {
	SimulationID string             `mapstructure:"simulation_id"`
	Parameters   map[string]float64 `mapstructure:"parameters"`
}

func (d *Dispatcher) runSimulation(ctx context.Context, p runParams, snap market.Snapshot) (any, error) {
	return d.sims.Run(ctx, p.SimulationID, p.Parameters, resolveMarketVars(snap))
}

// resolveMarketVars binds snapshot prices so equations can reference
// them as price_BTCUSDT / change24h_BTCUSDT.
func resolveMarketVars(snap market.Snapshot) map[string]float64 {
	out := make(map[string]float64, 2*len(snap.Tickers))
	for _, t := range snap.Tickers {
		sym := strings.ToUpper(strings.TrimSpace(t.Symbol))
		if sym == "" {
			continue
		}
		out["price_"+sym] = t.Price
		out["change24h_"+sym] = t.Change24h
	}
	return out
}

func decodeParams(params map[string]any, into any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           into,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("bad parameters: %w", err)
	}
	return nil
}

func equalSymbol(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
