package sandbox

import (
	"context"
	"math"
	"time"
)

const (
	DefaultMaxExprLen = 500
	DefaultTimeout    = 2 * time.Second

	// ctx is polled every deadlineStride eval steps; expressions are
	// loop-free so this only guards pathological operator chains.
	deadlineStride = 256
)

// Evaluator runs expressions under a length cap and a hard timeout that
// is independent of (and tighter than) any caller budget.
type Evaluator struct {
	MaxExprLen int
	Timeout    time.Duration
}

func NewEvaluator() *Evaluator {
	return &Evaluator{
		MaxExprLen: DefaultMaxExprLen,
		Timeout:    DefaultTimeout,
	}
}

// Evaluate parses and evaluates expr against vars. Every identifier must
// resolve in vars and the result must be finite; anything else returns a
// RejectError and no value.
func (e *Evaluator) Evaluate(ctx context.Context, expr string, vars map[string]float64) (float64, error) {
	compiled, err := e.Compile(expr)
	if err != nil {
		return 0, err
	}
	return compiled.Run(ctx, e.Timeout, vars)
}

// Compile validates expr against the grammar and length cap without
// binding identifiers, so the same tree can run against many variable
// sets (the simulation registry relies on this).
func (e *Evaluator) Compile(expr string) (*Compiled, error) {
	maxLen := e.MaxExprLen
	if maxLen <= 0 {
		maxLen = DefaultMaxExprLen
	}
	if len(expr) > maxLen {
		return nil, rejectf("expression length %d exceeds limit %d", len(expr), maxLen)
	}
	root, err := parse(expr)
	if err != nil {
		return nil, err
	}
	return &Compiled{root: root}, nil
}

// Compiled is a validated expression tree.
type Compiled struct {
	root node
}

// Vars returns the identifiers the expression references.
func (c *Compiled) Vars() []string {
	set := make(map[string]struct{})
	freeVars(c.root, set)
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

// Run evaluates the tree. Identifier binding is checked up front so a
// missing variable can never be observed mid-evaluation.
func (c *Compiled) Run(ctx context.Context, timeout time.Duration, vars map[string]float64) (float64, error) {
	set := make(map[string]struct{})
	freeVars(c.root, set)
	for name := range set {
		if _, ok := vars[name]; !ok {
			return 0, rejectf("unknown identifier %q", name)
		}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	w := &walker{ctx: ctx, vars: vars}
	v, err := w.eval(c.root)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, rejectf("non-finite result")
	}
	return v, nil
}

type walker struct {
	ctx   context.Context
	vars  map[string]float64
	steps int
}

func (w *walker) eval(n node) (float64, error) {
	w.steps++
	if w.steps%deadlineStride == 0 {
		if err := w.ctx.Err(); err != nil {
			return 0, rejectf("evaluation timed out")
		}
	}
	switch v := n.(type) {
	case numberNode:
		return v.value, nil
	case varNode:
		return w.vars[v.name], nil
	case unaryNode:
		inner, err := w.eval(v.operand)
		if err != nil {
			return 0, err
		}
		return -inner, nil
	case binaryNode:
		left, err := w.eval(v.left)
		if err != nil {
			return 0, err
		}
		right, err := w.eval(v.right)
		if err != nil {
			return 0, err
		}
		switch v.op {
		case '+':
			return left + right, nil
		case '-':
			return left - right, nil
		case '*':
			return left * right, nil
		case '/':
			return left / right, nil
		case '^':
			return math.Pow(left, right), nil
		}
		return 0, rejectf("unsupported operator %q", string(v.op))
	case callNode:
		args := make([]float64, len(v.args))
		for i, a := range v.args {
			val, err := w.eval(a)
			if err != nil {
				return 0, err
			}
			args[i] = val
		}
		return applyFunc(v.fn, args)
	default:
		return 0, rejectf("unsupported expression node")
	}
}

func applyFunc(fn string, args []float64) (float64, error) {
	switch fn {
	case "sqrt":
		return math.Sqrt(args[0]), nil
	case "log":
		return math.Log(args[0]), nil
	case "exp":
		return math.Exp(args[0]), nil
	case "sin":
		return math.Sin(args[0]), nil
	case "cos":
		return math.Cos(args[0]), nil
	case "abs":
		return math.Abs(args[0]), nil
	case "min":
		return math.Min(args[0], args[1]), nil
	case "max":
		return math.Max(args[0], args[1]), nil
	default:
		return 0, rejectf("unknown function %q", fn)
	}
}
