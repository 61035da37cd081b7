package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDefineAndRun(t *testing.T) {
	r := NewRegistry(NewEvaluator())
	ctx := context.Background()

	id, err := r.Define("momentum", []Equation{
		{Name: "spread", Expr: "high - low"},
		{Name: "mid", Expr: "(high + low) / 2"},
		{Name: "ratio", Expr: "spread / mid"},
	}, map[string]float64{"high": 110, "low": 90})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res, err := r.Run(ctx, id, nil, nil)
	require.NoError(t, err)
	assert.True(t, res.Convergence)
	assert.InDelta(t, 20.0, res.Outputs["spread"], 1e-9)
	assert.InDelta(t, 100.0, res.Outputs["mid"], 1e-9)
	assert.InDelta(t, 0.2, res.Outputs["ratio"], 1e-9)
	assert.Equal(t, 1.0, res.Confidence)
}

// Running a defined simulation with no overrides must match evaluating
// the equations directly against the defaults.
func TestRegistryRunMatchesDirectEvaluation(t *testing.T) {
	eval := NewEvaluator()
	r := NewRegistry(eval)
	ctx := context.Background()

	eqs := []Equation{
		{Name: "a", Expr: "x * 2"},
		{Name: "b", Expr: "a + sqrt(x)"},
	}
	defaults := map[string]float64{"x": 9}

	id, err := r.Define("direct", eqs, defaults)
	require.NoError(t, err)
	res, err := r.Run(ctx, id, nil, nil)
	require.NoError(t, err)

	vars := map[string]float64{"x": 9}
	for _, eq := range eqs {
		direct, derr := eval.Evaluate(ctx, eq.Expr, vars)
		require.NoError(t, derr)
		assert.InDelta(t, direct, res.Outputs[eq.Name], 1e-9, eq.Name)
		vars[eq.Name] = direct
	}
}

func TestRegistryOverridesAndResolved(t *testing.T) {
	r := NewRegistry(NewEvaluator())
	id, err := r.Define("priced", []Equation{
		{Name: "notional", Expr: "price * qty"},
	}, map[string]float64{"qty": 2, "price": 1})
	require.NoError(t, err)

	// resolved market values win over overrides, overrides over defaults
	res, err := r.Run(context.Background(), id, map[string]float64{"price": 50}, map[string]float64{"price": 100})
	require.NoError(t, err)
	assert.InDelta(t, 200.0, res.Outputs["notional"], 1e-9)
}

func TestRegistryPartialFailure(t *testing.T) {
	r := NewRegistry(NewEvaluator())
	id, err := r.Define("partial", []Equation{
		{Name: "bad", Expr: "1/0"},
		{Name: "good", Expr: "2+2"},
		{Name: "dependent", Expr: "bad + 1"},
	}, nil)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), id, nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Convergence)
	assert.NotContains(t, res.Outputs, "bad")
	assert.InDelta(t, 4.0, res.Outputs["good"], 1e-9)
	// "dependent" references the failed output, so it fails too.
	assert.NotContains(t, res.Outputs, "dependent")
	assert.Contains(t, res.Errors, "bad")
	assert.InDelta(t, 1.0/3.0, res.Confidence, 1e-9)
}

func TestRegistryNoForwardReferences(t *testing.T) {
	r := NewRegistry(NewEvaluator())
	id, err := r.Define("forward", []Equation{
		{Name: "first", Expr: "later + 1"},
		{Name: "later", Expr: "2"},
	}, nil)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), id, nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Convergence)
	assert.NotContains(t, res.Outputs, "first")
	assert.InDelta(t, 2.0, res.Outputs["later"], 1e-9)
}

func TestRegistryDefineRejections(t *testing.T) {
	r := NewRegistry(NewEvaluator())

	t.Run("too_many_equations", func(t *testing.T) {
		eqs := make([]Equation, MaxEquations+1)
		for i := range eqs {
			eqs[i] = Equation{Name: "e" + string(rune('a'+i)), Expr: "1"}
		}
		_, err := r.Define("big", eqs, nil)
		require.Error(t, err)
		assert.True(t, IsReject(err))
	})
	t.Run("bad_grammar", func(t *testing.T) {
		_, err := r.Define("bad", []Equation{{Name: "e", Expr: "import os"}}, nil)
		require.Error(t, err)
		assert.True(t, IsReject(err))
	})
	t.Run("duplicate_names", func(t *testing.T) {
		_, err := r.Define("dup", []Equation{
			{Name: "e", Expr: "1"},
			{Name: "e", Expr: "2"},
		}, nil)
		require.Error(t, err)
	})
	t.Run("empty_name", func(t *testing.T) {
		_, err := r.Define("", []Equation{{Name: "e", Expr: "1"}}, nil)
		require.Error(t, err)
	})
}

func TestRegistryTTLEviction(t *testing.T) {
	r := NewRegistry(NewEvaluator())
	r.TTL = 10 * time.Millisecond

	id, err := r.Define("shortlived", []Equation{{Name: "e", Expr: "1"}}, nil)
	require.NoError(t, err)
	_, ok := r.Lookup(id)
	assert.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = r.Lookup(id)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryCapEvictsOldest(t *testing.T) {
	r := NewRegistry(NewEvaluator())
	r.MaxEntries = 2

	first, err := r.Define("one", []Equation{{Name: "e", Expr: "1"}}, nil)
	require.NoError(t, err)
	_, err = r.Define("two", []Equation{{Name: "e", Expr: "2"}}, nil)
	require.NoError(t, err)
	_, err = r.Define("three", []Equation{{Name: "e", Expr: "3"}}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	_, ok := r.Lookup(first)
	assert.False(t, ok)
}
