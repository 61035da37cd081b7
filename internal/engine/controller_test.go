package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"talos/internal/ledger"
	"talos/internal/market"
	"talos/internal/oracle"
	"talos/internal/sandbox"
	"talos/internal/tools"
)

// scriptedProvider replays canned responses, one per round.
type scriptedProvider struct {
	responses []string
	calls     int
	prompts   []oracle.Prompt
}

func (p *scriptedProvider) ID() string { return "scripted" }

func (p *scriptedProvider) Call(_ context.Context, prompt oracle.Prompt) (string, error) {
	p.prompts = append(p.prompts, prompt)
	if p.calls >= len(p.responses) {
		return "", errors.New("script exhausted")
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) ID() string { return "mock" }

func (m *mockProvider) Call(ctx context.Context, prompt oracle.Prompt) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

type blockingProvider struct{}

func (blockingProvider) ID() string { return "blocking" }

func (blockingProvider) Call(ctx context.Context, _ oracle.Prompt) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func testController(provider oracle.Provider, source market.Source) *Controller {
	eval := sandbox.NewEvaluator()
	c := NewController(provider, tools.NewDispatcher(eval, sandbox.NewRegistry(eval), source))
	c.RoundTimeout = 2 * time.Second
	c.CycleBudget = 10 * time.Second
	return c
}

func testInput(source *market.StaticSource) CycleInput {
	snap, _ := source.Snapshot(context.Background())
	return CycleInput{
		Agent:    "tester",
		Snapshot: snap,
		Template: PromptTemplate{System: DefaultSystemPrompt, User: DefaultUserPrompt},
	}
}

func TestRunCycleDecisionFirstRound(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`[{"action": "LONG", "symbol": "BTCUSDT", "size": 2000, "leverage": 10,
		  "stop_loss": 57000, "take_profit": 66000}]`,
	}}
	source := market.NewStaticSource(market.Ticker{Symbol: "BTCUSDT", Price: 60000})
	c := testController(provider, source)

	res := c.RunCycle(context.Background(), testInput(source))
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.RoundsUsed)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, ActionLong, res.Decisions[0].Action)
	assert.Empty(t, res.Transcript)
}

func TestRunCycleAnalyzeThenDecide(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`{"action": "ANALYZE", "tool": "custom_equation",
		  "parameters": {"expression": "margin * leverage",
		                 "variables": {"margin": 100, "leverage": 5}},
		  "reasoning": "size the exposure"}`,
		`[{"action": "HOLD", "reasoning": "exposure fine, nothing to do"}]`,
	}}
	source := market.NewStaticSource(market.Ticker{Symbol: "BTCUSDT", Price: 60000})
	c := testController(provider, source)

	res := c.RunCycle(context.Background(), testInput(source))
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.RoundsUsed)
	assert.Empty(t, res.Decisions, "holds are filtered")
	require.Len(t, res.Transcript, 1)

	step := res.Transcript[0]
	assert.Equal(t, 1, step.Iteration)
	assert.Equal(t, "custom_equation", step.Tool)
	assert.Empty(t, step.Error)
	assert.NotNil(t, step.Result)

	// Round two must see round one's tool output.
	require.Len(t, provider.prompts, 2)
	assert.Contains(t, provider.prompts[1].User, "custom_equation")
}

func TestRunCycleToolFailureRecordedAndLoopContinues(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`{"action": "ANALYZE", "tool": "no_such_tool", "parameters": {}}`,
		`[{"action": "HOLD"}]`,
	}}
	source := market.NewStaticSource(market.Ticker{Symbol: "BTCUSDT", Price: 60000})
	c := testController(provider, source)

	res := c.RunCycle(context.Background(), testInput(source))
	require.NoError(t, res.Err)
	require.Len(t, res.Transcript, 1)
	assert.NotEmpty(t, res.Transcript[0].Error)
}

func TestRunCycleTerminalRoundRefusesAnalyze(t *testing.T) {
	analyze := `{"action": "ANALYZE", "tool": "get_price", "parameters": {"symbol": "BTCUSDT"}}`
	provider := &scriptedProvider{responses: []string{analyze, analyze, analyze, analyze, analyze}}
	source := market.NewStaticSource(market.Ticker{Symbol: "BTCUSDT", Price: 60000})
	c := testController(provider, source)

	res := c.RunCycle(context.Background(), testInput(source))
	require.ErrorIs(t, res.Err, ErrParse)
	assert.Equal(t, DefaultMaxRounds, res.RoundsUsed)
	assert.Empty(t, res.Decisions)
	// Only the first four rounds executed tools.
	assert.Len(t, res.Transcript, DefaultMaxRounds-1)
}

func TestRunCycleUnparseableRetriedThenFails(t *testing.T) {
	garbage := "the vibes are immaculate today"
	provider := &scriptedProvider{responses: []string{garbage, garbage, garbage, garbage, garbage}}
	source := market.NewStaticSource(market.Ticker{Symbol: "BTCUSDT", Price: 60000})
	c := testController(provider, source)

	res := c.RunCycle(context.Background(), testInput(source))
	require.ErrorIs(t, res.Err, ErrParse)
	assert.Equal(t, DefaultMaxRounds, res.RoundsUsed)
	assert.Empty(t, res.Decisions)

	// Retry prompts carry the corrective note.
	require.GreaterOrEqual(t, len(provider.prompts), 2)
	assert.Contains(t, provider.prompts[1].User, "could not be parsed")
}

func TestRunCycleRecoversAfterOneBadRound(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		"no json here",
		`[{"action": "SHORT", "symbol": "ETHUSDT", "size": 500, "leverage": 5,
		  "stop_loss": 3300, "take_profit": 2800}]`,
	}}
	source := market.NewStaticSource(market.Ticker{Symbol: "ETHUSDT", Price: 3000})
	c := testController(provider, source)

	res := c.RunCycle(context.Background(), testInput(source))
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.RoundsUsed)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, ActionShort, res.Decisions[0].Action)
}

func TestRunCycleOracleDownRetriesThenFails(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Call", mock.Anything, mock.Anything).
		Return("", errors.New("connection refused")).
		Times(DefaultMaxRounds)
	source := market.NewStaticSource(market.Ticker{Symbol: "BTCUSDT", Price: 60000})
	c := testController(provider, source)

	res := c.RunCycle(context.Background(), testInput(source))
	require.ErrorIs(t, res.Err, ErrOracle)
	assert.Equal(t, DefaultMaxRounds, res.RoundsUsed)
	assert.Empty(t, res.Decisions)
	provider.AssertExpectations(t)
}

func TestRunCycleOracleRecoversMidCycle(t *testing.T) {
	provider := &mockProvider{}
	provider.On("Call", mock.Anything, mock.Anything).
		Return("", errors.New("bad gateway")).Once()
	provider.On("Call", mock.Anything, mock.Anything).
		Return(`[{"action": "HOLD"}]`, nil).Once()
	source := market.NewStaticSource(market.Ticker{Symbol: "BTCUSDT", Price: 60000})
	c := testController(provider, source)

	res := c.RunCycle(context.Background(), testInput(source))
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.RoundsUsed)
	provider.AssertExpectations(t)
}

func TestRunCycleBudgetExceeded(t *testing.T) {
	source := market.NewStaticSource(market.Ticker{Symbol: "BTCUSDT", Price: 60000})
	c := testController(blockingProvider{}, source)
	c.CycleBudget = 50 * time.Millisecond
	c.RoundTimeout = time.Minute

	start := time.Now()
	res := c.RunCycle(context.Background(), testInput(source))
	require.ErrorIs(t, res.Err, ErrCycleTimeout)
	assert.Empty(t, res.Decisions)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestApplyDecisionsOpensAndRejectsIndependently(t *testing.T) {
	source := market.NewStaticSource(market.Ticker{Symbol: "BTCUSDT", Price: 60000})
	led := ledger.New("tester", ledger.DefaultConfig())
	c := testController(&scriptedProvider{}, source)
	in := testInput(source)

	decisions := []Decision{
		{Action: ActionLong, Symbol: "BTCUSDT", SizeUSD: 2000, Leverage: 10,
			StopLoss: 57000, TakeProfit: 66000},
		// Missing stops: dropped without touching the first one.
		{Action: ActionShort, Symbol: "BTCUSDT", SizeUSD: 1000, Leverage: 5},
		// Unknown symbol has no snapshot price.
		{Action: ActionLong, Symbol: "DOGEUSDT", SizeUSD: 500, Leverage: 3,
			StopLoss: 0.1, TakeProfit: 0.3},
	}
	outcomes := c.ApplyDecisions(led, in, decisions)
	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Applied)
	assert.False(t, outcomes[1].Applied)
	assert.False(t, outcomes[2].Applied)
	assert.Contains(t, outcomes[2].Detail, "no snapshot price")
	assert.Len(t, led.Positions(), 1)
}

func TestApplyDecisionsClose(t *testing.T) {
	source := market.NewStaticSource(market.Ticker{Symbol: "BTCUSDT", Price: 60000})
	led := ledger.New("tester", ledger.DefaultConfig())
	pos, err := led.OpenPosition(ledger.OpenRequest{
		Symbol: "BTCUSDT", Side: ledger.Long, MarginUSD: 2000, Leverage: 10,
		StopLoss: 57000, TakeProfit: 66000, EntryPrice: 60000,
	})
	require.NoError(t, err)

	source.SetPrice("BTCUSDT", 63000)
	c := testController(&scriptedProvider{}, source)
	in := testInput(source)
	in.Portfolio = led.Snapshot()

	outcomes := c.ApplyDecisions(led, in, []Decision{
		{Action: ActionClose, ClosePositionID: pos.ID},
		{Action: ActionClose, ClosePositionID: "missing"},
		{Action: ActionClose},
	})
	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Applied)
	assert.False(t, outcomes[1].Applied)
	assert.False(t, outcomes[2].Applied)
	assert.Contains(t, outcomes[2].Detail, "closePositionId")
	assert.Empty(t, led.Positions())
}
