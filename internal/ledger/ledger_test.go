package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talos/internal/market"
)

func testConfig() Config {
	return Config{
		InitialBalance: 10000,
		MinMargin:      50,
		MinLeverage:    1,
		MaxLeverage:    50,
		FeeRate:        0.03,
		Cooldown:       30 * time.Minute,
	}
}

func openBTC(t *testing.T, l *Ledger, margin float64, lev int) *Position {
	t.Helper()
	pos, err := l.OpenPosition(OpenRequest{
		Symbol:     "BTCUSDT",
		Side:       Long,
		MarginUSD:  margin,
		Leverage:   lev,
		EntryPrice: 60000,
		StopLoss:   55000,
		TakeProfit: 70000,
	})
	require.NoError(t, err)
	return pos
}

func snapshotAt(price float64) market.Snapshot {
	return market.Snapshot{
		TakenAt: time.Now(),
		Tickers: []market.Ticker{{Symbol: "BTCUSDT", Price: price}},
	}
}

func TestOpenPositionDeductsMargin(t *testing.T) {
	l := New("a1", testConfig())
	pos := openBTC(t, l, 2000, 10)

	assert.Equal(t, 8000.0, l.Balance())
	assert.InDelta(t, 54000.0, pos.LiquidationPrice, 1e-6)
	assert.Len(t, l.Positions(), 1)
}

func TestOpenPositionRejections(t *testing.T) {
	cases := []struct {
		name string
		req  OpenRequest
		want error
	}{
		{
			"margin_below_minimum",
			OpenRequest{Symbol: "BTCUSDT", Side: Long, MarginUSD: 10, Leverage: 5, EntryPrice: 60000},
			ErrMarginTooSmall,
		},
		{
			"margin_exceeds_balance",
			OpenRequest{Symbol: "BTCUSDT", Side: Long, MarginUSD: 10001, Leverage: 5, EntryPrice: 60000},
			ErrInsufficientBalance,
		},
		{
			"leverage_too_high",
			OpenRequest{Symbol: "BTCUSDT", Side: Long, MarginUSD: 500, Leverage: 51, EntryPrice: 60000},
			ErrLeverageRange,
		},
		{
			"leverage_zero",
			OpenRequest{Symbol: "BTCUSDT", Side: Long, MarginUSD: 500, Leverage: 0, EntryPrice: 60000},
			ErrLeverageRange,
		},
		{
			"long_stop_above_entry",
			OpenRequest{Symbol: "BTCUSDT", Side: Long, MarginUSD: 500, Leverage: 5, EntryPrice: 60000, StopLoss: 61000},
			ErrStopOrdering,
		},
		{
			"short_take_profit_above_entry",
			OpenRequest{Symbol: "BTCUSDT", Side: Short, MarginUSD: 500, Leverage: 5, EntryPrice: 60000, TakeProfit: 61000},
			ErrStopOrdering,
		},
		{
			"missing_symbol",
			OpenRequest{Side: Long, MarginUSD: 500, Leverage: 5, EntryPrice: 60000},
			ErrBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := New("a1", testConfig())
			before := l.Balance()
			_, err := l.OpenPosition(tc.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, before, l.Balance(), "balance must be untouched on rejection")
			assert.Empty(t, l.Positions())
		})
	}
}

func TestCloseConservation(t *testing.T) {
	l := New("a1", testConfig())
	pos := openBTC(t, l, 2000, 10)
	before := l.Balance()

	order, err := l.ClosePosition(pos.ID, 63000, ReasonDecision)
	require.NoError(t, err)

	// +5% move at 10x on $2000 margin = +$1000
	assert.InDelta(t, 1000.0, order.RealizedPnL, 1e-6)
	// 3% per leg on $20000 notional = $600 per leg
	assert.InDelta(t, 1200.0, order.Fee, 1e-6)
	assert.Equal(t, before+order.MarginUSD+order.RealizedPnL-order.Fee, l.Balance())

	assert.Empty(t, l.Positions())
	orders := l.Orders(0)
	require.Len(t, orders, 1)
	assert.Equal(t, order.ID, orders[0].ID)
}

func TestCloseUnknownPosition(t *testing.T) {
	l := New("a1", testConfig())
	_, err := l.ClosePosition("nope", 60000, ReasonDecision)
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestCooldownEnforcement(t *testing.T) {
	l := New("a1", testConfig())
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return current })

	pos := openBTC(t, l, 2000, 10)
	_, err := l.ClosePosition(pos.ID, 61000, ReasonDecision)
	require.NoError(t, err)

	// Inside the cooldown window: rejected no matter how good the setup.
	current = current.Add(29 * time.Minute)
	_, err = l.OpenPosition(OpenRequest{
		Symbol: "BTCUSDT", Side: Long, MarginUSD: 500, Leverage: 5, EntryPrice: 61000,
	})
	assert.ErrorIs(t, err, ErrCooldownActive)

	// At the boundary: allowed.
	current = current.Add(time.Minute)
	_, err = l.OpenPosition(OpenRequest{
		Symbol: "BTCUSDT", Side: Long, MarginUSD: 500, Leverage: 5, EntryPrice: 61000,
	})
	assert.NoError(t, err)
}

func TestTickUpdatesUnrealizedPnL(t *testing.T) {
	l := New("a1", testConfig())
	openBTC(t, l, 2000, 10)

	closed := l.Tick(snapshotAt(61200))
	assert.Empty(t, closed)

	positions := l.Positions()
	require.Len(t, positions, 1)
	// +2% * 10x * 2000 = +400
	assert.InDelta(t, 400.0, positions[0].UnrealizedPnL, 1e-6)
	assert.Equal(t, 61200.0, positions[0].MarkPrice)
}

func TestTickLiquidationScenario(t *testing.T) {
	// §scenario: $10k balance, long $2000 at 10x from $60k. Liquidation
	// at $54k; a tick at $53.9k force-closes at the liquidation price
	// and the balance loses the margin plus capped fees, never negative.
	l := New("a1", testConfig())
	pos := openBTC(t, l, 2000, 10)
	assert.InDelta(t, 54000.0, pos.LiquidationPrice, 1e-6)

	closed := l.Tick(snapshotAt(53900))
	require.Len(t, closed, 1)
	order := closed[0]
	assert.Equal(t, ReasonLiquidation, order.Reason)
	assert.Equal(t, 54000.0, order.ExitPrice)
	assert.InDelta(t, -2000.0, order.RealizedPnL, 1e-6)

	assert.GreaterOrEqual(t, l.Balance(), 0.0)
	assert.Equal(t, 8000.0-order.Fee, l.Balance())
	assert.Empty(t, l.Positions())
}

func TestTickLiquidationBeatsStopLoss(t *testing.T) {
	l := New("a1", testConfig())
	// Stop placed below the liquidation price: a crash through both
	// must settle at liquidation, and only once.
	_, err := l.OpenPosition(OpenRequest{
		Symbol: "BTCUSDT", Side: Long, MarginUSD: 2000, Leverage: 10,
		EntryPrice: 60000, StopLoss: 53000,
	})
	require.NoError(t, err)

	closed := l.Tick(snapshotAt(50000))
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonLiquidation, closed[0].Reason)
	assert.Equal(t, 54000.0, closed[0].ExitPrice)
	assert.Len(t, l.Orders(0), 1)
}

func TestTickStopLossAndTakeProfit(t *testing.T) {
	t.Run("stop_loss_long", func(t *testing.T) {
		l := New("a1", testConfig())
		openBTC(t, l, 2000, 5) // liq at 48000, stop at 55000
		closed := l.Tick(snapshotAt(54900))
		require.Len(t, closed, 1)
		assert.Equal(t, ReasonStopLoss, closed[0].Reason)
		assert.Equal(t, 55000.0, closed[0].ExitPrice)
	})
	t.Run("take_profit_long", func(t *testing.T) {
		l := New("a1", testConfig())
		openBTC(t, l, 2000, 5)
		closed := l.Tick(snapshotAt(70500))
		require.Len(t, closed, 1)
		assert.Equal(t, ReasonTakeProfit, closed[0].Reason)
		assert.Equal(t, 70000.0, closed[0].ExitPrice)
	})
	t.Run("short_triggers_mirror", func(t *testing.T) {
		l := New("a1", testConfig())
		_, err := l.OpenPosition(OpenRequest{
			Symbol: "ETHUSDT", Side: Short, MarginUSD: 500, Leverage: 5,
			EntryPrice: 3000, StopLoss: 3200, TakeProfit: 2700,
		})
		require.NoError(t, err)
		closed := l.Tick(market.Snapshot{Tickers: []market.Ticker{{Symbol: "ETHUSDT", Price: 2650}}})
		require.Len(t, closed, 1)
		assert.Equal(t, ReasonTakeProfit, closed[0].Reason)
		assert.Equal(t, 2700.0, closed[0].ExitPrice)
	})
}

func TestTickMissingPriceKeepsPosition(t *testing.T) {
	l := New("a1", testConfig())
	openBTC(t, l, 2000, 10)
	closed := l.Tick(market.Snapshot{Tickers: []market.Ticker{{Symbol: "ETHUSDT", Price: 3000}}})
	assert.Empty(t, closed)
	assert.Len(t, l.Positions(), 1)
}

func TestOrdersAreImmutableCopies(t *testing.T) {
	l := New("a1", testConfig())
	pos := openBTC(t, l, 2000, 10)
	_, err := l.ClosePosition(pos.ID, 61000, ReasonDecision)
	require.NoError(t, err)

	got := l.Orders(0)
	got[0].RealizedPnL = -999
	again := l.Orders(0)
	assert.NotEqual(t, -999.0, again[0].RealizedPnL)
}

func TestSnapshotShape(t *testing.T) {
	l := New("a1", testConfig())
	pos := openBTC(t, l, 2000, 10)
	l.Tick(snapshotAt(61200))
	_, err := l.ClosePosition(pos.ID, 61200, ReasonDecision)
	require.NoError(t, err)
	openBTCAgainAfterCooldown(t, l)

	snap := l.Snapshot()
	assert.NotZero(t, snap.Balance)
	assert.Len(t, snap.Orders, 1)
	assert.Contains(t, snap.Cooldowns, "BTCUSDT")
	assert.Equal(t, 10000.0, snap.InitialValue)
}

func openBTCAgainAfterCooldown(t *testing.T, l *Ledger) {
	t.Helper()
	_, err := l.OpenPosition(OpenRequest{
		Symbol: "ETHUSDT", Side: Long, MarginUSD: 200, Leverage: 3, EntryPrice: 3000,
	})
	require.NoError(t, err)
}
